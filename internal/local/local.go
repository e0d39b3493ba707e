// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package local implements the non-networked single-box operator mode: the
// controller console's START, STOP, STATUS and QUEUE commands without their
// <targets> argument, driving a local Modulator directly instead of fanning
// frames out over a WebSocket session.
package local

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/nishisan-dev/botwave/internal/agent"
	"github.com/nishisan-dev/botwave/internal/broadcast"
	"github.com/nishisan-dev/botwave/internal/config"
	"github.com/nishisan-dev/botwave/internal/protocol"
	"github.com/nishisan-dev/botwave/internal/queue"
)

// localAgentID is the single synthetic target every local broadcast intent
// addresses, since there is exactly one modulator attached in this mode.
const localAgentID = "local"

// CLI is the local (is_local=true) operator loop: one process, one
// modulator, the controller console's commands minus their <targets> argument.
type CLI struct {
	cfg *config.AgentConfig
	logger *slog.Logger
	modulator agent.Modulator
	coordinator *broadcast.Coordinator
	queueQueue *queue.Queue
	queueCtrl *queue.Controller

	mu sync.Mutex
	active string // currently playing filename, "" if idle
}

// New constructs a local CLI bound to cfg's modulator/storage settings.
func New(cfg *config.AgentConfig, logger *slog.Logger) (*CLI, error) {
	modulator, err := agent.NewModulator(cfg.Modulator.Device, logger)
	if err != nil {
		return nil, err
	}

	c := &CLI{cfg: cfg, logger: logger, modulator: modulator}
	c.coordinator = broadcast.New(c, false, logger)
	c.queueQueue = queue.New()
	c.queueCtrl = queue.NewController(c.queueQueue, c.coordinator)
	c.coordinator.OnEnd(c.queueCtrl.HandleEnd)
	return c, nil
}

// SendTo implements broadcast.Sender for the single local target: it drives
// the modulator directly instead of serializing a frame over a socket.
func (c *CLI) SendTo(agentID string, f protocol.Frame) error {
	if agentID != localAgentID {
		return fmt.Errorf("local: unknown target %q", agentID)
	}
	switch f.Command {
	case protocol.CmdStart:
		return c.start(f)
	case protocol.CmdStop:
		return c.stop()
	default:
		return nil
	}
}

func (c *CLI) start(f protocol.Frame) error {
	filename := f.Kwarg("filename")
	path := filepath.Join(c.cfg.Storage.MediaDir, filename)
	source, err := os.Open(path)
	if err != nil {
		return err
	}
	defer source.Close()

	freq, _ := strconv.ParseFloat(f.Kwarg("freq"), 64)
	if err := c.modulator.Start(freq, f.Kwarg("ps"), f.Kwarg("rt"), f.Kwarg("pi"), source); err != nil {
		return err
	}

	c.mu.Lock()
	c.active = filename
	c.mu.Unlock()

	loop, _ := strconv.ParseBool(f.Kwarg("loop"))
	if !loop {
		c.coordinator.HandleEnd(localAgentID, filename)
	}
	return nil
}

func (c *CLI) stop() error {
	c.mu.Lock()
	c.active = ""
	c.mu.Unlock()
	return c.modulator.Stop()
}

// Dispatch runs one command line against the local controller. Its commands
// mirror the server console's, except that none takes a <targets> argument:
// every intent addresses the single local modulator.
func (c *CLI) Dispatch(line string) (string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil
	}
	cmd := strings.ToUpper(fields[0])
	args := fields[1:]

	switch cmd {
	case "START":
		if len(args) < 1 {
			return "", fmt.Errorf("usage: START <filename> [freq] [loop] [ps] [rt] [pi]")
		}
		intent := broadcast.Intent{Targets: []string{localAgentID}, Filename: args[0]}
		if len(args) > 1 {
			intent.Frequency = args[1]
		}
		if len(args) > 2 {
			intent.Loop, _ = strconv.ParseBool(args[2])
		}
		if len(args) > 3 {
			intent.PS = args[3]
		}
		if len(args) > 4 {
			intent.RT = args[4]
		}
		if len(args) > 5 {
			intent.PI = args[5]
		}
		if err := c.coordinator.Start(intent, true); err != nil {
			return "", err
		}
		return fmt.Sprintf("playing %s", intent.Filename), nil

	case "STOP":
		c.coordinator.Stop([]string{localAgentID})
		return "stopped", nil

	case "STATUS":
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.active == "" {
			return "idle", nil
		}
		return fmt.Sprintf("playing %s", c.active), nil

	case "QUEUE":
		return c.dispatchQueue(args)

	default:
		return "", fmt.Errorf("unknown command %q", fields[0])
	}
}

func (c *CLI) dispatchQueue(args []string) (string, error) {
	if len(args) < 1 {
		return "", fmt.Errorf("usage: QUEUE push|pop|clear|list|step-next...")
	}
	switch strings.ToLower(args[0]) {
	case "push":
		if len(args) < 2 {
			return "", fmt.Errorf("usage: QUEUE push <filename> [freq] [ps] [rt] [pi]")
		}
		intent := broadcast.Intent{Targets: []string{localAgentID}, Filename: args[1]}
		if len(args) > 2 {
			intent.Frequency = args[2]
		}
		if len(args) > 3 {
			intent.PS = args[3]
		}
		if len(args) > 4 {
			intent.RT = args[4]
		}
		if len(args) > 5 {
			intent.PI = args[5]
		}
		c.queueQueue.Push(intent)
		return fmt.Sprintf("queued %s", intent.Filename), nil

	case "pop":
		if _, ok := c.queueQueue.Pop(); !ok {
			return "", fmt.Errorf("queue is empty")
		}
		return "popped head of queue", nil

	case "clear":
		c.queueQueue.Clear()
		return "queue cleared", nil

	case "list":
		items := c.queueQueue.List()
		var sb strings.Builder
		for i, it := range items {
			fmt.Fprintf(&sb, "%d: %s\n", i, it.Filename)
		}
		return sb.String(), nil

	case "step-next":
		if !c.queueCtrl.StepNext() {
			return "", fmt.Errorf("queue is empty or paused")
		}
		return "advanced queue", nil

	case "resume":
		c.coordinator.Resume()
		return "queue resumed", nil

	default:
		return "", fmt.Errorf("unknown queue subcommand %q", args[0])
	}
}

// replayHandler runs <base>/handlers/l_<name> line by line, if present.
func (c *CLI) replayHandler(name string) {
	path := filepath.Join(c.cfg.Storage.MediaDir, "..", "handlers", "l_"+name)
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if _, err := c.Dispatch(line); err != nil {
			c.logger.Warn("local: handler script command failed", "handler", name, "line", line, "err", err)
		}
	}
}

// RunREPL runs the interactive loop until in reaches EOF or ctx is canceled.
func (c *CLI) RunREPL(ctx context.Context, in io.Reader, out io.Writer) {
	c.replayHandler("onready")
	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, "botwave-local> ")
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			if msg, err := c.Dispatch(line); err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			} else if msg != "" {
				fmt.Fprintln(out, msg)
			}
		}
		fmt.Fprint(out, "botwave-local> ")
	}
}
