// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package broadcast implements the fan-out/scheduling coordinator:
// START/STOP/LIVE fan-out, delayed-start computation, and the END
// notifications that drive the queue controller.
package broadcast

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nishisan-dev/botwave/internal/protocol"
)

// waitStartPerAgent is the per-agent stagger applied when wait_start is on
// and more than one target is addressed.
const waitStartPerAgent = 20 * time.Second

// Sender delivers a built frame to one agent_id. Implemented by the
// controller's session registry.
type Sender interface {
	SendTo(agentID string, f protocol.Frame) error
}

// Intent is a broadcast request resolved against live targets.
type Intent struct {
	Targets []string
	Filename string
	Frequency string
	PS, RT, PI string
	Loop bool
	StartAt int64 // UTC epoch seconds, 0 = ASAP
}

// EndListener is notified whenever an agent reports END for the currently
// active intent, so the queue controller can decide whether to advance.
type EndListener func(agentID, filename string)

// Coordinator tracks the single active (manual) broadcast and fans out
// control frames to targets.
type Coordinator struct {
	mu sync.Mutex
	sender Sender
	logger *slog.Logger
	paused bool
	active *Intent
	onEnd []EndListener
	waitStart bool
	transferBaseURL string
}

// New creates a Coordinator bound to sender.
func New(sender Sender, waitStart bool, logger *slog.Logger) *Coordinator {
	return &Coordinator{sender: sender, waitStart: waitStart, logger: logger}
}

// SetTransferBaseURL configures the base URL advertised in STREAM_TOKEN
// frames (e.g. "https://controller.local:9921") so agents can reach
// /stream/<token> without guessing the transfer plane's port.
func (c *Coordinator) SetTransferBaseURL(base string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transferBaseURL = base
}

// OnEnd registers a listener invoked whenever END arrives from an agent.
func (c *Coordinator) OnEnd(fn EndListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEnd = append(c.onEnd, fn)
}

// Paused reports the manual-pause flag (set by any direct START/STOP/LIVE).
func (c *Coordinator) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Resume clears the manual-pause flag, letting the queue controller resume
// autoplay.
func (c *Coordinator) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
}

// Start fans out a START frame to intent.Targets, computing start_at when
// wait_start staggering applies. manual distinguishes an operator-issued
// broadcast (which sets the pause flag) from an autoplay one driven by the
// queue controller (which does not).
func (c *Coordinator) Start(intent Intent, manual bool) error {
	now := time.Now().Unix()
	n := len(intent.Targets)

	if intent.StartAt == 0 && c.waitStart && n > 1 {
		intent.StartAt = now + int64(waitStartPerAgent.Seconds())*int64(n-1)
	}

	c.mu.Lock()
	if manual {
		c.paused = true
	}
	c.active = &intent
	c.mu.Unlock()

	for _, agentID := range intent.Targets {
		f := protocol.Frame{
			Command: protocol.CmdStart,
			Kwargs: map[string]string{
				"filename": intent.Filename,
				"freq": intent.Frequency,
				"ps": intent.PS,
				"rt": intent.RT,
				"pi": intent.PI,
				"loop": boolStr(intent.Loop),
				"start_at": fmt.Sprintf("%d", intent.StartAt),
			},
		}
		if err := c.sender.SendTo(agentID, f); err != nil {
			c.logger.Warn("broadcast: failed to send START", "agent_id", agentID, "err", err)
		}
	}

	return nil
}

// Stop fans out an unconditional STOP to targets. Every direct STOP is
// manual, so it always sets the pause flag.
func (c *Coordinator) Stop(targets []string) {
	c.mu.Lock()
	c.paused = true
	c.active = nil
	c.mu.Unlock()

	for _, agentID := range targets {
		if err := c.sender.SendTo(agentID, protocol.Frame{Command: protocol.CmdStop}); err != nil {
			c.logger.Warn("broadcast: failed to send STOP", "agent_id", agentID, "err", err)
		}
	}
}

// Live fans out a STREAM_TOKEN frame carrying the token and stream
// descriptor to targets.
func (c *Coordinator) Live(targets []string, token string, rate, channels int, freq, ps, rt, pi string) {
	c.mu.Lock()
	c.paused = true
	base := c.transferBaseURL
	c.mu.Unlock()

	f := protocol.Frame{
		Command: protocol.CmdStreamToken,
		Kwargs: map[string]string{
			"token": token,
			"url": base + "/stream/" + token,
			"rate": fmt.Sprintf("%d", rate),
			"channels": fmt.Sprintf("%d", channels),
			"freq": freq,
			"ps": ps,
			"rt": rt,
			"pi": pi,
		},
	}
	for _, agentID := range targets {
		if err := c.sender.SendTo(agentID, f); err != nil {
			c.logger.Warn("broadcast: failed to send STREAM_TOKEN", "agent_id", agentID, "err", err)
		}
	}
}

// HandleEnd processes an END frame from agentID, notifying registered
// listeners (the queue controller, primarily).
func (c *Coordinator) HandleEnd(agentID, filename string) {
	c.mu.Lock()
	listeners := append([]EndListener(nil), c.onEnd...)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(agentID, filename)
	}
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
