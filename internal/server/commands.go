// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nishisan-dev/botwave/internal/broadcast"
	"github.com/nishisan-dev/botwave/internal/registry"
)

// CommandResult is what an operator-console (or handler-script) line produces,
// reported back to the console; it is never sent on the wire.
type CommandResult struct {
	Lines []string
	Err error
}

func result(format string, a ...any) CommandResult {
	return CommandResult{Lines: []string{fmt.Sprintf(format, a...)}}
}

func errResult(err error) CommandResult {
	return CommandResult{Err: err}
}

// Dispatch executes one parsed console/handler-script line against the
// running controller. line is
// whitespace-tokenized the same way for both the interactive console and
// replayed handler scripts.
func (s *Server) Dispatch(ctx context.Context, line string) CommandResult {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return CommandResult{}
	}

	cmd := strings.ToUpper(fields[0])
	args := fields[1:]

	switch cmd {
	case "LIST":
		return s.cmdList()
	case "START":
		return s.cmdStart(args)
	case "STOP":
		return s.cmdStop(args)
	case "LIVE":
		return s.cmdLive(ctx, args)
	case "SYNC":
		return s.cmdSync(ctx, args)
	case "QUEUE":
		return s.cmdQueue(args)
	case "STATUS":
		return s.cmdStatus(args)
	default:
		return errResult(fmt.Errorf("unknown command %q", fields[0]))
	}
}

func (s *Server) cmdList() CommandResult {
	recs := s.registry.List()
	if len(recs) == 0 {
		return result("no agents connected")
	}
	lines := make([]string, 0, len(recs))
	for _, rec := range recs {
		lines = append(lines, fmt.Sprintf("%s hostname=%s version=%s connected_at=%s last_seen=%s rtt=%s",
			rec.AgentID, rec.Hostname, rec.Version,
			rec.ConnectedAt.Format(time.RFC3339), rec.LastSeen.Format(time.RFC3339), formatRTT(rec)))
	}
	return CommandResult{Lines: lines}
}

// cmdStatus implements STATUS [target], reporting the full connection detail
// (including measured PING/PONG round-trip time) for one or every agent.
func (s *Server) cmdStatus(args []string) CommandResult {
	var recs []*registry.AgentRecord
	if len(args) == 0 {
		recs = s.registry.List()
	} else {
		res := s.registry.Resolve(args[0])
		if len(res.AgentIDs) == 0 {
			return errResult(fmt.Errorf("no known agents matched %q", args[0]))
		}
		for _, id := range res.AgentIDs {
			if rec, ok := s.registry.Get(id); ok {
				recs = append(recs, rec)
			}
		}
	}
	if len(recs) == 0 {
		return result("no agents connected")
	}

	lines := make([]string, 0, len(recs))
	for _, rec := range recs {
		lines = append(lines, fmt.Sprintf(
			"%s hostname=%s machine=%s system=%s release=%s version=%s peer=%s connected_at=%s last_seen=%s rtt=%s",
			rec.AgentID, rec.Hostname, rec.Machine, rec.System, rec.Release, rec.Version, rec.PeerAddr,
			rec.ConnectedAt.Format(time.RFC3339), rec.LastSeen.Format(time.RFC3339), formatRTT(rec)))
	}
	return CommandResult{Lines: lines}
}

func formatRTT(rec *registry.AgentRecord) string {
	if rec.RTT == nil {
		return "n/a"
	}
	if rtt := rec.RTT.RTT(); rtt > 0 {
		return rtt.Round(time.Millisecond).String()
	}
	return "n/a"
}

// cmdStart implements the console grammar:
//
//	START <targets> <filename> [freq] [loop] [ps] [rt] [pi]
func (s *Server) cmdStart(args []string) CommandResult {
	if len(args) < 2 {
		return errResult(fmt.Errorf("usage: START <targets> <filename> [freq] [loop] [ps] [rt] [pi]"))
	}

	res := s.registry.Resolve(args[0])
	if len(res.AgentIDs) == 0 {
		return errResult(fmt.Errorf("no known agents matched %q", args[0]))
	}

	intent := broadcast.Intent{Targets: res.AgentIDs, Filename: args[1]}
	if len(args) > 2 {
		intent.Frequency = args[2]
	}
	if len(args) > 3 {
		loop, err := strconv.ParseBool(args[3])
		if err != nil {
			return errResult(fmt.Errorf("invalid loop flag %q: %w", args[3], err))
		}
		intent.Loop = loop
	}
	if len(args) > 4 {
		intent.PS = args[4]
	}
	if len(args) > 5 {
		intent.RT = args[5]
	}
	if len(args) > 6 {
		intent.PI = args[6]
	}

	if err := s.coordinator.Start(intent, true); err != nil {
		return errResult(fmt.Errorf("starting broadcast: %w", err))
	}
	s.replayHandler(context.Background(), "s_onstart")

	out := CommandResult{Lines: []string{fmt.Sprintf("broadcasting %s to %d target(s)", intent.Filename, len(res.AgentIDs))}}
	appendUnknown(&out, res.Unknown)
	return out
}

func (s *Server) cmdStop(args []string) CommandResult {
	if len(args) < 1 {
		return errResult(fmt.Errorf("usage: STOP <targets>"))
	}
	res := s.registry.Resolve(args[0])
	if len(res.AgentIDs) == 0 {
		return errResult(fmt.Errorf("no known agents matched %q", args[0]))
	}
	s.coordinator.Stop(res.AgentIDs)
	s.replayHandler(context.Background(), "s_onstop")
	out := result("stop sent to %d target(s)", len(res.AgentIDs))
	appendUnknown(&out, res.Unknown)
	return out
}

// cmdLive implements LIVE <targets> [rate] [channels] [freq] [ps] [rt] [pi].
func (s *Server) cmdLive(ctx context.Context, args []string) CommandResult {
	if len(args) < 1 {
		return errResult(fmt.Errorf("usage: LIVE <targets> [rate] [channels] [freq] [ps] [rt] [pi]"))
	}
	res := s.registry.Resolve(args[0])
	if len(res.AgentIDs) == 0 {
		return errResult(fmt.Errorf("no known agents matched %q", args[0]))
	}

	rate := 44100
	channels := 1
	var freq, ps, rt, pi string
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return errResult(fmt.Errorf("invalid sample rate %q: %w", args[1], err))
		}
		rate = n
	}
	if len(args) > 2 {
		n, err := strconv.Atoi(args[2])
		if err != nil {
			return errResult(fmt.Errorf("invalid channel count %q: %w", args[2], err))
		}
		channels = n
	}
	if len(args) > 3 {
		freq = args[3]
	}
	if len(args) > 4 {
		ps = args[4]
	}
	if len(args) > 5 {
		rt = args[5]
	}
	if len(args) > 6 {
		pi = args[6]
	}

	source, err := newLoopbackCapture(rate, channels)
	if err != nil {
		return errResult(fmt.Errorf("opening loopback capture: %w", err))
	}

	tok, err := s.tokens.MintStream(source, rate, channels)
	if err != nil {
		return errResult(fmt.Errorf("minting stream token: %w", err))
	}

	s.coordinator.Live(res.AgentIDs, tok.Value, rate, channels, freq, ps, rt, pi)

	out := result("live stream started for %d target(s)", len(res.AgentIDs))
	appendUnknown(&out, res.Unknown)
	return out
}

// cmdSync implements SYNC, dispatching across the three modes by trailing
// slash detection.
func (s *Server) cmdSync(ctx context.Context, args []string) CommandResult {
	if len(args) < 2 {
		return errResult(fmt.Errorf("usage: SYNC <dest> <source> (one side ends in '/')"))
	}
	left, right := args[0], args[1]

	switch {
	case registry.IsLocalDir(left) && !registry.IsLocalDir(right):
		res := s.registry.Resolve(right)
		if len(res.AgentIDs) != 1 {
			return errResult(fmt.Errorf("agent -> local sync requires exactly one source agent, matched %d", len(res.AgentIDs)))
		}
		if err := s.syncEngine.PullFromAgent(ctx, res.AgentIDs[0], strings.TrimSuffix(left, "/")); err != nil {
			return errResult(fmt.Errorf("syncing from agent to local: %w", err))
		}
		return result("synced %s -> %s", right, left)

	case !registry.IsLocalDir(left) && registry.IsLocalDir(right):
		res := s.registry.Resolve(left)
		if len(res.AgentIDs) == 0 {
			return errResult(fmt.Errorf("no known agents matched %q", left))
		}
		if err := s.syncEngine.PushToAgents(ctx, res.AgentIDs, strings.TrimSuffix(right, "/")); err != nil {
			return errResult(fmt.Errorf("syncing from local to agents: %w", err))
		}
		return result("synced %s -> %s", right, left)

	case !registry.IsLocalDir(left) && !registry.IsLocalDir(right):
		targets := s.registry.Resolve(left)
		if len(targets.AgentIDs) == 0 {
			return errResult(fmt.Errorf("no known agents matched %q", left))
		}
		source := s.registry.Resolve(right)
		if len(source.AgentIDs) != 1 {
			return errResult(fmt.Errorf("agent -> agents sync requires exactly one source agent, matched %d", len(source.AgentIDs)))
		}
		if err := s.syncEngine.SyncAgentToAgents(ctx, source.AgentIDs[0], targets.AgentIDs, s.cfg.Filesystem.UploadsDir); err != nil {
			return errResult(fmt.Errorf("syncing agent to agents: %w", err))
		}
		return result("synced %s -> %s", right, left)

	default:
		return errResult(fmt.Errorf("at most one of source/dest may be a local directory"))
	}
}

// cmdQueue implements QUEUE push|pop|clear|list|step-next.
func (s *Server) cmdQueue(args []string) CommandResult {
	if len(args) < 1 {
		return errResult(fmt.Errorf("usage: QUEUE push|pop|clear|list|step-next..."))
	}
	switch strings.ToLower(args[0]) {
	case "push":
		if len(args) < 3 {
			return errResult(fmt.Errorf("usage: QUEUE push <targets> <filename> [freq] [ps] [rt] [pi]"))
		}
		res := s.registry.Resolve(args[1])
		if len(res.AgentIDs) == 0 {
			return errResult(fmt.Errorf("no known agents matched %q", args[1]))
		}
		intent := broadcast.Intent{Targets: res.AgentIDs, Filename: args[2]}
		if len(args) > 3 {
			intent.Frequency = args[3]
		}
		if len(args) > 4 {
			intent.PS = args[4]
		}
		if len(args) > 5 {
			intent.RT = args[5]
		}
		if len(args) > 6 {
			intent.PI = args[6]
		}
		s.queueQueue.Push(intent)
		return result("queued %s for %d target(s)", intent.Filename, len(res.AgentIDs))

	case "pop":
		if _, ok := s.queueQueue.Pop(); !ok {
			return errResult(fmt.Errorf("queue is empty"))
		}
		return result("popped head of queue")

	case "clear":
		s.queueQueue.Clear()
		return result("queue cleared")

	case "list":
		items := s.queueQueue.List()
		if len(items) == 0 {
			return result("queue is empty")
		}
		lines := make([]string, 0, len(items))
		for i, it := range items {
			lines = append(lines, fmt.Sprintf("%d: %s -> %v", i, it.Filename, it.Targets))
		}
		return CommandResult{Lines: lines}

	case "step-next":
		if !s.queueCtrl.StepNext() {
			return errResult(fmt.Errorf("queue is empty or paused"))
		}
		return result("advanced queue")

	case "resume":
		s.coordinator.Resume()
		return result("queue resumed")

	default:
		return errResult(fmt.Errorf("unknown queue subcommand %q", args[0]))
	}
}

func appendUnknown(out *CommandResult, unknown []string) {
	if len(unknown) == 0 {
		return
	}
	out.Lines = append(out.Lines, fmt.Sprintf("unmatched target token(s): %s", strings.Join(unknown, ", ")))
}
