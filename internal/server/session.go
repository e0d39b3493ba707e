// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/nishisan-dev/botwave/internal/protocol"
	"github.com/nishisan-dev/botwave/internal/registry"
	"github.com/nishisan-dev/botwave/internal/session"
)

// clientSession is one agent's live connection, from the handshake scratch
// through READY dispatch to close.
type clientSession struct {
	conn *session.Conn
	peerIP string
	logger *slog.Logger

	state connState
	scratch scratch

	agentID string
	record *registry.AgentRecord
}

func newClientSession(conn *session.Conn, peerAddr string, logger *slog.Logger) *clientSession {
	host, _, err := net.SplitHostPort(peerAddr)
	if err != nil {
		host = peerAddr
	}
	return &clientSession{conn: conn, peerIP: host, logger: logger, state: stateOpen}
}

// handle processes one frame according to the connection state machine.
// It is invoked synchronously by session.Conn.Run for every decoded
// frame on this socket, in arrival order.
func (s *Server) handle(cs *clientSession, f protocol.Frame) {
	if cs.state != stateReady {
		s.handlePreReady(cs, f)
		return
	}
	s.handleReady(cs, f)
}

func (s *Server) handlePreReady(cs *clientSession, f protocol.Frame) {
	if !protocol.AllowedBeforeReady(f.Command) {
		cs.conn.Send(protocol.Frame{Command: protocol.CmdError, Kwargs: map[string]string{"message": "unexpected frame before registration completed"}})
		cs.conn.Close()
		return
	}
	cs.state = stateRegistering

	outcome, res, msg := cs.scratch.feed(f, s.cfg.Passkey, s.serverVersion)
	switch outcome {
	case outcomeContinue:
		return

	case outcomeAuthFailed:
		cs.conn.Send(protocol.Frame{Command: protocol.CmdAuthFailed, Kwargs: map[string]string{"message": msg}})
		cs.conn.Close()

	case outcomeVersionMismatch:
		cs.conn.Send(protocol.Frame{Command: protocol.CmdVersionMismatch, Kwargs: map[string]string{
			"server_version": s.serverVersion.String(),
			"client_version": f.Arg(0),
			"message": "Protocol version mismatch. Please update.",
		}})
		cs.conn.Close()

	case outcomeProtocolError:
		cs.conn.Send(protocol.Frame{Command: protocol.CmdError, Kwargs: map[string]string{"message": msg}})
		cs.conn.Close()

	case outcomeComplete:
		s.completeRegistration(cs, res)
	}
}

func (s *Server) completeRegistration(cs *clientSession, res handshakeResult) {
	agentID := registry.ComputeAgentID(res.hostname, cs.peerIP)

	rec := &registry.AgentRecord{
		AgentID: agentID,
		Hostname: res.hostname,
		Machine: res.machine,
		System: res.system,
		Release: res.release,
		Version: res.version.String(),
		PeerAddr: cs.peerIP,
		ConnectedAt: time.Now(),
		LastSeen: time.Now(),
		Authenticated: true,
		RTT: registry.NewRTTTracker(),
		Kick: func(reason string) {
			cs.conn.Send(protocol.Frame{Command: protocol.CmdKick, Kwargs: map[string]string{"reason": reason}})
			cs.conn.Close()
		},
		Send: func(f protocol.Frame) error {
			return cs.conn.Send(f)
		},
	}

	s.registry.Install(rec)

	cs.agentID = agentID
	cs.record = rec
	cs.state = stateReady

	cs.conn.Send(protocol.Frame{Command: protocol.CmdRegisterOK, Kwargs: map[string]string{
		"client_id": agentID,
		"server_version": s.serverVersion.String(),
	}})

	s.logger.Info("server: agent registered", "agent_id", agentID, "hostname", res.hostname, "version", res.version.String())
	s.replayHandler(context.Background(), "s_onconnect")
	s.replayHandler(context.Background(), "s_onwsjoin")
}

func (s *Server) handleReady(cs *clientSession, f protocol.Frame) {
	s.registry.Touch(cs.agentID)

	switch f.Command {
	case protocol.CmdPing:
		cs.conn.Send(protocol.Frame{Command: protocol.CmdPong})

	case protocol.CmdPong:
		if cs.record != nil && cs.record.RTT != nil {
			cs.record.RTT.RecordPong()
		}

	case protocol.CmdEnd:
		s.coordinator.HandleEnd(cs.agentID, f.Kwarg("filename"))

	case protocol.CmdOK:
		if files, ok := f.Kwargs["files"]; ok {
			s.pending.Resolve(cs.agentID, "files", files)
		}

	case protocol.CmdError:
		s.pending.Fail(cs.agentID, "files", fmt.Errorf("server: agent %s: %s", cs.agentID, f.Kwarg("message")))
		s.logger.Warn("server: agent reported error", "agent_id", cs.agentID, "message", f.Kwarg("message"))

	default:
		s.logger.Debug("server: ignoring unexpected frame from ready session", "agent_id", cs.agentID, "command", f.Command)
	}
}

// onClose runs when the session's socket closes for any reason: it evicts
// the registry entry (if it still points at this session) and fails any
// pending correlations for this agent.
func (s *Server) onClose(cs *clientSession) {
	if cs.record == nil {
		return
	}
	s.registry.Remove(cs.agentID, cs.record)
	s.pending.FailAll(cs.agentID)
	s.logger.Info("server: agent disconnected", "agent_id", cs.agentID)
	s.replayHandler(context.Background(), "s_ondisconnect")
	s.replayHandler(context.Background(), "s_onwsleave")
}

// SendTo implements broadcast.Sender and syncengine.Sender by looking up the
// live session for agentID and enqueueing the frame on its writer.
func (s *Server) SendTo(agentID string, f protocol.Frame) error {
	rec, ok := s.registry.Get(agentID)
	if !ok || rec.Send == nil {
		return fmt.Errorf("server: agent %s is not connected", agentID)
	}
	return rec.Send(f)
}

// pingLoop sends a PING every HeartbeatInterval and records the send time
// for RTT tracking. It does not count missed PONGs and does not close
// sessions that stop answering; it returns once a send fails.
func (s *Server) pingLoop(ctx context.Context, cs *clientSession) {
	ticker := time.NewTicker(s.cfg.Timeouts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if cs.record != nil && cs.record.RTT != nil {
				cs.record.RTT.RecordPingSent()
			}
			if cs.conn.Send(protocol.Frame{Command: protocol.CmdPing}) != nil {
				return
			}
		}
	}
}
