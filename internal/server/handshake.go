// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"fmt"

	"github.com/nishisan-dev/botwave/internal/protocol"
)

// connState is the per-connection state machine.
type connState int

const (
	stateOpen connState = iota
	stateRegistering
	stateReady
	stateClosing
)

// scratch accumulates handshake fields before a session is promoted to
// READY. Discarded once complete.
type scratch struct {
	hostname string
	machine string
	system string
	release string

	registered bool
	authOK bool
	version protocol.Version
	verSet bool
}

// handshakeResult is returned once all required frames have arrived.
type handshakeResult struct {
	hostname, machine, system, release string
	version protocol.Version
}

// handshakeOutcome classifies what to do after feeding one frame to the FSM.
type handshakeOutcome int

const (
	outcomeContinue handshakeOutcome = iota
	outcomeComplete
	outcomeAuthFailed
	outcomeVersionMismatch
	outcomeProtocolError
)

// feed applies one pre-READY frame to scratch. passkey is the controller's
// configured passkey ("" disables AUTH requirement); serverVersion is used
// for compatibility checks.
func (s *scratch) feed(f protocol.Frame, passkey string, serverVersion protocol.Version) (handshakeOutcome, handshakeResult, string) {
	switch f.Command {
	case protocol.CmdRegister:
		s.hostname = f.Kwarg("hostname")
		s.machine = f.Kwarg("machine")
		s.system = f.Kwarg("system")
		s.release = f.Kwarg("release")
		if s.hostname == "" {
			return outcomeProtocolError, handshakeResult{}, "REGISTER requires hostname"
		}
		s.registered = true

	case protocol.CmdAuth:
		provided := f.Arg(0)
		if passkey == "" || provided != passkey {
			return outcomeAuthFailed, handshakeResult{}, "invalid or missing passkey"
		}
		s.authOK = true

	case protocol.CmdVer:
		v, err := protocol.ParseVersion(f.Arg(0))
		if err != nil {
			return outcomeProtocolError, handshakeResult{}, fmt.Sprintf("malformed version: %v", err)
		}
		if !v.Compatible(serverVersion) {
			return outcomeVersionMismatch, handshakeResult{}, ""
		}
		s.version = v
		s.verSet = true

	default:
		return outcomeProtocolError, handshakeResult{}, "unexpected frame before registration completed"
	}

	if !s.registered || !s.verSet {
		return outcomeContinue, handshakeResult{}, ""
	}
	if passkey != "" && !s.authOK {
		return outcomeContinue, handshakeResult{}, ""
	}

	return outcomeComplete, handshakeResult{
		hostname: s.hostname, machine: s.machine, system: s.system, release: s.release,
		version: s.version,
	}, ""
}
