// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package agent implements the edge-device client: it dials the controller's
// WebSocket control plane, mirrors the registration handshake, and drives a
// Modulator in response to START/STOP/LIVE frames.
package agent

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Modulator is the narrow interface to the FM transmitter hardware. Real
// drivers live outside this module; Stub is the dev/test implementation
// selected by config when modulator.device == "stub".
type Modulator interface {
	Start(freqMHz float64, ps, rt, pi string, source io.Reader) error
	Stop() error
}

// NewModulator selects a Modulator implementation by device name.
func NewModulator(device string, logger *slog.Logger) (Modulator, error) {
	switch device {
	case "", "stub":
		return &StubModulator{logger: logger}, nil
	default:
		return nil, fmt.Errorf("agent: unsupported modulator device %q (only \"stub\" is built in)", device)
	}
}

// StubModulator logs what a real driver would do instead of keying a
// transmitter. Only one broadcast may be active at a time.
type StubModulator struct {
	logger *slog.Logger
	mu sync.Mutex
	active bool
}

// Start implements Modulator.
func (m *StubModulator) Start(freqMHz float64, ps, rt, pi string, source io.Reader) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = true
	m.logger.Info("modulator: starting", "freq_mhz", freqMHz, "ps", ps, "rt", rt, "pi", pi)
	return nil
}

// Stop implements Modulator.
func (m *StubModulator) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return nil
	}
	m.active = false
	m.logger.Info("modulator: stopping")
	return nil
}
