// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package agent

import (
	"strings"
	"testing"
)

func TestNewModulator_StubDevice(t *testing.T) {
	for _, device := range []string{"", "stub"} {
		m, err := NewModulator(device, testLogger())
		if err != nil {
			t.Fatalf("NewModulator(%q): %v", device, err)
		}
		if _, ok := m.(*StubModulator); !ok {
			t.Errorf("NewModulator(%q) = %T, want *StubModulator", device, m)
		}
	}
}

func TestNewModulator_UnsupportedDevice(t *testing.T) {
	_, err := NewModulator("/dev/ttyUSB0", testLogger())
	if err == nil {
		t.Fatal("expected an error for an unsupported modulator device")
	}
	if !strings.Contains(err.Error(), "ttyUSB0") {
		t.Errorf("expected the error to name the device, got %v", err)
	}
}

func TestStubModulator_StartMarksActive(t *testing.T) {
	m := &StubModulator{logger: testLogger()}
	if err := m.Start(101.5, "WAVE", "now playing", "ABCD", strings.NewReader("pcm")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !m.active {
		t.Error("expected Start to mark the modulator active")
	}
}

func TestStubModulator_StopWhenInactiveIsNoop(t *testing.T) {
	m := &StubModulator{logger: testLogger()}
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop on an inactive modulator: %v", err)
	}
	if m.active {
		t.Error("expected an inactive modulator to remain inactive")
	}
}

func TestStubModulator_StopAfterStartClearsActive(t *testing.T) {
	m := &StubModulator{logger: testLogger()}
	_ = m.Start(101.5, "", "", "", strings.NewReader("pcm"))
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if m.active {
		t.Error("expected Stop to clear the active flag")
	}
}
