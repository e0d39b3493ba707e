// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package broadcast

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/nishisan-dev/botwave/internal/protocol"
)

type fakeSender struct {
	mu   sync.Mutex
	sent map[string]protocol.Frame
}

func newFakeSender() *fakeSender { return &fakeSender{sent: make(map[string]protocol.Frame)} }

func (f *fakeSender) SendTo(agentID string, frame protocol.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[agentID] = frame
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStart_StaggersDelayedStartAcrossTargets(t *testing.T) {
	sender := newFakeSender()
	c := New(sender, true, testLogger())

	err := c.Start(Intent{Targets: []string{"a", "b", "c"}, Filename: "song.wav"}, true)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	startAt := sender.sent["a"].Kwarg("start_at")
	for _, id := range []string{"a", "b", "c"} {
		if sender.sent[id].Kwarg("start_at") != startAt {
			t.Errorf("expected identical start_at across targets, agent %s got %q want %q", id, sender.sent[id].Kwarg("start_at"), startAt)
		}
	}
	if startAt == "0" {
		t.Error("expected a non-zero delayed start for 3 targets with wait_start on")
	}
}

func TestStart_NoDelayForSingleTarget(t *testing.T) {
	sender := newFakeSender()
	c := New(sender, true, testLogger())

	c.Start(Intent{Targets: []string{"a"}, Filename: "song.wav"}, true)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if sender.sent["a"].Kwarg("start_at") != "0" {
		t.Errorf("expected start_at=0 for a single target, got %q", sender.sent["a"].Kwarg("start_at"))
	}
}

func TestStart_SetsPauseFlagWhenManual(t *testing.T) {
	sender := newFakeSender()
	c := New(sender, true, testLogger())
	c.Start(Intent{Targets: []string{"a"}}, true)
	if !c.Paused() {
		t.Error("expected manual start to set the pause flag")
	}
}

func TestStart_DoesNotPauseWhenAutoplay(t *testing.T) {
	sender := newFakeSender()
	c := New(sender, true, testLogger())
	c.Start(Intent{Targets: []string{"a"}}, false)
	if c.Paused() {
		t.Error("expected autoplay-driven start to leave the pause flag untouched")
	}
}

func TestHandleEnd_NotifiesListeners(t *testing.T) {
	sender := newFakeSender()
	c := New(sender, true, testLogger())

	var gotAgent, gotFile string
	c.OnEnd(func(agentID, filename string) { gotAgent, gotFile = agentID, filename })

	c.HandleEnd("pi1_1.2.3.4", "song.wav")
	if gotAgent != "pi1_1.2.3.4" || gotFile != "song.wav" {
		t.Errorf("listener got (%q, %q)", gotAgent, gotFile)
	}
}

func TestStop_SetsPauseAndClearsActive(t *testing.T) {
	sender := newFakeSender()
	c := New(sender, true, testLogger())
	c.Start(Intent{Targets: []string{"a"}}, false)
	c.Stop([]string{"a"})
	if !c.Paused() {
		t.Error("expected STOP to set the pause flag")
	}
	if c.active != nil {
		t.Error("expected STOP to clear the active intent")
	}
}
