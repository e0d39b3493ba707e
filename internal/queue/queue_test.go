// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package queue

import (
	"testing"

	"github.com/nishisan-dev/botwave/internal/broadcast"
)

type fakeStarter struct {
	paused  bool
	started []broadcast.Intent
}

func (f *fakeStarter) Start(intent broadcast.Intent, manual bool) error {
	f.started = append(f.started, intent)
	return nil
}

func (f *fakeStarter) Paused() bool { return f.paused }

func TestQueue_PushPopOrdering(t *testing.T) {
	q := New()
	q.Push(broadcast.Intent{Filename: "a.wav"})
	q.Push(broadcast.Intent{Filename: "b.wav"})

	first, ok := q.Pop()
	if !ok || first.Filename != "a.wav" {
		t.Fatalf("expected a.wav first, got %+v", first)
	}
	second, ok := q.Pop()
	if !ok || second.Filename != "b.wav" {
		t.Fatalf("expected b.wav second, got %+v", second)
	}
	if _, ok := q.Pop(); ok {
		t.Fatal("expected empty queue")
	}
}

func TestQueue_Clear(t *testing.T) {
	q := New()
	q.Push(broadcast.Intent{Filename: "a.wav"})
	q.Clear()
	if len(q.List()) != 0 {
		t.Fatal("expected empty queue after Clear")
	}
}

func TestController_StepNextLaunchesHead(t *testing.T) {
	q := New()
	q.Push(broadcast.Intent{Filename: "a.wav"})
	starter := &fakeStarter{}
	c := NewController(q, starter)

	if !c.StepNext() {
		t.Fatal("expected StepNext to launch the head item")
	}
	if len(starter.started) != 1 || starter.started[0].Filename != "a.wav" {
		t.Fatalf("started = %+v", starter.started)
	}
}

func TestController_StepNextRefusesWhenPaused(t *testing.T) {
	q := New()
	q.Push(broadcast.Intent{Filename: "a.wav"})
	starter := &fakeStarter{paused: true}
	c := NewController(q, starter)

	if c.StepNext() {
		t.Fatal("expected StepNext to refuse while paused")
	}
}

func TestController_HandleEndOnLastItemStartsNothingAndClearsCurrent(t *testing.T) {
	q := New()
	q.Push(broadcast.Intent{Filename: "b.wav"})
	starter := &fakeStarter{}
	c := NewController(q, starter)
	c.StepNext() // launches b.wav, leaving the queue empty

	c.HandleEnd("pi1", "b.wav")
	// after END for the currently-playing item, queue was empty so nothing new starts,
	// but HandleEnd must not panic and must clear current.
	if len(starter.started) != 1 {
		t.Fatalf("expected exactly 1 start call, got %d", len(starter.started))
	}
	if c.current != nil {
		t.Errorf("expected current to be cleared, got %q", c.current.Filename)
	}
}

func TestController_HandleEndIgnoresUnrelatedFilename(t *testing.T) {
	q := New()
	q.Push(broadcast.Intent{Filename: "a.wav"})
	starter := &fakeStarter{}
	c := NewController(q, starter)
	c.StepNext()

	c.HandleEnd("pi1", "unrelated.wav")
	if len(starter.started) != 1 {
		t.Fatalf("expected END for an unrelated file to be ignored, got %d starts", len(starter.started))
	}
}

func TestController_HandleEndRespectsPause(t *testing.T) {
	q := New()
	q.Push(broadcast.Intent{Filename: "a.wav"})
	q.Push(broadcast.Intent{Filename: "b.wav"})
	starter := &fakeStarter{}
	c := NewController(q, starter)
	c.StepNext()

	starter.paused = true
	c.HandleEnd("pi1", "a.wav")
	if len(starter.started) != 1 {
		t.Fatalf("expected no advance while paused, got %d starts", len(starter.started))
	}
}
