// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package queue implements the ordered broadcast-intent playlist that drives
// the coordinator when no manual broadcast is active.
package queue

import (
	"sync"

	"github.com/nishisan-dev/botwave/internal/broadcast"
)

// Starter launches an intent through the broadcast coordinator.
type Starter interface {
	Start(intent broadcast.Intent, manual bool) error
	Paused() bool
}

// Queue holds an ordered list of broadcast intents, guarded by its own mutex.
type Queue struct {
	mu sync.Mutex
	items []broadcast.Intent
	current *broadcast.Intent
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{}
}

// Push appends an intent to the tail of the queue.
func (q *Queue) Push(intent broadcast.Intent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, intent)
}

// Pop removes and returns the head of the queue, if any.
func (q *Queue) Pop() (broadcast.Intent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return broadcast.Intent{}, false
	}
	head := q.items[0]
	q.items = q.items[1:]
	return head, true
}

// Clear empties the queue.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
}

// List returns a snapshot of the pending items.
func (q *Queue) List() []broadcast.Intent {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]broadcast.Intent, len(q.items))
	copy(out, q.items)
	return out
}

// Controller drives Queue against a Starter, advancing on END
// notifications from the broadcast coordinator. One instance per queue;
// its mutex guards "current", and HandleEnd checks and clears it in one
// critical section, so each launched item advances the queue at most once.
type Controller struct {
	queue *Queue
	starter Starter

	mu sync.Mutex
	current *broadcast.Intent
}

// NewController wires a Controller to queue and starter. Call HandleEnd from
// the coordinator's OnEnd callback.
func NewController(q *Queue, starter Starter) *Controller {
	return &Controller{queue: q, starter: starter}
}

// StepNext pops the next item and starts it as an autoplay (non-manual)
// broadcast, unless the queue is empty or the coordinator is paused.
func (c *Controller) StepNext() bool {
	if c.starter.Paused() {
		return false
	}
	intent, ok := c.queue.Pop()
	if !ok {
		return false
	}

	c.mu.Lock()
	c.current = &intent
	c.mu.Unlock()

	c.starter.Start(intent, false)
	return true
}

// HandleEnd is called when an agent reports END. If the queue is not paused
// and the ended filename matches what the controller launched, it advances.
func (c *Controller) HandleEnd(agentID, filename string) {
	c.mu.Lock()
	if c.current == nil || c.current.Filename != filename || c.starter.Paused() {
		c.mu.Unlock()
		return
	}
	c.current = nil
	c.mu.Unlock()

	c.StepNext()
}
