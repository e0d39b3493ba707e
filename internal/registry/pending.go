// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrDisconnected is returned to a pending caller when the owning agent's
// session closes before a reply arrives.
var ErrDisconnected = errors.New("registry: agent disconnected")

// ErrTimeout is returned when a pending response is not resolved within its
// caller-supplied deadline.
var ErrTimeout = errors.New("registry: pending response timed out")

type pendingKey struct {
	agentID string
	kind string
}

// PendingTable tracks in-flight request/response correlations keyed by
// (agent_id, kind) — currently only "files".
type PendingTable struct {
	mu sync.Mutex
	waiters map[pendingKey]chan result
}

type result struct {
	value string
	err error
}

// NewPendingTable creates an empty correlation table.
func NewPendingTable() *PendingTable {
	return &PendingTable{waiters: make(map[pendingKey]chan result)}
}

// Await registers a waiter for (agentID, kind) and blocks until Resolve,
// Fail, ctx cancellation, or timeout via ctx deadline.
func (p *PendingTable) Await(ctx context.Context, agentID, kind string) (string, error) {
	key := pendingKey{agentID, kind}
	ch := make(chan result, 1)

	p.mu.Lock()
	if _, exists := p.waiters[key]; exists {
		p.mu.Unlock()
		return "", fmt.Errorf("registry: a %s request for %s is already pending", kind, agentID)
	}
	p.waiters[key] = ch
	p.mu.Unlock()

	defer p.clear(key, ch)

	select {
	case r := <-ch:
		return r.value, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", ErrTimeout
		}
		return "", ctx.Err()
	}
}

// Resolve completes a pending (agentID, kind) wait with value. It is a no-op
// if nothing is waiting (an unsolicited or late reply).
func (p *PendingTable) Resolve(agentID, kind, value string) {
	p.deliver(agentID, kind, result{value: value})
}

// Fail completes a pending (agentID, kind) wait with an error.
func (p *PendingTable) Fail(agentID, kind string, err error) {
	p.deliver(agentID, kind, result{err: err})
}

// FailAll fails every pending wait for agentID with ErrDisconnected, called
// by the session layer on connection close.
func (p *PendingTable) FailAll(agentID string) {
	p.mu.Lock()
	var chans []chan result
	for key, ch := range p.waiters {
		if key.agentID == agentID {
			chans = append(chans, ch)
		}
	}
	p.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- result{err: ErrDisconnected}:
		default:
		}
	}
}

func (p *PendingTable) deliver(agentID, kind string, r result) {
	key := pendingKey{agentID, kind}
	p.mu.Lock()
	ch, ok := p.waiters[key]
	p.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- r:
	default:
	}
}

func (p *PendingTable) clear(key pendingKey, ch chan result) {
	p.mu.Lock()
	if cur, ok := p.waiters[key]; ok && cur == ch {
		delete(p.waiters, key)
	}
	p.mu.Unlock()
}
