// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package registry holds the fleet-wide map of live agents and resolves
// operator-facing target expressions against it.
package registry

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nishisan-dev/botwave/internal/protocol"
)

// AgentRecord is the controller's view of one connected agent.
type AgentRecord struct {
	AgentID string
	Hostname string
	Machine string
	System string
	Release string
	Version string
	PeerAddr string
	ConnectedAt time.Time
	LastSeen time.Time
	Authenticated bool

	// RTT tracks PING/PONG round-trip time for this session, surfaced by the
	// STATUS console command.
	RTT *RTTTracker

	// Kick, when non-nil, closes the underlying session. Installed by the
	// session layer when the record is created.
	Kick func(reason string)

	// Send, when non-nil, enqueues a frame for delivery on the underlying
	// session's writer. Installed alongside Kick.
	Send func(f protocol.Frame) error
}

// Registry is the fleet-wide map of agent_id -> AgentRecord. Safe for
// concurrent use from the session dispatcher and the transfer service.
type Registry struct {
	mu sync.RWMutex
	agents map[string]*AgentRecord
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{agents: make(map[string]*AgentRecord)}
}

// Install inserts rec, evicting and kicking any existing session with the
// same AgentID first: at most one live session per agent_id.
func (r *Registry) Install(rec *AgentRecord) {
	r.mu.Lock()
	old, existed := r.agents[rec.AgentID]
	r.agents[rec.AgentID] = rec
	r.mu.Unlock()

	if existed && old.Kick != nil {
		old.Kick("Superseded by a new registration for the same agent")
	}
}

// Remove deletes an agent_id from the registry. It is a no-op if the record
// has already been replaced by a newer registration (rec must match the
// stored pointer to avoid removing a fresher session on delayed cleanup).
func (r *Registry) Remove(agentID string, rec *AgentRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.agents[agentID]; ok && cur == rec {
		delete(r.agents, agentID)
	}
}

// Get returns the record for agentID, if live.
func (r *Registry) Get(agentID string) (*AgentRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.agents[agentID]
	return rec, ok
}

// Touch updates LastSeen for agentID.
func (r *Registry) Touch(agentID string) {
	r.mu.RLock()
	rec, ok := r.agents[agentID]
	r.mu.RUnlock()
	if ok {
		rec.LastSeen = time.Now()
	}
}

// List returns a snapshot of all live records, ordered by AgentID.
func (r *Registry) List() []*AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*AgentRecord, 0, len(r.agents))
	for _, rec := range r.agents {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Resolution is the outcome of resolving a target expression: the
// deduplicated, ordered agent ids that matched, and the tokens that matched
// nothing (reported to the operator but non-fatal).
type Resolution struct {
	AgentIDs []string
	Unknown []string
}

// Resolve expands a target expression against the current registry
// snapshot. "all" expands to every live agent; otherwise expr is a
// comma-separated list of tokens, each matched against agent_id first and
// hostname second (first match wins).
func (r *Registry) Resolve(expr string) Resolution {
	expr = strings.TrimSpace(expr)
	records := r.List()

	if expr == "all" {
		res := Resolution{AgentIDs: make([]string, len(records))}
		for i, rec := range records {
			res.AgentIDs[i] = rec.AgentID
		}
		return res
	}

	seen := make(map[string]bool)
	var res Resolution
	for _, tok := range strings.Split(expr, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if id, ok := matchToken(records, tok); ok {
			if !seen[id] {
				seen[id] = true
				res.AgentIDs = append(res.AgentIDs, id)
			}
			continue
		}
		res.Unknown = append(res.Unknown, tok)
	}
	return res
}

func matchToken(records []*AgentRecord, tok string) (string, bool) {
	for _, rec := range records {
		if rec.AgentID == tok {
			return rec.AgentID, true
		}
	}
	for _, rec := range records {
		if rec.Hostname == tok {
			return rec.AgentID, true
		}
	}
	return "", false
}

// IsLocalDir reports whether a target-expression token denotes a local
// directory rather than a set of agents: a trailing slash.
func IsLocalDir(token string) bool {
	return strings.HasSuffix(token, "/")
}

// ComputeAgentID derives the stable identity used to key the registry:
// sanitize(hostname) + "_" + peer_ip.
func ComputeAgentID(hostname, peerIP string) string {
	return sanitizeHostname(hostname) + "_" + peerIP
}

// sanitizeHostname collapses anything that isn't alphanumeric, '-', or '_'
// into '_' so a hostname can never smuggle a path separator or quote into
// the derived agent_id.
func sanitizeHostname(hostname string) string {
	var sb strings.Builder
	for _, r := range hostname {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}
	}
	if sb.Len() == 0 {
		return "unknown"
	}
	return sb.String()
}
