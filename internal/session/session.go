// Package session owns per-thread state: seed construction, serialized access,
// and the manager that creates sessions on first use.
package session

import (
	"sync"

	"noema/internal/state"
)

// Session is one thread's state plus the mutex that serializes its ticks.
type Session struct {
	ID string

	mu    sync.Mutex
	state state.Tree
}

// Update runs fn over the session state under the lock. fn receives the live
// tree and must return the next one (usually the tick output).
func (s *Session) Update(fn func(state.Tree) state.Tree) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = fn(s.state)
}

// Snapshot returns a deep copy of the current state.
func (s *Session) Snapshot() state.Tree {
	s.mu.Lock()
	defer s.mu.Unlock()
	return state.CloneTree(s.state)
}

// Manager hands out sessions keyed by thread id.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager builds an empty manager.
func NewManager() *Manager {
	return &Manager{sessions: map[string]*Session{}}
}

// Get returns the session for threadID, creating it with seed state on first
// use.
func (m *Manager) Get(threadID string) *Session {
	m.mu.RLock()
	s, ok := m.sessions[threadID]
	m.mu.RUnlock()
	if ok {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[threadID]; ok {
		return s
	}
	s = &Session{ID: threadID, state: SeedState(threadID)}
	m.sessions[threadID] = s
	return s
}

// ThreadIDs lists the known sessions.
func (m *Manager) ThreadIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	return out
}

// SeedState is the starting state for a fresh thread: dev policy config,
// neutral learning weights, and a healthy baseline.
func SeedState(threadID string) state.Tree {
	weights := state.Tree{}
	for _, label := range []string{
		"direct_answer", "execute_action", "ask_clarification", "acknowledge_only",
		"small_talk", "closing", "refuse_or_safecheck", "other",
	} {
		weights[label] = 0.5
	}

	return state.Tree{
		"session": state.Tree{"thread_id": threadID},
		"policy": state.Tree{
			"version":  "ver-dev",
			"learning": state.Tree{"weights": weights, "updates": 0, "confidence": 0.5},
		},
		"runtime":       state.Tree{"config": DevConfig()},
		"observability": state.Tree{"slo": state.Tree{"score": 0.95}},
		"world_model":   state.Tree{"uncertainty": state.Tree{"score": 0.2}},
		"concept_graph": state.Tree{"version": state.Tree{"id": "concept-v0"}},
	}
}

// DevConfig is the default runtime config for development threads.
func DevConfig() state.Tree {
	return state.Tree{
		"guardrails": state.Tree{
			"must_confirm":          state.Tree{"u_threshold": 0.4},
			"block_execute_when":    state.Tree{"slo_below": 0.0},
			"latency_soft_limit_ms": 1500.0,
			"index_queue_soft_max":  1000.0,
		},
		"executor": state.Tree{
			"timeout_ms":  15000.0,
			"parallelism": state.Tree{"max_inflight": 2.0},
		},
		"features": state.Tree{"cheap_models": true},
	}
}
