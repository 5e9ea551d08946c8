package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noema/internal/state"
)

func TestManagerCreatesOnFirstUse(t *testing.T) {
	m := NewManager()
	s1 := m.Get("t1")
	s2 := m.Get("t1")
	assert.Same(t, s1, s2)
	assert.NotSame(t, s1, m.Get("t2"))
	assert.ElementsMatch(t, []string{"t1", "t2"}, m.ThreadIDs())
}

func TestSeedStateShape(t *testing.T) {
	seed := SeedState("t1")
	assert.Equal(t, "t1", state.GetString(seed, "session.thread_id", ""))
	assert.Equal(t, "ver-dev", state.GetString(seed, "policy.version", ""))
	assert.Equal(t, 0.95, state.GetFloat(seed, "observability.slo.score", 0))
	assert.Equal(t, 0.2, state.GetFloat(seed, "world_model.uncertainty.score", 0))
	assert.Equal(t, "concept-v0", state.GetString(seed, "concept_graph.version.id", ""))

	weights := state.GetMap(seed, "policy.learning.weights")
	require.Len(t, weights, 8)
	for label, w := range weights {
		assert.Equal(t, 0.5, w, label)
	}

	assert.Equal(t, 0.4, state.GetFloat(seed, "runtime.config.guardrails.must_confirm.u_threshold", 0))
	assert.Equal(t, 15000.0, state.GetFloat(seed, "runtime.config.executor.timeout_ms", 0))
	assert.Equal(t, true, state.GetBool(seed, "runtime.config.features.cheap_models", false))
}

func TestSessionUpdateSerialized(t *testing.T) {
	m := NewManager()
	s := m.Get("t1")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Update(func(cur state.Tree) state.Tree {
				n := state.GetFloat(cur, "counter", 0)
				state.Set(cur, "counter", n+1)
				return cur
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 50.0, state.GetFloat(s.Snapshot(), "counter", 0))
}

func TestSnapshotIsIsolated(t *testing.T) {
	m := NewManager()
	s := m.Get("t1")
	snap := s.Snapshot()
	state.Set(snap, "session.thread_id", "mutated")
	assert.Equal(t, "t1", state.GetString(s.Snapshot(), "session.thread_id", ""))
}
