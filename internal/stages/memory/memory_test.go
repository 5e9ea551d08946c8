package memory

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noema/internal/kernel"
	"noema/internal/state"
)

func withPackz(id, text string) state.Tree {
	return state.Tree{
		"clock": state.Tree{"now_ms": 1700000000000.0},
		"perception": state.Tree{
			"packz": state.Tree{
				"id": id, "text": text,
				"signals": state.Tree{"speech_act": "statement"},
			},
		},
	}
}

func TestWALRecordSignature(t *testing.T) {
	env := WAL(withPackz("p1", "hello"))
	require.Equal(t, kernel.StatusOK, env["status"])
	records := state.GetSlice(env, "memory.wal.records")
	require.Len(t, records, 1)
	rec := records[0].(state.Tree)
	sig, _ := rec["sig"].(string)
	require.Len(t, sig, 40)

	// Signature covers the record minus the signature itself.
	bare := state.CloneTree(rec)
	delete(bare, "sig")
	assert.Equal(t, state.Hash(bare), sig)
	assert.Equal(t, WALStream, rec["stream"])
}

func TestWALSkipsWithoutPackz(t *testing.T) {
	env := WAL(state.Tree{})
	assert.Equal(t, kernel.StatusSkip, env["status"])
}

func TestIndexBuildsOps(t *testing.T) {
	env := Index(withPackz("p1", "The quick brown fox jumps"))
	require.Equal(t, kernel.StatusOK, env["status"])
	ops := state.GetSlice(env, "memory.index.ops")
	require.Len(t, ops, 1)
	op := ops[0].(state.Tree)
	assert.Equal(t, "index_doc", op["op"])
	assert.Equal(t, "p1", op["id"])
	assert.NotEmpty(t, op["tokens"])
	assert.NotEmpty(t, op["grams"])
	assert.Len(t, op["sketch"].([]any), sketchSlots)
}

func TestRetrieveRanksBySimilarity(t *testing.T) {
	s := withPackz("cur", "database backup schedule")
	state.Set(s, "memory.index.docs", state.Tree{
		"near": state.Tree{"text": "backup schedule for the database", "at": 1699990000000.0},
		"far":  state.Tree{"text": "holiday cooking recipes", "at": 1699990000000.0},
	})
	env := Retrieve(s)
	require.Equal(t, kernel.StatusOK, env["status"])
	hits := state.GetSlice(env, "memory.retrieval.hits")
	require.Len(t, hits, 2)
	first := hits[0].(state.Tree)
	assert.Equal(t, "near", first["id"])
}

func TestRetrieveTopKBound(t *testing.T) {
	s := withPackz("cur", "alpha beta gamma")
	docs := state.Tree{}
	for i := 0; i < retrievalTopK+3; i++ {
		docs[fmt.Sprintf("d%d", i)] = state.Tree{"text": "alpha beta", "at": 1699990000000.0}
	}
	state.Set(s, "memory.index.docs", docs)
	env := Retrieve(s)
	assert.Len(t, state.GetSlice(env, "memory.retrieval.hits"), retrievalTopK)
}

func TestCacheRingBehavior(t *testing.T) {
	s := withPackz("p1", "first")
	env := Cache(s)
	recent := state.GetSlice(env, "memory.cache.recent")
	require.Len(t, recent, 1)

	// Grow past the bound.
	cur := state.CloneTree(s)
	for i := 0; i < maxRecent+3; i++ {
		state.Set(cur, "perception.packz.id", fmt.Sprintf("p%d", i))
		state.Set(cur, "perception.packz.text", fmt.Sprintf("turn %d", i))
		env = Cache(cur)
		state.Set(cur, "memory.cache.recent", state.GetSlice(env, "memory.cache.recent"))
	}
	recent = state.GetSlice(env, "memory.cache.recent")
	assert.Len(t, recent, maxRecent)
	last := recent[len(recent)-1].(state.Tree)
	assert.Equal(t, fmt.Sprintf("p%d", maxRecent+2), last["id"])
}

func TestCacheDedupesSameID(t *testing.T) {
	s := withPackz("p1", "hello")
	state.Set(s, "memory.cache.recent", []any{state.Tree{"id": "p1", "text": "hello"}})
	env := Cache(s)
	assert.Len(t, state.GetSlice(env, "memory.cache.recent"), 1)
}
