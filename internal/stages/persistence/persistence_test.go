package persistence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noema/internal/kernel"
	"noema/internal/state"
)

func turnState() state.Tree {
	return state.Tree{
		"clock":   state.Tree{"now_ms": 1700000000000.0},
		"session": state.Tree{"thread_id": "t1"},
		"perception": state.Tree{
			"packz": state.Tree{
				"text":    "hello there",
				"signals": state.Tree{"speech_act": "greeting"},
			},
		},
		"dialog": state.Tree{
			"final": state.Tree{"move": "answer", "text": "hi back"},
		},
		"planner": state.Tree{"plan": state.Tree{"id": "plan1", "skill_id": "skill.answer.direct"}},
	}
}

func TestCommitEmitsTurnOps(t *testing.T) {
	env := Commit(turnState())
	require.Equal(t, kernel.StatusOK, env["status"])
	ops := state.GetSlice(env, "memory.commit.ops")
	require.Len(t, ops, 3) // user turn, assistant turn, counters

	user := ops[0].(state.Tree)
	assert.Equal(t, "append_turn", user["op"])
	assert.Equal(t, "user", user["role"])
	assert.Len(t, user["id"].(string), 40)

	counters := ops[2].(state.Tree)
	assert.Equal(t, "bump_counters", counters["op"])
	assert.Equal(t, 1, state.GetInt(counters, "counters.turns", 0))
	assert.Equal(t, 1, state.GetInt(counters, "counters.assistant_answers", 0))
}

func TestCommitIncludesExecutionResult(t *testing.T) {
	s := turnState()
	state.Set(s, "executor.results.best", state.Tree{
		"req_id": "r1", "ok": true, "kind": "json", "text": "result text",
	})
	env := Commit(s)
	ops := state.GetSlice(env, "memory.commit.ops")
	require.Len(t, ops, 4)
	result := ops[2].(state.Tree)
	assert.Equal(t, "append_result", result["op"])
	assert.Equal(t, "r1", result["req_id"])
	// Links back to the assistant turn.
	assert.Len(t, state.GetString(result, "doc.assistant_turn_id", ""), 40)
	assert.Equal(t, 1, state.GetInt(ops[3].(state.Tree), "counters.executions", 0))
}

func TestPlanBuildsNamespacedOps(t *testing.T) {
	s := turnState()
	env := Commit(s)
	state.Merge(s, state.Tree{"memory": env["memory"]})

	env = Plan(s)
	require.Equal(t, kernel.StatusOK, env["status"])
	assert.Equal(t, "store/noema/t1", state.GetString(env, "storage.apply.namespace", ""))

	ops := state.GetSlice(env, "storage.apply.ops")
	require.NotEmpty(t, ops)
	for i, ov := range ops {
		op := ov.(state.Tree)
		key, _ := op["key"].(string)
		assert.Contains(t, key, "store/noema/t1/")
		assert.Equal(t, int64(i+1), state.GetInt64(op, "seq", -1))
	}
	assert.Equal(t, int64(len(ops)), state.GetInt64(env, "storage.last_seq", 0))

	queue := state.GetSlice(env, "index.queue")
	require.NotEmpty(t, queue)
	first := queue[0].(state.Tree)
	assert.Equal(t, "packz", first["type"])
	assert.Equal(t, "store/noema/t1", first["ns"])
}

func TestPlanSeqContinuesFromLastSeq(t *testing.T) {
	s := turnState()
	state.Set(s, "storage.last_seq", 100)
	env := Commit(s)
	state.Merge(s, state.Tree{"memory": env["memory"]})
	env = Plan(s)
	ops := state.GetSlice(env, "storage.apply.ops")
	assert.Equal(t, int64(101), state.GetInt64(ops[0].(state.Tree), "seq", 0))
}

func TestOptimizePutLastWins(t *testing.T) {
	s := state.Tree{"storage": state.Tree{"apply": state.Tree{
		"namespace": "store/noema/t1",
		"ops": []any{
			state.Tree{"op": "put", "key": "k1", "value": "old", "seq": 1},
			state.Tree{"op": "put", "key": "k1", "value": "new", "seq": 5},
			state.Tree{"op": "put", "key": "k2", "value": "x", "seq": 3},
		},
	}}}
	env := Optimize(s)
	require.Equal(t, kernel.StatusOK, env["status"])
	ops := state.GetSlice(env, "storage.apply_optimized.ops")
	require.Len(t, ops, 2)
	// Sorted by seq ascending: k2 (3) before k1 (5).
	assert.Equal(t, "k2", ops[0].(state.Tree)["key"])
	assert.Equal(t, "new", ops[1].(state.Tree)["value"])
}

func TestOptimizeIncSumsAndDropsZero(t *testing.T) {
	s := state.Tree{"storage": state.Tree{"apply": state.Tree{
		"ops": []any{
			state.Tree{"op": "inc", "key": "c1", "delta": 2, "seq": 1},
			state.Tree{"op": "inc", "key": "c1", "delta": 3, "seq": 2},
			state.Tree{"op": "inc", "key": "c2", "delta": 1, "seq": 3},
			state.Tree{"op": "inc", "key": "c2", "delta": -1, "seq": 4},
		},
	}}}
	env := Optimize(s)
	ops := state.GetSlice(env, "storage.apply_optimized.ops")
	require.Len(t, ops, 1)
	op := ops[0].(state.Tree)
	assert.Equal(t, "c1", op["key"])
	assert.Equal(t, 5.0, state.GetFloat(op, "delta", 0))
}

func TestOptimizeLinkDedupe(t *testing.T) {
	link := state.Tree{"turn_id": "t", "req_id": "r"}
	s := state.Tree{"storage": state.Tree{"apply": state.Tree{
		"ops": []any{
			state.Tree{"op": "link", "key": "l1", "value": state.CloneTree(link), "seq": 1},
			state.Tree{"op": "link", "key": "l1", "value": state.CloneTree(link), "seq": 2},
			state.Tree{"op": "link", "key": "l1", "value": state.Tree{"turn_id": "t2", "req_id": "r"}, "seq": 3},
		},
	}}}
	env := Optimize(s)
	ops := state.GetSlice(env, "storage.apply_optimized.ops")
	assert.Len(t, ops, 2)
}

func TestOptimizeOpOrdering(t *testing.T) {
	s := state.Tree{"storage": state.Tree{"apply": state.Tree{
		"ops": []any{
			state.Tree{"op": "inc", "key": "c", "delta": 1, "seq": 1},
			state.Tree{"op": "link", "key": "l", "value": "v", "seq": 2},
			state.Tree{"op": "put", "key": "p", "value": "v", "seq": 3},
		},
	}}}
	env := Optimize(s)
	ops := state.GetSlice(env, "storage.apply_optimized.ops")
	require.Len(t, ops, 3)
	assert.Equal(t, "put", ops[0].(state.Tree)["op"])
	assert.Equal(t, "link", ops[1].(state.Tree)["op"])
	assert.Equal(t, "inc", ops[2].(state.Tree)["op"])
}

func TestOptimizeIndexDedupeLastWinsFirstSeenOrder(t *testing.T) {
	s := state.Tree{"index": state.Tree{"queue": []any{
		state.Tree{"type": "doc", "id": "a", "ns": "n", "text": "v1"},
		state.Tree{"type": "doc", "id": "b", "ns": "n", "text": "b1"},
		state.Tree{"type": "doc", "id": "a", "ns": "n", "text": "v2"},
	}}}
	env := Optimize(s)
	items := state.GetSlice(env, "index.queue_optimized.items")
	require.Len(t, items, 2)
	first := items[0].(state.Tree)
	assert.Equal(t, "a", first["id"])
	assert.Equal(t, "v2", first["text"]) // last value, first-seen position
	assert.Equal(t, "b", items[1].(state.Tree)["id"])
}

func TestOptimizeChecksumsStable(t *testing.T) {
	s := state.Tree{"storage": state.Tree{"apply": state.Tree{
		"namespace": "store/noema/t1",
		"ops":       []any{state.Tree{"op": "put", "key": "k", "value": "v", "seq": 1}},
	}}}
	c1 := state.GetString(Optimize(s), "storage.apply_optimized.checksum", "")
	c2 := state.GetString(Optimize(s), "storage.apply_optimized.checksum", "")
	require.Len(t, c1, 40)
	assert.Equal(t, c1, c2)
}
