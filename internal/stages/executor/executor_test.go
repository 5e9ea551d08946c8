package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noema/internal/kernel"
	"noema/internal/state"
)

func execState() state.Tree {
	return state.Tree{
		"dialog": state.Tree{
			"final": state.Tree{"move": "execute"},
			"turn": state.Tree{"ops": []any{
				state.Tree{"op": "execute_skill", "skill_id": "skill.dev.echo", "params": state.Tree{"msg": "hi"}},
			}},
		},
		"planner": state.Tree{
			"plan": state.Tree{
				"id":         "plan1",
				"guardrails": state.Tree{"must_confirm": false},
			},
		},
	}
}

func TestDispatchBuildsRequest(t *testing.T) {
	env := Dispatch(execState())
	require.Equal(t, kernel.StatusOK, env["status"])
	reqs := state.GetSlice(env, "executor.requests")
	require.Len(t, reqs, 1)
	req := reqs[0].(state.Tree)
	assert.Equal(t, "skill.dev.echo", req["skill_id"])
	assert.Equal(t, RequestTimeoutMs, req["timeout_ms"])
	assert.Equal(t, req["req_id"], req["idempotency_key"])
	assert.Len(t, req["req_id"].(string), 40)
	assert.Equal(t, "echo", state.GetString(req, "meta.skill_name", ""))
	assert.Equal(t, 2, state.GetInt(req, "retries.max", 0))
}

func TestDispatchReqIDDeterministic(t *testing.T) {
	r1 := state.GetSlice(Dispatch(execState()), "executor.requests")[0].(state.Tree)["req_id"]
	r2 := state.GetSlice(Dispatch(execState()), "executor.requests")[0].(state.Tree)["req_id"]
	assert.Equal(t, r1, r2)
}

func TestDispatchGates(t *testing.T) {
	s := execState()
	state.Set(s, "dialog.final.move", "answer")
	assert.Equal(t, kernel.StatusSkip, Dispatch(s)["status"])

	s = execState()
	state.Set(s, "dialog.final.reason", "must_confirm")
	env := Dispatch(s)
	assert.Equal(t, kernel.StatusSkip, env["status"])
	assert.Equal(t, "confirm_pending", state.GetString(env, "diag.reason", ""))

	s = execState()
	state.Set(s, "planner.plan.guardrails.must_confirm", true)
	assert.Equal(t, kernel.StatusSkip, Dispatch(s)["status"])
}

func TestDispatchFallsBackToPlanSteps(t *testing.T) {
	s := execState()
	state.Set(s, "dialog.turn.ops", []any{})
	state.Set(s, "planner.plan.steps", []any{
		state.Tree{"op": "execute_skill", "skill_id": "skill.dev.search", "params": state.Tree{"q": "x"}},
	})
	env := Dispatch(s)
	reqs := state.GetSlice(env, "executor.requests")
	require.Len(t, reqs, 1)
	assert.Equal(t, "skill.dev.search", reqs[0].(state.Tree)["skill_id"])
}

func TestNormalizeSortsAndAggregates(t *testing.T) {
	s := state.Tree{"executor": state.Tree{"raw": state.Tree{"items": []any{
		state.Tree{"ok": false, "req_id": "r2", "error": "boom", "latency_ms": 100.0},
		state.Tree{"ok": true, "req_id": "r1", "data": state.Tree{"echo": "hi"}, "latency_ms": 40.0,
			"usage": state.Tree{"cost": 0.001, "input_tokens": 10.0, "output_tokens": 5.0}},
	}}}}
	env := Normalize(s)
	require.Equal(t, kernel.StatusOK, env["status"])

	items := state.GetSlice(env, "executor.results.items")
	require.Len(t, items, 2)
	best := state.GetMap(env, "executor.results.best")
	assert.Equal(t, "r1", best["req_id"])
	assert.Equal(t, "json", best["kind"])

	agg := state.GetMap(env, "executor.results.aggregate")
	assert.Equal(t, 2, state.GetInt(agg, "count", 0))
	assert.Equal(t, 1, state.GetInt(agg, "ok", 0))
	assert.Equal(t, 1, state.GetInt(agg, "errors", 0))
	assert.Equal(t, 0.001, state.GetFloat(agg, "total_cost", 0))
	assert.Equal(t, 70.0, state.GetFloat(agg, "avg_latency_ms", 0))
}

func TestNormalizeErrorItem(t *testing.T) {
	s := state.Tree{"executor": state.Tree{"raw": state.Tree{"items": []any{
		state.Tree{"ok": false, "req_id": "r1", "error": "timeout"},
	}}}}
	env := Normalize(s)
	best := state.GetMap(env, "executor.results.best")
	assert.Equal(t, false, best["ok"])
	assert.Equal(t, "error", best["kind"])
	assert.Contains(t, best["text"], "timeout")
}

func TestTableLikeDetection(t *testing.T) {
	table := []any{
		map[string]any{"a": 1, "b": 2},
		map[string]any{"a": 3, "b": 4},
	}
	assert.True(t, isTableLike(table))
	assert.False(t, isTableLike([]any{map[string]any{"a": 1}, map[string]any{"c": 2}}))
	assert.False(t, isTableLike([]any{"plain"}))
	assert.False(t, isTableLike([]any{}))
}

func TestPresentRendersTable(t *testing.T) {
	s := state.Tree{"executor": state.Tree{"results": state.Tree{"best": state.Tree{
		"ok":   true,
		"kind": "table",
		"data": []any{
			map[string]any{"name": "a", "v": 1},
			map[string]any{"name": "b", "v": 2},
		},
	}}}}
	env := Present(s)
	content := state.GetString(env, "dialog.turn.content", "")
	assert.Contains(t, content, "| name |")
	assert.Contains(t, content, "---|")
	assert.Equal(t, "answer", state.GetString(env, "dialog.turn.move", ""))
}

func TestPresentEmptyContentAcks(t *testing.T) {
	s := state.Tree{"executor": state.Tree{"results": state.Tree{"best": state.Tree{
		"ok": true, "kind": "text", "text": "",
	}}}}
	env := Present(s)
	assert.Equal(t, "ack", state.GetString(env, "dialog.turn.move", ""))
	assert.Equal(t, "Okay.", state.GetString(env, "dialog.turn.content", ""))
}

func TestPresentPersianAck(t *testing.T) {
	s := state.Tree{
		"perception": state.Tree{"script": state.Tree{"dir": "rtl"}},
		"executor":   state.Tree{"results": state.Tree{"best": state.Tree{"ok": true, "kind": "text", "text": ""}}},
	}
	env := Present(s)
	assert.Equal(t, "باشه.", state.GetString(env, "dialog.turn.content", ""))
}
