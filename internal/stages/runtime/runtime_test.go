package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noema/internal/kernel"
	"noema/internal/state"
)

func TestActivatePromotesStagedConfig(t *testing.T) {
	s := state.Tree{
		"clock": state.Tree{"now_ms": 1700000000000.0},
		"runtime": state.Tree{"config": state.Tree{
			"executor": state.Tree{"timeout_ms": 30000.0},
			"legacy":   "drop_me",
		}},
		"adaptation": state.Tree{"staged": state.Tree{
			"version": state.Tree{"id": "v2", "parent_id": "v1"},
			"config": state.Tree{
				"executor": state.Tree{"timeout_ms": 27000.0},
				"budget":   state.Tree{"exec_total_cost_max": 0.01},
			},
		}},
	}
	env := Activate(s)
	require.Equal(t, kernel.StatusOK, env["status"])

	assert.Equal(t, 27000.0, state.GetFloat(env, "runtime.config.executor.timeout_ms", 0))
	assert.Equal(t, "v2", state.GetString(env, "runtime.config_version.id", ""))

	diff := state.GetMap(env, "runtime.activation.diff")
	added := diff["added"].(state.Tree)
	assert.Contains(t, added, "budget")
	changed := diff["changed"].(state.Tree)
	assert.Contains(t, changed, "executor")
	assert.Equal(t, []any{"legacy"}, diff["removed"])

	rb := state.GetMap(env, "runtime.activation.rollback")
	assert.Equal(t, "v1", rb["parent_id"])
	assert.Len(t, rb["sig"].(string), 40)
}

func TestActivateSkipsWithoutStagedConfig(t *testing.T) {
	env := Activate(state.Tree{"runtime": state.Tree{"config": state.Tree{}}})
	assert.Equal(t, kernel.StatusSkip, env["status"])
}

func TestGateRequireConfirmOnUncertainty(t *testing.T) {
	s := state.Tree{
		"session":     state.Tree{"thread_id": "t1"},
		"world_model": state.Tree{"uncertainty": state.Tree{"score": 0.55}},
	}
	env := Gate(s)
	require.Equal(t, kernel.StatusOK, env["status"])
	assert.True(t, state.GetBool(env, "runtime.gate.require_confirm", false))
	assert.NotEmpty(t, state.GetSlice(env, "runtime.gate.reasons"))

	state.Set(s, "world_model.uncertainty.score", 0.2)
	env = Gate(s)
	assert.False(t, state.GetBool(env, "runtime.gate.require_confirm", true))
}

func TestGateThrottleFromLatencyAndQueue(t *testing.T) {
	queue := make([]any, 1100)
	for i := range queue {
		queue[i] = state.Tree{"id": "x"}
	}
	s := state.Tree{
		"session":  state.Tree{"thread_id": "t1"},
		"executor": state.Tree{"results": state.Tree{"aggregate": state.Tree{"avg_latency_ms": 2100.0}}},
		"index":    state.Tree{"queue": queue},
	}
	env := Gate(s)
	// (2100-1500)*0.5 = 300, (1100-1000)*0.1 = 10
	assert.Equal(t, 310.0, state.GetFloat(env, "runtime.gate.throttle_ms", 0))
}

func TestGateThrottleCapped(t *testing.T) {
	s := state.Tree{
		"session":  state.Tree{"thread_id": "t1"},
		"executor": state.Tree{"results": state.Tree{"aggregate": state.Tree{"avg_latency_ms": 99999.0}}},
	}
	env := Gate(s)
	assert.Equal(t, 1200.0, state.GetFloat(env, "runtime.gate.throttle_ms", 0))
}

func TestGateBlockExecuteOnLowSLO(t *testing.T) {
	s := state.Tree{
		"session": state.Tree{"thread_id": "t1"},
		"runtime": state.Tree{"config": state.Tree{
			"guardrails": state.Tree{"block_execute_when": state.Tree{"slo_below": 0.5}},
		}},
		"observability": state.Tree{"slo": state.Tree{"score": 0.3}},
	}
	env := Gate(s)
	assert.False(t, state.GetBool(env, "runtime.gate.allow_execute", true))
	assert.True(t, state.GetBool(env, "runtime.gate.allow_answer", false))
}

func TestGateAllowsExecuteOnHealthySLO(t *testing.T) {
	s := state.Tree{
		"session":       state.Tree{"thread_id": "t1"},
		"observability": state.Tree{"slo": state.Tree{"score": 0.95}},
	}
	env := Gate(s)
	assert.True(t, state.GetBool(env, "runtime.gate.allow_execute", false))
}

func TestGateFeatureFlags(t *testing.T) {
	s := state.Tree{
		"session": state.Tree{"thread_id": "t1"},
		"runtime": state.Tree{"config": state.Tree{"features": state.Tree{
			"plain":     true,
			"off":       false,
			"full":      state.Tree{"rollout": 100.0},
			"none":      state.Tree{"rollout": 0.0},
			"unhealthy": state.Tree{"rollout": 100.0, "when": state.Tree{"slo_score_min": 0.9}},
		}}},
		"observability": state.Tree{"slo": state.Tree{"score": 0.5}},
	}
	env := Gate(s)
	features := state.GetMap(env, "runtime.gate.features")
	assert.Equal(t, true, features["plain"])
	assert.Equal(t, false, features["off"])
	assert.Equal(t, true, features["full"])
	assert.Equal(t, false, features["none"])
	assert.Equal(t, false, features["unhealthy"])
}

func TestGateRolloutBucketDeterministic(t *testing.T) {
	flag := state.Tree{"rollout": 50.0, "salt": "s"}
	first := resolveFlag(flag, "thread-a", 1, 0)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, resolveFlag(flag, "thread-a", 1, 0))
	}
}

func TestScheduleAnswer(t *testing.T) {
	s := state.Tree{
		"runtime": state.Tree{"gate": state.Tree{"require_confirm": false, "throttle_ms": 0.0}},
		"dialog":  state.Tree{"final": state.Tree{"move": "answer", "text": "hello"}},
	}
	env := Schedule(s)
	require.Equal(t, kernel.StatusOK, env["status"])
	assert.Equal(t, "answer", state.GetString(env, "runtime.schedule.action", ""))
	assert.Equal(t, "hello", state.GetString(env, "runtime.schedule.text", ""))
}

func TestScheduleConfirm(t *testing.T) {
	s := state.Tree{
		"runtime": state.Tree{"gate": state.Tree{"require_confirm": true}},
		"dialog":  state.Tree{"final": state.Tree{"move": "confirm", "text": "Confirm?"}},
	}
	env := Schedule(s)
	assert.Equal(t, "confirm", state.GetString(env, "runtime.schedule.action", ""))
}

func TestScheduleExecuteBatchesAndDefers(t *testing.T) {
	reqs := []any{}
	for i := 0; i < 6; i++ {
		reqs = append(reqs, state.Tree{"req_id": string(rune('a' + i)), "skill_id": "skill.dev.echo"})
	}
	s := state.Tree{
		"runtime": state.Tree{"gate": state.Tree{
			"limits": state.Tree{"max_inflight": 4},
		}},
		"executor": state.Tree{"requests": reqs},
	}
	env := Schedule(s)
	assert.Equal(t, "execute", state.GetString(env, "runtime.schedule.action", ""))
	assert.Len(t, state.GetSlice(env, "runtime.schedule.batch"), 4)
	assert.Len(t, state.GetSlice(env, "runtime.schedule.defer"), 2)
}

func TestScheduleSleepWhenExecuteBlocked(t *testing.T) {
	s := state.Tree{
		"runtime":  state.Tree{"gate": state.Tree{"allow_execute": false}},
		"executor": state.Tree{"requests": []any{state.Tree{"req_id": "r1"}}},
	}
	env := Schedule(s)
	assert.Equal(t, "sleep", state.GetString(env, "runtime.schedule.action", ""))
	assert.Equal(t, "execute_blocked", state.GetString(env, "runtime.schedule.reason", ""))
}

func TestScheduleSleepWhenAnswerBlocked(t *testing.T) {
	s := state.Tree{
		"runtime": state.Tree{"gate": state.Tree{"allow_answer": false}},
		"dialog":  state.Tree{"final": state.Tree{"move": "answer", "text": "hi"}},
	}
	env := Schedule(s)
	assert.Equal(t, "sleep", state.GetString(env, "runtime.schedule.action", ""))
	assert.Equal(t, "answer_blocked", state.GetString(env, "runtime.schedule.reason", ""))
}

func TestScheduleConfirmOnPendingExecute(t *testing.T) {
	// A pending skill batch under require_confirm must downgrade to a confirm
	// turn even when no dialog turn exists this tick.
	s := state.Tree{
		"runtime":  state.Tree{"gate": state.Tree{"require_confirm": true}},
		"executor": state.Tree{"requests": []any{state.Tree{"req_id": "r1", "skill_id": "skill.dev.echo"}}},
	}
	env := Schedule(s)
	assert.Equal(t, "confirm", state.GetString(env, "runtime.schedule.action", ""))
	assert.Equal(t, "require_confirm", state.GetString(env, "runtime.schedule.reason", ""))
	assert.Empty(t, state.GetSlice(env, "runtime.schedule.batch"))
}

func TestScheduleSkipsWithoutGate(t *testing.T) {
	assert.Equal(t, kernel.StatusSkip, Schedule(state.Tree{})["status"])
}

func TestInitiativeFiresDueSay(t *testing.T) {
	s := state.Tree{
		"clock": state.Tree{"now_ms": 2000.0},
		"initiative": state.Tree{"queue": []any{
			state.Tree{"id": "i1", "kind": "say", "when_ms": 1500.0, "text": "checking in", "once": true},
			state.Tree{"id": "i2", "kind": "say", "when_ms": 9999.0, "text": "later", "once": true},
		}},
	}
	env := Initiative(s)
	require.Equal(t, kernel.StatusOK, env["status"])
	assert.Equal(t, "checking in", state.GetString(env, "dialog.final.text", ""))
	assert.Equal(t, "initiative", state.GetString(env, "dialog.final.origin", ""))

	remaining := state.GetSlice(env, "initiative.queue")
	require.Len(t, remaining, 1)
	assert.Equal(t, "i2", remaining[0].(state.Tree)["id"])
}

func TestInitiativeSayYieldsToActiveDialog(t *testing.T) {
	s := state.Tree{
		"clock":  state.Tree{"now_ms": 2000.0},
		"dialog": state.Tree{"final": state.Tree{"move": "answer", "text": "busy"}},
		"initiative": state.Tree{"queue": []any{
			state.Tree{"id": "i1", "kind": "say", "when_ms": 1500.0, "text": "checking in", "once": true},
		}},
	}
	env := Initiative(s)
	// Fired but did not overwrite the live dialog turn.
	_, hasDialog := env["dialog"]
	assert.False(t, hasDialog)
}

func TestInitiativeRunSkillAppendsRequest(t *testing.T) {
	s := state.Tree{
		"clock": state.Tree{"now_ms": 2000.0},
		"initiative": state.Tree{"queue": []any{
			state.Tree{"id": "i1", "kind": "run_skill", "when_ms": 1000.0,
				"skill_id": "skill.dev.search", "params": state.Tree{"q": "x"}, "once": true},
		}},
	}
	env := Initiative(s)
	reqs := state.GetSlice(env, "executor.requests")
	require.Len(t, reqs, 1)
	req := reqs[0].(state.Tree)
	assert.Equal(t, "skill.dev.search", req["skill_id"])
	assert.Equal(t, "initiative", req["origin"])
	assert.Len(t, req["req_id"].(string), 40)
}

func TestInitiativeRecurringRequeuesWithCooldown(t *testing.T) {
	s := state.Tree{
		"clock": state.Tree{"now_ms": 2000.0},
		"initiative": state.Tree{"queue": []any{
			state.Tree{"id": "i1", "kind": "say", "when_ms": 1000.0, "text": "ping",
				"once": false, "cooldown_ms": 5000.0},
		}},
	}
	env := Initiative(s)
	remaining := state.GetSlice(env, "initiative.queue")
	require.Len(t, remaining, 1)
	assert.Equal(t, int64(7000), state.GetInt64(remaining[0].(state.Tree), "when_ms", 0))
	assert.Equal(t, int64(7000), state.GetInt64(env, "initiative.cooldowns.i1", 0))
}

func TestInitiativeSkipsWithoutClockOrQueue(t *testing.T) {
	env := Initiative(state.Tree{"initiative": state.Tree{"queue": []any{state.Tree{}}}})
	assert.Equal(t, kernel.StatusSkip, env["status"])
	assert.Equal(t, "no_clock", state.GetString(env, "diag.reason", ""))

	env = Initiative(state.Tree{"clock": state.Tree{"now_ms": 100.0}})
	assert.Equal(t, "no_queue", state.GetString(env, "diag.reason", ""))
}

func TestInitiativeAutonomousIntrospection(t *testing.T) {
	s := state.Tree{
		"clock":       state.Tree{"now_ms": 2000.0},
		"world_model": state.Tree{"uncertainty": state.Tree{"score": 0.8}},
	}
	env := Initiative(s)
	require.Equal(t, kernel.StatusOK, env["status"])
	assert.Contains(t, state.GetString(env, "dialog.final.text", ""), "unsure")
	// Cooldown recorded so the prompt does not repeat immediately.
	cooldowns := state.GetMap(env, "initiative.cooldowns")
	until, ok := state.AsFloat(cooldowns["auto.introspect"])
	require.True(t, ok)
	assert.Greater(t, until, 2000.0)
}

func TestInitiativeAutonomousReflectionOnNewRules(t *testing.T) {
	s := state.Tree{
		"clock": state.Tree{"now_ms": 2000.0},
		"concept_graph": state.Tree{"rules": state.Tree{"items": []any{
			state.Tree{"id": "rule-1"},
		}}},
	}
	env := Initiative(s)
	require.Equal(t, kernel.StatusOK, env["status"])
	assert.Contains(t, state.GetString(env, "dialog.final.text", ""), "recurring concepts")
	cooldowns := state.GetMap(env, "initiative.cooldowns")
	until, ok := state.AsFloat(cooldowns["auto.reflect"])
	require.True(t, ok)
	assert.Greater(t, until, 2000.0)
}
