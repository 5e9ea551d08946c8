// Package runtime activates staged config versions, evaluates guardrail gates
// and feature flags, schedules the tick's next action, and fires queued
// initiative prompts.
package runtime

import (
	"fmt"
	"sort"

	"noema/internal/kernel"
	"noema/internal/state"
)

const (
	defaultUThreshold    = 0.4
	defaultSLOBlock      = 0.0 // disabled
	defaultLatencySoft   = 1500.0
	defaultIndexSoft     = 1000.0
	defaultTimeoutMs     = 30000
	defaultMaxInflight   = 4
	throttleLatencyCap   = 1200.0
	throttleQueueCap     = 600.0
	throttleTotalCap     = 1500.0
	rolloutSalt          = "noema"
	maxAnswerLen         = 1200
	introspectCooldown   = int64(120000)
	reflectionCooldown   = int64(300000)
	uncertaintySustained = 0.7
)

// Register installs all runtime stages into reg.
func Register(reg kernel.Registry) {
	reg["runtime.activate"] = Activate
	reg["runtime.gate"] = Gate
	reg["runtime.schedule"] = Schedule
	reg["runtime.initiative"] = Initiative
}

// Activate promotes the staged config to the live runtime config and records
// a signed rollback token.
func Activate(s state.Tree) state.Tree {
	staged := state.GetMap(s, "adaptation.staged")
	if staged == nil {
		return kernel.Skip("nothing_staged")
	}
	newCfg := state.GetMap(staged, "config")
	if newCfg == nil {
		return kernel.Skip("nothing_staged")
	}

	oldCfg := state.GetMap(s, "runtime.config")
	diff := structuralDiff(oldCfg, newCfg)

	versionID := state.GetString(staged, "version.id", "")
	parentID := state.GetString(staged, "version.parent_id", "")
	token := state.Tree{
		"version_id": versionID,
		"parent_id":  parentID,
		"sig":        state.Hash(state.Tree{"version_id": versionID, "parent_id": parentID}),
	}

	return kernel.OK(state.Tree{
		"runtime": state.Tree{
			"config":         state.CloneTree(newCfg),
			"config_version": state.Tree{"id": versionID, "parent_id": parentID},
			"activation": state.Tree{
				"diff":         diff,
				"rollback":     token,
				"activated_at": state.GetInt64(s, "clock.now_ms", 0),
			},
		},
	})
}

// structuralDiff reports added, changed, and removed keys between two config
// trees, recursing into nested maps and bubbling only meaningful changes.
func structuralDiff(old, new map[string]any) state.Tree {
	added := state.Tree{}
	changed := state.Tree{}
	removed := []any{}

	for k, nv := range new {
		ov, had := old[k]
		if !had {
			added[k] = nv
			continue
		}
		nm, nIsMap := nv.(map[string]any)
		om, oIsMap := ov.(map[string]any)
		if nIsMap && oIsMap {
			sub := structuralDiff(om, nm)
			if len(sub["added"].(state.Tree)) > 0 ||
				len(sub["changed"].(state.Tree)) > 0 ||
				len(sub["removed"].([]any)) > 0 {
				changed[k] = sub
			}
			continue
		}
		if !sameScalar(ov, nv) {
			changed[k] = state.Tree{"old": ov, "new": nv}
		}
	}
	keys := make([]string, 0)
	for k := range old {
		if _, kept := new[k]; !kept {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		removed = append(removed, k)
	}

	return state.Tree{"added": added, "changed": changed, "removed": removed}
}

func sameScalar(a, b any) bool {
	if fa, ok := state.AsFloat(a); ok {
		if fb, ok := state.AsFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// Gate evaluates guardrails against the tick's signals and resolves feature
// flags for this thread.
func Gate(s state.Tree) state.Tree {
	cfg := state.GetMap(s, "runtime.config")
	uThreshold := state.GetFloat(cfg, "guardrails.must_confirm.u_threshold", defaultUThreshold)
	sloBlock := state.GetFloat(cfg, "guardrails.block_execute_when.slo_below", defaultSLOBlock)
	latencySoft := state.GetFloat(cfg, "guardrails.latency_soft_limit_ms", defaultLatencySoft)
	indexSoft := state.GetFloat(cfg, "guardrails.index_queue_soft_max", defaultIndexSoft)

	uncertainty := state.GetFloat(s, "world_model.uncertainty.score", 0)
	sloScore := state.GetFloat(s, "observability.slo.score", 1)
	latency := state.GetFloat(s, "executor.results.aggregate.avg_latency_ms", 0)
	queueLen := float64(len(state.GetSlice(s, "index.queue")))

	reasons := []any{}
	requireConfirm := uncertainty >= uThreshold
	if requireConfirm {
		reasons = append(reasons, fmt.Sprintf(
			"uncertainty %.2f at or above confirm threshold %.2f", uncertainty, uThreshold))
	}
	allowExecute := !(sloBlock > 0 && sloScore < sloBlock)
	if !allowExecute {
		reasons = append(reasons, fmt.Sprintf(
			"slo score %.2f below execution floor %.2f", sloScore, sloBlock))
	}

	throttle := 0.0
	if latency > latencySoft {
		throttle += min(throttleLatencyCap, (latency-latencySoft)*0.5)
	}
	if queueLen > indexSoft {
		throttle += min(throttleQueueCap, (queueLen-indexSoft)*0.1)
	}
	throttle = min(throttleTotalCap, throttle)
	if throttle > 0 {
		reasons = append(reasons, fmt.Sprintf("throttling %d ms for load", int(throttle)))
	}

	features := state.Tree{}
	tid := state.GetString(s, "session.thread_id", "default")
	for name, raw := range state.GetMap(cfg, "features") {
		features[name] = resolveFlag(raw, tid, sloScore, uncertainty)
	}

	return kernel.OK(state.Tree{
		"runtime": state.Tree{"gate": state.Tree{
			"require_confirm": requireConfirm,
			"allow_execute":   allowExecute,
			"allow_answer":    true,
			"throttle_ms":     throttle,
			"reasons":         reasons,
			"features":        features,
			"limits": state.Tree{
				"timeout_ms":   state.GetInt(cfg, "executor.timeout_ms", defaultTimeoutMs),
				"max_inflight": state.GetInt(cfg, "executor.parallelism.max_inflight", defaultMaxInflight),
			},
		}},
	})
}

// resolveFlag handles plain bools and gradual-rollout specs with optional
// health conditions.
func resolveFlag(raw any, threadID string, sloScore, uncertainty float64) bool {
	if b, ok := raw.(bool); ok {
		return b
	}
	spec, ok := raw.(map[string]any)
	if !ok {
		return false
	}
	if when := state.GetMap(spec, "when"); when != nil {
		if minSLO, ok := state.AsFloat(when["slo_score_min"]); ok && sloScore < minSLO {
			return false
		}
		if maxU, ok := state.AsFloat(when["uncertainty_max"]); ok && uncertainty > maxU {
			return false
		}
	}
	rollout, ok := state.AsFloat(spec["rollout"])
	if !ok {
		return false
	}
	if rollout >= 100 {
		return true
	}
	if rollout <= 0 {
		return false
	}
	salt, _ := spec["salt"].(string)
	if salt == "" {
		salt = rolloutSalt
	}
	return float64(state.HashBucket(threadID+"|"+salt, 100)) < rollout
}

// Schedule turns the gate verdict and the dialog outcome into a single action
// decision for the orchestrator.
func Schedule(s state.Tree) state.Tree {
	gate := state.GetMap(s, "runtime.gate")
	if gate == nil {
		return kernel.Skip("no_gate")
	}
	throttle := state.GetFloat(gate, "throttle_ms", 0)
	move := state.GetString(s, "dialog.final.move", "")
	requests := state.GetSlice(s, "executor.requests")

	hasExec := len(requests) > 0
	hasAnswer := move == "answer" || move == "ack" || move == "refuse" || move == "confirm"

	decision := state.Tree{"delay_ms": throttle}

	switch {
	// Any pending action under require_confirm downgrades to a confirm turn,
	// whether or not the dialog stage produced one.
	case state.GetBool(gate, "require_confirm", false) && (hasExec || hasAnswer):
		decision["action"] = "confirm"
		decision["reason"] = "require_confirm"
		decision["text"] = clip(state.GetString(s, "dialog.final.text", ""), maxAnswerLen)
	case hasExec && !state.GetBool(gate, "allow_execute", true):
		decision["action"] = "sleep"
		decision["reason"] = "execute_blocked"
	case hasAnswer && !state.GetBool(gate, "allow_answer", true):
		decision["action"] = "sleep"
		decision["reason"] = "answer_blocked"
	case hasExec:
		maxInflight := state.GetInt(gate, "limits.max_inflight", defaultMaxInflight)
		batch := requests
		defer_ := []any{}
		if len(batch) > maxInflight {
			for _, rv := range batch[maxInflight:] {
				if req, ok := rv.(map[string]any); ok {
					defer_ = append(defer_, req["req_id"])
				}
			}
			batch = batch[:maxInflight]
		}
		decision["action"] = "execute"
		decision["batch"] = batch
		decision["defer"] = defer_
	case hasAnswer:
		decision["action"] = "answer"
		decision["text"] = clip(state.GetString(s, "dialog.final.text", ""), maxAnswerLen)
		decision["move"] = move
	default:
		decision["action"] = "noop"
	}

	return kernel.OK(state.Tree{"runtime": state.Tree{"schedule": decision}})
}

// Initiative fires due queue items and enqueues autonomous prompts. Dialog and
// executor mutations travel through the returned envelope so the composer
// merge stays the only write channel.
func Initiative(s state.Tree) state.Tree {
	now := state.GetInt64(s, "clock.now_ms", 0)
	if now <= 0 {
		return kernel.Skip("no_clock")
	}
	queue := state.GetSlice(s, "initiative.queue")
	autonomous := autonomousPrompts(s, now)
	if len(queue) == 0 && len(autonomous) == 0 {
		return kernel.Skip("no_queue")
	}

	cooldowns := state.Tree{}
	for k, v := range state.GetMap(s, "initiative.cooldowns") {
		cooldowns[k] = v
	}

	remaining := []any{}
	dialogIdle := state.GetMap(s, "dialog.final") == nil
	var firedSay state.Tree
	firedRequests := []any{}

	fire := func(item map[string]any) {
		id, _ := item["id"].(string)
		kind := state.GetString(item, "kind", state.GetString(item, "type", "say"))
		switch kind {
		case "say":
			text := state.GetString(item, "text", state.GetString(item, "payload.text", ""))
			if dialogIdle && firedSay == nil {
				firedSay = state.Tree{
					"move":   "answer",
					"text":   clip(text, maxAnswerLen),
					"origin": "initiative",
				}
			}
		case "run_skill":
			params := state.GetMap(item, "params")
			if params == nil {
				params = state.GetMap(item, "payload.params")
			}
			firedRequests = append(firedRequests, state.Tree{
				"skill_id":   state.GetString(item, "skill_id", state.GetString(item, "payload.skill_id", "")),
				"params":     params,
				"req_id":     state.Hash(state.Tree{"initiative": id, "at": now}),
				"timeout_ms": defaultTimeoutMs,
				"origin":     "initiative",
			})
		}
		if !state.GetBool(item, "once", true) {
			cooldown := state.GetInt64(item, "cooldown_ms", 0)
			if cooldown > 0 {
				next := state.CloneTree(item)
				next["when_ms"] = now + cooldown
				remaining = append(remaining, next)
				if id != "" {
					cooldowns[id] = now + cooldown
				}
			}
		}
	}

	for _, iv := range queue {
		item, ok := iv.(map[string]any)
		if !ok {
			continue
		}
		when := state.GetInt64(item, "when_ms", 0)
		if when > 0 && when <= now {
			fire(item)
		} else {
			remaining = append(remaining, item)
		}
	}
	for _, item := range autonomous {
		fire(item)
	}

	if firedSay == nil && len(firedRequests) == 0 &&
		len(remaining) == len(queue) && len(autonomous) == 0 {
		return kernel.Skip("nothing_due")
	}

	out := state.Tree{"initiative": state.Tree{
		"queue":     remaining,
		"cooldowns": cooldowns,
		"fired_at":  now,
	}}
	if firedSay != nil {
		state.Set(out, "dialog.final", firedSay)
	}
	if len(firedRequests) > 0 {
		reqs := append([]any{}, state.GetSlice(s, "executor.requests")...)
		state.Set(out, "executor.requests", append(reqs, firedRequests...))
	}
	return kernel.OK(out)
}

// autonomousPrompts derives introspection and reflection items from sustained
// uncertainty and fresh concept rules, each under its own cooldown window.
func autonomousPrompts(s state.Tree, now int64) []map[string]any {
	cooldowns := state.GetMap(s, "initiative.cooldowns")
	prompts := []map[string]any{}

	ready := func(id string) bool {
		until, ok := state.AsFloat(cooldowns[id])
		return !ok || now >= int64(until)
	}

	if state.GetFloat(s, "world_model.uncertainty.score", 0) >= uncertaintySustained && ready("auto.introspect") {
		prompts = append(prompts, map[string]any{
			"id": "auto.introspect", "kind": "say", "when_ms": now,
			"text":        "I'm unsure about the recent turns. Could you clarify what you need?",
			"once":        false,
			"cooldown_ms": introspectCooldown,
		})
	}
	if len(state.GetSlice(s, "concept_graph.rules.items")) > 0 && ready("auto.reflect") {
		prompts = append(prompts, map[string]any{
			"id": "auto.reflect", "kind": "say", "when_ms": now,
			"text":        "I noticed some recurring concepts in our conversation and updated my notes.",
			"once":        false,
			"cooldown_ms": reflectionCooldown,
		})
	}
	return prompts
}

func clip(s string, n int) string {
	runes := []rune(s)
	if len(runes) > n {
		return string(runes[:n])
	}
	return s
}
