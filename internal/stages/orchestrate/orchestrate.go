// Package orchestrate turns the schedule decision into concrete tick actions,
// folds the actions into a driver envelope, and derives idempotent jobs with
// deadlines for the dispatch layer.
package orchestrate

import (
	"noema/internal/kernel"
	"noema/internal/state"
)

const (
	maxEmitLen    = 1200
	maxRequests   = 24
	maxEmits      = 4
	maxApplyOps   = 5000
	maxIndexItems = 2000

	jobMaxEmits     = 8
	jobMaxReqs      = 32
	jobMaxApplyOps  = 6000
	jobMaxIndex     = 3000
	jobMinDeadline  = 2000
	jobMaxDeadline  = 120000
	emitBaseMs      = 8000
	emitPadMs       = 1000
	applyBaseMs     = 10000
	applyPadMs      = 2000
	timerPadMs      = 2000
	timerMaxSleepMs = 60000
)

// Register installs all orchestration stages into reg.
func Register(reg kernel.Registry) {
	reg["orchestrate.tick"] = Tick
	reg["orchestrate.envelope"] = Envelope
	reg["orchestrate.jobs"] = Jobs
}

// Tick converts the schedule decision and pending persistence into an ordered
// action list.
func Tick(s state.Tree) state.Tree {
	sched := state.GetMap(s, "runtime.schedule")
	actions := []any{}
	stop := false

	if delay := state.GetFloat(sched, "delay_ms", 0); delay > 0 {
		actions = append(actions, state.Tree{"type": "delay", "ms": delay})
	}

	switch state.GetString(sched, "action", "noop") {
	case "answer", "confirm":
		text := clip(state.GetString(sched, "text", ""), maxEmitLen)
		move := state.GetString(sched, "move", state.GetString(sched, "action", "answer"))
		if text == "" {
			actions = append(actions, state.Tree{"type": "noop", "reason": "emit_without_text"})
		} else {
			actions = append(actions, state.Tree{"type": "emit", "move": move, "text": text})
			stop = true
		}
	case "execute":
		batch := state.GetSlice(sched, "batch")
		if len(batch) == 0 {
			actions = append(actions, state.Tree{"type": "noop", "reason": "execute_without_run"})
		} else {
			if len(batch) > maxRequests {
				batch = batch[:maxRequests]
			}
			actions = append(actions, state.Tree{
				"type":     "execute",
				"requests": batch,
				"limits":   state.GetMap(s, "runtime.gate.limits"),
				"defer":    state.GetSlice(sched, "defer"),
			})
			stop = true
		}
	case "sleep":
		if state.GetFloat(sched, "delay_ms", 0) <= 0 {
			actions = append(actions, state.Tree{"type": "delay", "ms": 250.0})
		}
	}

	if persist := persistAction(s); persist != nil {
		actions = append(actions, persist)
	}
	if len(actions) == 0 {
		actions = append(actions, state.Tree{"type": "noop"})
	}

	return kernel.OK(state.Tree{
		"orchestrator": state.Tree{"actions": actions, "stop": stop},
	})
}

// persistAction prefers the optimized apply plan over the raw one.
func persistAction(s state.Tree) state.Tree {
	ops := state.GetSlice(s, "storage.apply_optimized.ops")
	if ops == nil {
		ops = state.GetSlice(s, "storage.apply.ops")
	}
	items := state.GetSlice(s, "index.queue_optimized.items")
	if items == nil {
		items = state.GetSlice(s, "index.queue")
	}
	if len(ops) == 0 && len(items) == 0 {
		return nil
	}
	if len(ops) > maxApplyOps {
		ops = ops[:maxApplyOps]
	}
	if len(items) > maxIndexItems {
		items = items[:maxIndexItems]
	}
	return state.Tree{"type": "persist", "apply_ops": ops, "index_items": items}
}

// Envelope folds the tick actions into per-driver plans. Multiple actions of
// the same type merge under the caps.
func Envelope(s state.Tree) state.Tree {
	actions := state.GetSlice(s, "orchestrator.actions")
	if len(actions) == 0 {
		return kernel.Skip("no_actions")
	}

	outbound := []any{}
	var skills state.Tree
	var storage state.Tree
	timers := []any{}

	channel := state.GetString(s, "runtime.config.endpoints.transport.channel", "default")

	for _, av := range actions {
		action, ok := av.(map[string]any)
		if !ok {
			continue
		}
		switch state.GetString(action, "type", "") {
		case "emit":
			if len(outbound) >= maxEmits {
				continue
			}
			move := state.GetString(action, "move", "answer")
			text := clip(state.GetString(action, "text", ""), maxEmitLen)
			outbound = append(outbound, state.Tree{
				"role": "assistant",
				"move": move,
				"text": text,
				"id":   state.Hash(state.Tree{"move": move, "text": text}),
			})
		case "execute":
			reqs := state.GetSlice(action, "requests")
			if skills != nil {
				reqs = append(state.GetSlice(skills, "batch"), reqs...)
			}
			if len(reqs) > maxRequests {
				reqs = reqs[:maxRequests]
			}
			skills = state.Tree{
				"batch":  reqs,
				"limits": state.GetMap(action, "limits"),
				"defer":  state.GetSlice(action, "defer"),
			}
		case "persist":
			ns := state.GetString(s, "storage.apply.namespace", "store/noema/default")
			ops := state.GetSlice(action, "apply_ops")
			items := state.GetSlice(action, "index_items")
			if storage != nil {
				ops = append(state.GetSlice(storage, "apply.ops"), ops...)
				items = append(state.GetSlice(storage, "index.queue"), items...)
			}
			storage = state.Tree{
				"apply": state.Tree{"namespace": ns, "ops": ops},
				"index": state.Tree{"queue": items},
			}
		case "delay":
			timers = append(timers, state.Tree{
				"ms":     state.GetFloat(action, "ms", 0),
				"reason": "throttle_or_backoff",
			})
		}
	}

	plan := state.Tree{}
	if len(outbound) > 0 {
		plan["transport"] = state.Tree{"outbound": outbound, "channel": channel}
	}
	if skills != nil {
		for _, rv := range state.GetSlice(skills, "batch") {
			if req, ok := rv.(map[string]any); ok {
				if _, has := req["req_id"]; !has {
					req["req_id"] = state.Hash(state.Tree{
						"skill_id": req["skill_id"], "params": req["params"],
					})
				}
			}
		}
		plan["skills"] = skills
	}
	if storage != nil {
		plan["storage"] = storage
	}
	if len(timers) > 0 {
		plan["timers"] = timers
	}
	if len(plan) == 0 {
		return kernel.Skip("empty_envelope")
	}

	return kernel.OK(state.Tree{"driver": state.Tree{"plan": plan}})
}

// Jobs derives idempotent dispatch jobs with per-type deadlines from the
// driver plan.
func Jobs(s state.Tree) state.Tree {
	plan := state.GetMap(s, "driver.plan")
	if plan == nil {
		return kernel.Skip("no_plan")
	}
	tid := state.GetString(s, "session.thread_id", "default")
	ns := "noema/" + tid
	jobs := []any{}

	addJob := func(jobType string, content any, deadline float64) {
		key := state.Hash(state.Tree{"ns": ns, "type": jobType, "content": content})
		jobs = append(jobs, state.Tree{
			"job_id":          state.Hash(state.Tree{"idempotency_key": key, "type": jobType}),
			"idempotency_key": key,
			"type":            jobType,
			"ns":              ns,
			"content":         content,
			"deadline_ms":     clampDeadline(deadline),
		})
	}

	if transport := state.GetMap(plan, "transport"); transport != nil {
		msgs := state.GetSlice(transport, "outbound")
		if len(msgs) > jobMaxEmits {
			msgs = msgs[:jobMaxEmits]
		}
		content := state.Tree{"outbound": msgs, "channel": transport["channel"]}
		addJob("transport.emit", content, emitBaseMs+emitPadMs)
	}

	if skills := state.GetMap(plan, "skills"); skills != nil {
		batch := state.GetSlice(skills, "batch")
		if len(batch) > jobMaxReqs {
			batch = batch[:jobMaxReqs]
		}
		timeout := 0.0
		for _, rv := range batch {
			if req, ok := rv.(map[string]any); ok {
				if t := state.GetFloat(req, "timeout_ms", 0); t > timeout {
					timeout = t
				}
			}
		}
		content := state.Tree{
			"batch":  batch,
			"limits": state.GetMap(skills, "limits"),
			"defer":  state.GetSlice(skills, "defer"),
		}
		addJob("skills.execute", content, timeout+3000)
	}

	if storage := state.GetMap(plan, "storage"); storage != nil {
		ops := state.GetSlice(storage, "apply.ops")
		if len(ops) > jobMaxApplyOps {
			ops = ops[:jobMaxApplyOps]
		}
		items := state.GetSlice(storage, "index.queue")
		if len(items) > jobMaxIndex {
			items = items[:jobMaxIndex]
		}
		content := state.Tree{
			"apply": state.Tree{"namespace": state.GetString(storage, "apply.namespace", ns), "ops": ops},
			"index": state.Tree{"queue": items},
		}
		addJob("storage.apply_index", content, applyBaseMs+applyPadMs)
	}

	for _, tv := range state.GetSlice(plan, "timers") {
		timer, ok := tv.(map[string]any)
		if !ok {
			continue
		}
		ms := state.GetFloat(timer, "ms", 0)
		deadline := ms + timerPadMs
		if deadline > timerMaxSleepMs {
			deadline = timerMaxSleepMs
		}
		addJob("timer.sleep", state.Tree{"ms": ms}, deadline)
	}

	if len(jobs) == 0 {
		return kernel.Skip("no_jobs")
	}
	return kernel.OK(state.Tree{"driver": state.Tree{"jobs": jobs}})
}

func clampDeadline(ms float64) float64 {
	if ms < jobMinDeadline {
		return jobMinDeadline
	}
	if ms > jobMaxDeadline {
		return jobMaxDeadline
	}
	return ms
}

func clip(s string, n int) string {
	runes := []rune(s)
	if len(runes) > n {
		return string(runes[:n])
	}
	return s
}
