// Package observe implements the observability stages: telemetry aggregation
// into labeled metrics and audit events, best-effort trace span construction,
// and the weighted soft-check SLO evaluator that feeds adaptation.
package observe

import (
	"fmt"
	"math"

	"noema/internal/kernel"
	"noema/internal/state"
)

const (
	maxAuditItems  = 50
	maxLabelPairs  = 12
	maxLabelValue  = 120
	auditPreview   = 240
	traceSpanLimit = 32
)

// Register installs all observability stages into reg.
func Register(reg kernel.Registry) {
	reg["observe.telemetry"] = Telemetry
	reg["observe.trace"] = Trace
	reg["observe.slo"] = SLO
}

// Telemetry flattens the tick's artifacts into labeled metrics and audit
// events.
func Telemetry(s state.Tree) state.Tree {
	now := state.GetInt64(s, "clock.now_ms", 0)
	metrics := []any{}
	audit := []any{}

	metric := func(name string, value float64, labels state.Tree) {
		m := state.Tree{"name": name, "value": value, "ts": now}
		if len(labels) > 0 {
			m["labels"] = clipLabels(labels)
		}
		metrics = append(metrics, m)
	}
	auditEvent := func(kind string, payload state.Tree) {
		if len(audit) >= maxAuditItems {
			return
		}
		ev := state.Tree{"kind": kind, "payload": payload, "ts": now}
		ev["id"] = state.Hash(state.Tree{"k": kind, "p": payload, "t": now})
		audit = append(audit, ev)
	}

	if text := state.GetString(s, "dialog.final.text", ""); text != "" {
		metric("dialog_out_length", float64(len([]rune(text))), nil)
		auditEvent("dialog_emit", state.Tree{
			"move":    state.GetString(s, "dialog.final.move", ""),
			"preview": clipRunes(text, auditPreview),
		})
	}

	if plan := state.GetMap(s, "planner.plan"); plan != nil {
		mc := 0.0
		if state.GetBool(plan, "guardrails.must_confirm", false) {
			mc = 1.0
		}
		metric("plan_must_confirm", mc, nil)
		auditEvent("plan_selected", state.Tree{
			"plan_id":  plan["id"],
			"skill_id": plan["skill_id"],
		})
	}

	if agg := state.GetMap(s, "executor.results.aggregate"); agg != nil {
		metric("exec_total_cost", state.GetFloat(agg, "total_cost", 0), nil)
		metric("exec_avg_latency_ms", state.GetFloat(agg, "avg_latency_ms", 0), nil)
		metric("exec_items", state.GetFloat(agg, "count", 0), state.Tree{
			"ok":     fmt.Sprintf("%d", state.GetInt(agg, "ok", 0)),
			"errors": fmt.Sprintf("%d", state.GetInt(agg, "errors", 0)),
		})
		if best := state.GetMap(s, "executor.results.best"); best != nil {
			auditEvent("exec_best", state.Tree{
				"req_id": best["req_id"], "ok": best["ok"], "kind": best["kind"],
			})
		}
	}

	if ops := state.GetSlice(s, "memory.commit.ops"); len(ops) > 0 {
		metric("wal_ops", float64(len(ops)), nil)
		kindCounts := map[string]int{}
		for _, ov := range ops {
			if op, ok := ov.(map[string]any); ok {
				if k, _ := op["op"].(string); k != "" {
					kindCounts[k]++
				}
			}
		}
		for _, k := range []string{"append_turn", "append_result", "bump_counters"} {
			if c := kindCounts[k]; c > 0 {
				metric("wal_"+k, float64(c), nil)
			}
		}
		auditEvent("wal_commit", state.Tree{"ops": len(ops)})
	}

	if counts := state.GetMap(s, "storage.apply.counts"); counts != nil {
		metric("apply_ops", state.GetFloat(counts, "ops", 0), nil)
		metric("apply_puts", state.GetFloat(counts, "puts", 0), nil)
		metric("apply_incs", state.GetFloat(counts, "incs", 0), nil)
		metric("apply_links", state.GetFloat(counts, "links", 0), nil)
		auditEvent("storage_apply", state.Tree{
			"namespace": state.GetString(s, "storage.apply.namespace", ""),
			"ops":       state.GetInt(counts, "ops", 0),
		})
	}

	if queue := state.GetSlice(s, "index.queue"); queue != nil {
		metric("index_queue_items", float64(len(queue)), nil)
	}

	if u, ok := state.Get(s, "world_model.uncertainty.score"); ok {
		if f, ok := state.AsFloat(u); ok {
			metric("wm_uncertainty", f, nil)
		}
	}

	if len(metrics) == 0 && len(audit) == 0 {
		return kernel.Skip("nothing_observable")
	}

	return kernel.OKDiag(state.Tree{
		"observability": state.Tree{
			"telemetry": state.Tree{"metrics": metrics, "audit": audit},
		},
	}, state.Tree{"reason": "ok", "counts": state.Tree{"metrics": len(metrics), "audit": len(audit)}})
}

// Trace builds best-effort spans from whatever anchors this tick produced.
func Trace(s state.Tree) state.Tree {
	now := state.GetInt64(s, "clock.now_ms", 0)
	spans := []any{}

	addSpan := func(name string, parent string, attrs state.Tree) string {
		if len(spans) >= traceSpanLimit {
			return ""
		}
		span := state.Tree{
			"name": name, "start": now, "end": now, "attrs": attrs, "parent": parent,
		}
		id := state.Hash(state.Tree{"n": name, "s": now, "e": now, "a": attrs, "p": parent})
		span["id"] = id
		spans = append(spans, span)
		return id
	}

	root := ""
	if state.GetMap(s, "perception.packz") != nil || state.GetMap(s, "dialog.final") != nil {
		root = addSpan("noema.turn", "", state.Tree{
			"thread_id": state.GetString(s, "session.thread_id", ""),
		})
	}
	if root == "" {
		return kernel.Skip("insufficient")
	}

	if packz := state.GetMap(s, "perception.packz"); packz != nil {
		addSpan("user.turn", root, state.Tree{"packz_id": packz["id"]})
	}
	if plan := state.GetMap(s, "planner.plan"); plan != nil {
		addSpan("planner.plan", root, state.Tree{"plan_id": plan["id"]})
	}
	if agg := state.GetMap(s, "executor.results.aggregate"); agg != nil {
		addSpan("executor.run", root, state.Tree{"count": agg["count"], "errors": agg["errors"]})
	}
	if surface := state.GetMap(s, "dialog.surface"); surface != nil {
		addSpan("dialog.surface", root, state.Tree{"move": surface["move"]})
	}
	if final := state.GetMap(s, "dialog.final"); final != nil {
		addSpan("dialog.final", root, state.Tree{"move": final["move"]})
	}
	if apply := state.GetMap(s, "storage.apply"); apply != nil {
		addSpan("storage.apply", root, state.Tree{"namespace": apply["namespace"]})
	}
	if queue := state.GetSlice(s, "index.queue"); len(queue) > 0 {
		addSpan("index.queue", root, state.Tree{"items": len(queue)})
	}

	events := []any{}
	for _, sv := range spans {
		span := sv.(state.Tree)
		events = append(events,
			state.Tree{"ts": span["start"], "kind": "start", "span": span["id"]},
			state.Tree{"ts": span["end"], "kind": "end", "span": span["id"]},
		)
	}

	return kernel.OK(state.Tree{
		"observability": state.Tree{
			"trace": state.Tree{"spans": spans, "timeline": events, "root": root},
		},
	})
}

// SLO check thresholds and weights.
type sloCheck struct {
	name      string
	metric    string
	threshold float64
	weight    float64
	loGood    bool // true when lower values are better
}

var sloChecks = []sloCheck{
	{"answer.length", "dialog_out_length", 900, 0.12, true},
	{"execution.latency_ms", "exec_avg_latency_ms", 1500, 0.22, true},
	{"execution.error_rate", "", 0.2, 0.26, true},
	{"execution.cost_usd", "exec_total_cost", 0.01, 0.18, true},
	{"storage.wal_ops", "wal_ops", 80, 0.10, true},
	{"index.queue_items", "index_queue_items", 1000, 0.07, true},
	{"guardrails.must_confirm_adhered", "", 1, 0.05, false},
}

// SLO scores the tick's soft checks and emits alerts for failures.
func SLO(s state.Tree) state.Tree {
	metrics := lastMetrics(s)
	agg := state.GetMap(s, "executor.results.aggregate")

	// Pseudo-metric fallbacks from the executor aggregate.
	if agg != nil {
		if _, ok := metrics["exec_avg_latency_ms"]; !ok {
			metrics["exec_avg_latency_ms"] = state.GetFloat(agg, "avg_latency_ms", 0)
		}
		if _, ok := metrics["exec_total_cost"]; !ok {
			metrics["exec_total_cost"] = state.GetFloat(agg, "total_cost", 0)
		}
	}

	checks := []any{}
	alerts := []any{}
	weighted, totalWeight := 0.0, 0.0

	for _, c := range sloChecks {
		var value float64
		var present bool
		switch c.name {
		case "execution.error_rate":
			if agg != nil {
				count := state.GetFloat(agg, "count", 0)
				if count > 0 {
					value = state.GetFloat(agg, "errors", 0) / count
					present = true
				}
			}
		case "guardrails.must_confirm_adhered":
			mustConfirm := state.GetBool(s, "planner.plan.guardrails.must_confirm", false)
			move := state.GetString(s, "dialog.final.move", "")
			reason := state.GetString(s, "dialog.final.reason", "")
			adhered := !mustConfirm || move == "confirm" ||
				reason == "must_confirm" || reason == "secret_detected"
			if adhered {
				value = 1
			}
			present = state.GetMap(s, "dialog.final") != nil || mustConfirm
		default:
			value, present = metrics[c.metric]
		}
		if !present {
			continue
		}

		var score float64
		if c.loGood {
			score = ratioLowGood(value, c.threshold)
		} else {
			score = value // adherence is already 0/1
		}
		ok := score >= 0.999

		checks = append(checks, state.Tree{
			"name": c.name, "ok": ok, "value": value, "threshold": c.threshold,
			"weight": c.weight, "details": state.Tree{"score": round4(score)},
		})
		weighted += score * c.weight
		totalWeight += c.weight

		if !ok {
			severity := "low"
			switch {
			case c.weight >= 0.22:
				severity = "high"
			case c.weight >= 0.12:
				severity = "medium"
			}
			alerts = append(alerts, state.Tree{
				"check":    c.name,
				"severity": severity,
				"value":    value,
				"knob":     suggestedKnob(c.name),
			})
		}
	}

	if totalWeight == 0 {
		return kernel.Skip("no_signal")
	}
	score := math.Round(weighted/totalWeight*10000) / 10000

	return kernel.OK(state.Tree{
		"observability": state.Tree{
			"slo": state.Tree{"score": score, "checks": checks, "alerts": alerts},
		},
	})
}

// ratioLowGood ramps 1.0 at or under the threshold down to 0 at double the
// threshold.
func ratioLowGood(value, threshold float64) float64 {
	if threshold <= 0 {
		if value <= 0 {
			return 1
		}
		return 0
	}
	if value <= threshold {
		return 1
	}
	if value >= 2*threshold {
		return 0
	}
	return (2*threshold - value) / threshold
}

func suggestedKnob(check string) string {
	switch check {
	case "answer.length":
		return "dialog.surface.max_len"
	case "execution.latency_ms":
		return "executor.timeout_ms"
	case "execution.error_rate":
		return "executor.retries.max"
	case "execution.cost_usd":
		return "budget.exec_total_cost_max"
	case "storage.wal_ops":
		return "persistence.batch.max_ops"
	case "index.queue_items":
		return "index.enqueue.rate_limit_per_s"
	case "guardrails.must_confirm_adhered":
		return "guardrails.must_confirm.u_threshold"
	}
	return ""
}

// lastMetrics folds the telemetry metric list into a last-occurrence map.
func lastMetrics(s state.Tree) map[string]float64 {
	out := map[string]float64{}
	for _, mv := range state.GetSlice(s, "observability.telemetry.metrics") {
		m, ok := mv.(map[string]any)
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		if name == "" {
			continue
		}
		if f, ok := state.AsFloat(m["value"]); ok {
			out[name] = f
		}
	}
	return out
}

func clipLabels(labels state.Tree) state.Tree {
	out := state.Tree{}
	n := 0
	for k, v := range labels {
		if n >= maxLabelPairs {
			break
		}
		if sv, ok := v.(string); ok {
			v = clipRunes(sv, maxLabelValue)
		}
		out[k] = v
		n++
	}
	return out
}

func clipRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) > n {
		return string(runes[:n])
	}
	return s
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
