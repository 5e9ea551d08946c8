// Package adapt turns SLO breaches into bounded policy-change plans, folds
// observed rewards into the learning weights, validates and shadow-applies
// change plans, and stages new config versions for activation.
package adapt

import (
	"fmt"
	"math"
	"sort"

	"noema/internal/kernel"
	"noema/internal/state"
	"noema/internal/stages/worldmodel"
)

const (
	maxChanges     = 8
	changeTTLSec   = 1800
	learningRate   = 0.15
	weightMax      = 1.5
	confidenceMin  = 0.05
	confidenceMax  = 0.99
	previewMaxKeys = 200
)

// Register installs all adaptation stages into reg.
func Register(reg kernel.Registry) {
	reg["adapt.delta"] = Delta
	reg["adapt.applyplan"] = ApplyPlan
	reg["adapt.stage"] = Stage
}

type change struct {
	Path       string
	Type       string // tighten | retune | relax | set
	NewValue   any
	Bounds     [2]float64
	Confidence float64
	Reason     string
}

func (c change) tree() state.Tree {
	return state.Tree{
		"path":        c.Path,
		"change_type": c.Type,
		"new_value":   c.NewValue,
		"bounds":      []any{c.Bounds[0], c.Bounds[1]},
		"confidence":  round4(c.Confidence),
		"reason":      c.Reason,
	}
}

var changeTypeRank = map[string]int{"tighten": 0, "retune": 1, "relax": 2, "set": 3}

// Delta plans bounded config changes for every failing SLO check and folds the
// turn's reward trace into the learning weights.
func Delta(s state.Tree) state.Tree {
	out := state.Tree{}
	planned := planChanges(s)
	learned := foldLearning(s)
	if planned == nil && learned == nil {
		return kernel.Skip("nothing_to_adapt")
	}
	if planned != nil {
		state.Merge(out, planned)
	}
	if learned != nil {
		state.Merge(out, learned)
	}
	return kernel.OK(out)
}

func planChanges(s state.Tree) state.Tree {
	slo := state.GetMap(s, "observability.slo")
	if slo == nil {
		return nil
	}
	score := state.GetFloat(slo, "score", 1)
	changes := []change{}

	for _, cv := range state.GetSlice(slo, "checks") {
		check, ok := cv.(map[string]any)
		if !ok || state.GetBool(check, "ok", true) {
			continue
		}
		name, _ := check["name"].(string)
		changes = append(changes, changesForCheck(s, name, score)...)
	}
	if len(changes) == 0 {
		return nil
	}

	sort.SliceStable(changes, func(i, j int) bool {
		ri, rj := changeTypeRank[changes[i].Type], changeTypeRank[changes[j].Type]
		if ri != rj {
			return ri < rj
		}
		return changes[i].Confidence > changes[j].Confidence
	})
	if len(changes) > maxChanges {
		changes = changes[:maxChanges]
	}

	items := make([]any, len(changes))
	for i, c := range changes {
		items[i] = c.tree()
	}
	return state.Tree{"adaptation": state.Tree{"delta": state.Tree{
		"changes": items,
		"meta": state.Tree{
			"created_at": state.GetInt64(s, "clock.now_ms", 0),
			"slo_score":  score,
		},
		"guards": state.Tree{
			"max_changes":    maxChanges,
			"ttl_sec":        changeTTLSec,
			"applies_safely": true,
		},
	}}}
}

func changesForCheck(s state.Tree, name string, score float64) []change {
	cfg := state.GetMap(s, "runtime.config")
	switch name {
	case "answer.length":
		maxLen := state.GetFloat(cfg, "dialog.surface.max_len", 800)
		outLen := state.GetFloat(cfg, "safety_filter.max_out_len", 1200)
		conf := 0.55 + 0.2*(1-score)
		return []change{
			{"dialog.surface.max_len", "tighten",
				math.Max(400, math.Floor(maxLen*0.9)), [2]float64{400, 2000}, conf, name},
			{"safety_filter.max_out_len", "tighten",
				math.Max(600, math.Floor(outLen*0.9)), [2]float64{600, 4000}, conf, name},
		}
	case "execution.latency_ms":
		timeout := state.GetFloat(cfg, "executor.timeout_ms", 30000)
		return []change{{"executor.timeout_ms", "tighten",
			math.Max(8000, math.Floor(timeout*0.9)), [2]float64{8000, 60000},
			0.6 + 0.25*(1-score), name}}
	case "execution.error_rate":
		latency := aggLatency(s)
		if latency <= 1.05*1500 {
			retries := state.GetFloat(cfg, "executor.retries.max", 2)
			return []change{{"executor.retries.max", "relax",
				math.Min(4, retries+1), [2]float64{0, 6}, 0.58, name}}
		}
		return []change{{"executor.parallelism.max_inflight", "tighten",
			2.0, [2]float64{1, 8}, 0.52, name}}
	case "execution.cost_usd":
		budget := state.GetFloat(cfg, "budget.exec_total_cost_max", 0.01)
		return []change{
			{"budget.exec_total_cost_max", "tighten",
				math.Max(0.002, budget*0.85), [2]float64{0.002, 0.05}, 0.62, name},
			{"planner.skill_selection.cost_bias", "retune",
				0.15, [2]float64{0, 0.5}, 0.55, name},
		}
	case "storage.wal_ops":
		return []change{
			{"persistence.batch.max_ops", "retune", 50.0, [2]float64{20, 200}, 0.5, name},
			{"persistence.batch.max_interval_ms", "retune", 120.0, [2]float64{50, 500}, 0.5, name},
		}
	case "index.queue_items":
		return []change{
			{"index.enqueue.rate_limit_per_s", "tighten", 30.0, [2]float64{10, 200}, 0.5, name},
			{"index.workers.min_parallel", "relax", 2.0, [2]float64{1, 32}, 0.5, name},
		}
	case "guardrails.must_confirm_adhered":
		threshold := 0.4
		if state.GetFloat(s, "world_model.uncertainty.score", 0) >= 0.45 {
			threshold = 0.35
		}
		return []change{{"guardrails.must_confirm.u_threshold", "tighten",
			threshold, [2]float64{0.25, 0.7}, 0.64, name}}
	}
	return []change{{"advice." + name, "set", "review", [2]float64{0, 0}, 0.4, name}}
}

func aggLatency(s state.Tree) float64 {
	return state.GetFloat(s, "executor.results.aggregate.avg_latency_ms", 0)
}

func foldLearning(s state.Tree) state.Tree {
	history := state.GetSlice(s, "world_model.trace.error_history")
	entries := []map[string]any{}
	for _, hv := range history {
		h, ok := hv.(map[string]any)
		if !ok {
			continue
		}
		if _, has := h["reward"]; has {
			entries = append(entries, h)
		}
	}
	if len(entries) == 0 {
		return nil
	}

	weights := map[string]float64{}
	for _, label := range worldmodel.Labels {
		weights[label] = state.GetFloat(s, "policy.learning.weights."+label, 0.5)
	}
	before := map[string]float64{}
	for k, v := range weights {
		before[k] = v
	}

	rewardSum := 0.0
	for _, e := range entries {
		reward := state.GetFloat(e, "reward", 0)
		target, _ := e["target"].(string)
		topPred, _ := e["top_pred"].(string)
		rewardSum += reward

		if _, ok := weights[target]; ok {
			match := 0.0
			if topPred == target {
				match = 1.0
			}
			weights[target] += learningRate * (reward - 0.5 + 0.1*match)
		}
		if topPred != target {
			if _, ok := weights[topPred]; ok {
				weights[topPred] -= learningRate * 0.1 * reward
			}
		}
	}

	delta := state.Tree{}
	outWeights := state.Tree{}
	for _, label := range worldmodel.Labels {
		w := math.Min(weightMax, math.Max(0, weights[label]))
		weights[label] = w
		outWeights[label] = round4(w)
		delta[label] = round4(w - before[label])
	}

	avgReward := rewardSum / float64(len(entries))
	confidence := state.GetFloat(s, "policy.learning.confidence", 0.5)
	confidence = math.Min(confidenceMax, math.Max(confidenceMin, confidence+0.05*(avgReward-0.5)))

	parent := state.GetString(s, "policy.learning.version.id", "")
	if parent == "" {
		parent = state.GetString(s, "policy.version", "")
	}
	versionID := state.Hash(state.Tree{"parent": parent, "weights": outWeights})

	updates := state.GetInt(s, "policy.learning.updates", 0) + len(entries)

	return state.Tree{
		"policy": state.Tree{"learning": state.Tree{
			"weights":    outWeights,
			"delta":      delta,
			"updates":    updates,
			"confidence": round4(confidence),
			"version": state.Tree{
				"id":     versionID,
				"parent": parent,
				"rollback": state.Tree{"weights": toTree(before)},
			},
		}},
		"adaptation": state.Tree{"policy": state.Tree{
			"updates":    updates,
			"avg_reward": round4(avgReward),
			"confidence": round4(confidence),
		}},
	}
}

// ApplyPlan validates the planned changes against the current runtime config
// and shadow-applies them into a preview without touching the live config.
func ApplyPlan(s state.Tree) state.Tree {
	plan := state.GetMap(s, "adaptation.delta")
	if plan == nil {
		return kernel.Skip("no_plan")
	}
	changes := state.GetSlice(plan, "changes")
	if len(changes) == 0 {
		return kernel.Skip("no_changes")
	}

	now := state.GetInt64(s, "clock.now_ms", 0)
	createdAt := state.GetInt64(plan, "meta.created_at", now)
	if now > 0 && createdAt > 0 && now-createdAt > changeTTLSec*1000 {
		return kernel.Skip("plan_expired")
	}

	cfg := state.GetMap(s, "runtime.config")
	proposed := state.Tree{}
	if cfg != nil {
		proposed = state.CloneTree(cfg)
	}

	ops := []any{}
	diffSet := state.Tree{}
	notes := []any{}
	applied := 0

	for i, cv := range changes {
		if applied >= maxChanges {
			notes = append(notes, state.Tree{"index": i, "note": "over_max_changes"})
			break
		}
		c, ok := cv.(map[string]any)
		if !ok {
			notes = append(notes, state.Tree{"index": i, "note": "malformed"})
			continue
		}
		path, _ := c["path"].(string)
		ctype, _ := c["change_type"].(string)
		value, hasValue := c["new_value"]
		if path == "" || !hasValue {
			notes = append(notes, state.Tree{"index": i, "note": "malformed"})
			continue
		}
		if _, ok := changeTypeRank[ctype]; !ok {
			notes = append(notes, state.Tree{"index": i, "note": "bad_change_type"})
			continue
		}
		if !withinBounds(value, state.GetSlice(c, "bounds")) {
			notes = append(notes, state.Tree{"index": i, "note": "out_of_bounds"})
			continue
		}

		old, hadOld := state.Get(proposed, path)
		if hadOld && equalValue(old, value) {
			notes = append(notes, state.Tree{"index": i, "note": "noop"})
			continue
		}

		state.Set(proposed, path, value)
		ops = append(ops, state.Tree{"op": "set", "path": path, "value": value})
		entry := state.Tree{"new": value}
		if hadOld {
			entry["old"] = old
		} else {
			entry["old"] = nil
		}
		diffSet[path] = entry
		applied++
	}

	if len(ops) == 0 {
		return kernel.Skip("all_noop")
	}

	changedKeys := make([]string, 0, len(diffSet))
	for k := range diffSet {
		changedKeys = append(changedKeys, k)
	}
	sort.Strings(changedKeys)
	keys := []any{}
	for _, k := range changedKeys {
		keys = append(keys, k)
	}

	return kernel.OK(state.Tree{
		"adaptation": state.Tree{"apply": state.Tree{
			"ops":             ops,
			"proposed_config": clipConfig(proposed),
			"diff":            state.Tree{"set": diffSet, "changed_keys": keys},
			"notes":           notes,
		}},
	})
}

// Stage assembles a config version document and the storage ops that persist
// it under the thread's config namespace.
func Stage(s state.Tree) state.Tree {
	apply := state.GetMap(s, "adaptation.apply")
	if apply == nil {
		return kernel.Skip("nothing_staged")
	}
	ops := state.GetSlice(apply, "ops")
	if len(ops) == 0 {
		return kernel.Skip("nothing_staged")
	}

	tid := state.GetString(s, "session.thread_id", "default")
	ns := "config/noema/" + tid
	now := state.GetInt64(s, "clock.now_ms", 0)
	proposed := state.GetMap(apply, "proposed_config")
	parent := state.GetString(s, "runtime.config_version.id", "")

	versionID := state.Hash(state.Tree{
		"parent": parent, "ops": ops, "proposed_config": proposed,
	})

	versionDoc := state.Tree{
		"id":            versionID,
		"parent_id":     parent,
		"created_at":    now,
		"author":        "noema",
		"rules_version": kernel.RulesVersion,
		"changes":       len(ops),
		"meta":          state.GetMap(s, "adaptation.delta.meta"),
	}

	storageOps := []any{
		state.Tree{"op": "put", "key": ns + "/versions/" + versionID, "value": versionDoc},
		state.Tree{"op": "put", "key": ns + "/configs/" + versionID, "value": proposed},
		state.Tree{"op": "put", "key": ns + "/pointers/current", "value": state.Tree{
			"version_id": versionID, "parent_id": parent,
		}},
	}

	return kernel.OK(state.Tree{
		"adaptation": state.Tree{"staged": state.Tree{
			"namespace": ns,
			"version":   versionDoc,
			"config":    proposed,
			"rollback": state.Tree{
				"version_key": ns + "/versions/" + parent,
				"config_key":  ns + "/configs/" + parent,
			},
			"storage_ops": storageOps,
		}},
	})
}

func withinBounds(value any, bounds []any) bool {
	f, isNum := state.AsFloat(value)
	if !isNum {
		return true // non-numeric values carry no bounds
	}
	if len(bounds) != 2 {
		return true
	}
	lo, okLo := state.AsFloat(bounds[0])
	hi, okHi := state.AsFloat(bounds[1])
	if !okLo || !okHi || (lo == 0 && hi == 0) {
		return true
	}
	return f >= lo && f <= hi
}

func equalValue(a, b any) bool {
	if fa, ok := state.AsFloat(a); ok {
		if fb, ok := state.AsFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func clipConfig(cfg state.Tree) state.Tree {
	if countKeys(cfg) <= previewMaxKeys {
		return cfg
	}
	keys := make([]string, 0, len(cfg))
	for k := range cfg {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := state.Tree{}
	for _, k := range keys {
		if countKeys(out) >= previewMaxKeys {
			out["_truncated"] = true
			break
		}
		out[k] = cfg[k]
	}
	return out
}

func countKeys(t state.Tree) int {
	n := 0
	for _, v := range t {
		n++
		if sub, ok := v.(map[string]any); ok {
			n += countKeys(sub)
		}
	}
	return n
}

func toTree(m map[string]float64) state.Tree {
	out := state.Tree{}
	for k, v := range m {
		out[k] = round4(v)
	}
	return out
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
