// Package executor implements skill-execution staging: the dispatcher that
// turns an execute move into concrete requests, the result normalizer that
// flattens raw skill responses, and the presenter that renders the best
// result back into the dialog.
package executor

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"noema/internal/kernel"
	"noema/internal/state"
)

const (
	// RequestTimeoutMs is the default per-request skill timeout.
	RequestTimeoutMs = 30000

	maxText      = 8000
	maxJSONChars = 20000
	maxAttach    = 12

	presentMaxRows = 6
	presentMaxCols = 8
	presentMaxText = 1200
)

// Register installs all executor stages into reg.
func Register(reg kernel.Registry) {
	reg["exec.dispatch"] = Dispatch
	reg["exec.normalize"] = Normalize
	reg["exec.present"] = Present
}

// Dispatch builds executor requests when, and only when, the safety-filtered
// move is execute. Request ids are content hashes so replays dedupe.
func Dispatch(s state.Tree) state.Tree {
	move := state.GetString(s, "dialog.final.move", "")
	if move != "execute" {
		return kernel.Skip("not_execute_move")
	}
	reason := state.GetString(s, "dialog.final.reason", "")
	if reason == "must_confirm" || reason == "secret_detected" {
		return kernel.Skip("confirm_pending")
	}
	if state.GetBool(s, "planner.plan.guardrails.must_confirm", false) {
		return kernel.Skip("confirm_pending")
	}

	planID := state.GetString(s, "planner.plan.id", "")
	ops := state.GetSlice(s, "dialog.turn.ops")
	if len(ops) == 0 {
		// Fall back to plan steps.
		for _, sv := range state.GetSlice(s, "planner.plan.steps") {
			if step, ok := sv.(map[string]any); ok && step["op"] == "execute_skill" {
				ops = append(ops, step)
			}
		}
	}
	if len(ops) == 0 {
		return kernel.Skip("no_ops")
	}

	requests := []any{}
	for _, ov := range ops {
		op, ok := ov.(map[string]any)
		if !ok || op["op"] != "execute_skill" {
			continue
		}
		skillID, _ := op["skill_id"].(string)
		params := state.Clone(op["params"])
		if params == nil {
			params = state.Tree{}
		}
		key := state.Hash(state.Tree{
			"skill_id": skillID,
			"params":   params,
			"plan":     planID,
		})
		requests = append(requests, state.Tree{
			"req_id":     key,
			"skill_id":   skillID,
			"params":     params,
			"timeout_ms": RequestTimeoutMs,
			"retries": state.Tree{
				"max": 2, "policy": "exponential", "backoff_ms": 1200,
			},
			"idempotency_key": key,
			"meta": state.Tree{
				"plan_id":    planID,
				"skill_name": skillName(skillID),
			},
		})
	}
	if len(requests) == 0 {
		return kernel.Skip("no_ops")
	}

	return kernel.OKDiag(state.Tree{
		"executor": state.Tree{"requests": requests},
	}, state.Tree{"reason": "ok", "counts": state.Tree{"requests": len(requests)}})
}

// Normalize flattens raw skill responses into scored, kind-tagged result
// items with an aggregate.
func Normalize(s state.Tree) state.Tree {
	raw := state.GetSlice(s, "executor.raw.items")
	if raw == nil {
		return kernel.Skip("no_raw_results")
	}

	items := make([]state.Tree, 0, len(raw))
	for _, rv := range raw {
		r, ok := rv.(map[string]any)
		if !ok {
			continue
		}
		items = append(items, normalizeItem(r))
	}
	if len(items) == 0 {
		return kernel.Skip("no_raw_results")
	}

	sort.SliceStable(items, func(i, j int) bool {
		oi, oj := boolVal(items[i]["ok"]), boolVal(items[j]["ok"])
		if oi != oj {
			return oi
		}
		si, sj := state.GetFloat(items[i], "score", 0), state.GetFloat(items[j], "score", 0)
		if si != sj {
			return si > sj
		}
		return state.GetFloat(items[i], "duration_ms", 0) < state.GetFloat(items[j], "duration_ms", 0)
	})

	out := make([]any, len(items))
	okCount, errCount := 0, 0
	totalCost, totalIn, totalOut, totalLatency := 0.0, 0.0, 0.0, 0.0
	for i, it := range items {
		out[i] = it
		if boolVal(it["ok"]) {
			okCount++
		} else {
			errCount++
		}
		usage := state.GetMap(it, "usage")
		totalCost += state.GetFloat(usage, "cost", 0)
		totalIn += state.GetFloat(usage, "input_tokens", 0)
		totalOut += state.GetFloat(usage, "output_tokens", 0)
		totalLatency += state.GetFloat(it, "duration_ms", 0)
	}
	avgLatency := 0.0
	if len(items) > 0 {
		avgLatency = math.Round(totalLatency/float64(len(items))*100) / 100
	}

	results := state.Tree{
		"items": out,
		"best":  state.Clone(out[0]),
		"aggregate": state.Tree{
			"count":               len(items),
			"ok":                  okCount,
			"errors":              errCount,
			"total_cost":          totalCost,
			"total_input_tokens":  totalIn,
			"total_output_tokens": totalOut,
			"avg_latency_ms":      avgLatency,
		},
	}

	return kernel.OK(state.Tree{
		"executor": state.Tree{"results": results},
	})
}

func normalizeItem(r state.Tree) state.Tree {
	okFlag := boolVal(r["ok"])
	text, _ := r["text"].(string)
	if errMsg, hasErr := r["error"]; hasErr && errMsg != nil {
		okFlag = false
		if text == "" {
			text = fmt.Sprintf("error: %v", errMsg)
		}
	}
	if runes := []rune(text); len(runes) > maxText {
		text = string(runes[:maxText])
	}

	data := r["data"]
	kind := inferKind(r, text, data, okFlag)

	attachments := state.GetSlice(r, "attachments")
	if len(attachments) > maxAttach {
		attachments = attachments[:maxAttach]
	}
	if attachments == nil {
		attachments = []any{}
	}

	usage := state.GetMap(r, "usage")
	if usage == nil {
		usage = state.Tree{"cost": 0.0}
	}
	if _, has := usage["output_tokens"]; !has {
		usage["output_tokens"] = math.Ceil(float64(len(text)) / 4)
	}

	duration := state.GetFloat(r, "latency_ms", state.GetFloat(r, "duration_ms", 0))

	item := state.Tree{
		"ok":          okFlag,
		"req_id":      r["req_id"],
		"kind":        kind,
		"text":        text,
		"data":        state.Clone(data),
		"attachments": attachments,
		"usage":       state.Clone(usage),
		"duration_ms": duration,
	}
	item["score"] = round4(scoreItem(item, kind, text, data, attachments))
	return item
}

func inferKind(r state.Tree, text string, data any, okFlag bool) string {
	if !okFlag {
		return "error"
	}
	if k, _ := r["kind"].(string); k != "" {
		return k
	}
	if mime, _ := r["mime"].(string); mime != "" {
		switch {
		case strings.HasPrefix(mime, "image/"):
			return "image"
		case strings.HasPrefix(mime, "audio/"):
			return "audio"
		case strings.HasPrefix(mime, "video/"):
			return "video"
		case mime == "text/markdown":
			return "markdown"
		case mime == "application/json":
			return "json"
		case strings.HasPrefix(mime, "text/"):
			return "text"
		default:
			return "binary"
		}
	}
	if data != nil {
		if isTableLike(data) {
			return "table"
		}
		return "json"
	}
	if text != "" {
		if strings.Contains(text, "\n#") || strings.HasPrefix(text, "#") || strings.Contains(text, "```") {
			return "markdown"
		}
		if strings.HasPrefix(strings.TrimSpace(text), "http://") || strings.HasPrefix(strings.TrimSpace(text), "https://") {
			return "url"
		}
		return "text"
	}
	return "unknown"
}

// isTableLike reports whether data is a list of maps sharing one key set
// (first 10 rows checked).
func isTableLike(data any) bool {
	rows, ok := data.([]any)
	if !ok || len(rows) == 0 {
		return false
	}
	var keys []string
	for i, rv := range rows {
		if i >= 10 {
			break
		}
		row, ok := rv.(map[string]any)
		if !ok {
			return false
		}
		rk := sortedKeys(row)
		if keys == nil {
			keys = rk
			continue
		}
		if strings.Join(keys, "\x00") != strings.Join(rk, "\x00") {
			return false
		}
	}
	return keys != nil
}

func scoreItem(item state.Tree, kind, text string, data any, attachments []any) float64 {
	score := 0.0
	if boolVal(item["ok"]) {
		score += 0.5
	}
	switch kind {
	case "table", "json":
		score += 0.25
		if isTableLike(data) {
			score += 0.1
		}
	case "markdown":
		score += 0.15
	case "text":
		score += 0.1
	}
	if n := len(attachments); n > 0 {
		score += math.Min(0.2, 0.05*float64(n))
	}
	if l := float64(len(text)); l > 80 {
		score += math.Min(0.2, (l-80)/500)
	}
	return score
}

// Present renders the best normalized result into a dialog turn.
func Present(s state.Tree) state.Tree {
	best := state.GetMap(s, "executor.results.best")
	if best == nil {
		return kernel.Skip("no_results")
	}
	persian := state.GetString(s, "perception.script.dir", "") == "rtl" ||
		state.GetString(s, "perception.packz.signals.lang", "") == "fa"

	var content string
	kind, _ := best["kind"].(string)
	switch kind {
	case "table":
		content = renderTable(best["data"])
	case "json":
		content = state.CanonicalJSON(best["data"])
		if runes := []rune(content); len(runes) > maxJSONChars {
			content = string(runes[:maxJSONChars])
		}
	default:
		content, _ = best["text"].(string)
	}

	attachments := state.GetSlice(best, "attachments")
	if len(attachments) > maxAttach {
		attachments = attachments[:maxAttach]
	}
	if len(attachments) > 0 {
		label := "Attachments:"
		if persian {
			label = "ضمیمه‌ها:"
		}
		names := make([]string, 0, len(attachments))
		for _, av := range attachments {
			if m, ok := av.(map[string]any); ok {
				if n, _ := m["name"].(string); n != "" {
					names = append(names, "- "+n)
				}
			}
		}
		if len(names) > 0 {
			content = strings.TrimSpace(content + "\n\n" + label + "\n" + strings.Join(names, "\n"))
		}
	}

	if runes := []rune(content); len(runes) > presentMaxText {
		content = string(runes[:presentMaxText])
	}

	move := "answer"
	if strings.TrimSpace(content) == "" {
		move = "ack"
		if persian {
			content = "باشه."
		} else {
			content = "Okay."
		}
	}

	skillName := state.GetString(best, "meta.skill_name", "")
	if skillName == "" {
		if rid, _ := best["req_id"].(string); rid != "" {
			skillName = "skill"
		}
	}

	return kernel.OK(state.Tree{
		"dialog": state.Tree{
			"turn": state.Tree{
				"move":        move,
				"content":     content,
				"attachments": attachments,
				"meta":        state.Tree{"skill_name": skillName},
			},
		},
	})
}

// renderTable builds a markdown table from table-like data.
func renderTable(data any) string {
	rows, ok := data.([]any)
	if !ok || len(rows) == 0 || !isTableLike(data) {
		return state.CanonicalJSON(data)
	}
	first := rows[0].(map[string]any)
	cols := sortedKeys(first)
	if len(cols) > presentMaxCols {
		cols = cols[:presentMaxCols]
	}

	var b strings.Builder
	b.WriteString("|")
	for _, c := range cols {
		b.WriteString(" " + trimCell(c, 40) + " |")
	}
	b.WriteString("\n|")
	for range cols {
		b.WriteString("---|")
	}
	for i, rv := range rows {
		if i >= presentMaxRows {
			break
		}
		row := rv.(map[string]any)
		b.WriteString("\n|")
		for _, c := range cols {
			b.WriteString(" " + trimCell(cellString(row[c]), 80) + " |")
		}
	}
	return b.String()
}

func cellString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return state.CanonicalJSON(v)
	}
}

func trimCell(s string, n int) string {
	s = strings.ReplaceAll(s, "|", "\\|")
	if runes := []rune(s); len(runes) > n {
		return string(runes[:n])
	}
	return s
}

func skillName(skillID string) string {
	parts := strings.Split(skillID, ".")
	return parts[len(parts)-1]
}

func boolVal(v any) bool {
	b, _ := v.(bool)
	return b
}

func sortedKeys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
