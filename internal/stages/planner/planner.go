// Package planner implements intent routing, slot collection, and plan
// building. The plan carries the guardrail verdicts the dialog and executor
// stages act on.
package planner

import (
	"strings"

	"noema/internal/kernel"
	"noema/internal/state"
)

// DefaultSkill is the built-in direct-answer route.
const DefaultSkill = "skill.answer.direct"

// defaultConfirmThreshold backs the plan builder when no runtime config has
// been activated yet. The activated gatekeeper threshold takes precedence.
const defaultConfirmThreshold = 0.35

// Register installs all planner stages into reg.
func Register(reg kernel.Registry) {
	reg["plan.intent"] = Intent
	reg["plan.slots"] = Slots
	reg["plan.build"] = Build
}

// Intent routes the turn to a skill. The single built-in route answers
// directly; alternates record what else was considered.
func Intent(s state.Tree) state.Tree {
	packz := state.GetMap(s, "perception.packz")
	if packz == nil {
		return kernel.Skip("no_packz")
	}

	top := state.GetString(s, "world_model.expected_reply.top", "direct_answer")
	alternates := []any{}
	if top == "execute_action" {
		alternates = append(alternates, state.Tree{"skill_id": "skill.dev.echo", "score": 0.4})
	}

	return kernel.OK(state.Tree{
		"planner": state.Tree{
			"intent": state.Tree{
				"skill_id":   DefaultSkill,
				"score":      0.95,
				"alternates": alternates,
			},
		},
	})
}

// Slots collects fillable parameters from the token stream: numbers, urls,
// and quoted spans.
func Slots(s state.Tree) state.Tree {
	items := state.GetSlice(s, "perception.tokens.items")
	if items == nil {
		return kernel.Skip("no_tokens")
	}

	filled := state.Tree{}
	var numbers, urls []any
	for _, it := range items {
		tok, ok := it.(map[string]any)
		if !ok {
			continue
		}
		text, _ := tok["text"].(string)
		switch tok["kind"] {
		case "number":
			numbers = append(numbers, text)
		case "url":
			urls = append(urls, text)
		}
	}
	if len(numbers) > 0 {
		filled["numbers"] = numbers
	}
	if len(urls) > 0 {
		filled["urls"] = urls
	}
	if q := quotedSpans(state.GetString(s, "perception.norm.text", "")); len(q) > 0 {
		filled["quoted"] = q
	}

	missing := []any{}
	if state.GetString(s, "world_model.expected_reply.top", "") == "execute_action" && len(filled) == 0 {
		missing = append(missing, "target")
	}

	return kernel.OK(state.Tree{
		"planner": state.Tree{
			"slots": state.Tree{"filled": filled, "missing": missing},
		},
	})
}

// Build assembles the plan. Must-confirm is decided here once from the
// gatekeeper threshold (activated config when present, default otherwise),
// the predicted move, and the uncertainty recommendation.
func Build(s state.Tree) state.Tree {
	intent := state.GetMap(s, "planner.intent")
	if intent == nil {
		return kernel.Skip("no_intent")
	}
	skillID, _ := intent["skill_id"].(string)
	filled := state.GetMap(s, "planner.slots.filled")
	if filled == nil {
		filled = state.Tree{}
	}
	missing := state.GetSlice(s, "planner.slots.missing")

	top := state.GetString(s, "world_model.expected_reply.top", "direct_answer")
	rec := state.GetString(s, "world_model.uncertainty.recommendation", "answer_direct")
	u := state.GetFloat(s, "world_model.uncertainty.score", 0)

	threshold := state.GetFloat(s, "runtime.config.guardrails.must_confirm.u_threshold", defaultConfirmThreshold)
	guardFlag := state.GetBool(s, "policy.guardrails.must_confirm", false)

	mustConfirm := guardFlag ||
		(top == "execute_action" && u >= threshold) ||
		rec == "probe_first" || rec == "answer_or_probe"

	steps := []any{}
	if top == "execute_action" && len(missing) == 0 {
		steps = append(steps, state.Tree{
			"op":       "execute_skill",
			"skill_id": pickExecSkill(intent),
			"params":   state.Clone(filled),
		})
	} else {
		steps = append(steps, state.Tree{
			"op":       "answer",
			"skill_id": skillID,
		})
	}

	planID := state.Hash(state.Tree{
		"skill_id": skillID,
		"filled":   filled,
		"steps":    steps,
	})

	dryRun := summarize(filled)

	return kernel.OK(state.Tree{
		"planner": state.Tree{
			"plan": state.Tree{
				"id":       planID,
				"skill_id": skillID,
				"steps":    steps,
				"guardrails": state.Tree{
					"must_confirm":    mustConfirm,
					"u_threshold":     threshold,
					"dry_run_summary": dryRun,
				},
			},
		},
	})
}

// pickExecSkill prefers a concrete alternate skill for execution moves.
func pickExecSkill(intent state.Tree) string {
	for _, av := range state.GetSlice(intent, "alternates") {
		if alt, ok := av.(map[string]any); ok {
			if id, _ := alt["skill_id"].(string); id != "" {
				return id
			}
		}
	}
	return DefaultSkill
}

func quotedSpans(text string) []any {
	out := []any{}
	for _, q := range []string{`"`, "'", "«"} {
		closer := q
		if q == "«" {
			closer = "»"
		}
		rest := text
		for {
			i := strings.Index(rest, q)
			if i < 0 {
				break
			}
			j := strings.Index(rest[i+len(q):], closer)
			if j < 0 {
				break
			}
			span := rest[i+len(q) : i+len(q)+j]
			if strings.TrimSpace(span) != "" {
				out = append(out, span)
			}
			rest = rest[i+len(q)+j+len(closer):]
		}
	}
	return out
}

func summarize(filled state.Tree) string {
	if len(filled) == 0 {
		return ""
	}
	parts := []string{}
	for _, k := range sortedKeys(filled) {
		parts = append(parts, k+"="+state.CanonicalJSON(filled[k]))
	}
	return strings.Join(parts, ", ")
}

func sortedKeys(m state.Tree) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
