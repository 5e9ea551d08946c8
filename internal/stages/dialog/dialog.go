// Package dialog implements turn realization, surface rendering, and the
// outbound safety filter. The safety filter is the last gate before text
// leaves the system: it redacts sensitive content and downgrades moves to
// confirm when blocking conditions hold.
package dialog

import (
	"fmt"
	"strings"

	"noema/internal/kernel"
	"noema/internal/state"
)

const (
	// maxSurfaceLen caps rendered answer text.
	maxSurfaceLen = 800

	// maxOutLen caps anything the safety filter lets through.
	maxOutLen = 1200
)

// Register installs all dialog stages into reg.
func Register(reg kernel.Registry) {
	reg["dialog.realize"] = Realize
	reg["dialog.surface"] = Surface
	reg["dialog.safety"] = Safety
}

// Realize selects the turn move from the plan and world model, downgrading
// execute and answer to confirm when a safety check or must-confirm guardrail
// is pending. Ops are kept through the downgrade so a confirmed turn can
// execute later without replanning.
func Realize(s state.Tree) state.Tree {
	plan := state.GetMap(s, "planner.plan")
	if plan == nil {
		return kernel.Skip("no_plan")
	}

	missing := state.GetSlice(s, "planner.slots.missing")
	top := state.GetString(s, "world_model.expected_reply.top", "direct_answer")
	act := state.GetString(s, "perception.packz.signals.speech_act", "statement")

	move := "answer"
	ops := []any{}
	var questions []any

	switch {
	case len(missing) > 0:
		move = "ask"
		for i, mv := range missing {
			name, _ := mv.(string)
			questions = append(questions, fmt.Sprintf("%d. What should %q be?", i+1, name))
		}
	case top == "execute_action":
		move = "execute"
		for _, sv := range state.GetSlice(plan, "steps") {
			if step, ok := sv.(map[string]any); ok && step["op"] == "execute_skill" {
				ops = append(ops, state.Tree{
					"op":       "execute_skill",
					"skill_id": step["skill_id"],
					"params":   state.Clone(step["params"]),
				})
			}
		}
	case act == "thanks" || act == "confirmation" || act == "denial" || act == "farewell":
		move = "ack"
	}

	safetyRequired := state.GetBool(s, "world_model.expected_reply.safecheck_needed", false) ||
		state.GetBool(plan, "guardrails.must_confirm", false)
	if safetyRequired && (move == "execute" || move == "answer") {
		move = "confirm"
	}

	turn := state.Tree{"move": move, "ops": ops}
	if len(questions) > 0 {
		turn["questions"] = questions
	}

	return kernel.OK(state.Tree{
		"dialog": state.Tree{"turn": turn},
	})
}

// Surface renders the turn into user-facing text, localized by the detected
// direction/language.
func Surface(s state.Tree) state.Tree {
	turn := state.GetMap(s, "dialog.turn")
	if turn == nil {
		return kernel.Skip("no_turn")
	}
	move, _ := turn["move"].(string)
	persian := isPersian(s)

	var text string
	switch move {
	case "ask":
		lines := state.Strings(state.GetSlice(turn, "questions"))
		if len(lines) > 1 {
			for i := range lines {
				lines[i] = "• " + lines[i]
			}
		}
		text = strings.Join(lines, "\n")
		if text == "" {
			text = pick(persian, "چه چیزی را باید مشخص کنم؟", "What should I clarify?")
		}
	case "confirm":
		summary := state.GetString(s, "planner.plan.guardrails.dry_run_summary", "")
		if summary == "" {
			summary = "current request"
		}
		text = pick(persian,
			fmt.Sprintf("برای ادامه با %s تأیید می‌کنی؟", summary),
			fmt.Sprintf("Confirm to proceed with %s?", summary))
	case "ack":
		text = pick(persian, "باشه.", "Okay.")
	case "execute":
		// Execute turns surface nothing; the result presenter speaks later.
		text = ""
	default: // answer
		if c, _ := turn["content"].(string); c != "" {
			text = c
		} else if hit := firstRetrievalText(s); hit != "" {
			text = pick(persian, "مرتبط: ", "Related: ") + hit
		} else {
			text = pick(persian, "دریافت شد: ", "Noted: ") + state.GetString(s, "perception.norm.text", "")
		}
	}

	text = cleanSpaces(text)
	if runes := []rune(text); len(runes) > maxSurfaceLen {
		text = string(runes[:maxSurfaceLen])
	}

	return kernel.OK(state.Tree{
		"dialog": state.Tree{
			"surface": state.Tree{
				"move": move,
				"text": text,
				"lang": pick(persian, "fa", "en"),
			},
		},
	})
}

// Safety runs the outbound redaction pass and finalizes the dialog turn.
func Safety(s state.Tree) state.Tree {
	surface := state.GetMap(s, "dialog.surface")
	if surface == nil {
		return kernel.Skip("no_surface")
	}
	move, _ := surface["move"].(string)
	text, _ := surface["text"].(string)

	redacted, blocked := Redact(text)

	final := state.Tree{
		"move": move,
		"text": redacted,
	}

	mustConfirm := state.GetBool(s, "planner.plan.guardrails.must_confirm", false)
	switch {
	case blocked:
		final["move"] = "confirm"
		final["blocked"] = true
		final["reason"] = "secret_detected"
		final["text"] = "Preview: " + redacted
	case mustConfirm && (move == "answer" || move == "ack" || move == "execute"):
		summary := state.GetString(s, "planner.plan.guardrails.dry_run_summary", "")
		if summary == "" {
			summary = "current request"
		}
		final["move"] = "confirm"
		final["reason"] = "must_confirm"
		final["text"] = fmt.Sprintf("Confirm to proceed with %s?", summary)
	}

	if runes := []rune(final["text"].(string)); len(runes) > maxOutLen {
		final["text"] = string(runes[:maxOutLen])
	}

	return kernel.OK(state.Tree{
		"dialog": state.Tree{"final": final},
	})
}

func isPersian(s state.Tree) bool {
	if state.GetString(s, "perception.script.dir", "") == "rtl" {
		return true
	}
	lang := state.GetString(s, "dialog.surface.lang", state.GetString(s, "perception.packz.signals.lang", ""))
	return lang == "fa"
}

func pick(persian bool, fa, en string) string {
	if persian {
		return fa
	}
	return en
}

func firstRetrievalText(s state.Tree) string {
	hits := state.GetSlice(s, "memory.retrieval.hits")
	if len(hits) == 0 {
		return ""
	}
	if m, ok := hits[0].(map[string]any); ok {
		t, _ := m["text"].(string)
		return t
	}
	return ""
}

// cleanSpaces collapses whitespace runs without touching newlines.
func cleanSpaces(text string) string {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.Join(strings.Fields(l), " ")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
