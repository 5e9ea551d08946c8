// Package kernel implements the pure composition engine at the center of the
// runtime: an ordered walk over a registry of named stages, each a pure
// function from state to a partial update, with deep-merge accumulation and
// per-stage failure isolation.
//
// The composer never aborts. A stage that panics or reports failure is
// recorded in the tick report and the walk continues, so one broken stage
// cannot take down the pipeline.
package kernel

import (
	"fmt"

	"noema/internal/state"
)

// Stage envelope statuses.
const (
	StatusOK   = "OK"
	StatusSkip = "SKIP"
	StatusFail = "FAIL"
)

// RulesVersion identifies the composition contract carried in every report.
const RulesVersion = "1.0"

// Func is a pipeline stage: pure, deterministic, no I/O. It receives a
// defensive copy of the state and returns an envelope holding a status,
// namespaced update keys, and an optional diag map.
type Func func(s state.Tree) state.Tree

// Registry maps stage names to functions. Missing names are skipped by the
// composer, which is the seam for partial deployments.
type Registry map[string]Func

// Clone returns a shallow copy of the registry.
func (r Registry) Clone() Registry {
	out := make(Registry, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Skipped records a stage that declined to run.
type Skipped struct {
	Step   string `json:"step"`
	Reason string `json:"reason"`
}

// StepError records a stage that failed hard.
type StepError struct {
	Step  string `json:"step"`
	Error string `json:"error"`
}

// Report summarizes one composer pass.
type Report struct {
	Status       string      `json:"status"`
	Ran          []string    `json:"ran"`
	Skipped      []Skipped   `json:"skipped"`
	Errors       []StepError `json:"errors"`
	RulesVersion string      `json:"rules_version"`
}

// Step composes the stages named in order against s and returns the merged
// state plus a report. The input state is never mutated; every stage receives
// its own deep copy of the current state.
func Step(s state.Tree, reg Registry, order []string) (state.Tree, Report) {
	cur := state.CloneTree(s)
	rep := Report{
		Status:       StatusOK,
		Ran:          []string{},
		Skipped:      []Skipped{},
		Errors:       []StepError{},
		RulesVersion: RulesVersion,
	}

	for _, name := range order {
		fn, ok := reg[name]
		if !ok {
			rep.Skipped = append(rep.Skipped, Skipped{Step: name, Reason: "not_registered"})
			continue
		}

		env := invoke(fn, state.CloneTree(cur), name, &rep)
		if env == nil {
			continue
		}

		switch status, _ := env["status"].(string); status {
		case StatusOK:
			for k, v := range env {
				if k == "status" || k == "diag" {
					continue
				}
				state.Merge(cur, state.Tree{k: v})
			}
			rep.Ran = append(rep.Ran, name)
		case StatusSkip:
			rep.Skipped = append(rep.Skipped, Skipped{Step: name, Reason: diagReason(env)})
		default:
			rep.Errors = append(rep.Errors, StepError{Step: name, Error: fmt.Sprintf("status=%s: %s", status, diagReason(env))})
		}
	}

	if len(rep.Errors) > 0 {
		rep.Status = StatusFail
	}
	return cur, rep
}

// invoke runs one stage, converting a panic into a recorded error.
func invoke(fn Func, s state.Tree, name string, rep *Report) (env state.Tree) {
	defer func() {
		if r := recover(); r != nil {
			rep.Errors = append(rep.Errors, StepError{Step: name, Error: fmt.Sprintf("panic: %v", r)})
			env = nil
		}
	}()
	return fn(s)
}

func diagReason(env state.Tree) string {
	return state.GetString(env, "diag.reason", "unspecified")
}

// OK builds a success envelope carrying the given namespaced updates.
func OK(update state.Tree) state.Tree {
	env := state.Tree{"status": StatusOK}
	for k, v := range update {
		env[k] = v
	}
	return env
}

// OKDiag is OK with a diag map attached.
func OKDiag(update, diag state.Tree) state.Tree {
	env := OK(update)
	env["diag"] = diag
	return env
}

// Skip builds a skip envelope with a reason.
func Skip(reason string) state.Tree {
	return state.Tree{"status": StatusSkip, "diag": state.Tree{"reason": reason}}
}

// Fail builds a hard-failure envelope with a reason.
func Fail(reason string) state.Tree {
	return state.Tree{"status": StatusFail, "diag": state.Tree{"reason": reason}}
}
