// Package worldmodel implements the predictive stages: conversational context
// assembly, next-move prediction as a distribution over a fixed label set,
// prediction-error measurement against the previous turn, and the uncertainty
// score that drives confirmation gating downstream.
package worldmodel

import (
	"math"
	"sort"
	"strings"

	"noema/internal/kernel"
	"noema/internal/state"
)

// Labels is the fixed next-move label set the predictor distributes over.
var Labels = []string{
	"direct_answer",
	"execute_action",
	"ask_clarification",
	"acknowledge_only",
	"small_talk",
	"closing",
	"refuse_or_safecheck",
	"other",
}

// basePriors must align with Labels index-for-index.
var basePriors = []float64{0.25, 0.20, 0.15, 0.10, 0.10, 0.05, 0.05, 0.10}

const (
	maxRecentFrames = 6
	traceLimit      = 12
	klEpsilon       = 1e-12
)

// Register installs all world-model stages into reg.
func Register(reg kernel.Registry) {
	reg["world.context"] = Context
	reg["world.predict"] = Predict
	reg["world.error"] = Error
	reg["world.uncertainty"] = Uncertainty
}

// Context builds the short conversational window from the recent cache and
// scores its similarity to the current input.
func Context(s state.Tree) state.Tree {
	packz := state.GetMap(s, "perception.packz")
	if packz == nil {
		return kernel.Skip("no_packz")
	}
	text, _ := packz["text"].(string)

	recent := state.GetSlice(s, "memory.cache.recent")
	frames := []any{}
	grams := charGrams(text, 3)
	for i := len(recent) - 1; i >= 0 && len(frames) < maxRecentFrames; i-- {
		m, ok := recent[i].(map[string]any)
		if !ok {
			continue
		}
		prev, _ := m["text"].(string)
		frames = append(frames, state.Tree{
			"id":         m["id"],
			"text":       prev,
			"similarity": round4(jaccard(grams, charGrams(prev, 3))),
		})
	}

	return kernel.OK(state.Tree{
		"world_model": state.Tree{
			"context": state.Tree{"frames": frames, "size": len(frames)},
		},
	})
}

// Predict produces the expected-reply distribution. Base priors are adjusted
// by the observed speech act and addressing, then renormalized.
func Predict(s state.Tree) state.Tree {
	packz := state.GetMap(s, "perception.packz")
	if packz == nil {
		return kernel.Skip("no_packz")
	}
	signals := state.GetMap(packz, "signals")
	act, _ := signals["speech_act"].(string)
	confidence := state.GetFloat(signals, "confidence", 0.5)
	addressed, _ := signals["addressed"].(bool)

	dist := map[string]float64{}
	for i, l := range Labels {
		dist[l] = basePriors[i]
	}

	switch act {
	case "question":
		dist["direct_answer"] += 0.35
	case "command":
		dist["execute_action"] += 0.40
		if confidence < 0.5 {
			dist["ask_clarification"] += 0.15
		}
	case "greeting", "smalltalk":
		dist["small_talk"] += 0.30
	case "farewell":
		dist["closing"] += 0.40
	case "thanks", "confirmation", "denial":
		dist["acknowledge_only"] += 0.30
	case "other":
		dist["other"] += 0.20
		dist["ask_clarification"] += 0.10
	}
	if addressed {
		dist["direct_answer"] += 0.05
	}

	total := 0.0
	for _, v := range dist {
		total += v
	}
	distTree := state.Tree{}
	for k, v := range dist {
		distTree[k] = round4(v / total)
	}

	top, topP := argmax(distTree)
	safecheck := (act == "command" && confidence < 0.7) || state.GetFloat(distTree, "execute_action", 0) > 0.5

	return kernel.OK(state.Tree{
		"world_model": state.Tree{
			"expected_reply": state.Tree{
				"dist":             distTree,
				"top":              top,
				"top_p":            round4(topP),
				"safecheck_needed": safecheck,
			},
		},
	})
}

// Error measures divergence between the current prediction and the previous
// one, appending to a bounded trace.
func Error(s state.Tree) state.Tree {
	cur := state.GetMap(s, "world_model.expected_reply.dist")
	if cur == nil {
		return kernel.Skip("no_prediction")
	}
	prev := state.GetMap(s, "world_model.trace.last_dist")
	if prev == nil {
		return kernel.OKDiag(state.Tree{
			"world_model": state.Tree{
				"prediction_error": state.Tree{"l1": 0.0, "kl": 0.0},
				"trace":            state.Tree{"last_dist": state.Clone(cur)},
			},
		}, state.Tree{"reason": "first_turn"})
	}

	l1, kl := 0.0, 0.0
	for _, label := range Labels {
		p := state.GetFloat(cur, label, 0)
		q := state.GetFloat(prev, label, 0)
		l1 += math.Abs(p - q)
		kl += p * math.Log((p+klEpsilon)/(q+klEpsilon))
	}
	l1 *= 0.5
	if kl < 0 {
		kl = 0
	}

	history := state.GetSlice(s, "world_model.trace.error_history")
	history = append(history, state.Tree{"l1": round4(l1), "kl": round4(kl)})
	if len(history) > traceLimit {
		history = history[len(history)-traceLimit:]
	}

	return kernel.OK(state.Tree{
		"world_model": state.Tree{
			"prediction_error": state.Tree{"l1": round4(l1), "kl": round4(kl)},
			"trace": state.Tree{
				"last_dist":     state.Clone(cur),
				"error_history": history,
			},
		},
	})
}

// Uncertainty score weights.
const (
	wError    = 0.35
	wNovelty  = 0.20
	wLowConf  = 0.25
	wEntropy  = 0.15
	wSparsity = 0.05
)

// Uncertainty folds prediction error, novelty, input confidence, distribution
// entropy, and context sparsity into a single 0..1 score with a band and a
// recommendation.
func Uncertainty(s state.Tree) state.Tree {
	dist := state.GetMap(s, "world_model.expected_reply.dist")
	if dist == nil {
		return kernel.Skip("no_prediction")
	}

	errScore := state.GetFloat(s, "world_model.prediction_error.l1", 0)
	novelty := state.GetFloat(s, "perception.packz.signals.novelty", 1)
	confidence := state.GetFloat(s, "perception.packz.signals.confidence", 0.5)

	entropy := 0.0
	for _, label := range Labels {
		p := state.GetFloat(dist, label, 0)
		if p > 0 {
			entropy -= p * math.Log(p)
		}
	}
	entropy /= math.Log(float64(len(Labels))) // normalize to 0..1

	ctxSize := state.GetInt(s, "world_model.context.size", 0)
	sparsity := 1.0 - float64(ctxSize)/float64(maxRecentFrames)
	if sparsity < 0 {
		sparsity = 0
	}

	score := clip01(wError*errScore + wNovelty*novelty + wLowConf*(1-confidence) +
		wEntropy*entropy + wSparsity*sparsity)

	band, rec := "low", "answer_direct"
	switch {
	case score >= 0.7:
		band, rec = "high", "probe_first"
	case score >= 0.4:
		band, rec = "medium", "answer_or_probe"
	}

	return kernel.OK(state.Tree{
		"world_model": state.Tree{
			"uncertainty": state.Tree{
				"score":          round4(score),
				"band":           band,
				"recommendation": rec,
			},
		},
	})
}

func argmax(dist state.Tree) (string, float64) {
	keys := make([]string, 0, len(dist))
	for k := range dist {
		keys = append(keys, k)
	}
	sort.Strings(keys) // stable tie-break
	best, bestP := "", -1.0
	for _, k := range keys {
		if p := state.GetFloat(dist, k, 0); p > bestP {
			best, bestP = k, p
		}
	}
	return best, bestP
}

func clip01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

func charGrams(text string, n int) map[string]struct{} {
	runes := []rune(strings.ToLower(text))
	out := map[string]struct{}{}
	for i := 0; i+n <= len(runes); i++ {
		out[string(runes[i:i+n])] = struct{}{}
	}
	return out
}

func jaccard(a, b map[string]struct{}) float64 {
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
