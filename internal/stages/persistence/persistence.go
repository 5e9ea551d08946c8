// Package persistence implements the commit-to-storage staging: WAL op
// construction at turn finalization, the pure planner that maps WAL ops to
// namespaced apply ops and index-queue items, and the optimizer that collapses
// the plan before dispatch.
package persistence

import (
	"math"
	"sort"
	"strings"

	"noema/internal/kernel"
	"noema/internal/state"
)

const (
	// DefaultNamespace is used when no thread id is present.
	DefaultNamespace = "store/noema/default"

	maxApplyOps   = 5000
	maxIndexItems = 2000
	maxTextLen    = 4000
	maxTurnText   = 4000
	maxIDText     = 512
)

// Register installs all persistence stages into reg.
func Register(reg kernel.Registry) {
	reg["persist.commit"] = Commit
	reg["persist.plan"] = Plan
	reg["persist.optimize"] = Optimize
}

// Commit emits the WAL ops that record the finished turn: the user turn, the
// assistant turn, the best execution result, and counter bumps.
func Commit(s state.Tree) state.Tree {
	userText := state.GetString(s, "perception.packz.text", "")
	final := state.GetMap(s, "dialog.final")
	if userText == "" && final == nil {
		return kernel.Skip("nothing_to_commit")
	}
	now := state.GetInt64(s, "clock.now_ms", 0)

	ops := []any{}

	if userText != "" {
		idText := clipRunes(userText, maxIDText)
		userID := state.Hash(state.Tree{"role": "user", "text": idText, "t": now})
		ops = append(ops, state.Tree{
			"op":   "append_turn",
			"role": "user",
			"id":   userID,
			"doc": state.Tree{
				"id":      userID,
				"role":    "user",
				"text":    clipRunes(userText, maxTurnText),
				"move":    "user_input",
				"t":       now,
				"signals": state.Clone(state.GetMap(s, "perception.packz.signals")),
			},
		})
	}

	var assistantID string
	assistantText := assistantText(s)
	if assistantText != "" {
		idText := clipRunes(assistantText, maxIDText)
		assistantID = state.Hash(state.Tree{"role": "assistant", "text": idText, "t": now})
		ops = append(ops, state.Tree{
			"op":   "append_turn",
			"role": "assistant",
			"id":   assistantID,
			"doc": state.Tree{
				"id":   assistantID,
				"role": "assistant",
				"text": clipRunes(assistantText, maxTurnText),
				"move": state.GetString(s, "dialog.final.move", "answer"),
				"t":    now,
				"meta": state.Tree{
					"plan_id":    state.GetString(s, "planner.plan.id", ""),
					"skill_id":   state.GetString(s, "planner.plan.skill_id", ""),
					"skill_name": state.GetString(s, "dialog.turn.meta.skill_name", ""),
				},
			},
		})
	}

	executed := false
	if best := state.GetMap(s, "executor.results.best"); best != nil {
		executed = true
		summary, _ := best["text"].(string)
		if summary == "" {
			summary = state.CanonicalJSON(best["data"])
		}
		ops = append(ops, state.Tree{
			"op":     "append_result",
			"req_id": best["req_id"],
			"doc": state.Tree{
				"req_id":            best["req_id"],
				"ok":                best["ok"],
				"kind":              best["kind"],
				"summary":           clipRunes(summary, maxTurnText),
				"t":                 now,
				"assistant_turn_id": assistantID,
			},
		})
	}

	counters := state.Tree{"turns": 1}
	if state.GetString(s, "dialog.final.move", "") == "answer" {
		counters["assistant_answers"] = 1
	}
	if executed {
		counters["executions"] = 1
	}
	ops = append(ops, state.Tree{"op": "bump_counters", "counters": counters})

	return kernel.OKDiag(state.Tree{
		"memory": state.Tree{
			"commit": state.Tree{"ops": ops},
		},
	}, state.Tree{"reason": "ok", "counts": state.Tree{"ops": len(ops)}})
}

func assistantText(s state.Tree) string {
	if t := state.GetString(s, "dialog.final.text", ""); t != "" {
		return t
	}
	if t := state.GetString(s, "dialog.surface.text", ""); t != "" {
		return t
	}
	return state.GetString(s, "dialog.turn.content", "")
}

// Plan maps commit ops and concept versions onto namespaced storage apply ops
// plus index-queue items. Sequence numbers continue from storage.last_seq.
func Plan(s state.Tree) state.Tree {
	commitOps := state.GetSlice(s, "memory.commit.ops")
	concept := state.GetMap(s, "concept_graph.version")
	if len(commitOps) == 0 && concept == nil {
		return kernel.Skip("nothing_to_plan")
	}

	threadID := state.GetString(s, "session.thread_id", "default")
	ns := "store/noema/" + threadID
	seq := state.GetInt64(s, "storage.last_seq", 0)
	next := func() int64 { seq++; return seq }

	apply := []any{}
	indexQueue := []any{}
	var puts, incs, links int

	for _, ov := range commitOps {
		op, ok := ov.(map[string]any)
		if !ok {
			continue
		}
		switch op["op"] {
		case "append_turn":
			id, _ := op["id"].(string)
			apply = append(apply, state.Tree{
				"op": "put", "key": ns + "/turns/" + id, "value": state.Clone(op["doc"]), "seq": next(),
			})
			puts++
			if doc := state.GetMap(op, "doc"); doc != nil {
				if text, _ := doc["text"].(string); text != "" {
					indexQueue = append(indexQueue, state.Tree{
						"type": "packz", "id": id, "text": clipRunes(text, maxTextLen),
						"signals": state.Clone(doc["signals"]),
						"meta":    state.Tree{"role": doc["role"]},
						"ns":      ns,
					})
				}
			}
		case "append_result":
			reqID, _ := op["req_id"].(string)
			apply = append(apply, state.Tree{
				"op": "put", "key": ns + "/results/" + reqID, "value": state.Clone(op["doc"]), "seq": next(),
			})
			puts++
			if turnID := state.GetString(op, "doc.assistant_turn_id", ""); turnID != "" {
				apply = append(apply, state.Tree{
					"op": "link", "key": ns + "/links/assistant_turn_to_result",
					"value": state.Tree{"turn_id": turnID, "req_id": reqID}, "seq": next(),
				})
				links++
			}
		case "bump_counters":
			counters := state.GetMap(op, "counters")
			for _, k := range sortedKeys(counters) {
				apply = append(apply, state.Tree{
					"op": "inc", "key": ns + "/counters/" + k,
					"delta": counters[k], "seq": next(),
				})
				incs++
			}
		}
	}

	if concept != nil {
		if id, _ := concept["id"].(string); id != "" && len(id) == 40 {
			doc := state.Tree{
				"id":        id,
				"parent_id": concept["parent_id"],
				"rules":     state.Clone(state.GetMap(s, "concept_graph.rules")),
			}
			apply = append(apply,
				state.Tree{"op": "put", "key": ns + "/concept/versions/" + id, "value": doc, "seq": next()},
				state.Tree{"op": "put", "key": ns + "/concept/updates/" + id,
					"value": state.Clone(state.GetMap(s, "concept_graph.updates")), "seq": next()},
				state.Tree{"op": "put", "key": ns + "/concept/current", "value": id, "seq": next()},
			)
			puts += 3
		}
	}

	if len(apply) == 0 && len(indexQueue) == 0 {
		return kernel.Skip("nothing_to_plan")
	}

	return kernel.OK(state.Tree{
		"storage": state.Tree{
			"apply": state.Tree{
				"namespace": ns,
				"ops":       apply,
				"counts": state.Tree{
					"ops": len(apply), "puts": puts, "incs": incs, "links": links,
					"index_items": len(indexQueue),
				},
			},
			"last_seq": seq,
		},
		"index": state.Tree{
			"queue": indexQueue,
		},
	})
}

// Optimize collapses the apply plan: last-wins puts, summed incs, deduped
// links, deterministic op ordering, and a deduped index queue. Checksums make
// the optimized artifacts content-addressable.
func Optimize(s state.Tree) state.Tree {
	applyOps := state.GetSlice(s, "storage.apply.ops")
	queue := state.GetSlice(s, "index.queue")
	if len(applyOps) == 0 && len(queue) == 0 {
		return kernel.Skip("nothing_to_optimize")
	}
	ns := state.GetString(s, "storage.apply.namespace", DefaultNamespace)

	if len(applyOps) > maxApplyOps {
		applyOps = applyOps[:maxApplyOps]
	}

	putByKey := map[string]seqOp{}
	incByKey := map[string]float64{}
	incSeq := map[string]float64{}
	linkSeen := map[string]struct{}{}
	var linkOps []seqOp

	seqOf := func(op state.Tree) float64 {
		if v, ok := state.Get(op, "seq"); ok {
			if f, ok := state.AsFloat(v); ok {
				return f
			}
		}
		return math.Inf(1)
	}

	for _, ov := range applyOps {
		op, ok := ov.(map[string]any)
		if !ok {
			continue
		}
		key, _ := op["key"].(string)
		sq := seqOf(op)
		switch op["op"] {
		case "put":
			if prev, exists := putByKey[key]; !exists || sq >= prev.seq {
				putByKey[key] = seqOp{op: op, seq: sq}
			}
		case "inc":
			d := state.GetFloat(op, "delta", 0)
			incByKey[key] += d
			if cur, ok := incSeq[key]; !ok || sq < cur {
				incSeq[key] = sq
			}
		case "link":
			dedup := key + "|" + state.Hash(op["value"])
			if _, dup := linkSeen[dedup]; dup {
				continue
			}
			linkSeen[dedup] = struct{}{}
			linkOps = append(linkOps, seqOp{op: op, seq: sq})
		}
	}

	ordered := []any{}
	var putList []seqOp
	for _, v := range putByKey {
		putList = append(putList, v)
	}
	sortSeq(putList)
	for _, v := range putList {
		ordered = append(ordered, v.op)
	}
	sortSeq(linkOps)
	for _, v := range linkOps {
		ordered = append(ordered, v.op)
	}
	incKeys := make([]string, 0, len(incByKey))
	for k := range incByKey {
		incKeys = append(incKeys, k)
	}
	sort.Slice(incKeys, func(i, j int) bool {
		if incSeq[incKeys[i]] != incSeq[incKeys[j]] {
			return incSeq[incKeys[i]] < incSeq[incKeys[j]]
		}
		return incKeys[i] < incKeys[j]
	})
	for _, k := range incKeys {
		if incByKey[k] == 0 {
			continue
		}
		ordered = append(ordered, state.Tree{"op": "inc", "key": k, "delta": incByKey[k]})
	}

	// Index queue: last-wins by (type, id, ns), first-seen order preserved.
	if len(queue) > maxIndexItems {
		queue = queue[:maxIndexItems]
	}
	idxOrder := []string{}
	idxByKey := map[string]state.Tree{}
	for _, iv := range queue {
		item, ok := iv.(map[string]any)
		if !ok {
			continue
		}
		k := strings.Join([]string{
			state.GetString(item, "type", ""),
			state.GetString(item, "id", ""),
			state.GetString(item, "ns", ""),
		}, "|")
		if _, seen := idxByKey[k]; !seen {
			idxOrder = append(idxOrder, k)
		}
		clipped := state.CloneTree(item)
		if text, _ := clipped["text"].(string); text != "" {
			clipped["text"] = clipRunes(text, maxTextLen)
		}
		idxByKey[k] = clipped
	}
	idxItems := make([]any, 0, len(idxOrder))
	for _, k := range idxOrder {
		idxItems = append(idxItems, idxByKey[k])
	}

	return kernel.OK(state.Tree{
		"storage": state.Tree{
			"apply_optimized": state.Tree{
				"namespace": ns,
				"ops":       ordered,
				"checksum":  state.Hash(state.Tree{"ns": ns, "ops": ordered}),
				"counts":    state.Tree{"ops": len(ordered)},
			},
		},
		"index": state.Tree{
			"queue_optimized": state.Tree{
				"items":    idxItems,
				"checksum": state.Hash(state.Tree{"items": idxItems}),
				"counts":   state.Tree{"items": len(idxItems)},
			},
		},
	})
}

type seqOp struct {
	op  state.Tree
	seq float64
}

// sortSeq orders ops by seq ascending, missing seq (+inf) last; key breaks
// ties for determinism.
func sortSeq(l []seqOp) {
	sort.SliceStable(l, func(i, j int) bool {
		if l[i].seq != l[j].seq {
			return l[i].seq < l[j].seq
		}
		ki, _ := l[i].op["key"].(string)
		kj, _ := l[j].op["key"].(string)
		return ki < kj
	})
}

func clipRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) > n {
		return string(runes[:n])
	}
	return s
}

func sortedKeys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
