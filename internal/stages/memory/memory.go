// Package memory implements the working-memory stages: WAL record writing for
// the perception stream, lightweight index-op construction, similarity-based
// retrieval over indexed documents, and the recent-context cache.
package memory

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"noema/internal/kernel"
	"noema/internal/state"
)

const (
	// WALStream is the write-ahead stream perception records land on.
	WALStream = "wal/noema/perception"

	maxPostings   = 5000
	maxGrams      = 12000
	sketchSlots   = 64
	maxRecent     = 6
	retrievalTopK = 5
)

// Register installs all memory stages into reg.
func Register(reg kernel.Registry) {
	reg["memory.wal"] = WAL
	reg["memory.index"] = Index
	reg["memory.retrieve"] = Retrieve
	reg["memory.cache"] = Cache
}

// WAL appends the current PackZ to the perception write-ahead stream. The
// record signature is a content hash of the record without the signature
// field, so replays are detectable.
func WAL(s state.Tree) state.Tree {
	packz := state.GetMap(s, "perception.packz")
	if packz == nil {
		return kernel.Skip("no_packz")
	}

	record := state.Tree{
		"stream": WALStream,
		"op":     "append",
		"doc":    state.Clone(packz),
		"at":     state.GetInt64(s, "clock.now_ms", 0),
	}
	record["sig"] = state.Hash(record)

	records := state.GetSlice(s, "memory.wal.records")
	records = append(records, record)

	return kernel.OKDiag(state.Tree{
		"memory": state.Tree{
			"wal": state.Tree{"records": records, "stream": WALStream},
		},
	}, state.Tree{"reason": "ok", "counts": state.Tree{"records": len(records)}})
}

var reWord = regexp.MustCompile(`[\p{L}\p{M}\p{N}_]+`)

// Index derives the index ops for the current PackZ: token postings, a char
// 3-gram set, and a min-hash sketch for cheap similarity.
func Index(s state.Tree) state.Tree {
	packz := state.GetMap(s, "perception.packz")
	if packz == nil {
		return kernel.Skip("no_packz")
	}
	text, _ := packz["text"].(string)
	id, _ := packz["id"].(string)
	if text == "" || id == "" {
		return kernel.Skip("empty_doc")
	}

	postings := []any{}
	for i, w := range reWord.FindAllString(strings.ToLower(text), -1) {
		if i >= maxPostings {
			break
		}
		postings = append(postings, w)
	}

	grams := []any{}
	seen := map[string]struct{}{}
	runes := []rune(strings.ToLower(text))
	for i := 0; i+3 <= len(runes) && len(grams) < maxGrams; i++ {
		g := string(runes[i : i+3])
		if _, dup := seen[g]; dup {
			continue
		}
		seen[g] = struct{}{}
		grams = append(grams, g)
	}

	sketch := minHashSketch(seen)

	op := state.Tree{
		"op":     "index_doc",
		"id":     id,
		"tokens": postings,
		"grams":  grams,
		"sketch": sketch,
	}

	return kernel.OK(state.Tree{
		"memory": state.Tree{
			"index": state.Tree{
				"ops":  []any{op},
				"docs": state.Tree{id: state.Tree{"text": text, "grams": grams, "tokens": postings, "at": state.GetInt64(s, "clock.now_ms", 0)}},
			},
		},
	})
}

// minHashSketch maps a gram set onto a fixed-width sketch of minimum hash
// buckets, one per slot.
func minHashSketch(grams map[string]struct{}) []any {
	slots := make([]int, sketchSlots)
	for i := range slots {
		slots[i] = math.MaxInt32
	}
	for g := range grams {
		for slot := 0; slot < sketchSlots; slot++ {
			h := state.HashBucket(g+"|"+string(rune('a'+slot%26))+string(rune('0'+slot/26)), math.MaxInt32)
			if h < slots[slot] {
				slots[slot] = h
			}
		}
	}
	out := make([]any, sketchSlots)
	for i, v := range slots {
		out[i] = v
	}
	return out
}

// Retrieve ranks previously indexed docs against the current input:
// 0.6 gram Jaccard + 0.3 token Jaccard + a facet bonus for matching speech
// act + 0.1 recency decay.
func Retrieve(s state.Tree) state.Tree {
	packz := state.GetMap(s, "perception.packz")
	if packz == nil {
		return kernel.Skip("no_packz")
	}
	docs := state.GetMap(s, "memory.index.docs")
	if len(docs) == 0 {
		return kernel.Skip("no_docs")
	}
	text, _ := packz["text"].(string)
	curID, _ := packz["id"].(string)
	now := state.GetInt64(s, "clock.now_ms", 0)

	curGrams := setOf(strings.ToLower(text), 3)
	curToks := tokenSetOf(text)

	type scored struct {
		id    string
		score float64
		text  string
	}
	var hits []scored
	for id, dv := range docs {
		if id == curID {
			continue
		}
		doc, ok := dv.(map[string]any)
		if !ok {
			continue
		}
		dtext, _ := doc["text"].(string)
		g := jaccardSets(curGrams, setOf(strings.ToLower(dtext), 3))
		tk := jaccardSets(curToks, tokenSetOf(dtext))
		facet := 0.0
		ageDays := float64(now-state.GetInt64(doc, "at", now)) / 86400000.0
		if ageDays < 0 {
			ageDays = 0
		}
		recency := 0.1 * math.Exp(-ageDays/30.0)
		score := 0.6*g + 0.3*tk + facet + recency
		hits = append(hits, scored{id, score, dtext})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].id < hits[j].id
	})
	if len(hits) > retrievalTopK {
		hits = hits[:retrievalTopK]
	}

	out := make([]any, 0, len(hits))
	for _, h := range hits {
		out = append(out, state.Tree{"id": h.id, "score": round4(h.score), "text": h.text})
	}

	return kernel.OK(state.Tree{
		"memory": state.Tree{
			"retrieval": state.Tree{"hits": out, "count": len(out)},
		},
	})
}

// Cache maintains the bounded recent-turn ring used by context and novelty.
func Cache(s state.Tree) state.Tree {
	packz := state.GetMap(s, "perception.packz")
	if packz == nil {
		return kernel.Skip("no_packz")
	}
	id, _ := packz["id"].(string)
	text, _ := packz["text"].(string)

	recent := state.GetSlice(s, "memory.cache.recent")
	filtered := make([]any, 0, len(recent)+1)
	for _, r := range recent {
		if m, ok := r.(map[string]any); ok {
			if rid, _ := m["id"].(string); rid == id {
				continue
			}
		}
		filtered = append(filtered, r)
	}
	filtered = append(filtered, state.Tree{
		"id": id, "text": text, "at": state.GetInt64(s, "clock.now_ms", 0),
	})
	if len(filtered) > maxRecent {
		filtered = filtered[len(filtered)-maxRecent:]
	}

	return kernel.OK(state.Tree{
		"memory": state.Tree{
			"cache": state.Tree{"recent": filtered},
		},
	})
}

func setOf(text string, n int) map[string]struct{} {
	runes := []rune(text)
	out := map[string]struct{}{}
	for i := 0; i+n <= len(runes); i++ {
		out[string(runes[i:i+n])] = struct{}{}
	}
	return out
}

func tokenSetOf(text string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, w := range reWord.FindAllString(strings.ToLower(text), -1) {
		out[w] = struct{}{}
	}
	return out
}

func jaccardSets(a, b map[string]struct{}) float64 {
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

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
