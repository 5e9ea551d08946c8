// Package concept implements the concept-graph stages: PMI pattern mining over
// recent documents, canonical node management, co-occurrence edge scoring, and
// rule extraction with content-hashed versioning.
package concept

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"noema/internal/kernel"
	"noema/internal/state"
)

// RulesVersion tags extracted rule sets. Independent of the kernel report
// version.
const RulesVersion = "1.1"

const (
	maxDocs         = 12
	assocThreshold  = 0.45
	synonymJaccard  = 0.9
	maxPatterns     = 200
	initialVersion  = "concept-v0"
	maxRulesPerTick = 64
)

// Register installs all concept-graph stages into reg.
func Register(reg kernel.Registry) {
	reg["concept.mine"] = Mine
	reg["concept.nodes"] = Nodes
	reg["concept.edges"] = Edges
	reg["concept.rules"] = Rules
}

var reWord = regexp.MustCompile(`[\p{L}\p{M}\p{N}_]+`)

// Mine extracts 1..3-gram patterns from the recent document window and scores
// pairs by pointwise mutual information.
func Mine(s state.Tree) state.Tree {
	docs := collectDocs(s)
	if len(docs) == 0 {
		return kernel.Skip("no_docs")
	}

	// Term and document frequencies.
	tf := map[string]int{}
	df := map[string]int{}
	pair := map[[2]string]int{}
	for _, doc := range docs {
		words := reWord.FindAllString(strings.ToLower(doc), -1)
		seen := map[string]struct{}{}
		for i, w := range words {
			tf[w]++
			seen[w] = struct{}{}
			if i+1 < len(words) {
				bigram := w + " " + words[i+1]
				tf[bigram]++
				seen[bigram] = struct{}{}
			}
			if i+2 < len(words) {
				trigram := w + " " + words[i+1] + " " + words[i+2]
				tf[trigram]++
				seen[trigram] = struct{}{}
			}
		}
		for w := range seen {
			df[w]++
		}
		// Co-occurring unigram pairs within the doc.
		uni := uniqueWords(words)
		for i := 0; i < len(uni); i++ {
			for j := i + 1; j < len(uni); j++ {
				k := [2]string{uni[i], uni[j]}
				pair[k]++
			}
		}
	}

	total := 0
	for _, c := range tf {
		total += c
	}
	if total == 0 {
		return kernel.Skip("empty_docs")
	}

	patterns := make([]any, 0, len(tf))
	keys := sortedKeys(tf)
	for _, w := range keys {
		if len(patterns) >= maxPatterns {
			break
		}
		patterns = append(patterns, state.Tree{
			"key":   w,
			"n":     len(strings.Fields(w)),
			"count": tf[w],
			"df":    df[w],
		})
	}

	pairs := make([]any, 0, len(pair))
	pairKeys := make([][2]string, 0, len(pair))
	for k := range pair {
		pairKeys = append(pairKeys, k)
	}
	sort.Slice(pairKeys, func(i, j int) bool {
		if pairKeys[i][0] != pairKeys[j][0] {
			return pairKeys[i][0] < pairKeys[j][0]
		}
		return pairKeys[i][1] < pairKeys[j][1]
	})
	for _, k := range pairKeys {
		pxy := float64(pair[k]) / float64(len(docs))
		px := float64(df[k[0]]) / float64(len(docs))
		py := float64(df[k[1]]) / float64(len(docs))
		if px == 0 || py == 0 || pxy == 0 {
			continue
		}
		pmi := math.Log(pxy / (px * py))
		pairs = append(pairs, state.Tree{
			"a": k[0], "b": k[1], "count": pair[k], "pmi": round4(pmi),
		})
	}

	return kernel.OKDiag(state.Tree{
		"concept_graph": state.Tree{
			"patterns": state.Tree{"items": patterns, "pairs": pairs, "docs": len(docs)},
		},
	}, state.Tree{"reason": "ok", "counts": state.Tree{"patterns": len(patterns), "pairs": len(pairs)}})
}

// Nodes canonicalizes mined patterns into graph nodes with stable content
// ids and inverse document frequency.
func Nodes(s state.Tree) state.Tree {
	items := state.GetSlice(s, "concept_graph.patterns.items")
	if len(items) == 0 {
		return kernel.Skip("no_patterns")
	}
	docs := state.GetFloat(s, "concept_graph.patterns.docs", 0)
	lang := state.GetString(s, "perception.packz.signals.lang", "en")

	nodes := state.Tree{}
	for _, it := range items {
		p, ok := it.(map[string]any)
		if !ok {
			continue
		}
		key, _ := p["key"].(string)
		n := state.GetInt(p, "n", 1)
		df := state.GetFloat(p, "df", 0)
		id := state.HashString(fmt.Sprintf("%s|n=%d|%s", key, n, lang))
		idf := 1 + math.Log((1+docs)/(1+df))
		nodes[id] = state.Tree{
			"id":    id,
			"key":   key,
			"n":     n,
			"count": p["count"],
			"df":    p["df"],
			"idf":   round4(idf),
			"lang":  lang,
		}
	}

	return kernel.OK(state.Tree{
		"concept_graph": state.Tree{
			"nodes": nodes,
		},
	})
}

// Edges scores pairwise relations between nodes from co-occurrence, PMI, and
// idf strength, squashed into 0..1.
func Edges(s state.Tree) state.Tree {
	nodes := state.GetMap(s, "concept_graph.nodes")
	pairs := state.GetSlice(s, "concept_graph.patterns.pairs")
	if len(nodes) == 0 || len(pairs) == 0 {
		return kernel.Skip("no_nodes")
	}
	lang := state.GetString(s, "perception.packz.signals.lang", "en")

	byKey := map[string]state.Tree{}
	for _, nv := range nodes {
		if n, ok := nv.(map[string]any); ok {
			if key, _ := n["key"].(string); key != "" {
				byKey[key] = n
			}
		}
	}

	edges := []any{}
	for _, pv := range pairs {
		p, ok := pv.(map[string]any)
		if !ok {
			continue
		}
		a, _ := p["a"].(string)
		b, _ := p["b"].(string)
		na, oka := byKey[a]
		nb, okb := byKey[b]
		if !oka || !okb {
			continue
		}
		cooc := squash(state.GetFloat(p, "count", 0))
		pmi := squash(math.Max(0, state.GetFloat(p, "pmi", 0)))
		idf := squash(state.GetFloat(na, "idf", 0) * state.GetFloat(nb, "idf", 0) / 4)
		w := 0.5*cooc + 0.3*pmi + 0.2*idf
		edges = append(edges, state.Tree{
			"a":      na["id"],
			"b":      nb["id"],
			"a_key":  a,
			"b_key":  b,
			"weight": round4(w),
			"lang":   lang,
		})
	}

	return kernel.OK(state.Tree{
		"concept_graph": state.Tree{
			"edges": state.Tree{"items": edges, "count": len(edges)},
		},
	})
}

// Rules extracts association, synonym, and subsumption rules and emits a new
// content-hashed graph version whose parent is the previous version id.
func Rules(s state.Tree) state.Tree {
	nodes := state.GetMap(s, "concept_graph.nodes")
	edges := state.GetSlice(s, "concept_graph.edges.items")
	if len(nodes) == 0 {
		return kernel.Skip("no_nodes")
	}

	rules := []any{}
	for _, ev := range edges {
		if len(rules) >= maxRulesPerTick {
			break
		}
		e, ok := ev.(map[string]any)
		if !ok {
			continue
		}
		w := state.GetFloat(e, "weight", 0)
		aKey, _ := e["a_key"].(string)
		bKey, _ := e["b_key"].(string)
		switch {
		case tokenJaccard(aKey, bKey) >= synonymJaccard:
			rules = append(rules, state.Tree{
				"kind": "synonym", "a": e["a"], "b": e["b"], "confidence": round4(w),
			})
		case subsumes(aKey, bKey):
			rules = append(rules, state.Tree{
				"kind": "subsumes", "a": e["a"], "b": e["b"], "confidence": round4(w),
			})
		case w >= assocThreshold:
			rules = append(rules, state.Tree{
				"kind": "assoc", "a": e["a"], "b": e["b"], "confidence": round4(w),
			})
		}
	}

	parent := state.GetString(s, "concept_graph.version.id", initialVersion)
	nodeIDs := sortedKeys2(nodes)
	edgePairs := make([]any, 0, len(edges))
	for _, ev := range edges {
		if e, ok := ev.(map[string]any); ok {
			edgePairs = append(edgePairs, []any{e["a"], e["b"]})
		}
	}
	verID := state.Hash(state.Tree{
		"parent":     parent,
		"rules":      rules,
		"node_ids":   toAny(nodeIDs),
		"edge_pairs": edgePairs,
	})

	updates := state.GetInt(s, "concept_graph.updates.count", 0) + 1

	return kernel.OK(state.Tree{
		"concept_graph": state.Tree{
			"rules": state.Tree{
				"items":         rules,
				"rules_version": RulesVersion,
				"count":         len(rules),
			},
			"version": state.Tree{"id": verID, "parent_id": parent},
			"updates": state.Tree{"count": updates},
		},
	})
}

func collectDocs(s state.Tree) []string {
	out := []string{}
	if t := state.GetString(s, "perception.packz.text", ""); t != "" {
		out = append(out, t)
	}
	recent := state.GetSlice(s, "memory.cache.recent")
	for i := len(recent) - 1; i >= 0 && len(out) < maxDocs; i-- {
		if m, ok := recent[i].(map[string]any); ok {
			if t, _ := m["text"].(string); t != "" {
				out = append(out, t)
			}
		}
	}
	return out
}

func uniqueWords(words []string) []string {
	seen := map[string]struct{}{}
	out := []string{}
	for _, w := range words {
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}

func squash(x float64) float64 {
	return 1 - math.Exp(-x)
}

func tokenJaccard(a, b string) float64 {
	as, bs := strings.Fields(a), strings.Fields(b)
	set := map[string]struct{}{}
	for _, w := range as {
		set[w] = struct{}{}
	}
	inter := 0
	bset := map[string]struct{}{}
	for _, w := range bs {
		if _, dup := bset[w]; dup {
			continue
		}
		bset[w] = struct{}{}
		if _, ok := set[w]; ok {
			inter++
		}
	}
	union := len(set) + len(bset) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// subsumes reports whether one key's word set strictly contains the other's.
func subsumes(a, b string) bool {
	as, bs := strings.Fields(a), strings.Fields(b)
	if len(as) == len(bs) {
		return false
	}
	longer, shorter := as, bs
	if len(bs) > len(as) {
		longer, shorter = bs, as
	}
	set := map[string]struct{}{}
	for _, w := range longer {
		set[w] = struct{}{}
	}
	for _, w := range shorter {
		if _, ok := set[w]; !ok {
			return false
		}
	}
	return true
}

func sortedKeys(m map[string]int) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedKeys2(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
