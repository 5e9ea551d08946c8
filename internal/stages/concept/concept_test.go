package concept

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noema/internal/kernel"
	"noema/internal/state"
)

func docState(texts ...string) state.Tree {
	s := state.Tree{
		"perception": state.Tree{
			"packz": state.Tree{
				"text":    texts[0],
				"signals": state.Tree{"lang": "en"},
			},
		},
	}
	recent := []any{}
	for _, t := range texts[1:] {
		recent = append(recent, state.Tree{"text": t})
	}
	state.Set(s, "memory.cache.recent", recent)
	return s
}

func pipeline(t *testing.T, s state.Tree) state.Tree {
	t.Helper()
	reg := kernel.Registry{}
	Register(reg)
	out, rep := kernel.Step(s, reg, []string{
		"concept.mine", "concept.nodes", "concept.edges", "concept.rules",
	})
	require.Empty(t, rep.Errors)
	return out
}

func TestMineFindsPatternsAndPairs(t *testing.T) {
	env := Mine(docState("backup database nightly", "backup database weekly"))
	require.Equal(t, kernel.StatusOK, env["status"])
	assert.NotEmpty(t, state.GetSlice(env, "concept_graph.patterns.items"))
	assert.NotEmpty(t, state.GetSlice(env, "concept_graph.patterns.pairs"))
	assert.Equal(t, 2, state.GetInt(env, "concept_graph.patterns.docs", 0))
}

func TestMineSkipsWithoutDocs(t *testing.T) {
	env := Mine(state.Tree{})
	assert.Equal(t, kernel.StatusSkip, env["status"])
}

func TestNodeIDsStable(t *testing.T) {
	out1 := pipeline(t, docState("backup database nightly", "backup database weekly"))
	out2 := pipeline(t, docState("backup database nightly", "backup database weekly"))
	n1 := state.GetMap(out1, "concept_graph.nodes")
	n2 := state.GetMap(out2, "concept_graph.nodes")
	require.NotEmpty(t, n1)
	assert.Equal(t, len(n1), len(n2))
	for id := range n1 {
		_, ok := n2[id]
		assert.True(t, ok, "node id %s must be stable", id)
	}
}

func TestEdgesWeightsBounded(t *testing.T) {
	out := pipeline(t, docState("backup database nightly", "backup database weekly", "backup database"))
	edges := state.GetSlice(out, "concept_graph.edges.items")
	require.NotEmpty(t, edges)
	for _, ev := range edges {
		w := state.GetFloat(ev.(state.Tree), "weight", -1)
		assert.GreaterOrEqual(t, w, 0.0)
		assert.LessOrEqual(t, w, 1.0)
	}
}

func TestRulesVersionParentChain(t *testing.T) {
	out := pipeline(t, docState("backup database nightly", "backup database weekly"))
	ver := state.GetString(out, "concept_graph.version.id", "")
	require.Len(t, ver, 40)
	assert.Equal(t, initialVersion, state.GetString(out, "concept_graph.version.parent_id", ""))
	assert.Equal(t, RulesVersion, state.GetString(out, "concept_graph.rules.rules_version", ""))
	assert.Equal(t, 1, state.GetInt(out, "concept_graph.updates.count", 0))

	// A second extraction chains to the first version.
	out2, rep := kernel.Step(out, func() kernel.Registry {
		r := kernel.Registry{}
		Register(r)
		return r
	}(), []string{"concept.rules"})
	require.Empty(t, rep.Errors)
	assert.Equal(t, ver, state.GetString(out2, "concept_graph.version.parent_id", ""))
	assert.Equal(t, 2, state.GetInt(out2, "concept_graph.updates.count", 0))
}

func TestSubsumption(t *testing.T) {
	assert.True(t, subsumes("backup database", "backup"))
	assert.True(t, subsumes("backup", "backup database"))
	assert.False(t, subsumes("backup", "restore"))
	assert.False(t, subsumes("backup", "backup"))
}

func TestTokenJaccard(t *testing.T) {
	assert.Equal(t, 1.0, tokenJaccard("a b", "b a"))
	assert.Equal(t, 0.0, tokenJaccard("a", "b"))
}
