package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetBeforeInitializeIsSafe(t *testing.T) {
	l := Get(CategoryBoot)
	require.NotNil(t, l)
	l.Info("no panic without Initialize")
}

func TestGetReturnsSameLoggerPerCategory(t *testing.T) {
	require.NoError(t, Initialize("info", ""))
	assert.Same(t, Get(CategoryStore), Get(CategoryStore))
	assert.NotSame(t, Get(CategoryStore), Get(CategorySkills))
}

func TestInitializeWritesFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Initialize("debug", dir))
	Get(CategoryServer).Info("hello from test")
	Sync()

	data, err := os.ReadFile(filepath.Join(dir, "noema.log"))
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "hello from test"))
	assert.True(t, strings.Contains(string(data), `"cat":"server"`))
}

func TestInitializeBadLevelFallsBack(t *testing.T) {
	assert.NoError(t, Initialize("not-a-level", ""))
}
