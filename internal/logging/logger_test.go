package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The package keeps global state, so these tests run sequentially and reset
// via CloseAll between cases.

func readCategoryLog(t *testing.T, dir string, cat Category) string {
	t.Helper()
	date := time.Now().Format("2006-01-02")
	data, err := os.ReadFile(filepath.Join(dir, date+"_"+string(cat)+".log"))
	require.NoError(t, err)
	return string(data)
}

func TestInitializeDisabledIsNoOp(t *testing.T) {
	t.Cleanup(CloseAll)
	dir := t.TempDir()
	require.NoError(t, Initialize(Settings{DebugMode: false, Dir: dir}))

	Cycle("should not be written")
	assert.False(t, IsCategoryEnabled(CategoryCycle))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestInitializeDebugRequiresDir(t *testing.T) {
	t.Cleanup(CloseAll)
	err := Initialize(Settings{DebugMode: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dir required")
}

func TestCategoryGating(t *testing.T) {
	t.Cleanup(CloseAll)
	dir := t.TempDir()
	require.NoError(t, Initialize(Settings{
		DebugMode:  true,
		Dir:        dir,
		Level:      "debug",
		Categories: map[string]bool{"arbiter": false},
	}))

	assert.True(t, IsCategoryEnabled(CategoryCycle))
	assert.False(t, IsCategoryEnabled(CategoryArbiter))

	Arbiter("suppressed line")
	Cycle("visible line")
	CloseAll()

	date := time.Now().Format("2006-01-02")
	_, err := os.Stat(filepath.Join(dir, date+"_arbiter.log"))
	assert.True(t, os.IsNotExist(err))

	content := readCategoryLog(t, dir, CategoryCycle)
	assert.Contains(t, content, "visible line")
	assert.Contains(t, content, "[INFO]")
}

func TestLevelFiltering(t *testing.T) {
	t.Cleanup(CloseAll)
	dir := t.TempDir()
	require.NoError(t, Initialize(Settings{DebugMode: true, Dir: dir, Level: "warn"}))

	l := Get(CategoryGate)
	l.Debug("debug dropped")
	l.Info("info dropped")
	l.Warn("warn kept")
	l.Error("error kept")
	CloseAll()

	content := readCategoryLog(t, dir, CategoryGate)
	assert.NotContains(t, content, "dropped")
	assert.Contains(t, content, "warn kept")
	assert.Contains(t, content, "error kept")
}

func TestJSONFormat(t *testing.T) {
	t.Cleanup(CloseAll)
	dir := t.TempDir()
	require.NoError(t, Initialize(Settings{DebugMode: true, Dir: dir, Level: "info", JSONFormat: true}))

	Truth("chain evaluated in %dms", 12)
	CloseAll()

	content := readCategoryLog(t, dir, CategoryTruth)
	// Each line carries the standard logger prefix followed by the JSON body.
	start := strings.Index(content, "{")
	require.GreaterOrEqual(t, start, 0)
	line := strings.TrimSpace(content[start:])

	var entry entryJSON
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	assert.Equal(t, "truth", entry.Category)
	assert.Equal(t, "INFO", entry.Level)
	assert.Equal(t, "chain evaluated in 12ms", entry.Message)
	assert.NotZero(t, entry.Timestamp)
}
