package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxprov/internal/recipe"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestRoot_RendersDefaultRecipe(t *testing.T) {
	dir := t.TempDir()
	out, err := run(t, "--context", dir, "--state-dir", filepath.Join(dir, ".voxprov"), "--log-level", "error", "render")
	require.NoError(t, err)

	want, err := recipe.Default(nil)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, want.Render(&buf))
	assert.Equal(t, buf.String(), out)
	assert.Contains(t, out, "--reload")
}

func TestRoot_RenderWithVarOverride(t *testing.T) {
	dir := t.TempDir()
	out, err := run(t, "--context", dir, "--state-dir", filepath.Join(dir, ".voxprov"), "--log-level", "error",
		"--var", "port=9000", "render")
	require.NoError(t, err)
	assert.Contains(t, out, "EXPOSE 9000")
}

func TestRoot_HistoryJSONOnFreshStateDir(t *testing.T) {
	dir := t.TempDir()
	out, err := run(t, "--context", dir, "--state-dir", filepath.Join(dir, ".voxprov"), "--log-level", "error",
		"history", "--json")
	require.NoError(t, err)
	var runs []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	assert.Empty(t, runs)
}

func TestRoot_LaunchWithoutBuild(t *testing.T) {
	dir := t.TempDir()
	_, err := run(t, "--context", dir, "--state-dir", filepath.Join(dir, ".voxprov"), "--log-level", "error", "launch")
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join(dir, ".voxprov", "image.json"))
	assert.True(t, os.IsNotExist(statErr))
}
