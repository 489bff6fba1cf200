package plugin

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry()
	r.Register(Func{PluginName: "echo", Fn: func(ctx context.Context, inv Invocation) (any, error) {
		return inv.Args[0], nil
	}})

	fn, err := r.Resolve("echo", "")
	require.NoError(t, err)

	out, err := fn(context.Background(), Invocation{Args: []any{"hi"}})
	require.NoError(t, err)
	assert.Equal(t, "hi", out)
}

func TestRegistryResolveErrors(t *testing.T) {
	r := NewRegistry()
	r.Register(Func{PluginName: "echo"})

	_, err := r.Resolve("missing", "run")
	assert.ErrorContains(t, err, `plugin "missing" not registered`)

	_, err = r.Resolve("echo", "explode")
	assert.ErrorContains(t, err, `no action "explode"`)
}

func TestRegistryNamesSorted(t *testing.T) {
	r := NewRegistry()
	r.Register(Func{PluginName: "zeta"})
	r.Register(Func{PluginName: "alpha"})

	assert.Equal(t, []string{"alpha", "zeta"}, r.Names())
}

func TestLoadManifests(t *testing.T) {
	dir := t.TempDir()
	manifest := `
name: weather
description: Fetch weather data
keywords: [weather, forecast]
examples:
  - "get the weather in Boston"
params:
  - name: city
    type: string
    required: true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "weather.yaml"), []byte(manifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "unnamed.yml"), []byte("description: no name field"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644))

	out, err := LoadManifests(dir, filepath.Join(dir, "does-not-exist"))
	require.NoError(t, err)
	require.Len(t, out, 2)

	byName := map[string]Metadata{}
	for _, m := range out {
		byName[m.Name] = m
	}

	w := byName["weather"]
	assert.Equal(t, []string{"weather", "forecast"}, w.Keywords)
	require.Len(t, w.Params, 1)
	assert.True(t, w.Params[0].Required)

	// Name defaults to the file name when the manifest omits it.
	assert.Contains(t, byName, "unnamed")
}

func TestLoadManifestsMalformed(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte(":\n  - ["), 0o644))

	_, err := LoadManifests(dir)
	assert.ErrorContains(t, err, "bad.yaml")
}
