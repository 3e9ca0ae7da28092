package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 0.3, cfg.Analysis.SoftRatioThreshold)
	assert.Equal(t, 0.8, cfg.Diff.SimilarityThreshold)
	assert.NotEmpty(t, cfg.Workspace.IgnorePatterns)
	assert.NotEmpty(t, cfg.Judge.Model)
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadOverrides(t *testing.T) {
	dir := t.TempDir()
	yaml := `
analysis:
  soft_ratio_threshold: 0.5
diff:
  similarity_threshold: 0.9
workspace:
  high_durability_dirs: [lib]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "topos.yaml"), []byte(yaml), 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 0.5, cfg.Analysis.SoftRatioThreshold)
	assert.Equal(t, 0.9, cfg.Diff.SimilarityThreshold)
	assert.Equal(t, []string{"lib"}, cfg.Workspace.HighDurabilityDirs)
	// Untouched sections keep their defaults.
	assert.Equal(t, DefaultConfig().Judge.Model, cfg.Judge.Model)
}

func TestLoadDotDirConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".topos"), 0755))
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, ".topos", "config.yaml"),
		[]byte("analysis:\n  soft_ratio_threshold: 0.25\n"), 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 0.25, cfg.Analysis.SoftRatioThreshold)
}

func TestBoundsClamped(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "topos.yaml"),
		[]byte("analysis:\n  soft_ratio_threshold: 7.5\ndiff:\n  similarity_threshold: -2\n"), 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 0.3, cfg.Analysis.SoftRatioThreshold)
	assert.Equal(t, 0.8, cfg.Diff.SimilarityThreshold)
}

func TestMalformedYAMLIsAnError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "topos.yaml"), []byte("analysis: ["), 0644))
	_, err := Load(dir)
	assert.Error(t, err)
}
