// Package config loads topos toolchain configuration from YAML.
// Configuration is looked up as topos.yaml in the workspace root, then
// .topos/config.yaml; absent files yield defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds all topos configuration.
type Config struct {
	// Analysis tunables for the core engine.
	Analysis AnalysisConfig `yaml:"analysis"`

	// Differ settings.
	Diff DiffConfig `yaml:"diff"`

	// ProseJudge collaborator settings for hybrid diff.
	Judge JudgeConfig `yaml:"judge"`

	// Workspace loading settings.
	Workspace WorkspaceConfig `yaml:"workspace"`

	// Logging settings.
	Logging LoggingConfig `yaml:"logging"`
}

// AnalysisConfig tunes validation and retention behavior.
type AnalysisConfig struct {
	// SoftRatioThreshold is the soft-to-hard constraint ratio above which
	// W207 fires at workspace scope.
	SoftRatioThreshold float64 `yaml:"soft_ratio_threshold"`

	// RetainedLowFiles caps how many LOW-durability parse results are kept
	// beyond the current generation. Zero means no cap.
	RetainedLowFiles int `yaml:"retained_low_files"`
}

// DiffConfig tunes the structural differ.
type DiffConfig struct {
	// SimilarityThreshold is the minimum Levenshtein ratio for pairing
	// requirements whose stable IDs changed.
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
}

// JudgeConfig configures the external prose-judgement collaborator.
type JudgeConfig struct {
	// Model names the generative model used for semantic comparison.
	Model string `yaml:"model"`

	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env"`

	// MinConfidence drops judgements below this confidence into the
	// inconclusive bucket of the drift report.
	MinConfidence float64 `yaml:"min_confidence"`
}

// WorkspaceConfig controls workspace file discovery.
type WorkspaceConfig struct {
	// IgnorePatterns lists directory names skipped during workspace walks.
	IgnorePatterns []string `yaml:"ignore_patterns"`

	// HighDurabilityDirs lists root-relative directories whose files are
	// loaded at the HIGH durability tier.
	HighDurabilityDirs []string `yaml:"high_durability_dirs"`
}

// LoggingConfig controls diagnostic logging.
type LoggingConfig struct {
	Debug      bool     `yaml:"debug"`
	Categories []string `yaml:"categories"`
	Path       string   `yaml:"path"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Analysis: AnalysisConfig{
			SoftRatioThreshold: 0.3,
			RetainedLowFiles:   128,
		},
		Diff: DiffConfig{
			SimilarityThreshold: 0.8,
		},
		Judge: JudgeConfig{
			Model:         "gemini-2.0-flash",
			APIKeyEnv:     "GEMINI_API_KEY",
			MinConfidence: 0.5,
		},
		Workspace: WorkspaceConfig{
			IgnorePatterns:     []string{".git", "node_modules", "vendor", ".topos"},
			HighDurabilityDirs: []string{"std", "vendor-specs"},
		},
	}
}

// Load reads configuration for a workspace root, falling back to
// defaults when no config file exists.
func Load(root string) (*Config, error) {
	for _, rel := range []string{"topos.yaml", filepath.Join(".topos", "config.yaml")} {
		path := filepath.Join(root, rel)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		cfg := DefaultConfig()
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		cfg.applyBounds()
		return cfg, nil
	}
	return DefaultConfig(), nil
}

// applyBounds clamps nonsensical values back to defaults.
func (c *Config) applyBounds() {
	if c.Analysis.SoftRatioThreshold <= 0 || c.Analysis.SoftRatioThreshold > 1 {
		c.Analysis.SoftRatioThreshold = 0.3
	}
	if c.Diff.SimilarityThreshold <= 0 || c.Diff.SimilarityThreshold > 1 {
		c.Diff.SimilarityThreshold = 0.8
	}
	if c.Judge.MinConfidence < 0 || c.Judge.MinConfidence > 1 {
		c.Judge.MinConfidence = 0.5
	}
}
