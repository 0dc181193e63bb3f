// Package config loads the adap YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/adap-ai/adap/pkg/types"
)

// Candidates are the paths tried, in order, when no config path is given.
var Candidates = []string{
	"adap.yaml",
	"adap.yml",
	".adap/config.yaml",
}

// Load reads the config at path on top of the defaults. An empty path
// tries Candidates and falls back to the defaults when none exist.
func Load(path string) (*types.Config, error) {
	if path == "" {
		path = discover(Candidates)
	}

	if path == "" {
		return types.DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	config := types.DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return config, nil
}

// Write marshals config to path, creating the parent directory.
func Write(path string, config *types.Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func discover(candidates []string) string {
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}
