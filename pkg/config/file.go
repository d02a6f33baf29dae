package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileDefaults is the shape of an optional YAML config file passed via
// --config. It only carries the fields a deployment typically wants to
// pin without an environment variable per field; environment variables
// still take precedence since LoadFromEnv runs after LoadFileDefaults.
type FileDefaults struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
}

// LoadFileDefaults reads a YAML file at path and applies it to the
// process-wide Config as a baseline. Call before LoadFromEnv so
// environment variables retain override priority.
func LoadFileDefaults(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var fd FileDefaults
	if err := yaml.Unmarshal(data, &fd); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	return Default().Update(LLMOverride{
		Provider:    fd.Provider,
		Model:       fd.Model,
		Temperature: fd.Temperature,
	}, false)
}
