// Package config holds the process-wide, mutable LLM/runtime configuration.
//
// Config is read by pkg/llmprovider.MakeModel at call time, never cached at
// construction, so that an Update made before a run starts is observed by
// that run's model.
package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/joho/godotenv"
)

// Snapshot is an immutable copy of Config captured at a point in time
// (e.g. at supervisor.Execute entry), so a run's behavior doesn't shift
// mid-flight if another client updates the shared Config concurrently.
type Snapshot struct {
	LLMProvider         string
	LLMModel            string
	LLMTemperature      float64
	AgentRecursionLimit int
	ToolTimeoutSeconds  int
}

// Config is the process-wide, mutable configuration. All fields are
// guarded by mu; use the accessor/mutator methods, never touch fields
// directly from outside this package.
type Config struct {
	mu                  sync.RWMutex
	llmProvider         string
	llmModel            string
	llmTemperature      float64
	agentRecursionLimit int
	toolTimeoutSeconds  int
}

// defaultConfig is the process-wide singleton, read by all LLM call sites.
var defaultConfig = newWithDefaults()

func newWithDefaults() *Config {
	return &Config{
		llmProvider:         "anthropic",
		llmModel:            "claude-sonnet-4-20250514",
		llmTemperature:      0.2,
		agentRecursionLimit: 500,
		toolTimeoutSeconds:  60,
	}
}

// Default returns the process-wide Config instance.
func Default() *Config {
	return defaultConfig
}

// LoadFromEnv populates the process-wide Config from environment variables,
// loading a .env file first (if present) via godotenv, for local
// development convenience.
func LoadFromEnv() *Config {
	_ = godotenv.Load()

	c := defaultConfig
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		c.llmProvider = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		c.llmModel = v
	}
	if v := os.Getenv("LLM_TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.llmTemperature = f
		}
	}
	if v := os.Getenv("AGENT_RECURSION_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.agentRecursionLimit = n
		}
	}
	if v := os.Getenv("TOOL_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.toolTimeoutSeconds = n
		}
	}
	return c
}

// Snapshot captures the current configuration values.
func (c *Config) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		LLMProvider:         c.llmProvider,
		LLMModel:            c.llmModel,
		LLMTemperature:      c.llmTemperature,
		AgentRecursionLimit: c.agentRecursionLimit,
		ToolTimeoutSeconds:  c.toolTimeoutSeconds,
	}
}

// LLMOverride carries the subset of Config that Update can change;
// LoadFileDefaults applies the --config file through it.
type LLMOverride struct {
	Provider    string
	Model       string
	Temperature float64
}

// ErrRunInProgress is returned by Update when it is called with
// runInProgress set.
var ErrRunInProgress = fmt.Errorf("config update rejected: a run is already in progress")

// Update applies o to c. If runInProgress is true it leaves c unchanged
// and returns ErrRunInProgress. Empty strings and a zero temperature in o
// leave the corresponding fields as they are.
func (c *Config) Update(o LLMOverride, runInProgress bool) error {
	if runInProgress {
		return ErrRunInProgress
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if o.Provider != "" {
		c.llmProvider = o.Provider
	}
	if o.Model != "" {
		c.llmModel = o.Model
	}
	if o.Temperature != 0 {
		c.llmTemperature = o.Temperature
	}
	return nil
}
