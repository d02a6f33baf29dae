package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotReflectsDefaults(t *testing.T) {
	c := newWithDefaults()
	snap := c.Snapshot()
	assert.Equal(t, "anthropic", snap.LLMProvider)
	assert.Equal(t, 500, snap.AgentRecursionLimit)
	assert.Equal(t, 60, snap.ToolTimeoutSeconds)
}

func TestUpdateAppliesOverride(t *testing.T) {
	c := newWithDefaults()
	err := c.Update(LLMOverride{Provider: "openai", Model: "gpt-4o", Temperature: 0.7}, false)
	require.NoError(t, err)

	snap := c.Snapshot()
	assert.Equal(t, "openai", snap.LLMProvider)
	assert.Equal(t, "gpt-4o", snap.LLMModel)
	assert.Equal(t, 0.7, snap.LLMTemperature)
}

func TestUpdateRejectedWhileRunInProgress(t *testing.T) {
	c := newWithDefaults()
	err := c.Update(LLMOverride{Provider: "openai"}, true)
	require.ErrorIs(t, err, ErrRunInProgress)

	snap := c.Snapshot()
	assert.Equal(t, "anthropic", snap.LLMProvider, "config must be unchanged on rejected update")
}

func TestUpdatePartialOverrideLeavesOtherFields(t *testing.T) {
	c := newWithDefaults()
	require.NoError(t, c.Update(LLMOverride{Model: "claude-opus-4"}, false))

	snap := c.Snapshot()
	assert.Equal(t, "anthropic", snap.LLMProvider)
	assert.Equal(t, "claude-opus-4", snap.LLMModel)
}
