package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/conductor/pkg/domain"
)

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, "run-1")

	assert.False(t, store.Exists())

	state := domain.NewRunState("run-1", "project-9")
	state.CompletedIssues[1] = struct{}{}
	state.Stage = "implementing"

	require.NoError(t, store.Save(state))
	assert.True(t, store.Exists())

	loaded, err := store.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "run-1", loaded.RunID)
	assert.Equal(t, "implementing", loaded.Stage)
	_, ok := loaded.CompletedIssues[1]
	assert.True(t, ok)
}

func TestLoadReturnsNilWhenNoCheckpointExists(t *testing.T) {
	store := New(t.TempDir(), "run-missing")
	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestSaveOverwritesPreviousCheckpointAtomically(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, "run-2")

	first := domain.NewRunState("run-2", "p")
	first.Stage = "planning"
	require.NoError(t, store.Save(first))

	second := domain.NewRunState("run-2", "p")
	second.Stage = "implementing"
	second.CompletedIssues[5] = struct{}{}
	require.NoError(t, store.Save(second))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "implementing", loaded.Stage)
	_, ok := loaded.CompletedIssues[5]
	assert.True(t, ok)
}
