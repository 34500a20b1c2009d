package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateMintsOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "id")

	id, isNew, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.True(t, isNew)
	_, err = uuid.Parse(id)
	assert.NoError(t, err)
}

func TestLoadOrCreatePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "id")

	first, _, err := LoadOrCreate(path)
	require.NoError(t, err)

	second, isNew, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, first, second)
}

func TestLoadOrCreateRegeneratesOnCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "id")
	require.NoError(t, os.WriteFile(path, []byte("not-a-uuid"), 0o600))

	id, isNew, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.True(t, isNew)
	_, err = uuid.Parse(id)
	assert.NoError(t, err)
}
