package migration

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationsDir(t *testing.T) {
	dir, err := migrationsDir("")
	require.NoError(t, err)
	assert.Equal(t, "migrations", filepath.Base(dir))

	_, err = os.Stat(filepath.Join(filepath.Dir(dir), "go.mod"))
	assert.NoError(t, err)

	custom := t.TempDir()
	dir, err = migrationsDir(custom)
	require.NoError(t, err)
	assert.Equal(t, custom, dir)
}

func TestLatestVersion(t *testing.T) {
	dir, err := migrationsDir("")
	require.NoError(t, err)

	version, err := latestVersion(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)
}
