package engine

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".lock")

	require.NoError(t, acquireLock(path))
	held, err := readLock(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), held.PID)

	require.NoError(t, writeLockRun(path, "run-1"))
	held, err = readLock(path)
	require.NoError(t, err)
	assert.Equal(t, "run-1", held.RunID)

	releaseLock(path)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestAcquireLock_StaleIsTakenOver(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".lock")
	require.NoError(t, os.WriteFile(path, []byte("999999\nold\n"), 0o644))

	require.NoError(t, acquireLock(path))
	held, err := readLock(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), held.PID)
}

func TestAcquireLock_LiveOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".lock")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getppid())+"\n"), 0o644))

	assert.ErrorIs(t, acquireLock(path), ErrRunActive)

	releaseLock(path)
	_, err := os.Stat(path)
	assert.NoError(t, err, "a lock owned by another process is left alone")
}
