//go:build unix

package executor

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSupervisor(grace time.Duration) *Supervisor {
	return NewSupervisor("/bin/sh", grace, nil)
}

func TestExecute_Success(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "logs", "01_echo.log")

	out := newTestSupervisor(time.Second).Execute(context.Background(), Job{
		Task:    "echo",
		Command: "echo hello; echo oops >&2; echo $RECON_X",
		Env:     []string{"RECON_X=from-env"},
		LogPath: logPath,
	})

	require.NoError(t, out.Err)
	assert.True(t, out.Success())
	assert.Equal(t, 0, out.ExitCode)
	assert.False(t, out.TimedOut)

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	log := string(data)
	assert.Contains(t, log, "hello\n")
	assert.Contains(t, log, "oops\n")
	assert.Contains(t, log, "from-env\n")
	assert.Contains(t, log, "### echo finished")
}

func TestExecute_NonZeroExit(t *testing.T) {
	out := newTestSupervisor(time.Second).Execute(context.Background(), Job{
		Task:    "fail",
		Command: "exit 3",
		LogPath: filepath.Join(t.TempDir(), "fail.log"),
	})

	assert.NoError(t, out.Err)
	assert.Equal(t, 3, out.ExitCode)
	assert.False(t, out.Success())
}

func TestExecute_OutputIsLive(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "live.log")
	done := make(chan Outcome, 1)

	go func() {
		done <- newTestSupervisor(time.Second).Execute(context.Background(), Job{
			Task:    "live",
			Command: "echo first; sleep 2; echo second",
			LogPath: logPath,
		})
	}()

	require.Eventually(t, func() bool {
		data, _ := os.ReadFile(logPath)
		return strings.Contains(string(data), "first")
	}, 1500*time.Millisecond, 20*time.Millisecond)

	data, _ := os.ReadFile(logPath)
	assert.NotContains(t, string(data), "second")
	<-done
}

func TestExecute_TimeoutGraceful(t *testing.T) {
	timeout := 200 * time.Millisecond
	grace := 2 * time.Second

	out := newTestSupervisor(grace).Execute(context.Background(), Job{
		Task:    "slow",
		Command: "sleep 30",
		LogPath: filepath.Join(t.TempDir(), "slow.log"),
		Timeout: timeout,
	})

	assert.True(t, out.TimedOut)
	assert.False(t, out.Killed)
	assert.Less(t, out.Duration, timeout+grace+time.Second)
}

func TestExecute_TimeoutForceKill(t *testing.T) {
	timeout := 200 * time.Millisecond
	grace := 300 * time.Millisecond

	out := newTestSupervisor(grace).Execute(context.Background(), Job{
		Task:    "stubborn",
		Command: "trap '' TERM; while true; do sleep 0.1; done",
		LogPath: filepath.Join(t.TempDir(), "stubborn.log"),
		Timeout: timeout,
	})

	assert.True(t, out.TimedOut)
	assert.True(t, out.Killed)
	assert.Less(t, out.Duration, timeout+grace+time.Second)
}

func TestExecute_NoLeftoverProcesses(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "child.pid")

	out := newTestSupervisor(200*time.Millisecond).Execute(context.Background(), Job{
		Task:    "spawner",
		Command: "sleep 60 & echo $! > " + pidFile + "; wait",
		LogPath: filepath.Join(dir, "spawner.log"),
		Timeout: 300 * time.Millisecond,
	})
	require.True(t, out.TimedOut)

	data, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return !running(pid) }, 2*time.Second, 50*time.Millisecond)
}

// running treats zombies as gone since an orphan may wait for a reaper
func running(pid int) bool {
	if !ProcessAlive(pid) {
		return false
	}
	stat, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return true
	}
	fields := strings.Fields(string(stat[strings.LastIndexByte(string(stat), ')')+1:]))
	return len(fields) == 0 || fields[0] != "Z"
}

func TestExecute_Cancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(150 * time.Millisecond)
		cancel()
	}()

	out := newTestSupervisor(time.Second).Execute(ctx, Job{
		Task:    "cancelme",
		Command: "sleep 30",
		LogPath: filepath.Join(t.TempDir(), "cancel.log"),
	})

	assert.True(t, out.Cancelled)
	assert.False(t, out.TimedOut)
	assert.Less(t, out.Duration, 2*time.Second)
}

func TestExecute_StartFailure(t *testing.T) {
	s := NewSupervisor("/nonexistent/shell", time.Second, nil)
	out := s.Execute(context.Background(), Job{
		Task:    "broken",
		Command: "true",
		LogPath: filepath.Join(t.TempDir(), "broken.log"),
	})

	assert.Error(t, out.Err)
	assert.Equal(t, -1, out.ExitCode)
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, ProcessAlive(os.Getpid()))
	assert.False(t, ProcessAlive(0))
}
