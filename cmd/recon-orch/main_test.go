package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/recon-orchestrator/internal/batch"
	"github.com/hochfrequenz/recon-orchestrator/internal/config"
	"github.com/hochfrequenz/recon-orchestrator/internal/engine"
	"github.com/hochfrequenz/recon-orchestrator/internal/heuristics"
	reconlog "github.com/hochfrequenz/recon-orchestrator/internal/log"
	"github.com/hochfrequenz/recon-orchestrator/internal/notify"
	"github.com/hochfrequenz/recon-orchestrator/internal/pipeline"
)

type recordingNotifier struct {
	sent []notify.Notification
}

func (r *recordingNotifier) Send(n notify.Notification) error {
	r.sent = append(r.sent, n)
	return nil
}

func resetRunFlags(t *testing.T) {
	t.Cleanup(func() {
		runOnly, runConcurrency, runPipeline, runVars, runNoNotify = nil, 0, "", nil, false
		configPath, logLevel = "", ""
	})
}

func TestStartOptions(t *testing.T) {
	resetRunFlags(t)
	runOnly = []string{"subs", "probe"}
	runConcurrency = 3
	runVars = []string{"WORDLIST=/tmp/w.txt", "EMPTY="}

	opts, err := startOptions()
	require.NoError(t, err)
	assert.Equal(t, []string{"subs", "probe"}, opts.Only)
	assert.Equal(t, 3, opts.Concurrency)
	assert.Equal(t, map[string]string{"WORDLIST": "/tmp/w.txt", "EMPTY": ""}, opts.Vars)

	runVars = []string{"novalue"}
	_, err = startOptions()
	assert.Error(t, err)
}

func TestChildArgs(t *testing.T) {
	resetRunFlags(t)
	configPath = "/etc/recon.toml"
	runOnly = []string{"a", "b"}
	runConcurrency = 4
	runVars = []string{"K=V"}
	runNoNotify = true

	got := childArgs("/srv/targets", "example.com")
	want := []string{
		"--work-dir", "/srv/targets",
		"--config", "/etc/recon.toml",
		"run", "example.com",
		"--only", "a,b",
		"--concurrency", "4",
		"--var", "K=V",
		"--no-notify",
	}
	assert.Equal(t, want, got)
}

func TestBuildNotifier(t *testing.T) {
	cfg := config.Default()
	assert.IsType(t, notify.NoopNotifier{}, buildNotifier(cfg))

	cfg.Notifications.SlackWebhook = "https://hooks.slack.test/x"
	assert.IsType(t, &notify.MultiNotifier{}, buildNotifier(cfg))
}

func TestBatchRunner(t *testing.T) {
	cfg := config.Default()
	cfg.General.WorkDir = t.TempDir()
	cfg.General.KillGrace = config.Duration(time.Second)
	cfg.General.PollInterval = config.Duration(20 * time.Millisecond)
	f, err := engine.New(engine.Options{Config: cfg, Logger: reconlog.Discard()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Shutdown(context.Background()) })

	for target, cmd := range map[string]string{"ok.example": "echo fine", "bad.example": "exit 3"} {
		l := pipeline.NewLayout(cfg.General.WorkDir, target)
		require.NoError(t, os.MkdirAll(l.Dir(), 0o755))
		doc := "pipeline:\n  - name: only\n    cmd: " + cmd + "\n"
		require.NoError(t, os.WriteFile(l.PipelinePath(), []byte(doc), 0o644))
	}

	n := &recordingNotifier{}
	run := batchRunner(f, n)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	err = run(ctx, batch.BatchConfig{
		Name:             "nightly",
		Targets:          []string{"ok.example", "bad.example"},
		NotifyOnComplete: true,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 targets")

	require.Len(t, n.sent, 1)
	assert.Equal(t, "Batch nightly finished", n.sent[0].Title)
	assert.Equal(t, notify.NotifyWarning, n.sent[0].Type)
	assert.Contains(t, n.sent[0].Message, "ok.example: completed")
	assert.Contains(t, n.sent[0].Message, "bad.example: failed")
}

func TestSpan(t *testing.T) {
	assert.Equal(t, "3 minutes", span(3*time.Minute))
	assert.Equal(t, "ab...", truncate("abcdefgh", 5))
}

func TestRunRules_PrintsLoadableRules(t *testing.T) {
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	require.NoError(t, runRules(cmd, nil))

	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, out.Bytes(), 0o644))
	specs, err := heuristics.LoadRules(path)
	require.NoError(t, err)
	assert.Len(t, specs, len(heuristics.DefaultRules()))
}
