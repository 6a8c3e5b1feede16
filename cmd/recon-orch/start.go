package main

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/recon-orchestrator/internal/engine"
	"github.com/hochfrequenz/recon-orchestrator/internal/observer"
)

const startWait = 15 * time.Second

// runStart launches "run" as a detached child and returns once the child
// has recorded its run.
func runStart(cmd *cobra.Command, args []string) error {
	target := args[0]
	if _, err := startOptions(); err != nil {
		return err
	}
	_, _, f, err := setup(facadeOptions{noNotify: true})
	if err != nil {
		return err
	}
	if !targetExists(f.Root(), target) {
		return fmt.Errorf("%w: %s", engine.ErrUnknownTarget, target)
	}

	var previous string
	if snap, err := f.Status(target); err == nil {
		if !snap.Run.Status.Terminal() {
			return fmt.Errorf("%s: %w", target, engine.ErrRunActive)
		}
		previous = snap.Run.ID
	}

	self, err := os.Executable()
	if err != nil {
		return err
	}
	child := exec.Command(self, childArgs(f.Root(), target)...)
	child.SysProcAttr = detachAttr()
	if err := child.Start(); err != nil {
		return fmt.Errorf("starting run: %w", err)
	}
	exited := make(chan error, 1)
	go func() { exited <- child.Wait() }()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(startWait)
	for {
		select {
		case err := <-exited:
			if id, ok := newRun(f, target, previous); ok {
				fmt.Printf("Run %s for %s finished already, see: recon-orch status %s\n", id, target, target)
				return nil
			}
			path, _ := f.LogPath(target, "")
			lines, _ := observer.LastLines(path, 10)
			return fmt.Errorf("run exited before starting (%v):\n%s", err, strings.Join(lines, "\n"))
		case <-ticker.C:
			if id, ok := newRun(f, target, previous); ok {
				fmt.Printf("Started run %s for %s (pid %d)\n", id, target, child.Process.Pid)
				return nil
			}
		case <-deadline:
			return fmt.Errorf("run did not start within %s (pid %d)", startWait, child.Process.Pid)
		}
	}
}

func newRun(f *engine.Facade, target, previous string) (string, bool) {
	snap, err := f.Status(target)
	if err != nil || snap.Run.ID == previous {
		return "", false
	}
	return snap.Run.ID, true
}

// childArgs rebuilds the command line of the foreground run
func childArgs(root, target string) []string {
	args := []string{"--work-dir", root}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	if logLevel != "" {
		args = append(args, "--log-level", logLevel)
	}
	args = append(args, "run", target)
	if len(runOnly) > 0 {
		args = append(args, "--only", strings.Join(runOnly, ","))
	}
	if runConcurrency > 0 {
		args = append(args, "--concurrency", strconv.Itoa(runConcurrency))
	}
	if runPipeline != "" {
		args = append(args, "--pipeline", runPipeline)
	}
	for _, kv := range runVars {
		args = append(args, "--var", kv)
	}
	if runNoNotify {
		args = append(args, "--no-notify")
	}
	return args
}
