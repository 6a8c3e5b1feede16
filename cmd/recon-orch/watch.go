package main

import (
	"errors"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/recon-orchestrator/internal/engine"
	"github.com/hochfrequenz/recon-orchestrator/tui"
)

var watchInterval time.Duration

func init() {
	watchCmd := &cobra.Command{
		Use:   "watch TARGET",
		Short: "Launch the terminal dashboard for a target",
		Args:  cobra.ExactArgs(1),
		RunE:  runWatch,
	}
	watchCmd.Flags().DurationVar(&watchInterval, "interval", time.Second, "refresh interval")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	_, _, f, err := setup(facadeOptions{noNotify: true})
	if err != nil {
		return err
	}
	target := args[0]
	if !targetExists(f.Root(), target) {
		return fmt.Errorf("%w: %s", engine.ErrUnknownTarget, target)
	}
	snap, err := f.Status(target)
	if err != nil && !errors.Is(err, engine.ErrNoRun) {
		return err
	}

	model := tui.NewModel(tui.ModelConfig{
		Target:   target,
		Source:   f,
		Interval: watchInterval,
		Snapshot: snap,
	})
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err = p.Run()
	return err
}
