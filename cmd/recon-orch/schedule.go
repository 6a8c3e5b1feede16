package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/recon-orchestrator/internal/batch"
	"github.com/hochfrequenz/recon-orchestrator/internal/config"
	"github.com/hochfrequenz/recon-orchestrator/internal/domain"
	"github.com/hochfrequenz/recon-orchestrator/internal/engine"
	"github.com/hochfrequenz/recon-orchestrator/internal/notify"
)

func init() {
	scheduleCmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run the [[batch]] entries of the config on their cron schedules",
		RunE:  runSchedule,
	}
	rootCmd.AddCommand(scheduleCmd)
}

func runSchedule(cmd *cobra.Command, args []string) error {
	cfg, log, f, err := setup(facadeOptions{})
	if err != nil {
		return err
	}
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	sc, err := batch.LoadScheduleConfig(path)
	if err != nil {
		return fmt.Errorf("loading batches: %w", err)
	}
	if len(sc.Batches) == 0 {
		return fmt.Errorf("no [[batch]] entries in %s", path)
	}

	s, err := batch.NewScheduler(sc.Batches, log)
	if err != nil {
		return err
	}
	for _, name := range s.ListBatches() {
		fmt.Printf("%s: next run %s\n", name, s.NextRun(name).Format(time.RFC1123))
	}

	ctx, cancel := signalContext()
	defer cancel()
	s.Start(ctx, batchRunner(f, buildNotifier(cfg)))

	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.General.KillGrace.Std()+5*time.Second)
	defer stop()
	return f.Shutdown(shutdownCtx)
}

// batchRunner runs the targets of a batch one after another
func batchRunner(f *engine.Facade, notifier notify.Notifier) batch.RunFunc {
	return func(ctx context.Context, bc batch.BatchConfig) error {
		var lines []string
		failed := 0
		for _, target := range bc.Targets {
			if ctx.Err() != nil {
				lines = append(lines, fmt.Sprintf("%s: not started (%v)", target, ctx.Err()))
				failed++
				continue
			}
			status, err := f.Run(ctx, target, engine.StartOptions{Only: bc.Only})
			switch {
			case err != nil:
				lines = append(lines, fmt.Sprintf("%s: %v", target, err))
				failed++
			case status != domain.RunCompleted:
				lines = append(lines, fmt.Sprintf("%s: %s", target, status))
				failed++
			default:
				lines = append(lines, fmt.Sprintf("%s: %s", target, status))
			}
		}

		if bc.NotifyOnComplete {
			n := notify.Notification{
				Title:   fmt.Sprintf("Batch %s finished", bc.Name),
				Message: strings.Join(lines, "\n"),
				Type:    notify.NotifySuccess,
			}
			if failed > 0 {
				n.Type = notify.NotifyWarning
			}
			if err := notifier.Send(n); err != nil {
				return fmt.Errorf("sending batch notification: %w", err)
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d targets did not complete", failed, len(bc.Targets))
		}
		return nil
	}
}
