package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/hochfrequenz/recon-orchestrator/internal/archive"
	"github.com/hochfrequenz/recon-orchestrator/internal/config"
	"github.com/hochfrequenz/recon-orchestrator/internal/domain"
	"github.com/hochfrequenz/recon-orchestrator/internal/engine"
	reconlog "github.com/hochfrequenz/recon-orchestrator/internal/log"
	"github.com/hochfrequenz/recon-orchestrator/internal/metrics"
	"github.com/hochfrequenz/recon-orchestrator/internal/notify"
)

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if workDir != "" {
		cfg.General.WorkDir = config.ExpandPath(workDir)
	}
	if logLevel != "" {
		cfg.General.LogLevel = logLevel
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *logrus.Logger {
	return reconlog.New(cfg.General.LogLevel, os.Stderr)
}

// buildNotifier combines every configured channel
func buildNotifier(cfg *config.Config) notify.Notifier {
	var notifiers []notify.Notifier
	if cfg.Notifications.Desktop {
		notifiers = append(notifiers, notify.NewDesktopNotifier(true))
	}
	if cfg.Notifications.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.Notifications.SlackWebhook))
	}
	if cfg.TelegramConfigured() {
		var opts []notify.TelegramOption
		if cfg.Notifications.TelegramAPI != "" {
			opts = append(opts, notify.WithTelegramAPI(cfg.Notifications.TelegramAPI))
		}
		notifiers = append(notifiers, notify.NewTelegramNotifier(cfg.Notifications.TelegramToken, cfg.Notifications.TelegramChatID, opts...))
	}
	if len(notifiers) == 0 {
		return notify.NoopNotifier{}
	}
	return notify.NewMultiNotifier(notifiers...)
}

type facadeOptions struct {
	metrics  *metrics.Metrics
	noNotify bool
}

func newFacade(cfg *config.Config, log *logrus.Logger, fo facadeOptions) (*engine.Facade, error) {
	opts := engine.Options{
		Config:   cfg,
		Notifier: buildNotifier(cfg),
		Metrics:  fo.metrics,
		Logger:   log,
	}
	if fo.noNotify {
		opts.Notifier = notify.NoopNotifier{}
	}
	if err := archive.ValidateConfig(cfg.Archive); err == nil {
		uploader, err := archive.NewMinioUploader(cfg.Archive)
		if err != nil {
			return nil, err
		}
		opts.Uploader = uploader
	} else if !errors.Is(err, archive.ErrUploadDisabled) {
		log.WithError(err).Warn("Archive upload disabled")
	}
	return engine.New(opts)
}

// setup loads config, logger and facade for a command
func setup(fo facadeOptions) (*config.Config, *logrus.Logger, *engine.Facade, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	log := newLogger(cfg)
	f, err := newFacade(cfg, log, fo)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, log, f, nil
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// exitError marks a command that finished but must exit non-zero
type exitError struct {
	msg string
}

func (e *exitError) Error() string { return e.msg }

func runOutcome(target string, status domain.RunStatus) error {
	return &exitError{msg: fmt.Sprintf("%s: run %s", target, status)}
}
