package notify

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/hochfrequenz/recon-orchestrator/internal/domain"
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notification represents a notification to be sent
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
	Target  string // Optional target reference
	RunID   string // Optional run reference

	// Attachment is a file to deliver alongside the message, for channels
	// that support documents.
	Attachment string
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(n Notification) error
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers and joins their errors
func (m *MultiNotifier) Send(n Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(n Notification) error { return nil }

// TypeForStatus maps a run status to a notification type
func TypeForStatus(s domain.RunStatus) NotificationType {
	switch s {
	case domain.RunCompleted:
		return NotifySuccess
	case domain.RunCancelled:
		return NotifyWarning
	case domain.RunFailed:
		return NotifyError
	default:
		return NotifyInfo
	}
}

// ForRun builds a progress or completion notification from a snapshot
func ForRun(snap *domain.Snapshot, now time.Time) Notification {
	done, total := snap.Progress()
	counts := snap.Counts()

	var b strings.Builder
	fmt.Fprintf(&b, "%d/%d tasks done", done, total)
	for _, st := range []domain.TaskState{domain.TaskFailed, domain.TaskTimedOut, domain.TaskSkipped, domain.TaskCancelled} {
		if counts[st] > 0 {
			fmt.Fprintf(&b, ", %d %s", counts[st], st)
		}
	}
	if running := snap.InState(domain.TaskRunning); len(running) > 0 {
		fmt.Fprintf(&b, "\nrunning: %s", strings.Join(running, ", "))
	}
	if snap.Run.Status.Terminal() && snap.Run.FinishedAt != nil {
		fmt.Fprintf(&b, "\ntook %s", span(snap.Run.FinishedAt.Sub(snap.Run.StartedAt)))
	} else if eta, ok := snap.EstimateRemaining(now); ok {
		fmt.Fprintf(&b, "\nETA ~%s", span(eta))
	}

	return Notification{
		Title:   fmt.Sprintf("%s: run %s", snap.Run.Target, snap.Run.Status),
		Message: b.String(),
		Type:    TypeForStatus(snap.Run.Status),
		Target:  snap.Run.Target,
		RunID:   snap.Run.ID,
	}
}

// span renders a duration the way humanize renders relative times
func span(d time.Duration) string {
	var zero time.Time
	return strings.TrimSpace(humanize.RelTime(zero, zero.Add(d), "", ""))
}
