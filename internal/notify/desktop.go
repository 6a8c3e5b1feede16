package notify

import (
	"os/exec"
	"runtime"
	"strings"
)

// DesktopNotifier shows notifications through osascript on macOS and
// notify-send on Linux. Other platforms are ignored.
type DesktopNotifier struct {
	enabled bool
	run     func(name string, args ...string) error
}

// NewDesktopNotifier creates a new desktop notifier
func NewDesktopNotifier(enabled bool) *DesktopNotifier {
	return &DesktopNotifier{
		enabled: enabled,
		run: func(name string, args ...string) error {
			return exec.Command(name, args...).Run()
		},
	}
}

// Send shows the notification
func (d *DesktopNotifier) Send(n Notification) error {
	if !d.enabled {
		return nil
	}
	name, args := desktopCommand(runtime.GOOS, n)
	if name == "" {
		return nil
	}
	return d.run(name, args...)
}

// desktopCommand returns the command showing n on goos, or "" when the
// platform has none.
func desktopCommand(goos string, n Notification) (string, []string) {
	switch goos {
	case "darwin":
		script := `display notification "` + appleScriptQuote(n.Message) + `" with title "` + appleScriptQuote(n.Title) + `"`
		if n.Target != "" {
			script += ` subtitle "` + appleScriptQuote(n.Target) + `"`
		}
		return "osascript", []string{"-e", script}
	case "linux":
		return "notify-send", []string{
			"-a", "recon-orchestrator",
			"-u", urgencyForType(n.Type),
			"-i", IconForType(n.Type),
			n.Title, n.Message,
		}
	}
	return "", nil
}

func appleScriptQuote(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", " ").Replace(s)
}

func urgencyForType(t NotificationType) string {
	switch t {
	case NotifyError:
		return "critical"
	case NotifyInfo:
		return "low"
	default:
		return "normal"
	}
}

// IconForType returns an icon name for the notification type
func IconForType(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "dialog-positive"
	case NotifyWarning:
		return "dialog-warning"
	case NotifyError:
		return "dialog-error"
	default:
		return "dialog-information"
	}
}
