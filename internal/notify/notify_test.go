package notify

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hochfrequenz/recon-orchestrator/internal/domain"
)

func TestSlackMessage_Build(t *testing.T) {
	msg := SlackMessage{
		Text: "example.com: run completed",
		Attachments: []SlackAttachment{
			{
				Color: "good",
				Title: "run-1",
				Text:  "5/5 tasks done",
			},
		},
	}

	payload, err := msg.ToJSON()
	if err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(string(payload), `"color":"good"`) {
		t.Errorf("payload = %s", payload)
	}
}

func TestSlackNotifier_Send(t *testing.T) {
	var got SlackMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewSlackNotifier(server.URL)
	notifier.now = func() time.Time { return time.Unix(1700000000, 0) }
	err := notifier.Send(Notification{
		Title:      "Test",
		Message:    "Test message",
		Type:       NotifyError,
		Target:     "example.com",
		RunID:      "run-1",
		Attachment: "/work/example.com/reports/summary.md",
	})

	if err != nil {
		t.Errorf("Send failed: %v", err)
	}
	if got.Text != "Test" || len(got.Attachments) != 1 || got.Attachments[0].Title != "example.com" {
		t.Fatalf("unexpected message %+v", got)
	}
	a := got.Attachments[0]
	if a.Color != "danger" {
		t.Errorf("Color = %q, want danger", a.Color)
	}
	if a.Ts != 1700000000 {
		t.Errorf("Ts = %d", a.Ts)
	}
	want := []SlackField{{Title: "Run", Value: "run-1", Short: true}, {Title: "Report", Value: "summary.md", Short: true}}
	if len(a.Fields) != len(want) || a.Fields[0] != want[0] || a.Fields[1] != want[1] {
		t.Errorf("Fields = %+v, want %+v", a.Fields, want)
	}
}

func TestSlackNotifier_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid_payload", http.StatusBadRequest)
	}))
	defer server.Close()

	err := NewSlackNotifier(server.URL).Send(Notification{Title: "x"})
	if err == nil || !strings.Contains(err.Error(), "400: invalid_payload") {
		t.Errorf("Send() = %v, want 400 error with body", err)
	}
}

func TestDesktopCommand(t *testing.T) {
	n := Notification{Title: `say "hi"`, Message: "done", Type: NotifyError, Target: "example.com"}

	name, args := desktopCommand("linux", n)
	if name != "notify-send" {
		t.Fatalf("name = %q", name)
	}
	if strings.Join(args[:6], " ") != "-a recon-orchestrator -u critical -i dialog-error" {
		t.Errorf("args = %q", args)
	}

	name, args = desktopCommand("darwin", n)
	if name != "osascript" || !strings.Contains(args[1], `with title "say \"hi\""`) || !strings.Contains(args[1], `subtitle "example.com"`) {
		t.Errorf("darwin command = %s %q", name, args)
	}

	if name, _ := desktopCommand("plan9", n); name != "" {
		t.Errorf("plan9 command = %q, want none", name)
	}
}

func TestDesktopNotifier_Disabled(t *testing.T) {
	d := NewDesktopNotifier(false)
	d.run = func(string, ...string) error { return errors.New("should not run") }
	if err := d.Send(Notification{Title: "x"}); err != nil {
		t.Errorf("Send() = %v", err)
	}
}

func TestSlackNotifier_Disabled(t *testing.T) {
	if err := NewSlackNotifier("").Send(Notification{Title: "x"}); err != nil {
		t.Errorf("disabled notifier returned %v", err)
	}
}

func TestNotificationTypeColors(t *testing.T) {
	tests := []struct {
		typ  NotificationType
		want string
	}{
		{NotifySuccess, "good"},
		{NotifyWarning, "warning"},
		{NotifyError, "danger"},
		{NotifyInfo, "#439FE0"},
	}

	for _, tt := range tests {
		got := SlackColor(tt.typ)
		if got != tt.want {
			t.Errorf("SlackColor(%v) = %s, want %s", tt.typ, got, tt.want)
		}
	}
}

func TestMultiNotifier(t *testing.T) {
	var called []string

	mock1 := &mockNotifier{name: "mock1", calls: &called, err: errors.New("boom")}
	mock2 := &mockNotifier{name: "mock2", calls: &called}

	multi := NewMultiNotifier(mock1, mock2)
	err := multi.Send(Notification{Title: "Test"})

	if len(called) != 2 {
		t.Errorf("Expected 2 calls, got %d", len(called))
	}
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("Send() = %v, want the failing notifier's error", err)
	}
}

type mockNotifier struct {
	name  string
	calls *[]string
	err   error
}

func (m *mockNotifier) Send(n Notification) error {
	*m.calls = append(*m.calls, m.name)
	return m.err
}

func TestTelegramNotifier_SendMessage(t *testing.T) {
	var path string
	var body map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		json.NewDecoder(r.Body).Decode(&body)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	n := NewTelegramNotifier("123:tok", "42", WithTelegramAPI(server.URL))
	if err := n.Send(Notification{Title: "example.com: run completed", Message: "5/5 tasks done"}); err != nil {
		t.Fatalf("Send() = %v", err)
	}
	if path != "/bot123:tok/sendMessage" {
		t.Errorf("path = %q", path)
	}
	if body["chat_id"] != "42" || body["text"] != "example.com: run completed\n5/5 tasks done" {
		t.Errorf("body = %v", body)
	}
}

func TestTelegramNotifier_SendDocument(t *testing.T) {
	attachment := filepath.Join(t.TempDir(), "summary.md")
	if err := os.WriteFile(attachment, []byte("# Summary\n"), 0644); err != nil {
		t.Fatal(err)
	}

	var path, chat, caption, filename, content string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm: %v", err)
		}
		chat = r.FormValue("chat_id")
		caption = r.FormValue("caption")
		f, hdr, err := r.FormFile("document")
		if err == nil {
			filename = hdr.Filename
			data, _ := io.ReadAll(f)
			content = string(data)
			f.Close()
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	n := NewTelegramNotifier("123:tok", "42", WithTelegramAPI(server.URL))
	err := n.Send(Notification{Title: "report", Attachment: attachment})
	if err != nil {
		t.Fatalf("Send() = %v", err)
	}
	if path != "/bot123:tok/sendDocument" {
		t.Errorf("path = %q", path)
	}
	if chat != "42" || caption != "report" || filename != "summary.md" || content != "# Summary\n" {
		t.Errorf("chat=%q caption=%q filename=%q content=%q", chat, caption, filename, content)
	}
}

func TestTelegramNotifier_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"ok":false,"description":"Bad Request: chat not found"}`))
	}))
	defer server.Close()

	err := NewTelegramNotifier("t", "1", WithTelegramAPI(server.URL)).Send(Notification{Title: "x"})
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Errorf("Send() = %v, want chat not found", err)
	}
}

func TestTelegramNotifier_Disabled(t *testing.T) {
	if err := NewTelegramNotifier("", "").Send(Notification{Title: "x"}); err != nil {
		t.Errorf("disabled notifier returned %v", err)
	}
}

func TestClip(t *testing.T) {
	if got := clip("abcdef", 4); got != "abc…" {
		t.Errorf("clip() = %q", got)
	}
	if got := clip("abc", 4); got != "abc" {
		t.Errorf("clip() = %q", got)
	}
}

func TestForRun(t *testing.T) {
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(3 * time.Minute)
	snap := &domain.Snapshot{
		Run: domain.Run{ID: "r1", Target: "example.com", Status: domain.RunFailed, StartedAt: start, FinishedAt: &end},
		Tasks: []domain.TaskInstance{
			{Name: "a", State: domain.TaskSucceeded},
			{Name: "b", State: domain.TaskFailed},
			{Name: "c", State: domain.TaskSkipped},
		},
	}

	n := ForRun(snap, end)
	if n.Title != "example.com: run failed" {
		t.Errorf("Title = %q", n.Title)
	}
	if n.Type != NotifyError {
		t.Errorf("Type = %v, want NotifyError", n.Type)
	}
	for _, want := range []string{"3/3 tasks done", "1 failed", "1 skipped", "took 3 minutes"} {
		if !strings.Contains(n.Message, want) {
			t.Errorf("Message %q missing %q", n.Message, want)
		}
	}
}
