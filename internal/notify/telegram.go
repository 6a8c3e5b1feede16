package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// DefaultTelegramAPI is the Bot API base URL
const DefaultTelegramAPI = "https://api.telegram.org"

const (
	telegramTextLimit    = 4096
	telegramCaptionLimit = 1024
)

// TelegramNotifier delivers notifications to one chat through the Bot API.
// Notifications with an attachment are sent as documents.
type TelegramNotifier struct {
	token   string
	chatID  string
	baseURL string
	client  *http.Client
}

// TelegramOption configures a TelegramNotifier
type TelegramOption func(*TelegramNotifier)

// WithTelegramAPI points the notifier at a different API base URL
func WithTelegramAPI(baseURL string) TelegramOption {
	return func(t *TelegramNotifier) { t.baseURL = baseURL }
}

// NewTelegramNotifier creates a notifier. An empty token or chat disables it.
func NewTelegramNotifier(token, chatID string, opts ...TelegramOption) *TelegramNotifier {
	t := &TelegramNotifier{
		token:   token,
		chatID:  chatID,
		baseURL: DefaultTelegramAPI,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Send sends the notification as a message, or as a document when it
// carries an attachment.
func (t *TelegramNotifier) Send(n Notification) error {
	if t.token == "" || t.chatID == "" {
		return nil // Disabled
	}
	text := n.Title
	if n.Message != "" {
		text += "\n" + n.Message
	}
	if n.Attachment != "" {
		return t.sendDocument(n.Attachment, clip(text, telegramCaptionLimit))
	}
	return t.sendMessage(clip(text, telegramTextLimit))
}

func (t *TelegramNotifier) sendMessage(text string) error {
	payload, err := json.Marshal(map[string]string{
		"chat_id": t.chatID,
		"text":    text,
	})
	if err != nil {
		return err
	}
	resp, err := t.client.Post(t.endpoint("sendMessage"), "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	return checkTelegram(resp)
}

func (t *TelegramNotifier) sendDocument(path, caption string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening attachment: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("chat_id", t.chatID); err != nil {
		return err
	}
	if caption != "" {
		if err := w.WriteField("caption", caption); err != nil {
			return err
		}
	}
	part, err := w.CreateFormFile("document", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	resp, err := t.client.Post(t.endpoint("sendDocument"), w.FormDataContentType(), &body)
	if err != nil {
		return err
	}
	return checkTelegram(resp)
}

func (t *TelegramNotifier) endpoint(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", t.baseURL, t.token, method)
}

func checkTelegram(resp *http.Response) error {
	defer resp.Body.Close()
	var r telegramResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return fmt.Errorf("telegram returned %d", resp.StatusCode)
	}
	if !r.OK {
		return fmt.Errorf("telegram returned %d: %s", resp.StatusCode, r.Description)
	}
	return nil
}

func clip(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-1]) + "…"
}
