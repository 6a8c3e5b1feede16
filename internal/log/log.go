// Package log builds the logrus loggers used across the orchestrator.
package log

import (
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

// MaskValue replaces sensitive field values
const MaskValue = "***REDACTED***"

var sensitiveKeywords = []string{
	"password", "passwd", "secret", "token", "auth",
	"credential", "private", "cookie", "session", "api_key", "apikey",
}

var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^eyJ[A-Za-z0-9_-]*\.eyJ[A-Za-z0-9_-]*\.[A-Za-z0-9_-]*$`),
	regexp.MustCompile(`(?i)^bearer\s+.+`),
	regexp.MustCompile(`(?i)^basic\s+[A-Za-z0-9+/=]+$`),
	regexp.MustCompile(`^AKIA[0-9A-Z]{16}$`),
	regexp.MustCompile(`^\d{6,}:[A-Za-z0-9_-]{30,}$`),
	regexp.MustCompile(`(?i)-----BEGIN.*(PRIVATE|SECRET).*KEY-----`),
}

// telegramURL matches bot tokens embedded in Bot API URLs inside messages
var telegramURL = regexp.MustCompile(`/bot\d{6,}:[A-Za-z0-9_-]+`)

// RedactingFormatter masks sensitive fields before delegating to Inner
type RedactingFormatter struct {
	Inner logrus.Formatter
}

// Format implements logrus.Formatter
func (f *RedactingFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	clean := entry.WithFields(nil)
	clean.Time = entry.Time
	clean.Level = entry.Level
	clean.Caller = entry.Caller
	clean.Message = telegramURL.ReplaceAllString(entry.Message, "/bot"+MaskValue)
	clean.Data = make(logrus.Fields, len(entry.Data))
	for k, v := range entry.Data {
		clean.Data[k] = redact(k, v)
	}
	return f.Inner.Format(clean)
}

func redact(key string, v interface{}) interface{} {
	lower := strings.ToLower(key)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(lower, kw) {
			return MaskValue
		}
	}
	switch val := v.(type) {
	case string:
		for _, p := range sensitivePatterns {
			if p.MatchString(val) {
				return MaskValue
			}
		}
		return telegramURL.ReplaceAllString(val, "/bot"+MaskValue)
	case error:
		return telegramURL.ReplaceAllString(val.Error(), "/bot"+MaskValue)
	}
	return v
}

// New creates a logger writing redacted text lines to out.
// Unknown levels fall back to info.
func New(level string, out io.Writer) *logrus.Logger {
	logger := logrus.New()
	if out == nil {
		out = os.Stderr
	}
	logger.SetOutput(out)
	logger.SetLevel(ParseLevel(level))
	logger.SetFormatter(&RedactingFormatter{Inner: &logrus.TextFormatter{FullTimestamp: true}})
	return logger
}

// ParseLevel maps a level name to a logrus level
func ParseLevel(level string) logrus.Level {
	lvl, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// Discard returns a logger that drops everything
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// OpenRunnerLog creates a logger that appends to path and, when also is
// non-nil, mirrors to it. Close the returned file when the run ends.
func OpenRunnerLog(path, level string, also io.Writer) (*logrus.Logger, io.Closer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	var out io.Writer = f
	if also != nil {
		out = io.MultiWriter(f, also)
	}
	logger := New(level, out)
	logger.SetFormatter(&RedactingFormatter{Inner: &logrus.TextFormatter{FullTimestamp: true, DisableColors: true}})
	return logger, f, nil
}
