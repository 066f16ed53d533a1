package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// NewLogger builds the process logger: JSON lines to stdout and to
// $OBSERVER_HOME/logs/system.jsonl, with secret-bearing attributes redacted.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}

	logFilePath := filepath.Join(logDir, "system.jsonl")
	file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	lvl := parseLevel(level)
	var w io.Writer
	if quiet {
		w = file
	} else {
		w = io.MultiWriter(os.Stdout, file)
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "timestamp"
			}
			if shouldRedactKey(a.Key) {
				return slog.String(a.Key, "[REDACTED]")
			}
			if a.Value.Kind() == slog.KindString {
				if redacted, ok := redactStringValue(a.Value.String()); ok {
					return slog.String(a.Key, redacted)
				}
			}
			return a
		},
	})
	logger := slog.New(handler).With("component", "observer")
	return logger, file, nil
}

func shouldRedactKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	sensitiveTokens := []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer"}
	for _, token := range sensitiveTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

// Telegram bot tokens ("123456789:AA...") and sk-style API keys.
var secretPattern = regexp.MustCompile(`\b(\d{8,10}:[A-Za-z0-9_-]{30,}|sk-[A-Za-z0-9_-]{20,})\b`)

func redactStringValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "bearer ") || strings.Contains(lower, "authorization:") {
		return "[REDACTED]", true
	}
	redacted := secretPattern.ReplaceAllString(v, "[REDACTED]")
	if redacted != v {
		return redacted, true
	}
	return v, false
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
