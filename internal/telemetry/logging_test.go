package telemetry

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLoggerWritesJSONL(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Info("hello", "chat_id", 42)
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["msg"] != "hello" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Error("missing timestamp key")
	}
}

func TestRedactsSensitiveKeys(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Info("auth", "api_key", "sk-abc123abc123abc123abc123", "bot_token", "123456789:AAHsomethingverysecretandlong12345")
	closer.Close()

	data, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if strings.Contains(string(data), "sk-abc123") {
		t.Error("api key leaked into log")
	}
	if strings.Contains(string(data), "AAHsomething") {
		t.Error("bot token leaked into log")
	}
}

func TestRedactStringValue(t *testing.T) {
	cases := []struct {
		in       string
		redacted bool
	}{
		{"plain text", false},
		{"Bearer abcdef", true},
		{"authorization: Basic xyz", true},
		{"token 123456789:AAHx_listerine-padded-token-value-00", true},
		{"key sk-proj_abcdefghijklmnopqrstu", true},
	}
	for _, tc := range cases {
		_, got := redactStringValue(tc.in)
		if got != tc.redacted {
			t.Errorf("redactStringValue(%q) = %v, want %v", tc.in, got, tc.redacted)
		}
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
