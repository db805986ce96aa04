package log

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLogger_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "minerd", "1.2.3", "info", "json").
		WithComponent("session").
		WithUser("u-42")

	logger.LogSessionStopped("completed", 0.36, 12.5)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, buf.String())
	}

	want := map[string]any{
		"service":   "minerd",
		"version":   "1.2.3",
		"component": "session",
		"user_id":   "u-42",
		"reason":    "completed",
		"msg":       "mining session stopped",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("field %s = %v, want %v", k, entry[k], v)
		}
	}
}

func TestLogger_WithContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "minerd", "dev", "info", "text")

	ctx := context.WithValue(context.Background(), RequestIDKey, "req-1")
	logger.WithContext(ctx).Info("hello")

	if !strings.Contains(buf.String(), "request_id=req-1") {
		t.Errorf("request id missing from %q", buf.String())
	}
}

func TestLogger_WithErrorNil(t *testing.T) {
	logger := Discard()
	if logger.WithError(nil) != logger {
		t.Error("WithError(nil) should return the same logger")
	}
}

func TestLogConnectivity_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "minerd", "dev", "warn", "text")

	logger.LogConnectivity(true, "fetch ok")
	if buf.Len() != 0 {
		t.Errorf("online transition should log at info, got %q", buf.String())
	}

	logger.LogConnectivity(false, "fetch timeout")
	if !strings.Contains(buf.String(), "offline mode") {
		t.Errorf("offline transition missing from %q", buf.String())
	}
}
