package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewWithWriterEmitsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info")

	logger.Debug("hidden")
	logger.Info("reserved", "appointment_id", 7)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected exactly one JSON line, got %q: %v", buf.String(), err)
	}
	if entry["msg"] != "reserved" {
		t.Fatalf("unexpected msg %v", entry["msg"])
	}
	if entry["appointment_id"] != float64(7) {
		t.Fatalf("unexpected appointment_id %v", entry["appointment_id"])
	}
}

func TestContextRoundTrip(t *testing.T) {
	base := Discard()
	ctx := ContextWithLogger(context.Background(), base)

	if got := FromContext(ctx, nil); got != base {
		t.Fatalf("expected logger from context")
	}

	fallback := Discard()
	if got := FromContext(context.Background(), fallback); got != fallback {
		t.Fatalf("expected fallback logger")
	}
	if got := FromContext(context.Background(), nil); got != slog.Default() {
		t.Fatalf("expected slog.Default when nothing is set")
	}
}
