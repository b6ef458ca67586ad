package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"info", slog.LevelInfo},
		{" DEBUG ", slog.LevelDebug},
		{"Verbose", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"Warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if err != nil {
			t.Fatalf("ParseLevel(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}

	if _, err := ParseLevel("loud"); err == nil {
		t.Error("ParseLevel(loud) expected error")
	}
}

func TestNewHandler_JSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	h, err := NewHandler(&buf, "warn", "json")
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	log := slog.New(h)
	log.Info("Dropped.")
	log.Warn("Kept.", "node", "n1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if rec["msg"] != "Kept." || rec["node"] != "n1" {
		t.Errorf("record = %v", rec)
	}
}

func TestNewHandler_InvalidFormat(t *testing.T) {
	t.Parallel()

	if _, err := NewHandler(&bytes.Buffer{}, "info", "xml"); err == nil {
		t.Error("NewHandler(xml) expected error")
	}
}

func TestWithMinLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	h, err := NewHandler(&buf, "debug", "json")
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	log := slog.New(WithMinLevel(h, slog.LevelWarn)).With("node", "n1")
	if log.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Enabled(info) = true, want false below the floor")
	}
	log.Info("Dropped.")
	log.Warn("Kept.")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if rec["msg"] != "Kept." || rec["node"] != "n1" {
		t.Errorf("record = %v", rec)
	}
}
