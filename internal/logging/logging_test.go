package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"debug", slog.LevelDebug, false},
		{"WARN", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNew_JSONToWriter(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{Format: "json", Level: "debug", Output: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Debug("sweep finished", "component", "messaging", "retried", 2)

	out := buf.String()
	if !strings.Contains(out, `"msg":"sweep finished"`) || !strings.Contains(out, `"retried":2`) {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestNew_LevelVar(t *testing.T) {
	var buf bytes.Buffer
	lv := new(slog.LevelVar)
	l, err := New(Options{Level: "warn", Output: &buf, LevelVar: lv})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if lv.Level() != slog.LevelWarn {
		t.Fatalf("level var not seeded: %v", lv.Level())
	}
	l.Info("hidden")
	lv.Set(slog.LevelInfo)
	l.Info("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestNew_FileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "hivemind.log")
	l, err := New(Options{Path: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Info("deadlock resolved", "cycle", "a,b")
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "deadlock resolved") {
		t.Errorf("log file missing record: %s", data)
	}
}

func TestNew_UnknownFormat(t *testing.T) {
	if _, err := New(Options{Format: "xml"}); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestNilLoggerClose(t *testing.T) {
	var l *Logger
	if err := l.Close(); err != nil {
		t.Errorf("nil Close = %v", err)
	}
	if OrNop(nil) == nil {
		t.Error("OrNop(nil) returned nil")
	}
}
