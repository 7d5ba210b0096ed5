package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"", zerolog.WarnLevel},
		{"debug", zerolog.DebugLevel},
		{" INFO ", zerolog.InfoLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"trace", zerolog.TraceLevel},
		{"loud", zerolog.WarnLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := parseLogLevel(tt.in, zerolog.WarnLevel); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNew_WritesStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, zerolog.InfoLevel, false)
	log.Debug().Msg("hidden")
	log.Info().Str("component", "test").Msg("hello")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if entry["message"] != "hello" || entry["component"] != "test" || entry["time"] == nil {
		t.Errorf("entry: got %v", entry)
	}
}

func TestInitWithOptions_File(t *testing.T) {
	t.Setenv("LOG_LEVEL", "info")
	path := filepath.Join(t.TempDir(), "q.log")

	log, err := InitWithOptions(path, false, zerolog.WarnLevel)
	if err != nil {
		t.Fatalf("InitWithOptions failed: %v", err)
	}
	log.Info().Msg("to file")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "to file") {
		t.Errorf("log file missing entry: %q", data)
	}

	if _, err := InitWithOptions(filepath.Join(t.TempDir(), "missing", "q.log"), false, zerolog.WarnLevel); err == nil {
		t.Error("expected error for unwritable path")
	}
}
