package logs

import (
	"bytes"
	"encoding/json"
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
		{"debug", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseLevel(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseLevel(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewFansOutToFile(t *testing.T) {
	var terminal bytes.Buffer
	file := filepath.Join(t.TempDir(), "daebug.log")

	logger, closeFn, err := New(&terminal, slog.LevelInfo, file)
	if err != nil {
		t.Fatal(err)
	}

	logger.Info("hello", "page", "test-page")
	logger.Debug("invisible")
	if err := closeFn(); err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(terminal.String(), "hello") {
		t.Error("terminal handler missed the record")
	}
	if strings.Contains(terminal.String(), "invisible") {
		t.Error("debug record leaked past info level")
	}

	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatal(err)
	}
	var record map[string]any
	if err := json.Unmarshal(data, &record); err != nil {
		t.Fatalf("file copy is not JSON: %v", err)
	}
	if record["msg"] != "hello" {
		t.Errorf("expected msg %q, got %v", "hello", record["msg"])
	}
}
