package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"teamsync/internal/config"
)

func TestNewConsoleLineAddsServiceAndColor(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	logger, closeFn, err := New(config.LogConfig{
		Console: config.LogSinkConfig{Enabled: true, Level: "info", Format: "line"},
	}, Options{Console: &out, Service: "teamsync"})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closeFn()

	logger.Debug("hidden")
	logger.Warn("selection throttled", "key", "team/T1")
	line := out.String()
	if strings.Contains(line, "hidden") {
		t.Fatalf("debug record must be filtered: %q", line)
	}
	if !strings.Contains(line, "service=teamsync") || !strings.HasPrefix(line, ansiYellow) {
		t.Fatalf("unexpected line %q", line)
	}
	if !strings.Contains(line, ansiGreen+"team/T1") {
		t.Fatalf("expected resource key highlight: %q", line)
	}
}

func TestNewTeeWritesJSONFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "teamsync.log")
	var out bytes.Buffer
	logger, closeFn, err := New(config.LogConfig{
		Console: config.LogSinkConfig{Enabled: true, Level: "error", Format: "json"},
		File:    config.LogSinkConfig{Enabled: true, Level: "debug", Format: "json", Path: path},
	}, Options{Console: &out})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("subscription retry scheduled", "attempt", 1)
	closeFn()

	body, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(body), `"attempt":1`) {
		t.Fatalf("expected record in file sink: %q", body)
	}
	if out.Len() != 0 {
		t.Fatalf("console sink must filter info records: %q", out.String())
	}
}

func TestNewRejectsNoSinks(t *testing.T) {
	t.Parallel()

	if _, _, err := New(config.LogConfig{}, Options{}); err == nil {
		t.Fatalf("expected error without sinks")
	}
	if _, err := parseLevel("verbose"); err == nil {
		t.Fatalf("expected unsupported level error")
	}
}
