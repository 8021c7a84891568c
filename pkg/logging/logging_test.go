package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" INFO ":  slog.LevelInfo,
		"":        slog.LevelInfo,
		"warning": slog.LevelWarn,
		"warn":    slog.LevelWarn,
		"Error":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := map[string]struct {
		level, format string
		wantErr       bool
	}{
		"defaults":     {},
		"debug_json":   {level: "debug", format: "json"},
		"bad_level":    {level: "loud", wantErr: true},
		"bad_format":   {format: "xml", wantErr: true},
		"upper_format": {format: "JSON"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := New(Options{Level: tc.level, Format: tc.format, Output: &bytes.Buffer{}})
			if (err != nil) != tc.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestNewJSONFiltersByLevel(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger, err := New(Options{Level: "warn", Format: "json", Output: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("dropped")
	logger.Warn("kept", "user", "alice")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("unmarshal %q: %v", lines[0], err)
	}
	got := map[string]any{"level": rec["level"], "msg": rec["msg"], "user": rec["user"]}
	want := map[string]any{"level": "WARN", "msg": "kept", "user": "alice"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}
}

func TestOptionsFromEnv(t *testing.T) {
	t.Setenv("RENDEZVOUS_LOG_LEVEL", "debug")
	t.Setenv("RENDEZVOUS_LOG_FORMAT", "")

	got := OptionsFromEnv("RENDEZVOUS_", Options{Level: "info", Format: "text"})
	want := Options{Level: "debug", Format: "text"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("OptionsFromEnv mismatch (-want +got):\n%s", diff)
	}
}
