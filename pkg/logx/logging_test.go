package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func decodeLines(t *testing.T, b []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(b), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(line, &m); err != nil {
			t.Fatalf("bad log line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestWriterFieldsAndLevels(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "relay"))

	log.Debug("hidden")
	log.Info("relay call ok", Int64("external_id", 42), Duration("took", 1500*time.Millisecond), Bool("retry", false))
	log.Warn("relay call failed", Err(errors.New("unavailable")), Err(nil))

	lines := decodeLines(t, buf.Bytes())
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2:\n%s", len(lines), buf.String())
	}
	first := lines[0]
	if first["message"] != "relay call ok" || first["level"] != "info" || first["comp"] != "relay" {
		t.Fatalf("first line = %v", first)
	}
	if first["external_id"] != float64(42) || first["retry"] != false {
		t.Fatalf("first line fields = %v", first)
	}
	if c, _ := first["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller = %q, want logging_test.go:<line>", c)
	}
	if lines[1]["err"] != "unavailable" {
		t.Fatalf("err field = %v, want unavailable", lines[1]["err"])
	}
}

func TestWithDoesNotLeakFields(t *testing.T) {
	var buf bytes.Buffer
	root := NewWriter(&buf, "debug")
	_ = root.With(String("comp", "a"))
	root.Info("plain")
	if lines := decodeLines(t, buf.Bytes()); lines[0]["comp"] != nil {
		t.Fatalf("parent logger gained child field: %v", lines[0])
	}
}

func TestZeroAndNop(t *testing.T) {
	var zero Logger
	if !zero.IsZero() {
		t.Fatal("zero Logger IsZero() = false")
	}
	zero.Info("must not panic")
	if Nop().IsZero() {
		t.Fatal("Nop().IsZero() = true")
	}
	if Nop().Enabled(LevelError) {
		t.Fatal("Nop logger reports error level enabled")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"trace", LevelTrace},
		{"DEBUG", LevelDebug},
		{" info ", LevelInfo},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"loud", LevelInfo},
		{"", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in, LevelInfo); got != tt.want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestServiceApplySwapsSinkAndLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notifyfwd.log")
	svc, log := New(Config{Level: "warn", File: FileConfig{Enabled: true, Path: path}})
	t.Cleanup(func() { _ = svc.Close() })

	log.Info("dropped at warn")
	log.Warn("kept")
	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	log.Debug("kept after apply")

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := decodeLines(t, b)
	if len(lines) != 2 || lines[0]["message"] != "kept" || lines[1]["message"] != "kept after apply" {
		t.Fatalf("file lines = %v", lines)
	}
}
