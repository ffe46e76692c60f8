package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// capture re-initializes the global logger into a buffer for one test.
func capture(t *testing.T, level Level) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	Init(Config{Level: level, Output: &buf})
	t.Cleanup(func() { Init(DefaultConfig()) })
	return &buf
}

// lines decodes every JSON log line in buf.
func lines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("log line is not JSON: %q", line)
		}
		out = append(out, m)
	}
	return out
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"DEBUG":     DebugLevel,
		"  debug  ": DebugLevel,
		"info":      InfoLevel,
		"WARN":      WarnLevel,
		"warning":   WarnLevel,
		"Error":     ErrorLevel,
		"FATAL":     FatalLevel,
		"":          InfoLevel,
		"verbose":   InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	buf := capture(t, WarnLevel)

	Debug().Msg("published")
	Info().Msg("channel created")
	Warn().Str("session", "01J").Msg("queue overflow")
	Error().Err(os.ErrNotExist).Msg("persist failed")

	got := lines(t, buf)
	if len(got) != 2 {
		t.Fatalf("expected 2 lines at warn level, got %d: %s", len(got), buf.String())
	}
	if got[0]["message"] != "queue overflow" || got[0]["session"] != "01J" {
		t.Errorf("unexpected warn line: %v", got[0])
	}
	if got[1]["error"] != os.ErrNotExist.Error() {
		t.Errorf("expected error field, got %v", got[1])
	}
	if _, ok := got[1]["time"]; !ok {
		t.Errorf("expected timestamp, got %v", got[1])
	}
}

func TestComponent(t *testing.T) {
	buf := capture(t, DebugLevel)

	hubLog := Component("hub")
	hubLog.Debug().Str("channel", "count").Uint64("sequence", 3).Msg("published")
	httpLog := With().Str("component", "http").Logger()
	httpLog.Info().Msg("listening")

	got := lines(t, buf)
	if len(got) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(got))
	}
	if got[0]["component"] != "hub" || got[0]["channel"] != "count" || got[0]["sequence"] != 3.0 {
		t.Errorf("unexpected component line: %v", got[0])
	}
	if got[1]["component"] != "http" {
		t.Errorf("unexpected With line: %v", got[1])
	}
}

func TestPrettyOutput(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, Output: &buf, Pretty: true})
	defer Init(DefaultConfig())

	Info().Msg("pretty line")
	if !strings.Contains(buf.String(), "pretty line") {
		t.Errorf("expected message in console output, got %q", buf.String())
	}
	if json.Valid(bytes.TrimSpace(buf.Bytes())) {
		t.Errorf("console output should not be JSON: %q", buf.String())
	}
}

func TestLogToFile(t *testing.T) {
	dir := t.TempDir()
	Init(Config{Level: InfoLevel, Output: &bytes.Buffer{}, LogToFile: true, LogDir: dir})
	defer Init(DefaultConfig())

	Info().Msg("to file")

	path := GetLogFilePath()
	if filepath.Dir(path) != dir {
		t.Fatalf("log file %q not in %q", path, dir)
	}
	name := filepath.Base(path)
	if !strings.HasPrefix(name, "patchsync-") || !strings.HasSuffix(name, ".log") {
		t.Errorf("unexpected log file name %q", name)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(content), "to file") {
		t.Errorf("log file missing message: %s", content)
	}

	Close()
	if GetLogFilePath() != "" {
		t.Error("expected no log file after Close")
	}
}

func TestReinitClosesPreviousFile(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Level: InfoLevel, Output: &bytes.Buffer{}, LogToFile: true, LogDir: dir}

	Init(cfg)
	first := GetLogFilePath()

	// File names have second resolution.
	time.Sleep(time.Second)
	Init(cfg)
	defer Init(DefaultConfig())
	second := GetLogFilePath()

	if first == "" || first == second {
		t.Fatalf("expected a new log file on reinit, got %q and %q", first, second)
	}
	for _, p := range []string{first, second} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("log file %s: %v", p, err)
		}
	}

	Init(Config{Level: InfoLevel, Output: &bytes.Buffer{}})
	if GetLogFilePath() != "" {
		t.Error("expected no log file when LogToFile is off")
	}
}

func TestInitDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Level != InfoLevel || cfg.Output != os.Stderr || cfg.TimeFormat != time.RFC3339 || cfg.LogDir != "/tmp" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}

	// Zero values fall back to the defaults without panicking.
	Init(Config{Level: InfoLevel})
	Info().Msg("defaults")
	Init(DefaultConfig())
}
