package logging

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"invalid", LevelInfo, true},
		{"", LevelInfo, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			level, err := ParseLevel(test.input)
			if test.hasError && err == nil {
				t.Error("expected error, got nil")
			}
			if !test.hasError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !test.hasError && level != test.expected {
				t.Errorf("expected %v, got %v", test.expected, level)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("json"); err != nil || f != FormatJSON {
		t.Errorf("json: got %v, %v", f, err)
	}
	if f, err := ParseFormat(""); err != nil || f != FormatText {
		t.Errorf("empty: got %v, %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected error for xml")
	}
}

func TestLevelString(t *testing.T) {
	for _, level := range []Level{LevelDebug, LevelInfo, LevelWarn, LevelError} {
		parsed, err := ParseLevel(LevelString(level))
		if err != nil || parsed != level {
			t.Errorf("level %v does not survive LevelString: %v", level, err)
		}
	}
}

func newBufferLogger(t *testing.T, format Format) (*Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Writer = &buf
	cfg.Format = format
	cfg.Component = "test"

	logger, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	t.Cleanup(func() { logger.Close() })
	return logger, &buf
}

func decodeLines(t *testing.T, data []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("invalid JSON log line %q: %v", sc.Text(), err)
		}
		out = append(out, m)
	}
	return out
}

func TestJSONFormat(t *testing.T) {
	logger, buf := newBufferLogger(t, FormatJSON)

	logger.Info("circuit saved", "path", "/tmp/top.json")

	lines := decodeLines(t, buf.Bytes())
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if lines[0]["msg"] != "circuit saved" {
		t.Errorf("unexpected msg: %v", lines[0]["msg"])
	}
	if lines[0]["component"] != "test" {
		t.Errorf("unexpected component: %v", lines[0]["component"])
	}
	if lines[0]["path"] != "/tmp/top.json" {
		t.Errorf("unexpected path: %v", lines[0]["path"])
	}
}

func TestSetLevel(t *testing.T) {
	logger, buf := newBufferLogger(t, FormatText)
	child := logger.WithComponent("router")

	child.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug line written at info level: %s", buf.String())
	}

	logger.SetLevel(LevelDebug)
	if logger.Level() != LevelDebug {
		t.Errorf("expected debug level, got %v", logger.Level())
	}
	child.Debug("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Error("derived logger did not follow the level change")
	}
	if !strings.Contains(buf.String(), "component=router") {
		t.Errorf("missing component: %s", buf.String())
	}
}

func TestRedaction(t *testing.T) {
	logger, buf := newBufferLogger(t, FormatJSON)

	logger.Info("connect", "api_token", "abc123", "session_id", "s-1", "key", "top.v")

	line := decodeLines(t, buf.Bytes())[0]
	if line["api_token"] != "[REDACTED]" {
		t.Errorf("token not redacted: %v", line["api_token"])
	}
	// Session ids and synthesis keys are not credentials.
	if line["session_id"] != "s-1" {
		t.Errorf("session_id redacted: %v", line["session_id"])
	}
	if line["key"] != "top.v" {
		t.Errorf("key redacted: %v", line["key"])
	}
}

func TestShouldRedact(t *testing.T) {
	tests := []struct {
		key      string
		expected bool
	}{
		{"password", true},
		{"PASSWORD", true},
		{"secret", true},
		{"api_key", true},
		{"token", true},
		{"refresh_token", true},
		{"bearer", true},
		{"credential", true},
		{"cookie", true},
		{"path", false},
		{"request_id", false},
		{"workspace", false},
	}

	for _, test := range tests {
		t.Run(test.key, func(t *testing.T) {
			if got := shouldRedact(test.key); got != test.expected {
				t.Errorf("shouldRedact(%q) = %v, expected %v", test.key, got, test.expected)
			}
		})
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "req-456")
	if got := RequestIDFromContext(ctx); got != "req-456" {
		t.Errorf("expected req-456, got %q", got)
	}
	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Errorf("expected empty string, got %q", got)
	}
	if got := RequestIDFromContext(nil); got != "" {
		t.Errorf("expected empty string, got %q", got)
	}
}

func TestRequestIDFromContext(t *testing.T) {
	logger, buf := newBufferLogger(t, FormatJSON)

	ctx := ContextWithRequestID(context.Background(), "p3/17")
	logger.WithComponent("controller").InfoContext(ctx, "handled")
	logger.Info("untagged")

	lines := decodeLines(t, buf.Bytes())
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lines[0]["request_id"] != "p3/17" {
		t.Errorf("unexpected request_id: %v", lines[0]["request_id"])
	}
	if lines[0]["component"] != "controller" {
		t.Errorf("unexpected component: %v", lines[0]["component"])
	}
	if _, ok := lines[1]["request_id"]; ok {
		t.Errorf("request_id on a record without one: %v", lines[1])
	}
}

func TestFanoutToFile(t *testing.T) {
	var console bytes.Buffer
	logPath := filepath.Join(t.TempDir(), "circuitd.log")

	cfg := DefaultConfig()
	cfg.Output = "both"
	cfg.Writer = &console
	cfg.FilePath = logPath

	logger, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	logger.Warn("synthesis failed", "error", "syntax error")
	if err := logger.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if !strings.Contains(console.String(), "msg=\"synthesis failed\"") {
		t.Errorf("console missing text line: %s", console.String())
	}
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := decodeLines(t, data)
	if len(lines) != 1 || lines[0]["error"] != "syntax error" {
		t.Errorf("unexpected file lines: %v", lines)
	}
}

func TestFileOnlyOutput(t *testing.T) {
	var console bytes.Buffer
	cfg := DefaultConfig()
	cfg.Output = "file"
	cfg.Writer = &console
	cfg.FilePath = filepath.Join(t.TempDir(), "circuitd.log")

	logger, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Close()

	logger.Info("quiet")
	if console.Len() != 0 {
		t.Errorf("file-only logger wrote to the console: %s", console.String())
	}
}

func TestFileRotator(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", "test.log")

	rotator, err := NewFileRotator(&Config{FilePath: logPath, MaxSize: 1, MaxBackups: 3})
	if err != nil {
		t.Fatalf("failed to create rotator: %v", err)
	}
	defer rotator.Close()

	testData := []byte("test log line\n")
	n, err := rotator.Write(testData)
	if err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	if n != len(testData) {
		t.Errorf("expected to write %d bytes, wrote %d", len(testData), n)
	}
	if _, err := os.Stat(logPath); err != nil {
		t.Errorf("log file was not created: %v", err)
	}
	if err := rotator.Sync(); err != nil {
		t.Errorf("sync failed: %v", err)
	}
}

func TestFileRotatorRequiresPath(t *testing.T) {
	if _, err := NewFileRotator(&Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestFileRotatorRotatesBySize(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "test.log")

	rotator, err := NewFileRotator(&Config{FilePath: logPath, MaxBackups: 2})
	if err != nil {
		t.Fatalf("failed to create rotator: %v", err)
	}
	rotator.maxBytes = 32

	line := []byte("0123456789abcdef0123456789\n")
	for i := 0; i < 5; i++ {
		if _, err := rotator.Write(line); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if err := rotator.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	files := rotator.Files()
	// current file plus at most MaxBackups rotated ones
	if len(files) != 3 {
		t.Errorf("expected 3 files, got %v", files)
	}
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read current log: %v", err)
	}
	if !bytes.Equal(data, line) {
		t.Errorf("current log should hold only the last line, got %q", data)
	}
}

func TestFileRotatorCompresses(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "test.log")

	rotator, err := NewFileRotator(&Config{FilePath: logPath, Compress: true, MaxBackups: 5})
	if err != nil {
		t.Fatalf("failed to create rotator: %v", err)
	}
	rotator.maxBytes = 8

	rotator.Write([]byte("first line\n"))
	rotator.Write([]byte("second line\n"))
	if err := rotator.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "test-*.log.gz"))
	if len(matches) != 1 {
		t.Errorf("expected one compressed backup, got %v", matches)
	}
}

func TestShouldRotateAtDayBoundary(t *testing.T) {
	r := &FileRotator{maxBytes: 1 << 20, size: 10, openedAt: time.Date(2026, 3, 1, 23, 59, 0, 0, time.Local)}

	if r.shouldRotate(1, time.Date(2026, 3, 1, 23, 59, 30, 0, time.Local)) {
		t.Error("rotated within the same day")
	}
	if !r.shouldRotate(1, time.Date(2026, 3, 2, 0, 0, 1, 0, time.Local)) {
		t.Error("did not rotate after midnight")
	}

	r.size = 0
	if r.shouldRotate(1, time.Date(2026, 3, 2, 0, 0, 1, 0, time.Local)) {
		t.Error("empty file should not rotate")
	}
}
