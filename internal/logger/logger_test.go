package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"example.com/staticserve/internal/config"
)

// readLogLines splits buffered log output into lines, dropping the
// trailing newline.
func readLogLines(buf *bytes.Buffer) []string {
	s := strings.TrimRight(buf.String(), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func parseJSONLine(t *testing.T, line string) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		t.Fatalf("log line is not valid JSON: %v\nline: %s", err, line)
	}
	return m
}

func testConfig(t *testing.T, mutate func(*config.Config)) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Static.Root = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}
	if err := cfg.Finalize(); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	return cfg
}

func TestErrorLogLevels(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriters(&buf, nil)

	l.Debug("debug entry", nil)
	l.Info("info entry", LogFields{"key": "value"})
	l.Warn("warn entry", nil)
	l.Error("error entry", LogFields{"count": 3})

	lines := readLogLines(&buf)
	if len(lines) != 4 {
		t.Fatalf("expected 4 log lines, got %d: %v", len(lines), lines)
	}

	levels := []string{"debug", "info", "warn", "error"}
	for i, line := range lines {
		m := parseJSONLine(t, line)
		if m["level"] != levels[i] {
			t.Errorf("line %d: expected level %q, got %v", i, levels[i], m["level"])
		}
		if _, ok := m["time"]; !ok {
			t.Errorf("line %d: missing time field", i)
		}
	}

	info := parseJSONLine(t, lines[1])
	if info["key"] != "value" {
		t.Errorf("expected field key=value, got %v", info["key"])
	}
	if info["message"] != "info entry" {
		t.Errorf("expected message %q, got %v", "info entry", info["message"])
	}
	errLine := parseJSONLine(t, lines[3])
	if errLine["count"] != float64(3) {
		t.Errorf("expected count=3, got %v", errLine["count"])
	}
}

func TestAccessLogEntry(t *testing.T) {
	var errBuf, accBuf bytes.Buffer
	l := NewWithWriters(&errBuf, &accBuf)

	l.Access(AccessEntry{
		RequestID:  "req-1",
		RemoteAddr: "10.0.0.1:52111",
		Method:     "GET",
		URI:        "/docs/index.html?x=1",
		Proto:      "HTTP/1.1",
		Status:     200,
		Bytes:      512,
		Duration:   42 * time.Millisecond,
		UserAgent:  "test-agent",
		Referer:    "http://example.com/",
	})

	lines := readLogLines(&accBuf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 access line, got %d", len(lines))
	}
	m := parseJSONLine(t, lines[0])

	want := map[string]interface{}{
		"request_id":  "req-1",
		"remote_addr": "10.0.0.1:52111",
		"method":      "GET",
		"uri":         "/docs/index.html?x=1",
		"proto":       "HTTP/1.1",
		"status":      float64(200),
		"bytes":       float64(512),
		"user_agent":  "test-agent",
		"referer":     "http://example.com/",
	}
	for k, v := range want {
		if m[k] != v {
			t.Errorf("field %s: expected %v, got %v", k, v, m[k])
		}
	}
	if _, ok := m["duration_ms"]; !ok {
		t.Error("missing duration_ms field")
	}
	if len(readLogLines(&errBuf)) != 0 {
		t.Error("access entry leaked into error stream")
	}
}

func TestAccessLogOmitsEmptyOptionalFields(t *testing.T) {
	var accBuf bytes.Buffer
	l := NewWithWriters(&bytes.Buffer{}, &accBuf)

	l.Access(AccessEntry{Method: "GET", URI: "/", Status: 404})

	m := parseJSONLine(t, readLogLines(&accBuf)[0])
	if _, ok := m["user_agent"]; ok {
		t.Error("empty user_agent should be omitted")
	}
	if _, ok := m["referer"]; ok {
		t.Error("empty referer should be omitted")
	}
}

func TestAccessDisabled(t *testing.T) {
	var errBuf bytes.Buffer
	l := NewWithWriters(&errBuf, nil)

	l.Access(AccessEntry{Method: "GET", URI: "/", Status: 200})

	if errBuf.Len() != 0 {
		t.Errorf("expected no output with access log disabled, got %q", errBuf.String())
	}
}

func TestWithFields(t *testing.T) {
	var buf bytes.Buffer
	root := NewWithWriters(&buf, nil)
	child := root.WithFields(LogFields{"worker": 2})

	child.Info("starting", nil)
	root.Info("leader", nil)

	lines := readLogLines(&buf)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	first := parseJSONLine(t, lines[0])
	if first["worker"] != float64(2) {
		t.Errorf("expected worker=2 on derived logger, got %v", first["worker"])
	}
	second := parseJSONLine(t, lines[1])
	if _, ok := second["worker"]; ok {
		t.Error("worker field leaked onto root logger")
	}
}

func TestNewWritesToFileTargets(t *testing.T) {
	dir := t.TempDir()
	errPath := filepath.Join(dir, "error.log")
	accPath := filepath.Join(dir, "access.log")

	cfg := testConfig(t, func(c *config.Config) {
		c.Logging.Level = "debug"
		c.Logging.ErrorLog = &config.ErrorLogConfig{Target: errPath}
		c.Logging.AccessLog = &config.AccessLogConfig{Target: accPath}
	})

	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	l.Debug("file target entry", LogFields{"n": 1})
	l.Access(AccessEntry{Method: "GET", URI: "/a", Status: 200})
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	errData, err := os.ReadFile(errPath)
	if err != nil {
		t.Fatalf("reading error log: %v", err)
	}
	if !strings.Contains(string(errData), "file target entry") {
		t.Errorf("error log missing entry: %q", errData)
	}
	accData, err := os.ReadFile(accPath)
	if err != nil {
		t.Fatalf("reading access log: %v", err)
	}
	if !strings.Contains(string(accData), `"uri":"/a"`) {
		t.Errorf("access log missing entry: %q", accData)
	}
}

func TestNewRespectsConfiguredLevel(t *testing.T) {
	dir := t.TempDir()
	errPath := filepath.Join(dir, "error.log")

	cfg := testConfig(t, func(c *config.Config) {
		c.Logging.Level = "warn"
		c.Logging.ErrorLog = &config.ErrorLogConfig{Target: errPath}
	})

	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	l.Info("below threshold", nil)
	l.Warn("at threshold", nil)
	l.Close()

	data, err := os.ReadFile(errPath)
	if err != nil {
		t.Fatalf("reading error log: %v", err)
	}
	if strings.Contains(string(data), "below threshold") {
		t.Error("info entry logged despite warn level")
	}
	if !strings.Contains(string(data), "at threshold") {
		t.Error("warn entry missing")
	}
}

func TestQuietModeSuppressesInfoAndAccess(t *testing.T) {
	dir := t.TempDir()
	errPath := filepath.Join(dir, "error.log")

	cfg := testConfig(t, func(c *config.Config) {
		quiet := true
		c.Logging.Quiet = &quiet
		c.Logging.ErrorLog = &config.ErrorLogConfig{Target: errPath}
	})

	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if l.accessEnabled {
		t.Error("access log enabled in quiet mode")
	}
	l.Info("quiet info", nil)
	l.Error("quiet error", nil)
	l.Close()

	data, err := os.ReadFile(errPath)
	if err != nil {
		t.Fatalf("reading error log: %v", err)
	}
	if strings.Contains(string(data), "quiet info") {
		t.Error("info entry logged in quiet mode")
	}
	if !strings.Contains(string(data), "quiet error") {
		t.Error("error entry missing in quiet mode")
	}
}

func TestSinkFlushDrainsBuffer(t *testing.T) {
	var buf bytes.Buffer
	s := NewSink(&buf)

	if _, err := s.Write([]byte("buffered line\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("write reached target before Flush: %q", buf.String())
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if buf.String() != "buffered line\n" {
		t.Errorf("unexpected flushed content: %q", buf.String())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, func(c *config.Config) {
		c.Logging.ErrorLog = &config.ErrorLogConfig{Target: filepath.Join(dir, "e.log")}
	})
	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestStdLoggerAdapter(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriters(&buf, nil)

	std := l.StdLogger()
	std.Print("http: TLS handshake error")

	lines := readLogLines(&buf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	m := parseJSONLine(t, lines[0])
	if m["level"] != "warn" {
		t.Errorf("expected warn level, got %v", m["level"])
	}
	if m["message"] != "http: TLS handshake error" {
		t.Errorf("unexpected message: %v", m["message"])
	}
}
