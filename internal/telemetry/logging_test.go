package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/clawgov/internal/shared"
)

func lastEntry(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		t.Fatalf("expected at least one log line")
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry); err != nil {
		t.Fatalf("unmarshal log json: %v", err)
	}
	return entry
}

func TestNewLogger_EmitsStructuredSchema(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "debug", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("task transitioned", "task_id", "T-1", "to", "READY")

	raw, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	entry := lastEntry(t, raw)
	for _, key := range []string{"timestamp", "level", "msg", "component", "trace_id"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing required key %q in log entry: %#v", key, entry)
		}
	}
	if entry["component"] != "clawgov" {
		t.Fatalf("expected component=clawgov, got %#v", entry["component"])
	}
	if entry["task_id"] != "T-1" {
		t.Fatalf("expected task_id propagation, got %#v", entry["task_id"])
	}
}

func TestNewLoggerTo_RedactsSensitiveFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "info")

	logger.Info("ext call",
		"sig", "0123456789abcdef",
		"caller_secret", "abc123",
		"auth_header", "Authorization: Bearer super-secret-token",
		"provider", "mock",
	)

	entry := lastEntry(t, buf.Bytes())
	for _, key := range []string{"sig", "caller_secret", "auth_header"} {
		if entry[key] != "[REDACTED]" {
			t.Fatalf("expected %s redaction, got %#v", key, entry[key])
		}
	}
	if entry["provider"] != "mock" {
		t.Fatalf("provider should pass through, got %#v", entry["provider"])
	}
}

func TestNewLoggerTo_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "warn")
	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %q", buf.String())
	}
	logger.Warn("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Fatalf("warn missing: %q", buf.String())
	}
}

func TestFromContext_AttachesCallerAndTrace(t *testing.T) {
	var buf bytes.Buffer
	base := NewLoggerTo(&buf, "info")
	ctx := shared.WithCaller(shared.WithTraceID(context.Background(), "trace-9"), "dev")
	ctx = shared.WithRequestID(ctx, "req-1")

	FromContext(ctx, base).Info("decided")

	entry := lastEntry(t, buf.Bytes())
	if entry["caller"] != "dev" || entry["request_id"] != "req-1" {
		t.Fatalf("missing context attrs: %#v", entry)
	}
	if !strings.Contains(buf.String(), `"trace_id":"trace-9"`) {
		t.Fatalf("trace id not attached: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		" error ": slog.LevelError,
		"loud":    slog.LevelInfo,
	} {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestScrubString_MasksTokenShapes(t *testing.T) {
	out, changed := scrubString("upstream key sk-abcdefghijklmnopqrstuvwx rejected")
	if !changed || strings.Contains(out, "abcdefghijklmnop") {
		t.Fatalf("token survived: %q", out)
	}
	if _, changed := scrubString("plain message"); changed {
		t.Fatal("plain text should pass through")
	}
}
