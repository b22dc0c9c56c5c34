package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/clawgov/internal/shared"
)

const redactedValue = "[REDACTED]"

// NewLogger opens <home>/logs/system.jsonl and returns a JSON logger over it,
// also writing to stdout unless quiet. Closing the returned Closer closes the file.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	dir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, "system.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}
	if quiet {
		return NewLoggerTo(f, level), f, nil
	}
	return NewLoggerTo(io.MultiWriter(os.Stdout, f), level), f, nil
}

// NewLoggerTo builds the redacting JSON logger over w.
func NewLoggerTo(w io.Writer, level string) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: scrubAttr,
	})
	return slog.New(h).With("component", "clawgov", "trace_id", "-")
}

// FromContext decorates logger with the trace, caller and request carried on ctx.
func FromContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{"trace_id", shared.TraceID(ctx)}
	for _, kv := range [][2]string{
		{"caller", shared.Caller(ctx)},
		{"request_id", shared.RequestID(ctx)},
	} {
		if kv[1] != "" {
			attrs = append(attrs, kv[0], kv[1])
		}
	}
	return logger.With(attrs...)
}

func scrubAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
		return a
	}
	if sensitiveLogKey(a.Key) {
		return slog.String(a.Key, redactedValue)
	}
	if a.Value.Kind() != slog.KindString {
		return a
	}
	if v, changed := scrubString(a.Value.String()); changed {
		return slog.String(a.Key, v)
	}
	return a
}

func sensitiveLogKey(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	if k == "" {
		return false
	}
	if k == "sig" || k == "signature" || k == "bearer" {
		return true
	}
	return shared.IsSensitiveKey(k)
}

// scrubString blanks values that embed an auth header and masks known token
// shapes everywhere else.
func scrubString(v string) (string, bool) {
	lower := strings.ToLower(v)
	for _, marker := range []string{"bearer ", "authorization:", "api_key"} {
		if strings.Contains(lower, marker) {
			return redactedValue, true
		}
	}
	out := shared.Redact(v)
	return out, out != v
}

func parseLevel(level string) slog.Level {
	s := strings.TrimSpace(level)
	if strings.EqualFold(s, "warning") {
		return slog.LevelWarn
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}
