// Package audit keeps the decision trail of the access layer: one JSON line
// per decision in logs/audit.jsonl, mirrored into the audit_log table once a
// store is attached.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/clawgov/internal/shared"
)

const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
	DecisionFatal = "fatal"
)

// Entry is one decision. Caller and RequestID default to the values carried
// on the context.
type Entry struct {
	Decision      string `json:"decision"`
	Action        string `json:"action"`
	Reason        string `json:"reason"`
	Subject       string `json:"subject,omitempty"`
	Caller        string `json:"caller,omitempty"`
	RequestID     string `json:"request_id,omitempty"`
	PolicyVersion string `json:"policy_version,omitempty"`
}

type jsonLine struct {
	At      string `json:"timestamp"`
	TraceID string `json:"trace_id,omitempty"`
	Entry
}

// trail is the process-wide sink. Every command of the CLI shares one.
type trail struct {
	mu   sync.Mutex
	file *os.File
	db   *sql.DB
}

var (
	sink    trail
	denials atomic.Int64
)

// Init opens <home>/logs/audit.jsonl for appending. Calling it twice is a no-op.
func Init(homeDir string) error {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.file != nil {
		return nil
	}
	dir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	sink.file = f
	return nil
}

// SetDB mirrors subsequent records into the audit_log table. nil detaches.
func SetDB(d *sql.DB) {
	sink.mu.Lock()
	sink.db = d
	sink.mu.Unlock()
}

func Close() error {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	sink.db = nil
	if sink.file == nil {
		return nil
	}
	err := sink.file.Close()
	sink.file = nil
	return err
}

// DenyCount returns the number of deny decisions recorded by this process.
func DenyCount() int64 {
	return denials.Load()
}

// Record appends e to every attached sink. Write failures are dropped so
// that auditing never changes the outcome of a decision.
func Record(ctx context.Context, e Entry) {
	if e.Decision == DecisionDeny {
		denials.Add(1)
	}
	e = normalize(ctx, e)
	traceID := shared.TraceID(ctx)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.file != nil {
		if b, err := json.Marshal(jsonLine{
			At:      time.Now().UTC().Format(time.RFC3339Nano),
			TraceID: traceID,
			Entry:   e,
		}); err == nil {
			_, _ = sink.file.Write(append(b, '\n'))
		}
	}
	if sink.db != nil {
		_, _ = sink.db.ExecContext(context.WithoutCancel(ctx), `
			INSERT INTO audit_log (trace_id, caller, request_id, subject, action, decision, reason, policy_version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, traceID, e.Caller, e.RequestID, e.Subject, e.Action, e.Decision, e.Reason, e.PolicyVersion)
	}
}

func normalize(ctx context.Context, e Entry) Entry {
	if e.Caller == "" {
		e.Caller = shared.Caller(ctx)
	}
	if e.RequestID == "" {
		e.RequestID = shared.RequestID(ctx)
	}
	e.Reason = shared.Redact(e.Reason)
	e.Subject = shared.Redact(e.Subject)
	return e
}
