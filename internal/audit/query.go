package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const (
	defaultQueryLimit = 50
	maxQueryLimit     = 1000
)

// Filter narrows Query. Zero fields match everything.
type Filter struct {
	Decision     string
	Caller       string
	ActionPrefix string
	Since        time.Time
	Limit        int
}

// Row is one stored audit_log record.
type Row struct {
	ID            int64     `json:"id"`
	TraceID       string    `json:"trace_id,omitempty"`
	Caller        string    `json:"caller,omitempty"`
	RequestID     string    `json:"request_id,omitempty"`
	Subject       string    `json:"subject,omitempty"`
	Action        string    `json:"action"`
	Decision      string    `json:"decision"`
	Reason        string    `json:"reason,omitempty"`
	PolicyVersion string    `json:"policy_version,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Query returns the newest audit_log rows matching f, newest first.
func Query(ctx context.Context, db *sql.DB, f Filter) ([]Row, error) {
	var (
		where []string
		args  []any
	)
	if f.Decision != "" {
		where = append(where, "decision = ?")
		args = append(args, f.Decision)
	}
	if f.Caller != "" {
		where = append(where, "caller = ?")
		args = append(args, f.Caller)
	}
	if f.ActionPrefix != "" {
		where = append(where, "substr(action, 1, ?) = ?")
		args = append(args, len(f.ActionPrefix), f.ActionPrefix)
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UTC().Format(time.DateTime))
	}

	q := `SELECT audit_id, COALESCE(trace_id, ''), COALESCE(caller, ''), COALESCE(request_id, ''),
		COALESCE(subject, ''), action, decision, COALESCE(reason, ''), COALESCE(policy_version, ''), created_at
		FROM audit_log`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY audit_id DESC LIMIT ?;"
	args = append(args, clampLimit(f.Limit))

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit_log: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.ID, &r.TraceID, &r.Caller, &r.RequestID, &r.Subject,
			&r.Action, &r.Decision, &r.Reason, &r.PolicyVersion, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit_log: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return defaultQueryLimit
	case n > maxQueryLimit:
		return maxQueryLimit
	}
	return n
}
