package persistence

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/clawgov/internal/bus"
	"github.com/basket/clawgov/internal/shared"
	"github.com/gowebpki/jcs"
	"github.com/zeebo/blake3"
)

// genesisHash anchors the first activity row.
var genesisHash = strings.Repeat("0", 64)

type GovActivity struct {
	ID        int64    `json:"id"`
	TaskID    string   `json:"task_id"`
	Action    string   `json:"action"`
	FromState GovState `json:"from_state,omitempty"`
	ToState   GovState `json:"to_state,omitempty"`
	Actor     string   `json:"actor"`
	Reason    string   `json:"reason,omitempty"`
	TraceID   string   `json:"trace_id,omitempty"`
	CreatedAt string   `json:"created_at"`
	PrevHash  string   `json:"prev_hash"`
	RowHash   string   `json:"row_hash"`
}

// activityHash is BLAKE3(prev_hash || JCS(row)), hex encoded.
func activityHash(prev string, a GovActivity) (string, error) {
	body, err := json.Marshal(map[string]string{
		"task_id":    a.TaskID,
		"action":     a.Action,
		"from_state": string(a.FromState),
		"to_state":   string(a.ToState),
		"actor":      a.Actor,
		"reason":     a.Reason,
		"trace_id":   a.TraceID,
		"created_at": a.CreatedAt,
	})
	if err != nil {
		return "", fmt.Errorf("encode activity: %w", err)
	}
	canonical, err := jcs.Transform(body)
	if err != nil {
		return "", fmt.Errorf("canonicalize activity: %w", err)
	}
	h := blake3.New()
	_, _ = h.Write([]byte(prev))
	_, _ = h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (s *Store) appendActivityTx(ctx context.Context, tx *sql.Tx, a GovActivity) error {
	var prev string
	err := tx.QueryRowContext(ctx, `SELECT row_hash FROM gov_activities ORDER BY id DESC LIMIT 1;`).Scan(&prev)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		prev = genesisHash
	case err != nil:
		return fmt.Errorf("read activity chain head: %w", err)
	}

	a.TraceID = shared.TraceID(ctx)
	a.CreatedAt = s.timestamp().Format(time.RFC3339Nano)
	a.PrevHash = prev
	a.RowHash, err = activityHash(prev, a)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO gov_activities (task_id, action, from_state, to_state, actor, reason, trace_id, created_at, prev_hash, row_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, a.TaskID, a.Action, a.FromState, a.ToState, a.Actor, a.Reason, a.TraceID, a.CreatedAt, a.PrevHash, a.RowHash); err != nil {
		return fmt.Errorf("insert gov activity: %w", err)
	}
	return nil
}

const activityColumns = `id, task_id, action, from_state, to_state, actor, reason, trace_id, created_at, prev_hash, row_hash`

func scanActivity(scanFn func(dest ...any) error, a *GovActivity) error {
	return scanFn(&a.ID, &a.TaskID, &a.Action, &a.FromState, &a.ToState, &a.Actor, &a.Reason, &a.TraceID, &a.CreatedAt, &a.PrevHash, &a.RowHash)
}

// ListActivity returns a task's activity rows oldest first.
func (s *Store) ListActivity(ctx context.Context, taskID string, limit int) ([]GovActivity, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+activityColumns+` FROM gov_activities WHERE task_id = ? ORDER BY id LIMIT ?;`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()
	var out []GovActivity
	for rows.Next() {
		var a GovActivity
		if err := scanActivity(rows.Scan, &a); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ChainReport summarizes an activity chain verification.
type ChainReport struct {
	Rows     int   `json:"rows"`
	BrokenAt int64 `json:"broken_at,omitempty"`
	OK       bool  `json:"ok"`
}

// VerifyActivityChain recomputes every row hash in id order and reports the
// first row whose linkage or content no longer matches.
func (s *Store) VerifyActivityChain(ctx context.Context) (ChainReport, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+activityColumns+` FROM gov_activities ORDER BY id;`)
	if err != nil {
		return ChainReport{}, fmt.Errorf("read activity chain: %w", err)
	}
	defer rows.Close()

	report := ChainReport{OK: true}
	prev := genesisHash
	for rows.Next() {
		var a GovActivity
		if err := scanActivity(rows.Scan, &a); err != nil {
			return report, fmt.Errorf("scan activity: %w", err)
		}
		report.Rows++
		if !report.OK {
			continue
		}
		want, err := activityHash(prev, a)
		if err != nil {
			return report, err
		}
		if a.PrevHash != prev || a.RowHash != want {
			report.OK = false
			report.BrokenAt = a.ID
		}
		prev = a.RowHash
	}
	return report, rows.Err()
}

type GovApproval struct {
	TaskID     string    `json:"task_id"`
	GateType   string    `json:"gate_type"`
	ApprovedBy string    `json:"approved_by"`
	Notes      string    `json:"notes,omitempty"`
	ApprovedAt time.Time `json:"approved_at"`
}

// ApprovalResult reports whether a new approval row was written.
type ApprovalResult struct {
	Recorded bool
	Task     GovTask
}

// RecordApproval appends an approval for a task in APPROVAL. A repeated
// (task, gate, approver) triple is a no-op that leaves the version unchanged.
func (s *Store) RecordApproval(ctx context.Context, a GovApproval) (*ApprovalResult, error) {
	var result ApprovalResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := getGovTaskTx(ctx, tx, a.TaskID)
		if err != nil {
			return err
		}
		if cur.State != StateApproval {
			return fmt.Errorf("%w: %s is %s, approvals need %s", ErrWrongState, cur.ID, cur.State, StateApproval)
		}
		now := s.timestamp()
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO gov_approvals (task_id, gate_type, approved_by, notes, approved_at)
			VALUES (?, ?, ?, ?, ?);
		`, a.TaskID, a.GateType, a.ApprovedBy, a.Notes, now)
		if err != nil {
			return fmt.Errorf("insert approval: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("approval rows affected: %w", err)
		}
		result.Task = *cur
		if n == 0 {
			return nil
		}

		upd, err := tx.ExecContext(ctx, `
			UPDATE gov_tasks SET version = version + 1, updated_at = ?
			WHERE id = ? AND version = ?;
		`, now, cur.ID, cur.Version)
		if err != nil {
			return fmt.Errorf("bump version on approval: %w", err)
		}
		if n, _ := upd.RowsAffected(); n != 1 {
			return &ConflictError{TaskID: cur.ID, ExpectedVersion: cur.Version, CurrentState: cur.State, CurrentVersion: cur.Version + 1}
		}
		if err := s.appendActivityTx(ctx, tx, GovActivity{
			TaskID:    cur.ID,
			Action:    "approve",
			FromState: cur.State,
			ToState:   cur.State,
			Actor:     a.ApprovedBy,
			Reason:    a.GateType,
		}); err != nil {
			return err
		}
		result.Recorded = true
		result.Task.Version = cur.Version + 1
		result.Task.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.Recorded {
		s.bus.Publish(bus.TopicTaskApproved, bus.TaskApprovedEvent{
			TaskID:     a.TaskID,
			GateType:   a.GateType,
			ApprovedBy: a.ApprovedBy,
			Version:    result.Task.Version,
		})
	}
	return &result, nil
}

func (s *Store) ListApprovals(ctx context.Context, taskID string) ([]GovApproval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, gate_type, approved_by, notes, approved_at
		FROM gov_approvals WHERE task_id = ? ORDER BY id;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()
	var out []GovApproval
	for rows.Next() {
		var a GovApproval
		if err := rows.Scan(&a.TaskID, &a.GateType, &a.ApprovedBy, &a.Notes, &a.ApprovedAt); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DistinctApprovers counts unique approvers across all gates of a task.
func (s *Store) DistinctApprovers(ctx context.Context, taskID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT approved_by) FROM gov_approvals WHERE task_id = ?;`, taskID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count approvers: %w", err)
	}
	return n, nil
}

func (s *Store) HasGateApproval(ctx context.Context, taskID, gate string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM gov_approvals WHERE task_id = ? AND gate_type = ?;`, taskID, gate).Scan(&n); err != nil {
		return false, fmt.Errorf("check gate approval: %w", err)
	}
	return n > 0, nil
}

// LogSentinelActivity appends an activity row against the sentinel task.
func (s *Store) LogSentinelActivity(ctx context.Context, action, actor, reason string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.appendActivityTx(ctx, tx, GovActivity{
			TaskID: SentinelTaskID,
			Action: action,
			Actor:  actor,
			Reason: reason,
		})
	})
}
