package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type DispatchStatus string

const (
	// DispatchClaimed marks a bare ledger claim with no transition attached.
	DispatchClaimed DispatchStatus = "claimed"
	// DispatchDispatched marks a claim committed together with its transition.
	DispatchDispatched DispatchStatus = "dispatched"
)

type GovDispatch struct {
	TaskID      string         `json:"task_id"`
	FromState   GovState       `json:"from_state"`
	ToState     GovState       `json:"to_state"`
	DispatchKey string         `json:"dispatch_key"`
	GroupFolder string         `json:"group_folder,omitempty"`
	Status      DispatchStatus `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// DispatchKey derives the ledger key for advancing taskID from -> to at version.
func DispatchKey(taskID string, from, to GovState, version int64) string {
	return fmt.Sprintf("%s:%s->%s:v%d", taskID, from, to, version)
}

func (s *Store) claimDispatchTx(ctx context.Context, tx *sql.Tx, d GovDispatch, now time.Time) (bool, error) {
	if d.Status == "" {
		d.Status = DispatchClaimed
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO gov_dispatches (task_id, from_state, to_state, dispatch_key, group_folder, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);
	`, d.TaskID, d.FromState, d.ToState, d.DispatchKey, d.GroupFolder, d.Status, now, now)
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert dispatch claim: %w", err)
	}
	return true, nil
}

// ClaimDispatch inserts a ledger row. claimed=false means the key was already
// taken by an earlier claim.
func (s *Store) ClaimDispatch(ctx context.Context, d GovDispatch) (claimed bool, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var txErr error
		claimed, txErr = s.claimDispatchTx(ctx, tx, d, s.timestamp())
		return txErr
	})
	return claimed, err
}

func (s *Store) ListDispatches(ctx context.Context, taskID string) ([]GovDispatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, from_state, to_state, dispatch_key, group_folder, status, created_at, updated_at
		FROM gov_dispatches WHERE task_id = ? ORDER BY id;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list dispatches: %w", err)
	}
	defer rows.Close()
	var out []GovDispatch
	for rows.Next() {
		var d GovDispatch
		if err := rows.Scan(&d.TaskID, &d.FromState, &d.ToState, &d.DispatchKey, &d.GroupFolder, &d.Status, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan dispatch: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) CountDispatches(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM gov_dispatches;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count dispatches: %w", err)
	}
	return n, nil
}
