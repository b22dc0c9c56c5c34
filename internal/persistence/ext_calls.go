package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type ExtCallStatus string

const (
	ExtCallProcessing ExtCallStatus = "processing"
	ExtCallExecuted   ExtCallStatus = "executed"
	ExtCallFailed     ExtCallStatus = "failed"
	ExtCallDenied     ExtCallStatus = "denied"
)

type ExtCall struct {
	RequestID      string        `json:"request_id"`
	GroupFolder    string        `json:"group_folder"`
	Provider       string        `json:"provider"`
	Action         string        `json:"action"`
	AccessLevel    int           `json:"access_level"`
	ParamsHash     string        `json:"params_hash"`
	Status         ExtCallStatus `json:"status"`
	DenialReason   string        `json:"denial_reason,omitempty"`
	Response       string        `json:"response,omitempty"`
	TaskID         string        `json:"task_id,omitempty"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
	ProductID      string        `json:"product_id,omitempty"`
	Scope          string        `json:"scope,omitempty"`
	DurationMS     int64         `json:"duration_ms,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

const extCallColumns = `request_id, group_folder, provider, action, access_level, params_hash, status,
	COALESCE(denial_reason, ''), COALESCE(response, ''), COALESCE(task_id, ''), COALESCE(idempotency_key, ''),
	COALESCE(product_id, ''), COALESCE(scope, ''), COALESCE(duration_ms, 0), created_at, updated_at`

func scanExtCall(scanFn func(dest ...any) error, c *ExtCall) error {
	return scanFn(&c.RequestID, &c.GroupFolder, &c.Provider, &c.Action, &c.AccessLevel, &c.ParamsHash, &c.Status,
		&c.DenialReason, &c.Response, &c.TaskID, &c.IdempotencyKey, &c.ProductID, &c.Scope, &c.DurationMS,
		&c.CreatedAt, &c.UpdatedAt)
}

// ExtCallExists reports whether request_id has been seen before.
func (s *Store) ExtCallExists(ctx context.Context, requestID string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM ext_calls WHERE request_id = ?;`, requestID).Scan(&n); err != nil {
		return false, fmt.Errorf("check ext call: %w", err)
	}
	return n > 0, nil
}

// ErrInFlightLimit is returned by ClaimExtCall when the caller already has
// the maximum number of processing rows.
var ErrInFlightLimit = errors.New("in-flight limit reached")

const insertExtCallSQL = `
	INSERT INTO ext_calls (request_id, group_folder, provider, action, access_level, params_hash, status,
		denial_reason, response, task_id, idempotency_key, product_id, scope, duration_ms, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`

func insertExtCallArgs(c ExtCall, now time.Time) []any {
	return []any{c.RequestID, c.GroupFolder, c.Provider, c.Action, c.AccessLevel, c.ParamsHash, c.Status,
		nullString(c.DenialReason), nullString(c.Response), nullString(c.TaskID), nullString(c.IdempotencyKey),
		nullString(c.ProductID), nullString(c.Scope), c.DurationMS, now, now}
}

// InsertExtCall writes a new ledger row. A request_id collision returns
// ErrDuplicate so the loser can abandon silently.
func (s *Store) InsertExtCall(ctx context.Context, c ExtCall) error {
	now := s.timestamp()
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, insertExtCallSQL, insertExtCallArgs(c, now)...)
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		if err != nil {
			return fmt.Errorf("insert ext call: %w", err)
		}
		return nil
	})
}

// ClaimExtCall inserts c as a processing row, but only while the caller has
// fewer than maxInFlight processing rows. The count and the insert share one
// write transaction, so concurrent claims cannot overshoot the limit.
func (s *Store) ClaimExtCall(ctx context.Context, c ExtCall, maxInFlight int) error {
	c.Status = ExtCallProcessing
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(1) FROM ext_calls WHERE group_folder = ? AND status = 'processing';
		`, c.GroupFolder).Scan(&n); err != nil {
			return fmt.Errorf("count in-flight: %w", err)
		}
		if maxInFlight > 0 && n >= maxInFlight {
			return ErrInFlightLimit
		}
		_, err := tx.ExecContext(ctx, insertExtCallSQL, insertExtCallArgs(c, s.timestamp())...)
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		if err != nil {
			return fmt.Errorf("claim ext call: %w", err)
		}
		return nil
	})
}

// FinishExtCall moves a processing row to its terminal status. reason is the
// failure reason code, empty on success.
func (s *Store) FinishExtCall(ctx context.Context, requestID string, status ExtCallStatus, reason, response string, duration time.Duration) error {
	if status == ExtCallProcessing {
		return fmt.Errorf("finish ext call %s: status must be terminal", requestID)
	}
	return retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE ext_calls SET status = ?, denial_reason = ?, response = ?, duration_ms = ?, updated_at = ?
			WHERE request_id = ? AND status = 'processing';
		`, status, nullString(reason), response, duration.Milliseconds(), s.timestamp(), requestID)
		if err != nil {
			return fmt.Errorf("finish ext call: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("finish ext call %s: %w", requestID, ErrNotFound)
		}
		return nil
	})
}

func (s *Store) GetExtCall(ctx context.Context, requestID string) (*ExtCall, error) {
	var c ExtCall
	err := scanExtCall(s.db.QueryRowContext(ctx, `SELECT `+extCallColumns+` FROM ext_calls WHERE request_id = ?;`, requestID).Scan, &c)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ext call: %w", err)
	}
	return &c, nil
}

// AbandonStaleExtCalls fails every processing row last touched before
// cutoff. Such rows belong to a process that died mid-execution; left alone
// they would hold their caller's in-flight slots forever.
func (s *Store) AbandonStaleExtCalls(ctx context.Context, cutoff time.Time, reason, response string) ([]ExtCall, error) {
	var out []ExtCall
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		out = out[:0]
		rows, err := tx.QueryContext(ctx, `SELECT `+extCallColumns+` FROM ext_calls
			WHERE status = 'processing' AND updated_at < ? ORDER BY created_at, request_id;`, cutoff.UTC())
		if err != nil {
			return fmt.Errorf("list stale ext calls: %w", err)
		}
		for rows.Next() {
			var c ExtCall
			if err := scanExtCall(rows.Scan, &c); err != nil {
				rows.Close()
				return fmt.Errorf("scan ext call: %w", err)
			}
			out = append(out, c)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("list stale ext calls: %w", err)
		}
		now := s.timestamp()
		for i := range out {
			if _, err := tx.ExecContext(ctx, `
				UPDATE ext_calls SET status = 'failed', denial_reason = ?, response = ?, updated_at = ?
				WHERE request_id = ? AND status = 'processing';
			`, reason, response, now, out[i].RequestID); err != nil {
				return fmt.Errorf("abandon ext call: %w", err)
			}
			out[i].Status = ExtCallFailed
			out[i].DenialReason = reason
			out[i].Response = response
			out[i].UpdatedAt = now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CountInFlight counts processing rows for a caller.
func (s *Store) CountInFlight(ctx context.Context, group string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM ext_calls WHERE group_folder = ? AND status = 'processing';`, group).Scan(&n); err != nil {
		return 0, fmt.Errorf("count in-flight: %w", err)
	}
	return n, nil
}

// CachedResponse returns the response of the earliest executed call matching
// (group, provider, action, idempotency key).
func (s *Store) CachedResponse(ctx context.Context, group, provider, action, key string) (string, bool, error) {
	var resp string
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(response, '') FROM ext_calls
		WHERE group_folder = ? AND provider = ? AND action = ? AND idempotency_key = ? AND status = 'executed'
		ORDER BY created_at, request_id
		LIMIT 1;
	`, group, provider, action, key).Scan(&resp)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup cached response: %w", err)
	}
	return resp, true, nil
}

// ExtCallFilter narrows ListExtCalls.
type ExtCallFilter struct {
	GroupFolder string
	Status      ExtCallStatus
	Limit       int
}

func (s *Store) ListExtCalls(ctx context.Context, f ExtCallFilter) ([]ExtCall, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+extCallColumns+` FROM ext_calls
		WHERE (? = '' OR group_folder = ?) AND (? = '' OR status = ?)
		ORDER BY created_at DESC, request_id LIMIT ?;`,
		f.GroupFolder, f.GroupFolder, f.Status, f.Status, limit)
	if err != nil {
		return nil, fmt.Errorf("list ext calls: %w", err)
	}
	defer rows.Close()
	var out []ExtCall
	for rows.Next() {
		var c ExtCall
		if err := scanExtCall(rows.Scan, &c); err != nil {
			return nil, fmt.Errorf("scan ext call: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ExtCallCounts returns row counts by status.
func (s *Store) ExtCallCounts(ctx context.Context) (map[ExtCallStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM ext_calls GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count ext calls: %w", err)
	}
	defer rows.Close()
	out := map[ExtCallStatus]int{}
	for rows.Next() {
		var (
			st ExtCallStatus
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan ext call count: %w", err)
		}
		out[st] = n
	}
	return out, rows.Err()
}
