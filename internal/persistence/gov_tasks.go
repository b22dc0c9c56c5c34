package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/clawgov/internal/bus"
)

type GovState string

const (
	StateInbox    GovState = "INBOX"
	StateReady    GovState = "READY"
	StateDoing    GovState = "DOING"
	StateReview   GovState = "REVIEW"
	StateApproval GovState = "APPROVAL"
	StateDone     GovState = "DONE"
)

// AllStates lists states in workflow order.
var AllStates = []GovState{StateInbox, StateReady, StateDoing, StateReview, StateApproval, StateDone}

var govEdges = map[GovState]GovState{
	StateInbox:    StateReady,
	StateReady:    StateDoing,
	StateDoing:    StateReview,
	StateReview:   StateApproval,
	StateApproval: StateDone,
}

// Override edges all land on DONE and are only reachable through an override.
var overrideSources = map[GovState]struct{}{
	StateReview:   {},
	StateApproval: {},
}

func ParseGovState(s string) (GovState, bool) {
	st := GovState(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range AllStates {
		if st == known {
			return st, true
		}
	}
	return "", false
}

// CanTransition reports whether from->to is a normal workflow edge.
func CanTransition(from, to GovState) bool {
	next, ok := govEdges[from]
	return ok && next == to
}

// CanOverride reports whether from->DONE is permitted as an override.
func CanOverride(from GovState) bool {
	_, ok := overrideSources[from]
	return ok
}

type Scope string

const (
	ScopeCompany Scope = "COMPANY"
	ScopeProduct Scope = "PRODUCT"
)

type GovTask struct {
	ID            string          `json:"id"`
	Title         string          `json:"title"`
	Description   string          `json:"description,omitempty"`
	TaskType      string          `json:"task_type"`
	State         GovState        `json:"state"`
	Priority      string          `json:"priority"`
	Scope         Scope           `json:"scope"`
	ProductID     string          `json:"product_id,omitempty"`
	AssignedGroup string          `json:"assigned_group,omitempty"`
	Gate          string          `json:"gate"`
	DoDRequired   bool            `json:"dod_required"`
	Metadata      json.RawMessage `json:"metadata"`
	Version       int64           `json:"version"`
	CreatedBy     string          `json:"created_by"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// ConflictError is returned when an expected version no longer matches.
type ConflictError struct {
	TaskID          string
	ExpectedVersion int64
	CurrentState    GovState
	CurrentVersion  int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: expected %d, current %d (%s)", e.TaskID, e.ExpectedVersion, e.CurrentVersion, e.CurrentState)
}

func (e *ConflictError) Unwrap() error { return ErrVersionConflict }

// TransitionError is returned when an edge is not permitted.
type TransitionError struct {
	TaskID string
	From   GovState
	To     GovState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s on %s", e.From, e.To, e.TaskID)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

const govTaskColumns = `
	id, title, description, task_type, state, priority, scope,
	COALESCE(product_id, ''), COALESCE(assigned_group, ''), gate, dod_required,
	metadata, version, created_by, created_at, updated_at`

func scanGovTask(scanFn func(dest ...any) error, t *GovTask) error {
	var (
		dod      int
		metadata string
	)
	if err := scanFn(
		&t.ID,
		&t.Title,
		&t.Description,
		&t.TaskType,
		&t.State,
		&t.Priority,
		&t.Scope,
		&t.ProductID,
		&t.AssignedGroup,
		&t.Gate,
		&dod,
		&metadata,
		&t.Version,
		&t.CreatedBy,
		&t.CreatedAt,
		&t.UpdatedAt,
	); err != nil {
		return err
	}
	t.DoDRequired = dod != 0
	if metadata == "" {
		metadata = "{}"
	}
	t.Metadata = json.RawMessage(metadata)
	return nil
}

func getGovTaskTx(ctx context.Context, tx *sql.Tx, taskID string) (*GovTask, error) {
	var t GovTask
	err := scanGovTask(tx.QueryRowContext(ctx, `SELECT `+govTaskColumns+` FROM gov_tasks WHERE id = ?;`, taskID).Scan, &t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select gov task: %w", err)
	}
	return &t, nil
}

// CreateGovTask inserts t at INBOX with version 0 and logs a "create" activity.
func (s *Store) CreateGovTask(ctx context.Context, t GovTask) (*GovTask, error) {
	now := s.timestamp()
	t.State = StateInbox
	t.Version = 0
	t.CreatedAt = now
	t.UpdatedAt = now
	if len(t.Metadata) == 0 {
		t.Metadata = json.RawMessage("{}")
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO gov_tasks (id, title, description, task_type, state, priority, scope, product_id,
				assigned_group, gate, dod_required, metadata, version, created_by, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?);
		`, t.ID, t.Title, t.Description, t.TaskType, t.State, t.Priority, t.Scope, nullString(t.ProductID),
			nullString(t.AssignedGroup), t.Gate, boolToInt(t.DoDRequired), string(t.Metadata), t.CreatedBy, now, now)
		if isUniqueViolation(err) {
			return ErrTaskExists
		}
		if err != nil {
			return fmt.Errorf("insert gov task: %w", err)
		}
		return s.appendActivityTx(ctx, tx, GovActivity{
			TaskID:  t.ID,
			Action:  "create",
			ToState: StateInbox,
			Actor:   t.CreatedBy,
		})
	})
	if err != nil {
		return nil, err
	}
	s.bus.Publish(bus.TopicTaskCreated, bus.TaskTransitionedEvent{TaskID: t.ID, To: string(StateInbox), Actor: t.CreatedBy})
	return &t, nil
}

func (s *Store) GetGovTask(ctx context.Context, taskID string) (*GovTask, error) {
	var t GovTask
	err := scanGovTask(s.db.QueryRowContext(ctx, `SELECT `+govTaskColumns+` FROM gov_tasks WHERE id = ?;`, taskID).Scan, &t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get gov task: %w", err)
	}
	return &t, nil
}

// GovTaskFilter narrows ListGovTasks. Zero values match everything.
type GovTaskFilter struct {
	State         GovState
	AssignedGroup string
	ProductID     string
	Limit         int
}

func (s *Store) ListGovTasks(ctx context.Context, f GovTaskFilter) ([]GovTask, error) {
	var (
		where []string
		args  []any
	)
	where = append(where, "id <> ?")
	args = append(args, SentinelTaskID)
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, f.State)
	}
	if f.AssignedGroup != "" {
		where = append(where, "assigned_group = ?")
		args = append(args, f.AssignedGroup)
	}
	if f.ProductID != "" {
		where = append(where, "product_id = ?")
		args = append(args, f.ProductID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 200
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `SELECT `+govTaskColumns+` FROM gov_tasks WHERE `+
		strings.Join(where, " AND ")+` ORDER BY updated_at DESC, id LIMIT ?;`, args...)
	if err != nil {
		return nil, fmt.Errorf("list gov tasks: %w", err)
	}
	defer rows.Close()
	var out []GovTask
	for rows.Next() {
		var t GovTask
		if err := scanGovTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan gov task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DispatchableTasks returns tasks the scheduler may advance: READY tasks with
// an assignee and REVIEW tasks behind a gate.
func (s *Store) DispatchableTasks(ctx context.Context, limit int) ([]GovTask, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+govTaskColumns+` FROM gov_tasks
		WHERE (state = 'READY' AND COALESCE(assigned_group, '') <> '')
		   OR (state = 'REVIEW' AND gate <> 'none')
		ORDER BY priority, created_at, id
		LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dispatchable tasks: %w", err)
	}
	defer rows.Close()
	var out []GovTask
	for rows.Next() {
		var t GovTask
		if err := scanGovTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan dispatchable task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GovTaskCounts returns the number of tasks per state, sentinel excluded.
func (s *Store) GovTaskCounts(ctx context.Context) (map[GovState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(1) FROM gov_tasks WHERE id <> ? GROUP BY state;`, SentinelTaskID)
	if err != nil {
		return nil, fmt.Errorf("count gov tasks: %w", err)
	}
	defer rows.Close()
	out := make(map[GovState]int, len(AllStates))
	for _, st := range AllStates {
		out[st] = 0
	}
	for rows.Next() {
		var (
			st GovState
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan gov task count: %w", err)
		}
		out[st] = n
	}
	return out, rows.Err()
}

// OverrideStamp is merged into metadata.override by an override transition.
type OverrideStamp struct {
	By             string    `json:"by"`
	Reason         string    `json:"reason"`
	AcceptedRisk   string    `json:"accepted_risk"`
	ReviewDeadline string    `json:"review_deadline"`
	At             time.Time `json:"at"`
}

// TransitionRequest describes one version-checked state change.
type TransitionRequest struct {
	TaskID          string
	To              GovState
	ExpectedVersion *int64
	Actor           string
	Reason          string

	// Override routes through the override edges and stamps metadata.
	Override *OverrideStamp
	// Dispatch, when set, is claimed in the same transaction; a duplicate key
	// aborts the transition with ErrDuplicate.
	Dispatch *GovDispatch
	// Authorize is consulted with the current row before any change. It runs
	// inside the transaction and must not touch the store.
	Authorize func(*GovTask) error
	// RequireGateApproval refuses a move to DONE for a gated task that has no
	// approval recorded for its gate. Overrides skip this check.
	RequireGateApproval bool
}

type TransitionResult struct {
	Task GovTask
	From GovState
}

// TransitionGovTask applies req as a single compare-and-swap transaction.
// Check order: existence, authorization, expected version, edge legality.
func (s *Store) TransitionGovTask(ctx context.Context, req TransitionRequest) (*TransitionResult, error) {
	var result TransitionResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := getGovTaskTx(ctx, tx, req.TaskID)
		if err != nil {
			return err
		}
		if req.Authorize != nil {
			if err := req.Authorize(cur); err != nil {
				return err
			}
		}
		if req.ExpectedVersion != nil && *req.ExpectedVersion != cur.Version {
			return &ConflictError{TaskID: cur.ID, ExpectedVersion: *req.ExpectedVersion, CurrentState: cur.State, CurrentVersion: cur.Version}
		}
		if req.Override != nil {
			if req.To != StateDone || !CanOverride(cur.State) {
				return &TransitionError{TaskID: cur.ID, From: cur.State, To: req.To}
			}
		} else if !CanTransition(cur.State, req.To) {
			return &TransitionError{TaskID: cur.ID, From: cur.State, To: req.To}
		}
		if req.RequireGateApproval && req.Override == nil && req.To == StateDone && cur.Gate != "none" {
			var n int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM gov_approvals WHERE task_id = ? AND gate_type = ?;`, cur.ID, cur.Gate).Scan(&n); err != nil {
				return fmt.Errorf("check gate approval: %w", err)
			}
			if n == 0 {
				return fmt.Errorf("%w: %s needs a %s approval", ErrGateApprovalMissing, cur.ID, cur.Gate)
			}
		}

		now := s.timestamp()
		if req.Dispatch != nil {
			d := *req.Dispatch
			d.TaskID = cur.ID
			d.Status = DispatchDispatched
			claimed, err := s.claimDispatchTx(ctx, tx, d, now)
			if err != nil {
				return err
			}
			if !claimed {
				return ErrDuplicate
			}
		}

		metadata := cur.Metadata
		if req.Override != nil {
			req.Override.At = now
			metadata, err = mergeMetadata(cur.Metadata, "override", req.Override)
			if err != nil {
				return err
			}
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE gov_tasks
			SET state = ?, version = version + 1, metadata = ?, updated_at = ?
			WHERE id = ? AND version = ?;
		`, req.To, string(metadata), now, cur.ID, cur.Version)
		if err != nil {
			return fmt.Errorf("update gov task transition: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("transition rows affected: %w", err)
		}
		if affected != 1 {
			return &ConflictError{TaskID: cur.ID, ExpectedVersion: cur.Version, CurrentState: cur.State, CurrentVersion: cur.Version + 1}
		}

		if req.Override != nil {
			if err := s.appendActivityTx(ctx, tx, GovActivity{
				TaskID:    cur.ID,
				Action:    "override",
				FromState: cur.State,
				ToState:   req.To,
				Actor:     req.Actor,
				Reason:    fmt.Sprintf("%s; accepted_risk=%s; review_deadline=%s", req.Override.Reason, req.Override.AcceptedRisk, req.Override.ReviewDeadline),
			}); err != nil {
				return err
			}
		}
		if err := s.appendActivityTx(ctx, tx, GovActivity{
			TaskID:    cur.ID,
			Action:    "transition",
			FromState: cur.State,
			ToState:   req.To,
			Actor:     req.Actor,
			Reason:    req.Reason,
		}); err != nil {
			return err
		}

		updated := *cur
		updated.State = req.To
		updated.Version = cur.Version + 1
		updated.Metadata = metadata
		updated.UpdatedAt = now
		result = TransitionResult{Task: updated, From: cur.State}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.bus.Publish(bus.TopicTaskTransitioned, bus.TaskTransitionedEvent{
		TaskID:   result.Task.ID,
		From:     string(result.From),
		To:       string(result.Task.State),
		Version:  result.Task.Version,
		Actor:    req.Actor,
		Override: req.Override != nil,
	})
	return &result, nil
}

func mergeMetadata(raw json.RawMessage, key string, value any) (json.RawMessage, error) {
	obj := map[string]json.RawMessage{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("decode task metadata: %w", err)
		}
	}
	b, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode metadata %s: %w", key, err)
	}
	obj[key] = b
	out, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("encode task metadata: %w", err)
	}
	return out, nil
}
