// Package governance is the task workflow kernel: it validates and applies
// create, transition, approve and override commands against the task store,
// enforcing the fixed state machine and optimistic version checks.
package governance

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/clawgov/internal/bus"
	otelPkg "github.com/basket/clawgov/internal/otel"
	"github.com/basket/clawgov/internal/persistence"
	"github.com/basket/clawgov/internal/telemetry"
)

// DefaultMainGroup is the privileged caller unless configured otherwise.
const DefaultMainGroup = "main"

// SchedulerActor is recorded as the actor of dispatcher-driven transitions.
const SchedulerActor = "scheduler"

// Config holds the kernel's dependencies.
type Config struct {
	Store     *persistence.Store
	Logger    *slog.Logger
	Metrics   *otelPkg.Metrics // optional
	Tracer    trace.Tracer     // optional
	MainGroup string
}

type Kernel struct {
	store     *persistence.Store
	logger    *slog.Logger
	metrics   *otelPkg.Metrics
	tracer    trace.Tracer
	mainGroup string
}

func New(cfg Config) (*Kernel, error) {
	if cfg.Store == nil {
		return nil, errors.New("governance: store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	mainGroup := strings.TrimSpace(cfg.MainGroup)
	if mainGroup == "" {
		mainGroup = DefaultMainGroup
	}
	return &Kernel{
		store:     cfg.Store,
		logger:    logger,
		metrics:   cfg.Metrics,
		tracer:    tracer,
		mainGroup: mainGroup,
	}, nil
}

// MainGroup returns the privileged caller identity.
func (k *Kernel) MainGroup() string { return k.mainGroup }

// IsPrivileged reports whether caller may act on any task.
func (k *Kernel) IsPrivileged(caller string) bool { return caller == k.mainGroup }

// Create validates in and inserts a new task at INBOX, version 0.
func (k *Kernel) Create(ctx context.Context, actor string, in CreateInput) (task *persistence.GovTask, err error) {
	ctx, span := otelPkg.StartSpan(ctx, k.tracer, "governance.create",
		otelPkg.AttrTaskID.String(in.ID), otelPkg.AttrCaller.String(actor))
	defer func() { otelPkg.EndSpan(span, err) }()

	row, err := in.normalize()
	if err != nil {
		return nil, err
	}
	if row.Scope == persistence.ScopeProduct {
		if _, perr := k.store.GetProduct(ctx, row.ProductID); perr != nil {
			if errors.Is(perr, persistence.ErrNotFound) {
				return nil, validationf("UNKNOWN_PRODUCT", "product %q does not exist", row.ProductID)
			}
			return nil, translate(perr)
		}
	}
	row.CreatedBy = actor

	created, err := k.store.CreateGovTask(ctx, row)
	if err != nil {
		return nil, translate(err)
	}
	telemetry.FromContext(ctx, k.logger).Info("task created",
		"task_id", created.ID, "task_type", created.TaskType, "scope", created.Scope, "gate", created.Gate)
	return created, nil
}

// TransitionInput carries gov_transition.
type TransitionInput struct {
	TaskID          string `json:"taskId"`
	To              string `json:"toState"`
	Reason          string `json:"reason,omitempty"`
	ExpectedVersion *int64 `json:"expectedVersion,omitempty"`
}

// TransitionResult is returned by Transition and Override.
type TransitionResult struct {
	TaskID  string               `json:"task_id"`
	From    persistence.GovState `json:"from"`
	To      persistence.GovState `json:"to"`
	Version int64                `json:"version"`
}

// Transition moves a task along a normal workflow edge. Non-privileged callers
// may only move tasks assigned to them, and a gated task cannot reach DONE
// without an approval for its gate.
func (k *Kernel) Transition(ctx context.Context, actor string, in TransitionInput) (result *TransitionResult, err error) {
	ctx, span := otelPkg.StartSpan(ctx, k.tracer, "governance.transition",
		otelPkg.AttrTaskID.String(in.TaskID), otelPkg.AttrCaller.String(actor))
	defer func() { otelPkg.EndSpan(span, err) }()

	to, ok := persistence.ParseGovState(in.To)
	if !ok {
		return nil, validationf("INVALID_STATE", "unknown state %q", in.To)
	}
	if in.ExpectedVersion != nil && *in.ExpectedVersion < 0 {
		return nil, validationf("INVALID_VERSION", "expectedVersion must be >= 0")
	}

	res, err := k.store.TransitionGovTask(ctx, persistence.TransitionRequest{
		TaskID:              in.TaskID,
		To:                  to,
		ExpectedVersion:     in.ExpectedVersion,
		Actor:               actor,
		Reason:              in.Reason,
		Authorize:           k.assigneeOnly(actor),
		RequireGateApproval: true,
	})
	if err != nil {
		return nil, k.failed(ctx, "transition", in.TaskID, err)
	}
	k.metrics.RecordTransition(ctx, string(res.From), string(res.Task.State), false)
	span.SetAttributes(attribute.Int64("clawgov.task.version", res.Task.Version))
	telemetry.FromContext(ctx, k.logger).Info("task transitioned",
		"task_id", res.Task.ID, "from", res.From, "to", res.Task.State, "version", res.Task.Version)
	return &TransitionResult{TaskID: res.Task.ID, From: res.From, To: res.Task.State, Version: res.Task.Version}, nil
}

func (k *Kernel) assigneeOnly(actor string) func(*persistence.GovTask) error {
	return func(t *persistence.GovTask) error {
		if k.IsPrivileged(actor) || t.AssignedGroup == actor {
			return nil
		}
		return forbiddenf("NOT_ASSIGNEE", "%s is not assigned to task %s", actor, t.ID)
	}
}

// ApproveInput carries gov_approve.
type ApproveInput struct {
	TaskID   string `json:"taskId"`
	GateType string `json:"gate_type"`
	Notes    string `json:"notes,omitempty"`
}

// ApproveResult reports whether a new approval row was written.
type ApproveResult struct {
	TaskID   string `json:"task_id"`
	GateType string `json:"gate_type"`
	Recorded bool   `json:"recorded"`
	Version  int64  `json:"version"`
}

// Approve records actor's approval of gate on a task in APPROVAL. Repeating
// the same (gate, approver) pair is a no-op.
func (k *Kernel) Approve(ctx context.Context, actor string, in ApproveInput) (result *ApproveResult, err error) {
	ctx, span := otelPkg.StartSpan(ctx, k.tracer, "governance.approve",
		otelPkg.AttrTaskID.String(in.TaskID), otelPkg.AttrCaller.String(actor))
	defer func() { otelPkg.EndSpan(span, err) }()

	gate := strings.ToLower(strings.TrimSpace(in.GateType))
	if gate == "" || gate == defaultGate || !validGate(gate) {
		return nil, validationf("INVALID_GATE", "cannot approve gate %q", in.GateType)
	}
	if strings.TrimSpace(actor) == "" {
		return nil, validationf("INVALID_APPROVER", "approver identity is required")
	}

	res, err := k.store.RecordApproval(ctx, persistence.GovApproval{
		TaskID:     in.TaskID,
		GateType:   gate,
		ApprovedBy: actor,
		Notes:      in.Notes,
	})
	if err != nil {
		return nil, k.failed(ctx, "approve", in.TaskID, err)
	}
	if res.Recorded {
		k.metrics.RecordApproval(ctx, gate)
	}
	telemetry.FromContext(ctx, k.logger).Info("task approval",
		"task_id", in.TaskID, "gate", gate, "approver", actor, "recorded", res.Recorded, "version", res.Task.Version)
	return &ApproveResult{TaskID: res.Task.ID, GateType: gate, Recorded: res.Recorded, Version: res.Task.Version}, nil
}

// OverrideInput carries gov_override.
type OverrideInput struct {
	TaskID          string `json:"taskId"`
	Reason          string `json:"reason"`
	AcceptedRisk    string `json:"acceptedRisk"`
	ReviewDeadline  string `json:"reviewDeadline"`
	ExpectedVersion *int64 `json:"expectedVersion,omitempty"`
}

// Override force-completes a task from REVIEW or APPROVAL. Only the
// privileged caller may override.
func (k *Kernel) Override(ctx context.Context, actor string, in OverrideInput) (result *TransitionResult, err error) {
	ctx, span := otelPkg.StartSpan(ctx, k.tracer, "governance.override",
		otelPkg.AttrTaskID.String(in.TaskID), otelPkg.AttrCaller.String(actor))
	defer func() { otelPkg.EndSpan(span, err) }()

	if !k.IsPrivileged(actor) {
		return nil, forbiddenf("OVERRIDE_FORBIDDEN", "only %s may override", k.mainGroup)
	}
	reason := strings.TrimSpace(in.Reason)
	risk := strings.TrimSpace(in.AcceptedRisk)
	if reason == "" || risk == "" {
		return nil, validationf("OVERRIDE_INCOMPLETE", "override needs reason and acceptedRisk")
	}
	deadline, err := parseDeadline(in.ReviewDeadline)
	if err != nil {
		return nil, err
	}

	res, err := k.store.TransitionGovTask(ctx, persistence.TransitionRequest{
		TaskID:          in.TaskID,
		To:              persistence.StateDone,
		ExpectedVersion: in.ExpectedVersion,
		Actor:           actor,
		Reason:          reason,
		Override: &persistence.OverrideStamp{
			By:             actor,
			Reason:         reason,
			AcceptedRisk:   risk,
			ReviewDeadline: deadline,
		},
	})
	if err != nil {
		return nil, k.failed(ctx, "override", in.TaskID, err)
	}
	k.metrics.RecordTransition(ctx, string(res.From), string(res.Task.State), true)
	telemetry.FromContext(ctx, k.logger).Warn("task overridden",
		"task_id", res.Task.ID, "from", res.From, "version", res.Task.Version, "accepted_risk", risk, "review_deadline", deadline)
	return &TransitionResult{TaskID: res.Task.ID, From: res.From, To: res.Task.State, Version: res.Task.Version}, nil
}

// parseDeadline accepts RFC 3339 timestamps or plain dates and returns the
// normalized string stored in the override stamp.
func parseDeadline(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", validationf("OVERRIDE_INCOMPLETE", "override needs reviewDeadline")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC().Format(time.RFC3339), nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t.Format(time.DateOnly), nil
	}
	return "", validationf("INVALID_DEADLINE", "reviewDeadline %q is not a date", s)
}

// Dispatch advances task to the given state through the dispatch ledger. The
// claim and the transition commit together, so dispatched=false with a nil
// error means another pass already handled this version or the task moved.
func (k *Kernel) Dispatch(ctx context.Context, task persistence.GovTask, to persistence.GovState) (dispatched bool, err error) {
	ctx, span := otelPkg.StartSpan(ctx, k.tracer, "governance.dispatch",
		otelPkg.AttrTaskID.String(task.ID))
	defer func() { otelPkg.EndSpan(span, err) }()

	version := task.Version
	_, err = k.store.TransitionGovTask(ctx, persistence.TransitionRequest{
		TaskID:          task.ID,
		To:              to,
		ExpectedVersion: &version,
		Actor:           SchedulerActor,
		Reason:          "dispatch",
		Dispatch: &persistence.GovDispatch{
			FromState:   task.State,
			ToState:     to,
			DispatchKey: persistence.DispatchKey(task.ID, task.State, to, version),
			GroupFolder: task.AssignedGroup,
		},
	})
	switch {
	case err == nil:
		k.metrics.RecordDispatch(ctx, "dispatched")
		k.metrics.RecordTransition(ctx, string(task.State), string(to), false)
		return true, nil
	case errors.Is(err, persistence.ErrDuplicate):
		k.metrics.RecordDispatch(ctx, "duplicate")
		return false, nil
	case errors.Is(err, persistence.ErrVersionConflict), errors.Is(err, persistence.ErrInvalidTransition):
		k.metrics.RecordDispatch(ctx, "conflict")
		return false, nil
	default:
		return false, translate(err)
	}
}

// ClaimDispatch inserts a bare ledger claim. claimed=false means the key was
// already taken.
func (k *Kernel) ClaimDispatch(ctx context.Context, d persistence.GovDispatch) (bool, error) {
	claimed, err := k.store.ClaimDispatch(ctx, d)
	if err != nil {
		return false, translate(err)
	}
	return claimed, nil
}

func (k *Kernel) failed(ctx context.Context, op, taskID string, err error) error {
	out := translate(err)
	if errors.Is(out, ErrVersionConflict) {
		k.metrics.RecordConflict(ctx)
	}
	telemetry.FromContext(ctx, k.logger).Info("task mutation rejected",
		"op", op, "task_id", taskID, "kind", KindOf(out), "reason", ReasonOf(out))
	return out
}

// Read path. These reflect store state at query time.

func (k *Kernel) Get(ctx context.Context, taskID string) (*persistence.GovTask, error) {
	t, err := k.store.GetGovTask(ctx, taskID)
	if err != nil {
		return nil, translate(err)
	}
	return t, nil
}

func (k *Kernel) List(ctx context.Context, f persistence.GovTaskFilter) ([]persistence.GovTask, error) {
	tasks, err := k.store.ListGovTasks(ctx, f)
	if err != nil {
		return nil, translate(err)
	}
	return tasks, nil
}

// Dispatchable returns tasks the scheduler may advance right now.
func (k *Kernel) Dispatchable(ctx context.Context, limit int) ([]persistence.GovTask, error) {
	tasks, err := k.store.DispatchableTasks(ctx, limit)
	if err != nil {
		return nil, translate(err)
	}
	return tasks, nil
}

func (k *Kernel) Approvals(ctx context.Context, taskID string) ([]persistence.GovApproval, error) {
	list, err := k.store.ListApprovals(ctx, taskID)
	if err != nil {
		return nil, translate(err)
	}
	return list, nil
}

func (k *Kernel) History(ctx context.Context, taskID string, limit int) ([]persistence.GovActivity, error) {
	rows, err := k.store.ListActivity(ctx, taskID, limit)
	if err != nil {
		return nil, translate(err)
	}
	return rows, nil
}

func (k *Kernel) DistinctApprovers(ctx context.Context, taskID string) (int, error) {
	n, err := k.store.DistinctApprovers(ctx, taskID)
	if err != nil {
		return 0, translate(err)
	}
	return n, nil
}

func (k *Kernel) HasGateApproval(ctx context.Context, taskID, gate string) (bool, error) {
	ok, err := k.store.HasGateApproval(ctx, taskID, gate)
	if err != nil {
		return false, translate(err)
	}
	return ok, nil
}

// Events exposes the store's bus for callers that want task notifications.
func (k *Kernel) Events() *bus.Bus { return k.store.Bus() }
