// Package broker authorizes and executes externally requested provider
// actions. It owns the capability lifecycle and reads, but never mutates,
// task and approval state.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/clawgov/internal/audit"
	"github.com/basket/clawgov/internal/bus"
	"github.com/basket/clawgov/internal/governance"
	otelPkg "github.com/basket/clawgov/internal/otel"
	"github.com/basket/clawgov/internal/persistence"
	"github.com/basket/clawgov/internal/policy"
	"github.com/basket/clawgov/internal/provider"
	"github.com/basket/clawgov/internal/safety"
	"github.com/basket/clawgov/internal/shared"
	"github.com/basket/clawgov/internal/telemetry"
)

const (
	DefaultMaxInFlight = 5
	// DefaultAbandonAfter is how long a processing row may go untouched
	// before RecoverAbandoned fails it.
	DefaultAbandonAfter = 10 * time.Minute
	// MaxErrorLen bounds stored provider error strings.
	MaxErrorLen = 500
)

// Call outcome statuses.
const (
	StatusExecuted = string(persistence.ExtCallExecuted)
	StatusFailed   = string(persistence.ExtCallFailed)
	StatusDenied   = string(persistence.ExtCallDenied)
)

// Denial reasons. Each is stable and machine-readable.
const (
	ReasonInvalidSignature   = "INVALID_SIGNATURE"
	ReasonSignatureRequired  = "SIGNATURE_REQUIRED"
	ReasonBusy               = "BUSY"
	ReasonUnknownProvider    = "UNKNOWN_PROVIDER"
	ReasonProviderDisabled   = "PROVIDER_DISABLED"
	ReasonUnknownAction      = "UNKNOWN_ACTION"
	ReasonNoCapability       = "NO_CAPABILITY"
	ReasonCapabilityExpired  = "CAPABILITY_EXPIRED"
	ReasonInsufficientAccess = "INSUFFICIENT_ACCESS"
	ReasonActionDenied       = "ACTION_DENIED"
	ReasonActionNotAllowed   = "ACTION_NOT_ALLOWED"
	ReasonTaskNotFound       = "TASK_NOT_FOUND"
	ReasonTaskStateInvalid   = "TASK_STATE_INVALID"
	ReasonTaskGroupMismatch  = "TASK_GROUP_MISMATCH"
	ReasonProductMismatch    = "CAPABILITY_PRODUCT_MISMATCH"
	ReasonTaskRequired       = "TASK_REQUIRED"
	ReasonGateApproval       = "GATE_APPROVAL_MISSING"
	ReasonTwoManRule         = "TWO_MAN_RULE"
	ReasonInvalidParams      = "INVALID_PARAMS"
	ReasonProviderFailure    = "PROVIDER_FAILURE"
	ReasonProviderError      = "PROVIDER_ERROR"
)

// CallRequest is the ext_call command body.
type CallRequest struct {
	RequestID      string          `json:"request_id"`
	Provider       string          `json:"provider"`
	Action         string          `json:"action"`
	Params         json.RawMessage `json:"params,omitempty"`
	TaskID         string          `json:"task_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Sig            string          `json:"sig,omitempty"`
}

// Response is written back to the caller for every decided call.
type Response struct {
	RequestID string          `json:"request_id"`
	Status    string          `json:"status"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Cached    bool            `json:"cached,omitempty"`
	// Replayed marks a response rebuilt from the ledger for a request whose
	// original reply was lost.
	Replayed bool `json:"replayed,omitempty"`
	// Warnings name credential kinds spotted in Data. The data is still
	// returned as-is.
	Warnings  []string  `json:"warnings,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Settings are the hot-reloadable knobs.
type Settings struct {
	MaxInFlight       int
	RequireSignatures bool
	// CallerSecrets maps caller group to its HMAC secret.
	CallerSecrets map[string]string
}

// Config holds the broker's dependencies.
type Config struct {
	Store    *persistence.Store
	Kernel   *governance.Kernel
	Registry *provider.Registry
	Policy   policy.Checker // optional provider kill switch
	Logger   *slog.Logger
	Metrics  *otelPkg.Metrics
	Tracer   trace.Tracer
	Settings Settings
	// GrantExpiry maps access level to grant lifetime. Levels >= 2 without
	// an entry get DefaultGrantExpiry.
	GrantExpiry map[int]time.Duration
	// AbandonAfter overrides DefaultAbandonAfter.
	AbandonAfter time.Duration
	Now          func() time.Time
}

type Broker struct {
	store    *persistence.Store
	kernel   *governance.Kernel
	registry *provider.Registry
	policy   policy.Checker
	logger   *slog.Logger
	metrics  *otelPkg.Metrics
	tracer   trace.Tracer
	expiry   map[int]time.Duration
	abandon  time.Duration
	now      func() time.Time
	leaks    *safety.LeakDetector

	mu       sync.RWMutex
	settings Settings
}

func New(cfg Config) (*Broker, error) {
	if cfg.Store == nil || cfg.Kernel == nil || cfg.Registry == nil {
		return nil, errors.New("broker: store, kernel and registry are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	expiry := map[int]time.Duration{}
	for lvl, d := range cfg.GrantExpiry {
		if d > 0 {
			expiry[lvl] = d
		}
	}
	abandon := cfg.AbandonAfter
	if abandon <= 0 {
		abandon = DefaultAbandonAfter
	}
	b := &Broker{
		store:    cfg.Store,
		kernel:   cfg.Kernel,
		registry: cfg.Registry,
		policy:   cfg.Policy,
		logger:   logger,
		metrics:  cfg.Metrics,
		tracer:   tracer,
		expiry:   expiry,
		abandon:  abandon,
		now:      now,
		leaks:    safety.NewLeakDetector(),
	}
	b.UpdateSettings(cfg.Settings)
	return b, nil
}

// UpdateSettings swaps the reloadable settings. Safe to call while serving.
func (b *Broker) UpdateSettings(s Settings) {
	if s.MaxInFlight <= 0 {
		s.MaxInFlight = DefaultMaxInFlight
	}
	secrets := make(map[string]string, len(s.CallerSecrets))
	for k, v := range s.CallerSecrets {
		if strings.TrimSpace(v) != "" {
			secrets[k] = v
		}
	}
	s.CallerSecrets = secrets
	b.mu.Lock()
	b.settings = s
	b.mu.Unlock()
}

func (b *Broker) currentSettings() Settings {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.settings
}

func (b *Broker) policyVersion() string {
	if b.policy == nil {
		return ""
	}
	return b.policy.PolicyVersion()
}

// denial carries a pipeline rejection.
type denial struct {
	reason  string
	message string
}

func deny(reason, format string, args ...any) *denial {
	return &denial{reason: reason, message: fmt.Sprintf(format, args...)}
}

// Call runs the authorization pipeline for one ext_call and, if admitted,
// executes it. A nil response with a nil error means req was a replay (or
// lost a race to one) and nothing new was written. Errors are reserved for
// malformed input and store failures.
func (b *Broker) Call(ctx context.Context, caller string, req CallRequest) (resp *Response, err error) {
	ctx = shared.EnsureTraceID(ctx)
	ctx = shared.WithCaller(ctx, caller)
	ctx = shared.WithRequestID(ctx, req.RequestID)
	ctx, span := otelPkg.StartServerSpan(ctx, b.tracer, "broker.ext_call",
		otelPkg.AttrCaller.String(caller),
		otelPkg.AttrRequestID.String(req.RequestID),
		otelPkg.AttrProvider.String(req.Provider),
		otelPkg.AttrAction.String(req.Action),
	)
	defer func() {
		if resp != nil {
			otelPkg.Decision(span, resp.Status, resp.Reason)
		}
		otelPkg.EndSpan(span, err)
	}()

	if strings.TrimSpace(caller) == "" {
		return nil, &governance.Error{Kind: governance.KindValidation, Reason: "CALLER_REQUIRED", Message: "caller identity is required"}
	}
	if strings.TrimSpace(req.RequestID) == "" {
		return nil, &governance.Error{Kind: governance.KindValidation, Reason: "REQUEST_ID_REQUIRED", Message: "request_id is required"}
	}

	// 1. Replay.
	seen, err := b.store.ExtCallExists(ctx, req.RequestID)
	if err != nil {
		return nil, err
	}
	if seen {
		telemetry.FromContext(ctx, b.logger).Debug("ext_call replay skipped")
		return nil, nil
	}

	row := persistence.ExtCall{
		RequestID:      req.RequestID,
		GroupFolder:    caller,
		Provider:       req.Provider,
		Action:         req.Action,
		ParamsHash:     paramsHash(req.Params),
		TaskID:         req.TaskID,
		IdempotencyKey: req.IdempotencyKey,
	}

	prov, act, capability, d, err := b.authorize(ctx, caller, req, &row)
	if err != nil {
		return nil, err
	}
	if d != nil {
		return b.finishDenied(ctx, row, d)
	}

	// 13. Idempotency cache for non-idempotent actions.
	if !act.Idempotent && req.IdempotencyKey != "" {
		cached, ok, err := b.store.CachedResponse(ctx, caller, req.Provider, req.Action, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if ok {
			row.Status = persistence.ExtCallExecuted
			row.Response = cached
			if err := b.store.InsertExtCall(ctx, row); err != nil {
				if errors.Is(err, persistence.ErrDuplicate) {
					return nil, nil
				}
				return nil, err
			}
			out := b.respond(row, json.RawMessage(cached), "", "")
			out.Cached = true
			b.decided(ctx, row, "idempotent_replay")
			return out, nil
		}
	}

	// 14. Claim. The in-flight limit is enforced again inside the claim
	// transaction; step 3 only turns away the obvious overflow early.
	limit := b.currentSettings().MaxInFlight
	switch err := b.store.ClaimExtCall(ctx, row, limit); {
	case errors.Is(err, persistence.ErrDuplicate):
		return nil, nil
	case errors.Is(err, persistence.ErrInFlightLimit):
		return b.finishDenied(ctx, row, deny(ReasonBusy, "%d calls already in flight (max %d)", limit, limit))
	case err != nil:
		return nil, err
	}
	row.Status = persistence.ExtCallProcessing

	// 15. Execute.
	return b.execute(ctx, caller, req, row, prov, act, capability)
}

// authorize runs steps 2-12. It fills row's level, product and scope as it
// learns them so denied rows carry as much context as possible.
func (b *Broker) authorize(ctx context.Context, caller string, req CallRequest, row *persistence.ExtCall) (*provider.Provider, *provider.Action, *persistence.Capability, *denial, error) {
	settings := b.currentSettings()

	// 2. Signature.
	if secret, ok := settings.CallerSecrets[caller]; ok {
		if req.Sig == "" || !verifySignature(secret, req) {
			return nil, nil, nil, deny(ReasonInvalidSignature, "request signature is missing or invalid"), nil
		}
	} else if settings.RequireSignatures {
		return nil, nil, nil, deny(ReasonSignatureRequired, "signed requests are required but no secret is provisioned for %s", caller), nil
	}

	// 3. Backpressure.
	inFlight, err := b.store.CountInFlight(ctx, caller)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if inFlight >= settings.MaxInFlight {
		return nil, nil, nil, deny(ReasonBusy, "%d calls already in flight (max %d)", inFlight, settings.MaxInFlight), nil
	}

	// 4. Provider and action.
	prov, act, err := b.registry.Lookup(req.Provider, req.Action)
	switch {
	case errors.Is(err, provider.ErrUnknownProvider):
		return nil, nil, nil, deny(ReasonUnknownProvider, "unknown provider %q", req.Provider), nil
	case errors.Is(err, provider.ErrUnknownAction):
		return nil, nil, nil, deny(ReasonUnknownAction, "unknown action %q for provider %s", req.Action, req.Provider), nil
	case err != nil:
		return nil, nil, nil, nil, err
	}
	row.AccessLevel = act.Level
	if b.policy != nil && !b.policy.AllowProvider(prov.Name) {
		return nil, nil, nil, deny(ReasonProviderDisabled, "provider %s is disabled by policy", prov.Name), nil
	}

	// 5. Capability.
	capability, err := b.store.GetCapability(ctx, caller, prov.Name)
	if errors.Is(err, persistence.ErrNotFound) || (err == nil && !capability.Active) {
		return nil, nil, nil, deny(ReasonNoCapability, "no capability for %s on %s", caller, prov.Name), nil
	}
	if err != nil {
		return nil, nil, nil, nil, err
	}
	row.ProductID = capability.ProductID

	// 6. Expiry.
	if capability.Expired(b.now()) {
		return nil, nil, nil, deny(ReasonCapabilityExpired, "capability for %s on %s expired at %s",
			caller, prov.Name, capability.ExpiresAt.UTC().Format(time.RFC3339)), nil
	}

	// 7. Level.
	if act.Level > capability.AccessLevel {
		return nil, nil, nil, deny(ReasonInsufficientAccess, "Insufficient access: %s.%s needs level %d, granted %d",
			prov.Name, act.Name, act.Level, capability.AccessLevel), nil
	}

	// 8. Deny-list wins over the allow-list.
	if containsAction(capability.DeniedActions, act.Name) {
		return nil, nil, nil, deny(ReasonActionDenied, "action %s is denied for %s", act.Name, caller), nil
	}
	// 9. Allow-list.
	if capability.AllowedActions != nil && !containsAction(capability.AllowedActions, act.Name) {
		return nil, nil, nil, deny(ReasonActionNotAllowed, "action %s is not in the allow-list for %s", act.Name, caller), nil
	}

	// 10. Task coupling.
	var task *persistence.GovTask
	if act.Level >= 2 && req.TaskID != "" {
		var d *denial
		task, d, err = b.checkTask(ctx, caller, req.TaskID, capability)
		if err != nil || d != nil {
			return nil, nil, nil, d, err
		}
		row.Scope = string(task.Scope)
		if task.ProductID != "" {
			row.ProductID = task.ProductID
		}
	}

	// 11. Two-man rule.
	if act.Level == 3 {
		if task == nil {
			return nil, nil, nil, deny(ReasonTaskRequired, "level 3 action %s requires task_id", act.Name), nil
		}
		if gate := capability.RequiresTaskGate; gate != "" {
			ok, err := b.kernel.HasGateApproval(ctx, task.ID, gate)
			if err != nil {
				return nil, nil, nil, nil, err
			}
			if !ok {
				return nil, nil, nil, deny(ReasonGateApproval, "task %s has no %s approval", task.ID, gate), nil
			}
		}
		n, err := b.kernel.DistinctApprovers(ctx, task.ID)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		if n < 2 {
			return nil, nil, nil, deny(ReasonTwoManRule, "task %s has %d distinct approver(s), needs 2", task.ID, n), nil
		}
	}

	// 12. Parameters.
	if err := act.ValidateParams(req.Params); err != nil {
		return nil, nil, nil, deny(ReasonInvalidParams, "%v", err), nil
	}
	return prov, act, capability, nil, nil
}

func (b *Broker) checkTask(ctx context.Context, caller, taskID string, capability *persistence.Capability) (*persistence.GovTask, *denial, error) {
	task, err := b.kernel.Get(ctx, taskID)
	if errors.Is(err, governance.ErrNotFound) {
		return nil, deny(ReasonTaskNotFound, "task %s not found", taskID), nil
	}
	if err != nil {
		return nil, nil, err
	}
	if task.State != persistence.StateDoing && task.State != persistence.StateApproval {
		return nil, deny(ReasonTaskStateInvalid, "task %s is %s, needs DOING or APPROVAL", task.ID, task.State), nil
	}
	privileged := b.kernel.IsPrivileged(caller)
	if task.AssignedGroup != caller && !privileged {
		return nil, deny(ReasonTaskGroupMismatch, "task %s is assigned to %q", task.ID, task.AssignedGroup), nil
	}
	if !productScopeAllows(task, capability, privileged) {
		return nil, deny(ReasonProductMismatch, "capability scope %q does not cover task %s (%s %s)",
			capability.ProductID, task.ID, task.Scope, task.ProductID), nil
	}
	return task, nil, nil
}

// productScopeAllows: a product capability covers only tasks of that product;
// a company-wide capability covers COMPANY tasks, and PRODUCT tasks only for
// the privileged caller.
func productScopeAllows(task *persistence.GovTask, capability *persistence.Capability, privileged bool) bool {
	switch task.Scope {
	case persistence.ScopeProduct:
		if capability.ProductID == "" {
			return privileged
		}
		return capability.ProductID == task.ProductID
	default:
		return capability.ProductID == ""
	}
}

func containsAction(list []string, action string) bool {
	for _, a := range list {
		if strings.TrimSpace(a) == action {
			return true
		}
	}
	return false
}

func (b *Broker) execute(ctx context.Context, caller string, req CallRequest, row persistence.ExtCall,
	prov *provider.Provider, act *provider.Action, capability *persistence.Capability) (*Response, error) {
	ctx, span := otelPkg.StartClientSpan(ctx, b.tracer, "provider.execute",
		otelPkg.AttrProvider.String(prov.Name), otelPkg.AttrAction.String(act.Name), otelPkg.AttrLevel.Int(act.Level))
	done := b.metrics.TrackExecution(ctx, prov.Name, act.Name)
	start := time.Now()
	res, execErr := b.execSafely(ctx, prov, act, provider.Request{
		RequestID: req.RequestID,
		Caller:    caller,
		TaskID:    req.TaskID,
		Params:    req.Params,
	})
	elapsed := time.Since(start)
	done(execErr == nil && res.OK)
	otelPkg.EndSpan(span, execErr)

	var (
		status persistence.ExtCallStatus
		stored string
		out    *Response
		reason string
	)
	switch {
	case execErr != nil:
		status = persistence.ExtCallFailed
		reason = ReasonProviderError
		stored = truncate(shared.Redact(execErr.Error()), MaxErrorLen)
		out = b.respond(row, nil, stored, reason)
	case !res.OK:
		status = persistence.ExtCallFailed
		reason = ReasonProviderFailure
		stored = truncate(shared.Redact(act.SummarizeFailure(res)), MaxErrorLen)
		out = b.respond(row, nil, stored, reason)
	default:
		status = persistence.ExtCallExecuted
		data := res.Data
		if len(data) == 0 {
			data = json.RawMessage("null")
		}
		stored = string(data)
		out = b.respond(row, data, "", "")
		if findings := b.leaks.Scan(stored); len(findings) > 0 {
			out.Warnings = make([]string, 0, len(findings))
			for _, kind := range safety.Kinds(findings) {
				out.Warnings = append(out.Warnings, "possible "+kind+" in provider result")
			}
			telemetry.FromContext(ctx, b.logger).Warn("provider result carries credential-like data",
				"provider", prov.Name, "action", act.Name, "kinds", safety.Kinds(findings))
		}
	}
	out.Status = string(status)

	// The provider already ran; the finish write must survive cancellation.
	err := b.store.FinishExtCall(context.WithoutCancel(ctx), row.RequestID, status, reason, stored, elapsed)
	if errors.Is(err, persistence.ErrNotFound) {
		// RecoverAbandoned got there first; the ledger keeps its verdict.
		telemetry.FromContext(ctx, b.logger).Warn("ext_call finished after it was abandoned",
			"provider", prov.Name, "action", act.Name, "duration_ms", elapsed.Milliseconds())
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	row.Status = status
	row.DenialReason = reason
	b.decided(ctx, row, reason)
	telemetry.FromContext(ctx, b.logger).Info("ext_call finished",
		"provider", prov.Name, "action", act.Name, "status", status, "duration_ms", elapsed.Milliseconds(),
		"capability_level", capability.AccessLevel)
	return out, nil
}

// execSafely turns a provider panic into an error so the row still finishes.
func (b *Broker) execSafely(ctx context.Context, prov *provider.Provider, act *provider.Action, req provider.Request) (res provider.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("provider panic: %v", r)
		}
	}()
	return b.registry.Execute(ctx, prov, act, req)
}

func (b *Broker) finishDenied(ctx context.Context, row persistence.ExtCall, d *denial) (*Response, error) {
	row.Status = persistence.ExtCallDenied
	row.DenialReason = d.reason
	row.Response = truncate(d.message, MaxErrorLen)
	if err := b.store.InsertExtCall(ctx, row); err != nil {
		if errors.Is(err, persistence.ErrDuplicate) {
			return nil, nil
		}
		return nil, err
	}
	b.decided(ctx, row, d.reason)
	return b.respond(row, nil, row.Response, d.reason), nil
}

// StoredResponse rebuilds the reply to a decided call from the ledger. It
// returns nil while the call is still processing, and for request ids that
// are unknown or belong to another caller.
func (b *Broker) StoredResponse(ctx context.Context, caller, requestID string) (*Response, error) {
	row, err := b.store.GetExtCall(ctx, requestID)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if row.GroupFolder != caller || row.Status == persistence.ExtCallProcessing {
		return nil, nil
	}
	var out *Response
	if row.Status == persistence.ExtCallExecuted {
		data := json.RawMessage(row.Response)
		if !json.Valid(data) {
			data = json.RawMessage("null")
		}
		out = b.respond(*row, data, "", "")
	} else {
		out = b.respond(*row, nil, row.Response, row.DenialReason)
	}
	out.Replayed = true
	return out, nil
}

// RecoverAbandoned fails processing rows untouched for longer than the
// abandon window. Each one is audited like any other decision.
func (b *Broker) RecoverAbandoned(ctx context.Context) (int, error) {
	cutoff := b.now().Add(-b.abandon)
	rows, err := b.store.AbandonStaleExtCalls(ctx, cutoff, ReasonProviderError,
		fmt.Sprintf("abandoned: no result after %s", b.abandon))
	if err != nil {
		return 0, err
	}
	for _, row := range rows {
		rctx := shared.WithRequestID(shared.WithCaller(ctx, row.GroupFolder), row.RequestID)
		b.decided(rctx, row, ReasonProviderError)
	}
	return len(rows), nil
}

func (b *Broker) respond(row persistence.ExtCall, data json.RawMessage, errMsg, reason string) *Response {
	return &Response{
		RequestID: row.RequestID,
		Status:    string(row.Status),
		Data:      data,
		Error:     errMsg,
		Reason:    reason,
		Timestamp: b.now().UTC(),
	}
}

// decided fans a terminal decision out to audit, the bus, metrics and logs.
func (b *Broker) decided(ctx context.Context, row persistence.ExtCall, reason string) {
	decision := audit.DecisionAllow
	if row.Status == persistence.ExtCallDenied {
		decision = audit.DecisionDeny
	}
	audit.Record(ctx, audit.Entry{
		Decision:      decision,
		Action:        "ext_call:" + row.Provider + "." + row.Action,
		Reason:        reasonOr(reason, string(row.Status)),
		Subject:       row.GroupFolder,
		Caller:        row.GroupFolder,
		RequestID:     row.RequestID,
		PolicyVersion: b.policyVersion(),
	})
	b.store.Bus().Publish(bus.TopicExtCallDecided, bus.ExtCallDecidedEvent{
		RequestID: row.RequestID,
		Group:     row.GroupFolder,
		Provider:  row.Provider,
		Action:    row.Action,
		Status:    string(row.Status),
		Reason:    reason,
	})
	b.metrics.RecordDecision(ctx, row.Provider, string(row.Status), reason)
	if row.Status == persistence.ExtCallDenied {
		telemetry.FromContext(ctx, b.logger).Info("ext_call denied",
			"provider", row.Provider, "action", row.Action, "reason", reason)
	}
}

func reasonOr(reason, fallback string) string {
	if reason != "" {
		return reason
	}
	return fallback
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
