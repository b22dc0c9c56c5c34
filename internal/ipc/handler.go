package ipc

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/clawgov/internal/broker"
	"github.com/basket/clawgov/internal/governance"
	otelPkg "github.com/basket/clawgov/internal/otel"
	"github.com/basket/clawgov/internal/persistence"
	"github.com/basket/clawgov/internal/shared"
	"github.com/basket/clawgov/internal/telemetry"
)

// ErrorBody is the wire form of a *governance.Error.
type ErrorBody struct {
	Kind           governance.Kind      `json:"kind"`
	Reason         string               `json:"reason,omitempty"`
	Message        string               `json:"message"`
	CurrentState   persistence.GovState `json:"current_state,omitempty"`
	CurrentVersion *int64               `json:"current_version,omitempty"`
}

// Response is what a transport hands back for one command.
type Response struct {
	CommandID string     `json:"command_id,omitempty"`
	Type      string     `json:"type"`
	OK        bool       `json:"ok"`
	Result    any        `json:"result,omitempty"`
	Error     *ErrorBody `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// CreateResult is the gov_create reply.
type CreateResult struct {
	ID      string               `json:"id"`
	State   persistence.GovState `json:"state"`
	Version int64                `json:"version"`
}

// RevokeResult is the ext_revoke reply.
type RevokeResult struct {
	GroupFolder string `json:"group_folder"`
	Provider    string `json:"provider"`
	Active      bool   `json:"active"`
}

// HandlerConfig holds the Handler's dependencies.
type HandlerConfig struct {
	Kernel *governance.Kernel
	Broker *broker.Broker
	Logger *slog.Logger
	Tracer trace.Tracer
}

// Handler executes decoded commands on behalf of a caller.
type Handler struct {
	kernel *governance.Kernel
	broker *broker.Broker
	logger *slog.Logger
	tracer trace.Tracer
}

func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Kernel == nil || cfg.Broker == nil {
		return nil, errors.New("ipc: kernel and broker are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	return &Handler{kernel: cfg.Kernel, broker: cfg.Broker, logger: logger, tracer: tracer}, nil
}

// Handle runs cmd as caller. A nil response means the command was a replay
// and nothing should be written back.
func (h *Handler) Handle(ctx context.Context, caller string, cmd Command) (resp *Response) {
	ctx = shared.EnsureTraceID(ctx)
	ctx = shared.WithCaller(ctx, caller)
	ctx, span := otelPkg.StartServerSpan(ctx, h.tracer, "ipc."+cmd.Kind(),
		otelPkg.AttrCommand.String(cmd.Kind()), otelPkg.AttrCaller.String(caller))

	v := &visitor{h: h, caller: caller}
	result, err := cmd.Accept(ctx, v)
	otelPkg.EndSpan(span, err)

	if err == nil && v.replay {
		return nil
	}
	resp = &Response{Type: cmd.Kind(), Timestamp: time.Now().UTC()}
	if err != nil {
		resp.Error = errorBody(err)
		logger := telemetry.FromContext(ctx, h.logger)
		if resp.Error.Kind == governance.KindInternal {
			logger.Error("command failed", "type", cmd.Kind(), "error", err)
		} else {
			logger.Info("command rejected", "type", cmd.Kind(), "kind", resp.Error.Kind, "reason", resp.Error.Reason)
		}
		return resp
	}
	resp.OK = true
	resp.Result = result
	return resp
}

// StoredCall rebuilds the ext_call reply for requestID from the ledger, for
// a replayed request whose response never reached the caller. Nil means
// there is nothing to send yet.
func (h *Handler) StoredCall(ctx context.Context, caller, requestID string) (*Response, error) {
	res, err := h.broker.StoredResponse(ctx, caller, requestID)
	if err != nil || res == nil {
		return nil, err
	}
	return &Response{Type: KindCall, OK: true, Result: res, Timestamp: time.Now().UTC()}, nil
}

// ErrorResponse wraps a decode or transport failure in a Response.
func ErrorResponse(kind string, err error) *Response {
	return &Response{Type: kind, Error: errorBody(err), Timestamp: time.Now().UTC()}
}

func errorBody(err error) *ErrorBody {
	var ge *governance.Error
	if !errors.As(err, &ge) {
		return &ErrorBody{Kind: governance.KindInternal, Message: "internal error"}
	}
	body := &ErrorBody{Kind: ge.Kind, Reason: ge.Reason, Message: ge.Message}
	if body.Message == "" {
		body.Message = ge.Error()
	}
	if ge.Kind == governance.KindVersionConflict {
		v := ge.CurrentVersion
		body.CurrentState = ge.CurrentState
		body.CurrentVersion = &v
	}
	if ge.Kind == governance.KindInternal {
		body.Message = "internal error"
	}
	return body
}

type visitor struct {
	h      *Handler
	caller string
	replay bool
}

func (v *visitor) Create(ctx context.Context, c *CreateCommand) (any, error) {
	task, err := v.h.kernel.Create(ctx, v.caller, c.CreateInput)
	if err != nil {
		return nil, err
	}
	return CreateResult{ID: task.ID, State: task.State, Version: task.Version}, nil
}

func (v *visitor) Transition(ctx context.Context, c *TransitionCommand) (any, error) {
	return v.h.kernel.Transition(ctx, v.caller, c.TransitionInput)
}

func (v *visitor) Approve(ctx context.Context, c *ApproveCommand) (any, error) {
	return v.h.kernel.Approve(ctx, v.caller, c.ApproveInput)
}

func (v *visitor) Override(ctx context.Context, c *OverrideCommand) (any, error) {
	return v.h.kernel.Override(ctx, v.caller, c.OverrideInput)
}

func (v *visitor) Call(ctx context.Context, c *CallCommand) (any, error) {
	resp, err := v.h.broker.Call(ctx, v.caller, c.CallRequest)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		v.replay = true
		return nil, nil
	}
	return resp, nil
}

func (v *visitor) Grant(ctx context.Context, c *GrantCommand) (any, error) {
	return v.h.broker.Grant(ctx, v.caller, c.GrantRequest)
}

func (v *visitor) Revoke(ctx context.Context, c *RevokeCommand) (any, error) {
	if err := v.h.broker.Revoke(ctx, v.caller, c.RevokeRequest); err != nil {
		return nil, err
	}
	return RevokeResult{GroupFolder: c.GroupFolder, Provider: c.Provider, Active: false}, nil
}
