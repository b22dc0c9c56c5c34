// Package ipc is the command surface of the governance kernel: a closed set
// of command kinds, the handler that dispatches them, and the file-drop
// transport that feeds it.
package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/basket/clawgov/internal/broker"
	"github.com/basket/clawgov/internal/governance"
)

// Command kinds.
const (
	KindCreate     = "gov_create"
	KindTransition = "gov_transition"
	KindApprove    = "gov_approve"
	KindOverride   = "gov_override"
	KindCall       = "ext_call"
	KindGrant      = "ext_grant"
	KindRevoke     = "ext_revoke"
)

// Visitor has one method per command kind. Adding a kind means adding a
// method here, which every implementation must then provide.
type Visitor interface {
	Create(ctx context.Context, c *CreateCommand) (any, error)
	Transition(ctx context.Context, c *TransitionCommand) (any, error)
	Approve(ctx context.Context, c *ApproveCommand) (any, error)
	Override(ctx context.Context, c *OverrideCommand) (any, error)
	Call(ctx context.Context, c *CallCommand) (any, error)
	Grant(ctx context.Context, c *GrantCommand) (any, error)
	Revoke(ctx context.Context, c *RevokeCommand) (any, error)
}

// Command is implemented only by the types in this file.
type Command interface {
	Kind() string
	Accept(ctx context.Context, v Visitor) (any, error)
	sealed()
}

type CreateCommand struct{ governance.CreateInput }

type TransitionCommand struct{ governance.TransitionInput }

type ApproveCommand struct{ governance.ApproveInput }

type OverrideCommand struct{ governance.OverrideInput }

type CallCommand struct{ broker.CallRequest }

type GrantCommand struct{ broker.GrantRequest }

type RevokeCommand struct{ broker.RevokeRequest }

func (*CreateCommand) Kind() string     { return KindCreate }
func (*TransitionCommand) Kind() string { return KindTransition }
func (*ApproveCommand) Kind() string    { return KindApprove }
func (*OverrideCommand) Kind() string   { return KindOverride }
func (*CallCommand) Kind() string       { return KindCall }
func (*GrantCommand) Kind() string      { return KindGrant }
func (*RevokeCommand) Kind() string     { return KindRevoke }

func (c *CreateCommand) Accept(ctx context.Context, v Visitor) (any, error) { return v.Create(ctx, c) }
func (c *TransitionCommand) Accept(ctx context.Context, v Visitor) (any, error) {
	return v.Transition(ctx, c)
}
func (c *ApproveCommand) Accept(ctx context.Context, v Visitor) (any, error) {
	return v.Approve(ctx, c)
}
func (c *OverrideCommand) Accept(ctx context.Context, v Visitor) (any, error) {
	return v.Override(ctx, c)
}
func (c *CallCommand) Accept(ctx context.Context, v Visitor) (any, error)   { return v.Call(ctx, c) }
func (c *GrantCommand) Accept(ctx context.Context, v Visitor) (any, error)  { return v.Grant(ctx, c) }
func (c *RevokeCommand) Accept(ctx context.Context, v Visitor) (any, error) { return v.Revoke(ctx, c) }

func (*CreateCommand) sealed()     {}
func (*TransitionCommand) sealed() {}
func (*ApproveCommand) sealed()    {}
func (*OverrideCommand) sealed()   {}
func (*CallCommand) sealed()       {}
func (*GrantCommand) sealed()      {}
func (*RevokeCommand) sealed()     {}

// envelope carries the fields shared by every wire command. "id" belongs to
// gov_create, so the response name travels as command_id.
type envelope struct {
	Type      string `json:"type"`
	CommandID string `json:"command_id,omitempty"`
}

// Decode parses a wire command. The returned id is the optional command_id
// used to name the response.
func Decode(raw []byte) (cmd Command, id string, err error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, "", &governance.Error{Kind: governance.KindValidation, Reason: "MALFORMED_COMMAND", Message: err.Error(), Err: err}
	}
	switch strings.TrimSpace(env.Type) {
	case KindCreate:
		cmd = &CreateCommand{}
	case KindTransition:
		cmd = &TransitionCommand{}
	case KindApprove:
		cmd = &ApproveCommand{}
	case KindOverride:
		cmd = &OverrideCommand{}
	case KindCall:
		cmd = &CallCommand{}
	case KindGrant:
		cmd = &GrantCommand{}
	case KindRevoke:
		cmd = &RevokeCommand{}
	default:
		return nil, env.CommandID, &governance.Error{
			Kind:    governance.KindValidation,
			Reason:  "UNKNOWN_COMMAND",
			Message: fmt.Sprintf("unknown command type %q", env.Type),
		}
	}
	if err := json.Unmarshal(raw, cmd); err != nil {
		return nil, env.CommandID, &governance.Error{Kind: governance.KindValidation, Reason: "MALFORMED_COMMAND", Message: err.Error(), Err: err}
	}
	return cmd, env.CommandID, nil
}

// Encode renders cmd with its type tag, the inverse of Decode.
func Encode(cmd Command, id string) ([]byte, error) {
	body, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	fields["type"], _ = json.Marshal(cmd.Kind())
	if id != "" {
		fields["command_id"], _ = json.Marshal(id)
	}
	return json.Marshal(fields)
}
