package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/basket/clawgov/internal/broker"
	"github.com/basket/clawgov/internal/ipc"
	"github.com/basket/clawgov/internal/persistence"
	"github.com/basket/clawgov/internal/shared"
)

func runGrantCommand(ctx context.Context, args []string, out io.Writer) int {
	fs, as := newFlags("grant")
	level := fs.Int("level", -1, "access level 0-3")
	allow := fs.StringSlice("allow", nil, "allow-list of actions")
	deny := fs.StringSlice("deny", nil, "deny-list of actions")
	gate := fs.String("gate", "", "task gate every call must have approved")
	product := fs.String("product", "", "restrict to one product")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	pos, ok := positional(fs, 2, "clawgov grant GROUP PROVIDER --level N")
	if !ok {
		return 2
	}
	req := broker.GrantRequest{
		GroupFolder:      pos[0],
		Provider:         pos[1],
		AccessLevel:      *level,
		RequiresTaskGate: *gate,
		ProductID:        *product,
	}
	if fs.Changed("allow") {
		req.AllowedActions = *allow
	}
	if fs.Changed("deny") {
		req.DeniedActions = *deny
	}
	return handle(ctx, out, *as, &ipc.GrantCommand{GrantRequest: req})
}

func runRevokeCommand(ctx context.Context, args []string, out io.Writer) int {
	fs, as := newFlags("revoke")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	pos, ok := positional(fs, 2, "clawgov revoke GROUP PROVIDER")
	if !ok {
		return 2
	}
	return handle(ctx, out, *as, &ipc.RevokeCommand{RevokeRequest: broker.RevokeRequest{
		GroupFolder: pos[0],
		Provider:    pos[1],
	}})
}

// runCallCommand issues an ext_call, signing it when the acting group has a
// configured secret.
func runCallCommand(ctx context.Context, args []string, out io.Writer) int {
	fs, as := newFlags("call")
	params := fs.String("params", "{}", "action parameters as a JSON object")
	taskID := fs.String("task", "", "task the call is made for")
	key := fs.String("key", "", "idempotency key")
	requestID := fs.String("request-id", "", "request id (default: generated)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	pos, ok := positional(fs, 2, "clawgov call PROVIDER ACTION [--params JSON]")
	if !ok {
		return 2
	}
	if !json.Valid([]byte(*params)) {
		fmt.Fprintln(os.Stderr, "--params must be valid JSON")
		return 2
	}
	req := broker.CallRequest{
		RequestID:      *requestID,
		Provider:       pos[0],
		Action:         pos[1],
		Params:         json.RawMessage(*params),
		TaskID:         *taskID,
		IdempotencyKey: *key,
	}
	if req.RequestID == "" {
		req.RequestID = shared.NewRequestID()
	}
	return withApp(ctx, os.Stderr, func(a *app) int {
		group := caller(a, *as)
		if secret := a.cfg.Governance.CallerSecrets[group]; secret != "" {
			sig, err := broker.Sign(secret, req)
			if err != nil {
				fmt.Fprintf(os.Stderr, "sign: %v\n", err)
				return 1
			}
			req.Sig = sig
		}
		resp := a.handler.Handle(ctx, group, &ipc.CallCommand{CallRequest: req})
		code := printResponse(out, resp)
		if res := callResult(resp); res != nil && res.Status != broker.StatusExecuted {
			return 1
		}
		return code
	})
}

func runCapabilitiesCommand(ctx context.Context, args []string, out io.Writer) int {
	fs := pflag.NewFlagSet("capabilities", pflag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() > 1 {
		fmt.Fprintln(os.Stderr, "usage: clawgov capabilities [GROUP]")
		return 2
	}
	return withApp(ctx, os.Stderr, func(a *app) int {
		caps, err := a.broker.Capabilities(ctx, fs.Arg(0))
		if err != nil {
			return printResponse(out, ipc.ErrorResponse("capabilities", err))
		}
		if caps == nil {
			caps = []persistence.Capability{}
		}
		if err := printJSON(out, caps); err != nil {
			return 1
		}
		return 0
	})
}

func runActionsCommand(ctx context.Context, args []string, out io.Writer) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: clawgov actions")
		return 2
	}
	return withApp(ctx, os.Stderr, func(a *app) int {
		if err := printJSON(out, a.broker.Actions()); err != nil {
			return 1
		}
		return 0
	})
}

// callResult extracts the broker response from an ext_call reply.
func callResult(resp *ipc.Response) *broker.Response {
	if resp == nil || !resp.OK {
		return nil
	}
	res, _ := resp.Result.(*broker.Response)
	return res
}
