package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/basket/clawgov/internal/governance"
	"github.com/basket/clawgov/internal/ipc"
	"github.com/basket/clawgov/internal/persistence"
)

func runTaskCommand(ctx context.Context, args []string, out io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: clawgov task create|transition|approve|override|show|list|history")
		return 2
	}
	switch args[0] {
	case "create":
		return runTaskCreate(ctx, args[1:], out)
	case "transition":
		return runTaskTransition(ctx, args[1:], out)
	case "approve":
		return runTaskApprove(ctx, args[1:], out)
	case "override":
		return runTaskOverride(ctx, args[1:], out)
	case "show":
		return runTaskShow(ctx, args[1:], out)
	case "list":
		return runTaskList(ctx, args[1:], out)
	case "history":
		return runTaskHistory(ctx, args[1:], out)
	default:
		fmt.Fprintf(os.Stderr, "unknown task action %q\n", args[0])
		return 2
	}
}

// newFlags returns a flag set with the shared --as flag.
func newFlags(name string) (*pflag.FlagSet, *string) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	as := fs.String("as", "", "act as this group (default: main group)")
	return fs, as
}

func caller(a *app, as string) string {
	if strings.TrimSpace(as) != "" {
		return strings.TrimSpace(as)
	}
	return a.cfg.MainGroup
}

// expectedVersion returns the flag value only when it was set.
func expectedVersion(fs *pflag.FlagSet, v int64) *int64 {
	if fs.Changed("expected-version") {
		return &v
	}
	return nil
}

func positional(fs *pflag.FlagSet, n int, usage string) ([]string, bool) {
	if fs.NArg() != n {
		fmt.Fprintln(os.Stderr, "usage: "+usage)
		return nil, false
	}
	return fs.Args(), true
}

// handle runs cmd through the same handler the IPC transport uses.
func handle(ctx context.Context, out io.Writer, as string, cmd ipc.Command) int {
	return withApp(ctx, os.Stderr, func(a *app) int {
		return printResponse(out, a.handler.Handle(ctx, caller(a, as), cmd))
	})
}

func runTaskCreate(ctx context.Context, args []string, out io.Writer) int {
	fs, as := newFlags("task create")
	var in governance.CreateInput
	var metadata string
	fs.StringVar(&in.ID, "id", "", "task id")
	fs.StringVar(&in.Title, "title", "", "title")
	fs.StringVar(&in.Description, "description", "", "description")
	fs.StringVar(&in.TaskType, "type", "", "task type")
	fs.StringVar(&in.Priority, "priority", "", "P0-P3 (default P2)")
	fs.StringVar(&in.Gate, "gate", "", "approval gate (default none)")
	fs.StringVar(&in.Scope, "scope", "", "COMPANY or PRODUCT")
	fs.StringVar(&in.ProductID, "product", "", "product id for PRODUCT scope")
	fs.StringVar(&in.AssignedGroup, "assign", "", "assigned group")
	fs.BoolVar(&in.DoDRequired, "dod", false, "definition of done required")
	fs.StringVar(&metadata, "metadata", "", "metadata JSON object")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if metadata != "" {
		if !json.Valid([]byte(metadata)) {
			fmt.Fprintln(os.Stderr, "--metadata must be valid JSON")
			return 2
		}
		in.Metadata = json.RawMessage(metadata)
	}
	return handle(ctx, out, *as, &ipc.CreateCommand{CreateInput: in})
}

func runTaskTransition(ctx context.Context, args []string, out io.Writer) int {
	fs, as := newFlags("task transition")
	reason := fs.String("reason", "", "reason")
	version := fs.Int64("expected-version", 0, "fail unless the task is at this version")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	pos, ok := positional(fs, 2, "clawgov task transition ID STATE")
	if !ok {
		return 2
	}
	return handle(ctx, out, *as, &ipc.TransitionCommand{TransitionInput: governance.TransitionInput{
		TaskID:          pos[0],
		To:              strings.ToUpper(pos[1]),
		Reason:          *reason,
		ExpectedVersion: expectedVersion(fs, *version),
	}})
}

func runTaskApprove(ctx context.Context, args []string, out io.Writer) int {
	fs, as := newFlags("task approve")
	notes := fs.String("notes", "", "notes")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	pos, ok := positional(fs, 2, "clawgov task approve ID GATE")
	if !ok {
		return 2
	}
	return handle(ctx, out, *as, &ipc.ApproveCommand{ApproveInput: governance.ApproveInput{
		TaskID:   pos[0],
		GateType: pos[1],
		Notes:    *notes,
	}})
}

func runTaskOverride(ctx context.Context, args []string, out io.Writer) int {
	fs, as := newFlags("task override")
	reason := fs.String("reason", "", "why the override is needed")
	risk := fs.String("risk", "", "accepted risk")
	deadline := fs.String("deadline", "", "review deadline (RFC 3339)")
	version := fs.Int64("expected-version", 0, "fail unless the task is at this version")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	pos, ok := positional(fs, 1, "clawgov task override ID --reason R --risk R --deadline T")
	if !ok {
		return 2
	}
	return handle(ctx, out, *as, &ipc.OverrideCommand{OverrideInput: governance.OverrideInput{
		TaskID:          pos[0],
		Reason:          *reason,
		AcceptedRisk:    *risk,
		ReviewDeadline:  *deadline,
		ExpectedVersion: expectedVersion(fs, *version),
	}})
}

type taskDetail struct {
	Task      *persistence.GovTask      `json:"task"`
	Approvals []persistence.GovApproval `json:"approvals"`
}

func runTaskShow(ctx context.Context, args []string, out io.Writer) int {
	fs := pflag.NewFlagSet("task show", pflag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	pos, ok := positional(fs, 1, "clawgov task show ID")
	if !ok {
		return 2
	}
	return withApp(ctx, os.Stderr, func(a *app) int {
		task, err := a.kernel.Get(ctx, pos[0])
		if err != nil {
			return printResponse(out, ipc.ErrorResponse("task_show", err))
		}
		approvals, err := a.kernel.Approvals(ctx, task.ID)
		if err != nil {
			return printResponse(out, ipc.ErrorResponse("task_show", err))
		}
		if err := printJSON(out, taskDetail{Task: task, Approvals: approvals}); err != nil {
			return 1
		}
		return 0
	})
}

func runTaskList(ctx context.Context, args []string, out io.Writer) int {
	fs := pflag.NewFlagSet("task list", pflag.ContinueOnError)
	state := fs.String("state", "", "filter by state")
	assigned := fs.String("assigned", "", "filter by assigned group")
	product := fs.String("product", "", "filter by product")
	limit := fs.Int("limit", 100, "maximum rows")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	f := persistence.GovTaskFilter{AssignedGroup: *assigned, ProductID: *product, Limit: *limit}
	if *state != "" {
		st, ok := persistence.ParseGovState(strings.ToUpper(*state))
		if !ok {
			fmt.Fprintf(os.Stderr, "unknown state %q\n", *state)
			return 2
		}
		f.State = st
	}
	return withApp(ctx, os.Stderr, func(a *app) int {
		tasks, err := a.kernel.List(ctx, f)
		if err != nil {
			return printResponse(out, ipc.ErrorResponse("task_list", err))
		}
		if tasks == nil {
			tasks = []persistence.GovTask{}
		}
		if err := printJSON(out, tasks); err != nil {
			return 1
		}
		return 0
	})
}

func runTaskHistory(ctx context.Context, args []string, out io.Writer) int {
	fs := pflag.NewFlagSet("task history", pflag.ContinueOnError)
	limit := fs.Int("limit", 0, "maximum rows (default 500)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	pos, ok := positional(fs, 1, "clawgov task history ID")
	if !ok {
		return 2
	}
	return withApp(ctx, os.Stderr, func(a *app) int {
		rows, err := a.kernel.History(ctx, pos[0], *limit)
		if err != nil {
			return printResponse(out, ipc.ErrorResponse("task_history", err))
		}
		if rows == nil {
			rows = []persistence.GovActivity{}
		}
		if err := printJSON(out, rows); err != nil {
			return 1
		}
		return 0
	})
}
