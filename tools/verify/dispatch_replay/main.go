// dispatch_replay checks that a dispatch pass interrupted by a crash and then
// replayed from its stale snapshot moves every task exactly once.
//
//	dispatch_replay --mode prepare --db gov.db
//	dispatch_replay --mode crash   --db gov.db --snapshot snap.json
//	dispatch_replay --mode replay  --db gov.db --snapshot snap.json
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/basket/clawgov/internal/dispatch"
	"github.com/basket/clawgov/internal/governance"
	"github.com/basket/clawgov/internal/persistence"
)

const assignee = "dev"

func main() {
	mode := pflag.String("mode", "", "prepare|crash|replay")
	dbPath := pflag.String("db", "", "path to sqlite db")
	snapshot := pflag.String("snapshot", "dispatch-snapshot.json", "where crash writes its snapshot")
	tasks := pflag.Int("tasks", 10, "tasks to prepare")
	crashAfter := pflag.Int("crash-after", 4, "dispatches before the simulated crash")
	pflag.Parse()

	if *mode == "" || *dbPath == "" {
		fmt.Fprintln(os.Stderr, "mode and db are required")
		os.Exit(2)
	}

	ctx := context.Background()
	store, err := persistence.Open(*dbPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	k, err := governance.New(governance.Config{Store: store, Logger: logger, MainGroup: "main"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "kernel: %v\n", err)
		os.Exit(1)
	}

	switch *mode {
	case "prepare":
		for i := 0; i < *tasks; i++ {
			id := fmt.Sprintf("replay-%03d", i)
			if _, err := k.Create(ctx, "main", governance.CreateInput{
				ID: id, Title: "replay drill", TaskType: "ops", Scope: "COMPANY", AssignedGroup: assignee,
			}); err != nil {
				fmt.Fprintf(os.Stderr, "create %s: %v\n", id, err)
				os.Exit(1)
			}
			if _, err := k.Transition(ctx, "main", governance.TransitionInput{TaskID: id, To: "READY"}); err != nil {
				fmt.Fprintf(os.Stderr, "ready %s: %v\n", id, err)
				os.Exit(1)
			}
		}
		fmt.Printf("PREPARED_TASKS=%d\n", *tasks)
	case "crash":
		snap, err := k.Dispatchable(ctx, 0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "snapshot: %v\n", err)
			os.Exit(1)
		}
		raw, _ := json.Marshal(snap)
		if err := os.WriteFile(*snapshot, raw, 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "write snapshot: %v\n", err)
			os.Exit(1)
		}
		done := 0
		for _, task := range snap {
			if done == *crashAfter {
				break
			}
			to, ok := dispatch.Target(task.State)
			if !ok {
				continue
			}
			if _, err := k.Dispatch(ctx, task, to); err != nil {
				fmt.Fprintf(os.Stderr, "dispatch %s: %v\n", task.ID, err)
				os.Exit(1)
			}
			done++
		}
		fmt.Printf("DISPATCHED_BEFORE_CRASH=%d\n", done)
		// Exit without closing the store, as a crash would.
		os.Exit(3)
	case "replay":
		raw, err := os.ReadFile(*snapshot)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read snapshot: %v\n", err)
			os.Exit(1)
		}
		var snap []persistence.GovTask
		if err := json.Unmarshal(raw, &snap); err != nil {
			fmt.Fprintf(os.Stderr, "decode snapshot: %v\n", err)
			os.Exit(1)
		}
		replayed := 0
		for _, task := range snap {
			to, ok := dispatch.Target(task.State)
			if !ok {
				continue
			}
			moved, err := k.Dispatch(ctx, task, to)
			if err != nil {
				fmt.Fprintf(os.Stderr, "replay %s: %v\n", task.ID, err)
				os.Exit(1)
			}
			if moved {
				replayed++
			}
		}
		extra, err := dispatch.Pass(ctx, k, 0, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "pass: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("REPLAYED=%d\n", replayed)
		fmt.Printf("EXTRA_PASS=%d\n", extra)

		pass := extra == 0
		for _, task := range snap {
			rows, err := store.ListDispatches(ctx, task.ID)
			if err != nil {
				fmt.Fprintf(os.Stderr, "list dispatches: %v\n", err)
				os.Exit(1)
			}
			cur, err := k.Get(ctx, task.ID)
			if err != nil {
				fmt.Fprintf(os.Stderr, "get %s: %v\n", task.ID, err)
				os.Exit(1)
			}
			fmt.Printf("TASK id=%s state=%s version=%d dispatches=%d\n", cur.ID, cur.State, cur.Version, len(rows))
			if len(rows) != 1 || cur.Version != task.Version+1 {
				pass = false
			}
		}
		chain, err := store.VerifyActivityChain(ctx)
		if err != nil || !chain.OK {
			fmt.Printf("ACTIVITY_CHAIN ok=false err=%v\n", err)
			pass = false
		}
		if pass {
			fmt.Println("VERDICT PASS")
		} else {
			fmt.Println("VERDICT FAIL: a task was dispatched more or less than once")
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
}
