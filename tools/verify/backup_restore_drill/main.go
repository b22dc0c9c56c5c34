package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/clawgov/internal/governance"
	"github.com/basket/clawgov/internal/persistence"
)

const drillTasks = 40

func main() {
	ctx := context.Background()
	baseDir, err := os.MkdirTemp("", "clawgov-backup-drill-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(baseDir)

	dbPath := filepath.Join(baseDir, "clawgov.db")
	backupPath := filepath.Join(baseDir, "backup.db")

	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		fmt.Printf("open_store_error=%v\n", err)
		os.Exit(1)
	}
	defer store.Close()
	k, err := governance.New(governance.Config{Store: store, Logger: slog.New(slog.NewTextHandler(io.Discard, nil)), MainGroup: "main"})
	if err != nil {
		fmt.Printf("kernel_error=%v\n", err)
		os.Exit(1)
	}

	for i := 0; i < drillTasks; i++ {
		id := fmt.Sprintf("backup-%02d", i)
		if _, err := k.Create(ctx, "main", governance.CreateInput{ID: id, Title: "backup drill", TaskType: "ops", Scope: "COMPANY"}); err != nil {
			fmt.Printf("create_task_error=%v\n", err)
			os.Exit(1)
		}
		for _, to := range []string{"READY", "DOING", "REVIEW", "DONE"} {
			if _, err := k.Transition(ctx, "main", governance.TransitionInput{TaskID: id, To: to}); err != nil {
				fmt.Printf("transition_error=%v task=%s to=%s\n", err, id, to)
				os.Exit(1)
			}
		}
	}

	backupStart := time.Now().UTC()
	if err := store.Backup(ctx, backupPath); err != nil {
		fmt.Printf("backup_error=%v\n", err)
		os.Exit(1)
	}
	backupEnd := time.Now().UTC()

	restoreStart := time.Now().UTC()
	restored, err := persistence.Open(backupPath, nil)
	if err != nil {
		fmt.Printf("open_restore_error=%v\n", err)
		os.Exit(1)
	}
	defer restored.Close()
	restoreEnd := time.Now().UTC()

	counts, err := restored.GovTaskCounts(ctx)
	if err != nil {
		fmt.Printf("count_tasks_error=%v\n", err)
		os.Exit(1)
	}
	chain, err := restored.VerifyActivityChain(ctx)
	if err != nil {
		fmt.Printf("verify_chain_error=%v\n", err)
		os.Exit(1)
	}

	fmt.Printf("backup_started=%s\n", backupStart.Format(time.RFC3339Nano))
	fmt.Printf("backup_completed=%s\n", backupEnd.Format(time.RFC3339Nano))
	fmt.Printf("restore_started=%s\n", restoreStart.Format(time.RFC3339Nano))
	fmt.Printf("restore_completed=%s\n", restoreEnd.Format(time.RFC3339Nano))
	fmt.Printf("rpo_duration=%s\n", backupEnd.Sub(backupStart))
	fmt.Printf("rto_duration=%s\n", restoreEnd.Sub(restoreStart))
	fmt.Printf("restored_done_tasks=%d\n", counts[persistence.StateDone])
	fmt.Printf("restored_activity_rows=%d chain_ok=%v\n", chain.Rows, chain.OK)

	if counts[persistence.StateDone] < drillTasks || !chain.OK || chain.Rows < drillTasks*5 {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}
