package persistence

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errLocked = errors.New("database is locked")

func TestErrorClassifiers(t *testing.T) {
	cases := []struct {
		name         string
		err          error
		busy, unique bool
	}{
		{"nil", nil, false, false},
		{"plain", errors.New("boom"), false, false},
		{"locked text", errLocked, true, false},
		{"table locked text", errors.New("database table is locked"), true, false},
		{"busy code", sqlite3.Error{Code: sqlite3.ErrBusy}, true, false},
		{"wrapped locked code", fmt.Errorf("append activity: %w", sqlite3.Error{Code: sqlite3.ErrLocked}), true, false},
		{"unique", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}, false, true},
		{"wrapped pk", fmt.Errorf("insert dispatch: %w", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintPrimaryKey}), false, true},
		{"foreign key", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintForeignKey}, false, false},
		{"unique text", errors.New("UNIQUE constraint failed: ext_calls.request_id"), false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.busy, isSQLiteBusy(tc.err), "busy")
			assert.Equal(t, tc.unique, isUniqueViolation(tc.err), "unique")
		})
	}
}

func TestRetryOnBusy(t *testing.T) {
	cases := []struct {
		name      string
		retries   int
		failFirst int // calls that return errLocked before success
		other     error
		wantCalls int
		wantErr   bool
	}{
		{name: "first try", retries: 3, wantCalls: 1},
		{name: "non-busy error is not retried", retries: 3, other: errors.New("constraint"), wantCalls: 1, wantErr: true},
		{name: "busy then success", retries: 3, failFirst: 2, wantCalls: 3},
		{name: "exhausted", retries: 2, failFirst: 99, wantCalls: 3, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			err := retryOnBusy(context.Background(), tc.retries, func() error {
				calls++
				if tc.other != nil {
					return tc.other
				}
				if calls <= tc.failFirst {
					return errLocked
				}
				return nil
			})
			assert.Equal(t, tc.wantCalls, calls)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRetryOnBusy_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := retryOnBusy(ctx, 5, func() error {
		calls++
		cancel()
		return errLocked
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

// Two handles on one file stand in for a server and a CLI invocation.
func TestConcurrentHandlesKeepChainIntact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clawgov.db")
	a, err := Open(path, nil)
	require.NoError(t, err)
	defer a.Close()
	b, err := Open(path, nil)
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	const perHandle = 15
	var wg sync.WaitGroup
	errs := make(chan error, 2*perHandle)
	for h, store := range []*Store{a, b} {
		wg.Add(1)
		go func(h int, store *Store) {
			defer wg.Done()
			for i := 0; i < perHandle; i++ {
				_, err := store.CreateGovTask(ctx, GovTask{
					ID:        fmt.Sprintf("H%d-%02d", h, i),
					Title:     "concurrent",
					TaskType:  "ops",
					Priority:  "P2",
					Scope:     ScopeCompany,
					Gate:      "none",
					CreatedBy: "main",
				})
				if err != nil {
					errs <- err
				}
			}
		}(h, store)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("create: %v", err)
	}

	counts, err := a.GovTaskCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2*perHandle, counts[StateInbox])

	report, err := b.VerifyActivityChain(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK, "chain broken at %d", report.BrokenAt)
	assert.GreaterOrEqual(t, report.Rows, 2*perHandle)
}
