package persistence_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/clawgov/internal/bus"
	"github.com/basket/clawgov/internal/persistence"
)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "clawgov.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func queryOneString(t *testing.T, db *sql.DB, q string, args ...any) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q, args...).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func createTask(t *testing.T, store *persistence.Store, id string, mut ...func(*persistence.GovTask)) *persistence.GovTask {
	t.Helper()
	task := persistence.GovTask{
		ID:        id,
		Title:     "task " + id,
		TaskType:  "feature",
		Priority:  "P2",
		Scope:     persistence.ScopeCompany,
		Gate:      "none",
		CreatedBy: "main",
	}
	for _, m := range mut {
		m(&task)
	}
	created, err := store.CreateGovTask(context.Background(), task)
	if err != nil {
		t.Fatalf("create task %s: %v", id, err)
	}
	return created
}

func advance(t *testing.T, store *persistence.Store, id string, states ...persistence.GovState) *persistence.GovTask {
	t.Helper()
	var last *persistence.GovTask
	for _, st := range states {
		res, err := store.TransitionGovTask(context.Background(), persistence.TransitionRequest{TaskID: id, To: st, Actor: "main"})
		if err != nil {
			t.Fatalf("transition %s -> %s: %v", id, st, err)
		}
		last = &res.Task
	}
	return last
}

func ptr[T any](v T) *T { return &v }

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	if journal := queryOneString(t, db, "PRAGMA journal_mode;"); journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}
	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys;").Scan(&foreignKeys); err != nil {
		t.Fatalf("pragma foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("expected foreign_keys=1, got %d", foreignKeys)
	}

	for _, table := range []string{"schema_migrations", "gov_tasks", "gov_approvals", "gov_activities", "gov_dispatches", "capabilities", "ext_calls", "products", "audit_log"} {
		queryOneString(t, db, "SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table)
	}

	version, checksum, err := store.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if version != 3 || checksum == "" {
		t.Fatalf("unexpected schema ledger %d %q", version, checksum)
	}
}

func TestStore_ReopenIsIdempotent(t *testing.T) {
	store, path := openTestStore(t)
	createTask(t, store, "T-1")
	_ = store.Close()

	reopened, err := persistence.Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if _, err := reopened.GetGovTask(context.Background(), "T-1"); err != nil {
		t.Fatalf("task lost across reopen: %v", err)
	}
}

func TestStore_ChecksumMismatchRefusesStartup(t *testing.T) {
	store, path := openTestStore(t)
	if _, err := store.DB().Exec(`UPDATE schema_migrations SET checksum = 'tampered' WHERE version = 3;`); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	_ = store.Close()
	if _, err := persistence.Open(path, nil); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func TestStore_UpgradeAddsAuditColumns(t *testing.T) {
	store, path := openTestStore(t)
	for _, stmt := range []string{
		`ALTER TABLE audit_log DROP COLUMN caller;`,
		`ALTER TABLE audit_log DROP COLUMN request_id;`,
		`DELETE FROM schema_migrations WHERE version = 3;`,
	} {
		if _, err := store.DB().Exec(stmt); err != nil {
			t.Fatalf("downgrade %q: %v", stmt, err)
		}
	}
	_ = store.Close()

	upgraded, err := persistence.Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer upgraded.Close()
	version, _, err := upgraded.SchemaVersion(context.Background())
	if err != nil || version != 3 {
		t.Fatalf("version after upgrade = %d (%v)", version, err)
	}
	if _, err := upgraded.DB().Exec(`INSERT INTO audit_log (caller, request_id, action, decision) VALUES ('dev', 'r-1', 'x', 'allow');`); err != nil {
		t.Fatalf("new columns missing: %v", err)
	}
}

func TestStore_SentinelTaskSeededAndHidden(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	task, err := store.GetGovTask(ctx, persistence.SentinelTaskID)
	if err != nil {
		t.Fatalf("sentinel missing: %v", err)
	}
	if task.State != persistence.StateInbox {
		t.Fatalf("sentinel state = %s", task.State)
	}
	list, err := store.ListGovTasks(ctx, persistence.GovTaskFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("sentinel leaked into listing: %+v", list)
	}
}

func TestCreateGovTask_StartsAtInboxVersionZero(t *testing.T) {
	store, _ := openTestStore(t)
	task := createTask(t, store, "T-1", func(g *persistence.GovTask) {
		g.Metadata = json.RawMessage(`{"source":"standup"}`)
	})
	if task.State != persistence.StateInbox || task.Version != 0 {
		t.Fatalf("unexpected initial task %+v", task)
	}

	got, err := store.GetGovTask(context.Background(), "T-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Metadata) != `{"source":"standup"}` {
		t.Fatalf("metadata = %s", got.Metadata)
	}

	acts, err := store.ListActivity(context.Background(), "T-1", 0)
	if err != nil {
		t.Fatalf("activity: %v", err)
	}
	if len(acts) != 1 || acts[0].Action != "create" || acts[0].ToState != persistence.StateInbox {
		t.Fatalf("unexpected activity %+v", acts)
	}
}

func TestCreateGovTask_DuplicateID(t *testing.T) {
	store, _ := openTestStore(t)
	createTask(t, store, "T-1")
	_, err := store.CreateGovTask(context.Background(), persistence.GovTask{
		ID: "T-1", Title: "again", TaskType: "bug", Priority: "P1", Scope: persistence.ScopeCompany, Gate: "none",
	})
	if !errors.Is(err, persistence.ErrTaskExists) {
		t.Fatalf("expected ErrTaskExists, got %v", err)
	}
}

func TestCreateGovTask_ProductScopeNeedsKnownProduct(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	_, err := store.CreateGovTask(ctx, persistence.GovTask{
		ID: "T-P", Title: "p", TaskType: "feature", Priority: "P2", Scope: persistence.ScopeProduct, ProductID: "ghost", Gate: "none",
	})
	if err == nil {
		t.Fatal("expected foreign key failure for unknown product")
	}
	if err := store.UpsertProduct(ctx, persistence.Product{ID: "acme", Name: "Acme"}); err != nil {
		t.Fatalf("upsert product: %v", err)
	}
	createTask(t, store, "T-P", func(g *persistence.GovTask) {
		g.Scope = persistence.ScopeProduct
		g.ProductID = "acme"
	})
}

func TestTransitionGovTask_HappyPathBumpsVersion(t *testing.T) {
	store, _ := openTestStore(t)
	createTask(t, store, "T-1")

	last := advance(t, store, "T-1", persistence.StateReady, persistence.StateDoing, persistence.StateReview, persistence.StateApproval, persistence.StateDone)
	if last.State != persistence.StateDone || last.Version != 5 {
		t.Fatalf("unexpected final task %+v", last)
	}
	acts, _ := store.ListActivity(context.Background(), "T-1", 0)
	if len(acts) != 6 {
		t.Fatalf("expected 6 activity rows, got %d", len(acts))
	}
}

func TestTransitionGovTask_ErrorOrdering(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	createTask(t, store, "T-1")

	_, err := store.TransitionGovTask(ctx, persistence.TransitionRequest{TaskID: "missing", To: persistence.StateReady})
	if !errors.Is(err, persistence.ErrTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	// Wrong version wins over an illegal edge.
	_, err = store.TransitionGovTask(ctx, persistence.TransitionRequest{TaskID: "T-1", To: persistence.StateDone, ExpectedVersion: ptr(int64(3))})
	var conflict *persistence.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if conflict.CurrentState != persistence.StateInbox || conflict.CurrentVersion != 0 {
		t.Fatalf("conflict carries wrong state: %+v", conflict)
	}

	_, err = store.TransitionGovTask(ctx, persistence.TransitionRequest{TaskID: "T-1", To: persistence.StateDone, ExpectedVersion: ptr(int64(0))})
	if !errors.Is(err, persistence.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}

	got, _ := store.GetGovTask(ctx, "T-1")
	if got.Version != 0 || got.State != persistence.StateInbox {
		t.Fatalf("rejected mutations changed the task: %+v", got)
	}
}

func TestTransitionGovTask_StaleVersionLoses(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	createTask(t, store, "T-1")

	if _, err := store.TransitionGovTask(ctx, persistence.TransitionRequest{TaskID: "T-1", To: persistence.StateReady, ExpectedVersion: ptr(int64(0))}); err != nil {
		t.Fatalf("first writer: %v", err)
	}
	_, err := store.TransitionGovTask(ctx, persistence.TransitionRequest{TaskID: "T-1", To: persistence.StateReady, ExpectedVersion: ptr(int64(0))})
	if !errors.Is(err, persistence.ErrVersionConflict) {
		t.Fatalf("second writer should conflict, got %v", err)
	}
}

func TestTransitionGovTask_OverrideStampsMetadata(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	createTask(t, store, "T-1")
	advance(t, store, "T-1", persistence.StateReady, persistence.StateDoing)

	override := &persistence.OverrideStamp{By: "main", Reason: "hotfix", AcceptedRisk: "low", ReviewDeadline: "2026-11-01"}
	_, err := store.TransitionGovTask(ctx, persistence.TransitionRequest{TaskID: "T-1", To: persistence.StateDone, Actor: "main", Override: override})
	if !errors.Is(err, persistence.ErrInvalidTransition) {
		t.Fatalf("override from DOING must fail, got %v", err)
	}

	advance(t, store, "T-1", persistence.StateReview)
	res, err := store.TransitionGovTask(ctx, persistence.TransitionRequest{TaskID: "T-1", To: persistence.StateDone, Actor: "main", Override: override})
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if res.Task.Version != 4 || res.From != persistence.StateReview {
		t.Fatalf("override bumped version wrongly: %+v", res)
	}
	var meta struct {
		Override persistence.OverrideStamp `json:"override"`
	}
	if err := json.Unmarshal(res.Task.Metadata, &meta); err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if meta.Override.AcceptedRisk != "low" || meta.Override.By != "main" || meta.Override.At.IsZero() {
		t.Fatalf("override stamp missing: %+v", meta.Override)
	}

	acts, _ := store.ListActivity(ctx, "T-1", 0)
	tail := acts[len(acts)-2:]
	if tail[0].Action != "override" || tail[1].Action != "transition" {
		t.Fatalf("expected override+transition rows, got %+v", tail)
	}
}

func TestTransitionGovTask_OverrideEdgeNotNormalEdge(t *testing.T) {
	store, _ := openTestStore(t)
	createTask(t, store, "T-1")
	advance(t, store, "T-1", persistence.StateReady, persistence.StateDoing, persistence.StateReview)
	_, err := store.TransitionGovTask(context.Background(), persistence.TransitionRequest{TaskID: "T-1", To: persistence.StateDone})
	if !errors.Is(err, persistence.ErrInvalidTransition) {
		t.Fatalf("REVIEW->DONE must need an override, got %v", err)
	}
}

func TestTransitionGovTask_AuthorizeRejects(t *testing.T) {
	store, _ := openTestStore(t)
	createTask(t, store, "T-1")
	denied := errors.New("nope")
	_, err := store.TransitionGovTask(context.Background(), persistence.TransitionRequest{
		TaskID: "T-1", To: persistence.StateReady,
		Authorize: func(*persistence.GovTask) error { return denied },
	})
	if !errors.Is(err, denied) {
		t.Fatalf("expected authorize error, got %v", err)
	}
}

func TestTransitionGovTask_PublishesEvent(t *testing.T) {
	b := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "clawgov.db"), b)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	sub := b.Subscribe(bus.TopicTaskTransitioned)
	defer b.Unsubscribe(sub)

	createTask(t, store, "T-1")
	advance(t, store, "T-1", persistence.StateReady)

	select {
	case ev := <-sub.Ch():
		p := ev.Payload.(bus.TaskTransitionedEvent)
		if p.TaskID != "T-1" || p.To != "READY" || p.Version != 1 {
			t.Fatalf("unexpected event %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("no transition event")
	}
}

func TestRecordApproval_DuplicateIsNoop(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	createTask(t, store, "T-1")

	_, err := store.RecordApproval(ctx, persistence.GovApproval{TaskID: "T-1", GateType: "security", ApprovedBy: "alice"})
	if !errors.Is(err, persistence.ErrWrongState) {
		t.Fatalf("approval outside APPROVAL should fail, got %v", err)
	}

	advance(t, store, "T-1", persistence.StateReady, persistence.StateDoing, persistence.StateReview, persistence.StateApproval)

	first, err := store.RecordApproval(ctx, persistence.GovApproval{TaskID: "T-1", GateType: "security", ApprovedBy: "alice"})
	if err != nil || !first.Recorded || first.Task.Version != 5 {
		t.Fatalf("first approval: %+v %v", first, err)
	}
	dup, err := store.RecordApproval(ctx, persistence.GovApproval{TaskID: "T-1", GateType: "security", ApprovedBy: "alice"})
	if err != nil || dup.Recorded || dup.Task.Version != 5 {
		t.Fatalf("duplicate approval should be a no-op: %+v %v", dup, err)
	}
	if _, err := store.RecordApproval(ctx, persistence.GovApproval{TaskID: "T-1", GateType: "security", ApprovedBy: "bob"}); err != nil {
		t.Fatalf("second approver: %v", err)
	}

	n, err := store.DistinctApprovers(ctx, "T-1")
	if err != nil || n != 2 {
		t.Fatalf("distinct approvers = %d, %v", n, err)
	}
	ok, err := store.HasGateApproval(ctx, "T-1", "security")
	if err != nil || !ok {
		t.Fatalf("gate approval = %v, %v", ok, err)
	}
	ok, _ = store.HasGateApproval(ctx, "T-1", "revops")
	if ok {
		t.Fatal("revops gate should not be approved")
	}
	list, _ := store.ListApprovals(ctx, "T-1")
	if len(list) != 2 {
		t.Fatalf("expected 2 approvals, got %d", len(list))
	}
}

func TestTransitionGovTask_GatedDoneNeedsGateApproval(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	createTask(t, store, "T-1", func(g *persistence.GovTask) { g.Gate = "security" })
	advance(t, store, "T-1", persistence.StateReady, persistence.StateDoing, persistence.StateReview, persistence.StateApproval)

	req := persistence.TransitionRequest{TaskID: "T-1", To: persistence.StateDone, Actor: "main", RequireGateApproval: true}
	if _, err := store.TransitionGovTask(ctx, req); !errors.Is(err, persistence.ErrGateApprovalMissing) {
		t.Fatalf("expected ErrGateApprovalMissing, got %v", err)
	}
	// An approval for another gate does not count.
	if _, err := store.RecordApproval(ctx, persistence.GovApproval{TaskID: "T-1", GateType: "revops", ApprovedBy: "alice"}); err != nil {
		t.Fatalf("revops approval: %v", err)
	}
	if _, err := store.TransitionGovTask(ctx, req); !errors.Is(err, persistence.ErrGateApprovalMissing) {
		t.Fatalf("expected ErrGateApprovalMissing after wrong gate, got %v", err)
	}
	if _, err := store.RecordApproval(ctx, persistence.GovApproval{TaskID: "T-1", GateType: "security", ApprovedBy: "alice"}); err != nil {
		t.Fatalf("security approval: %v", err)
	}
	res, err := store.TransitionGovTask(ctx, req)
	if err != nil {
		t.Fatalf("gated done: %v", err)
	}
	if res.Task.State != persistence.StateDone || res.Task.Version != 7 {
		t.Fatalf("unexpected task after done %+v", res.Task)
	}
}

func TestClaimDispatch_SameKeyOnce(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	createTask(t, store, "T-1")

	d := persistence.GovDispatch{
		TaskID:      "T-1",
		FromState:   persistence.StateReady,
		ToState:     persistence.StateDoing,
		DispatchKey: persistence.DispatchKey("T-1", persistence.StateReady, persistence.StateDoing, 1),
		GroupFolder: "dev",
	}
	claimed, err := store.ClaimDispatch(ctx, d)
	if err != nil || !claimed {
		t.Fatalf("first claim: %v %v", claimed, err)
	}
	claimed, err = store.ClaimDispatch(ctx, d)
	if err != nil || claimed {
		t.Fatalf("second claim: %v %v", claimed, err)
	}
	rows, _ := store.ListDispatches(ctx, "T-1")
	if len(rows) != 1 || rows[0].Status != persistence.DispatchClaimed {
		t.Fatalf("unexpected ledger %+v", rows)
	}
}

func TestTransitionWithDispatch_DuplicateRollsBack(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	createTask(t, store, "T-1", func(g *persistence.GovTask) { g.AssignedGroup = "dev" })
	advance(t, store, "T-1", persistence.StateReady)

	key := persistence.DispatchKey("T-1", persistence.StateReady, persistence.StateDoing, 1)
	if _, err := store.ClaimDispatch(ctx, persistence.GovDispatch{TaskID: "T-1", FromState: persistence.StateReady, ToState: persistence.StateDoing, DispatchKey: key}); err != nil {
		t.Fatalf("pre-claim: %v", err)
	}
	_, err := store.TransitionGovTask(ctx, persistence.TransitionRequest{
		TaskID: "T-1", To: persistence.StateDoing, ExpectedVersion: ptr(int64(1)),
		Dispatch: &persistence.GovDispatch{FromState: persistence.StateReady, ToState: persistence.StateDoing, DispatchKey: key},
	})
	if !errors.Is(err, persistence.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	got, _ := store.GetGovTask(ctx, "T-1")
	if got.State != persistence.StateReady || got.Version != 1 {
		t.Fatalf("task moved despite duplicate claim: %+v", got)
	}
}

func TestDispatchableTasks(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	createTask(t, store, "ready-assigned", func(g *persistence.GovTask) { g.AssignedGroup = "dev" })
	createTask(t, store, "ready-unassigned")
	createTask(t, store, "review-gated", func(g *persistence.GovTask) { g.Gate = "security" })
	createTask(t, store, "review-open")
	advance(t, store, "ready-assigned", persistence.StateReady)
	advance(t, store, "ready-unassigned", persistence.StateReady)
	advance(t, store, "review-gated", persistence.StateReady, persistence.StateDoing, persistence.StateReview)
	advance(t, store, "review-open", persistence.StateReady, persistence.StateDoing, persistence.StateReview)

	tasks, err := store.DispatchableTasks(ctx, 0)
	if err != nil {
		t.Fatalf("dispatchable: %v", err)
	}
	ids := map[string]bool{}
	for _, task := range tasks {
		ids[task.ID] = true
	}
	if len(ids) != 2 || !ids["ready-assigned"] || !ids["review-gated"] {
		t.Fatalf("unexpected candidates %v", ids)
	}
}

func TestCapabilities_UpsertRevokeAndMirror(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	expires := time.Now().Add(7 * 24 * time.Hour).UTC()

	if _, err := store.UpsertCapability(ctx, persistence.Capability{
		GroupFolder: "dev", Provider: "mock", AccessLevel: 2,
		AllowedActions: []string{"read_stuff"}, DeniedActions: []string{},
		GrantedBy: "main", ExpiresAt: &expires,
	}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	c, err := store.GetCapability(ctx, "dev", "mock")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !c.Active || c.AccessLevel != 2 || len(c.AllowedActions) != 1 || c.DeniedActions == nil || c.ExpiresAt == nil {
		t.Fatalf("unexpected capability %+v", c)
	}

	// Re-grant replaces the row.
	if _, err := store.UpsertCapability(ctx, persistence.Capability{GroupFolder: "dev", Provider: "mock", AccessLevel: 1, GrantedBy: "main"}); err != nil {
		t.Fatalf("regrant: %v", err)
	}
	c, _ = store.GetCapability(ctx, "dev", "mock")
	if c.AccessLevel != 1 || c.AllowedActions != nil || c.ExpiresAt != nil {
		t.Fatalf("regrant did not replace: %+v", c)
	}

	if err := store.DeactivateCapability(ctx, "dev", "mock", "main", "ext_revoke"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := store.DeactivateCapability(ctx, "dev", "mock", "main", "ext_revoke"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("second revoke should be not found, got %v", err)
	}
	c, _ = store.GetCapability(ctx, "dev", "mock")
	if c.Active {
		t.Fatal("capability still active after revoke")
	}

	acts, _ := store.ListActivity(ctx, persistence.SentinelTaskID, 0)
	if len(acts) != 3 || acts[0].Action != "ext_grant" || acts[2].Action != "ext_revoke" {
		t.Fatalf("unexpected sentinel activity %+v", acts)
	}
}

func TestCapabilities_Level2RequiresExpiry(t *testing.T) {
	store, _ := openTestStore(t)
	_, err := store.UpsertCapability(context.Background(), persistence.Capability{GroupFolder: "dev", Provider: "mock", AccessLevel: 2, GrantedBy: "main"})
	if err == nil {
		t.Fatal("expected CHECK failure for level 2 without expiry")
	}
}

func TestExpiredCapabilities(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour).UTC()
	future := time.Now().Add(time.Hour).UTC()
	for provider, exp := range map[string]time.Time{"old": past, "fresh": future} {
		exp := exp
		if _, err := store.UpsertCapability(ctx, persistence.Capability{GroupFolder: "dev", Provider: provider, AccessLevel: 2, GrantedBy: "main", ExpiresAt: &exp}); err != nil {
			t.Fatalf("grant %s: %v", provider, err)
		}
	}
	expired, err := store.ExpiredCapabilities(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("expired: %v", err)
	}
	if len(expired) != 1 || expired[0].Provider != "old" {
		t.Fatalf("unexpected expired set %+v", expired)
	}
}

func TestExtCalls_ClaimFinishAndCache(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	call := persistence.ExtCall{RequestID: "r1", GroupFolder: "dev", Provider: "mock", Action: "deploy_stuff", AccessLevel: 3, Status: persistence.ExtCallProcessing, IdempotencyKey: "k1"}
	if err := store.InsertExtCall(ctx, call); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.InsertExtCall(ctx, call); !errors.Is(err, persistence.ErrDuplicate) {
		t.Fatalf("duplicate request id should be ErrDuplicate, got %v", err)
	}
	exists, _ := store.ExtCallExists(ctx, "r1")
	if !exists {
		t.Fatal("r1 should exist")
	}
	n, _ := store.CountInFlight(ctx, "dev")
	if n != 1 {
		t.Fatalf("in-flight = %d", n)
	}

	_, found, _ := store.CachedResponse(ctx, "dev", "mock", "deploy_stuff", "k1")
	if found {
		t.Fatal("processing rows must not serve as cache")
	}
	if err := store.FinishExtCall(ctx, "r1", persistence.ExtCallExecuted, "", `{"ok":true}`, 15*time.Millisecond); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := store.FinishExtCall(ctx, "r1", persistence.ExtCallFailed, "PROVIDER_ERROR", "", 0); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("finishing twice should fail, got %v", err)
	}
	resp, found, err := store.CachedResponse(ctx, "dev", "mock", "deploy_stuff", "k1")
	if err != nil || !found || resp != `{"ok":true}` {
		t.Fatalf("cache lookup: %q %v %v", resp, found, err)
	}
	if _, found, _ := store.CachedResponse(ctx, "ops", "mock", "deploy_stuff", "k1"); found {
		t.Fatal("cache must be scoped to caller")
	}

	got, err := store.GetExtCall(ctx, "r1")
	if err != nil || got.Status != persistence.ExtCallExecuted || got.DurationMS != 15 {
		t.Fatalf("unexpected row %+v %v", got, err)
	}
	counts, _ := store.ExtCallCounts(ctx)
	if counts[persistence.ExtCallExecuted] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestClaimExtCall_EnforcesLimitAtomically(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	const limit = 2
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed int
		refused int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := store.ClaimExtCall(ctx, persistence.ExtCall{
				RequestID: fmt.Sprintf("c-%d", i), GroupFolder: "dev", Provider: "mock", Action: "read_stuff", AccessLevel: 1,
			}, limit)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				claimed++
			case errors.Is(err, persistence.ErrInFlightLimit):
				refused++
			default:
				t.Errorf("claim %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	if claimed != limit || refused != 10-limit {
		t.Fatalf("claimed=%d refused=%d, want %d/%d", claimed, refused, limit, 10-limit)
	}
	if n, _ := store.CountInFlight(ctx, "dev"); n != limit {
		t.Fatalf("in-flight = %d", n)
	}
	// Other callers have their own budget.
	if err := store.ClaimExtCall(ctx, persistence.ExtCall{RequestID: "o-1", GroupFolder: "ops", Provider: "mock", Action: "read_stuff"}, limit); err != nil {
		t.Fatalf("ops claim: %v", err)
	}
	if err := store.ClaimExtCall(ctx, persistence.ExtCall{RequestID: "o-1", GroupFolder: "ops", Provider: "mock", Action: "read_stuff"}, limit); !errors.Is(err, persistence.ErrDuplicate) {
		t.Fatalf("reclaim should be ErrDuplicate, got %v", err)
	}
}

func TestAbandonStaleExtCalls_FreesSlots(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return base })

	for _, id := range []string{"old-1", "old-2"} {
		if err := store.ClaimExtCall(ctx, persistence.ExtCall{RequestID: id, GroupFolder: "dev", Provider: "mock", Action: "read_stuff"}, 5); err != nil {
			t.Fatalf("claim %s: %v", id, err)
		}
	}
	store.SetClock(func() time.Time { return base.Add(time.Hour) })
	if err := store.ClaimExtCall(ctx, persistence.ExtCall{RequestID: "fresh", GroupFolder: "dev", Provider: "mock", Action: "read_stuff"}, 5); err != nil {
		t.Fatalf("claim fresh: %v", err)
	}

	abandoned, err := store.AbandonStaleExtCalls(ctx, base.Add(30*time.Minute), "PROVIDER_ERROR", "abandoned")
	if err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if len(abandoned) != 2 || abandoned[0].RequestID != "old-1" || abandoned[1].Status != persistence.ExtCallFailed {
		t.Fatalf("abandoned = %+v", abandoned)
	}
	if n, _ := store.CountInFlight(ctx, "dev"); n != 1 {
		t.Fatalf("in-flight after abandon = %d, want 1", n)
	}
	got, err := store.GetExtCall(ctx, "old-2")
	if err != nil || got.Status != persistence.ExtCallFailed || got.DenialReason != "PROVIDER_ERROR" || got.Response != "abandoned" {
		t.Fatalf("old-2 = %+v %v", got, err)
	}
	if err := store.FinishExtCall(ctx, "old-1", persistence.ExtCallExecuted, "", "{}", 0); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("late finish of an abandoned row should fail, got %v", err)
	}
}

func TestExpireCapability_LeavesRenewedGrant(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	past := now.Add(-time.Minute)
	if _, err := store.UpsertCapability(ctx, persistence.Capability{GroupFolder: "dev", Provider: "mock", AccessLevel: 2, GrantedBy: "main", ExpiresAt: &past}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	expired, err := store.ExpiredCapabilities(ctx, now)
	if err != nil || len(expired) != 1 {
		t.Fatalf("expired = %v %v", expired, err)
	}

	// Renewed between the sweep's listing and its update.
	future := now.Add(time.Hour)
	if _, err := store.UpsertCapability(ctx, persistence.Capability{GroupFolder: "dev", Provider: "mock", AccessLevel: 2, GrantedBy: "main", ExpiresAt: &future}); err != nil {
		t.Fatalf("regrant: %v", err)
	}
	if err := store.ExpireCapability(ctx, "dev", "mock", "system", now); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("renewed grant must survive, got %v", err)
	}
	c, err := store.GetCapability(ctx, "dev", "mock")
	if err != nil || !c.Active {
		t.Fatalf("capability = %+v %v", c, err)
	}

	if err := store.ExpireCapability(ctx, "dev", "mock", "system", future); err != nil {
		t.Fatalf("expire at deadline: %v", err)
	}
	c, _ = store.GetCapability(ctx, "dev", "mock")
	if c.Active {
		t.Fatal("capability should be inactive after its deadline")
	}
	acts, _ := store.ListActivity(ctx, persistence.SentinelTaskID, 0)
	if last := acts[len(acts)-1]; last.Action != "ext_expire" {
		t.Fatalf("last sentinel activity = %q", last.Action)
	}
}

func TestActivityChain_DetectsTamper(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	createTask(t, store, "T-1")
	advance(t, store, "T-1", persistence.StateReady, persistence.StateDoing)

	report, err := store.VerifyActivityChain(ctx)
	if err != nil || !report.OK || report.Rows != 3 {
		t.Fatalf("clean chain: %+v %v", report, err)
	}

	if _, err := store.DB().Exec(`UPDATE gov_activities SET actor = 'mallory' WHERE action = 'transition' AND to_state = 'READY';`); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	report, err = store.VerifyActivityChain(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.OK || report.BrokenAt == 0 {
		t.Fatalf("tamper not detected: %+v", report)
	}
}

func TestGovTaskCounts(t *testing.T) {
	store, _ := openTestStore(t)
	createTask(t, store, "a")
	createTask(t, store, "b")
	advance(t, store, "b", persistence.StateReady)

	counts, err := store.GovTaskCounts(context.Background())
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[persistence.StateInbox] != 1 || counts[persistence.StateReady] != 1 || counts[persistence.StateDone] != 0 {
		t.Fatalf("unexpected counts %v", counts)
	}
}

func TestRunRetention_PrunesOnlyAuditLog(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	if _, err := store.DB().Exec(`INSERT INTO audit_log (action, decision, created_at) VALUES ('x', 'allow', '2001-01-01 00:00:00');`); err != nil {
		t.Fatalf("seed: %v", err)
	}
	createTask(t, store, "T-1")
	n, err := store.RunRetention(ctx, 30)
	if err != nil || n < 1 {
		t.Fatalf("retention: %d %v", n, err)
	}
	acts, _ := store.ListActivity(ctx, "T-1", 0)
	if len(acts) != 1 {
		t.Fatal("activity must never be pruned")
	}
}
