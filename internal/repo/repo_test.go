package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"farebox/internal/db"
	"farebox/internal/domain"
	"farebox/internal/migrate"
	"farebox/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func insertPending(t *testing.T, r repo.Repo, id string, createdAt time.Time) {
	t.Helper()
	ts := createdAt.UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	err = r.InsertTask(context.Background(), tx, domain.Task{
		ID:         id,
		Type:       "echo",
		Status:     domain.StatusPending,
		InputData:  map[string]any{"msg": "hi"},
		MaxRetries: 3,
		CreatedAt:  ts,
		UpdatedAt:  ts,
	})
	if err != nil {
		t.Fatalf("insert %s: %v", id, err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func inTx(t *testing.T, r repo.Repo, fn func(tx *sql.Tx) error) error {
	t.Helper()
	tx, err := r.DB.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func TestClaimOldestFirst(t *testing.T) {
	r := newRepo(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	// inserted out of order on purpose
	insertPending(t, r, "task-b", base.Add(2*time.Second))
	insertPending(t, r, "task-a", base.Add(1*time.Second))
	insertPending(t, r, "task-c", base.Add(3*time.Second))

	now := base.Add(time.Minute)
	for _, want := range []string{"task-a", "task-b", "task-c"} {
		got, err := r.ClaimNextTask(context.Background(), "w", 10*time.Minute, now)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if got.ID != want {
			t.Fatalf("claimed %s, want %s", got.ID, want)
		}
	}
	if _, err := r.ClaimNextTask(context.Background(), "w", 10*time.Minute, now); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("empty queue err = %v", err)
	}
}

func TestClaimTakesOverExpiredLease(t *testing.T) {
	r := newRepo(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	insertPending(t, r, "task-a", base)
	if _, err := r.ClaimNextTask(context.Background(), "w1", 10*time.Minute, base); err != nil {
		t.Fatal(err)
	}
	// before expiry the row is invisible to other claimers
	if _, err := r.ClaimNextTask(context.Background(), "w2", 10*time.Minute, base.Add(5*time.Minute)); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("live lease claimable: %v", err)
	}
	got, err := r.ClaimNextTask(context.Background(), "w2", 10*time.Minute, base.Add(11*time.Minute))
	if err != nil {
		t.Fatalf("takeover: %v", err)
	}
	if got.WorkerID == nil || *got.WorkerID != "w2" {
		t.Fatalf("worker = %v", got.WorkerID)
	}
	if got.StaleRequeues != 1 {
		t.Fatalf("stale_requeues = %d, want 1", got.StaleRequeues)
	}
	if got.RetryCount != 0 {
		t.Fatalf("takeover charged retry budget: %d", got.RetryCount)
	}
	// the evicted worker cannot finish
	err = inTx(t, r, func(tx *sql.Tx) error {
		return r.CompleteTask(context.Background(), tx, "task-a", "w1", nil, base.Add(12*time.Minute))
	})
	if !errors.Is(err, repo.ErrLeaseLost) {
		t.Fatalf("stale complete err = %v", err)
	}
}

func TestRequeueExpiredSingleShot(t *testing.T) {
	r := newRepo(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	insertPending(t, r, "task-a", base)
	claimed, err := r.ClaimNextTask(context.Background(), "w1", 10*time.Minute, base)
	if err != nil {
		t.Fatal(err)
	}
	later := base.Add(11 * time.Minute)
	var first, second bool
	if err := inTx(t, r, func(tx *sql.Tx) error {
		first, err = r.RequeueExpired(context.Background(), tx, "task-a", *claimed.LeaseExpires, later)
		return err
	}); err != nil {
		t.Fatal(err)
	}
	if err := inTx(t, r, func(tx *sql.Tx) error {
		second, err = r.RequeueExpired(context.Background(), tx, "task-a", *claimed.LeaseExpires, later)
		return err
	}); err != nil {
		t.Fatal(err)
	}
	if !first || second {
		t.Fatalf("requeue shots = %v,%v, want true,false", first, second)
	}
	got, _ := r.GetTask(context.Background(), "task-a")
	if got.Status != domain.StatusPending || got.StaleRequeues != 1 {
		t.Fatalf("after requeue: status %s stale %d", got.Status, got.StaleRequeues)
	}
}

func TestRequeueTaskBoundedByBudget(t *testing.T) {
	r := newRepo(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	insertPending(t, r, "task-a", base)
	now := base
	for i := 0; i < 3; i++ {
		if _, err := r.ClaimNextTask(context.Background(), "w", 10*time.Minute, now); err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if err := inTx(t, r, func(tx *sql.Tx) error {
			return r.RequeueTask(context.Background(), tx, "task-a", "w", now)
		}); err != nil {
			t.Fatalf("requeue %d: %v", i, err)
		}
		now = now.Add(time.Minute)
	}
	if _, err := r.ClaimNextTask(context.Background(), "w", 10*time.Minute, now); err != nil {
		t.Fatal(err)
	}
	// budget exhausted: the conditional update refuses a fourth requeue
	err := inTx(t, r, func(tx *sql.Tx) error {
		return r.RequeueTask(context.Background(), tx, "task-a", "w", now)
	})
	if !errors.Is(err, repo.ErrLeaseLost) {
		t.Fatalf("requeue past budget err = %v", err)
	}
}

func TestProgressSequence(t *testing.T) {
	r := newRepo(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	insertPending(t, r, "task-a", base)
	if _, err := r.ClaimNextTask(context.Background(), "w1", 10*time.Minute, base); err != nil {
		t.Fatalf("claim: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := r.AppendProgress(context.Background(), "task-a", "w1", fmt.Sprintf("step %d", i), base.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	entries, err := r.ListProgress(context.Background(), "task-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 5 {
		t.Fatalf("entries = %d, want 5", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Seq <= entries[i-1].Seq {
			t.Fatalf("seq not strictly increasing: %d then %d", entries[i-1].Seq, entries[i].Seq)
		}
		if entries[i].Message != fmt.Sprintf("step %d", i) {
			t.Fatalf("entry %d = %q", i, entries[i].Message)
		}
	}
	if err := r.AppendProgress(context.Background(), "no-such-task", "w1", "x", base); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("append to missing task err = %v", err)
	}
}

func TestProgressRejectedAfterLeaseTakeover(t *testing.T) {
	r := newRepo(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	insertPending(t, r, "task-a", base)
	if _, err := r.ClaimNextTask(context.Background(), "w1", 10*time.Minute, base); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := r.AppendProgress(context.Background(), "task-a", "w1", "step 1", base); err != nil {
		t.Fatalf("append: %v", err)
	}

	// w2 takes over the expired lease; w1 is evicted
	later := base.Add(11 * time.Minute)
	if _, err := r.ClaimNextTask(context.Background(), "w2", 10*time.Minute, later); err != nil {
		t.Fatalf("takeover claim: %v", err)
	}
	if err := r.AppendProgress(context.Background(), "task-a", "w1", "stale write", later); !errors.Is(err, repo.ErrLeaseLost) {
		t.Fatalf("append from evicted worker err = %v", err)
	}
	if err := r.AppendProgress(context.Background(), "task-a", "w2", "step 2", later); err != nil {
		t.Fatalf("append by holder: %v", err)
	}
	entries, err := r.ListProgress(context.Background(), "task-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[1].Message != "step 2" {
		t.Fatalf("entries = %+v", entries)
	}
}
