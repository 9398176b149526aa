package jobstore_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vectory-io/vectory/internal/jobstore"
)

// newPostgresStore creates a fresh [jobstore.PostgresStore] with a clean
// ingestion_jobs table, or skips the test if VECTORY_TEST_POSTGRES_DSN is
// not set.
func newPostgresStore(t *testing.T) *jobstore.PostgresStore {
	t.Helper()
	dsn := os.Getenv("VECTORY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VECTORY_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)

	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS ingestion_jobs CASCADE"); err != nil {
		t.Fatalf("drop schema: %v", err)
	}

	store := jobstore.NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return store
}

func TestPostgresStoreLifecycle(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()

	job := newJob()
	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if job.Status != jobstore.StatusPending {
		t.Fatalf("new job status = %q, want pending", job.Status)
	}

	claimed, err := store.ClaimPending(ctx)
	if err != nil {
		t.Fatalf("ClaimPending: %v", err)
	}
	if claimed.ID != job.ID || claimed.Status != jobstore.StatusProcessing {
		t.Fatalf("claimed %s status=%q, want %s processing", claimed.ID, claimed.Status, job.ID)
	}
	if claimed.StartedAt == nil {
		t.Fatal("claim did not set started_at")
	}

	if err := store.UpdateProgress(ctx, job.ID, 7, 1, 23); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	if err := store.UpdateProgress(ctx, job.ID, 15, 0, -1); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}

	got, err := store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ProcessedChunks != 22 || got.FailedChunks != 1 || got.TotalChunks != 23 {
		t.Fatalf("progress = %d/%d failed=%d, want 22/23 failed=1",
			got.ProcessedChunks, got.TotalChunks, got.FailedChunks)
	}

	done, err := store.Transition(ctx, job.ID, jobstore.StatusCompleted, "")
	if err != nil {
		t.Fatalf("Transition completed: %v", err)
	}
	if done.CompletedAt == nil {
		t.Fatal("completed transition did not set completed_at")
	}

	if _, err := store.Transition(ctx, job.ID, jobstore.StatusPending, ""); !errors.Is(err, jobstore.ErrIllegalTransition) {
		t.Fatalf("completed -> pending: err = %v, want ErrIllegalTransition", err)
	}
}

func TestPostgresStoreRetryResets(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()

	job := newJob()
	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.ClaimPending(ctx); err != nil {
		t.Fatalf("ClaimPending: %v", err)
	}
	if err := store.UpdateProgress(ctx, job.ID, 4, 2, 10); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	if _, err := store.Transition(ctx, job.ID, jobstore.StatusFailed, "store unavailable"); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	got, err := store.Transition(ctx, job.ID, jobstore.StatusPending, "")
	if err != nil {
		t.Fatalf("failed -> pending: %v", err)
	}
	if got.TotalChunks != 0 || got.ProcessedChunks != 0 || got.FailedChunks != 0 {
		t.Fatalf("retry did not reset counters: %+v", got)
	}
	if got.ErrorMessage != "" || got.StartedAt != nil || got.CompletedAt != nil {
		t.Fatalf("retry did not reset failure fields: %+v", got)
	}

	// The reset job is claimable again.
	claimed, err := store.ClaimPending(ctx)
	if err != nil {
		t.Fatalf("ClaimPending after retry: %v", err)
	}
	if claimed.ID != job.ID {
		t.Fatalf("claimed %s, want %s", claimed.ID, job.ID)
	}
}

func TestPostgresStoreClaimOrder(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()

	if _, err := store.ClaimPending(ctx); !errors.Is(err, jobstore.ErrNoPending) {
		t.Fatalf("ClaimPending on empty table: err = %v, want ErrNoPending", err)
	}

	first := newJob()
	second := newJob()
	if err := store.Create(ctx, first); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Create(ctx, second); err != nil {
		t.Fatalf("Create: %v", err)
	}

	claimed, err := store.ClaimPending(ctx)
	if err != nil {
		t.Fatalf("ClaimPending: %v", err)
	}
	if claimed.ID != first.ID {
		t.Fatalf("claimed %s, want oldest pending %s", claimed.ID, first.ID)
	}

	jobs, err := store.List(ctx, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("List returned %d jobs, want 2", len(jobs))
	}
	// Newest first.
	if jobs[0].ID != second.ID {
		t.Fatalf("List[0] = %s, want newest %s", jobs[0].ID, second.ID)
	}
}
