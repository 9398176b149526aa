package ingest_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vectory-io/vectory/internal/ingest"
	"github.com/vectory-io/vectory/internal/jobstore"
	"github.com/vectory-io/vectory/pkg/vectorstore"
)

func newScheduler(t *testing.T, f *pipelineFixture, workers int) *ingest.Scheduler {
	t.Helper()
	s, err := ingest.NewScheduler(ingest.SchedulerConfig{
		Controller:   f.config(),
		Workers:      workers,
		PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	return s
}

// waitForStatus polls until the job reaches want or the deadline passes.
func waitForStatus(t *testing.T, jobs jobstore.Store, id uuid.UUID, want jobstore.Status) *jobstore.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := jobs.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := jobs.Get(context.Background(), id)
	t.Fatalf("job %s stuck in %s, want %s", id, job.Status, want)
	return nil
}

func TestSchedulerProcessesSubmittedJobs(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t)
	s := newScheduler(t, f, 2)
	s.Start(context.Background())
	defer s.Close()

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		job := f.upload(t, "doc.txt", strings.Repeat("hello world ", 200), 300, 30)
		// upload already created the job; Submit validates a fresh one.
		ids = append(ids, job.ID)
	}
	for _, id := range ids {
		job := waitForStatus(t, f.jobs, id, jobstore.StatusCompleted)
		if job.ProcessedChunks != job.TotalChunks || job.TotalChunks == 0 {
			t.Fatalf("job %s processed %d of %d", id, job.ProcessedChunks, job.TotalChunks)
		}
	}
	if depth := f.vectors.SuspendedCount(f.collID); depth != 0 {
		t.Fatalf("bookkeeping left suspended at depth %d", depth)
	}
}

func TestSchedulerBoundsConcurrency(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t)
	var inFlight, peak atomic.Int32
	f.provider.ErrFunc = func(int, []string) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	}

	s := newScheduler(t, f, 2)
	s.Start(context.Background())
	defer s.Close()

	var ids []uuid.UUID
	for i := 0; i < 6; i++ {
		ids = append(ids, f.upload(t, "doc.txt", strings.Repeat("word ", 500), 200, 20).ID)
	}
	for _, id := range ids {
		waitForStatus(t, f.jobs, id, jobstore.StatusCompleted)
	}
	if p := peak.Load(); p > 2 {
		t.Fatalf("%d jobs embedded concurrently, pool size is 2", p)
	}
}

func TestSchedulerSubmitValidates(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t)
	s := newScheduler(t, f, 1)
	defer s.Close()

	// Overlap >= size is rejected before a job record exists.
	_, err := s.Submit(context.Background(), &jobstore.Job{
		CollectionID: f.collID,
		FileName:     "doc.txt", FileType: "txt",
		Strategy: ingest.StrategyFixedSize, ChunkSize: 100, ChunkOverlap: 100,
	})
	var policyErr *ingest.ChunkPolicyError
	if !errors.As(err, &policyErr) {
		t.Fatalf("err = %v, want ChunkPolicyError", err)
	}

	// Unknown collection is rejected.
	_, err = s.Submit(context.Background(), &jobstore.Job{
		CollectionID: uuid.New(),
		FileName:     "doc.txt", FileType: "txt",
		Strategy: ingest.StrategyFixedSize, ChunkSize: 100, ChunkOverlap: 10,
	})
	if !errors.Is(err, vectorstore.ErrCollectionNotFound) {
		t.Fatalf("err = %v, want ErrCollectionNotFound", err)
	}

	// A valid submission lands as pending.
	id, err := s.Submit(context.Background(), &jobstore.Job{
		CollectionID: f.collID,
		FileName:     "doc.txt", FileType: "txt",
		Strategy: ingest.StrategyFixedSize, ChunkSize: 100, ChunkOverlap: 10,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	job, err := f.jobs.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Status != jobstore.StatusPending {
		t.Fatalf("submitted job is %s, want pending", job.Status)
	}
}

func TestSchedulerCancelPendingJob(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t)
	s := newScheduler(t, f, 1)
	defer s.Close()
	// Scheduler not started: the job stays pending.

	job := f.upload(t, "doc.txt", "content", 100, 10)
	if err := s.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got, _ := f.jobs.Get(context.Background(), job.ID)
	if got.Status != jobstore.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}

	// Terminal jobs are not cancellable.
	if err := s.Cancel(context.Background(), job.ID); !errors.Is(err, ingest.ErrNotCancellable) {
		t.Fatalf("err = %v, want ErrNotCancellable", err)
	}
}

func TestSchedulerCancelRunningJob(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t)
	release := make(chan struct{})
	var once atomic.Bool
	f.provider.ErrFunc = func(int, []string) error {
		if once.CompareAndSwap(false, true) {
			<-release // hold the first batch until the test cancels
		}
		return nil
	}

	s := newScheduler(t, f, 1)
	s.Start(context.Background())
	defer s.Close()

	job := f.upload(t, "doc.txt", strings.Repeat("0123456789", 500), 100, 10)
	waitForStatus(t, f.jobs, job.ID, jobstore.StatusProcessing)

	if err := s.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	close(release)

	got := waitForStatus(t, f.jobs, job.ID, jobstore.StatusCancelled)
	if got.CompletedAt == nil {
		t.Fatal("cancelled job has no completion timestamp")
	}
}

func TestSchedulerRetry(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t)
	s := newScheduler(t, f, 1)
	defer s.Close()

	job := f.upload(t, "doc.txt", "content", 100, 10)

	// Only failed jobs are retryable.
	if err := s.Retry(context.Background(), job.ID); !errors.Is(err, ingest.ErrNotRetryable) {
		t.Fatalf("retry of pending job: err = %v, want ErrNotRetryable", err)
	}

	if _, err := f.jobs.Transition(context.Background(), job.ID, jobstore.StatusProcessing, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := f.jobs.Transition(context.Background(), job.ID, jobstore.StatusFailed, "parse failed: corrupt"); err != nil {
		t.Fatal(err)
	}
	if err := s.Retry(context.Background(), job.ID); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	got, _ := f.jobs.Get(context.Background(), job.ID)
	if got.Status != jobstore.StatusPending || got.ErrorMessage != "" {
		t.Fatalf("retried job = %s %q, want a clean pending job", got.Status, got.ErrorMessage)
	}
}

func TestSchedulerProgress(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t)
	s := newScheduler(t, f, 1)
	defer s.Close()

	job := f.upload(t, "doc.txt", "content", 100, 10)
	p, err := s.Progress(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Progress: %v", err)
	}
	if p.Status != jobstore.StatusPending {
		t.Fatalf("progress status = %s, want pending", p.Status)
	}
	if _, err := s.Progress(context.Background(), uuid.New()); !errors.Is(err, jobstore.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSchedulerGracefulClose(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t)
	s := newScheduler(t, f, 2)
	s.Start(context.Background())

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		ids = append(ids, f.upload(t, "doc.txt", strings.Repeat("hello ", 300), 200, 20).ID)
	}
	for _, id := range ids {
		waitForStatus(t, f.jobs, id, jobstore.StatusCompleted)
	}
	s.Close()

	// Every job reached a terminal state and the bracket is balanced.
	jobs, err := f.jobs.List(context.Background(), 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, j := range jobs {
		if !j.Status.Terminal() {
			t.Fatalf("job %s left in %s after Close", j.ID, j.Status)
		}
	}
	if depth := f.vectors.SuspendedCount(f.collID); depth != 0 {
		t.Fatalf("Close left bookkeeping suspended at depth %d", depth)
	}
}
