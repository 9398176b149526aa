package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/vectory-io/vectory/internal/jobstore"
)

// ErrNotCancellable is returned by Cancel for a job already in a terminal
// state.
var ErrNotCancellable = errors.New("scheduler: job is not cancellable")

// ErrNotRetryable is returned by Retry for a job not in the failed state.
var ErrNotRetryable = errors.New("scheduler: job is not retryable")

// DefaultPollInterval is the idle delay between pending-job claims.
const DefaultPollInterval = time.Second

// SchedulerConfig configures a [Scheduler].
type SchedulerConfig struct {
	// Controller carries the pipeline collaborators shared by every job.
	Controller ControllerConfig

	// Workers is the worker pool size: at most this many jobs run
	// concurrently, each end-to-end on one worker so per-worker memory stays
	// at the pipeline's constant footprint. Default: 4.
	Workers int

	// PollInterval is the idle delay between claim attempts, jittered to
	// avoid thundering herds across replicas. Default: [DefaultPollInterval].
	PollInterval time.Duration

	Logger *slog.Logger
}

// Scheduler pulls pending jobs from the job store and runs each on a
// fixed-size worker pool. It shares one process-wide [RateLimiter] across
// every job's batcher, applying the embedding provider's backpressure to the
// whole pipeline rather than to single jobs.
type Scheduler struct {
	cfg  SchedulerConfig
	pool *ants.Pool
	log  *slog.Logger

	mu      sync.Mutex
	running map[uuid.UUID]*Controller

	wg      sync.WaitGroup
	loopWg  sync.WaitGroup
	stop    context.CancelFunc
	started bool
}

// NewScheduler builds a scheduler. The controller config must carry all
// pipeline collaborators; a missing limiter is created from the provider's
// declared limits.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Controller.Limiter == nil {
		limits := cfg.Controller.Provider.Limits().WithDefaults()
		cfg.Controller.Limiter = NewRateLimiter(limits.RequestsPerMinute, cfg.Workers)
	}

	pool, err := ants.NewPool(cfg.Workers)
	if err != nil {
		return nil, fmt.Errorf("scheduler: create pool: %w", err)
	}
	return &Scheduler{
		cfg:     cfg,
		pool:    pool,
		log:     cfg.Logger.With("component", "scheduler"),
		running: make(map[uuid.UUID]*Controller),
	}, nil
}

// Start launches the claim loop. It returns immediately; jobs are processed
// in the background until Close.
func (s *Scheduler) Start(ctx context.Context) {
	if s.started {
		return
	}
	s.started = true
	ctx, s.stop = context.WithCancel(ctx)
	s.loopWg.Add(1)
	go s.claimLoop(ctx)
}

// claimLoop pulls pending jobs and hands each to a pool worker. Submit
// blocks when every worker is busy, which is the backpressure that keeps
// claims aligned with capacity.
func (s *Scheduler) claimLoop(ctx context.Context) {
	defer s.loopWg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := s.cfg.Controller.Jobs.ClaimPending(ctx)
		if err != nil {
			if !errors.Is(err, jobstore.ErrNoPending) && ctx.Err() == nil {
				s.log.Error("claim failed", "error", err)
			}
			s.sleep(ctx)
			continue
		}

		ctrl := NewController(s.cfg.Controller, job)
		s.mu.Lock()
		s.running[job.ID] = ctrl
		s.mu.Unlock()

		s.wg.Add(1)
		submitErr := s.pool.Submit(func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.running, job.ID)
				s.mu.Unlock()
			}()
			if err := ctrl.Run(ctx); err != nil {
				s.log.Error("job run failed", "job", job.ID, "error", err)
			}
		})
		if submitErr != nil {
			// Pool released during shutdown. Put the claim back so a
			// restarted worker picks it up; leaving it in processing would
			// strand it.
			s.wg.Done()
			s.mu.Lock()
			delete(s.running, job.ID)
			s.mu.Unlock()
			if _, err := s.cfg.Controller.Jobs.Transition(context.WithoutCancel(ctx), job.ID, jobstore.StatusPending, ""); err != nil {
				s.log.Error("re-queueing stranded claim", "job", job.ID, "error", err)
			}
			return
		}
	}
}

// sleep waits one jittered poll interval or until ctx is done.
func (s *Scheduler) sleep(ctx context.Context) {
	d := s.cfg.PollInterval
	d += time.Duration(rand.Int64N(int64(d) / 2))
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Submit validates the chunking policy and creates a pending job for the
// claim loop to pick up. The collection must exist.
func (s *Scheduler) Submit(ctx context.Context, job *jobstore.Job) (uuid.UUID, error) {
	policy := Policy{Strategy: job.Strategy, ChunkSize: job.ChunkSize, Overlap: job.ChunkOverlap}
	if err := policy.Validate(); err != nil {
		return uuid.Nil, err
	}
	if _, err := s.cfg.Controller.Vectors.GetCollection(ctx, job.CollectionID); err != nil {
		return uuid.Nil, fmt.Errorf("scheduler: submit: %w", err)
	}
	if err := s.cfg.Controller.Jobs.Create(ctx, job); err != nil {
		return uuid.Nil, fmt.Errorf("scheduler: submit: %w", err)
	}
	s.log.Info("job submitted", "job", job.ID, "collection", job.CollectionID,
		"file", job.FileName, "strategy", job.Strategy)
	return job.ID, nil
}

// Cancel requests cancellation of a job. A locally running job is flagged
// and finishes cooperatively; a pending or remotely claimed job is
// transitioned directly. Returns [ErrNotCancellable] for terminal jobs.
func (s *Scheduler) Cancel(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	ctrl, ok := s.running[id]
	s.mu.Unlock()
	if ok {
		ctrl.Cancel()
		return nil
	}

	job, err := s.cfg.Controller.Jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("%w: job %s is %s", ErrNotCancellable, id, job.Status)
	}
	if _, err := s.cfg.Controller.Jobs.Transition(ctx, id, jobstore.StatusCancelled, ""); err != nil {
		if errors.Is(err, jobstore.ErrIllegalTransition) {
			return fmt.Errorf("%w: job %s", ErrNotCancellable, id)
		}
		return err
	}
	return nil
}

// Retry re-queues a failed job: counters reset, configuration preserved.
// Vector records already written for prior chunk indices are retained;
// deduplication is layered on record fingerprints, not performed here.
// Returns [ErrNotRetryable] unless the job is in the failed state.
func (s *Scheduler) Retry(ctx context.Context, id uuid.UUID) error {
	if _, err := s.cfg.Controller.Jobs.Transition(ctx, id, jobstore.StatusPending, ""); err != nil {
		if errors.Is(err, jobstore.ErrIllegalTransition) {
			return fmt.Errorf("%w: job %s", ErrNotRetryable, id)
		}
		return err
	}
	return nil
}

// Progress returns the job's latest durable counter snapshot. Available
// mid-failure: the counters reflect the last persisted checkpoint.
func (s *Scheduler) Progress(ctx context.Context, id uuid.UUID) (jobstore.Progress, error) {
	job, err := s.cfg.Controller.Jobs.Get(ctx, id)
	if err != nil {
		return jobstore.Progress{}, err
	}
	return job.Progress(), nil
}

// Close stops claiming, waits for running jobs to finish their cooperative
// shutdown, and releases the pool.
func (s *Scheduler) Close() {
	if s.stop != nil {
		s.stop()
	}
	s.loopWg.Wait()
	s.wg.Wait()
	s.pool.Release()
}
