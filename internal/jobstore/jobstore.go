// Package jobstore defines the ingestion job record, its lifecycle state
// machine, and the Store interface for persisting jobs and progress counters.
//
// A job is owned by exactly one controller at a time; all lifecycle changes
// go through [Store.Transition], which enforces the legal transition set:
//
//	pending → processing → {completed | failed | cancelled}
//	pending → cancelled            (cancelled before a worker claimed it)
//	processing → pending           (re-queued on worker shutdown)
//	failed  → pending              (explicit retry)
//
// Progress counters are persisted with atomic increments so polling clients
// always see durable, monotonically non-decreasing values within one
// processing episode.
package jobstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no job exists with the given ID.
var ErrNotFound = errors.New("jobstore: job not found")

// ErrNoPending is returned by [Store.ClaimPending] when no pending job is
// available.
var ErrNoPending = errors.New("jobstore: no pending job")

// ErrIllegalTransition is returned by [Store.Transition] for transitions
// outside the legal set.
var ErrIllegalTransition = errors.New("jobstore: illegal status transition")

// Status is the lifecycle state of an ingestion job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsValid reports whether s is a recognised status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether s → to is a legal lifecycle transition.
func (s Status) CanTransitionTo(to Status) bool {
	switch s {
	case StatusPending:
		return to == StatusProcessing || to == StatusCancelled
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed ||
			to == StatusCancelled || to == StatusPending
	case StatusFailed:
		return to == StatusPending
	}
	return false
}

// Job is one ingestion job: a source file, a target collection, a chunking
// configuration, and durable progress counters.
type Job struct {
	ID           uuid.UUID
	CollectionID uuid.UUID
	Status       Status

	// FileHandle addresses the raw upload in the blob store. FileName,
	// FileSize, and FileType are the client-declared name, size in bytes,
	// and type (file extension without the dot, e.g. "pdf").
	FileHandle string
	FileName   string
	FileSize   int64
	FileType   string

	// Chunking configuration, preserved across retries.
	Strategy     string
	ChunkSize    int
	ChunkOverlap int

	// TotalChunks begins as a size-derived upper estimate and is refined as
	// parsing proceeds; it is only exact once the job reaches a terminal
	// state. ProcessedChunks and FailedChunks are durable counters advanced
	// by atomic increments.
	TotalChunks     int
	ProcessedChunks int
	FailedChunks    int

	ErrorMessage string

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Progress is the client-visible counter snapshot for one job.
type Progress struct {
	Status          Status `json:"status"`
	TotalChunks     int    `json:"total_chunks"`
	ProcessedChunks int    `json:"processed_chunks"`
	FailedChunks    int    `json:"failed_chunks"`
}

// Progress returns the job's current counter snapshot.
func (j *Job) Progress() Progress {
	return Progress{
		Status:          j.Status,
		TotalChunks:     j.TotalChunks,
		ProcessedChunks: j.ProcessedChunks,
		FailedChunks:    j.FailedChunks,
	}
}

// Store persists jobs and their progress counters.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Create persists a new job. The ID and CreatedAt are assigned by the
	// store when unset; Status is forced to pending.
	Create(ctx context.Context, job *Job) error

	// Get fetches a job by ID.
	Get(ctx context.Context, id uuid.UUID) (*Job, error)

	// List returns jobs ordered newest-first, at most limit entries
	// (limit <= 0 means a store-chosen default).
	List(ctx context.Context, limit int) ([]Job, error)

	// UpdateProgress atomically adds processedDelta and failedDelta to the
	// job's counters. When totalChunks >= 0 it also replaces the refined
	// total estimate.
	UpdateProgress(ctx context.Context, id uuid.UUID, processedDelta, failedDelta, totalChunks int) error

	// Transition moves the job to status, enforcing the legal transition
	// set, and returns the updated job. Side effects by target status:
	//
	//   processing: records StartedAt
	//   completed, cancelled: records CompletedAt
	//   failed: records CompletedAt and sets ErrorMessage from errMsg
	//   pending (retry): resets all counters, clears the error and
	//     timestamps, preserving the file and chunking configuration
	Transition(ctx context.Context, id uuid.UUID, status Status, errMsg string) (*Job, error)

	// ClaimPending atomically claims the oldest pending job, transitioning
	// it to processing on the controller's behalf, and returns it. Returns
	// ErrNoPending when the queue is empty. Two concurrent claimers never
	// receive the same job.
	ClaimPending(ctx context.Context) (*Job, error)
}

// illegalTransition builds the detailed error for a rejected transition.
func illegalTransition(id uuid.UUID, from, to Status) error {
	return fmt.Errorf("%w: job %s: %s → %s", ErrIllegalTransition, id, from, to)
}
