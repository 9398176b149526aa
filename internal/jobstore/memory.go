package jobstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory [Store] for tests and single-node development.
// All operations are safe for concurrent use.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*Job
}

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[uuid.UUID]*Job)}
}

// Create implements [Store].
func (s *MemoryStore) Create(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	job.Status = StatusPending
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

// Get implements [Store].
func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *job
	return &cp, nil
}

// List implements [Store].
func (s *MemoryStore) List(_ context.Context, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateProgress implements [Store].
func (s *MemoryStore) UpdateProgress(_ context.Context, id uuid.UUID, processedDelta, failedDelta, totalChunks int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	job.ProcessedChunks += processedDelta
	job.FailedChunks += failedDelta
	if totalChunks >= 0 {
		job.TotalChunks = totalChunks
	}
	return nil
}

// Transition implements [Store].
func (s *MemoryStore) Transition(_ context.Context, id uuid.UUID, status Status, errMsg string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !job.Status.CanTransitionTo(status) {
		return nil, illegalTransition(id, job.Status, status)
	}
	applyTransition(job, status, errMsg)
	cp := *job
	return &cp, nil
}

// ClaimPending implements [Store].
func (s *MemoryStore) ClaimPending(_ context.Context) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest *Job
	for _, job := range s.jobs {
		if job.Status != StatusPending {
			continue
		}
		if oldest == nil || job.CreatedAt.Before(oldest.CreatedAt) {
			oldest = job
		}
	}
	if oldest == nil {
		return nil, ErrNoPending
	}
	applyTransition(oldest, StatusProcessing, "")
	cp := *oldest
	return &cp, nil
}

// applyTransition mutates job for a transition that has already been
// validated. Shared by Transition and ClaimPending.
func applyTransition(job *Job, status Status, errMsg string) {
	now := time.Now().UTC()
	job.Status = status
	switch status {
	case StatusProcessing:
		job.StartedAt = &now
	case StatusCompleted, StatusCancelled:
		job.CompletedAt = &now
	case StatusFailed:
		job.CompletedAt = &now
		job.ErrorMessage = errMsg
	case StatusPending: // retry or re-queue
		job.TotalChunks = 0
		job.ProcessedChunks = 0
		job.FailedChunks = 0
		job.ErrorMessage = ""
		job.StartedAt = nil
		job.CompletedAt = nil
	}
}
