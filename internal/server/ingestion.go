package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vectory-io/vectory/internal/jobstore"
)

// uploadResponse echoes back what the client needs to create a job.
type uploadResponse struct {
	FileHandle   string `json:"file_handle"`
	FileName     string `json:"file_name"`
	FileSize     int64  `json:"file_size"`
	FileType     string `json:"file_type"`
	CollectionID string `json:"collection_id,omitempty"`
}

// jobResponse is the JSON shape of one ingestion job.
type jobResponse struct {
	ID              uuid.UUID  `json:"id"`
	CollectionID    uuid.UUID  `json:"collection_id"`
	Status          string     `json:"status"`
	FileName        string     `json:"file_name"`
	FileSize        int64      `json:"file_size"`
	FileType        string     `json:"file_type"`
	Strategy        string     `json:"strategy"`
	ChunkSize       int        `json:"chunk_size"`
	ChunkOverlap    int        `json:"chunk_overlap"`
	TotalChunks     int        `json:"total_chunks"`
	ProcessedChunks int        `json:"processed_chunks"`
	FailedChunks    int        `json:"failed_chunks"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

func toJobResponse(j *jobstore.Job) jobResponse {
	return jobResponse{
		ID:              j.ID,
		CollectionID:    j.CollectionID,
		Status:          string(j.Status),
		FileName:        j.FileName,
		FileSize:        j.FileSize,
		FileType:        j.FileType,
		Strategy:        j.Strategy,
		ChunkSize:       j.ChunkSize,
		ChunkOverlap:    j.ChunkOverlap,
		TotalChunks:     j.TotalChunks,
		ProcessedChunks: j.ProcessedChunks,
		FailedChunks:    j.FailedChunks,
		ErrorMessage:    j.ErrorMessage,
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
	}
}

// handleUpload streams a multipart upload into the blob store without ever
// buffering the whole file. The stored handle is a fresh UUID; the client
// passes it back when creating a job.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)

	mr, err := r.MultipartReader()
	if err != nil {
		s.fail(w, http.StatusBadRequest, "expected multipart/form-data: %s", err)
		return
	}

	var resp uploadResponse
	var stored bool
	handle := uuid.NewString()

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.cleanupUpload(r, stored, handle)
			if maxed(err) {
				s.fail(w, http.StatusRequestEntityTooLarge, "upload exceeds %d bytes", s.opts.MaxUploadBytes)
				return
			}
			s.fail(w, http.StatusBadRequest, "read multipart: %s", err)
			return
		}

		switch part.FormName() {
		case "collection_id":
			buf, err := io.ReadAll(io.LimitReader(part, 256))
			if err != nil {
				s.fail(w, http.StatusBadRequest, "read collection_id: %s", err)
				return
			}
			resp.CollectionID = strings.TrimSpace(string(buf))

		case "file":
			name := part.FileName()
			ext := strings.TrimPrefix(strings.ToLower(path.Ext(name)), ".")
			if !s.opts.Parsers.Supported(ext) {
				s.fail(w, http.StatusBadRequest, "unsupported file type %q", ext)
				return
			}

			n, err := s.opts.Blobs.Put(r.Context(), handle, part)
			if err != nil {
				s.cleanupUpload(r, true, handle)
				if maxed(err) {
					s.fail(w, http.StatusRequestEntityTooLarge, "upload exceeds %d bytes", s.opts.MaxUploadBytes)
					return
				}
				s.failFor(w, fmt.Errorf("store upload: %w", err))
				return
			}
			stored = true
			resp.FileHandle = handle
			resp.FileName = name
			resp.FileSize = n
			resp.FileType = ext
		}
	}

	if !stored {
		s.fail(w, http.StatusBadRequest, "missing file part")
		return
	}
	s.log.Info("file uploaded", "handle", resp.FileHandle, "name", resp.FileName, "size", resp.FileSize)
	s.respond(w, http.StatusCreated, resp)
}

// cleanupUpload best-effort deletes a partially stored upload.
func (s *Server) cleanupUpload(r *http.Request, stored bool, handle string) {
	if !stored {
		return
	}
	if err := s.opts.Blobs.Delete(r.Context(), handle); err != nil {
		s.log.Warn("failed to delete partial upload", "handle", handle, "err", err)
	}
}

// maxed reports whether err came from the MaxBytesReader cap.
func maxed(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe) || strings.Contains(err.Error(), "request body too large")
}

// createJobRequest creates an ingestion job for a previously uploaded file.
type createJobRequest struct {
	CollectionID uuid.UUID `json:"collection_id"`
	FileHandle   string    `json:"file_handle"`
	FileName     string    `json:"file_name"`
	FileSize     int64     `json:"file_size"`
	FileType     string    `json:"file_type"`
	Strategy     string    `json:"strategy"`
	ChunkSize    int       `json:"chunk_size"`
	ChunkOverlap int       `json:"chunk_overlap"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, "%s", err)
		return
	}
	if req.CollectionID == uuid.Nil {
		s.fail(w, http.StatusBadRequest, "collection_id is required")
		return
	}
	if req.FileHandle == "" {
		s.fail(w, http.StatusBadRequest, "file_handle is required")
		return
	}
	if req.Strategy == "" {
		req.Strategy = "fixed_size"
	}
	if req.ChunkSize == 0 {
		req.ChunkSize = 500
		if req.ChunkOverlap == 0 {
			req.ChunkOverlap = 50
		}
	}

	job := &jobstore.Job{
		CollectionID: req.CollectionID,
		FileHandle:   req.FileHandle,
		FileName:     req.FileName,
		FileSize:     req.FileSize,
		FileType:     req.FileType,
		Strategy:     req.Strategy,
		ChunkSize:    req.ChunkSize,
		ChunkOverlap: req.ChunkOverlap,
	}
	if _, err := s.opts.Scheduler.Submit(r.Context(), job); err != nil {
		s.failFor(w, err)
		return
	}
	s.respond(w, http.StatusCreated, toJobResponse(job))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.fail(w, http.StatusBadRequest, "invalid limit %q", v)
			return
		}
		limit = n
	}
	jobs, err := s.opts.Jobs.List(r.Context(), limit)
	if err != nil {
		s.failFor(w, err)
		return
	}
	out := make([]jobResponse, len(jobs))
	for i := range jobs {
		out[i] = toJobResponse(&jobs[i])
	}
	s.respond(w, http.StatusOK, out)
}

// jobID parses the {id} path value, writing a 400 on failure.
func (s *Server) jobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.fail(w, http.StatusBadRequest, "invalid job id %q", r.PathValue("id"))
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	job, err := s.opts.Jobs.Get(r.Context(), id)
	if err != nil {
		s.failFor(w, err)
		return
	}
	s.respond(w, http.StatusOK, toJobResponse(job))
}

// progressResponse is one counter snapshot, shared by the progress endpoint
// and the SSE stream.
type progressResponse struct {
	JobID           uuid.UUID `json:"job_id"`
	Status          string    `json:"status"`
	TotalChunks     int       `json:"total_chunks"`
	ProcessedChunks int       `json:"processed_chunks"`
	FailedChunks    int       `json:"failed_chunks"`
	ProgressPct     float64   `json:"progress_pct"`
}

func toProgressResponse(id uuid.UUID, p jobstore.Progress) progressResponse {
	pct := 0.0
	if p.TotalChunks > 0 {
		pct = float64(p.ProcessedChunks) / float64(p.TotalChunks) * 100
		if pct > 100 {
			pct = 100
		}
	}
	return progressResponse{
		JobID:           id,
		Status:          string(p.Status),
		TotalChunks:     p.TotalChunks,
		ProcessedChunks: p.ProcessedChunks,
		FailedChunks:    p.FailedChunks,
		ProgressPct:     pct,
	}
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	p, err := s.opts.Scheduler.Progress(r.Context(), id)
	if err != nil {
		s.failFor(w, err)
		return
	}
	s.respond(w, http.StatusOK, toProgressResponse(id, p))
}

// handleStream pushes progress snapshots as server-sent events until the job
// reaches a terminal state or the client disconnects. Every event carries
// the full counter set, so clients never need to accumulate deltas.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		s.fail(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Existence check before committing to the event stream content type.
	if _, err := s.opts.Jobs.Get(r.Context(), id); err != nil {
		s.failFor(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ticker := time.NewTicker(s.opts.StreamInterval)
	defer ticker.Stop()

	for {
		p, err := s.opts.Scheduler.Progress(r.Context(), id)
		if err != nil {
			fmt.Fprintf(w, "event: error\ndata: {\"error\":%q}\n\n", err.Error())
			flusher.Flush()
			return
		}
		writeSSE(w, toProgressResponse(id, p))
		flusher.Flush()

		if p.Status.Terminal() {
			return
		}
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

// writeSSE writes one data event.
func writeSSE(w io.Writer, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", b)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	if err := s.opts.Scheduler.Cancel(r.Context(), id); err != nil {
		s.failFor(w, err)
		return
	}
	job, err := s.opts.Jobs.Get(r.Context(), id)
	if err != nil {
		s.failFor(w, err)
		return
	}
	s.respond(w, http.StatusAccepted, toJobResponse(job))
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	if err := s.opts.Scheduler.Retry(r.Context(), id); err != nil {
		s.failFor(w, err)
		return
	}
	job, err := s.opts.Jobs.Get(r.Context(), id)
	if err != nil {
		s.failFor(w, err)
		return
	}
	s.respond(w, http.StatusAccepted, toJobResponse(job))
}
