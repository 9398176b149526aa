package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vectory-io/vectory/internal/auth"
	"github.com/vectory-io/vectory/internal/ingest"
	"github.com/vectory-io/vectory/internal/ingest/parser"
	"github.com/vectory-io/vectory/internal/jobstore"
	"github.com/vectory-io/vectory/internal/server"
	"github.com/vectory-io/vectory/pkg/blob/fs"
	embedmock "github.com/vectory-io/vectory/pkg/provider/embeddings/mock"
	"github.com/vectory-io/vectory/pkg/vectorstore"
	storemock "github.com/vectory-io/vectory/pkg/vectorstore/mock"
)

// apiFixture wires the full stack behind an httptest handler: in-memory job
// store, mock vector store, tmpdir blob store, mock provider, and a
// scheduler that is only started by tests that need background processing.
type apiFixture struct {
	jobs     *jobstore.MemoryStore
	vectors  *storemock.Store
	blobs    *fs.Store
	provider *embedmock.Provider
	sched    *ingest.Scheduler
	auth     *auth.Service
	handler  http.Handler
	collID   uuid.UUID
}

func newAPIFixture(t *testing.T, withAuth bool) *apiFixture {
	t.Helper()

	f := &apiFixture{
		jobs:     jobstore.NewMemoryStore(),
		vectors:  storemock.New(),
		provider: &embedmock.Provider{DimensionsValue: 8},
	}

	blobs, err := fs.New(t.TempDir())
	if err != nil {
		t.Fatalf("fs.New: %v", err)
	}
	f.blobs = blobs

	col := &vectorstore.Collection{Name: "docs", Dimension: 8}
	if err := f.vectors.CreateCollection(context.Background(), col); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	f.collID = col.ID

	registry := parser.NewRegistry(parser.Config{})
	sched, err := ingest.NewScheduler(ingest.SchedulerConfig{
		Controller: ingest.ControllerConfig{
			Jobs:     f.jobs,
			Blobs:    f.blobs,
			Vectors:  f.vectors,
			Parsers:  registry,
			Provider: f.provider,
			Limiter:  ingest.NewRateLimiter(600_000, 4),
		},
		Workers:      2,
		PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	f.sched = sched
	t.Cleanup(sched.Close)

	opts := server.Options{
		Scheduler:      sched,
		Jobs:           f.jobs,
		Vectors:        f.vectors,
		Blobs:          f.blobs,
		Provider:       f.provider,
		Parsers:        registry,
		MaxUploadBytes: 1 << 20,
		StreamInterval: 10 * time.Millisecond,
	}
	if withAuth {
		f.auth = auth.NewService(auth.NewMemoryStore(), auth.NewIssuer("test-secret", time.Minute), nil)
		opts.Auth = f.auth
	}

	srv, err := server.New(opts)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	f.handler = srv.Handler()
	return f
}

// do runs one request through the handler and decodes a JSON body into out
// when out is non-nil.
func (f *apiFixture) do(t *testing.T, method, target string, body any, out any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if out != nil && rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec
}

// upload posts a multipart file and returns the decoded upload response.
func (f *apiFixture) upload(t *testing.T, name, content string) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("collection_id", f.collID.String()); err != nil {
		t.Fatalf("write field: %v", err)
	}
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write([]byte(content)); err != nil {
		t.Fatalf("write file: %v", err)
	}
	mw.Close()

	req := httptest.NewRequest("POST", "/api/v1/ingestion/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d, body %s", rec.Code, rec.Body.String())
	}
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode upload response: %v", err)
	}
	return out
}

// createJob uploads content and creates a job for it, returning the job ID.
func (f *apiFixture) createJob(t *testing.T, content string) uuid.UUID {
	t.Helper()
	up := f.upload(t, "doc.txt", content)
	var job struct {
		ID uuid.UUID `json:"id"`
	}
	rec := f.do(t, "POST", "/api/v1/ingestion/jobs", map[string]any{
		"collection_id": f.collID,
		"file_handle":   up["file_handle"],
		"file_name":     up["file_name"],
		"file_size":     up["file_size"],
		"file_type":     up["file_type"],
		"strategy":      "fixed_size",
		"chunk_size":    500,
		"chunk_overlap": 50,
	}, &job)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create job status = %d, body %s", rec.Code, rec.Body.String())
	}
	return job.ID
}

func waitForJobStatus(t *testing.T, f *apiFixture, id uuid.UUID, want jobstore.Status) *jobstore.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := f.jobs.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := f.jobs.Get(context.Background(), id)
	t.Fatalf("job %s never reached %s (last: %+v)", id, want, job)
	return nil
}

// ── upload ───────────────────────────────────────────────────────────────────

func TestUploadStoresFile(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, false)

	out := f.upload(t, "notes.txt", "hello vector world")
	if out["file_type"] != "txt" {
		t.Errorf("file_type = %v, want txt", out["file_type"])
	}
	if out["file_size"].(float64) != float64(len("hello vector world")) {
		t.Errorf("file_size = %v", out["file_size"])
	}

	obj, err := f.blobs.Open(context.Background(), out["file_handle"].(string))
	if err != nil {
		t.Fatalf("blob missing after upload: %v", err)
	}
	obj.Close()
}

func TestUploadRejectsUnsupportedType(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, false)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", "archive.tar")
	fw.Write([]byte("not ingestible"))
	mw.Close()

	req := httptest.NewRequest("POST", "/api/v1/ingestion/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestUploadRejectsOversize(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, false)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", "big.txt")
	fw.Write(bytes.Repeat([]byte("x"), 2<<20)) // 2 MiB against a 1 MiB cap
	mw.Close()

	req := httptest.NewRequest("POST", "/api/v1/ingestion/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusRequestEntityTooLarge)
	}
}

func TestUploadWithoutFilePart(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, false)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("collection_id", f.collID.String())
	mw.Close()

	req := httptest.NewRequest("POST", "/api/v1/ingestion/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

// ── jobs ─────────────────────────────────────────────────────────────────────

func TestCreateAndFetchJob(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, false)

	id := f.createJob(t, strings.Repeat("a", 1000))

	var job map[string]any
	rec := f.do(t, "GET", "/api/v1/ingestion/jobs/"+id.String(), nil, &job)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if job["status"] != "pending" {
		t.Errorf("status = %v, want pending", job["status"])
	}
	if job["strategy"] != "fixed_size" {
		t.Errorf("strategy = %v", job["strategy"])
	}

	var jobs []map[string]any
	rec = f.do(t, "GET", "/api/v1/ingestion/jobs", nil, &jobs)
	if rec.Code != http.StatusOK || len(jobs) != 1 {
		t.Errorf("list status = %d, len = %d", rec.Code, len(jobs))
	}
}

func TestCreateJobValidation(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, false)

	cases := []struct {
		name string
		body map[string]any
		want int
	}{
		{
			name: "missing collection",
			body: map[string]any{"file_handle": "h"},
			want: http.StatusBadRequest,
		},
		{
			name: "missing handle",
			body: map[string]any{"collection_id": f.collID},
			want: http.StatusBadRequest,
		},
		{
			name: "unknown collection",
			body: map[string]any{"collection_id": uuid.New(), "file_handle": "h"},
			want: http.StatusNotFound,
		},
		{
			name: "overlap >= size",
			body: map[string]any{
				"collection_id": f.collID, "file_handle": "h",
				"chunk_size": 100, "chunk_overlap": 100,
			},
			want: http.StatusBadRequest,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, "POST", "/api/v1/ingestion/jobs", tc.body, nil)
			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tc.want, rec.Body.String())
			}
		})
	}
}

func TestJobRunsToCompletion(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, false)
	f.sched.Start(context.Background())

	id := f.createJob(t, strings.Repeat("b", 2000))
	waitForJobStatus(t, f, id, jobstore.StatusCompleted)

	var prog map[string]any
	rec := f.do(t, "GET", fmt.Sprintf("/api/v1/ingestion/jobs/%s/progress", id), nil, &prog)
	if rec.Code != http.StatusOK {
		t.Fatalf("progress status = %d", rec.Code)
	}
	if prog["status"] != "completed" {
		t.Errorf("status = %v", prog["status"])
	}
	if prog["progress_pct"].(float64) != 100 {
		t.Errorf("progress_pct = %v, want 100", prog["progress_pct"])
	}
}

func TestProgressUnknownJob(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, false)

	rec := f.do(t, "GET", fmt.Sprintf("/api/v1/ingestion/jobs/%s/progress", uuid.New()), nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestCancelPendingJob(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, false) // scheduler not started: job stays pending

	id := f.createJob(t, "some text")
	var job map[string]any
	rec := f.do(t, "POST", fmt.Sprintf("/api/v1/ingestion/jobs/%s/cancel", id), nil, &job)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if job["status"] != "cancelled" {
		t.Errorf("status = %v, want cancelled", job["status"])
	}

	// A second cancel hits a terminal job.
	rec = f.do(t, "POST", fmt.Sprintf("/api/v1/ingestion/jobs/%s/cancel", id), nil, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("second cancel status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestRetryOnlyFailedJobs(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, false)

	id := f.createJob(t, "some text")
	rec := f.do(t, "POST", fmt.Sprintf("/api/v1/ingestion/jobs/%s/retry", id), nil, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("retry pending status = %d, want %d", rec.Code, http.StatusConflict)
	}

	// Force the job into failed and retry for real.
	ctx := context.Background()
	if _, err := f.jobs.Transition(ctx, id, jobstore.StatusProcessing, ""); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if _, err := f.jobs.Transition(ctx, id, jobstore.StatusFailed, "provider outage"); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	var job map[string]any
	rec = f.do(t, "POST", fmt.Sprintf("/api/v1/ingestion/jobs/%s/retry", id), nil, &job)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("retry failed status = %d, body %s", rec.Code, rec.Body.String())
	}
	if job["status"] != "pending" {
		t.Errorf("status = %v, want pending", job["status"])
	}
}

// ── SSE stream ───────────────────────────────────────────────────────────────

func TestStreamEndsOnTerminalJob(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, false)
	f.sched.Start(context.Background())

	id := f.createJob(t, strings.Repeat("c", 1500))
	waitForJobStatus(t, f, id, jobstore.StatusCompleted)

	req := httptest.NewRequest("GET", fmt.Sprintf("/api/v1/ingestion/jobs/%s/stream", id), nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.HasPrefix(body, "data: ") {
		t.Fatalf("body does not look like SSE: %q", body)
	}
	// Terminal job: exactly one event, carrying the full counter set.
	var event struct {
		Status          string `json:"status"`
		TotalChunks     int    `json:"total_chunks"`
		ProcessedChunks int    `json:"processed_chunks"`
	}
	payload := strings.TrimSuffix(strings.TrimPrefix(body, "data: "), "\n\n")
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		t.Fatalf("decode SSE payload %q: %v", payload, err)
	}
	if event.Status != "completed" {
		t.Errorf("status = %q", event.Status)
	}
	if event.ProcessedChunks == 0 || event.ProcessedChunks != event.TotalChunks {
		t.Errorf("counters = %+v", event)
	}
}

func TestStreamUnknownJob(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, false)

	rec := f.do(t, "GET", fmt.Sprintf("/api/v1/ingestion/jobs/%s/stream", uuid.New()), nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}
