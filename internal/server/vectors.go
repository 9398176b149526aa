package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vectory-io/vectory/pkg/vectorstore"
)

// insertVectorRequest is one record in a direct vector insert. The ingestion
// pipeline is the usual write path; this endpoint exists for callers that
// bring their own embeddings.
type insertVectorRequest struct {
	Vector     []float32      `json:"vector"`
	Metadata   map[string]any `json:"metadata"`
	Text       string         `json:"text_content"`
	SourceFile string         `json:"source_file"`
	ChunkIndex int            `json:"chunk_index"`
}

type insertVectorResponse struct {
	ID     uuid.UUID `json:"id"`
	Status string    `json:"status"`
}

// vectorResponse is the JSON shape of one stored record.
type vectorResponse struct {
	ID           uuid.UUID      `json:"id"`
	CollectionID uuid.UUID      `json:"collection_id"`
	Vector       []float32      `json:"vector"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Text         string         `json:"text_content"`
	SourceFile   string         `json:"source_file,omitempty"`
	ChunkIndex   int            `json:"chunk_index"`
	Fingerprint  string         `json:"fingerprint"`
	CreatedAt    time.Time      `json:"created_at"`
}

func toVectorResponse(r *vectorstore.Record) vectorResponse {
	return vectorResponse{
		ID:           r.ID,
		CollectionID: r.CollectionID,
		Vector:       r.Embedding,
		Metadata:     r.Metadata,
		Text:         r.Text,
		SourceFile:   r.SourceFile,
		ChunkIndex:   r.ChunkIndex,
		Fingerprint:  r.Fingerprint,
		CreatedAt:    r.CreatedAt,
	}
}

// handleInsertVectors writes embeddings directly into a collection. The body
// is either a single record object or an array of them; the response shape
// mirrors the request shape. Every record is validated against the
// collection before anything is written, so a bad record fails the whole
// request.
func (s *Server) handleInsertVectors(w http.ResponseWriter, r *http.Request) {
	collID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.fail(w, http.StatusBadRequest, "invalid collection id %q", r.PathValue("id"))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.fail(w, http.StatusBadRequest, "read request body: %s", err)
		return
	}
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	single := len(trimmed) == 0 || trimmed[0] != '['

	var reqs []insertVectorRequest
	if single {
		var one insertVectorRequest
		if err := decodeJSONBytes(body, &one); err != nil {
			s.fail(w, http.StatusBadRequest, "%s", err)
			return
		}
		reqs = []insertVectorRequest{one}
	} else {
		if err := decodeJSONBytes(body, &reqs); err != nil {
			s.fail(w, http.StatusBadRequest, "%s", err)
			return
		}
		if len(reqs) == 0 {
			s.fail(w, http.StatusBadRequest, "at least one vector is required")
			return
		}
	}

	coll, err := s.opts.Vectors.GetCollection(r.Context(), collID)
	if err != nil {
		s.failFor(w, err)
		return
	}

	records := make([]vectorstore.Record, len(reqs))
	for i, req := range reqs {
		switch {
		case len(req.Vector) != coll.Dimension:
			s.fail(w, http.StatusBadRequest, "vector %d: dimension mismatch: got %d, want %d",
				i, len(req.Vector), coll.Dimension)
			return
		case strings.TrimSpace(req.Text) == "":
			s.fail(w, http.StatusBadRequest, "vector %d: text_content is required", i)
			return
		}
		records[i] = vectorstore.Record{
			ID:          uuid.New(),
			Embedding:   req.Vector,
			Metadata:    req.Metadata,
			Text:        req.Text,
			SourceFile:  req.SourceFile,
			ChunkIndex:  req.ChunkIndex,
			Fingerprint: vectorstore.Fingerprint(req.Text),
		}
	}

	report, err := s.opts.Vectors.BulkInsert(r.Context(), collID, records)
	if err != nil {
		s.failFor(w, err)
		return
	}
	if len(report.Rejected) > 0 {
		s.failFor(w, fmt.Errorf("insert vectors: store rejected %d of %d records: %s",
			len(report.Rejected), len(records), report.Rejected[0].Reason))
		return
	}
	s.log.Info("vectors inserted", "collection", collID, "count", len(records))

	out := make([]insertVectorResponse, len(records))
	for i, rec := range records {
		out[i] = insertVectorResponse{ID: rec.ID, Status: "created"}
	}
	if single {
		s.respond(w, http.StatusCreated, out[0])
		return
	}
	s.respond(w, http.StatusCreated, out)
}

func (s *Server) handleGetVector(w http.ResponseWriter, r *http.Request) {
	collID, recID, ok := s.vectorPathIDs(w, r)
	if !ok {
		return
	}
	rec, err := s.opts.Vectors.GetRecord(r.Context(), collID, recID)
	if err != nil {
		s.failFor(w, err)
		return
	}
	s.respond(w, http.StatusOK, toVectorResponse(rec))
}

type updateVectorRequest struct {
	Vector   []float32      `json:"vector"`
	Metadata map[string]any `json:"metadata"`
	Text     *string        `json:"text_content"`
}

func (s *Server) handleUpdateVector(w http.ResponseWriter, r *http.Request) {
	collID, recID, ok := s.vectorPathIDs(w, r)
	if !ok {
		return
	}
	var req updateVectorRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, "%s", err)
		return
	}
	if req.Text != nil && strings.TrimSpace(*req.Text) == "" {
		s.fail(w, http.StatusBadRequest, "text_content must not be empty")
		return
	}
	if req.Vector != nil {
		coll, err := s.opts.Vectors.GetCollection(r.Context(), collID)
		if err != nil {
			s.failFor(w, err)
			return
		}
		if len(req.Vector) != coll.Dimension {
			s.fail(w, http.StatusBadRequest, "dimension mismatch: got %d, want %d",
				len(req.Vector), coll.Dimension)
			return
		}
	}

	rec, err := s.opts.Vectors.UpdateRecord(r.Context(), collID, recID, vectorstore.RecordUpdate{
		Embedding: req.Vector,
		Metadata:  req.Metadata,
		Text:      req.Text,
	})
	if err != nil {
		s.failFor(w, err)
		return
	}
	s.respond(w, http.StatusOK, toVectorResponse(rec))
}

func (s *Server) handleDeleteVector(w http.ResponseWriter, r *http.Request) {
	collID, recID, ok := s.vectorPathIDs(w, r)
	if !ok {
		return
	}
	if err := s.opts.Vectors.DeleteRecord(r.Context(), collID, recID); err != nil {
		s.failFor(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type batchDeleteRequest struct {
	IDs []uuid.UUID `json:"ids"`
}

type batchDeleteResponse struct {
	Deleted int64 `json:"deleted"`
}

func (s *Server) handleBatchDeleteVectors(w http.ResponseWriter, r *http.Request) {
	collID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.fail(w, http.StatusBadRequest, "invalid collection id %q", r.PathValue("id"))
		return
	}
	var req batchDeleteRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, "%s", err)
		return
	}
	if len(req.IDs) == 0 {
		s.fail(w, http.StatusBadRequest, "ids is required")
		return
	}

	deleted, err := s.opts.Vectors.DeleteRecords(r.Context(), collID, req.IDs)
	if err != nil {
		s.failFor(w, err)
		return
	}
	s.log.Info("vectors deleted", "collection", collID, "requested", len(req.IDs), "deleted", deleted)
	s.respond(w, http.StatusOK, batchDeleteResponse{Deleted: deleted})
}

type hybridSearchRequest struct {
	Query        string    `json:"query"`
	Vector       []float32 `json:"vector"`
	TopK         int       `json:"top_k"`
	VectorWeight float64   `json:"vector_weight"`
	TextWeight   float64   `json:"text_weight"`
}

type hybridSearchResponse struct {
	CollectionID uuid.UUID   `json:"collection_id"`
	Query        string      `json:"query,omitempty"`
	Results      []searchHit `json:"results"`
}

// handleHybridSearch ranks records by the weighted blend of vector
// similarity and keyword relevance. When the caller supplies only query
// text, the vector side is filled by embedding the text with the
// configured provider.
func (s *Server) handleHybridSearch(w http.ResponseWriter, r *http.Request) {
	collID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.fail(w, http.StatusBadRequest, "invalid collection id %q", r.PathValue("id"))
		return
	}
	var req hybridSearchRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, "%s", err)
		return
	}
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" && len(req.Vector) == 0 {
		s.fail(w, http.StatusBadRequest, "query or vector is required")
		return
	}
	if req.VectorWeight < 0 || req.TextWeight < 0 {
		s.fail(w, http.StatusBadRequest, "weights must not be negative")
		return
	}
	if req.TopK > maxTopK {
		req.TopK = maxTopK
	}

	coll, err := s.opts.Vectors.GetCollection(r.Context(), collID)
	if err != nil {
		s.failFor(w, err)
		return
	}
	if len(req.Vector) > 0 && len(req.Vector) != coll.Dimension {
		s.fail(w, http.StatusBadRequest, "dimension mismatch: got %d, want %d",
			len(req.Vector), coll.Dimension)
		return
	}
	if len(req.Vector) == 0 && req.Query != "" {
		if dims := s.opts.Provider.Dimensions(); dims > 0 && dims == coll.Dimension {
			req.Vector, err = s.opts.Provider.Embed(r.Context(), req.Query)
			if err != nil {
				s.failFor(w, fmt.Errorf("embed query: %w", err))
				return
			}
		}
	}

	results, err := s.opts.Vectors.HybridSearch(r.Context(), collID, vectorstore.HybridQuery{
		Embedding:    req.Vector,
		Text:         req.Query,
		VectorWeight: req.VectorWeight,
		TextWeight:   req.TextWeight,
		TopK:         req.TopK,
	})
	if err != nil {
		s.failFor(w, err)
		return
	}
	s.respond(w, http.StatusOK, hybridSearchResponse{
		CollectionID: collID,
		Query:        req.Query,
		Results:      toSearchHits(results),
	})
}

// vectorPathIDs parses the {id}/{vid} pair shared by the single-vector
// handlers, writing the 400 itself on a malformed ID.
func (s *Server) vectorPathIDs(w http.ResponseWriter, r *http.Request) (collID, recID uuid.UUID, ok bool) {
	collID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.fail(w, http.StatusBadRequest, "invalid collection id %q", r.PathValue("id"))
		return uuid.Nil, uuid.Nil, false
	}
	recID, err = uuid.Parse(r.PathValue("vid"))
	if err != nil {
		s.fail(w, http.StatusBadRequest, "invalid vector id %q", r.PathValue("vid"))
		return uuid.Nil, uuid.Nil, false
	}
	return collID, recID, true
}

// decodeJSONBytes is decodeJSON over an already-read body.
func decodeJSONBytes(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
