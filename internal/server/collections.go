package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vectory-io/vectory/pkg/vectorstore"
)

// collectionResponse is the JSON shape of one collection.
type collectionResponse struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Dimension   int       `json:"dimension"`
	Metric      string    `json:"metric"`
	VectorCount int64     `json:"vector_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func toCollectionResponse(c *vectorstore.Collection) collectionResponse {
	return collectionResponse{
		ID:          c.ID,
		Name:        c.Name,
		Description: c.Description,
		Dimension:   c.Dimension,
		Metric:      c.Metric,
		VectorCount: c.VectorCount,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
}

type createCollectionRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Dimension   int    `json:"dimension"`
	Metric      string `json:"metric"`
}

func (s *Server) handleCreateCollection(w http.ResponseWriter, r *http.Request) {
	var req createCollectionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, "%s", err)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		s.fail(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Dimension <= 0 {
		s.fail(w, http.StatusBadRequest, "dimension must be positive")
		return
	}
	if req.Metric == "" {
		req.Metric = vectorstore.MetricCosine
	}
	switch req.Metric {
	case vectorstore.MetricCosine, vectorstore.MetricL2, vectorstore.MetricInnerProd:
	default:
		s.fail(w, http.StatusBadRequest, "unknown metric %q", req.Metric)
		return
	}

	c := &vectorstore.Collection{
		Name:        req.Name,
		Description: req.Description,
		Dimension:   req.Dimension,
		Metric:      req.Metric,
	}
	if err := s.opts.Vectors.CreateCollection(r.Context(), c); err != nil {
		s.failFor(w, err)
		return
	}
	s.log.Info("collection created", "collection", c.ID, "name", c.Name, "dimension", c.Dimension)
	s.respond(w, http.StatusCreated, toCollectionResponse(c))
}

func (s *Server) handleListCollections(w http.ResponseWriter, r *http.Request) {
	cols, err := s.opts.Vectors.ListCollections(r.Context())
	if err != nil {
		s.failFor(w, err)
		return
	}
	out := make([]collectionResponse, len(cols))
	for i := range cols {
		out[i] = toCollectionResponse(&cols[i])
	}
	s.respond(w, http.StatusOK, out)
}

func (s *Server) handleGetCollection(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.fail(w, http.StatusBadRequest, "invalid collection id %q", r.PathValue("id"))
		return
	}
	c, err := s.opts.Vectors.GetCollection(r.Context(), id)
	if err != nil {
		s.failFor(w, err)
		return
	}
	s.respond(w, http.StatusOK, toCollectionResponse(c))
}

type updateCollectionRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

func (s *Server) handleUpdateCollection(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.fail(w, http.StatusBadRequest, "invalid collection id %q", r.PathValue("id"))
		return
	}
	var req updateCollectionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, "%s", err)
		return
	}
	if req.Name != nil {
		trimmed := strings.TrimSpace(*req.Name)
		if trimmed == "" {
			s.fail(w, http.StatusBadRequest, "name must not be empty")
			return
		}
		req.Name = &trimmed
	}

	c, err := s.opts.Vectors.UpdateCollection(r.Context(), id, vectorstore.CollectionUpdate{
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		s.failFor(w, err)
		return
	}
	s.log.Info("collection updated", "collection", c.ID, "name", c.Name)
	s.respond(w, http.StatusOK, toCollectionResponse(c))
}

// collectionStatsResponse reports live counts rather than the bookkept
// vector_count, which lags while a bulk load is in flight.
type collectionStatsResponse struct {
	CollectionID   uuid.UUID `json:"collection_id"`
	Name           string    `json:"name"`
	VectorCount    int64     `json:"vector_count"`
	Dimension      int       `json:"dimension"`
	DistanceMetric string    `json:"distance_metric"`
}

func (s *Server) handleCollectionStats(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.fail(w, http.StatusBadRequest, "invalid collection id %q", r.PathValue("id"))
		return
	}
	c, err := s.opts.Vectors.GetCollection(r.Context(), id)
	if err != nil {
		s.failFor(w, err)
		return
	}
	count, err := s.opts.Vectors.RefreshCount(r.Context(), id)
	if err != nil {
		s.failFor(w, err)
		return
	}
	s.respond(w, http.StatusOK, collectionStatsResponse{
		CollectionID:   c.ID,
		Name:           c.Name,
		VectorCount:    count,
		Dimension:      c.Dimension,
		DistanceMetric: c.Metric,
	})
}

func (s *Server) handleDeleteCollection(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.fail(w, http.StatusBadRequest, "invalid collection id %q", r.PathValue("id"))
		return
	}
	if err := s.opts.Vectors.DeleteCollection(r.Context(), id); err != nil {
		s.failFor(w, err)
		return
	}
	s.log.Info("collection deleted", "collection", id)
	w.WriteHeader(http.StatusNoContent)
}
