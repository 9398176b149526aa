package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/vectory-io/vectory/pkg/vectorstore"
)

// Search bounds: defaultTopK results unless the client asks for more, never
// above maxTopK.
const (
	defaultTopK = 10
	maxTopK     = 100
)

type searchRequest struct {
	CollectionID uuid.UUID `json:"collection_id"`
	Query        string    `json:"query"`
	TopK         int       `json:"top_k"`
}

// searchHit is one result row, best first. Score is the normalised
// relevance (higher is better); Distance is the raw metric distance.
type searchHit struct {
	ID         uuid.UUID      `json:"id"`
	Text       string         `json:"text"`
	Distance   float64        `json:"distance"`
	Score      float64        `json:"score"`
	SourceFile string         `json:"source_file,omitempty"`
	ChunkIndex int            `json:"chunk_index"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type searchResponse struct {
	CollectionID uuid.UUID   `json:"collection_id"`
	Query        string      `json:"query"`
	Results      []searchHit `json:"results"`
}

// handleSearch embeds the query text with the configured provider and runs a
// top-k similarity search against the collection.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, "%s", err)
		return
	}
	if req.CollectionID == uuid.Nil {
		s.fail(w, http.StatusBadRequest, "collection_id is required")
		return
	}
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		s.fail(w, http.StatusBadRequest, "query is required")
		return
	}
	if req.TopK <= 0 {
		req.TopK = defaultTopK
	}
	if req.TopK > maxTopK {
		req.TopK = maxTopK
	}

	// The collection lookup both validates the ID and catches dimension
	// mismatches with the configured provider early.
	col, err := s.opts.Vectors.GetCollection(r.Context(), req.CollectionID)
	if err != nil {
		s.failFor(w, err)
		return
	}
	if dims := s.opts.Provider.Dimensions(); dims > 0 && dims != col.Dimension {
		s.fail(w, http.StatusBadRequest,
			"provider produces %d-dimensional vectors but collection %q expects %d",
			dims, col.Name, col.Dimension)
		return
	}

	embedding, err := s.opts.Provider.Embed(r.Context(), req.Query)
	if err != nil {
		s.failFor(w, fmt.Errorf("embed query: %w", err))
		return
	}

	results, err := s.opts.Vectors.Search(r.Context(), req.CollectionID, embedding, req.TopK)
	if err != nil {
		s.failFor(w, err)
		return
	}

	s.respond(w, http.StatusOK, searchResponse{
		CollectionID: req.CollectionID,
		Query:        req.Query,
		Results:      toSearchHits(results),
	})
}

func toSearchHits(results []vectorstore.SearchResult) []searchHit {
	hits := make([]searchHit, len(results))
	for i, res := range results {
		hits[i] = searchHit{
			ID:         res.Record.ID,
			Text:       res.Record.Text,
			Distance:   res.Distance,
			Score:      res.Score,
			SourceFile: res.Record.SourceFile,
			ChunkIndex: res.Record.ChunkIndex,
			Metadata:   res.Record.Metadata,
		}
	}
	return hits
}
