// Package embeddings defines the Provider interface for vector embedding backends.
//
// An embeddings provider wraps a service that maps text strings to dense
// float32 vectors (e.g., OpenAI text-embedding-3 or a local Ollama model).
// The ingestion pipeline groups chunks into provider calls bounded by the
// [Limits] a provider declares, and the search path embeds query strings
// with the same provider so query and document vectors share one space.
//
// Implementations must be safe for concurrent use.
package embeddings

import (
	"context"
	"errors"
	"time"
)

// Provider is the abstraction over any text-embedding backend.
//
// All embedding vectors returned by a single Provider instance must share the
// same dimensionality (returned by Dimensions). Callers must not mix vectors
// from different Provider instances in one collection unless they have
// verified that both use the same model and space.
type Provider interface {
	// Embed computes the embedding vector for a single text string. Returns a
	// float32 slice of length Dimensions() or an error if the request fails
	// or ctx is cancelled.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes embedding vectors for a slice of text strings in a
	// single provider call. The returned slice has the same length as texts
	// and the i-th element corresponds to texts[i].
	//
	// Returns an error if any single embedding fails or if ctx is cancelled.
	// Partial results are not returned — on error the entire slice is nil.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed length of every embedding vector produced
	// by this provider.
	Dimensions() int

	// ModelID returns the provider-specific model identifier
	// (e.g., "text-embedding-3-small").
	ModelID() string

	// Limits returns the request limits the backend enforces. Callers must
	// size batches and pace calls to stay inside them.
	Limits() Limits
}

// Limits describes the request constraints an embedding backend enforces.
// The zero value of any field means "unknown"; use [Limits.WithDefaults]
// to fill unset fields with conservative values.
type Limits struct {
	// MaxBatchSize is the maximum number of texts per EmbedBatch call.
	MaxBatchSize int

	// MaxTokensPerCall is the maximum summed token count across all texts
	// in one EmbedBatch call.
	MaxTokensPerCall int

	// MaxTokensPerInput is the maximum token count of a single text.
	MaxTokensPerInput int

	// RequestsPerMinute is the provider-wide request rate limit. This budget
	// is shared by every concurrent job in the process.
	RequestsPerMinute int
}

// WithDefaults returns a copy of l with zero fields replaced by conservative
// defaults (batch 100, 100k tokens per call, 8k tokens per input, 60 rpm).
func (l Limits) WithDefaults() Limits {
	if l.MaxBatchSize <= 0 {
		l.MaxBatchSize = 100
	}
	if l.MaxTokensPerCall <= 0 {
		l.MaxTokensPerCall = 100_000
	}
	if l.MaxTokensPerInput <= 0 {
		l.MaxTokensPerInput = 8192
	}
	if l.RequestsPerMinute <= 0 {
		l.RequestsPerMinute = 60
	}
	return l
}

// RateLimitError reports that the backend rejected a call with a rate-limit
// signal (HTTP 429 or equivalent). It is transient: callers should back off
// and additionally throttle the shared request budget, since the limit is
// provider-wide rather than per-job.
type RateLimitError struct {
	// RetryAfter is the backend's suggested wait, zero when not provided.
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return "embeddings: rate limited, retry after " + e.RetryAfter.String()
	}
	return "embeddings: rate limited"
}

// TransientError wraps a backend failure that is worth retrying: timeouts,
// connection resets, and 5xx-class responses. Content-level failures (4xx
// other than 429) are returned unwrapped and must not be retried.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "embeddings: transient: " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a rate-limit or transient provider
// failure, i.e. whether retrying the same call can succeed.
func IsRetryable(err error) bool {
	var rl *RateLimitError
	var tr *TransientError
	return errors.As(err, &rl) || errors.As(err, &tr)
}
