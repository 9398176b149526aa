// Package mock provides a test double for the embeddings.Provider interface.
//
// Use Provider to return deterministic embedding vectors without a live model
// and to script per-call failures (rate limits, transient errors) so that
// pipeline retry and backoff behaviour can be exercised in tests.
//
// Example:
//
//	p := &mock.Provider{
//	    DimensionsValue: 8,
//	    ModelIDValue:    "test-embed-v1",
//	    BatchErrs:       []error{&embeddings.RateLimitError{}, nil},
//	}
//	vecs, _ := p.EmbedBatch(ctx, []string{"hello", "world"}) // second call succeeds
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"sync"

	"github.com/vectory-io/vectory/pkg/provider/embeddings"
)

// EmbedCall records a single invocation of Embed.
type EmbedCall struct {
	// Ctx is the context passed to Embed.
	Ctx context.Context
	// Text is the string passed to Embed.
	Text string
}

// EmbedBatchCall records a single invocation of EmbedBatch.
type EmbedBatchCall struct {
	// Ctx is the context passed to EmbedBatch.
	Ctx context.Context
	// Texts is a copy of the string slice passed to EmbedBatch.
	Texts []string
}

// Provider is a mock implementation of embeddings.Provider.
//
// Unless overridden via EmbedBatchResult, vectors are derived
// deterministically from the input text: the same text always maps to the
// same unit-length vector, so re-running a pipeline against the mock yields
// an identical vector-to-text mapping.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// DimensionsValue is returned by Dimensions and sets the length of
	// generated vectors. Defaults to 8 when zero.
	DimensionsValue int

	// ModelIDValue is returned by ModelID.
	ModelIDValue string

	// LimitsValue is returned by Limits. Zero fields are filled with the
	// package defaults.
	LimitsValue embeddings.Limits

	// EmbedErr, if non-nil, is returned as the error from Embed.
	EmbedErr error

	// BatchErrs scripts the outcome of successive EmbedBatch calls: call i
	// returns BatchErrs[i] (nil means success). Calls beyond the script
	// succeed. Overridden by ErrFunc when that is set.
	BatchErrs []error

	// ErrFunc, if non-nil, decides the outcome of every EmbedBatch call.
	// call is the zero-based invocation number.
	ErrFunc func(call int, texts []string) error

	// EmbedBatchResult, if non-nil, is returned verbatim by every successful
	// EmbedBatch call instead of generated vectors.
	EmbedBatchResult [][]float32

	// --- Call records ---

	// EmbedCalls records every call to Embed in order.
	EmbedCalls []EmbedCall

	// EmbedBatchCalls records every call to EmbedBatch in order.
	EmbedBatchCalls []EmbedBatchCall
}

// Ensure Provider implements embeddings.Provider at compile time.
var _ embeddings.Provider = (*Provider)(nil)

// Embed records the call and returns a deterministic vector for text.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = append(p.EmbedCalls, EmbedCall{Ctx: ctx, Text: text})
	if p.EmbedErr != nil {
		return nil, p.EmbedErr
	}
	return deterministicVector(text, p.dims()), nil
}

// EmbedBatch records the call, consults the failure script, and on success
// returns one deterministic vector per input text.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	call := len(p.EmbedBatchCalls)
	cp := make([]string, len(texts))
	copy(cp, texts)
	p.EmbedBatchCalls = append(p.EmbedBatchCalls, EmbedBatchCall{Ctx: ctx, Texts: cp})

	if p.ErrFunc != nil {
		if err := p.ErrFunc(call, texts); err != nil {
			return nil, err
		}
	} else if call < len(p.BatchErrs) && p.BatchErrs[call] != nil {
		return nil, p.BatchErrs[call]
	}

	if p.EmbedBatchResult != nil {
		return p.EmbedBatchResult, nil
	}

	result := make([][]float32, len(texts))
	for i, t := range texts {
		result[i] = deterministicVector(t, p.dims())
	}
	return result, nil
}

// Dimensions returns DimensionsValue (default 8).
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dims()
}

// ModelID returns ModelIDValue.
func (p *Provider) ModelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelIDValue
}

// Limits returns LimitsValue with defaults applied.
func (p *Provider) Limits() embeddings.Limits {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.LimitsValue.WithDefaults()
}

// BatchCallCount returns the number of EmbedBatch invocations so far.
func (p *Provider) BatchCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.EmbedBatchCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = nil
	p.EmbedBatchCalls = nil
}

// dims must be called with p.mu held.
func (p *Provider) dims() int {
	if p.DimensionsValue > 0 {
		return p.DimensionsValue
	}
	return 8
}

// deterministicVector maps text to a unit-length vector seeded from an FNV
// hash of the text, so identical texts always embed identically.
func deterministicVector(text string, dims int) []float32 {
	h := fnv.New64a()
	h.Write([]byte(text))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	vec := make([]float32, dims)
	var norm float64
	for i := range vec {
		v := rng.NormFloat64()
		vec[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range vec {
			vec[i] = float32(float64(vec[i]) / norm)
		}
	}
	return vec
}
