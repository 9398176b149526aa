package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/vectory-io/vectory/internal/observe"
	"github.com/vectory-io/vectory/pkg/provider/embeddings"
)

// Pair couples a chunk with its embedding vector.
type Pair struct {
	Chunk  Chunk
	Vector []float32
}

// BatcherConfig tunes a [Batcher].
type BatcherConfig struct {
	// Limits bounds batch construction. Zero-value fields are filled from
	// conservative defaults; callers normally pass the provider's declared
	// limits.
	Limits embeddings.Limits

	// MaxAttempts bounds retries per provider call, first attempt included.
	// Default: 4.
	MaxAttempts int

	// BaseDelay is the first retry backoff delay; subsequent delays grow
	// exponentially with jitter. Default: 500ms.
	BaseDelay time.Duration

	// WindowSize and FailureThreshold configure the sliding window that
	// detects systemic provider outages: when the window is full and the
	// fraction of failed batches reaches the threshold, the batcher aborts
	// with [ErrEmbedAborted]. Defaults: window 3, threshold 0.5.
	WindowSize       int
	FailureThreshold float64

	// TruncateOversize cuts chunks exceeding MaxTokensPerInput down to the
	// limit instead of rejecting them as failed. Off by default: silent
	// truncation loses content.
	TruncateOversize bool

	// Estimator re-estimates token counts after truncation. Defaults to
	// [HeuristicEstimator].
	Estimator TokenEstimator

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

func (cfg BatcherConfig) withDefaults() BatcherConfig {
	cfg.Limits = cfg.Limits.WithDefaults()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 3
	}
	if cfg.FailureThreshold <= 0 || cfg.FailureThreshold > 1 {
		cfg.FailureThreshold = 0.5
	}
	if cfg.Estimator == nil {
		cfg.Estimator = HeuristicEstimator{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// Batcher greedily groups chunks into provider-legal batches, embeds each
// batch with retry and backoff, and yields (chunk, vector) pairs in source
// order. Transient provider failures are absorbed here; a batch whose retry
// budget is exhausted is reported as failed chunks and the job continues,
// unless the failure rate over the sliding window signals a systemic outage.
type Batcher struct {
	src      ChunkSource
	provider embeddings.Provider
	limiter  *RateLimiter
	cfg      BatcherConfig

	window  *failureWindow
	pending *Chunk // chunk that did not fit the previous batch
	drained bool
}

// NewBatcher builds a batcher over src. limiter is the process-wide limiter
// shared by every job; it must not be nil.
func NewBatcher(src ChunkSource, provider embeddings.Provider, limiter *RateLimiter, cfg BatcherConfig) *Batcher {
	cfg = cfg.withDefaults()
	return &Batcher{
		src:      src,
		provider: provider,
		limiter:  limiter,
		cfg:      cfg,
		window:   newFailureWindow(cfg.WindowSize, cfg.FailureThreshold),
	}
}

// Next accumulates and flushes one batch. It returns the embedded pairs and
// any chunks that failed (oversized inputs or an exhausted retry budget).
// io.EOF signals the end of the chunk sequence; an error wrapping
// [ErrEmbedAborted] signals that the failure-rate threshold tripped.
func (b *Batcher) Next(ctx context.Context) (pairs []Pair, failed []Chunk, err error) {
	limits := b.cfg.Limits

	var batch []Chunk
	tokens := 0
	for !b.drained {
		chunk, ok, err := b.pull(ctx)
		if err != nil {
			return nil, failed, err
		}
		if !ok {
			b.drained = true
			break
		}

		if chunk.TokenEstimate > limits.MaxTokensPerInput {
			if !b.cfg.TruncateOversize {
				b.cfg.Logger.Warn("chunk exceeds provider input limit, rejecting",
					"chunk", chunk.Index, "tokens", chunk.TokenEstimate, "limit", limits.MaxTokensPerInput)
				failed = append(failed, chunk)
				continue
			}
			chunk = b.truncate(chunk)
		}

		if len(batch) > 0 && (len(batch)+1 > limits.MaxBatchSize || tokens+chunk.TokenEstimate > limits.MaxTokensPerCall) {
			b.pending = &chunk
			break
		}
		batch = append(batch, chunk)
		tokens += chunk.TokenEstimate
		if len(batch) >= limits.MaxBatchSize || tokens >= limits.MaxTokensPerCall {
			break
		}
	}

	if len(batch) == 0 {
		if len(failed) > 0 {
			return nil, failed, nil
		}
		return nil, nil, io.EOF
	}

	vectors, callErr := b.call(ctx, batch)
	if callErr != nil {
		if ctx.Err() != nil {
			return nil, failed, ctx.Err()
		}
		tripped := b.window.record(true)
		b.cfg.Logger.Error("embedding batch failed after retries",
			"chunks", len(batch), "error", callErr)
		if tripped {
			return nil, failed, fmt.Errorf("%w: last error: %v", ErrEmbedAborted, callErr)
		}
		failed = append(failed, batch...)
		return nil, failed, nil
	}
	b.window.record(false)

	pairs = make([]Pair, len(batch))
	for i, c := range batch {
		pairs[i] = Pair{Chunk: c, Vector: vectors[i]}
	}
	return pairs, failed, nil
}

// pull returns the carried-over chunk, if any, before advancing the source.
func (b *Batcher) pull(ctx context.Context) (Chunk, bool, error) {
	if b.pending != nil {
		c := *b.pending
		b.pending = nil
		return c, true, nil
	}
	return b.src.Next(ctx)
}

// call embeds one batch with bounded retries, exponential backoff, and
// jitter. Rate-limit responses additionally penalize the shared limiter so
// every job in the process backs off, not just this one.
func (b *Batcher) call(ctx context.Context, batch []Chunk) ([][]float32, error) {
	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Text
	}

	var vectors [][]float32
	err := retry.Do(
		func() error {
			waitStart := time.Now()
			release, err := b.limiter.Acquire(ctx)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			defer release()
			b.cfg.Metrics.RecordRateLimitWait(ctx, time.Since(waitStart))

			callStart := time.Now()
			vs, err := b.provider.EmbedBatch(ctx, texts)
			if err != nil {
				b.cfg.Metrics.RecordEmbedCall(ctx, b.provider.ModelID(), len(texts), time.Since(callStart), "error")
				var rl *embeddings.RateLimitError
				if errors.As(err, &rl) {
					b.limiter.Penalize(rl.RetryAfter)
					return err
				}
				if embeddings.IsRetryable(err) {
					return err
				}
				return retry.Unrecoverable(err)
			}
			if len(vs) != len(texts) {
				return retry.Unrecoverable(fmt.Errorf("provider returned %d vectors for %d texts", len(vs), len(texts)))
			}
			b.cfg.Metrics.RecordEmbedCall(ctx, b.provider.ModelID(), len(texts), time.Since(callStart), "ok")
			vectors = vs
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(b.cfg.MaxAttempts)),
		retry.Delay(b.cfg.BaseDelay),
		retry.MaxJitter(b.cfg.BaseDelay/2),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, &EmbedFailure{Chunks: len(batch), Err: err}
	}
	return vectors, nil
}

// truncate cuts a chunk's text down to the per-input token limit, iterating
// because token estimates are not linear in length.
func (b *Batcher) truncate(c Chunk) Chunk {
	limit := b.cfg.Limits.MaxTokensPerInput
	runes := []rune(c.Text)
	for c.TokenEstimate > limit && len(runes) > 1 {
		keep := len(runes) * limit / c.TokenEstimate
		if keep >= len(runes) {
			keep = len(runes) - 1
		}
		runes = runes[:keep]
		c.Text = string(runes)
		c.TokenEstimate = b.cfg.Estimator.Estimate(c.Text)
	}
	return c
}

// failureWindow is a fixed-size sliding window over batch outcomes. It trips
// once the window is full and the failure fraction reaches the threshold,
// distinguishing a systemic provider outage from isolated bad batches.
type failureWindow struct {
	mu        sync.Mutex
	outcomes  []bool // true = failed
	next      int
	filled    int
	threshold float64
}

func newFailureWindow(size int, threshold float64) *failureWindow {
	return &failureWindow{outcomes: make([]bool, size), threshold: threshold}
}

// record adds one outcome and reports whether the window tripped.
func (w *failureWindow) record(failed bool) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.outcomes[w.next] = failed
	w.next = (w.next + 1) % len(w.outcomes)
	if w.filled < len(w.outcomes) {
		w.filled++
	}
	if w.filled < len(w.outcomes) {
		return false
	}
	fails := 0
	for _, f := range w.outcomes {
		if f {
			fails++
		}
	}
	return float64(fails)/float64(len(w.outcomes)) >= w.threshold
}
