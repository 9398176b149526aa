package ingest

import (
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// TokenEstimator approximates the provider token count of a text. Estimates
// are used to budget batches against provider limits, so overestimating is
// safe and underestimating risks rejected calls.
type TokenEstimator interface {
	Estimate(text string) int
}

// NewTokenEstimator returns an estimator for the given BPE encoding name
// (e.g. "cl100k_base", the encoding of the OpenAI embedding models). When the
// encoding is unknown it falls back to the chars/4 heuristic.
func NewTokenEstimator(encoding string) TokenEstimator {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return HeuristicEstimator{}
	}
	return &bpeEstimator{enc: enc}
}

type bpeEstimator struct {
	enc *tiktoken.Tiktoken
}

func (e *bpeEstimator) Estimate(text string) int {
	return len(e.enc.Encode(text, nil, nil))
}

// HeuristicEstimator approximates one token per four characters, the rule of
// thumb for English prose. It never returns zero for non-empty text.
type HeuristicEstimator struct{}

func (HeuristicEstimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	return utf8.RuneCountInString(text)/4 + 1
}
