// Package model defines the collaborators the training core drives: a
// next-token language model, a scalar value model and a tokenizer.
//
// Forward and Predict must be safe for concurrent use. Backward calls are
// serialised by the caller and accumulate into Param.Grad.
package model

import (
	"errors"

	"github.com/samcharles93/kiln/internal/tensor"
)

// ErrTokenRange is returned for token ids outside the vocabulary.
var ErrTokenRange = errors.New("token id out of range")

// LanguageModel predicts the next token of a sequence.
type LanguageModel interface {
	VocabSize() int
	// Forward returns one log-probability row per position of seq. Row i is
	// the distribution of the token that follows seq[:i+1].
	Forward(seq []int) ([][]float64, error)
	// Backward accumulates parameter gradients given d(loss)/d(logprob) for
	// the rows Forward(seq) returned.
	Backward(seq []int, grads [][]float64) error
	Parameters() []*tensor.Param
}

// ValueModel estimates the expected normalised score of a sequence.
type ValueModel interface {
	Predict(seq []int) (float64, error)
	// Backward accumulates parameter gradients given d(loss)/d(prediction).
	Backward(seq []int, grad float64) error
	Parameters() []*tensor.Param
}

// Tokenizer converts between text and token ids. Encode returns the
// sequence framed by the end token on both sides.
type Tokenizer interface {
	Encode(text string) []int
	Decode(ids []int) string
	EndToken() int
}

// Restorer is implemented by models that can reload parameters written by
// their Save method.
type Restorer interface {
	Restore(dir string) error
}
