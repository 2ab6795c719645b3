// Package toy provides small reference models for exercising the training
// core: a bigram language model and a bag-of-embeddings value head. Both keep
// their parameters in float64 and compute gradients by hand.
package toy

import (
	"fmt"

	"github.com/samcharles93/kiln/internal/model"
	"github.com/samcharles93/kiln/internal/tensor"
)

// LM predicts the next token from the current one only. Each token is
// embedded, projected back to vocabulary logits and normalised:
//
//	logits = Emb[tok] * W + Bias
type LM struct {
	Vocab  int
	Hidden int

	Emb  *tensor.Param // [Vocab x Hidden]
	W    *tensor.Param // [Hidden x Vocab]
	Bias *tensor.Param // [1 x Vocab]
}

// NewLM returns a model with deterministic random weights derived from seed.
func NewLM(vocab, hidden int, seed int64) *LM {
	m := &LM{
		Vocab:  vocab,
		Hidden: hidden,
		Emb:    tensor.NewParam("emb", vocab, hidden),
		W:      tensor.NewParam("proj", hidden, vocab),
		Bias:   tensor.NewParam("bias", 1, vocab),
	}
	tensor.FillRand(m.Emb, seed+11, 0.2)
	tensor.FillRand(m.W, seed+23, 0.2)
	return m
}

func (m *LM) VocabSize() int { return m.Vocab }

func (m *LM) Parameters() []*tensor.Param {
	return []*tensor.Param{m.Emb, m.W, m.Bias}
}

func (m *LM) logits(tok int) []float64 {
	h := m.Emb.Row(tok)
	out := make([]float64, m.Vocab)
	copy(out, m.Bias.Data)
	for i, hi := range h {
		w := m.W.Row(i)
		for j := range out {
			out[j] += hi * w[j]
		}
	}
	return out
}

func (m *LM) Forward(seq []int) ([][]float64, error) {
	if err := m.check(seq); err != nil {
		return nil, err
	}
	rows := make([][]float64, len(seq))
	for i, tok := range seq {
		rows[i] = tensor.LogSoftmax(nil, m.logits(tok))
	}
	return rows, nil
}

// Backward converts log-probability gradients into logit gradients
// (g - softmax * sum(g)) and propagates them through the projection and the
// embedding of each position.
func (m *LM) Backward(seq []int, grads [][]float64) error {
	if err := m.check(seq); err != nil {
		return err
	}
	if len(grads) != len(seq) {
		return fmt.Errorf("toy lm: %d gradient rows for %d positions", len(grads), len(seq))
	}
	dLogits := make([]float64, m.Vocab)
	for pos, tok := range seq {
		g := grads[pos]
		var sum float64
		for _, v := range g {
			sum += v
		}
		lp := tensor.LogSoftmax(nil, m.logits(tok))
		p := tensor.Probs(lp, lp)
		for j := range dLogits {
			dLogits[j] = g[j] - p[j]*sum
		}

		h := m.Emb.Row(tok)
		dh := m.Emb.GradRow(tok)
		for j, d := range dLogits {
			m.Bias.Grad[j] += d
		}
		for i, hi := range h {
			w, dw := m.W.Row(i), m.W.GradRow(i)
			var acc float64
			for j, d := range dLogits {
				dw[j] += hi * d
				acc += w[j] * d
			}
			dh[i] += acc
		}
	}
	return nil
}

func (m *LM) check(seq []int) error {
	for _, tok := range seq {
		if tok < 0 || tok >= m.Vocab {
			return fmt.Errorf("toy lm: %w: %d", model.ErrTokenRange, tok)
		}
	}
	return nil
}

// Save writes the parameters into dir.
func (m *LM) Save(dir string) error {
	return saveParams(dir, map[string]int{"vocab": m.Vocab, "hidden": m.Hidden}, m.Parameters())
}

// Restore reads parameters written by Save. Shapes must match.
func (m *LM) Restore(dir string) error {
	return restoreParams(dir, m.Parameters())
}
