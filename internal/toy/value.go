package toy

import (
	"fmt"

	"github.com/samcharles93/kiln/internal/model"
	"github.com/samcharles93/kiln/internal/tensor"
)

// Value estimates a score from the mean embedding of a sequence:
//
//	v = Head . mean(Emb[seq]) + Bias
type Value struct {
	Vocab  int
	Hidden int

	Emb  *tensor.Param // [Vocab x Hidden]
	Head *tensor.Param // [1 x Hidden]
	Bias *tensor.Param // [1 x 1]
}

// NewValue returns a value head with deterministic random weights.
func NewValue(vocab, hidden int, seed int64) *Value {
	v := &Value{
		Vocab:  vocab,
		Hidden: hidden,
		Emb:    tensor.NewParam("value.emb", vocab, hidden),
		Head:   tensor.NewParam("value.head", 1, hidden),
		Bias:   tensor.NewParam("value.bias", 1, 1),
	}
	tensor.FillRand(v.Emb, seed+31, 0.2)
	tensor.FillRand(v.Head, seed+37, 0.2)
	return v
}

func (v *Value) Parameters() []*tensor.Param {
	return []*tensor.Param{v.Emb, v.Head, v.Bias}
}

func (v *Value) pooled(seq []int) ([]float64, error) {
	mean := make([]float64, v.Hidden)
	if len(seq) == 0 {
		return mean, nil
	}
	for _, tok := range seq {
		if tok < 0 || tok >= v.Vocab {
			return nil, fmt.Errorf("toy value: %w: %d", model.ErrTokenRange, tok)
		}
		for i, e := range v.Emb.Row(tok) {
			mean[i] += e
		}
	}
	for i := range mean {
		mean[i] /= float64(len(seq))
	}
	return mean, nil
}

func (v *Value) Predict(seq []int) (float64, error) {
	mean, err := v.pooled(seq)
	if err != nil {
		return 0, err
	}
	out := v.Bias.Data[0]
	for i, x := range mean {
		out += v.Head.Data[i] * x
	}
	return out, nil
}

func (v *Value) Backward(seq []int, grad float64) error {
	mean, err := v.pooled(seq)
	if err != nil {
		return err
	}
	v.Bias.Grad[0] += grad
	for i, x := range mean {
		v.Head.Grad[i] += grad * x
	}
	if len(seq) == 0 {
		return nil
	}
	scale := grad / float64(len(seq))
	for _, tok := range seq {
		dEmb := v.Emb.GradRow(tok)
		for i, h := range v.Head.Data {
			dEmb[i] += scale * h
		}
	}
	return nil
}

func (v *Value) Save(dir string) error {
	return saveParams(dir, map[string]int{"vocab": v.Vocab, "hidden": v.Hidden}, v.Parameters())
}

func (v *Value) Restore(dir string) error {
	return restoreParams(dir, v.Parameters())
}
