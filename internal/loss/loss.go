// Package loss implements the pluggable objectives used by the trainers.
//
// Losses return both the scalar value and its gradient with respect to their
// inputs; the gradient is handed to the model's Backward.
package loss

import (
	"errors"
	"math"

	"github.com/samcharles93/kiln/internal/registry"
)

// Pad marks a target position that does not contribute to the loss.
const Pad = -1

// ErrNoTargets is returned when every target is padding.
var ErrNoTargets = errors.New("loss: no targets")

// Policy scores a model's log-probability rows against target token ids.
// rows[i] is the log-probability distribution predicting targets[i].
type Policy interface {
	registry.Categorizable
	Compute(rows [][]float64, targets []int) (float64, [][]float64, error)
}

// Value scores scalar predictions against targets.
type Value interface {
	registry.Categorizable
	Compute(pred, target []float64) (float64, []float64, error)
}

var (
	// PolicyRegistry holds supervised policy losses.
	PolicyRegistry = registry.New[struct{}, Policy]("policy loss", "nll")
	// ValueRegistry holds value-network regression losses.
	ValueRegistry = registry.New[struct{}, Value]("value loss", "mse")
)

func init() {
	PolicyRegistry.Register("nll", registry.Schema{}, func(_ struct{}, _ registry.Params) (Policy, error) {
		return &NLL{}, nil
	})
	PolicyRegistry.Register("smoothedNll", registry.Schema{
		"smoothing": {Type: "number", Minimum: registry.Min(0), Maximum: registry.Max(1)},
	}, func(_ struct{}, p registry.Params) (Policy, error) {
		l := &NLL{Smoothing: 0.1}
		if err := registry.Decode(p, l); err != nil {
			return nil, err
		}
		l.category = "smoothedNll"
		return l, nil
	})
	ValueRegistry.Register("mse", registry.Schema{}, func(_ struct{}, _ registry.Params) (Value, error) {
		return MSE{}, nil
	})
	ValueRegistry.Register("huber", registry.Schema{
		"delta": {Type: "number", Minimum: registry.Min(0)},
	}, func(_ struct{}, p registry.Params) (Value, error) {
		l := Huber{Delta: 1}
		if err := registry.Decode(p, &l); err != nil {
			return nil, err
		}
		return l, nil
	})
}

// NLL is the mean negative log-likelihood of the targets, optionally with
// label smoothing spread uniformly over the vocabulary.
type NLL struct {
	Smoothing float64 `json:"smoothing"`
	category  string
}

func (l *NLL) Category() string {
	if l.category == "" {
		return "nll"
	}
	return l.category
}

func (l *NLL) Compute(rows [][]float64, targets []int) (float64, [][]float64, error) {
	n := 0
	for _, t := range targets {
		if t != Pad {
			n++
		}
	}
	if n == 0 {
		return 0, nil, ErrNoTargets
	}
	scale := 1 / float64(n)
	eps := l.Smoothing

	var total float64
	grads := make([][]float64, len(rows))
	for i, row := range rows {
		g := make([]float64, len(row))
		grads[i] = g
		t := targets[i]
		if t == Pad {
			continue
		}
		total -= (1 - eps) * row[t]
		g[t] -= (1 - eps) * scale
		if eps > 0 {
			v := float64(len(row))
			var sum float64
			for j, lp := range row {
				sum += lp
				g[j] -= eps / v * scale
			}
			total -= eps * sum / v
		}
	}
	return total * scale, grads, nil
}

// MSE is the mean squared error.
type MSE struct{}

func (MSE) Category() string { return "mse" }

func (MSE) Compute(pred, target []float64) (float64, []float64, error) {
	if err := checkLengths(pred, target); err != nil {
		return 0, nil, err
	}
	n := float64(len(pred))
	grads := make([]float64, len(pred))
	var total float64
	for i := range pred {
		d := pred[i] - target[i]
		total += d * d
		grads[i] = 2 * d / n
	}
	return total / n, grads, nil
}

// Huber is quadratic within Delta of the target and linear outside it.
type Huber struct {
	Delta float64 `json:"delta"`
}

func (Huber) Category() string { return "huber" }

func (l Huber) Compute(pred, target []float64) (float64, []float64, error) {
	if err := checkLengths(pred, target); err != nil {
		return 0, nil, err
	}
	n := float64(len(pred))
	grads := make([]float64, len(pred))
	var total float64
	for i := range pred {
		d := pred[i] - target[i]
		if math.Abs(d) <= l.Delta {
			total += 0.5 * d * d
			grads[i] = d / n
			continue
		}
		total += l.Delta * (math.Abs(d) - 0.5*l.Delta)
		grads[i] = l.Delta * math.Copysign(1, d) / n
	}
	return total / n, grads, nil
}

func checkLengths(pred, target []float64) error {
	if len(pred) == 0 {
		return ErrNoTargets
	}
	if len(pred) != len(target) {
		return errors.New("loss: prediction and target lengths differ")
	}
	return nil
}
