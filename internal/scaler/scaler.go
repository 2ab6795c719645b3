// Package scaler normalises raw feedback scores into a range suitable as
// policy-gradient weights.
package scaler

import (
	"math"
	"slices"

	"gonum.org/v1/gonum/stat"

	"github.com/samcharles93/kiln/internal/registry"
	"github.com/samcharles93/kiln/internal/snapshot"
)

// Scaler maps raw scores to normalised values. Scale is deterministic for a
// given fitted state.
type Scaler interface {
	registry.Categorizable
	Fit(scores []float64)
	Scale(score float64) float64
	// Clone returns an independent copy of the fitted state.
	Clone() Scaler
}

// Registry holds every reward scaler implementation.
var Registry = registry.New[struct{}, Scaler]("scaler", "standard")

func init() {
	Registry.Register("identity", registry.Schema{}, func(_ struct{}, p registry.Params) (Scaler, error) {
		return Identity{}, nil
	})
	Registry.Register("standard", registry.Schema{
		"momentum": {Type: "number", Minimum: registry.Min(0), Maximum: registry.Max(1)},
		"epsilon":  {Type: "number", Minimum: registry.Min(0)},
	}, func(_ struct{}, p registry.Params) (Scaler, error) {
		s := &Standard{Momentum: 0, Epsilon: 1e-8}
		if err := registry.Decode(p, s); err != nil {
			return nil, err
		}
		return s, nil
	})
	Registry.RegisterLoader("standard", func(_ struct{}, dir string, p registry.Params) (Scaler, error) {
		s := &Standard{}
		if err := snapshot.ReadState(dir, s); err != nil {
			return nil, err
		}
		return s, registry.Decode(p, s)
	})
	Registry.Register("minmax", registry.Schema{}, func(_ struct{}, p registry.Params) (Scaler, error) {
		return &MinMax{}, nil
	})
	Registry.RegisterLoader("minmax", func(_ struct{}, dir string, _ registry.Params) (Scaler, error) {
		s := &MinMax{}
		return s, snapshot.ReadState(dir, s)
	})
	Registry.Register("quantile", registry.Schema{
		"window": {Type: "integer", Minimum: registry.Min(1)},
	}, func(_ struct{}, p registry.Params) (Scaler, error) {
		s := &Quantile{Window: 1000}
		if err := registry.Decode(p, s); err != nil {
			return nil, err
		}
		return s, nil
	})
	Registry.RegisterLoader("quantile", func(_ struct{}, dir string, p registry.Params) (Scaler, error) {
		s := &Quantile{}
		if err := snapshot.ReadState(dir, s); err != nil {
			return nil, err
		}
		if err := registry.Decode(p, s); err != nil {
			return nil, err
		}
		s.Fit(nil)
		return s, nil
	})
}

// Identity returns scores unchanged.
type Identity struct{}

func (Identity) Category() string            { return "identity" }
func (Identity) Fit([]float64)               {}
func (Identity) Scale(score float64) float64 { return score }
func (Identity) Clone() Scaler               { return Identity{} }

// Standard standardises scores to zero mean and unit variance using running
// statistics. With Momentum 0 the statistics cover every fitted score;
// otherwise they are exponential moving averages weighted by Momentum. A
// standard deviation at or below Epsilon only centres the score.
type Standard struct {
	Momentum float64 `json:"momentum"`
	Epsilon  float64 `json:"epsilon"`
	Count    float64 `json:"count"`
	Mean     float64 `json:"mean"`
	Variance float64 `json:"variance"`
}

func (s *Standard) Category() string { return "standard" }

func (s *Standard) Fit(scores []float64) {
	if len(scores) == 0 {
		return
	}
	mean, variance := stat.PopMeanVariance(scores, nil)
	n := float64(len(scores))
	switch {
	case s.Count == 0:
		s.Mean, s.Variance = mean, variance
	case s.Momentum > 0:
		m := s.Momentum
		delta := mean - s.Mean
		s.Mean += m * delta
		s.Variance = (1-m)*(s.Variance+m*delta*delta) + m*variance
	default:
		// Chan et al. parallel combination of population moments.
		total := s.Count + n
		delta := mean - s.Mean
		m2 := s.Variance*s.Count + variance*n + delta*delta*s.Count*n/total
		s.Mean += delta * n / total
		s.Variance = m2 / total
	}
	s.Count += n
}

func (s *Standard) Scale(score float64) float64 {
	if s.Count == 0 {
		return score
	}
	std := math.Sqrt(s.Variance)
	if std <= s.Epsilon {
		return score - s.Mean
	}
	return (score - s.Mean) / std
}

func (s *Standard) Clone() Scaler {
	c := *s
	return &c
}

func (s *Standard) Save(dir string) error {
	return snapshot.WriteState(dir, s)
}

// MinMax maps scores linearly onto [-1, 1] using the running minimum and
// maximum.
type MinMax struct {
	Fitted bool    `json:"fitted"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

func (s *MinMax) Category() string { return "minmax" }

func (s *MinMax) Fit(scores []float64) {
	for _, v := range scores {
		if !s.Fitted {
			s.Min, s.Max, s.Fitted = v, v, true
			continue
		}
		s.Min = min(s.Min, v)
		s.Max = max(s.Max, v)
	}
}

func (s *MinMax) Scale(score float64) float64 {
	if !s.Fitted {
		return score
	}
	span := s.Max - s.Min
	if span == 0 {
		return 0
	}
	return 2*(score-s.Min)/span - 1
}

func (s *MinMax) Clone() Scaler {
	c := *s
	return &c
}

func (s *MinMax) Save(dir string) error {
	return snapshot.WriteState(dir, s)
}

// Quantile maps a score to its empirical CDF position among the last Window
// fitted scores, rescaled to [-1, 1].
type Quantile struct {
	Window int       `json:"window"`
	Recent []float64 `json:"recent,omitempty"`
	sorted []float64
}

func (s *Quantile) Category() string { return "quantile" }

func (s *Quantile) Fit(scores []float64) {
	s.Recent = append(s.Recent, scores...)
	if over := len(s.Recent) - s.Window; over > 0 {
		s.Recent = slices.Clone(s.Recent[over:])
	}
	s.sorted = slices.Clone(s.Recent)
	slices.Sort(s.sorted)
}

func (s *Quantile) Scale(score float64) float64 {
	if len(s.sorted) == 0 {
		return score
	}
	return 2*stat.CDF(score, stat.Empirical, s.sorted, nil) - 1
}

func (s *Quantile) Clone() Scaler {
	return &Quantile{Window: s.Window, Recent: slices.Clone(s.Recent), sorted: slices.Clone(s.sorted)}
}

func (s *Quantile) Save(dir string) error {
	return snapshot.WriteState(dir, s)
}
