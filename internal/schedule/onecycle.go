package schedule

import (
	"fmt"
	"math"

	"github.com/samcharles93/kiln/internal/registry"
	"github.com/samcharles93/kiln/internal/snapshot"
	"github.com/samcharles93/kiln/internal/tensor"
)

// Group options owned by OneCycle.
const (
	MaxLR = "max_lr"
	MinLR = "min_lr"
)

var oneCycleSchema = registry.Schema{
	"max_lr":           {Type: "number", Minimum: registry.Min(0)},
	"total_steps":      {Type: "integer", Minimum: registry.Min(1)},
	"pct_start":        {Type: "number", Minimum: registry.Min(0), Maximum: registry.Max(1)},
	"anneal_strategy":  {Type: "string", Enum: []string{"cos", "linear"}},
	"div_factor":       {Type: "number", Minimum: registry.Min(0)},
	"final_div_factor": {Type: "number", Minimum: registry.Min(0)},
}

type oneCycleOptions struct {
	MaxLR          float64 `json:"max_lr"`
	TotalSteps     int     `json:"total_steps"`
	PctStart       float64 `json:"pct_start"`
	AnnealStrategy string  `json:"anneal_strategy"`
	DivFactor      float64 `json:"div_factor"`
	FinalDivFactor float64 `json:"final_div_factor"`
}

func registerOneCycle() {
	Registry.Register("oneCycle", oneCycleSchema, func(d Deps, p registry.Params) (Scheduler, error) {
		o := oneCycleOptions{
			MaxLR:          0.1,
			TotalSteps:     100,
			PctStart:       0.3,
			AnnealStrategy: "cos",
			DivFactor:      25,
			FinalDivFactor: 1e4,
		}
		if err := registry.Decode(p, &o); err != nil {
			return nil, err
		}
		if o.DivFactor == 0 || o.FinalDivFactor == 0 {
			return nil, &registry.ParamError{Key: "div_factor", Reason: "must be positive"}
		}
		s := &OneCycle{
			TotalSteps:     o.TotalSteps,
			PctStart:       o.PctStart,
			AnnealStrategy: o.AnnealStrategy,
			groups:         d.Groups,
		}
		for _, g := range d.Groups {
			initial := o.MaxLR / o.DivFactor
			g.Set(MaxLR, o.MaxLR)
			g.Set(InitialLR, initial)
			g.Set(MinLR, initial/o.FinalDivFactor)
			g.Set("lr", initial)
		}
		return s, nil
	})
	Registry.RegisterLoader("oneCycle", func(d Deps, dir string, _ registry.Params) (Scheduler, error) {
		s := &OneCycle{groups: d.Groups}
		if err := snapshot.ReadState(dir, s); err != nil {
			return nil, err
		}
		return s, nil
	})
}

// OneCycle raises the learning rate from initial_lr to max_lr over the first
// PctStart of TotalSteps and anneals it down to min_lr over the rest.
//
// The learning-rate bounds live in the group options (initial_lr, max_lr,
// min_lr) so they survive with the optimizer state. Setters change the
// derived options in place; the new values take effect at the next Step.
type OneCycle struct {
	TotalSteps     int     `json:"total_steps"`
	PctStart       float64 `json:"pct_start"`
	AnnealStrategy string  `json:"anneal_strategy"`
	Count          int     `json:"count"`
	groups         []*tensor.Group
}

func (*OneCycle) Category() string { return "oneCycle" }

func (s *OneCycle) Save(dir string) error { return snapshot.WriteState(dir, s) }

func (s *OneCycle) Step() {
	s.Count++
	for _, g := range s.groups {
		g.Set("lr", s.lr(g))
	}
}

func (s *OneCycle) lr(g *tensor.Group) float64 {
	step := float64(min(s.Count, s.TotalSteps-1))
	warmEnd := s.PctStart*float64(s.TotalSteps) - 1
	end := float64(s.TotalSteps - 1)
	anneal := cosAnneal
	if s.AnnealStrategy == "linear" {
		anneal = linearAnneal
	}
	if step <= warmEnd {
		pct := 1.0
		if warmEnd > 0 {
			pct = step / warmEnd
		}
		return anneal(g.Get(InitialLR), g.Get(MaxLR), pct)
	}
	pct := 1.0
	if end > warmEnd {
		pct = (step - warmEnd) / (end - warmEnd)
	}
	return anneal(g.Get(MaxLR), g.Get(MinLR), pct)
}

func (s *OneCycle) Get(name string) (any, error) {
	if len(s.groups) == 0 {
		return nil, fmt.Errorf("oneCycle: no parameter groups")
	}
	g := s.groups[0]
	switch name {
	case "max_lr":
		return g.Get(MaxLR), nil
	case "total_steps":
		return s.TotalSteps, nil
	case "pct_start":
		return s.PctStart, nil
	case "anneal_strategy":
		return s.AnnealStrategy, nil
	case "div_factor":
		return g.Get(MaxLR) / g.Get(InitialLR), nil
	case "final_div_factor":
		return g.Get(InitialLR) / g.Get(MinLR), nil
	}
	return nil, &registry.ParamError{Key: name, Reason: "unknown parameter"}
}

// Set changes one parameter on the live schedule. Changing max_lr keeps both
// division factors; changing div_factor keeps max_lr and final_div_factor.
func (s *OneCycle) Set(name string, value any) error {
	if err := oneCycleSchema.ValidateKey(name, value); err != nil {
		return err
	}
	if name == "anneal_strategy" {
		s.AnnealStrategy = value.(string)
		return nil
	}
	v, _ := registry.ToFloat(value)
	switch name {
	case "total_steps":
		s.TotalSteps = int(v)
		return nil
	case "pct_start":
		s.PctStart = v
		return nil
	}
	if v == 0 {
		return &registry.ParamError{Key: name, Reason: "must be positive"}
	}
	for _, g := range s.groups {
		div := g.Get(MaxLR) / g.Get(InitialLR)
		finalDiv := g.Get(InitialLR) / g.Get(MinLR)
		switch name {
		case "max_lr":
			g.Set(MaxLR, v)
			g.Set(InitialLR, v/div)
		case "div_factor":
			g.Set(InitialLR, g.Get(MaxLR)/v)
		case "final_div_factor":
			finalDiv = v
		}
		g.Set(MinLR, g.Get(InitialLR)/finalDiv)
	}
	return nil
}

func cosAnneal(start, end, pct float64) float64 {
	return end + (start-end)/2*(1+math.Cos(math.Pi*pct))
}

func linearAnneal(start, end, pct float64) float64 {
	return (end-start)*pct + start
}
