// Package schedule implements learning-rate schedulers. A scheduler holds a
// non-owning reference to the parameter groups of the optimizer it drives and
// rewrites their "lr" option on every Step.
package schedule

import (
	"github.com/samcharles93/kiln/internal/registry"
	"github.com/samcharles93/kiln/internal/snapshot"
	"github.com/samcharles93/kiln/internal/tensor"
)

// Scheduler advances the learning rate of its groups once per optimizer step.
type Scheduler interface {
	registry.Categorizable
	Step()
}

// Deps are the optimizer groups a scheduler drives.
type Deps struct {
	Groups []*tensor.Group
}

// Registry holds every scheduler implementation.
var Registry = registry.New[Deps, Scheduler]("scheduler", "constant")

// InitialLR is the group option holding the learning rate a scheduler
// started from.
const InitialLR = "initial_lr"

func init() {
	Registry.Register("constant", registry.Schema{}, func(_ Deps, _ registry.Params) (Scheduler, error) {
		return Constant{}, nil
	})
	Registry.Register("exponential", registry.Schema{
		"gamma": {Type: "number", Minimum: registry.Min(0)},
	}, func(d Deps, p registry.Params) (Scheduler, error) {
		s := &Exponential{Gamma: 0.99, groups: d.Groups}
		return s, registry.Decode(p, s)
	})
	Registry.Register("step", registry.Schema{
		"step_size": {Type: "integer", Minimum: registry.Min(1)},
		"gamma":     {Type: "number", Minimum: registry.Min(0)},
	}, func(d Deps, p registry.Params) (Scheduler, error) {
		s := &StepDecay{StepSize: 10, Gamma: 0.1, groups: d.Groups}
		return s, registry.Decode(p, s)
	})
	Registry.RegisterLoader("step", func(d Deps, dir string, p registry.Params) (Scheduler, error) {
		s := &StepDecay{groups: d.Groups}
		if err := snapshot.ReadState(dir, s); err != nil {
			return nil, err
		}
		return s, registry.Decode(p, s)
	})
	Registry.Register("cosine", registry.Schema{
		"warmup_steps": {Type: "integer", Minimum: registry.Min(0)},
		"total_steps":  {Type: "integer", Minimum: registry.Min(1)},
		"min_lr_ratio": {Type: "number", Minimum: registry.Min(0), Maximum: registry.Max(1)},
	}, func(d Deps, p registry.Params) (Scheduler, error) {
		s := &Cosine{TotalSteps: 100, groups: d.Groups}
		if err := registry.Decode(p, s); err != nil {
			return nil, err
		}
		rememberInitial(d.Groups)
		s.apply()
		return s, nil
	})
	Registry.RegisterLoader("cosine", func(d Deps, dir string, p registry.Params) (Scheduler, error) {
		s := &Cosine{groups: d.Groups}
		if err := snapshot.ReadState(dir, s); err != nil {
			return nil, err
		}
		return s, registry.Decode(p, s)
	})
	registerOneCycle()
}

// rememberInitial records the current lr of each group as its initial lr
// unless a previous scheduler already did.
func rememberInitial(groups []*tensor.Group) {
	for _, g := range groups {
		if !g.Has(InitialLR) {
			g.Set(InitialLR, g.Get("lr"))
		}
	}
}

// Constant leaves the learning rate untouched.
type Constant struct{}

func (Constant) Category() string { return "constant" }
func (Constant) Step()            {}

// Exponential multiplies the learning rate by Gamma every step. Its state
// lives entirely in the groups.
type Exponential struct {
	Gamma  float64 `json:"gamma"`
	groups []*tensor.Group
}

func (*Exponential) Category() string { return "exponential" }

func (s *Exponential) Step() {
	for _, g := range s.groups {
		g.Set("lr", g.Get("lr")*s.Gamma)
	}
}

// StepDecay multiplies the learning rate by Gamma every StepSize steps.
type StepDecay struct {
	StepSize int     `json:"step_size"`
	Gamma    float64 `json:"gamma"`
	Count    int     `json:"count"`
	groups   []*tensor.Group
}

func (*StepDecay) Category() string { return "step" }

func (s *StepDecay) Step() {
	s.Count++
	if s.Count%s.StepSize != 0 {
		return
	}
	for _, g := range s.groups {
		g.Set("lr", g.Get("lr")*s.Gamma)
	}
}

func (s *StepDecay) Save(dir string) error { return snapshot.WriteState(dir, s) }

// Cosine warms the learning rate up linearly for WarmupSteps and then decays
// it along a half cosine to MinLRRatio of the initial value at TotalSteps.
type Cosine struct {
	WarmupSteps int     `json:"warmup_steps"`
	TotalSteps  int     `json:"total_steps"`
	MinLRRatio  float64 `json:"min_lr_ratio"`
	Count       int     `json:"count"`
	groups      []*tensor.Group
}

func (*Cosine) Category() string { return "cosine" }

func (s *Cosine) Step() {
	s.Count++
	s.apply()
}

func (s *Cosine) Save(dir string) error { return snapshot.WriteState(dir, s) }

func (s *Cosine) factor() float64 {
	step := s.Count
	if s.WarmupSteps > 0 && step < s.WarmupSteps {
		return float64(step+1) / float64(s.WarmupSteps)
	}
	decay := max(s.TotalSteps-s.WarmupSteps, 1)
	pct := min(float64(step-s.WarmupSteps)/float64(decay), 1)
	return s.MinLRRatio + (1-s.MinLRRatio)*cosAnneal(1, 0, pct)
}

func (s *Cosine) apply() {
	f := s.factor()
	for _, g := range s.groups {
		g.Set("lr", g.Get(InitialLR)*f)
	}
}
