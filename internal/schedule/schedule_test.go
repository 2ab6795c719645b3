package schedule

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/samcharles93/kiln/internal/registry"
	"github.com/samcharles93/kiln/internal/tensor"
)

func newGroups(lr float64) []*tensor.Group {
	return []*tensor.Group{tensor.NewGroup(nil, map[string]float64{"lr": lr})}
}

func approx(t *testing.T, name string, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("%s: got %v want %v", name, got, want)
	}
}

func TestDefaultIsConstant(t *testing.T) {
	t.Parallel()
	groups := newGroups(0.5)
	s, err := Registry.Build(Deps{Groups: groups}, "", nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	s.Step()
	s.Step()
	approx(t, "lr", groups[0].Get("lr"), 0.5)
}

func TestOneCycleShape(t *testing.T) {
	t.Parallel()
	groups := newGroups(0)
	s, err := Registry.Build(Deps{Groups: groups}, "oneCycle", registry.Params{
		"max_lr":           1.0,
		"total_steps":      10,
		"pct_start":        0.3,
		"div_factor":       10.0,
		"final_div_factor": 100.0,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	g := groups[0]
	approx(t, "initial lr", g.Get("lr"), 0.1)
	approx(t, "min lr", g.Get(MinLR), 0.001)

	s.Step()
	approx(t, "warmup midpoint", g.Get("lr"), 0.55)
	s.Step()
	approx(t, "peak", g.Get("lr"), 1.0)
	for range 7 {
		s.Step()
	}
	approx(t, "end", g.Get("lr"), 0.001)
	s.Step()
	approx(t, "past end", g.Get("lr"), 0.001)
}

func TestOneCycleLinear(t *testing.T) {
	t.Parallel()
	groups := newGroups(0)
	s, err := Registry.Build(Deps{Groups: groups}, "oneCycle", registry.Params{
		"max_lr":          1.0,
		"total_steps":     5,
		"pct_start":       0.6,
		"div_factor":      2.0,
		"anneal_strategy": "linear",
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	s.Step()
	approx(t, "lr", groups[0].Get("lr"), 0.75)
}

func TestOneCycleSetters(t *testing.T) {
	t.Parallel()
	groups := newGroups(0)
	s, err := Registry.Build(Deps{Groups: groups}, "oneCycle", registry.Params{
		"max_lr":           1.0,
		"div_factor":       10.0,
		"final_div_factor": 100.0,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	oc := s.(*OneCycle)
	g := groups[0]

	if err := oc.Set("max_lr", 2.0); err != nil {
		t.Fatalf("Set max_lr: %v", err)
	}
	approx(t, "initial", g.Get(InitialLR), 0.2)
	approx(t, "min", g.Get(MinLR), 0.002)
	div, _ := oc.Get("div_factor")
	approx(t, "div_factor", div.(float64), 10)

	if err := oc.Set("final_div_factor", 10); err != nil {
		t.Fatalf("Set final_div_factor: %v", err)
	}
	approx(t, "min", g.Get(MinLR), 0.02)

	if err := oc.Set("div_factor", 4.0); err != nil {
		t.Fatalf("Set div_factor: %v", err)
	}
	approx(t, "initial", g.Get(InitialLR), 0.5)
	approx(t, "min", g.Get(MinLR), 0.05)

	if err := oc.Set("pct_start", 0.5); err != nil {
		t.Fatalf("Set pct_start: %v", err)
	}
	if v, _ := oc.Get("pct_start"); v.(float64) != 0.5 {
		t.Fatalf("pct_start: got %v want 0.5", v)
	}
	if err := oc.Set("anneal_strategy", "square"); err == nil {
		t.Fatalf("expected enum error")
	}
	if err := oc.Set("pct_start", 2.0); err == nil {
		t.Fatalf("expected range error")
	}
}

func TestStepDecay(t *testing.T) {
	t.Parallel()
	groups := newGroups(1)
	s, err := Registry.Build(Deps{Groups: groups}, "step", registry.Params{"step_size": 2, "gamma": 0.5})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	s.Step()
	approx(t, "after 1", groups[0].Get("lr"), 1)
	s.Step()
	approx(t, "after 2", groups[0].Get("lr"), 0.5)
	s.Step()
	s.Step()
	approx(t, "after 4", groups[0].Get("lr"), 0.25)
}

func TestExponential(t *testing.T) {
	t.Parallel()
	groups := newGroups(1)
	s, err := Registry.Build(Deps{Groups: groups}, "exponential", registry.Params{"gamma": 0.5})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	s.Step()
	s.Step()
	approx(t, "lr", groups[0].Get("lr"), 0.25)
}

func TestCosine(t *testing.T) {
	t.Parallel()
	groups := newGroups(1)
	s, err := Registry.Build(Deps{Groups: groups}, "cosine", registry.Params{"total_steps": 4})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	approx(t, "start", groups[0].Get("lr"), 1)
	s.Step()
	s.Step()
	approx(t, "midpoint", groups[0].Get("lr"), 0.5)
	s.Step()
	s.Step()
	s.Step()
	approx(t, "end", groups[0].Get("lr"), 0)
}

func TestCosineWarmup(t *testing.T) {
	t.Parallel()
	groups := newGroups(1)
	if _, err := Registry.Build(Deps{Groups: groups}, "cosine", registry.Params{"warmup_steps": 4, "total_steps": 8}); err != nil {
		t.Fatalf("Build: %v", err)
	}
	approx(t, "first warmup step", groups[0].Get("lr"), 0.25)
}

func TestOneCycleSaveLoad(t *testing.T) {
	t.Parallel()
	groups := newGroups(0)
	s, err := Registry.Build(Deps{Groups: groups}, "oneCycle", registry.Params{"total_steps": 20})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	s.Step()
	s.Step()
	dir := filepath.Join(t.TempDir(), "scheduler")
	if err := registry.Save(s, dir); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Registry.Load(Deps{Groups: groups}, dir, "oneCycle", nil, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	oc := loaded.(*OneCycle)
	if oc.Count != 2 || oc.TotalSteps != 20 {
		t.Fatalf("loaded state: got count %d total %d", oc.Count, oc.TotalSteps)
	}
	before := groups[0].Get("lr")
	s.Step()
	want := groups[0].Get("lr")
	groups[0].Set("lr", before)
	loaded.Step()
	approx(t, "next lr", groups[0].Get("lr"), want)
}
