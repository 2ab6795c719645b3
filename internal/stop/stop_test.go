package stop

import (
	"path/filepath"
	"testing"

	"github.com/samcharles93/kiln/internal/registry"
)

func build(t *testing.T, category string, p registry.Params) Condition {
	t.Helper()
	c, err := Registry.Build(struct{}{}, category, p)
	if err != nil {
		t.Fatalf("Build %s: %v", category, err)
	}
	return c
}

func TestDeltaTriggersAfterPatience(t *testing.T) {
	t.Parallel()
	c := build(t, "delta", registry.Params{"threshold": 0.1, "patience": 2})

	history := []float64{5, 3, 1}
	if c.Evaluate(history) {
		t.Fatalf("large deltas should not stop")
	}
	history = append(history, 1.05)
	if c.Evaluate(history) {
		t.Fatalf("one small delta is below patience")
	}
	history = append(history, 1.01)
	if !c.Evaluate(history) {
		t.Fatalf("two small deltas should stop")
	}
}

func TestDeltaStreakResets(t *testing.T) {
	t.Parallel()
	c := build(t, "delta", registry.Params{"threshold": 0.1, "patience": 2})
	if c.Evaluate([]float64{1, 1.01, 2, 2.01}) {
		t.Fatalf("streak was broken by a large delta")
	}
}

func TestPlateau(t *testing.T) {
	t.Parallel()
	c := build(t, "plateau", registry.Params{"window": 2, "patience": 2, "min_delta": 0})

	history := []float64{4, 3, 2, 1}
	if c.Evaluate(history) {
		t.Fatalf("improving series should not stop")
	}
	history = append(history, 1, 1)
	if c.Evaluate(history) {
		t.Fatalf("window mean still improved once: 1.5 -> 1")
	}
	history = append(history, 1)
	if !c.Evaluate(history) {
		t.Fatalf("plateau should trigger after two stale windows")
	}
}

func TestMonotonicUntilReset(t *testing.T) {
	t.Parallel()
	for _, category := range Registry.Categories() {
		t.Run(category, func(t *testing.T) {
			c := build(t, category, registry.Params{"patience": 1})
			history := []float64{1, 1, 1, 1, 1, 1, 1}
			if !c.Evaluate(history) {
				t.Fatalf("flat history should stop")
			}
			for i := range 10 {
				// Non-improving values, including jumps.
				history = append(history, 1+float64(i%3))
				if !c.Evaluate(history) {
					t.Fatalf("condition released after %d more values", i+1)
				}
			}
			c.Reset()
			if c.Evaluate([]float64{10}) {
				t.Fatalf("reset condition should start over")
			}
		})
	}
}

func TestSaveLoadKeepsRunningState(t *testing.T) {
	t.Parallel()
	c := build(t, "delta", registry.Params{"threshold": 0.5, "patience": 2})
	c.Evaluate([]float64{1, 1.1})

	dir := filepath.Join(t.TempDir(), "stop")
	if err := registry.Save(c, dir); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Registry.Load(struct{}{}, dir, "delta", nil, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !loaded.Evaluate([]float64{1, 1.1, 1.2}) {
		t.Fatalf("loaded condition lost its streak")
	}
}
