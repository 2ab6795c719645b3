package scaler

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/samcharles93/kiln/internal/registry"
)

func build(t *testing.T, category string, p registry.Params) Scaler {
	t.Helper()
	s, err := Registry.Build(struct{}{}, category, p)
	if err != nil {
		t.Fatalf("Build %s: %v", category, err)
	}
	return s
}

func TestIdentity(t *testing.T) {
	t.Parallel()
	s := build(t, "identity", nil)
	s.Fit([]float64{1, 2, 3})
	if s.Scale(7.5) != 7.5 {
		t.Fatalf("identity changed the score")
	}
}

func TestStandardCumulative(t *testing.T) {
	t.Parallel()
	s := build(t, "standard", nil)
	s.Fit([]float64{1, 2})
	s.Fit([]float64{3, 4, 5})

	// Same result as fitting everything at once: mean 3, population var 2.
	want := (5 - 3) / math.Sqrt(2)
	if got := s.Scale(5); math.Abs(got-want) > 1e-9 {
		t.Fatalf("Scale(5): got %f want %f", got, want)
	}
	if got := s.Scale(3); math.Abs(got) > 1e-12 {
		t.Fatalf("Scale(mean): got %f want 0", got)
	}
}

func TestStandardConstantScores(t *testing.T) {
	t.Parallel()
	s := build(t, "standard", nil)
	s.Fit([]float64{2, 2, 2})
	if got := s.Scale(3); got != 1 {
		t.Fatalf("zero variance should only centre: got %f", got)
	}
}

func TestStandardMomentum(t *testing.T) {
	t.Parallel()
	s := build(t, "standard", registry.Params{"momentum": 0.5}).(*Standard)
	s.Fit([]float64{0})
	s.Fit([]float64{2})
	if math.Abs(s.Mean-1) > 1e-12 {
		t.Fatalf("ema mean: got %f want 1", s.Mean)
	}
}

func TestScaleIsIdempotent(t *testing.T) {
	t.Parallel()
	for _, category := range Registry.Categories() {
		t.Run(category, func(t *testing.T) {
			s := build(t, category, nil)
			s.Fit([]float64{-1, 0.5, 3, 8})
			first := s.Scale(2)
			for range 5 {
				if got := s.Scale(2); got != first {
					t.Fatalf("Scale not deterministic: %f then %f", first, got)
				}
			}
		})
	}
}

func TestMinMax(t *testing.T) {
	t.Parallel()
	s := build(t, "minmax", nil)
	s.Fit([]float64{0, 10})
	tests := map[float64]float64{0: -1, 5: 0, 10: 1}
	for in, want := range tests {
		if got := s.Scale(in); math.Abs(got-want) > 1e-12 {
			t.Fatalf("Scale(%f): got %f want %f", in, got, want)
		}
	}
}

func TestQuantileWindow(t *testing.T) {
	t.Parallel()
	s := build(t, "quantile", registry.Params{"window": 4}).(*Quantile)
	s.Fit([]float64{100, 200})
	s.Fit([]float64{1, 2, 3, 4})
	if len(s.Recent) != 4 {
		t.Fatalf("window not enforced: %v", s.Recent)
	}
	if got := s.Scale(4); got != 1 {
		t.Fatalf("Scale(max): got %f want 1", got)
	}
	if got := s.Scale(0); got != -1 {
		t.Fatalf("Scale(below min): got %f want -1", got)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()
	for _, category := range []string{"standard", "minmax", "quantile"} {
		t.Run(category, func(t *testing.T) {
			s := build(t, category, nil)
			s.Fit([]float64{1, 4, 9})
			dir := filepath.Join(t.TempDir(), "scaler")
			if err := registry.Save(s, dir); err != nil {
				t.Fatalf("Save: %v", err)
			}
			loaded, err := Registry.Load(struct{}{}, dir, category, nil, nil)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			for _, v := range []float64{0, 4, 10} {
				if a, b := s.Scale(v), loaded.Scale(v); math.Abs(a-b) > 1e-12 {
					t.Fatalf("Scale(%f): original %f loaded %f", v, a, b)
				}
			}
		})
	}
}
