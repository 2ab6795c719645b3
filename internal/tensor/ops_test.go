package tensor

import (
	"math"
	"testing"
)

func TestLogSoftmaxNormalises(t *testing.T) {
	t.Parallel()
	lp := LogSoftmax(nil, []float64{1, 2, 3, 4})
	var sum float64
	for _, v := range lp {
		sum += math.Exp(v)
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Fatalf("probabilities sum to %f, want 1", sum)
	}
	if Argmax(lp) != 3 {
		t.Fatalf("argmax: got %d want 3", Argmax(lp))
	}
}

func TestLogSoftmaxInPlace(t *testing.T) {
	t.Parallel()
	x := []float64{0, 0}
	LogSoftmax(x, x)
	want := math.Log(0.5)
	for i, v := range x {
		if math.Abs(v-want) > 1e-12 {
			t.Fatalf("x[%d]: got %f want %f", i, v, want)
		}
	}
}

func TestClipGradNorm(t *testing.T) {
	t.Parallel()
	p := NewParam("w", 1, 2)
	p.Grad[0], p.Grad[1] = 3, 4

	norm := ClipGradNorm([]*Param{p}, 1)
	if math.Abs(norm-5) > 1e-12 {
		t.Fatalf("pre-clip norm: got %f want 5", norm)
	}
	if got := GradNorm([]*Param{p}); math.Abs(got-1) > 1e-9 {
		t.Fatalf("post-clip norm: got %f want 1", got)
	}

	p.Grad[0], p.Grad[1] = 0.3, 0.4
	ClipGradNorm([]*Param{p}, 0)
	if p.Grad[0] != 0.3 {
		t.Fatalf("clipping disabled should not rescale, got %f", p.Grad[0])
	}
}

func TestFillRandDeterministic(t *testing.T) {
	t.Parallel()
	a := NewParam("a", 3, 4)
	b := NewParam("b", 3, 4)
	FillRand(a, 7, 0.1)
	FillRand(b, 7, 0.1)
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			t.Fatalf("element %d differs: %f vs %f", i, a.Data[i], b.Data[i])
		}
		if math.Abs(a.Data[i]) >= 0.05 {
			t.Fatalf("element %d out of range: %f", i, a.Data[i])
		}
	}
}

func TestGroupOptions(t *testing.T) {
	t.Parallel()
	opts := map[string]float64{"lr": 0.1}
	g := NewGroup(nil, opts)
	g.Set("lr", 0.2)
	if opts["lr"] != 0.1 {
		t.Fatalf("group must copy options, caller map changed to %f", opts["lr"])
	}
	if !g.Has("lr") || g.Get("lr") != 0.2 {
		t.Fatalf("lr: got %f", g.Get("lr"))
	}
}
