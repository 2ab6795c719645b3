package tensor

import (
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
)

// LogSoftmax writes the log-softmax of logits into dst and returns dst.
// dst may alias logits. A nil dst allocates.
func LogSoftmax(dst, logits []float64) []float64 {
	if dst == nil {
		dst = make([]float64, len(logits))
	}
	if len(logits) == 0 {
		return dst
	}
	lse := floats.LogSumExp(logits)
	for i, v := range logits {
		dst[i] = v - lse
	}
	return dst
}

// Probs converts a row of log-probabilities to probabilities.
func Probs(dst, logprobs []float64) []float64 {
	if dst == nil {
		dst = make([]float64, len(logprobs))
	}
	for i, v := range logprobs {
		dst[i] = math.Exp(v)
	}
	return dst
}

// Argmax returns the index of the largest value. It panics on an empty slice.
func Argmax(x []float64) int {
	if len(x) == 0 {
		panic("argmax: empty slice")
	}
	return floats.MaxIdx(x)
}

// GradNorm returns the global L2 norm of the gradients of params.
func GradNorm(params []*Param) float64 {
	var sumSq float64
	for _, p := range params {
		n := floats.Norm(p.Grad, 2)
		sumSq += n * n
	}
	return math.Sqrt(sumSq)
}

// ClipGradNorm rescales all gradients so their global L2 norm is at most
// maxNorm. It returns the norm before clipping. maxNorm <= 0 disables clipping.
//
//	if ||g||_2 > max:  g = g * (max / ||g||_2)
func ClipGradNorm(params []*Param, maxNorm float64) float64 {
	norm := GradNorm(params)
	if maxNorm <= 0 || norm <= maxNorm {
		return norm
	}
	scale := maxNorm / (norm + 1e-12)
	for _, p := range params {
		floats.Scale(scale, p.Grad)
	}
	return norm
}

// SaveGrads copies the current gradients of params. Passing the result to
// RestoreGrads undoes any accumulation made in between.
func SaveGrads(params []*Param) [][]float64 {
	out := make([][]float64, len(params))
	for i, p := range params {
		out[i] = slices.Clone(p.Grad)
	}
	return out
}

// RestoreGrads writes gradients saved by SaveGrads back into params.
func RestoreGrads(params []*Param, saved [][]float64) {
	for i, p := range params {
		copy(p.Grad, saved[i])
	}
}
