package tensor

import (
	"fmt"
	"math/rand"
)

// Param is a trainable dense row-major matrix together with its accumulated
// gradient.
//
// R and C are the number of rows and columns. Data and Grad always have
// length R*C. Gradients accumulate across Backward calls until ZeroGrad.
type Param struct {
	Name string
	R, C int
	Data []float64
	Grad []float64
}

// NewParam allocates a zero initialised parameter with the given shape.
func NewParam(name string, r, c int) *Param {
	if r < 0 || c < 0 {
		panic("negative dimension for parameter")
	}
	return &Param{
		Name: name,
		R:    r,
		C:    c,
		Data: make([]float64, r*c),
		Grad: make([]float64, r*c),
	}
}

// Row returns a view of the i-th row. Modifications update the parameter.
func (p *Param) Row(i int) []float64 {
	if i < 0 || i >= p.R {
		panic("row index out of range")
	}
	start := i * p.C
	return p.Data[start : start+p.C]
}

// GradRow returns a view of the gradient of the i-th row.
func (p *Param) GradRow(i int) []float64 {
	if i < 0 || i >= p.R {
		panic("row index out of range")
	}
	start := i * p.C
	return p.Grad[start : start+p.C]
}

// ZeroGrad clears the accumulated gradient.
func (p *Param) ZeroGrad() {
	clear(p.Grad)
}

// Len returns the number of scalar elements.
func (p *Param) Len() int {
	return len(p.Data)
}

// Validate checks that the backing slices match the declared shape.
func (p *Param) Validate() error {
	if len(p.Data) != p.R*p.C {
		return fmt.Errorf("param %s: data length %d, want %d", p.Name, len(p.Data), p.R*p.C)
	}
	if len(p.Grad) != len(p.Data) {
		p.Grad = make([]float64, len(p.Data))
	}
	return nil
}

// FillRand fills the parameter with reproducible values in (-scale/2, scale/2).
// Multiple calls with the same seed produce identical parameters.
func FillRand(p *Param, seed int64, scale float64) {
	rng := rand.New(rand.NewSource(seed))
	for i := range p.Data {
		p.Data[i] = (rng.Float64() - 0.5) * scale
	}
}
