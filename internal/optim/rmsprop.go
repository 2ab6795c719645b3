package optim

import (
	"math"

	"github.com/samcharles93/kiln/internal/registry"
)

func init() {
	register("rmsprop", registry.Schema{
		"lr":           nonNegative(),
		"momentum":     nonNegative(),
		"alpha":        {Type: "number", Minimum: registry.Min(0), Maximum: registry.Max(1)},
		"eps":          nonNegative(),
		"weight_decay": nonNegative(),
	}, map[string]float64{
		"lr":           0.001,
		"momentum":     0,
		"alpha":        0.99,
		"eps":          1e-8,
		"weight_decay": 0,
	}, func(b base) Optimizer { return &RMSProp{base: b} })
}

// RMSProp divides each gradient by a running root mean square of its
// recent magnitudes.
//
//	sq = alpha * sq + (1 - alpha) * g^2
//	w = w - lr * g / (sqrt(sq) + eps)
type RMSProp struct {
	base
}

func (o *RMSProp) Step() {
	o.steps++
	for _, g := range o.groups {
		lr, mom := g.Get("lr"), g.Get("momentum")
		alpha, eps, wd := g.Get("alpha"), g.Get("eps"), g.Get("weight_decay")
		for _, p := range g.Params {
			sq, _ := o.buffer(p, "square_avg")
			var buf []float64
			if mom > 0 {
				buf, _ = o.buffer(p, "momentum")
			}
			for i, w := range p.Data {
				d := p.Grad[i] + wd*w
				sq[i] = alpha*sq[i] + (1-alpha)*d*d
				step := d / (math.Sqrt(sq[i]) + eps)
				if mom > 0 {
					buf[i] = mom*buf[i] + step
					step = buf[i]
				}
				p.Data[i] = w - lr*step
			}
		}
	}
}
