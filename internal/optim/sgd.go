package optim

import (
	"github.com/samcharles93/kiln/internal/registry"
)

func init() {
	register("sgd", registry.Schema{
		"lr":           nonNegative(),
		"momentum":     nonNegative(),
		"weight_decay": nonNegative(),
		"dampening":    nonNegative(),
	}, map[string]float64{
		"lr":           0.001,
		"momentum":     0,
		"weight_decay": 0,
		"dampening":    0,
	}, func(b base) Optimizer { return &SGD{base: b} })
}

// SGD is stochastic gradient descent with optional momentum, dampening and
// L2 weight decay.
//
//	g = grad + weight_decay * w
//	buf = momentum * buf + (1 - dampening) * g   (buf = g on the first step)
//	w = w - lr * buf
type SGD struct {
	base
}

func (o *SGD) Step() {
	o.steps++
	for _, g := range o.groups {
		lr, mom := g.Get("lr"), g.Get("momentum")
		wd, damp := g.Get("weight_decay"), g.Get("dampening")
		for _, p := range g.Params {
			var buf []float64
			seen := false
			if mom != 0 {
				buf, seen = o.buffer(p, "momentum")
			}
			for i, w := range p.Data {
				d := p.Grad[i] + wd*w
				if mom != 0 {
					if seen {
						buf[i] = mom*buf[i] + (1-damp)*d
					} else {
						buf[i] = d
					}
					d = buf[i]
				}
				p.Data[i] = w - lr*d
			}
		}
	}
}
