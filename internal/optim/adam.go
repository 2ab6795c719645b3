package optim

import (
	"math"

	"github.com/samcharles93/kiln/internal/registry"
)

func init() {
	register("adam", registry.Schema{
		"lr":           nonNegative(),
		"beta1":        {Type: "number", Minimum: registry.Min(0), Maximum: registry.Max(1)},
		"beta2":        {Type: "number", Minimum: registry.Min(0), Maximum: registry.Max(1)},
		"eps":          nonNegative(),
		"weight_decay": nonNegative(),
	}, map[string]float64{
		"lr":           0.001,
		"beta1":        0.9,
		"beta2":        0.999,
		"eps":          1e-8,
		"weight_decay": 0,
	}, func(b base) Optimizer { return &Adam{base: b} })
}

// Adam keeps bias-corrected first and second moment estimates. Weight decay
// is decoupled from the gradient.
//
//	m = beta1 * m + (1 - beta1) * g
//	v = beta2 * v + (1 - beta2) * g^2
//	w = w - lr * (m_hat / (sqrt(v_hat) + eps) + weight_decay * w)
type Adam struct {
	base
}

func (o *Adam) Step() {
	o.steps++
	t := float64(o.steps)
	for _, g := range o.groups {
		lr, eps, wd := g.Get("lr"), g.Get("eps"), g.Get("weight_decay")
		b1, b2 := g.Get("beta1"), g.Get("beta2")
		mCorr := 1 / (1 - math.Pow(b1, t))
		vCorr := 1 / (1 - math.Pow(b2, t))
		for _, p := range g.Params {
			m, _ := o.buffer(p, "m")
			v, _ := o.buffer(p, "v")
			for i, w := range p.Data {
				d := p.Grad[i]
				m[i] = b1*m[i] + (1-b1)*d
				v[i] = b2*v[i] + (1-b2)*d*d
				p.Data[i] = w - lr*(m[i]*mCorr/(math.Sqrt(v[i]*vCorr)+eps)+wd*w)
			}
		}
	}
}
