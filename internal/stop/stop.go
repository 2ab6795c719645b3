// Package stop decides from a running loss or score series whether further
// optimisation of a sub-network should halt.
package stop

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/samcharles93/kiln/internal/registry"
	"github.com/samcharles93/kiln/internal/snapshot"
)

// Condition evaluates a history of values. Once Evaluate returns true it keeps
// returning true until Reset.
type Condition interface {
	registry.Categorizable
	Evaluate(history []float64) bool
	Reset()
}

// Registry holds every stop condition. The default suits policy losses; value
// sub-trainers usually pick "plateau".
var Registry = registry.New[struct{}, Condition]("stop condition", "delta")

func init() {
	Registry.Register("delta", registry.Schema{
		"threshold": {Type: "number", Minimum: registry.Min(0)},
		"patience":  {Type: "integer", Minimum: registry.Min(1)},
	}, func(_ struct{}, p registry.Params) (Condition, error) {
		c := &Delta{Threshold: 0.01, Patience: 3}
		if err := registry.Decode(p, c); err != nil {
			return nil, err
		}
		return c, nil
	})
	Registry.RegisterLoader("delta", func(_ struct{}, dir string, p registry.Params) (Condition, error) {
		c := &Delta{}
		if err := snapshot.ReadState(dir, c); err != nil {
			return nil, err
		}
		return c, registry.Decode(p, c)
	})
	Registry.Register("plateau", registry.Schema{
		"window":    {Type: "integer", Minimum: registry.Min(1)},
		"patience":  {Type: "integer", Minimum: registry.Min(1)},
		"min_delta": {Type: "number", Minimum: registry.Min(0)},
	}, func(_ struct{}, p registry.Params) (Condition, error) {
		c := &Plateau{Window: 5, Patience: 3, MinDelta: 1e-4}
		if err := registry.Decode(p, c); err != nil {
			return nil, err
		}
		c.Reset()
		return c, nil
	})
	Registry.RegisterLoader("plateau", func(_ struct{}, dir string, p registry.Params) (Condition, error) {
		c := &Plateau{}
		if err := snapshot.ReadState(dir, c); err != nil {
			return nil, err
		}
		return c, registry.Decode(p, c)
	})
}

// Delta stops once consecutive values have changed by less than Threshold for
// Patience consecutive steps.
type Delta struct {
	Threshold float64 `json:"threshold"`
	Patience  int     `json:"patience"`

	Seen      int  `json:"seen"`
	Streak    int  `json:"streak"`
	Triggered bool `json:"triggered"`
}

func (c *Delta) Category() string { return "delta" }

func (c *Delta) Evaluate(history []float64) bool {
	if c.Triggered {
		return true
	}
	if c.Seen > len(history) {
		c.Seen, c.Streak = 0, 0
	}
	for i := max(c.Seen, 1); i < len(history); i++ {
		if math.Abs(history[i]-history[i-1]) < c.Threshold {
			c.Streak++
		} else {
			c.Streak = 0
		}
		if c.Streak >= c.Patience {
			c.Triggered = true
			break
		}
	}
	c.Seen = len(history)
	return c.Triggered
}

func (c *Delta) Reset() {
	c.Seen, c.Streak, c.Triggered = 0, 0, false
}

func (c *Delta) Save(dir string) error {
	return snapshot.WriteState(dir, c)
}

// Plateau tracks the mean of the last Window values and stops when it has
// not improved (decreased) on the best mean by at least MinDelta for Patience
// consecutive steps.
type Plateau struct {
	Window   int     `json:"window"`
	Patience int     `json:"patience"`
	MinDelta float64 `json:"min_delta"`

	Seen      int     `json:"seen"`
	Best      float64 `json:"best"`
	Stale     int     `json:"stale"`
	Triggered bool    `json:"triggered"`
}

func (c *Plateau) Category() string { return "plateau" }

func (c *Plateau) Evaluate(history []float64) bool {
	if c.Triggered {
		return true
	}
	if c.Seen > len(history) {
		c.Reset()
	}
	for i := max(c.Seen, c.Window-1); i < len(history); i++ {
		mean := stat.Mean(history[i-c.Window+1:i+1], nil)
		if mean < c.Best-c.MinDelta {
			c.Best = mean
			c.Stale = 0
			continue
		}
		c.Stale++
		if c.Stale >= c.Patience {
			c.Triggered = true
			break
		}
	}
	c.Seen = len(history)
	return c.Triggered
}

func (c *Plateau) Reset() {
	c.Seen, c.Stale, c.Triggered = 0, 0, false
	c.Best = math.MaxFloat64
}

func (c *Plateau) Save(dir string) error {
	return snapshot.WriteState(dir, c)
}
