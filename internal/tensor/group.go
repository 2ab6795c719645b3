package tensor

import "maps"

// Group is a set of parameters sharing optimizer hyperparameters.
//
// Options holds named scalar hyperparameters ("lr", "momentum", ...). Schedulers
// keep a non-owning reference to the groups of the optimizer they drive and
// edit Options in place.
type Group struct {
	Params  []*Param
	Options map[string]float64
}

// NewGroup returns a group over params with a copy of opts.
func NewGroup(params []*Param, opts map[string]float64) *Group {
	o := make(map[string]float64, len(opts))
	maps.Copy(o, opts)
	return &Group{Params: params, Options: o}
}

// Get returns the option value, or zero if unset.
func (g *Group) Get(key string) float64 {
	return g.Options[key]
}

// Set stores an option value.
func (g *Group) Set(key string, v float64) {
	g.Options[key] = v
}

// Has reports whether the option is present.
func (g *Group) Has(key string) bool {
	_, ok := g.Options[key]
	return ok
}

// ZeroGrad clears gradients of every parameter in the groups.
func ZeroGrad(groups []*Group) {
	for _, g := range groups {
		for _, p := range g.Params {
			p.ZeroGrad()
		}
	}
}
