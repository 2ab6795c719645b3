package optim

import (
	"fmt"
	"maps"
	"path/filepath"
	"slices"

	"github.com/samcharles93/kiln/internal/registry"
	"github.com/samcharles93/kiln/internal/schedule"
	"github.com/samcharles93/kiln/internal/tensor"
)

// State is the persisted description of a Controller.
type State struct {
	Optimizer registry.SlotState `json:"optimizer"`
	Scheduler registry.SlotState `json:"scheduler"`
	ClipNorm  float64            `json:"clip_norm,omitempty"`
}

// Controller owns an optimizer, the scheduler driving its learning rate and
// the parameter overrides recorded for both. It does no locking.
type Controller struct {
	params    []*tensor.Param
	optimizer *registry.Slot[Deps, Optimizer]
	scheduler *registry.Slot[schedule.Deps, schedule.Scheduler]
	clipNorm  float64
}

// NewController builds the optimizer and scheduler described by st over params.
func NewController(params []*tensor.Param, st State) (*Controller, error) {
	opt, err := registry.NewSlot(Registry, Deps{Params: params}, st.Optimizer)
	if err != nil {
		return nil, err
	}
	sched, err := registry.NewSlot(schedule.Registry, schedule.Deps{Groups: opt.Value().Groups()}, st.Scheduler)
	if err != nil {
		return nil, err
	}
	return &Controller{params: params, optimizer: opt, scheduler: sched, clipNorm: st.ClipNorm}, nil
}

// LoadController restores a Controller saved under dir. Strategies without
// saved state are rebuilt from their recorded parameters.
func LoadController(params []*tensor.Param, dir string, st State) (*Controller, error) {
	opt, err := registry.LoadSlot(Registry, Deps{Params: params}, filepath.Join(dir, "optimizer"), st.Optimizer)
	if err != nil {
		return nil, err
	}
	sched, err := registry.LoadSlot(schedule.Registry, schedule.Deps{Groups: opt.Value().Groups()}, filepath.Join(dir, "scheduler"), st.Scheduler)
	if err != nil {
		return nil, err
	}
	return &Controller{params: params, optimizer: opt, scheduler: sched, clipNorm: st.ClipNorm}, nil
}

// Params returns the parameters being optimised.
func (c *Controller) Params() []*tensor.Param { return c.params }

// Optimizer returns the live optimizer.
func (c *Controller) Optimizer() Optimizer { return c.optimizer.Value() }

// Scheduler returns the live scheduler.
func (c *Controller) Scheduler() schedule.Scheduler { return c.scheduler.Value() }

// ClipNorm returns the gradient clipping threshold. Zero disables clipping.
func (c *Controller) ClipNorm() float64 { return c.clipNorm }

// SetClipNorm changes the gradient clipping threshold.
func (c *Controller) SetClipNorm(v float64) error {
	if v < 0 {
		return &registry.ParamError{Key: "clip_norm", Reason: "must be >= 0"}
	}
	c.clipNorm = v
	return nil
}

// Step applies the accumulated gradients: clip, optimizer step, scheduler
// step, then clear gradients. It returns the gradient norm before clipping.
func (c *Controller) Step() float64 {
	norm := tensor.ClipGradNorm(c.params, c.clipNorm)
	c.optimizer.Value().Step()
	c.scheduler.Value().Step()
	tensor.ZeroGrad(c.optimizer.Value().Groups())
	return norm
}

// ZeroGrad clears gradients without stepping.
func (c *Controller) ZeroGrad() {
	tensor.ZeroGrad(c.optimizer.Value().Groups())
}

// State returns the persisted description of the controller.
func (c *Controller) State() State {
	return State{
		Optimizer: c.optimizer.State(),
		Scheduler: c.scheduler.State(),
		ClipNorm:  c.clipNorm,
	}
}

// Patch is a partial reconfiguration. Nil and empty fields are left
// unchanged. Parameters for the active category are applied in place;
// a category change rebuilds the strategy.
type Patch struct {
	Optimizer       *string         `json:"optimizer,omitempty"`
	OptimizerParams registry.Params `json:"optimizer_params,omitempty"`
	Scheduler       *string         `json:"scheduler,omitempty"`
	SchedulerParams registry.Params `json:"scheduler_params,omitempty"`
	ClipNorm        *float64        `json:"clip_norm,omitempty"`
}

// Prepared is a validated Patch ready to be committed.
type Prepared struct {
	optimizer     *registry.Slot[Deps, Optimizer]
	optimizerSets registry.Params
	scheduler     *registry.SlotState
	schedulerSets registry.Params
	clipNorm      float64
}

// Prepare validates p and builds any replacement optimizer without changing
// the controller. A replacement scheduler is trial-built on a copy of the
// groups and rebuilt for real on Commit.
func (c *Controller) Prepare(p Patch) (*Prepared, error) {
	prep := &Prepared{clipNorm: c.clipNorm}
	if p.ClipNorm != nil {
		if *p.ClipNorm < 0 {
			return nil, &registry.ParamError{Key: "clip_norm", Reason: "must be >= 0"}
		}
		prep.clipNorm = *p.ClipNorm
	}

	optCat := c.optimizer.Category()
	if p.Optimizer != nil && orDefault(*p.Optimizer, Registry.Default()) != optCat {
		st := c.optimizer.State()
		st.Category = orDefault(*p.Optimizer, Registry.Default())
		st.Params = registry.MergeParams(st.Params, map[string]registry.Params{st.Category: p.OptimizerParams})
		opt, err := registry.NewSlot(Registry, Deps{Params: c.params}, st)
		if err != nil {
			return nil, err
		}
		prep.optimizer = opt
	} else if len(p.OptimizerParams) > 0 {
		if err := Registry.Validate(optCat, p.OptimizerParams); err != nil {
			return nil, fmt.Errorf("%s %q: %w", Registry.Capability(), optCat, err)
		}
		prep.optimizerSets = p.OptimizerParams
	}

	schedCat := c.scheduler.Category()
	newSchedCat := schedCat
	if p.Scheduler != nil {
		newSchedCat = orDefault(*p.Scheduler, schedule.Registry.Default())
	}
	if prep.optimizer != nil || newSchedCat != schedCat {
		st := c.scheduler.State()
		st.Category = newSchedCat
		st.Params = registry.MergeParams(st.Params, map[string]registry.Params{newSchedCat: p.SchedulerParams})
		groups := c.optimizer.Value().Groups()
		if prep.optimizer != nil {
			groups = prep.optimizer.Value().Groups()
		} else {
			groups = cloneGroups(groups)
		}
		trial, err := registry.NewSlot(schedule.Registry, schedule.Deps{Groups: groups}, st)
		if err != nil {
			return nil, err
		}
		if prep.optimizer == nil {
			if err := trial.Cleanup(); err != nil {
				return nil, err
			}
		}
		prep.scheduler = &st
	} else if len(p.SchedulerParams) > 0 {
		if err := schedule.Registry.Validate(schedCat, p.SchedulerParams); err != nil {
			return nil, fmt.Errorf("%s %q: %w", schedule.Registry.Capability(), schedCat, err)
		}
		prep.schedulerSets = p.SchedulerParams
	}
	return prep, nil
}

// Commit applies a prepared patch.
func (c *Controller) Commit(p *Prepared) error {
	c.clipNorm = p.clipNorm
	if p.optimizer != nil {
		old := c.optimizer
		c.optimizer = p.optimizer
		if err := old.Cleanup(); err != nil {
			return err
		}
	}
	for _, k := range slices.Sorted(maps.Keys(p.optimizerSets)) {
		if err := c.SetOptimizerParam(k, p.optimizerSets[k]); err != nil {
			return err
		}
	}
	if p.scheduler != nil {
		sched, err := registry.NewSlot(schedule.Registry, schedule.Deps{Groups: c.optimizer.Value().Groups()}, *p.scheduler)
		if err != nil {
			return err
		}
		old := c.scheduler
		c.scheduler = sched
		if err := old.Cleanup(); err != nil {
			return err
		}
	}
	for _, k := range slices.Sorted(maps.Keys(p.schedulerSets)) {
		if err := c.SetSchedulerParam(k, p.schedulerSets[k]); err != nil {
			return err
		}
	}
	return nil
}

// Apply validates and commits p.
func (c *Controller) Apply(p Patch) error {
	prep, err := c.Prepare(p)
	if err != nil {
		return err
	}
	return c.Commit(prep)
}

// SetOptimizer switches to category, rebuilding the scheduler over the new
// groups. Nothing changes when either build fails.
func (c *Controller) SetOptimizer(category string, params registry.Params) error {
	return c.Apply(Patch{Optimizer: &category, OptimizerParams: params})
}

// SetScheduler switches the scheduler to category.
func (c *Controller) SetScheduler(category string, params registry.Params) error {
	return c.Apply(Patch{Scheduler: &category, SchedulerParams: params})
}

// OptimizerParam reads a named parameter of the live optimizer.
func (c *Controller) OptimizerParam(name string) (any, error) {
	return c.optimizer.Get(name)
}

// SetOptimizerParam changes a named parameter of the live optimizer in place.
func (c *Controller) SetOptimizerParam(name string, value any) error {
	return c.optimizer.Set(Deps{Params: c.params}, name, value)
}

// SchedulerParam reads a named parameter of the live scheduler.
func (c *Controller) SchedulerParam(name string) (any, error) {
	return c.scheduler.Get(name)
}

// SetSchedulerParam changes a named parameter of the live scheduler, in
// place when supported and by rebuilding it otherwise.
func (c *Controller) SetSchedulerParam(name string, value any) error {
	return c.scheduler.Set(schedule.Deps{Groups: c.optimizer.Value().Groups()}, name, value)
}

// Save writes optimizer and scheduler state under dir.
func (c *Controller) Save(dir string) error {
	if err := c.optimizer.Save(filepath.Join(dir, "optimizer")); err != nil {
		return fmt.Errorf("save optimizer: %w", err)
	}
	if err := c.scheduler.Save(filepath.Join(dir, "scheduler")); err != nil {
		return fmt.Errorf("save scheduler: %w", err)
	}
	return nil
}

// Cleanup releases the optimizer and the scheduler.
func (c *Controller) Cleanup() error {
	if err := c.scheduler.Cleanup(); err != nil {
		return err
	}
	return c.optimizer.Cleanup()
}

func orDefault(category, def string) string {
	if category == "" {
		return def
	}
	return category
}

func cloneGroups(groups []*tensor.Group) []*tensor.Group {
	out := make([]*tensor.Group, len(groups))
	for i, g := range groups {
		out[i] = tensor.NewGroup(g.Params, g.Options)
	}
	return out
}
