package trainer

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/samcharles93/kiln/internal/logger"
	"github.com/samcharles93/kiln/internal/loss"
	"github.com/samcharles93/kiln/internal/metrics"
	"github.com/samcharles93/kiln/internal/model"
	"github.com/samcharles93/kiln/internal/optim"
	"github.com/samcharles93/kiln/internal/registry"
	"github.com/samcharles93/kiln/internal/scaler"
	"github.com/samcharles93/kiln/internal/snapshot"
	"github.com/samcharles93/kiln/internal/stop"
	"github.com/samcharles93/kiln/internal/tensor"
)

// Sample is one scored generation.
type Sample struct {
	Sequence      []int
	ContextLength int
	// Logprob is the summed log-probability of the generated tokens under
	// the policy at generation time.
	Logprob float64
	Score   float64
}

// ReinforcedState is the persisted description of a Reinforced trainer.
type ReinforcedState struct {
	Scaler         registry.SlotState `json:"scaler"`
	PolicyStop     registry.SlotState `json:"policy_stop"`
	ValueStop      registry.SlotState `json:"value_stop"`
	ValueLoss      registry.SlotState `json:"value_loss"`
	ValueOptimizer optim.State        `json:"value_optimizer"`
	PolicyHistory  []float64          `json:"policy_history,omitempty"`
	ValueHistory   []float64          `json:"value_history,omitempty"`
	Epoch          int                `json:"epoch"`
}

// DefaultReinforcedState uses the registry defaults except for the value
// stop condition, which watches for a plateau.
func DefaultReinforcedState() ReinforcedState {
	return ReinforcedState{ValueStop: registry.SlotState{Category: "plateau"}}
}

// Reinforced is an actor-critic trainer. The policy is the language model,
// updated by REINFORCE with the value model's estimate as a baseline:
//
//	normalized = scaler(score)
//	advantage  = normalized - value(sequence)
//	policy     = -mean(logprob * advantage)
//	value      = loss(value(sequence), normalized)
type Reinforced struct {
	policy model.LanguageModel
	value  model.ValueModel

	valueOpt   *optim.Controller
	scaler     *registry.Slot[struct{}, scaler.Scaler]
	policyStop *registry.Slot[struct{}, stop.Condition]
	valueStop  *registry.Slot[struct{}, stop.Condition]
	valueLoss  *registry.Slot[struct{}, loss.Value]

	policyHistory []float64
	valueHistory  []float64
	policyEpoch   metrics.Accumulator
	valueEpoch    metrics.Accumulator
	epoch         int
	batches       int

	policyBatchLoss *metrics.Metric
	valueBatchLoss  *metrics.Metric
	policyEpochLoss *metrics.Metric
	valueEpochLoss  *metrics.Metric

	log logger.Logger
}

// NewReinforced builds a trainer from st.
func NewReinforced(policy model.LanguageModel, value model.ValueModel, st ReinforcedState, log logger.Logger) (*Reinforced, error) {
	r := newReinforced(policy, value, st, log)
	var err error
	if r.valueOpt, err = optim.NewController(value.Parameters(), st.ValueOptimizer); err != nil {
		return nil, fmt.Errorf("value optimizer: %w", err)
	}
	if r.scaler, err = registry.NewSlot(scaler.Registry, struct{}{}, st.Scaler); err != nil {
		return nil, err
	}
	if r.policyStop, err = registry.NewSlot(stop.Registry, struct{}{}, st.PolicyStop); err != nil {
		return nil, err
	}
	if r.valueStop, err = registry.NewSlot(stop.Registry, struct{}{}, st.ValueStop); err != nil {
		return nil, err
	}
	if r.valueLoss, err = registry.NewSlot(loss.ValueRegistry, struct{}{}, st.ValueLoss); err != nil {
		return nil, err
	}
	return r, nil
}

// LoadReinforced restores a trainer saved under dir.
func LoadReinforced(policy model.LanguageModel, value model.ValueModel, dir string, log logger.Logger) (*Reinforced, error) {
	var st ReinforcedState
	if err := snapshot.ReadState(dir, &st); err != nil {
		return nil, err
	}
	r := newReinforced(policy, value, st, log)
	var err error
	if r.valueOpt, err = optim.LoadController(value.Parameters(), filepath.Join(dir, "value_optimizer"), st.ValueOptimizer); err != nil {
		return nil, fmt.Errorf("value optimizer: %w", err)
	}
	if r.scaler, err = registry.LoadSlot(scaler.Registry, struct{}{}, filepath.Join(dir, "scaler"), st.Scaler); err != nil {
		return nil, err
	}
	if r.policyStop, err = registry.LoadSlot(stop.Registry, struct{}{}, filepath.Join(dir, "policy_stop"), st.PolicyStop); err != nil {
		return nil, err
	}
	if r.valueStop, err = registry.LoadSlot(stop.Registry, struct{}{}, filepath.Join(dir, "value_stop"), st.ValueStop); err != nil {
		return nil, err
	}
	if r.valueLoss, err = registry.LoadSlot(loss.ValueRegistry, struct{}{}, filepath.Join(dir, "value_loss"), st.ValueLoss); err != nil {
		return nil, err
	}
	return r, nil
}

func newReinforced(policy model.LanguageModel, value model.ValueModel, st ReinforcedState, log logger.Logger) *Reinforced {
	if log == nil {
		log = logger.Nop()
	}
	return &Reinforced{
		policy:          policy,
		value:           value,
		policyHistory:   st.PolicyHistory,
		valueHistory:    st.ValueHistory,
		epoch:           st.Epoch,
		policyBatchLoss: metrics.NewLine("policyBatchLoss", "Policy Batch Loss", "batch", "loss"),
		valueBatchLoss:  metrics.NewLine("valueBatchLoss", "Value Batch Loss", "batch", "loss"),
		policyEpochLoss: metrics.NewLine("policyEpochLoss", "Policy Epoch Loss", "epoch", "loss"),
		valueEpochLoss:  metrics.NewLine("valueEpochLoss", "Value Epoch Loss", "epoch", "loss"),
		log:             log.With("component", "reinforced"),
	}
}

// FitResult summarises one Fit call.
type FitResult struct {
	PolicyLoss    float64
	ValueLoss     float64
	PolicyStopped bool
	ValueStopped  bool
}

// Fit accumulates policy and value gradients for samples. A failed call
// leaves gradients, scaler statistics and histories as they were.
func (r *Reinforced) Fit(ctx context.Context, samples []Sample) (FitResult, error) {
	if len(samples) == 0 {
		return FitResult{}, ErrEmptyBatch
	}
	seqs := make([][]int, len(samples))
	raw := make([]float64, len(samples))
	for i, s := range samples {
		if s.ContextLength < 0 || s.ContextLength > len(s.Sequence) {
			return FitResult{}, fmt.Errorf("sample %d: context length %d out of range", i, s.ContextLength)
		}
		seqs[i] = s.Sequence
		raw[i] = s.Score
	}

	estimates, err := model.PredictAll(ctx, r.value, seqs)
	if err != nil {
		return FitResult{}, fmt.Errorf("value forward: %w", err)
	}

	sc := r.scaler.Value().Clone()
	sc.Fit(raw)
	normalized := make([]float64, len(raw))
	for i, v := range raw {
		normalized[i] = sc.Scale(v)
	}

	valueLoss, valueGrads, err := r.valueLoss.Value().Compute(estimates, normalized)
	if err != nil {
		return FitResult{}, err
	}

	n := float64(len(samples))
	advantages := make([]float64, len(samples))
	var policyLoss float64
	for i, s := range samples {
		advantages[i] = normalized[i] - estimates[i]
		policyLoss -= s.Logprob * advantages[i]
	}
	policyLoss /= n

	res := FitResult{
		PolicyLoss:    policyLoss,
		ValueLoss:     valueLoss,
		PolicyStopped: r.policyStop.Value().Evaluate(r.policyHistory),
		ValueStopped:  r.valueStop.Value().Evaluate(r.valueHistory),
	}

	valueParams, policyParams := r.value.Parameters(), r.policy.Parameters()
	valueSaved, policySaved := tensor.SaveGrads(valueParams), tensor.SaveGrads(policyParams)
	if err := r.backward(samples, seqs, valueGrads, advantages, res); err != nil {
		tensor.RestoreGrads(valueParams, valueSaved)
		tensor.RestoreGrads(policyParams, policySaved)
		return res, err
	}
	if err := r.scaler.Replace(sc); err != nil {
		tensor.RestoreGrads(valueParams, valueSaved)
		tensor.RestoreGrads(policyParams, policySaved)
		return res, err
	}

	r.policyHistory = append(r.policyHistory, policyLoss)
	r.valueHistory = append(r.valueHistory, valueLoss)
	r.policyEpoch.Add(policyLoss)
	r.valueEpoch.Add(valueLoss)
	r.batches++

	batch := float64(r.batches)
	report(ctx, r.log, r.policyBatchLoss, metrics.Point{"batch": batch, "loss": policyLoss})
	report(ctx, r.log, r.valueBatchLoss, metrics.Point{"batch": batch, "loss": valueLoss})
	r.log.Debug("fitted scores",
		"samples", len(samples),
		"policy_loss", policyLoss,
		"value_loss", valueLoss,
		"policy_stopped", res.PolicyStopped,
		"value_stopped", res.ValueStopped,
	)
	return res, nil
}

func (r *Reinforced) backward(samples []Sample, seqs [][]int, valueGrads, advantages []float64, res FitResult) error {
	if !res.ValueStopped {
		for i, seq := range seqs {
			if err := r.value.Backward(seq, valueGrads[i]); err != nil {
				return fmt.Errorf("value backward: %w", err)
			}
		}
	}
	if !res.PolicyStopped {
		n := float64(len(samples))
		vocab := r.policy.VocabSize()
		for i, s := range samples {
			if err := r.policyBackward(s, -advantages[i]/n, vocab); err != nil {
				return err
			}
		}
	}
	return nil
}

// policyBackward sends weight to the log-probability of every generated
// token of s. The prompt positions receive no gradient.
func (r *Reinforced) policyBackward(s Sample, weight float64, vocab int) error {
	seq := s.Sequence
	if len(seq) < 2 || s.ContextLength >= len(seq) {
		return nil
	}
	input := seq[:len(seq)-1]
	grads := make([][]float64, len(input))
	for k := range grads {
		grads[k] = make([]float64, vocab)
	}
	for k := max(s.ContextLength, 1); k < len(seq); k++ {
		grads[k-1][seq[k]] = weight
	}
	if err := r.policy.Backward(input, grads); err != nil {
		return fmt.Errorf("policy backward: %w", err)
	}
	return nil
}

// Step applies the value optimizer unless the value stop condition has
// triggered, in which case the pending value gradients are dropped.
func (r *Reinforced) Step(ctx context.Context) {
	if r.valueStop.Value().Evaluate(r.valueHistory) {
		r.valueOpt.ZeroGrad()
		r.log.Debug("value optimizer skipped", "epoch", r.epoch)
		return
	}
	norm := r.valueOpt.Step()
	r.log.Debug("value optimizer stepped", "epoch", r.epoch, "grad_norm", norm)
}

// EndEpoch reports the epoch means and resets histories and stop conditions.
func (r *Reinforced) EndEpoch(ctx context.Context) {
	if mean, ok := r.policyEpoch.Mean(); ok {
		report(ctx, r.log, r.policyEpochLoss, metrics.Point{"epoch": float64(r.epoch), "loss": mean})
	}
	if mean, ok := r.valueEpoch.Mean(); ok {
		report(ctx, r.log, r.valueEpochLoss, metrics.Point{"epoch": float64(r.epoch), "loss": mean})
	}
	r.policyEpoch.Reset()
	r.valueEpoch.Reset()
	r.policyHistory = nil
	r.valueHistory = nil
	r.policyStop.Value().Reset()
	r.valueStop.Value().Reset()
	r.epoch++
}

// Epoch returns the number of completed epochs.
func (r *Reinforced) Epoch() int { return r.epoch }

// ValueOptimizer returns the controller of the value model's optimizer.
func (r *Reinforced) ValueOptimizer() *optim.Controller { return r.valueOpt }

// Metrics returns the trainer's metric descriptors.
func (r *Reinforced) Metrics() []*metrics.Metric {
	return []*metrics.Metric{r.policyBatchLoss, r.valueBatchLoss, r.policyEpochLoss, r.valueEpochLoss}
}

// State returns the persisted description of the trainer.
func (r *Reinforced) State() ReinforcedState {
	return ReinforcedState{
		Scaler:         r.scaler.State(),
		PolicyStop:     r.policyStop.State(),
		ValueStop:      r.valueStop.State(),
		ValueLoss:      r.valueLoss.State(),
		ValueOptimizer: r.valueOpt.State(),
		PolicyHistory:  append([]float64(nil), r.policyHistory...),
		ValueHistory:   append([]float64(nil), r.valueHistory...),
		Epoch:          r.epoch,
	}
}

// Save writes the trainer state and every savable strategy under dir.
func (r *Reinforced) Save(dir string) error {
	if err := r.valueOpt.Save(filepath.Join(dir, "value_optimizer")); err != nil {
		return err
	}
	for name, save := range map[string]func(string) error{
		"scaler":      r.scaler.Save,
		"policy_stop": r.policyStop.Save,
		"value_stop":  r.valueStop.Save,
		"value_loss":  r.valueLoss.Save,
	} {
		if err := save(filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("save %s: %w", name, err)
		}
	}
	return snapshot.WriteState(dir, r.State())
}

// Cleanup releases every owned strategy.
func (r *Reinforced) Cleanup() error {
	for _, c := range []func() error{
		r.scaler.Cleanup,
		r.policyStop.Cleanup,
		r.valueStop.Cleanup,
		r.valueLoss.Cleanup,
		r.valueOpt.Cleanup,
	} {
		if err := c(); err != nil {
			return err
		}
	}
	return nil
}

// Patch is a partial reconfiguration of the trainer. Nil fields are left
// unchanged; params without a category apply to the active one.
type Patch struct {
	Scaler           *string         `json:"scaler,omitempty"`
	ScalerParams     registry.Params `json:"scaler_params,omitempty"`
	PolicyStop       *string         `json:"policy_stop,omitempty"`
	PolicyStopParams registry.Params `json:"policy_stop_params,omitempty"`
	ValueStop        *string         `json:"value_stop,omitempty"`
	ValueStopParams  registry.Params `json:"value_stop_params,omitempty"`
	ValueLoss        *string         `json:"value_loss,omitempty"`
	ValueLossParams  registry.Params `json:"value_loss_params,omitempty"`
	ValueOptimizer   optim.Patch     `json:"value_optimizer"`
}

// Prepared is a validated Patch ready to be committed.
type Prepared struct {
	scaler     *registry.Slot[struct{}, scaler.Scaler]
	policyStop *registry.Slot[struct{}, stop.Condition]
	valueStop  *registry.Slot[struct{}, stop.Condition]
	valueLoss  *registry.Slot[struct{}, loss.Value]
	valueOpt   *optim.Prepared
}

// Prepare builds every replacement named by p without changing the trainer.
func (r *Reinforced) Prepare(p Patch) (*Prepared, error) {
	var (
		prep = &Prepared{}
		err  error
	)
	if prep.scaler, err = prepareSlot(r.scaler, p.Scaler, p.ScalerParams); err != nil {
		return nil, err
	}
	if prep.policyStop, err = prepareSlot(r.policyStop, p.PolicyStop, p.PolicyStopParams); err != nil {
		return nil, err
	}
	if prep.valueStop, err = prepareSlot(r.valueStop, p.ValueStop, p.ValueStopParams); err != nil {
		return nil, err
	}
	if prep.valueLoss, err = prepareSlot(r.valueLoss, p.ValueLoss, p.ValueLossParams); err != nil {
		return nil, err
	}
	if prep.valueOpt, err = r.valueOpt.Prepare(p.ValueOptimizer); err != nil {
		return nil, fmt.Errorf("value optimizer: %w", err)
	}
	return prep, nil
}

// Commit installs a prepared patch.
func (r *Reinforced) Commit(p *Prepared) error {
	var olds []func() error
	if p.scaler != nil {
		olds = append(olds, r.scaler.Cleanup)
		r.scaler = p.scaler
		r.log.Info("scaler swapped", "category", r.scaler.Category())
	}
	if p.policyStop != nil {
		olds = append(olds, r.policyStop.Cleanup)
		r.policyStop = p.policyStop
		r.log.Info("policy stop swapped", "category", r.policyStop.Category())
	}
	if p.valueStop != nil {
		olds = append(olds, r.valueStop.Cleanup)
		r.valueStop = p.valueStop
		r.log.Info("value stop swapped", "category", r.valueStop.Category())
	}
	if p.valueLoss != nil {
		olds = append(olds, r.valueLoss.Cleanup)
		r.valueLoss = p.valueLoss
	}
	if err := r.valueOpt.Commit(p.valueOpt); err != nil {
		return fmt.Errorf("value optimizer: %w", err)
	}
	for _, cleanup := range olds {
		if err := cleanup(); err != nil {
			return err
		}
	}
	return nil
}

// Apply validates and commits p.
func (r *Reinforced) Apply(p Patch) error {
	prep, err := r.Prepare(p)
	if err != nil {
		return err
	}
	return r.Commit(prep)
}

// prepareSlot returns nil when neither a category nor params are given.
func prepareSlot[T registry.Categorizable](s *registry.Slot[struct{}, T], category *string, params registry.Params) (*registry.Slot[struct{}, T], error) {
	if category == nil && params == nil {
		return nil, nil
	}
	c := s.Category()
	if category != nil {
		c = *category
	}
	return s.Prepare(struct{}{}, c, params)
}
