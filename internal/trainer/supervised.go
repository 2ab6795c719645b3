// Package trainer accumulates gradients for the language model from
// supervised examples and from scored generations (actor-critic).
//
// Trainers never step the language model's optimizer; the module owns it.
// The reinforced trainer owns and steps the value model's optimizer.
package trainer

import (
	"context"
	"errors"
	"fmt"

	"github.com/samcharles93/kiln/internal/logger"
	"github.com/samcharles93/kiln/internal/loss"
	"github.com/samcharles93/kiln/internal/metrics"
	"github.com/samcharles93/kiln/internal/model"
	"github.com/samcharles93/kiln/internal/registry"
	"github.com/samcharles93/kiln/internal/tensor"
)

// ErrEmptyBatch is returned when a batch holds nothing to learn from.
var ErrEmptyBatch = errors.New("empty batch")

// Supervised fits the language model to example sequences by next-token
// prediction.
type Supervised struct {
	model   model.LanguageModel
	loss    *registry.Slot[struct{}, loss.Policy]
	batches int

	batchLoss *metrics.Metric
	log       logger.Logger
}

// NewSupervised returns a supervised trainer using the loss described by st.
func NewSupervised(m model.LanguageModel, st registry.SlotState, log logger.Logger) (*Supervised, error) {
	slot, err := registry.NewSlot(loss.PolicyRegistry, struct{}{}, st)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Supervised{
		model:     m,
		loss:      slot,
		batchLoss: metrics.NewLine("supervisedBatchLoss", "Supervised Batch Loss", "batch", "loss"),
		log:       log.With("component", "supervised"),
	}, nil
}

// Fit accumulates gradients of the mean token loss over batch and returns
// that loss. Each sequence contributes inputs seq[:n-1] and targets seq[1:];
// sequences shorter than two tokens contribute nothing.
func (s *Supervised) Fit(ctx context.Context, batch [][]int) (float64, error) {
	var inputs, targets [][]int
	for _, seq := range batch {
		if len(seq) < 2 {
			continue
		}
		inputs = append(inputs, seq[:len(seq)-1])
		targets = append(targets, seq[1:])
	}
	if len(inputs) == 0 {
		return 0, ErrEmptyBatch
	}

	rows, err := model.ForwardAll(ctx, s.model, inputs)
	if err != nil {
		return 0, fmt.Errorf("supervised forward: %w", err)
	}
	var flatRows [][]float64
	var flatTargets []int
	for i := range inputs {
		flatRows = append(flatRows, rows[i]...)
		flatTargets = append(flatTargets, targets[i]...)
	}
	value, grads, err := s.loss.Value().Compute(flatRows, flatTargets)
	if errors.Is(err, loss.ErrNoTargets) {
		return 0, ErrEmptyBatch
	}
	if err != nil {
		return 0, err
	}

	params := s.model.Parameters()
	saved := tensor.SaveGrads(params)
	off := 0
	for _, in := range inputs {
		if err := s.model.Backward(in, grads[off:off+len(in)]); err != nil {
			tensor.RestoreGrads(params, saved)
			return 0, fmt.Errorf("supervised backward: %w", err)
		}
		off += len(in)
	}

	s.batches++
	s.log.Debug("fitted batch", "sequences", len(inputs), "loss", value)
	report(ctx, s.log, s.batchLoss, metrics.Point{"batch": float64(s.batches), "loss": value})
	return value, nil
}

// Loss returns the slot holding the loss strategy.
func (s *Supervised) Loss() *registry.Slot[struct{}, loss.Policy] { return s.loss }

// PrepareLoss builds a replacement loss strategy without installing it.
func (s *Supervised) PrepareLoss(category string, params registry.Params) (*registry.Slot[struct{}, loss.Policy], error) {
	if category == "" {
		category = s.loss.Category()
	}
	return s.loss.Prepare(struct{}{}, category, params)
}

// SetLoss installs a slot built by PrepareLoss.
func (s *Supervised) SetLoss(slot *registry.Slot[struct{}, loss.Policy]) error {
	old := s.loss
	s.loss = slot
	return old.Cleanup()
}

// Metrics returns the trainer's metric descriptors.
func (s *Supervised) Metrics() []*metrics.Metric {
	return []*metrics.Metric{s.batchLoss}
}

// report records p on m. Sink failures are logged, never returned: the
// gradients are already accumulated.
func report(ctx context.Context, log logger.Logger, m *metrics.Metric, p metrics.Point) {
	if err := m.Report(ctx, p); err != nil {
		log.Warn("metric sink failed", "metric", m.Name(), "error", err)
	}
}
