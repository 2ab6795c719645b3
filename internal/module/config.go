package module

import (
	"errors"
	"fmt"

	"github.com/samcharles93/kiln/internal/generator"
	"github.com/samcharles93/kiln/internal/optim"
	"github.com/samcharles93/kiln/internal/registry"
	"github.com/samcharles93/kiln/internal/trainer"
)

// ErrInvalidConfig is returned for module settings out of range.
var ErrInvalidConfig = errors.New("invalid module config")

// Config holds the initial settings of every component.
type Config struct {
	// BatchSize is the supervised mini-batch size.
	BatchSize      int                     `json:"batch_size"`
	Optimizer      optim.State             `json:"optimizer"`
	Generator      generator.Config        `json:"generator"`
	SupervisedLoss registry.SlotState      `json:"supervised_loss"`
	Reinforced     trainer.ReinforcedState `json:"reinforced"`
	// Seed makes context selection reproducible when set.
	Seed *int64 `json:"seed,omitempty"`
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		BatchSize:  8,
		Generator:  generator.DefaultConfig(),
		Reinforced: trainer.DefaultReinforcedState(),
	}
}

func (c Config) validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("%w: batch_size must be >= 1, got %d", ErrInvalidConfig, c.BatchSize)
	}
	return nil
}

// Settings is a partial reconfiguration applied atomically by Configure.
// Nil fields are left unchanged.
type Settings struct {
	BatchSize            *int            `json:"batch_size,omitempty"`
	Optimizer            optim.Patch     `json:"optimizer"`
	Generator            generator.Patch `json:"generator"`
	SupervisedLoss       *string         `json:"supervised_loss,omitempty"`
	SupervisedLossParams registry.Params `json:"supervised_loss_params,omitempty"`
	Trainer              trainer.Patch   `json:"trainer"`
}

// state is the document written to <dir>/state.json.
type state struct {
	BatchSize      int                `json:"batch_size"`
	Epoch          int                `json:"epoch"`
	Optimizer      optim.State        `json:"optimizer"`
	SupervisedLoss registry.SlotState `json:"supervised_loss"`
}
