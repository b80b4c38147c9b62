package edgeml

import (
	"fmt"

	"github.com/unixpickle/essentials"
)

// Config stores the hyper-parameters of a cell.
type Config struct {
	// Name is the instance name used in parameter IDs.
	// If it is empty, the cell type tag is used.
	Name string

	HiddenSize int

	// GateNonlinearity is used by FastGRNN to compute the
	// per-unit gate.
	// FastRNN has no such gate and ignores it.
	GateNonlinearity Nonlinearity

	// UpdateNonlinearity squashes the candidate state.
	UpdateNonlinearity Nonlinearity

	// WRank and URank are the ranks of the input and
	// recurrent weight matrices.
	// A rank of 0 stores the matrix in full.
	WRank int
	URank int

	// ZetaInit and NuInit seed FastGRNN's scalars.
	ZetaInit float64
	NuInit   float64

	// AlphaInit and BetaInit seed FastRNN's scalars.
	AlphaInit float64
	BetaInit  float64

	// ForgetBias is added to the pre-activation of the
	// LSTM forget gate and the UGRNN update gate.
	ForgetBias float64
}

// NewFastGRNNConfig creates a full-rank FastGRNN config
// with the standard initial values.
func NewFastGRNNConfig(hidden int) Config {
	return Config{
		HiddenSize:         hidden,
		GateNonlinearity:   Sigmoid,
		UpdateNonlinearity: Tanh,
		ZetaInit:           1,
		NuInit:             -4,
	}
}

// NewFastRNNConfig creates a full-rank FastRNN config with
// the standard initial values.
//
// With alpha=-3 and beta=3, the cell starts out close to
// the identity recurrence.
func NewFastRNNConfig(hidden int) Config {
	return Config{
		HiddenSize:         hidden,
		GateNonlinearity:   Sigmoid,
		UpdateNonlinearity: Tanh,
		AlphaInit:          -3,
		BetaInit:           3,
	}
}

// NewLSTMConfig creates an LSTM config with a forget
// bias of 1.
func NewLSTMConfig(hidden int) Config {
	return Config{
		HiddenSize:         hidden,
		UpdateNonlinearity: Tanh,
		ForgetBias:         1,
	}
}

// NewGRUConfig creates a GRU config.
func NewGRUConfig(hidden int) Config {
	return Config{
		HiddenSize:         hidden,
		UpdateNonlinearity: Tanh,
	}
}

// NewUGRNNConfig creates a UGRNN config with a forget
// bias of 1.
func NewUGRNNConfig(hidden int) Config {
	return Config{
		HiddenSize:         hidden,
		UpdateNonlinearity: Tanh,
		ForgetBias:         1,
	}
}

// Validate checks the config for a cell with inCount
// inputs.
//
// A rank which is not smaller than both dimensions of the
// matrix it factors is rejected, since it uses more
// parameters than the dense matrix.
func (c Config) Validate(inCount int) error {
	if inCount <= 0 {
		return &ConfigError{Field: "input size", Reason: fmt.Sprintf("%d is not positive",
			inCount)}
	}
	if c.HiddenSize <= 0 {
		return &ConfigError{Field: "HiddenSize", Reason: fmt.Sprintf("%d is not positive",
			c.HiddenSize)}
	}
	if err := checkRank("WRank", c.WRank, inCount, c.HiddenSize); err != nil {
		return err
	}
	return checkRank("URank", c.URank, c.HiddenSize, c.HiddenSize)
}

func (c Config) instanceName(t CellType) string {
	if c.Name == "" {
		return string(t)
	}
	return c.Name
}

// validateKernel validates a config for a cell whose
// weights are a single fused kernel, which has no
// low-rank form.
func (c Config) validateKernel(t CellType, inCount int) error {
	if err := c.Validate(inCount); err != nil {
		return err
	}
	if c.WRank != 0 || c.URank != 0 {
		return &ConfigError{Field: "rank", Reason: string(t) + " has no low-rank form"}
	}
	return nil
}

func checkRank(field string, rank, rows, cols int) error {
	if rank < 0 {
		return &ConfigError{Field: field, Reason: fmt.Sprintf("%d is negative", rank)}
	}
	if limit := essentials.MinInt(rows, cols); rank >= limit && rank != 0 {
		return &ConfigError{
			Field:  field,
			Reason: fmt.Sprintf("%d is not less than min(%d, %d)", rank, rows, cols),
		}
	}
	return nil
}
