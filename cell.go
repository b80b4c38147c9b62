// Package edgeml implements FastRNN and FastGRNN, two
// recurrent cells designed for resource-constrained
// sequence classification.
//
// Both cells blend the previous state with a candidate
// state using learned gates, and both may factor their
// weight matrices into low-rank products.
// See https://arxiv.org/abs/1901.02358.
package edgeml

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anynet/anyrnn"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/serializer"
)

// A CellType tags a cell variant.
type CellType string

const (
	FastRNNType  CellType = "FastRNN"
	FastGRNNType CellType = "FastGRNN"
	LSTMType     CellType = "LSTM"
	GRUType      CellType = "GRU"
	UGRNNType    CellType = "UGRNN"
)

// fast reports whether the type is one of the cells with
// low-rank weights and learned scalars.
func (c CellType) fast() bool {
	return c == FastRNNType || c == FastGRNNType
}

// scopeName is the layer scope used in checkpoint names.
// It is empty for cells whose variables live directly
// under their instance name.
func (c CellType) scopeName() string {
	switch c {
	case FastRNNType:
		return "fast_rnn_cell"
	case FastGRNNType:
		return "fast_grnn_cell"
	}
	return ""
}

// A Cell is a recurrent cell.
//
// The output of every step is the hidden state, of size
// HiddenSize(). For LSTM, the recurrent state also holds
// the memory cell.
//
// Parameters() and NamedParameters() list the parameters
// in a fixed order: input weight(s), recurrent weight(s),
// bias(es), then scalars for the fast cells; kernel(s)
// and bias(es), as they appear in checkpoints, for the
// others.
// AssignList expects vectors in the same order.
type Cell interface {
	anyrnn.Block
	anynet.Parameterizer
	serializer.Serializer

	CellType() CellType
	InputSize() int
	HiddenSize() int
	Config() Config

	NamedParameters() []NamedParameter
	AssignList(vecs []anyvec.Vector) error
}

// NewCell creates a freshly initialized cell of the given
// type.
func NewCell(t CellType, c anyvec.Creator, inCount int, cfg Config) (Cell, error) {
	switch t {
	case FastRNNType:
		cell, err := NewFastRNN(c, inCount, cfg)
		if err != nil {
			return nil, err
		}
		return cell, nil
	case FastGRNNType:
		cell, err := NewFastGRNN(c, inCount, cfg)
		if err != nil {
			return nil, err
		}
		return cell, nil
	case LSTMType:
		cell, err := NewLSTM(c, inCount, cfg)
		if err != nil {
			return nil, err
		}
		return cell, nil
	case GRUType:
		cell, err := NewGRU(c, inCount, cfg)
		if err != nil {
			return nil, err
		}
		return cell, nil
	case UGRNNType:
		cell, err := NewUGRNN(c, inCount, cfg)
		if err != nil {
			return nil, err
		}
		return cell, nil
	}
	return nil, unknownType(t)
}

// BindCell creates a cell of the given type whose
// parameters are looked up rather than allocated.
func BindCell(t CellType, inCount int, cfg Config, l Lookup) (Cell, error) {
	switch t {
	case FastRNNType:
		cell, err := BindFastRNN(inCount, cfg, l)
		if err != nil {
			return nil, err
		}
		return cell, nil
	case FastGRNNType:
		cell, err := BindFastGRNN(inCount, cfg, l)
		if err != nil {
			return nil, err
		}
		return cell, nil
	case LSTMType:
		cell, err := BindLSTM(inCount, cfg, l)
		if err != nil {
			return nil, err
		}
		return cell, nil
	case GRUType:
		cell, err := BindGRU(inCount, cfg, l)
		if err != nil {
			return nil, err
		}
		return cell, nil
	case UGRNNType:
		cell, err := BindUGRNN(inCount, cfg, l)
		if err != nil {
			return nil, err
		}
		return cell, nil
	}
	return nil, unknownType(t)
}

func unknownType(t CellType) error {
	return &ConfigError{Field: "cell type", Reason: "unknown type " + string(t)}
}

// checkStep panics with a *ShapeError if the input or
// state batch does not match the cell dimensions.
func checkStep(t CellType, in, state anydiff.Res, n, inCount, hidden int) {
	if in.Output().Len() != n*inCount {
		panic(&ShapeError{Op: string(t) + ".Apply", Name: "input", Expected: n * inCount,
			Actual: in.Output().Len()})
	}
	if state.Output().Len() != n*hidden {
		panic(&ShapeError{Op: string(t) + ".Apply", Name: "state", Expected: n * hidden,
			Actual: state.Output().Len()})
	}
}

// cellBlock wraps a step function in an anyrnn.FuncBlock
// with a zero start state of stateSize per sequence.
func cellBlock(c anyvec.Creator, stateSize int,
	step func(in, state anydiff.Res, n int) (out, newState anydiff.Res)) *anyrnn.FuncBlock {
	return &anyrnn.FuncBlock{
		Func: step,
		MakeStart: func(n int) anydiff.Res {
			return anydiff.NewConst(c.MakeVector(n * stateSize))
		},
	}
}

// stateStep adapts a cell whose output is its new state.
func stateStep(apply func(in, state anydiff.Res, n int) anydiff.Res) func(in,
	state anydiff.Res, n int) (anydiff.Res, anydiff.Res) {
	return func(in, state anydiff.Res, n int) (anydiff.Res, anydiff.Res) {
		out := apply(in, state, n)
		return out, out
	}
}

// constVar creates a parameter filled with value.
func constVar(c anyvec.Creator, size int, value float64) *anydiff.Var {
	vec := c.MakeVector(size)
	vec.AddScalar(c.MakeNumeric(value))
	return anydiff.NewVar(vec)
}
