package edgeml

import (
	"errors"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

// randomWeights creates a parameter with entries drawn
// from N(0, 0.1).
func randomWeights(c anyvec.Creator, size int) *anydiff.Var {
	vec := c.MakeVector(size)
	anyvec.Rand(vec, anyvec.Normal, nil)
	vec.Scale(c.MakeNumeric(weightStddev))
	return anydiff.NewVar(vec)
}

// applyKernel computes [x, h]*kernel + bias for a batch of
// n rows.
//
// The kernel is a row-major (inCount+hidden) x cols
// matrix, where cols is the bias length and hidden is the
// row length of state.
func applyKernel(kernel, bias *anydiff.Var, in, state anydiff.Res, n, inCount int) anydiff.Res {
	cols := bias.Vector.Len()
	hidden := state.Output().Len() / n
	inWeights := &anydiff.Matrix{
		Data: anydiff.Slice(kernel, 0, inCount*cols),
		Rows: inCount,
		Cols: cols,
	}
	stateWeights := &anydiff.Matrix{
		Data: anydiff.Slice(kernel, inCount*cols, (inCount+hidden)*cols),
		Rows: hidden,
		Cols: cols,
	}
	x := &anydiff.Matrix{Data: in, Rows: n, Cols: inCount}
	h := &anydiff.Matrix{Data: state, Rows: n, Cols: hidden}
	sum := anydiff.Add(
		anydiff.MatMul(false, false, x, inWeights).Data,
		anydiff.MatMul(false, false, h, stateWeights).Data,
	)
	return anydiff.AddRepeated(sum, bias)
}

// splitCols splits a batch of n rows into consecutive
// column blocks of the given widths.
func splitCols(r anydiff.Res, n int, widths ...int) []anydiff.Res {
	var total int
	for _, w := range widths {
		total += w
	}
	transposed := anydiff.Transpose(&anydiff.Matrix{Data: r, Rows: n, Cols: total}).Data
	var res []anydiff.Res
	var offset int
	for _, w := range widths {
		block := &anydiff.Matrix{
			Data: anydiff.Slice(transposed, offset*n, (offset+w)*n),
			Rows: w,
			Cols: n,
		}
		res = append(res, anydiff.Transpose(block).Data)
		offset += w
	}
	return res
}

// joinCols is the inverse of splitCols.
func joinCols(n int, blocks ...anydiff.Res) anydiff.Res {
	var transposed []anydiff.Res
	var total int
	for _, b := range blocks {
		w := b.Output().Len() / n
		transposed = append(transposed,
			anydiff.Transpose(&anydiff.Matrix{Data: b, Rows: n, Cols: w}).Data)
		total += w
	}
	joined := &anydiff.Matrix{Data: anydiff.Concat(transposed...), Rows: total, Cols: n}
	return anydiff.Transpose(joined).Data
}

// serializeKernelCell serializes the configuration and
// parameters of a cell built on fused kernels.
func serializeKernelCell(cfg Config, inCount int, params []*anydiff.Var) ([]byte, error) {
	args := []interface{}{
		cfg.Name,
		string(cfg.GateNonlinearity),
		string(cfg.UpdateNonlinearity),
		cfg.ForgetBias,
		inCount,
		cfg.HiddenSize,
	}
	for _, p := range params {
		args = append(args, &anyvecsave.S{Vector: p.Vector})
	}
	return serializer.SerializeAny(args...)
}

// deserializeKernelCell is the inverse of
// serializeKernelCell.
func deserializeKernelCell(t CellType, d []byte, numParams int) (int, Config,
	[]anyvec.Vector, error) {
	var cfg Config
	var inCount int
	var gate, update string
	saved := make([]*anyvecsave.S, numParams)
	args := []interface{}{&cfg.Name, &gate, &update, &cfg.ForgetBias, &inCount, &cfg.HiddenSize}
	for i := range saved {
		args = append(args, &saved[i])
	}
	if err := serializer.DeserializeAny(d, args...); err != nil {
		return 0, Config{}, nil, essentials.AddCtx("deserialize "+string(t), err)
	}
	if inCount <= 0 || cfg.HiddenSize <= 0 {
		return 0, Config{}, nil, errors.New("deserialize " + string(t) + ": invalid dimensions")
	}
	cfg.GateNonlinearity = Nonlinearity(gate)
	cfg.UpdateNonlinearity = Nonlinearity(update)
	var vecs []anyvec.Vector
	for _, s := range saved {
		vecs = append(vecs, s.Vector)
	}
	return inCount, cfg, vecs, nil
}
