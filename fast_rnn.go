package edgeml

import (
	"errors"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet/anyrnn"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var f FastRNN
	serializer.RegisterTypedDeserializer(f.SerializerType(), DeserializeFastRNN)
}

// FastRNN is a recurrent cell with a residual connection
// weighted by two learned scalars.
//
// For a previous state h and input x, the next state is
//
//     c  := u(x*W + h*U + B_h)
//     h' := sigmoid(beta)*h + sigmoid(alpha)*c
//
// where u is the update nonlinearity.
type FastRNN struct {
	InCount int
	Conf    Config

	W *Projection
	U *Projection

	BiasUpdate *anydiff.Var

	Alpha *anydiff.Var
	Beta  *anydiff.Var

	update Nonlinearity
}

// NewFastRNN creates a randomly initialized FastRNN.
func NewFastRNN(c anyvec.Creator, inCount int, cfg Config) (*FastRNN, error) {
	if err := cfg.Validate(inCount); err != nil {
		return nil, err
	}
	h := cfg.HiddenSize
	res := &FastRNN{
		InCount:    inCount,
		Conf:       cfg,
		W:          NewProjection(c, inCount, h, cfg.WRank),
		U:          NewProjection(c, h, h, cfg.URank),
		BiasUpdate: constVar(c, h, 1),
		Alpha:      constVar(c, 1, cfg.AlphaInit),
		Beta:       constVar(c, 1, cfg.BetaInit),
	}
	res.resolve()
	return res, nil
}

// BindFastRNN creates a FastRNN which uses existing
// variables from l instead of allocating parameters.
func BindFastRNN(inCount int, cfg Config, l Lookup) (*FastRNN, error) {
	if err := cfg.Validate(inCount); err != nil {
		return nil, err
	}
	h := cfg.HiddenSize
	res := &FastRNN{
		InCount: inCount,
		Conf:    cfg,
		W:       emptyProjection(inCount, h, cfg.WRank),
		U:       emptyProjection(h, h, cfg.URank),
	}
	if err := bindSlots(FastRNNType, cfg.instanceName(FastRNNType), res.slots(), l); err != nil {
		return nil, err
	}
	res.resolve()
	return res, nil
}

// DeserializeFastRNN deserializes a FastRNN.
func DeserializeFastRNN(d []byte) (*FastRNN, error) {
	var res FastRNN
	var gate, update string
	var bh, alpha, beta *anyvecsave.S
	err := serializer.DeserializeAny(d, &res.Conf.Name, &gate, &update, &res.Conf.AlphaInit,
		&res.Conf.BetaInit, &res.W, &res.U, &bh, &alpha, &beta)
	if err != nil {
		return nil, essentials.AddCtx("deserialize FastRNN", err)
	}
	h := res.W.OutCount
	if res.U.InCount != h || res.U.OutCount != h {
		return nil, errors.New("deserialize FastRNN: incorrect recurrent matrix size")
	}
	if bh.Vector.Len() != h {
		return nil, errors.New("deserialize FastRNN: incorrect bias size")
	}
	if alpha.Vector.Len() != 1 || beta.Vector.Len() != 1 {
		return nil, errors.New("deserialize FastRNN: incorrect scalar size")
	}
	res.InCount = res.W.InCount
	res.Conf.HiddenSize = h
	res.Conf.WRank = res.W.Rank
	res.Conf.URank = res.U.Rank
	res.Conf.GateNonlinearity = Nonlinearity(gate)
	res.Conf.UpdateNonlinearity = Nonlinearity(update)
	res.BiasUpdate = anydiff.NewVar(bh.Vector)
	res.Alpha = anydiff.NewVar(alpha.Vector)
	res.Beta = anydiff.NewVar(beta.Vector)
	res.resolve()
	return &res, nil
}

// CellType returns FastRNNType.
func (f *FastRNN) CellType() CellType {
	return FastRNNType
}

// InputSize returns the input dimensionality.
func (f *FastRNN) InputSize() int {
	return f.InCount
}

// HiddenSize returns the state dimensionality.
func (f *FastRNN) HiddenSize() int {
	return f.Conf.HiddenSize
}

// Config returns the cell's configuration.
func (f *FastRNN) Config() Config {
	return f.Conf
}

// Apply performs one timestep.
func (f *FastRNN) Apply(in, state anydiff.Res, n int) anydiff.Res {
	checkStep(FastRNNType, in, state, n, f.InCount, f.Conf.HiddenSize)
	return anydiff.Pool(state, func(state anydiff.Res) anydiff.Res {
		pre := anydiff.Add(f.W.Apply(in, n), f.U.Apply(state, n))
		c := f.update.Apply(anydiff.AddRepeated(pre, f.BiasUpdate), n)
		return anydiff.Add(
			anydiff.ScaleRepeated(state, anydiff.Sigmoid(f.Beta)),
			anydiff.ScaleRepeated(c, anydiff.Sigmoid(f.Alpha)),
		)
	})
}

// Start produces a zero start state.
func (f *FastRNN) Start(n int) anyrnn.State {
	return f.funcBlock().Start(n)
}

// PropagateStart propagates through the start state.
func (f *FastRNN) PropagateStart(s anyrnn.StateGrad, g anydiff.Grad) {
	f.funcBlock().PropagateStart(s, g)
}

// Step performs a timestep.
func (f *FastRNN) Step(s anyrnn.State, in anyvec.Vector) anyrnn.Res {
	return f.funcBlock().Step(s, in)
}

// Parameters returns the cell's parameters in the order
// W (or W1, W2), U (or U1, U2), B_h, alpha, beta.
func (f *FastRNN) Parameters() []*anydiff.Var {
	var res []*anydiff.Var
	for _, slot := range f.slots() {
		res = append(res, *slot.Dest)
	}
	return res
}

// NamedParameters is like Parameters, but includes IDs.
func (f *FastRNN) NamedParameters() []NamedParameter {
	return namedSlots(FastRNNType, f.Conf.instanceName(FastRNNType), f.slots())
}

// AssignList copies vecs into the parameters, in the
// order of Parameters().
func (f *FastRNN) AssignList(vecs []anyvec.Vector) error {
	return assignSlots(FastRNNType, f.slots(), vecs)
}

// FastRNNParams names the parameter values of a FastRNN.
// Only the weights matching the cell's rank configuration
// may be set.
type FastRNNParams struct {
	W, W1, W2 anyvec.Vector
	U, U1, U2 anyvec.Vector

	BiasUpdate anyvec.Vector

	Alpha anyvec.Vector
	Beta  anyvec.Vector
}

// Assign copies p into the parameters.
func (f *FastRNN) Assign(p *FastRNNParams) error {
	wVecs, err := pickWeights(FastRNNType, "W", f.W.LowRank(), p.W, p.W1, p.W2)
	if err != nil {
		return err
	}
	uVecs, err := pickWeights(FastRNNType, "U", f.U.LowRank(), p.U, p.U1, p.U2)
	if err != nil {
		return err
	}
	vecs := append(wVecs, uVecs...)
	vecs = append(vecs, p.BiasUpdate, p.Alpha, p.Beta)
	return f.AssignList(vecs)
}

// SerializerType returns the unique ID used to serialize
// a FastRNN with the serializer package.
func (f *FastRNN) SerializerType() string {
	return "github.com/bigsnarfdude/EdgeML.FastRNN"
}

// Serialize serializes the FastRNN.
func (f *FastRNN) Serialize() ([]byte, error) {
	return serializer.SerializeAny(
		f.Conf.Name,
		string(f.Conf.GateNonlinearity),
		string(f.Conf.UpdateNonlinearity),
		f.Conf.AlphaInit,
		f.Conf.BetaInit,
		f.W,
		f.U,
		&anyvecsave.S{Vector: f.BiasUpdate.Vector},
		&anyvecsave.S{Vector: f.Alpha.Vector},
		&anyvecsave.S{Vector: f.Beta.Vector},
	)
}

func (f *FastRNN) resolve() {
	f.update = resolveNonlinearity(FastRNNType, "update", f.Conf.UpdateNonlinearity)
}

func (f *FastRNN) slots() []paramSlot {
	res := append(projectionSlots("W", f.W), projectionSlots("U", f.U)...)
	return append(res,
		paramSlot{Name: "B_h", Size: f.Conf.HiddenSize, Dest: &f.BiasUpdate},
		paramSlot{Name: "alpha", Size: 1, Dest: &f.Alpha},
		paramSlot{Name: "beta", Size: 1, Dest: &f.Beta},
	)
}

func (f *FastRNN) funcBlock() *anyrnn.FuncBlock {
	return cellBlock(f.BiasUpdate.Vector.Creator(), f.Conf.HiddenSize, stateStep(f.Apply))
}
