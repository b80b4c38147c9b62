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
	var f FastGRNN
	serializer.RegisterTypedDeserializer(f.SerializerType(), DeserializeFastGRNN)
}

// FastGRNN is a gated recurrent cell with a per-unit gate
// and two learned scalars.
//
// For a previous state h and input x, the next state is
//
//     pre := x*W + h*U
//     z   := g(pre + B_g)
//     c   := u(pre + B_h)
//     h'  := z.*h + (sigmoid(zeta)*(1-z) + sigmoid(nu)).*c
//
// where g and u are the gate and update nonlinearities.
type FastGRNN struct {
	InCount int
	Conf    Config

	W *Projection
	U *Projection

	BiasGate   *anydiff.Var
	BiasUpdate *anydiff.Var

	Zeta *anydiff.Var
	Nu   *anydiff.Var

	gate   Nonlinearity
	update Nonlinearity
}

// NewFastGRNN creates a randomly initialized FastGRNN.
func NewFastGRNN(c anyvec.Creator, inCount int, cfg Config) (*FastGRNN, error) {
	if err := cfg.Validate(inCount); err != nil {
		return nil, err
	}
	h := cfg.HiddenSize
	res := &FastGRNN{
		InCount:    inCount,
		Conf:       cfg,
		W:          NewProjection(c, inCount, h, cfg.WRank),
		U:          NewProjection(c, h, h, cfg.URank),
		BiasGate:   constVar(c, h, 1),
		BiasUpdate: constVar(c, h, 1),
		Zeta:       constVar(c, 1, cfg.ZetaInit),
		Nu:         constVar(c, 1, cfg.NuInit),
	}
	res.resolve()
	return res, nil
}

// BindFastGRNN creates a FastGRNN which uses existing
// variables from l instead of allocating parameters.
func BindFastGRNN(inCount int, cfg Config, l Lookup) (*FastGRNN, error) {
	if err := cfg.Validate(inCount); err != nil {
		return nil, err
	}
	h := cfg.HiddenSize
	res := &FastGRNN{
		InCount: inCount,
		Conf:    cfg,
		W:       emptyProjection(inCount, h, cfg.WRank),
		U:       emptyProjection(h, h, cfg.URank),
	}
	err := bindSlots(FastGRNNType, cfg.instanceName(FastGRNNType), res.slots(), l)
	if err != nil {
		return nil, err
	}
	res.resolve()
	return res, nil
}

// DeserializeFastGRNN deserializes a FastGRNN.
func DeserializeFastGRNN(d []byte) (*FastGRNN, error) {
	var res FastGRNN
	var gate, update string
	var bg, bh, zeta, nu *anyvecsave.S
	err := serializer.DeserializeAny(d, &res.Conf.Name, &gate, &update,
		&res.Conf.ZetaInit, &res.Conf.NuInit, &res.W, &res.U, &bg, &bh, &zeta, &nu)
	if err != nil {
		return nil, essentials.AddCtx("deserialize FastGRNN", err)
	}
	h := res.W.OutCount
	if res.U.InCount != h || res.U.OutCount != h {
		return nil, errors.New("deserialize FastGRNN: incorrect recurrent matrix size")
	}
	if bg.Vector.Len() != h || bh.Vector.Len() != h {
		return nil, errors.New("deserialize FastGRNN: incorrect bias size")
	}
	if zeta.Vector.Len() != 1 || nu.Vector.Len() != 1 {
		return nil, errors.New("deserialize FastGRNN: incorrect scalar size")
	}
	res.InCount = res.W.InCount
	res.Conf.HiddenSize = h
	res.Conf.WRank = res.W.Rank
	res.Conf.URank = res.U.Rank
	res.Conf.GateNonlinearity = Nonlinearity(gate)
	res.Conf.UpdateNonlinearity = Nonlinearity(update)
	res.BiasGate = anydiff.NewVar(bg.Vector)
	res.BiasUpdate = anydiff.NewVar(bh.Vector)
	res.Zeta = anydiff.NewVar(zeta.Vector)
	res.Nu = anydiff.NewVar(nu.Vector)
	res.resolve()
	return &res, nil
}

// CellType returns FastGRNNType.
func (f *FastGRNN) CellType() CellType {
	return FastGRNNType
}

// InputSize returns the input dimensionality.
func (f *FastGRNN) InputSize() int {
	return f.InCount
}

// HiddenSize returns the state dimensionality.
func (f *FastGRNN) HiddenSize() int {
	return f.Conf.HiddenSize
}

// Config returns the cell's configuration.
func (f *FastGRNN) Config() Config {
	return f.Conf
}

// Apply performs one timestep.
func (f *FastGRNN) Apply(in, state anydiff.Res, n int) anydiff.Res {
	checkStep(FastGRNNType, in, state, n, f.InCount, f.Conf.HiddenSize)
	return anydiff.Pool(state, func(state anydiff.Res) anydiff.Res {
		pre := anydiff.Add(f.W.Apply(in, n), f.U.Apply(state, n))
		return anydiff.Pool(pre, func(pre anydiff.Res) anydiff.Res {
			z := f.gate.Apply(anydiff.AddRepeated(pre, f.BiasGate), n)
			c := f.update.Apply(anydiff.AddRepeated(pre, f.BiasUpdate), n)
			return anydiff.Pool(z, func(z anydiff.Res) anydiff.Res {
				candScale := anydiff.AddRepeated(
					anydiff.ScaleRepeated(anydiff.Complement(z), anydiff.Sigmoid(f.Zeta)),
					anydiff.Sigmoid(f.Nu),
				)
				return anydiff.Add(anydiff.Mul(z, state), anydiff.Mul(candScale, c))
			})
		})
	})
}

// Start produces a zero start state.
func (f *FastGRNN) Start(n int) anyrnn.State {
	return f.funcBlock().Start(n)
}

// PropagateStart propagates through the start state.
func (f *FastGRNN) PropagateStart(s anyrnn.StateGrad, g anydiff.Grad) {
	f.funcBlock().PropagateStart(s, g)
}

// Step performs a timestep.
func (f *FastGRNN) Step(s anyrnn.State, in anyvec.Vector) anyrnn.Res {
	return f.funcBlock().Step(s, in)
}

// Parameters returns the cell's parameters in the order
// W (or W1, W2), U (or U1, U2), B_g, B_h, zeta, nu.
func (f *FastGRNN) Parameters() []*anydiff.Var {
	var res []*anydiff.Var
	for _, slot := range f.slots() {
		res = append(res, *slot.Dest)
	}
	return res
}

// NamedParameters is like Parameters, but includes IDs.
func (f *FastGRNN) NamedParameters() []NamedParameter {
	return namedSlots(FastGRNNType, f.Conf.instanceName(FastGRNNType), f.slots())
}

// AssignList copies vecs into the parameters, in the
// order of Parameters().
func (f *FastGRNN) AssignList(vecs []anyvec.Vector) error {
	return assignSlots(FastGRNNType, f.slots(), vecs)
}

// FastGRNNParams names the parameter values of a FastGRNN.
// Only the weights matching the cell's rank configuration
// may be set.
type FastGRNNParams struct {
	W, W1, W2 anyvec.Vector
	U, U1, U2 anyvec.Vector

	BiasGate   anyvec.Vector
	BiasUpdate anyvec.Vector

	Zeta anyvec.Vector
	Nu   anyvec.Vector
}

// Assign copies p into the parameters.
func (f *FastGRNN) Assign(p *FastGRNNParams) error {
	wVecs, err := pickWeights(FastGRNNType, "W", f.W.LowRank(), p.W, p.W1, p.W2)
	if err != nil {
		return err
	}
	uVecs, err := pickWeights(FastGRNNType, "U", f.U.LowRank(), p.U, p.U1, p.U2)
	if err != nil {
		return err
	}
	vecs := append(wVecs, uVecs...)
	vecs = append(vecs, p.BiasGate, p.BiasUpdate, p.Zeta, p.Nu)
	return f.AssignList(vecs)
}

// SerializerType returns the unique ID used to serialize
// a FastGRNN with the serializer package.
func (f *FastGRNN) SerializerType() string {
	return "github.com/bigsnarfdude/EdgeML.FastGRNN"
}

// Serialize serializes the FastGRNN.
func (f *FastGRNN) Serialize() ([]byte, error) {
	return serializer.SerializeAny(
		f.Conf.Name,
		string(f.Conf.GateNonlinearity),
		string(f.Conf.UpdateNonlinearity),
		f.Conf.ZetaInit,
		f.Conf.NuInit,
		f.W,
		f.U,
		&anyvecsave.S{Vector: f.BiasGate.Vector},
		&anyvecsave.S{Vector: f.BiasUpdate.Vector},
		&anyvecsave.S{Vector: f.Zeta.Vector},
		&anyvecsave.S{Vector: f.Nu.Vector},
	)
}

func (f *FastGRNN) resolve() {
	f.gate = resolveNonlinearity(FastGRNNType, "gate", f.Conf.GateNonlinearity)
	f.update = resolveNonlinearity(FastGRNNType, "update", f.Conf.UpdateNonlinearity)
}

func (f *FastGRNN) slots() []paramSlot {
	h := f.Conf.HiddenSize
	res := append(projectionSlots("W", f.W), projectionSlots("U", f.U)...)
	return append(res,
		paramSlot{Name: "B_g", Size: h, Dest: &f.BiasGate},
		paramSlot{Name: "B_h", Size: h, Dest: &f.BiasUpdate},
		paramSlot{Name: "zeta", Size: 1, Dest: &f.Zeta},
		paramSlot{Name: "nu", Size: 1, Dest: &f.Nu},
	)
}

func (f *FastGRNN) funcBlock() *anyrnn.FuncBlock {
	return cellBlock(f.BiasUpdate.Vector.Creator(), f.Conf.HiddenSize, stateStep(f.Apply))
}
