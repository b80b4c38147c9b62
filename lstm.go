package edgeml

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet/anyrnn"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/serializer"
)

func init() {
	var l LSTM
	serializer.RegisterTypedDeserializer(l.SerializerType(), DeserializeLSTM)
}

// LSTM is a long short-term memory cell without
// peepholes, laid out like the kernels in EMI-RNN
// checkpoints.
//
// For input x, memory c, and output h:
//
//     i, j, f, o := split([x, h]*kernel + bias)
//     c' := c.*sigmoid(f + forgetBias) + sigmoid(i).*u(j)
//     h' := u(c').*sigmoid(o)
//
// The recurrent state of each sequence is [c, h].
type LSTM struct {
	InCount int
	Conf    Config

	// Kernel is an (InCount+HiddenSize) x 4*HiddenSize
	// matrix.
	Kernel *anydiff.Var
	Bias   *anydiff.Var

	update Nonlinearity
}

// NewLSTM creates a randomly initialized LSTM with zero
// biases.
func NewLSTM(c anyvec.Creator, inCount int, cfg Config) (*LSTM, error) {
	if err := cfg.validateKernel(LSTMType, inCount); err != nil {
		return nil, err
	}
	h := cfg.HiddenSize
	res := &LSTM{
		InCount: inCount,
		Conf:    cfg,
		Kernel:  randomWeights(c, (inCount+h)*4*h),
		Bias:    constVar(c, 4*h, 0),
	}
	res.resolve()
	return res, nil
}

// BindLSTM creates an LSTM which uses existing variables
// from l instead of allocating parameters.
func BindLSTM(inCount int, cfg Config, l Lookup) (*LSTM, error) {
	if err := cfg.validateKernel(LSTMType, inCount); err != nil {
		return nil, err
	}
	res := &LSTM{InCount: inCount, Conf: cfg}
	if err := bindSlots(LSTMType, cfg.instanceName(LSTMType), res.slots(), l); err != nil {
		return nil, err
	}
	res.resolve()
	return res, nil
}

// DeserializeLSTM deserializes an LSTM.
func DeserializeLSTM(d []byte) (*LSTM, error) {
	inCount, cfg, vecs, err := deserializeKernelCell(LSTMType, d, 2)
	if err != nil {
		return nil, err
	}
	res := &LSTM{InCount: inCount, Conf: cfg}
	if err := initSlots(LSTMType, res.slots(), vecs); err != nil {
		return nil, err
	}
	res.resolve()
	return res, nil
}

// CellType returns LSTMType.
func (l *LSTM) CellType() CellType {
	return LSTMType
}

// InputSize returns the input dimensionality.
func (l *LSTM) InputSize() int {
	return l.InCount
}

// HiddenSize returns the output dimensionality.
// The recurrent state is twice as large.
func (l *LSTM) HiddenSize() int {
	return l.Conf.HiddenSize
}

// Config returns the cell's configuration.
func (l *LSTM) Config() Config {
	return l.Conf
}

// Apply performs one timestep on a batch of n inputs and
// [c, h] states.
func (l *LSTM) Apply(in, state anydiff.Res, n int) (out, newState anydiff.Res) {
	h := l.Conf.HiddenSize
	checkStep(LSTMType, in, state, n, l.InCount, 2*h)
	parts := splitCols(state, n, h, h)
	gates := splitCols(applyKernel(l.Kernel, l.Bias, in, parts[1], n, l.InCount), n, h, h, h, h)
	c := l.Bias.Vector.Creator()
	forget := anydiff.Sigmoid(anydiff.AddScalar(gates[2], c.MakeNumeric(l.Conf.ForgetBias)))
	newMemory := anydiff.Add(
		anydiff.Mul(parts[0], forget),
		anydiff.Mul(anydiff.Sigmoid(gates[0]), l.update.Apply(gates[1], n)),
	)
	out = anydiff.Mul(l.update.Apply(newMemory, n), anydiff.Sigmoid(gates[3]))
	return out, joinCols(n, newMemory, out)
}

// Start produces a zero start state.
func (l *LSTM) Start(n int) anyrnn.State {
	return l.funcBlock().Start(n)
}

// PropagateStart propagates through the start state.
func (l *LSTM) PropagateStart(s anyrnn.StateGrad, g anydiff.Grad) {
	l.funcBlock().PropagateStart(s, g)
}

// Step performs a timestep.
func (l *LSTM) Step(s anyrnn.State, in anyvec.Vector) anyrnn.Res {
	return l.funcBlock().Step(s, in)
}

// Parameters returns the kernel and the bias.
func (l *LSTM) Parameters() []*anydiff.Var {
	return slotVars(l.slots())
}

// NamedParameters is like Parameters, but includes IDs.
func (l *LSTM) NamedParameters() []NamedParameter {
	return namedSlots(LSTMType, l.Conf.instanceName(LSTMType), l.slots())
}

// AssignList copies vecs into the parameters, in the
// order of Parameters().
func (l *LSTM) AssignList(vecs []anyvec.Vector) error {
	return assignSlots(LSTMType, l.slots(), vecs)
}

// LSTMParams names the parameter values of an LSTM.
type LSTMParams struct {
	Kernel anyvec.Vector
	Bias   anyvec.Vector
}

// Assign copies p into the parameters.
func (l *LSTM) Assign(p *LSTMParams) error {
	return l.AssignList([]anyvec.Vector{p.Kernel, p.Bias})
}

// SerializerType returns the unique ID used to serialize
// an LSTM with the serializer package.
func (l *LSTM) SerializerType() string {
	return "github.com/bigsnarfdude/EdgeML.LSTM"
}

// Serialize serializes the LSTM.
func (l *LSTM) Serialize() ([]byte, error) {
	return serializeKernelCell(l.Conf, l.InCount, l.Parameters())
}

func (l *LSTM) resolve() {
	l.update = resolveNonlinearity(LSTMType, "update", l.Conf.UpdateNonlinearity)
}

func (l *LSTM) slots() []paramSlot {
	h := l.Conf.HiddenSize
	return []paramSlot{
		{Name: "kernel", Size: (l.InCount + h) * 4 * h, Dest: &l.Kernel},
		{Name: "bias", Size: 4 * h, Dest: &l.Bias},
	}
}

func (l *LSTM) funcBlock() *anyrnn.FuncBlock {
	return cellBlock(l.Bias.Vector.Creator(), 2*l.Conf.HiddenSize, l.Apply)
}
