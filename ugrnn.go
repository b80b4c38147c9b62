package edgeml

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet/anyrnn"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/serializer"
)

func init() {
	var u UGRNN
	serializer.RegisterTypedDeserializer(u.SerializerType(), DeserializeUGRNN)
}

// UGRNN is an update gate RNN (Collins et al., 2016).
//
//     g, c := split([x, h]*kernel + bias)
//     z    := sigmoid(g + forgetBias)
//     h'   := z.*h + (1-z).*u(c)
type UGRNN struct {
	InCount int
	Conf    Config

	// Kernel is an (InCount+HiddenSize) x 2*HiddenSize
	// matrix.
	Kernel *anydiff.Var
	Bias   *anydiff.Var

	update Nonlinearity
}

// NewUGRNN creates a randomly initialized UGRNN with zero
// biases.
func NewUGRNN(c anyvec.Creator, inCount int, cfg Config) (*UGRNN, error) {
	if err := cfg.validateKernel(UGRNNType, inCount); err != nil {
		return nil, err
	}
	h := cfg.HiddenSize
	res := &UGRNN{
		InCount: inCount,
		Conf:    cfg,
		Kernel:  randomWeights(c, (inCount+h)*2*h),
		Bias:    constVar(c, 2*h, 0),
	}
	res.resolve()
	return res, nil
}

// BindUGRNN creates a UGRNN which uses existing variables
// from l instead of allocating parameters.
func BindUGRNN(inCount int, cfg Config, l Lookup) (*UGRNN, error) {
	if err := cfg.validateKernel(UGRNNType, inCount); err != nil {
		return nil, err
	}
	res := &UGRNN{InCount: inCount, Conf: cfg}
	if err := bindSlots(UGRNNType, cfg.instanceName(UGRNNType), res.slots(), l); err != nil {
		return nil, err
	}
	res.resolve()
	return res, nil
}

// DeserializeUGRNN deserializes a UGRNN.
func DeserializeUGRNN(d []byte) (*UGRNN, error) {
	inCount, cfg, vecs, err := deserializeKernelCell(UGRNNType, d, 2)
	if err != nil {
		return nil, err
	}
	res := &UGRNN{InCount: inCount, Conf: cfg}
	if err := initSlots(UGRNNType, res.slots(), vecs); err != nil {
		return nil, err
	}
	res.resolve()
	return res, nil
}

// CellType returns UGRNNType.
func (u *UGRNN) CellType() CellType {
	return UGRNNType
}

// InputSize returns the input dimensionality.
func (u *UGRNN) InputSize() int {
	return u.InCount
}

// HiddenSize returns the state dimensionality.
func (u *UGRNN) HiddenSize() int {
	return u.Conf.HiddenSize
}

// Config returns the cell's configuration.
func (u *UGRNN) Config() Config {
	return u.Conf
}

// Apply performs one timestep.
func (u *UGRNN) Apply(in, state anydiff.Res, n int) anydiff.Res {
	h := u.Conf.HiddenSize
	checkStep(UGRNNType, in, state, n, u.InCount, h)
	c := u.Bias.Vector.Creator()
	return anydiff.Pool(state, func(state anydiff.Res) anydiff.Res {
		parts := splitCols(applyKernel(u.Kernel, u.Bias, in, state, n, u.InCount), n, h, h)
		gate := anydiff.Sigmoid(anydiff.AddScalar(parts[0], c.MakeNumeric(u.Conf.ForgetBias)))
		cand := u.update.Apply(parts[1], n)
		return anydiff.Pool(gate, func(gate anydiff.Res) anydiff.Res {
			return anydiff.Add(
				anydiff.Mul(gate, state),
				anydiff.Mul(anydiff.Complement(gate), cand),
			)
		})
	})
}

// Start produces a zero start state.
func (u *UGRNN) Start(n int) anyrnn.State {
	return u.funcBlock().Start(n)
}

// PropagateStart propagates through the start state.
func (u *UGRNN) PropagateStart(s anyrnn.StateGrad, g anydiff.Grad) {
	u.funcBlock().PropagateStart(s, g)
}

// Step performs a timestep.
func (u *UGRNN) Step(s anyrnn.State, in anyvec.Vector) anyrnn.Res {
	return u.funcBlock().Step(s, in)
}

// Parameters returns the kernel and the bias.
func (u *UGRNN) Parameters() []*anydiff.Var {
	return slotVars(u.slots())
}

// NamedParameters is like Parameters, but includes IDs.
func (u *UGRNN) NamedParameters() []NamedParameter {
	return namedSlots(UGRNNType, u.Conf.instanceName(UGRNNType), u.slots())
}

// AssignList copies vecs into the parameters, in the
// order of Parameters().
func (u *UGRNN) AssignList(vecs []anyvec.Vector) error {
	return assignSlots(UGRNNType, u.slots(), vecs)
}

// SerializerType returns the unique ID used to serialize
// a UGRNN with the serializer package.
func (u *UGRNN) SerializerType() string {
	return "github.com/bigsnarfdude/EdgeML.UGRNN"
}

// Serialize serializes the UGRNN.
func (u *UGRNN) Serialize() ([]byte, error) {
	return serializeKernelCell(u.Conf, u.InCount, u.Parameters())
}

func (u *UGRNN) resolve() {
	u.update = resolveNonlinearity(UGRNNType, "update", u.Conf.UpdateNonlinearity)
}

func (u *UGRNN) slots() []paramSlot {
	h := u.Conf.HiddenSize
	return []paramSlot{
		{Name: "kernel", Size: (u.InCount + h) * 2 * h, Dest: &u.Kernel},
		{Name: "bias", Size: 2 * h, Dest: &u.Bias},
	}
}

func (u *UGRNN) funcBlock() *anyrnn.FuncBlock {
	return cellBlock(u.Bias.Vector.Creator(), u.Conf.HiddenSize, stateStep(u.Apply))
}
