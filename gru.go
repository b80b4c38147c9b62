package edgeml

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet/anyrnn"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/serializer"
)

func init() {
	var g GRU
	serializer.RegisterTypedDeserializer(g.SerializerType(), DeserializeGRU)
}

// GRU is a gated recurrent unit laid out like the kernels
// in EMI-RNN checkpoints.
//
//     r, z := split(sigmoid([x, h]*gateKernel + gateBias))
//     c    := u([x, r.*h]*candidateKernel + candidateBias)
//     h'   := z.*h + (1-z).*c
type GRU struct {
	InCount int
	Conf    Config

	// GateKernel is an (InCount+HiddenSize) x 2*HiddenSize
	// matrix producing the reset and update gates.
	GateKernel *anydiff.Var
	GateBias   *anydiff.Var

	// CandidateKernel is an (InCount+HiddenSize) x
	// HiddenSize matrix.
	CandidateKernel *anydiff.Var
	CandidateBias   *anydiff.Var

	update Nonlinearity
}

// NewGRU creates a randomly initialized GRU.
// The gate biases start at 1 and the candidate biases at
// 0.
func NewGRU(c anyvec.Creator, inCount int, cfg Config) (*GRU, error) {
	if err := cfg.validateKernel(GRUType, inCount); err != nil {
		return nil, err
	}
	h := cfg.HiddenSize
	res := &GRU{
		InCount:         inCount,
		Conf:            cfg,
		GateKernel:      randomWeights(c, (inCount+h)*2*h),
		GateBias:        constVar(c, 2*h, 1),
		CandidateKernel: randomWeights(c, (inCount+h)*h),
		CandidateBias:   constVar(c, h, 0),
	}
	res.resolve()
	return res, nil
}

// BindGRU creates a GRU which uses existing variables from
// l instead of allocating parameters.
func BindGRU(inCount int, cfg Config, l Lookup) (*GRU, error) {
	if err := cfg.validateKernel(GRUType, inCount); err != nil {
		return nil, err
	}
	res := &GRU{InCount: inCount, Conf: cfg}
	if err := bindSlots(GRUType, cfg.instanceName(GRUType), res.slots(), l); err != nil {
		return nil, err
	}
	res.resolve()
	return res, nil
}

// DeserializeGRU deserializes a GRU.
func DeserializeGRU(d []byte) (*GRU, error) {
	inCount, cfg, vecs, err := deserializeKernelCell(GRUType, d, 4)
	if err != nil {
		return nil, err
	}
	res := &GRU{InCount: inCount, Conf: cfg}
	if err := initSlots(GRUType, res.slots(), vecs); err != nil {
		return nil, err
	}
	res.resolve()
	return res, nil
}

// CellType returns GRUType.
func (g *GRU) CellType() CellType {
	return GRUType
}

// InputSize returns the input dimensionality.
func (g *GRU) InputSize() int {
	return g.InCount
}

// HiddenSize returns the state dimensionality.
func (g *GRU) HiddenSize() int {
	return g.Conf.HiddenSize
}

// Config returns the cell's configuration.
func (g *GRU) Config() Config {
	return g.Conf
}

// Apply performs one timestep.
func (g *GRU) Apply(in, state anydiff.Res, n int) anydiff.Res {
	h := g.Conf.HiddenSize
	checkStep(GRUType, in, state, n, g.InCount, h)
	return anydiff.Pool(state, func(state anydiff.Res) anydiff.Res {
		gateIn := applyKernel(g.GateKernel, g.GateBias, in, state, n, g.InCount)
		gates := splitCols(anydiff.Sigmoid(gateIn), n, h, h)
		reset, update := gates[0], gates[1]
		candIn := applyKernel(g.CandidateKernel, g.CandidateBias, in,
			anydiff.Mul(reset, state), n, g.InCount)
		cand := g.update.Apply(candIn, n)
		return anydiff.Pool(update, func(update anydiff.Res) anydiff.Res {
			return anydiff.Add(
				anydiff.Mul(update, state),
				anydiff.Mul(anydiff.Complement(update), cand),
			)
		})
	})
}

// Start produces a zero start state.
func (g *GRU) Start(n int) anyrnn.State {
	return g.funcBlock().Start(n)
}

// PropagateStart propagates through the start state.
func (g *GRU) PropagateStart(s anyrnn.StateGrad, grad anydiff.Grad) {
	g.funcBlock().PropagateStart(s, grad)
}

// Step performs a timestep.
func (g *GRU) Step(s anyrnn.State, in anyvec.Vector) anyrnn.Res {
	return g.funcBlock().Step(s, in)
}

// Parameters returns the gate kernel, gate bias,
// candidate kernel, and candidate bias.
func (g *GRU) Parameters() []*anydiff.Var {
	return slotVars(g.slots())
}

// NamedParameters is like Parameters, but includes IDs.
func (g *GRU) NamedParameters() []NamedParameter {
	return namedSlots(GRUType, g.Conf.instanceName(GRUType), g.slots())
}

// AssignList copies vecs into the parameters, in the
// order of Parameters().
func (g *GRU) AssignList(vecs []anyvec.Vector) error {
	return assignSlots(GRUType, g.slots(), vecs)
}

// GRUParams names the parameter values of a GRU.
type GRUParams struct {
	GateKernel      anyvec.Vector
	GateBias        anyvec.Vector
	CandidateKernel anyvec.Vector
	CandidateBias   anyvec.Vector
}

// Assign copies p into the parameters.
func (g *GRU) Assign(p *GRUParams) error {
	return g.AssignList([]anyvec.Vector{p.GateKernel, p.GateBias, p.CandidateKernel,
		p.CandidateBias})
}

// SerializerType returns the unique ID used to serialize
// a GRU with the serializer package.
func (g *GRU) SerializerType() string {
	return "github.com/bigsnarfdude/EdgeML.GRU"
}

// Serialize serializes the GRU.
func (g *GRU) Serialize() ([]byte, error) {
	return serializeKernelCell(g.Conf, g.InCount, g.Parameters())
}

func (g *GRU) resolve() {
	g.update = resolveNonlinearity(GRUType, "update", g.Conf.UpdateNonlinearity)
}

func (g *GRU) slots() []paramSlot {
	h := g.Conf.HiddenSize
	rows := g.InCount + h
	return []paramSlot{
		{Name: "gates/kernel", Size: rows * 2 * h, Dest: &g.GateKernel},
		{Name: "gates/bias", Size: 2 * h, Dest: &g.GateBias},
		{Name: "candidate/kernel", Size: rows * h, Dest: &g.CandidateKernel},
		{Name: "candidate/bias", Size: h, Dest: &g.CandidateBias},
	}
}

func (g *GRU) funcBlock() *anyrnn.FuncBlock {
	return cellBlock(g.GateBias.Vector.Creator(), g.Conf.HiddenSize, stateStep(g.Apply))
}
