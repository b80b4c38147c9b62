package edgeml

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// A ParameterID identifies a cell parameter across save
// and restore.
type ParameterID struct {
	Cell     CellType
	Instance string
	Name     string
}

// String returns the hierarchical name of the parameter,
// e.g. "EMI-FastGRNN-Cell/FastGRNNcell/W1" or
// "EMI-GRU-Cell/gates/kernel".
func (p ParameterID) String() string {
	if p.Cell.fast() {
		return p.Instance + "/" + string(p.Cell) + "cell/" + p.Name
	}
	return p.Instance + "/" + p.Name
}

// CheckpointName returns the tensor name under which the
// parameter appears in EMI-RNN checkpoints, e.g.
// "rnn/fast_grnn_cell/EMI-FastGRNN-Cell/FastGRNNcell/W1:0"
// or "rnn/EMI-LSTM-Cell/kernel:0".
func (p ParameterID) CheckpointName() string {
	if scope := p.Cell.scopeName(); scope != "" {
		return "rnn/" + scope + "/" + p.String() + ":0"
	}
	return "rnn/" + p.String() + ":0"
}

// A NamedParameter pairs a parameter with its ID.
type NamedParameter struct {
	ID  ParameterID
	Var *anydiff.Var
}

// A Lookup resolves parameter IDs to existing variables.
type Lookup interface {
	Lookup(id ParameterID) (*anydiff.Var, error)
}

// ParamMap is a Lookup backed by a map.
// Keys may be either ParameterID.String() or
// ParameterID.CheckpointName().
type ParamMap map[string]*anydiff.Var

// NewParamMap creates a ParamMap with every parameter of
// a cell, keyed by ParameterID.String().
func NewParamMap(params []NamedParameter) ParamMap {
	res := ParamMap{}
	for _, p := range params {
		res[p.ID.String()] = p.Var
	}
	return res
}

// Lookup finds the variable for the ID.
func (p ParamMap) Lookup(id ParameterID) (*anydiff.Var, error) {
	if v, ok := p[id.String()]; ok {
		return v, nil
	}
	if v, ok := p[id.CheckpointName()]; ok {
		return v, nil
	}
	return nil, &RestoreError{Cell: id.Cell, Name: id.String(), Reason: "not found"}
}

// paramSlot describes one parameter of a cell.
type paramSlot struct {
	Name string
	Size int
	Dest **anydiff.Var
}

// bindSlots looks up every slot and checks its length.
func bindSlots(t CellType, instance string, slots []paramSlot, l Lookup) error {
	for _, slot := range slots {
		id := ParameterID{Cell: t, Instance: instance, Name: slot.Name}
		v, err := l.Lookup(id)
		if err != nil {
			return err
		}
		if v.Vector.Len() != slot.Size {
			return &RestoreError{Cell: t, Name: id.String(), Expected: slot.Size,
				Actual: v.Vector.Len(), Reason: "wrong length"}
		}
		*slot.Dest = v
	}
	return nil
}

// checkSlots verifies that vecs match the slots, position
// by position.
func checkSlots(t CellType, slots []paramSlot, vecs []anyvec.Vector) error {
	if len(vecs) != len(slots) {
		return &RestoreError{Cell: t, Expected: len(slots), Actual: len(vecs),
			Reason: "wrong number of parameters"}
	}
	for i, slot := range slots {
		if vecs[i] == nil {
			return &RestoreError{Cell: t, Name: slot.Name, Reason: "missing value"}
		}
		if vecs[i].Len() != slot.Size {
			return &RestoreError{Cell: t, Name: slot.Name, Expected: slot.Size,
				Actual: vecs[i].Len(), Reason: "wrong length"}
		}
	}
	return nil
}

// assignSlots copies vecs into the slots, position by
// position.
// Nothing is modified unless every vector is valid.
func assignSlots(t CellType, slots []paramSlot, vecs []anyvec.Vector) error {
	if err := checkSlots(t, slots, vecs); err != nil {
		return err
	}
	for i, slot := range slots {
		(*slot.Dest).Vector.Set(vecs[i])
	}
	return nil
}

// initSlots creates a new variable for every slot, taking
// ownership of vecs.
func initSlots(t CellType, slots []paramSlot, vecs []anyvec.Vector) error {
	if err := checkSlots(t, slots, vecs); err != nil {
		return err
	}
	for i, slot := range slots {
		*slot.Dest = anydiff.NewVar(vecs[i])
	}
	return nil
}

// slotVars lists the variables held by the slots.
func slotVars(slots []paramSlot) []*anydiff.Var {
	res := make([]*anydiff.Var, len(slots))
	for i, slot := range slots {
		res[i] = *slot.Dest
	}
	return res
}

// namedSlots converts slots into NamedParameters.
func namedSlots(t CellType, instance string, slots []paramSlot) []NamedParameter {
	res := make([]NamedParameter, len(slots))
	for i, slot := range slots {
		res[i] = NamedParameter{
			ID:  ParameterID{Cell: t, Instance: instance, Name: slot.Name},
			Var: *slot.Dest,
		}
	}
	return res
}

// projectionSlots creates the slots for a projection's
// weights.
// The projection's Weights slice must already have the
// correct length.
func projectionSlots(prefix string, p *Projection) []paramSlot {
	shapes := p.Shapes()
	if len(shapes) == 1 {
		return []paramSlot{{Name: prefix, Size: shapes[0][0] * shapes[0][1],
			Dest: &p.Weights[0]}}
	}
	var res []paramSlot
	for i, shape := range shapes {
		res = append(res, paramSlot{
			Name: prefix + string(rune('1'+i)),
			Size: shape[0] * shape[1],
			Dest: &p.Weights[i],
		})
	}
	return res
}

// pickWeights selects the weight values matching a
// projection's rank configuration.
func pickWeights(t CellType, prefix string, lowRank bool, full, first,
	second anyvec.Vector) ([]anyvec.Vector, error) {
	if lowRank {
		if full != nil {
			return nil, &RestoreError{Cell: t, Name: prefix,
				Reason: "dense matrix given for a low-rank projection"}
		}
		return []anyvec.Vector{first, second}, nil
	}
	if first != nil || second != nil {
		return nil, &RestoreError{Cell: t, Name: prefix + "1",
			Reason: "factor given for a full-rank projection"}
	}
	return []anyvec.Vector{full}, nil
}
