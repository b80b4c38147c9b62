// Package emirnn runs recurrent cells over the bags of
// multi-instance (EMI-RNN) datasets.
//
// A dataset of bags is a packed tensor of shape
//
//     [bags, subinstances, timesteps, features]
//
// Every sub-instance is an independent sequence, so a
// model unrolls its cell over a batch of
// bags*subinstances sequences.
package emirnn

import (
	"fmt"

	"github.com/bigsnarfdude/EdgeML"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anyseq"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var m Model
	serializer.RegisterTypedDeserializer(m.SerializerType(), DeserializeModel)
}

// Model applies a cell to every sub-instance of a batch
// of bags.
type Model struct {
	Cell edgeml.Cell

	NumSubinstance int
	NumTimesteps   int
	NumFeats       int

	// Unroller is used by Apply.
	// If nil, StaticUnroller is used.
	// It is not serialized.
	Unroller Unroller

	// Dropout, if non-nil, is applied to the input and to
	// the output of the cell at every timestep, with a new
	// mask each time.
	// Toggle Dropout.Enabled to switch between training and
	// inference.
	// It is not serialized.
	Dropout *anynet.Dropout
}

// New creates a model around a new cell of the given type.
//
// If cfg.Name is empty, the cell is named after the type,
// e.g. "EMI-FastGRNN-Cell" (or "ugrnn_cell" for UGRNN),
// so that its parameter IDs match EMI-RNN checkpoints.
func New(t edgeml.CellType, c anyvec.Creator, numSubinstance, numTimesteps, numFeats int,
	cfg edgeml.Config) (*Model, error) {
	if err := checkDims(numSubinstance, numTimesteps, numFeats); err != nil {
		return nil, errors.Wrap(err, "create EMI model")
	}
	cell, err := edgeml.NewCell(t, c, numFeats, cellConfig(t, cfg))
	if err != nil {
		return nil, errors.Wrap(err, "create EMI model")
	}
	return &Model{
		Cell:           cell,
		NumSubinstance: numSubinstance,
		NumTimesteps:   numTimesteps,
		NumFeats:       numFeats,
	}, nil
}

// Restore creates a model whose cell is bound to existing
// parameters.
func Restore(t edgeml.CellType, numSubinstance, numTimesteps, numFeats int,
	cfg edgeml.Config, l edgeml.Lookup) (*Model, error) {
	if err := checkDims(numSubinstance, numTimesteps, numFeats); err != nil {
		return nil, errors.Wrap(err, "restore EMI model")
	}
	cfg = cellConfig(t, cfg)
	cell, err := edgeml.BindCell(t, numFeats, cfg, l)
	if err != nil {
		return nil, errors.Wrap(err, "restore EMI model")
	}
	logrus.WithFields(logrus.Fields{
		"cell":     t,
		"instance": cfg.Name,
		"params":   len(cell.Parameters()),
	}).Debug("restored EMI model")
	return &Model{
		Cell:           cell,
		NumSubinstance: numSubinstance,
		NumTimesteps:   numTimesteps,
		NumFeats:       numFeats,
	}, nil
}

// DeserializeModel deserializes a Model.
func DeserializeModel(d []byte) (*Model, error) {
	var res Model
	err := serializer.DeserializeAny(d, &res.Cell, &res.NumSubinstance,
		&res.NumTimesteps, &res.NumFeats)
	if err != nil {
		return nil, essentials.AddCtx("deserialize EMI model", err)
	}
	if res.Cell.InputSize() != res.NumFeats {
		return nil, errors.New("deserialize EMI model: cell input size mismatch")
	}
	return &res, nil
}

// BagSeq converts a packed bag tensor into a sequence.
// The batch at timestep t packs the t-th feature vector
// of every sub-instance, bag by bag.
func (m *Model) BagSeq(c anyvec.Creator, x anyvec.Vector, numBags int) (anyseq.Seq, error) {
	instSize := m.NumTimesteps * m.NumFeats
	if expected := numBags * m.NumSubinstance * instSize; x.Len() != expected {
		return nil, &edgeml.ShapeError{Op: "BagSeq", Name: "bag tensor", Expected: expected,
			Actual: x.Len()}
	}
	seqs := make([][]anyvec.Vector, numBags*m.NumSubinstance)
	for i := range seqs {
		for t := 0; t < m.NumTimesteps; t++ {
			start := i*instSize + t*m.NumFeats
			seqs[i] = append(seqs[i], x.Slice(start, start+m.NumFeats))
		}
	}
	return anyseq.ConstSeqList(c, seqs), nil
}

// Apply runs the cell over a sequence, such as one from
// BagSeq, producing the cell output at every timestep.
func (m *Model) Apply(seq anyseq.Seq) anyseq.Seq {
	unroller := m.Unroller
	if unroller == nil {
		unroller = StaticUnroller{}
	}
	if m.Dropout == nil {
		return unroller.Unroll(seq, m.Cell)
	}
	out := unroller.Unroll(anyseq.Map(seq, m.Dropout.Apply), m.Cell)
	return anyseq.Map(out, m.Dropout.Apply)
}

// BagOutput packs the outputs of Apply into a tensor of
// shape [bags, subinstances, timesteps, hidden].
func (m *Model) BagOutput(out anyseq.Seq, numBags int) (anyvec.Vector, error) {
	batches := out.Output()
	if len(batches) != m.NumTimesteps {
		return nil, &edgeml.ShapeError{Op: "BagOutput", Name: "timesteps",
			Expected: m.NumTimesteps, Actual: len(batches)}
	}
	hidden := m.Cell.HiddenSize()
	numInst := numBags * m.NumSubinstance
	for t, batch := range batches {
		if batch.Packed.Len() != numInst*hidden {
			return nil, &edgeml.ShapeError{Op: "BagOutput",
				Name: fmt.Sprintf("timestep %d", t), Expected: numInst * hidden,
				Actual: batch.Packed.Len()}
		}
	}
	chunks := make([]anyvec.Vector, 0, numInst*len(batches))
	for i := 0; i < numInst; i++ {
		for _, batch := range batches {
			chunks = append(chunks, batch.Packed.Slice(i*hidden, (i+1)*hidden))
		}
	}
	return out.Creator().Concat(chunks...), nil
}

// HyperParams returns the cell's parameters.
func (m *Model) HyperParams() []*anydiff.Var {
	return m.Cell.Parameters()
}

// Parameters is equivalent to HyperParams.
func (m *Model) Parameters() []*anydiff.Var {
	return m.HyperParams()
}

// AssignBase copies values into the cell's parameters, in
// the order of HyperParams.
func (m *Model) AssignBase(vecs []anyvec.Vector) error {
	return errors.Wrap(m.Cell.AssignList(vecs), "assign EMI base parameters")
}

// SerializerType returns the unique ID used to serialize
// a Model with the serializer package.
func (m *Model) SerializerType() string {
	return "github.com/bigsnarfdude/EdgeML/emirnn.Model"
}

// Serialize serializes the Model.
func (m *Model) Serialize() ([]byte, error) {
	return serializer.SerializeAny(m.Cell, m.NumSubinstance, m.NumTimesteps, m.NumFeats)
}

func cellConfig(t edgeml.CellType, cfg edgeml.Config) edgeml.Config {
	if cfg.Name == "" {
		if t == edgeml.UGRNNType {
			cfg.Name = "ugrnn_cell"
		} else {
			cfg.Name = "EMI-" + string(t) + "-Cell"
		}
	}
	return cfg
}

func checkDims(numSubinstance, numTimesteps, numFeats int) error {
	for _, dim := range []struct {
		name  string
		value int
	}{
		{"subinstance count", numSubinstance},
		{"timestep count", numTimesteps},
		{"feature count", numFeats},
	} {
		if dim.value <= 0 {
			return &edgeml.ConfigError{Field: dim.name,
				Reason: fmt.Sprintf("%d is not positive", dim.value)}
		}
	}
	return nil
}
