package edgeml

import (
	"errors"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

// weightStddev is the standard deviation of the normal
// distribution used to initialize weight matrices.
const weightStddev = 0.1

func init() {
	var p Projection
	serializer.RegisterTypedDeserializer(p.SerializerType(), DeserializeProjection)
}

// A Projection is a linear map from InCount to OutCount
// dimensions, stored either as one dense matrix or as the
// product of two skinny matrices.
//
// Matrices are stored row-major.
// With Rank 0, Weights holds a single InCount x OutCount
// matrix.
// Otherwise, Weights holds an InCount x Rank matrix
// followed by a Rank x OutCount matrix.
type Projection struct {
	InCount  int
	OutCount int
	Rank     int
	Weights  []*anydiff.Var
}

// NewProjection creates a randomly initialized Projection.
// A rank of 0 selects a full-rank matrix.
//
// Entries are drawn from N(0, 0.1).
func NewProjection(c anyvec.Creator, in, out, rank int) *Projection {
	res := &Projection{InCount: in, OutCount: out, Rank: rank}
	for _, shape := range res.Shapes() {
		res.Weights = append(res.Weights, randomWeights(c, shape[0]*shape[1]))
	}
	return res
}

// DeserializeProjection deserializes a Projection.
func DeserializeProjection(d []byte) (*Projection, error) {
	var res Projection
	var joined *anyvecsave.S
	err := serializer.DeserializeAny(d, &res.InCount, &res.OutCount, &res.Rank, &joined)
	if err != nil {
		return nil, essentials.AddCtx("deserialize Projection", err)
	}
	if joined.Vector.Len() != res.NumParams() {
		return nil, errors.New("deserialize Projection: incorrect weight count")
	}
	var offset int
	for _, shape := range res.Shapes() {
		size := shape[0] * shape[1]
		vec := joined.Vector.Slice(offset, offset+size).Copy()
		res.Weights = append(res.Weights, anydiff.NewVar(vec))
		offset += size
	}
	return &res, nil
}

// LowRank reports whether the projection is factored.
func (p *Projection) LowRank() bool {
	return p.Rank > 0
}

// Shapes returns the [rows, cols] of each weight matrix,
// in the order they appear in p.Weights.
func (p *Projection) Shapes() [][2]int {
	if !p.LowRank() {
		return [][2]int{{p.InCount, p.OutCount}}
	}
	return [][2]int{{p.InCount, p.Rank}, {p.Rank, p.OutCount}}
}

// NumParams returns the number of scalar parameters.
func (p *Projection) NumParams() int {
	var res int
	for _, shape := range p.Shapes() {
		res += shape[0] * shape[1]
	}
	return res
}

// Apply projects a batch of n row vectors.
func (p *Projection) Apply(in anydiff.Res, n int) anydiff.Res {
	if in.Output().Len() != n*p.InCount {
		panic(&ShapeError{Op: "Projection.Apply", Name: "input", Expected: n * p.InCount,
			Actual: in.Output().Len()})
	}
	res := &anydiff.Matrix{Data: in, Rows: n, Cols: p.InCount}
	for i, shape := range p.Shapes() {
		weights := &anydiff.Matrix{Data: p.Weights[i], Rows: shape[0], Cols: shape[1]}
		res = anydiff.MatMul(false, false, res, weights)
	}
	return res.Data
}

// Dense computes the effective InCount x OutCount matrix.
//
// For a full-rank projection, the result shares no memory
// with the weights.
func (p *Projection) Dense() *anyvec.Matrix {
	first := p.Weights[0].Vector
	res := &anyvec.Matrix{Data: first.Copy(), Rows: p.InCount, Cols: p.Shapes()[0][1]}
	if !p.LowRank() {
		return res
	}
	c := first.Creator()
	second := &anyvec.Matrix{Data: p.Weights[1].Vector, Rows: p.Rank, Cols: p.OutCount}
	prod := &anyvec.Matrix{
		Data: c.MakeVector(p.InCount * p.OutCount),
		Rows: p.InCount,
		Cols: p.OutCount,
	}
	prod.Product(false, false, c.MakeNumeric(1), res, second, c.MakeNumeric(0))
	return prod
}

// Parameters returns p.Weights.
func (p *Projection) Parameters() []*anydiff.Var {
	return append([]*anydiff.Var{}, p.Weights...)
}

// SerializerType returns the unique ID used to serialize
// a Projection with the serializer package.
func (p *Projection) SerializerType() string {
	return "github.com/bigsnarfdude/EdgeML.Projection"
}

// Serialize serializes the Projection.
// The weights are joined into a single vector.
func (p *Projection) Serialize() ([]byte, error) {
	var vecs []anyvec.Vector
	for _, w := range p.Weights {
		vecs = append(vecs, w.Vector)
	}
	joined := p.Weights[0].Vector.Creator().Concat(vecs...)
	return serializer.SerializeAny(p.InCount, p.OutCount, p.Rank,
		&anyvecsave.S{Vector: joined})
}

// emptyProjection creates a Projection whose weights have
// yet to be bound.
func emptyProjection(in, out, rank int) *Projection {
	p := &Projection{InCount: in, OutCount: out, Rank: rank}
	p.Weights = make([]*anydiff.Var, len(p.Shapes()))
	return p
}
