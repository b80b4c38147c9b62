package edgeml

import (
	"testing"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

func TestProjectionShapes(t *testing.T) {
	full := NewProjection(creator64, 6, 4, 0)
	if full.LowRank() || len(full.Weights) != 1 || full.NumParams() != 24 {
		t.Errorf("unexpected full-rank projection: rank=%d weights=%d params=%d",
			full.Rank, len(full.Weights), full.NumParams())
	}
	low := NewProjection(creator64, 6, 4, 2)
	if !low.LowRank() || len(low.Weights) != 2 || low.NumParams() != 6*2+2*4 {
		t.Errorf("unexpected low-rank projection: rank=%d weights=%d params=%d",
			low.Rank, len(low.Weights), low.NumParams())
	}
	if low.Weights[0].Vector.Len() != 12 || low.Weights[1].Vector.Len() != 8 {
		t.Error("unexpected factor sizes")
	}
}

func TestProjectionLowRankEquivalence(t *testing.T) {
	const batch = 3
	low := NewProjection(creator64, 5, 4, 2)
	full := &Projection{
		InCount:  5,
		OutCount: 4,
		Weights:  []*anydiff.Var{anydiff.NewVar(low.Dense().Data)},
	}
	in := anydiff.NewConst(randVec64(batch * 5))
	actual := low.Apply(in, batch)
	expected := full.Apply(in, batch)
	if actual.Output().Len() != batch*4 {
		t.Fatalf("expected %d outputs but got %d", batch*4, actual.Output().Len())
	}
	assertClose(t, "projection", values(actual), values(expected), 1e-10)
}

func TestProjectionDense(t *testing.T) {
	p := &Projection{
		InCount:  2,
		OutCount: 2,
		Rank:     1,
		Weights: []*anydiff.Var{
			anydiff.NewVar(vec64(1, 2)),
			anydiff.NewVar(vec64(3, 4)),
		},
	}
	assertClose(t, "dense", p.Dense().Data.Data().([]float64), []float64{3, 4, 6, 8}, 0)

	// Row vector [1, 1] times [[3, 4], [6, 8]].
	out := p.Apply(anydiff.NewConst(vec64(1, 1)), 1)
	assertClose(t, "apply", values(out), []float64{9, 12}, 1e-12)
}

func TestProjectionInitStddev(t *testing.T) {
	p := NewProjection(creator64, 100, 100, 0)
	vec := p.Weights[0].Vector
	sq := vec.Copy()
	sq.Mul(vec)
	variance := anyvec.Sum(sq).(float64) / float64(vec.Len())
	if variance < 0.008 || variance > 0.012 {
		t.Errorf("expected variance near 0.01 but got %f", variance)
	}
}

func TestProjectionSerialize(t *testing.T) {
	p := NewProjection(creator64, 5, 3, 2)
	data, err := p.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	p1, err := DeserializeProjection(data)
	if err != nil {
		t.Fatal(err)
	}
	if p1.InCount != 5 || p1.OutCount != 3 || p1.Rank != 2 || len(p1.Weights) != 2 {
		t.Fatalf("bad projection: %d %d %d %d", p1.InCount, p1.OutCount, p1.Rank,
			len(p1.Weights))
	}
	for i, w := range p.Weights {
		assertClose(t, "weights", p1.Weights[i].Vector.Data().([]float64),
			w.Vector.Data().([]float64), 0)
	}
}

func TestProjectionShapePanic(t *testing.T) {
	p := NewProjection(creator64, 5, 3, 0)
	val := expectPanic(t, func() {
		p.Apply(anydiff.NewConst(randVec64(7)), 2)
	})
	if _, ok := val.(*ShapeError); !ok {
		t.Errorf("expected *ShapeError but got %v", val)
	}
}
