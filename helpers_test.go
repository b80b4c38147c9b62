package edgeml

import (
	"math"
	"testing"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anydifftest"
	"github.com/unixpickle/anydiff/anyseq"
	"github.com/unixpickle/anynet/anyrnn"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec32"
	"github.com/unixpickle/anyvec/anyvec64"
	"gonum.org/v1/gonum/mat"
)

var creator64 = anyvec64.DefaultCreator{}

func vec64(data ...float64) anyvec.Vector {
	return creator64.MakeVectorData(creator64.MakeNumericList(data))
}

func randVec64(n int) anyvec.Vector {
	vec := creator64.MakeVector(n)
	anyvec.Rand(vec, anyvec.Normal, nil)
	return vec
}

func values(r anydiff.Res) []float64 {
	return r.Output().Data().([]float64)
}

func assertClose(t *testing.T, name string, actual, expected []float64, tol float64) {
	t.Helper()
	if len(actual) != len(expected) {
		t.Fatalf("%s: expected length %d but got %d", name, len(expected), len(actual))
	}
	for i, x := range expected {
		if math.IsNaN(actual[i]) || math.Abs(actual[i]-x) > tol {
			t.Errorf("%s: entry %d: expected %v but got %v", name, i, x, actual[i])
			return
		}
	}
}

// toDense converts a row-major matrix to a gonum matrix.
func toDense(m *anyvec.Matrix) *mat.Dense {
	data := append([]float64{}, m.Data.Data().([]float64)...)
	return mat.NewDense(m.Rows, m.Cols, data)
}

// referencePreComp computes x*W + h*U with gonum.
func referencePreComp(w, u *Projection, x, h []float64, n int) *mat.Dense {
	var wComp, uComp, res mat.Dense
	wComp.Mul(mat.NewDense(n, w.InCount, x), toDense(w.Dense()))
	uComp.Mul(mat.NewDense(n, u.InCount, h), toDense(u.Dense()))
	res.Add(&wComp, &uComp)
	return &res
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func scalarOf(v *anydiff.Var) float64 {
	return v.Vector.Data().([]float64)[0]
}

// randomTestSequence creates a batch of sequences with
// varying lengths, one variable per timestep.
func randomTestSequence(inSize int) (anyseq.Seq, []*anydiff.Var) {
	inVars := []*anydiff.Var{}
	inBatches := []*anyseq.ResBatch{}

	presents := [][]bool{{true, true, true}, {true, false, true}}
	numPres := []int{3, 2}
	chunkLengths := []int{2, 3}

	for chunkIdx, pres := range presents {
		for i := 0; i < chunkLengths[chunkIdx]; i++ {
			vec := anyvec32.MakeVector(inSize * numPres[chunkIdx])
			anyvec.Rand(vec, anyvec.Normal, nil)
			v := anydiff.NewVar(vec)
			batch := &anyseq.ResBatch{
				Packed:  v,
				Present: pres,
			}
			inVars = append(inVars, v)
			inBatches = append(inBatches, batch)
		}
	}
	return anyseq.ResSeq(anyvec32.CurrentCreator(), inBatches), inVars
}

func expectPanic(t *testing.T, f func()) (value interface{}) {
	t.Helper()
	defer func() {
		value = recover()
		if value == nil {
			t.Error("expected panic")
		}
	}()
	f()
	return nil
}

// referenceKernel computes [x, h]*kernel + bias with gonum.
func referenceKernel(kernel, bias *anydiff.Var, x, h []float64, n, inCount int) *mat.Dense {
	hidden := len(h) / n
	cols := bias.Vector.Len()
	joined := mat.NewDense(n, inCount+hidden, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < inCount; j++ {
			joined.Set(i, j, x[i*inCount+j])
		}
		for j := 0; j < hidden; j++ {
			joined.Set(i, inCount+j, h[i*hidden+j])
		}
	}
	weights := mat.NewDense(inCount+hidden, cols,
		append([]float64{}, kernel.Vector.Data().([]float64)...))
	var res mat.Dense
	res.Mul(joined, weights)
	b := bias.Vector.Data().([]float64)
	for i := 0; i < n; i++ {
		for j := 0; j < cols; j++ {
			res.Set(i, j, res.At(i, j)+b[j])
		}
	}
	return &res
}

// checkCheckpointNames checks the checkpoint names of a
// cell's parameters, in order.
func checkCheckpointNames(t *testing.T, c Cell, names ...string) {
	t.Helper()
	params := c.NamedParameters()
	if len(params) != len(names) {
		t.Fatalf("expected %d parameters but got %d", len(names), len(params))
	}
	for i, p := range params {
		if actual := p.ID.CheckpointName(); actual != names[i] {
			t.Errorf("parameter %d: expected %s but got %s", i, names[i], actual)
		}
	}
}

// checkGradients runs a gradient check of a cell over a
// batch of variable-length sequences.
func checkGradients(t *testing.T, block Cell, inVars []*anydiff.Var, inSeq anyseq.Seq) {
	checker := &anydifftest.SeqChecker{
		F: func() anyseq.Seq {
			return anyrnn.Map(inSeq, block)
		},
		V: append(inVars, block.Parameters()...),
	}
	checker.FullCheck(t)
}
