package emirnn

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/bigsnarfdude/EdgeML"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anyseq"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec64"
)

const (
	testBags        = 3
	testSubinstance = 2
	testTimesteps   = 5
	testFeats       = 3
	testHidden      = 4
)

func TestBagSeqLayout(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	model := testModel(t, edgeml.FastRNNType, edgeml.NewFastRNNConfig(testHidden))

	data := make([]float64, testBags*testSubinstance*testTimesteps*testFeats)
	for i := range data {
		data[i] = float64(i)
	}
	seq, err := model.BagSeq(c, c.MakeVectorData(data), testBags)
	if err != nil {
		t.Fatal(err)
	}
	out := seq.Output()
	if len(out) != testTimesteps {
		t.Fatalf("expected %d timesteps but got %d", testTimesteps, len(out))
	}
	for step, batch := range out {
		packed := batch.Packed.Data().([]float64)
		if len(packed) != testBags*testSubinstance*testFeats {
			t.Fatalf("step %d: bad batch size %d", step, len(packed))
		}
		for inst := 0; inst < testBags*testSubinstance; inst++ {
			for f := 0; f < testFeats; f++ {
				expected := float64((inst*testTimesteps+step)*testFeats + f)
				if actual := packed[inst*testFeats+f]; actual != expected {
					t.Errorf("step %d inst %d feat %d: expected %f but got %f",
						step, inst, f, expected, actual)
				}
			}
		}
	}

	_, err = model.BagSeq(c, c.MakeVector(len(data)-1), testBags)
	if _, ok := err.(*edgeml.ShapeError); !ok {
		t.Errorf("expected *ShapeError but got %v", err)
	}
}

func TestBagOutput(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	model := testModel(t, edgeml.FastGRNNType, edgeml.NewFastGRNNConfig(testHidden))
	seq := randomBagSeq(t, model)
	out := model.Apply(seq)
	vec, err := model.BagOutput(out, testBags)
	if err != nil {
		t.Fatal(err)
	}
	if vec.Len() != testBags*testSubinstance*testTimesteps*testHidden {
		t.Fatalf("unexpected output length %d", vec.Len())
	}
	data := vec.Data().([]float64)
	for step, batch := range out.Output() {
		packed := batch.Packed.Data().([]float64)
		for inst := 0; inst < testBags*testSubinstance; inst++ {
			for j := 0; j < testHidden; j++ {
				idx := (inst*testTimesteps+step)*testHidden + j
				if data[idx] != packed[inst*testHidden+j] {
					t.Fatalf("step %d inst %d unit %d: mismatch", step, inst, j)
				}
			}
		}
	}

	// Each sub-instance is processed independently of the
	// others in its bag.
	first, err := model.BagSeq(c, bagTensor(seq, 0), 1)
	if err != nil {
		t.Fatal(err)
	}
	single, err := model.BagOutput(model.Apply(first), 1)
	if err != nil {
		t.Fatal(err)
	}
	diff := single.Copy()
	diff.Sub(vec.Slice(0, single.Len()))
	if maxDiff := anyvec.AbsMax(diff).(float64); maxDiff > 1e-10 {
		t.Errorf("first bag differs by %f", maxDiff)
	}

	if _, err := model.BagOutput(out, testBags+1); err == nil {
		t.Error("expected error for wrong bag count")
	}
}

func TestUnrollers(t *testing.T) {
	for _, cellType := range []edgeml.CellType{edgeml.FastRNNType, edgeml.FastGRNNType} {
		cfg := edgeml.NewFastGRNNConfig(testHidden)
		cfg.WRank = 2
		model := testModel(t, cellType, cfg)
		seq := randomBagSeq(t, model)
		unrollers := map[string]Unroller{
			"BPTT":  &LazyUnroller{},
			"HSM1":  &LazyUnroller{Interval: 1},
			"HSM2":  &LazyUnroller{Interval: 2},
			"HSM10": &LazyUnroller{Interval: 10},
		}
		for name, unroller := range unrollers {
			t.Run(fmt.Sprintf("%s:%s", cellType, name), func(t *testing.T) {
				actual := func() anyseq.Seq {
					model.Unroller = unroller
					return model.Apply(seq)
				}
				expected := func() anyseq.Seq {
					return StaticUnroller{}.Unroll(seq, model.Cell)
				}
				testEquivalent(t, actual, expected)
			})
		}
	}
}

func TestRestore(t *testing.T) {
	model := testModel(t, edgeml.FastGRNNType, edgeml.NewFastGRNNConfig(testHidden))
	if name := model.Cell.Config().Name; name != "EMI-FastGRNN-Cell" {
		t.Errorf("unexpected default name: %s", name)
	}

	// Lookup by checkpoint tensor names.
	checkpoint := edgeml.ParamMap{}
	for _, p := range model.Cell.NamedParameters() {
		checkpoint[p.ID.CheckpointName()] = p.Var
	}
	if _, ok := checkpoint["rnn/fast_grnn_cell/EMI-FastGRNN-Cell/FastGRNNcell/zeta:0"]; !ok {
		t.Error("missing zeta in checkpoint")
	}
	restored, err := Restore(edgeml.FastGRNNType, testSubinstance, testTimesteps,
		testFeats, edgeml.NewFastGRNNConfig(testHidden), checkpoint)
	if err != nil {
		t.Fatal(err)
	}
	for i, p := range restored.HyperParams() {
		if p != model.HyperParams()[i] {
			t.Errorf("parameter %d not shared", i)
		}
	}

	delete(checkpoint, "rnn/fast_grnn_cell/EMI-FastGRNN-Cell/FastGRNNcell/nu:0")
	_, err = Restore(edgeml.FastGRNNType, testSubinstance, testTimesteps,
		testFeats, edgeml.NewFastGRNNConfig(testHidden), checkpoint)
	var restoreErr *edgeml.RestoreError
	if !errors.As(err, &restoreErr) {
		t.Errorf("expected *RestoreError but got %v", err)
	}

	_, err = Restore(edgeml.FastGRNNType, 0, testTimesteps, testFeats,
		edgeml.NewFastGRNNConfig(testHidden), checkpoint)
	var configErr *edgeml.ConfigError
	if !errors.As(err, &configErr) {
		t.Errorf("expected *ConfigError but got %v", err)
	}
}

func TestAssignBase(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	src := testModel(t, edgeml.FastRNNType, edgeml.NewFastRNNConfig(testHidden))
	dst := testModel(t, edgeml.FastRNNType, edgeml.NewFastRNNConfig(testHidden))

	var vecs []anyvec.Vector
	for _, p := range src.HyperParams() {
		vecs = append(vecs, p.Vector)
	}
	if err := dst.AssignBase(vecs); err != nil {
		t.Fatal(err)
	}
	seq := randomBagSeq(t, src)
	a, err := src.BagOutput(src.Apply(seq), testBags)
	if err != nil {
		t.Fatal(err)
	}
	b, err := dst.BagOutput(dst.Apply(seq), testBags)
	if err != nil {
		t.Fatal(err)
	}
	diff := a.Copy()
	diff.Sub(b)
	if maxDiff := anyvec.AbsMax(diff).(float64); maxDiff != 0 {
		t.Errorf("outputs differ by %f", maxDiff)
	}

	// A wrong count is rejected, leaving the parameters
	// untouched.
	before := dst.HyperParams()[0].Vector.Copy()
	err = dst.AssignBase(append(vecs[:2:2], c.MakeVector(testHidden)))
	var restoreErr *edgeml.RestoreError
	if !errors.As(err, &restoreErr) {
		t.Errorf("expected *RestoreError but got %v", err)
	}
	diff = before.Copy()
	diff.Sub(dst.HyperParams()[0].Vector)
	if anyvec.AbsMax(diff).(float64) != 0 {
		t.Error("parameters modified by failed assign")
	}
}

func TestModelSerialize(t *testing.T) {
	cfg := edgeml.NewFastGRNNConfig(testHidden)
	cfg.URank = 2
	model := testModel(t, edgeml.FastGRNNType, cfg)
	data, err := model.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	model1, err := DeserializeModel(data)
	if err != nil {
		t.Fatal(err)
	}
	if model1.NumSubinstance != testSubinstance || model1.NumTimesteps != testTimesteps ||
		model1.NumFeats != testFeats {
		t.Fatalf("unexpected dimensions: %+v", model1)
	}
	if model1.Cell.CellType() != edgeml.FastGRNNType || model1.Cell.Config().URank != 2 {
		t.Fatalf("unexpected cell config: %+v", model1.Cell.Config())
	}
	seq := randomBagSeq(t, model)
	a, _ := model.BagOutput(model.Apply(seq), testBags)
	b, _ := model1.BagOutput(model1.Apply(seq), testBags)
	diff := a.Copy()
	diff.Sub(b)
	if maxDiff := anyvec.AbsMax(diff).(float64); maxDiff != 0 {
		t.Errorf("outputs differ by %f", maxDiff)
	}
}

func TestKernelCellModels(t *testing.T) {
	configs := map[edgeml.CellType]edgeml.Config{
		edgeml.LSTMType:  edgeml.NewLSTMConfig(testHidden),
		edgeml.GRUType:   edgeml.NewGRUConfig(testHidden),
		edgeml.UGRNNType: edgeml.NewUGRNNConfig(testHidden),
	}
	names := map[edgeml.CellType]string{
		edgeml.LSTMType:  "rnn/EMI-LSTM-Cell/kernel:0",
		edgeml.GRUType:   "rnn/EMI-GRU-Cell/gates/kernel:0",
		edgeml.UGRNNType: "rnn/ugrnn_cell/kernel:0",
	}
	for cellType, cfg := range configs {
		model := testModel(t, cellType, cfg)
		seq := randomBagSeq(t, model)
		vec, err := model.BagOutput(model.Apply(seq), testBags)
		if err != nil {
			t.Fatal(err)
		}
		if vec.Len() != testBags*testSubinstance*testTimesteps*testHidden {
			t.Errorf("%s: unexpected output length %d", cellType, vec.Len())
		}

		checkpoint := edgeml.ParamMap{}
		for _, p := range model.Cell.NamedParameters() {
			checkpoint[p.ID.CheckpointName()] = p.Var
		}
		if _, ok := checkpoint[names[cellType]]; !ok {
			t.Errorf("%s: missing %s in checkpoint", cellType, names[cellType])
		}
		restored, err := Restore(cellType, testSubinstance, testTimesteps, testFeats, cfg,
			checkpoint)
		if err != nil {
			t.Fatal(err)
		}
		for i, p := range restored.HyperParams() {
			if p != model.HyperParams()[i] {
				t.Errorf("%s: parameter %d not shared", cellType, i)
			}
		}

		t.Run(fmt.Sprintf("%s:HSM2", cellType), func(t *testing.T) {
			actual := func() anyseq.Seq {
				model.Unroller = &LazyUnroller{Interval: 2}
				return model.Apply(seq)
			}
			expected := func() anyseq.Seq {
				return StaticUnroller{}.Unroll(seq, model.Cell)
			}
			testEquivalent(t, actual, expected)
		})
	}
}

func TestDropout(t *testing.T) {
	model := testModel(t, edgeml.FastGRNNType, edgeml.NewFastGRNNConfig(testHidden))
	seq := randomBagSeq(t, model)
	expected, err := model.BagOutput(model.Apply(seq), testBags)
	if err != nil {
		t.Fatal(err)
	}

	model.Dropout = &anynet.Dropout{KeepProb: 0.5}
	actual, err := model.BagOutput(model.Apply(seq), testBags)
	if err != nil {
		t.Fatal(err)
	}
	diff := actual.Copy()
	diff.Sub(expected)
	if maxDiff := anyvec.AbsMax(diff).(float64); maxDiff != 0 {
		t.Errorf("disabled dropout changed outputs by %f", maxDiff)
	}

	model.Dropout.Enabled = true
	masked, err := model.BagOutput(model.Apply(seq), testBags)
	if err != nil {
		t.Fatal(err)
	}
	var zeros int
	for _, x := range masked.Data().([]float64) {
		if x == 0 {
			zeros++
		}
	}
	if zeros == 0 {
		t.Error("expected some outputs to be dropped")
	}
	if zeros == masked.Len() {
		t.Error("expected some outputs to be kept")
	}
}

func testModel(t *testing.T, cellType edgeml.CellType, cfg edgeml.Config) *Model {
	model, err := New(cellType, anyvec64.DefaultCreator{}, testSubinstance, testTimesteps,
		testFeats, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return model
}

// randomBagSeq creates a sequence of random bags which
// depends on one variable per timestep.
func randomBagSeq(t *testing.T, m *Model) anyseq.Seq {
	c := anyvec64.DefaultCreator{}
	x := c.MakeVector(testBags * m.NumSubinstance * m.NumTimesteps * m.NumFeats)
	anyvec.Rand(x, anyvec.Normal, nil)
	seq, err := m.BagSeq(c, x, testBags)
	if err != nil {
		t.Fatal(err)
	}
	var batches []*anyseq.ResBatch
	for _, batch := range seq.Output() {
		batches = append(batches, &anyseq.ResBatch{
			Packed:  anydiff.NewVar(batch.Packed),
			Present: batch.Present,
		})
	}
	return anyseq.ResSeq(c, batches)
}

// bagTensor extracts the packed tensor of one bag from a
// sequence produced by randomBagSeq.
func bagTensor(seq anyseq.Seq, bag int) anyvec.Vector {
	var chunks []anyvec.Vector
	for inst := bag * testSubinstance; inst < (bag+1)*testSubinstance; inst++ {
		for _, batch := range seq.Output() {
			chunks = append(chunks, batch.Packed.Slice(inst*testFeats, (inst+1)*testFeats))
		}
	}
	return seq.Creator().Concat(chunks...)
}

func testEquivalent(t *testing.T, actual, expected func() anyseq.Seq) {
	t.Run("Out", func(t *testing.T) {
		actOut := actual().Output()
		expOut := expected().Output()
		if len(actOut) != len(expOut) {
			t.Fatalf("output length: expected %d got %d", len(expOut), len(actOut))
		}
		for i, actBatch := range actOut {
			diff := actBatch.Packed.Copy()
			diff.Sub(expOut[i].Packed)
			if maxDiff := anyvec.AbsMax(diff).(float64); maxDiff > 1e-8 {
				t.Errorf("output mismatch: time %d: expected %v got %v", i,
					expOut[i].Packed.Data(), actBatch.Packed.Data())
				return
			}
		}
	})
	t.Run("Grad", func(t *testing.T) {
		actGrad := computeGradient(actual())
		expGrad := computeGradient(expected())
		if len(actGrad) != len(expGrad) {
			t.Fatalf("expected %d variables but got %d", len(expGrad), len(actGrad))
		}
		for variable, vec := range actGrad {
			expVec := expGrad[variable]
			if expVec == nil {
				t.Error("excess variable")
				continue
			}
			diff := expVec.Copy()
			diff.Sub(vec)
			if maxDiff := anyvec.AbsMax(diff).(float64); maxDiff > 1e-8 {
				t.Errorf("gradient mismatch: expected %v got %v", expVec.Data(),
					vec.Data())
				return
			}
		}
	})
}

func computeGradient(seq anyseq.Seq) anydiff.Grad {
	grad := anydiff.NewGrad(seq.Vars().Slice()...)

	upstreamGen := rand.New(rand.NewSource(1337))
	upstream := make([]*anyseq.Batch, len(seq.Output()))
	for i, x := range seq.Output() {
		data := make([]float64, x.Packed.Len())
		for i := range data {
			data[i] = upstreamGen.NormFloat64()
		}
		upstream[i] = &anyseq.Batch{
			Present: x.Present,
			Packed:  x.Packed.Creator().MakeVectorData(data),
		}
	}

	seq.Propagate(upstream, grad)
	return grad
}
