// Command bags trains an EMI-RNN bag classifier on CSV
// data.
//
// Every CSV row is one bag: a binary label followed by the
// subinstances*timesteps*feats values of the bag, laid out
// sub-instance by sub-instance and then timestep by
// timestep.
//
// The model is trained on sub-instances, each labeled with
// its bag's label, and a bag is predicted positive if any
// of its sub-instances is.
package main

import (
	"encoding/csv"
	"flag"
	"math/rand"
	"os"
	"strconv"
	"time"

	"github.com/bigsnarfdude/EdgeML"
	"github.com/bigsnarfdude/EdgeML/emirnn"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anyseq"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anynet/anys2s"
	"github.com/unixpickle/anynet/anysgd"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec32"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/rip"
	"github.com/unixpickle/serializer"
)

func main() {
	serializer.RegisterTypedDeserializer((&Model{}).SerializerType(), DeserializeModel)
	rand.Seed(time.Now().UnixNano())

	var modelPath string
	var trainingPath string
	var testingPath string
	var batchSize int
	var stepSize float64
	var hidden int
	var cellName string
	var gate string
	var update string
	var wRank int
	var uRank int
	var subinstances int
	var feats int
	var keepProb float64
	var lazy int
	flag.StringVar(&modelPath, "out", "out_net", "output model file")
	flag.StringVar(&trainingPath, "training", "", "training data file")
	flag.StringVar(&testingPath, "testing", "", "testing data file")
	flag.IntVar(&batchSize, "batch", 16, "SGD batch size")
	flag.Float64Var(&stepSize, "step", 0.001, "SGD step size")
	flag.IntVar(&hidden, "hidden", 32, "number of hidden units")
	flag.StringVar(&cellName, "cell", "FastGRNN",
		"cell type (FastGRNN, FastRNN, LSTM, GRU, or UGRNN)")
	flag.StringVar(&gate, "gate", "sigmoid", "gate nonlinearity (FastGRNN only)")
	flag.StringVar(&update, "update", "tanh", "update nonlinearity")
	flag.IntVar(&wRank, "wrank", 0, "rank of the input projection (0 for full)")
	flag.IntVar(&uRank, "urank", 0, "rank of the hidden projection (0 for full)")
	flag.IntVar(&subinstances, "subinstances", 1, "sub-instances per bag")
	flag.IntVar(&feats, "feats", 1, "features per timestep")
	flag.Float64Var(&keepProb, "keep", 1, "dropout keep probability (1 to disable)")
	flag.IntVar(&lazy, "lazy", -1, "hidden state interval for lazy unrolling "+
		"(0 for lazy BPTT, -1 to disable)")
	flag.Parse()

	if trainingPath == "" || testingPath == "" {
		essentials.Die("Required flags: -testing and -training. See -help.")
	}
	if err := checkFlags(subinstances, feats, keepProb); err != nil {
		essentials.Die(err)
	}

	c := anyvec32.CurrentCreator()

	logrus.Info("Loading bags...")
	training, err := ReadBagList(trainingPath, subinstances, feats)
	if err != nil {
		essentials.Die("Load training data:", err)
	}
	testing, err := ReadBagList(testingPath, subinstances, feats)
	if err != nil {
		essentials.Die("Load testing data:", err)
	}
	if training.Timesteps != testing.Timesteps {
		essentials.Die("Training bags have", training.Timesteps,
			"timesteps but testing bags have", testing.Timesteps)
	}

	var model *Model
	if err := serializer.LoadAny(modelPath, &model); err != nil {
		logrus.Info("Creating new model...")
		cellType := edgeml.CellType(cellName)
		cfg := newConfig(cellType, hidden, gate)
		cfg.UpdateNonlinearity = edgeml.Nonlinearity(update)
		cfg.WRank = wRank
		cfg.URank = uRank
		emi, err := emirnn.New(cellType, c, subinstances, training.Timesteps, feats, cfg)
		if err != nil {
			essentials.Die("Create model:", err)
		}
		model = &Model{
			EMI: emi,
			Out: anynet.Net{
				anynet.NewFC(c, hidden, 1),
			},
		}
	} else {
		logrus.Info("Loaded existing model.")
		if model.EMI.NumSubinstance != subinstances || model.EMI.NumFeats != feats ||
			model.EMI.NumTimesteps != training.Timesteps {
			essentials.Die("Model expects bags of", model.EMI.NumSubinstance, "x",
				model.EMI.NumTimesteps, "x", model.EMI.NumFeats)
		}
	}
	if lazy >= 0 {
		model.EMI.Unroller = &emirnn.LazyUnroller{Interval: lazy}
	}
	if keepProb < 1 {
		model.EMI.Dropout = &anynet.Dropout{KeepProb: keepProb}
	}
	logrus.WithFields(logrus.Fields{
		"cell":   model.EMI.Cell.CellType(),
		"params": numParams(model.Parameters()),
	}).Info("Model ready.")

	instances := training.Instances()
	validation := testing.Instances()

	logrus.Info("Training (ctrl+c to end)...")
	trainer := &anys2s.Trainer{
		Func:    model.Apply,
		Cost:    anynet.SigmoidCE{},
		Params:  model.Parameters(),
		Average: true,
	}
	var iter int
	sgd := &anysgd.SGD{
		Fetcher:     trainer,
		Gradienter:  trainer,
		Transformer: &anysgd.Adam{},
		Samples:     instances,
		Rater:       anysgd.ConstRater(stepSize),
		BatchSize:   batchSize,
		StatusFunc: func(b anysgd.Batch) {
			fields := logrus.Fields{"iter": iter, "cost": trainer.LastCost}
			if iter%4 == 0 {
				model.SetTraining(false)
				anysgd.Shuffle(validation)
				bs := essentials.MinInt(batchSize, validation.Len())
				batch, _ := trainer.Fetch(validation.Slice(0, bs))
				fields["validation"] = anyvec.Sum(trainer.TotalCost(batch.(*anys2s.Batch)).Output())
				model.SetTraining(true)
			}
			logrus.WithFields(fields).Info("step")
			iter++
		},
	}
	model.SetTraining(true)
	sgd.Run(rip.NewRIP().Chan())
	model.SetTraining(false)

	logrus.Info("Saving model...")
	if err := serializer.SaveAny(modelPath, model); err != nil {
		essentials.Die("Save model:", err)
	}

	logrus.Info("Computing bag accuracy...")
	accuracy, err := model.BagAccuracy(testing, batchSize)
	if err != nil {
		essentials.Die("Evaluate:", err)
	}
	logrus.Infof("Bag accuracy: %f", accuracy)
}

func checkFlags(subinstances, feats int, keepProb float64) error {
	if feats <= 0 {
		return errors.New("the -feats flag must be positive")
	}
	if subinstances <= 0 {
		return errors.New("the -subinstances flag must be positive")
	}
	if keepProb <= 0 || keepProb > 1 {
		return errors.New("the -keep flag must be in (0, 1]")
	}
	return nil
}

func newConfig(t edgeml.CellType, hidden int, gate string) edgeml.Config {
	switch t {
	case edgeml.FastRNNType:
		return edgeml.NewFastRNNConfig(hidden)
	case edgeml.LSTMType:
		return edgeml.NewLSTMConfig(hidden)
	case edgeml.GRUType:
		return edgeml.NewGRUConfig(hidden)
	case edgeml.UGRNNType:
		return edgeml.NewUGRNNConfig(hidden)
	default:
		cfg := edgeml.NewFastGRNNConfig(hidden)
		cfg.GateNonlinearity = edgeml.Nonlinearity(gate)
		return cfg
	}
}

// Model classifies a sub-instance from the final hidden
// state of an EMI model.
type Model struct {
	EMI *emirnn.Model
	Out anynet.Layer
}

func DeserializeModel(d []byte) (*Model, error) {
	var res Model
	if err := serializer.DeserializeAny(d, &res.EMI, &res.Out); err != nil {
		return nil, essentials.AddCtx("deserialize bags model", err)
	}
	return &res, nil
}

// Apply scores a batch of sub-instance sequences.
func (m *Model) Apply(in anyseq.Seq) anyseq.Seq {
	n := in.Output()[0].NumPresent()
	latent := anyseq.Tail(m.EMI.Apply(in))
	outs := m.Out.Apply(latent, n)
	return anyseq.ResSeq(in.Creator(), []*anyseq.ResBatch{
		&anyseq.ResBatch{
			Present: in.Output()[0].Present,
			Packed:  outs,
		},
	})
}

// SetTraining enables or disables dropout.
func (m *Model) SetTraining(training bool) {
	if m.EMI.Dropout != nil {
		m.EMI.Dropout.Enabled = training
	}
}

// BagAccuracy computes the fraction of bags whose label is
// predicted correctly.
func (m *Model) BagAccuracy(bags *BagList, batchSize int) (float64, error) {
	c := anyvec32.CurrentCreator()
	hidden := m.EMI.Cell.HiddenSize()
	steps := m.EMI.NumTimesteps
	var correct int
	for i := 0; i < bags.Len(); i += batchSize {
		numBags := essentials.MinInt(batchSize, bags.Len()-i)
		seq, err := m.EMI.BagSeq(c, bags.Tensor(i, i+numBags), numBags)
		if err != nil {
			return 0, err
		}
		outs, err := m.EMI.BagOutput(m.EMI.Apply(seq), numBags)
		if err != nil {
			return 0, err
		}
		numInst := numBags * m.EMI.NumSubinstance
		var finals []anyvec.Vector
		for inst := 0; inst < numInst; inst++ {
			offset := (inst*steps + steps - 1) * hidden
			finals = append(finals, outs.Slice(offset, offset+hidden))
		}
		scores := m.Out.Apply(anydiff.NewConst(c.Concat(finals...)), numInst)
		scoreData := scores.Output().Data().([]float32)
		for bag := 0; bag < numBags; bag++ {
			var positive bool
			for j := 0; j < m.EMI.NumSubinstance; j++ {
				if scoreData[bag*m.EMI.NumSubinstance+j] > 0 {
					positive = true
				}
			}
			if positive == bags.Labels[i+bag] {
				correct++
			}
		}
	}
	return float64(correct) / float64(bags.Len()), nil
}

func (m *Model) Parameters() []*anydiff.Var {
	res := append([]*anydiff.Var{}, m.EMI.Parameters()...)
	if p, ok := m.Out.(anynet.Parameterizer); ok {
		res = append(res, p.Parameters()...)
	}
	return res
}

func (m *Model) SerializerType() string {
	return "github.com/bigsnarfdude/EdgeML/experiments/bags.Model"
}

func (m *Model) Serialize() ([]byte, error) {
	return serializer.SerializeAny(m.EMI, m.Out)
}

func numParams(params []*anydiff.Var) int {
	var res int
	for _, p := range params {
		res += p.Vector.Len()
	}
	return res
}

// BagList stores packed bags and their labels.
type BagList struct {
	Subinstances int
	Timesteps    int
	Feats        int

	Bags   [][]float32
	Labels []bool
}

// ReadBagList reads bags from a CSV file.
// The number of timesteps is inferred from the row length,
// which must be the same for every row.
func ReadBagList(csvFile string, subinstances, feats int) (*BagList, error) {
	f, err := os.Open(csvFile)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := csv.NewReader(f)
	rows, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.New("no bags")
	}
	instSize := subinstances * feats
	res := &BagList{Subinstances: subinstances, Feats: feats}
	for i, row := range rows {
		if len(row) < 2 || (len(row)-1)%instSize != 0 {
			return nil, errors.Errorf("row %d: %d values is not a multiple of %d",
				i, len(row)-1, instSize)
		}
		steps := (len(row) - 1) / instSize
		if i == 0 {
			res.Timesteps = steps
		} else if steps != res.Timesteps {
			return nil, errors.Errorf("row %d: expected %d timesteps but got %d",
				i, res.Timesteps, steps)
		}
		label, err := strconv.ParseFloat(row[0], 64)
		if err != nil {
			return nil, errors.Wrapf(err, "row %d: label", i)
		}
		values := make([]float32, len(row)-1)
		for j, field := range row[1:] {
			x, err := strconv.ParseFloat(field, 32)
			if err != nil {
				return nil, errors.Wrapf(err, "row %d: column %d", i, j+1)
			}
			values[j] = float32(x)
		}
		res.Labels = append(res.Labels, label > 0)
		res.Bags = append(res.Bags, values)
	}
	return res, nil
}

// Len returns the number of bags.
func (b *BagList) Len() int {
	return len(b.Bags)
}

// Tensor packs the bags in the range [i, j).
func (b *BagList) Tensor(i, j int) anyvec.Vector {
	var data []float32
	for _, bag := range b.Bags[i:j] {
		data = append(data, bag...)
	}
	return anyvec32.MakeVectorData(data)
}

// Instances splits every bag into sub-instances which
// carry the bag's label.
func (b *BagList) Instances() *SampleList {
	res := &SampleList{Feats: b.Feats}
	instSize := b.Timesteps * b.Feats
	for i, bag := range b.Bags {
		for j := 0; j < b.Subinstances; j++ {
			res.Instances = append(res.Instances, bag[j*instSize:(j+1)*instSize])
			res.Labels = append(res.Labels, b.Labels[i])
		}
	}
	return res
}

type SampleList struct {
	Feats     int
	Instances [][]float32
	Labels    []bool
}

func (s *SampleList) Len() int {
	return len(s.Instances)
}

func (s *SampleList) Swap(i, j int) {
	s.Instances[i], s.Instances[j] = s.Instances[j], s.Instances[i]
	s.Labels[i], s.Labels[j] = s.Labels[j], s.Labels[i]
}

func (s *SampleList) Slice(i, j int) anysgd.SampleList {
	return &SampleList{
		Feats:     s.Feats,
		Instances: append([][]float32{}, s.Instances[i:j]...),
		Labels:    append([]bool{}, s.Labels[i:j]...),
	}
}

func (s *SampleList) Creator() anyvec.Creator {
	return anyvec32.CurrentCreator()
}

func (s *SampleList) GetSample(i int) (*anys2s.Sample, error) {
	values := s.Instances[i]
	var input []anyvec.Vector
	for t := 0; t < len(values); t += s.Feats {
		input = append(input, anyvec32.MakeVectorData(append([]float32{}, values[t:t+s.Feats]...)))
	}
	classVal := float32(0)
	if s.Labels[i] {
		classVal = 1
	}
	output := []anyvec.Vector{anyvec32.MakeVectorData([]float32{classVal})}
	return &anys2s.Sample{
		Input:  input,
		Output: output,
	}, nil
}
