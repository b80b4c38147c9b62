package emirnn

import (
	"github.com/unixpickle/anydiff/anyseq"
	"github.com/unixpickle/anynet/anyrnn"
	"github.com/unixpickle/lazyseq"
	"github.com/unixpickle/lazyseq/lazyrnn"
)

// An Unroller applies an RNN block to every timestep of a
// sequence.
//
// All Unrollers produce the same outputs and gradients;
// they differ in how much memory back-propagation uses.
type Unroller interface {
	Unroll(seq anyseq.Seq, b anyrnn.Block) anyseq.Seq
}

// StaticUnroller keeps every intermediate result in
// memory.
type StaticUnroller struct{}

// Unroll applies the block with anyrnn.Map.
func (StaticUnroller) Unroll(seq anyseq.Seq, b anyrnn.Block) anyseq.Seq {
	return anyrnn.Map(seq, b)
}

// LazyUnroller evaluates the block on a lazy sequence.
//
// If Interval is 0, plain back-propagation through time
// is used.
// Otherwise, a hidden state is saved every Interval
// timesteps and the rest are recomputed during
// back-propagation, which is best when Interval is close
// to the square root of the sequence length.
type LazyUnroller struct {
	Interval int
}

// Unroll applies the block lazily.
func (l *LazyUnroller) Unroll(seq anyseq.Seq, b anyrnn.Block) anyseq.Seq {
	in := lazyseq.Lazify(seq)
	var out lazyseq.Seq
	if l.Interval <= 0 {
		out = lazyrnn.BPTT(in, b)
	} else {
		out = lazyrnn.FixedHSM(l.Interval, true, in, b)
	}
	return lazyseq.Unlazify(out)
}
