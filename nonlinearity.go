package edgeml

import (
	"github.com/sirupsen/logrus"
	"github.com/unixpickle/anydiff"
)

// A Nonlinearity names an elementwise activation function.
//
// Nonlinearity implements anynet.Layer, so it may be used
// directly inside an anynet.Net.
type Nonlinearity string

// Supported nonlinearities.
//
// QuantTanh and QuantSigm are piecewise-linear surrogates
// for tanh and sigmoid which are cheap to evaluate in
// fixed-point arithmetic:
//
//     quantTanh(x) = clip(x, -1, 1)
//     quantSigm(x) = clip((x+1)/2, 0, 1)
const (
	Tanh      Nonlinearity = "tanh"
	Sigmoid   Nonlinearity = "sigmoid"
	ReLU      Nonlinearity = "relu"
	QuantTanh Nonlinearity = "quantTanh"
	QuantSigm Nonlinearity = "quantSigm"
)

// Known reports whether n is one of the supported
// nonlinearities.
func (n Nonlinearity) Known() bool {
	switch n {
	case Tanh, Sigmoid, ReLU, QuantTanh, QuantSigm:
		return true
	}
	return false
}

// Apply applies the nonlinearity elementwise.
// The batch size is ignored.
//
// Unknown names behave like Tanh.
func (n Nonlinearity) Apply(in anydiff.Res, batch int) anydiff.Res {
	switch n {
	case Sigmoid:
		return anydiff.Sigmoid(in)
	case ReLU:
		return anydiff.ClipPos(in)
	case QuantTanh:
		return quantTanh(in)
	case QuantSigm:
		return quantSigm(in)
	default:
		return anydiff.Tanh(in)
	}
}

// resolveNonlinearity warns about unknown names and
// returns the nonlinearity that will actually be used.
func resolveNonlinearity(cell CellType, field string, n Nonlinearity) Nonlinearity {
	if n.Known() {
		return n
	}
	logrus.WithFields(logrus.Fields{
		"cell":         cell,
		"field":        field,
		"nonlinearity": string(n),
	}).Warn("unrecognized nonlinearity; falling back to tanh")
	return Tanh
}

func quantTanh(in anydiff.Res) anydiff.Res {
	c := in.Output().Creator()
	return anydiff.Pool(in, func(in anydiff.Res) anydiff.Res {
		// relu(x+1) - 1 - relu(x-1)
		low := anydiff.AddScalar(anydiff.ClipPos(anydiff.AddScalar(in, c.MakeNumeric(1))),
			c.MakeNumeric(-1))
		high := anydiff.ClipPos(anydiff.AddScalar(in, c.MakeNumeric(-1)))
		return anydiff.Sub(low, high)
	})
}

func quantSigm(in anydiff.Res) anydiff.Res {
	c := in.Output().Creator()
	shifted := anydiff.Scale(anydiff.AddScalar(in, c.MakeNumeric(1)), c.MakeNumeric(0.5))
	return anydiff.Pool(shifted, func(y anydiff.Res) anydiff.Res {
		// relu(y) - relu(y-1)
		return anydiff.Sub(
			anydiff.ClipPos(y),
			anydiff.ClipPos(anydiff.AddScalar(y, c.MakeNumeric(-1))),
		)
	})
}
