package nn

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Linear computes y = x W^T + b.
type Linear struct {
	In, Out int
	Weight  *Parameter // Out x In
	Bias    *Parameter // Out

	input *Tensor
}

// NewLinear initializes weights and bias from U(-1/sqrt(in), 1/sqrt(in)).
func NewLinear(in, out int, rng *rand.Rand) *Linear {
	l := &Linear{
		In:     in,
		Out:    out,
		Weight: NewParameter("weight", out*in),
		Bias:   NewParameter("bias", out),
	}
	bound := 1 / math.Sqrt(float64(in))
	for i := range l.Weight.Data {
		l.Weight.Data[i] = (2*rng.Float64() - 1) * bound
	}
	for i := range l.Bias.Data {
		l.Bias.Data[i] = (2*rng.Float64() - 1) * bound
	}
	return l
}

func (l *Linear) weight() *mat.Dense {
	return mat.NewDense(l.Out, l.In, l.Weight.Data)
}

func (l *Linear) Forward(x *Tensor) (*Tensor, error) {
	if x.Cols != l.In {
		return nil, errors.Errorf("linear: input has %d features, expected %d", x.Cols, l.In)
	}
	l.input = x
	y := NewTensor(x.Rows, l.Out)
	if x.Rows == 0 {
		return y, nil
	}
	y.Dense().Mul(x.Dense(), l.weight().T())
	for i := 0; i < y.Rows; i++ {
		floats.Add(y.Row(i), l.Bias.Data)
	}
	return y, nil
}

// Backward accumulates dW = dy^T x and db = sum(dy) and returns dx = dy W.
func (l *Linear) Backward(dy *Tensor) (*Tensor, error) {
	x := l.input
	if x == nil {
		return nil, errors.New("linear: Backward called before Forward")
	}
	if dy.Rows != x.Rows || dy.Cols != l.Out {
		return nil, errors.Errorf("linear: gradient is %dx%d, expected %dx%d", dy.Rows, dy.Cols, x.Rows, l.Out)
	}
	dx := NewTensor(x.Rows, l.In)
	if x.Rows == 0 {
		return dx, nil
	}
	g := dy.Dense()

	var dw mat.Dense
	dw.Mul(g.T(), x.Dense())
	grad := mat.NewDense(l.Out, l.In, l.Weight.Grad)
	grad.Add(grad, &dw)
	for i := 0; i < dy.Rows; i++ {
		floats.Add(l.Bias.Grad, dy.Row(i))
	}

	dx.Dense().Mul(g, l.weight())
	return dx, nil
}

func (l *Linear) Parameters() []*Parameter {
	return []*Parameter{l.Weight, l.Bias}
}

// Flatten reshapes each sample to a single row. Samples already arrive as
// rows, so it only validates the feature count.
type Flatten struct {
	Features int
}

func (f Flatten) Forward(x *Tensor) (*Tensor, error) {
	if x.Cols != f.Features {
		return nil, errors.Errorf("flatten: input has %d features, expected %d", x.Cols, f.Features)
	}
	return x, nil
}

func (f Flatten) Backward(dy *Tensor) (*Tensor, error) { return dy, nil }

func (f Flatten) Parameters() []*Parameter { return nil }

// Sequential chains modules.
type Sequential []Module

func (s Sequential) Forward(x *Tensor) (*Tensor, error) {
	var err error
	for _, m := range s {
		if x, err = m.Forward(x); err != nil {
			return nil, err
		}
	}
	return x, nil
}

func (s Sequential) Backward(dy *Tensor) (*Tensor, error) {
	var err error
	for i := len(s) - 1; i >= 0; i-- {
		if dy, err = s[i].Backward(dy); err != nil {
			return nil, err
		}
	}
	return dy, nil
}

func (s Sequential) Parameters() []*Parameter {
	var params []*Parameter
	for _, m := range s {
		params = append(params, m.Parameters()...)
	}
	return params
}

// MNIST geometry.
const (
	ImageSize  = 28 * 28
	NumClasses = 10
)

// NewSimpleModel is a single linear layer over flattened 28x28 images.
func NewSimpleModel(rng *rand.Rand) Sequential {
	fc := NewLinear(ImageSize, NumClasses, rng)
	fc.Weight.Name, fc.Bias.Name = "fc.weight", "fc.bias"
	return Sequential{Flatten{Features: ImageSize}, fc}
}
