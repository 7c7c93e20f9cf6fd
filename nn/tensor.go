// Package nn holds the small amount of neural network machinery the trainer
// needs: a dense row-major matrix type backed by gonum, a linear layer with
// an explicit backward pass, cross entropy loss and SGD.
package nn

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Tensor is a row-major matrix. Rows is the batch dimension.
type Tensor struct {
	Rows, Cols int
	Data       []float64
}

func NewTensor(rows, cols int) *Tensor {
	return &Tensor{Rows: rows, Cols: cols, Data: make([]float64, rows*cols)}
}

// FromRows copies equally sized rows into a new tensor.
func FromRows(rows [][]float64) (*Tensor, error) {
	if len(rows) == 0 {
		return NewTensor(0, 0), nil
	}
	t := NewTensor(len(rows), len(rows[0]))
	for i, row := range rows {
		if len(row) != t.Cols {
			return nil, errors.Errorf("row %d has %d columns, expected %d", i, len(row), t.Cols)
		}
		copy(t.Row(i), row)
	}
	return t, nil
}

func (t *Tensor) Row(i int) []float64 {
	return t.Data[i*t.Cols : (i+1)*t.Cols]
}

func (t *Tensor) At(i, j int) float64 {
	return t.Data[i*t.Cols+j]
}

// Dense views t as a gonum matrix sharing its storage. t must not be empty.
func (t *Tensor) Dense() *mat.Dense {
	return mat.NewDense(t.Rows, t.Cols, t.Data)
}

// Argmax returns the index of the largest value in each row, the first one
// on ties.
func (t *Tensor) Argmax() []int {
	out := make([]int, t.Rows)
	if t.Cols == 0 {
		return out
	}
	for i := range out {
		out[i] = floats.MaxIdx(t.Row(i))
	}
	return out
}

// Parameter is a trainable tensor and its accumulated gradient.
type Parameter struct {
	Name string
	Data []float64
	Grad []float64
}

func NewParameter(name string, size int) *Parameter {
	return &Parameter{
		Name: name,
		Data: make([]float64, size),
		Grad: make([]float64, size),
	}
}

// Module is a differentiable layer. Backward must follow the Forward whose
// input it differentiates and accumulates into the parameter gradients.
type Module interface {
	Forward(x *Tensor) (*Tensor, error)
	Backward(dy *Tensor) (*Tensor, error)
	Parameters() []*Parameter
}

// ZeroGrad clears the gradients of params.
func ZeroGrad(params []*Parameter) {
	for _, p := range params {
		clear(p.Grad)
	}
}

// NumParameters counts the scalar values in params.
func NumParameters(params []*Parameter) int {
	n := 0
	for _, p := range params {
		n += len(p.Data)
	}
	return n
}
