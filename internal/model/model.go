package model

import (
	"context"
	"errors"

	"segforge/internal/tensor"
)

// ErrQuantizedTraining is returned when a gradient pass is requested on a
// converted model. Integer weights cannot take optimizer updates.
var ErrQuantizedTraining = errors.New("model: quantized model does not support training")

// Batch represents a minibatch of images and aligned masks.
type Batch struct {
	Keys   []string
	Images *tensor.Tensor
	Masks  *tensor.Labels
}

// Size returns the number of samples in the batch.
func (b Batch) Size() int {
	if b.Images == nil {
		return 0
	}
	return b.Images.N
}

// Output is a class-score map and, with auxiliary supervision, a second map
// predicted from intermediate features.
type Output struct {
	Main *tensor.Tensor
	Aux  *tensor.Tensor
}

// Parameter is a named trainable array and its gradient accumulator.
type Parameter struct {
	Name  string
	Shape []int
	Data  []float32
	Grad  []float32
}

func newParameter(name string, shape ...int) *Parameter {
	size := 1
	for _, d := range shape {
		size *= d
	}
	return &Parameter{Name: name, Shape: shape, Data: make([]float32, size), Grad: make([]float32, size)}
}

// Network defines the training functionality the loop needs.
type Network interface {
	Forward(ctx context.Context, x *tensor.Tensor, train bool) (Output, error)
	// Backward accumulates parameter gradients for the most recent training
	// forward pass. grads.Aux may be nil.
	Backward(ctx context.Context, grads Output) error
	ZeroGrad()
	Parameters() []*Parameter
}
