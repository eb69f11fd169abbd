package nn

import (
	"fmt"

	"gorgonia.org/tensor"
)

// Parameter is a named trainable tensor with its accumulated gradient.
// Gradients are summed across Backward calls until ZeroGrad, which is what
// makes gradient accumulation over several mini-batches possible.
type Parameter struct {
	Name string
	Data *tensor.Dense // Float32
	Grad *tensor.Dense // Float32, same shape as Data
}

// NewParameter creates a parameter from a backing slice. The gradient buffer
// starts zeroed.
func NewParameter(name string, shape []int, backing []float32) (*Parameter, error) {
	n := 1
	for _, dim := range shape {
		n *= dim
	}
	if len(backing) != n {
		return nil, fmt.Errorf("parameter %s: backing length %d does not match shape %v", name, len(backing), shape)
	}

	data := tensor.New(tensor.WithShape(shape...), tensor.WithBacking(backing))
	grad := tensor.New(tensor.WithShape(shape...), tensor.WithBacking(make([]float32, n)))

	return &Parameter{Name: name, Data: data, Grad: grad}, nil
}

// ZeroGrad resets the accumulated gradient to zero.
func (p *Parameter) ZeroGrad() {
	grad := p.Grad.Data().([]float32)
	for i := range grad {
		grad[i] = 0
	}
}

// Network is the opaque differentiable function trained by the loop.
// Forward maps an image batch [N, C, H, W] (Float32) to per-pixel class
// logits [N, K, H, W]. Backward takes the loss gradient with respect to
// those logits and accumulates parameter gradients.
type Network interface {
	Forward(images *tensor.Dense) (*tensor.Dense, error)
	Backward(gradLogits *tensor.Dense) error
	Parameters() []*Parameter
	NumClasses() int

	// Train and Eval switch the network mode. Evaluation must run in Eval
	// mode so no gradient state is touched.
	Train()
	Eval()
}
