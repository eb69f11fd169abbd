package optimizer

import (
	"github.com/reeflab/coralseg/nn"
)

// Optimizer defines the methods that all optimizers must implement.
type Optimizer interface {
	Step() error      // Updates model parameters based on accumulated gradients
	ZeroGrad()        // Resets gradients to zero for all parameters
	GetLR() float64   // Gets current learning rate
	SetLR(lr float64) // Sets learning rate
}

// zeroAll clears the gradient buffers of every parameter.
func zeroAll(params []*nn.Parameter) {
	for _, p := range params {
		p.ZeroGrad()
	}
}
