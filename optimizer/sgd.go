package optimizer

import (
	"sync"

	"github.com/reeflab/coralseg/nn"
)

// SGD implements Stochastic Gradient Descent with optional momentum,
// Nesterov acceleration, and L2 weight decay.
type SGD struct {
	parameters   []*nn.Parameter
	learningRate float64
	momentum     float64
	weightDecay  float64
	dampening    float64
	nesterov     bool
	velocities   map[*nn.Parameter][]float32
	mutex        sync.RWMutex
}

// NewSGD creates a new SGD optimizer.
func NewSGD(parameters []*nn.Parameter, lr, momentum, weightDecay, dampening float64, nesterov bool) *SGD {
	sgd := &SGD{
		parameters:   parameters,
		learningRate: lr,
		momentum:     momentum,
		weightDecay:  weightDecay,
		dampening:    dampening,
		nesterov:     nesterov,
		velocities:   make(map[*nn.Parameter][]float32),
	}

	if momentum > 0 {
		for _, param := range parameters {
			sgd.velocities[param] = make([]float32, len(param.Data.Data().([]float32)))
		}
	}

	return sgd
}

// Step performs a single optimization step.
func (sgd *SGD) Step() error {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	lr := float32(sgd.learningRate)
	wd := float32(sgd.weightDecay)
	mom := float32(sgd.momentum)
	damp := float32(sgd.dampening)

	for _, param := range sgd.parameters {
		data := param.Data.Data().([]float32)
		grad := param.Grad.Data().([]float32)

		for i := range data {
			g := grad[i]
			if wd > 0 {
				g += wd * data[i]
			}

			if mom > 0 {
				velocity := sgd.velocities[param]
				velocity[i] = mom*velocity[i] + (1-damp)*g
				if sgd.nesterov {
					g += mom * velocity[i]
				} else {
					g = velocity[i]
				}
			}

			data[i] -= lr * g
		}
	}

	return nil
}

// ZeroGrad resets gradients to zero for all parameters.
func (sgd *SGD) ZeroGrad() {
	zeroAll(sgd.parameters)
}

// GetLR returns the current learning rate.
func (sgd *SGD) GetLR() float64 {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return sgd.learningRate
}

// SetLR sets the learning rate.
func (sgd *SGD) SetLR(lr float64) {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	sgd.learningRate = lr
}
