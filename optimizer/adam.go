package optimizer

import (
	"math"
	"sync"

	"github.com/reeflab/coralseg/nn"
)

// Adam implements the Adam optimizer with L2 weight decay. It is the
// optimizer the reference coral experiments were run with.
type Adam struct {
	parameters  []*nn.Parameter
	lr          float64
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64
	step        int64
	m           map[*nn.Parameter][]float32 // First moment estimates
	v           map[*nn.Parameter][]float32 // Second moment estimates
	mutex       sync.RWMutex
}

// NewAdam creates a new Adam optimizer.
func NewAdam(parameters []*nn.Parameter, lr, beta1, beta2, eps, weightDecay float64) *Adam {
	adam := &Adam{
		parameters:  parameters,
		lr:          lr,
		beta1:       beta1,
		beta2:       beta2,
		eps:         eps,
		weightDecay: weightDecay,
		m:           make(map[*nn.Parameter][]float32),
		v:           make(map[*nn.Parameter][]float32),
	}

	for _, param := range parameters {
		n := len(param.Data.Data().([]float32))
		adam.m[param] = make([]float32, n)
		adam.v[param] = make([]float32, n)
	}

	return adam
}

// Step performs a single optimization step.
func (adam *Adam) Step() error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	adam.step++

	// Bias correction factors
	bias1 := 1.0 - math.Pow(adam.beta1, float64(adam.step))
	bias2 := 1.0 - math.Pow(adam.beta2, float64(adam.step))

	for _, param := range adam.parameters {
		data := param.Data.Data().([]float32)
		grad := param.Grad.Data().([]float32)
		m := adam.m[param]
		v := adam.v[param]

		for i := range data {
			g := float64(grad[i])
			if adam.weightDecay > 0 {
				g += adam.weightDecay * float64(data[i])
			}

			m[i] = float32(adam.beta1*float64(m[i]) + (1.0-adam.beta1)*g)
			v[i] = float32(adam.beta2*float64(v[i]) + (1.0-adam.beta2)*g*g)

			mHat := float64(m[i]) / bias1
			vHat := float64(v[i]) / bias2

			data[i] -= float32(adam.lr * mHat / (math.Sqrt(vHat) + adam.eps))
		}
	}

	return nil
}

// ZeroGrad resets gradients to zero for all parameters.
func (adam *Adam) ZeroGrad() {
	zeroAll(adam.parameters)
}

// GetLR returns the current learning rate.
func (adam *Adam) GetLR() float64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.lr
}

// SetLR sets the learning rate.
func (adam *Adam) SetLR(lr float64) {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	adam.lr = lr
}

// GetStepCount returns the number of optimization steps applied so far.
func (adam *Adam) GetStepCount() int64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.step
}
