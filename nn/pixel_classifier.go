package nn

import (
	"fmt"
	"math"
	"math/rand"

	"gorgonia.org/tensor"
)

// PixelClassifier is a per-pixel linear classifier (a 1x1 convolution over
// the channel dimension). It is the smallest useful Network implementation:
// enough to exercise the full training and evaluation machinery without the
// cost of a real encoder-decoder backbone.
type PixelClassifier struct {
	weight *Parameter // [K, C]
	bias   *Parameter // [K]

	numChannels int
	numClasses  int
	training    bool

	// last forward input, kept for the backward pass
	lastInput *tensor.Dense
}

// NewPixelClassifier creates a classifier for images with numChannels input
// channels and numClasses output classes. Weights are initialized with a
// seeded Xavier-style scheme so runs are reproducible.
func NewPixelClassifier(numChannels, numClasses int, seed int64) (*PixelClassifier, error) {
	if numChannels <= 0 || numClasses <= 0 {
		return nil, fmt.Errorf("invalid classifier dimensions: %d channels, %d classes", numChannels, numClasses)
	}

	rng := rand.New(rand.NewSource(seed))
	scale := float32(math.Sqrt(2.0 / float64(numChannels)))

	wBacking := make([]float32, numClasses*numChannels)
	for i := range wBacking {
		wBacking[i] = float32(rng.NormFloat64()) * scale
	}

	weight, err := NewParameter("classifier.weight", []int{numClasses, numChannels}, wBacking)
	if err != nil {
		return nil, err
	}

	bias, err := NewParameter("classifier.bias", []int{numClasses}, make([]float32, numClasses))
	if err != nil {
		return nil, err
	}

	return &PixelClassifier{
		weight:      weight,
		bias:        bias,
		numChannels: numChannels,
		numClasses:  numClasses,
		training:    true,
	}, nil
}

// Forward computes logits[n,k,h,w] = bias[k] + sum_c weight[k,c] * images[n,c,h,w].
func (pc *PixelClassifier) Forward(images *tensor.Dense) (*tensor.Dense, error) {
	shape := images.Shape()
	if len(shape) != 4 {
		return nil, fmt.Errorf("expected 4D image batch [N, C, H, W], got shape %v", shape)
	}

	n, c, h, w := shape[0], shape[1], shape[2], shape[3]
	if c != pc.numChannels {
		return nil, fmt.Errorf("channel mismatch: classifier expects %d, batch has %d", pc.numChannels, c)
	}

	img := images.Data().([]float32)
	wData := pc.weight.Data.Data().([]float32)
	bData := pc.bias.Data.Data().([]float32)

	k := pc.numClasses
	out := make([]float32, n*k*h*w)
	plane := h * w

	for ni := 0; ni < n; ni++ {
		for ki := 0; ki < k; ki++ {
			dst := out[(ni*k+ki)*plane : (ni*k+ki+1)*plane]
			for p := range dst {
				dst[p] = bData[ki]
			}
			for ci := 0; ci < c; ci++ {
				src := img[(ni*c+ci)*plane : (ni*c+ci+1)*plane]
				wkc := wData[ki*c+ci]
				for p, v := range src {
					dst[p] += wkc * v
				}
			}
		}
	}

	if pc.training {
		pc.lastInput = images
	}

	return tensor.New(tensor.WithShape(n, k, h, w), tensor.WithBacking(out)), nil
}

// Backward accumulates parameter gradients from the loss gradient with
// respect to the logits produced by the previous Forward call.
func (pc *PixelClassifier) Backward(gradLogits *tensor.Dense) error {
	if pc.lastInput == nil {
		return fmt.Errorf("backward called before forward in training mode")
	}

	shape := gradLogits.Shape()
	if len(shape) != 4 || shape[1] != pc.numClasses {
		return fmt.Errorf("expected logit gradient [N, %d, H, W], got shape %v", pc.numClasses, shape)
	}

	n, k, h, w := shape[0], shape[1], shape[2], shape[3]
	inShape := pc.lastInput.Shape()
	if inShape[0] != n || inShape[2] != h || inShape[3] != w {
		return fmt.Errorf("logit gradient shape %v does not match cached input shape %v", shape, inShape)
	}

	c := pc.numChannels
	img := pc.lastInput.Data().([]float32)
	grad := gradLogits.Data().([]float32)
	wGrad := pc.weight.Grad.Data().([]float32)
	bGrad := pc.bias.Grad.Data().([]float32)
	plane := h * w

	for ni := 0; ni < n; ni++ {
		for ki := 0; ki < k; ki++ {
			g := grad[(ni*k+ki)*plane : (ni*k+ki+1)*plane]
			var gSum float32
			for _, v := range g {
				gSum += v
			}
			bGrad[ki] += gSum

			for ci := 0; ci < c; ci++ {
				src := img[(ni*c+ci)*plane : (ni*c+ci+1)*plane]
				var acc float32
				for p, v := range g {
					acc += v * src[p]
				}
				wGrad[ki*c+ci] += acc
			}
		}
	}

	return nil
}

// Parameters returns the trainable parameters in a stable order.
func (pc *PixelClassifier) Parameters() []*Parameter {
	return []*Parameter{pc.weight, pc.bias}
}

// NumClasses returns the number of output classes.
func (pc *PixelClassifier) NumClasses() int {
	return pc.numClasses
}

// Train puts the network in training mode.
func (pc *PixelClassifier) Train() {
	pc.training = true
}

// Eval puts the network in evaluation mode; Forward stops caching inputs.
func (pc *PixelClassifier) Eval() {
	pc.training = false
	pc.lastInput = nil
}
