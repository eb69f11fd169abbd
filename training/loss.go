package training

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gorgonia.org/tensor"

	"github.com/reeflab/coralseg/dataset"
)

// LossPolicy selects the training objective. It is immutable configuration
// chosen once per run; DiceThenBoundary derives its mixing coefficient
// deterministically from the current epoch and stores nothing.
type LossPolicy int

const (
	CrossEntropy LossPolicy = iota
	GeneralizedDice
	Boundary
	DiceThenBoundary
)

func (p LossPolicy) String() string {
	switch p {
	case CrossEntropy:
		return "CROSSENTROPY"
	case GeneralizedDice:
		return "DICE"
	case Boundary:
		return "BOUNDARY"
	case DiceThenBoundary:
		return "DICE+BOUNDARY"
	default:
		return fmt.Sprintf("Unknown(%d)", int(p))
	}
}

// ParseLossPolicy maps a configured loss name to its policy. An unrecognized
// name is a fatal configuration error at startup, not recoverable mid-run.
func ParseLossPolicy(name string) (LossPolicy, error) {
	switch name {
	case "CROSSENTROPY":
		return CrossEntropy, nil
	case "DICE":
		return GeneralizedDice, nil
	case "BOUNDARY":
		return Boundary, nil
	case "DICE+BOUNDARY":
		return DiceThenBoundary, nil
	default:
		return 0, fmt.Errorf("unrecognized loss policy %q", name)
	}
}

// LossScheduler blends the configured loss functions with a deterministic,
// epoch-dependent mixing coefficient. Compute returns the scalar loss and
// its gradient with respect to the logits.
type LossScheduler struct {
	policy       LossPolicy
	switchEpoch  int
	classWeights []float64
	gdlWeights   []float64 // background excluded, squared, renormalized
	numClasses   int
}

// NewLossScheduler builds a scheduler from the full class-weight vector.
// The generalized Dice weights are derived once: the background class
// (index 0) is dropped, each remaining weight w becomes 1/(1/w)^2 = w^2,
// the vector is renormalized to sum to 1, and a small epsilon (1e-5) is
// added so no class weight is exactly zero.
func NewLossScheduler(policy LossPolicy, switchEpoch int, classWeights []float64) (*LossScheduler, error) {
	numClasses := len(classWeights)
	if numClasses < 2 {
		return nil, fmt.Errorf("need at least 2 classes, got %d", numClasses)
	}

	gdl := make([]float64, numClasses-1)
	for i := range gdl {
		w := classWeights[i+1]
		gdl[i] = w * w
	}

	sum := floats.Sum(gdl)
	if sum == 0 {
		return nil, fmt.Errorf("generalized dice weights are all zero")
	}
	floats.Scale(1.0/sum, gdl)
	for i := range gdl {
		gdl[i] += 1e-5
	}

	return &LossScheduler{
		policy:       policy,
		switchEpoch:  switchEpoch,
		classWeights: classWeights,
		gdlWeights:   gdl,
		numClasses:   numClasses,
	}, nil
}

// Policy returns the configured loss policy.
func (s *LossScheduler) Policy() LossPolicy {
	return s.policy
}

// MixCoefficient returns the Dice share alpha for the given epoch under the
// DiceThenBoundary policy: 1 before the switch epoch, then a linear decay to
// 0 over the 10 following epochs.
func (s *LossScheduler) MixCoefficient(epoch int) float64 {
	if epoch < s.switchEpoch {
		return 1.0
	}

	alpha := 1.0 - float64(epoch-s.switchEpoch)/10.0
	if alpha < 0 {
		alpha = 0
	}
	return alpha
}

// Compute evaluates the scheduled loss for the current epoch.
func (s *LossScheduler) Compute(epoch int, logits, labels *tensor.Dense) (float64, *tensor.Dense, error) {
	switch s.policy {
	case CrossEntropy:
		return WeightedCrossEntropy(logits, labels, s.classWeights)
	case GeneralizedDice:
		return GeneralizedDiceLoss(logits, labels, s.gdlWeights)
	case Boundary:
		return SurfaceLoss(logits, labels)
	case DiceThenBoundary:
		alpha := s.MixCoefficient(epoch)

		// alpha is exactly 1 up to and including the switch epoch: the loss
		// is pure generalized Dice and the boundary term is not evaluated.
		if alpha == 1.0 {
			return GeneralizedDiceLoss(logits, labels, s.gdlWeights)
		}

		bLoss, bGrad, err := SurfaceLoss(logits, labels)
		if err != nil {
			return 0, nil, err
		}

		// Past the decay window the loss is exactly 0.3 * boundary. The
		// fixed 0.3 down-weights the boundary term relative to Dice.
		if alpha == 0 {
			scaleGrad(bGrad, 0.3)
			return 0.3 * bLoss, bGrad, nil
		}

		dLoss, dGrad, err := GeneralizedDiceLoss(logits, labels, s.gdlWeights)
		if err != nil {
			return 0, nil, err
		}

		loss := alpha*dLoss + (1.0-alpha)*0.3*bLoss
		blendGrads(dGrad, bGrad, alpha, (1.0-alpha)*0.3)
		return loss, dGrad, nil
	default:
		return 0, nil, fmt.Errorf("unrecognized loss policy %d", s.policy)
	}
}

// WeightedCrossEntropy computes per-pixel weighted cross-entropy over
// [N, K, H, W] logits and [N, H, W] labels, skipping ignore-sentinel pixels.
// The loss is the weight-normalized mean of per-pixel negative log
// likelihoods; the returned gradient is with respect to the logits.
func WeightedCrossEntropy(logits, labels *tensor.Dense, weights []float64) (float64, *tensor.Dense, error) {
	n, k, plane, err := checkSegShapes(logits, labels)
	if err != nil {
		return 0, nil, err
	}
	if len(weights) != k {
		return 0, nil, fmt.Errorf("class weight length %d does not match %d classes", len(weights), k)
	}

	probs := softmaxOverClasses(logits.Data().([]float32), n, k, plane)
	lbl := labels.Data().([]int32)
	grad := make([]float32, n*k*plane)

	var loss, weightSum float64
	for ni := 0; ni < n; ni++ {
		for p := 0; p < plane; p++ {
			t := lbl[ni*plane+p]
			if t == dataset.IgnoreLabel {
				continue
			}
			if t < 0 || int(t) >= k {
				return 0, nil, fmt.Errorf("label %d out of range [0, %d)", t, k)
			}

			w := weights[t]
			pt := float64(probs[(ni*k+int(t))*plane+p])
			if pt < 1e-10 {
				pt = 1e-10
			}

			loss += w * -math.Log(pt)
			weightSum += w
		}
	}

	if weightSum == 0 {
		// every pixel ignored: the batch contributes nothing
		shape := logits.Shape()
		return 0, tensor.New(tensor.WithShape(shape...), tensor.WithBacking(grad)), nil
	}

	loss /= weightSum

	for ni := 0; ni < n; ni++ {
		for p := 0; p < plane; p++ {
			t := lbl[ni*plane+p]
			if t == dataset.IgnoreLabel {
				continue
			}

			w := float32(weights[t] / weightSum)
			for ki := 0; ki < k; ki++ {
				idx := (ni*k+ki)*plane + p
				g := probs[idx]
				if int32(ki) == t {
					g -= 1.0
				}
				grad[idx] = w * g
			}
		}
	}

	shape := logits.Shape()
	return loss, tensor.New(tensor.WithShape(shape...), tensor.WithBacking(grad)), nil
}

// GeneralizedDiceLoss computes the generalized Dice loss over the foreground
// classes (the weight vector starts at class 1; the background class takes
// no part in either sum). Ignore-sentinel pixels are excluded.
func GeneralizedDiceLoss(logits, labels *tensor.Dense, gdlWeights []float64) (float64, *tensor.Dense, error) {
	n, k, plane, err := checkSegShapes(logits, labels)
	if err != nil {
		return 0, nil, err
	}
	if len(gdlWeights) != k-1 {
		return 0, nil, fmt.Errorf("generalized dice weight length %d does not match %d foreground classes", len(gdlWeights), k-1)
	}

	data := logits.Data().([]float32)
	probs := softmaxOverClasses(data, n, k, plane)
	lbl := labels.Data().([]int32)

	// numerator = sum_c w_c * intersection_c, denominator = sum_c w_c * (|p_c| + |g_c|)
	var numer, denom float64
	for ni := 0; ni < n; ni++ {
		for p := 0; p < plane; p++ {
			t := lbl[ni*plane+p]
			if t == dataset.IgnoreLabel {
				continue
			}

			for c := 1; c < k; c++ {
				w := gdlWeights[c-1]
				pc := float64(probs[(ni*k+c)*plane+p])
				gc := 0.0
				if int32(c) == t {
					gc = 1.0
				}
				numer += w * pc * gc
				denom += w * (pc + gc)
			}
		}
	}

	grad := make([]float32, n*k*plane)
	shape := logits.Shape()
	if denom == 0 {
		return 0, tensor.New(tensor.WithShape(shape...), tensor.WithBacking(grad)), nil
	}

	loss := 1.0 - 2.0*numer/denom

	// dL/dp_c = -2 * w_c * (g_c * denom - numer) / denom^2 for foreground c,
	// then chained through the softmax.
	denomSq := denom * denom
	dLdp := make([]float64, k)
	for ni := 0; ni < n; ni++ {
		for p := 0; p < plane; p++ {
			t := lbl[ni*plane+p]
			if t == dataset.IgnoreLabel {
				continue
			}

			dLdp[0] = 0
			for c := 1; c < k; c++ {
				gc := 0.0
				if int32(c) == t {
					gc = 1.0
				}
				dLdp[c] = -2.0 * gdlWeights[c-1] * (gc*denom - numer) / denomSq
			}

			chainSoftmax(grad, probs, dLdp, ni, k, plane, p)
		}
	}

	return loss, tensor.New(tensor.WithShape(shape...), tensor.WithBacking(grad)), nil
}

// checkSegShapes validates [N, K, H, W] logits against [N, H, W] labels and
// returns (n, k, h*w).
func checkSegShapes(logits, labels *tensor.Dense) (int, int, int, error) {
	ls := logits.Shape()
	if len(ls) != 4 {
		return 0, 0, 0, fmt.Errorf("expected 4D logits [N, K, H, W], got shape %v", ls)
	}

	ts := labels.Shape()
	if len(ts) != 3 {
		return 0, 0, 0, fmt.Errorf("expected 3D labels [N, H, W], got shape %v", ts)
	}

	if ls[0] != ts[0] || ls[2] != ts[1] || ls[3] != ts[2] {
		return 0, 0, 0, fmt.Errorf("logit shape %v does not match label shape %v", ls, ts)
	}

	return ls[0], ls[1], ls[2] * ls[3], nil
}

// softmaxOverClasses applies a numerically stable softmax along the class
// dimension of [N, K, H*W] data.
func softmaxOverClasses(data []float32, n, k, plane int) []float32 {
	probs := make([]float32, len(data))

	for ni := 0; ni < n; ni++ {
		for p := 0; p < plane; p++ {
			maxVal := data[(ni*k)*plane+p]
			for ki := 1; ki < k; ki++ {
				if v := data[(ni*k+ki)*plane+p]; v > maxVal {
					maxVal = v
				}
			}

			var sum float32
			for ki := 0; ki < k; ki++ {
				idx := (ni*k+ki)*plane + p
				e := float32(math.Exp(float64(data[idx] - maxVal)))
				probs[idx] = e
				sum += e
			}

			for ki := 0; ki < k; ki++ {
				probs[(ni*k+ki)*plane+p] /= sum
			}
		}
	}

	return probs
}

// chainSoftmax accumulates dL/dz = p * (dL/dp - sum_c dL/dp_c * p_c) into
// grad for one pixel.
func chainSoftmax(grad, probs []float32, dLdp []float64, ni, k, plane, p int) {
	var dot float64
	for c := 0; c < k; c++ {
		dot += dLdp[c] * float64(probs[(ni*k+c)*plane+p])
	}

	for c := 0; c < k; c++ {
		idx := (ni*k+c)*plane + p
		grad[idx] += float32(float64(probs[idx]) * (dLdp[c] - dot))
	}
}

// scaleGrad multiplies every gradient element by factor in place.
func scaleGrad(grad *tensor.Dense, factor float64) {
	data := grad.Data().([]float32)
	f := float32(factor)
	for i := range data {
		data[i] *= f
	}
}

// blendGrads overwrites a with wa*a + wb*b.
func blendGrads(a, b *tensor.Dense, wa, wb float64) {
	ad := a.Data().([]float32)
	bd := b.Data().([]float32)
	fa, fb := float32(wa), float32(wb)
	for i := range ad {
		ad[i] = fa*ad[i] + fb*bd[i]
	}
}
