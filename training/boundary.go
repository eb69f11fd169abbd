package training

import (
	"math"

	"gorgonia.org/tensor"

	"github.com/reeflab/coralseg/dataset"
)

// SurfaceLoss penalizes predicted probability mass by its distance to the
// ground-truth region boundary: the loss is the mean over labeled pixels and
// foreground classes of softmax(logits) multiplied by the signed distance
// map of the ground truth (negative inside the true region, positive
// outside). Probability placed deep inside the wrong region costs more than
// probability near the boundary.
func SurfaceLoss(logits, labels *tensor.Dense) (float64, *tensor.Dense, error) {
	n, k, plane, err := checkSegShapes(logits, labels)
	if err != nil {
		return 0, nil, err
	}

	shape := logits.Shape()
	h, w := shape[2], shape[3]

	probs := softmaxOverClasses(logits.Data().([]float32), n, k, plane)
	lbl := labels.Data().([]int32)
	grad := make([]float32, n*k*plane)

	// Signed distance maps per sample and foreground class.
	dist := make([][]float32, n*k)
	var validCount int
	for ni := 0; ni < n; ni++ {
		sampleLbl := lbl[ni*plane : (ni+1)*plane]
		for c := 1; c < k; c++ {
			dist[ni*k+c] = signedDistanceMap(sampleLbl, h, w, int32(c))
		}

		for _, t := range sampleLbl {
			if t != dataset.IgnoreLabel {
				validCount++
			}
		}
	}

	if validCount == 0 {
		return 0, tensor.New(tensor.WithShape(shape...), tensor.WithBacking(grad)), nil
	}

	norm := float64(validCount) * float64(k-1)

	var loss float64
	dLdp := make([]float64, k)
	for ni := 0; ni < n; ni++ {
		for p := 0; p < plane; p++ {
			if lbl[ni*plane+p] == dataset.IgnoreLabel {
				continue
			}

			dLdp[0] = 0
			for c := 1; c < k; c++ {
				d := dist[ni*k+c]
				if d == nil {
					dLdp[c] = 0
					continue
				}

				phi := float64(d[p])
				loss += float64(probs[(ni*k+c)*plane+p]) * phi / norm
				dLdp[c] = phi / norm
			}

			chainSoftmax(grad, probs, dLdp, ni, k, plane, p)
		}
	}

	return loss, tensor.New(tensor.WithShape(shape...), tensor.WithBacking(grad)), nil
}

// signedDistanceMap computes a chamfer approximation of the signed distance
// to the boundary of the region labeled class in an [H, W] label map:
// negative inside the region, positive outside, zero on the boundary rim.
// It returns nil when the class is absent from the map, in which case the
// class contributes nothing to the loss.
func signedDistanceMap(labels []int32, h, w int, class int32) []float32 {
	inside := make([]bool, h*w)
	present := false
	for i, t := range labels {
		if t == class {
			inside[i] = true
			present = true
		}
	}
	if !present {
		return nil
	}

	outDist := chamferDistance(inside, h, w)
	inDist := chamferDistance(complement(inside), h, w)

	phi := make([]float32, h*w)
	for i := range phi {
		phi[i] = outDist[i] - inDist[i]
	}
	return phi
}

func complement(mask []bool) []bool {
	out := make([]bool, len(mask))
	for i, v := range mask {
		out[i] = !v
	}
	return out
}

// chamferDistance is a two-pass chamfer transform: the distance from every
// pixel to the nearest pixel where mask is true, with unit orthogonal and
// sqrt(2) diagonal steps.
func chamferDistance(mask []bool, h, w int) []float32 {
	const diag = float32(math.Sqrt2)
	inf := float32(math.Inf(1))

	d := make([]float32, h*w)
	for i, m := range mask {
		if m {
			d[i] = 0
		} else {
			d[i] = inf
		}
	}

	relax := func(i int, j int, cost float32) {
		if v := d[j] + cost; v < d[i] {
			d[i] = v
		}
	}

	// forward pass: top-left to bottom-right
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			if x > 0 {
				relax(i, i-1, 1)
			}
			if y > 0 {
				relax(i, i-w, 1)
				if x > 0 {
					relax(i, i-w-1, diag)
				}
				if x < w-1 {
					relax(i, i-w+1, diag)
				}
			}
		}
	}

	// backward pass: bottom-right to top-left
	for y := h - 1; y >= 0; y-- {
		for x := w - 1; x >= 0; x-- {
			i := y*w + x
			if x < w-1 {
				relax(i, i+1, 1)
			}
			if y < h-1 {
				relax(i, i+w, 1)
				if x < w-1 {
					relax(i, i+w+1, diag)
				}
				if x > 0 {
					relax(i, i+w-1, diag)
				}
			}
		}
	}

	return d
}
