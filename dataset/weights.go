package dataset

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// ComputeClassWeights makes one full pass over source and returns a weight
// per class, inversely proportional to that class's pixel frequency in the
// ground truth. Ignore-sentinel pixels are excluded from the counts. The
// weights are computed once from the training split before a run starts and
// shared read-only with validation afterwards.
func ComputeClassWeights(source Source, numClasses int) ([]float64, error) {
	if numClasses <= 0 {
		return nil, fmt.Errorf("number of classes must be positive, got %d", numClasses)
	}

	counts := make([]float64, numClasses)
	source.Reset()
	for {
		batch, err := source.Next()
		if err != nil {
			return nil, fmt.Errorf("class weight pass failed: %v", err)
		}
		if batch == nil {
			break
		}

		for _, label := range batch.Labels.Data().([]int32) {
			if label == IgnoreLabel {
				continue
			}
			if label < 0 || int(label) >= numClasses {
				return nil, fmt.Errorf("label %d out of range [0, %d)", label, numClasses)
			}
			counts[label]++
		}
	}

	total := floats.Sum(counts)
	if total == 0 {
		return nil, fmt.Errorf("no labeled pixels found while computing class weights")
	}

	weights := make([]float64, numClasses)
	for i, count := range counts {
		if count == 0 {
			continue // classes absent from the split keep weight 0
		}
		weights[i] = total / (float64(numClasses) * count)
	}

	return weights, nil
}

// ComputeChannelAverage makes one full pass over source and returns the
// per-channel mean pixel value, used to center images at classification
// time.
func ComputeChannelAverage(source Source) ([]float64, error) {
	var sums []float64
	var pixels float64

	source.Reset()
	for {
		batch, err := source.Next()
		if err != nil {
			return nil, fmt.Errorf("channel average pass failed: %v", err)
		}
		if batch == nil {
			break
		}

		shape := batch.Images.Shape()
		n, c, h, w := shape[0], shape[1], shape[2], shape[3]
		if sums == nil {
			sums = make([]float64, c)
		} else if len(sums) != c {
			return nil, fmt.Errorf("channel count changed between batches: %d vs %d", len(sums), c)
		}

		img := batch.Images.Data().([]float32)
		plane := h * w
		for ni := 0; ni < n; ni++ {
			for ci := 0; ci < c; ci++ {
				src := img[(ni*c+ci)*plane : (ni*c+ci+1)*plane]
				for _, v := range src {
					sums[ci] += float64(v)
				}
			}
		}
		pixels += float64(n * plane)
	}

	if pixels == 0 {
		return nil, fmt.Errorf("source produced no batches")
	}

	floats.Scale(1.0/pixels, sums)
	return sums, nil
}
