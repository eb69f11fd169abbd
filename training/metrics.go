package training

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/reeflab/coralseg/dataset"
)

// ErrEmptySplit reports that a dataset split yielded no batches (or no
// countable pixels). It is fatal for the evaluation call that hit it and
// must never be folded into zeroed metrics.
var ErrEmptySplit = errors.New("evaluation split is empty")

// Metrics is the aggregate result of one full evaluation pass. It is created
// fresh per pass and never mutated after Finalize returns it.
type Metrics struct {
	ConfusionMatrix [][]int64   // [true class][predicted class], pixel counts
	Normalized      [][]float64 // each row divided by its row sum
	Accuracy        float64     // trace / total, in [0, 1]
	JaccardScore    float64     // support-weighted multi-class IoU, in [0, 1]
}

// MetricAccumulator folds per-batch predictions into a running confusion
// matrix. Accumulation is order-independent: batches contribute only
// additive pixel counts. Unless skipJaccard is set, the flattened true and
// predicted labels of the whole split are buffered so the weighted Jaccard
// score can be computed once over the complete split; training-split
// evaluations set skipJaccard for throughput, in which case JaccardScore
// finalizes to 0.
type MetricAccumulator struct {
	numClasses  int
	matrix      [][]int64
	totalPixels int64
	batches     int

	skipJaccard bool
	yTrue       []int32
	yPred       []int32
}

// NewMetricAccumulator creates an accumulator for numClasses classes.
func NewMetricAccumulator(numClasses int, skipJaccard bool) *MetricAccumulator {
	matrix := make([][]int64, numClasses)
	for i := range matrix {
		matrix[i] = make([]int64, numClasses)
	}

	return &MetricAccumulator{
		numClasses:  numClasses,
		matrix:      matrix,
		skipJaccard: skipJaccard,
	}
}

// Accumulate adds one batch of per-pixel outcomes. Pixels whose true label
// is the ignore sentinel are never counted, in any row or column.
func (a *MetricAccumulator) Accumulate(trueLabels, predLabels []int32) error {
	if len(trueLabels) != len(predLabels) {
		return fmt.Errorf("label length mismatch: %d true, %d predicted", len(trueLabels), len(predLabels))
	}

	for i, tl := range trueLabels {
		if tl == dataset.IgnoreLabel {
			continue
		}

		pl := predLabels[i]
		if tl < 0 || int(tl) >= a.numClasses {
			return fmt.Errorf("true label %d out of range [0, %d)", tl, a.numClasses)
		}
		if pl < 0 || int(pl) >= a.numClasses {
			return fmt.Errorf("predicted label %d out of range [0, %d)", pl, a.numClasses)
		}

		a.matrix[tl][pl]++
		a.totalPixels++

		if !a.skipJaccard {
			a.yTrue = append(a.yTrue, tl)
			a.yPred = append(a.yPred, pl)
		}
	}

	a.batches++
	return nil
}

// Batches returns the number of Accumulate calls so far.
func (a *MetricAccumulator) Batches() int {
	return a.batches
}

// TotalPixels returns the number of counted (non-ignored) pixels so far.
func (a *MetricAccumulator) TotalPixels() int64 {
	return a.totalPixels
}

// Finalize derives the aggregate metrics for the split. It fails with
// ErrEmptySplit when nothing was accumulated, rather than reporting 0/0
// accuracy.
func (a *MetricAccumulator) Finalize() (*Metrics, error) {
	if a.batches == 0 || a.totalPixels == 0 {
		return nil, fmt.Errorf("%w: no pixels accumulated", ErrEmptySplit)
	}

	matrix := make([][]int64, a.numClasses)
	var trace int64
	for i := range matrix {
		matrix[i] = append([]int64(nil), a.matrix[i]...)
		trace += a.matrix[i][i]
	}

	metrics := &Metrics{
		ConfusionMatrix: matrix,
		Normalized:      NormalizeConfusionMatrix(matrix),
		Accuracy:        float64(trace) / float64(a.totalPixels),
	}

	if !a.skipJaccard {
		metrics.JaccardScore = weightedJaccard(a.yTrue, a.yPred, a.numClasses)
	}

	return metrics, nil
}

// NormalizeConfusionMatrix divides each row by its row sum. Rows with zero
// ground-truth support normalize to NaN rather than failing.
func NormalizeConfusionMatrix(matrix [][]int64) [][]float64 {
	normalized := make([][]float64, len(matrix))
	for i, row := range matrix {
		var rowSum int64
		for _, v := range row {
			rowSum += v
		}

		normalized[i] = make([]float64, len(row))
		for j, v := range row {
			if rowSum == 0 {
				normalized[i][j] = math.NaN()
			} else {
				normalized[i][j] = float64(v) / float64(rowSum)
			}
		}
	}

	return normalized
}

// weightedJaccard computes the per-class intersection-over-union averaged
// with per-class ground-truth supports as weights. It operates on the
// flattened labels of the whole split, not incrementally on the confusion
// matrix, so per-class supports are exact.
func weightedJaccard(yTrue, yPred []int32, numClasses int) float64 {
	tp := make([]float64, numClasses)
	fp := make([]float64, numClasses)
	fn := make([]float64, numClasses)
	support := make([]float64, numClasses)

	for i, tl := range yTrue {
		pl := yPred[i]
		support[tl]++
		if tl == pl {
			tp[tl]++
		} else {
			fn[tl]++
			fp[pl]++
		}
	}

	ious := make([]float64, numClasses)
	for c := 0; c < numClasses; c++ {
		union := tp[c] + fp[c] + fn[c]
		if union > 0 {
			ious[c] = tp[c] / union
		}
	}

	totalSupport := 0.0
	for _, s := range support {
		totalSupport += s
	}
	if totalSupport == 0 {
		return 0
	}

	return stat.Mean(ious, support)
}
