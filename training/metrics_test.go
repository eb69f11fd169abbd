package training

import (
	"errors"
	"math"
	"testing"

	"github.com/reeflab/coralseg/dataset"
)

func TestAccumulateCountsEveryLabeledPixel(t *testing.T) {
	acc := NewMetricAccumulator(3, false)

	batches := [][2][]int32{
		{{0, 1, 2, 1}, {0, 1, 1, 1}},
		{{2, 2, 0}, {2, 1, 0}},
	}
	for _, b := range batches {
		if err := acc.Accumulate(b[0], b[1]); err != nil {
			t.Fatalf("Accumulate failed: %v", err)
		}
	}

	metrics, err := acc.Finalize()
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	var sum int64
	for _, row := range metrics.ConfusionMatrix {
		for _, v := range row {
			sum += v
		}
	}
	if sum != 7 {
		t.Errorf("matrix sum = %d, want 7", sum)
	}
	if acc.TotalPixels() != 7 {
		t.Errorf("TotalPixels() = %d, want 7", acc.TotalPixels())
	}
	if acc.Batches() != 2 {
		t.Errorf("Batches() = %d, want 2", acc.Batches())
	}

	var trace int64
	for i := range metrics.ConfusionMatrix {
		trace += metrics.ConfusionMatrix[i][i]
	}
	wantAcc := float64(trace) / float64(sum)
	if metrics.Accuracy != wantAcc {
		t.Errorf("Accuracy = %v, want trace/sum = %v", metrics.Accuracy, wantAcc)
	}
}

func TestAccumulateSkipsIgnoredPixels(t *testing.T) {
	acc := NewMetricAccumulator(2, false)

	trueLabels := []int32{0, dataset.IgnoreLabel, 1, dataset.IgnoreLabel}
	predLabels := []int32{1, 0, 1, 1}
	if err := acc.Accumulate(trueLabels, predLabels); err != nil {
		t.Fatalf("Accumulate failed: %v", err)
	}

	if acc.TotalPixels() != 2 {
		t.Errorf("TotalPixels() = %d, want 2 (ignored pixels must not count)", acc.TotalPixels())
	}

	metrics, err := acc.Finalize()
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if got := metrics.ConfusionMatrix[0][1]; got != 1 {
		t.Errorf("matrix[0][1] = %d, want 1", got)
	}
	if got := metrics.ConfusionMatrix[1][1]; got != 1 {
		t.Errorf("matrix[1][1] = %d, want 1", got)
	}
}

func TestAccumulateRejectsOutOfRangeLabels(t *testing.T) {
	acc := NewMetricAccumulator(2, true)

	if err := acc.Accumulate([]int32{5}, []int32{0}); err == nil {
		t.Error("expected error for out-of-range true label")
	}
	if err := acc.Accumulate([]int32{0}, []int32{5}); err == nil {
		t.Error("expected error for out-of-range predicted label")
	}
	if err := acc.Accumulate([]int32{0, 1}, []int32{0}); err == nil {
		t.Error("expected error for length mismatch")
	}
}

func TestFinalizeEmptySplit(t *testing.T) {
	acc := NewMetricAccumulator(3, false)

	_, err := acc.Finalize()
	if !errors.Is(err, ErrEmptySplit) {
		t.Errorf("Finalize() error = %v, want ErrEmptySplit", err)
	}

	// all pixels ignored is just as empty
	acc = NewMetricAccumulator(3, false)
	if err := acc.Accumulate([]int32{dataset.IgnoreLabel}, []int32{0}); err != nil {
		t.Fatalf("Accumulate failed: %v", err)
	}
	_, err = acc.Finalize()
	if !errors.Is(err, ErrEmptySplit) {
		t.Errorf("Finalize() error = %v, want ErrEmptySplit", err)
	}
}

func TestNormalizeConfusionMatrix(t *testing.T) {
	matrix := [][]int64{
		{8, 2, 0},
		{0, 0, 0},
		{1, 1, 2},
	}

	normalized := NormalizeConfusionMatrix(matrix)

	for j, want := range []float64{0.8, 0.2, 0.0} {
		if normalized[0][j] != want {
			t.Errorf("normalized[0][%d] = %v, want %v", j, normalized[0][j], want)
		}
	}
	for j := range normalized[1] {
		if !math.IsNaN(normalized[1][j]) {
			t.Errorf("normalized[1][%d] = %v, want NaN for zero-support row", j, normalized[1][j])
		}
	}

	var rowSum float64
	for _, v := range normalized[2] {
		rowSum += v
	}
	if math.Abs(rowSum-1.0) > 1e-12 {
		t.Errorf("row 2 sums to %v, want 1.0", rowSum)
	}
}

func TestWeightedJaccardPerfectPrediction(t *testing.T) {
	acc := NewMetricAccumulator(3, false)
	labels := []int32{0, 0, 1, 1, 1, 2}
	if err := acc.Accumulate(labels, labels); err != nil {
		t.Fatalf("Accumulate failed: %v", err)
	}

	metrics, err := acc.Finalize()
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if math.Abs(metrics.JaccardScore-1.0) > 1e-12 {
		t.Errorf("JaccardScore = %v, want 1.0 for a perfect prediction", metrics.JaccardScore)
	}
	if metrics.Accuracy != 1.0 {
		t.Errorf("Accuracy = %v, want 1.0", metrics.Accuracy)
	}
}

func TestWeightedJaccardWeightsBySupport(t *testing.T) {
	acc := NewMetricAccumulator(2, false)

	// class 0: 3 pixels, all correct -> IoU 1; but one pixel of class 1 is
	// predicted as 0, so class 0 union gains a false positive: IoU 3/4.
	// class 1: 1 pixel, wrong -> IoU 0.
	trueLabels := []int32{0, 0, 0, 1}
	predLabels := []int32{0, 0, 0, 0}
	if err := acc.Accumulate(trueLabels, predLabels); err != nil {
		t.Fatalf("Accumulate failed: %v", err)
	}

	metrics, err := acc.Finalize()
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	want := (0.75*3 + 0.0*1) / 4.0
	if math.Abs(metrics.JaccardScore-want) > 1e-12 {
		t.Errorf("JaccardScore = %v, want %v", metrics.JaccardScore, want)
	}
}

func TestSkipJaccardFinalizesToZero(t *testing.T) {
	acc := NewMetricAccumulator(2, true)
	labels := []int32{0, 1, 0}
	if err := acc.Accumulate(labels, labels); err != nil {
		t.Fatalf("Accumulate failed: %v", err)
	}

	metrics, err := acc.Finalize()
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if metrics.JaccardScore != 0 {
		t.Errorf("JaccardScore = %v, want 0 when buffering is disabled", metrics.JaccardScore)
	}
}

func TestAccumulateOrderIndependent(t *testing.T) {
	a := NewMetricAccumulator(2, false)
	b := NewMetricAccumulator(2, false)

	first := [2][]int32{{0, 1, 1}, {0, 0, 1}}
	second := [2][]int32{{1, 0}, {1, 1}}

	if err := a.Accumulate(first[0], first[1]); err != nil {
		t.Fatal(err)
	}
	if err := a.Accumulate(second[0], second[1]); err != nil {
		t.Fatal(err)
	}
	if err := b.Accumulate(second[0], second[1]); err != nil {
		t.Fatal(err)
	}
	if err := b.Accumulate(first[0], first[1]); err != nil {
		t.Fatal(err)
	}

	ma, err := a.Finalize()
	if err != nil {
		t.Fatal(err)
	}
	mb, err := b.Finalize()
	if err != nil {
		t.Fatal(err)
	}

	for i := range ma.ConfusionMatrix {
		for j := range ma.ConfusionMatrix[i] {
			if ma.ConfusionMatrix[i][j] != mb.ConfusionMatrix[i][j] {
				t.Errorf("matrix[%d][%d]: %d != %d", i, j, ma.ConfusionMatrix[i][j], mb.ConfusionMatrix[i][j])
			}
		}
	}
	if ma.Accuracy != mb.Accuracy || ma.JaccardScore != mb.JaccardScore {
		t.Errorf("metrics differ across accumulation orders")
	}
}
