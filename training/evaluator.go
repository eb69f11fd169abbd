package training

import (
	"fmt"

	"github.com/montanaflynn/stats"
	"gorgonia.org/tensor"

	"github.com/reeflab/coralseg/dataset"
	"github.com/reeflab/coralseg/nn"
)

// ResultSink persists per-sample classification results (the raw image plus
// its predicted label map). Serialization is an external concern; the
// evaluator only hands the tensors over.
type ResultSink interface {
	SaveClassificationResult(name string, image, logits *tensor.Dense) error
}

// SplitEvaluator runs a frozen network over one dataset split and reports
// aggregate metrics plus the arithmetic mean of per-batch losses.
// trainingSplit switches the accumulator into the throughput mode that skips
// the buffered Jaccard computation.
type SplitEvaluator interface {
	Evaluate(net nn.Network, source dataset.Source, trainingSplit bool) (*Metrics, float64, error)
}

// Evaluator is the production SplitEvaluator. Whatever the training
// objective, evaluation always scores with weighted cross-entropy: the
// scoring rule is fixed so losses stay comparable across runs and policies.
// The compute device is owned by the training loop configuration; the
// evaluator just drives whatever Network it is handed.
type Evaluator struct {
	classWeights []float64
	numClasses   int
	sink         ResultSink
}

// NewEvaluator creates an evaluator for numClasses classes scored with the
// given class weights.
func NewEvaluator(classWeights []float64, numClasses int) (*Evaluator, error) {
	if len(classWeights) != numClasses {
		return nil, fmt.Errorf("class weight length %d does not match %d classes", len(classWeights), numClasses)
	}

	return &Evaluator{
		classWeights: classWeights,
		numClasses:   numClasses,
	}, nil
}

// SetResultSink configures optional per-sample result persistence.
func (e *Evaluator) SetResultSink(sink ResultSink) {
	e.sink = sink
}

// Evaluate drives one full pass over source with net in evaluation mode.
// It fails with ErrEmptySplit if the source yields zero batches.
func (e *Evaluator) Evaluate(net nn.Network, source dataset.Source, trainingSplit bool) (*Metrics, float64, error) {
	net.Eval()

	accumulator := NewMetricAccumulator(e.numClasses, trainingSplit)
	var lossValues []float64

	source.Reset()
	for {
		batch, err := source.Next()
		if err != nil {
			return nil, 0, fmt.Errorf("failed to load evaluation batch: %v", err)
		}
		if batch == nil {
			break
		}

		logits, err := net.Forward(batch.Images)
		if err != nil {
			return nil, 0, fmt.Errorf("evaluation forward pass failed: %v", err)
		}

		loss, _, err := WeightedCrossEntropy(logits, batch.Labels, e.classWeights)
		if err != nil {
			return nil, 0, fmt.Errorf("evaluation loss computation failed: %v", err)
		}
		lossValues = append(lossValues, loss)

		preds, err := ArgmaxPredictions(logits)
		if err != nil {
			return nil, 0, fmt.Errorf("prediction extraction failed: %v", err)
		}

		if err := accumulator.Accumulate(batch.Labels.Data().([]int32), preds); err != nil {
			return nil, 0, fmt.Errorf("metric accumulation failed: %v", err)
		}

		if e.sink != nil {
			if err := e.saveBatchResults(batch, logits); err != nil {
				return nil, 0, err
			}
		}
	}

	if len(lossValues) == 0 {
		return nil, 0, fmt.Errorf("%w: source yielded no batches", ErrEmptySplit)
	}

	meanLoss, err := stats.Mean(lossValues)
	if err != nil {
		return nil, 0, fmt.Errorf("mean loss computation failed: %v", err)
	}

	metrics, err := accumulator.Finalize()
	if err != nil {
		return nil, 0, err
	}

	return metrics, meanLoss, nil
}

// saveBatchResults hands each sample of the batch to the result sink.
func (e *Evaluator) saveBatchResults(batch *dataset.Batch, logits *tensor.Dense) error {
	imgShape := batch.Images.Shape()
	logitShape := logits.Shape()
	n := imgShape[0]

	img := batch.Images.Data().([]float32)
	lg := logits.Data().([]float32)
	imgSize := imgShape[1] * imgShape[2] * imgShape[3]
	logitSize := logitShape[1] * logitShape[2] * logitShape[3]

	for i := 0; i < n; i++ {
		image := tensor.New(
			tensor.WithShape(imgShape[1], imgShape[2], imgShape[3]),
			tensor.WithBacking(append([]float32(nil), img[i*imgSize:(i+1)*imgSize]...)),
		)
		sampleLogits := tensor.New(
			tensor.WithShape(logitShape[1], logitShape[2], logitShape[3]),
			tensor.WithBacking(append([]float32(nil), lg[i*logitSize:(i+1)*logitSize]...)),
		)

		if err := e.sink.SaveClassificationResult(batch.Names[i], image, sampleLogits); err != nil {
			return fmt.Errorf("failed to save result for %s: %v", batch.Names[i], err)
		}
	}

	return nil
}

// ArgmaxPredictions derives the per-pixel predicted class from [N, K, H, W]
// logits, returning a flattened [N*H*W] label slice.
func ArgmaxPredictions(logits *tensor.Dense) ([]int32, error) {
	shape := logits.Shape()
	if len(shape) != 4 {
		return nil, fmt.Errorf("expected 4D logits [N, K, H, W], got shape %v", shape)
	}

	n, k, plane := shape[0], shape[1], shape[2]*shape[3]
	data := logits.Data().([]float32)
	preds := make([]int32, n*plane)

	for ni := 0; ni < n; ni++ {
		for p := 0; p < plane; p++ {
			maxIdx := 0
			maxVal := data[(ni*k)*plane+p]
			for ki := 1; ki < k; ki++ {
				if v := data[(ni*k+ki)*plane+p]; v > maxVal {
					maxVal = v
					maxIdx = ki
				}
			}
			preds[ni*plane+p] = int32(maxIdx)
		}
	}

	return preds, nil
}
