package training

import (
	"errors"
	"fmt"
	"testing"

	"gorgonia.org/tensor"

	"github.com/reeflab/coralseg/dataset"
	"github.com/reeflab/coralseg/nn"
)

// fakeNetwork returns fixed logits and tracks its mode.
type fakeNetwork struct {
	numClasses int
	training   bool
	forwards   int
	backwards  int
}

func (f *fakeNetwork) Forward(images *tensor.Dense) (*tensor.Dense, error) {
	f.forwards++
	shape := images.Shape()
	n, h, w := shape[0], shape[2], shape[3]

	logits := make([]float32, n*f.numClasses*h*w)
	for i := range logits {
		logits[i] = float32(i%7) * 0.1
	}
	return tensor.New(tensor.WithShape(n, f.numClasses, h, w), tensor.WithBacking(logits)), nil
}

func (f *fakeNetwork) Backward(gradLogits *tensor.Dense) error {
	f.backwards++
	return nil
}

func (f *fakeNetwork) Parameters() []*nn.Parameter { return nil }
func (f *fakeNetwork) NumClasses() int             { return f.numClasses }
func (f *fakeNetwork) Train()                      { f.training = true }
func (f *fakeNetwork) Eval()                       { f.training = false }

// countingOptimizer records Step and ZeroGrad calls and the LR history.
type countingOptimizer struct {
	steps     int
	zeroGrads int
	lr        float64
}

func (o *countingOptimizer) Step() error      { o.steps++; return nil }
func (o *countingOptimizer) ZeroGrad()        { o.zeroGrads++ }
func (o *countingOptimizer) GetLR() float64   { return o.lr }
func (o *countingOptimizer) SetLR(lr float64) { o.lr = lr }

// scriptedEvaluator returns pre-set validation Jaccard scores in order,
// one per validation cycle. Training-split calls report skipJaccard
// semantics (JaccardScore 0).
type scriptedEvaluator struct {
	valJaccards []float64
	valCalls    int
	trainCalls  int
}

func (s *scriptedEvaluator) Evaluate(net nn.Network, source dataset.Source, trainingSplit bool) (*Metrics, float64, error) {
	m := &Metrics{
		ConfusionMatrix: [][]int64{{1, 0}, {0, 1}},
		Normalized:      [][]float64{{1, 0}, {0, 1}},
		Accuracy:        0.9,
	}
	if trainingSplit {
		s.trainCalls++
		return m, 0.2, nil
	}

	if s.valCalls >= len(s.valJaccards) {
		return nil, 0, fmt.Errorf("unexpected validation call %d", s.valCalls)
	}
	m.JaccardScore = s.valJaccards[s.valCalls]
	s.valCalls++
	return m, 0.3, nil
}

// memoryLogger collects scalar series in memory.
type memoryLogger struct {
	tags []string
}

func (l *memoryLogger) LogScalar(tag string, epoch int, value float64) error {
	l.tags = append(l.tags, fmt.Sprintf("%s@%d", tag, epoch))
	return nil
}

func trainSource(t *testing.T, numSamples, batchSize int) *dataset.SliceSource {
	t.Helper()

	samples := make([]dataset.Sample, numSamples)
	for i := range samples {
		samples[i] = dataset.Sample{
			Image:  tensor.New(tensor.WithShape(1, 2, 2), tensor.WithBacking(make([]float32, 4))),
			Labels: tensor.New(tensor.WithShape(2, 2), tensor.WithBacking([]int32{0, 1, 0, 1})),
			Name:   fmt.Sprintf("s%d", i),
		}
	}

	src, err := dataset.NewSliceSource(samples, batchSize, false, 1)
	if err != nil {
		t.Fatalf("NewSliceSource failed: %v", err)
	}
	return src
}

func newTestTrainer(t *testing.T, net nn.Network, opt *countingOptimizer, eval SplitEvaluator, cfg Config) *Trainer {
	t.Helper()

	losses, err := NewLossScheduler(CrossEntropy, 0, []float64{1, 1})
	if err != nil {
		t.Fatalf("NewLossScheduler failed: %v", err)
	}

	trainer, err := NewTrainer(net, opt, losses, eval, nil, cfg)
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	return trainer
}

func TestTrainerStepsOnlyOnFullAccumulations(t *testing.T) {
	net := &fakeNetwork{numClasses: 2}
	opt := &countingOptimizer{lr: 0.01}
	eval := &scriptedEvaluator{valJaccards: []float64{0.5, 0.6, 0.7}}

	// 20 batches per epoch, multiplier 8: exactly 2 steps per epoch,
	// the trailing 4 accumulated batches never stepped
	trainer := newTestTrainer(t, net, opt, eval, Config{
		Epochs:              3,
		BatchMultiplier:     8,
		ValidationFrequency: 100,
	})

	src := trainSource(t, 20, 1)
	if _, err := trainer.Run(src, src); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if opt.steps != 6 {
		t.Errorf("optimizer steps = %d, want 6 (2 full accumulations per epoch)", opt.steps)
	}
	if net.backwards != 60 {
		t.Errorf("backward passes = %d, want 60", net.backwards)
	}
}

func TestTrainerCheckpointsOnStrictJaccardImprovement(t *testing.T) {
	net := &fakeNetwork{numClasses: 2}
	opt := &countingOptimizer{lr: 0.01}
	eval := &scriptedEvaluator{valJaccards: []float64{0.40, 0.55, 0.50, 0.60}}

	// validation on epochs 1-4, never on epoch 0
	trainer := newTestTrainer(t, net, opt, eval, Config{
		Epochs:              5,
		BatchMultiplier:     1,
		ValidationFrequency: 1,
	})

	src := trainSource(t, 2, 1)
	summary, err := trainer.Run(src, src)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if eval.valCalls != 4 {
		t.Errorf("validation cycles = %d, want 4", eval.valCalls)
	}
	if summary.CheckpointWrites != 3 {
		t.Errorf("CheckpointWrites = %d, want 3 (0.40, 0.55, 0.60 improve; 0.50 does not)", summary.CheckpointWrites)
	}
	if summary.BestJaccard != 0.60 {
		t.Errorf("BestJaccard = %v, want 0.60", summary.BestJaccard)
	}
}

func TestTrainerNeverValidatesEpochZero(t *testing.T) {
	net := &fakeNetwork{numClasses: 2}
	opt := &countingOptimizer{lr: 0.01}
	eval := &scriptedEvaluator{valJaccards: []float64{0.5}}

	trainer := newTestTrainer(t, net, opt, eval, Config{
		Epochs:              1,
		BatchMultiplier:     1,
		ValidationFrequency: 1,
	})

	src := trainSource(t, 2, 1)
	if _, err := trainer.Run(src, src); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if eval.valCalls != 0 {
		t.Errorf("validation cycles = %d, want 0 on a single-epoch run", eval.valCalls)
	}
}

func TestTrainerValidationFrequency(t *testing.T) {
	net := &fakeNetwork{numClasses: 2}
	opt := &countingOptimizer{lr: 0.01}
	eval := &scriptedEvaluator{valJaccards: []float64{0.5, 0.6, 0.7, 0.8}}

	// frequency 5 over 20 epochs: validation at epochs 4, 9, 14, 19
	trainer := newTestTrainer(t, net, opt, eval, Config{
		Epochs:              20,
		BatchMultiplier:     1,
		ValidationFrequency: 5,
	})

	src := trainSource(t, 2, 1)
	if _, err := trainer.Run(src, src); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if eval.valCalls != 4 {
		t.Errorf("validation cycles = %d, want 4", eval.valCalls)
	}
	if eval.trainCalls != 4 {
		t.Errorf("training-split evaluations = %d, want 4", eval.trainCalls)
	}
}

func TestTrainerLogsScalarSeries(t *testing.T) {
	net := &fakeNetwork{numClasses: 2}
	opt := &countingOptimizer{lr: 0.01}
	eval := &scriptedEvaluator{valJaccards: []float64{0.5}}
	logger := &memoryLogger{}

	losses, err := NewLossScheduler(CrossEntropy, 0, []float64{1, 1})
	if err != nil {
		t.Fatal(err)
	}
	trainer, err := NewTrainer(net, opt, losses, eval, logger, Config{
		Epochs:              2,
		BatchMultiplier:     1,
		ValidationFrequency: 2,
	})
	if err != nil {
		t.Fatal(err)
	}

	src := trainSource(t, 2, 1)
	if _, err := trainer.Run(src, src); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := []string{"Loss/train@1", "Loss/validation@1", "Accuracy/train@1", "Accuracy/validation@1"}
	if len(logger.tags) != len(want) {
		t.Fatalf("logged %d scalars, want %d: %v", len(logger.tags), len(want), logger.tags)
	}
	for i, w := range want {
		if logger.tags[i] != w {
			t.Errorf("scalar[%d] = %q, want %q", i, logger.tags[i], w)
		}
	}
}

func TestTrainerEmptyTrainingSplit(t *testing.T) {
	net := &fakeNetwork{numClasses: 2}
	opt := &countingOptimizer{lr: 0.01}
	eval := &scriptedEvaluator{}

	trainer := newTestTrainer(t, net, opt, eval, Config{
		Epochs:              1,
		BatchMultiplier:     1,
		ValidationFrequency: 1,
	})

	src := trainSource(t, 0, 1)
	_, err := trainer.Run(src, src)
	if !errors.Is(err, ErrEmptySplit) {
		t.Errorf("Run() error = %v, want ErrEmptySplit", err)
	}
}

func TestNewTrainerRejectsBadConfig(t *testing.T) {
	net := &fakeNetwork{numClasses: 2}
	opt := &countingOptimizer{}
	losses, err := NewLossScheduler(CrossEntropy, 0, []float64{1, 1})
	if err != nil {
		t.Fatal(err)
	}

	bad := []Config{
		{Epochs: 0, BatchMultiplier: 1, ValidationFrequency: 1},
		{Epochs: 1, BatchMultiplier: 0, ValidationFrequency: 1},
		{Epochs: 1, BatchMultiplier: 1, ValidationFrequency: 0},
		{Epochs: 1, BatchMultiplier: 1, ValidationFrequency: 1, Device: nn.Accelerator},
	}
	for i, cfg := range bad {
		if _, err := NewTrainer(net, opt, losses, &scriptedEvaluator{}, nil, cfg); err == nil {
			t.Errorf("config %d should be rejected", i)
		}
	}
}
