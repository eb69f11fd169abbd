package training

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/reeflab/coralseg/checkpoints"
	"github.com/reeflab/coralseg/dataset"
	"github.com/reeflab/coralseg/nn"
	"github.com/reeflab/coralseg/optimizer"
)

// ScalarLogger records run-level scalar series (loss and accuracy curves).
type ScalarLogger interface {
	LogScalar(tag string, epoch int, value float64) error
}

// Config holds the training-loop configuration for one run.
type Config struct {
	Epochs              int
	BatchMultiplier     int // optimizer step every BatchMultiplier mini-batches
	ValidationFrequency int // validate every N epochs, never on epoch 0
	CheckpointPath      string
	Device              nn.Device
	PrintEvery          int // print batch loss every N batches (0 = quiet)
}

// Summary reports what a finished run achieved.
type Summary struct {
	Epochs           int
	BestAccuracy     float64
	BestJaccard      float64
	CheckpointWrites int
}

// Trainer drives the epoch loop: gradient-accumulated training, periodic
// evaluation of the validation and training splits, plateau-based learning
// rate reduction, and best-model checkpointing. The best score is loop
// state owned by the Trainer, monotonic on the validation Jaccard score
// only; a checkpoint once written is never reverted.
type Trainer struct {
	net       nn.Network
	opt       optimizer.Optimizer
	losses    *LossScheduler
	evaluator SplitEvaluator
	plateau   *ReduceLROnPlateau
	logger    ScalarLogger
	config    Config

	bestJaccard      float64
	bestAccuracy     float64
	checkpointWrites int
}

// NewTrainer assembles a training loop. logger may be nil.
func NewTrainer(net nn.Network, opt optimizer.Optimizer, losses *LossScheduler,
	evaluator SplitEvaluator, logger ScalarLogger, config Config) (*Trainer, error) {

	if config.Epochs <= 0 {
		return nil, fmt.Errorf("epoch count must be positive, got %d", config.Epochs)
	}
	if config.BatchMultiplier <= 0 {
		return nil, fmt.Errorf("batch multiplier must be positive, got %d", config.BatchMultiplier)
	}
	if config.ValidationFrequency <= 0 {
		return nil, fmt.Errorf("validation frequency must be positive, got %d", config.ValidationFrequency)
	}
	if config.Device > nn.BestAvailable() {
		return nil, fmt.Errorf("device %s is not available in this build", config.Device)
	}

	return &Trainer{
		net:       net,
		opt:       opt,
		losses:    losses,
		evaluator: evaluator,
		plateau:   NewReduceLROnPlateau(0.1, 2, 1e-4, "min"),
		logger:    logger,
		config:    config,
	}, nil
}

// Run executes the configured number of epochs and returns the run summary.
func (t *Trainer) Run(train, validation dataset.Source) (*Summary, error) {
	if t.config.PrintEvery > 0 {
		fmt.Printf("Training on %s for %d epochs\n", t.config.Device, t.config.Epochs)
	}

	for epoch := 0; epoch < t.config.Epochs; epoch++ {
		runningLoss, err := t.trainEpoch(train, epoch)
		if err != nil {
			return nil, fmt.Errorf("training epoch %d failed: %w", epoch, err)
		}

		if t.config.PrintEvery > 0 {
			fmt.Printf("Epoch %d: running loss = %f\n", epoch, runningLoss)
		}

		if epoch > 0 && (epoch+1)%t.config.ValidationFrequency == 0 {
			if err := t.validate(train, validation, epoch); err != nil {
				return nil, fmt.Errorf("validation at epoch %d failed: %w", epoch, err)
			}
		}
	}

	return &Summary{
		Epochs:           t.config.Epochs,
		BestAccuracy:     t.bestAccuracy,
		BestJaccard:      t.bestJaccard,
		CheckpointWrites: t.checkpointWrites,
	}, nil
}

// trainEpoch iterates the training split once, accumulating gradients across
// BatchMultiplier consecutive mini-batches before each optimizer step. A
// trailing partial accumulation is never stepped.
func (t *Trainer) trainEpoch(train dataset.Source, epoch int) (float64, error) {
	t.net.Train()
	t.opt.ZeroGrad()

	var runningLoss float64
	batches := 0

	train.Reset()
	for {
		batch, err := train.Next()
		if err != nil {
			return 0, fmt.Errorf("failed to load training batch: %v", err)
		}
		if batch == nil {
			break
		}

		logits, err := t.net.Forward(batch.Images)
		if err != nil {
			return 0, fmt.Errorf("forward pass failed: %v", err)
		}

		loss, grad, err := t.losses.Compute(epoch, logits, batch.Labels)
		if err != nil {
			return 0, fmt.Errorf("loss computation failed: %v", err)
		}

		if err := t.net.Backward(grad); err != nil {
			return 0, fmt.Errorf("backward pass failed: %v", err)
		}

		batches++
		if batches%t.config.BatchMultiplier == 0 {
			if err := t.opt.Step(); err != nil {
				return 0, fmt.Errorf("optimizer step failed: %v", err)
			}
			t.opt.ZeroGrad()
		}

		runningLoss += loss
		if t.config.PrintEvery > 0 && batches%t.config.PrintEvery == 0 {
			fmt.Printf("Epoch %d, batch %d: loss = %f\n", epoch, batches, loss)
		}
	}

	if batches == 0 {
		return 0, fmt.Errorf("%w: training split yielded no batches", ErrEmptySplit)
	}

	return runningLoss, nil
}

// validate evaluates both splits, feeds the validation loss to the plateau
// scheduler, logs the run-level scalars, and checkpoints if the validation
// Jaccard score strictly improved.
func (t *Trainer) validate(train, validation dataset.Source, epoch int) error {
	valMetrics, valLoss, err := t.evaluator.Evaluate(t.net, validation, false)
	if err != nil {
		return err
	}

	t.opt.SetLR(t.plateau.Step(valLoss, t.opt.GetLR()))

	trainMetrics, trainLoss, err := t.evaluator.Evaluate(t.net, train, true)
	if err != nil {
		return err
	}

	if err := t.logScalars(epoch, trainLoss, valLoss, trainMetrics.Accuracy, valMetrics.Accuracy); err != nil {
		return err
	}

	if valMetrics.JaccardScore > t.bestJaccard {
		t.bestJaccard = valMetrics.JaccardScore
		t.bestAccuracy = valMetrics.Accuracy

		if err := t.saveBest(valMetrics, trainMetrics); err != nil {
			return err
		}
		t.checkpointWrites++
	}

	if t.config.PrintEvery > 0 {
		fmt.Printf("Validation epoch %d: accuracy = %.3f, jaccard = %.3f (best %.3f)\n",
			epoch, valMetrics.Accuracy, valMetrics.JaccardScore, t.bestJaccard)
	}

	return nil
}

// logScalars records the four run-level series for this validation cycle.
func (t *Trainer) logScalars(epoch int, trainLoss, valLoss, trainAcc, valAcc float64) error {
	if t.logger == nil {
		return nil
	}

	scalars := []struct {
		tag   string
		value float64
	}{
		{"Loss/train", trainLoss},
		{"Loss/validation", valLoss},
		{"Accuracy/train", trainAcc},
		{"Accuracy/validation", valAcc},
	}

	for _, s := range scalars {
		if err := t.logger.LogScalar(s.tag, epoch, s.value); err != nil {
			return fmt.Errorf("failed to log %s: %v", s.tag, err)
		}
	}

	return nil
}

// saveBest overwrites the best checkpoint and both metric reports. The write
// is a whole-file overwrite with no atomicity promise to external readers.
func (t *Trainer) saveBest(valMetrics, trainMetrics *Metrics) error {
	if t.config.CheckpointPath == "" {
		return nil
	}

	ckpt := checkpoints.FromNetwork(t.net, t.bestJaccard, t.bestAccuracy)
	if err := checkpoints.Save(t.config.CheckpointPath, ckpt); err != nil {
		return fmt.Errorf("failed to save checkpoint: %v", err)
	}

	base := reportBase(t.config.CheckpointPath)
	if err := WriteMetricsReport(base+"-val-metrics.txt", valMetrics); err != nil {
		return err
	}
	if err := WriteMetricsReport(base+"-train-metrics.txt", trainMetrics); err != nil {
		return err
	}

	return nil
}

// BestJaccard returns the best validation Jaccard score seen so far.
func (t *Trainer) BestJaccard() float64 {
	return t.bestJaccard
}

// BestAccuracy returns the validation accuracy recorded alongside the best
// Jaccard score.
func (t *Trainer) BestAccuracy() float64 {
	return t.bestAccuracy
}

// reportBase strips the checkpoint extension so report files sit next to it.
func reportBase(checkpointPath string) string {
	return strings.TrimSuffix(checkpointPath, filepath.Ext(checkpointPath))
}
