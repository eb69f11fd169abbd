package dataset

import (
	"gorgonia.org/tensor"
)

// IgnoreLabel is the reserved ground-truth value excluded from every loss
// and metric computation.
const IgnoreLabel int32 = -1

// Batch is one mini-batch produced by a Source. Images are Float32
// [N, C, H, W], Labels are Int32 [N, H, W] per-pixel class indices (or
// IgnoreLabel), and Names identify each sample for logging and for output
// filenames when classification results are persisted.
type Batch struct {
	Images *tensor.Dense
	Labels *tensor.Dense
	Names  []string
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int {
	return b.Images.Shape()[0]
}

// Source produces a finite, restartable sequence of batches. Next returns
// (nil, nil) once the sequence is exhausted; Reset rewinds it for another
// pass.
type Source interface {
	Reset()
	Next() (*Batch, error)
}
