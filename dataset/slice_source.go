package dataset

import (
	"fmt"
	"math/rand"

	"gorgonia.org/tensor"
)

// Sample is a single image tile with its per-pixel labels.
type Sample struct {
	Image  *tensor.Dense // [C, H, W] Float32
	Labels *tensor.Dense // [H, W] Int32
	Name   string
}

// SliceSource serves batches from an in-memory sample slice. Incomplete
// trailing batches are dropped so every batch has exactly batchSize samples,
// matching the behavior the training loop was tuned against.
type SliceSource struct {
	samples   []Sample
	batchSize int
	shuffle   bool
	rng       *rand.Rand

	indices  []int
	position int
}

// NewSliceSource creates a source over samples. When shuffle is true the
// sample order is re-drawn on every Reset using the given seed.
func NewSliceSource(samples []Sample, batchSize int, shuffle bool, seed int64) (*SliceSource, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}

	indices := make([]int, len(samples))
	for i := range indices {
		indices[i] = i
	}

	return &SliceSource{
		samples:   samples,
		batchSize: batchSize,
		shuffle:   shuffle,
		rng:       rand.New(rand.NewSource(seed)),
		indices:   indices,
	}, nil
}

// Len returns the number of full batches per pass.
func (s *SliceSource) Len() int {
	return len(s.samples) / s.batchSize
}

// Reset rewinds the source, reshuffling if configured.
func (s *SliceSource) Reset() {
	s.position = 0
	if s.shuffle {
		s.rng.Shuffle(len(s.indices), func(i, j int) {
			s.indices[i], s.indices[j] = s.indices[j], s.indices[i]
		})
	}
}

// Next returns the next full batch, or (nil, nil) at the end of the pass.
func (s *SliceSource) Next() (*Batch, error) {
	if s.position+s.batchSize > len(s.indices) {
		return nil, nil
	}

	batchIdx := s.indices[s.position : s.position+s.batchSize]
	s.position += s.batchSize

	first := s.samples[batchIdx[0]]
	imgShape := first.Image.Shape()
	lblShape := first.Labels.Shape()
	if len(imgShape) != 3 || len(lblShape) != 2 {
		return nil, fmt.Errorf("sample %q: expected image [C, H, W] and labels [H, W], got %v and %v",
			first.Name, imgShape, lblShape)
	}

	c, h, w := imgShape[0], imgShape[1], imgShape[2]
	imgSize := c * h * w
	lblSize := h * w

	images := make([]float32, s.batchSize*imgSize)
	labels := make([]int32, s.batchSize*lblSize)
	names := make([]string, s.batchSize)

	for i, idx := range batchIdx {
		sample := s.samples[idx]
		imgData := sample.Image.Data().([]float32)
		lblData := sample.Labels.Data().([]int32)

		if len(imgData) != imgSize || len(lblData) != lblSize {
			return nil, fmt.Errorf("sample %q: shape mismatch within source", sample.Name)
		}

		copy(images[i*imgSize:(i+1)*imgSize], imgData)
		copy(labels[i*lblSize:(i+1)*lblSize], lblData)
		names[i] = sample.Name
	}

	return &Batch{
		Images: tensor.New(tensor.WithShape(s.batchSize, c, h, w), tensor.WithBacking(images)),
		Labels: tensor.New(tensor.WithShape(s.batchSize, h, w), tensor.WithBacking(labels)),
		Names:  names,
	}, nil
}
