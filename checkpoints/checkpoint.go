// Package checkpoints persists network parameters as an opaque binary blob.
// The contract is write-whole/read-whole: a checkpoint file is always
// overwritten in full and read in full, never patched in place.
package checkpoints

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/reeflab/coralseg/nn"
)

// ErrMissingWeight reports that a parameter the network expects was not
// present in the checkpoint and was not in the excluded-key set.
var ErrMissingWeight = errors.New("expected weight missing from checkpoint")

// Wire field numbers. These are the on-disk format and must not be reused.
const (
	fieldWeight       = 1 // repeated, length-delimited weight record
	fieldBestJaccard  = 2 // fixed64 (float64 bits)
	fieldBestAccuracy = 3 // fixed64 (float64 bits)

	weightFieldName  = 1 // length-delimited UTF-8 name
	weightFieldShape = 2 // repeated varint dimension
	weightFieldData  = 3 // length-delimited little-endian float32s
)

// WeightTensor is one named parameter with its shape and flattened data.
type WeightTensor struct {
	Name  string
	Shape []int
	Data  []float32
}

// Checkpoint is the persisted best-model state: the network weights plus the
// validation scores that earned them.
type Checkpoint struct {
	Weights      []WeightTensor
	BestJaccard  float64
	BestAccuracy float64
}

// FromNetwork snapshots the network's current parameters.
func FromNetwork(net nn.Network, bestJaccard, bestAccuracy float64) *Checkpoint {
	params := net.Parameters()
	weights := make([]WeightTensor, 0, len(params))

	for _, p := range params {
		data := p.Data.Data().([]float32)
		weights = append(weights, WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Data.Shape()...),
			Data:  append([]float32(nil), data...),
		})
	}

	return &Checkpoint{
		Weights:      weights,
		BestJaccard:  bestJaccard,
		BestAccuracy: bestAccuracy,
	}
}

// Save writes the checkpoint to path as a whole-file overwrite.
func Save(path string, ckpt *Checkpoint) error {
	var buf []byte

	for _, w := range ckpt.Weights {
		record := encodeWeight(&w)
		buf = protowire.AppendTag(buf, fieldWeight, protowire.BytesType)
		buf = protowire.AppendBytes(buf, record)
	}

	buf = protowire.AppendTag(buf, fieldBestJaccard, protowire.Fixed64Type)
	buf = protowire.AppendFixed64(buf, math.Float64bits(ckpt.BestJaccard))
	buf = protowire.AppendTag(buf, fieldBestAccuracy, protowire.Fixed64Type)
	buf = protowire.AppendFixed64(buf, math.Float64bits(ckpt.BestAccuracy))

	if err := os.WriteFile(path, buf, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint: %v", err)
	}

	return nil
}

// Load reads a whole checkpoint from path.
func Load(path string) (*Checkpoint, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %v", err)
	}

	ckpt := &Checkpoint{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, fmt.Errorf("corrupt checkpoint: bad tag")
		}
		buf = buf[n:]

		switch {
		case num == fieldWeight && typ == protowire.BytesType:
			record, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, fmt.Errorf("corrupt checkpoint: bad weight record")
			}
			buf = buf[n:]

			weight, err := decodeWeight(record)
			if err != nil {
				return nil, err
			}
			ckpt.Weights = append(ckpt.Weights, *weight)

		case num == fieldBestJaccard && typ == protowire.Fixed64Type:
			bits, n := protowire.ConsumeFixed64(buf)
			if n < 0 {
				return nil, fmt.Errorf("corrupt checkpoint: bad jaccard field")
			}
			buf = buf[n:]
			ckpt.BestJaccard = math.Float64frombits(bits)

		case num == fieldBestAccuracy && typ == protowire.Fixed64Type:
			bits, n := protowire.ConsumeFixed64(buf)
			if n < 0 {
				return nil, fmt.Errorf("corrupt checkpoint: bad accuracy field")
			}
			buf = buf[n:]
			ckpt.BestAccuracy = math.Float64frombits(bits)

		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, fmt.Errorf("corrupt checkpoint: bad field %d", num)
			}
			buf = buf[n:]
		}
	}

	return ckpt, nil
}

// ApplyTo loads the checkpoint's weights into the network's parameters.
// Parameters named in exclude are skipped and keep their current values,
// which is how a pretrained backbone is loaded under a freshly initialized
// classification head. Any other parameter absent from the checkpoint fails
// with ErrMissingWeight.
func (c *Checkpoint) ApplyTo(net nn.Network, exclude map[string]bool) error {
	byName := make(map[string]*WeightTensor, len(c.Weights))
	for i := range c.Weights {
		byName[c.Weights[i].Name] = &c.Weights[i]
	}

	for _, param := range net.Parameters() {
		if exclude[param.Name] {
			continue
		}

		weight, ok := byName[param.Name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrMissingWeight, param.Name)
		}

		dst := param.Data.Data().([]float32)
		if len(weight.Data) != len(dst) {
			return fmt.Errorf("size mismatch for %s: checkpoint has %d values, parameter has %d",
				param.Name, len(weight.Data), len(dst))
		}

		shape := param.Data.Shape()
		if len(weight.Shape) != len(shape) {
			return fmt.Errorf("shape mismatch for %s: checkpoint %v, parameter %v",
				param.Name, weight.Shape, shape)
		}
		for i, dim := range shape {
			if weight.Shape[i] != dim {
				return fmt.Errorf("shape mismatch for %s: checkpoint %v, parameter %v",
					param.Name, weight.Shape, shape)
			}
		}

		copy(dst, weight.Data)
	}

	return nil
}

// encodeWeight serializes one weight record.
func encodeWeight(w *WeightTensor) []byte {
	var record []byte

	record = protowire.AppendTag(record, weightFieldName, protowire.BytesType)
	record = protowire.AppendString(record, w.Name)

	for _, dim := range w.Shape {
		record = protowire.AppendTag(record, weightFieldShape, protowire.VarintType)
		record = protowire.AppendVarint(record, uint64(dim))
	}

	data := make([]byte, 4*len(w.Data))
	for i, v := range w.Data {
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(v))
	}
	record = protowire.AppendTag(record, weightFieldData, protowire.BytesType)
	record = protowire.AppendBytes(record, data)

	return record
}

// decodeWeight parses one weight record.
func decodeWeight(record []byte) (*WeightTensor, error) {
	weight := &WeightTensor{}

	for len(record) > 0 {
		num, typ, n := protowire.ConsumeTag(record)
		if n < 0 {
			return nil, fmt.Errorf("corrupt weight record: bad tag")
		}
		record = record[n:]

		switch {
		case num == weightFieldName && typ == protowire.BytesType:
			name, n := protowire.ConsumeString(record)
			if n < 0 {
				return nil, fmt.Errorf("corrupt weight record: bad name")
			}
			record = record[n:]
			weight.Name = name

		case num == weightFieldShape && typ == protowire.VarintType:
			dim, n := protowire.ConsumeVarint(record)
			if n < 0 {
				return nil, fmt.Errorf("corrupt weight record: bad shape")
			}
			record = record[n:]
			weight.Shape = append(weight.Shape, int(dim))

		case num == weightFieldData && typ == protowire.BytesType:
			data, n := protowire.ConsumeBytes(record)
			if n < 0 || len(data)%4 != 0 {
				return nil, fmt.Errorf("corrupt weight record: bad data")
			}
			record = record[n:]

			weight.Data = make([]float32, len(data)/4)
			for i := range weight.Data {
				weight.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
			}

		default:
			n := protowire.ConsumeFieldValue(num, typ, record)
			if n < 0 {
				return nil, fmt.Errorf("corrupt weight record: bad field %d", num)
			}
			record = record[n:]
		}
	}

	if weight.Name == "" {
		return nil, fmt.Errorf("corrupt weight record: missing name")
	}

	return weight, nil
}
