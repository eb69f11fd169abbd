package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ErrMetadataDecode reports a missing or malformed classifier metadata file.
// A failed read used to be silently ignored upstream, leaving the dataset
// half-configured; here it is surfaced so callers fail fast.
var ErrMetadataDecode = errors.New("classifier metadata decode failed")

// ClassifierMeta describes a trained classifier: the per-class loss weights
// and per-channel dataset average it was trained with, and the class-name
// dictionary mapping species names to label indices. The JSON field names
// are a fixed external contract.
type ClassifierMeta struct {
	ClassifierName string         `json:"Classifier Name"`
	Weights        []float64      `json:"Weights"`
	Average        []float64      `json:"Average"`
	NumClasses     int            `json:"Num. Classes"`
	Classes        map[string]int `json:"Classes"`
}

// WriteClassifierMeta persists meta as JSON at path.
func WriteClassifierMeta(path string, meta *ClassifierMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode classifier metadata: %v", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write classifier metadata: %v", err)
	}

	return nil
}

// ReadClassifierMeta loads classifier metadata from path. Missing or
// malformed files return an error wrapping ErrMetadataDecode.
func ReadClassifierMeta(path string) (*ClassifierMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMetadataDecode, err)
	}

	var meta ClassifierMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMetadataDecode, err)
	}

	return &meta, nil
}
