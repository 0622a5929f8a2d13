// Package checkpoint reads persisted network parameters into a StateDict keyed
// by the PyTorch parameter names of the LeNet and MLP networks.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrShapeMismatch reports a parameter whose stored shape differs from the
// shape the network expects.
var ErrShapeMismatch = errors.New("checkpoint: parameter shape mismatch")

// ErrUnsupportedFormat is returned for checkpoint files Load cannot decode.
var ErrUnsupportedFormat = errors.New("checkpoint: unsupported format")

// Tensor is a dense row-major parameter tensor.
type Tensor struct {
	Shape []int
	Data  []float32
}

// Numel returns the number of elements implied by Shape.
func (t Tensor) Numel() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// StateDict maps parameter names such as "conv1.weight" to tensors.
type StateDict map[string]Tensor

// Names returns the parameter names in sorted order.
func (s StateDict) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tensor returns the named parameter after checking it against shape.
func (s StateDict) Tensor(name string, shape ...int) (Tensor, error) {
	t, ok := s[name]
	if !ok {
		return Tensor{}, fmt.Errorf("checkpoint: missing parameter %q", name)
	}
	if !sameShape(t.Shape, shape) {
		return Tensor{}, fmt.Errorf("%w: %s stored %v, expected %v", ErrShapeMismatch, name, t.Shape, shape)
	}
	if len(t.Data) != t.Numel() {
		return Tensor{}, fmt.Errorf("checkpoint: %s holds %d values for shape %v", name, len(t.Data), t.Shape)
	}
	return t, nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Metadata describes where a checkpoint came from.
type Metadata struct {
	Version      string    `json:"version"`
	Framework    string    `json:"framework"`
	Architecture string    `json:"architecture,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	Description  string    `json:"description,omitempty"`
}

// WeightTensor is the on-disk JSON form of one parameter.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight" or "bias"
}

type jsonCheckpoint struct {
	Weights  []WeightTensor `json:"weights"`
	Metadata Metadata       `json:"metadata"`
}

// Load reads the checkpoint at path. The format follows the file extension:
// .json for the JSON tensor list, .onnx for ONNX graph initializers and
// .pt/.pth for torch.save state dicts.
func Load(path string) (StateDict, Metadata, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, Metadata{}, fmt.Errorf("open checkpoint: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return loadJSON(path)
	case ".onnx":
		sd, err := loadONNX(path)
		if err != nil {
			return nil, Metadata{}, err
		}
		return sd, Metadata{Framework: "onnx"}, nil
	case ".pt", ".pth":
		sd, err := loadTorch(path)
		if err != nil {
			return nil, Metadata{}, err
		}
		return sd, Metadata{Framework: "pytorch"}, nil
	default:
		return nil, Metadata{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

func loadJSON(path string) (StateDict, Metadata, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, Metadata{}, fmt.Errorf("open checkpoint: %w", err)
	}
	defer file.Close()

	var ckpt jsonCheckpoint
	if err := json.NewDecoder(file).Decode(&ckpt); err != nil {
		return nil, Metadata{}, fmt.Errorf("decode checkpoint: %w", err)
	}

	sd := make(StateDict, len(ckpt.Weights))
	for _, w := range ckpt.Weights {
		if w.Name == "" {
			return nil, Metadata{}, errors.New("decode checkpoint: unnamed tensor")
		}
		if _, dup := sd[w.Name]; dup {
			return nil, Metadata{}, fmt.Errorf("decode checkpoint: duplicate tensor %s", w.Name)
		}
		sd[w.Name] = Tensor{Shape: w.Shape, Data: w.Data}
	}
	return sd, ckpt.Metadata, nil
}

// SaveJSON writes sd in the JSON layout Load understands.
func SaveJSON(path string, sd StateDict, meta Metadata) error {
	if meta.Framework == "" {
		meta.Framework = "mnist-tsne"
		meta.Version = "1.0.0"
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now()
	}

	ckpt := jsonCheckpoint{Metadata: meta}
	for _, name := range sd.Names() {
		t := sd[name]
		layer, kind := splitName(name)
		ckpt.Weights = append(ckpt.Weights, WeightTensor{
			Name:  name,
			Shape: t.Shape,
			Data:  t.Data,
			Layer: layer,
			Type:  kind,
		})
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create checkpoint file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(ckpt); err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	return file.Close()
}

func splitName(name string) (layer, kind string) {
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return name, ""
	}
	return name[:i], name[i+1:]
}
