package checkpoint

import (
	"errors"
	"fmt"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
)

// loadTorch reads a torch.save archive holding a state dict, either directly
// or under a "state_dict" key.
func loadTorch(path string) (StateDict, error) {
	obj, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("decode torch archive %s: %w", path, err)
	}
	od, err := stateDictOf(obj)
	if err != nil {
		return nil, fmt.Errorf("torch archive %s: %w", path, err)
	}

	sd := make(StateDict, od.List.Len())
	for e := od.List.Front(); e != nil; e = e.Next() {
		entry := e.Value.(*types.OrderedDictEntry)
		name, ok := entry.Key.(string)
		if !ok {
			return nil, fmt.Errorf("torch archive %s: non-string key %v", path, entry.Key)
		}
		t, ok := entry.Value.(*pytorch.Tensor)
		if !ok {
			// Buffers such as num_batches_tracked are plain ints.
			continue
		}
		tensor, err := fromTorch(t)
		if err != nil {
			return nil, fmt.Errorf("torch archive %s: %s: %w", path, name, err)
		}
		sd[name] = tensor
	}
	if len(sd) == 0 {
		return nil, fmt.Errorf("torch archive %s: no tensors", path)
	}
	return sd, nil
}

type dictGetter interface {
	Get(key interface{}) (interface{}, bool)
}

func stateDictOf(obj interface{}) (*types.OrderedDict, error) {
	if od, ok := obj.(*types.OrderedDict); ok {
		if inner, found := od.Get("state_dict"); found {
			return stateDictOf(inner)
		}
		return od, nil
	}
	if d, ok := obj.(dictGetter); ok {
		if inner, found := d.Get("state_dict"); found {
			return stateDictOf(inner)
		}
	}
	return nil, fmt.Errorf("top-level object %T is not a state dict", obj)
}

// fromTorch copies a possibly strided tensor into a dense row-major Tensor.
func fromTorch(t *pytorch.Tensor) (Tensor, error) {
	var storage []float32
	switch s := t.Source.(type) {
	case *pytorch.FloatStorage:
		storage = s.Data
	case *pytorch.DoubleStorage:
		storage = make([]float32, len(s.Data))
		for i, v := range s.Data {
			storage[i] = float32(v)
		}
	default:
		return Tensor{}, fmt.Errorf("%w: storage %T", ErrUnsupportedFormat, t.Source)
	}
	if len(t.Stride) != len(t.Size) {
		return Tensor{}, errors.New("stride and size disagree")
	}

	out := Tensor{Shape: append([]int(nil), t.Size...)}
	out.Data = make([]float32, out.Numel())
	idx := make([]int, len(t.Size))
	for k := range out.Data {
		off := t.StorageOffset
		for d, i := range idx {
			off += i * t.Stride[d]
		}
		if off < 0 || off >= len(storage) {
			return Tensor{}, fmt.Errorf("element %d outside storage of %d", off, len(storage))
		}
		out.Data[k] = storage[off]
		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < t.Size[d] {
				break
			}
			idx[d] = 0
		}
	}
	return out, nil
}
