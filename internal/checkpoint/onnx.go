package checkpoint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers from onnx.proto. Only the parts that carry parameters are
// decoded; nodes and value infos are skipped.
const (
	modelIRVersion    protowire.Number = 1
	modelProducerName protowire.Number = 2
	modelGraph        protowire.Number = 7

	graphName        protowire.Number = 2
	graphInitializer protowire.Number = 5

	tensorDims       protowire.Number = 1
	tensorDataType   protowire.Number = 2
	tensorFloatData  protowire.Number = 4
	tensorName       protowire.Number = 8
	tensorRawData    protowire.Number = 9
	tensorDoubleData protowire.Number = 10
	tensorExternal   protowire.Number = 13
)

const (
	onnxFloat  = 1
	onnxDouble = 11
)

func loadONNX(path string) (StateDict, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read onnx file: %w", err)
	}
	sd, err := decodeModel(data)
	if err != nil {
		return nil, fmt.Errorf("decode onnx %s: %w", path, err)
	}
	return sd, nil
}

func decodeModel(b []byte) (StateDict, error) {
	sd := make(StateDict)
	found := false
	err := eachField(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if num != modelGraph || typ != protowire.BytesType {
			return nil
		}
		found = true
		return decodeGraph(v, sd)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.New("model has no graph")
	}
	return sd, nil
}

func decodeGraph(b []byte, sd StateDict) error {
	return eachField(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if num != graphInitializer || typ != protowire.BytesType {
			return nil
		}
		name, t, err := decodeTensor(v)
		if err != nil {
			return err
		}
		if _, dup := sd[name]; dup {
			return fmt.Errorf("duplicate initializer %s", name)
		}
		sd[name] = t
		return nil
	})
}

func decodeTensor(b []byte) (string, Tensor, error) {
	var (
		name     string
		dataType uint64
		dims     []int
		floats   []float32
		raw      []byte
		external bool
	)
	err := eachField(b, func(num protowire.Number, typ protowire.Type, v []byte, scalar uint64) error {
		switch num {
		case tensorDims:
			if typ == protowire.VarintType {
				dims = append(dims, int(int64(scalar)))
				return nil
			}
			return eachPacked(v, func(b []byte) (int, error) {
				d, n := protowire.ConsumeVarint(b)
				if n < 0 {
					return 0, protowire.ParseError(n)
				}
				dims = append(dims, int(int64(d)))
				return n, nil
			})
		case tensorDataType:
			dataType = scalar
		case tensorFloatData:
			if typ == protowire.Fixed32Type {
				floats = append(floats, math.Float32frombits(uint32(scalar)))
				return nil
			}
			if len(v)%4 != 0 {
				return errors.New("float_data not a multiple of 4 bytes")
			}
			for i := 0; i < len(v); i += 4 {
				floats = append(floats, math.Float32frombits(binary.LittleEndian.Uint32(v[i:])))
			}
		case tensorDoubleData:
			if typ == protowire.Fixed64Type {
				floats = append(floats, float32(math.Float64frombits(scalar)))
				return nil
			}
			if len(v)%8 != 0 {
				return errors.New("double_data not a multiple of 8 bytes")
			}
			for i := 0; i < len(v); i += 8 {
				floats = append(floats, float32(math.Float64frombits(binary.LittleEndian.Uint64(v[i:]))))
			}
		case tensorName:
			name = string(v)
		case tensorRawData:
			raw = v
		case tensorExternal:
			external = true
		}
		return nil
	})
	if err != nil {
		return "", Tensor{}, err
	}
	if name == "" {
		return "", Tensor{}, errors.New("initializer without a name")
	}
	if external {
		return "", Tensor{}, fmt.Errorf("initializer %s uses external data", name)
	}

	if raw != nil {
		switch dataType {
		case onnxFloat:
			if len(raw)%4 != 0 {
				return "", Tensor{}, fmt.Errorf("initializer %s: raw_data not a multiple of 4 bytes", name)
			}
			floats = make([]float32, len(raw)/4)
			for i := range floats {
				floats[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
			}
		case onnxDouble:
			if len(raw)%8 != 0 {
				return "", Tensor{}, fmt.Errorf("initializer %s: raw_data not a multiple of 8 bytes", name)
			}
			floats = make([]float32, len(raw)/8)
			for i := range floats {
				floats[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:])))
			}
		default:
			return "", Tensor{}, fmt.Errorf("initializer %s: unsupported data type %d", name, dataType)
		}
	} else if dataType != onnxFloat && dataType != onnxDouble {
		return "", Tensor{}, fmt.Errorf("initializer %s: unsupported data type %d", name, dataType)
	}

	return name, Tensor{Shape: dims, Data: floats}, nil
}

// eachField walks the top-level fields of one message. Scalar wire types are
// passed as the decoded integer, length-delimited fields as the payload.
func eachField(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, scalar uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var (
			payload []byte
			scalar  uint64
		)
		switch typ {
		case protowire.VarintType:
			scalar, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			scalar = uint64(v)
		case protowire.Fixed64Type:
			scalar, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			payload, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := fn(num, typ, payload, scalar); err != nil {
			return err
		}
	}
	return nil
}

func eachPacked(b []byte, consume func([]byte) (int, error)) error {
	for len(b) > 0 {
		n, err := consume(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

// SaveONNX writes sd as the initializers of an otherwise empty ONNX graph.
// The result loads back through Load and through onnx.load in Python.
func SaveONNX(path string, sd StateDict) error {
	if err := os.WriteFile(path, encodeModel(sd), 0o644); err != nil {
		return fmt.Errorf("write onnx file: %w", err)
	}
	return nil
}

func encodeModel(sd StateDict) []byte {
	var graph []byte
	graph = protowire.AppendTag(graph, graphName, protowire.BytesType)
	graph = protowire.AppendString(graph, "mnist-tsne")
	for _, name := range sd.Names() {
		graph = protowire.AppendTag(graph, graphInitializer, protowire.BytesType)
		graph = protowire.AppendBytes(graph, encodeTensor(name, sd[name]))
	}

	var model []byte
	model = protowire.AppendTag(model, modelIRVersion, protowire.VarintType)
	model = protowire.AppendVarint(model, 7)
	model = protowire.AppendTag(model, modelProducerName, protowire.BytesType)
	model = protowire.AppendString(model, "mnist-tsne")
	model = protowire.AppendTag(model, modelGraph, protowire.BytesType)
	model = protowire.AppendBytes(model, graph)
	return model
}

func encodeTensor(name string, t Tensor) []byte {
	var dims []byte
	for _, d := range t.Shape {
		dims = protowire.AppendVarint(dims, uint64(d))
	}
	raw := make([]byte, 4*len(t.Data))
	for i, v := range t.Data {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}

	var b []byte
	b = protowire.AppendTag(b, tensorDims, protowire.BytesType)
	b = protowire.AppendBytes(b, dims)
	b = protowire.AppendTag(b, tensorDataType, protowire.VarintType)
	b = protowire.AppendVarint(b, onnxFloat)
	b = protowire.AppendTag(b, tensorName, protowire.BytesType)
	b = protowire.AppendString(b, name)
	b = protowire.AppendTag(b, tensorRawData, protowire.BytesType)
	b = protowire.AppendBytes(b, raw)
	return b
}
