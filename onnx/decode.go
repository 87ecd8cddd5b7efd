package onnx

import (
	"encoding/binary"
	"math"
	"strconv"

	"github.com/nvr-ai/segconvert/wire"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Supported IR version family. Files older than IR 3 predate opset imports.
const (
	MinIRVersion = 3
	MaxIRVersion = 10
)

// ExternalResolver returns the bytes of an external data file referenced by a
// tensor, relative to the model's directory.
type ExternalResolver func(location string) ([]byte, error)

// Decode parses a serialized ONNX ModelProto.
//
// Arguments:
//   - b: The serialized model.
//   - resolve: Resolves external tensor data. May be nil when the model keeps
//     its weights inline.
//
// Returns:
//   - *ModelGraph: The parsed graph.
//   - error: An error if the bytes are not a supported ONNX model.
func Decode(b []byte, resolve ExternalResolver) (*ModelGraph, error) {
	g := &ModelGraph{Size: int64(len(b))}
	var sawGraph bool

	err := wire.Range(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			g.IRVersion = f.Int64()
		case 2:
			g.ProducerName = f.String()
		case 3:
			g.ProducerVersion = f.String()
		case 4:
			g.Domain = f.String()
		case 5:
			g.ModelVersion = f.Int64()
		case 7:
			sawGraph = true
			return decodeGraph(f.Bytes, g, resolve)
		case 8:
			o, err := decodeOpset(f.Bytes)
			if err != nil {
				return err
			}
			g.Opsets = append(g.Opsets, o)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "decode ModelProto")
	}

	if !sawGraph {
		return nil, errors.New("model has no graph")
	}
	if g.IRVersion < MinIRVersion || g.IRVersion > MaxIRVersion {
		return nil, errors.Errorf("unsupported IR version %d (supported %d-%d)", g.IRVersion, MinIRVersion, MaxIRVersion)
	}
	if len(g.Nodes) == 0 {
		return nil, errors.New("graph has no nodes")
	}

	g.index()
	return g, nil
}

func decodeOpset(b []byte) (OpsetImport, error) {
	var o OpsetImport
	err := wire.Range(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			o.Domain = f.String()
		case 2:
			o.Version = f.Int64()
		}
		return nil
	})
	return o, err
}

func decodeGraph(b []byte, g *ModelGraph, resolve ExternalResolver) error {
	return wire.Range(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			n, err := decodeNode(f.Bytes, resolve)
			if err != nil {
				return errors.Wrapf(err, "node %d", len(g.Nodes))
			}
			g.Nodes = append(g.Nodes, n)
		case 2:
			g.Name = f.String()
		case 5:
			t, err := decodeTensor(f.Bytes, resolve)
			if err != nil {
				return errors.Wrapf(err, "initializer %d", len(g.Initializers))
			}
			g.Initializers = append(g.Initializers, *t)
		case 11:
			v, err := decodeValueInfo(f.Bytes)
			if err != nil {
				return err
			}
			g.Inputs = append(g.Inputs, v)
		case 12:
			v, err := decodeValueInfo(f.Bytes)
			if err != nil {
				return err
			}
			g.Outputs = append(g.Outputs, v)
		}
		return nil
	})
}

func decodeNode(b []byte, resolve ExternalResolver) (Node, error) {
	var n Node
	err := wire.Range(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			n.Inputs = append(n.Inputs, f.String())
		case 2:
			n.Outputs = append(n.Outputs, f.String())
		case 3:
			n.Name = f.String()
		case 4:
			n.OpType = f.String()
		case 5:
			a, err := decodeAttribute(f.Bytes, resolve)
			if err != nil {
				return err
			}
			n.Attributes = append(n.Attributes, a)
		case 7:
			n.Domain = f.String()
		}
		return nil
	})
	if err == nil && n.OpType == "" {
		err = errors.Errorf("node %q has no op_type", n.Name)
	}
	return n, err
}

func decodeAttribute(b []byte, resolve ExternalResolver) (Attribute, error) {
	var a Attribute
	err := wire.Range(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			a.Name = f.String()
		case 20:
			a.Type = AttributeType(f.Varint)
		case 2:
			a.F = f.Float32()
		case 3:
			a.I = f.Int64()
		case 4:
			a.S = f.String()
		case 5:
			t, err := decodeTensor(f.Bytes, resolve)
			if err != nil {
				return err
			}
			a.T = t
		case 7:
			vs, err := f.Float32s()
			if err != nil {
				return err
			}
			a.Floats = append(a.Floats, vs...)
		case 8:
			vs, err := f.Int64s()
			if err != nil {
				return err
			}
			a.Ints = append(a.Ints, vs...)
		case 9:
			a.Strings = append(a.Strings, f.String())
		}
		return nil
	})
	return a, errors.Wrapf(err, "attribute %q", a.Name)
}

func decodeValueInfo(b []byte) (ValueInfo, error) {
	var v ValueInfo
	err := wire.Range(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			v.Name = f.String()
		case 2:
			return decodeType(f.Bytes, &v)
		}
		return nil
	})
	return v, errors.Wrapf(err, "value info %q", v.Name)
}

func decodeType(b []byte, v *ValueInfo) error {
	return wire.Range(b, func(f wire.Field) error {
		if f.Num != 1 {
			return nil
		}
		return wire.Range(f.Bytes, func(t wire.Field) error {
			switch t.Num {
			case 1:
				v.ElemType = DataType(t.Varint)
			case 2:
				return wire.Range(t.Bytes, func(s wire.Field) error {
					if s.Num != 1 {
						return nil
					}
					dim, param := int64(-1), ""
					err := wire.Range(s.Bytes, func(d wire.Field) error {
						switch d.Num {
						case 1:
							dim = d.Int64()
						case 2:
							param = d.String()
						}
						return nil
					})
					v.Shape = append(v.Shape, dim)
					v.Params = append(v.Params, param)
					return err
				})
			}
			return nil
		})
	})
}

type tensorFields struct {
	raw      []byte
	floats   []float32
	doubles  []float64
	int32s   []int64
	int64s   []int64
	external map[string]string
	location int64
}

func decodeTensor(b []byte, resolve ExternalResolver) (*Initializer, error) {
	t := &Initializer{}
	var tf tensorFields

	err := wire.Range(b, func(f wire.Field) error {
		var err error
		var vs []int64
		switch f.Num {
		case 1:
			vs, err = f.Int64s()
			t.Dims = append(t.Dims, vs...)
		case 2:
			t.DataType = DataType(f.Varint)
		case 4:
			var fs []float32
			fs, err = f.Float32s()
			tf.floats = append(tf.floats, fs...)
		case 5:
			vs, err = f.Int64s()
			tf.int32s = append(tf.int32s, vs...)
		case 7:
			vs, err = f.Int64s()
			tf.int64s = append(tf.int64s, vs...)
		case 8:
			t.Name = f.String()
		case 9:
			tf.raw = f.Bytes
		case 10:
			var ds []float64
			ds, err = f.Float64s()
			tf.doubles = append(tf.doubles, ds...)
		case 13:
			if tf.external == nil {
				tf.external = make(map[string]string)
			}
			var key, value string
			err = wire.Range(f.Bytes, func(e wire.Field) error {
				switch e.Num {
				case 1:
					key = e.String()
				case 2:
					value = e.String()
				}
				return nil
			})
			tf.external[key] = value
		case 14:
			tf.location = f.Int64()
		}
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "tensor %q", t.Name)
	}

	if tf.location == 1 {
		raw, err := loadExternal(tf.external, resolve)
		if err != nil {
			return nil, errors.Wrapf(err, "tensor %q", t.Name)
		}
		tf.raw = raw
	}

	if err := t.fill(tf); err != nil {
		return nil, errors.Wrapf(err, "tensor %q", t.Name)
	}
	return t, nil
}

func loadExternal(meta map[string]string, resolve ExternalResolver) ([]byte, error) {
	if resolve == nil {
		return nil, errors.New("external data referenced but no resolver configured")
	}
	location := meta["location"]
	if location == "" {
		return nil, errors.New("external data has no location")
	}
	data, err := resolve(location)
	if err != nil {
		return nil, errors.Wrapf(err, "read external data %q", location)
	}

	offset, length := int64(0), int64(len(data))
	if s, ok := meta["offset"]; ok {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "external offset %q", s)
		}
		offset = v
		length -= offset
	}
	if s, ok := meta["length"]; ok {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "external length %q", s)
		}
		length = v
	}
	if offset < 0 || length < 0 || offset+length > int64(len(data)) {
		return nil, errors.Errorf("external range [%d,+%d) outside file of %d bytes", offset, length, len(data))
	}
	return data[offset : offset+length], nil
}

func (t *Initializer) fill(tf tensorFields) error {
	switch t.DataType {
	case DataTypeFloat:
		if tf.raw != nil {
			if len(tf.raw)%4 != 0 {
				return errors.Errorf("raw float data length %d", len(tf.raw))
			}
			t.Floats = make([]float32, len(tf.raw)/4)
			for i := range t.Floats {
				t.Floats[i] = math.Float32frombits(binary.LittleEndian.Uint32(tf.raw[i*4:]))
			}
		} else {
			t.Floats = tf.floats
		}
	case DataTypeFloat16:
		if tf.raw != nil {
			if len(tf.raw)%2 != 0 {
				return errors.Errorf("raw float16 data length %d", len(tf.raw))
			}
			t.Floats = make([]float32, len(tf.raw)/2)
			for i := range t.Floats {
				t.Floats[i] = float16.Frombits(binary.LittleEndian.Uint16(tf.raw[i*2:])).Float32()
			}
		} else {
			t.Floats = make([]float32, len(tf.int32s))
			for i, bits := range tf.int32s {
				t.Floats[i] = float16.Frombits(uint16(bits)).Float32()
			}
		}
	case DataTypeDouble:
		if tf.raw != nil {
			if len(tf.raw)%8 != 0 {
				return errors.Errorf("raw double data length %d", len(tf.raw))
			}
			t.Floats = make([]float32, len(tf.raw)/8)
			for i := range t.Floats {
				t.Floats[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(tf.raw[i*8:])))
			}
		} else {
			t.Floats = make([]float32, len(tf.doubles))
			for i, d := range tf.doubles {
				t.Floats[i] = float32(d)
			}
		}
	case DataTypeInt64:
		if tf.raw != nil {
			t.Ints = make([]int64, len(tf.raw)/8)
			for i := range t.Ints {
				t.Ints[i] = int64(binary.LittleEndian.Uint64(tf.raw[i*8:]))
			}
		} else {
			t.Ints = tf.int64s
		}
	case DataTypeInt32:
		if tf.raw != nil {
			t.Ints = make([]int64, len(tf.raw)/4)
			for i := range t.Ints {
				t.Ints[i] = int64(int32(binary.LittleEndian.Uint32(tf.raw[i*4:])))
			}
		} else {
			t.Ints = tf.int32s
		}
	case DataTypeInt8, DataTypeUint8, DataTypeBool:
		if tf.raw != nil {
			t.Ints = make([]int64, len(tf.raw))
			for i, v := range tf.raw {
				if t.DataType == DataTypeInt8 {
					t.Ints[i] = int64(int8(v))
				} else {
					t.Ints[i] = int64(v)
				}
			}
		} else {
			t.Ints = tf.int32s
		}
	default:
		return errors.Errorf("unsupported tensor data type %d", t.DataType)
	}

	n := int64(len(t.Floats) + len(t.Ints))
	if n != 0 && n != t.Elements() {
		return errors.Errorf("has %d values for dims %v", n, t.Dims)
	}
	return nil
}
