package savedmodel

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/nvr-ai/segconvert/wire"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Encode serializes the model as saved_model.pb. Map fields are written in
// key order so equal models encode to equal bytes.
//
// Returns:
//   - []byte: The serialized SavedModel.
func (m *SavedModel) Encode() []byte {
	e := wire.NewEncoder().Int64(1, SchemaVersion)
	e.Message(2, func(mg *wire.Encoder) {
		mg.Message(1, func(info *wire.Encoder) {
			for _, t := range m.Tags {
				info.String(4, t)
			}
		})
		mg.Message(2, func(g *wire.Encoder) {
			for i := range m.Nodes {
				g.Message(1, m.Nodes[i].encode)
			}
			g.Message(4, func(v *wire.Encoder) { v.Int64(1, m.Producer) })
		})
		for _, key := range sortedKeys(m.Signatures) {
			sig := m.Signatures[key]
			mg.Message(5, func(entry *wire.Encoder) {
				entry.String(1, key).Message(2, sig.encode)
			})
		}
	})
	return e.Bytes()
}

func (n *Node) encode(e *wire.Encoder) {
	e.String(1, n.Name).String(2, n.Op)
	for _, in := range n.Inputs {
		e.String(3, in)
	}
	for _, key := range sortedKeys(n.Attrs) {
		a := n.Attrs[key]
		e.Message(5, func(entry *wire.Encoder) {
			entry.String(1, key).Message(2, a.encode)
		})
	}
}

func (a Attr) encode(e *wire.Encoder) {
	switch a.Kind {
	case AttrString:
		e.String(2, a.S)
	case AttrInt:
		e.Int64(3, a.I)
	case AttrFloat:
		e.Float32(4, a.F)
	case AttrBool:
		e.Bool(5, a.B)
	case AttrType:
		e.Int64(6, int64(a.Type))
	case AttrShape:
		e.Message(7, shapeEncoder(a.Shape))
	case AttrTensor:
		e.Message(8, a.Tensor.encode)
	case AttrInts:
		e.Message(1, func(l *wire.Encoder) { l.PackedInt64s(3, a.Ints) })
	case AttrFloats:
		e.Message(1, func(l *wire.Encoder) { l.PackedFloat32s(4, a.Floats) })
	}
}

func (t *Tensor) encode(e *wire.Encoder) {
	e.Int64(1, int64(t.DType)).Message(2, shapeEncoder(t.Shape))
	e.Blob(4, t.content())
}

// content packs the tensor values little-endian in the tensor's dtype.
func (t *Tensor) content() []byte {
	switch t.DType {
	case DTHalf:
		b := make([]byte, 2*len(t.Floats))
		for i, v := range t.Floats {
			binary.LittleEndian.PutUint16(b[2*i:], float16.Fromfloat32(v).Bits())
		}
		return b
	case DTFloat:
		b := make([]byte, 4*len(t.Floats))
		for i, v := range t.Floats {
			binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(v))
		}
		return b
	case DTInt32:
		b := make([]byte, 4*len(t.Ints))
		for i, v := range t.Ints {
			binary.LittleEndian.PutUint32(b[4*i:], uint32(int32(v)))
		}
		return b
	case DTInt64:
		b := make([]byte, 8*len(t.Ints))
		for i, v := range t.Ints {
			binary.LittleEndian.PutUint64(b[8*i:], uint64(v))
		}
		return b
	default:
		return nil
	}
}

func (s Signature) encode(e *wire.Encoder) {
	for _, key := range sortedKeys(s.Inputs) {
		info := s.Inputs[key]
		e.Message(1, func(entry *wire.Encoder) { entry.String(1, key).Message(2, info.encode) })
	}
	for _, key := range sortedKeys(s.Outputs) {
		info := s.Outputs[key]
		e.Message(2, func(entry *wire.Encoder) { entry.String(1, key).Message(2, info.encode) })
	}
	e.String(3, s.MethodName)
}

func (t TensorInfo) encode(e *wire.Encoder) {
	e.String(1, t.Name).Int64(2, int64(t.DType)).Message(3, shapeEncoder(t.Shape))
}

func shapeEncoder(shape []int64) func(e *wire.Encoder) {
	return func(e *wire.Encoder) {
		for _, d := range shape {
			e.Message(2, func(dim *wire.Encoder) { dim.Int64(1, d) })
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Decode parses saved_model.pb. Only the first meta graph is read.
//
// Arguments:
//   - b: The serialized SavedModel.
//
// Returns:
//   - *SavedModel: The decoded model.
//   - error: An error if the bytes are malformed or hold no meta graph.
func Decode(b []byte) (*SavedModel, error) {
	var (
		m     *SavedModel
		found bool
	)
	err := wire.Range(b, func(f wire.Field) error {
		if f.Num != 2 || found {
			return nil
		}
		found = true
		var err error
		m, err = decodeMetaGraph(f.Bytes)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "decode saved model")
	}
	if !found {
		return nil, errors.New("saved model has no meta graph")
	}
	return m, nil
}

func decodeMetaGraph(b []byte) (*SavedModel, error) {
	m := &SavedModel{Signatures: make(map[string]Signature)}
	err := wire.Range(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			return wire.Range(f.Bytes, func(info wire.Field) error {
				if info.Num == 4 {
					m.Tags = append(m.Tags, info.String())
				}
				return nil
			})
		case 2:
			return wire.Range(f.Bytes, func(g wire.Field) error {
				switch g.Num {
				case 1:
					n, err := decodeNode(g.Bytes)
					if err != nil {
						return err
					}
					m.Nodes = append(m.Nodes, n)
				case 4:
					return wire.Range(g.Bytes, func(v wire.Field) error {
						if v.Num == 1 {
							m.Producer = v.Int64()
						}
						return nil
					})
				}
				return nil
			})
		case 5:
			key, value, err := mapEntry(f.Bytes)
			if err != nil {
				return err
			}
			sig, err := decodeSignature(value)
			if err != nil {
				return errors.Wrapf(err, "signature %s", key)
			}
			m.Signatures[key] = sig
		}
		return nil
	})
	return m, err
}

func mapEntry(b []byte) (string, []byte, error) {
	var (
		key   string
		value []byte
	)
	err := wire.Range(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			key = f.String()
		case 2:
			value = f.Bytes
		}
		return nil
	})
	return key, value, err
}

func decodeNode(b []byte) (Node, error) {
	n := Node{Attrs: make(map[string]Attr)}
	err := wire.Range(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			n.Name = f.String()
		case 2:
			n.Op = f.String()
		case 3:
			n.Inputs = append(n.Inputs, f.String())
		case 5:
			key, value, err := mapEntry(f.Bytes)
			if err != nil {
				return err
			}
			a, err := decodeAttr(value)
			if err != nil {
				return errors.Wrapf(err, "attr %s", key)
			}
			n.Attrs[key] = a
		}
		return nil
	})
	if err != nil {
		return n, errors.Wrapf(err, "node %s", n.Name)
	}
	return n, nil
}

func decodeAttr(b []byte) (Attr, error) {
	var a Attr
	err := wire.Range(b, func(f wire.Field) error {
		var err error
		switch f.Num {
		case 1:
			return wire.Range(f.Bytes, func(l wire.Field) error {
				var err error
				switch l.Num {
				case 3:
					a.Kind = AttrInts
					var ints []int64
					ints, err = l.Int64s()
					a.Ints = append(a.Ints, ints...)
				case 4:
					a.Kind = AttrFloats
					var floats []float32
					floats, err = l.Float32s()
					a.Floats = append(a.Floats, floats...)
				}
				return err
			})
		case 2:
			a.Kind, a.S = AttrString, f.String()
		case 3:
			a.Kind, a.I = AttrInt, f.Int64()
		case 4:
			a.Kind, a.F = AttrFloat, f.Float32()
		case 5:
			a.Kind, a.B = AttrBool, f.Varint != 0
		case 6:
			a.Kind, a.Type = AttrType, DType(f.Varint)
		case 7:
			a.Kind = AttrShape
			a.Shape, err = decodeShape(f.Bytes)
		case 8:
			a.Kind = AttrTensor
			a.Tensor, err = decodeTensor(f.Bytes)
		}
		return err
	})
	return a, err
}

func decodeShape(b []byte) ([]int64, error) {
	shape := []int64{}
	err := wire.Range(b, func(f wire.Field) error {
		if f.Num != 2 {
			return nil
		}
		size := int64(0)
		err := wire.Range(f.Bytes, func(d wire.Field) error {
			if d.Num == 1 {
				size = d.Int64()
			}
			return nil
		})
		shape = append(shape, size)
		return err
	})
	return shape, err
}

func decodeTensor(b []byte) (*Tensor, error) {
	t := &Tensor{}
	var content []byte
	err := wire.Range(b, func(f wire.Field) error {
		var err error
		switch f.Num {
		case 1:
			t.DType = DType(f.Varint)
		case 2:
			t.Shape, err = decodeShape(f.Bytes)
		case 4:
			content = f.Bytes
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return t, t.fill(content)
}

func (t *Tensor) fill(b []byte) error {
	var width int
	switch t.DType {
	case DTHalf:
		width = 2
	case DTFloat, DTInt32:
		width = 4
	case DTInt64:
		width = 8
	default:
		return nil
	}
	if len(b)%width != 0 {
		return errors.Errorf("tensor content length %d not a multiple of %d", len(b), width)
	}

	n := len(b) / width
	switch t.DType {
	case DTHalf:
		t.Floats = make([]float32, n)
		for i := range t.Floats {
			t.Floats[i] = float16.Frombits(binary.LittleEndian.Uint16(b[2*i:])).Float32()
		}
	case DTFloat:
		t.Floats = make([]float32, n)
		for i := range t.Floats {
			t.Floats[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
		}
	case DTInt32:
		t.Ints = make([]int64, n)
		for i := range t.Ints {
			t.Ints[i] = int64(int32(binary.LittleEndian.Uint32(b[4*i:])))
		}
	case DTInt64:
		t.Ints = make([]int64, n)
		for i := range t.Ints {
			t.Ints[i] = int64(binary.LittleEndian.Uint64(b[8*i:]))
		}
	}
	return nil
}

func decodeSignature(b []byte) (Signature, error) {
	s := Signature{Inputs: make(map[string]TensorInfo), Outputs: make(map[string]TensorInfo)}
	err := wire.Range(b, func(f wire.Field) error {
		switch f.Num {
		case 1, 2:
			key, value, err := mapEntry(f.Bytes)
			if err != nil {
				return err
			}
			info, err := decodeTensorInfo(value)
			if err != nil {
				return err
			}
			if f.Num == 1 {
				s.Inputs[key] = info
			} else {
				s.Outputs[key] = info
			}
		case 3:
			s.MethodName = f.String()
		}
		return nil
	})
	return s, err
}

func decodeTensorInfo(b []byte) (TensorInfo, error) {
	var t TensorInfo
	err := wire.Range(b, func(f wire.Field) error {
		var err error
		switch f.Num {
		case 1:
			t.Name = f.String()
		case 2:
			t.DType = DType(f.Varint)
		case 3:
			t.Shape, err = decodeShape(f.Bytes)
		}
		return err
	})
	return t, err
}
