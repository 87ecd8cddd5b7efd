package tflite

import (
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/nvr-ai/segconvert/conversion"
	"github.com/pkg/errors"
)

// WeightStats counts constant tensor elements by storage type.
type WeightStats struct {
	Float32 int64
	Float16 int64
}

// Total returns the number of float weight elements.
func (s WeightStats) Total() int64 {
	return s.Float32 + s.Float16
}

// Info is what can be read back from a serialized TFLite model.
type Info struct {
	Version     uint32
	Description string
	Signature   conversion.Signature
	// Operators counts operators by builtin name.
	Operators map[string]int
	Tensors   int
	Buffers   int
	Weights   WeightStats
}

// table wraps a flat-buffer table with slot-indexed accessors.
type table struct {
	flatbuffers.Table
}

func (t table) field(slot int) flatbuffers.UOffsetT {
	return flatbuffers.UOffsetT(t.Offset(flatbuffers.VOffsetT(4 + 2*slot)))
}

func (t table) uint32(slot int, def uint32) uint32 {
	if o := t.field(slot); o != 0 {
		return t.GetUint32(o + t.Pos)
	}
	return def
}

func (t table) int32(slot int, def int32) int32 {
	if o := t.field(slot); o != 0 {
		return t.GetInt32(o + t.Pos)
	}
	return def
}

func (t table) int8(slot int, def int8) int8 {
	if o := t.field(slot); o != 0 {
		return t.GetInt8(o + t.Pos)
	}
	return def
}

func (t table) bytes(slot int) []byte {
	if o := t.field(slot); o != 0 {
		return t.ByteVector(o + t.Pos)
	}
	return nil
}

func (t table) len(slot int) int {
	if o := t.field(slot); o != 0 {
		return t.VectorLen(o)
	}
	return 0
}

func (t table) tableAt(slot, i int) table {
	x := t.Vector(t.field(slot)) + flatbuffers.UOffsetT(i*4)
	return table{flatbuffers.Table{Bytes: t.Bytes, Pos: t.Indirect(x)}}
}

func (t table) int32s(slot int) []int32 {
	n := t.len(slot)
	if n == 0 {
		return nil
	}
	start := t.Vector(t.field(slot))
	out := make([]int32, n)
	for i := range out {
		out[i] = t.GetInt32(start + flatbuffers.UOffsetT(i*4))
	}
	return out
}

// Inspect decodes the signature and operator inventory of a TFLite model.
//
// Arguments:
//   - data: The serialized flat-buffer.
//
// Returns:
//   - *Info: The decoded model summary.
//   - error: An error if the bytes are not a TFLite model.
func Inspect(data []byte) (info *Info, err error) {
	if len(data) < 8 || string(data[4:8]) != FileIdentifier {
		return nil, errors.New("not a TFLite model: missing TFL3 identifier")
	}
	// Malformed offsets surface as index panics inside the flat-buffer
	// accessors.
	defer func() {
		if r := recover(); r != nil {
			info, err = nil, errors.Errorf("malformed TFLite model: %v", r)
		}
	}()

	model := table{flatbuffers.Table{Bytes: data, Pos: flatbuffers.GetUOffsetT(data)}}
	info = &Info{
		Version:     model.uint32(0, 0),
		Description: string(model.bytes(3)),
		Operators:   make(map[string]int),
		Buffers:     model.len(4),
	}
	if model.len(2) == 0 {
		return nil, errors.New("TFLite model has no subgraph")
	}

	codes := make([]string, model.len(1))
	for i := range codes {
		c := model.tableAt(1, i)
		op := BuiltinOperator(c.int32(3, 0))
		if dep := BuiltinOperator(c.int8(0, 0)); op == 0 && dep != 0 {
			op = dep
		}
		codes[i] = op.String()
		if custom := c.bytes(1); op == OpCustom && len(custom) > 0 {
			codes[i] = fmt.Sprintf("CUSTOM:%s", custom)
		}
	}

	sg := model.tableAt(2, 0)
	info.Tensors = sg.len(0)
	tensors := make([]conversion.TensorSpec, info.Tensors)
	for i := range tensors {
		t := sg.tableAt(0, i)
		typ := TensorType(t.int8(1, 0))
		shape := t.int32s(0)
		spec := conversion.TensorSpec{
			Name:     string(t.bytes(3)),
			Shape:    make([]int64, len(shape)),
			ElemType: typ.ElemType(),
		}
		for j, d := range shape {
			spec.Shape[j] = int64(d)
		}
		tensors[i] = spec

		buffer := int(t.uint32(2, 0))
		if buffer == 0 || buffer >= info.Buffers {
			continue
		}
		size := int64(len(model.tableAt(4, buffer).bytes(0)))
		switch typ {
		case TensorFloat32:
			info.Weights.Float32 += size / 4
		case TensorFloat16:
			info.Weights.Float16 += size / 2
		}
	}

	for _, idx := range sg.int32s(1) {
		if int(idx) >= len(tensors) || idx < 0 {
			return nil, errors.Errorf("input tensor index %d out of range", idx)
		}
		info.Signature.Inputs = append(info.Signature.Inputs, tensors[idx])
	}
	for _, idx := range sg.int32s(2) {
		if int(idx) >= len(tensors) || idx < 0 {
			return nil, errors.Errorf("output tensor index %d out of range", idx)
		}
		info.Signature.Outputs = append(info.Signature.Outputs, tensors[idx])
	}

	for i := 0; i < sg.len(3); i++ {
		op := sg.tableAt(3, i)
		idx := int(op.uint32(0, 0))
		if idx >= len(codes) {
			return nil, errors.Errorf("operator %d references opcode %d of %d", i, idx, len(codes))
		}
		info.Operators[codes[idx]]++
	}
	return info, nil
}
