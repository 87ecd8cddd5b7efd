// Package wire - Protobuf wire-format helpers shared by the ONNX, CoreML and
// SavedModel codecs.
//
// The codecs only ever touch a small subset of each schema, so they walk the
// wire format directly instead of carrying generated message types. Fields a
// codec does not understand are preserved as raw bytes where it matters.
package wire

import (
	"math"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field is a single decoded protobuf field.
type Field struct {
	Num  protowire.Number
	Type protowire.Type
	// Varint holds the value for VarintType fields.
	Varint uint64
	// Fixed holds the value for Fixed32Type and Fixed64Type fields.
	Fixed uint64
	// Bytes holds the payload for BytesType fields.
	Bytes []byte
	// Raw is the complete encoding of the field, tag included.
	Raw []byte
}

// Range calls fn for every top-level field of the message in b.
//
// Arguments:
//   - b: The encoded message.
//   - fn: Called once per field, in wire order.
//
// Returns:
//   - error: A parse error, or the first error returned by fn.
func Range(b []byte, fn func(f Field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), "consume tag")
		}
		f := Field{Num: num, Type: typ}
		start := b
		b = b[n:]

		var m int
		switch typ {
		case protowire.VarintType:
			f.Varint, m = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v uint32
			v, m = protowire.ConsumeFixed32(b)
			f.Fixed = uint64(v)
		case protowire.Fixed64Type:
			f.Fixed, m = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.Bytes, m = protowire.ConsumeBytes(b)
		default:
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return errors.Wrapf(protowire.ParseError(m), "field %d", num)
		}
		f.Raw = start[:n+m]
		b = b[m:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// String returns the field payload as a string.
func (f Field) String() string {
	return string(f.Bytes)
}

// Int64 returns the field as a signed varint.
func (f Field) Int64() int64 {
	return int64(f.Varint)
}

// Float32 returns the field as a fixed32 float.
func (f Field) Float32() float32 {
	return math.Float32frombits(uint32(f.Fixed))
}

// Int64s decodes a repeated int64/int32/enum field. Both the packed and the
// unpacked encodings are accepted, since proto2 schemas such as ONNX emit the
// latter.
func (f Field) Int64s() ([]int64, error) {
	switch f.Type {
	case protowire.VarintType:
		return []int64{int64(f.Varint)}, nil
	case protowire.BytesType:
		var out []int64
		b := f.Bytes
		for len(b) > 0 {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.Wrapf(protowire.ParseError(n), "packed field %d", f.Num)
			}
			out = append(out, int64(v))
			b = b[n:]
		}
		return out, nil
	default:
		return nil, errors.Errorf("field %d: unexpected wire type %d for integers", f.Num, f.Type)
	}
}

// Float32s decodes a repeated float field, packed or unpacked.
func (f Field) Float32s() ([]float32, error) {
	switch f.Type {
	case protowire.Fixed32Type:
		return []float32{f.Float32()}, nil
	case protowire.BytesType:
		if len(f.Bytes)%4 != 0 {
			return nil, errors.Errorf("field %d: packed floats length %d not a multiple of 4", f.Num, len(f.Bytes))
		}
		out := make([]float32, 0, len(f.Bytes)/4)
		b := f.Bytes
		for len(b) > 0 {
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return nil, errors.Wrapf(protowire.ParseError(n), "packed field %d", f.Num)
			}
			out = append(out, math.Float32frombits(v))
			b = b[n:]
		}
		return out, nil
	default:
		return nil, errors.Errorf("field %d: unexpected wire type %d for floats", f.Num, f.Type)
	}
}

// Float64s decodes a repeated double field, packed or unpacked.
func (f Field) Float64s() ([]float64, error) {
	switch f.Type {
	case protowire.Fixed64Type:
		return []float64{math.Float64frombits(f.Fixed)}, nil
	case protowire.BytesType:
		if len(f.Bytes)%8 != 0 {
			return nil, errors.Errorf("field %d: packed doubles length %d not a multiple of 8", f.Num, len(f.Bytes))
		}
		out := make([]float64, 0, len(f.Bytes)/8)
		b := f.Bytes
		for len(b) > 0 {
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, errors.Wrapf(protowire.ParseError(n), "packed field %d", f.Num)
			}
			out = append(out, math.Float64frombits(v))
			b = b[n:]
		}
		return out, nil
	default:
		return nil, errors.Errorf("field %d: unexpected wire type %d for doubles", f.Num, f.Type)
	}
}
