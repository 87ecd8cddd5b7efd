package wire

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Encoder appends protobuf fields to a buffer. Zero values are written as-is;
// callers skip fields they want omitted.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an empty encoder.
func NewEncoder() *Encoder {
	return &Encoder{}
}

// Bytes returns the encoded message.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Len returns the encoded length so far.
func (e *Encoder) Len() int {
	return len(e.buf)
}

// Varint appends an integer field.
func (e *Encoder) Varint(num protowire.Number, v uint64) *Encoder {
	e.buf = protowire.AppendTag(e.buf, num, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, v)
	return e
}

// Int64 appends a signed integer field.
func (e *Encoder) Int64(num protowire.Number, v int64) *Encoder {
	return e.Varint(num, uint64(v))
}

// Bool appends a bool field.
func (e *Encoder) Bool(num protowire.Number, v bool) *Encoder {
	return e.Varint(num, protowire.EncodeBool(v))
}

// Float32 appends a float field.
func (e *Encoder) Float32(num protowire.Number, v float32) *Encoder {
	e.buf = protowire.AppendTag(e.buf, num, protowire.Fixed32Type)
	e.buf = protowire.AppendFixed32(e.buf, math.Float32bits(v))
	return e
}

// Float64 appends a double field.
func (e *Encoder) Float64(num protowire.Number, v float64) *Encoder {
	e.buf = protowire.AppendTag(e.buf, num, protowire.Fixed64Type)
	e.buf = protowire.AppendFixed64(e.buf, math.Float64bits(v))
	return e
}

// String appends a string field.
func (e *Encoder) String(num protowire.Number, s string) *Encoder {
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendString(e.buf, s)
	return e
}

// Blob appends a bytes field.
func (e *Encoder) Blob(num protowire.Number, b []byte) *Encoder {
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, b)
	return e
}

// Message appends a nested message built by fn.
func (e *Encoder) Message(num protowire.Number, fn func(m *Encoder)) *Encoder {
	inner := NewEncoder()
	fn(inner)
	return e.Blob(num, inner.buf)
}

// PackedInt64s appends a packed repeated integer field.
func (e *Encoder) PackedInt64s(num protowire.Number, vs []int64) *Encoder {
	var b []byte
	for _, v := range vs {
		b = protowire.AppendVarint(b, uint64(v))
	}
	return e.Blob(num, b)
}

// Int64s appends an unpacked repeated integer field, one tag per element.
func (e *Encoder) Int64s(num protowire.Number, vs []int64) *Encoder {
	for _, v := range vs {
		e.Int64(num, v)
	}
	return e
}

// PackedFloat32s appends a packed repeated float field.
func (e *Encoder) PackedFloat32s(num protowire.Number, vs []float32) *Encoder {
	b := make([]byte, 0, 4*len(vs))
	for _, v := range vs {
		b = protowire.AppendFixed32(b, math.Float32bits(v))
	}
	return e.Blob(num, b)
}

// Raw appends already-encoded fields verbatim.
func (e *Encoder) Raw(b []byte) *Encoder {
	e.buf = append(e.buf, b...)
	return e
}
