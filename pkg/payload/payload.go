// Package payload normalizes the byte representations accepted by write
// operations into a single read-only byte view.
//
// Three representations are accepted: an immutable byte sequence, a mutable
// *bytes.Buffer owned by the caller, and a typed array whose element type is
// exactly one unsigned byte wide. Everything else is rejected with
// INVALID_PAYLOAD_TYPE before any storage I/O takes place.
package payload

import (
	"bytes"
	"fmt"

	"github.com/donkomura/fsspec-chfs/pkg/errors"
)

// Kind discriminates the Payload union.
type Kind int

const (
	KindBytes Kind = iota
	KindBuffer
	KindArray
)

// String returns the string representation of the kind
func (k Kind) String() string {
	switch k {
	case KindBytes:
		return "bytes"
	case KindBuffer:
		return "buffer"
	case KindArray:
		return "array"
	default:
		return "unknown"
	}
}

// ElementType declares the element type of an array payload.
type ElementType struct {
	// Width is the element size in bytes.
	Width  int
	Signed bool
	Float  bool
}

// Common element types.
var (
	Uint8   = ElementType{Width: 1}
	Int8    = ElementType{Width: 1, Signed: true}
	Uint16  = ElementType{Width: 2}
	Int16   = ElementType{Width: 2, Signed: true}
	Uint32  = ElementType{Width: 4}
	Int32   = ElementType{Width: 4, Signed: true}
	Uint64  = ElementType{Width: 8}
	Int64   = ElementType{Width: 8, Signed: true}
	Float32 = ElementType{Width: 4, Signed: true, Float: true}
	Float64 = ElementType{Width: 8, Signed: true, Float: true}
)

// String returns a dtype-like name, e.g. "uint8" or "float64".
func (e ElementType) String() string {
	switch {
	case e.Float:
		return fmt.Sprintf("float%d", e.Width*8)
	case e.Signed:
		return fmt.Sprintf("int%d", e.Width*8)
	default:
		return fmt.Sprintf("uint%d", e.Width*8)
	}
}

// IsByte reports whether the element type is exactly unsigned 8-bit.
func (e ElementType) IsByte() bool {
	return e.Width == 1 && !e.Signed && !e.Float
}

// Payload is a tagged union over the accepted input representations.
// The zero value is an empty byte payload.
type Payload struct {
	kind Kind
	data []byte
	buf  *bytes.Buffer
	elem ElementType
}

// Bytes wraps an immutable byte sequence. The slice is not copied; callers
// must not mutate it until the write completes.
func Bytes(b []byte) Payload {
	return Payload{kind: KindBytes, data: b}
}

// String wraps the bytes of s.
func String(s string) Payload {
	return Payload{kind: KindBytes, data: []byte(s)}
}

// Buffer takes a temporary read-only view of a caller-owned buffer. The
// buffer's unread portion is used and its read offset is not advanced.
func Buffer(b *bytes.Buffer) Payload {
	return Payload{kind: KindBuffer, buf: b}
}

// Array wraps the raw little-endian storage of a typed array with the given
// element type. The element type is checked by Normalize, not here.
func Array(elem ElementType, raw []byte) Payload {
	return Payload{kind: KindArray, data: raw, elem: elem}
}

// FromSlice builds an array payload from a typed Go slice. Only []uint8
// ([]byte) carries a byte-compatible element type; other slices produce a
// payload that Normalize rejects.
func FromSlice(v interface{}) (Payload, error) {
	switch s := v.(type) {
	case []uint8:
		return Array(Uint8, s), nil
	case []int8:
		return Array(Int8, nil), nil
	case []uint16:
		return Array(Uint16, nil), nil
	case []int16:
		return Array(Int16, nil), nil
	case []uint32:
		return Array(Uint32, nil), nil
	case []int32:
		return Array(Int32, nil), nil
	case []uint64:
		return Array(Uint64, nil), nil
	case []int64:
		return Array(Int64, nil), nil
	case []int:
		return Array(Int64, nil), nil
	case []float32:
		return Array(Float32, nil), nil
	case []float64:
		return Array(Float64, nil), nil
	default:
		return Payload{}, errors.Newf(errors.ErrCodeInvalidPayloadType, "unsupported slice type %T", v).
			WithOperation("normalize")
	}
}

// From dispatches over every representation the adapter accepts.
func From(v interface{}) (Payload, error) {
	switch x := v.(type) {
	case Payload:
		return x, nil
	case *Payload:
		if x == nil {
			return Payload{}, nil
		}
		return *x, nil
	case []byte:
		return Bytes(x), nil
	case string:
		return String(x), nil
	case *bytes.Buffer:
		return Buffer(x), nil
	case nil:
		return Payload{}, nil
	default:
		return FromSlice(v)
	}
}

// Kind returns the representation tag.
func (p Payload) Kind() Kind {
	return p.kind
}

// Elem returns the array element type. It is Uint8 for non-array payloads.
func (p Payload) Elem() ElementType {
	if p.kind != KindArray {
		return Uint8
	}
	return p.elem
}

// Len returns the payload length in bytes.
func (p Payload) Len() int {
	if p.kind == KindBuffer {
		if p.buf == nil {
			return 0
		}
		return p.buf.Len()
	}
	return len(p.data)
}

// Normalize returns a read-only byte view of p, or INVALID_PAYLOAD_TYPE if
// p is an array whose element type is not exactly unsigned 8-bit. It never
// copies and has no side effects.
func Normalize(p Payload) ([]byte, error) {
	switch p.kind {
	case KindBytes:
		return p.data, nil
	case KindBuffer:
		if p.buf == nil {
			return nil, nil
		}
		return p.buf.Bytes(), nil
	case KindArray:
		if !p.elem.IsByte() {
			return nil, errors.Newf(errors.ErrCodeInvalidPayloadType,
				"array element type %s is not byte-compatible", p.elem).
				WithOperation("normalize").
				WithContext("dtype", p.elem.String())
		}
		return p.data, nil
	default:
		return nil, errors.Newf(errors.ErrCodeInvalidPayloadType, "unknown payload kind %d", p.kind).
			WithOperation("normalize")
	}
}

// NormalizeAll validates and normalizes every payload in m. It fails on the
// first invalid payload without returning any views.
func NormalizeAll(m map[string]Payload) (map[string][]byte, error) {
	out := make(map[string][]byte, len(m))
	for key, p := range m {
		b, err := Normalize(p)
		if err != nil {
			var fe *errors.FSError
			if errors.As(err, &fe) {
				fe.WithPath(key)
			}
			return nil, err
		}
		out[key] = b
	}
	return out, nil
}
