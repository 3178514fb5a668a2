package types

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed is returned when canonical bytes cannot be decoded.
var ErrMalformed = errors.New("malformed encoding")

// Encoder appends protobuf wire-format fields in a fixed order, giving every value
// a single canonical byte representation.
type Encoder struct {
	buf []byte
}

// Uint appends a varint field. Zero values are still written.
func (e *Encoder) Uint(num protowire.Number, v uint64) *Encoder {
	e.buf = protowire.AppendTag(e.buf, num, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, v)
	return e
}

// Bool appends a boolean as a varint field.
func (e *Encoder) Bool(num protowire.Number, v bool) *Encoder {
	return e.Uint(num, protowire.EncodeBool(v))
}

// Bytes appends a length-delimited field.
func (e *Encoder) Bytes(num protowire.Number, v []byte) *Encoder {
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, v)
	return e
}

// Output returns the encoded bytes.
func (e *Encoder) Output() []byte {
	return e.buf
}

// Field is one decoded wire field.
type Field struct {
	Num   protowire.Number
	Type  protowire.Type
	Uint  uint64
	Bytes []byte
}

// DecodeFields splits data into fields. Only varint and length-delimited fields are allowed.
func DecodeFields(data []byte) ([]Field, error) {
	var fields []Field
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		data = data[n:]

		f := Field{Num: num, Type: typ}
		switch typ {
		case protowire.VarintType:
			f.Uint, n = protowire.ConsumeVarint(data)
		case protowire.BytesType:
			f.Bytes, n = protowire.ConsumeBytes(data)
		default:
			return nil, fmt.Errorf("%w: unsupported wire type %d for field %d", ErrMalformed, typ, num)
		}
		if n < 0 {
			return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
		}
		data = data[n:]
		fields = append(fields, f)
	}
	return fields, nil
}

// ExpectType checks the wire type of a decoded field.
func (f Field) ExpectType(typ protowire.Type) error {
	if f.Type != typ {
		return fmt.Errorf("%w: field %d has wire type %d, expected %d", ErrMalformed, f.Num, f.Type, typ)
	}
	return nil
}

// Hash returns the field payload as a Hash.
func (f Field) Hash() (Hash, error) {
	if err := f.ExpectType(protowire.BytesType); err != nil {
		return ZeroHash, err
	}
	h, err := BytesToHash(f.Bytes)
	if err != nil {
		return ZeroHash, fmt.Errorf("%w: field %d: %v", ErrMalformed, f.Num, err)
	}
	return h, nil
}

// PublicKey returns the field payload as a PublicKey.
func (f Field) PublicKey() (PublicKey, error) {
	var pk PublicKey
	if err := f.ExpectType(protowire.BytesType); err != nil {
		return pk, err
	}
	if len(f.Bytes) != len(pk) {
		return pk, fmt.Errorf("%w: field %d: public key length %d", ErrMalformed, f.Num, len(f.Bytes))
	}
	copy(pk[:], f.Bytes)
	return pk, nil
}
