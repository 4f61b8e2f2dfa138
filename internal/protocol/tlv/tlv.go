// Package tlv owns the field encoding used inside relay frame payloads.
//
// Each field is id u16 | type u8 | length u32 | value, big endian. Unknown
// field ids are preserved by DecodeFields and ignored by lookups.
package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const HeaderLen = 7

var (
	ErrShortFieldHeader = errors.New("tlv: short field header")
	ErrShortFieldValue  = errors.New("tlv: short field value")
	ErrMissingField     = errors.New("tlv: missing field")
	ErrTypeMismatch     = errors.New("tlv: field type mismatch")
	ErrBadLength        = errors.New("tlv: bad value length")
)

const (
	TypeU16    uint8 = 2
	TypeU32    uint8 = 3
	TypeU64    uint8 = 4
	TypeString uint8 = 6
	TypeBytes  uint8 = 7
)

// Field is one decoded TLV field.
type Field struct {
	ID    uint16
	Type  uint8
	Value []byte
}

func U16(id uint16, v uint16) Field {
	return Field{ID: id, Type: TypeU16, Value: binary.BigEndian.AppendUint16(nil, v)}
}

func U32(id uint16, v uint32) Field {
	return Field{ID: id, Type: TypeU32, Value: binary.BigEndian.AppendUint32(nil, v)}
}

func U64(id uint16, v uint64) Field {
	return Field{ID: id, Type: TypeU64, Value: binary.BigEndian.AppendUint64(nil, v)}
}

func String(id uint16, s string) Field {
	return Field{ID: id, Type: TypeString, Value: []byte(s)}
}

func Bytes(id uint16, b []byte) Field {
	return Field{ID: id, Type: TypeBytes, Value: append([]byte(nil), b...)}
}

func EncodeFields(fields []Field) []byte {
	n := 0
	for _, f := range fields {
		n += HeaderLen + len(f.Value)
	}
	out := make([]byte, 0, n)
	for _, f := range fields {
		out = binary.BigEndian.AppendUint16(out, f.ID)
		out = append(out, f.Type)
		out = binary.BigEndian.AppendUint32(out, uint32(len(f.Value)))
		out = append(out, f.Value...)
	}
	return out
}

func DecodeFields(payload []byte) ([]Field, error) {
	var fields []Field
	i := 0
	for i < len(payload) {
		if len(payload)-i < HeaderLen {
			return nil, ErrShortFieldHeader
		}
		id := binary.BigEndian.Uint16(payload[i : i+2])
		typeID := payload[i+2]
		l := binary.BigEndian.Uint32(payload[i+3 : i+7])
		i += HeaderLen
		if uint32(len(payload)-i) < l {
			return nil, ErrShortFieldValue
		}
		val := make([]byte, l)
		copy(val, payload[i:i+int(l)])
		i += int(l)
		fields = append(fields, Field{ID: id, Type: typeID, Value: val})
	}
	return fields, nil
}

// Lookup returns the first field with id, checking its type.
func Lookup(fields []Field, id uint16, typ uint8) (Field, error) {
	for _, f := range fields {
		if f.ID != id {
			continue
		}
		if f.Type != typ {
			return Field{}, fmt.Errorf("%w: field %d got %d want %d", ErrTypeMismatch, id, f.Type, typ)
		}
		return f, nil
	}
	return Field{}, fmt.Errorf("%w: %d", ErrMissingField, id)
}

func GetU32(fields []Field, id uint16) (uint32, error) {
	f, err := Lookup(fields, id, TypeU32)
	if err != nil {
		return 0, err
	}
	if len(f.Value) != 4 {
		return 0, fmt.Errorf("%w: field %d u32 len %d", ErrBadLength, id, len(f.Value))
	}
	return binary.BigEndian.Uint32(f.Value), nil
}

func GetU64(fields []Field, id uint16) (uint64, error) {
	f, err := Lookup(fields, id, TypeU64)
	if err != nil {
		return 0, err
	}
	if len(f.Value) != 8 {
		return 0, fmt.Errorf("%w: field %d u64 len %d", ErrBadLength, id, len(f.Value))
	}
	return binary.BigEndian.Uint64(f.Value), nil
}

func GetString(fields []Field, id uint16) (string, error) {
	f, err := Lookup(fields, id, TypeString)
	if err != nil {
		return "", err
	}
	return string(f.Value), nil
}

func GetBytes(fields []Field, id uint16) ([]byte, error) {
	f, err := Lookup(fields, id, TypeBytes)
	if err != nil {
		return nil, err
	}
	return f.Value, nil
}
