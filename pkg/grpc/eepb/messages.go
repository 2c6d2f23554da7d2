// Package eepb holds the wire messages of the rwwee.EEPROM gRPC service.
// Messages are encoded in the protobuf wire format with protowire; field
// numbers are listed next to each field.
package eepb

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed is returned when a message cannot be decoded
var ErrMalformed = errors.New("eepb: malformed message")

// Message is implemented by every wire message
type Message interface {
	Marshal() ([]byte, error)
	Unmarshal(b []byte) error
}

// ReadRequest asks for Length bytes starting at Addr
type ReadRequest struct {
	Addr   uint32 // 1
	Length uint32 // 2
}

// ReadResponse carries the data read and its xxhash64
type ReadResponse struct {
	Data     []byte // 1
	Checksum uint64 // 2
}

// WriteRequest stores Data at Addr. Checksum is the xxhash64 of Data.
type WriteRequest struct {
	Addr     uint32 // 1
	Data     []byte // 2
	Checksum uint64 // 3
	Sync     bool   // 4
}

// WriteResponse reports how many bytes were written
type WriteResponse struct {
	Written uint32 // 1
}

// FlushRequest flushes the emulator. With WriteBackOnly the system log is
// left untouched.
type FlushRequest struct {
	WriteBackOnly bool // 1
}

// FlushResponse is empty
type FlushResponse struct{}

// ParamRequest is empty
type ParamRequest struct{}

// ParamResponse describes the emulated address space
type ParamResponse struct {
	PageSize      uint32 // 1
	BankSize      uint32 // 2
	Banks         uint32 // 3
	TotalSize     uint32 // 4
	HashAlgorithm string // 5
}

// StatsRequest is empty
type StatsRequest struct{}

// StatsResponse carries the statistics as a JSON document
type StatsResponse struct {
	Json []byte // 1
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendUint(b, num, 1)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendFixed64(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, v)
}

// field is one decoded field value
type field struct {
	num   protowire.Number
	typ   protowire.Type
	u     uint64
	bytes []byte
}

func (f field) uint32() (uint32, error) {
	if f.typ != protowire.VarintType {
		return 0, fmt.Errorf("%w: field %d is not a varint", ErrMalformed, f.num)
	}
	if f.u > 0xFFFFFFFF {
		return 0, fmt.Errorf("%w: field %d overflows uint32", ErrMalformed, f.num)
	}
	return uint32(f.u), nil
}

func (f field) bool() (bool, error) {
	if f.typ != protowire.VarintType {
		return false, fmt.Errorf("%w: field %d is not a varint", ErrMalformed, f.num)
	}
	return f.u != 0, nil
}

func (f field) fixed64() (uint64, error) {
	if f.typ != protowire.Fixed64Type {
		return 0, fmt.Errorf("%w: field %d is not fixed64", ErrMalformed, f.num)
	}
	return f.u, nil
}

func (f field) data() ([]byte, error) {
	if f.typ != protowire.BytesType {
		return nil, fmt.Errorf("%w: field %d is not length delimited", ErrMalformed, f.num)
	}
	return append([]byte(nil), f.bytes...), nil
}

// decode walks the fields of b. Unknown fields reach fn too and are
// ignored there.
func decode(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.u, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			f.u, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
		}
		b = b[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// Marshal encodes the request
func (m *ReadRequest) Marshal() ([]byte, error) {
	var b []byte
	b = appendUint(b, 1, uint64(m.Addr))
	b = appendUint(b, 2, uint64(m.Length))
	return b, nil
}

// Unmarshal decodes the request
func (m *ReadRequest) Unmarshal(b []byte) error {
	*m = ReadRequest{}
	return decode(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.Addr, err = f.uint32()
		case 2:
			m.Length, err = f.uint32()
		}
		return err
	})
}

// Marshal encodes the response
func (m *ReadResponse) Marshal() ([]byte, error) {
	var b []byte
	b = appendBytes(b, 1, m.Data)
	b = appendFixed64(b, 2, m.Checksum)
	return b, nil
}

// Unmarshal decodes the response
func (m *ReadResponse) Unmarshal(b []byte) error {
	*m = ReadResponse{}
	return decode(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.Data, err = f.data()
		case 2:
			m.Checksum, err = f.fixed64()
		}
		return err
	})
}

// Marshal encodes the request
func (m *WriteRequest) Marshal() ([]byte, error) {
	var b []byte
	b = appendUint(b, 1, uint64(m.Addr))
	b = appendBytes(b, 2, m.Data)
	b = appendFixed64(b, 3, m.Checksum)
	b = appendBool(b, 4, m.Sync)
	return b, nil
}

// Unmarshal decodes the request
func (m *WriteRequest) Unmarshal(b []byte) error {
	*m = WriteRequest{}
	return decode(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.Addr, err = f.uint32()
		case 2:
			m.Data, err = f.data()
		case 3:
			m.Checksum, err = f.fixed64()
		case 4:
			m.Sync, err = f.bool()
		}
		return err
	})
}

// Marshal encodes the response
func (m *WriteResponse) Marshal() ([]byte, error) {
	return appendUint(nil, 1, uint64(m.Written)), nil
}

// Unmarshal decodes the response
func (m *WriteResponse) Unmarshal(b []byte) error {
	*m = WriteResponse{}
	return decode(b, func(f field) (err error) {
		if f.num == 1 {
			m.Written, err = f.uint32()
		}
		return err
	})
}

// Marshal encodes the request
func (m *FlushRequest) Marshal() ([]byte, error) {
	return appendBool(nil, 1, m.WriteBackOnly), nil
}

// Unmarshal decodes the request
func (m *FlushRequest) Unmarshal(b []byte) error {
	*m = FlushRequest{}
	return decode(b, func(f field) (err error) {
		if f.num == 1 {
			m.WriteBackOnly, err = f.bool()
		}
		return err
	})
}

// Marshal encodes the response
func (m *FlushResponse) Marshal() ([]byte, error) { return nil, nil }

// Unmarshal decodes the response
func (m *FlushResponse) Unmarshal(b []byte) error {
	return decode(b, func(field) error { return nil })
}

// Marshal encodes the request
func (m *ParamRequest) Marshal() ([]byte, error) { return nil, nil }

// Unmarshal decodes the request
func (m *ParamRequest) Unmarshal(b []byte) error {
	return decode(b, func(field) error { return nil })
}

// Marshal encodes the response
func (m *ParamResponse) Marshal() ([]byte, error) {
	var b []byte
	b = appendUint(b, 1, uint64(m.PageSize))
	b = appendUint(b, 2, uint64(m.BankSize))
	b = appendUint(b, 3, uint64(m.Banks))
	b = appendUint(b, 4, uint64(m.TotalSize))
	b = appendBytes(b, 5, []byte(m.HashAlgorithm))
	return b, nil
}

// Unmarshal decodes the response
func (m *ParamResponse) Unmarshal(b []byte) error {
	*m = ParamResponse{}
	return decode(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.PageSize, err = f.uint32()
		case 2:
			m.BankSize, err = f.uint32()
		case 3:
			m.Banks, err = f.uint32()
		case 4:
			m.TotalSize, err = f.uint32()
		case 5:
			var s []byte
			s, err = f.data()
			m.HashAlgorithm = string(s)
		}
		return err
	})
}

// Marshal encodes the request
func (m *StatsRequest) Marshal() ([]byte, error) { return nil, nil }

// Unmarshal decodes the request
func (m *StatsRequest) Unmarshal(b []byte) error {
	return decode(b, func(field) error { return nil })
}

// Marshal encodes the response
func (m *StatsResponse) Marshal() ([]byte, error) {
	return appendBytes(nil, 1, m.Json), nil
}

// Unmarshal decodes the response
func (m *StatsResponse) Unmarshal(b []byte) error {
	*m = StatsResponse{}
	return decode(b, func(f field) (err error) {
		if f.num == 1 {
			m.Json, err = f.data()
		}
		return err
	})
}
