package eeprom

import (
	"encoding/binary"
	"fmt"

	"github.com/KevoDB/rwwee/pkg/config"
)

const (
	headerSize = config.EntryHeaderSize

	// systemID marks a formatted system entry ("MX")
	systemID uint16 = 0x4D58

	erased8  = 0xFF
	erased16 = 0xFFFF

	// systemRecordSize is the encoded part of a 16 byte system slot
	systemRecordSize = 8
)

// sysOp is the operation recorded in a system entry.
type sysOp uint16

const (
	opsRead       sysOp = 0x5244
	opsWrite      sysOp = 0x7772
	opsEraseBegin sysOp = 0x4553
	opsEraseEnd   sysOp = 0x6565
	opsNone       sysOp = 0x4E4E
)

func (o sysOp) String() string {
	switch o {
	case opsRead:
		return "read"
	case opsWrite:
		return "write"
	case opsEraseBegin:
		return "erase-begin"
	case opsEraseEnd:
		return "erase-end"
	case opsNone:
		return "none"
	case erased16:
		return "empty"
	default:
		return fmt.Sprintf("ops(0x%04x)", uint16(o))
	}
}

// header precedes every page payload on flash.
type header struct {
	lpa    uint8
	lpaInv uint8
	crc    uint16
}

func decodeHeader(b []byte) header {
	return header{
		lpa:    b[0],
		lpaInv: b[1],
		crc:    binary.LittleEndian.Uint16(b[2:4]),
	}
}

func (h header) encode(b []byte) {
	b[0] = h.lpa
	b[1] = h.lpaInv
	binary.LittleEndian.PutUint16(b[2:4], h.crc)
}

func (h header) empty() bool {
	return h.lpa == erased8
}

// consistent checks the redundant LPA copy. An erased header passes as well.
func (h header) consistent() bool {
	sum := int(h.lpa) + int(h.lpaInv)
	return sum == erased8 || sum == erased8+erased8
}

// systemEntry is one record of the per-block system log.
type systemEntry struct {
	id    uint16
	ops   sysOp
	arg   uint16
	cksum uint16
}

func newSystemEntry(ops sysOp, arg uint16) systemEntry {
	return systemEntry{
		id:    systemID,
		ops:   ops,
		arg:   arg,
		cksum: systemID ^ uint16(ops) ^ arg,
	}
}

func decodeSystemEntry(b []byte) systemEntry {
	return systemEntry{
		id:    binary.LittleEndian.Uint16(b[0:2]),
		ops:   sysOp(binary.LittleEndian.Uint16(b[2:4])),
		arg:   binary.LittleEndian.Uint16(b[4:6]),
		cksum: binary.LittleEndian.Uint16(b[6:8]),
	}
}

func (s systemEntry) encode() []byte {
	b := make([]byte, systemRecordSize)
	binary.LittleEndian.PutUint16(b[0:2], s.id)
	binary.LittleEndian.PutUint16(b[2:4], uint16(s.ops))
	binary.LittleEndian.PutUint16(b[4:6], s.arg)
	binary.LittleEndian.PutUint16(b[6:8], s.cksum)
	return b
}

// valid reports whether the record is either a checksummed formatted entry
// or fully erased.
func (s systemEntry) valid() bool {
	if s.id != systemID && s.id != erased16 {
		return false
	}
	return s.cksum == s.id^uint16(s.ops)^s.arg
}

func (s systemEntry) formatted() bool {
	return s.id == systemID
}

func (s systemEntry) empty() bool {
	return uint16(s.ops) == erased16 && s.arg == erased16
}
