package eeprom

import "sync"

const crc16Poly = 0x1021

var crc16Table = func() [256]uint16 {
	var t [256]uint16
	for i := range t {
		crc := uint16(i) << 8
		for j := 0; j < 8; j++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ crc16Poly
			} else {
				crc <<= 1
			}
		}
		t[i] = crc
	}
	return t
}()

// crc16 computes CRC-16/CCITT-FALSE (poly 0x1021, init 0xFFFF).
func crc16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc = crc<<8 ^ crc16Table[byte(crc>>8)^b]
	}
	return crc
}

// checksumUnit is the single shared checksum engine. Every full-entry read
// or write passes through it, so it also keeps the global operation count
// that drives wear leveling.
type checksumUnit struct {
	mu  sync.Mutex
	ops uint64
}

func (u *checksumUnit) sum(data []byte) uint16 {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.ops++
	return crc16(data)
}

func (u *checksumUnit) count() uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.ops
}

func (u *checksumUnit) reset() {
	u.mu.Lock()
	u.ops = 0
	u.mu.Unlock()
}
