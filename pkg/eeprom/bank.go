package eeprom

import (
	"fmt"
	"sync/atomic"

	"github.com/KevoDB/rwwee/pkg/common/log"
)

const (
	none = -1

	// p2l sentinels
	sectorFree = -1
	sectorBad  = -2
)

// bankState is the operation currently running on a bank.
type bankState int32

const (
	bankIdle bankState = iota
	bankRead
	bankWrite
	bankErase
	bankMaintenance
)

func (s bankState) String() string {
	switch s {
	case bankIdle:
		return "idle"
	case bankRead:
		return "read"
	case bankWrite:
		return "write"
	case bankErase:
		return "erase"
	case bankMaintenance:
		return "maintenance"
	default:
		return "unknown"
	}
}

// bank is the state of one independently locked flash region. Everything
// except dirty and state is owned by the holder of lock.
type bank struct {
	id     int
	offset uint32
	lock   *bankLock
	state  atomic.Int32

	// Currently mapped block
	block       int
	blockOffset uint32

	// Page cache: one entry, header first
	cache    []byte
	cacheLPA int
	dirty    atomic.Bool
	scratch  []byte // entry buffer for checks that must not touch the cache

	// Mapping of the current block
	l2ps []int // LPA -> sector
	l2pe []int // LPA -> last known entry in sector, none if unknown
	p2l  []int // sector -> LPA, sectorFree or sectorBad

	// Reclamation victim
	dirtyBlock  int
	dirtySector int

	// Latest system log entry per block
	sysEntry []int

	logger log.Logger
}

func newBank(id int, offset uint32, lay *Layout, logger log.Logger) *bank {
	b := &bank{
		id:       id,
		offset:   offset,
		lock:     newBankLock(),
		cache:    make([]byte, lay.EntrySize),
		scratch:  make([]byte, lay.EntrySize),
		l2ps:     make([]int, lay.LPAsPerBlock),
		l2pe:     make([]int, lay.LPAsPerBlock),
		p2l:      make([]int, lay.DataSectors),
		sysEntry: make([]int, lay.BlocksPerBank),
		logger:   logger.WithField("bank", id),
	}
	b.reset()
	return b
}

// reset forgets the mapped block, the cache and any pending victim.
func (b *bank) reset() {
	b.block = none
	b.blockOffset = 0
	b.cacheLPA = none
	b.dirty.Store(false)
	for i := range b.cache {
		b.cache[i] = erased8
	}
	b.resetTables()
	b.clearVictim()
	for i := range b.sysEntry {
		b.sysEntry[i] = 0
	}
}

func (b *bank) resetTables() {
	for i := range b.l2ps {
		b.l2ps[i] = none
		b.l2pe[i] = none
	}
	for i := range b.p2l {
		b.p2l[i] = sectorFree
	}
}

func (b *bank) clearVictim() {
	b.dirtyBlock = none
	b.dirtySector = none
}

func (b *bank) setState(s bankState) bankState {
	return bankState(b.state.Swap(int32(s)))
}

func (b *bank) currentState() bankState {
	return bankState(b.state.Load())
}

// page is the payload part of the cache.
func (b *bank) page() []byte {
	return b.cache[headerSize:]
}

func corrupted(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %w: %s", ErrIO, ErrCorrupted, fmt.Sprintf(format, args...))
}

func (e *Engine) blockAddr(b *bank, block int) uint32 {
	return b.offset + uint32(block)*e.lay.ClusterSize
}

func (e *Engine) entryAddr(b *bank, entry int) uint32 {
	return b.blockOffset + uint32(entry)*e.lay.EntrySize
}

func (e *Engine) sectorAddr(b *bank, block, sector int) uint32 {
	return e.blockAddr(b, block) + uint32(sector)*e.lay.SectorSize
}

// readHeader reads the header of an entry of the mapped block.
func (e *Engine) readHeader(b *bank, entry int) (header, error) {
	var buf [headerSize]byte
	if err := e.port.Read(e.entryAddr(b, entry), buf[:]); err != nil {
		b.logger.WithField("entry", entry).Error("Failed to read entry header: %v", err)
		return header{}, fmt.Errorf("%w: read header of entry %d: %w", ErrIO, entry, err)
	}

	h := decodeHeader(buf[:])
	if !h.consistent() {
		return h, corrupted("entry %d lpa 0x%02x inv 0x%02x", entry, h.lpa, h.lpaInv)
	}
	return h, nil
}

// readEntry reads a whole entry of the mapped block into the cache and
// verifies it.
func (e *Engine) readEntry(b *bank, entry int) (header, error) {
	return e.readEntryInto(b, entry, b.cache)
}

func (e *Engine) readEntryInto(b *bank, entry int, buf []byte) (header, error) {
	if err := e.port.Read(e.entryAddr(b, entry), buf); err != nil {
		b.logger.WithField("entry", entry).Error("Failed to read entry: %v", err)
		return header{}, fmt.Errorf("%w: read entry %d: %w", ErrIO, entry, err)
	}

	h := decodeHeader(buf)
	if !h.consistent() {
		return h, corrupted("entry %d lpa 0x%02x inv 0x%02x", entry, h.lpa, h.lpaInv)
	}
	if sum := e.crc.sum(buf[headerSize:]); sum != h.crc {
		return h, corrupted("entry %d crc 0x%04x, computed 0x%04x", entry, h.crc, sum)
	}
	return h, nil
}

// writeEntry programs the cache as the given LPA into an entry of the
// mapped block.
func (e *Engine) writeEntry(b *bank, entry, lpa int) error {
	h := header{
		lpa:    uint8(lpa),
		lpaInv: ^uint8(lpa),
		crc:    e.crc.sum(b.page()),
	}
	h.encode(b.cache)

	if err := e.port.Write(e.entryAddr(b, entry), b.cache); err != nil {
		b.logger.WithField("entry", entry).Error("Failed to program entry: %v", err)
		return fmt.Errorf("%w: program entry %d: %w", ErrIO, entry, err)
	}
	return nil
}
