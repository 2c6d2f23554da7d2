// Package nor simulates a read-while-write NOR flash chip.
//
// Programming can only clear bits and erasing sets a whole sector back to
// 0xFF. The chip is split into flash banks: while a program or erase keeps one
// bank busy, reads from every other bank proceed, and reads from the busy
// bank wait until it becomes idle again. At most one program or erase is in
// flight on the chip at any time.
package nor

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevoDB/rwwee/pkg/common/log"
	"github.com/KevoDB/rwwee/pkg/config"
)

var (
	ErrOutOfRange = errors.New("nor: address out of range")
	ErrUnaligned  = errors.New("nor: erase is not sector aligned")
	ErrProtected  = errors.New("nor: region is write protected")
	ErrIO         = errors.New("nor: operation failed")
	ErrGeometry   = errors.New("nor: invalid geometry")
)

// Op identifies a raw flash operation.
type Op int

const (
	OpRead Op = iota
	OpProgram
	OpErase
)

func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpProgram:
		return "program"
	case OpErase:
		return "erase"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// Geometry describes the physical layout of a chip.
type Geometry struct {
	Size       uint32 // total bytes
	SectorSize uint32 // erase unit
	PageSize   uint32 // program unit
	BankSize   uint32 // RWW bank; 0 means the chip is a single bank
}

// GeometryFromConfig derives the chip geometry from an EEPROM configuration.
func GeometryFromConfig(cfg *config.Config) Geometry {
	return Geometry{
		Size:       cfg.FlashSize,
		SectorSize: cfg.SectorSize,
		PageSize:   cfg.FlashPageSize,
		BankSize:   cfg.FlashBankSize,
	}
}

func (g Geometry) validate() error {
	if g.Size == 0 || g.SectorSize == 0 || g.PageSize == 0 {
		return fmt.Errorf("%w: size, sector size and page size must be positive", ErrGeometry)
	}
	if g.Size%g.SectorSize != 0 {
		return fmt.Errorf("%w: size 0x%x is not a multiple of sector size 0x%x", ErrGeometry, g.Size, g.SectorSize)
	}
	if g.SectorSize%g.PageSize != 0 {
		return fmt.Errorf("%w: page size 0x%x does not divide sector size 0x%x", ErrGeometry, g.PageSize, g.SectorSize)
	}
	if g.BankSize != 0 && (g.Size%g.BankSize != 0 || g.BankSize%g.SectorSize != 0) {
		return fmt.Errorf("%w: bank size 0x%x does not tile the chip", ErrGeometry, g.BankSize)
	}
	return nil
}

func (g Geometry) banks() int {
	if g.BankSize == 0 {
		return 1
	}
	return int(g.Size / g.BankSize)
}

// Timing adds simulated busy time to program and erase operations.
type Timing struct {
	ProgramDelay time.Duration // per program page
	EraseDelay   time.Duration // per sector
}

// A Fault is consulted before every raw operation. A non-nil error aborts the
// operation after done bytes have been applied, which models a failed or
// interrupted program or erase.
type Fault func(op Op, addr, length uint32) (done uint32, err error)

// Option configures a Chip
type Option func(*Chip)

// WithTiming sets the simulated program and erase times
func WithTiming(t Timing) Option {
	return func(c *Chip) {
		c.timing = t
	}
}

// WithLogger sets the logger used for failed operations
func WithLogger(logger log.Logger) Option {
	return func(c *Chip) {
		c.logger = logger
	}
}

// WithFault installs a fault hook at construction time
func WithFault(f Fault) Option {
	return func(c *Chip) {
		c.fault = f
	}
}

type flashBank struct {
	mu   sync.Mutex
	idle *sync.Cond
	busy bool
}

// Chip is a simulated NOR flash device over a Backing.
type Chip struct {
	geo     Geometry
	backing Backing
	timing  Timing
	logger  log.Logger

	// writeMu admits one program or erase at a time
	writeMu sync.Mutex
	banks   []*flashBank

	faultMu sync.RWMutex
	fault   Fault

	protect *protection

	eraseCounts []atomic.Uint32

	reads           atomic.Uint64
	programs        atomic.Uint64
	erases          atomic.Uint64
	bytesRead       atomic.Uint64
	bytesProgrammed atomic.Uint64
	failures        atomic.Uint64
}

// NewChip creates a chip with the given geometry over backing. The backing
// must be at least geo.Size bytes.
func NewChip(geo Geometry, backing Backing, opts ...Option) (*Chip, error) {
	if err := geo.validate(); err != nil {
		return nil, err
	}

	c := &Chip{
		geo:         geo,
		backing:     backing,
		logger:      log.GetDefaultLogger().WithField("component", "nor"),
		banks:       make([]*flashBank, geo.banks()),
		protect:     newProtection(geo.Size),
		eraseCounts: make([]atomic.Uint32, geo.Size/geo.SectorSize),
	}
	for i := range c.banks {
		b := &flashBank{}
		b.idle = sync.NewCond(&b.mu)
		c.banks[i] = b
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NewMemoryChip creates an erased chip backed by memory.
func NewMemoryChip(geo Geometry, opts ...Option) (*Chip, error) {
	return NewChip(geo, NewMemoryBacking(geo.Size), opts...)
}

// Geometry returns the chip geometry
func (c *Chip) Geometry() Geometry {
	return c.geo
}

// SetFault replaces the fault hook; nil removes it.
func (c *Chip) SetFault(f Fault) {
	c.faultMu.Lock()
	c.fault = f
	c.faultMu.Unlock()
}

func (c *Chip) checkFault(op Op, addr, length uint32) (uint32, error) {
	c.faultMu.RLock()
	f := c.fault
	c.faultMu.RUnlock()
	if f == nil {
		return length, nil
	}
	done, err := f(op, addr, length)
	if err == nil {
		return length, nil
	}
	if done > length {
		done = length
	}
	return done, err
}

func (c *Chip) checkRange(addr uint32, length int) error {
	if uint64(addr)+uint64(length) > uint64(c.geo.Size) {
		return fmt.Errorf("%w: [0x%08x, +%d) beyond 0x%08x", ErrOutOfRange, addr, length, c.geo.Size)
	}
	return nil
}

func (c *Chip) bankOf(addr uint32) (*flashBank, uint32) {
	if c.geo.BankSize == 0 {
		return c.banks[0], c.geo.Size
	}
	idx := addr / c.geo.BankSize
	return c.banks[idx], (idx + 1) * c.geo.BankSize
}

// BankBusy reports whether a program or erase is in flight on the flash bank
// containing addr.
func (c *Chip) BankBusy(addr uint32) bool {
	b, _ := c.bankOf(addr)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.busy
}

// Read copies len(buf) bytes starting at addr. A read that spans flash banks
// is split and each piece only waits for its own bank.
func (c *Chip) Read(addr uint32, buf []byte) error {
	if err := c.checkRange(addr, len(buf)); err != nil {
		return err
	}
	done, ferr := c.checkFault(OpRead, addr, uint32(len(buf)))

	for off := uint32(0); off < done; {
		b, bankEnd := c.bankOf(addr + off)
		n := done - off
		if bankEnd-(addr+off) < n {
			n = bankEnd - (addr + off)
		}

		b.mu.Lock()
		for b.busy {
			b.idle.Wait()
		}
		_, err := c.backing.ReadAt(buf[off:off+n], int64(addr+off))
		b.mu.Unlock()
		if err != nil && err != io.EOF {
			c.failures.Add(1)
			return fmt.Errorf("%w: read 0x%08x: %v", ErrIO, addr+off, err)
		}
		off += n
	}

	c.reads.Add(1)
	c.bytesRead.Add(uint64(done))
	if ferr != nil {
		c.failures.Add(1)
		return fmt.Errorf("%w: read 0x%08x: %v", ErrIO, addr, ferr)
	}
	return nil
}

// begin marks the bank holding addr busy. The caller holds writeMu.
func (c *Chip) begin(addr uint32) *flashBank {
	b, _ := c.bankOf(addr)
	b.mu.Lock()
	b.busy = true
	b.mu.Unlock()
	return b
}

func (c *Chip) end(b *flashBank, delay time.Duration) {
	if delay > 0 {
		time.Sleep(delay)
	}
	b.mu.Lock()
	b.busy = false
	b.idle.Broadcast()
	b.mu.Unlock()
}

// Write programs buf at addr. Programming ANDs the new bytes into the
// existing contents and is issued one program page at a time.
func (c *Chip) Write(addr uint32, buf []byte) error {
	if err := c.checkRange(addr, len(buf)); err != nil {
		return err
	}
	if c.protect.any(addr, uint32(len(buf))) {
		return fmt.Errorf("%w: program 0x%08x", ErrProtected, addr)
	}
	done, ferr := c.checkFault(OpProgram, addr, uint32(len(buf)))

	cur := make([]byte, c.geo.PageSize)
	for off := uint32(0); off < done; {
		a := addr + off
		n := c.geo.PageSize - a%c.geo.PageSize
		if done-off < n {
			n = done - off
		}
		if err := c.programPage(a, buf[off:off+n], cur[:n]); err != nil {
			c.failures.Add(1)
			return err
		}
		off += n
	}

	c.programs.Add(1)
	c.bytesProgrammed.Add(uint64(done))
	if ferr != nil {
		c.failures.Add(1)
		c.logger.Warn("program at 0x%08x interrupted after %d bytes: %v", addr, done, ferr)
		return fmt.Errorf("%w: program 0x%08x: %v", ErrIO, addr, ferr)
	}
	return nil
}

func (c *Chip) programPage(addr uint32, data, scratch []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	b := c.begin(addr)
	defer c.end(b, c.timing.ProgramDelay)

	if _, err := c.backing.ReadAt(scratch, int64(addr)); err != nil && err != io.EOF {
		return fmt.Errorf("%w: program 0x%08x: %v", ErrIO, addr, err)
	}
	for i := range scratch {
		scratch[i] &= data[i]
	}
	if _, err := c.backing.WriteAt(scratch, int64(addr)); err != nil {
		return fmt.Errorf("%w: program 0x%08x: %v", ErrIO, addr, err)
	}
	return nil
}

// Erase sets length bytes starting at addr back to 0xFF. Both must be
// multiples of the sector size.
func (c *Chip) Erase(addr, length uint32) error {
	if err := c.checkRange(addr, int(length)); err != nil {
		return err
	}
	if addr%c.geo.SectorSize != 0 || length%c.geo.SectorSize != 0 {
		return fmt.Errorf("%w: erase 0x%08x+0x%x", ErrUnaligned, addr, length)
	}
	if c.protect.any(addr, length) {
		return fmt.Errorf("%w: erase 0x%08x", ErrProtected, addr)
	}
	done, ferr := c.checkFault(OpErase, addr, length)

	for off := uint32(0); off < length; off += c.geo.SectorSize {
		n := c.geo.SectorSize
		if off >= done {
			break
		}
		if done-off < n {
			n = done - off
		}
		if err := c.eraseSector(addr+off, n); err != nil {
			c.failures.Add(1)
			return err
		}
	}

	if ferr != nil {
		c.failures.Add(1)
		c.logger.Warn("erase at 0x%08x interrupted after %d bytes: %v", addr, done, ferr)
		return fmt.Errorf("%w: erase 0x%08x: %v", ErrIO, addr, ferr)
	}
	return nil
}

func (c *Chip) eraseSector(addr, n uint32) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	b := c.begin(addr)
	defer c.end(b, c.timing.EraseDelay)

	if _, err := WriteErased(c.backing, int64(addr), int64(n)); err != nil {
		return fmt.Errorf("%w: erase 0x%08x: %v", ErrIO, addr, err)
	}
	c.eraseCounts[addr/c.geo.SectorSize].Add(1)
	c.erases.Add(1)
	return nil
}

// EraseCount returns how many times the sector containing addr was erased.
func (c *Chip) EraseCount(addr uint32) uint32 {
	if addr >= c.geo.Size {
		return 0
	}
	return c.eraseCounts[addr/c.geo.SectorSize].Load()
}

// exclusive runs fn while no operation of any kind touches the backing.
func (c *Chip) exclusive(fn func() error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for _, b := range c.banks {
		b.mu.Lock()
	}
	defer func() {
		for _, b := range c.banks {
			b.mu.Unlock()
		}
	}()
	return fn()
}

// Stats holds the chip operation counters
type Stats struct {
	Reads           uint64
	Programs        uint64
	Erases          uint64
	BytesRead       uint64
	BytesProgrammed uint64
	Failures        uint64
	MaxEraseCount   uint32
}

// Stats returns a snapshot of the operation counters
func (c *Chip) Stats() Stats {
	s := Stats{
		Reads:           c.reads.Load(),
		Programs:        c.programs.Load(),
		Erases:          c.erases.Load(),
		BytesRead:       c.bytesRead.Load(),
		BytesProgrammed: c.bytesProgrammed.Load(),
		Failures:        c.failures.Load(),
	}
	for i := range c.eraseCounts {
		if v := c.eraseCounts[i].Load(); v > s.MaxEraseCount {
			s.MaxEraseCount = v
		}
	}
	return s
}

// Close releases the backing if it holds resources
func (c *Chip) Close() error {
	if closer, ok := c.backing.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
