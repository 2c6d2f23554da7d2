// Package eeprom emulates a byte addressable, wear leveled EEPROM on NOR
// flash. The address space is striped over independent banks; each bank
// maps one block of sectors at a time and appends page copies into its
// sectors, reclaiming a sector once its page moved elsewhere. A per block
// system log records erases so an erase cut short by power loss is redone
// on the next Init.
package eeprom

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevoDB/rwwee/pkg/common/log"
	"github.com/KevoDB/rwwee/pkg/config"
	"github.com/KevoDB/rwwee/pkg/stats"
)

// Param describes the emulated address space.
type Param struct {
	PageSize      uint32
	BankSize      uint32
	Banks         int
	TotalSize     uint32
	HashAlgorithm config.HashAlgorithm
}

// Location is where a global address lives.
type Location struct {
	Bank   int
	Block  int
	LPA    int
	Offset uint32
}

// Engine is the EEPROM emulator. It is safe for concurrent use; operations
// on different banks run in parallel.
type Engine struct {
	cfg    *config.Config
	lay    Layout
	port   Port
	stripe stripe
	banks  []*bank
	crc    checksumUnit

	pcp          bool
	rollback     bool
	readRetries  int
	writeRetries int

	stateMu     sync.Mutex
	initialized atomic.Bool

	wlMu       sync.Mutex
	wlInterval uint64
	wlBaseline uint64

	rngMu sync.Mutex
	rng   *rand.Rand
	seed  int64

	maint *maintainer

	logger  log.Logger
	stats   stats.Collector
	metrics Metrics
}

// New creates an engine over port. The engine is not usable until Init.
func New(cfg *config.Config, port Port, opts ...Option) (*Engine, error) {
	if cfg == nil || port == nil {
		return nil, fmt.Errorf("%w: config and port are required", ErrInvalidArgument)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.Clone()

	e := &Engine{
		cfg:          cfg,
		lay:          NewLayout(cfg),
		port:         port,
		pcp:          cfg.PowerCycleProtection,
		rollback:     cfg.ReadRollback,
		readRetries:  cfg.ReadRetries,
		writeRetries: cfg.WriteRetries,
		wlInterval:   uint64(cfg.WearLevelInterval),
		seed:         time.Now().UnixNano(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.logger == nil {
		e.logger = log.GetDefaultLogger()
	}
	e.logger = e.logger.WithField("component", "eeprom")
	if e.stats == nil {
		e.stats = stats.NewAtomicCollector()
	}
	if e.metrics == nil {
		e.metrics = NewNoopMetrics()
	}

	e.rng = rand.New(rand.NewSource(e.seed))
	e.stripe = newStripe(cfg.HashAlgorithm, e.lay)
	e.banks = make([]*bank, e.lay.Banks)
	for i := range e.banks {
		e.banks[i] = newBank(i, cfg.BankOffsets[i], &e.lay, e.logger)
	}
	e.maint = newMaintainer(e, time.Duration(cfg.BackgroundInterval)*time.Millisecond)

	return e, nil
}

// Layout returns the derived geometry.
func (e *Engine) Layout() Layout {
	return e.lay
}

func (e *Engine) randIntn(n int) int {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.rng.Intn(n)
}

// Init scans the system logs, repairs interrupted erases and opens the
// engine for I/O. It returns ErrNotFormatted on a blank device. Calling
// Init on an initialized engine does nothing.
func (e *Engine) Init() error {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	if e.initialized.Load() {
		return nil
	}

	for _, b := range e.banks {
		b.reset()
		b.lock.reopen()
	}
	e.crc.reset()
	e.wlMu.Lock()
	e.wlBaseline = 0
	e.wlMu.Unlock()

	start := e.stats.StartRecovery()
	rep, err := e.checkSys()
	e.stats.FinishRecovery(start, rep.blocks, rep.repaired, rep.corrupted)
	e.metrics.RecordRecovery(context.Background(), time.Since(start), int64(rep.repaired), err)
	if err != nil {
		e.stats.TrackError(errorKind(err))
		e.logger.Error("No valid format found: %v", err)
		return err
	}

	e.initialized.Store(true)
	if e.cfg.BackgroundEnabled {
		e.maint.start()
	}

	e.stats.TrackOperationWithLatency(stats.OpInit, uint64(time.Since(start).Nanoseconds()))
	e.logger.Info("Initialized %d banks, %d bytes, %d blocks scanned, %d erases repaired",
		e.lay.Banks, e.lay.TotalSize, rep.blocks, rep.repaired)
	return nil
}

// Deinit stops background maintenance and waits for in-flight operations.
// Cached writes that were not written back are dropped; use Close to flush
// first. Later calls fail with ErrNoDevice until Init.
func (e *Engine) Deinit() {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	if !e.initialized.Load() {
		return
	}
	e.initialized.Store(false)
	e.maint.stop()

	for _, b := range e.banks {
		if err := b.lock.acquire(); err != nil {
			continue
		}
		b.lock.close()
	}
	e.logger.Info("Deinitialized")
}

// Close flushes the engine and deinitializes it.
func (e *Engine) Close() error {
	if !e.initialized.Load() {
		return nil
	}
	err := e.Flush()
	e.Deinit()
	return err
}

// Format erases the whole emulated region and writes the format records. It
// fails with ErrNotPermitted while the engine is initialized.
func (e *Engine) Format() error {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	if e.initialized.Load() {
		return fmt.Errorf("%w: format while initialized", ErrNotPermitted)
	}

	start := time.Now()
	if err := e.format(); err != nil {
		e.stats.TrackError(errorKind(err))
		return err
	}
	e.stats.TrackOperationWithLatency(stats.OpFormat, uint64(time.Since(start).Nanoseconds()))
	e.logger.Info("Formatted %d banks of %d blocks", e.lay.Banks, e.lay.BlocksPerBank)
	return nil
}

// Initialized reports whether the engine accepts I/O.
func (e *Engine) Initialized() bool {
	return e.initialized.Load()
}

// Param returns the emulated address space parameters.
func (e *Engine) Param() Param {
	return Param{
		PageSize:      e.lay.PageSize,
		BankSize:      e.lay.BankSize,
		Banks:         e.lay.Banks,
		TotalSize:     e.lay.TotalSize,
		HashAlgorithm: e.cfg.HashAlgorithm,
	}
}

// Locate reports the bank, block and page a global address maps to.
func (e *Engine) Locate(addr uint32) (Location, error) {
	if addr >= e.lay.TotalSize {
		return Location{}, fmt.Errorf("%w: address 0x%x", ErrInvalidArgument, addr)
	}
	bank, local := e.stripe.locate(addr)
	ofs := local % e.lay.BlockSize
	return Location{
		Bank:   bank,
		Block:  int(local / e.lay.BlockSize),
		LPA:    int(ofs / e.lay.PageSize),
		Offset: ofs % e.lay.PageSize,
	}, nil
}

// Read copies len(buf) bytes starting at addr into buf.
func (e *Engine) Read(addr uint32, buf []byte) error {
	return e.timed(stats.OpRead, false, len(buf), func() error {
		return e.rw(addr, buf, false)
	})
}

// Write stores buf at addr. The last page touched in each bank stays cached
// until it is written back.
func (e *Engine) Write(addr uint32, buf []byte) error {
	return e.timed(stats.OpWrite, true, len(buf), func() error {
		return e.rw(addr, buf, true)
	})
}

// SyncWrite is Write followed by WriteBack.
func (e *Engine) SyncWrite(addr uint32, buf []byte) error {
	return e.timed(stats.OpSyncWrite, true, len(buf), func() error {
		if err := e.rw(addr, buf, true); err != nil {
			return err
		}
		return e.WriteBack()
	})
}

func (e *Engine) timed(op stats.OperationType, write bool, n int, fn func() error) error {
	start := time.Now()
	err := fn()
	elapsed := time.Since(start)

	e.stats.TrackOperationWithLatency(op, uint64(elapsed.Nanoseconds()))
	if err != nil {
		e.stats.TrackError(errorKind(err))
	} else {
		e.stats.TrackBytes(write, uint64(n))
	}
	e.metrics.RecordIO(context.Background(), string(op), elapsed, int64(n), err)
	return err
}

// rw splits a transfer into page sized pieces and runs each on its bank.
// The bank lock is kept while consecutive pieces stay on the same bank.
func (e *Engine) rw(addr uint32, buf []byte, write bool) error {
	if !e.initialized.Load() {
		return ErrNoDevice
	}
	if uint64(addr)+uint64(len(buf)) > uint64(e.lay.TotalSize) {
		return fmt.Errorf("%w: [0x%x, 0x%x) exceeds 0x%x", ErrInvalidArgument,
			addr, uint64(addr)+uint64(len(buf)), e.lay.TotalSize)
	}

	state := bankRead
	if write {
		state = bankWrite
	}

	var held *bank
	defer func() {
		if held != nil {
			held.setState(bankIdle)
			held.lock.release()
		}
	}()

	for pos := 0; pos < len(buf); {
		cur := addr + uint32(pos)
		id, local := e.stripe.locate(cur)
		n := int(e.lay.PageSize - local%e.lay.PageSize)
		if rest := len(buf) - pos; n > rest {
			n = rest
		}

		b := e.banks[id]
		if b != held {
			if held != nil {
				held.setState(bankIdle)
				held.lock.release()
				held = nil
			}
			if err := b.lock.acquire(); err != nil {
				return err
			}
			held = b
			b.setState(state)
		}

		if err := e.rwBuffer(b, local, buf[pos:pos+n], write); err != nil {
			op := "read"
			if write {
				op = "write"
			}
			b.logger.Error("Failed to %s address 0x%x, %d bytes: %v", op, cur, n, err)
			return err
		}
		pos += n
	}

	return nil
}

// rwBuffer runs one page confined transfer against the bank's cache.
func (e *Engine) rwBuffer(b *bank, addr uint32, buf []byte, write bool) error {
	block := int(addr / e.lay.BlockSize)
	ofs := addr % e.lay.BlockSize
	lpa := int(ofs / e.lay.PageSize)
	ofs %= e.lay.PageSize

	if b.block != block || b.cacheLPA != lpa {
		if b.dirty.Load() {
			if err := e.writePage(b, b.cacheLPA, false); err != nil {
				b.logger.Error("Failed to write back page cache: %v", err)
				return err
			}
		}

		if b.block != block {
			if err := e.buildMapping(b, block); err != nil {
				return err
			}
		}

		if !write || len(buf) < int(e.lay.PageSize) {
			if err := e.readPage(b, lpa); err != nil {
				b.cacheLPA = none
				return err
			}
		} else {
			b.cacheLPA = lpa
		}
	}

	if write {
		copy(b.page()[ofs:], buf)
		b.dirty.Store(true)
	} else {
		copy(buf, b.page()[ofs:])
	}

	if err := e.erase(b); err != nil {
		b.logger.Warn("Failed to reclaim sector: %v", err)
	}
	return nil
}

// WriteBack programs every dirty page cache and reclaims the sectors this
// frees.
func (e *Engine) WriteBack() error {
	if !e.initialized.Load() {
		return ErrNoDevice
	}

	var errs []error
	for _, b := range e.banks {
		if !b.dirty.Load() {
			continue
		}

		if err := b.lock.acquire(); err != nil {
			return err
		}
		// Another writer may have flushed it while we waited
		if b.dirty.Load() {
			if err := e.writeBackBank(b); err != nil {
				b.logger.Error("Failed to write back: %v", err)
				errs = append(errs, err)
			}
		}
		b.lock.release()
	}

	return errors.Join(errs...)
}

func (e *Engine) writeBackBank(b *bank) error {
	if err := e.writePage(b, b.cacheLPA, false); err != nil {
		return err
	}
	return e.erase(b)
}

// Flush writes back every cache and, with power cycle protection, closes
// each block's system log with a neutral record. Call it before power down.
func (e *Engine) Flush() error {
	start := time.Now()
	if err := e.WriteBack(); err != nil {
		e.stats.TrackError(errorKind(err))
		return err
	}

	var errs []error
	if e.pcp {
		for _, b := range e.banks {
			if err := b.lock.acquire(); err != nil {
				return err
			}
			for block := 0; block < e.lay.BlocksPerBank; block++ {
				if err := e.updateSys(b, block, opsNone, erased16); err != nil {
					errs = append(errs, err)
				}
			}
			b.lock.release()
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		e.stats.TrackError(errorKind(err))
	}
	e.stats.TrackOperationWithLatency(stats.OpFlush, uint64(time.Since(start).Nanoseconds()))
	return err
}

// GetStats returns the collected statistics plus the engine's state.
func (e *Engine) GetStats() map[string]interface{} {
	out := e.stats.GetStats()
	out["initialized"] = e.initialized.Load()
	out["checksum_ops"] = e.crc.count()

	banks := make([]map[string]interface{}, len(e.banks))
	for i, b := range e.banks {
		banks[i] = map[string]interface{}{
			"state": b.currentState().String(),
			"dirty": b.dirty.Load(),
		}
	}
	out["banks"] = banks
	return out
}
