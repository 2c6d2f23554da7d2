package eeprom

import (
	"fmt"

	"github.com/KevoDB/rwwee/pkg/config"
)

// recoveryReport summarizes a system log scan.
type recoveryReport struct {
	blocks    uint64
	repaired  uint64
	corrupted uint64
}

func (e *Engine) systemAddr(b *bank, block, entry int) uint32 {
	return e.sectorAddr(b, block, e.lay.SystemSector) + uint32(entry)*config.SystemEntrySize
}

// readSys reads and checks one system log record.
func (e *Engine) readSys(b *bank, block, entry int) (systemEntry, error) {
	if entry < 0 || entry >= e.lay.SystemEntries {
		return systemEntry{}, fmt.Errorf("%w: system entry %d", ErrInvalidArgument, entry)
	}

	buf := make([]byte, systemRecordSize)
	if err := e.port.Read(e.systemAddr(b, block, entry), buf); err != nil {
		return systemEntry{}, fmt.Errorf("%w: read system entry %d of block %d: %w", ErrIO, entry, block, err)
	}

	sys := decodeSystemEntry(buf)
	if !sys.valid() {
		return sys, corrupted("system entry %d of block %d: id 0x%04x cksum 0x%04x", entry, block, sys.id, sys.cksum)
	}
	return sys, nil
}

// updateSys appends a record to a block's system log. The log is written
// round robin; wrapping erases the system sector first. A failed wrap
// disables the log of that block until the next Init.
func (e *Engine) updateSys(b *bank, block int, ops sysOp, arg uint16) error {
	if block < 0 || block >= e.lay.BlocksPerBank {
		return fmt.Errorf("%w: block %d", ErrInvalidArgument, block)
	}
	if b.sysEntry[block] < 0 || b.sysEntry[block] >= e.lay.SystemEntries {
		return fmt.Errorf("%w: system log of block %d unavailable", ErrInvalidArgument, block)
	}

	b.sysEntry[block]++
	if b.sysEntry[block] == e.lay.SystemEntries {
		addr := e.sectorAddr(b, block, e.lay.SystemSector)
		if err := e.port.Erase(addr, e.lay.SectorSize); err != nil {
			b.sysEntry[block] = none
			b.logger.WithField("block", block).Error("Failed to erase system sector: %v", err)
			return fmt.Errorf("%w: erase system sector of block %d: %w", ErrIO, block, err)
		}
		b.sysEntry[block] = 0
	}

	entry := b.sysEntry[block]
	if err := e.port.Write(e.systemAddr(b, block, entry), newSystemEntry(ops, arg).encode()); err != nil {
		b.logger.WithField("block", block).Error("Failed to write system entry %d: %v", entry, err)
		return fmt.Errorf("%w: write system entry %d of block %d: %w", ErrIO, entry, block, err)
	}
	return nil
}

// latestSys finds the index of the newest record of a block's system log.
// The log is a valid prefix followed by erased slots, so a binary search
// works; a corrupted record makes the search step forward linearly.
func (e *Engine) latestSys(b *bank, block int, rep *recoveryReport) (int, bool) {
	formatted := false
	lower, upper := 0, e.lay.SystemEntries-1

	for lower < upper {
		entry := (lower + upper) / 2
		if entry == lower {
			entry++
		}

		for {
			sys, err := e.readSys(b, block, entry)
			if err == nil && sys.formatted() {
				formatted = true
				lower = entry
				break
			}
			if err == nil && sys.empty() {
				upper = entry - 1
				break
			}

			rep.corrupted++
			b.logger.WithField("block", block).Warn("Corrupted system entry %d: %v", entry, err)
			if entry < upper {
				entry++
				continue
			}
			lower = upper
			break
		}
	}

	return lower, formatted
}

// checkSys scans the system log of every block, records where each log
// continues and repairs erases a power loss interrupted. It fails with
// ErrNotFormatted when no block carries a formatted record.
func (e *Engine) checkSys() (recoveryReport, error) {
	var rep recoveryReport
	formatted := false

	for _, b := range e.banks {
		if err := b.lock.acquire(); err != nil {
			return rep, err
		}

		found := e.checkBankSys(b, &rep)
		b.block = none
		b.clearVictim()
		b.lock.release()

		formatted = formatted || found

		if found && !e.pcp {
			break
		}
	}

	if !formatted {
		return rep, ErrNotFormatted
	}
	return rep, nil
}

func (e *Engine) checkBankSys(b *bank, rep *recoveryReport) bool {
	formatted := false

	for block := 0; block < e.lay.BlocksPerBank; block++ {
		rep.blocks++

		if !e.pcp {
			// Without the log only the format record matters
			if sys, err := e.readSys(b, block, 0); err == nil && sys.formatted() {
				return true
			}
			continue
		}

		latest, found := e.latestSys(b, block, rep)
		formatted = formatted || found
		b.sysEntry[block] = latest

		sys, err := e.readSys(b, block, latest)
		if err != nil {
			continue
		}
		if sys.formatted() {
			formatted = true
		}
		if sys.ops == opsEraseBegin {
			repaired, err := e.checkErase(b, block, int(sys.arg))
			if err != nil {
				b.logger.WithField("block", block).Error("Failed to repair interrupted erase of sector %d: %v", sys.arg, err)
			}
			if repaired {
				rep.repaired++
			}
		}
	}

	return formatted
}

// checkErase makes sure a sector whose erase was logged but never confirmed
// ends up fully erased.
func (e *Engine) checkErase(b *bank, block, sector int) (bool, error) {
	if sector < 0 || sector >= e.lay.DataSectors {
		return false, fmt.Errorf("%w: sector %d", ErrInvalidArgument, sector)
	}

	buf := make([]byte, e.lay.SectorSize)
	if err := e.port.Read(e.sectorAddr(b, block, sector), buf); err == nil && allErased(buf) {
		return false, nil
	}

	b.logger.WithField("block", block).Info("Detected interrupted erase of sector %d, erasing again", sector)
	b.dirtyBlock = block
	b.dirtySector = sector
	return true, e.erase(b)
}

func allErased(buf []byte) bool {
	for _, c := range buf {
		if c != erased8 {
			return false
		}
	}
	return true
}

// format erases every sector of every block and writes the format record
// into each system sector.
func (e *Engine) format() error {
	record := newSystemEntry(opsNone, erased16).encode()

	for _, b := range e.banks {
		for block := 0; block < e.lay.BlocksPerBank; block++ {
			for s := 0; s < e.lay.SectorsPerBlock; s++ {
				if err := e.port.Erase(e.sectorAddr(b, block, s), e.lay.SectorSize); err != nil {
					b.logger.WithField("block", block).Error("Failed to erase sector %d: %v", s, err)
					return fmt.Errorf("%w: erase bank %d block %d sector %d: %w", ErrIO, b.id, block, s, err)
				}
			}
		}
	}

	for _, b := range e.banks {
		for block := 0; block < e.lay.BlocksPerBank; block++ {
			if err := e.port.Write(e.systemAddr(b, block, 0), record); err != nil {
				b.logger.WithField("block", block).Error("Failed to write format record: %v", err)
				return fmt.Errorf("%w: format record of bank %d block %d: %w", ErrIO, b.id, block, err)
			}
		}
	}

	return nil
}
