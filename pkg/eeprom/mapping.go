package eeprom

import (
	"context"
	"fmt"
	"time"

	"github.com/KevoDB/rwwee/pkg/stats"
)

// findLatest returns the block-relative index of the latest entry of lpa or,
// when free is set, of the next free slot in the page's sector. It returns
// none for an unmapped page, a full sector, or a sector holding no valid
// copy of the page.
func (e *Engine) findLatest(b *bank, lpa int, free bool) int {
	sector := b.l2ps[lpa]
	if sector < 0 {
		return none
	}

	eps := e.lay.EntriesPerSector
	base := sector * eps
	known := b.l2pe[lpa]
	cnt := 0

	if known >= 0 {
		if !free {
			return base + known
		}
		if known == eps-1 {
			return none
		}
		cnt = known + 1
	}

	latest := none
	for ; cnt < eps; cnt++ {
		h, err := e.readHeader(b, base+cnt)
		if err != nil {
			b.logger.WithField("entry", base+cnt).Warn("Skipping unreadable entry: %v", err)
			continue
		}
		if int(h.lpa) == lpa {
			latest = cnt
		} else if h.empty() {
			break
		} else {
			b.logger.WithField("entry", base+cnt).Warn("Skipping entry of lpa %d in sector of lpa %d", h.lpa, lpa)
		}
	}

	if latest != none {
		b.l2pe[lpa] = latest
	}

	if !free {
		if latest == none {
			return none
		}
		return base + latest
	}

	// Garbage between the last valid entry and the free slot comes from an
	// interrupted program; appending after it is still safe.
	if last := b.l2pe[lpa]; last >= 0 && last+1 != cnt {
		b.logger.WithFields(map[string]interface{}{
			"block":  b.block,
			"lpa":    lpa,
			"sector": sector,
		}).Warn("Free slot %d does not follow last entry %d", cnt, last)
	}

	if cnt < eps {
		return base + cnt
	}
	return none
}

// buildMapping maps a block by scanning the first header of every data
// sector. Sectors that cannot be read, claim an invalid page, or lost a
// conflict with another sector for the same page are reclaimed at once.
func (e *Engine) buildMapping(b *bank, block int) error {
	if block < 0 || block >= e.lay.BlocksPerBank {
		b.block = none
		return fmt.Errorf("%w: block %d", ErrInvalidArgument, block)
	}

	if b.dirtySector != none {
		if err := e.erase(b); err != nil {
			b.logger.Warn("Failed to reclaim pending sector before remapping: %v", err)
		}
	}

	b.block = block
	b.blockOffset = e.blockAddr(b, block)
	b.resetTables()

	logger := b.logger.WithField("block", block)
	eps := e.lay.EntriesPerSector

	for s := 0; s < e.lay.DataSectors; s++ {
		victim := s
		lpa := none

		h, err := e.readHeader(b, s*eps)
		switch {
		case err != nil:
			logger.Warn("Reclaiming sector %d with unreadable header: %v", s, err)
		case h.empty():
			continue
		default:
			lpa = int(h.lpa)
			b.p2l[s] = lpa

			if lpa >= e.lay.LPAsPerBlock {
				logger.Warn("Reclaiming sector %d claiming invalid lpa %d", s, lpa)
				break
			}
			if b.l2ps[lpa] == none {
				b.l2ps[lpa] = s
				continue
			}

			// Two sectors hold the same page. A copy whose latest entry fails
			// its checksum loses; otherwise keep the one that was being
			// appended to last. Two intact, partly filled copies are left by
			// an interrupted relocation, which copies the page unchanged, so
			// keeping the lower sector is then safe.
			victim = b.l2ps[lpa]
			oldOK, newOK := e.latestIntact(b, lpa, victim), e.latestIntact(b, lpa, s)
			switch {
			case oldOK && !newOK:
				victim = s
			case newOK && !oldOK:
				// reclaim the older copy
			default:
				if entry := e.findLatest(b, lpa, true); entry != none && entry/eps == victim {
					victim = s
				}
			}
			logger.Warn("Sectors %d and %d both hold lpa %d, reclaiming %d", b.l2ps[lpa], s, lpa, victim)
		}

		b.dirtyBlock = block
		b.dirtySector = victim
		if err := e.erase(b); err != nil {
			logger.Warn("Failed to reclaim sector %d: %v", victim, err)
		}

		if victim != s {
			b.l2ps[lpa] = s
			b.l2pe[lpa] = none
		}
	}

	logger.Debug("Mapping built")
	return nil
}

// latestIntact reports whether the last entry of lpa in sector passes its
// checksum. It reads into the scratch buffer and leaves the tables alone.
func (e *Engine) latestIntact(b *bank, lpa, sector int) bool {
	eps := e.lay.EntriesPerSector
	latest := none
	for i := 0; i < eps; i++ {
		h, err := e.readHeader(b, sector*eps+i)
		if err != nil {
			continue
		}
		if int(h.lpa) == lpa {
			latest = i
		} else if h.empty() {
			break
		}
	}
	if latest == none {
		return false
	}

	h, err := e.readEntryInto(b, sector*eps+latest, b.scratch)
	if err != nil || int(h.lpa) != lpa {
		b.logger.WithField("block", b.block).Warn("Sector %d holds a damaged copy of lpa %d: %v", sector, lpa, err)
		return false
	}
	return true
}

// searchFree picks the entry the next copy of lpa goes to. Appending to the
// page's own sector is preferred unless the page is being relocated; a new
// sector is chosen from a random starting point to spread wear.
func (e *Engine) searchFree(b *bank, lpa int, relocate bool) (int, error) {
	if !relocate {
		if entry := e.findLatest(b, lpa, true); entry != none {
			return entry, nil
		}
	}

	n := e.lay.DataSectors
	start := e.randIntn(n)
	for i := 0; i < n; i++ {
		s := (start + i) % n
		if b.p2l[s] == sectorFree {
			return s * e.lay.EntriesPerSector, nil
		}
	}

	return none, fmt.Errorf("%w: bank %d block %d", ErrNoSpace, b.id, b.block)
}

// erase reclaims the pending victim sector, if any. A sector that fails to
// erase is retired until its block is mapped again.
func (e *Engine) erase(b *bank) error {
	if b.dirtyBlock == none || b.dirtySector == none {
		return nil
	}
	block, sector := b.dirtyBlock, b.dirtySector
	b.clearVictim()

	prev := b.setState(bankErase)
	defer b.setState(prev)
	start := time.Now()

	if e.pcp {
		if err := e.updateSys(b, block, opsEraseBegin, uint16(sector)); err != nil {
			b.logger.WithField("block", block).Warn("Failed to log erase of sector %d: %v", sector, err)
		}
	}

	err := e.port.Erase(e.sectorAddr(b, block, sector), e.lay.SectorSize)
	if err != nil {
		b.logger.WithField("block", block).Error("Failed to erase sector %d: %v", sector, err)
		err = fmt.Errorf("%w: erase block %d sector %d: %w", ErrIO, block, sector, err)
	} else if e.pcp {
		if serr := e.updateSys(b, block, opsEraseEnd, uint16(sector)); serr != nil {
			b.logger.WithField("block", block).Warn("Failed to log completed erase of sector %d: %v", sector, serr)
		}
	}

	if block == b.block {
		if err == nil {
			b.p2l[sector] = sectorFree
		} else {
			b.p2l[sector] = sectorBad
			e.stats.TrackBadSector()
		}
	}

	elapsed := time.Since(start)
	e.stats.TrackSectorErase(err != nil)
	e.stats.TrackOperationWithLatency(stats.OpErase, uint64(elapsed.Nanoseconds()))
	e.metrics.RecordErase(context.Background(), b.id, block, sector, elapsed, err)
	return err
}

// readPage loads the latest copy of lpa into the cache. A page that was
// never written reads as erased flash.
func (e *Engine) readPage(b *bank, lpa int) error {
	if b.l2ps[lpa] == none {
		page := b.page()
		for i := range page {
			page[i] = erased8
		}
		b.cacheLPA = lpa
		return nil
	}

	var lastErr error
	entry := e.findLatest(b, lpa, false)
	if entry == none {
		lastErr = corrupted("lpa %d mapped to sector %d without a valid entry", lpa, b.l2ps[lpa])
	} else {
		eps := e.lay.EntriesPerSector
		for attempt := 0; ; attempt++ {
			h, err := e.readEntry(b, entry)
			if err == nil && int(h.lpa) == lpa {
				b.cacheLPA = lpa
				return nil
			}
			if err == nil {
				err = corrupted("entry %d holds lpa %d, expected %d", entry, h.lpa, lpa)
			}
			lastErr = err
			b.logger.WithField("block", b.block).Warn("Failed to read entry %d of lpa %d: %v", entry, lpa, err)

			if attempt >= e.readRetries {
				break
			}
			if e.rollback && entry%eps != 0 {
				entry--
			}
		}
	}

	b.dirty.Store(false)
	b.cacheLPA = none
	e.stats.TrackError(errorKind(lastErr))
	return lastErr
}

// writePage programs the cache as lpa. When the copy lands in a new sector
// the previous sector becomes the reclamation victim.
func (e *Engine) writePage(b *bank, lpa int, relocate bool) error {
	if b.block == none || lpa < 0 || lpa >= e.lay.LPAsPerBlock {
		return fmt.Errorf("%w: lpa %d of block %d", ErrInvalidArgument, lpa, b.block)
	}

	prev := b.setState(bankWrite)
	defer b.setState(prev)
	start := time.Now()

	err := e.programPage(b, lpa, relocate)

	elapsed := time.Since(start)
	if err != nil {
		e.stats.TrackError(errorKind(err))
	}
	e.stats.TrackOperationWithLatency(stats.OpWriteBack, uint64(elapsed.Nanoseconds()))
	e.metrics.RecordWriteBack(context.Background(), b.id, elapsed, err)
	return err
}

func (e *Engine) programPage(b *bank, lpa int, relocate bool) error {
	if b.dirtySector != none {
		if err := e.erase(b); err != nil {
			b.logger.Warn("Failed to reclaim pending sector: %v", err)
		}
	}

	eps := e.lay.EntriesPerSector
	var lastErr error

	for attempt := 0; attempt <= e.writeRetries; attempt++ {
		entry, err := e.searchFree(b, lpa, relocate)
		if err != nil {
			// The page cannot be stored anywhere in this block. It is
			// dropped so the bank keeps serving its mapped pages.
			b.logger.WithField("block", b.block).Error("No free sector left for lpa %d, dropping cached page", lpa)
			b.dirty.Store(false)
			b.cacheLPA = none
			return err
		}

		s, ofs := entry/eps, entry%eps
		if err := e.writeEntry(b, entry, lpa); err != nil {
			lastErr = err
			if ofs == 0 {
				e.retireSector(b, s)
			}
			continue
		}

		if ofs != 0 {
			b.l2pe[lpa] = ofs
		} else {
			if old := b.l2ps[lpa]; old >= 0 && old != s {
				b.dirtyBlock = b.block
				b.dirtySector = old
			}
			b.l2ps[lpa] = s
			b.l2pe[lpa] = 0
			b.p2l[s] = lpa
		}

		b.dirty.Store(false)
		return nil
	}

	return lastErr
}

// retireSector takes a sector out of use after a failed first program. The
// partial entry is erased first: left on flash, its header would make the
// sector a second copy of the page on the next mapping. The cache still holds
// the page, so the erase only touches flash.
func (e *Engine) retireSector(b *bank, s int) {
	logger := b.logger.WithField("block", b.block)

	b.dirtyBlock = b.block
	b.dirtySector = s
	if err := e.erase(b); err != nil {
		logger.Warn("Sector %d failed to program and to erase: %v", s, err)
		return
	}

	b.p2l[s] = sectorBad
	e.stats.TrackBadSector()
	logger.Warn("Retiring sector %d after failed program", s)
}
