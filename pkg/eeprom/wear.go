package eeprom

import (
	"context"
	"fmt"
	"time"

	"github.com/KevoDB/rwwee/pkg/stats"
)

// WearLevel relocates one random page of one random bank to a fresh sector
// once enough checksum operations happened since the last run. It reports
// whether a page was moved.
func (e *Engine) WearLevel() (bool, error) {
	if !e.initialized.Load() {
		return false, ErrNoDevice
	}

	e.wlMu.Lock()
	ops := e.crc.count()
	if ops-e.wlBaseline < e.wlInterval {
		e.wlMu.Unlock()
		return false, nil
	}
	e.wlBaseline = ops
	e.wlMu.Unlock()

	return e.wearLevelPage(e.randIntn(e.lay.Banks), e.randIntn(e.lay.LPAsPerBlock))
}

// ForceWearLevel relocates lpa of the block currently mapped in bank,
// ignoring the interval.
func (e *Engine) ForceWearLevel(bank, lpa int) (bool, error) {
	if !e.initialized.Load() {
		return false, ErrNoDevice
	}
	if bank < 0 || bank >= e.lay.Banks || lpa < 0 || lpa >= e.lay.LPAsPerBlock {
		return false, fmt.Errorf("%w: bank %d lpa %d", ErrInvalidArgument, bank, lpa)
	}
	return e.wearLevelPage(bank, lpa)
}

func (e *Engine) wearLevelPage(id, lpa int) (bool, error) {
	b := e.banks[id]
	if err := b.lock.acquire(); err != nil {
		return false, err
	}
	defer b.lock.release()

	prev := b.setState(bankMaintenance)
	defer b.setState(prev)
	start := time.Now()

	moved, err := e.relocate(b, lpa)

	if err != nil {
		e.stats.TrackError(errorKind(err))
		b.logger.Error("Failed to relocate lpa %d: %v", lpa, err)
	}
	if moved {
		e.stats.TrackRelocation()
		e.stats.TrackOperationWithLatency(stats.OpWearLevel, uint64(time.Since(start).Nanoseconds()))
	}
	e.metrics.RecordWearLevel(context.Background(), id, moved)
	return moved, err
}

// relocate moves lpa into a freshly chosen sector through the cache.
func (e *Engine) relocate(b *bank, lpa int) (bool, error) {
	if b.block == none || b.l2ps[lpa] == none {
		return false, nil
	}
	// The cached copy is newer than flash and goes out with the next write back
	if b.dirty.Load() && b.cacheLPA == lpa {
		return false, nil
	}

	if b.dirty.Load() {
		if err := e.writePage(b, b.cacheLPA, false); err != nil {
			return false, err
		}
	}

	if err := e.readPage(b, lpa); err != nil {
		return false, err
	}
	b.dirty.Store(true)
	if err := e.writePage(b, lpa, true); err != nil {
		return false, err
	}

	if err := e.erase(b); err != nil {
		b.logger.Warn("Failed to reclaim relocated sector: %v", err)
	}
	b.logger.WithField("block", b.block).Debug("Relocated lpa %d to sector %d", lpa, b.l2ps[lpa])
	return true, nil
}
