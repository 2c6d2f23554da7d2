package stats

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// OperationType defines the type of operation being tracked
type OperationType string

// Common operation types
const (
	OpRead      OperationType = "read"
	OpWrite     OperationType = "write"
	OpSyncWrite OperationType = "sync_write"
	OpWriteBack OperationType = "write_back"
	OpFlush     OperationType = "flush"
	OpFormat    OperationType = "format"
	OpInit      OperationType = "init"
	OpErase     OperationType = "erase"
	OpWearLevel OperationType = "wear_level"
)

// AtomicCollector provides centralized statistics collection with minimal contention
// using atomic operations for thread safety
type AtomicCollector struct {
	// Operation counters using atomic values
	counts       map[OperationType]*atomic.Uint64
	countsMu     sync.RWMutex // only for creating entries

	// Timing measurements for last operation timestamps
	lastOpTime   map[OperationType]time.Time
	lastOpTimeMu sync.RWMutex // Only used for timestamp updates

	// Usage metrics
	totalBytesRead    atomic.Uint64
	totalBytesWritten atomic.Uint64

	// Error tracking
	errors   map[string]*atomic.Uint64
	errorsMu sync.RWMutex

	// Reclamation metrics
	sectorErases      atomic.Uint64
	failedErases      atomic.Uint64
	badSectors        atomic.Uint64
	relocations       atomic.Uint64

	// Recovery statistics
	recoveryStats RecoveryStats
	
	latencies   map[OperationType]*LatencyTracker
	latenciesMu sync.RWMutex
}

// RecoveryStats tracks statistics of the system log scan run by Init
type RecoveryStats struct {
	BlocksScanned    atomic.Uint64
	ErasesRepaired   atomic.Uint64
	CorruptedEntries atomic.Uint64
	Duration         atomic.Int64 // nanoseconds
}

// LatencyTracker maintains running statistics about operation latencies
type LatencyTracker struct {
	count   atomic.Uint64
	sum     atomic.Uint64 // sum in nanoseconds
	max     atomic.Uint64 // max in nanoseconds
	min     atomic.Uint64 // min in nanoseconds (initialized to max uint64)
}

// NewAtomicCollector creates a new atomic statistics collector
func NewAtomicCollector() *AtomicCollector {
	return &AtomicCollector{
		counts:     make(map[OperationType]*atomic.Uint64),
		lastOpTime: make(map[OperationType]time.Time),
		errors:     make(map[string]*atomic.Uint64),
		latencies:  make(map[OperationType]*LatencyTracker),
	}
}

// TrackOperation increments the counter for the specified operation type
func (c *AtomicCollector) TrackOperation(op OperationType) {
	counter := c.getOrCreateCounter(op)
	counter.Add(1)

	// Update last operation time (less critical, can use mutex)
	c.lastOpTimeMu.Lock()
	c.lastOpTime[op] = time.Now()
	c.lastOpTimeMu.Unlock()
}

// TrackOperationWithLatency tracks an operation and its latency
func (c *AtomicCollector) TrackOperationWithLatency(op OperationType, latencyNs uint64) {
	// Track operation count
	counter := c.getOrCreateCounter(op)
	counter.Add(1)

	// Update last operation time
	c.lastOpTimeMu.Lock()
	c.lastOpTime[op] = time.Now()
	c.lastOpTimeMu.Unlock()

	// Update latency statistics
	tracker := c.getOrCreateLatencyTracker(op)
	tracker.count.Add(1)
	tracker.sum.Add(latencyNs)

	// Update max (using compare-and-swap pattern)
	for {
		current := tracker.max.Load()
		if latencyNs <= current {
			break // No need to update
		}
		if tracker.max.CompareAndSwap(current, latencyNs) {
			break // Successfully updated
		}
		// If we get here, someone else updated it between our load and CAS, so we retry
	}

	// Update min (using compare-and-swap pattern)
	for {
		current := tracker.min.Load()
		if current == 0 {
			// First value
			if tracker.min.CompareAndSwap(0, latencyNs) {
				break
			}
			continue // Race condition, try again
		}
		if latencyNs >= current {
			break // No need to update
		}
		if tracker.min.CompareAndSwap(current, latencyNs) {
			break // Successfully updated
		}
		// If we get here, someone else updated it between our load and CAS, so we retry
	}
}

// TrackError increments the counter for the specified error type
func (c *AtomicCollector) TrackError(errorType string) {
	c.errorsMu.RLock()
	counter, exists := c.errors[errorType]
	c.errorsMu.RUnlock()

	if !exists {
		c.errorsMu.Lock()
		if counter, exists = c.errors[errorType]; !exists {
			counter = &atomic.Uint64{}
			c.errors[errorType] = counter
		}
		c.errorsMu.Unlock()
	}

	counter.Add(1)
}

// TrackBytes adds the specified number of bytes to the read or write counter
func (c *AtomicCollector) TrackBytes(isWrite bool, bytes uint64) {
	if isWrite {
		c.totalBytesWritten.Add(bytes)
	} else {
		c.totalBytesRead.Add(bytes)
	}
}

// TrackSectorErase counts a reclaimed sector
func (c *AtomicCollector) TrackSectorErase(failed bool) {
	c.sectorErases.Add(1)
	if failed {
		c.failedErases.Add(1)
	}
}

// TrackBadSector counts a retired sector
func (c *AtomicCollector) TrackBadSector() {
	c.badSectors.Add(1)
}

// TrackRelocation counts a page moved by wear leveling
func (c *AtomicCollector) TrackRelocation() {
	c.relocations.Add(1)
}

// StartRecovery initializes recovery statistics
func (c *AtomicCollector) StartRecovery() time.Time {
	c.recoveryStats.BlocksScanned.Store(0)
	c.recoveryStats.ErasesRepaired.Store(0)
	c.recoveryStats.CorruptedEntries.Store(0)
	c.recoveryStats.Duration.Store(0)

	return time.Now()
}

// FinishRecovery completes recovery statistics
func (c *AtomicCollector) FinishRecovery(startTime time.Time, blocksScanned, erasesRepaired, corruptedEntries uint64) {
	c.recoveryStats.BlocksScanned.Store(blocksScanned)
	c.recoveryStats.ErasesRepaired.Store(erasesRepaired)
	c.recoveryStats.CorruptedEntries.Store(corruptedEntries)
	c.recoveryStats.Duration.Store(time.Since(startTime).Nanoseconds())
}

// GetStats returns all statistics as a map
func (c *AtomicCollector) GetStats() map[string]interface{} {
	stats := make(map[string]interface{})

	// Add operation counters
	c.countsMu.RLock()
	for op, counter := range c.counts {
		stats[string(op)+"_ops"] = counter.Load()
	}
	c.countsMu.RUnlock()

	// Add timing information
	c.lastOpTimeMu.RLock()
	for op, timestamp := range c.lastOpTime {
		stats["last_"+string(op)+"_time"] = timestamp.UnixNano()
	}
	c.lastOpTimeMu.RUnlock()

	stats["total_bytes_read"] = c.totalBytesRead.Load()
	stats["total_bytes_written"] = c.totalBytesWritten.Load()
	stats["sector_erases"] = c.sectorErases.Load()
	stats["sector_erase_failures"] = c.failedErases.Load()
	stats["bad_sectors"] = c.badSectors.Load()
	stats["relocations"] = c.relocations.Load()

	// Add error statistics
	c.errorsMu.RLock()
	errorStats := make(map[string]uint64)
	for errType, counter := range c.errors {
		errorStats[errType] = counter.Load()
	}
	c.errorsMu.RUnlock()
	stats["errors"] = errorStats

	// Add recovery statistics
	recoveryStats := map[string]interface{}{
		"blocks_scanned":    c.recoveryStats.BlocksScanned.Load(),
		"erases_repaired":   c.recoveryStats.ErasesRepaired.Load(),
		"corrupted_entries": c.recoveryStats.CorruptedEntries.Load(),
	}

	if d := c.recoveryStats.Duration.Load(); d > 0 {
		recoveryStats["duration_us"] = d / int64(time.Microsecond)
	}
	stats["recovery"] = recoveryStats

	// Add latency statistics
	c.latenciesMu.RLock()
	for op, tracker := range c.latencies {
		count := tracker.count.Load()
		if count == 0 {
			continue
		}

		latencyStats := map[string]interface{}{
			"count": count,
			"avg_ns": tracker.sum.Load() / count,
		}

		// Only include min/max if we have values
		if min := tracker.min.Load(); min != 0 {
			latencyStats["min_ns"] = min
		}
		if max := tracker.max.Load(); max != 0 {
			latencyStats["max_ns"] = max
		}

		stats[string(op)+"_latency"] = latencyStats
	}
	c.latenciesMu.RUnlock()

	return stats
}

// GetStatsFiltered returns statistics filtered by prefix
func (c *AtomicCollector) GetStatsFiltered(prefix string) map[string]interface{} {
	allStats := c.GetStats()
	filtered := make(map[string]interface{})

	for key, value := range allStats {
		// Add entries that start with the prefix
		if len(prefix) == 0 || strings.HasPrefix(key, prefix) {
			filtered[key] = value
		}
	}

	return filtered
}

// getOrCreateCounter gets or creates an atomic counter for the operation
func (c *AtomicCollector) getOrCreateCounter(op OperationType) *atomic.Uint64 {
	// Try read lock first (fast path)
	c.countsMu.RLock()
	counter, exists := c.counts[op]
	c.countsMu.RUnlock()

	if !exists {
		// Slow path with write lock
		c.countsMu.Lock()
		if counter, exists = c.counts[op]; !exists {
			counter = &atomic.Uint64{}
			c.counts[op] = counter
		}
		c.countsMu.Unlock()
	}

	return counter
}

// getOrCreateLatencyTracker gets or creates a latency tracker for the operation
func (c *AtomicCollector) getOrCreateLatencyTracker(op OperationType) *LatencyTracker {
	// Try read lock first (fast path)
	c.latenciesMu.RLock()
	tracker, exists := c.latencies[op]
	c.latenciesMu.RUnlock()

	if !exists {
		// Slow path with write lock
		c.latenciesMu.Lock()
		if tracker, exists = c.latencies[op]; !exists {
			tracker = &LatencyTracker{}
			c.latencies[op] = tracker
		}
		c.latenciesMu.Unlock()
	}

	return tracker
}
