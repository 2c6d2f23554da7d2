// ABOUTME: Unit tests for EEPROM telemetry metrics with a recording telemetry provider
// ABOUTME: Drives real engine operations and checks which metrics they record

package eeprom

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/KevoDB/rwwee/pkg/common/log"
	"github.com/KevoDB/rwwee/pkg/config"
	"github.com/KevoDB/rwwee/pkg/telemetry"
)

func TestMetricsInterface(t *testing.T) {
	tel := telemetry.NewRecorder()
	m := NewMetrics(tel)
	ctx := context.Background()

	m.RecordIO(ctx, "read", time.Millisecond, 64, nil)
	m.RecordIO(ctx, "write", time.Millisecond, 64, ErrNoSpace)
	m.RecordErase(ctx, 1, 0, 3, time.Millisecond, errors.New("failed"))
	m.RecordWearLevel(ctx, 0, true)
	m.RecordRecovery(ctx, time.Millisecond, 2, nil)

	checks := map[string]int64{
		"rwwee.eeprom.operations.total":         2,
		"rwwee.eeprom.errors.total":             1,
		"rwwee.eeprom.read.bytes":               64,
		"rwwee.eeprom.erases.total":             1,
		"rwwee.eeprom.bad_sectors.total":        1,
		"rwwee.eeprom.wear_level.total":         1,
		"rwwee.eeprom.recovery.repaired_erases": 2,
	}
	for name, want := range checks {
		if got := tel.Counter(name); got != want {
			t.Errorf("%s: expected %d, got %d", name, want, got)
		}
	}
	if tel.Counter("rwwee.eeprom.write.bytes") != 0 {
		t.Error("Failed writes must not count bytes")
	}
	if err := m.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestNilTelemetryIsNoop(t *testing.T) {
	m := NewMetrics(nil)
	m.RecordIO(context.Background(), "read", time.Millisecond, 1, nil)
	if _, ok := m.(*noopMetrics); !ok {
		t.Errorf("Expected no-op metrics, got %T", m)
	}
}

func TestEngineRecordsMetrics(t *testing.T) {
	tel := telemetry.NewRecorder()
	cfg := config.NewCompactConfig()
	chip := newTestChip(t, cfg)

	e, err := New(cfg, chip, WithLogger(log.NewDiscardLogger()), WithTelemetry(tel))
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	if err := e.Format(); err != nil {
		t.Fatalf("Failed to format: %v", err)
	}
	if err := e.Init(); err != nil {
		t.Fatalf("Failed to init: %v", err)
	}
	defer e.Deinit()

	for i := 0; i < e.lay.EntriesPerSector+1; i++ {
		if err := e.SyncWrite(0, make([]byte, e.lay.PageSize)); err != nil {
			t.Fatalf("Failed to write: %v", err)
		}
	}

	if n := tel.Histogram("rwwee.eeprom.sync_write.duration"); n != e.lay.EntriesPerSector+1 {
		t.Errorf("Expected %d sync write samples, got %d", e.lay.EntriesPerSector+1, n)
	}
	if n := tel.Histogram("rwwee.eeprom.write_back.duration"); n != e.lay.EntriesPerSector+1 {
		t.Errorf("Expected %d write back samples, got %d", e.lay.EntriesPerSector+1, n)
	}
	if n := tel.Counter("rwwee.eeprom.erases.total"); n != 1 {
		t.Errorf("Expected 1 erase, got %d", n)
	}
	if n := tel.Histogram("rwwee.eeprom.recovery.duration"); n != 1 {
		t.Errorf("Expected 1 recovery sample, got %d", n)
	}
}
