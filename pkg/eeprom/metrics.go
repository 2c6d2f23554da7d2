// ABOUTME: EEPROM telemetry metrics interface and implementation for tracking emulator operations
// ABOUTME: Provides instrumentation for page I/O, sector reclamation, wear leveling and startup recovery

package eeprom

import (
	"context"
	"time"

	"github.com/KevoDB/rwwee/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// Metrics defines the interface for emulator telemetry operations.
// All metrics are optional - implementations can safely be no-op.
type Metrics interface {
	telemetry.ComponentMetrics

	// RecordIO records a top-level read, write or sync write.
	RecordIO(ctx context.Context, op string, duration time.Duration, bytes int64, err error)

	// RecordWriteBack records a dirty page being programmed to flash.
	RecordWriteBack(ctx context.Context, bank int, duration time.Duration, err error)

	// RecordErase records a sector reclamation.
	RecordErase(ctx context.Context, bank, block, sector int, duration time.Duration, err error)

	// RecordWearLevel records a wear leveling pass and whether a page moved.
	RecordWearLevel(ctx context.Context, bank int, relocated bool)

	// RecordRecovery records the system log scan run during Init.
	RecordRecovery(ctx context.Context, duration time.Duration, repaired int64, err error)
}

type eepromMetrics struct {
	tel telemetry.Telemetry
}

// NewMetrics creates the metrics implementation. A nil tel yields no-op metrics.
func NewMetrics(tel telemetry.Telemetry) Metrics {
	if tel == nil {
		return &noopMetrics{}
	}
	return &eepromMetrics{tel: tel}
}

// NewNoopMetrics creates a no-op metrics implementation for testing.
func NewNoopMetrics() Metrics {
	return &noopMetrics{}
}

func statusAttr(err error) attribute.KeyValue {
	if err != nil {
		return attribute.String(telemetry.AttrStatus, telemetry.StatusError)
	}
	return attribute.String(telemetry.AttrStatus, telemetry.StatusSuccess)
}

func (m *eepromMetrics) component() attribute.KeyValue {
	return attribute.String(telemetry.AttrComponent, telemetry.ComponentEEPROM)
}

// RecordIO records top-level I/O metrics.
func (m *eepromMetrics) RecordIO(ctx context.Context, op string, duration time.Duration, bytes int64, err error) {
	m.tel.RecordHistogram(ctx, "rwwee.eeprom."+op+".duration", duration.Seconds(),
		m.component(),
		attribute.String(telemetry.AttrOperationType, op),
	)

	m.tel.RecordCounter(ctx, "rwwee.eeprom.operations.total", 1,
		m.component(),
		attribute.String(telemetry.AttrOperationType, op),
		statusAttr(err),
	)

	if err != nil {
		m.tel.RecordCounter(ctx, "rwwee.eeprom.errors.total", 1,
			m.component(),
			attribute.String(telemetry.AttrOperationType, op),
			attribute.String(telemetry.AttrErrorType, errorKind(err)),
		)
		return
	}

	telemetry.RecordBytes(ctx, m.tel, "rwwee.eeprom."+op+".bytes", bytes, m.component())
}

// RecordWriteBack records a page program.
func (m *eepromMetrics) RecordWriteBack(ctx context.Context, bank int, duration time.Duration, err error) {
	m.tel.RecordHistogram(ctx, "rwwee.eeprom.write_back.duration", duration.Seconds(),
		m.component(),
		attribute.Int(telemetry.AttrBank, bank),
		statusAttr(err),
	)
}

// RecordErase records a sector erase.
func (m *eepromMetrics) RecordErase(ctx context.Context, bank, block, sector int, duration time.Duration, err error) {
	m.tel.RecordHistogram(ctx, "rwwee.eeprom.erase.duration", duration.Seconds(),
		m.component(),
		attribute.Int(telemetry.AttrBank, bank),
	)

	m.tel.RecordCounter(ctx, "rwwee.eeprom.erases.total", 1,
		m.component(),
		attribute.Int(telemetry.AttrBank, bank),
		statusAttr(err),
	)

	if err != nil {
		// The sector is retired until the block is remapped
		m.tel.RecordCounter(ctx, "rwwee.eeprom.bad_sectors.total", 1,
			m.component(),
			attribute.Int(telemetry.AttrBank, bank),
			attribute.Int(telemetry.AttrBlock, block),
			attribute.Int(telemetry.AttrSector, sector),
		)
	}
}

// RecordWearLevel records a wear leveling attempt.
func (m *eepromMetrics) RecordWearLevel(ctx context.Context, bank int, relocated bool) {
	reason := "skipped"
	if relocated {
		reason = "relocated"
	}
	m.tel.RecordCounter(ctx, "rwwee.eeprom.wear_level.total", 1,
		m.component(),
		attribute.Int(telemetry.AttrBank, bank),
		attribute.String(telemetry.AttrReason, reason),
	)
}

// RecordRecovery records startup recovery metrics.
func (m *eepromMetrics) RecordRecovery(ctx context.Context, duration time.Duration, repaired int64, err error) {
	m.tel.RecordHistogram(ctx, "rwwee.eeprom.recovery.duration", duration.Seconds(),
		m.component(),
		statusAttr(err),
	)

	if repaired > 0 {
		m.tel.RecordCounter(ctx, "rwwee.eeprom.recovery.repaired_erases", repaired,
			m.component(),
		)
	}
}

// Close releases resources held by the metrics.
func (m *eepromMetrics) Close() error {
	return nil
}

type noopMetrics struct{}

func (n *noopMetrics) RecordIO(ctx context.Context, op string, duration time.Duration, bytes int64, err error) {
}

func (n *noopMetrics) RecordWriteBack(ctx context.Context, bank int, duration time.Duration, err error) {
}

func (n *noopMetrics) RecordErase(ctx context.Context, bank, block, sector int, duration time.Duration, err error) {
}

func (n *noopMetrics) RecordWearLevel(ctx context.Context, bank int, relocated bool) {}

func (n *noopMetrics) RecordRecovery(ctx context.Context, duration time.Duration, repaired int64, err error) {
}

func (n *noopMetrics) Close() error {
	return nil
}
