package eeprom

import (
	"github.com/KevoDB/rwwee/pkg/common/log"
	"github.com/KevoDB/rwwee/pkg/stats"
	"github.com/KevoDB/rwwee/pkg/telemetry"
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. The engine adds component and bank fields.
func WithLogger(logger log.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithStats sets the statistics collector.
func WithStats(collector stats.Collector) Option {
	return func(e *Engine) {
		e.stats = collector
	}
}

// WithTelemetry records engine metrics through tel.
func WithTelemetry(tel telemetry.Telemetry) Option {
	return func(e *Engine) {
		e.metrics = NewMetrics(tel)
	}
}

// WithMetrics sets the metrics implementation directly.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithSeed makes sector and wear leveling choices reproducible.
func WithSeed(seed int64) Option {
	return func(e *Engine) {
		e.seed = seed
	}
}
