// ABOUTME: Telemetry settings for the emulator: exporter selection, trace sampling and batching limits
// ABOUTME: Every field can be overridden through an RWWEE_TELEMETRY_* environment variable

package telemetry

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix is prepended to every environment override read by LoadFromEnv.
const EnvPrefix = "RWWEE_TELEMETRY_"

// Exporter names accepted in Config.Exporters.
const (
	ExporterPrometheus = "prometheus"
	ExporterOTLP       = "otlp"
	ExporterStdout     = "stdout"
)

// Config selects where the engine's flash and gRPC instrumentation goes.
type Config struct {
	// ServiceName is reported as service.name on every span and metric
	ServiceName string `json:"service_name"`

	ServiceVersion string `json:"service_version"`

	// Enabled false makes New return a no-op provider
	Enabled bool `json:"enabled"`

	// Exporters lists prometheus, otlp and/or stdout
	Exporters []string `json:"exporters"`

	// SampleRate is the fraction of engine operations traced. Reads and
	// writes are frequent, so the default keeps only a slice of them.
	SampleRate float64 `json:"sample_rate"`

	PrometheusPort int    `json:"prometheus_port"`
	MetricsPath    string `json:"metrics_path"`

	// OTLPEndpoint is a host:port of an OTLP/gRPC collector
	OTLPEndpoint string `json:"otlp_endpoint"`

	ExportTimeout      time.Duration `json:"export_timeout"`
	BatchTimeout       time.Duration `json:"batch_timeout"`
	MaxQueueSize       int           `json:"max_queue_size"`
	MaxExportBatchSize int           `json:"max_export_batch_size"`

	// Writer receives stdout exporter output, os.Stdout when nil
	Writer io.Writer `json:"-"`
}

// DefaultConfig exposes metrics for scraping and samples a tenth of the traces.
func DefaultConfig() Config {
	return Config{
		ServiceName:        "rwwee-emulator",
		ServiceVersion:     "development",
		Enabled:            true,
		Exporters:          []string{ExporterPrometheus},
		SampleRate:         0.1,
		PrometheusPort:     9464,
		MetricsPath:        "/metrics",
		OTLPEndpoint:       "localhost:4317",
		ExportTimeout:      10 * time.Second,
		BatchTimeout:       2 * time.Second,
		MaxQueueSize:       4096,
		MaxExportBatchSize: 512,
	}
}

// envOverrides maps a variable suffix to the field it sets. A setter
// returns an error for values it cannot parse, which leaves the field as is.
func (c *Config) envOverrides() map[string]func(string) error {
	str := func(dst *string) func(string) error {
		return func(v string) error { *dst = v; return nil }
	}
	num := func(dst *int) func(string) error {
		return func(v string) error {
			n, err := strconv.Atoi(v)
			if err == nil {
				*dst = n
			}
			return err
		}
	}
	dur := func(dst *time.Duration) func(string) error {
		return func(v string) error {
			d, err := time.ParseDuration(v)
			if err == nil {
				*dst = d
			}
			return err
		}
	}

	return map[string]func(string) error{
		"SERVICE_NAME":    str(&c.ServiceName),
		"SERVICE_VERSION": str(&c.ServiceVersion),
		"OTLP_ENDPOINT":   str(&c.OTLPEndpoint),
		"METRICS_PATH":    str(&c.MetricsPath),
		"ENABLED": func(v string) error {
			b, err := strconv.ParseBool(v)
			if err == nil {
				c.Enabled = b
			}
			return err
		},
		"EXPORTERS": func(v string) error {
			c.Exporters = c.Exporters[:0:0]
			for _, name := range strings.Split(v, ",") {
				if name = strings.TrimSpace(name); name != "" {
					c.Exporters = append(c.Exporters, name)
				}
			}
			return nil
		},
		"SAMPLE_RATE": func(v string) error {
			r, err := strconv.ParseFloat(v, 64)
			if err == nil {
				c.SampleRate = r
			}
			return err
		},
		"PROMETHEUS_PORT":       num(&c.PrometheusPort),
		"MAX_QUEUE_SIZE":        num(&c.MaxQueueSize),
		"MAX_EXPORT_BATCH_SIZE": num(&c.MaxExportBatchSize),
		"EXPORT_TIMEOUT":        dur(&c.ExportTimeout),
		"BATCH_TIMEOUT":         dur(&c.BatchTimeout),
	}
}

// LoadFromEnv applies the RWWEE_TELEMETRY_* variables that are set.
// Malformed values are ignored.
func (c *Config) LoadFromEnv() {
	for key, set := range c.envOverrides() {
		if val := os.Getenv(EnvPrefix + key); val != "" {
			_ = set(val)
		}
	}
}

// Validate reports the first field that New could not work with.
func (c *Config) Validate() error {
	switch {
	case c.ServiceName == "":
		return fmt.Errorf("service_name cannot be empty")
	case c.ServiceVersion == "":
		return fmt.Errorf("service_version cannot be empty")
	case c.SampleRate < 0.0 || c.SampleRate > 1.0:
		return fmt.Errorf("sample_rate must be between 0.0 and 1.0, got %f", c.SampleRate)
	case c.PrometheusPort < 1 || c.PrometheusPort > 65535:
		return fmt.Errorf("prometheus_port must be between 1 and 65535, got %d", c.PrometheusPort)
	case !strings.HasPrefix(c.MetricsPath, "/"):
		return fmt.Errorf("metrics_path must start with '/', got %q", c.MetricsPath)
	case c.ExportTimeout <= 0:
		return fmt.Errorf("export_timeout must be positive, got %s", c.ExportTimeout)
	case c.BatchTimeout <= 0:
		return fmt.Errorf("batch_timeout must be positive, got %s", c.BatchTimeout)
	case c.MaxQueueSize <= 0:
		return fmt.Errorf("max_queue_size must be positive, got %d", c.MaxQueueSize)
	case c.MaxExportBatchSize <= 0 || c.MaxExportBatchSize > c.MaxQueueSize:
		return fmt.Errorf("max_export_batch_size must be in 1..%d, got %d", c.MaxQueueSize, c.MaxExportBatchSize)
	}

	for _, exporter := range c.Exporters {
		switch exporter {
		case ExporterPrometheus, ExporterOTLP, ExporterStdout:
		default:
			return fmt.Errorf("invalid exporter: %s, valid options are: prometheus, otlp, stdout", exporter)
		}
	}
	return nil
}

func (c *Config) writer() io.Writer {
	if c.Writer == nil {
		return os.Stdout
	}
	return c.Writer
}

// HasExporter returns true if the specified exporter is configured.
func (c *Config) HasExporter(name string) bool {
	for _, exporter := range c.Exporters {
		if exporter == name {
			return true
		}
	}
	return false
}
