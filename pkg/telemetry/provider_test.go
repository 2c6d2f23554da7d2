// ABOUTME: Tests for telemetry provider creation and configuration handling using real provider operations
// ABOUTME: Validates provider initialization, exporter output, the Prometheus endpoint and no-op fallback

package telemetry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

func stdoutConfig(w io.Writer) Config {
	cfg := DefaultConfig()
	cfg.Exporters = []string{"stdout"}
	cfg.Writer = w
	cfg.BatchTimeout = time.Hour
	return cfg
}

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		cfg         Config
		expectNoop  bool
		expectError bool
	}{
		{
			name:       "disabled telemetry returns noop",
			cfg:        Config{Enabled: false},
			expectNoop: true,
		},
		{
			name: "invalid config returns error",
			cfg: Config{
				Enabled:     true,
				ServiceName: "",
			},
			expectError: true,
		},
		{
			name: "valid config returns provider",
			cfg:  stdoutConfig(io.Discard),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tel, err := New(tt.cfg)

			if tt.expectError {
				if err == nil {
					t.Error("Expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}

			_, isNoop := tel.(*NoopTelemetry)
			if isNoop != tt.expectNoop {
				t.Errorf("Expected noop=%v, got %T", tt.expectNoop, tel)
			}

			tel.RecordHistogram(context.Background(), "test", 1.0)
			tel.RecordCounter(context.Background(), "test", 1)
			if err := tel.Shutdown(context.Background()); err != nil {
				t.Errorf("Shutdown failed: %v", err)
			}
		})
	}
}

func TestProviderExportsOnShutdown(t *testing.T) {
	var out bytes.Buffer
	tel, err := New(stdoutConfig(&out))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx := context.Background()
	tel.RecordCounter(ctx, "rwwee.test.counter", 3, attribute.String(AttrComponent, ComponentEEPROM))
	tel.RecordHistogram(ctx, "rwwee.test.duration", 0.25)
	_, span := tel.StartSpan(ctx, "rwwee.test.span", attribute.Int(AttrBank, 1))
	span.End()

	if err := tel.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	for _, want := range []string{"rwwee.test.counter", "rwwee.test.duration", "rwwee.test.span"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("Expected exporter output to contain %q", want)
		}
	}
}

func TestProviderNilContext(t *testing.T) {
	tel, err := New(stdoutConfig(io.Discard))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	//nolint:staticcheck
	tel.RecordHistogram(nil, "test.histogram", 1.5)
	//nolint:staticcheck
	tel.RecordCounter(nil, "test.counter", 10)

	//nolint:staticcheck
	if err := tel.Shutdown(nil); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestPrometheusEndpoint(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Exporters = []string{"prometheus"}
	cfg.PrometheusPort = freePort(t)
	cfg.MetricsPath = "/eeprom/metrics"

	tel, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer tel.Shutdown(context.Background())

	tel.RecordCounter(context.Background(), "rwwee.eeprom.erases", 2)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d%s", cfg.PrometheusPort, cfg.MetricsPath))
	if err != nil {
		t.Fatalf("scrape failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(body), "rwwee_eeprom_erases") {
		t.Errorf("Expected scraped metrics to contain rwwee_eeprom_erases, got:\n%s", body)
	}
}

func TestNewWithInvalidConfigs(t *testing.T) {
	invalidConfigs := []Config{
		{
			Enabled:     true,
			ServiceName: "",
		},
		{
			Enabled:        true,
			ServiceName:    "test",
			ServiceVersion: "",
		},
		{
			Enabled:        true,
			ServiceName:    "test",
			ServiceVersion: "1.0.0",
			SampleRate:     1.1,
		},
		{
			Enabled:        true,
			ServiceName:    "test",
			ServiceVersion: "1.0.0",
			SampleRate:     1.0,
			PrometheusPort: 0,
		},
	}

	for i, cfg := range invalidConfigs {
		t.Run(fmt.Sprintf("invalid_config_%d", i), func(t *testing.T) {
			tel, err := New(cfg)

			if err == nil {
				t.Error("Expected error for invalid config but got none")
			}

			if tel != nil {
				t.Error("Expected nil telemetry for invalid config but got instance")
			}
		})
	}
}
