// ABOUTME: OpenTelemetry exporter factory for creating metric readers and trace exporters (Prometheus, OTLP, stdout)
// ABOUTME: Serves the Prometheus registry over HTTP when the prometheus exporter is configured

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace"
)

// metricsServer exposes a Prometheus registry on /metrics.
type metricsServer struct {
	srv      *http.Server
	listener net.Listener
}

func (m *metricsServer) addr() string {
	return m.listener.Addr().String()
}

func (m *metricsServer) shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}

// createMetricReaders creates metric readers based on configuration.
func createMetricReaders(cfg Config) ([]metric.Reader, *metricsServer, error) {
	var readers []metric.Reader
	var server *metricsServer

	for _, exporterName := range cfg.Exporters {
		switch exporterName {
		case "prometheus":
			reader, srv, err := createPrometheusReader(cfg)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
			}
			readers = append(readers, reader)
			server = srv

		case "stdout":
			exporter, err := createStdoutMetricExporter(cfg)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to create stdout metric exporter: %w", err)
			}
			readers = append(readers, metric.NewPeriodicReader(exporter,
				metric.WithInterval(cfg.BatchTimeout),
				metric.WithTimeout(cfg.ExportTimeout),
			))
		}
	}

	return readers, server, nil
}

// createTraceExporters creates trace exporters based on configuration.
func createTraceExporters(cfg Config) ([]trace.SpanExporter, error) {
	var exporters []trace.SpanExporter

	for _, exporterName := range cfg.Exporters {
		switch exporterName {
		case "otlp":
			exporter, err := createOTLPTraceExporter(cfg)
			if err != nil {
				return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
			}
			exporters = append(exporters, exporter)

		case "stdout":
			exporter, err := createStdoutTraceExporter(cfg)
			if err != nil {
				return nil, fmt.Errorf("failed to create stdout trace exporter: %w", err)
			}
			exporters = append(exporters, exporter)
		}
	}

	return exporters, nil
}

// createPrometheusReader registers an exporter on a private registry and
// starts serving it.
func createPrometheusReader(cfg Config) (metric.Reader, *metricsServer, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}

	listener, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(cfg.PrometheusPort)))
	if err != nil {
		return nil, nil, err
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.MetricsPath, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &metricsServer{
		srv:      &http.Server{Handler: mux},
		listener: listener,
	}
	go func() {
		if err := server.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listener.Close()
		}
	}()

	return exporter, server, nil
}

// createStdoutMetricExporter creates a stdout metrics exporter.
func createStdoutMetricExporter(cfg Config) (metric.Exporter, error) {
	return stdoutmetric.New(
		stdoutmetric.WithWriter(cfg.writer()),
		stdoutmetric.WithPrettyPrint(),
	)
}

// createOTLPTraceExporter creates an OTLP trace exporter. The connection is
// established lazily so a missing collector does not fail startup.
func createOTLPTraceExporter(cfg Config) (trace.SpanExporter, error) {
	return otlptracegrpc.New(
		context.Background(),
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(cfg.ExportTimeout),
	)
}

// createStdoutTraceExporter creates a stdout trace exporter.
func createStdoutTraceExporter(cfg Config) (trace.SpanExporter, error) {
	return stdouttrace.New(
		stdouttrace.WithWriter(cfg.writer()),
		stdouttrace.WithPrettyPrint(),
	)
}
