package service

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/KevoDB/rwwee/pkg/telemetry"
)

func statusAttr(attrs []attribute.KeyValue) string {
	for _, kv := range attrs {
		if kv.Key == "rpc.grpc.status_code" {
			return kv.Value.AsString()
		}
	}
	return ""
}

func TestUnaryTelemetryInterceptor(t *testing.T) {
	tel := telemetry.NewRecorder()
	interceptor := UnaryTelemetryInterceptor(tel)
	info := &grpc.UnaryServerInfo{FullMethod: "/rwwee.EEPROM/Read"}

	resp, err := interceptor(context.Background(), "req", info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return "ok", nil
	})
	if err != nil || resp != "ok" {
		t.Fatalf("Expected handler result to pass through, got %v, %v", resp, err)
	}
	if got := statusAttr(tel.CounterAttrs("rwwee.grpc.requests.total")); got != "OK" {
		t.Errorf("Expected status OK, got %q", got)
	}

	_, err = interceptor(context.Background(), "req", info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.Unavailable, "down")
	})
	if status.Code(err) != codes.Unavailable {
		t.Fatalf("Expected Unavailable to pass through, got %v", err)
	}
	if got := statusAttr(tel.CounterAttrs("rwwee.grpc.requests.total")); got != "Unavailable" {
		t.Errorf("Expected status Unavailable, got %q", got)
	}

	if spans := tel.Spans(); len(spans) != 2 || spans[0] != "rwwee.grpc.Read" {
		t.Errorf("Unexpected spans: %v", spans)
	}
	if n := tel.HistogramTotal(); n != 2 {
		t.Errorf("Expected 2 duration samples, got %d", n)
	}
	if n := tel.Counter("rwwee.grpc.requests.total"); n != 2 {
		t.Errorf("Expected 2 requests counted, got %d", n)
	}
}

func TestUnaryTelemetryInterceptorNilTelemetry(t *testing.T) {
	interceptor := UnaryTelemetryInterceptor(nil)
	info := &grpc.UnaryServerInfo{FullMethod: "/rwwee.EEPROM/Param"}
	if _, err := interceptor(context.Background(), nil, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, nil
	}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
}
