// ABOUTME: gRPC server interceptor recording request spans, durations and status codes
// ABOUTME: Uses the telemetry abstraction so a disabled provider costs nothing

package service

import (
	"context"
	"path"
	"time"

	"github.com/KevoDB/rwwee/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// UnaryTelemetryInterceptor records one span and one duration sample per call
func UnaryTelemetryInterceptor(tel telemetry.Telemetry) grpc.UnaryServerInterceptor {
	if tel == nil {
		tel = telemetry.NewNoop()
	}

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		method := path.Base(info.FullMethod)
		attrs := []attribute.KeyValue{
			attribute.String(telemetry.AttrComponent, telemetry.ComponentGRPC),
			attribute.String(telemetry.AttrOperationName, method),
		}

		ctx, span := tel.StartSpan(ctx, "rwwee.grpc."+method, attrs...)
		defer span.End()

		start := time.Now()
		resp, err := handler(ctx, req)

		code := status.Code(err)
		attrs = append(attrs, attribute.String("rpc.grpc.status_code", code.String()))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(otelcodes.Error, code.String())
		}

		tel.RecordHistogram(ctx, "rwwee.grpc.request.duration", time.Since(start).Seconds(), attrs...)
		tel.RecordCounter(ctx, "rwwee.grpc.requests.total", 1, attrs...)
		return resp, err
	}
}
