package service

import (
	"context"
	"encoding/json"
	"net"
	"testing"

	"github.com/KevoDB/rwwee/pkg/common/log"
	"github.com/KevoDB/rwwee/pkg/config"
	"github.com/KevoDB/rwwee/pkg/eeprom"
	pb "github.com/KevoDB/rwwee/pkg/grpc/eepb"
	"github.com/KevoDB/rwwee/pkg/nor"
	"github.com/KevoDB/rwwee/pkg/telemetry"
	"github.com/cespare/xxhash/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func setupService(t *testing.T) (pb.EEPROMClient, *eeprom.Engine) {
	t.Helper()

	cfg := config.NewCompactConfig()
	chip, err := nor.NewMemoryChip(nor.GeometryFromConfig(cfg))
	if err != nil {
		t.Fatalf("Failed to create chip: %v", err)
	}
	eng, err := eeprom.New(cfg, chip, eeprom.WithLogger(log.NewDiscardLogger()))
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	if err := eng.Format(); err != nil {
		t.Fatalf("Failed to format: %v", err)
	}
	if err := eng.Init(); err != nil {
		t.Fatalf("Failed to init: %v", err)
	}

	lis := bufconn.Listen(1024 * 1024)
	srv := grpc.NewServer(grpc.UnaryInterceptor(UnaryTelemetryInterceptor(telemetry.NewForTesting())))
	pb.RegisterEEPROMServer(srv, NewEEPROMServiceServer(eng, log.NewDiscardLogger()))
	go srv.Serve(lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
		srv.Stop()
		eng.Deinit()
	})
	return pb.NewEEPROMClient(conn), eng
}

func TestWriteRead(t *testing.T) {
	client, _ := setupService(t)
	ctx := context.Background()
	data := []byte("hello over grpc")

	resp, err := client.Write(ctx, &pb.WriteRequest{Addr: 200, Data: data, Checksum: xxhash.Sum64(data), Sync: true})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if resp.Written != uint32(len(data)) {
		t.Errorf("Expected %d bytes written, got %d", len(data), resp.Written)
	}

	got, err := client.Read(ctx, &pb.ReadRequest{Addr: 200, Length: uint32(len(data))})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(got.Data) != string(data) {
		t.Errorf("Expected %q, got %q", data, got.Data)
	}
	if got.Checksum != xxhash.Sum64(data) {
		t.Error("Read checksum does not match the data")
	}
}

func TestErrorCodes(t *testing.T) {
	client, eng := setupService(t)
	ctx := context.Background()
	total := eng.Param().TotalSize

	tests := []struct {
		name string
		call func() error
		code codes.Code
	}{
		{"checksum mismatch", func() error {
			_, err := client.Write(ctx, &pb.WriteRequest{Addr: 0, Data: []byte("x"), Checksum: 1})
			return err
		}, codes.DataLoss},
		{"read past end", func() error {
			_, err := client.Read(ctx, &pb.ReadRequest{Addr: total - 1, Length: 2})
			return err
		}, codes.InvalidArgument},
		{"oversized read", func() error {
			_, err := client.Read(ctx, &pb.ReadRequest{Addr: 0, Length: 2 * 1024 * 1024})
			return err
		}, codes.InvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			if status.Code(err) != tt.code {
				t.Errorf("Expected %s, got %v", tt.code, err)
			}
		})
	}

	eng.Deinit()
	_, err := client.Read(ctx, &pb.ReadRequest{Addr: 0, Length: 1})
	if status.Code(err) != codes.Unavailable {
		t.Errorf("Expected Unavailable after deinit, got %v", err)
	}
}

func TestStatusError(t *testing.T) {
	tests := []struct {
		err  error
		code codes.Code
	}{
		{eeprom.ErrNoSpace, codes.ResourceExhausted},
		{eeprom.ErrNotFormatted, codes.FailedPrecondition},
		{eeprom.ErrNotPermitted, codes.PermissionDenied},
		{eeprom.ErrCorrupted, codes.DataLoss},
		{eeprom.ErrOS, codes.Aborted},
		{eeprom.ErrIO, codes.Internal},
	}

	for _, tt := range tests {
		if got := status.Code(statusError(tt.err)); got != tt.code {
			t.Errorf("%v: expected %s, got %s", tt.err, tt.code, got)
		}
	}
	if statusError(nil) != nil {
		t.Error("Expected nil for a nil error")
	}
}

func TestFlushParamStats(t *testing.T) {
	client, _ := setupService(t)
	ctx := context.Background()

	data := []byte("cached")
	if _, err := client.Write(ctx, &pb.WriteRequest{Addr: 0, Data: data, Checksum: xxhash.Sum64(data)}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, err := client.Flush(ctx, &pb.FlushRequest{WriteBackOnly: true}); err != nil {
		t.Fatalf("Write back failed: %v", err)
	}
	if _, err := client.Flush(ctx, &pb.FlushRequest{}); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	p, err := client.Param(ctx, &pb.ParamRequest{})
	if err != nil {
		t.Fatalf("Param failed: %v", err)
	}
	if p.PageSize != 124 || p.Banks != 4 || p.TotalSize != 8928 || p.HashAlgorithm != "cross-bank" {
		t.Errorf("Unexpected param %+v", p)
	}

	st, err := client.Stats(ctx, &pb.StatsRequest{})
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	var stats map[string]interface{}
	if err := json.Unmarshal(st.Json, &stats); err != nil {
		t.Fatalf("Failed to decode stats: %v", err)
	}
	if stats["write_ops"] != float64(1) {
		t.Errorf("Expected 1 write, got %v", stats["write_ops"])
	}
}
