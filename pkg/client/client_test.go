package client

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/KevoDB/rwwee/pkg/common/log"
	"github.com/KevoDB/rwwee/pkg/config"
	"github.com/KevoDB/rwwee/pkg/eeprom"
	pb "github.com/KevoDB/rwwee/pkg/grpc/eepb"
	"github.com/KevoDB/rwwee/pkg/grpc/service"
	"github.com/KevoDB/rwwee/pkg/nor"
	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

// serve starts srv on an in-memory listener and returns a connected client
func serve(t *testing.T, srv pb.EEPROMServer) *Client {
	t.Helper()

	lis := bufconn.Listen(1024 * 1024)
	gs := grpc.NewServer()
	pb.RegisterEEPROMServer(gs, srv)
	go gs.Serve(lis)

	opts := DefaultClientOptions()
	opts.Endpoint = "passthrough:///bufnet"
	opts.InitialBackoff = time.Millisecond
	opts.MaxBackoff = 5 * time.Millisecond
	opts.DialOptions = []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	}

	c, err := NewClient(opts)
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))

	t.Cleanup(func() {
		c.Close()
		gs.Stop()
	})
	return c
}

func newEngineServer(t *testing.T) *service.EEPROMServiceServer {
	t.Helper()

	cfg := config.NewCompactConfig()
	chip, err := nor.NewMemoryChip(nor.GeometryFromConfig(cfg))
	require.NoError(t, err)
	eng, err := eeprom.New(cfg, chip, eeprom.WithLogger(log.NewDiscardLogger()))
	require.NoError(t, err)
	require.NoError(t, eng.Format())
	require.NoError(t, eng.Init())
	t.Cleanup(eng.Deinit)

	return service.NewEEPROMServiceServer(eng, log.NewDiscardLogger())
}

func TestClientAgainstEngine(t *testing.T) {
	c := serve(t, newEngineServer(t))
	ctx := context.Background()

	p, err := c.Param(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(124), p.PageSize)
	assert.Equal(t, 4, p.Banks)
	assert.Equal(t, "cross-bank", p.HashAlgorithm)

	data := []byte("spans more than one page of the cross-bank layout, so it touches two banks at least......................................................")
	require.NoError(t, c.Write(ctx, 100, data))
	require.NoError(t, c.SyncWrite(ctx, 1000, []byte("sync")))
	require.NoError(t, c.WriteBack(ctx))
	require.NoError(t, c.Flush(ctx))

	got, err := c.Read(ctx, 100, uint32(len(data)))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	got, err = c.Read(ctx, 1000, 4)
	require.NoError(t, err)
	assert.Equal(t, "sync", string(got))

	stats, err := c.GetStats(ctx)
	require.NoError(t, err)
	assert.Contains(t, stats, "sector_erases")
	assert.Equal(t, true, stats["initialized"])

	_, err = c.Read(ctx, p.TotalSize, 1)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

// flakyServer fails the first calls with the configured error
type flakyServer struct {
	pb.UnimplementedEEPROMServer
	failures int32
	err      error
	calls    atomic.Int32
	badSum   bool
}

func (s *flakyServer) Read(ctx context.Context, req *pb.ReadRequest) (*pb.ReadResponse, error) {
	if s.calls.Add(1) <= s.failures {
		return nil, s.err
	}
	data := make([]byte, req.Length)
	sum := xxhash.Sum64(data)
	if s.badSum {
		sum++
	}
	return &pb.ReadResponse{Data: data, Checksum: sum}, nil
}

func TestClientRetriesUnavailable(t *testing.T) {
	srv := &flakyServer{failures: 2, err: status.Error(codes.Unavailable, "busy")}
	c := serve(t, srv)

	data, err := c.Read(context.Background(), 0, 8)
	require.NoError(t, err)
	assert.Len(t, data, 8)
	assert.Equal(t, int32(3), srv.calls.Load())
}

func TestClientDoesNotRetryPermanentErrors(t *testing.T) {
	srv := &flakyServer{failures: 5, err: status.Error(codes.ResourceExhausted, "ENOSPC")}
	c := serve(t, srv)

	_, err := c.Read(context.Background(), 0, 8)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
	assert.Equal(t, int32(1), srv.calls.Load())
}

func TestClientDetectsChecksumMismatch(t *testing.T) {
	srv := &flakyServer{badSum: true}
	c := serve(t, srv)

	_, err := c.Read(context.Background(), 0, 8)
	assert.True(t, errors.Is(err, ErrChecksumMismatch), "got %v", err)
	// Damaged transfers are retried
	assert.Equal(t, int32(DefaultClientOptions().MaxRetries+1), srv.calls.Load())
}

func TestClientRequiresConnection(t *testing.T) {
	c, err := NewClient(DefaultClientOptions())
	require.NoError(t, err)

	_, err = c.Read(context.Background(), 0, 1)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.False(t, c.IsConnected())
	assert.NoError(t, c.Close())

	_, err = NewClient(ClientOptions{})
	assert.ErrorIs(t, err, ErrInvalidOptions)
}

func TestRetryWithBackoff(t *testing.T) {
	ctx := context.Background()

	attempts := 0
	err := RetryWithBackoff(
		ctx,
		func() error {
			attempts++
			if attempts < 3 {
				return ErrTimeout
			}
			return nil
		},
		5,                    // maxRetries
		10*time.Millisecond,  // initialBackoff
		100*time.Millisecond, // maxBackoff
		2.0,                  // backoffFactor
		0.1,                  // jitter
	)
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)

	attempts = 0
	err = RetryWithBackoff(
		ctx,
		func() error {
			attempts++
			return status.Error(codes.Unavailable, "down")
		},
		3,                    // maxRetries
		10*time.Millisecond,  // initialBackoff
		100*time.Millisecond, // maxBackoff
		2.0,                  // backoffFactor
		0.1,                  // jitter
	)
	assert.Error(t, err)
	assert.Equal(t, 4, attempts) // Initial + 3 retries

	cancelCtx, cancel := context.WithCancel(ctx)
	cancel()
	err = RetryWithBackoff(cancelCtx, func() error { return ErrTimeout }, 3, time.Second, time.Second, 2.0, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCalculateExponentialBackoff(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, CalculateExponentialBackoff(0, 100*time.Millisecond, time.Second, 2.0, 0))
	assert.Equal(t, 400*time.Millisecond, CalculateExponentialBackoff(2, 100*time.Millisecond, time.Second, 2.0, 0))
	assert.Equal(t, time.Second, CalculateExponentialBackoff(10, 100*time.Millisecond, time.Second, 2.0, 0))
}
