package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	pb "github.com/KevoDB/rwwee/pkg/grpc/eepb"
	"github.com/cespare/xxhash/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// ClientOptions configures an rwwee client
type ClientOptions struct {
	// Connection options
	Endpoint       string        // Server address
	ConnectTimeout time.Duration // Timeout for connection attempts
	RequestTimeout time.Duration // Default timeout for requests

	// Security options
	TLSEnabled bool   // Enable TLS
	CAFile     string // CA certificate file

	// Retry options
	MaxRetries     int           // Maximum number of retries
	InitialBackoff time.Duration // Initial retry backoff
	MaxBackoff     time.Duration // Maximum retry backoff
	BackoffFactor  float64       // Backoff multiplier
	RetryJitter    float64       // Random jitter factor

	// Performance options
	MaxMessageSize int // Maximum message size

	// Extra dial options, applied last
	DialOptions []grpc.DialOption
}

// DefaultClientOptions returns sensible default client options
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		Endpoint:       "localhost:50061",
		ConnectTimeout: time.Second * 5,
		RequestTimeout: time.Second * 10,
		TLSEnabled:     false,
		MaxRetries:     3,
		InitialBackoff: time.Millisecond * 100,
		MaxBackoff:     time.Second * 2,
		BackoffFactor:  1.5,
		RetryJitter:    0.2,
		MaxMessageSize: 16 * 1024 * 1024, // 16MB
	}
}

// Param describes the remote address space
type Param struct {
	PageSize      uint32
	BankSize      uint32
	Banks         int
	TotalSize     uint32
	HashAlgorithm string
}

// Client is a connection to an rwwee server
type Client struct {
	options ClientOptions

	mu   sync.RWMutex
	conn *grpc.ClientConn
	stub pb.EEPROMClient
}

// NewClient creates a new client with the given options
func NewClient(options ClientOptions) (*Client, error) {
	if options.Endpoint == "" {
		return nil, fmt.Errorf("%w: endpoint is required", ErrInvalidOptions)
	}
	if options.MaxRetries < 0 {
		return nil, fmt.Errorf("%w: negative retry count", ErrInvalidOptions)
	}
	return &Client{options: options}, nil
}

// Connect establishes a connection to the server
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	dialOpts := []grpc.DialOption{
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                15 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	if c.options.TLSEnabled {
		creds, err := credentials.NewClientTLSFromFile(c.options.CAFile, "")
		if err != nil {
			return fmt.Errorf("failed to load CA certificate: %w", err)
		}
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(creds))
	} else {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	if c.options.MaxMessageSize > 0 {
		dialOpts = append(dialOpts, grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(c.options.MaxMessageSize),
			grpc.MaxCallSendMsgSize(c.options.MaxMessageSize),
		))
	}
	dialOpts = append(dialOpts, c.options.DialOptions...)

	conn, err := grpc.NewClient(c.options.Endpoint, dialOpts...)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.options.Endpoint, err)
	}

	c.conn = conn
	c.stub = pb.NewEEPROMClient(conn)
	return nil
}

// Close closes the connection to the server
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.stub = nil
	return err
}

// IsConnected returns whether the client is connected to the server
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// call runs fn with the request timeout, retrying transient failures
func (c *Client) call(ctx context.Context, fn func(ctx context.Context, stub pb.EEPROMClient) error) error {
	c.mu.RLock()
	stub := c.stub
	c.mu.RUnlock()
	if stub == nil {
		return ErrNotConnected
	}

	return RetryWithBackoff(ctx, func() error {
		reqCtx := ctx
		if c.options.RequestTimeout > 0 {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.options.RequestTimeout)
			defer cancel()
		}
		return fn(reqCtx, stub)
	},
		c.options.MaxRetries,
		c.options.InitialBackoff,
		c.options.MaxBackoff,
		c.options.BackoffFactor,
		c.options.RetryJitter,
	)
}

// Read reads n bytes starting at addr. The data is verified against the
// checksum the server computed.
func (c *Client) Read(ctx context.Context, addr, n uint32) ([]byte, error) {
	var data []byte
	err := c.call(ctx, func(ctx context.Context, stub pb.EEPROMClient) error {
		resp, err := stub.Read(ctx, &pb.ReadRequest{Addr: addr, Length: n})
		if err != nil {
			return err
		}
		if uint32(len(resp.Data)) != n {
			return fmt.Errorf("%w: expected %d bytes, got %d", ErrShortRead, n, len(resp.Data))
		}
		if xxhash.Sum64(resp.Data) != resp.Checksum {
			return fmt.Errorf("%w: read of %d bytes at 0x%x", ErrChecksumMismatch, n, addr)
		}
		data = resp.Data
		return nil
	})
	return data, err
}

// Write stores data at addr. The data may stay cached on the server until
// the next write back.
func (c *Client) Write(ctx context.Context, addr uint32, data []byte) error {
	return c.write(ctx, addr, data, false)
}

// SyncWrite stores data at addr and writes it back before returning
func (c *Client) SyncWrite(ctx context.Context, addr uint32, data []byte) error {
	return c.write(ctx, addr, data, true)
}

func (c *Client) write(ctx context.Context, addr uint32, data []byte, synced bool) error {
	req := &pb.WriteRequest{
		Addr:     addr,
		Data:     data,
		Checksum: xxhash.Sum64(data),
		Sync:     synced,
	}
	return c.call(ctx, func(ctx context.Context, stub pb.EEPROMClient) error {
		resp, err := stub.Write(ctx, req)
		if err != nil {
			return err
		}
		if resp.Written != uint32(len(data)) {
			return fmt.Errorf("server wrote %d of %d bytes", resp.Written, len(data))
		}
		return nil
	})
}

// WriteBack programs the server's page caches
func (c *Client) WriteBack(ctx context.Context) error {
	return c.call(ctx, func(ctx context.Context, stub pb.EEPROMClient) error {
		_, err := stub.Flush(ctx, &pb.FlushRequest{WriteBackOnly: true})
		return err
	})
}

// Flush writes back the page caches and closes the system logs
func (c *Client) Flush(ctx context.Context) error {
	return c.call(ctx, func(ctx context.Context, stub pb.EEPROMClient) error {
		_, err := stub.Flush(ctx, &pb.FlushRequest{})
		return err
	})
}

// Param returns the remote address space parameters
func (c *Client) Param(ctx context.Context) (Param, error) {
	var p Param
	err := c.call(ctx, func(ctx context.Context, stub pb.EEPROMClient) error {
		resp, err := stub.Param(ctx, &pb.ParamRequest{})
		if err != nil {
			return err
		}
		p = Param{
			PageSize:      resp.PageSize,
			BankSize:      resp.BankSize,
			Banks:         int(resp.Banks),
			TotalSize:     resp.TotalSize,
			HashAlgorithm: resp.HashAlgorithm,
		}
		return nil
	})
	return p, err
}

// GetStats retrieves the server statistics
func (c *Client) GetStats(ctx context.Context) (map[string]interface{}, error) {
	var stats map[string]interface{}
	err := c.call(ctx, func(ctx context.Context, stub pb.EEPROMClient) error {
		resp, err := stub.Stats(ctx, &pb.StatsRequest{})
		if err != nil {
			return err
		}
		if err := json.Unmarshal(resp.Json, &stats); err != nil {
			return errors.Join(ErrInvalidResponse, err)
		}
		return nil
	})
	return stats, err
}
