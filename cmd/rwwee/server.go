package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"

	"github.com/KevoDB/rwwee/pkg/grpc/eepb"
	grpcservice "github.com/KevoDB/rwwee/pkg/grpc/service"
	"github.com/KevoDB/rwwee/pkg/telemetry"
)

// Server exposes an emulator over gRPC
type Server struct {
	eng        grpcservice.Engine
	tel        telemetry.Telemetry
	listener   net.Listener
	grpcServer *grpc.Server
	service    *grpcservice.EEPROMServiceServer
	config     Config
}

// NewServer creates a new server instance
func NewServer(eng grpcservice.Engine, config Config, tel telemetry.Telemetry) *Server {
	if tel == nil {
		tel = telemetry.NewNoop()
	}
	return &Server{
		eng:    eng,
		tel:    tel,
		config: config,
	}
}

// Start opens the listener and registers the service
func (s *Server) Start() error {
	var err error
	s.listener, err = net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}

	serverOpts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(grpcservice.UnaryTelemetryInterceptor(s.tel)),
	}

	if s.config.TLSEnabled {
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS12,
		}

		if s.config.TLSCertFile != "" && s.config.TLSKeyFile != "" {
			cert, err := tls.LoadX509KeyPair(s.config.TLSCertFile, s.config.TLSKeyFile)
			if err != nil {
				s.listener.Close()
				return fmt.Errorf("failed to load TLS certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}

		serverOpts = append(serverOpts, grpc.Creds(credentials.NewTLS(tlsConfig)))
	}

	kaProps := keepalive.ServerParameters{
		MaxConnectionIdle:     60 * time.Second,
		MaxConnectionAge:      5 * time.Minute,
		MaxConnectionAgeGrace: 5 * time.Second,
		Time:                  15 * time.Second,
		Timeout:               5 * time.Second,
	}

	kaPolicy := keepalive.EnforcementPolicy{
		MinTime:             5 * time.Second,
		PermitWithoutStream: true,
	}

	serverOpts = append(serverOpts,
		grpc.KeepaliveParams(kaProps),
		grpc.KeepaliveEnforcementPolicy(kaPolicy),
	)

	s.grpcServer = grpc.NewServer(serverOpts...)

	s.service = grpcservice.NewEEPROMServiceServer(s.eng, nil)
	eepb.RegisterEEPROMServer(s.grpcServer, s.service)

	return nil
}

// Addr returns the address the server listens on, or the configured address
// before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.ListenAddr
	}
	return s.listener.Addr().String()
}

// Serve starts serving requests (blocking)
func (s *Server) Serve() error {
	if s.grpcServer == nil {
		return fmt.Errorf("server not initialized, call Start() first")
	}
	return s.grpcServer.Serve(s.listener)
}

// Shutdown stops the server, waiting for in-flight calls until ctx expires
func (s *Server) Shutdown(ctx context.Context) error {
	if s.grpcServer == nil {
		return nil
	}

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}

	// Flush so the image holds every page acknowledged before shutdown
	if err := s.eng.Flush(); err != nil {
		return fmt.Errorf("failed to flush emulator: %w", err)
	}
	return nil
}
