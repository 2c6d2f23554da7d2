package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/KevoDB/rwwee/pkg/common/log"
	"github.com/KevoDB/rwwee/pkg/eeprom"
	pb "github.com/KevoDB/rwwee/pkg/grpc/eepb"
	"github.com/cespare/xxhash/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Engine is the part of the emulator the service needs
type Engine interface {
	Read(addr uint32, buf []byte) error
	Write(addr uint32, buf []byte) error
	SyncWrite(addr uint32, buf []byte) error
	WriteBack() error
	Flush() error
	Param() eeprom.Param
	GetStats() map[string]interface{}
}

// EEPROMServiceServer implements the gRPC EEPROM service
type EEPROMServiceServer struct {
	pb.UnimplementedEEPROMServer
	engine      Engine
	maxTransfer uint32 // Maximum bytes per read or write
	logger      log.Logger
}

// NewEEPROMServiceServer creates a new EEPROMServiceServer
func NewEEPROMServiceServer(engine Engine, logger log.Logger) *EEPROMServiceServer {
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	return &EEPROMServiceServer{
		engine:      engine,
		maxTransfer: 1024 * 1024, // 1MB
		logger:      logger.WithField("component", "grpc"),
	}
}

// SetMaxTransfer limits the size of a single read or write
func (s *EEPROMServiceServer) SetMaxTransfer(n uint32) {
	s.maxTransfer = n
}

// statusError converts an emulator error into a gRPC status carrying the
// emulator status name.
func statusError(err error) error {
	if err == nil {
		return nil
	}

	st := eeprom.StatusOf(err)
	var code codes.Code
	switch st {
	case eeprom.StatusInvalidArgument, eeprom.StatusBadAddress:
		code = codes.InvalidArgument
	case eeprom.StatusNoSpace, eeprom.StatusNoMemory:
		code = codes.ResourceExhausted
	case eeprom.StatusNoDevice:
		code = codes.Unavailable
	case eeprom.StatusNotFormatted, eeprom.StatusNoSuchAddress:
		code = codes.FailedPrecondition
	case eeprom.StatusCorrupted:
		code = codes.DataLoss
	case eeprom.StatusNotPermitted:
		code = codes.PermissionDenied
	case eeprom.StatusOS:
		code = codes.Aborted
	default:
		code = codes.Internal
	}
	return status.Errorf(code, "%s: %v", st, err)
}

// Read returns a range of the emulated EEPROM
func (s *EEPROMServiceServer) Read(ctx context.Context, req *pb.ReadRequest) (*pb.ReadResponse, error) {
	if req.Length > s.maxTransfer {
		return nil, status.Errorf(codes.InvalidArgument, "read of %d bytes exceeds maximum %d", req.Length, s.maxTransfer)
	}

	buf := make([]byte, req.Length)
	if err := s.engine.Read(req.Addr, buf); err != nil {
		s.logger.Warn("Read of %d bytes at 0x%x failed: %v", req.Length, req.Addr, err)
		return nil, statusError(err)
	}

	return &pb.ReadResponse{
		Data:     buf,
		Checksum: xxhash.Sum64(buf),
	}, nil
}

// Write stores data, verifying it arrived intact
func (s *EEPROMServiceServer) Write(ctx context.Context, req *pb.WriteRequest) (*pb.WriteResponse, error) {
	if uint64(len(req.Data)) > uint64(s.maxTransfer) {
		return nil, status.Errorf(codes.InvalidArgument, "write of %d bytes exceeds maximum %d", len(req.Data), s.maxTransfer)
	}
	if sum := xxhash.Sum64(req.Data); sum != req.Checksum {
		return nil, status.Errorf(codes.DataLoss, "checksum mismatch: got %016x, computed %016x", req.Checksum, sum)
	}

	write := s.engine.Write
	if req.Sync {
		write = s.engine.SyncWrite
	}
	if err := write(req.Addr, req.Data); err != nil {
		s.logger.Warn("Write of %d bytes at 0x%x failed: %v", len(req.Data), req.Addr, err)
		return nil, statusError(err)
	}

	return &pb.WriteResponse{Written: uint32(len(req.Data))}, nil
}

// Flush writes back the page caches and, unless only a write back was
// asked for, closes the system logs
func (s *EEPROMServiceServer) Flush(ctx context.Context, req *pb.FlushRequest) (*pb.FlushResponse, error) {
	var err error
	if req.WriteBackOnly {
		err = s.engine.WriteBack()
	} else {
		err = s.engine.Flush()
	}
	if err != nil {
		s.logger.Error("Flush failed: %v", err)
		return nil, statusError(err)
	}
	return &pb.FlushResponse{}, nil
}

// Param describes the emulated address space
func (s *EEPROMServiceServer) Param(ctx context.Context, req *pb.ParamRequest) (*pb.ParamResponse, error) {
	p := s.engine.Param()
	return &pb.ParamResponse{
		PageSize:      p.PageSize,
		BankSize:      p.BankSize,
		Banks:         uint32(p.Banks),
		TotalSize:     p.TotalSize,
		HashAlgorithm: p.HashAlgorithm.String(),
	}, nil
}

// Stats returns the engine statistics
func (s *EEPROMServiceServer) Stats(ctx context.Context, req *pb.StatsRequest) (*pb.StatsResponse, error) {
	data, err := json.Marshal(s.engine.GetStats())
	if err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("failed to encode stats: %v", err))
	}
	return &pb.StatsResponse{Json: data}, nil
}
