package eepb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "rwwee.EEPROM"

const (
	methodRead  = "/" + ServiceName + "/Read"
	methodWrite = "/" + ServiceName + "/Write"
	methodFlush = "/" + ServiceName + "/Flush"
	methodParam = "/" + ServiceName + "/Param"
	methodStats = "/" + ServiceName + "/Stats"
)

// EEPROMServer is the server API of the service
type EEPROMServer interface {
	Read(context.Context, *ReadRequest) (*ReadResponse, error)
	Write(context.Context, *WriteRequest) (*WriteResponse, error)
	Flush(context.Context, *FlushRequest) (*FlushResponse, error)
	Param(context.Context, *ParamRequest) (*ParamResponse, error)
	Stats(context.Context, *StatsRequest) (*StatsResponse, error)
}

// UnimplementedEEPROMServer can be embedded to get forward compatible implementations
type UnimplementedEEPROMServer struct{}

func (UnimplementedEEPROMServer) Read(context.Context, *ReadRequest) (*ReadResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Read not implemented")
}

func (UnimplementedEEPROMServer) Write(context.Context, *WriteRequest) (*WriteResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Write not implemented")
}

func (UnimplementedEEPROMServer) Flush(context.Context, *FlushRequest) (*FlushResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Flush not implemented")
}

func (UnimplementedEEPROMServer) Param(context.Context, *ParamRequest) (*ParamResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Param not implemented")
}

func (UnimplementedEEPROMServer) Stats(context.Context, *StatsRequest) (*StatsResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Stats not implemented")
}

// RegisterEEPROMServer registers srv with s
func RegisterEEPROMServer(s grpc.ServiceRegistrar, srv EEPROMServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// unary adapts one typed method to a grpc method handler
func unary[Req any, Resp any](method string, call func(EEPROMServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	name := method[len(ServiceName)+2:]
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(EEPROMServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(EEPROMServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc describes the rwwee.EEPROM service
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EEPROMServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(methodRead, EEPROMServer.Read),
		unary(methodWrite, EEPROMServer.Write),
		unary(methodFlush, EEPROMServer.Flush),
		unary(methodParam, EEPROMServer.Param),
		unary(methodStats, EEPROMServer.Stats),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rwwee/eeprom.proto",
}

// EEPROMClient is the client API of the service
type EEPROMClient interface {
	Read(ctx context.Context, in *ReadRequest, opts ...grpc.CallOption) (*ReadResponse, error)
	Write(ctx context.Context, in *WriteRequest, opts ...grpc.CallOption) (*WriteResponse, error)
	Flush(ctx context.Context, in *FlushRequest, opts ...grpc.CallOption) (*FlushResponse, error)
	Param(ctx context.Context, in *ParamRequest, opts ...grpc.CallOption) (*ParamResponse, error)
	Stats(ctx context.Context, in *StatsRequest, opts ...grpc.CallOption) (*StatsResponse, error)
}

type eepromClient struct {
	cc grpc.ClientConnInterface
}

// NewEEPROMClient returns a client stub on cc. Calls are sent with the eepb
// content subtype.
func NewEEPROMClient(cc grpc.ClientConnInterface) EEPROMClient {
	return &eepromClient{cc: cc}
}

func (c *eepromClient) invoke(ctx context.Context, method string, in, out Message, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(Name)}, opts...)
	return c.cc.Invoke(ctx, method, in, out, opts...)
}

func (c *eepromClient) Read(ctx context.Context, in *ReadRequest, opts ...grpc.CallOption) (*ReadResponse, error) {
	out := new(ReadResponse)
	if err := c.invoke(ctx, methodRead, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *eepromClient) Write(ctx context.Context, in *WriteRequest, opts ...grpc.CallOption) (*WriteResponse, error) {
	out := new(WriteResponse)
	if err := c.invoke(ctx, methodWrite, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *eepromClient) Flush(ctx context.Context, in *FlushRequest, opts ...grpc.CallOption) (*FlushResponse, error) {
	out := new(FlushResponse)
	if err := c.invoke(ctx, methodFlush, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *eepromClient) Param(ctx context.Context, in *ParamRequest, opts ...grpc.CallOption) (*ParamResponse, error) {
	out := new(ParamResponse)
	if err := c.invoke(ctx, methodParam, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *eepromClient) Stats(ctx context.Context, in *StatsRequest, opts ...grpc.CallOption) (*StatsResponse, error) {
	out := new(StatsResponse)
	if err := c.invoke(ctx, methodStats, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}
