package bluenet

import (
	"context"
	"net"
	"sync"

	errw "github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	rpcServiceName    = "senic.bluenet.v1.BluenetService"
	isConnectedMethod = "/" + rpcServiceName + "/IsConnected"
)

// ConnectionReporter answers whether a BLE remote is attached.
type ConnectionReporter interface {
	IsConnected() bool
}

type bluenetServiceServer interface {
	IsConnected(context.Context, *emptypb.Empty) (*wrapperspb.BoolValue, error)
}

func isConnectedHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(bluenetServiceServer).IsConnected(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: isConnectedMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(bluenetServiceServer).IsConnected(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

var bluenetServiceDesc = grpc.ServiceDesc{
	ServiceName: rpcServiceName,
	HandlerType: (*bluenetServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "IsConnected", Handler: isConnectedHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "senic/bluenet/v1/bluenet.proto",
}

// RPCServer lets netwatch ask whether a phone is in the middle of provisioning.
type RPCServer struct {
	reporter ConnectionReporter
	logger   logging.Logger

	workers  sync.WaitGroup
	server   *grpc.Server
	listener net.Listener
}

func NewRPCServer(logger logging.Logger, reporter ConnectionReporter) *RPCServer {
	return &RPCServer{reporter: reporter, logger: logger}
}

func (s *RPCServer) IsConnected(context.Context, *emptypb.Empty) (*wrapperspb.BoolValue, error) {
	return wrapperspb.Bool(s.reporter.IsConnected()), nil
}

func (s *RPCServer) Start(bind string) error {
	lis, err := net.Listen("tcp", bind)
	if err != nil {
		return errw.Wrapf(err, "listening on: %s", bind)
	}
	s.listener = lis

	s.server = grpc.NewServer(grpc.WaitForHandlers(true))
	s.server.RegisterService(&bluenetServiceDesc, s)

	s.logger.Infof("Starting RPC server on %s", lis.Addr())
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		if err := s.server.Serve(lis); err != nil {
			s.logger.Error(err)
		}
	}()
	return nil
}

func (s *RPCServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *RPCServer) Stop() {
	if s.server != nil {
		s.server.GracefulStop()
	}
	s.workers.Wait()
}

// IsConnected asks the bluenet daemon at addr. A daemon that is not running counts as not connected.
func IsConnected(ctx context.Context, addr string) (bool, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return false, errw.Wrapf(err, "creating client for %s", addr)
	}
	defer goutils.UncheckedErrorFunc(conn.Close)

	out := new(wrapperspb.BoolValue)
	if err := conn.Invoke(ctx, isConnectedMethod, &emptypb.Empty{}, out); err != nil {
		if status.Code(err) == codes.Unavailable {
			return false, nil
		}
		return false, errw.Wrap(err, "querying bluenet")
	}
	return out.GetValue(), nil
}
