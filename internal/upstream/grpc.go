package upstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/wheel-sorter/pkg/types"
)

// ============================================================================
// Service definition
// ============================================================================
//
// sorting.v1.ChuteAssignment carries google.protobuf.Struct messages:
//
//	request  {"parcel_id": string, "detected_at_ms": number}
//	response {"parcel_id": string, "chute_id": number}
//
// The descriptor is declared by hand so the service needs no generated code.

const (
	serviceName      = "sorting.v1.ChuteAssignment"
	notifyFullMethod = "/" + serviceName + "/NotifyParcelDetected"
)

// ChuteAssignmentServer is the server API for sorting.v1.ChuteAssignment.
type ChuteAssignmentServer interface {
	NotifyParcelDetected(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// ChuteAssignmentServiceDesc describes the service for grpc.Server.
var ChuteAssignmentServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ChuteAssignmentServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "NotifyParcelDetected", Handler: notifyParcelDetectedHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "sorting/v1/chute_assignment.proto",
}

// RegisterChuteAssignmentServer attaches srv to a gRPC server.
func RegisterChuteAssignmentServer(s grpc.ServiceRegistrar, srv ChuteAssignmentServer) {
	s.RegisterService(&ChuteAssignmentServiceDesc, srv)
}

func notifyParcelDetectedHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ChuteAssignmentServer).NotifyParcelDetected(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: notifyFullMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ChuteAssignmentServer).NotifyParcelDetected(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// ============================================================================
// Server
// ============================================================================

// GRPCServer serves an Engine over sorting.v1.ChuteAssignment.
type GRPCServer struct {
	engine Engine
}

// NewGRPCServer wraps an engine.
func NewGRPCServer(engine Engine) *GRPCServer {
	return &GRPCServer{engine: engine}
}

// NotifyParcelDetected implements ChuteAssignmentServer.
func (s *GRPCServer) NotifyParcelDetected(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := req.GetFields()["parcel_id"].GetStringValue()
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "parcel_id is required")
	}

	chute, err := s.engine.Assign(ctx, types.ParcelID(id))
	switch {
	case err == nil:
	case errors.Is(err, ErrNoAssignment):
		return nil, status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return nil, status.FromContextError(err).Err()
	default:
		return nil, status.Error(codes.Internal, err.Error())
	}

	return structpb.NewStruct(map[string]interface{}{
		"parcel_id": id,
		"chute_id":  float64(chute),
	})
}

// ============================================================================
// Client
// ============================================================================

// GRPCClient calls sorting.v1.ChuteAssignment.
type GRPCClient struct {
	conn *grpc.ClientConn

	mu     sync.Mutex
	closed bool
}

// NewGRPCClient creates a lazy client for target. Without options the link
// is plaintext.
func NewGRPCClient(target string, opts ...grpc.DialOption) (*GRPCClient, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create grpc client for %s: %w", target, err)
	}
	return &GRPCClient{conn: conn}, nil
}

// Connect waits until the channel is ready or ctx is done.
func (c *GRPCClient) Connect(ctx context.Context) bool {
	c.conn.Connect()
	for {
		s := c.conn.GetState()
		switch s {
		case connectivity.Ready:
			return true
		case connectivity.Shutdown:
			return false
		}
		if !c.conn.WaitForStateChange(ctx, s) {
			return false
		}
	}
}

// NotifyParcelDetected sends one unary request. The call is bounded by ctx.
func (c *GRPCClient) NotifyParcelDetected(ctx context.Context, id types.ParcelID) (Assignment, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return Assignment{}, ErrClosed
	}

	req, err := structpb.NewStruct(map[string]interface{}{
		"parcel_id":      string(id),
		"detected_at_ms": float64(time.Now().UnixMilli()),
	})
	if err != nil {
		return Assignment{}, fmt.Errorf("build request: %w", err)
	}

	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, notifyFullMethod, req, resp); err != nil {
		return Assignment{}, fromStatus(err)
	}

	v, ok := resp.GetFields()["chute_id"]
	if !ok {
		return Assignment{}, fmt.Errorf("%w: response has no chute_id", ErrNoAssignment)
	}
	return Assignment{
		ParcelID:   id,
		ChuteID:    types.ChuteID(v.GetNumberValue()),
		ReceivedAt: time.Now(),
	}, nil
}

// Close tears down the channel.
func (c *GRPCClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// fromStatus maps gRPC status codes onto package errors.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", context.DeadlineExceeded, st.Message())
	case codes.Canceled:
		return fmt.Errorf("%w: %s", context.Canceled, st.Message())
	case codes.NotFound:
		return fmt.Errorf("%w: %s", ErrNoAssignment, st.Message())
	case codes.Unavailable:
		return fmt.Errorf("%w: %s", ErrNotConnected, st.Message())
	default:
		return fmt.Errorf("upstream rpc failed: %w", err)
	}
}
