// ABOUTME: Hand-written gRPC service descriptor and client for dispatch.OperatorService
// ABOUTME: Mirrors the layout of generated grpc stubs so servers register the usual way

package operator

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "dispatch.OperatorService"

// Full method names, used by interceptors.
const (
	OperatorService_Login_FullMethodName         = "/" + ServiceName + "/Login"
	OperatorService_ListAgents_FullMethodName    = "/" + ServiceName + "/ListAgents"
	OperatorService_Enqueue_FullMethodName       = "/" + ServiceName + "/Enqueue"
	OperatorService_Status_FullMethodName        = "/" + ServiceName + "/Status"
	OperatorService_GetResult_FullMethodName     = "/" + ServiceName + "/GetResult"
	OperatorService_GroupStatus_FullMethodName   = "/" + ServiceName + "/GroupStatus"
	OperatorService_RotateSession_FullMethodName = "/" + ServiceName + "/RotateSession"
	OperatorService_RevokeAgent_FullMethodName   = "/" + ServiceName + "/RevokeAgent"
	OperatorService_AuditLog_FullMethodName      = "/" + ServiceName + "/AuditLog"
)

// PublicMethods skip token authentication.
var PublicMethods = map[string]bool{
	OperatorService_Login_FullMethodName: true,
}

// OperatorServiceServer is the server API for dispatch.OperatorService.
type OperatorServiceServer interface {
	Login(context.Context, *LoginRequest) (*LoginResponse, error)
	ListAgents(context.Context, *emptypb.Empty) (*ListAgentsResponse, error)
	Enqueue(context.Context, *EnqueueRequest) (*EnqueueResponse, error)
	Status(context.Context, *StatusRequest) (*StatusResponse, error)
	GetResult(context.Context, *GetResultRequest) (*GetResultResponse, error)
	GroupStatus(context.Context, *GroupStatusRequest) (*GroupStatusResponse, error)
	RotateSession(context.Context, *RotateSessionRequest) (*RotateSessionResponse, error)
	RevokeAgent(context.Context, *RevokeAgentRequest) (*RevokeAgentResponse, error)
	AuditLog(context.Context, *AuditLogRequest) (*AuditLogResponse, error)
}

// RegisterOperatorServiceServer registers srv with s.
func RegisterOperatorServiceServer(s grpc.ServiceRegistrar, srv OperatorServiceServer) {
	s.RegisterService(&OperatorService_ServiceDesc, srv)
}

// unary builds the method handler for one RPC.
func unary[Req, Resp any](fullMethod string, call func(OperatorServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(OperatorServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(OperatorServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// OperatorService_ServiceDesc is the grpc.ServiceDesc for dispatch.OperatorService.
var OperatorService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OperatorServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Login", Handler: unary(OperatorService_Login_FullMethodName, OperatorServiceServer.Login)},
		{MethodName: "ListAgents", Handler: unary(OperatorService_ListAgents_FullMethodName, OperatorServiceServer.ListAgents)},
		{MethodName: "Enqueue", Handler: unary(OperatorService_Enqueue_FullMethodName, OperatorServiceServer.Enqueue)},
		{MethodName: "Status", Handler: unary(OperatorService_Status_FullMethodName, OperatorServiceServer.Status)},
		{MethodName: "GetResult", Handler: unary(OperatorService_GetResult_FullMethodName, OperatorServiceServer.GetResult)},
		{MethodName: "GroupStatus", Handler: unary(OperatorService_GroupStatus_FullMethodName, OperatorServiceServer.GroupStatus)},
		{MethodName: "RotateSession", Handler: unary(OperatorService_RotateSession_FullMethodName, OperatorServiceServer.RotateSession)},
		{MethodName: "RevokeAgent", Handler: unary(OperatorService_RevokeAgent_FullMethodName, OperatorServiceServer.RevokeAgent)},
		{MethodName: "AuditLog", Handler: unary(OperatorService_AuditLog_FullMethodName, OperatorServiceServer.AuditLog)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "operator.go",
}

// OperatorServiceClient is the client API for dispatch.OperatorService.
type OperatorServiceClient interface {
	Login(ctx context.Context, in *LoginRequest, opts ...grpc.CallOption) (*LoginResponse, error)
	ListAgents(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*ListAgentsResponse, error)
	Enqueue(ctx context.Context, in *EnqueueRequest, opts ...grpc.CallOption) (*EnqueueResponse, error)
	Status(ctx context.Context, in *StatusRequest, opts ...grpc.CallOption) (*StatusResponse, error)
	GetResult(ctx context.Context, in *GetResultRequest, opts ...grpc.CallOption) (*GetResultResponse, error)
	GroupStatus(ctx context.Context, in *GroupStatusRequest, opts ...grpc.CallOption) (*GroupStatusResponse, error)
	RotateSession(ctx context.Context, in *RotateSessionRequest, opts ...grpc.CallOption) (*RotateSessionResponse, error)
	RevokeAgent(ctx context.Context, in *RevokeAgentRequest, opts ...grpc.CallOption) (*RevokeAgentResponse, error)
	AuditLog(ctx context.Context, in *AuditLogRequest, opts ...grpc.CallOption) (*AuditLogResponse, error)
}

type operatorServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewOperatorServiceClient returns a client that always uses the JSON codec.
func NewOperatorServiceClient(cc grpc.ClientConnInterface) OperatorServiceClient {
	return &operatorServiceClient{cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	callOpts := append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, method, in, out, callOpts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *operatorServiceClient) Login(ctx context.Context, in *LoginRequest, opts ...grpc.CallOption) (*LoginResponse, error) {
	return invoke[LoginResponse](ctx, c.cc, OperatorService_Login_FullMethodName, in, opts)
}

func (c *operatorServiceClient) ListAgents(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*ListAgentsResponse, error) {
	return invoke[ListAgentsResponse](ctx, c.cc, OperatorService_ListAgents_FullMethodName, in, opts)
}

func (c *operatorServiceClient) Enqueue(ctx context.Context, in *EnqueueRequest, opts ...grpc.CallOption) (*EnqueueResponse, error) {
	return invoke[EnqueueResponse](ctx, c.cc, OperatorService_Enqueue_FullMethodName, in, opts)
}

func (c *operatorServiceClient) Status(ctx context.Context, in *StatusRequest, opts ...grpc.CallOption) (*StatusResponse, error) {
	return invoke[StatusResponse](ctx, c.cc, OperatorService_Status_FullMethodName, in, opts)
}

func (c *operatorServiceClient) GetResult(ctx context.Context, in *GetResultRequest, opts ...grpc.CallOption) (*GetResultResponse, error) {
	return invoke[GetResultResponse](ctx, c.cc, OperatorService_GetResult_FullMethodName, in, opts)
}

func (c *operatorServiceClient) GroupStatus(ctx context.Context, in *GroupStatusRequest, opts ...grpc.CallOption) (*GroupStatusResponse, error) {
	return invoke[GroupStatusResponse](ctx, c.cc, OperatorService_GroupStatus_FullMethodName, in, opts)
}

func (c *operatorServiceClient) RotateSession(ctx context.Context, in *RotateSessionRequest, opts ...grpc.CallOption) (*RotateSessionResponse, error) {
	return invoke[RotateSessionResponse](ctx, c.cc, OperatorService_RotateSession_FullMethodName, in, opts)
}

func (c *operatorServiceClient) RevokeAgent(ctx context.Context, in *RevokeAgentRequest, opts ...grpc.CallOption) (*RevokeAgentResponse, error) {
	return invoke[RevokeAgentResponse](ctx, c.cc, OperatorService_RevokeAgent_FullMethodName, in, opts)
}

func (c *operatorServiceClient) AuditLog(ctx context.Context, in *AuditLogRequest, opts ...grpc.CallOption) (*AuditLogResponse, error) {
	return invoke[AuditLogResponse](ctx, c.cc, OperatorService_AuditLog_FullMethodName, in, opts)
}

// WithToken returns a context carrying token as a bearer credential.
func WithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
}
