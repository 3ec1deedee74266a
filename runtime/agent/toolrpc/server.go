package toolrpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ai-change-the-world/autoagent/runtime/agent/tools"
)

// Server exposes a tools.Registry's in-process Handlers over gRPC, the
// mirror image of Client: a tool author runs a Server in a separate process
// and the kernel's engine reaches it through a Client configured as the
// engine's tools.Executor.
type Server struct {
	registry *tools.Registry
}

// NewServer wraps a registry for gRPC dispatch. Only tools with a Handler
// are servable; tools without one return an error when invoked.
func NewServer(registry *tools.Registry) (*Server, error) {
	if registry == nil {
		return nil, fmt.Errorf("toolrpc: registry is required")
	}
	return &Server{registry: registry}, nil
}

// Register attaches the service to a gRPC server using a hand-built
// ServiceDesc, since the wire contract is the single generic Execute method
// rather than a .proto-generated service.
func (s *Server) Register(grpcServer *grpc.Server) {
	grpcServer.RegisterService(&serviceDesc, s)
}

func (s *Server) execute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	toolName := fields["tool"].GetStringValue()
	if toolName == "" {
		return nil, fmt.Errorf("toolrpc: request missing tool name")
	}
	args := map[string]any{}
	if argsField, ok := fields["args"]; ok {
		args = argsField.GetStructValue().AsMap()
	}

	tool, ok := s.registry.Get(toolName)
	if !ok {
		return structpb.NewStruct(map[string]any{"error": fmt.Sprintf("unknown tool %q", toolName)})
	}
	if tool.Handler == nil {
		return structpb.NewStruct(map[string]any{"error": fmt.Sprintf("tool %q has no in-process handler", toolName)})
	}

	result, err := tool.Handler(ctx, args)
	if err != nil {
		return structpb.NewStruct(map[string]any{"error": err.Error()})
	}
	resultStruct, err := structpb.NewStruct(result)
	if err != nil {
		return structpb.NewStruct(map[string]any{"error": fmt.Sprintf("encode result: %s", err)})
	}
	return structpb.NewStruct(map[string]any{"result": structValueOf(resultStruct)})
}

func structValueOf(s *structpb.Struct) any {
	return s.AsMap()
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*executeHandler)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Execute",
			Handler:    executeHandlerFunc,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "toolrpc.proto",
}

// executeHandler is the HandlerType grpc.ServiceDesc requires; it is never
// called directly since executeHandlerFunc dispatches to srv.(*Server) itself.
type executeHandler interface {
	execute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

func executeHandlerFunc(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := &structpb.Struct{}
	if err := dec(req); err != nil {
		return nil, err
	}
	handler := srv.(executeHandler)
	if interceptor == nil {
		return handler.execute(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ExecuteMethod}
	return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
		return handler.execute(ctx, req.(*structpb.Struct))
	})
}
