// Package toolrpc is the kernel's default tools.Executor (spec.md §1: "the
// tool implementations themselves" run as an external collaborator process).
// It dispatches tool calls over gRPC rather than generating and vendoring a
// .proto-derived stub: both the request and the response are a single
// google.golang.org/protobuf/types/known/structpb.Struct, which already
// implements proto.Message, so a tool's free-form map[string]any arguments
// and results cross the wire without a fixed schema per tool.
package toolrpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ai-change-the-world/autoagent/runtime/agent/tools"
)

// ServiceName and ExecuteMethod name the single gRPC method this package
// speaks on both the client and server side.
const (
	ServiceName   = "autoagent.tools.ToolService"
	ExecuteMethod = "/" + ServiceName + "/Execute"
)

// Client implements tools.Executor by calling ExecuteMethod over an existing
// gRPC connection.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient wraps an already-dialed gRPC connection.
func NewClient(conn *grpc.ClientConn) (*Client, error) {
	if conn == nil {
		return nil, fmt.Errorf("toolrpc: grpc connection is required")
	}
	return &Client{conn: conn}, nil
}

// Dial opens an insecure gRPC connection to target and wraps it in a Client.
// Callers that need TLS or interceptors should dial themselves and use
// NewClient instead.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("toolrpc: dial %q: %w", target, err)
	}
	return NewClient(conn)
}

// Execute implements tools.Executor.
func (c *Client) Execute(ctx context.Context, toolName string, args map[string]any) (map[string]any, error) {
	req, err := structpb.NewStruct(map[string]any{
		"tool": toolName,
		"args": toAny(args),
	})
	if err != nil {
		return nil, fmt.Errorf("toolrpc: encode request: %w", err)
	}

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, ExecuteMethod, req, resp); err != nil {
		return nil, fmt.Errorf("toolrpc: execute %q: %w", toolName, err)
	}

	fields := resp.GetFields()
	if errMsg, ok := fields["error"]; ok && errMsg.GetStringValue() != "" {
		return nil, fmt.Errorf("toolrpc: tool %q failed: %s", toolName, errMsg.GetStringValue())
	}
	result, ok := fields["result"]
	if !ok {
		return map[string]any{}, nil
	}
	return result.GetStructValue().AsMap(), nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func toAny(args map[string]any) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	return args
}

var _ tools.Executor = (*Client)(nil)
