// Package healthrpc — alertservice.go
//
// AlertService is the one-way Notify(level, message) RPC spec.md §6.3
// calls for, implemented by hand against grpc.ServiceDesc (see codec.go
// for why) rather than protoc-generated bindings.

package healthrpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
)

// AlertRequest is the wire shape of a Notify call.
type AlertRequest struct {
	Level   int    `json:"level"`
	Message string `json:"message"`
}

// AlertResponse acknowledges delivery.
type AlertResponse struct {
	Accepted bool `json:"accepted"`
}

// AlertServer is implemented by whatever receives alert deliveries —
// an operator-owned notification gateway in production, an in-process
// fake in tests.
type AlertServer interface {
	Notify(ctx context.Context, req *AlertRequest) (*AlertResponse, error)
}

const alertServiceName = "watchdog.alert.v1.AlertService"

// AlertServiceDesc is the hand-written analogue of a protoc-generated
// _ServiceDesc: one unary method, dispatched through the registered
// "json" codec instead of protobuf wire encoding.
var AlertServiceDesc = grpc.ServiceDesc{
	ServiceName: alertServiceName,
	HandlerType: (*AlertServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Notify",
			Handler:    alertNotifyHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/healthrpc/alertservice.go",
}

func alertNotifyHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(AlertRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AlertServer).Notify(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + alertServiceName + "/Notify",
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AlertServer).Notify(ctx, req.(*AlertRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterAlertServiceServer registers srv with s under AlertServiceDesc.
func RegisterAlertServiceServer(s *grpc.Server, srv AlertServer) {
	s.RegisterService(&AlertServiceDesc, srv)
}

// AlertClient calls a remote AlertServer's Notify method.
type AlertClient struct {
	cc *grpc.ClientConn
}

// NewAlertClient wraps an established connection.
func NewAlertClient(cc *grpc.ClientConn) *AlertClient {
	return &AlertClient{cc: cc}
}

// Notify delivers an alert, honoring ctx's deadline.
func (c *AlertClient) Notify(ctx context.Context, req *AlertRequest) (*AlertResponse, error) {
	out := new(AlertResponse)
	if err := c.cc.Invoke(ctx, "/"+alertServiceName+"/Notify", req, out, grpc.CallContentSubtype(jsonCodecName)); err != nil {
		return nil, fmt.Errorf("healthrpc.AlertClient.Notify: %w", err)
	}
	return out, nil
}
