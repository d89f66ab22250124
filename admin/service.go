package admin

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// codecName is the gRPC content-subtype under which the hand-rolled wire
// codec is registered, selected by clients via grpc.CallContentSubtype.
const codecName = "walbadmin"

// Server is implemented by Dispatcher and registered against a
// *grpc.Server via RegisterAdminServer.
type Server interface {
	Execute(ctx context.Context, req *Request) (*Response, error)
}

// wireCodec marshals Request/Response through their own hand-rolled
// protobuf encoders (messages.go) rather than through reflection-based
// proto.Message, since no .proto-generated type exists for either message
// — grounded on the teacher's own generated GCS/gRPC stubs being absent
// from this pack; codecName lets a plain grpc.ClientConn carry these
// messages without a protoc-gen-go-grpc step.
type wireCodec struct{}

func (wireCodec) Name() string { return codecName }

func (wireCodec) Marshal(v interface{}) ([]byte, error) {
	switch m := v.(type) {
	case *Request:
		return m.Marshal(), nil
	case *Response:
		return m.Marshal(), nil
	default:
		return nil, fmt.Errorf("admin: codec cannot marshal %T", v)
	}
}

func (wireCodec) Unmarshal(data []byte, v interface{}) error {
	switch m := v.(type) {
	case *Request:
		r, err := UnmarshalRequest(data)
		if err != nil {
			return err
		}
		*m = *r
		return nil
	case *Response:
		r, err := UnmarshalResponse(data)
		if err != nil {
			return err
		}
		*m = *r
		return nil
	default:
		return fmt.Errorf("admin: codec cannot unmarshal into %T", v)
	}
}

func init() {
	encoding.RegisterCodec(wireCodec{})
}

// ServiceDesc describes the single-method admin control channel, built by
// hand the way protoc-gen-go-grpc would have, since there is no .proto
// source to generate it from.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "walb.admin.AdminService",
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Execute", Handler: executeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "walb/admin",
}

func executeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(Request)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).Execute(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/walb.admin.AdminService/Execute"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Server).Execute(ctx, req.(*Request))
	}
	return interceptor(ctx, req, info, handler)
}

// RegisterAdminServer registers srv's Execute method against s.
func RegisterAdminServer(s *grpc.Server, srv Server) {
	s.RegisterService(&ServiceDesc, srv)
}
