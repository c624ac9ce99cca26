package auth

import (
	"context"
	"encoding/json"
	"net/http"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

const transportGRPC = "grpc"

// UnaryServerInterceptor returns a gRPC unary server interceptor running
// the pipeline. actions maps full method names ("/pkg.Service/Method") to
// policy actions; unmapped methods evaluate [DefaultAction].
//
// The resource is the protojson form of the request message. The
// environment is the full method as both method and path, the peer IP and
// the caller's residency. Rejections map to Unauthenticated,
// PermissionDenied and Internal.
func (m *Middleware) UnaryServerInterceptor(actions map[string]string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := m.authorizeGRPC(ctx, info.FullMethod, actions[info.FullMethod], messageResource(req))
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamServerInterceptor is the streaming form of
// [Middleware.UnaryServerInterceptor]. Stream messages are not inspected,
// so the resource is always empty.
func (m *Middleware) StreamServerInterceptor(actions map[string]string) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := m.authorizeGRPC(ss.Context(), info.FullMethod, actions[info.FullMethod], nil)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedServerStream{ServerStream: ss, ctx: ctx})
	}
}

func (m *Middleware) authorizeGRPC(ctx context.Context, method, action string, resource map[string]any) (context.Context, error) {
	start := m.now()
	defer m.observeDuration(transportGRPC, start)

	var token string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get(HeaderAuthorization); len(values) > 0 {
			token = ExtractBearerToken(values[0])
		}
	}

	res, rej := m.Authorize(ctx, Request{
		Token:    token,
		Action:   action,
		Resource: resource,
		Method:   method,
		IP:       peerIP(ctx),
		Path:     method,
	})
	if rej != nil {
		m.reject(ctx, transportGRPC, rej)
		return ctx, grpcStatus(rej)
	}
	return ContextWithResult(ctx, res), nil
}

func grpcStatus(rej *Rejection) error {
	code := codes.Unauthenticated
	switch rej.Status {
	case http.StatusForbidden:
		code = codes.PermissionDenied
	case http.StatusInternalServerError:
		code = codes.Internal
	}
	msg := rej.Code
	if rej.Message != "" {
		msg += ": " + rej.Message
	}
	return status.Error(code, msg)
}

// messageResource renders a proto request as a generic JSON object.
func messageResource(req any) map[string]any {
	msg, ok := req.(proto.Message)
	if !ok || msg == nil {
		return map[string]any{}
	}
	data, err := protojson.Marshal(msg)
	if err != nil {
		return map[string]any{}
	}
	var obj map[string]any
	if json.Unmarshal(data, &obj) != nil || obj == nil {
		return map[string]any{}
	}
	return obj
}

func peerIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	return clientIP(p.Addr.String())
}

// wrappedServerStream overrides Context so handlers see the authorized
// context.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}
