package authclient

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const authorizationMetadataKey = "authorization"

// NewUnaryClientInterceptor attaches the bearer credential to unary calls and
// retries a call once when it fails with codes.Unauthenticated.
func NewUnaryClientInterceptor(opts InterceptorOptions) (grpc.UnaryClientInterceptor, error) {
	auth, err := newAuthorizer(opts)
	if err != nil {
		return nil, err
	}
	return auth.unaryInterceptor(), nil
}

// NewStreamClientInterceptor is the streaming counterpart. Only stream
// establishment is retried; errors on an open stream are returned as is.
func NewStreamClientInterceptor(opts InterceptorOptions) (grpc.StreamClientInterceptor, error) {
	auth, err := newAuthorizer(opts)
	if err != nil {
		return nil, err
	}
	return auth.streamInterceptor(), nil
}

func (a *authorizer) unaryInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if hasOutgoingAuthorization(ctx) {
			return invoker(ctx, method, req, reply, cc, opts...)
		}

		exempt := a.isExempt(method)
		cred, err := a.credential(ctx, exempt)
		if err != nil {
			return err
		}

		err = invoker(withCredential(ctx, cred), method, req, reply, cc, opts...)
		if exempt || status.Code(err) != codes.Unauthenticated || !a.shouldRenew(ctx, cred) {
			return err
		}

		a.logger.Debug("call unauthenticated, awaiting refresh", zap.String("method", method))
		fresh, rerr := a.renew(ctx, cred)
		if rerr != nil {
			return rerr
		}
		return invoker(withCredential(ctx, fresh), method, req, reply, cc, opts...)
	}
}

func (a *authorizer) streamInterceptor() grpc.StreamClientInterceptor {
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		if hasOutgoingAuthorization(ctx) {
			return streamer(ctx, desc, cc, method, opts...)
		}

		exempt := a.isExempt(method)
		cred, err := a.credential(ctx, exempt)
		if err != nil {
			return nil, err
		}

		stream, err := streamer(withCredential(ctx, cred), desc, cc, method, opts...)
		if exempt || status.Code(err) != codes.Unauthenticated || !a.shouldRenew(ctx, cred) {
			return stream, err
		}

		a.logger.Debug("stream unauthenticated, awaiting refresh", zap.String("method", method))
		fresh, rerr := a.renew(ctx, cred)
		if rerr != nil {
			return nil, rerr
		}
		return streamer(withCredential(ctx, fresh), desc, cc, method, opts...)
	}
}

func withCredential(ctx context.Context, cred *AccessCredential) context.Context {
	if cred == nil {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, authorizationMetadataKey, cred.AuthorizationHeader())
}

func hasOutgoingAuthorization(ctx context.Context) bool {
	md, ok := metadata.FromOutgoingContext(ctx)
	return ok && len(md.Get(authorizationMetadataKey)) > 0
}
