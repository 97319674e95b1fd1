package authclient

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func newTestInterceptors(t *testing.T, s *testSession) (grpc.UnaryClientInterceptor, grpc.StreamClientInterceptor) {
	t.Helper()
	opts := InterceptorOptions{
		Cache:       s.cache,
		Store:       s.store,
		Coordinator: s.coordinator,
		ExemptPaths: []string{"/herita.auth.v1.AuthService/RefreshToken"},
	}
	unary, err := NewUnaryClientInterceptor(opts)
	if err != nil {
		t.Fatalf("unary interceptor: %v", err)
	}
	stream, err := NewStreamClientInterceptor(opts)
	if err != nil {
		t.Fatalf("stream interceptor: %v", err)
	}
	return unary, stream
}

func outgoingAuthorization(ctx context.Context) string {
	md, _ := metadata.FromOutgoingContext(ctx)
	if v := md.Get("authorization"); len(v) > 0 {
		return v[len(v)-1]
	}
	return ""
}

func TestUnaryInterceptorRetriesOnceAfterRefresh(t *testing.T) {
	exec := &countingExecutor{t: t}
	s := newTestSession(t, exec, time.Second)
	unary, _ := newTestInterceptors(t, s)
	first := s.cache.Get()

	var calls atomic.Int32
	var seen []string
	invoker := func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
		calls.Add(1)
		auth := outgoingAuthorization(ctx)
		seen = append(seen, auth)
		if auth == first.AuthorizationHeader() {
			return status.Error(codes.Unauthenticated, "token expired")
		}
		return nil
	}

	if err := unary(context.Background(), "/herita.feed.v1.FeedService/List", nil, nil, nil, invoker); err != nil {
		t.Fatalf("call: %v", err)
	}
	if calls.Load() != 2 || exec.calls.Load() != 1 {
		t.Fatalf("expected 2 invocations and 1 exchange, got %d and %d", calls.Load(), exec.calls.Load())
	}
	if seen[1] != s.cache.Get().AuthorizationHeader() {
		t.Fatalf("retry did not carry the refreshed credential: %q", seen[1])
	}
}

func TestUnaryInterceptorNoDoubleRetry(t *testing.T) {
	exec := &countingExecutor{t: t}
	s := newTestSession(t, exec, time.Second)
	unary, _ := newTestInterceptors(t, s)

	var calls atomic.Int32
	invoker := func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
		calls.Add(1)
		return status.Error(codes.Unauthenticated, "nope")
	}

	err := unary(context.Background(), "/herita.feed.v1.FeedService/List", nil, nil, nil, invoker)
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected the second Unauthenticated to surface, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected two invocations, got %d", calls.Load())
	}
}

func TestUnaryInterceptorExemptMethod(t *testing.T) {
	exec := &countingExecutor{t: t}
	s := newTestSession(t, exec, time.Second)
	unary, _ := newTestInterceptors(t, s)

	invoker := func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
		return status.Error(codes.Unauthenticated, "revoked")
	}
	err := unary(context.Background(), "/herita.auth.v1.AuthService/RefreshToken", nil, nil, nil, invoker)
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected pass-through, got %v", err)
	}
	if exec.calls.Load() != 0 {
		t.Fatal("exempt method must not refresh")
	}
}

func TestUnaryInterceptorTerminalFailure(t *testing.T) {
	exec := &countingExecutor{t: t, err: ErrRefreshRejected}
	s := newTestSession(t, exec, time.Second)
	unary, _ := newTestInterceptors(t, s)

	invoker := func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
		return status.Error(codes.Unauthenticated, "expired")
	}
	err := unary(context.Background(), "/herita.feed.v1.FeedService/List", nil, nil, nil, invoker)
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected session expired, got %v", err)
	}
	if s.signedOut.Load() != 1 {
		t.Fatalf("expected one notification, got %d", s.signedOut.Load())
	}
}

func TestUnaryInterceptorKeepsCallerMetadata(t *testing.T) {
	exec := &countingExecutor{t: t}
	s := newTestSession(t, exec, time.Second)
	unary, _ := newTestInterceptors(t, s)

	ctx := metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer service-key")
	invoker := func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
		if got := outgoingAuthorization(ctx); got != "Bearer service-key" {
			t.Errorf("caller metadata replaced: %q", got)
		}
		return status.Error(codes.Unauthenticated, "nope")
	}
	_ = unary(ctx, "/herita.feed.v1.FeedService/List", nil, nil, nil, invoker)
	if exec.calls.Load() != 0 {
		t.Fatal("caller-authorized calls must not refresh")
	}
}

func TestStreamInterceptorRetriesEstablishment(t *testing.T) {
	exec := &countingExecutor{t: t}
	s := newTestSession(t, exec, time.Second)
	_, stream := newTestInterceptors(t, s)
	first := s.cache.Get()

	var calls atomic.Int32
	streamer := func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		calls.Add(1)
		if outgoingAuthorization(ctx) == first.AuthorizationHeader() {
			return nil, status.Error(codes.Unauthenticated, "expired")
		}
		return nil, nil
	}

	if _, err := stream(context.Background(), &grpc.StreamDesc{ServerStreams: true}, nil, "/herita.chat.v1.ChatService/Subscribe", streamer); err != nil {
		t.Fatalf("stream: %v", err)
	}
	if calls.Load() != 2 || exec.calls.Load() != 1 {
		t.Fatalf("expected 2 attempts and 1 exchange, got %d and %d", calls.Load(), exec.calls.Load())
	}
}
