package main

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"trading/internal/observability"
)

type stubLimiter struct {
	calls int
	err   error
}

func (s *stubLimiter) Wait(ctx context.Context) error {
	s.calls++
	return s.err
}

type stubServerStream struct {
	ctx       context.Context
	recvCalls int
	recvErr   error
}

func (s *stubServerStream) Context() context.Context { return s.ctx }
func (s *stubServerStream) RecvMsg(m any) error {
	s.recvCalls++
	return s.recvErr
}
func (s *stubServerStream) SendMsg(m any) error { return nil }
func (s *stubServerStream) SetHeader(md metadata.MD) error {
	return nil
}
func (s *stubServerStream) SendHeader(md metadata.MD) error {
	return nil
}
func (s *stubServerStream) SetTrailer(md metadata.MD) {}

const statusMethod = "/trading.v1.PurchaseQuery/GetPurchaseStatus"

func TestRateLimitUnaryInterceptor_CallsLimiter(t *testing.T) {
	limiter := &stubLimiter{}
	metrics := observability.NewMetrics()
	interceptor := rateLimitUnaryInterceptor(limiter, metrics, nil)

	_, err := interceptor(context.Background(), "req", &grpc.UnaryServerInfo{FullMethod: statusMethod}, func(ctx context.Context, req any) (any, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if limiter.calls != 1 {
		t.Fatalf("expected limiter to be called once, got %d", limiter.calls)
	}
	if got := metrics.Snapshot().Methods[statusMethod].Count; got != 1 {
		t.Fatalf("expected one tracked call, got %d", got)
	}
}

func TestRateLimitUnaryInterceptor_DeadlineIsResourceExhausted(t *testing.T) {
	limiter := &stubLimiter{err: context.DeadlineExceeded}
	interceptor := rateLimitUnaryInterceptor(limiter, nil, nil)

	called := false
	_, err := interceptor(context.Background(), "req", &grpc.UnaryServerInfo{FullMethod: statusMethod}, func(ctx context.Context, req any) (any, error) {
		called = true
		return nil, nil
	})
	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("expected ResourceExhausted, got %v", err)
	}
	if called {
		t.Fatalf("handler ran despite limiter error")
	}
}

func TestRateLimitedServerStream_RecvMsgCallsLimiter(t *testing.T) {
	limiter := &stubLimiter{}
	stream := &stubServerStream{ctx: context.Background()}
	wrapped := &rateLimitedServerStream{
		ServerStream: stream,
		limiter:      limiter,
	}

	if err := wrapped.RecvMsg(&struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if limiter.calls != 1 {
		t.Fatalf("expected limiter to be called once, got %d", limiter.calls)
	}
	if stream.recvCalls != 1 {
		t.Fatalf("expected recv to be called once, got %d", stream.recvCalls)
	}
}

func TestRateLimitStreamInterceptor_PropagatesHandlerError(t *testing.T) {
	interceptor := rateLimitStreamInterceptor(&stubLimiter{}, nil, nil)
	boom := errors.New("boom")

	err := interceptor(nil, &stubServerStream{ctx: context.Background()}, &grpc.StreamServerInfo{FullMethod: "/x/y"}, func(srv any, stream grpc.ServerStream) error {
		if _, ok := stream.(*rateLimitedServerStream); !ok {
			t.Fatalf("stream was not wrapped")
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}
}

func TestShouldTrackMethod(t *testing.T) {
	if shouldTrackMethod("/grpc.health.v1.Health/Check") {
		t.Fatalf("health checks should not be tracked")
	}
	if shouldTrackMethod("/grpc.reflection.v1.ServerReflection/ServerReflectionInfo") {
		t.Fatalf("reflection should not be tracked")
	}
	if !shouldTrackMethod(statusMethod) {
		t.Fatalf("purchase methods should be tracked")
	}
}
