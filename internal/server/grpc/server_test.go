package grpcserver

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

const bufSize = 1 << 20

type fakeProber struct{ ok atomic.Bool }

var _ Prober = (*fakeProber)(nil)

func (f *fakeProber) Healthy(context.Context) bool { return f.ok.Load() }

func startBufGRPC(t *testing.T, h *Health) healthpb.HealthClient {
	t.Helper()
	lis := bufconn.Listen(bufSize)
	gs := NewServer(h, zaptest.NewLogger(t), true)
	go func() { _ = gs.Serve(lis) }()

	dialer := func(context.Context, string) (net.Conn, error) { return lis.Dial() }
	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = cc.Close(); gs.Stop(); _ = lis.Close() })
	return healthpb.NewHealthClient(cc)
}

func check(t *testing.T, cl healthpb.HealthClient, svc string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := cl.Check(ctx, &healthpb.HealthCheckRequest{Service: svc})
	if err != nil {
		t.Fatalf("check %q: %v", svc, err)
	}
	return resp.GetStatus()
}

func TestHealth_CheckFollowsUpstream(t *testing.T) {
	t.Parallel()

	p := &fakeProber{}
	h := NewHealth(p, time.Hour, zaptest.NewLogger(t))
	cl := startBufGRPC(t, h)

	if got := check(t, cl, ""); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("overall=%v, want SERVING", got)
	}
	if got := check(t, cl, ServiceUpstream); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("upstream before probe=%v", got)
	}

	p.ok.Store(true)
	if !h.Check(context.Background()) {
		t.Fatalf("Check should report connected")
	}
	if got := check(t, cl, ServiceUpstream); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("upstream=%v, want SERVING", got)
	}

	p.ok.Store(false)
	h.Check(context.Background())
	if got := check(t, cl, ServiceUpstream); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("upstream=%v, want NOT_SERVING", got)
	}
}

func TestHealth_RunProbesAndShutsDown(t *testing.T) {
	t.Parallel()

	p := &fakeProber{}
	p.ok.Store(true)
	h := NewHealth(p, 10*time.Millisecond, zaptest.NewLogger(t))
	cl := startBufGRPC(t, h)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { h.Run(ctx); close(done) }()

	deadline := time.Now().Add(2 * time.Second)
	for check(t, cl, ServiceUpstream) != healthpb.HealthCheckResponse_SERVING {
		if time.Now().After(deadline) {
			t.Fatalf("upstream never became SERVING")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	<-done
	if got := check(t, cl, ""); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("overall after shutdown=%v, want NOT_SERVING", got)
	}
}
