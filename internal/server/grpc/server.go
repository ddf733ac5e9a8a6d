// Package grpcserver exposes the standard gRPC health service for the gateway.
// The overall status follows the process; ServiceUpstream follows the upstream agent.
package grpcserver

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceUpstream is the health service name that reports upstream reachability.
const ServiceUpstream = "sqlchat.Upstream"

// Prober checks whether the upstream agent answers.
type Prober interface {
	Healthy(ctx context.Context) bool
}

// Health keeps the gRPC health status in sync with periodic upstream probes.
type Health struct {
	srv      *health.Server
	probe    Prober
	interval time.Duration
	log      *zap.Logger
	up       atomic.Bool
}

// NewHealth constructs the reporter. The upstream starts as NOT_SERVING until the first probe.
func NewHealth(probe Prober, interval time.Duration, log *zap.Logger) *Health {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	h := &Health{srv: health.NewServer(), probe: probe, interval: interval, log: log}
	h.srv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	h.srv.SetServingStatus(ServiceUpstream, healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Check probes the upstream once and publishes the result.
func (h *Health) Check(ctx context.Context) bool {
	ok := h.probe.Healthy(ctx)
	if prev := h.up.Swap(ok); prev != ok {
		h.log.Info("upstream reachability changed", zap.Bool("connected", ok))
	}
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		st = healthpb.HealthCheckResponse_SERVING
	}
	h.srv.SetServingStatus(ServiceUpstream, st)
	return ok
}

// Run probes until ctx is done, then marks every service NOT_SERVING.
func (h *Health) Run(ctx context.Context) {
	t := time.NewTicker(h.interval)
	defer t.Stop()
	h.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			h.srv.Shutdown()
			return
		case <-t.C:
			h.Check(ctx)
		}
	}
}

// NewServer builds a gRPC server carrying the health service. Reflection is for development.
func NewServer(h *Health, log *zap.Logger, withReflection bool, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts,
		grpc.ChainUnaryInterceptor(RecoverUnary(log), LoggingUnary(log)),
		grpc.ChainStreamInterceptor(RecoverStream(log), LoggingStream(log)),
	)
	gs := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(gs, h.srv)
	if withReflection {
		reflection.Register(gs)
	}
	return gs
}
