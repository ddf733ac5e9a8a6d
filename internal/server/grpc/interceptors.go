package grpcserver

import (
	"context"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

func logCall(ctx context.Context, log *zap.Logger, kind, method string, start time.Time, err error) {
	var remote string
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		remote = p.Addr.String()
	}
	// health probes are frequent; only failures are worth Info
	lvl := log.Debug
	if err != nil {
		lvl = log.Info
	}
	lvl("grpc "+kind,
		zap.String("method", method),
		zap.String("code", status.Code(err).String()),
		zap.Duration("dur", time.Since(start)),
		zap.String("peer", remote),
	)
}

// LoggingUnary logs method, code, duration and peer of unary calls.
func LoggingUnary(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		logCall(ctx, log, "unary", info.FullMethod, start, err)
		return resp, err
	}
}

// LoggingStream logs streaming calls (health Watch) once they end.
func LoggingStream(log *zap.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, next grpc.StreamHandler) error {
		start := time.Now()
		err := next(srv, ss)
		logCall(ss.Context(), log, "stream", info.FullMethod, start, err)
		return err
	}
}

func recovered(log *zap.Logger, method string, r any) error {
	log.Error("panic",
		zap.Any("reason", r),
		zap.ByteString("stack", debug.Stack()),
		zap.String("method", method),
	)
	return status.Error(codes.Internal, "internal")
}

// RecoverUnary turns a panic in a unary handler into codes.Internal.
func RecoverUnary(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = recovered(log, info.FullMethod, r)
			}
		}()
		return next(ctx, req)
	}
}

// RecoverStream turns a panic in a stream handler into codes.Internal.
func RecoverStream(log *zap.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, next grpc.StreamHandler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = recovered(log, info.FullMethod, r)
			}
		}()
		return next(srv, ss)
	}
}
