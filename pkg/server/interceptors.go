package server

import (
	"context"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// =============================================================================
// 1. Logging Interceptor
// =============================================================================

// UnaryLogging 记录 Put / Has / ExpandHash
func UnaryLogging(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logRPC(log, "unary", info.FullMethod, time.Since(start), err)
		return resp, err
	}
}

// StreamLogging 记录 Get 流
func StreamLogging(log *zap.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		logRPC(log, "stream", info.FullMethod, time.Since(start), err)
		return err
	}
}

// logRPC: OK 记 Debug，Internal/Unknown/DataLoss 记 Error，其余业务错误记 Warn
func logRPC(log *zap.Logger, kind, method string, d time.Duration, err error) {
	code := status.Code(err)

	level := zapcore.DebugLevel
	switch code {
	case codes.OK:
	case codes.Internal, codes.Unknown, codes.DataLoss:
		level = zapcore.ErrorLevel
	default:
		level = zapcore.WarnLevel
	}

	fields := []zap.Field{
		zap.String("kind", kind),
		zap.String("method", method),
		zap.String("code", code.String()),
		zap.Duration("dur", d),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	if ce := log.Check(level, "gRPC request"); ce != nil {
		ce.Write(fields...)
	}
}

// =============================================================================
// 2. Recovery Interceptor
// =============================================================================

func UnaryRecovery(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = recoverFromPanic(log, info.FullMethod, r)
			}
		}()
		return handler(ctx, req)
	}
}

func StreamRecovery(log *zap.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = recoverFromPanic(log, info.FullMethod, r)
			}
		}()
		return handler(srv, ss)
	}
}

func recoverFromPanic(log *zap.Logger, method string, p any) error {
	log.Error("🔥 PANIC RECOVERED",
		zap.String("method", method),
		zap.Any("panic", p),
		zap.ByteString("stack", debug.Stack()),
	)
	return status.Errorf(codes.Internal, "internal server error: panic recovered")
}
