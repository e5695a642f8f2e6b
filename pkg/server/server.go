// Package server 提供远端对象存储的 gRPC 服务
package server

import (
	"debvault/pkg/storage"

	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// New 创建挂好 StoreService 和拦截器的 gRPC server。
// Recovery 在最内层，panic 转成的 Internal 错误也会被日志拦截器记录
func New(store storage.Store, log *zap.Logger, opts ...grpc.ServerOption) *grpc.Server {
	if log == nil {
		log = zap.NewNop()
	}
	rpcLog := log.Named("grpc")

	base := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(MaxMessageSize),
		grpc.MaxSendMsgSize(MaxMessageSize),
		grpc.ChainUnaryInterceptor(UnaryLogging(rpcLog), UnaryRecovery(rpcLog)),
		grpc.ChainStreamInterceptor(StreamLogging(rpcLog), StreamRecovery(rpcLog)),
	}
	srv := grpc.NewServer(append(base, opts...)...)
	RegisterObjectStoreServer(srv, NewStoreService(store, log))
	return srv
}
