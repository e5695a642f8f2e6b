package server

import (
	"context"
	"errors"
	"fmt"
	"io"

	"debvault/pkg/core"
	"debvault/pkg/storage"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// StoreService 把一个本地 storage.Store 暴露为远端对象存储
type StoreService struct {
	store storage.Store
	log   *zap.Logger
}

func NewStoreService(store storage.Store, log *zap.Logger) *StoreService {
	if log == nil {
		log = zap.NewNop()
	}
	return &StoreService{store: store, log: log.Named("store-service")}
}

// Put 在服务端重新计算哈希，客户端声明的哈希对不上就拒绝
func (s *StoreService) Put(ctx context.Context, req *PutRequest) (*PutResponse, error) {
	if !req.Hash.IsValid() {
		return nil, status.Errorf(codes.InvalidArgument, "invalid hash %q", req.Hash)
	}

	var obj core.Object
	switch req.Kind {
	case core.TypeBlob:
		obj = core.NewBlob(req.Data)
	case core.TypeTree:
		tree, err := core.DecodeTree(req.Data)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "malformed tree: %v", err)
		}
		obj = tree
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unknown object kind %q", req.Kind)
	}

	if obj.ID() != req.Hash {
		s.log.Warn("integrity check failed",
			zap.String("claimed", req.Hash.Short()), zap.String("actual", obj.ID().Short()))
		return nil, status.Errorf(codes.DataLoss, "integrity check failed: claimed %s, got %s", req.Hash.Short(), obj.ID().Short())
	}

	if err := s.store.Put(ctx, obj); err != nil {
		return nil, toStatus(err)
	}
	return &PutResponse{}, nil
}

// Get 以 ChunkSize 为单位流式返回对象内容
func (s *StoreService) Get(req *GetRequest, stream grpc.ServerStream) error {
	if !req.Hash.IsValid() {
		return status.Errorf(codes.InvalidArgument, "invalid hash %q", req.Hash)
	}

	rc, err := s.store.Get(stream.Context(), req.Hash)
	if err != nil {
		return toStatus(err)
	}
	defer rc.Close()

	// 包一层只暴露 Read，强制 CopyBuffer 按缓冲区大小分帧
	src := struct{ io.Reader }{rc}
	if _, err := io.CopyBuffer(&chunkWriter{stream: stream}, src, make([]byte, ChunkSize)); err != nil {
		if _, ok := status.FromError(err); ok {
			return err
		}
		return status.Errorf(codes.Internal, "stream object %s: %v", req.Hash.Short(), err)
	}
	return nil
}

func (s *StoreService) Has(ctx context.Context, req *HasRequest) (*HasResponse, error) {
	if !req.Hash.IsValid() {
		return nil, status.Errorf(codes.InvalidArgument, "invalid hash %q", req.Hash)
	}
	ok, err := s.store.Has(ctx, req.Hash)
	if err != nil {
		return nil, toStatus(err)
	}
	return &HasResponse{Exists: ok}, nil
}

func (s *StoreService) ExpandHash(ctx context.Context, req *ExpandRequest) (*ExpandResponse, error) {
	if err := storage.ValidatePrefix(req.Prefix); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	h, err := s.store.ExpandHash(ctx, req.Prefix)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ExpandResponse{Hash: h}, nil
}

// toStatus 把存储层哨兵错误映射成 gRPC 状态码，客户端据此还原
func toStatus(err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, storage.ErrAmbiguousHash):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// chunkWriter 把 io.Writer 适配到服务端流，每次 Write 发送一帧
type chunkWriter struct {
	stream grpc.ServerStream
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	if err := w.stream.SendMsg(&Chunk{Data: p}); err != nil {
		return 0, fmt.Errorf("grpc send failed: %w", err)
	}
	return len(p), nil
}

var _ ObjectStoreServer = (*StoreService)(nil)
