// Package remote 是通过 gRPC 访问 dv-server 的 storage.Store 实现
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"debvault/pkg/core"
	"debvault/pkg/server"
	"debvault/pkg/storage"
	"debvault/pkg/types"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
)

// Client 实现了 storage.Store
type Client struct {
	conn *grpc.ClientConn
}

// NewClient 创建客户端。grpc.NewClient 立即返回，连接在后台建立，
// 所以网络不通不会在这里报错
func NewClient(addr string, extra ...grpc.DialOption) (*Client, error) {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(server.CodecName),
			grpc.MaxCallRecvMsgSize(server.MaxMessageSize),
			grpc.MaxCallSendMsgSize(server.MaxMessageSize),
		),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             20 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	conn, err := grpc.NewClient(addr, append(opts, extra...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create grpc client for %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Client) Put(ctx context.Context, obj core.Object) error {
	req := &server.PutRequest{Kind: obj.Type(), Hash: obj.ID(), Data: obj.Bytes()}
	if err := c.conn.Invoke(ctx, server.MethodPut, req, &server.PutResponse{}); err != nil {
		return fromStatus(err, "put "+obj.ID().Short())
	}
	return nil
}

func (c *Client) Has(ctx context.Context, hash types.Hash) (bool, error) {
	var resp server.HasResponse
	if err := c.conn.Invoke(ctx, server.MethodHas, &server.HasRequest{Hash: hash}, &resp); err != nil {
		return false, fromStatus(err, "has "+hash.Short())
	}
	return resp.Exists, nil
}

func (c *Client) ExpandHash(ctx context.Context, prefix types.HashPrefix) (types.Hash, error) {
	var resp server.ExpandResponse
	if err := c.conn.Invoke(ctx, server.MethodExpandHash, &server.ExpandRequest{Prefix: prefix}, &resp); err != nil {
		return "", fromStatus(err, "expand "+string(prefix))
	}
	return resp.Hash, nil
}

// Get 打开下载流，并预读第一帧：对象不存在时在这里就返回 ErrNotFound
func (c *Client) Get(ctx context.Context, hash types.Hash) (io.ReadCloser, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := c.conn.NewStream(streamCtx, server.GetStreamDesc, server.MethodGet)
	if err != nil {
		cancel()
		return nil, fromStatus(err, "get "+hash.Short())
	}
	if err := stream.SendMsg(&server.GetRequest{Hash: hash}); err != nil {
		cancel()
		return nil, fromStatus(err, "get "+hash.Short())
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return nil, fromStatus(err, "get "+hash.Short())
	}

	r := &chunkReader{stream: stream, cancel: cancel}
	if err := r.fill(); err != nil && err != io.EOF {
		cancel()
		return nil, fromStatus(err, "get "+hash.Short())
	}
	return r, nil
}

// chunkReader 把 Get 流适配为 io.Reader：缓冲一帧，读完再拉下一帧
type chunkReader struct {
	stream grpc.ClientStream
	cancel context.CancelFunc
	buf    []byte
	err    error
}

func (r *chunkReader) fill() error {
	for len(r.buf) == 0 && r.err == nil {
		var chunk server.Chunk
		if err := r.stream.RecvMsg(&chunk); err != nil {
			r.err = err
			break
		}
		r.buf = chunk.Data
	}
	return r.err
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.buf) == 0 {
		if err := r.fill(); err != nil && len(r.buf) == 0 {
			if err == io.EOF {
				return 0, io.EOF
			}
			return 0, fromStatus(err, "read stream")
		}
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *chunkReader) Close() error {
	r.cancel()
	return nil
}

// fromStatus 把 gRPC 状态码还原成存储层的哨兵错误
func fromStatus(err error, op string) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("remote %s: %w", op, err)
	}
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("remote %s: %w", op, storage.ErrNotFound)
	case codes.FailedPrecondition:
		return fmt.Errorf("remote %s: %w", op, storage.ErrAmbiguousHash)
	case codes.Canceled:
		return fmt.Errorf("remote %s: %w", op, errors.Join(context.Canceled, err))
	case codes.DeadlineExceeded:
		return fmt.Errorf("remote %s: %w", op, errors.Join(context.DeadlineExceeded, err))
	default:
		return fmt.Errorf("remote %s: %w", op, err)
	}
}

var _ storage.Store = (*Client)(nil)
