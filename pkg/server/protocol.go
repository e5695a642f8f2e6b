package server

import (
	"context"

	"debvault/pkg/core"
	"debvault/pkg/types"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// 远端对象存储协议。消息直接用规范 CBOR 编码，不经过 protobuf 生成代码
const (
	CodecName   = "cbor"
	ServiceName = "debvault.store.v1.ObjectStore"

	MethodPut        = "/" + ServiceName + "/Put"
	MethodGet        = "/" + ServiceName + "/Get"
	MethodHas        = "/" + ServiceName + "/Has"
	MethodExpandHash = "/" + ServiceName + "/ExpandHash"

	// ChunkSize 是 Get 流中单帧的最大字节数
	ChunkSize = 1 << 20
	// MaxMessageSize 限制 Put 的单个对象大小
	MaxMessageSize = 1 << 30
)

type PutRequest struct {
	Kind core.ObjectType `cbor:"kind"`
	Hash types.Hash      `cbor:"hash"`
	Data []byte          `cbor:"data"`
}

type PutResponse struct{}

type GetRequest struct {
	Hash types.Hash `cbor:"hash"`
}

// Chunk 是 Get 流里的一帧
type Chunk struct {
	Data []byte `cbor:"data"`
}

type HasRequest struct {
	Hash types.Hash `cbor:"hash"`
}

type HasResponse struct {
	Exists bool `cbor:"exists"`
}

type ExpandRequest struct {
	Prefix types.HashPrefix `cbor:"prefix"`
}

type ExpandResponse struct {
	Hash types.Hash `cbor:"hash"`
}

// cborCodec 让 gRPC 用 content-subtype "cbor" 传输上面的消息
type cborCodec struct{}

func (cborCodec) Marshal(v any) ([]byte, error)      { return core.Marshal(v) }
func (cborCodec) Unmarshal(data []byte, v any) error { return core.DecodeObject(data, v) }
func (cborCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(cborCodec{})
}

// ObjectStoreServer 是服务端需要实现的接口
type ObjectStoreServer interface {
	Put(context.Context, *PutRequest) (*PutResponse, error)
	Get(*GetRequest, grpc.ServerStream) error
	Has(context.Context, *HasRequest) (*HasResponse, error)
	ExpandHash(context.Context, *ExpandRequest) (*ExpandResponse, error)
}

// ObjectStoreDesc 手写的服务描述，形状与 protoc-gen-go-grpc 的输出一致
var ObjectStoreDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ObjectStoreServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Put", Handler: putHandler},
		{MethodName: "Has", Handler: hasHandler},
		{MethodName: "ExpandHash", Handler: expandHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Get", Handler: getHandler, ServerStreams: true},
	},
	Metadata: "debvault/store/v1",
}

// GetStreamDesc 供客户端打开 Get 流
var GetStreamDesc = &ObjectStoreDesc.Streams[0]

// RegisterObjectStoreServer 把实现挂到 gRPC server 上
func RegisterObjectStoreServer(s grpc.ServiceRegistrar, srv ObjectStoreServer) {
	s.RegisterService(&ObjectStoreDesc, srv)
}

func putHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PutRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ObjectStoreServer).Put(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodPut}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ObjectStoreServer).Put(ctx, req.(*PutRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func hasHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(HasRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ObjectStoreServer).Has(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodHas}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ObjectStoreServer).Has(ctx, req.(*HasRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func expandHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ExpandRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ObjectStoreServer).ExpandHash(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodExpandHash}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ObjectStoreServer).ExpandHash(ctx, req.(*ExpandRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getHandler(srv any, stream grpc.ServerStream) error {
	in := new(GetRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ObjectStoreServer).Get(in, stream)
}
