package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"debvault/pkg/core"
	"debvault/pkg/types"
)

var (
	ErrNotFound      = errors.New("object not found")
	ErrAmbiguousHash = errors.New("ambiguous hash prefix")
)

// Store defines the interface for an append-only, content-addressed backend.
// Implementations must make Put idempotent: writing an object that already exists
// is a no-op, and a partially written object is never visible to Get.
type Store interface {
	// Put 持久化一个对象。Hash 已经在 core.Object 里了
	Put(ctx context.Context, obj core.Object) error

	// Get 根据 Hash 读取原始数据，返回流以免大文件一次性读入内存
	Get(ctx context.Context, hash types.Hash) (io.ReadCloser, error)

	// Has 检查对象是否存在 (用于去重)
	Has(ctx context.Context, hash types.Hash) (bool, error)

	// ExpandHash 把短哈希展开为完整哈希
	ExpandHash(ctx context.Context, prefix types.HashPrefix) (types.Hash, error)
}

// ReadAll 读取对象的完整字节
func ReadAll(ctx context.Context, s Store, hash types.Hash) ([]byte, error) {
	rc, err := s.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", hash.Short(), err)
	}
	return data, nil
}

// ReadTree 读取并解码一棵树
func ReadTree(ctx context.Context, s Store, hash types.Hash) (*core.Tree, error) {
	data, err := ReadAll(ctx, s, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to get tree %s: %w", hash.Short(), err)
	}
	return core.DecodeTree(data)
}

// ValidatePrefix 是各个后端 ExpandHash 共用的入参检查
func ValidatePrefix(prefix types.HashPrefix) error {
	if len(prefix) < 4 {
		return fmt.Errorf("hash prefix too short: %q", prefix)
	}
	if len(prefix) > 64 {
		return fmt.Errorf("hash prefix too long: %q", prefix)
	}
	return nil
}
