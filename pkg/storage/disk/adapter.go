package disk

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"debvault/pkg/core"
	"debvault/pkg/storage"
	"debvault/pkg/types"
)

// Adapter 实现了 storage.Store 接口，对象按哈希前两位分片存放
type Adapter struct {
	rootPath string // 比如: /srv/build/.dv/objects
}

func NewAdapter(root string) (*Adapter, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root storage dir: %w", err)
	}
	return &Adapter{rootPath: root}, nil
}

// layout: "aabbcc..." -> root/aa/bbcc...
func (s *Adapter) layout(hash types.Hash) string {
	h := string(hash)
	if len(h) < 2 {
		return filepath.Join(s.rootPath, h)
	}
	return filepath.Join(s.rootPath, h[:2], h[2:])
}

func (s *Adapter) Put(ctx context.Context, obj core.Object) error {
	hash := obj.ID()
	if !hash.IsValid() {
		return fmt.Errorf("refusing to store object with invalid hash %q", hash)
	}
	targetPath := s.layout(hash)

	// 1. 已存在直接跳过，内容寻址保证了内容一致
	if _, err := os.Stat(targetPath); err == nil {
		return nil
	}

	dir := filepath.Dir(targetPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	// 2. 先写临时文件再 Rename：读者要么看不到，要么看到完整对象。
	// 并发写同一个对象时，后一次 Rename 覆盖的是相同字节，无害。
	tempFile, err := os.CreateTemp(dir, "temp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tempFile.Name())

	if _, err := tempFile.Write(obj.Bytes()); err != nil {
		tempFile.Close()
		return err
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		return err
	}
	if err := tempFile.Close(); err != nil {
		return err
	}

	return os.Rename(tempFile.Name(), targetPath)
}

func (s *Adapter) Get(ctx context.Context, hash types.Hash) (io.ReadCloser, error) {
	f, err := os.Open(s.layout(hash))
	if os.IsNotExist(err) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *Adapter) Has(ctx context.Context, hash types.Hash) (bool, error) {
	_, err := os.Stat(s.layout(hash))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// ExpandHash 在分片目录里按前缀查找
func (s *Adapter) ExpandHash(ctx context.Context, prefix types.HashPrefix) (types.Hash, error) {
	if err := storage.ValidatePrefix(prefix); err != nil {
		return "", err
	}
	p := strings.ToLower(string(prefix))

	shard := filepath.Join(s.rootPath, p[:2])
	entries, err := os.ReadDir(shard)
	if os.IsNotExist(err) {
		return "", fmt.Errorf("%w: %s", storage.ErrNotFound, prefix)
	}
	if err != nil {
		return "", err
	}

	var match types.Hash
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, "temp-") {
			continue
		}
		if !strings.HasPrefix(name, p[2:]) {
			continue
		}
		if match != "" {
			return "", fmt.Errorf("%w: %s", storage.ErrAmbiguousHash, prefix)
		}
		match = types.Hash(p[:2] + name)
	}

	if match == "" {
		return "", fmt.Errorf("%w: %s", storage.ErrNotFound, prefix)
	}
	return match, nil
}
