package dpkg

import (
	"context"
	"fmt"

	"debvault/pkg/core"
	"debvault/pkg/exporter"
	"debvault/pkg/storage"
	"debvault/pkg/treebuilder"
	"debvault/pkg/types"
)

// 记录类型，对应 var/lib/dpkg 下的同名文件
const (
	RecordStatus    = "status"
	RecordAvailable = "available"
)

var baseDirs = []struct {
	path string
	mode uint32
}{
	{"etc/apt/preferences.d", 0o755},
	{"etc/apt/sources.list.d", 0o755},
	{"etc/apt/trusted.gpg.d", 0o755},
	{"etc/network", 0o755},
	{"usr/share/info", 0o755},
	{InfoDir, 0o755},
	{"var/cache/apt/archives/partial", 0o700},
	{"var/lib/apt/lists/auxfiles", 0o755},
	{"var/lib/apt/lists/partial", 0o700},
}

var baseEmptyFiles = []struct {
	path string
	mode uint32
}{
	{"etc/shells", 0o644},
	{"usr/share/info/dir", 0o644},
	{"var/cache/apt/archives/lock", 0o640},
	{"var/lib/apt/lists/lock", 0o640},
	{"var/lib/dpkg/diversions", 0o644},
	{"var/lib/dpkg/lock", 0o640},
	{"var/lib/dpkg/lock-frontend", 0o640},
	{"var/lib/dpkg/statoverride", 0o644},
}

// BaseTree 是任何包都不提供、但 dpkg 和 apt 运行需要的骨架
func BaseTree(ctx context.Context, store storage.Store, arch string) (types.Hash, error) {
	if arch == "" {
		return "", fmt.Errorf("architecture is required")
	}
	b := treebuilder.NewBuilder(store)
	for _, d := range baseDirs {
		if err := b.AddDir(d.path, d.mode); err != nil {
			return "", err
		}
	}
	for _, f := range baseEmptyFiles {
		if err := b.AddFile(ctx, f.path, nil, f.mode); err != nil {
			return "", err
		}
	}
	if err := b.AddFile(ctx, InfoDir+"/format", []byte("1\n"), core.DefaultFileMode); err != nil {
		return "", err
	}
	if err := b.AddFile(ctx, "var/lib/dpkg/arch", []byte(arch+"\n"), core.DefaultFileMode); err != nil {
		return "", err
	}
	return b.Write(ctx)
}

// CombineRecords 按给定顺序拼接每个包的 status 或 available 记录，
// 得到只含 var/lib/dpkg/<kind> 的树
func CombineRecords(ctx context.Context, store storage.Store, kind string, records []types.Hash) (types.Hash, error) {
	if kind != RecordStatus && kind != RecordAvailable {
		return "", fmt.Errorf("unknown record kind %q", kind)
	}
	reader := exporter.NewReader(store)
	var buf []byte
	for _, h := range records {
		data, err := reader.Blob(ctx, h)
		if err != nil {
			return "", fmt.Errorf("failed to read %s record %s: %w", kind, h.Short(), err)
		}
		buf = append(buf, data...)
	}
	b := treebuilder.NewBuilder(store)
	if err := b.AddFile(ctx, "var/lib/dpkg/"+kind, buf, core.DefaultFileMode); err != nil {
		return "", err
	}
	return b.Write(ctx)
}
