package exporter

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"debvault/pkg/core"
	"debvault/pkg/storage"
	"debvault/pkg/types"
)

// Exporter 把存储里的树还原成外部形态：目录、tar 流或 OCI 镜像
type Exporter struct {
	*Reader
}

func NewExporter(store storage.Store) *Exporter {
	return &Exporter{Reader: NewReader(store)}
}

// RestoreCallback 每还原一个叶子 (文件或符号链接) 调用一次
type RestoreCallback func(path string, hash types.Hash, size int64)

// RestoreTree 递归地将树还原到 targetDir，保留权限位和符号链接。
// 目录权限在子项写完之后才设置，只读目录 (如 0555) 也能正确还原。
func (e *Exporter) RestoreTree(ctx context.Context, treeHash types.Hash, targetDir string, onRestore RestoreCallback) error {
	if err := os.MkdirAll(targetDir, core.DefaultDirMode); err != nil {
		return fmt.Errorf("failed to create dir %s: %w", targetDir, err)
	}
	return e.restoreDir(ctx, treeHash, targetDir, onRestore)
}

func (e *Exporter) restoreDir(ctx context.Context, treeHash types.Hash, dir string, onRestore RestoreCallback) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tree, err := e.Tree(ctx, treeHash)
	if err != nil {
		return err
	}

	for _, entry := range tree.Entries {
		fullPath := filepath.Join(dir, entry.Name)

		switch entry.Kind {
		case core.EntryDir:
			if err := os.Mkdir(fullPath, 0o700); err != nil && !os.IsExist(err) {
				return fmt.Errorf("failed to create dir %s: %w", fullPath, err)
			}
			if err := e.restoreDir(ctx, entry.Cid.Hash, fullPath, onRestore); err != nil {
				return err
			}
			if err := os.Chmod(fullPath, os.FileMode(entry.Mode&0o777)|modeBits(entry.Mode)); err != nil {
				return err
			}

		case core.EntrySymlink:
			target, err := e.Blob(ctx, entry.Cid.Hash)
			if err != nil {
				return fmt.Errorf("failed to read link target for %s: %w", fullPath, err)
			}
			_ = os.Remove(fullPath)
			if err := os.Symlink(string(target), fullPath); err != nil {
				return fmt.Errorf("failed to create symlink %s: %w", fullPath, err)
			}
			if onRestore != nil {
				onRestore(fullPath, entry.Cid.Hash, entry.Size)
			}

		case core.EntryFile:
			if err := e.restoreFile(ctx, entry, fullPath); err != nil {
				return err
			}
			if onRestore != nil {
				onRestore(fullPath, entry.Cid.Hash, entry.Size)
			}

		default:
			return fmt.Errorf("%s: unsupported entry kind %q", fullPath, entry.Kind)
		}
	}
	return nil
}

func (e *Exporter) restoreFile(ctx context.Context, entry core.TreeEntry, fullPath string) error {
	reader, err := e.Store().Get(ctx, entry.Cid.Hash)
	if err != nil {
		return fmt.Errorf("failed to get blob for %s: %w", fullPath, err)
	}
	defer reader.Close()

	// 先删再建，避免沿用旧文件的权限或写穿到旧的硬链接
	_ = os.Remove(fullPath)
	file, err := os.OpenFile(fullPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", fullPath, err)
	}
	if _, err := io.Copy(file, reader); err != nil {
		file.Close()
		return fmt.Errorf("failed to write %s: %w", fullPath, err)
	}
	if err := file.Close(); err != nil {
		return err
	}
	// Chmod 不受 umask 影响
	return os.Chmod(fullPath, os.FileMode(entry.Mode&0o777)|modeBits(entry.Mode))
}

// modeBits 把 unix 的 setuid/setgid/sticky 转成 os.FileMode 的对应位
func modeBits(mode uint32) os.FileMode {
	var m os.FileMode
	if mode&0o4000 != 0 {
		m |= os.ModeSetuid
	}
	if mode&0o2000 != 0 {
		m |= os.ModeSetgid
	}
	if mode&0o1000 != 0 {
		m |= os.ModeSticky
	}
	return m
}
