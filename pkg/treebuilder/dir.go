package treebuilder

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"debvault/pkg/ignore"
	"debvault/pkg/storage"
	"debvault/pkg/types"
)

// FromDir 提交一个本地目录 (dv commit)。调用者需要有读取全部文件的权限
func FromDir(ctx context.Context, store storage.Store, root string, m *ignore.Matcher) (types.Hash, error) {
	b := NewBuilder(store)

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if m.Matches(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		mode := unixMode(info.Mode())

		switch {
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(p)
			if err != nil {
				return err
			}
			return b.AddSymlink(ctx, rel, target)
		case info.IsDir():
			return b.AddDir(rel, mode)
		case info.Mode().IsRegular():
			data, err := os.ReadFile(p)
			if err != nil {
				return err
			}
			return b.AddFile(ctx, rel, data, mode)
		default:
			// 设备、socket、FIFO
			return nil
		}
	})
	if err != nil {
		return "", fmt.Errorf("failed to commit %s: %w", root, err)
	}

	return b.Write(ctx)
}

// unixMode 把 Go 的 FileMode 转回 Unix 权限位
func unixMode(m fs.FileMode) uint32 {
	mode := uint32(m.Perm())
	if m&fs.ModeSetuid != 0 {
		mode |= 0o4000
	}
	if m&fs.ModeSetgid != 0 {
		mode |= 0o2000
	}
	if m&fs.ModeSticky != 0 {
		mode |= 0o1000
	}
	return mode
}
