package treebuilder

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"

	"debvault/pkg/ignore"
	"debvault/pkg/storage"
	"debvault/pkg/types"
)

type options struct {
	ignore *ignore.Matcher
}

type Option func(*options)

// WithIgnore 跳过匹配的路径
func WithIgnore(m *ignore.Matcher) Option {
	return func(o *options) { o.ignore = m }
}

// FromTar 把一个 tar 流提交为树。
// 属主、时间戳、扩展属性全部丢弃；硬链接解析为同一个 Blob；
// 设备文件和 FIFO 无法内容寻址，直接跳过。
func FromTar(ctx context.Context, store storage.Store, r io.Reader, opts ...Option) (types.Hash, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	b := NewBuilder(store)
	tr := tar.NewReader(r)

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to read tar: %w", err)
		}

		if o.ignore.Matches(hdr.Name) {
			continue
		}

		mode := uint32(hdr.Mode)
		switch hdr.Typeflag {
		case tar.TypeDir:
			err = b.AddDir(hdr.Name, mode)
		case tar.TypeReg:
			data, rerr := io.ReadAll(tr)
			if rerr != nil {
				return "", fmt.Errorf("failed to read %s: %w", hdr.Name, rerr)
			}
			err = b.AddFile(ctx, hdr.Name, data, mode)
		case tar.TypeSymlink:
			err = b.AddSymlink(ctx, hdr.Name, hdr.Linkname)
		case tar.TypeLink:
			hash, size, linkMode, ok := b.Lookup(hdr.Linkname)
			if !ok {
				return "", fmt.Errorf("hardlink %s points to unknown file %s", hdr.Name, hdr.Linkname)
			}
			err = b.AddBlob(hdr.Name, hash, size, linkMode)
		case tar.TypeChar, tar.TypeBlock, tar.TypeFifo, tar.TypeXGlobalHeader:
			continue
		default:
			return "", fmt.Errorf("unsupported tar entry %s (type %q)", hdr.Name, hdr.Typeflag)
		}
		if err != nil {
			return "", err
		}
	}

	return b.Write(ctx)
}
