package fetcher

import (
	"compress/bzip2"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/blakesmith/ar"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"debvault/pkg/storage"
	"debvault/pkg/treebuilder"
	"debvault/pkg/types"
)

// Members 是一个 .deb 提交后的两棵树
type Members struct {
	Control types.Hash
	Data    types.Hash
}

// CommitDeb 拆开 .deb (ar 归档)，把 control.tar.* 和 data.tar.* 分别提交为树
func CommitDeb(ctx context.Context, store storage.Store, r io.Reader) (Members, error) {
	var m Members
	reader := ar.NewReader(r)
	for {
		hdr, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Members{}, fmt.Errorf("malformed deb archive: %w", err)
		}

		// GNU ar 的成员名可能带 "/" 结尾
		name := strings.TrimSuffix(strings.TrimSpace(hdr.Name), "/")
		var target *types.Hash
		switch {
		case strings.HasPrefix(name, "control.tar"):
			target = &m.Control
		case strings.HasPrefix(name, "data.tar"):
			target = &m.Data
		default:
			// debian-binary 以及 _gpg 签名之类的成员
			continue
		}

		tarStream, closeFn, err := decompress(name, reader)
		if err != nil {
			return Members{}, err
		}
		h, err := treebuilder.FromTar(ctx, store, tarStream)
		closeFn()
		if err != nil {
			return Members{}, fmt.Errorf("failed to commit %s: %w", name, err)
		}
		*target = h
	}

	if m.Control == "" {
		return Members{}, fmt.Errorf("malformed deb archive: no control.tar member")
	}
	if m.Data == "" {
		return Members{}, fmt.Errorf("malformed deb archive: no data.tar member")
	}
	return m, nil
}

// decompress 按成员名的扩展名选择解压器
func decompress(name string, r io.Reader) (io.Reader, func(), error) {
	noop := func() {}
	switch {
	case strings.HasSuffix(name, ".tar"):
		return r, noop, nil
	case strings.HasSuffix(name, ".gz"):
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", name, err)
		}
		return zr, func() { zr.Close() }, nil
	case strings.HasSuffix(name, ".xz"):
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", name, err)
		}
		return xr, noop, nil
	case strings.HasSuffix(name, ".zst"):
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", name, err)
		}
		return zr, zr.Close, nil
	case strings.HasSuffix(name, ".bz2"):
		return bzip2.NewReader(r), noop, nil
	default:
		return nil, nil, fmt.Errorf("unsupported deb member compression: %s", name)
	}
}
