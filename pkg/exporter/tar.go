package exporter

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"time"

	"debvault/pkg/core"
	"debvault/pkg/types"
)

// epoch 作为所有条目的 mtime，同一棵树总是产出相同的字节
var epoch = time.Unix(0, 0)

// WriteTar 把整棵树写成 tar 流，属主统一为 root:root
func (e *Exporter) WriteTar(ctx context.Context, root types.Hash, w io.Writer) error {
	tw := tar.NewWriter(w)

	err := e.Walk(ctx, root, func(p string, entry core.TreeEntry) error {
		hdr := &tar.Header{
			Name:    p,
			Mode:    int64(entry.Mode),
			ModTime: epoch,
			Uname:   "root",
			Gname:   "root",
		}

		switch entry.Kind {
		case core.EntryDir:
			hdr.Typeflag = tar.TypeDir
			hdr.Name = p + "/"
			return tw.WriteHeader(hdr)

		case core.EntrySymlink:
			target, err := e.Blob(ctx, entry.Cid.Hash)
			if err != nil {
				return err
			}
			hdr.Typeflag = tar.TypeSymlink
			hdr.Linkname = string(target)
			return tw.WriteHeader(hdr)

		case core.EntryFile:
			hdr.Typeflag = tar.TypeReg
			hdr.Size = entry.Size
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			rc, err := e.Store().Get(ctx, entry.Cid.Hash)
			if err != nil {
				return fmt.Errorf("failed to get %s: %w", p, err)
			}
			defer rc.Close()
			if _, err := io.Copy(tw, rc); err != nil {
				return fmt.Errorf("failed to write %s: %w", p, err)
			}
			return nil

		default:
			return fmt.Errorf("%s: unsupported entry kind %q", p, entry.Kind)
		}
	})
	if err != nil {
		return err
	}
	return tw.Close()
}
