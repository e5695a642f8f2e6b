package exporter

import (
	"context"
	"fmt"
	"io"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/tarball"

	"debvault/pkg/types"
)

type OCIOptions struct {
	// Tag 写进 manifest.json 的 RepoTags，如 "debvault/base:latest"
	Tag string
	// Architecture 使用 Debian/OCI 通用的名字 (amd64, arm64...)
	Architecture string
}

// ExportOCI 把树作为单层镜像写成 docker load 可读的 tarball。
// 层内容由 WriteTar 生成，config 不带创建时间，同一棵树产出相同的镜像 digest。
func (e *Exporter) ExportOCI(ctx context.Context, root types.Hash, path string, opts OCIOptions) error {
	if opts.Tag == "" {
		opts.Tag = "debvault/" + root.Short() + ":latest"
	}
	tag, err := name.NewTag(opts.Tag)
	if err != nil {
		return fmt.Errorf("invalid image tag %q: %w", opts.Tag, err)
	}

	layer, err := tarball.LayerFromOpener(func() (io.ReadCloser, error) {
		pr, pw := io.Pipe()
		go func() {
			pw.CloseWithError(e.WriteTar(ctx, root, pw))
		}()
		return pr, nil
	})
	if err != nil {
		return fmt.Errorf("failed to build layer: %w", err)
	}

	img, err := mutate.AppendLayers(empty.Image, layer)
	if err != nil {
		return err
	}

	cfg, err := img.ConfigFile()
	if err != nil {
		return err
	}
	cfg = cfg.DeepCopy()
	cfg.OS = "linux"
	cfg.Architecture = opts.Architecture
	img, err = mutate.ConfigFile(img, cfg)
	if err != nil {
		return err
	}

	if err := tarball.WriteToFile(path, tag, img); err != nil {
		return fmt.Errorf("failed to write image %s: %w", path, err)
	}
	return nil
}
