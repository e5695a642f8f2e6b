package commands

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"debvault/pkg/multistrap"
	"debvault/pkg/pipeline"
)

// newPipeline 为参数里的每个镜像注册任务。
// 以 .lock 结尾的参数直接作为锁文件，其它参数按 multistrap 配置读取
func newPipeline(ctx context.Context, args []string, unpackOnly bool) (*pipeline.Pipeline, []*pipeline.Image, error) {
	bc, err := DV.BuildContext()
	if err != nil {
		return nil, nil, err
	}
	p, err := pipeline.New(bc)
	if err != nil {
		return nil, nil, err
	}

	var images []*pipeline.Image
	for _, arg := range args {
		var (
			img *pipeline.Image
			err error
		)
		if strings.HasSuffix(arg, ".lock") {
			img, err = p.AddImage(ctx, pipeline.ImageSpec{Lockfile: arg, UnpackOnly: unpackOnly})
		} else {
			cfg, lerr := multistrap.Load(DV.Path(arg))
			if lerr != nil {
				return nil, nil, lerr
			}
			cfg.ConfigPath = arg
			img, err = p.AddMultistrap(ctx, cfg, unpackOnly)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", arg, err)
		}
		if !slices.Contains(images, img) {
			images = append(images, img)
		}
	}

	if err := p.Finish(); err != nil {
		return nil, nil, err
	}
	return p, images, nil
}
