// Package pipeline 把锁文件翻译成任务图:
// 每个包 fetch → dpkg-info，每个镜像 combine → unpacked → configured
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"debvault/pkg/assembler"
	"debvault/pkg/configure"
	"debvault/pkg/core"
	"debvault/pkg/dpkg"
	"debvault/pkg/fetcher"
	"debvault/pkg/graph"
	"debvault/pkg/lockfile"
	"debvault/pkg/multistrap"
	"debvault/pkg/refs"
	"debvault/pkg/storage"
	"debvault/pkg/types"
)

// DownloadPool 限制同时进行的下载数
const DownloadPool = "download"

// 聚合目标
const (
	TargetImages          = "images"
	TargetUnpackedImages  = "unpacked-images"
	TargetUpdateLockfiles = "update-apt-lockfiles"
)

// storeFormat 是 store/config 指向的对象内容
const storeFormat = "debvault-store-version: 1\n"

// BuildContext 是任务 action 需要的全部能力。
// 任务只通过它访问外部世界，测试里可以逐项替换。
type BuildContext struct {
	Store     storage.Store
	Fetcher   *fetcher.Fetcher
	Deriver   *dpkg.Deriver
	Assembler *assembler.Assembler
	Configure *configure.Stage
	Lockfiles *lockfile.Manager

	// Dir 是锁文件等相对路径的基准目录，与 graph.Options.Dir 一致
	Dir    string
	Logger *zap.Logger
}

// ImageSpec 描述一个从锁文件构建的镜像
type ImageSpec struct {
	Lockfile     string
	Architecture string
	// UnpackOnly 为 true 时不注册 configured 阶段
	UnpackOnly bool
}

// Image 是注册后的镜像及其目标名
type Image struct {
	Name     string
	Packages int
	// Unpacked 和 Configured 是 phony 目标名；UnpackOnly 时 Configured 为空
	Unpacked   string
	Configured string
}

type Pipeline struct {
	bc    *BuildContext
	graph *graph.Graph
	log   *zap.Logger

	images      []string
	unpacked    []string
	lockUpdates []string
	// byName 按镜像名去重，同一个锁文件只注册一次
	byName map[string]*Image
}

func New(bc *BuildContext) (*Pipeline, error) {
	log := bc.Logger
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pipeline{bc: bc, graph: graph.New(), log: log.Named("pipeline"), byName: map[string]*Image{}}
	if err := p.graph.Register(p.storeInitTask()); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) Graph() *graph.Graph { return p.graph }

// Finish 注册聚合目标，之后不应再添加镜像
func (p *Pipeline) Finish() error {
	if err := p.graph.Phony(TargetImages, p.images...); err != nil {
		return err
	}
	if err := p.graph.Phony(TargetUnpackedImages, p.unpacked...); err != nil {
		return err
	}
	return p.graph.Phony(TargetUpdateLockfiles, p.lockUpdates...)
}

// AddMultistrap 注册一个 multistrap 配置对应的镜像和锁文件刷新任务
func (p *Pipeline) AddMultistrap(ctx context.Context, cfg *multistrap.Image, unpackOnly bool) (*Image, error) {
	if img, ok := p.byName[refs.ImageName(cfg.LockfilePath())]; ok {
		return img, nil
	}
	if _, err := p.AddLockfileUpdate(cfg.Request()); err != nil {
		return nil, err
	}
	return p.AddImage(ctx, ImageSpec{
		Lockfile:     cfg.LockfilePath(),
		Architecture: cfg.Architecture,
		UnpackOnly:   unpackOnly,
	})
}

// AddImage 读取锁文件并注册整条流水线。锁文件不存在时只记录警告，
// 得到一个只含 dpkg 骨架的镜像
func (p *Pipeline) AddImage(_ context.Context, spec ImageSpec) (*Image, error) {
	name := refs.ImageName(spec.Lockfile)
	if img, ok := p.byName[name]; ok {
		return img, nil
	}
	lf, err := lockfile.Load(p.path(spec.Lockfile))
	if errors.Is(err, lockfile.ErrMissingLockfile) {
		p.log.Warn("lockfile missing, image will contain only the dpkg base", zap.String("lockfile", spec.Lockfile))
	} else if err != nil {
		return nil, err
	}

	arch := spec.Architecture
	if arch == "" && lf.Provenance != nil {
		arch = lf.Provenance.Architecture
	}
	if arch == "" {
		arch = "amd64"
	}

	base, err := p.ensureBase(arch)
	if err != nil {
		return nil, err
	}

	var data, info, status, available []string
	for _, rec := range lf.Packages {
		if err := p.ensurePackage(rec); err != nil {
			return nil, err
		}
		ns := rec.Namespace()
		data = append(data, refs.Pool(ns, refs.FacetData))
		info = append(info, refs.Pool(ns, refs.FacetInfo))
		status = append(status, refs.Pool(ns, refs.FacetStatus))
		available = append(available, refs.Pool(ns, refs.FacetAvailable))
	}

	tasks := []*graph.Task{
		p.combineTask(name, refs.FacetData, data),
		p.combineTask(name, refs.FacetInfo, info),
		p.recordsTask(name, dpkg.RecordStatus, refs.FacetStatus, status),
		p.recordsTask(name, dpkg.RecordAvailable, refs.FacetAvailable, available),
		p.unpackedTask(name, base, spec.Lockfile),
	}
	if !spec.UnpackOnly {
		tasks = append(tasks, p.configureTask(name))
	}
	for _, t := range tasks {
		if err := p.graph.Register(t); err != nil {
			return nil, err
		}
	}

	img := &Image{Name: name, Packages: len(lf.Packages), Unpacked: "unpacked-image/" + name}
	if err := p.graph.Phony(img.Unpacked, refs.Image(name, refs.FacetUnpacked)); err != nil {
		return nil, err
	}
	p.unpacked = append(p.unpacked, img.Unpacked)
	if !spec.UnpackOnly {
		img.Configured = "image/" + name
		if err := p.graph.Phony(img.Configured, refs.Image(name, refs.FacetConfigured)); err != nil {
			return nil, err
		}
		p.images = append(p.images, img.Configured)
	}

	p.byName[name] = img
	p.log.Debug("image registered", zap.String("image", name), zap.Int("packages", img.Packages), zap.String("arch", arch))
	return img, nil
}

// AddLockfileUpdate 注册刷新锁文件的任务。它总是执行，但锁文件内容不变时不改写文件
func (p *Pipeline) AddLockfileUpdate(req lockfile.Request) (string, error) {
	name := refs.ImageName(req.Output)
	if existing, ok := p.graph.Task("update-lockfile/" + name); ok {
		return existing.Name, nil
	}
	out := refs.Lockfile(name)
	t := &graph.Task{
		Rule: "update-lockfile",
		Name: "update-lockfile/" + name,
		Params: map[string]string{
			"architecture": req.Architecture,
			"distribution": req.Distribution,
			"archive_url":  req.ArchiveURL,
			"filter":       req.Filter(),
			"output":       req.Output,
		},
		Outputs:   []string{out},
		OrderOnly: []string{refs.StoreConfig},
		Always:    true,
		Action: func(ctx context.Context, _ graph.Values) (graph.Values, error) {
			if p.bc.Lockfiles == nil {
				return nil, fmt.Errorf("no lockfile manager configured")
			}
			abs := req
			abs.Output = p.path(req.Output)
			if _, err := p.bc.Lockfiles.Update(ctx, abs); err != nil {
				return nil, err
			}
			data, err := os.ReadFile(abs.Output)
			if err != nil {
				return nil, err
			}
			h, err := p.putBlob(ctx, data)
			if err != nil {
				return nil, err
			}
			return graph.Values{out: h}, nil
		},
	}
	if err := p.graph.Register(t); err != nil {
		return "", err
	}
	p.lockUpdates = append(p.lockUpdates, t.Name)
	return t.Name, nil
}

func (p *Pipeline) storeInitTask() *graph.Task {
	return &graph.Task{
		Rule:    "store-init",
		Outputs: []string{refs.StoreConfig},
		Params:  map[string]string{"format": storeFormat},
		Action: func(ctx context.Context, _ graph.Values) (graph.Values, error) {
			h, err := p.putBlob(ctx, []byte(storeFormat))
			if err != nil {
				return nil, err
			}
			return graph.Values{refs.StoreConfig: h}, nil
		},
	}
}

// ensureBase 每种架构只注册一次
func (p *Pipeline) ensureBase(arch string) (string, error) {
	out := refs.DpkgBase(arch)
	if _, ok := p.graph.Producer(out); ok {
		return out, nil
	}
	return out, p.graph.Register(&graph.Task{
		Rule:      "dpkg-base",
		Params:    map[string]string{"architecture": arch},
		Outputs:   []string{out},
		OrderOnly: []string{refs.StoreConfig},
		Restat:    true,
		Action: func(ctx context.Context, _ graph.Values) (graph.Values, error) {
			h, err := dpkg.BaseTree(ctx, p.bc.Store, arch)
			if err != nil {
				return nil, err
			}
			return graph.Values{out: h}, nil
		},
	})
}

// ensurePackage 注册一个包的 fetch 和 dpkg-info 任务。多个镜像共享同一个包时只注册一次
func (p *Pipeline) ensurePackage(rec lockfile.PackageRecord) error {
	ns := rec.Namespace()
	dataRef := refs.Pool(ns, refs.FacetData)
	controlRef := refs.Pool(ns, refs.FacetControl)
	if _, ok := p.graph.Producer(dataRef); ok {
		return nil
	}

	fetch := &graph.Task{
		Rule: "fetch",
		Name: "fetch/" + ns,
		// 镜像站列表不参与身份：换镜像不会重新下载
		Params: map[string]string{
			"sha256":    string(rec.SHA256),
			"filename":  rec.Filename,
			"pool_path": rec.PoolPath(),
		},
		Outputs:   []string{dataRef, controlRef},
		OrderOnly: []string{refs.StoreConfig},
		Restat:    true,
		Pool:      DownloadPool,
		Action: func(ctx context.Context, _ graph.Values) (graph.Values, error) {
			if p.bc.Fetcher == nil {
				return nil, fmt.Errorf("no fetcher configured")
			}
			res, err := p.bc.Fetcher.Fetch(ctx, rec)
			if err != nil {
				return nil, err
			}
			return graph.Values{dataRef: res.Data, controlRef: res.Control}, nil
		},
	}

	infoRef := refs.Pool(ns, refs.FacetInfo)
	statusRef := refs.Pool(ns, refs.FacetStatus)
	availableRef := refs.Pool(ns, refs.FacetAvailable)
	info := &graph.Task{
		Rule:      "dpkg-info",
		Name:      "dpkg-info/" + ns,
		Params:    map[string]string{"package": rec.Name},
		Inputs:    []string{controlRef, dataRef},
		Outputs:   []string{infoRef, statusRef, availableRef},
		OrderOnly: []string{refs.StoreConfig},
		Restat:    true,
		Action: func(ctx context.Context, in graph.Values) (graph.Values, error) {
			m, err := p.bc.Deriver.Derive(ctx, in[controlRef], in[dataRef])
			if err != nil {
				return nil, err
			}
			if m.Package != rec.Name {
				return nil, fmt.Errorf("control file names package %q, lockfile says %q", m.Package, rec.Name)
			}
			return graph.Values{infoRef: m.Info, statusRef: m.Status, availableRef: m.Available}, nil
		},
	}

	if err := p.graph.Register(fetch); err != nil {
		return err
	}
	return p.graph.Register(info)
}

// combineTask 合并所有包的同一切面。合并与顺序无关，输入按名字排序
func (p *Pipeline) combineTask(image, facet string, inputs []string) *graph.Task {
	out := refs.Image(image, facet)
	sorted := append([]string(nil), inputs...)
	sort.Strings(sorted)
	return &graph.Task{
		Rule:      "combine",
		Params:    map[string]string{"facet": facet},
		Inputs:    sorted,
		Outputs:   []string{out},
		OrderOnly: []string{refs.StoreConfig},
		Restat:    true,
		Action: func(ctx context.Context, in graph.Values) (graph.Values, error) {
			h, err := p.bc.Assembler.Combine(ctx, collect(sorted, in))
			if err != nil {
				return nil, err
			}
			return graph.Values{out: h}, nil
		},
	}
}

// recordsTask 按锁文件顺序拼接 status 或 available 记录
func (p *Pipeline) recordsTask(image, kind, facet string, inputs []string) *graph.Task {
	out := refs.Image(image, facet)
	return &graph.Task{
		Rule:      "dpkg-records",
		Params:    map[string]string{"kind": kind},
		Inputs:    inputs,
		Outputs:   []string{out},
		OrderOnly: []string{refs.StoreConfig},
		Restat:    true,
		Action: func(ctx context.Context, in graph.Values) (graph.Values, error) {
			h, err := dpkg.CombineRecords(ctx, p.bc.Store, kind, collect(inputs, in))
			if err != nil {
				return nil, err
			}
			return graph.Values{out: h}, nil
		},
	}
}

// unpackedTask 合并骨架、info、两份记录和 payload。锁文件本身也是输入
func (p *Pipeline) unpackedTask(image, base, lockfilePath string) *graph.Task {
	out := refs.Image(image, refs.FacetUnpacked)
	trees := []string{
		base,
		refs.Image(image, refs.FacetInfo),
		refs.Image(image, refs.FacetStatus),
		refs.Image(image, refs.FacetAvailable),
		refs.Image(image, refs.FacetData),
	}
	return &graph.Task{
		Rule:      "combine",
		Params:    map[string]string{"facet": refs.FacetUnpacked},
		Inputs:    append(append([]string(nil), trees...), lockfilePath),
		Outputs:   []string{out},
		OrderOnly: []string{refs.StoreConfig},
		Restat:    true,
		Action: func(ctx context.Context, in graph.Values) (graph.Values, error) {
			h, err := p.bc.Assembler.Combine(ctx, collect(trees, in))
			if err != nil {
				return nil, err
			}
			return graph.Values{out: h}, nil
		},
	}
}

// configureTask 需要特权和终端，放进 console 池串行执行
func (p *Pipeline) configureTask(image string) *graph.Task {
	in := refs.Image(image, refs.FacetUnpacked)
	out := refs.Image(image, refs.FacetConfigured)
	return &graph.Task{
		Rule:      "dpkg-configure",
		Inputs:    []string{in},
		Outputs:   []string{out},
		OrderOnly: []string{refs.StoreConfig},
		Pool:      graph.ConsolePool,
		Action: func(ctx context.Context, values graph.Values) (graph.Values, error) {
			if p.bc.Configure == nil {
				return nil, fmt.Errorf("no configure stage configured")
			}
			h, err := p.bc.Configure.Configure(ctx, values[in])
			if err != nil {
				return nil, err
			}
			return graph.Values{out: h}, nil
		},
	}
}

func (p *Pipeline) putBlob(ctx context.Context, data []byte) (types.Hash, error) {
	blob := core.NewBlob(data)
	if err := p.bc.Store.Put(ctx, blob); err != nil {
		return "", err
	}
	return blob.ID(), nil
}

func (p *Pipeline) path(rel string) string {
	if filepath.IsAbs(rel) || p.bc.Dir == "" {
		return rel
	}
	return filepath.Join(p.bc.Dir, rel)
}

func collect(names []string, values graph.Values) []types.Hash {
	out := make([]types.Hash, 0, len(names))
	for _, n := range names {
		out = append(out, values[n])
	}
	return out
}
