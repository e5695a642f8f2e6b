package lockfile

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"debvault/pkg/fsutil"
	"debvault/pkg/runner"
)

// Request 描述要锁定的包集合
type Request struct {
	Architecture string
	Distribution string
	ArchiveURL   string
	Components   []string
	Packages     []string
	// Output 是锁文件路径
	Output string
}

// Filter 返回 aptly 过滤表达式: 必需和重要优先级，加上显式列出的包 (排序去重)
func (r Request) Filter() string {
	parts := []string{"Priority (required)", "Priority (important)"}
	seen := make(map[string]bool, len(r.Packages))
	pkgs := make([]string, 0, len(r.Packages))
	for _, p := range r.Packages {
		if p != "" && !seen[p] {
			seen[p] = true
			pkgs = append(pkgs, p)
		}
	}
	sort.Strings(pkgs)
	return strings.Join(append(parts, pkgs...), " | ")
}

func (r Request) validate() error {
	switch {
	case r.Architecture == "":
		return fmt.Errorf("lockfile request: architecture is required")
	case r.Distribution == "":
		return fmt.Errorf("lockfile request: distribution is required")
	case r.ArchiveURL == "":
		return fmt.Errorf("lockfile request: archive url is required")
	case r.Output == "":
		return fmt.Errorf("lockfile request: output path is required")
	}
	return nil
}

// IndexTool 查询上游索引并计算依赖闭包。返回 Packages 格式的段落
type IndexTool interface {
	List(ctx context.Context, req Request, filter string) ([]byte, error)
}

// Manager 生成并刷新锁文件。内容不变时不改写文件，下游的内容哈希保持稳定
type Manager struct {
	tool IndexTool
	log  *zap.Logger
}

func NewManager(tool IndexTool, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{tool: tool, log: log.Named("lockfile")}
}

// Update 返回锁文件是否被改写
func (m *Manager) Update(ctx context.Context, req Request) (bool, error) {
	if err := req.validate(); err != nil {
		return false, err
	}
	filter := req.Filter()

	raw, err := m.tool.List(ctx, req, filter)
	if err != nil {
		return false, fmt.Errorf("failed to resolve package list for %s: %w", req.Output, err)
	}
	paras, err := ParseParagraphs(bytes.NewReader(raw))
	if err != nil {
		return false, fmt.Errorf("index tool returned malformed output: %w", err)
	}

	lf := &Lockfile{
		Provenance: &Provenance{
			Distribution: req.Distribution,
			ArchiveURL:   req.ArchiveURL,
			Architecture: req.Architecture,
			Components:   req.Components,
			Filter:       filter,
		},
	}
	for _, p := range paras {
		if _, ok := p.Get("Package"); !ok {
			continue
		}
		rec, err := NewPackageRecord(p)
		if err != nil {
			return false, err
		}
		lf.Packages = append(lf.Packages, rec)
	}

	data, err := lf.Bytes()
	if err != nil {
		return false, err
	}
	changed, err := fsutil.WriteIfChanged(req.Output, data, 0o644)
	if err != nil {
		return false, err
	}
	m.log.Info("lockfile updated",
		zap.String("path", req.Output),
		zap.Int("packages", len(lf.Packages)),
		zap.Bool("changed", changed))
	return changed, nil
}

// AptlyTool 通过 aptly 的临时镜像拿到包列表，不下载任何包
type AptlyTool struct {
	Runner runner.Runner
	// Binary 默认 "aptly"
	Binary string
	// Config 非空时以 -config 传给 aptly
	Config string
}

func (a *AptlyTool) List(ctx context.Context, req Request, filter string) ([]byte, error) {
	mirror := "dv-" + strings.NewReplacer("/", "_", " ", "_").Replace(strings.TrimPrefix(req.Output, "./"))

	// 上次异常退出可能留下同名镜像
	_, _ = a.run(ctx, "mirror", "drop", mirror)
	defer func() {
		_, _ = a.run(context.WithoutCancel(ctx), "mirror", "drop", mirror)
	}()

	create := []string{
		"mirror", "create",
		"-architectures=" + req.Architecture,
		"-filter=" + filter,
		"-filter-with-deps",
		mirror, req.ArchiveURL, req.Distribution,
	}
	create = append(create, req.Components...)
	if _, err := a.run(ctx, create...); err != nil {
		return nil, err
	}

	res, err := a.run(ctx, "mirror", "update", "-list-without-downloading", mirror)
	if err != nil {
		return nil, err
	}
	return res.Stdout, nil
}

func (a *AptlyTool) run(ctx context.Context, args ...string) (*runner.Result, error) {
	bin := a.Binary
	if bin == "" {
		bin = "aptly"
	}
	if a.Config != "" {
		args = append([]string{"-config=" + a.Config}, args...)
	}
	return a.Runner.Run(ctx, runner.Cmd{Path: bin, Args: args})
}
