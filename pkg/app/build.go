package app

import (
	"fmt"
	"os"
	"path/filepath"

	"debvault/pkg/assembler"
	"debvault/pkg/configure"
	"debvault/pkg/dpkg"
	"debvault/pkg/fetcher"
	"debvault/pkg/graph"
	"debvault/pkg/ignore"
	"debvault/pkg/lockfile"
	"debvault/pkg/pipeline"
	"debvault/pkg/runner"

	"github.com/spf13/viper"
)

// IgnoreFile 是工作目录下可选的提交排除规则文件
const IgnoreFile = ".dvignore"

// BuildDir 是 build.dir 的绝对路径
func (a *App) BuildDir() string {
	return a.Path(viper.GetString("build.dir"))
}

// Mirrors 先读 apt.mirrors_file，再追加 apt.mirrors
func (a *App) Mirrors() ([]string, error) {
	var mirrors []string
	if f := viper.GetString("apt.mirrors_file"); f != "" {
		fromFile, err := fetcher.LoadMirrors(a.Path(f))
		if err != nil {
			return nil, err
		}
		mirrors = append(mirrors, fromFile...)
	}
	return append(mirrors, viper.GetStringSlice("apt.mirrors")...), nil
}

// NewFetcher 按 build.* 和 apt.* 配置创建 Fetcher
func (a *App) NewFetcher() (*fetcher.Fetcher, error) {
	mirrors, err := a.Mirrors()
	if err != nil {
		return nil, err
	}

	mirrorDir := viper.GetString("build.mirror_dir")
	if mirrorDir == "" {
		mirrorDir = filepath.Join(a.BuildDir(), "mirror")
	}
	tmp := filepath.Join(a.BuildDir(), "tmp")
	if err := os.MkdirAll(tmp, 0755); err != nil {
		return nil, err
	}

	cfg := fetcher.Config{
		MirrorDir: a.Path(mirrorDir),
		Mirrors:   mirrors,
		Mirror:    viper.GetBool("build.mirror"),
		TmpDir:    tmp,
		Logger:    a.Logger,
		Metrics:   a.Metrics,
	}
	if ep := viper.GetString("apt.s3.endpoint"); ep != "" {
		cfg.S3 = &fetcher.S3Config{
			Endpoint:  ep,
			Region:    viper.GetString("apt.s3.region"),
			AccessKey: viper.GetString("apt.s3.access_key"),
			SecretKey: viper.GetString("apt.s3.secret_key"),
			UseSSL:    viper.GetBool("apt.s3.use_ssl"),
		}
	}
	return fetcher.New(a.Store, cfg)
}

// NewConfigureStage 使用 bwrap 沙箱，排除规则来自 RootfsDefaults 和 .dvignore
func (a *App) NewConfigureStage(r runner.Runner) (*configure.Stage, error) {
	matcher, err := ignore.NewMatcherFromFile(a.Path(IgnoreFile), ignore.RootfsDefaults...)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", IgnoreFile, err)
	}
	work := filepath.Join(a.BuildDir(), "tmp")
	if err := os.MkdirAll(work, 0755); err != nil {
		return nil, err
	}
	sandbox := &configure.BwrapSandbox{
		Runner: r,
		Sudo:   viper.GetBool("sandbox.sudo"),
		Bwrap:  viper.GetString("sandbox.bwrap"),
	}
	return configure.NewStage(a.Store, sandbox, configure.Options{
		WorkDir: work,
		Ignore:  matcher,
		Logger:  a.Logger,
	}), nil
}

func (a *App) NewLockfileManager(r runner.Runner) *lockfile.Manager {
	tool := &lockfile.AptlyTool{
		Runner: r,
		Binary: viper.GetString("apt.index_tool"),
		Config: a.Path(viper.GetString("apt.aptly_config")),
	}
	return lockfile.NewManager(tool, a.Logger)
}

// BuildContext 组装 pipeline 需要的全部能力
func (a *App) BuildContext() (*pipeline.BuildContext, error) {
	r := runner.NewLocal(a.Logger)

	f, err := a.NewFetcher()
	if err != nil {
		return nil, err
	}
	stage, err := a.NewConfigureStage(r)
	if err != nil {
		return nil, err
	}
	return &pipeline.BuildContext{
		Store:     a.Store,
		Fetcher:   f,
		Deriver:   dpkg.NewDeriver(a.Store),
		Assembler: assembler.New(a.Store),
		Configure: stage,
		Lockfiles: a.NewLockfileManager(r),
		Dir:       a.WorkDir,
		Logger:    a.Logger,
	}, nil
}

// NewEngine 用账本作为任务缓存执行图。jobs <= 0 时取 build.jobs
func (a *App) NewEngine(g *graph.Graph, jobs int) *graph.Engine {
	if jobs <= 0 {
		jobs = viper.GetInt("build.jobs")
	}
	return graph.NewEngine(g, graph.NewLedgerCache(a.Repo), a.Refs, a.Store, graph.Options{
		Jobs:    jobs,
		Pools:   map[string]int{pipeline.DownloadPool: viper.GetInt("build.download_jobs")},
		Dir:     a.WorkDir,
		Logger:  a.Logger,
		Metrics: a.Metrics,
	})
}
