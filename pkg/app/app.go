// Package app 组装 dv / dv-server 共用的依赖
package app

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"debvault/pkg/config"
	"debvault/pkg/meta"
	"debvault/pkg/metrics"
	"debvault/pkg/refs"
	"debvault/pkg/storage"
	"debvault/pkg/storage/cache"
	"debvault/pkg/storage/disk"
	"debvault/pkg/storage/remote"
	"debvault/pkg/storage/s3"
	"debvault/pkg/types"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var ErrNotInitialized = errors.New("not a debvault repository (run 'dv init' first)")

// App 是整个应用程序的依赖容器，持有所有“单例”服务
type App struct {
	Store   storage.Store
	DB      *meta.DB
	Repo    *meta.Repository
	Refs    *refs.Manager
	Logger  *zap.Logger
	Metrics *metrics.Recorder

	// RepoPath 是 .dv 的绝对路径
	RepoPath string
	// WorkDir 是锁文件、配置文件和 build.dir 的基准目录
	WorkDir string
}

// NewApp 按 viper 配置组装依赖。它不知道具体的 CLI 命令
func NewApp(ctx context.Context, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}

	// 1. 仓库根路径
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	repoPath := filepath.Join(wd, config.RepoDir)
	if _, err := os.Stat(repoPath); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotInitialized
		}
		return nil, err
	}

	// 2. 对象存储
	store, err := initStore(ctx, repoPath)
	if err != nil {
		return nil, fmt.Errorf("failed to init storage: %w", err)
	}
	if addr := viper.GetString("cache.addr"); addr != "" {
		cached, err := cache.NewCachedStore(store, cache.Config{
			RedisURL: addr,
			TTL:      viper.GetDuration("cache.ttl"),
			Logger:   log,
		})
		if err != nil {
			closeStore(store)
			return nil, fmt.Errorf("failed to init cache: %w", err)
		}
		store = cached
	}

	// 3. 账本: 引用 + 任务记录
	db, err := meta.NewDB(ctx, dbConfig(wd))
	if err != nil {
		closeStore(store)
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	repo := meta.NewRepository(db)

	return &App{
		Store:    store,
		DB:       db,
		Repo:     repo,
		Refs:     refs.NewManager(repo),
		Logger:   log,
		Metrics:  metrics.NewRecorder(),
		RepoPath: repoPath,
		WorkDir:  wd,
	}, nil
}

// Init 创建 .dv 目录。已存在时返回 false
func Init() (bool, error) {
	wd, err := os.Getwd()
	if err != nil {
		return false, err
	}
	repoPath := filepath.Join(wd, config.RepoDir)
	if _, err := os.Stat(repoPath); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(repoPath, 0755); err != nil {
		return false, fmt.Errorf("create %s: %w", repoPath, err)
	}
	return true, nil
}

// initStore 根据 storage.type 选择后端
func initStore(ctx context.Context, repoPath string) (storage.Store, error) {
	var (
		store storage.Store
		err   error
	)
	switch t := viper.GetString("storage.type"); t {
	case "", "disk":
		path := viper.GetString("storage.path")
		if path == "" {
			path = filepath.Join(repoPath, "objects")
		}
		store, err = disk.NewAdapter(path)
	case "s3":
		store, err = s3.NewAdapter(ctx, s3.Config{
			Endpoint:        viper.GetString("storage.s3.endpoint"),
			Region:          viper.GetString("storage.s3.region"),
			Bucket:          viper.GetString("storage.s3.bucket"),
			Prefix:          viper.GetString("storage.s3.prefix"),
			AccessKeyID:     viper.GetString("storage.s3.access_key"),
			SecretAccessKey: viper.GetString("storage.s3.secret_key"),
		})
	case "remote":
		addr := viper.GetString("storage.remote.addr")
		if addr == "" {
			return nil, fmt.Errorf("storage.remote.addr is required")
		}
		store, err = remote.NewClient(addr)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", t)
	}
	if err != nil {
		// 避免把 typed nil 装进接口
		return nil, err
	}
	return store, nil
}

func dbConfig(wd string) meta.Config {
	path := viper.GetString("database.path")
	if path != "" && !filepath.IsAbs(path) {
		path = filepath.Join(wd, path)
	}
	return meta.Config{
		Driver:   viper.GetString("database.driver"),
		Path:     path,
		Host:     viper.GetString("database.host"),
		Port:     viper.GetInt("database.port"),
		User:     viper.GetString("database.user"),
		Password: viper.GetString("database.password"),
		DBName:   viper.GetString("database.name"),
		SSLMode:  viper.GetString("database.sslmode"),
		Debug:    viper.GetString("log.level") == "debug",
	}
}

// Path 把相对路径解析到 WorkDir 下
func (a *App) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(a.WorkDir, p)
}

// ResolveObject 接受引用名、完整哈希或短哈希
func (a *App) ResolveObject(ctx context.Context, arg string) (types.Hash, error) {
	h, err := a.Refs.Resolve(ctx, arg)
	if err == nil {
		return h, nil
	}
	if !errors.Is(err, refs.ErrNotFound) {
		return "", err
	}

	if !isHex(arg) {
		return "", fmt.Errorf("%q is neither a ref nor a hash: %w", arg, err)
	}
	if types.Hash(arg).IsValid() {
		return types.Hash(arg), nil
	}
	return a.Store.ExpandHash(ctx, types.HashPrefix(arg))
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	if len(s)%2 == 1 {
		s += "0"
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// FlushMetrics 在配置了 build.metrics_file 时写出 textfile
func (a *App) FlushMetrics() error {
	path := viper.GetString("build.metrics_file")
	if path == "" {
		return nil
	}
	path = a.Path(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return a.Metrics.WriteTextfile(path)
}

func (a *App) Close() error {
	var errs []error
	if c, ok := a.Store.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}

func closeStore(s storage.Store) {
	if c, ok := s.(io.Closer); ok {
		_ = c.Close()
	}
}
