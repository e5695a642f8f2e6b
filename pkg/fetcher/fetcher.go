package fetcher

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio"
	"go.uber.org/zap"

	"debvault/pkg/lockfile"
	"debvault/pkg/metrics"
	"debvault/pkg/storage"
	"debvault/pkg/types"
)

type Config struct {
	// MirrorDir 是本地镜像缓存的根目录，按 pool path 存放 .deb
	MirrorDir string
	// Mirrors 是上游镜像站的根 URL，按顺序尝试
	Mirrors []string
	// Mirror 为 true 时把校验通过的 .deb 写回 MirrorDir
	Mirror bool

	HTTPClient *http.Client
	S3         *S3Config
	// TmpDir 为空时用系统临时目录
	TmpDir string

	Logger  *zap.Logger
	Metrics *metrics.Recorder
}

// Result 是一次成功获取的产物
type Result struct {
	Data    types.Hash
	Control types.Hash
	// Source 是给出正确字节的那个来源
	Source string
	Size   int64
}

type Fetcher struct {
	store      storage.Store
	cfg        Config
	transports map[string]Transport
	log        *zap.Logger
}

func New(store storage.Store, cfg Config) (*Fetcher, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}
	ht := &httpTransport{client: client}
	transports := map[string]Transport{
		"http":  ht,
		"https": ht,
		"file":  fileTransport{},
	}
	if cfg.S3 != nil {
		st, err := newS3Transport(*cfg.S3)
		if err != nil {
			return nil, err
		}
		transports["s3"] = st
	}
	return &Fetcher{
		store:      store,
		cfg:        cfg,
		transports: transports,
		log:        log.Named("fetcher"),
	}, nil
}

// Sources 返回按尝试顺序排列的候选 URL:
// 本地镜像缓存 → 每个镜像的 Filename → 最后一个镜像的 pool path
func (f *Fetcher) Sources(rec lockfile.PackageRecord) []string {
	var out []string
	if f.cfg.MirrorDir != "" {
		abs, err := filepath.Abs(filepath.Join(f.cfg.MirrorDir, filepath.FromSlash(rec.PoolPath())))
		if err == nil {
			out = append(out, (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String())
		}
	}
	for _, m := range f.cfg.Mirrors {
		out = append(out, joinURL(m, rec.Filename))
	}
	if n := len(f.cfg.Mirrors); n > 0 {
		out = append(out, joinURL(f.cfg.Mirrors[n-1], rec.PoolPath()))
	}
	return out
}

func joinURL(base, rel string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(rel, "/")
}

// Fetch 按顺序尝试每个来源，只接受 SHA256 匹配的字节，然后拆包提交 control 和 data 两棵树
func (f *Fetcher) Fetch(ctx context.Context, rec lockfile.PackageRecord) (*Result, error) {
	sources := f.Sources(rec)
	var attempts []error

	for i, src := range sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tmp, size, err := f.download(ctx, src, rec.SHA256)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			var integrity *IntegrityError
			result := "error"
			if errors.As(err, &integrity) {
				result = "integrity"
				f.log.Warn("checksum mismatch, trying next source",
					zap.String("package", rec.String()), zap.String("source", src), zap.String("actual", integrity.Actual))
			} else {
				f.log.Debug("source unavailable",
					zap.String("package", rec.String()), zap.String("source", src), zap.Error(err))
			}
			f.cfg.Metrics.FetchAttempt(result, 0)
			attempts = append(attempts, &AttemptError{Source: src, Err: err})
			continue
		}
		f.cfg.Metrics.FetchAttempt("ok", size)

		res, err := f.commit(ctx, tmp, rec, src, size, i == 0 && f.cfg.MirrorDir != "")
		tmp.Close()
		os.Remove(tmp.Name())
		if err != nil {
			return nil, fmt.Errorf("%s: %w", rec, err)
		}
		return res, nil
	}
	return nil, &SourceExhaustedError{Package: rec.String(), Attempts: attempts}
}

func (f *Fetcher) commit(ctx context.Context, tmp *os.File, rec lockfile.PackageRecord, src string, size int64, fromCache bool) (*Result, error) {
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	members, err := CommitDeb(ctx, f.store, bufio.NewReader(tmp))
	if err != nil {
		return nil, err
	}

	if f.cfg.Mirror && f.cfg.MirrorDir != "" && !fromCache {
		if err := f.mirror(tmp, rec); err != nil {
			f.log.Warn("failed to write local mirror", zap.String("package", rec.String()), zap.Error(err))
		}
	}

	f.log.Info("fetched package",
		zap.String("package", rec.String()),
		zap.String("source", src),
		zap.Int64("size", size),
		zap.String("data", members.Data.Short()),
		zap.String("control", members.Control.Short()))

	return &Result{Data: members.Data, Control: members.Control, Source: src, Size: size}, nil
}

// download 把来源的字节写入临时文件，同时计算 SHA256。不匹配时删除临时文件并返回 IntegrityError
func (f *Fetcher) download(ctx context.Context, src string, want types.LinearHash) (*os.File, int64, error) {
	u, err := url.Parse(src)
	if err != nil {
		return nil, 0, fmt.Errorf("bad source url: %w", err)
	}
	tr, ok := f.transports[u.Scheme]
	if !ok {
		return nil, 0, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	rc, err := tr.Open(ctx, u)
	if err != nil {
		return nil, 0, err
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(f.cfg.TmpDir, "dv-fetch-*.deb")
	if err != nil {
		return nil, 0, err
	}
	discard := func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), rc)
	if err != nil {
		discard()
		return nil, 0, fmt.Errorf("read failed after %d bytes: %w", n, err)
	}
	actual := hex.EncodeToString(h.Sum(nil))
	if actual != string(want) {
		discard()
		return nil, 0, &IntegrityError{Source: src, Expected: want, Actual: actual}
	}
	return tmp, n, nil
}

// mirror 把已校验的 .deb 原子地放到 MirrorDir/<pool path>
func (f *Fetcher) mirror(tmp *os.File, rec lockfile.PackageRecord) error {
	dst := filepath.Join(f.cfg.MirrorDir, filepath.FromSlash(rec.PoolPath()))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return err
	}
	pending, err := renameio.TempFile(filepath.Dir(dst), dst)
	if err != nil {
		return err
	}
	defer pending.Cleanup()
	if _, err := io.Copy(pending, tmp); err != nil {
		return err
	}
	if err := pending.Chmod(0o644); err != nil {
		return err
	}
	return pending.CloseAtomicallyReplace()
}

// LoadMirrors 读取镜像列表文件: 每行一个根 URL，忽略空行和 # 注释
func LoadMirrors(path string) ([]string, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open mirror list: %w", err)
	}
	defer fh.Close()

	var mirrors []string
	sc := bufio.NewScanner(fh)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		mirrors = append(mirrors, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read mirror list %s: %w", path, err)
	}
	return mirrors, nil
}
