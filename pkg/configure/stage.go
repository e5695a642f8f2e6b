// Package configure 把 unpacked 镜像变成 configured 镜像:
// 展开到临时根目录，在沙箱里执行 dpkg --configure -a，再重新提交
package configure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"debvault/pkg/exporter"
	"debvault/pkg/ignore"
	"debvault/pkg/storage"
	"debvault/pkg/treebuilder"
	"debvault/pkg/types"
)

// PrivilegedStepError 沙箱里的某一步失败。这类错误不重试
type PrivilegedStepError struct {
	Step string
	Err  error
}

func (e *PrivilegedStepError) Error() string {
	return fmt.Sprintf("configure step %q failed: %v", e.Step, e.Err)
}

func (e *PrivilegedStepError) Unwrap() error { return e.Err }

const (
	passwdLine   = "root:x:0:0:root:/root:/bin/bash\n"
	groupLine    = "root:x:0:\n"
	policyRcD    = "#!/bin/sh\nexit 101\n"
	insservPath  = "/usr/lib/insserv/insserv"
	dashPreinst  = "var/lib/dpkg/info/dash.preinst"
	machineIDRel = "etc/machine-id"
)

type Options struct {
	// WorkDir 下为每次运行创建一个临时根目录
	WorkDir string
	// Ignore 为空时使用 ignore.RootfsDefaults
	Ignore *ignore.Matcher
	Logger *zap.Logger
}

type Stage struct {
	store    storage.Store
	exporter *exporter.Exporter
	sandbox  Sandbox
	opts     Options
	log      *zap.Logger
}

func NewStage(store storage.Store, sandbox Sandbox, opts Options) *Stage {
	if opts.WorkDir == "" {
		opts.WorkDir = os.TempDir()
	}
	if opts.Ignore == nil {
		opts.Ignore = ignore.NewMatcher(ignore.RootfsDefaults...)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Stage{
		store:    store,
		exporter: exporter.NewExporter(store),
		sandbox:  sandbox,
		opts:     opts,
		log:      log.Named("configure"),
	}
}

// Configure 返回 configured 树的 Hash。临时根目录无论成败都会被删除
func (s *Stage) Configure(ctx context.Context, unpacked types.Hash) (_ types.Hash, err error) {
	if err := os.MkdirAll(s.opts.WorkDir, 0o755); err != nil {
		return "", err
	}
	tmp, err := os.MkdirTemp(s.opts.WorkDir, "configure-")
	if err != nil {
		return "", err
	}
	root := filepath.Join(tmp, "co")

	defer func() {
		// 取消之后也要清理
		if rmErr := s.sandbox.Remove(context.WithoutCancel(ctx), tmp); rmErr != nil {
			s.log.Warn("failed to remove configure root", zap.String("path", tmp), zap.Error(rmErr))
		}
	}()

	log := s.log.With(zap.String("unpacked", unpacked.Short()), zap.String("root", root))
	log.Info("materializing image")
	if err := s.exporter.RestoreTree(ctx, unpacked, root, nil); err != nil {
		return "", fmt.Errorf("failed to materialize %s: %w", unpacked.Short(), err)
	}

	if err := s.prepare(ctx, root); err != nil {
		return "", err
	}

	log.Info("running dpkg --configure -a")
	if err := s.sandbox.Exec(ctx, root, "dpkg", "--configure", "-a"); err != nil {
		return "", &PrivilegedStepError{Step: "dpkg --configure -a", Err: err}
	}

	if err := os.Remove(filepath.Join(root, machineIDRel)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}

	h, err := s.commit(ctx, root)
	if err != nil {
		return "", err
	}
	log.Info("configured image committed", zap.String("configured", h.Short()))
	return h, nil
}

// prepare 做 dpkg --configure 之前的兼容处理
func (s *Stage) prepare(ctx context.Context, root string) error {
	if err := seed(filepath.Join(root, "etc/passwd"), passwdLine); err != nil {
		return err
	}
	if err := seed(filepath.Join(root, "etc/group"), groupLine); err != nil {
		return err
	}

	if exists(filepath.Join(root, dashPreinst)) {
		if err := s.sandbox.Exec(ctx, root, "/"+dashPreinst, "install"); err != nil {
			return &PrivilegedStepError{Step: "dash.preinst install", Err: err}
		}
	}

	policy := filepath.Join(root, "usr/sbin/policy-rc.d")
	if err := os.MkdirAll(filepath.Dir(policy), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(policy, []byte(policyRcD), 0o755); err != nil {
		return err
	}
	if err := os.Chmod(policy, 0o755); err != nil {
		return err
	}

	if err := s.sandbox.Exec(ctx, root, "dpkg-divert", "--local", "--rename", "--add", insservPath); err != nil {
		return &PrivilegedStepError{Step: "dpkg-divert insserv", Err: err}
	}
	if err := forceSymlink("../../../bin/true", filepath.Join(root, insservPath)); err != nil {
		return err
	}
	// usrmerge 系统上 sbin 是符号链接，不能跟随它写到根目录外
	if fi, err := os.Lstat(filepath.Join(root, "sbin")); err == nil && fi.IsDir() {
		if err := forceSymlink("../bin/true", filepath.Join(root, "sbin/insserv")); err != nil {
			return err
		}
	}

	if exists(filepath.Join(root, "usr/bin/mawk")) {
		if err := forceSymlink("mawk", filepath.Join(root, "usr/bin/awk")); err != nil {
			return err
		}
	}
	return nil
}

// commit 通过沙箱把根目录打包，并以 tar 流提交
func (s *Stage) commit(ctx context.Context, root string) (types.Hash, error) {
	pr, pw := io.Pipe()
	archiveErr := make(chan error, 1)
	go func() {
		err := s.sandbox.Archive(ctx, root, pw)
		pw.CloseWithError(err)
		archiveErr <- err
	}()

	h, err := treebuilder.FromTar(ctx, s.store, pr, treebuilder.WithIgnore(s.opts.Ignore))
	if err == nil {
		// tar 结束标记之后还有记录填充
		_, err = io.Copy(io.Discard, pr)
	}
	// 提前失败时让 Archive 的写端解除阻塞
	pr.CloseWithError(errors.New("commit aborted"))
	aerr := <-archiveErr
	switch {
	case aerr != nil && (err == nil || errors.Is(err, aerr)):
		// 读端看到的错误来自 Archive 本身
		return "", &PrivilegedStepError{Step: "archive", Err: aerr}
	case err != nil:
		// 提交先失败，Archive 只是被中止的写端
		return "", fmt.Errorf("failed to commit configured root: %w", err)
	}
	return h, nil
}

func seed(path, content string) error {
	if exists(path) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

func forceSymlink(target, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.Symlink(target, path)
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
