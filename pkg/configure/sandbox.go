package configure

import (
	"context"
	"fmt"
	"io"

	"debvault/pkg/runner"
)

// Sandbox 是需要特权的那部分操作。root 是宿主机上已展开的根目录
type Sandbox interface {
	// Exec 以 root 为根目录执行命令
	Exec(ctx context.Context, root string, argv ...string) error
	// Archive 把 root 打成 tar 流写入 w
	Archive(ctx context.Context, root string, w io.Writer) error
	// Remove 删除 root
	Remove(ctx context.Context, root string) error
}

// BwrapSandbox 用 bubblewrap 执行命令，Sudo 为 true 时所有操作都经过 sudo
type BwrapSandbox struct {
	Runner runner.Runner
	Sudo   bool
	// Bwrap 为空时使用 PATH 里的 bwrap
	Bwrap string
}

func (b *BwrapSandbox) Exec(ctx context.Context, root string, argv ...string) error {
	bwrap := b.Bwrap
	if bwrap == "" {
		bwrap = "bwrap"
	}
	args := []string{
		"--bind", root, "/",
		"--proc", "/proc",
		"--dev", "/dev",
		"--tmpfs", "/tmp",
		"--tmpfs", "/run",
		"--setenv", "LANG", "C.UTF-8",
		"--setenv", "DEBIAN_FRONTEND", "noninteractive",
	}
	args = append(args, argv...)
	// 交互模式: sudo 的密码提示和 dpkg 的输出都直接出现在终端上
	_, err := b.Runner.Run(ctx, b.cmd(bwrap, args, nil, true))
	return err
}

func (b *BwrapSandbox) Archive(ctx context.Context, root string, w io.Writer) error {
	_, err := b.Runner.Run(ctx, b.cmd("tar", []string{"-C", root, "-c", "."}, w, false))
	return err
}

func (b *BwrapSandbox) Remove(ctx context.Context, root string) error {
	if root == "" || root == "/" {
		return fmt.Errorf("refusing to remove %q", root)
	}
	_, err := b.Runner.Run(ctx, b.cmd("rm", []string{"-rf", root}, nil, false))
	return err
}

func (b *BwrapSandbox) cmd(path string, args []string, stdout io.Writer, interactive bool) runner.Cmd {
	if b.Sudo {
		args = append([]string{path}, args...)
		path = "sudo"
	}
	return runner.Cmd{Path: path, Args: args, Stdout: stdout, Interactive: interactive}
}
