// Package runner 执行外部命令 (aptly、bwrap、sudo)。
// 需要外部程序的组件都依赖 Runner 接口，测试里替换成假实现。
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

type Cmd struct {
	Path string
	Args []string
	Dir  string
	// Env 追加到当前进程环境之后
	Env []string

	Stdin io.Reader
	// Stdout/Stderr 非空时输出直接写到这里 (例如 tar 流)，Result 中对应字段为空
	Stdout io.Writer
	Stderr io.Writer

	// Interactive 把标准输入输出接到终端 (sudo 密码提示)。此时 Result 不含输出
	Interactive bool
}

func (c Cmd) String() string {
	return strings.Join(append([]string{c.Path}, c.Args...), " ")
}

type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

// ExitError 命令启动了但以非零状态退出
type ExitError struct {
	Cmd    string
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s: exit status %d", e.Cmd, e.Code)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + lastLine(s)
	}
	return msg
}

type Runner interface {
	Run(ctx context.Context, cmd Cmd) (*Result, error)
}

// Local 在本机直接执行
type Local struct {
	log *zap.Logger
}

func NewLocal(log *zap.Logger) *Local {
	if log == nil {
		log = zap.NewNop()
	}
	return &Local{log: log.Named("runner")}
}

func (l *Local) Run(ctx context.Context, c Cmd) (*Result, error) {
	execCmd := exec.CommandContext(ctx, c.Path, c.Args...)
	execCmd.Dir = c.Dir
	if len(c.Env) > 0 {
		execCmd.Env = append(os.Environ(), c.Env...)
	}

	var stdout, stderr bytes.Buffer
	execCmd.Stdin = c.Stdin
	if c.Interactive {
		if c.Stdin == nil {
			execCmd.Stdin = os.Stdin
		}
		execCmd.Stdout = os.Stdout
		execCmd.Stderr = os.Stderr
	} else {
		execCmd.Stdout = pick(&stdout, c.Stdout)
		execCmd.Stderr = pick(&stderr, c.Stderr)
	}

	l.log.Debug("exec", zap.String("cmd", c.String()), zap.String("dir", c.Dir))
	start := time.Now()
	err := execCmd.Run()
	res := &Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			res.ExitCode = exitErr.ExitCode()
			return res, &ExitError{Cmd: c.String(), Code: res.ExitCode, Stderr: stderr.String()}
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, fmt.Errorf("%s: %w", c.Path, ctxErr)
		}
		return res, fmt.Errorf("exec error: %w", err)
	}
	return res, nil
}

func pick(buf *bytes.Buffer, w io.Writer) io.Writer {
	if w == nil {
		return buf
	}
	return w
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
