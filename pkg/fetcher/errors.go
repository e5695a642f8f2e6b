package fetcher

import (
	"fmt"
	"strings"

	"debvault/pkg/types"
)

// IntegrityError 下载到的字节与锁文件里的 SHA256 不符。这些字节永远不会被使用
type IntegrityError struct {
	Source   string
	Expected types.LinearHash
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("sha256 mismatch from %s: expected %s, got %s", e.Source, e.Expected, e.Actual)
}

// AttemptError 是对某一个来源的一次失败尝试
type AttemptError struct {
	Source string
	Err    error
}

func (e *AttemptError) Error() string { return e.Source + ": " + e.Err.Error() }
func (e *AttemptError) Unwrap() error { return e.Err }

// SourceExhaustedError 所有来源都没有给出校验通过的字节
type SourceExhaustedError struct {
	Package  string
	Attempts []error
}

func (e *SourceExhaustedError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("no sources configured for %s", e.Package)
	}
	lines := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		lines = append(lines, "  "+a.Error())
	}
	return fmt.Sprintf("failed to download %s from any of %d sources:\n%s", e.Package, len(e.Attempts), strings.Join(lines, "\n"))
}

func (e *SourceExhaustedError) Unwrap() []error { return e.Attempts }
