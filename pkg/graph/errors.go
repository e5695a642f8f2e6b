package graph

import (
	"errors"
	"fmt"
)

var (
	ErrCycle           = errors.New("dependency cycle")
	ErrDuplicateOutput = errors.New("output has more than one producer")
	ErrDuplicateTask   = errors.New("duplicate task name")
	ErrUnknownTarget   = errors.New("unknown target")
	ErrInvalidTask     = errors.New("invalid task")
)

// TaskError 是单个任务 action 的失败
type TaskError struct {
	Task string
	Rule string
	Err  error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s (%s) failed: %v", e.Task, e.Rule, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }
