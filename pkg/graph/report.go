package graph

import (
	"sort"
	"time"

	"debvault/pkg/types"
)

type State string

const (
	StatePending State = "pending"
	// StateClean 记录命中，没有执行
	StateClean State = "clean"
	// StateBuilt 执行成功 (Changed 表示输出是否与上次不同)
	StateBuilt   State = "built"
	StateFailed  State = "failed"
	StateSkipped State = "skipped"
)

type TaskResult struct {
	Name    string
	Rule    string
	State   State
	Reason  string // 为什么执行 (或为什么跳过)
	Changed bool
	Outputs Values
	// Forced 为 true 时消费者无条件重建 (非 restat 任务被执行)
	Forced   bool
	Duration time.Duration
	Err      error
}

// Report 是一次 Build 的结果
type Report struct {
	RunID   string
	Results map[string]*TaskResult
	// Executed 按完成顺序记录执行过 action 的任务
	Executed []string
}

func (r *Report) Count(s State) int {
	n := 0
	for _, res := range r.Results {
		if res.State == s {
			n++
		}
	}
	return n
}

// Names 返回处于某状态的任务名，排序后返回
func (r *Report) Names(s State) []string {
	var out []string
	for name, res := range r.Results {
		if res.State == s {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Output 查找本次构建中某个输出的 ContentRef
func (r *Report) Output(name string) (types.Hash, bool) {
	for _, res := range r.Results {
		if h, ok := res.Outputs[name]; ok {
			return h, true
		}
	}
	return "", false
}
