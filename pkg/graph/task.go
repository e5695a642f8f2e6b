package graph

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"debvault/pkg/types"
)

// Values 是输入或输出名到 ContentRef 的映射
type Values map[string]types.Hash

// Action 执行任务。inputs 只包含数据输入：
// 任务产出的输入是它的 ContentRef，外部源文件是文件内容的 sha256 (缺失时为空)。
// 返回值必须恰好覆盖声明的全部输出。
type Action func(ctx context.Context, inputs Values) (Values, error)

// ConsolePool 串行执行需要终端或特权的任务
const ConsolePool = "console"

type Task struct {
	// Rule 是任务种类，如 "fetch"、"merge"
	Rule string
	// Name 唯一，仅用于展示和排序，默认取第一个输出
	Name string
	// Params 参与身份计算。不应包含镜像站列表这类不影响结果的参数
	Params map[string]string

	// Inputs 可以是其它任务的输出名，也可以是磁盘上的源文件
	Inputs []string
	// OrderOnly 只决定先后顺序，不参与输入摘要
	OrderOnly []string
	// Outputs 是任务发布的引用名
	Outputs []string

	// Restat 重新执行但输出不变时，下游保持干净
	Restat bool
	// Always 从不认为是最新的
	Always bool
	// Pool 为空表示不受额外限制
	Pool string

	Action Action
}

// Key 是任务身份：只由规则、参数和声明的输出决定
func (t *Task) Key() string {
	h := sha256.New()
	fmt.Fprintf(h, "rule\x00%s\n", t.Rule)

	keys := make([]string, 0, len(t.Params))
	for k := range t.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "param\x00%s\x00%s\n", k, t.Params[k])
	}

	outs := append([]string(nil), t.Outputs...)
	sort.Strings(outs)
	for _, o := range outs {
		fmt.Fprintf(h, "output\x00%s\n", o)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// absentMarker 代表不存在的源文件，与任何真实文件内容的摘要都不同
const absentMarker = "absent"

// inputDigest 按声明顺序覆盖全部数据输入
func inputDigest(names []string, values Values) string {
	h := sha256.New()
	for _, name := range names {
		v := string(values[name])
		if v == "" {
			v = absentMarker
		}
		fmt.Fprintf(h, "%s\x00%s\n", name, v)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (t *Task) validate() error {
	if t.Rule == "" {
		return fmt.Errorf("%w: empty rule", ErrInvalidTask)
	}
	if len(t.Outputs) == 0 {
		return fmt.Errorf("%w: %s has no outputs", ErrInvalidTask, t.Rule)
	}
	if t.Action == nil {
		return fmt.Errorf("%w: %s has no action", ErrInvalidTask, t.Rule)
	}
	seen := make(map[string]bool, len(t.Outputs))
	for _, o := range t.Outputs {
		if o == "" || seen[o] {
			return fmt.Errorf("%w: %s declares output %q twice or empty", ErrInvalidTask, t.Rule, o)
		}
		seen[o] = true
	}
	return nil
}
