package graph

import (
	"container/heap"
	"fmt"
	"sort"
	"strings"
)

// Graph 是任务 DAG。边的含义是 "A 的输出是 B 的输入 (或顺序前置)"。
// 不是并发安全的：先在一个 goroutine 里注册完，再交给 Engine。
type Graph struct {
	tasks     map[string]*Task
	producers map[string]*Task // output -> task
	phonies   map[string][]string
}

func New() *Graph {
	return &Graph{
		tasks:     make(map[string]*Task),
		producers: make(map[string]*Task),
		phonies:   make(map[string][]string),
	}
}

// Register 添加任务。同一个输出只能有一个生产者
func (g *Graph) Register(t *Task) error {
	if err := t.validate(); err != nil {
		return err
	}
	if t.Name == "" {
		t.Name = t.Outputs[0]
	}
	if _, ok := g.tasks[t.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, t.Name)
	}
	for _, o := range t.Outputs {
		if p, ok := g.producers[o]; ok {
			return fmt.Errorf("%w: %s is produced by both %s and %s", ErrDuplicateOutput, o, p.Name, t.Name)
		}
		if _, ok := g.phonies[o]; ok {
			return fmt.Errorf("%w: %s is already a phony target", ErrDuplicateOutput, o)
		}
	}

	g.tasks[t.Name] = t
	for _, o := range t.Outputs {
		g.producers[o] = t
	}
	return nil
}

// Phony 声明一个别名目标，构建它等于构建它的全部输入
func (g *Graph) Phony(name string, inputs ...string) error {
	if name == "" {
		return fmt.Errorf("%w: empty phony name", ErrInvalidTask)
	}
	if _, ok := g.phonies[name]; ok {
		return fmt.Errorf("%w: phony %s declared twice", ErrDuplicateOutput, name)
	}
	if p, ok := g.producers[name]; ok {
		return fmt.Errorf("%w: %s is already produced by %s", ErrDuplicateOutput, name, p.Name)
	}
	g.phonies[name] = append([]string(nil), inputs...)
	return nil
}

// Producer 返回生产该输出的任务
func (g *Graph) Producer(output string) (*Task, bool) {
	t, ok := g.producers[output]
	return t, ok
}

func (g *Graph) Task(name string) (*Task, bool) {
	t, ok := g.tasks[name]
	return t, ok
}

// Tasks 返回全部任务，按名字排序
func (g *Graph) Tasks() []*Task {
	out := make([]*Task, 0, len(g.tasks))
	for _, t := range g.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Phonies 返回全部别名目标，按名字排序
func (g *Graph) Phonies() []string {
	out := make([]string, 0, len(g.phonies))
	for name := range g.phonies {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (g *Graph) PhonyInputs(name string) ([]string, bool) {
	in, ok := g.phonies[name]
	return in, ok
}

// Deps 返回任务直接依赖的任务 (数据输入和顺序前置)，按名字排序且去重。
// 没有生产者的数据输入是源文件，不产生边。
func (g *Graph) Deps(t *Task) ([]*Task, error) {
	seen := make(map[string]*Task)
	for _, in := range t.Inputs {
		if _, ok := g.phonies[in]; ok {
			return nil, fmt.Errorf("%w: %s uses phony %s as a data input", ErrInvalidTask, t.Name, in)
		}
		if p, ok := g.producers[in]; ok {
			seen[p.Name] = p
		}
	}
	for _, in := range t.OrderOnly {
		ps, err := g.expand(in, nil)
		if err != nil {
			return nil, fmt.Errorf("%s: order-only %w", t.Name, err)
		}
		for _, p := range ps {
			seen[p.Name] = p
		}
	}
	return sortedTasks(seen), nil
}

// expand 把目标名解析成任务：输出名、任务名或别名 (递归展开)
func (g *Graph) expand(name string, visiting map[string]bool) ([]*Task, error) {
	if p, ok := g.producers[name]; ok {
		return []*Task{p}, nil
	}
	if t, ok := g.tasks[name]; ok {
		return []*Task{t}, nil
	}
	inputs, ok := g.phonies[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, name)
	}

	if visiting == nil {
		visiting = make(map[string]bool)
	}
	if visiting[name] {
		return nil, fmt.Errorf("%w: phony %s includes itself", ErrCycle, name)
	}
	visiting[name] = true
	defer delete(visiting, name)

	var out []*Task
	for _, in := range inputs {
		ps, err := g.expand(in, visiting)
		if err != nil {
			return nil, err
		}
		out = append(out, ps...)
	}
	return out, nil
}

// Validate 检查所有边都能解析，并用 Kahn 算法证明无环。
// 有环时返回一个确定的环路作为证据。
func (g *Graph) Validate() error {
	for _, name := range g.Phonies() {
		if _, err := g.expand(name, nil); err != nil {
			return err
		}
	}
	_, err := g.order(g.Tasks())
	return err
}

// Closure 返回构建这些目标所需的全部任务，按确定的拓扑序排列
func (g *Graph) Closure(targets ...string) ([]*Task, error) {
	selected := make(map[string]*Task)
	var visit func(t *Task) error
	visit = func(t *Task) error {
		if _, ok := selected[t.Name]; ok {
			return nil
		}
		selected[t.Name] = t
		deps, err := g.Deps(t)
		if err != nil {
			return err
		}
		for _, d := range deps {
			if err := visit(d); err != nil {
				return err
			}
		}
		return nil
	}

	for _, target := range targets {
		ts, err := g.expand(target, nil)
		if err != nil {
			return nil, err
		}
		for _, t := range ts {
			if err := visit(t); err != nil {
				return nil, err
			}
		}
	}
	return g.order(sortedTasks(selected))
}

// order 对任务子集做 Kahn 拓扑排序。就绪队列按名字排序，保证结果确定
func (g *Graph) order(tasks []*Task) ([]*Task, error) {
	index := make(map[string]int, len(tasks))
	for i, t := range tasks {
		index[t.Name] = i
	}

	indeg := make([]int, len(tasks))
	outgoing := make([][]int, len(tasks))
	for i, t := range tasks {
		deps, err := g.Deps(t)
		if err != nil {
			return nil, err
		}
		for _, d := range deps {
			j, ok := index[d.Name]
			if !ok {
				continue
			}
			outgoing[j] = append(outgoing[j], i)
			indeg[i]++
		}
	}

	ready := &intMinHeap{}
	for i := range indeg {
		if indeg[i] == 0 {
			heap.Push(ready, i)
		}
	}
	out := make([]*Task, 0, len(tasks))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		out = append(out, tasks[n])
		for _, m := range outgoing[n] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	if len(out) == len(tasks) {
		return out, nil
	}

	cycle := findCycle(tasks, outgoing, indeg)
	return nil, fmt.Errorf("%w: %s", ErrCycle, strings.Join(cycle, " -> "))
}

// findCycle 只在 Kahn 剩下的节点上做 DFS，返回一个稳定的环路
func findCycle(tasks []*Task, outgoing [][]int, indeg []int) []string {
	const (
		white = iota
		gray
		black
	)
	color := make([]int, len(tasks))
	parent := make([]int, len(tasks))
	for i := range parent {
		parent[i] = -1
	}

	var cycle []int
	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		for _, v := range outgoing[u] {
			if indeg[v] == 0 {
				continue
			}
			switch color[v] {
			case white:
				parent[v] = u
				if dfs(v) {
					return true
				}
			case gray:
				// 回边 u -> v，还原 v ... u -> v
				cycle = append(cycle, v)
				for cur := u; cur != -1 && cur != v; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				cycle = append(cycle, v)
				return true
			}
		}
		color[u] = black
		return false
	}

	for i := range tasks {
		if indeg[i] == 0 || color[i] != white {
			continue
		}
		if dfs(i) {
			break
		}
	}

	// cycle 是逆序收集的：v, u, parent(u), ..., v
	names := make([]string, 0, len(cycle))
	for i := len(cycle) - 1; i >= 0; i-- {
		names = append(names, tasks[cycle[i]].Name)
	}
	return names
}

func sortedTasks(m map[string]*Task) []*Task {
	out := make([]*Task, 0, len(m))
	for _, t := range m {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
