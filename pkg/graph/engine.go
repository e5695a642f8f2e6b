package graph

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"debvault/pkg/metrics"
	"debvault/pkg/refs"
	"debvault/pkg/types"
)

// RefStore 发布任务输出。refs.Manager 满足该接口
type RefStore interface {
	Resolve(ctx context.Context, name string) (types.Hash, error)
	Set(ctx context.Context, name string, hash types.Hash) (bool, error)
}

// ObjectChecker 用于确认记录里的对象仍在存储中
type ObjectChecker interface {
	Has(ctx context.Context, hash types.Hash) (bool, error)
}

type Options struct {
	// Jobs 同时执行的 action 上限，<= 0 时取 CPU 数
	Jobs int
	// Pools 额外的资源池。console 池默认存在，大小为 1；大小 <= 0 表示不限
	Pools map[string]int
	// Dir 是相对路径源文件的基准目录
	Dir string

	Logger  *zap.Logger
	Metrics *metrics.Recorder
}

// Engine 执行 Graph：跳过记录命中的任务，只重建受影响的子图
type Engine struct {
	graph   *Graph
	cache   Cache
	refs    RefStore
	objects ObjectChecker

	jobs    int
	pools   map[string]chan struct{}
	dir     string
	log     *zap.Logger
	metrics *metrics.Recorder
}

func NewEngine(g *Graph, cache Cache, refs RefStore, objects ObjectChecker, opts Options) *Engine {
	jobs := opts.Jobs
	if jobs <= 0 {
		jobs = runtime.NumCPU()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	sizes := map[string]int{ConsolePool: 1}
	for name, size := range opts.Pools {
		sizes[name] = size
	}
	pools := make(map[string]chan struct{}, len(sizes))
	for name, size := range sizes {
		// 大小 <= 0 的池不限并发，但仍然算已声明
		var sem chan struct{}
		if size > 0 {
			sem = make(chan struct{}, size)
		}
		pools[name] = sem
	}

	return &Engine{
		graph:   g,
		cache:   cache,
		refs:    refs,
		objects: objects,
		jobs:    jobs,
		pools:   pools,
		dir:     opts.Dir,
		log:     log.Named("graph"),
		metrics: opts.Metrics,
	}
}

// Build 构建目标及其全部依赖。
// 失败的任务只会让它的下游被跳过，其余子图照常执行，已写入的记录保持有效。
// 返回的 error 由每个失败任务的 *TaskError 组成 (errors.Join)。
func (e *Engine) Build(ctx context.Context, targets ...string) (*Report, error) {
	if err := e.graph.Validate(); err != nil {
		return nil, err
	}
	tasks, err := e.graph.Closure(targets...)
	if err != nil {
		return nil, err
	}

	report := &Report{
		RunID:   uuid.NewString(),
		Results: make(map[string]*TaskResult, len(tasks)),
	}
	log := e.log.With(zap.String("run", report.RunID))

	byName := make(map[string]*Task, len(tasks))
	remaining := make(map[string]int, len(tasks))
	dependents := make(map[string][]string)
	var ready []string

	for _, t := range tasks {
		if t.Pool != "" {
			if _, ok := e.pools[t.Pool]; !ok {
				return nil, fmt.Errorf("%w: %s uses undeclared pool %q", ErrInvalidTask, t.Name, t.Pool)
			}
		}
		deps, err := e.graph.Deps(t)
		if err != nil {
			return nil, err
		}
		byName[t.Name] = t
		remaining[t.Name] = len(deps)
		for _, d := range deps {
			dependents[d.Name] = append(dependents[d.Name], t.Name)
		}
		report.Results[t.Name] = &TaskResult{Name: t.Name, Rule: t.Rule, State: StatePending}
		if len(deps) == 0 {
			ready = append(ready, t.Name)
		}
	}
	sort.Strings(ready)

	log.Info("build started", zap.Strings("targets", targets), zap.Int("tasks", len(tasks)), zap.Int("jobs", e.jobs))

	// 结果只由这个 goroutine 写入；worker 拿到的是派发时的上游快照
	done := make(chan *TaskResult, len(tasks))
	var eg errgroup.Group
	eg.SetLimit(e.jobs)

	var errs []error
	finished, running := 0, 0
	for finished < len(tasks) {
		for len(ready) > 0 && ctx.Err() == nil {
			t := byName[ready[0]]
			ready = ready[1:]
			upstream, forcedBy := e.upstream(t, report)
			running++
			eg.Go(func() error {
				done <- e.run(ctx, log, t, upstream, forcedBy)
				return nil
			})
		}
		if running == 0 {
			break
		}

		res := <-done
		running--
		finished++
		report.Results[res.Name] = res
		e.metrics.TaskFinished(res.Rule, string(res.State), res.Duration)

		if res.State == StateFailed {
			errs = append(errs, res.Err)
			finished += e.skipDependents(log, res.Name, dependents, report)
			continue
		}
		if res.State == StateBuilt {
			report.Executed = append(report.Executed, res.Name)
		}
		for _, name := range dependents[res.Name] {
			if report.Results[name].State != StatePending {
				continue
			}
			remaining[name]--
			if remaining[name] == 0 {
				ready = insertSorted(ready, name)
			}
		}
	}
	_ = eg.Wait()

	if err := ctx.Err(); err != nil {
		for _, res := range report.Results {
			if res.State == StatePending {
				res.State = StateSkipped
				res.Reason = "canceled"
				e.metrics.TaskFinished(res.Rule, string(res.State), 0)
			}
		}
		errs = append(errs, err)
	}

	log.Info("build finished",
		zap.Int("clean", report.Count(StateClean)),
		zap.Int("built", report.Count(StateBuilt)),
		zap.Int("failed", report.Count(StateFailed)),
		zap.Int("skipped", report.Count(StateSkipped)))

	return report, errors.Join(errs...)
}

// upstream 收集由其它任务产出的数据输入，以及第一个强制下游重建的生产者
func (e *Engine) upstream(t *Task, report *Report) (Values, string) {
	values := make(Values, len(t.Inputs))
	forcedBy := ""
	for _, in := range t.Inputs {
		p, ok := e.graph.Producer(in)
		if !ok {
			continue
		}
		res := report.Results[p.Name]
		values[in] = res.Outputs[in]
		if res.Forced && forcedBy == "" {
			forcedBy = p.Name
		}
	}
	return values, forcedBy
}

func (e *Engine) skipDependents(log *zap.Logger, failed string, dependents map[string][]string, report *Report) int {
	skipped := 0
	queue := append([]string(nil), dependents[failed]...)
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		res := report.Results[name]
		if res.State != StatePending {
			continue
		}
		res.State = StateSkipped
		res.Reason = "dependency " + failed + " failed"
		e.metrics.TaskFinished(res.Rule, string(res.State), 0)
		log.Warn("task skipped", zap.String("task", name), zap.String("failed", failed))
		skipped++
		queue = append(queue, dependents[name]...)
	}
	return skipped
}

func (e *Engine) run(ctx context.Context, log *zap.Logger, t *Task, upstream Values, forcedBy string) *TaskResult {
	res := &TaskResult{Name: t.Name, Rule: t.Rule}
	fail := func(err error) *TaskResult {
		res.State = StateFailed
		res.Err = &TaskError{Task: t.Name, Rule: t.Rule, Err: err}
		log.Error("task failed", zap.String("task", t.Name), zap.String("rule", t.Rule), zap.Error(err))
		return res
	}

	inputs := make(Values, len(t.Inputs))
	for _, in := range t.Inputs {
		if h, ok := upstream[in]; ok {
			inputs[in] = h
			continue
		}
		h, err := e.hashSource(in)
		if err != nil {
			return fail(err)
		}
		inputs[in] = h
	}
	digest := inputDigest(t.Inputs, inputs)
	key := t.Key()

	rec, err := e.cache.Load(ctx, key)
	if err != nil {
		return fail(fmt.Errorf("failed to load task record: %w", err))
	}
	reason, err := e.staleness(ctx, t, rec, digest, forcedBy)
	if err != nil {
		return fail(err)
	}
	if reason == "" {
		res.State = StateClean
		res.Outputs = rec.Outputs
		log.Debug("task clean", zap.String("task", t.Name))
		return res
	}
	res.Reason = reason

	if sem := e.pools[t.Pool]; sem != nil {
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
		case <-ctx.Done():
			return fail(ctx.Err())
		}
	}

	log.Info("running task", zap.String("task", t.Name), zap.String("rule", t.Rule), zap.String("reason", reason))
	start := time.Now()
	outputs, err := t.Action(ctx, inputs)
	res.Duration = time.Since(start)
	if err != nil {
		return fail(err)
	}
	if err := e.checkOutputs(ctx, t, outputs); err != nil {
		return fail(err)
	}

	// 先写记录，再发布引用。中途失败时下次会因引用不一致而重跑
	err = e.cache.Save(ctx, &Record{
		Key:         key,
		Rule:        t.Rule,
		Name:        t.Name,
		InputDigest: digest,
		Inputs:      inputs,
		Outputs:     outputs,
		Duration:    res.Duration,
	})
	if err != nil {
		return fail(fmt.Errorf("failed to save task record: %w", err))
	}
	for _, name := range sortedKeys(outputs) {
		if _, err := e.refs.Set(ctx, name, outputs[name]); err != nil {
			return fail(fmt.Errorf("failed to publish %s: %w", name, err))
		}
	}

	res.State = StateBuilt
	res.Outputs = outputs
	res.Changed = rec == nil || !equalValues(rec.Outputs, outputs)
	res.Forced = !t.Restat
	log.Info("task built",
		zap.String("task", t.Name),
		zap.Bool("changed", res.Changed),
		zap.Duration("took", res.Duration))
	return res
}

// staleness 返回任务需要执行的原因；空字符串表示记录仍然有效
func (e *Engine) staleness(ctx context.Context, t *Task, rec *Record, digest, forcedBy string) (string, error) {
	switch {
	case t.Always:
		return "always", nil
	case rec == nil:
		return "no record", nil
	case forcedBy != "":
		return "input producer " + forcedBy + " re-executed", nil
	case rec.InputDigest != digest:
		return "inputs changed", nil
	}

	outputs := append([]string(nil), t.Outputs...)
	sort.Strings(outputs)
	for _, name := range outputs {
		want, ok := rec.Outputs[name]
		if !ok {
			return "output " + name + " not recorded", nil
		}
		got, err := e.refs.Resolve(ctx, name)
		if errors.Is(err, refs.ErrNotFound) {
			return "ref " + name + " missing", nil
		}
		if err != nil {
			return "", err
		}
		if got != want {
			return "ref " + name + " moved", nil
		}
		has, err := e.objects.Has(ctx, want)
		if err != nil {
			return "", err
		}
		if !has {
			return "object " + want.Short() + " missing", nil
		}
	}
	return "", nil
}

// checkOutputs 输出必须和声明一一对应，且对象已经写入存储
func (e *Engine) checkOutputs(ctx context.Context, t *Task, outputs Values) error {
	if len(outputs) != len(t.Outputs) {
		return fmt.Errorf("action returned %d outputs, declared %d", len(outputs), len(t.Outputs))
	}
	for _, name := range t.Outputs {
		h, ok := outputs[name]
		if !ok {
			return fmt.Errorf("action did not produce %s", name)
		}
		if !h.IsValid() {
			return fmt.Errorf("action produced invalid hash %q for %s", h, name)
		}
		has, err := e.objects.Has(ctx, h)
		if err != nil {
			return err
		}
		if !has {
			return fmt.Errorf("%s: object %s was not stored", name, h.Short())
		}
	}
	return nil
}

// hashSource 计算源文件内容的摘要。文件不存在不是错误，返回空值
func (e *Engine) hashSource(p string) (types.Hash, error) {
	if !filepath.IsAbs(p) && e.dir != "" {
		p = filepath.Join(e.dir, p)
	}
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", p, err)
	}
	return types.Hash(hex.EncodeToString(h.Sum(nil))), nil
}

func equalValues(a, b Values) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func sortedKeys(v Values) []string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func insertSorted(s []string, name string) []string {
	i := sort.SearchStrings(s, name)
	s = append(s, "")
	copy(s[i+1:], s[i:])
	s[i] = name
	return s
}
