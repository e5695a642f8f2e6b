package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder 收集一次构建的指标。
// dv 是一次性进程，没有 /metrics 端点，构建结束时写成 node_exporter 的 textfile。
// 所有方法对 nil Recorder 安全，不需要指标的调用方直接传 nil。
type Recorder struct {
	registry *prometheus.Registry

	tasks         *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	fetchAttempts *prometheus.CounterVec
	fetchBytes    prometheus.Counter
}

func NewRecorder() *Recorder {
	tasks := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "debvault_tasks_total",
			Help: "Build graph tasks by rule and final state (clean, built, failed, skipped)",
		}, []string{"rule", "state"})

	taskDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "debvault_task_duration_seconds",
			Help:    "Wall time of executed task actions",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"rule"})

	fetchAttempts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "debvault_fetch_attempts_total",
			Help: "Package download attempts by result (ok, integrity, error)",
		}, []string{"result"})

	fetchBytes := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "debvault_fetch_bytes_total",
			Help: "Verified package bytes downloaded",
		})

	registry := prometheus.NewRegistry()
	registry.MustRegister(tasks, taskDuration, fetchAttempts, fetchBytes)

	return &Recorder{
		registry:      registry,
		tasks:         tasks,
		taskDuration:  taskDuration,
		fetchAttempts: fetchAttempts,
		fetchBytes:    fetchBytes,
	}
}

func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// TaskFinished 记录一个任务的最终状态。d 为 0 表示没有执行 action
func (r *Recorder) TaskFinished(rule, state string, d time.Duration) {
	if r == nil {
		return
	}
	r.tasks.WithLabelValues(rule, state).Inc()
	if d > 0 {
		r.taskDuration.WithLabelValues(rule).Observe(d.Seconds())
	}
}

func (r *Recorder) FetchAttempt(result string, bytes int64) {
	if r == nil {
		return
	}
	r.fetchAttempts.WithLabelValues(result).Inc()
	if result == "ok" && bytes > 0 {
		r.fetchBytes.Add(float64(bytes))
	}
}

// WriteTextfile 原子地写出全部指标
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}
