package graph

import (
	"context"
	"sync"
	"time"

	"debvault/pkg/meta"
	"debvault/pkg/types"
)

// Record 是任务上一次成功执行的结果
type Record struct {
	Key         string
	Rule        string
	Name        string
	InputDigest string
	Inputs      Values
	Outputs     Values
	Duration    time.Duration
}

// Cache 持久化任务记录。Load 未命中时返回 (nil, nil)
type Cache interface {
	Load(ctx context.Context, key string) (*Record, error)
	Save(ctx context.Context, rec *Record) error
}

// LedgerCache 把记录存进元数据库的 task_records 表
type LedgerCache struct {
	repo *meta.Repository
}

func NewLedgerCache(repo *meta.Repository) *LedgerCache {
	return &LedgerCache{repo: repo}
}

func (c *LedgerCache) Load(ctx context.Context, key string) (*Record, error) {
	row, err := c.repo.GetTaskRecord(ctx, key)
	if err != nil || row == nil {
		return nil, err
	}
	outputs, err := meta.DecodeHashes(row.Outputs)
	if err != nil {
		return nil, err
	}
	inputs, err := meta.DecodeHashes(row.Inputs)
	if err != nil {
		return nil, err
	}
	return &Record{
		Key:         row.TaskKey,
		Rule:        row.Rule,
		Name:        row.Name,
		InputDigest: row.InputDigest,
		Inputs:      inputs,
		Outputs:     outputs,
		Duration:    time.Duration(row.DurationMs) * time.Millisecond,
	}, nil
}

func (c *LedgerCache) Save(ctx context.Context, rec *Record) error {
	outputs, err := meta.EncodeHashes(map[string]types.Hash(rec.Outputs))
	if err != nil {
		return err
	}
	inputs, err := meta.EncodeHashes(map[string]types.Hash(rec.Inputs))
	if err != nil {
		return err
	}
	return c.repo.SaveTaskRecord(ctx, &meta.TaskRecord{
		TaskKey:     rec.Key,
		Rule:        rec.Rule,
		Name:        rec.Name,
		InputDigest: rec.InputDigest,
		Outputs:     outputs,
		Inputs:      inputs,
		DurationMs:  rec.Duration.Milliseconds(),
	})
}

// MemoryCache 只在进程内有效
type MemoryCache struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{records: make(map[string]Record)}
}

func (c *MemoryCache) Load(_ context.Context, key string) (*Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[key]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (c *MemoryCache) Save(_ context.Context, rec *Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[rec.Key] = *rec
	return nil
}
