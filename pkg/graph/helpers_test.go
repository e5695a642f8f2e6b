package graph

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"debvault/pkg/core"
	"debvault/pkg/meta"
	"debvault/pkg/refs"
	"debvault/pkg/storage"
	"debvault/pkg/storage/disk"
)

type testEnv struct {
	t     *testing.T
	store storage.Store
	refs  *refs.Manager
	cache *LedgerCache
	dir   string
}

// newEnv 搭建真实的存储 + 内存 SQLite 账本
func newEnv(t *testing.T) *testEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// worker 并发写记录，内存库只能串行
	sqlDB.SetMaxOpenConns(1)

	metaDB := meta.NewWithConn(db)
	require.NoError(t, metaDB.AutoMigrate(meta.Models()...))
	repo := meta.NewRepository(metaDB)

	store, err := disk.NewAdapter(t.TempDir())
	require.NoError(t, err)

	return &testEnv{
		t:     t,
		store: store,
		refs:  refs.NewManager(repo),
		cache: NewLedgerCache(repo),
		dir:   t.TempDir(),
	}
}

func (e *testEnv) engine(g *Graph, jobs int) *Engine {
	return NewEngine(g, e.cache, e.refs, e.store, Options{
		Jobs:   jobs,
		Dir:    e.dir,
		Logger: zaptest.NewLogger(e.t),
	})
}

// counter 记录每个任务被执行的次数
type counter struct {
	n map[string]*atomic.Int32
}

func newCounter() *counter { return &counter{n: map[string]*atomic.Int32{}} }

func (c *counter) get(name string) int {
	if v, ok := c.n[name]; ok {
		return int(v.Load())
	}
	return 0
}

// blobTask 的输出内容是 label 加上全部输入的 Hash。
// fixed 非空时输出恒为 fixed，用于模拟 "重跑但结果不变"。
func (e *testEnv) blobTask(c *counter, name string, inputs []string, fixed string) *Task {
	calls := &atomic.Int32{}
	c.n[name] = calls
	t := &Task{
		Rule:    "blob",
		Name:    name,
		Params:  map[string]string{"name": name},
		Inputs:  inputs,
		Outputs: []string{"test/" + name},
	}
	// 调用时再读 Outputs，测试可以在注册前改名
	t.Action = func(ctx context.Context, in Values) (Values, error) {
		calls.Add(1)
		content := fixed
		if content == "" {
			parts := []string{name}
			keys := make([]string, 0, len(in))
			for k := range in {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				parts = append(parts, k+"="+string(in[k]))
			}
			content = strings.Join(parts, "\n")
		}
		blob := core.NewBlob([]byte(content))
		if err := e.store.Put(ctx, blob); err != nil {
			return nil, err
		}
		return Values{t.Outputs[0]: blob.ID()}, nil
	}
	return t
}

func mustRegister(t *testing.T, g *Graph, tasks ...*Task) {
	t.Helper()
	for _, task := range tasks {
		require.NoError(t, g.Register(task))
	}
}
