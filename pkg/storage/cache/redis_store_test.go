package cache

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"debvault/pkg/core"
	"debvault/pkg/storage"
	"debvault/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// SpyStore 统计底层方法被调用的次数，验证请求是否穿透了缓存
type SpyStore struct {
	hasCount int32
	putCount int32

	mu      sync.Mutex
	objects map[types.Hash][]byte
}

func NewSpyStore() *SpyStore {
	return &SpyStore{objects: make(map[types.Hash][]byte)}
}

func (s *SpyStore) Has(ctx context.Context, hash types.Hash) (bool, error) {
	atomic.AddInt32(&s.hasCount, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[hash]
	return ok, nil
}

func (s *SpyStore) Put(ctx context.Context, obj core.Object) error {
	atomic.AddInt32(&s.putCount, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[obj.ID()] = obj.Bytes()
	return nil
}

func (s *SpyStore) Get(ctx context.Context, hash types.Hash) (io.ReadCloser, error) {
	return nil, storage.ErrNotFound
}

func (s *SpyStore) ExpandHash(ctx context.Context, short types.HashPrefix) (types.Hash, error) {
	return "", storage.ErrNotFound
}

func TestCacheKey(t *testing.T) {
	s := &CachedStore{}
	assert.Equal(t, "dv:obj:abc", s.cacheKey("abc"))
}

func TestNewCachedStore_BadURL(t *testing.T) {
	_, err := NewCachedStore(NewSpyStore(), Config{RedisURL: "://nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid redis url")
}

func TestCachedStore_Integration(t *testing.T) {
	redisAddr := "localhost:6379"
	conn, err := net.DialTimeout("tcp", redisAddr, 1*time.Second)
	if err != nil {
		t.Skipf("Skipping Redis integration test: %v", err)
	}
	conn.Close()

	ctx := context.Background()
	spy := NewSpyStore()
	cachedStore, err := NewCachedStore(spy, Config{
		RedisURL: fmt.Sprintf("redis://%s/0", redisAddr),
		TTL:      time.Hour,
		Logger:   zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	defer cachedStore.Close()

	obj := core.NewBlob([]byte("cache-test " + t.Name() + time.Now().String()))
	cachedStore.client.Del(ctx, cachedStore.cacheKey(obj.ID()))

	// 1. Cache Miss
	exists, err := cachedStore.Has(ctx, obj.ID())
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, int32(1), atomic.LoadInt32(&spy.hasCount), "Backend Has() should be called on miss")

	// 2. Put (内部先 Has 一次，再写后端)
	require.NoError(t, cachedStore.Put(ctx, obj))
	assert.Equal(t, int32(1), atomic.LoadInt32(&spy.putCount))
	assert.Equal(t, int32(2), atomic.LoadInt32(&spy.hasCount))

	n, err := cachedStore.client.Exists(ctx, cachedStore.cacheKey(obj.ID())).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "Redis key should be set after Put")

	// 3. Cache Hit：后端不再被访问
	exists, err = cachedStore.Has(ctx, obj.ID())
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, int32(2), atomic.LoadInt32(&spy.hasCount), "Backend Has() should NOT be called on hit")
}
