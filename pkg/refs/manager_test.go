package refs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"

	"debvault/pkg/meta"
	"debvault/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func mockHash(input string) types.Hash {
	sum := sha256.Sum256([]byte(input))
	return types.Hash(hex.EncodeToString(sum[:]))
}

// setupTestEnv 搭建基于内存 SQLite 的测试环境
func setupTestEnv(t *testing.T) *Manager {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	metaDB := meta.NewWithConn(db)
	require.NoError(t, metaDB.AutoMigrate(meta.Models()...))
	return NewManager(meta.NewRepository(metaDB))
}

func TestRefFlow_Lifecycle(t *testing.T) {
	mgr := setupTestEnv(t)
	ctx := context.Background()
	name := Image("stable.lock", FacetUnpacked)

	// 1. 初始不存在
	_, err := mgr.Resolve(ctx, name)
	assert.ErrorIs(t, err, ErrNotFound)

	// 2. 首次写入
	changed, err := mgr.Set(ctx, name, mockHash("v1"))
	require.NoError(t, err)
	assert.True(t, changed)

	got, ver, err := mgr.Get(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, mockHash("v1"), got)
	assert.Equal(t, int64(1), ver)

	// 3. 相同内容：不变，版本号也不动
	changed, err = mgr.Set(ctx, name, mockHash("v1"))
	require.NoError(t, err)
	assert.False(t, changed, "overwrite-if-changed")

	_, ver, err = mgr.Get(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ver)

	// 4. 不同内容
	changed, err = mgr.Set(ctx, name, mockHash("v2"))
	require.NoError(t, err)
	assert.True(t, changed)

	_, ver, err = mgr.Get(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, int64(2), ver)
}

func TestRefFlow_OptimisticLocking(t *testing.T) {
	mgr := setupTestEnv(t)
	ctx := context.Background()
	name := StoreConfig

	require.NoError(t, mgr.Update(ctx, name, mockHash("v1"), 0))
	_, ver, err := mgr.Get(ctx, name)
	require.NoError(t, err)

	// B 先用 ver 更新成功
	require.NoError(t, mgr.Update(ctx, name, mockHash("B"), ver))

	// A 拿着过期的 ver 更新
	err = mgr.Update(ctx, name, mockHash("A"), ver)
	assert.ErrorIs(t, err, ErrStale)

	current, err := mgr.Resolve(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, mockHash("B"), current)
}

func TestSet_RejectsInvalidHash(t *testing.T) {
	mgr := setupTestEnv(t)
	_, err := mgr.Set(context.Background(), StoreConfig, "nope")
	assert.Error(t, err)
}

func TestList_Glob(t *testing.T) {
	mgr := setupTestEnv(t)
	ctx := context.Background()

	for i, name := range []string{
		Pool("aa/bb/cc_bash.deb", FacetData),
		Pool("aa/bb/cc_bash.deb", FacetControl),
		Pool("dd/ee/ff_dash.deb", FacetData),
		Image("a.lock", FacetUnpacked),
	} {
		_, err := mgr.Set(ctx, name, mockHash(fmt.Sprint(i)))
		require.NoError(t, err)
	}

	data, err := mgr.List(ctx, "deb/pool/**/data")
	require.NoError(t, err)
	assert.Len(t, data, 2)

	images, err := mgr.List(ctx, "deb/images/*/unpacked")
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, "deb/images/a.lock/unpacked", images[0].Name)

	all, err := mgr.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestNames(t *testing.T) {
	assert.Equal(t, "deb/pool/aa/bb/cc_x.deb/data", Pool("aa/bb/cc_x.deb", FacetData))
	assert.Equal(t, "deb/images/configs_stable.lock/configured", Image(ImageName("./configs/stable.lock"), FacetConfigured))
	assert.Equal(t, "deb/dpkg-base/amd64", DpkgBase("amd64"))
	assert.Equal(t, "deb/lockfiles/stable.lock", Lockfile(ImageName("stable.lock")))

	assert.NoError(t, Validate("deb/pool/x/data"))
	for _, bad := range []string{"", "/abs", "trailing/", "a//b", "a/../b", "has space"} {
		assert.Error(t, Validate(bad), bad)
	}
}
