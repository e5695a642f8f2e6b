package refs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"debvault/pkg/meta"
	"debvault/pkg/types"

	"github.com/gobwas/glob"
)

var (
	ErrNotFound = meta.ErrRefNotFound
	ErrStale    = errors.New("ref changed since it was read")
)

// 覆盖写时 CAS 冲突的最大重试次数
const maxSetAttempts = 5

// Manager 负责具名引用: <namespace>/<key>/<facet> -> ContentRef
type Manager struct {
	repo *meta.Repository
}

func NewManager(repo *meta.Repository) *Manager {
	return &Manager{repo: repo}
}

// Get 返回引用当前指向的 Hash 和版本号
func (m *Manager) Get(ctx context.Context, name string) (types.Hash, int64, error) {
	ref, err := m.repo.GetRef(ctx, name)
	if err != nil {
		return "", 0, err
	}
	return types.Hash(ref.Hash), ref.Version, nil
}

// Resolve 只关心 Hash
func (m *Manager) Resolve(ctx context.Context, name string) (types.Hash, error) {
	h, _, err := m.Get(ctx, name)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", name, err)
	}
	return h, nil
}

// Update 基于 oldVersion 做 CAS 更新
func (m *Manager) Update(ctx context.Context, name string, hash types.Hash, oldVersion int64) error {
	if err := Validate(name); err != nil {
		return err
	}
	err := m.repo.UpdateRef(ctx, name, hash, oldVersion)
	if errors.Is(err, meta.ErrConcurrentUpdate) {
		return fmt.Errorf("%w: %s", ErrStale, name)
	}
	return err
}

// Set 覆盖写：内容相同则什么都不做，版本号也不动。
// 返回值表示引用是否真的发生了变化。
func (m *Manager) Set(ctx context.Context, name string, hash types.Hash) (bool, error) {
	if !hash.IsValid() {
		return false, fmt.Errorf("refusing to point %s at invalid hash %q", name, hash)
	}

	for attempt := 0; attempt < maxSetAttempts; attempt++ {
		current, version, err := m.Get(ctx, name)
		switch {
		case errors.Is(err, meta.ErrRefNotFound):
			version = 0
		case err != nil:
			return false, err
		case current == hash:
			return false, nil
		}

		err = m.Update(ctx, name, hash, version)
		if errors.Is(err, ErrStale) {
			continue
		}
		if err != nil {
			return false, err
		}
		return true, nil
	}
	return false, fmt.Errorf("%w: gave up after %d attempts on %s", ErrStale, maxSetAttempts, name)
}

// List 列出匹配 glob 的引用 ('/' 为分隔符，"**" 跨层匹配)。空 pattern 返回全部。
func (m *Manager) List(ctx context.Context, pattern string) ([]meta.Ref, error) {
	if pattern == "" {
		return m.repo.ListRefs(ctx, "")
	}

	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, fmt.Errorf("invalid ref pattern %q: %w", pattern, err)
	}

	// 先用字面前缀缩小数据库查询范围
	candidates, err := m.repo.ListRefs(ctx, literalPrefix(pattern))
	if err != nil {
		return nil, err
	}

	out := candidates[:0]
	for _, r := range candidates {
		if g.Match(r.Name) {
			out = append(out, r)
		}
	}
	return out, nil
}

func literalPrefix(pattern string) string {
	if i := strings.IndexAny(pattern, `*?[{\`); i >= 0 {
		return pattern[:i]
	}
	return pattern
}
