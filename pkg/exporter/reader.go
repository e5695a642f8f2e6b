package exporter

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"debvault/pkg/core"
	"debvault/pkg/storage"
	"debvault/pkg/types"
)

// ErrNoSuchPath 树中不存在请求的路径
var ErrNoSuchPath = errors.New("no such path in tree")

const defaultTreeCacheSize = 4096

// Reader 按路径读取存储里的树。
// 树对象不可变，解码结果可以放心缓存。
type Reader struct {
	store storage.Store
	trees *lru.Cache[types.Hash, *core.Tree]
}

func NewReader(store storage.Store) *Reader {
	cache, err := lru.New[types.Hash, *core.Tree](defaultTreeCacheSize)
	if err != nil {
		panic(err) // 只有 size <= 0 才会失败
	}
	return &Reader{store: store, trees: cache}
}

func (r *Reader) Store() storage.Store { return r.store }

// Tree 读取并解码一棵树 (带缓存)
func (r *Reader) Tree(ctx context.Context, hash types.Hash) (*core.Tree, error) {
	if t, ok := r.trees.Get(hash); ok {
		return t, nil
	}
	t, err := storage.ReadTree(ctx, r.store, hash)
	if err != nil {
		return nil, err
	}
	r.trees.Add(hash, t)
	return t, nil
}

func (r *Reader) Blob(ctx context.Context, hash types.Hash) ([]byte, error) {
	return storage.ReadAll(ctx, r.store, hash)
}

// Resolve 把 "var/lib/dpkg/status" 这样的相对路径解析成树条目。
// 空路径或 "." 返回根目录本身。
func (r *Reader) Resolve(ctx context.Context, root types.Hash, p string) (core.TreeEntry, error) {
	rootEntry := core.TreeEntry{Name: "", Kind: core.EntryDir, Mode: core.DefaultDirMode, Cid: core.NewLink(root)}

	clean := strings.Trim(path.Clean("/"+p), "/")
	if clean == "" {
		return rootEntry, nil
	}

	current := rootEntry
	for _, part := range strings.Split(clean, "/") {
		if !current.IsDir() {
			return core.TreeEntry{}, fmt.Errorf("%s: %w", p, ErrNoSuchPath)
		}
		t, err := r.Tree(ctx, current.Cid.Hash)
		if err != nil {
			return core.TreeEntry{}, err
		}
		next, ok := t.Lookup(part)
		if !ok {
			return core.TreeEntry{}, fmt.Errorf("%s: %w", p, ErrNoSuchPath)
		}
		current = next
	}
	return current, nil
}

// ReadFile 读取树中一个普通文件的内容
func (r *Reader) ReadFile(ctx context.Context, root types.Hash, p string) ([]byte, error) {
	e, err := r.Resolve(ctx, root, p)
	if err != nil {
		return nil, err
	}
	if e.Kind != core.EntryFile {
		return nil, fmt.Errorf("%s: is a %s, not a file", p, e.Kind)
	}
	return r.Blob(ctx, e.Cid.Hash)
}

// WalkFunc 的 p 是相对根目录的路径，不带前导 "/"
type WalkFunc func(p string, e core.TreeEntry) error

// ErrSkipDir 由 WalkFunc 返回时跳过当前目录的子项
var ErrSkipDir = errors.New("skip this directory")

// Walk 深度优先先序遍历，同一目录内按名字排序
func (r *Reader) Walk(ctx context.Context, root types.Hash, fn WalkFunc) error {
	return r.walk(ctx, root, "", fn)
}

func (r *Reader) walk(ctx context.Context, hash types.Hash, prefix string, fn WalkFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t, err := r.Tree(ctx, hash)
	if err != nil {
		return err
	}
	for _, e := range t.Entries {
		p := path.Join(prefix, e.Name)
		if err := fn(p, e); err != nil {
			if errors.Is(err, ErrSkipDir) && e.IsDir() {
				continue
			}
			return err
		}
		if e.IsDir() {
			if err := r.walk(ctx, e.Cid.Hash, p, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// ListPaths 返回树里所有路径 (以 "/" 开头)，根目录记为 "/."。
// 顺序与 Walk 一致，即 dpkg .list 文件的顺序。
func (r *Reader) ListPaths(ctx context.Context, root types.Hash) ([]string, error) {
	paths := []string{"/."}
	err := r.Walk(ctx, root, func(p string, _ core.TreeEntry) error {
		paths = append(paths, "/"+p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}
