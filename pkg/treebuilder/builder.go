package treebuilder

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"debvault/pkg/core"
	"debvault/pkg/storage"
	"debvault/pkg/types"
)

// Builder 在内存里拼出一棵目录树，Write 时自底向上写入存储。
// 文件内容在 Add 时就写入存储，内存里只保留哈希。
type Builder struct {
	store storage.Store
	root  *node
}

func NewBuilder(store storage.Store) *Builder {
	return &Builder{
		store: store,
		root:  newDirNode(core.DefaultDirMode),
	}
}

type node struct {
	kind     core.EntryKind
	mode     uint32
	hash     types.Hash // file/symlink 的 Blob
	size     int64
	children map[string]*node // 仅目录
}

func newDirNode(mode uint32) *node {
	return &node{
		kind:     core.EntryDir,
		mode:     mode,
		children: make(map[string]*node),
	}
}

// cleanPath 把 "./usr/bin/" 规范为 "usr/bin"；根目录返回 ""
func cleanPath(p string) (string, error) {
	c := path.Clean("/" + p)
	if c == "/" {
		return "", nil
	}
	c = strings.TrimPrefix(c, "/")
	for _, part := range strings.Split(c, "/") {
		if part == ".." {
			return "", fmt.Errorf("path escapes root: %q", p)
		}
	}
	return c, nil
}

// parent 返回路径所在的目录节点，中间目录不存在时按默认权限创建
func (b *Builder) parent(p string) (*node, string, error) {
	parts := strings.Split(p, "/")
	current := b.root
	for i, part := range parts[:len(parts)-1] {
		child, ok := current.children[part]
		if !ok {
			child = newDirNode(core.DefaultDirMode)
			current.children[part] = child
		}
		if child.kind != core.EntryDir {
			return nil, "", fmt.Errorf("%s: not a directory", strings.Join(parts[:i+1], "/"))
		}
		current = child
	}
	return current, parts[len(parts)-1], nil
}

// AddDir 声明一个目录。已存在的目录只更新权限
func (b *Builder) AddDir(p string, mode uint32) error {
	cp, err := cleanPath(p)
	if err != nil {
		return err
	}
	if cp == "" {
		b.root.mode = mode & core.PermMask
		return nil
	}
	dir, name, err := b.parent(cp)
	if err != nil {
		return err
	}
	if existing, ok := dir.children[name]; ok {
		if existing.kind != core.EntryDir {
			return fmt.Errorf("%s: already exists as %s", cp, existing.kind)
		}
		existing.mode = mode & core.PermMask
		return nil
	}
	dir.children[name] = newDirNode(mode & core.PermMask)
	return nil
}

// AddFile 写入文件内容并登记到树中
func (b *Builder) AddFile(ctx context.Context, p string, data []byte, mode uint32) error {
	blob := core.NewBlob(data)
	if err := b.store.Put(ctx, blob); err != nil {
		return fmt.Errorf("failed to store %s: %w", p, err)
	}
	return b.addLeaf(p, &node{kind: core.EntryFile, mode: mode & core.PermMask, hash: blob.ID(), size: blob.Size()})
}

// AddBlob 登记一个已经在存储里的文件
func (b *Builder) AddBlob(p string, hash types.Hash, size int64, mode uint32) error {
	return b.addLeaf(p, &node{kind: core.EntryFile, mode: mode & core.PermMask, hash: hash, size: size})
}

func (b *Builder) AddSymlink(ctx context.Context, p, target string) error {
	blob := core.NewBlob([]byte(target))
	if err := b.store.Put(ctx, blob); err != nil {
		return fmt.Errorf("failed to store link %s: %w", p, err)
	}
	return b.addLeaf(p, &node{kind: core.EntrySymlink, mode: core.DefaultSymlinkMode, hash: blob.ID(), size: blob.Size()})
}

// Lookup 返回已登记的叶子 (用于解析 tar 硬链接)
func (b *Builder) Lookup(p string) (types.Hash, int64, uint32, bool) {
	cp, err := cleanPath(p)
	if err != nil || cp == "" {
		return "", 0, 0, false
	}
	current := b.root
	parts := strings.Split(cp, "/")
	for _, part := range parts {
		if current.kind != core.EntryDir {
			return "", 0, 0, false
		}
		next, ok := current.children[part]
		if !ok {
			return "", 0, 0, false
		}
		current = next
	}
	if current.kind != core.EntryFile {
		return "", 0, 0, false
	}
	return current.hash, current.size, current.mode, true
}

func (b *Builder) addLeaf(p string, leaf *node) error {
	cp, err := cleanPath(p)
	if err != nil {
		return err
	}
	if cp == "" {
		return fmt.Errorf("cannot replace root with a %s", leaf.kind)
	}
	dir, name, err := b.parent(cp)
	if err != nil {
		return err
	}
	if existing, ok := dir.children[name]; ok && existing.kind == core.EntryDir {
		return fmt.Errorf("%s: already exists as directory", cp)
	}
	// 同一归档内后出现的同名条目覆盖先出现的，和 tar 解包行为一致
	dir.children[name] = leaf
	return nil
}

// Write 自底向上写入所有目录节点，返回根树的 Hash。
// 树对象不记录自身权限，根目录的权限不进入 Hash
func (b *Builder) Write(ctx context.Context) (types.Hash, error) {
	return b.writeNode(ctx, b.root)
}

func (b *Builder) writeNode(ctx context.Context, n *node) (types.Hash, error) {
	if n.kind != core.EntryDir {
		return n.hash, nil
	}

	// 为了保证 Hash 的确定性，按名字排序处理
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make([]core.TreeEntry, 0, len(names))
	for _, name := range names {
		child := n.children[name]
		childHash, err := b.writeNode(ctx, child)
		if err != nil {
			return "", err
		}
		entries = append(entries, core.TreeEntry{
			Name: name,
			Kind: child.kind,
			Mode: child.mode,
			Cid:  core.NewLink(childHash),
			Size: child.size,
		})
	}

	treeObj, err := core.NewTree(entries)
	if err != nil {
		return "", fmt.Errorf("failed to create tree object: %w", err)
	}
	if err := b.store.Put(ctx, treeObj); err != nil {
		return "", fmt.Errorf("failed to store tree: %w", err)
	}
	return treeObj.ID(), nil
}
