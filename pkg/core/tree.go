package core

import (
	"fmt"
	"sort"
	"strings"

	"debvault/pkg/types"
)

type EntryKind string

const (
	EntryFile    EntryKind = "file"
	EntryDir     EntryKind = "dir"
	EntrySymlink EntryKind = "symlink"
)

// 规范化后允许保留的权限位 (含 setuid/setgid/sticky)
const PermMask = 0o7777

const (
	DefaultDirMode     = 0o755
	DefaultFileMode    = 0o644
	DefaultSymlinkMode = 0o777
)

// TreeEntry 只记录影响镜像内容的属性。
// 时间戳、属主 (固定 root:root)、扩展属性都不进入哈希。
type TreeEntry struct {
	Name string    `cbor:"n"`
	Kind EntryKind `cbor:"k"`
	Mode uint32    `cbor:"m"`
	Cid  Link      `cbor:"h"` // file/symlink -> Blob, dir -> Tree
	Size int64     `cbor:"s"`
}

func (e TreeEntry) IsDir() bool { return e.Kind == EntryDir }

type Tree struct {
	hash     types.Hash `cbor:"-"`
	rawBytes []byte     `cbor:"-"`

	TypeVal ObjectType  `cbor:"t"`
	Entries []TreeEntry `cbor:"e"`
}

// NewTree 创建目录节点。条目会被复制并按名字排序，
// 所以调用方传入的顺序不影响最终 Hash。
func NewTree(entries []TreeEntry) (*Tree, error) {
	sorted := make([]TreeEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	for i := range sorted {
		e := &sorted[i]
		if err := validateName(e.Name); err != nil {
			return nil, err
		}
		if i > 0 && sorted[i-1].Name == e.Name {
			return nil, fmt.Errorf("duplicate tree entry %q", e.Name)
		}
		switch e.Kind {
		case EntryFile, EntrySymlink:
		case EntryDir:
			e.Size = 0
		default:
			return nil, fmt.Errorf("entry %q: unsupported kind %q", e.Name, e.Kind)
		}
		if !e.Cid.Hash.IsValid() {
			return nil, fmt.Errorf("entry %q: invalid child hash %q", e.Name, e.Cid.Hash)
		}
		e.Mode &= PermMask
	}

	t := &Tree{
		TypeVal: TypeTree,
		Entries: sorted,
	}
	h, b, err := CalculateHash(t)
	if err != nil {
		return nil, err
	}
	t.hash = h
	t.rawBytes = b
	return t, nil
}

// EmptyTree 返回空目录。它的 Hash 是一个常量。
func EmptyTree() *Tree {
	t, err := NewTree(nil)
	if err != nil {
		panic(err) // 空树不可能失败
	}
	return t
}

// DecodeTree 从存储字节恢复 Tree，并校验类型
func DecodeTree(data []byte) (*Tree, error) {
	var t Tree
	if err := DecodeObject(data, &t); err != nil {
		return nil, fmt.Errorf("failed to decode tree: %w", err)
	}
	if t.TypeVal != TypeTree {
		return nil, fmt.Errorf("object is not a tree, got: %q", t.TypeVal)
	}
	if t.Entries == nil {
		t.Entries = []TreeEntry{}
	}
	t.hash = CalculateBlobHash(data)
	t.rawBytes = data
	return &t, nil
}

// Lookup 按名字查找条目 (Entries 已排序)
func (t *Tree) Lookup(name string) (TreeEntry, bool) {
	i := sort.Search(len(t.Entries), func(i int) bool { return t.Entries[i].Name >= name })
	if i < len(t.Entries) && t.Entries[i].Name == name {
		return t.Entries[i], true
	}
	return TreeEntry{}, false
}

// NewTreeEntryFromObject 根据子对象类型生成条目
func NewTreeEntryFromObject(name string, child Object, mode uint32) (TreeEntry, error) {
	var kind EntryKind
	var size int64

	switch n := child.(type) {
	case *Blob:
		kind = EntryFile
		size = n.Size()
	case *Tree:
		kind = EntryDir
	default:
		return TreeEntry{}, fmt.Errorf("unsupported object type: %s", child.Type())
	}

	return TreeEntry{
		Name: name,
		Kind: kind,
		Mode: mode,
		Cid:  NewLink(child.ID()),
		Size: size,
	}, nil
}

// NewSymlinkEntry 符号链接的目标以 Blob 形式保存
func NewSymlinkEntry(name string, target *Blob) TreeEntry {
	return TreeEntry{
		Name: name,
		Kind: EntrySymlink,
		Mode: DefaultSymlinkMode,
		Cid:  NewLink(target.ID()),
		Size: target.Size(),
	}
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, '/') || strings.ContainsRune(name, 0) {
		return fmt.Errorf("invalid tree entry name %q", name)
	}
	return nil
}

func (t *Tree) Type() ObjectType { return TypeTree }
func (t *Tree) ID() types.Hash   { return t.hash }
func (t *Tree) Bytes() []byte    { return t.rawBytes }
