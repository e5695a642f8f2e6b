package exporter

import (
	"context"
	"path"

	"debvault/pkg/core"
	"debvault/pkg/types"
)

type ChangeKind string

const (
	Added    ChangeKind = "A"
	Removed  ChangeKind = "D"
	Modified ChangeKind = "M"
)

type Change struct {
	Kind ChangeKind
	Path string
	Old  core.TreeEntry
	New  core.TreeEntry
}

// Diff 比较两棵树。哈希相同的子树直接跳过，不会展开。
// 整个目录新增或删除时只报告目录本身。
func (r *Reader) Diff(ctx context.Context, a, b types.Hash) ([]Change, error) {
	var changes []Change
	if err := r.diff(ctx, a, b, "", &changes); err != nil {
		return nil, err
	}
	return changes, nil
}

func (r *Reader) diff(ctx context.Context, a, b types.Hash, prefix string, out *[]Change) error {
	if a == b {
		return nil
	}
	ta, err := r.Tree(ctx, a)
	if err != nil {
		return err
	}
	tb, err := r.Tree(ctx, b)
	if err != nil {
		return err
	}

	// 两边都已排序，归并
	i, j := 0, 0
	for i < len(ta.Entries) || j < len(tb.Entries) {
		switch {
		case j >= len(tb.Entries) || (i < len(ta.Entries) && ta.Entries[i].Name < tb.Entries[j].Name):
			ea := ta.Entries[i]
			*out = append(*out, Change{Kind: Removed, Path: path.Join(prefix, ea.Name), Old: ea})
			i++
		case i >= len(ta.Entries) || tb.Entries[j].Name < ta.Entries[i].Name:
			eb := tb.Entries[j]
			*out = append(*out, Change{Kind: Added, Path: path.Join(prefix, eb.Name), New: eb})
			j++
		default:
			ea, eb := ta.Entries[i], tb.Entries[j]
			p := path.Join(prefix, ea.Name)
			if ea.IsDir() && eb.IsDir() {
				if ea.Mode != eb.Mode {
					*out = append(*out, Change{Kind: Modified, Path: p, Old: ea, New: eb})
				}
				if err := r.diff(ctx, ea.Cid.Hash, eb.Cid.Hash, p, out); err != nil {
					return err
				}
			} else if ea != eb {
				*out = append(*out, Change{Kind: Modified, Path: p, Old: ea, New: eb})
			}
			i++
			j++
		}
	}
	return nil
}
