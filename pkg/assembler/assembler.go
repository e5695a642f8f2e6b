// Package assembler 把多棵文件树合并成一棵镜像树
package assembler

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"debvault/pkg/core"
	"debvault/pkg/exporter"
	"debvault/pkg/storage"
	"debvault/pkg/types"
)

// MergeConflictError 列出所有无法合并的路径 (已排序)
type MergeConflictError struct {
	Paths []string
}

func (e *MergeConflictError) Error() string {
	const show = 10
	if len(e.Paths) <= show {
		return fmt.Sprintf("merge conflict on %d paths: %s", len(e.Paths), strings.Join(e.Paths, ", "))
	}
	return fmt.Sprintf("merge conflict on %d paths: %s, ...", len(e.Paths), strings.Join(e.Paths[:show], ", "))
}

type Assembler struct {
	store  storage.Store
	reader *exporter.Reader
}

func New(store storage.Store) *Assembler {
	return &Assembler{store: store, reader: exporter.NewReader(store)}
}

// Combine 递归合并目录。两个输入在同一路径都给出非目录、目录对非目录、
// 或者两个目录权限不同，都算冲突。结果与输入顺序无关；空输入得到空树。
func (a *Assembler) Combine(ctx context.Context, refs []types.Hash) (types.Hash, error) {
	if len(refs) == 0 {
		empty := core.EmptyTree()
		if err := a.store.Put(ctx, empty); err != nil {
			return "", err
		}
		return empty.ID(), nil
	}
	if len(refs) == 1 {
		return refs[0], nil
	}

	var conflicts []string
	root, err := a.merge(ctx, "", refs, &conflicts)
	if err != nil {
		return "", err
	}
	if len(conflicts) > 0 {
		sort.Strings(conflicts)
		return "", &MergeConflictError{Paths: conflicts}
	}
	return root, nil
}

func (a *Assembler) merge(ctx context.Context, prefix string, hashes []types.Hash, conflicts *[]string) (types.Hash, error) {
	trees, err := a.load(ctx, hashes)
	if err != nil {
		return "", err
	}

	byName := make(map[string][]core.TreeEntry)
	for _, t := range trees {
		for _, e := range t.Entries {
			byName[e.Name] = append(byName[e.Name], e)
		}
	}
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make([]core.TreeEntry, 0, len(names))
	for _, name := range names {
		group := byName[name]
		p := path.Join(prefix, name)
		if len(group) == 1 {
			entries = append(entries, group[0])
			continue
		}

		dirs := 0
		for _, e := range group {
			if e.IsDir() {
				dirs++
			}
		}
		if dirs != len(group) {
			*conflicts = append(*conflicts, p)
			continue
		}

		mode := group[0].Mode
		sameMode := true
		children := make([]types.Hash, 0, len(group))
		for _, e := range group {
			sameMode = sameMode && e.Mode == mode
			children = append(children, e.Cid.Hash)
		}
		if !sameMode {
			*conflicts = append(*conflicts, p)
		}

		merged, err := a.merge(ctx, p, children, conflicts)
		if err != nil {
			return "", err
		}
		entries = append(entries, core.TreeEntry{
			Name: name,
			Kind: core.EntryDir,
			Mode: mode,
			Cid:  core.NewLink(merged),
		})
	}

	if len(*conflicts) > 0 {
		// 有冲突时结果不会被使用，不必写入
		return "", nil
	}
	tree, err := core.NewTree(entries)
	if err != nil {
		return "", fmt.Errorf("%s: %w", prefix, err)
	}
	if err := a.store.Put(ctx, tree); err != nil {
		return "", err
	}
	return tree.ID(), nil
}

// load 并发读取同一层的所有输入树
func (a *Assembler) load(ctx context.Context, hashes []types.Hash) ([]*core.Tree, error) {
	trees := make([]*core.Tree, len(hashes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, h := range hashes {
		g.Go(func() error {
			t, err := a.reader.Tree(gctx, h)
			if err != nil {
				return fmt.Errorf("failed to load tree %s: %w", h.Short(), err)
			}
			trees[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return trees, nil
}
