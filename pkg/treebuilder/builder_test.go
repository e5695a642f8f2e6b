package treebuilder

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"debvault/pkg/core"
	"debvault/pkg/ignore"
	"debvault/pkg/storage"
	"debvault/pkg/storage/disk"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tarEntry struct {
	name     string
	typeflag byte
	mode     int64
	body     string
	link     string
	uid      int
	mtime    time.Time
}

func buildTar(t *testing.T, entries []tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{
			Name:     e.name,
			Typeflag: e.typeflag,
			Mode:     e.mode,
			Linkname: e.link,
			Uid:      e.uid,
			ModTime:  e.mtime,
			Size:     int64(len(e.body)),
		}
		if e.typeflag != tar.TypeReg {
			hdr.Size = 0
		}
		if e.mtime.IsZero() {
			hdr.ModTime = time.Unix(0, 0)
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if e.typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func newStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := disk.NewAdapter(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestBuilder_WriteStructure(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	// root
	//  ├── a.txt
	//  └── sub
	//       └── b.txt
	b := NewBuilder(store)
	require.NoError(t, b.AddFile(ctx, "a.txt", []byte("content-a"), 0644))
	require.NoError(t, b.AddFile(ctx, "./sub/b.txt", []byte("content-b"), 0600))

	rootHash, err := b.Write(ctx)
	require.NoError(t, err)

	root, err := storage.ReadTree(ctx, store, rootHash)
	require.NoError(t, err)
	require.Len(t, root.Entries, 2)

	a, ok := root.Lookup("a.txt")
	require.True(t, ok)
	assert.Equal(t, core.EntryFile, a.Kind)
	assert.Equal(t, int64(9), a.Size)

	sub, ok := root.Lookup("sub")
	require.True(t, ok)
	assert.Equal(t, uint32(core.DefaultDirMode), sub.Mode, "implicit dirs get the default mode")

	subTree, err := storage.ReadTree(ctx, store, sub.Cid.Hash)
	require.NoError(t, err)
	bEntry, ok := subTree.Lookup("b.txt")
	require.True(t, ok)
	assert.Equal(t, uint32(0600), bEntry.Mode)
}

func TestBuilder_Errors(t *testing.T) {
	ctx := context.Background()
	b := NewBuilder(newStore(t))

	require.NoError(t, b.AddFile(ctx, "etc", []byte("x"), 0644))
	assert.Error(t, b.AddFile(ctx, "etc/passwd", []byte("x"), 0644), "parent is a file")
	assert.Error(t, b.AddDir("etc", 0755), "file cannot become a dir")
	assert.Error(t, b.AddFile(ctx, "../escape", []byte("x"), 0644))
	assert.Error(t, b.AddFile(ctx, "/", []byte("x"), 0644))

	require.NoError(t, b.AddDir("usr", 0755))
	assert.Error(t, b.AddSymlink(ctx, "usr", "/x"), "dir cannot be replaced by a leaf")
}

func TestFromTar_NormalizesMetadata(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	t1 := time.Unix(1000, 0)
	t2 := time.Unix(2000000, 0)

	first := buildTar(t, []tarEntry{
		{name: "./", typeflag: tar.TypeDir, mode: 0755, mtime: t1},
		{name: "./usr/", typeflag: tar.TypeDir, mode: 0755, mtime: t1},
		{name: "./usr/bin/", typeflag: tar.TypeDir, mode: 0755, mtime: t1},
		{name: "./usr/bin/mawk", typeflag: tar.TypeReg, mode: 0755, body: "ELF", mtime: t1},
		{name: "./usr/bin/awk", typeflag: tar.TypeSymlink, link: "mawk", mtime: t1},
	})
	// 顺序、属主、时间都不同，内容相同
	second := buildTar(t, []tarEntry{
		{name: "usr/bin/awk", typeflag: tar.TypeSymlink, link: "mawk", uid: 1000, mtime: t2},
		{name: "usr/bin/mawk", typeflag: tar.TypeReg, mode: 0755, body: "ELF", uid: 1000, mtime: t2},
	})

	h1, err := FromTar(ctx, store, bytes.NewReader(first))
	require.NoError(t, err)
	h2, err := FromTar(ctx, store, bytes.NewReader(second))
	require.NoError(t, err)

	assert.Equal(t, h1, h2, "timestamps, ownership and entry order must not affect the ContentRef")
}

func TestFromTar_HardlinksAndSpecialFiles(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	data := buildTar(t, []tarEntry{
		{name: "./bin/", typeflag: tar.TypeDir, mode: 0755},
		{name: "./bin/gzip", typeflag: tar.TypeReg, mode: 0755, body: "gzip-bin"},
		{name: "./bin/gunzip", typeflag: tar.TypeLink, link: "./bin/gzip"},
		{name: "./dev/null", typeflag: tar.TypeChar, mode: 0666},
		{name: "./tmp/", typeflag: tar.TypeDir, mode: 01777},
	})

	h, err := FromTar(ctx, store, bytes.NewReader(data))
	require.NoError(t, err)

	root, err := storage.ReadTree(ctx, store, h)
	require.NoError(t, err)

	tmp, ok := root.Lookup("tmp")
	require.True(t, ok)
	assert.Equal(t, uint32(01777), tmp.Mode)

	_, ok = root.Lookup("dev")
	assert.False(t, ok, "device nodes are skipped and leave no implicit parent")

	bin, ok := root.Lookup("bin")
	require.True(t, ok)
	binTree, err := storage.ReadTree(ctx, store, bin.Cid.Hash)
	require.NoError(t, err)

	gzip, _ := binTree.Lookup("gzip")
	gunzip, ok := binTree.Lookup("gunzip")
	require.True(t, ok)
	assert.Equal(t, gzip.Cid.Hash, gunzip.Cid.Hash)
	assert.Equal(t, gzip.Mode, gunzip.Mode)
}

func TestFromTar_DanglingHardlink(t *testing.T) {
	data := buildTar(t, []tarEntry{
		{name: "a", typeflag: tar.TypeLink, link: "missing"},
	})
	_, err := FromTar(context.Background(), newStore(t), bytes.NewReader(data))
	assert.Error(t, err)
}

func TestFromTar_Ignore(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	data := buildTar(t, []tarEntry{
		{name: "./tmp/", typeflag: tar.TypeDir, mode: 01777},
		{name: "./tmp/leftover", typeflag: tar.TypeReg, mode: 0644, body: "junk"},
		{name: "./etc/hostname", typeflag: tar.TypeReg, mode: 0644, body: "box"},
	})

	withIgnore, err := FromTar(ctx, store, bytes.NewReader(data), WithIgnore(ignore.NewMatcher(ignore.RootfsDefaults...)))
	require.NoError(t, err)

	clean := buildTar(t, []tarEntry{
		{name: "./tmp/", typeflag: tar.TypeDir, mode: 01777},
		{name: "./etc/hostname", typeflag: tar.TypeReg, mode: 0644, body: "box"},
	})
	expected, err := FromTar(ctx, store, bytes.NewReader(clean))
	require.NoError(t, err)

	assert.Equal(t, expected, withIgnore)
}

func TestFromTar_Empty(t *testing.T) {
	h, err := FromTar(context.Background(), newStore(t), bytes.NewReader(buildTar(t, nil)))
	require.NoError(t, err)
	assert.Equal(t, core.EmptyTree().ID(), h)
}

func TestFromDir_MatchesTar(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "etc"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "etc", "hostname"), []byte("box"), 0644))
	require.NoError(t, os.Symlink("hostname", filepath.Join(root, "etc", "alias")))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "tmp", "junk"), 0755))
	require.NoError(t, os.Chmod(filepath.Join(root, "etc", "hostname"), 0644))

	fromDir, err := FromDir(ctx, store, root, ignore.NewMatcher("/tmp"))
	require.NoError(t, err)

	fromTar, err := FromTar(ctx, store, bytes.NewReader(buildTar(t, []tarEntry{
		{name: "etc/", typeflag: tar.TypeDir, mode: 0755},
		{name: "etc/hostname", typeflag: tar.TypeReg, mode: 0644, body: "box"},
		{name: "etc/alias", typeflag: tar.TypeSymlink, link: "hostname"},
	})))
	require.NoError(t, err)

	assert.Equal(t, fromTar, fromDir)
}
