package dpkg

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"debvault/pkg/assembler"
	"debvault/pkg/core"
	"debvault/pkg/debtest"
	"debvault/pkg/exporter"
	"debvault/pkg/fetcher"
	"debvault/pkg/storage"
	"debvault/pkg/storage/disk"
	"debvault/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := disk.NewAdapter(t.TempDir())
	require.NoError(t, err)
	return store
}

func commit(t *testing.T, store storage.Store, p debtest.Package) fetcher.Members {
	t.Helper()
	m, err := fetcher.CommitDeb(context.Background(), store, bytes.NewReader(debtest.Build(t, p)))
	require.NoError(t, err)
	return m
}

var dash = debtest.Package{
	Name:    "dash",
	Version: "0.5.12-2",
	Scripts: map[string]string{
		"postinst": "#!/bin/sh\nexit 0\n",
		"md5sums":  "abc  bin/dash\n",
	},
	Files: []debtest.File{
		{Path: "./bin/"},
		{Path: "./bin/dash", Body: "ELF", Mode: 0o755},
		{Path: "./usr/"},
		{Path: "./usr/share/"},
		{Path: "./usr/share/man/"},
	},
}

func TestDerive_InfoTree(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	m := commit(t, store, dash)

	meta, err := NewDeriver(store).Derive(ctx, m.Control, m.Data)
	require.NoError(t, err)
	assert.Equal(t, "dash", meta.Package)

	r := exporter.NewReader(store)
	list, err := r.ReadFile(ctx, meta.Info, "var/lib/dpkg/info/dash.list")
	require.NoError(t, err)
	assert.Equal(t, "/.\n/bin\n/bin/dash\n/usr\n/usr/share\n/usr/share/man\n", string(list))

	postinst, err := r.Resolve(ctx, meta.Info, "var/lib/dpkg/info/dash.postinst")
	require.NoError(t, err)
	assert.EqualValues(t, 0o755, postinst.Mode, "控制脚本保留权限")

	_, err = r.Resolve(ctx, meta.Info, "var/lib/dpkg/info/dash.md5sums")
	require.NoError(t, err)
	_, err = r.Resolve(ctx, meta.Info, "var/lib/dpkg/info/dash.prerm")
	assert.True(t, errors.Is(err, exporter.ErrNoSuchPath), "缺失的控制文件直接省略")
	_, err = r.Resolve(ctx, meta.Info, "var/lib/dpkg/info/dash.control")
	assert.Error(t, err, "control 本身不复制")

	status, err := r.Blob(ctx, meta.Status)
	require.NoError(t, err)
	assert.Equal(t, dash.Control()+"Status: install ok unpacked\n\n", string(status))

	available, err := r.Blob(ctx, meta.Available)
	require.NoError(t, err)
	assert.Equal(t, dash.Control()+"\n", string(available))
}

func TestDerive_Deterministic(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	m := commit(t, store, dash)
	d := NewDeriver(store)

	first, err := d.Derive(ctx, m.Control, m.Data)
	require.NoError(t, err)
	second, err := d.Derive(ctx, m.Control, m.Data)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDerive_EmptyPayload(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	m := commit(t, store, debtest.Package{Name: "meta-only"})

	meta, err := NewDeriver(store).Derive(ctx, m.Control, m.Data)
	require.NoError(t, err)

	list, err := exporter.NewReader(store).ReadFile(ctx, meta.Info, "var/lib/dpkg/info/meta-only.list")
	require.NoError(t, err)
	assert.Equal(t, "/.\n", string(list))
}

func TestDerive_BadControl(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	m := commit(t, store, dash)

	// 没有 control 成员的树
	_, err := NewDeriver(store).Derive(ctx, m.Data, m.Data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "control file")
}

func TestFootprint(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	m := commit(t, store, dash)
	d := NewDeriver(store)

	meta, err := d.Derive(ctx, m.Control, m.Data)
	require.NoError(t, err)
	fp, err := d.Footprint(ctx, meta)
	require.NoError(t, err)

	paths, err := exporter.NewReader(store).ListPaths(ctx, fp)
	require.NoError(t, err)
	assert.Contains(t, paths, "/var/lib/dpkg/dash.status")
	assert.Contains(t, paths, "/var/lib/dpkg/dash.available")
	assert.Contains(t, paths, "/var/lib/dpkg/info/dash.list")
}

func TestBaseTree(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	h, err := BaseTree(ctx, store, "arm64")
	require.NoError(t, err)

	r := exporter.NewReader(store)
	arch, err := r.ReadFile(ctx, h, "var/lib/dpkg/arch")
	require.NoError(t, err)
	assert.Equal(t, "arm64\n", string(arch))

	format, err := r.ReadFile(ctx, h, "var/lib/dpkg/info/format")
	require.NoError(t, err)
	assert.Equal(t, "1\n", string(format))

	partial, err := r.Resolve(ctx, h, "var/cache/apt/archives/partial")
	require.NoError(t, err)
	assert.EqualValues(t, 0o700, partial.Mode)

	lock, err := r.Resolve(ctx, h, "var/lib/dpkg/lock")
	require.NoError(t, err)
	assert.EqualValues(t, 0o640, lock.Mode)
	assert.Zero(t, lock.Size)

	again, err := BaseTree(ctx, store, "arm64")
	require.NoError(t, err)
	assert.Equal(t, h, again)

	_, err = BaseTree(ctx, store, "")
	assert.Error(t, err)
}

func TestCombineRecords_LockfileOrder(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	d := NewDeriver(store)

	var status []types.Hash
	for _, p := range []debtest.Package{{Name: "zlib1g"}, {Name: "base-files"}} {
		m := commit(t, store, p)
		meta, err := d.Derive(ctx, m.Control, m.Data)
		require.NoError(t, err)
		status = append(status, meta.Status)
	}

	h, err := CombineRecords(ctx, store, RecordStatus, status)
	require.NoError(t, err)
	body, err := exporter.NewReader(store).ReadFile(ctx, h, "var/lib/dpkg/status")
	require.NoError(t, err)

	want := debtest.Package{Name: "zlib1g"}.Control() + "Status: install ok unpacked\n\n" +
		debtest.Package{Name: "base-files"}.Control() + "Status: install ok unpacked\n\n"
	assert.Equal(t, want, string(body))

	empty, err := CombineRecords(ctx, store, RecordAvailable, nil)
	require.NoError(t, err)
	e, err := exporter.NewReader(store).Resolve(ctx, empty, "var/lib/dpkg/available")
	require.NoError(t, err)
	assert.Equal(t, core.EntryFile, e.Kind)

	_, err = CombineRecords(ctx, store, "diversions", nil)
	assert.Error(t, err)
}

func TestBaseMergesWithPackageMetadata(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	m := commit(t, store, dash)

	meta, err := NewDeriver(store).Derive(ctx, m.Control, m.Data)
	require.NoError(t, err)
	base, err := BaseTree(ctx, store, "amd64")
	require.NoError(t, err)
	status, err := CombineRecords(ctx, store, RecordStatus, []types.Hash{meta.Status})
	require.NoError(t, err)

	_, err = assembler.New(store).Combine(ctx, []types.Hash{base, meta.Info, status, m.Data})
	assert.NoError(t, err, "骨架、info、status 和 payload 之间不应有冲突")
}
