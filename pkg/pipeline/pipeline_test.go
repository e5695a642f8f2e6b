package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"debvault/pkg/assembler"
	"debvault/pkg/debtest"
	"debvault/pkg/exporter"
	"debvault/pkg/fetcher"
	"debvault/pkg/graph"
	"debvault/pkg/lockfile"
	"debvault/pkg/refs"
	"debvault/pkg/types"
)

var (
	dashPkg = debtest.Package{
		Name:    "dash",
		Version: "0.5.12-2",
		Scripts: map[string]string{"postinst": "#!/bin/sh\nexit 0\n"},
		Files: []debtest.File{
			{Path: "./bin/"},
			{Path: "./bin/dash", Body: "dash", Mode: 0o755},
		},
	}
	helloPkg = debtest.Package{
		Name:    "hello",
		Version: "2.10-3",
		Files: []debtest.File{
			{Path: "./usr/"},
			{Path: "./usr/bin/"},
			{Path: "./usr/bin/hello", Body: "hello", Mode: 0o755},
		},
	}
	sedPkg = debtest.Package{
		Name:    "sed",
		Version: "4.9-1",
		Files: []debtest.File{
			{Path: "./bin/"},
			{Path: "./bin/sed", Body: "sed", Mode: 0o755},
		},
	}
)

func build(t *testing.T, e *env, p *Pipeline, targets ...string) *graph.Report {
	t.Helper()
	report, err := e.engine(p).Build(context.Background(), targets...)
	require.NoError(t, err)
	return report
}

func resolve(t *testing.T, e *env, name string) types.Hash {
	t.Helper()
	h, err := e.refs.Resolve(context.Background(), name)
	require.NoError(t, err)
	return h
}

func TestPipeline_BuildsConfiguredImage(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.writeLockfile("base.lock", e.publish(dashPkg), e.publish(helloPkg))

	p := e.pipeline()
	img, err := p.AddImage(ctx, ImageSpec{Lockfile: "base.lock"})
	require.NoError(t, err)
	require.NoError(t, p.Finish())
	assert.Equal(t, "base.lock", img.Name)
	assert.Equal(t, 2, img.Packages)
	assert.Equal(t, "image/base.lock", img.Configured)

	report := build(t, e, p, TargetImages)
	assert.Zero(t, report.Count(graph.StateFailed))
	assert.Equal(t, 2, e.sandbox.execs, "dpkg-divert 和 dpkg --configure 各一次")

	r := exporter.NewReader(e.store)
	unpacked := resolve(t, e, refs.Image("base.lock", refs.FacetUnpacked))
	status, err := r.ReadFile(ctx, unpacked, "var/lib/dpkg/status")
	require.NoError(t, err)
	assert.Equal(t, dashPkg.Control()+"Status: install ok unpacked\n\n"+helloPkg.Control()+"Status: install ok unpacked\n\n", string(status),
		"status 按锁文件顺序拼接")

	for _, p := range []string{
		"bin/dash", "usr/bin/hello",
		"var/lib/dpkg/info/dash.list", "var/lib/dpkg/info/dash.postinst", "var/lib/dpkg/info/hello.list",
		"var/lib/dpkg/available", "var/lib/dpkg/arch", "var/lib/dpkg/info/format",
	} {
		_, err := r.Resolve(ctx, unpacked, p)
		assert.NoError(t, err, p)
	}

	configured := resolve(t, e, refs.Image("base.lock", refs.FacetConfigured))
	status, err = r.ReadFile(ctx, configured, "var/lib/dpkg/status")
	require.NoError(t, err)
	assert.Contains(t, string(status), "install ok installed")
	_, err = r.Resolve(ctx, configured, "usr/sbin/policy-rc.d")
	assert.NoError(t, err)

	again := build(t, e, p, TargetImages)
	assert.Empty(t, again.Executed, "第二次构建什么都不做")
	assert.Equal(t, len(again.Results), again.Count(graph.StateClean))
}

func TestPipeline_AddingPackageRebuildsOnlyAffected(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	dash, hello := e.publish(dashPkg), e.publish(helloPkg)
	e.writeLockfile("base.lock", dash, hello)

	p := e.pipeline()
	_, err := p.AddImage(ctx, ImageSpec{Lockfile: "base.lock", UnpackOnly: true})
	require.NoError(t, err)
	require.NoError(t, p.Finish())
	build(t, e, p, TargetUnpackedImages)
	hits := e.mirror.Hits()

	e.writeLockfile("base.lock", dash, hello, e.publish(sedPkg))
	p = e.pipeline()
	img, err := p.AddImage(ctx, ImageSpec{Lockfile: "base.lock", UnpackOnly: true})
	require.NoError(t, err)
	require.NoError(t, p.Finish())
	assert.Empty(t, img.Configured)

	report := build(t, e, p, img.Unpacked)
	assert.Equal(t, hits+1, e.mirror.Hits(), "只下载新增的包")

	for _, name := range report.Executed {
		assert.False(t, strings.Contains(name, "dash_") || strings.Contains(name, "hello_"),
			"已有包的任务不应重跑: %s", name)
	}
	assert.Contains(t, report.Executed, refs.Image("base.lock", refs.FacetUnpacked))
	assert.Contains(t, report.Executed, refs.Image("base.lock", refs.FacetData))

	unpacked := resolve(t, e, refs.Image("base.lock", refs.FacetUnpacked))
	_, err = exporter.NewReader(e.store).Resolve(ctx, unpacked, "bin/sed")
	assert.NoError(t, err)
}

func TestPipeline_MirrorChangeDoesNotRefetch(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.writeLockfile("base.lock", e.publish(dashPkg))

	p := e.pipeline()
	_, err := p.AddImage(ctx, ImageSpec{Lockfile: "base.lock", UnpackOnly: true})
	require.NoError(t, err)
	require.NoError(t, p.Finish())
	build(t, e, p, TargetUnpackedImages)

	p = e.pipeline("http://127.0.0.1:1/unreachable", e.mirror.URL)
	_, err = p.AddImage(ctx, ImageSpec{Lockfile: "base.lock", UnpackOnly: true})
	require.NoError(t, err)
	require.NoError(t, p.Finish())

	report := build(t, e, p, TargetUnpackedImages)
	assert.Empty(t, report.Executed)
}

func TestPipeline_MissingLockfileBuildsBaseOnly(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	p := e.pipeline()
	img, err := p.AddImage(ctx, ImageSpec{Lockfile: "missing.lock", Architecture: "arm64", UnpackOnly: true})
	require.NoError(t, err)
	require.NoError(t, p.Finish())
	assert.Zero(t, img.Packages)

	build(t, e, p, img.Unpacked)
	unpacked := resolve(t, e, refs.Image("missing.lock", refs.FacetUnpacked))

	r := exporter.NewReader(e.store)
	arch, err := r.ReadFile(ctx, unpacked, "var/lib/dpkg/arch")
	require.NoError(t, err)
	assert.Equal(t, "arm64\n", string(arch))
	status, err := r.ReadFile(ctx, unpacked, "var/lib/dpkg/status")
	require.NoError(t, err)
	assert.Empty(t, status)

	// 锁文件出现之后 unpacked 会重建
	e.writeLockfile("missing.lock", e.publish(dashPkg))
	p = e.pipeline()
	_, err = p.AddImage(ctx, ImageSpec{Lockfile: "missing.lock", Architecture: "arm64", UnpackOnly: true})
	require.NoError(t, err)
	report := build(t, e, p, "unpacked-image/missing.lock")
	assert.Contains(t, report.Executed, refs.Image("missing.lock", refs.FacetUnpacked))
}

func TestPipeline_IntegrityFailureSkipsImage(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	hello := e.publish(helloPkg)
	dash := e.publish(dashPkg)
	// 镜像站上的 dash 被替换
	e.mirror.put(debtest.Filename(dashPkg), []byte("tampered"))
	e.writeLockfile("a.lock", dash)
	e.writeLockfile("b.lock", hello)

	p := e.pipeline()
	for _, lf := range []string{"a.lock", "b.lock"} {
		_, err := p.AddImage(ctx, ImageSpec{Lockfile: lf, UnpackOnly: true})
		require.NoError(t, err)
	}
	require.NoError(t, p.Finish())

	report, err := e.engine(p).Build(ctx, TargetUnpackedImages)
	require.Error(t, err)

	var integrity *fetcher.IntegrityError
	assert.True(t, errors.As(err, &integrity))
	var exhausted *fetcher.SourceExhaustedError
	assert.True(t, errors.As(err, &exhausted))

	assert.Equal(t, graph.StateSkipped, report.Results[refs.Image("a.lock", refs.FacetUnpacked)].State)
	assert.Equal(t, graph.StateBuilt, report.Results[refs.Image("b.lock", refs.FacetUnpacked)].State,
		"不相关的镜像照常构建")
}

func TestPipeline_MergeConflict(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	busybox := debtest.Package{
		Name: "busybox-sed",
		Files: []debtest.File{
			{Path: "./bin/"},
			{Path: "./bin/sed", Body: "busybox", Mode: 0o755},
		},
	}
	e.writeLockfile("c.lock", e.publish(sedPkg), e.publish(busybox))

	p := e.pipeline()
	_, err := p.AddImage(ctx, ImageSpec{Lockfile: "c.lock", UnpackOnly: true})
	require.NoError(t, err)
	require.NoError(t, p.Finish())

	_, err = e.engine(p).Build(ctx, TargetUnpackedImages)
	var conflict *assembler.MergeConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, []string{"bin/sed"}, conflict.Paths)
}

func TestPipeline_SharedPackagesRegisteredOnce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	dash := e.publish(dashPkg)
	e.writeLockfile("a.lock", dash)
	e.writeLockfile("b.lock", dash, e.publish(helloPkg))

	p := e.pipeline()
	for _, lf := range []string{"a.lock", "b.lock"} {
		_, err := p.AddImage(ctx, ImageSpec{Lockfile: lf})
		require.NoError(t, err)
	}
	require.NoError(t, p.Finish())

	fetches := 0
	for _, task := range p.Graph().Tasks() {
		if task.Rule == "fetch" {
			fetches++
		}
	}
	assert.Equal(t, 2, fetches)

	in, ok := p.Graph().PhonyInputs(TargetImages)
	require.True(t, ok)
	assert.Equal(t, []string{"image/a.lock", "image/b.lock"}, in)
}

func TestPipeline_SameLockfileTwice(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.writeLockfile("base.lock", e.publish(helloPkg))

	p := e.pipeline()
	first, err := p.AddImage(ctx, ImageSpec{Lockfile: "base.lock", UnpackOnly: true})
	require.NoError(t, err)
	second, err := p.AddImage(ctx, ImageSpec{Lockfile: "./base.lock", UnpackOnly: true})
	require.NoError(t, err)
	assert.Same(t, first, second)
	require.NoError(t, p.Finish())

	in, ok := p.Graph().PhonyInputs(TargetUnpackedImages)
	require.True(t, ok)
	assert.Equal(t, []string{"unpacked-image/base.lock"}, in)

	_, err = e.engine(p).Build(ctx, TargetUnpackedImages)
	require.NoError(t, err)
}

func TestPipeline_UpdateLockfile(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.tool.out = e.publish(dashPkg)

	p := e.pipeline()
	name, err := p.AddLockfileUpdate(lockfile.Request{
		Architecture: "amd64",
		Distribution: "bookworm",
		ArchiveURL:   e.mirror.URL,
		Packages:     []string{"dash"},
		Output:       "base.lock",
	})
	require.NoError(t, err)
	assert.Equal(t, "update-lockfile/base.lock", name)
	require.NoError(t, p.Finish())

	build(t, e, p, TargetUpdateLockfiles)
	data, err := os.ReadFile(filepath.Join(e.dir, "base.lock"))
	require.NoError(t, err)
	lf, err := lockfile.Parse(strings.NewReader(string(data)))
	require.NoError(t, err)
	require.Len(t, lf.Packages, 1)
	assert.Equal(t, "dash", lf.Packages[0].Name)

	blob, err := exporter.NewReader(e.store).Blob(ctx, resolve(t, e, refs.Lockfile("base.lock")))
	require.NoError(t, err)
	assert.Equal(t, data, blob)

	report := build(t, e, p, TargetUpdateLockfiles)
	assert.Equal(t, []string{"update-lockfile/base.lock"}, report.Executed, "刷新任务总是执行")
	assert.Equal(t, 2, e.tool.calls)
}

func TestGitignore(t *testing.T) {
	entries := GitignoreEntries(".dv", "./_build/", ".dv", "")
	assert.Equal(t, []string{"/.dv/", "/_build/"}, entries)

	path := filepath.Join(t.TempDir(), ".gitignore")
	changed, err := WriteGitignore(path, entries)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = WriteGitignore(path, entries)
	require.NoError(t, err)
	assert.False(t, changed)
}
