// Package dpkg 从软件包的 control 和 data 树派生 dpkg 数据库里的内容
package dpkg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"debvault/pkg/assembler"
	"debvault/pkg/core"
	"debvault/pkg/exporter"
	"debvault/pkg/lockfile"
	"debvault/pkg/storage"
	"debvault/pkg/treebuilder"
	"debvault/pkg/types"
)

// InfoDir 是 dpkg 维护者脚本和文件清单所在目录
const InfoDir = "var/lib/dpkg/info"

// ControlFiles 是会被复制进 info 目录的 control 成员
var ControlFiles = []string{
	"conffiles", "config", "md5sums", "postinst", "postrm", "preinst",
	"prerm", "shlibs", "symbols", "templates", "triggers",
}

// Metadata 是一个包在 dpkg 数据库里的私有部分
type Metadata struct {
	Package string
	// Info 是只含 var/lib/dpkg/info/<pkg>.* 的树
	Info types.Hash
	// Status 和 Available 是 Blob，跨包拼接后才成为文件
	Status    types.Hash
	Available types.Hash
}

type Deriver struct {
	store  storage.Store
	reader *exporter.Reader
}

func NewDeriver(store storage.Store) *Deriver {
	return &Deriver{store: store, reader: exporter.NewReader(store)}
}

// Derive 生成 <pkg>.list、控制脚本副本、status 和 available 记录
func (d *Deriver) Derive(ctx context.Context, control, data types.Hash) (*Metadata, error) {
	controlText, err := d.reader.ReadFile(ctx, control, "control")
	if err != nil {
		return nil, fmt.Errorf("failed to read control file: %w", err)
	}
	pkg, err := packageName(controlText)
	if err != nil {
		return nil, err
	}

	paths, err := d.reader.ListPaths(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to list payload: %w", pkg, err)
	}

	b := treebuilder.NewBuilder(d.store)
	if err := b.AddDir(InfoDir, core.DefaultDirMode); err != nil {
		return nil, err
	}
	list := strings.Join(paths, "\n") + "\n"
	if err := b.AddFile(ctx, InfoDir+"/"+pkg+".list", []byte(list), core.DefaultFileMode); err != nil {
		return nil, err
	}

	for _, name := range ControlFiles {
		e, err := d.reader.Resolve(ctx, control, name)
		if errors.Is(err, exporter.ErrNoSuchPath) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if e.Kind != core.EntryFile {
			return nil, fmt.Errorf("%s: control member %s is a %s", pkg, name, e.Kind)
		}
		if err := b.AddBlob(InfoDir+"/"+pkg+"."+name, e.Cid.Hash, e.Size, e.Mode); err != nil {
			return nil, err
		}
	}

	info, err := b.Write(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to write info tree: %w", pkg, err)
	}

	paragraph := normalizeParagraph(controlText)
	status, err := d.putBlob(ctx, append(append([]byte{}, paragraph...), "Status: install ok unpacked\n\n"...))
	if err != nil {
		return nil, err
	}
	available, err := d.putBlob(ctx, append(append([]byte{}, paragraph...), '\n'))
	if err != nil {
		return nil, err
	}

	return &Metadata{Package: pkg, Info: info, Status: status, Available: available}, nil
}

// Footprint 把 info 树和两份记录合并成一棵树，只用于查看
func (d *Deriver) Footprint(ctx context.Context, m *Metadata) (types.Hash, error) {
	b := treebuilder.NewBuilder(d.store)
	for _, rec := range []struct {
		suffix string
		hash   types.Hash
	}{{"status", m.Status}, {"available", m.Available}} {
		data, err := d.reader.Blob(ctx, rec.hash)
		if err != nil {
			return "", fmt.Errorf("%s: %w", rec.suffix, err)
		}
		if err := b.AddBlob("var/lib/dpkg/"+m.Package+"."+rec.suffix, rec.hash, int64(len(data)), core.DefaultFileMode); err != nil {
			return "", err
		}
	}
	records, err := b.Write(ctx)
	if err != nil {
		return "", err
	}
	return assembler.New(d.store).Combine(ctx, []types.Hash{m.Info, records})
}

func (d *Deriver) putBlob(ctx context.Context, data []byte) (types.Hash, error) {
	blob := core.NewBlob(data)
	if err := d.store.Put(ctx, blob); err != nil {
		return "", err
	}
	return blob.ID(), nil
}

func packageName(control []byte) (string, error) {
	paras, err := lockfile.ParseParagraphs(bytes.NewReader(control))
	if err != nil {
		return "", fmt.Errorf("malformed control file: %w", err)
	}
	if len(paras) == 0 {
		return "", fmt.Errorf("empty control file")
	}
	name, _ := paras[0].Get("Package")
	if name == "" {
		return "", fmt.Errorf("control file has no Package field")
	}
	if strings.ContainsAny(name, "/ \t") {
		return "", fmt.Errorf("invalid package name %q", name)
	}
	return name, nil
}

// normalizeParagraph 去掉结尾空行，保证以单个换行结束
func normalizeParagraph(control []byte) []byte {
	trimmed := bytes.TrimRight(control, "\n")
	return append(append([]byte{}, trimmed...), '\n')
}
