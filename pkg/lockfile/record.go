package lockfile

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"debvault/pkg/types"
)

// PackageRecord 是锁定的一个二进制包。解析后不再修改
type PackageRecord struct {
	Name         string
	Version      string
	Architecture string
	SHA256       types.LinearHash
	// Filename 是相对镜像站根目录的路径 (已做 URL 解码)
	Filename string

	// Paragraph 是锁文件里的完整段落
	Paragraph Paragraph
}

// NewPackageRecord 从段落构造记录。Package、SHA256、Filename 必须存在
func NewPackageRecord(p Paragraph) (PackageRecord, error) {
	name, _ := p.Get("Package")
	if name == "" {
		return PackageRecord{}, fmt.Errorf("paragraph has no Package field")
	}
	sum, _ := p.Get("SHA256")
	sum = strings.ToLower(sum)
	if !types.LinearHash(sum).IsValid() {
		return PackageRecord{}, fmt.Errorf("package %s: invalid SHA256 %q", name, sum)
	}
	rawFilename, _ := p.Get("Filename")
	if rawFilename == "" {
		return PackageRecord{}, fmt.Errorf("package %s: missing Filename", name)
	}
	filename, err := url.PathUnescape(rawFilename)
	if err != nil {
		return PackageRecord{}, fmt.Errorf("package %s: bad Filename %q: %w", name, rawFilename, err)
	}
	version, _ := p.Get("Version")
	arch, _ := p.Get("Architecture")

	return PackageRecord{
		Name:         name,
		Version:      version,
		Architecture: arch,
		SHA256:       types.LinearHash(sum),
		Filename:     filename,
		Paragraph:    p,
	}, nil
}

func (r PackageRecord) Basename() string {
	return path.Base(r.Filename)
}

// PoolPath 由摘要派生: d[0:2]/d[2:4]/d[4:]_basename
func (r PackageRecord) PoolPath() string {
	d := string(r.SHA256)
	return d[:2] + "/" + d[2:4] + "/" + d[4:] + "_" + r.Basename()
}

var namespaceReplacer = strings.NewReplacer("+", "_", "~", "_")

// Namespace 是该包在引用名里的键。PoolPath 本身保留原字符
func (r PackageRecord) Namespace() string {
	return namespaceReplacer.Replace(r.PoolPath())
}

func (r PackageRecord) String() string {
	if r.Version == "" {
		return r.Name
	}
	return r.Name + "_" + r.Version
}
