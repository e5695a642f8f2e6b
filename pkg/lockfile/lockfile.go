package lockfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
)

// ErrMissingLockfile 锁文件还不存在。首次构建前的正常状态，不是致命错误
var ErrMissingLockfile = errors.New("lockfile does not exist yet")

// Provenance 记录锁文件是怎么生成的，作为第一个 (没有 Package 字段的) 段落保存
type Provenance struct {
	Distribution string
	ArchiveURL   string
	Architecture string
	Components   []string
	Filter       string
}

func (p *Provenance) paragraph() Paragraph {
	para := Paragraph{
		{Name: "Distribution", Value: p.Distribution},
		{Name: "Archive-URL", Value: p.ArchiveURL},
		{Name: "Architecture", Value: p.Architecture},
	}
	if len(p.Components) > 0 {
		para = append(para, Field{Name: "Components", Value: strings.Join(p.Components, " ")})
	}
	para = append(para, Field{Name: "Filter", Value: p.Filter})
	return para
}

func provenanceFrom(p Paragraph) *Provenance {
	get := func(name string) string {
		v, _ := p.Get(name)
		return v
	}
	return &Provenance{
		Distribution: get("Distribution"),
		ArchiveURL:   get("Archive-URL"),
		Architecture: get("Architecture"),
		Components:   strings.Fields(get("Components")),
		Filter:       get("Filter"),
	}
}

// Lockfile 是有序的包集合，顺序即 dpkg status 的拼接顺序
type Lockfile struct {
	Provenance *Provenance
	Packages   []PackageRecord
}

func Parse(r io.Reader) (*Lockfile, error) {
	paras, err := ParseParagraphs(r)
	if err != nil {
		return nil, err
	}

	lf := &Lockfile{}
	for i, p := range paras {
		if _, ok := p.Get("Package"); !ok {
			if i == 0 {
				lf.Provenance = provenanceFrom(p)
				continue
			}
			return nil, fmt.Errorf("paragraph %d has no Package field", i+1)
		}
		rec, err := NewPackageRecord(p)
		if err != nil {
			return nil, fmt.Errorf("paragraph %d: %w", i+1, err)
		}
		lf.Packages = append(lf.Packages, rec)
	}
	return lf, nil
}

// Load 读取锁文件。文件不存在时返回空 Lockfile 和 ErrMissingLockfile
func Load(path string) (*Lockfile, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Lockfile{}, fmt.Errorf("%s: %w", path, ErrMissingLockfile)
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	lf, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return lf, nil
}

func (l *Lockfile) Format(w io.Writer) error {
	paras := make([]Paragraph, 0, len(l.Packages)+1)
	if l.Provenance != nil {
		paras = append(paras, l.Provenance.paragraph())
	}
	for _, p := range l.Packages {
		paras = append(paras, p.Paragraph)
	}
	return FormatParagraphs(w, paras)
}

func (l *Lockfile) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := l.Format(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Lookup 按包名查找
func (l *Lockfile) Lookup(name string) (PackageRecord, bool) {
	for _, p := range l.Packages {
		if p.Name == name {
			return p, true
		}
	}
	return PackageRecord{}, false
}
