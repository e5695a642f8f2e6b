// Package debtest 生成测试用的 .deb 包和对应的锁文件段落
package debtest

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/blakesmith/ar"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

// File 是包里的一个条目。Link 非空时是符号链接，路径以 / 结尾时是目录
type File struct {
	Path string
	Body string
	Mode int64
	Link string
}

type Package struct {
	Name    string
	Version string
	Arch    string
	// Extra 追加到 control 文件里的字段
	Extra map[string]string
	// Scripts 是 control.tar 里除 control 以外的成员，例如 postinst
	Scripts map[string]string
	Files   []File
}

// Control 返回 control 文件正文
func (p Package) Control() string {
	version := p.Version
	if version == "" {
		version = "1.0"
	}
	arch := p.Arch
	if arch == "" {
		arch = "amd64"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Package: %s\nVersion: %s\nArchitecture: %s\n", p.Name, version, arch)
	keys := make([]string, 0, len(p.Extra))
	for k := range p.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, p.Extra[k])
	}
	return b.String()
}

// Build 生成 ar 格式的 .deb: debian-binary, control.tar.gz, data.tar.gz
func Build(t testing.TB, p Package) []byte {
	t.Helper()

	control := []File{{Path: "./control", Body: p.Control(), Mode: 0o644}}
	names := make([]string, 0, len(p.Scripts))
	for name := range p.Scripts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		control = append(control, File{Path: "./" + name, Body: p.Scripts[name], Mode: 0o755})
	}

	data := append([]File{{Path: "./"}}, p.Files...)

	members := []struct {
		name string
		body []byte
	}{
		{"debian-binary", []byte("2.0\n")},
		{"control.tar.gz", gzipTar(t, control)},
		{"data.tar.gz", gzipTar(t, data)},
	}

	var buf bytes.Buffer
	w := ar.NewWriter(&buf)
	require.NoError(t, w.WriteGlobalHeader())
	for _, m := range members {
		require.NoError(t, w.WriteHeader(&ar.Header{
			Name:    m.name,
			Mode:    0o644,
			Size:    int64(len(m.body)),
			ModTime: time.Unix(0, 0),
		}))
		_, err := w.Write(m.body)
		require.NoError(t, err)
	}
	return buf.Bytes()
}

func gzipTar(t testing.TB, files []File) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(zw)
	for _, f := range files {
		hdr := &tar.Header{Name: f.Path, Mode: f.Mode, ModTime: time.Unix(0, 0)}
		switch {
		case f.Link != "":
			hdr.Typeflag = tar.TypeSymlink
			hdr.Linkname = f.Link
			hdr.Mode = 0o777
		case strings.HasSuffix(f.Path, "/"):
			hdr.Typeflag = tar.TypeDir
			if hdr.Mode == 0 {
				hdr.Mode = 0o755
			}
		default:
			hdr.Typeflag = tar.TypeReg
			hdr.Size = int64(len(f.Body))
			if hdr.Mode == 0 {
				hdr.Mode = 0o644
			}
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if hdr.Typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(f.Body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// Sum 是 .deb 字节的 SHA256
func Sum(deb []byte) string {
	sum := sha256.Sum256(deb)
	return hex.EncodeToString(sum[:])
}

// Filename 是镜像站里的标准路径 pool/main/<首字母>/<name>/<name>_<ver>_<arch>.deb
func Filename(p Package) string {
	version := p.Version
	if version == "" {
		version = "1.0"
	}
	arch := p.Arch
	if arch == "" {
		arch = "amd64"
	}
	return fmt.Sprintf("pool/main/%s/%s/%s_%s_%s.deb", p.Name[:1], p.Name, p.Name, version, arch)
}

// Paragraph 返回该包在锁文件里的段落文本 (不含结尾空行)
func Paragraph(p Package, deb []byte) string {
	return p.Control() + "SHA256: " + Sum(deb) + "\nFilename: " + Filename(p) + "\n"
}
