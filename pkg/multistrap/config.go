// Package multistrap 读取 multistrap 风格的镜像配置 (INI)。
// 只支持 multistrap 配置的一个子集: [General] 的 arch 和 aptsources，
// 以及 aptsources 里第一个源的 source、suite、components、packages。
package multistrap

import (
	"fmt"
	"strings"

	"github.com/go-ini/ini"

	"debvault/pkg/lockfile"
	"debvault/pkg/refs"
)

const defaultArch = "amd64"

// Image 是一个镜像配置
type Image struct {
	// ConfigPath 是配置文件路径，锁文件放在它旁边
	ConfigPath   string
	Architecture string
	Distribution string
	ArchiveURL   string
	Components   []string
	Packages     []string
}

// Load 解析配置文件。键名不区分大小写，允许 ConfigParser 风格的缩进续行
func Load(path string) (*Image, error) {
	f, err := ini.LoadSources(ini.LoadOptions{InsensitiveKeys: true, AllowPythonMultilineValues: true}, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read multistrap config %s: %w", path, err)
	}

	general, err := f.GetSection("General")
	if err != nil {
		return nil, fmt.Errorf("%s: missing [General] section", path)
	}
	sources := strings.Fields(general.Key("aptsources").String())
	if len(sources) == 0 {
		return nil, fmt.Errorf("%s: [General] aptsources is empty", path)
	}
	src, err := f.GetSection(sources[0])
	if err != nil {
		return nil, fmt.Errorf("%s: aptsources names missing section [%s]", path, sources[0])
	}

	img := &Image{
		ConfigPath:   path,
		Architecture: general.Key("arch").MustString(defaultArch),
		Distribution: src.Key("suite").String(),
		ArchiveURL:   src.Key("source").String(),
		Components:   strings.Fields(src.Key("components").String()),
		Packages:     strings.Fields(src.Key("packages").String()),
	}
	if img.Distribution == "" {
		return nil, fmt.Errorf("%s: [%s] suite is required", path, sources[0])
	}
	if img.ArchiveURL == "" {
		return nil, fmt.Errorf("%s: [%s] source is required", path, sources[0])
	}
	return img, nil
}

// LockfilePath 是 <config>.lock
func (i *Image) LockfilePath() string {
	return i.ConfigPath + ".lock"
}

// Name 是镜像在引用名里的键
func (i *Image) Name() string {
	return refs.ImageName(i.LockfilePath())
}

// Request 是刷新锁文件所需的参数
func (i *Image) Request() lockfile.Request {
	return lockfile.Request{
		Architecture: i.Architecture,
		Distribution: i.Distribution,
		ArchiveURL:   i.ArchiveURL,
		Components:   i.Components,
		Packages:     i.Packages,
		Output:       i.LockfilePath(),
	}
}
