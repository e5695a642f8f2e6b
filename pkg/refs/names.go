package refs

import (
	"fmt"
	"strings"
)

// 引用名由三段组成: <namespace>/<key>/<facet>
const (
	FacetData       = "data"
	FacetControl    = "control"
	FacetInfo       = "info"
	FacetStatus     = "status"
	FacetAvailable  = "available"
	FacetUnpacked   = "unpacked"
	FacetConfigured = "configured"
)

// StoreConfig 是仓库初始化任务的输出，其它写存储的任务都以它为 order-only 前置
const StoreConfig = "store/config"

// Pool 是单个软件包的引用，namespace 来自 lockfile.PackageRecord.Namespace()
func Pool(namespace, facet string) string {
	return "deb/pool/" + namespace + "/" + facet
}

// Image 是镜像的引用，image 一般是 lockfile 路径转义后的名字
func Image(image, facet string) string {
	return "deb/images/" + image + "/" + facet
}

// Lockfile 指向锁文件内容的 Blob，由刷新锁文件的任务发布
func Lockfile(image string) string {
	return "deb/lockfiles/" + image
}

func DpkgBase(arch string) string {
	return "deb/dpkg-base/" + arch
}

// ImageName 把 lockfile 路径转换为可以放进引用名的一段
func ImageName(lockfilePath string) string {
	name := strings.TrimPrefix(lockfilePath, "./")
	return strings.ReplaceAll(name, "/", "_")
}

// Validate 检查引用名是否合法
func Validate(name string) error {
	if name == "" {
		return fmt.Errorf("empty ref name")
	}
	if strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") || strings.Contains(name, "//") {
		return fmt.Errorf("invalid ref name %q", name)
	}
	if strings.ContainsAny(name, " \t\n\x00") {
		return fmt.Errorf("ref name %q contains whitespace", name)
	}
	for _, part := range strings.Split(name, "/") {
		if part == "." || part == ".." {
			return fmt.Errorf("invalid ref name %q", name)
		}
	}
	return nil
}
