package ignore

import (
	"os"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
)

// RootfsDefaults 是提交一个“跑过东西”的根文件系统时默认排除的内容。
// 这些目录在沙箱运行期间是挂载点，留下来的只可能是运行时垃圾。
var RootfsDefaults = []string{
	"/proc/*",
	"/sys/*",
	"/dev/*",
	"/run/*",
	"/tmp/*",
	"/var/tmp/*",
}

// Matcher 判断一个路径在提交时是否应被跳过
type Matcher struct {
	ignorer *gitignore.GitIgnore
}

// NewMatcher 用 gitignore 语法编译规则。空规则集返回一个永不匹配的 Matcher
func NewMatcher(rules ...string) *Matcher {
	if len(rules) == 0 {
		return &Matcher{}
	}
	return &Matcher{ignorer: gitignore.CompileIgnoreLines(rules...)}
}

// NewMatcherFromFile 合并规则文件和额外规则。文件不存在时只使用额外规则
func NewMatcherFromFile(path string, extra ...string) (*Matcher, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return NewMatcher(extra...), nil
		}
		return nil, err
	}
	ignorer, err := gitignore.CompileIgnoreFileAndLines(path, extra...)
	if err != nil {
		return nil, err
	}
	return &Matcher{ignorer: ignorer}, nil
}

// Matches path 是相对于根目录的路径，"./" 前缀会被去掉
// 返回 true 表示应该跳过
func (m *Matcher) Matches(path string) bool {
	if m == nil || m.ignorer == nil {
		return false
	}
	path = strings.TrimPrefix(path, "./")
	path = strings.TrimPrefix(path, "/")
	if path == "" || path == "." {
		return false
	}
	return m.ignorer.MatchesPath(path)
}
