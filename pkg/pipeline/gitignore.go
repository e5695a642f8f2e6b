package pipeline

import (
	"sort"
	"strings"

	"debvault/pkg/fsutil"
)

// GitignoreEntries 是构建产生、不应进入版本库的路径。锁文件需要提交，不在其中
func GitignoreEntries(repoDir, buildDir string, extra ...string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range append([]string{repoDir, buildDir}, extra...) {
		p = strings.TrimPrefix(strings.TrimSpace(p), "./")
		if p == "" || p == "." {
			continue
		}
		entry := "/" + strings.TrimSuffix(strings.TrimPrefix(p, "/"), "/") + "/"
		if !seen[entry] {
			seen[entry] = true
			out = append(out, entry)
		}
	}
	sort.Strings(out)
	return out
}

// WriteGitignore 内容不变时不改写文件
func WriteGitignore(path string, entries []string) (bool, error) {
	body := "# generated by dv gitignore\n" + strings.Join(entries, "\n") + "\n"
	return fsutil.WriteIfChanged(path, []byte(body), 0o644)
}
