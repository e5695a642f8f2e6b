package exporter

import (
	"fmt"
	"io"
	"text/tabwriter"

	"debvault/pkg/core"
)

// PrintStructure 解析并打印树对象。
// 如果是 Blob (原始数据)，返回 false，由调用者决定如何展示
func PrintStructure(data []byte, w io.Writer) (bool, error) {
	var header struct {
		TypeVal core.ObjectType `cbor:"t"`
	}

	// 连基本的 CBOR 头都解不出来，说明是文件内容
	if err := core.DecodeObject(data, &header); err != nil {
		return false, nil
	}
	if header.TypeVal != core.TypeTree {
		// 巧合解出来的二进制数据
		return false, nil
	}

	t, err := core.DecodeTree(data)
	if err != nil {
		// 碰巧带 "t":"tree" 的文件
		return false, nil
	}
	return true, printTree(t, w)
}

func printTree(t *core.Tree, w io.Writer) error {
	fmt.Fprintf(w, "Type:    Tree\n")
	fmt.Fprintf(w, "Entries: %d\n\n", len(t.Entries))
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintf(tw, "MODE\tKIND\tHASH\tSIZE\tNAME\n")
	for _, entry := range t.Entries {
		// 模拟 git ls-tree 的输出格式
		fmt.Fprintf(tw, "%04o\t%s\t%s\t%s\t%s\n", entry.Mode, entry.Kind, entry.Cid.Hash.Short(), fmtSize(entry), entry.Name)
	}
	return tw.Flush()
}

func fmtSize(e core.TreeEntry) string {
	if e.IsDir() {
		return "-"
	}
	s := e.Size
	if s < 1024 {
		return fmt.Sprintf("%dB", s)
	} else if s < 1024*1024 {
		return fmt.Sprintf("%.1fKB", float64(s)/1024)
	}
	return fmt.Sprintf("%.2fMB", float64(s)/1024/1024)
}
