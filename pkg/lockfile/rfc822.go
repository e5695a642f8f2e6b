package lockfile

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

type Field struct {
	Name  string
	Value string
}

// Paragraph 是一段 RFC822 风格的记录，保留字段原始顺序
type Paragraph []Field

// Get 字段名不区分大小写
func (p Paragraph) Get(name string) (string, bool) {
	for _, f := range p {
		if strings.EqualFold(f.Name, name) {
			return f.Value, true
		}
	}
	return "", false
}

// Set 覆盖已有字段，没有则追加到末尾
func (p *Paragraph) Set(name, value string) {
	for i, f := range *p {
		if strings.EqualFold(f.Name, name) {
			(*p)[i].Value = value
			return
		}
	}
	*p = append(*p, Field{Name: name, Value: value})
}

// 单行上限。Description 之类的字段偶尔很长
const maxLineSize = 1 << 20

// ParseParagraphs 解析 apt Packages 风格的文本。
//   - 空行结束一个段落
//   - 以空格开头的行是上一字段的续行，以 "\n" 拼接
//   - 续行 " ." 表示值里的一个空行
//   - 文件末尾没有空行的段落照常保留，空段落丢弃
func ParseParagraphs(r io.Reader) ([]Paragraph, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	var out []Paragraph
	var cur Paragraph
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSuffix(scanner.Text(), "\r")

		switch {
		case strings.TrimSpace(line) == "":
			if len(cur) > 0 {
				out = append(out, cur)
			}
			cur = nil

		case line[0] == ' ' || line[0] == '\t':
			if len(cur) == 0 {
				return nil, fmt.Errorf("line %d: continuation line without a field", lineNo)
			}
			last := &cur[len(cur)-1]
			if line == " ." {
				last.Value += "\n"
			} else {
				last.Value += "\n" + line[1:]
			}

		default:
			name, value, ok := strings.Cut(line, ":")
			if !ok || strings.TrimSpace(name) == "" {
				return nil, fmt.Errorf("line %d: expected 'Label: value', got %q", lineNo, line)
			}
			cur = append(cur, Field{Name: strings.TrimSpace(name), Value: strings.TrimSpace(value)})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read paragraphs: %w", err)
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out, nil
}

// FormatParagraphs 是 ParseParagraphs 的逆操作，段落之间以空行分隔。
// 多行值按续行输出，值中的空行写成 " ."
func FormatParagraphs(w io.Writer, paras []Paragraph) error {
	bw := bufio.NewWriter(w)
	for i, p := range paras {
		if i > 0 {
			bw.WriteString("\n")
		}
		for _, f := range p {
			lines := strings.Split(f.Value, "\n")
			if lines[0] == "" {
				fmt.Fprintf(bw, "%s:\n", f.Name)
			} else {
				fmt.Fprintf(bw, "%s: %s\n", f.Name, lines[0])
			}
			for _, l := range lines[1:] {
				if l == "" {
					bw.WriteString(" .\n")
				} else {
					bw.WriteString(" " + l + "\n")
				}
			}
		}
	}
	return bw.Flush()
}
