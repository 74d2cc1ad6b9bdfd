package delta

import "strings"

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

type Op struct {
	Kind  Kind   `json:"kind"`            // "retain" / "insert" / "delete"
	Count int    `json:"count,omitempty"` // retain/delete 的长度（按 rune 计）
	Text  string `json:"text,omitempty"`  // insert 的文本
}

// Delta 线性文本变更，基于上一版可见文本的偏移
// "ops":[{"kind":"retain","count":5},{"kind":"insert","text":"Hello"}]
type Delta []Op

// Retain 追加 retain，与末尾同类 op 合并
func (d Delta) Retain(n int) Delta {
	if n <= 0 {
		return d
	}
	if last := len(d) - 1; last >= 0 && d[last].Kind == KindRetain {
		d[last].Count += n
		return d
	}
	return append(d, Op{Kind: KindRetain, Count: n})
}

func (d Delta) Insert(text string) Delta {
	if text == "" {
		return d
	}
	if last := len(d) - 1; last >= 0 && d[last].Kind == KindInsert {
		d[last].Text += text
		return d
	}
	return append(d, Op{Kind: KindInsert, Text: text})
}

func (d Delta) Delete(n int) Delta {
	if n <= 0 {
		return d
	}
	if last := len(d) - 1; last >= 0 && d[last].Kind == KindDelete {
		d[last].Count += n
		return d
	}
	return append(d, Op{Kind: KindDelete, Count: n})
}

// Empty 没有任何 insert/delete（纯 retain 也视为空）
func (d Delta) Empty() bool {
	for _, op := range d {
		if op.Kind != KindRetain {
			return false
		}
	}
	return true
}

// Apply 把 delta 应用到纯文本上，越界部分按末尾截断
func (d Delta) Apply(text string) string {
	src := []rune(text)
	var b strings.Builder
	pos := 0
	for _, op := range d {
		switch op.Kind {
		case KindRetain:
			end := min(pos+op.Count, len(src))
			b.WriteString(string(src[pos:end]))
			pos = end
		case KindInsert:
			b.WriteString(op.Text)
		case KindDelete:
			pos = min(pos+op.Count, len(src))
		}
	}
	b.WriteString(string(src[pos:]))
	return b.String()
}
