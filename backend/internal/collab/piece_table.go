package collab

import (
	"errors"
	"fmt"
	"strings"

	"codeCollab/backend/internal/ot/delta"
)

var ErrDeltaOutOfRange = errors.New("DELTA_OUT_OF_RANGE")

type bufferKind int

const (
	bufOriginal bufferKind = iota
	bufAdd
)

type piece struct {
	// 指针标签，表示从 original 还是 add 切片上偏移
	buf    bufferKind
	offset int
	length int
}

// PieceTable 编辑器视图的文本缓冲。只接受线性 delta，
// 由副本的变更通知驱动，不自己产生修改
type PieceTable struct {
	original []rune
	// 只追加
	add    []rune
	pieces []piece
}

func NewPieceTable(initial string) *PieceTable {
	pt := &PieceTable{}
	pt.Reset(initial)
	return pt
}

// Reset 用整段文本重建缓冲（视图与副本对不上时兜底）
func (pt *PieceTable) Reset(text string) {
	pt.original = []rune(text)
	pt.add = nil
	pt.pieces = nil
	if len(pt.original) > 0 {
		pt.pieces = []piece{{buf: bufOriginal, offset: 0, length: len(pt.original)}}
	}
}

func (pt *PieceTable) Len() int {
	n := 0
	for _, p := range pt.pieces {
		n += p.length
	}
	return n
}

func (pt *PieceTable) String() string {
	var b strings.Builder
	for _, p := range pt.pieces {
		b.WriteString(string(pt.slice(p)))
	}
	return b.String()
}

func (pt *PieceTable) slice(p piece) []rune {
	if p.buf == bufOriginal {
		return pt.original[p.offset : p.offset+p.length]
	}
	return pt.add[p.offset : p.offset+p.length]
}

// Apply 按顺序执行 delta。retain/delete 超出末尾时返回 ErrDeltaOutOfRange，
// 此时缓冲保持调用前的内容
func (pt *PieceTable) Apply(d delta.Delta) error {
	if err := pt.check(d); err != nil {
		return err
	}
	pos := 0
	for _, op := range d {
		switch op.Kind {
		case delta.KindRetain:
			pos += op.Count
		case delta.KindInsert:
			pos += pt.insert(pos, []rune(op.Text))
		case delta.KindDelete:
			pt.delete(pos, op.Count)
		}
	}
	return nil
}

func (pt *PieceTable) check(d delta.Delta) error {
	n := pt.Len()
	pos := 0
	for i, op := range d {
		switch op.Kind {
		case delta.KindRetain:
			pos += op.Count
		case delta.KindInsert:
			rc := len([]rune(op.Text))
			pos += rc
			n += rc
		case delta.KindDelete:
			n -= op.Count
		default:
			return fmt.Errorf("%w: op %d has unknown kind %q", ErrDeltaOutOfRange, i, op.Kind)
		}
		if op.Count < 0 || pos > n {
			return fmt.Errorf("%w: op %d reaches %d, length %d", ErrDeltaOutOfRange, i, pos, n)
		}
	}
	return nil
}

func (pt *PieceTable) insert(pos int, text []rune) int {
	if len(text) == 0 {
		return 0
	}
	start := len(pt.add)
	pt.add = append(pt.add, text...)
	newPiece := piece{buf: bufAdd, offset: start, length: len(text)}

	idx, offset := pt.locate(pos)
	if idx >= len(pt.pieces) {
		pt.pieces = append(pt.pieces, newPiece)
		return len(text)
	}
	cur := pt.pieces[idx]
	left := piece{buf: cur.buf, offset: cur.offset, length: offset}
	right := piece{buf: cur.buf, offset: cur.offset + offset, length: cur.length - offset}

	// 只拆目标 piece，其他 piece 原样搬过去
	out := make([]piece, 0, len(pt.pieces)+2)
	out = append(out, pt.pieces[:idx]...)
	if left.length > 0 {
		out = append(out, left)
	}
	out = append(out, newPiece)
	if right.length > 0 {
		out = append(out, right)
	}
	pt.pieces = append(out, pt.pieces[idx+1:]...)
	return len(text)
}

func (pt *PieceTable) delete(pos, count int) {
	remain := count
	idx, offset := pt.locate(pos)
	for remain > 0 && idx < len(pt.pieces) {
		cur := pt.pieces[idx]
		take := min(remain, cur.length-offset)

		// 整个 piece 都删掉，idx 不动
		if offset == 0 && take == cur.length {
			pt.pieces = append(pt.pieces[:idx], pt.pieces[idx+1:]...)
			remain -= take
			continue
		}

		// 删 piece 中间一段，拆成左右两段
		leftLen := offset
		rightLen := cur.length - offset - take
		out := make([]piece, 0, len(pt.pieces)+1)
		out = append(out, pt.pieces[:idx]...)
		if leftLen > 0 {
			out = append(out, piece{buf: cur.buf, offset: cur.offset, length: leftLen})
		}
		if rightLen > 0 {
			out = append(out, piece{buf: cur.buf, offset: cur.offset + offset + take, length: rightLen})
		}
		pt.pieces = append(out, pt.pieces[idx+1:]...)
		remain -= take

		// 左段保留时，下一段从下一个 piece 的开头开始
		if leftLen > 0 {
			idx++
		}
		offset = 0
	}
}

// 根据逻辑位置 pos，找到对应的 piece 下标 idx 和在该 piece 内的偏移 offset
func (pt *PieceTable) locate(pos int) (idx int, offset int) {
	cur := 0
	for i, p := range pt.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(pt.pieces), 0
}
