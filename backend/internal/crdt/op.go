package crdt

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

type OpKind string

const (
	OpInsert OpKind = "insert"
	OpDelete OpKind = "delete"
)

var ErrInvalidOp = errors.New("INVALID_OP")

// Op 一次原子操作
//   - insert: Text 插在 Origin 之后；第 i 个字符的 ID 为 {Peer, Seq+i}，时钟为 Clock+i，
//     i>0 的字符 origin 为前一个字符
//   - delete: 只占用一个序号，Targets 为要打墓碑的字符 ID
type Op struct {
	Kind    OpKind `json:"kind"`
	ID      ID     `json:"id"`
	Clock   uint64 `json:"clock"` // Lamport 时钟，决定并发插入的先后
	Origin  ID     `json:"origin,omitempty"`
	Text    string `json:"text,omitempty"`
	Targets []ID   `json:"targets,omitempty"`
}

// Update 在副本之间传输的增量
type Update struct {
	Ops []Op `json:"ops"`
}

func (u Update) Empty() bool { return len(u.Ops) == 0 }

// Len 该操作占用的序号个数
func (op Op) Len() uint64 {
	if op.Kind == OpInsert {
		return uint64(utf8.RuneCountInString(op.Text))
	}
	return 1
}

// LastSeq 该操作占用的最后一个序号
func (op Op) LastSeq() uint64 { return op.ID.Seq + op.Len() - 1 }

func (op Op) validate() error {
	if op.ID.Peer == "" || op.ID.Seq == 0 || op.Clock == 0 {
		return fmt.Errorf("%w: missing id/clock (%s)", ErrInvalidOp, op.ID)
	}
	switch op.Kind {
	case OpInsert:
		if op.Text == "" || !utf8.ValidString(op.Text) {
			return fmt.Errorf("%w: bad insert text (%s)", ErrInvalidOp, op.ID)
		}
	case OpDelete:
		if len(op.Targets) == 0 {
			return fmt.Errorf("%w: delete without targets (%s)", ErrInvalidOp, op.ID)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q (%s)", ErrInvalidOp, op.Kind, op.ID)
	}
	return nil
}
