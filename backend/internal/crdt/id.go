package crdt

import "fmt"

// ID 全局唯一的字符/操作标识：(peer, 本地递增序号)
// 零值表示文档头（插入到最前面时的 origin）
type ID struct {
	Peer string `json:"peer"`
	Seq  uint64 `json:"seq"`
}

func (id ID) IsZero() bool { return id.Peer == "" && id.Seq == 0 }

func (id ID) String() string {
	if id.IsZero() {
		return "head"
	}
	return fmt.Sprintf("%s@%d", id.Peer, id.Seq)
}

// StateVector 每个 peer 已经“连续”集成到的最大序号
// 同步时对方据此计算缺失的操作（Diff）
type StateVector map[string]uint64

func (sv StateVector) Get(peer string) uint64 {
	if sv == nil {
		return 0
	}
	return sv[peer]
}

func (sv StateVector) Clone() StateVector {
	out := make(StateVector, len(sv))
	for k, v := range sv {
		out[k] = v
	}
	return out
}

// Covers 判断 sv 是否已经包含 other 的全部操作
func (sv StateVector) Covers(other StateVector) bool {
	for peer, seq := range other {
		if sv.Get(peer) < seq {
			return false
		}
	}
	return true
}
