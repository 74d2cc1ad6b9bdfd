package syncclient

import (
	"codeCollab/backend/internal/crdt"
	"codeCollab/backend/internal/presence"
	"codeCollab/backend/internal/wire"
)

// Replica 客户端需要的本地副本能力，由 session 实现。所有方法并发安全
type Replica interface {
	StateVector() crdt.StateVector
	Diff(sv crdt.StateVector) crdt.Update
	ApplyRemote(u crdt.Update) error

	LocalAwareness() (presence.State, bool)
	ApplyAwareness(states []presence.State)
	RemovePeers(identities []string)
	// 断线时清空远端参与者
	ClearRemotePeers()

	LocalLanguage() (wire.LanguageState, bool)
	ApplyLanguage(st wire.LanguageState)
}
