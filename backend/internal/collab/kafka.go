package collab

import (
	"time"

	"codeCollab/backend/internal/crdt"
)

const EventDocUpdated = "DOC_UPDATED"

// DocUpdateEvent relay 每合并一次增量就投递一条，下游按 roomId 分区消费
type DocUpdateEvent struct {
	EventType string      `json:"eventType"` // 固定 "DOC_UPDATED"
	RoomID    string      `json:"roomId"`
	Identity  string      `json:"identity"` // 发送该增量的参与者
	ClientID  string      `json:"clientId"`
	Update    crdt.Update `json:"update"`
	// 合并后的房间状态
	StateVector crdt.StateVector `json:"stateVector"`
	Length      int              `json:"length"`
	AppliedAt   time.Time        `json:"appliedAt"`
}

func NewDocUpdateEvent(roomID, identity, clientID string, u crdt.Update, doc *crdt.Document) DocUpdateEvent {
	return DocUpdateEvent{
		EventType:   EventDocUpdated,
		RoomID:      roomID,
		Identity:    identity,
		ClientID:    clientID,
		Update:      u,
		StateVector: doc.StateVector(),
		Length:      doc.Len(),
		AppliedAt:   time.Now().UTC(),
	}
}
