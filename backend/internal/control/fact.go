package control

import (
	"errors"
	"fmt"

	"codeCollab/backend/internal/wire"
)

var ErrMalformedFact = errors.New("MALFORMED_FACT")

// Kind 控制事实的种类
type Kind string

const (
	KindOpen       Kind = Kind(wire.ControlOpen)
	KindClose      Kind = Kind(wire.ControlClose)
	KindFullScreen Kind = Kind(wire.ControlFullScreen)
)

// Fact 会议里任何人都能广播的 UI 状态事实
type Fact struct {
	ID         string
	Kind       Kind
	Initiator  string
	FullScreen bool
	Clock      uint64 // Lamport 时钟，决定并发事实的先后
}

// State 共享编辑器的房间级状态；Open=false 时其他字段无意义
type State struct {
	Open       bool
	Initiator  string
	FullScreen bool
}

func (s State) String() string {
	if !s.Open {
		return "Closed"
	}
	return fmt.Sprintf("Open(%s, fullScreen=%t)", s.Initiator, s.FullScreen)
}

func encodeFact(f Fact) ([]byte, error) {
	return wire.EncodeControl(wire.ControlFact{
		Type:            wire.ControlType(f.Kind),
		ID:              f.ID,
		ParticipantName: f.Initiator,
		IsFullScreen:    f.FullScreen,
		Clock:           f.Clock,
	})
}

func decodeFact(b []byte) (Fact, error) {
	cf, err := wire.DecodeControl(b)
	if err != nil {
		return Fact{}, fmt.Errorf("%w: %w", ErrMalformedFact, err)
	}
	return Fact{
		ID:         cf.ID,
		Kind:       Kind(cf.Type),
		Initiator:  cf.ParticipantName,
		FullScreen: cf.IsFullScreen,
		Clock:      cf.Clock,
	}, nil
}
