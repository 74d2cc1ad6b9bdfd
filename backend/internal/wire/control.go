package wire

import (
	"encoding/json"
	"fmt"
)

// ControlType 会议数据通道上的控制消息类型，沿用前端的名字
type ControlType string

const (
	ControlOpen       ControlType = "code_editor_open"
	ControlClose      ControlType = "code_editor_close"
	ControlFullScreen ControlType = "code_editor_fullscreen"
)

func (t ControlType) Valid() bool {
	switch t {
	case ControlOpen, ControlClose, ControlFullScreen:
		return true
	}
	return false
}

// ControlFact 控制消息负载
// {"v":1,"type":"code_editor_open","id":"01J...","participantName":"Ada","isFullScreen":false,"clock":3}
type ControlFact struct {
	V               int         `json:"v"`
	Type            ControlType `json:"type"`
	ID              string      `json:"id"`
	ParticipantName string      `json:"participantName"`
	IsFullScreen    bool        `json:"isFullScreen"`
	Clock           uint64      `json:"clock"`
}

func EncodeControl(f ControlFact) ([]byte, error) {
	f.V = Version
	if !f.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}
	return json.Marshal(f)
}

// DecodeControl 数据通道上也会有别的业务消息，类型不认识时返回 ErrUnknownType
func DecodeControl(b []byte) (ControlFact, error) {
	var f ControlFact
	if err := json.Unmarshal(b, &f); err != nil {
		return ControlFact{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if f.V != Version {
		return ControlFact{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, f.V)
	}
	if !f.Type.Valid() {
		return ControlFact{}, fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}
	if f.ID == "" || f.ParticipantName == "" || f.Clock == 0 {
		return ControlFact{}, fmt.Errorf("%w: control fact missing id/participantName/clock", ErrMalformed)
	}
	return f, nil
}
