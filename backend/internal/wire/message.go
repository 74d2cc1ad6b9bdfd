package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"codeCollab/backend/internal/crdt"
	"codeCollab/backend/internal/presence"
)

// Version 当前协议版本，信封里的 "v"
const Version = 1

var (
	ErrUnsupportedVersion = errors.New("UNSUPPORTED_VERSION")
	ErrUnknownType        = errors.New("UNKNOWN_TYPE")
	ErrMalformed          = errors.New("MALFORMED_MESSAGE")
)

type Type string

const (
	TypeSyncStep1        Type = "sync_step1"
	TypeSyncStep2        Type = "sync_step2"
	TypeUpdate           Type = "update"
	TypeAwareness        Type = "awareness"
	TypeAwarenessRemoved Type = "awareness_removed"
	TypeLanguage         Type = "language"
	TypeError            Type = "error"
)

// Envelope 文档通道上的帧
// {"v":1,"type":"update","payload":{"update":{"ops":[...]}}}
type Envelope struct {
	V       int             `json:"v"`
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Message 封闭的消息集合，只有本包里的类型实现
type Message interface {
	MessageType() Type
	isMessage()
}

// SyncStep1 发出本端状态向量，请求对方补齐缺失的操作
type SyncStep1 struct {
	StateVector crdt.StateVector `json:"stateVector"`
}

// SyncStep2 回应 SyncStep1：对方缺失的操作 + 本端状态向量
type SyncStep2 struct {
	Update      crdt.Update      `json:"update"`
	StateVector crdt.StateVector `json:"stateVector"`
}

type UpdateMsg struct {
	Update crdt.Update `json:"update"`
}

type Awareness struct {
	States []presence.State `json:"states"`
}

// AwarenessRemoved relay 发现某连接断开后广播
type AwarenessRemoved struct {
	Identities []string `json:"identities"`
}

type LanguageMsg struct {
	LanguageState
}

type ErrorMsg struct {
	Message string `json:"message"`
}

func (SyncStep1) MessageType() Type        { return TypeSyncStep1 }
func (SyncStep2) MessageType() Type        { return TypeSyncStep2 }
func (UpdateMsg) MessageType() Type        { return TypeUpdate }
func (Awareness) MessageType() Type        { return TypeAwareness }
func (AwarenessRemoved) MessageType() Type { return TypeAwarenessRemoved }
func (LanguageMsg) MessageType() Type      { return TypeLanguage }
func (ErrorMsg) MessageType() Type         { return TypeError }

func (SyncStep1) isMessage()        {}
func (SyncStep2) isMessage()        {}
func (UpdateMsg) isMessage()        {}
func (Awareness) isMessage()        {}
func (AwarenessRemoved) isMessage() {}
func (LanguageMsg) isMessage()      {}
func (ErrorMsg) isMessage()         {}

func Encode(m Message) ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.MessageType(), err)
	}
	return json.Marshal(Envelope{V: Version, Type: m.MessageType(), Payload: payload})
}

// Decode 解析一帧。版本/类型不认识时返回对应的哨兵错误，调用方记日志后丢弃
func Decode(b []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.V != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, env.V)
	}

	var (
		m   Message
		err error
	)
	switch env.Type {
	case TypeSyncStep1:
		var s1 SyncStep1
		if s1, err = decodeAs[SyncStep1](env); err == nil && s1.StateVector == nil {
			s1.StateVector = crdt.StateVector{}
		}
		m = s1
	case TypeSyncStep2:
		m, err = decodeAs[SyncStep2](env)
	case TypeUpdate:
		m, err = decodeAs[UpdateMsg](env)
	case TypeAwareness:
		m, err = decodeAs[Awareness](env)
	case TypeAwarenessRemoved:
		m, err = decodeAs[AwarenessRemoved](env)
	case TypeLanguage:
		var lm LanguageMsg
		if lm, err = decodeAs[LanguageMsg](env); err == nil && !lm.Language.Valid() {
			err = fmt.Errorf("%w: language %q", ErrMalformed, lm.Language)
		}
		m = lm
	case TypeError:
		m, err = decodeAs[ErrorMsg](env)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func decodeAs[T Message](env Envelope) (T, error) {
	var v T
	if len(env.Payload) == 0 {
		return v, fmt.Errorf("%w: %s without payload", ErrMalformed, env.Type)
	}
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return v, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	return v, nil
}
