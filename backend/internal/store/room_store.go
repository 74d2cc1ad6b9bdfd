package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"codeCollab/backend/internal/wire"
)

// Room 房间目录：只记房间元信息（语言），不存文档内容
type Room struct {
	RoomID        string `gorm:"primaryKey;type:varchar(64)"`
	Language      string `gorm:"type:varchar(16)"`
	LanguageBy    string `gorm:"type:varchar(128)"`
	LanguageClock uint64 `gorm:"default:0"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type RoomStore struct {
	db *gorm.DB
}

func NewRoomStore(db *gorm.DB) *RoomStore {
	return &RoomStore{db: db}
}

func (s *RoomStore) Get(ctx context.Context, roomID string) (*Room, error) {
	var room Room
	err := s.db.WithContext(ctx).Where("room_id = ?", roomID).First(&room).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
		}
		return nil, err
	}
	return &room, nil
}

// Touch 房间不存在时创建；并发创建撞主键（1062）视为成功
func (s *RoomStore) Touch(ctx context.Context, roomID string) error {
	err := s.db.WithContext(ctx).Create(&Room{RoomID: roomID}).Error
	if err != nil && !isDuplicateKey(err) {
		return err
	}
	return nil
}

func (s *RoomStore) LoadLanguage(ctx context.Context, roomID string) (wire.LanguageState, bool, error) {
	room, err := s.Get(ctx, roomID)
	if errors.Is(err, ErrRoomNotFound) {
		return wire.LanguageState{}, false, nil
	}
	if err != nil {
		return wire.LanguageState{}, false, err
	}
	if room.LanguageClock == 0 {
		return wire.LanguageState{}, false, nil
	}
	return wire.LanguageState{
		Language: wire.Language(room.Language),
		By:       room.LanguageBy,
		Clock:    room.LanguageClock,
	}, true, nil
}

// SaveLanguage 条件更新，库里已有更新的值时不覆盖（多个 relay 实例同时写）
func (s *RoomStore) SaveLanguage(ctx context.Context, roomID string, st wire.LanguageState) error {
	if err := s.Touch(ctx, roomID); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&Room{}).
		Where("room_id = ?", roomID).
		Where("language_clock < ? OR (language_clock = ? AND language_by < ?)", st.Clock, st.Clock, st.By).
		Updates(map[string]any{
			"language":       string(st.Language),
			"language_by":    st.By,
			"language_clock": st.Clock,
		}).Error
}
