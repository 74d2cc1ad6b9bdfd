package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"

	"codeCollab/backend/internal/wire"
)

func TestIsDuplicateKey(t *testing.T) {
	dup := fmt.Errorf("create room: %w", &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})
	if !isDuplicateKey(dup) {
		t.Fatalf("wrapped 1062 not detected")
	}
	if isDuplicateKey(&mysql.MySQLError{Number: 1146}) || isDuplicateKey(errors.New("x")) {
		t.Fatalf("non-duplicate errors detected as duplicate")
	}
}

// 需要真实 MySQL：CODECOLLAB_TEST_MYSQL_DSN=user:pass@tcp(127.0.0.1:3306)/codecollab?parseTime=true
func TestRoomStore_LanguageLastWriterWins(t *testing.T) {
	dsn := os.Getenv("CODECOLLAB_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skipf("skip: CODECOLLAB_TEST_MYSQL_DSN not set")
	}
	db, err := InitMySQL(dsn)
	if err != nil {
		t.Skipf("skip: mysql not available: %v", err)
	}
	s := NewRoomStore(db)
	ctx := context.Background()
	room := fmt.Sprintf("test-%d", time.Now().UnixNano())
	defer db.Where("room_id = ?", room).Delete(&Room{})

	if _, found, err := s.LoadLanguage(ctx, room); err != nil || found {
		t.Fatalf("LoadLanguage(new) = %v, %v", found, err)
	}
	if _, err := s.Get(ctx, room); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("Get(new) err = %v", err)
	}
	// 重复 Touch 不报错
	if err := s.Touch(ctx, room); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if err := s.Touch(ctx, room); err != nil {
		t.Fatalf("second Touch: %v", err)
	}

	if err := s.SaveLanguage(ctx, room, wire.LanguageState{Language: wire.Java, By: "Lin", Clock: 5}); err != nil {
		t.Fatalf("SaveLanguage: %v", err)
	}
	if err := s.SaveLanguage(ctx, room, wire.LanguageState{Language: wire.Cpp, By: "Ada", Clock: 4}); err != nil {
		t.Fatalf("SaveLanguage(stale): %v", err)
	}
	st, found, err := s.LoadLanguage(ctx, room)
	if err != nil || !found || st.Language != wire.Java || st.Clock != 5 {
		t.Fatalf("LoadLanguage() = %+v, %v, %v", st, found, err)
	}
}
