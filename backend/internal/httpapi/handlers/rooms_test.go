package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"codeCollab/backend/internal/cache"
	"codeCollab/backend/internal/collab"
	"codeCollab/backend/internal/crdt"
	"codeCollab/backend/internal/presence"
)

// memPresence 内存版 PresenceCache，忽略 TTL
type memPresence struct {
	members   map[string][]cache.Member
	awareness map[string][]byte // roomID/identity -> json
	roomsErr  error
}

func (m *memPresence) AddMember(_ context.Context, roomID, identity, color string, _ time.Duration) error {
	m.members[roomID] = append(m.members[roomID], cache.Member{Identity: identity, Color: color})
	return nil
}

func (m *memPresence) RemoveMember(_ context.Context, roomID, identity string) error {
	m.members[roomID] = slices.DeleteFunc(m.members[roomID], func(x cache.Member) bool { return x.Identity == identity })
	return nil
}

func (m *memPresence) GetRooms(context.Context) ([]string, error) {
	if m.roomsErr != nil {
		return nil, m.roomsErr
	}
	var out []string
	for id := range m.members {
		out = append(out, id)
	}
	return out, nil
}

func (m *memPresence) GetAliveMembers(_ context.Context, roomID string) ([]cache.Member, error) {
	return slices.Clone(m.members[roomID]), nil
}

func (m *memPresence) SetAwareness(_ context.Context, roomID, identity string, b []byte, _ time.Duration) error {
	m.awareness[roomID+"/"+identity] = b
	return nil
}

func (m *memPresence) GetAwareness(_ context.Context, roomID, identity string) ([]byte, error) {
	return m.awareness[roomID+"/"+identity], nil
}

func newTestRouter(t *testing.T, p cache.PresenceCache) (*gin.Engine, *collab.InMemoryService) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc := collab.NewInMemoryService(collab.ServiceOptions{})
	h := NewRooms(svc, p)
	r := gin.New()
	r.GET("/collab/rooms", h.List)
	r.GET("/collab/rooms/:roomId/members", h.Members)
	r.GET("/collab/rooms/:roomId/document", h.Document)
	return r, svc
}

func get(t *testing.T, r http.Handler, path string, out any) int {
	t.Helper()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	if out != nil && w.Code == http.StatusOK {
		if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return w.Code
}

func TestRooms_ListMergesSharedPresence(t *testing.T) {
	p := &memPresence{members: map[string][]cache.Member{}, awareness: map[string][]byte{}}
	r, svc := newTestRouter(t, p)
	ctx := context.Background()

	doc := crdt.NewDocument("ada-1")
	if _, err := svc.Submit(ctx, "local", "Ada", "c-1", doc.InsertLocal(0, "x")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// 另一个 relay 实例上的房间只在 Redis 里可见
	_ = p.AddMember(ctx, "remote", "Lin", "#fff", time.Minute)
	_ = p.AddMember(ctx, "local", "Ada", "#000", time.Minute)

	var body struct {
		Rooms []string `json:"rooms"`
	}
	if code := get(t, r, "/collab/rooms", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if !slices.Equal(body.Rooms, []string{"local", "remote"}) {
		t.Fatalf("rooms = %v", body.Rooms)
	}

	p.roomsErr = errors.New("redis down")
	if code := get(t, r, "/collab/rooms", nil); code != http.StatusInternalServerError {
		t.Fatalf("status with redis error = %d", code)
	}
}

func TestRooms_MembersIncludeAwareness(t *testing.T) {
	p := &memPresence{members: map[string][]cache.Member{}, awareness: map[string][]byte{}}
	r, _ := newTestRouter(t, p)
	ctx := context.Background()

	_ = p.AddMember(ctx, "room-1", "Lin", "#0f0", time.Minute)
	_ = p.AddMember(ctx, "room-1", "Ada", "#f00", time.Minute)
	b, _ := json.Marshal(presence.State{ClientID: "c-ada", Identity: "Ada", Cursor: &presence.Cursor{Anchor: 2, Head: 7}})
	_ = p.SetAwareness(ctx, "room-1", "Ada", b, time.Minute)
	_ = p.SetAwareness(ctx, "room-1", "Lin", []byte("{"), time.Minute)

	var body struct {
		Members []MemberView `json:"members"`
	}
	if code := get(t, r, "/collab/rooms/room-1/members", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(body.Members) != 2 || body.Members[0].Identity != "Ada" || body.Members[1].Identity != "Lin" {
		t.Fatalf("members = %+v", body.Members)
	}
	ada := body.Members[0]
	if ada.ClientID != "c-ada" || ada.Cursor == nil || ada.Cursor.Head != 7 || ada.Color != "#f00" {
		t.Fatalf("ada = %+v", ada)
	}
	// 坏掉的 awareness 只影响光标
	if lin := body.Members[1]; lin.Cursor != nil || lin.Color != "#0f0" {
		t.Fatalf("lin = %+v", lin)
	}
}

func TestRooms_WithoutPresenceCache(t *testing.T) {
	r, _ := newTestRouter(t, nil)
	if code := get(t, r, "/collab/rooms/room-1/members", nil); code != http.StatusServiceUnavailable {
		t.Fatalf("members status = %d", code)
	}
	var body struct {
		Rooms []string `json:"rooms"`
	}
	if code := get(t, r, "/collab/rooms", &body); code != http.StatusOK || len(body.Rooms) != 0 {
		t.Fatalf("rooms = %d %v", code, body.Rooms)
	}
	var doc DocumentView
	if code := get(t, r, "/collab/rooms/room-1/document", &doc); code != http.StatusOK || doc.Text != "" || doc.Language == "" {
		t.Fatalf("document = %d %+v", code, doc)
	}
}
