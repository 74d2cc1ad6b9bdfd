package handlers

import (
	"cmp"
	"encoding/json"
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"

	"codeCollab/backend/internal/cache"
	"codeCollab/backend/internal/collab"
	"codeCollab/backend/internal/crdt"
	"codeCollab/backend/internal/presence"
	"codeCollab/backend/internal/wire"
)

// DocumentView GET /collab/rooms/:roomId/document
type DocumentView struct {
	RoomID      string           `json:"roomId"`
	Text        string           `json:"text"`
	Length      int              `json:"length"`
	StateVector crdt.StateVector `json:"stateVector"`
	Language    wire.Language    `json:"language"`
}

// MemberView 在线成员；Cursor 来自 relay 镜像的 awareness，可能缺失
type MemberView struct {
	Identity string           `json:"identity"`
	Color    string           `json:"color"`
	ClientID string           `json:"clientId,omitempty"`
	Cursor   *presence.Cursor `json:"cursor,omitempty"`
}

type Rooms struct {
	svc collab.Service
	// 可以为 nil（没配 Redis）
	presence cache.PresenceCache
}

func NewRooms(svc collab.Service, p cache.PresenceCache) *Rooms {
	return &Rooms{svc: svc, presence: p}
}

func (h *Rooms) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "ok", "rooms": len(h.svc.Rooms())})
}

// List 本实例持有副本的房间，加上 Redis 里其他 relay 实例上有人在线的房间
func (h *Rooms) List(c *gin.Context) {
	rooms := h.svc.Rooms()
	if h.presence == nil {
		slices.Sort(rooms)
		c.JSON(http.StatusOK, gin.H{"rooms": rooms})
		return
	}
	shared, err := h.presence.GetRooms(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	rooms = append(rooms, shared...)
	slices.Sort(rooms)
	c.JSON(http.StatusOK, gin.H{"rooms": slices.Compact(rooms)})
}

func (h *Rooms) Members(c *gin.Context) {
	roomID := c.Param("roomId")
	if roomID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "roomId missing"})
		return
	}
	if h.presence == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "presence cache not configured"})
		return
	}
	ctx := c.Request.Context()
	members, err := h.presence.GetAliveMembers(ctx, roomID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	slices.SortFunc(members, func(a, b cache.Member) int { return cmp.Compare(a.Identity, b.Identity) })

	views := make([]MemberView, 0, len(members))
	for _, m := range members {
		v := MemberView{Identity: m.Identity, Color: m.Color}
		b, err := h.presence.GetAwareness(ctx, roomID, m.Identity)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		var st presence.State
		// awareness 过期或格式不对时只返回名字和颜色
		if b != nil && json.Unmarshal(b, &st) == nil {
			v.ClientID = st.ClientID
			v.Cursor = st.Cursor
		}
		views = append(views, v)
	}
	c.JSON(http.StatusOK, gin.H{"roomId": roomID, "members": views})
}

func (h *Rooms) Document(c *gin.Context) {
	roomID := c.Param("roomId")
	if roomID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "roomId missing"})
		return
	}
	ctx := c.Request.Context()
	text, sv, err := h.svc.Snapshot(ctx, roomID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	lang, err := h.svc.Language(ctx, roomID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if lang.Language == "" {
		lang.Language = wire.DefaultLanguage
	}
	c.JSON(http.StatusOK, DocumentView{
		RoomID:      roomID,
		Text:        text,
		Length:      len([]rune(text)),
		StateVector: sv,
		Language:    lang.Language,
	})
}
