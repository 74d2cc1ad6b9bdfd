package ws

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"codeCollab/backend/internal/collab"
	"codeCollab/backend/internal/logging"
	"codeCollab/backend/internal/wire"
)

// 全局的WebSocket upgrader（允许本地开发环境的来源）
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type Manager struct {
	h    *Hub
	svc  collab.Service
	sem  *collab.SemaphoreControl
	opts ConnOptions
	log  *zap.Logger
}

func NewManager(h *Hub, svc collab.Service, sem *collab.SemaphoreControl, opts ConnOptions, log *zap.Logger) *Manager {
	opts.defaults()
	log = logging.OrNop(log).Named("relay")
	return &Manager{h: h, svc: svc, sem: sem, opts: opts, log: log}
}

// WebSocketConnect GET /collab/ws/:roomId?name=<identity>&client=<clientId>
func (m *Manager) WebSocketConnect(c *gin.Context) {
	roomID := c.Param("roomId")
	identity := c.Query("name")
	if roomID == "" || identity == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "roomId and name are required"})
		return
	}
	clientID := c.Query("client")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.log.Warn("websocket upgrade failed", zap.String("origin", c.Request.Header.Get("Origin")), zap.Error(err))
		return
	}

	ctx := c.Request.Context()
	wsConn := newConn(conn, m.h, roomID, identity, clientID, m.svc, m.sem, m.opts, m.log)
	m.h.enter(wsConn)
	defer m.h.exit(wsConn)
	defer wsConn.close()

	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	go wsConn.writeLoop()

	states := m.h.Join(roomID, wsConn)
	wsConn.log.Info("joined", zap.Int("conns", m.h.ConnCount(roomID)))
	if len(states) > 0 {
		wsConn.sendMessage(wire.Awareness{States: states})
	}
	if lang, err := m.svc.Language(ctx, roomID); err == nil && lang.Clock > 0 {
		wsConn.sendMessage(wire.LanguageMsg{LanguageState: lang})
	}

	// 最后再进入读循环（阻塞至连接关闭）
	err = wsConn.readLoop(ctx)
	wsConn.close()

	removed := m.h.Leave(roomID, wsConn)
	if len(removed) > 0 {
		m.h.Broadcast(roomID, nil, wire.AwarenessRemoved{Identities: removed})
		m.h.dropPresence(ctx, roomID, removed)
	}
	wsConn.log.Info("left", zap.Strings("removed", removed), zap.NamedError("reason", err))
}
