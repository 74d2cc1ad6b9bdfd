package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"codeCollab/backend/internal/collab"
	"codeCollab/backend/internal/crdt"
	"codeCollab/backend/internal/wire"
)

type ConnOptions struct {
	// 读超时；客户端的 ping 会续期
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// 出站队列长度，满了直接断开，客户端重连后全量同步
	SendQueue int
	// 单帧上限
	MaxFrameBytes int64
	// 等信号量的预算
	SubmitBudget time.Duration
}

func (o *ConnOptions) defaults() {
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 60 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.SendQueue <= 0 {
		o.SendQueue = 256
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = 1 << 20
	}
	if o.SubmitBudget <= 0 {
		o.SubmitBudget = 200 * time.Millisecond
	}
}

type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	roomID   string
	identity string
	clientID string
	opts     ConnOptions
	log      *zap.Logger

	// send 不关闭，用 done 通知写循环退出，避免广播方向已关闭的通道发送
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// 协作引擎服务
	svc collab.Service
	// 信号量控制
	sem *collab.SemaphoreControl
}

func newConn(ws *websocket.Conn, hub *Hub, roomID, identity, clientID string, svc collab.Service, sem *collab.SemaphoreControl, opts ConnOptions, log *zap.Logger) *Conn {
	return &Conn{
		ws:       ws,
		hub:      hub,
		roomID:   roomID,
		identity: identity,
		clientID: clientID,
		opts:     opts,
		log:      log.With(zap.String("room", roomID), zap.String("identity", identity), zap.String("client", clientID)),
		send:     make(chan []byte, opts.SendQueue),
		done:     make(chan struct{}),
		svc:      svc,
		sem:      sem,
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// enqueue 非阻塞入队。队列满说明对端读不过来，断开连接让它重连后重新同步（丢帧会缺操作）
func (c *Conn) enqueue(b []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- b:
	default:
		c.log.Warn("send queue full, closing connection", zap.Int("queue", cap(c.send)))
		c.close()
	}
}

func (c *Conn) sendMessage(m wire.Message) {
	b, err := wire.Encode(m)
	if err != nil {
		c.log.Error("encode frame", zap.String("type", string(m.MessageType())), zap.Error(err))
		return
	}
	c.enqueue(b)
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case b := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				c.log.Debug("write failed", zap.Error(err))
				c.close()
				return
			}
		}
	}
}

// readLoop 阻塞到连接断开
func (c *Conn) readLoop(ctx context.Context) error {
	c.ws.SetReadLimit(c.opts.MaxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	c.ws.SetPingHandler(func(data string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		err := c.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.opts.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))

		m, err := wire.Decode(data)
		if err != nil {
			c.log.Warn("drop malformed frame", zap.Error(err))
			c.sendMessage(wire.ErrorMsg{Message: err.Error()})
			continue
		}
		c.handle(ctx, m)
	}
}

func (c *Conn) handle(ctx context.Context, m wire.Message) {
	switch msg := m.(type) {
	case wire.SyncStep1:
		// 回对方缺的操作，再发自己的状态向量，让对方把离线期间的修改补上来
		u, sv, err := c.svc.Sync(ctx, c.roomID, msg.StateVector)
		if err != nil {
			c.sendMessage(wire.ErrorMsg{Message: err.Error()})
			return
		}
		c.sendMessage(wire.SyncStep2{Update: u, StateVector: sv})
		c.sendMessage(wire.SyncStep1{StateVector: sv})

	case wire.SyncStep2:
		c.handleUpdate(ctx, msg.Update)

	case wire.UpdateMsg:
		c.handleUpdate(ctx, msg.Update)

	case wire.Awareness:
		states := msg.States[:0:0]
		for _, st := range msg.States {
			// 只接受本连接自己的状态
			if st.Identity == c.identity {
				states = append(states, st)
			}
		}
		accepted := c.hub.SetAwareness(c.roomID, c, states)
		if len(accepted) == 0 {
			return
		}
		c.hub.Broadcast(c.roomID, c, wire.Awareness{States: accepted})
		c.hub.touchPresence(ctx, c.roomID, accepted)

	case wire.LanguageMsg:
		cur, changed, err := c.svc.SetLanguage(ctx, c.roomID, msg.LanguageState)
		if err != nil {
			c.sendMessage(wire.ErrorMsg{Message: err.Error()})
			return
		}
		if changed {
			c.hub.Broadcast(c.roomID, c, wire.LanguageMsg{LanguageState: cur})
			return
		}
		// 提交的值已经过期，把当前值回给它
		if cur != msg.LanguageState && cur.Clock > 0 {
			c.sendMessage(wire.LanguageMsg{LanguageState: cur})
		}

	case wire.AwarenessRemoved:
		// 只由 relay 发出
		c.log.Debug("ignore awareness_removed from client")

	case wire.ErrorMsg:
		c.log.Warn("client error", zap.String("message", msg.Message))
	}
}

func (c *Conn) handleUpdate(ctx context.Context, u crdt.Update) {
	if u.Empty() {
		return
	}
	acquireCtx, cancel := context.WithTimeout(ctx, c.opts.SubmitBudget)
	defer cancel()
	if err := c.sem.Acquire(acquireCtx); err != nil {
		// 这批操作没合并；发出 relay 的状态向量，客户端会在 sync_step2 里重发
		c.log.Warn("submit throttled", zap.Int("inUse", c.sem.InUse()), zap.Error(err))
		c.sendMessage(wire.ErrorMsg{Message: err.Error()})
		if _, sv, serr := c.svc.Snapshot(ctx, c.roomID); serr == nil {
			c.sendMessage(wire.SyncStep1{StateVector: sv})
		}
		return
	}
	defer c.sem.Release()

	applied, err := c.svc.Submit(ctx, c.roomID, c.identity, c.clientID, u)
	if err != nil {
		c.sendMessage(wire.ErrorMsg{Message: err.Error()})
	}
	if applied.Empty() {
		return
	}
	c.hub.Broadcast(c.roomID, c, wire.UpdateMsg{Update: applied})

	// 之前缓冲、这次才集成的别人的操作，发送方也要收到
	if back := notSubmitted(applied, u); !back.Empty() {
		c.sendMessage(wire.UpdateMsg{Update: back})
	}
}

func notSubmitted(applied, submitted crdt.Update) crdt.Update {
	own := make(map[crdt.ID]struct{}, len(submitted.Ops))
	for _, op := range submitted.Ops {
		own[op.ID] = struct{}{}
	}
	var out crdt.Update
	for _, op := range applied.Ops {
		if _, ok := own[op.ID]; !ok {
			out.Ops = append(out.Ops, op)
		}
	}
	return out
}
