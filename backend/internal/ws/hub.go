package ws

import (
	"cmp"
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"codeCollab/backend/internal/cache"
	"codeCollab/backend/internal/logging"
	"codeCollab/backend/internal/presence"
	"codeCollab/backend/internal/wire"
)

// ownedState awareness 以及上报它的连接；连接断开时据此广播 awareness_removed
type ownedState struct {
	state presence.State
	owner *Conn
}

type room struct {
	// 为什么存的是 *Conn 而不是 identity：一个用户可以开多个标签页（多连接），广播要逐连接发
	conns     map[*Conn]struct{}
	awareness map[string]ownedState // identity -> state
}

// Evicter 房间空闲后丢弃它的副本（collab.Service 实现）
type Evicter interface {
	Evict(roomID string)
	Rooms() []string
}

type Hub struct {
	// Redis 在线成员镜像，可以为 nil
	presence    cache.PresenceCache
	presenceTTL time.Duration
	log         *zap.Logger

	// 保护 rooms / idle；加入、离开、广播都先加锁
	mu    sync.RWMutex
	rooms map[string]*room
	// 房间变空的时间，janitor 据此回收
	idle map[string]time.Time

	// 正在运行的连接处理协程；Shutdown 等它们全部退出
	liveMu   sync.Mutex
	live     map[*Conn]struct{}
	draining bool
	drained  *sync.Cond
}

func NewHub(p cache.PresenceCache, presenceTTL time.Duration, log *zap.Logger) *Hub {
	if presenceTTL <= 0 {
		presenceTTL = 10 * time.Minute
	}
	h := &Hub{
		presence:    p,
		presenceTTL: presenceTTL,
		log:         logging.OrNop(log).Named("hub"),
		rooms:       make(map[string]*room),
		idle:        make(map[string]time.Time),
		live:        make(map[*Conn]struct{}),
	}
	h.drained = sync.NewCond(&h.liveMu)
	return h
}

// enter 登记一个连接处理协程。Shutdown 进行中登记的连接直接关闭
func (h *Hub) enter(c *Conn) {
	h.liveMu.Lock()
	h.live[c] = struct{}{}
	draining := h.draining
	h.liveMu.Unlock()
	if draining {
		c.close()
	}
}

// exit 连接处理协程结束（Leave 之后）
func (h *Hub) exit(c *Conn) {
	h.liveMu.Lock()
	delete(h.live, c)
	h.liveMu.Unlock()
	h.drained.Broadcast()
}

// Join 将连接加入房间，返回房间里已有的 awareness，发给新连接
func (h *Hub) Join(roomID string, c *Conn) []presence.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.rooms[roomID]
	if r == nil {
		r = &room{conns: make(map[*Conn]struct{}), awareness: make(map[string]ownedState)}
		h.rooms[roomID] = r
	}
	delete(h.idle, roomID)
	r.conns[c] = struct{}{}
	return r.statesLocked()
}

// Leave 移除连接，返回只由这个连接持有的 identity
func (h *Hub) Leave(roomID string, c *Conn) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.rooms[roomID]
	if r == nil {
		return nil
	}
	delete(r.conns, c)
	var removed []string
	for id, st := range r.awareness {
		if st.owner == c {
			delete(r.awareness, id)
			removed = append(removed, id)
		}
	}
	if len(r.conns) == 0 {
		delete(h.rooms, roomID)
		h.idle[roomID] = time.Now()
	}
	slices.Sort(removed)
	return removed
}

// SetAwareness 记录连接上报的状态，丢弃同一 ClientID 的旧时钟；返回需要转发的状态
func (h *Hub) SetAwareness(roomID string, c *Conn, states []presence.State) []presence.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.rooms[roomID]
	if r == nil {
		return nil
	}
	var accepted []presence.State
	for _, st := range states {
		if st.Identity == "" {
			continue
		}
		if cur, ok := r.awareness[st.Identity]; ok && cur.state.ClientID == st.ClientID && cur.state.Clock >= st.Clock {
			continue
		}
		r.awareness[st.Identity] = ownedState{state: st, owner: c}
		accepted = append(accepted, st)
	}
	return accepted
}

func (r *room) statesLocked() []presence.State {
	out := make([]presence.State, 0, len(r.awareness))
	for _, st := range r.awareness {
		out = append(out, st.state)
	}
	slices.SortFunc(out, func(a, b presence.State) int { return cmp.Compare(a.Identity, b.Identity) })
	return out
}

// Broadcast 编码一次，发给房间里除 except 之外的所有连接
func (h *Hub) Broadcast(roomID string, except *Conn, m wire.Message) {
	b, err := wire.Encode(m)
	if err != nil {
		h.log.Error("encode broadcast", zap.String("type", string(m.MessageType())), zap.Error(err))
		return
	}
	h.mu.RLock()
	var conns []*Conn
	if r := h.rooms[roomID]; r != nil {
		conns = make([]*Conn, 0, len(r.conns))
		for c := range r.conns {
			if c != except {
				conns = append(conns, c)
			}
		}
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.enqueue(b)
	}
}

// ConnCount 房间当前连接数
func (h *Hub) ConnCount(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if r := h.rooms[roomID]; r != nil {
		return len(r.conns)
	}
	return 0
}

// Shutdown 关闭所有连接，并等连接处理协程全部退出（不再有进行中的提交）
func (h *Hub) Shutdown() {
	h.liveMu.Lock()
	h.draining = true
	conns := make([]*Conn, 0, len(h.live))
	for c := range h.live {
		conns = append(conns, c)
	}
	h.liveMu.Unlock()

	for _, c := range conns {
		c.close()
	}

	h.liveMu.Lock()
	for len(h.live) > 0 {
		h.drained.Wait()
	}
	h.draining = false
	h.liveMu.Unlock()
}

// RunJanitor 定期丢弃空闲超过 ttl 的房间副本，直到 ctx 结束
func (h *Hub) RunJanitor(ctx context.Context, ev Evicter, ttl, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, id := range h.evictIdle(ev, h.sweep(ev.Rooms(), now, ttl)) {
				h.log.Info("evict idle room", zap.String("room", id))
			}
		}
	}
}

// evictIdle 持锁逐个回收：sweep 之后又有连接加入的房间保留副本
func (h *Hub) evictIdle(ev Evicter, ids []string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, id := range ids {
		if _, active := h.rooms[id]; active {
			continue
		}
		ev.Evict(id)
		out = append(out, id)
	}
	return out
}

// sweep 返回需要回收的房间。没有连接、也没记录空闲时间的房间（例如只被 HTTP 读过）从现在开始计时
func (h *Hub) sweep(known []string, now time.Time, ttl time.Duration) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range known {
		if _, active := h.rooms[id]; active {
			continue
		}
		if _, ok := h.idle[id]; !ok {
			h.idle[id] = now
		}
	}
	var out []string
	for id, since := range h.idle {
		if now.Sub(since) >= ttl {
			delete(h.idle, id)
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

func (h *Hub) touchPresence(ctx context.Context, roomID string, states []presence.State) {
	if h.presence == nil {
		return
	}
	for _, st := range states {
		if err := h.presence.AddMember(ctx, roomID, st.Identity, st.Color, h.presenceTTL); err != nil {
			h.log.Warn("add presence member", zap.String("room", roomID), zap.Error(err))
			return
		}
		if b, err := json.Marshal(st); err == nil {
			_ = h.presence.SetAwareness(ctx, roomID, st.Identity, b, h.presenceTTL)
		}
	}
}

func (h *Hub) dropPresence(ctx context.Context, roomID string, identities []string) {
	if h.presence == nil {
		return
	}
	for _, id := range identities {
		if err := h.presence.RemoveMember(ctx, roomID, id); err != nil {
			h.log.Warn("remove presence member", zap.String("room", roomID), zap.Error(err))
		}
	}
}
