package presence

import (
	"slices"
	"strings"
	"sync"
)

// Cursor 选区，Anchor == Head 时为光标
type Cursor struct {
	Anchor int `json:"anchor"`
	Head   int `json:"head"`
}

// State 一个参与者的临时状态（awareness），不进文档
type State struct {
	ClientID   string  `json:"clientId"`
	Identity   string  `json:"identity"`
	Color      string  `json:"color"`
	ColorLight string  `json:"colorLight"`
	Cursor     *Cursor `json:"cursor,omitempty"`
	// 同一 ClientID 内单调递增，旧状态直接丢弃
	Clock uint64 `json:"clock"`
}

type observer struct {
	id int
	fn func([]State)
}

// Registry 本端 + 远端参与者。移除只由连接存活信号驱动，这里没有超时
type Registry struct {
	mu       sync.Mutex
	clientID string
	local    *State
	remote   map[string]State // identity -> state

	observers []observer
	nextObs   int
}

func NewRegistry(clientID string) *Registry {
	return &Registry{clientID: clientID, remote: make(map[string]State)}
}

func (r *Registry) ClientID() string { return r.clientID }

// SetLocal 更新本端状态并返回需要发出去的 State；color 为空时按名字选色
func (r *Registry) SetLocal(identity, color string, cursor *Cursor) State {
	r.mu.Lock()
	if color == "" {
		color = ColorFor(identity)
	}
	var clock uint64 = 1
	if r.local != nil {
		clock = r.local.Clock + 1
	}
	st := State{
		ClientID:   r.clientID,
		Identity:   identity,
		Color:      color,
		ColorLight: LightColor(color),
		Cursor:     cloneCursor(cursor),
		Clock:      clock,
	}
	r.local = &st
	peers := r.peersLocked()
	obs := slices.Clone(r.observers)
	r.mu.Unlock()

	notify(obs, peers)
	return st
}

// SetCursor 只改光标，其余沿用当前本端状态；还没有本端状态时返回 false
func (r *Registry) SetCursor(cursor *Cursor) (State, bool) {
	r.mu.Lock()
	if r.local == nil {
		r.mu.Unlock()
		return State{}, false
	}
	cur := *r.local
	r.mu.Unlock()
	return r.SetLocal(cur.Identity, cur.Color, cursor), true
}

func (r *Registry) Local() (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.local == nil {
		return State{}, false
	}
	st := *r.local
	st.Cursor = cloneCursor(st.Cursor)
	return st, true
}

// ApplyRemote 按 identity 覆盖。同一 ClientID 的旧时钟（重复/乱序）忽略；
// 换了 ClientID（对方重连）无条件覆盖。返回是否有变化
func (r *Registry) ApplyRemote(s State) bool {
	if s.Identity == "" || s.ClientID == r.clientID {
		return false
	}
	r.mu.Lock()
	if old, ok := r.remote[s.Identity]; ok && old.ClientID == s.ClientID && s.Clock <= old.Clock {
		r.mu.Unlock()
		return false
	}
	if s.Color == "" {
		s.Color = ColorFor(s.Identity)
	}
	if s.ColorLight == "" {
		s.ColorLight = LightColor(s.Color)
	}
	s.Cursor = cloneCursor(s.Cursor)
	r.remote[s.Identity] = s
	peers := r.peersLocked()
	obs := slices.Clone(r.observers)
	r.mu.Unlock()

	notify(obs, peers)
	return true
}

// Remove 删除指定的远端参与者
func (r *Registry) Remove(identities ...string) bool {
	r.mu.Lock()
	changed := false
	for _, id := range identities {
		if _, ok := r.remote[id]; ok {
			delete(r.remote, id)
			changed = true
		}
	}
	if !changed {
		r.mu.Unlock()
		return false
	}
	peers := r.peersLocked()
	obs := slices.Clone(r.observers)
	r.mu.Unlock()

	notify(obs, peers)
	return true
}

// RemoveRemote 本端断线时清空所有远端参与者
func (r *Registry) RemoveRemote() bool {
	r.mu.Lock()
	if len(r.remote) == 0 {
		r.mu.Unlock()
		return false
	}
	clear(r.remote)
	peers := r.peersLocked()
	obs := slices.Clone(r.observers)
	r.mu.Unlock()

	notify(obs, peers)
	return true
}

// CurrentPeers 含本端，按 identity 排序
func (r *Registry) CurrentPeers() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peersLocked()
}

// OnPeerSetChanged 注册回调，在 Registry 锁外调用
func (r *Registry) OnPeerSetChanged(fn func([]State)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextObs++
	id := r.nextObs
	r.observers = append(r.observers, observer{id: id, fn: fn})
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.observers = slices.DeleteFunc(r.observers, func(o observer) bool { return o.id == id })
	}
}

func (r *Registry) peersLocked() []State {
	out := make([]State, 0, len(r.remote)+1)
	for id, st := range r.remote {
		// 同名时以本端为准
		if r.local != nil && id == r.local.Identity {
			continue
		}
		out = append(out, st)
	}
	if r.local != nil {
		out = append(out, *r.local)
	}
	slices.SortFunc(out, func(a, b State) int { return strings.Compare(a.Identity, b.Identity) })
	return out
}

func notify(obs []observer, peers []State) {
	for _, o := range obs {
		o.fn(slices.Clone(peers))
	}
}

func cloneCursor(c *Cursor) *Cursor {
	if c == nil {
		return nil
	}
	cc := *c
	return &cc
}
