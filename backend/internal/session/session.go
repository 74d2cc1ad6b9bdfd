package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"codeCollab/backend/internal/collab"
	"codeCollab/backend/internal/control"
	"codeCollab/backend/internal/crdt"
	"codeCollab/backend/internal/logging"
	"codeCollab/backend/internal/presence"
	"codeCollab/backend/internal/syncclient"
	"codeCollab/backend/internal/wire"
)

var ErrClosed = errors.New("SESSION_CLOSED")

const defaultSeedDelay = 2 * time.Second

type Options struct {
	RoomID   string
	Identity string
	// 本端初始语言；房间里已经有人选过时以房间为准
	Language wire.Language
	// 连上后等多久再判断要不要写入模板；<0 不写
	SeedDelay time.Duration

	// 文档通道，RelayURL / Identity / ClientID 由 Session 填
	Sync syncclient.Options
	// 控制面广播通道，nil 时控制命令只在本地生效
	Control control.DataChannel
	Logger  *zap.Logger
}

type entry[F any] struct {
	id int
	fn F
}

type listeners[F any] struct {
	next    int
	entries []entry[F]
}

func (l *listeners[F]) add(fn F) int {
	l.next++
	l.entries = append(l.entries, entry[F]{id: l.next, fn: fn})
	return l.next
}

func (l *listeners[F]) remove(id int) {
	l.entries = slices.DeleteFunc(l.entries, func(e entry[F]) bool { return e.id == id })
}

func (l *listeners[F]) snapshot() []F {
	out := make([]F, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.fn
	}
	return out
}

// Session 一个参与者在一个房间里的协作会话：文档副本、参与者、语言、连接状态、共享编辑器状态。
// 所有修改在同一把锁下进行；回调在锁外按修改顺序调用
type Session struct {
	roomID   string
	identity string
	peerID   string
	clientID string
	opts     Options
	log      *zap.Logger

	client *syncclient.Client
	ctrl   *control.Broadcaster

	mu     sync.Mutex
	doc    *crdt.Document
	view   collab.Buffer
	reg    *presence.Registry
	lang   wire.LanguageState
	closed bool

	seedTimer *time.Timer
	seeded    bool

	onDoc      listeners[func(string)]
	onPeers    listeners[func([]presence.State)]
	onStatus   listeners[func(syncclient.Status)]
	onFact     listeners[func(context.Context, control.Fact, control.State)]
	onLanguage listeners[func(wire.Language)]

	// 待调用的回调，按入队顺序由 flush 执行
	queue    []func()
	flushing bool
}

func New(opts Options) (*Session, error) {
	if opts.RoomID == "" || opts.Identity == "" {
		return nil, fmt.Errorf("session: room id and identity are required")
	}
	if opts.Language == "" {
		opts.Language = wire.DefaultLanguage
	}
	if !opts.Language.Valid() {
		return nil, fmt.Errorf("%w: language %q", wire.ErrMalformed, opts.Language)
	}
	if opts.SeedDelay == 0 {
		opts.SeedDelay = defaultSeedDelay
	}

	// identity 可能重名，peer id 加随机后缀保证操作 ID 不冲突
	clientID := uuid.NewString()
	peerID := opts.Identity + "-" + clientID[:8]
	log := logging.OrNop(opts.Logger).Named("session").With(zap.String("room", opts.RoomID), zap.String("peer", peerID))

	s := &Session{
		roomID:   opts.RoomID,
		identity: opts.Identity,
		peerID:   peerID,
		clientID: clientID,
		opts:     opts,
		log:      log,
		doc:      crdt.NewDocument(peerID),
		view:     collab.NewPieceTable(""),
		reg:      presence.NewRegistry(clientID),
		lang:     wire.LanguageState{Language: opts.Language},
	}

	// 以下观察者都在 s.mu 持有期间被调用（文档和 registry 只在锁内修改）
	s.doc.Subscribe(s.onDocChange)
	s.reg.OnPeerSetChanged(func(peers []presence.State) {
		for _, fn := range s.onPeers.snapshot() {
			s.queue = append(s.queue, func() { fn(peers) })
		}
	})
	s.reg.SetLocal(opts.Identity, "", nil)

	syncOpts := opts.Sync
	syncOpts.Identity = opts.Identity
	syncOpts.ClientID = clientID
	if syncOpts.Logger == nil {
		syncOpts.Logger = opts.Logger
	}
	s.client = syncclient.New(replica{s}, syncOpts)
	s.client.OnStatusChange(s.onStatusChange)

	if opts.Control != nil {
		s.ctrl = control.NewBroadcaster(opts.Identity, opts.Control, control.Options{Logger: opts.Logger})
		s.ctrl.OnFactReceived(s.onControlFact)
	}
	return s, nil
}

func (s *Session) RoomID() string   { return s.roomID }
func (s *Session) Identity() string { return s.identity }
func (s *Session) PeerID() string   { return s.peerID }
func (s *Session) ClientID() string { return s.clientID }

// Start 订阅控制通道并开始连接 relay（后台重连，不会因为网络失败返回错误）
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	if s.ctrl != nil {
		if err := s.ctrl.Start(ctx); err != nil {
			return fmt.Errorf("subscribe control channel: %w", err)
		}
	}
	if err := s.client.Connect(ctx, s.roomID); err != nil {
		if s.ctrl != nil {
			s.ctrl.Stop()
		}
		return err
	}
	return nil
}

func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.seedTimer != nil {
		s.seedTimer.Stop()
	}
	s.mu.Unlock()

	s.client.Close()
	if s.ctrl != nil {
		s.ctrl.Stop()
	}
	s.flush()
}

// ---- 命令 ----

// InsertText 在可见位置 pos 插入；不在线时也立即生效，连上后发出
func (s *Session) InsertText(pos int, text string) {
	s.mu.Lock()
	u := s.doc.InsertLocal(pos, text)
	s.mu.Unlock()
	s.flush()
	if !u.Empty() {
		s.client.NotifyLocalUpdate()
	}
}

func (s *Session) DeleteRange(pos, length int) {
	s.mu.Lock()
	u := s.doc.DeleteLocal(pos, length)
	s.mu.Unlock()
	s.flush()
	if !u.Empty() {
		s.client.NotifyLocalUpdate()
	}
}

// SetCursor 更新本端光标/选区（awareness）
func (s *Session) SetCursor(anchor, head int) {
	s.mu.Lock()
	_, ok := s.reg.SetCursor(&presence.Cursor{Anchor: anchor, Head: head})
	s.mu.Unlock()
	s.flush()
	if ok {
		s.client.NotifyAwareness()
	}
}

// SetLanguage 后写者胜，时钟取见过的最大值 + 1
func (s *Session) SetLanguage(l wire.Language) error {
	if !l.Valid() {
		return fmt.Errorf("%w: language %q", wire.ErrMalformed, l)
	}
	s.mu.Lock()
	s.lang = wire.LanguageState{Language: l, By: s.identity, Clock: s.lang.Clock + 1}
	s.queueLanguage(l)
	s.mu.Unlock()
	s.flush()
	s.client.NotifyLanguage()
	return nil
}

func (s *Session) OpenSession(ctx context.Context) (bool, error) {
	if s.ctrl == nil {
		return false, nil
	}
	return s.ctrl.Open(ctx)
}

// OpenSessionWith 打开共享编辑器并同时决定是否全屏，其他人收到的是一条事实
func (s *Session) OpenSessionWith(ctx context.Context, fullScreen bool) (bool, error) {
	if s.ctrl == nil {
		return false, nil
	}
	return s.ctrl.OpenWith(ctx, fullScreen)
}

func (s *Session) CloseSession(ctx context.Context) (bool, error) {
	if s.ctrl == nil {
		return false, nil
	}
	return s.ctrl.Close(ctx)
}

func (s *Session) SetFullScreen(ctx context.Context, on bool) (bool, error) {
	if s.ctrl == nil {
		return false, nil
	}
	return s.ctrl.SetFullScreen(ctx, on)
}

// ---- 查询 ----

// Text 编辑器视图里的文本，与副本快照一致
func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view.String()
}

// Len 可见字符数
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view.Len()
}

// Peers 含本端，按 identity 排序
func (s *Session) Peers() []presence.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reg.CurrentPeers()
}

func (s *Session) Language() wire.Language {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lang.Language
}

func (s *Session) ControlState() control.State {
	if s.ctrl == nil {
		return control.State{}
	}
	return s.ctrl.State()
}

func (s *Session) Status() syncclient.Status { return s.client.Status() }

// ---- 回调 ----

func (s *Session) OnDocumentChanged(fn func(text string)) func() {
	return subscribe(s, &s.onDoc, fn)
}

func (s *Session) OnPeerListChanged(fn func(peers []presence.State)) func() {
	return subscribe(s, &s.onPeers, fn)
}

func (s *Session) OnConnectionStatus(fn func(syncclient.Status)) func() {
	return subscribe(s, &s.onStatus, fn)
}

// OnSessionControlFact ctx 带有远端标记时，在回调里调用 OpenSession 等命令不会再广播
func (s *Session) OnSessionControlFact(fn func(ctx context.Context, f control.Fact, st control.State)) func() {
	return subscribe(s, &s.onFact, fn)
}

func (s *Session) OnLanguageChanged(fn func(wire.Language)) func() {
	return subscribe(s, &s.onLanguage, fn)
}

func subscribe[F any](s *Session, l *listeners[F], fn F) func() {
	s.mu.Lock()
	id := l.add(fn)
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		l.remove(id)
	}
}

// flush 在锁外执行排队的回调。同一时刻只有一个 goroutine 在执行，
// 回调里再修改会话产生的回调排在后面，由同一个循环执行
func (s *Session) flush() {
	s.mu.Lock()
	if s.flushing {
		s.mu.Unlock()
		return
	}
	s.flushing = true
	for len(s.queue) > 0 {
		q := s.queue
		s.queue = nil
		s.mu.Unlock()
		for _, fn := range q {
			fn()
		}
		s.mu.Lock()
	}
	s.flushing = false
	s.mu.Unlock()
}

// ---- 内部事件（调用时持有 s.mu） ----

func (s *Session) onDocChange(c crdt.Change) {
	for _, d := range c.Deltas {
		if err := s.view.Apply(d); err != nil {
			s.log.Warn("view out of sync, reset", zap.Error(err))
			s.view.Reset(c.Text)
			break
		}
	}
	text := c.Text
	for _, fn := range s.onDoc.snapshot() {
		s.queue = append(s.queue, func() { fn(text) })
	}
}

func (s *Session) queueLanguage(l wire.Language) {
	for _, fn := range s.onLanguage.snapshot() {
		s.queue = append(s.queue, func() { fn(l) })
	}
}

func (s *Session) onStatusChange(st syncclient.Status) {
	s.mu.Lock()
	if st == syncclient.StatusConnected && s.seedTimer == nil && s.opts.SeedDelay > 0 && !s.closed {
		s.seedTimer = time.AfterFunc(s.opts.SeedDelay, s.seed)
	}
	for _, fn := range s.onStatus.snapshot() {
		s.queue = append(s.queue, func() { fn(st) })
	}
	s.mu.Unlock()
	s.flush()
}

// seed 连上并等待一段时间后文档仍为空，写入当前语言的模板。
// 两端同时写入时两段模板都会保留
func (s *Session) seed() {
	s.mu.Lock()
	if s.closed || s.seeded || s.doc.Len() > 0 {
		s.seeded = true
		s.mu.Unlock()
		return
	}
	s.seeded = true
	u := s.doc.InsertLocal(0, Template(s.lang.Language))
	s.mu.Unlock()
	s.log.Info("seed empty document", zap.String("language", string(s.Language())))
	s.flush()
	if !u.Empty() {
		s.client.NotifyLocalUpdate()
	}
}

func (s *Session) onControlFact(ctx context.Context, f control.Fact, st control.State) {
	s.mu.Lock()
	for _, fn := range s.onFact.snapshot() {
		s.queue = append(s.queue, func() { fn(ctx, f, st) })
	}
	s.mu.Unlock()
	s.flush()
}

// replica 给 syncclient 用的副本视图，不暴露在 Session 的方法集里
type replica struct{ s *Session }

var _ syncclient.Replica = replica{}

func (r replica) StateVector() crdt.StateVector {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.doc.StateVector()
}

func (r replica) Diff(sv crdt.StateVector) crdt.Update {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.doc.Diff(sv)
}

func (r replica) ApplyRemote(u crdt.Update) error {
	r.s.mu.Lock()
	_, err := r.s.doc.ApplyRemote(u)
	r.s.mu.Unlock()
	r.s.flush()
	return err
}

func (r replica) LocalAwareness() (presence.State, bool) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.reg.Local()
}

func (r replica) ApplyAwareness(states []presence.State) {
	r.s.mu.Lock()
	for _, st := range states {
		r.s.reg.ApplyRemote(st)
	}
	r.s.mu.Unlock()
	r.s.flush()
}

func (r replica) RemovePeers(identities []string) {
	r.s.mu.Lock()
	r.s.reg.Remove(identities...)
	r.s.mu.Unlock()
	r.s.flush()
}

func (r replica) ClearRemotePeers() {
	r.s.mu.Lock()
	r.s.reg.RemoveRemote()
	r.s.mu.Unlock()
	r.s.flush()
}

func (r replica) LocalLanguage() (wire.LanguageState, bool) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.lang, r.s.lang.Clock > 0
}

func (r replica) ApplyLanguage(st wire.LanguageState) {
	r.s.mu.Lock()
	if !st.Language.Valid() || !st.Newer(r.s.lang) {
		r.s.mu.Unlock()
		return
	}
	changed := st.Language != r.s.lang.Language
	r.s.lang = st
	if changed {
		r.s.queueLanguage(st.Language)
	}
	r.s.mu.Unlock()
	r.s.flush()
}
