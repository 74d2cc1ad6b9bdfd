package syncclient

import (
	"context"
	"errors"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"codeCollab/backend/internal/crdt"
	"codeCollab/backend/internal/logging"
	"codeCollab/backend/internal/presence"
	"codeCollab/backend/internal/wire"
)

var ErrAlreadyConnected = errors.New("ALREADY_CONNECTED")

const outboundBufferSize = 64

type Options struct {
	// relay 地址，例如 ws://127.0.0.1:8080
	RelayURL string
	Identity string
	ClientID string

	ReconnectDelay time.Duration
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	Dialer *websocket.Dialer
	Logger *zap.Logger
}

func (o *Options) defaults() {
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 10 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 30 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
}

type statusListener struct {
	id int
	fn func(Status)
}

// Client 把本地副本接到 relay 上。每次（重新）连上都做一次完整的状态向量同步，
// 所以断线期间的本地修改不会丢；连接错误只体现在状态变化和日志里
type Client struct {
	replica Replica
	opts    Options
	log     *zap.Logger

	mu        sync.Mutex
	status    Status
	listeners []statusListener
	nextID    int
	cancel    context.CancelFunc
	done      chan struct{}

	dirtyDoc       chan struct{}
	dirtyAwareness chan struct{}
	dirtyLanguage  chan struct{}
}

func New(replica Replica, opts Options) *Client {
	opts.defaults()
	return &Client{
		replica:        replica,
		opts:           opts,
		log:            logging.OrNop(opts.Logger).Named("sync").With(zap.String("identity", opts.Identity)),
		status:         StatusConnecting,
		dirtyDoc:       make(chan struct{}, 1),
		dirtyAwareness: make(chan struct{}, 1),
		dirtyLanguage:  make(chan struct{}, 1),
	}
}

func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// OnStatusChange 状态变化时回调（在客户端的网络协程里调用）
func (c *Client) OnStatusChange(fn func(Status)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.listeners = append(c.listeners, statusListener{id: id, fn: fn})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.listeners = slices.DeleteFunc(c.listeners, func(l statusListener) bool { return l.id == id })
	}
}

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	if c.status == s {
		c.mu.Unlock()
		return
	}
	c.status = s
	ls := slices.Clone(c.listeners)
	c.mu.Unlock()

	c.log.Info("status", zap.String("status", string(s)))
	for _, l := range ls {
		l.fn(s)
	}
}

// NotifyLocalUpdate 本地文档有新操作；只打标记，不阻塞
func (c *Client) NotifyLocalUpdate() { signal(c.dirtyDoc) }

func (c *Client) NotifyAwareness() { signal(c.dirtyAwareness) }

func (c *Client) NotifyLanguage() { signal(c.dirtyLanguage) }

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Connect 后台连接 roomID 并保持连接，直到 Close 或 ctx 结束
func (c *Client) Connect(ctx context.Context, roomID string) error {
	u, err := c.roomURL(roomID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	c.setStatus(StatusConnecting)
	go c.run(ctx, u, done)
	return nil
}

// Close 立即取消拨号、读写循环和重连计时，返回时状态为 Disconnected
func (c *Client) Close() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	c.setStatus(StatusDisconnected)
}

func (c *Client) roomURL(roomID string) (string, error) {
	base, err := url.Parse(strings.TrimSuffix(c.opts.RelayURL, "/"))
	if err != nil {
		return "", err
	}
	switch base.Scheme {
	case "http":
		base.Scheme = "ws"
	case "https":
		base.Scheme = "wss"
	}
	escaped := base.EscapedPath() + "/collab/ws/" + url.PathEscape(roomID)
	base.Path += "/collab/ws/" + roomID
	base.RawPath = escaped
	q := base.Query()
	q.Set("name", c.opts.Identity)
	q.Set("client", c.opts.ClientID)
	base.RawQuery = q.Encode()
	return base.String(), nil
}

func (c *Client) run(ctx context.Context, u string, done chan struct{}) {
	defer close(done)
	defer c.setStatus(StatusDisconnected)
	for {
		ws, _, err := c.opts.Dialer.DialContext(ctx, u, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("dial relay failed", zap.String("url", u), zap.Error(err))
			c.setStatus(StatusDisconnected)
		} else {
			err := c.serve(ctx, ws)
			c.replica.ClearRemotePeers()
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("connection lost", zap.Error(err))
			c.setStatus(StatusDisconnected)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.opts.ReconnectDelay):
		}
	}
}

// link 一次连接期间的状态
type link struct {
	ws  *websocket.Conn
	out chan []byte

	mu sync.Mutex
	// relay 已经拥有的操作，Diff 的起点
	sent   crdt.StateVector
	synced bool
}

func (l *link) merge(sv crdt.StateVector, u crdt.Update) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for peer, seq := range sv {
		l.sent[peer] = max(l.sent[peer], seq)
	}
	for _, op := range u.Ops {
		l.sent[op.ID.Peer] = max(l.sent[op.ID.Peer], op.LastSeq())
	}
}

func (l *link) snapshot() (crdt.StateVector, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sent.Clone(), l.synced
}

func (c *Client) serve(ctx context.Context, ws *websocket.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer ws.Close()

	l := &link{ws: ws, out: make(chan []byte, outboundBufferSize), sent: crdt.StateVector{}}

	ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	})

	readErr := make(chan error, 1)
	go func() {
		defer cancel()
		readErr <- c.readLoop(ctx, l)
	}()

	c.setStatus(StatusConnected)

	// 握手：先发状态向量，再发本端 awareness / 语言
	c.enqueue(l, wire.SyncStep1{StateVector: c.replica.StateVector()})
	signal(c.dirtyAwareness)
	signal(c.dirtyLanguage)

	err := c.writeLoop(ctx, l)
	ws.Close()
	if rerr := <-readErr; rerr != nil && err == nil {
		err = rerr
	}
	return err
}

func (c *Client) enqueue(l *link, m wire.Message) {
	b, err := wire.Encode(m)
	if err != nil {
		c.log.Error("encode frame", zap.String("type", string(m.MessageType())), zap.Error(err))
		return
	}
	select {
	case l.out <- b:
	default:
		// 队列满说明连接已经卡住，丢掉这一帧；重连后的全量同步会补齐
		c.log.Warn("outbound queue full, drop frame", zap.String("type", string(m.MessageType())))
	}
}

func (c *Client) writeLoop(ctx context.Context, l *link) error {
	ping := time.NewTicker(c.opts.PingInterval)
	defer ping.Stop()

	write := func(b []byte) error {
		l.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
		return l.ws.WriteMessage(websocket.TextMessage, b)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case b := <-l.out:
			if err := write(b); err != nil {
				return err
			}

		case <-c.dirtyDoc:
			sent, synced := l.snapshot()
			if !synced {
				// 还没拿到 relay 的状态向量；收到 sync_step1 后会再触发一次
				continue
			}
			u := c.replica.Diff(sent)
			if u.Empty() {
				continue
			}
			b, err := wire.Encode(wire.UpdateMsg{Update: u})
			if err != nil {
				return err
			}
			if err := write(b); err != nil {
				return err
			}
			l.merge(nil, u)

		case <-c.dirtyAwareness:
			if st, ok := c.replica.LocalAwareness(); ok {
				b, err := wire.Encode(wire.Awareness{States: []presence.State{st}})
				if err != nil {
					return err
				}
				if err := write(b); err != nil {
					return err
				}
			}

		case <-c.dirtyLanguage:
			if st, ok := c.replica.LocalLanguage(); ok {
				b, err := wire.Encode(wire.LanguageMsg{LanguageState: st})
				if err != nil {
					return err
				}
				if err := write(b); err != nil {
					return err
				}
			}

		case <-ping.C:
			deadline := time.Now().Add(c.opts.WriteTimeout)
			if err := l.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return err
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, l *link) error {
	for {
		_, data, err := l.ws.ReadMessage()
		if err != nil {
			return err
		}
		l.ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))

		m, err := wire.Decode(data)
		if err != nil {
			c.log.Warn("drop malformed frame", zap.Error(err))
			continue
		}
		c.handle(l, m)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Client) handle(l *link, m wire.Message) {
	switch msg := m.(type) {
	case wire.SyncStep1:
		// relay 的状态向量：把它缺的全部补过去，之后增量发送
		u := c.replica.Diff(msg.StateVector)
		c.enqueue(l, wire.SyncStep2{Update: u, StateVector: c.replica.StateVector()})
		l.merge(msg.StateVector, u)
		l.mu.Lock()
		l.synced = true
		l.mu.Unlock()
		signal(c.dirtyDoc)

	case wire.SyncStep2:
		c.applyUpdate(msg.Update)
		l.merge(msg.StateVector, msg.Update)

	case wire.UpdateMsg:
		c.applyUpdate(msg.Update)
		l.merge(nil, msg.Update)

	case wire.Awareness:
		c.replica.ApplyAwareness(msg.States)

	case wire.AwarenessRemoved:
		c.replica.RemovePeers(msg.Identities)

	case wire.LanguageMsg:
		c.replica.ApplyLanguage(msg.LanguageState)

	case wire.ErrorMsg:
		c.log.Warn("relay error", zap.String("message", msg.Message))
	}
}

func (c *Client) applyUpdate(u crdt.Update) {
	if u.Empty() {
		return
	}
	if err := c.replica.ApplyRemote(u); err != nil {
		c.log.Warn("apply remote update", zap.Int("ops", len(u.Ops)), zap.Error(err))
	}
}
