package control

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"codeCollab/backend/internal/logging"
	"codeCollab/backend/internal/wire"
)

// DataChannel 会议传输层提供的可靠广播原语。
// 发送者自己也会收到（回声），可能重复、乱序
type DataChannel interface {
	Publish(ctx context.Context, data []byte) error
	Subscribe(ctx context.Context, fn func(ctx context.Context, data []byte)) (cancel func(), err error)
}

type remoteKey struct{}

// withRemote 标记“正在应用远端事实”，只在一次入站处理期间有效
func withRemote(ctx context.Context) context.Context {
	return context.WithValue(ctx, remoteKey{}, true)
}

// ApplyingRemote ctx 是否来自远端事实的回调
func ApplyingRemote(ctx context.Context) bool {
	v, _ := ctx.Value(remoteKey{}).(bool)
	return v
}

type listener struct {
	id int
	fn func(context.Context, Fact, State)
}

// seenWindow 去重表只保留时钟在当前时钟 seenWindow 之内的事实 ID；
// 更旧的事实直接丢弃，它们在后写者胜的比较里也不可能生效
const seenWindow = 1024

type Options struct {
	Logger *zap.Logger
}

// Broadcaster 控制面广播：本地事实先应用再发出，远端事实去重后应用，
// 远端回调里再发起的广播会被抑制
type Broadcaster struct {
	self string
	ch   DataChannel
	log  *zap.Logger

	mu      sync.Mutex
	clock   uint64
	seen    map[string]uint64 // fact id -> clock
	machine machine

	listeners []listener
	nextID    int
	cancel    func()
}

func NewBroadcaster(self string, ch DataChannel, opts Options) *Broadcaster {
	return &Broadcaster{
		self: self,
		ch:   ch,
		log:  logging.OrNop(opts.Logger).Named("control").With(zap.String("self", self)),
		seen: make(map[string]uint64),
	}
}

func (b *Broadcaster) Start(ctx context.Context) error {
	cancel, err := b.ch.Subscribe(ctx, b.handle)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()
	return nil
}

func (b *Broadcaster) Stop() {
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (b *Broadcaster) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.machine.state()
}

// OnFactReceived 每条事实（本地或远端）恰好回调一次
func (b *Broadcaster) OnFactReceived(fn func(ctx context.Context, f Fact, st State)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, listener{id: id, fn: fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.listeners = slices.DeleteFunc(b.listeners, func(l listener) bool { return l.id == id })
	}
}

// Broadcast 盖上 ID/时钟/发起人，本地应用后发布。
// ctx 来自远端事实回调时直接返回 false，不发布也不应用
func (b *Broadcaster) Broadcast(ctx context.Context, f Fact) (bool, error) {
	if ApplyingRemote(ctx) {
		b.log.Debug("suppress echo broadcast", zap.String("kind", string(f.Kind)))
		return false, nil
	}
	switch f.Kind {
	case KindOpen, KindClose, KindFullScreen:
	default:
		return false, ErrMalformedFact
	}

	b.mu.Lock()
	b.clock++
	f.ID = ulid.Make().String()
	f.Clock = b.clock
	f.Initiator = b.self
	b.remember(f)
	b.machine.apply(f)
	st := b.machine.state()
	ls := slices.Clone(b.listeners)
	b.mu.Unlock()

	for _, l := range ls {
		l.fn(ctx, f, st)
	}

	data, err := encodeFact(f)
	if err != nil {
		return true, err
	}
	if err := b.ch.Publish(ctx, data); err != nil {
		b.log.Warn("publish control fact failed", zap.String("id", f.ID), zap.Error(err))
		return true, err
	}
	return true, nil
}

func (b *Broadcaster) Open(ctx context.Context) (bool, error) {
	return b.Broadcast(ctx, Fact{Kind: KindOpen})
}

// Close 关闭共享编辑器
func (b *Broadcaster) Close(ctx context.Context) (bool, error) {
	return b.Broadcast(ctx, Fact{Kind: KindClose})
}

func (b *Broadcaster) SetFullScreen(ctx context.Context, on bool) (bool, error) {
	return b.Broadcast(ctx, Fact{Kind: KindFullScreen, FullScreen: on})
}

// OpenWith 打开并直接带上全屏标志
func (b *Broadcaster) OpenWith(ctx context.Context, fullScreen bool) (bool, error) {
	return b.Broadcast(ctx, Fact{Kind: KindOpen, FullScreen: fullScreen})
}

func (b *Broadcaster) handle(ctx context.Context, data []byte) {
	f, err := decodeFact(data)
	if err != nil {
		// 数据通道上也跑聊天等其他消息，类型不认识的静默忽略
		if errors.Is(err, wire.ErrUnknownType) {
			return
		}
		b.log.Warn("drop malformed control fact", zap.Error(err))
		return
	}

	b.mu.Lock()
	if _, dup := b.seen[f.ID]; dup || f.Clock+seenWindow < b.clock {
		b.mu.Unlock()
		return
	}
	b.clock = max(b.clock, f.Clock)
	b.remember(f)
	b.machine.apply(f)
	st := b.machine.state()
	ls := slices.Clone(b.listeners)
	b.mu.Unlock()

	b.log.Debug("apply remote fact",
		zap.String("kind", string(f.Kind)),
		zap.String("from", f.Initiator),
		zap.Uint64("clock", f.Clock),
		zap.Stringer("state", st))

	rctx := withRemote(ctx)
	for _, l := range ls {
		l.fn(rctx, f, st)
	}
}

// remember 记下事实 ID；表超过两倍窗口时清掉窗口外的 ID。调用方持有 mu
func (b *Broadcaster) remember(f Fact) {
	b.seen[f.ID] = f.Clock
	if len(b.seen) <= 2*seenWindow {
		return
	}
	for id, clock := range b.seen {
		if clock+seenWindow < b.clock {
			delete(b.seen, id)
		}
	}
}
