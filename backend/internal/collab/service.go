package collab

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"codeCollab/backend/internal/crdt"
	"codeCollab/backend/internal/logging"
	"codeCollab/backend/internal/wire"
)

// RelayPeer relay 副本自己的 peer id；relay 只合并，从不产生本地操作
const RelayPeer = "relay"

// 协作引擎接口：每个房间一份合并后的副本 + 语言寄存器
type Service interface {
	// Sync 返回持有 sv 的一方缺少的操作和房间当前状态向量
	Sync(ctx context.Context, roomID string, sv crdt.StateVector) (crdt.Update, crdt.StateVector, error)
	// Submit 合并一批操作，返回这次真正集成进来的操作（含之前缓冲、现在依赖满足的）
	Submit(ctx context.Context, roomID, identity, clientID string, u crdt.Update) (crdt.Update, error)
	Snapshot(ctx context.Context, roomID string) (string, crdt.StateVector, error)

	Language(ctx context.Context, roomID string) (wire.LanguageState, error)
	// SetLanguage 后写者胜，返回当前生效的值以及这次是否覆盖
	SetLanguage(ctx context.Context, roomID string, st wire.LanguageState) (wire.LanguageState, bool, error)

	Rooms() []string
	Evict(roomID string)
}

// RoomStore 房间目录存储接口。只声明，实现在 store 中
type RoomStore interface {
	// LoadLanguage 房间不存在时返回 found=false
	LoadLanguage(ctx context.Context, roomID string) (st wire.LanguageState, found bool, err error)
	SaveLanguage(ctx context.Context, roomID string, st wire.LanguageState) error
}

// EventSink 文档更新事件的去处（Kafka）
type EventSink interface {
	Enqueue(ctx context.Context, evt DocUpdateEvent) error
}

type roomState struct {
	mu   sync.Mutex
	doc  *crdt.Document
	lang wire.LanguageState
}

type ServiceOptions struct {
	Store  RoomStore
	Events EventSink
	// 单次存储/投递的超时
	IOTimeout time.Duration
	Logger    *zap.Logger
}

// 内存实现：持有所有房间的状态
type InMemoryService struct {
	mu    sync.RWMutex
	rooms map[string]*roomState
	loads singleflight.Group

	// 依赖注入
	store     RoomStore
	events    EventSink
	ioTimeout time.Duration
	log       *zap.Logger
}

// NewInMemoryService 返回一个满足 Service 接口的实例
func NewInMemoryService(opts ServiceOptions) *InMemoryService {
	if opts.IOTimeout <= 0 {
		opts.IOTimeout = time.Second
	}
	return &InMemoryService{
		rooms:     make(map[string]*roomState),
		store:     opts.Store,
		events:    opts.Events,
		ioTimeout: opts.IOTimeout,
		log:       logging.OrNop(opts.Logger).Named("collab"),
	}
}

// getOrCreateRoom 首次访问时从房间目录加载语言；并发的首次访问只加载一次
func (s *InMemoryService) getOrCreateRoom(ctx context.Context, roomID string) (*roomState, error) {
	s.mu.RLock()
	rs := s.rooms[roomID]
	s.mu.RUnlock()
	if rs != nil {
		return rs, nil
	}

	v, err, _ := s.loads.Do(roomID, func() (any, error) {
		s.mu.RLock()
		rs := s.rooms[roomID]
		s.mu.RUnlock()
		if rs != nil {
			return rs, nil
		}

		rs = &roomState{doc: crdt.NewDocument(RelayPeer)}
		if s.store != nil {
			lctx, cancel := context.WithTimeout(ctx, s.ioTimeout)
			defer cancel()
			st, found, err := s.store.LoadLanguage(lctx, roomID)
			if err != nil {
				// 目录不可用不影响协作，只是语言回到默认
				s.log.Warn("load room language", zap.String("room", roomID), zap.Error(err))
			} else if found {
				rs.lang = st
			}
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if existing := s.rooms[roomID]; existing != nil {
			return existing, nil
		}
		s.rooms[roomID] = rs
		return rs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*roomState), nil
}

func (s *InMemoryService) Sync(ctx context.Context, roomID string, sv crdt.StateVector) (crdt.Update, crdt.StateVector, error) {
	rs, err := s.getOrCreateRoom(ctx, roomID)
	if err != nil {
		return crdt.Update{}, nil, err
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.doc.Diff(sv), rs.doc.StateVector(), nil
}

// 提交操作（InMemoryService 实现）
func (s *InMemoryService) Submit(ctx context.Context, roomID, identity, clientID string, u crdt.Update) (crdt.Update, error) {
	rs, err := s.getOrCreateRoom(ctx, roomID)
	if err != nil {
		return crdt.Update{}, err
	}

	rs.mu.Lock()
	before := rs.doc.StateVector()
	_, applyErr := rs.doc.ApplyRemote(u)
	applied := rs.doc.Diff(before)
	var evt DocUpdateEvent
	if s.events != nil && !applied.Empty() {
		evt = NewDocUpdateEvent(roomID, identity, clientID, applied, rs.doc)
	}
	pending := rs.doc.Pending()
	rs.mu.Unlock()

	if applyErr != nil {
		s.log.Warn("skip invalid ops", zap.String("room", roomID), zap.String("identity", identity), zap.Error(applyErr))
	}
	if pending > 0 {
		s.log.Debug("ops waiting for dependencies", zap.String("room", roomID), zap.Int("pending", pending))
	}

	// 异步发 Kafka（不阻塞主流程）
	if evt.RoomID != "" {
		ectx, cancel := context.WithTimeout(ctx, s.ioTimeout)
		if err := s.events.Enqueue(ectx, evt); err != nil {
			s.log.Warn("enqueue doc update event", zap.String("room", roomID), zap.Error(err))
		}
		cancel()
	}
	return applied, applyErr
}

func (s *InMemoryService) Snapshot(ctx context.Context, roomID string) (string, crdt.StateVector, error) {
	rs, err := s.getOrCreateRoom(ctx, roomID)
	if err != nil {
		return "", nil, err
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.doc.Snapshot(), rs.doc.StateVector(), nil
}

func (s *InMemoryService) Language(ctx context.Context, roomID string) (wire.LanguageState, error) {
	rs, err := s.getOrCreateRoom(ctx, roomID)
	if err != nil {
		return wire.LanguageState{}, err
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.lang, nil
}

func (s *InMemoryService) SetLanguage(ctx context.Context, roomID string, st wire.LanguageState) (wire.LanguageState, bool, error) {
	if !st.Language.Valid() {
		return wire.LanguageState{}, false, fmt.Errorf("%w: language %q", wire.ErrMalformed, st.Language)
	}
	rs, err := s.getOrCreateRoom(ctx, roomID)
	if err != nil {
		return wire.LanguageState{}, false, err
	}
	rs.mu.Lock()
	if !st.Newer(rs.lang) {
		cur := rs.lang
		rs.mu.Unlock()
		return cur, false, nil
	}
	rs.lang = st
	rs.mu.Unlock()

	if s.store != nil {
		sctx, cancel := context.WithTimeout(ctx, s.ioTimeout)
		defer cancel()
		if err := s.store.SaveLanguage(sctx, roomID, st); err != nil {
			s.log.Warn("persist room language", zap.String("room", roomID), zap.Error(err))
		}
	}
	return st, true, nil
}

func (s *InMemoryService) Rooms() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Evict 丢弃房间的内存副本（房间空闲超时后由 relay 调用）
func (s *InMemoryService) Evict(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomID)
}
