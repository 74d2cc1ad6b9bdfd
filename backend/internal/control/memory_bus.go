package control

import (
	"context"
	"slices"
	"sync"
)

type busSub struct {
	id  int
	ctx context.Context
	fn  func(context.Context, []byte)
}

// MemoryBus 进程内的数据通道：同步投递给所有订阅者（包括发送者）。
// duplicate 为 true 时每条消息投递两次
type MemoryBus struct {
	mu        sync.Mutex
	subs      []busSub
	next      int
	duplicate bool
}

func NewMemoryBus(duplicate bool) *MemoryBus {
	return &MemoryBus{duplicate: duplicate}
}

func (m *MemoryBus) Publish(ctx context.Context, data []byte) error {
	m.mu.Lock()
	subs := slices.Clone(m.subs)
	m.mu.Unlock()

	times := 1
	if m.duplicate {
		times = 2
	}
	for range times {
		for _, s := range subs {
			if s.ctx.Err() != nil {
				continue
			}
			s.fn(s.ctx, slices.Clone(data))
		}
	}
	return ctx.Err()
}

func (m *MemoryBus) Subscribe(ctx context.Context, fn func(context.Context, []byte)) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	id := m.next
	m.subs = append(m.subs, busSub{id: id, ctx: ctx, fn: fn})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.subs = slices.DeleteFunc(m.subs, func(s busSub) bool { return s.id == id })
	}, nil
}
