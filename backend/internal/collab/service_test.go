package collab

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"codeCollab/backend/internal/crdt"
	"codeCollab/backend/internal/wire"
)

type memRoomStore struct {
	mu    sync.Mutex
	langs map[string]wire.LanguageState
	loads atomic.Int32
}

func (m *memRoomStore) LoadLanguage(_ context.Context, roomID string) (wire.LanguageState, bool, error) {
	m.loads.Add(1)
	time.Sleep(10 * time.Millisecond)
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.langs[roomID]
	return st, ok, nil
}

func (m *memRoomStore) SaveLanguage(_ context.Context, roomID string, st wire.LanguageState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.langs[roomID] = st
	return nil
}

type memSink struct {
	mu     sync.Mutex
	events []DocUpdateEvent
}

func (m *memSink) Enqueue(_ context.Context, evt DocUpdateEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return nil
}

func TestService_SubmitReturnsIntegratedOps(t *testing.T) {
	sink := &memSink{}
	svc := NewInMemoryService(ServiceOptions{Events: sink})
	ctx := context.Background()

	ada := crdt.NewDocument("ada-1")
	u1 := ada.InsertLocal(0, "ab")
	u2 := ada.InsertLocal(2, "cd")

	// 先到的 u2 依赖 u1，只能缓冲
	applied, err := svc.Submit(ctx, "r1", "Ada", "c1", u2)
	if err != nil || !applied.Empty() {
		t.Fatalf("Submit(u2) = %+v, %v", applied, err)
	}
	applied, err = svc.Submit(ctx, "r1", "Ada", "c1", u1)
	if err != nil {
		t.Fatalf("Submit(u1): %v", err)
	}
	if len(applied.Ops) != 2 {
		t.Fatalf("applied ops = %d, want 2 (u1 and released u2)", len(applied.Ops))
	}
	// 重复提交什么也不做
	if applied, _ := svc.Submit(ctx, "r1", "Ada", "c1", u1); !applied.Empty() {
		t.Fatalf("duplicate submit applied %+v", applied)
	}

	text, sv, err := svc.Snapshot(ctx, "r1")
	if err != nil || text != "abcd" || sv.Get("ada-1") != 4 {
		t.Fatalf("Snapshot() = %q %v %v", text, sv, err)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 1 || sink.events[0].Length != 4 || sink.events[0].Identity != "Ada" {
		t.Fatalf("events = %+v", sink.events)
	}
}

func TestService_SyncReturnsMissingOps(t *testing.T) {
	svc := NewInMemoryService(ServiceOptions{})
	ctx := context.Background()
	ada := crdt.NewDocument("ada-1")
	svc.Submit(ctx, "r1", "Ada", "c1", ada.InsertLocal(0, "hello"))

	lin := crdt.NewDocument("lin-1")
	diff, sv, err := svc.Sync(ctx, "r1", lin.StateVector())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if _, err := lin.ApplyRemote(diff); err != nil || lin.Snapshot() != "hello" {
		t.Fatalf("late joiner text = %q (%v)", lin.Snapshot(), err)
	}
	if !lin.StateVector().Covers(sv) {
		t.Fatalf("late joiner sv %v does not cover %v", lin.StateVector(), sv)
	}
	if diff, _, _ := svc.Sync(ctx, "r1", lin.StateVector()); !diff.Empty() {
		t.Fatalf("up-to-date peer got %d ops", len(diff.Ops))
	}
}

func TestService_LanguageLoadedOnceAndPersisted(t *testing.T) {
	store := &memRoomStore{langs: map[string]wire.LanguageState{
		"r1": {Language: wire.Python, By: "Ada", Clock: 3},
	}}
	svc := NewInMemoryService(ServiceOptions{Store: store})
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := svc.Language(ctx, "r1")
			if err != nil || st.Language != wire.Python {
				t.Errorf("Language() = %+v, %v", st, err)
			}
		}()
	}
	wg.Wait()
	if n := store.loads.Load(); n != 1 {
		t.Fatalf("store loaded %d times, want 1", n)
	}

	if _, ok, _ := svc.SetLanguage(ctx, "r1", wire.LanguageState{Language: wire.Java, By: "Lin", Clock: 2}); ok {
		t.Fatalf("older language write should lose")
	}
	cur, ok, err := svc.SetLanguage(ctx, "r1", wire.LanguageState{Language: wire.Cpp, By: "Lin", Clock: 4})
	if err != nil || !ok || cur.Language != wire.Cpp {
		t.Fatalf("SetLanguage() = %+v, %v, %v", cur, ok, err)
	}
	if store.langs["r1"].Language != wire.Cpp {
		t.Fatalf("language not persisted: %+v", store.langs["r1"])
	}
	if _, _, err := svc.SetLanguage(ctx, "r1", wire.LanguageState{Language: "cobol", Clock: 9}); err == nil {
		t.Fatalf("invalid language accepted")
	}
}

func TestService_Evict(t *testing.T) {
	svc := NewInMemoryService(ServiceOptions{})
	ctx := context.Background()
	svc.Submit(ctx, "r1", "Ada", "c1", crdt.NewDocument("ada-1").InsertLocal(0, "x"))
	if rooms := svc.Rooms(); len(rooms) != 1 || rooms[0] != "r1" {
		t.Fatalf("Rooms() = %v", rooms)
	}
	svc.Evict("r1")
	if text, _, _ := svc.Snapshot(ctx, "r1"); text != "" {
		t.Fatalf("evicted room still has text %q", text)
	}
}
