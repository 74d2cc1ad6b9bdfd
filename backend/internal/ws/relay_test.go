package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"codeCollab/backend/internal/collab"
	"codeCollab/backend/internal/session"
	"codeCollab/backend/internal/syncclient"
	"codeCollab/backend/internal/wire"
)

type testRelay struct {
	srv  *httptest.Server
	hub  *Hub
	svc  *collab.InMemoryService
	sem  *collab.SemaphoreControl
	down atomic.Bool
}

func newTestRelay(t *testing.T) *testRelay {
	return newTestRelayWith(t, 8, ConnOptions{})
}

func newTestRelayWith(t *testing.T, permits int, opts ConnOptions) *testRelay {
	t.Helper()
	gin.SetMode(gin.TestMode)
	tr := &testRelay{
		hub: NewHub(nil, 0, nil),
		svc: collab.NewInMemoryService(collab.ServiceOptions{}),
		sem: collab.NewSemaphoreControl(permits),
	}
	m := NewManager(tr.hub, tr.svc, tr.sem, opts, nil)
	r := gin.New()
	r.GET("/collab/ws/:roomId", m.WebSocketConnect)

	tr.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if tr.down.Load() {
			http.Error(w, "relay down", http.StatusServiceUnavailable)
			return
		}
		r.ServeHTTP(w, req)
	}))
	t.Cleanup(func() {
		tr.hub.Shutdown()
		tr.srv.Close()
	})
	return tr
}

func (tr *testRelay) join(t *testing.T, room, identity string, seed time.Duration) *session.Session {
	t.Helper()
	if seed == 0 {
		seed = -1
	}
	s, err := session.New(session.Options{
		RoomID:    room,
		Identity:  identity,
		Language:  wire.Python,
		SeedDelay: seed,
		Sync: syncclient.Options{
			RelayURL:       tr.srv.URL,
			ReconnectDelay: 30 * time.Millisecond,
		},
	})
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func connected(s *session.Session) func() bool {
	return func() bool { return s.Status() == syncclient.StatusConnected }
}

// connOf relay 侧某个 identity 当前的连接
func (tr *testRelay) connOf(room, identity string) *Conn {
	tr.hub.mu.RLock()
	defer tr.hub.mu.RUnlock()
	if r := tr.hub.rooms[room]; r != nil {
		for c := range r.conns {
			if c.identity == identity {
				return c
			}
		}
	}
	return nil
}

func (tr *testRelay) relayText(room string) string {
	text, _, _ := tr.svc.Snapshot(context.Background(), room)
	return text
}

func TestRelay_TwoPeersConverge(t *testing.T) {
	tr := newTestRelay(t)
	ada := tr.join(t, "room-1", "Ada", 0)
	lin := tr.join(t, "room-1", "Lin", 0)
	waitFor(t, "ada connected", connected(ada))
	waitFor(t, "lin connected", connected(lin))

	ada.InsertText(0, "def main():\n")
	lin.InsertText(0, "# lin\n")
	ada.InsertText(ada.Len(), "    pass\n")

	waitFor(t, "convergence", func() bool {
		return ada.Text() == lin.Text() && strings.Contains(ada.Text(), "# lin\n") && strings.Contains(ada.Text(), "    pass\n")
	})
	text, _, err := tr.svc.Snapshot(context.Background(), "room-1")
	if err != nil || text != ada.Text() {
		t.Fatalf("relay replica = %q, %v; want %q", text, err, ada.Text())
	}
}

func TestRelay_OfflineInsertThenReconnect(t *testing.T) {
	tr := newTestRelay(t)
	ada := tr.join(t, "room-1", "Ada", 0)
	lin := tr.join(t, "room-1", "Lin", 0)
	waitFor(t, "ada connected", connected(ada))
	waitFor(t, "lin connected", connected(lin))

	lin.InsertText(0, "x = 1\n")
	waitFor(t, "initial sync", func() bool { return ada.Text() == "x = 1\n" })

	// relay 断开，两边在断线期间各自修改
	tr.down.Store(true)
	tr.hub.Shutdown()
	waitFor(t, "ada disconnected", func() bool { return ada.Status() == syncclient.StatusDisconnected })
	waitFor(t, "lin disconnected", func() bool { return lin.Status() == syncclient.StatusDisconnected })

	ada.InsertText(0, "print(1)")
	lin.InsertText(lin.Len(), "y = 2\n")
	lin.DeleteRange(0, 1)

	tr.down.Store(false)
	waitFor(t, "convergence after reconnect", func() bool {
		return ada.Text() == lin.Text() &&
			strings.Contains(ada.Text(), "print(1)") &&
			strings.Contains(ada.Text(), "y = 2\n")
	})
	if strings.Contains(ada.Text(), "x = 1") {
		t.Fatalf("lin's offline delete lost: %q", ada.Text())
	}
}

func TestRelay_LateJoinerGetsDocumentAndLanguage(t *testing.T) {
	tr := newTestRelay(t)
	ctx := context.Background()
	ada := tr.join(t, "room-1", "Ada", 0)
	waitFor(t, "ada connected", connected(ada))

	ada.InsertText(0, "class Main {}\n")
	if err := ada.SetLanguage(wire.Java); err != nil {
		t.Fatalf("SetLanguage: %v", err)
	}
	waitFor(t, "relay state", func() bool {
		text, _, _ := tr.svc.Snapshot(ctx, "room-1")
		lang, _ := tr.svc.Language(ctx, "room-1")
		return text == "class Main {}\n" && lang.Language == wire.Java
	})

	lin := tr.join(t, "room-1", "Lin", 0)
	waitFor(t, "late joiner state", func() bool {
		return lin.Text() == "class Main {}\n" && lin.Language() == wire.Java
	})
}

func TestRelay_AwarenessAndRemoval(t *testing.T) {
	tr := newTestRelay(t)
	ada := tr.join(t, "room-1", "Ada", 0)
	lin := tr.join(t, "room-1", "Lin", 0)

	waitFor(t, "ada sees lin", func() bool { return len(ada.Peers()) == 2 })
	waitFor(t, "lin sees ada", func() bool { return len(lin.Peers()) == 2 })

	lin.SetCursor(1, 4)
	waitFor(t, "cursor relayed", func() bool {
		for _, p := range ada.Peers() {
			if p.Identity == "Lin" && p.Cursor != nil && p.Cursor.Head == 4 {
				return true
			}
		}
		return false
	})

	lin.Close()
	waitFor(t, "lin removed", func() bool {
		peers := ada.Peers()
		return len(peers) == 1 && peers[0].Identity == "Ada"
	})
}

func TestRelay_RoomsAreIsolated(t *testing.T) {
	tr := newTestRelay(t)
	ada := tr.join(t, "room-a", "Ada", 0)
	lin := tr.join(t, "room-b", "Lin", 0)
	waitFor(t, "ada connected", connected(ada))
	waitFor(t, "lin connected", connected(lin))

	ada.InsertText(0, "only a")
	waitFor(t, "relay has room-a", func() bool {
		text, _, _ := tr.svc.Snapshot(context.Background(), "room-a")
		return text == "only a"
	})
	time.Sleep(50 * time.Millisecond)
	if lin.Text() != "" || len(lin.Peers()) != 1 {
		t.Fatalf("room-b saw room-a: text=%q peers=%d", lin.Text(), len(lin.Peers()))
	}
}

func TestRelay_SeedsEmptyRoomOnce(t *testing.T) {
	tr := newTestRelay(t)
	ada := tr.join(t, "room-1", "Ada", 50*time.Millisecond)
	waitFor(t, "seed", func() bool { return ada.Text() == session.Template(wire.Python) })

	// 后来者连上时文档已经有内容，计时器到点后不再写入
	lin := tr.join(t, "room-1", "Lin", 300*time.Millisecond)
	waitFor(t, "lin synced", func() bool { return lin.Text() == ada.Text() })
	time.Sleep(500 * time.Millisecond)
	if lin.Text() != session.Template(wire.Python) {
		t.Fatalf("document seeded twice: %q", lin.Text())
	}
}

func TestManager_RejectsMissingIdentity(t *testing.T) {
	tr := newTestRelay(t)
	resp, err := http.Get(tr.srv.URL + "/collab/ws/room-1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestRelay_ThrottledSubmitIsResent(t *testing.T) {
	tr := newTestRelayWith(t, 1, ConnOptions{SubmitBudget: 20 * time.Millisecond})
	ada := tr.join(t, "room-1", "Ada", 0)
	waitFor(t, "ada connected", connected(ada))

	// 占住唯一的许可，提交只能超时
	if err := tr.sem.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	ada.InsertText(0, "hello")
	time.Sleep(300 * time.Millisecond)
	if got := tr.relayText("room-1"); got != "" {
		t.Fatalf("relay merged %q while throttled", got)
	}
	if err := tr.sem.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	ada.InsertText(ada.Len(), " world")
	waitFor(t, "relay catches up", func() bool { return tr.relayText("room-1") == "hello world" })

	lin := tr.join(t, "room-1", "Lin", 0)
	waitFor(t, "late joiner", func() bool { return lin.Text() == "hello world" })
}

func TestRelay_FullSendQueueClosesAndClientResyncs(t *testing.T) {
	tr := newTestRelayWith(t, 8, ConnOptions{SendQueue: 8})
	ada := tr.join(t, "room-1", "Ada", 0)
	lin := tr.join(t, "room-1", "Lin", 0)
	waitFor(t, "ada connected", connected(ada))
	waitFor(t, "lin connected", connected(lin))
	waitFor(t, "both joined", func() bool { return tr.hub.ConnCount("room-1") == 2 })

	var old *Conn
	waitFor(t, "lin's relay conn", func() bool { old = tr.connOf("room-1", "Lin"); return old != nil })

	// 写得比对端读得快，队列满后连接被关闭
	frame, err := wire.Encode(wire.AwarenessRemoved{Identities: []string{"nobody"}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
fill:
	for i := 0; i < 100000; i++ {
		old.enqueue(frame)
		select {
		case <-old.done:
			break fill
		default:
		}
	}
	select {
	case <-old.done:
	default:
		t.Fatalf("connection still open after overflowing its send queue")
	}

	ada.InsertText(0, "a = 1\n")
	lin.InsertText(0, "b = 2\n")
	waitFor(t, "lin reconnected", func() bool {
		c := tr.connOf("room-1", "Lin")
		return c != nil && c != old
	})
	waitFor(t, "convergence", func() bool {
		return ada.Text() == lin.Text() &&
			strings.Contains(ada.Text(), "a = 1\n") &&
			strings.Contains(ada.Text(), "b = 2\n")
	})
}

func TestHub_ShutdownWaitsForHandlers(t *testing.T) {
	tr := newTestRelay(t)
	ada := tr.join(t, "room-1", "Ada", 0)
	waitFor(t, "ada joined", func() bool { return tr.hub.ConnCount("room-1") == 1 })

	tr.down.Store(true)
	tr.hub.Shutdown()
	// 返回时连接处理协程都已经 Leave
	if n := tr.hub.ConnCount("room-1"); n != 0 {
		t.Fatalf("conns after Shutdown = %d", n)
	}
	tr.hub.liveMu.Lock()
	live := len(tr.hub.live)
	tr.hub.liveMu.Unlock()
	if live != 0 {
		t.Fatalf("live handlers after Shutdown = %d", live)
	}

	tr.down.Store(false)
	waitFor(t, "ada rejoined", func() bool { return tr.hub.ConnCount("room-1") == 1 })
	ada.InsertText(0, "x")
	waitFor(t, "relay after restart", func() bool { return tr.relayText("room-1") == "x" })
}
