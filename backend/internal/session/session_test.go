package session

import (
	"context"
	"strings"
	"testing"

	"codeCollab/backend/internal/control"
	"codeCollab/backend/internal/presence"
	"codeCollab/backend/internal/wire"
)

func newTestSession(t *testing.T, identity string, ch control.DataChannel) *Session {
	t.Helper()
	s, err := New(Options{RoomID: "room-1", Identity: identity, Language: wire.Python, Control: ch})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

// exchange 不经过网络，直接在两个副本之间补齐缺失的操作
func exchange(t *testing.T, a, b *Session) {
	t.Helper()
	ra, rb := replica{a}, replica{b}
	if err := rb.ApplyRemote(ra.Diff(rb.StateVector())); err != nil {
		t.Fatalf("apply a->b: %v", err)
	}
	if err := ra.ApplyRemote(rb.Diff(ra.StateVector())); err != nil {
		t.Fatalf("apply b->a: %v", err)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Options{RoomID: "r"}); err == nil {
		t.Fatalf("missing identity accepted")
	}
	if _, err := New(Options{RoomID: "r", Identity: "Ada", Language: "cobol"}); err == nil {
		t.Fatalf("unknown language accepted")
	}
	a := newTestSession(t, "Ada", nil)
	b := newTestSession(t, "Ada", nil)
	if a.PeerID() == b.PeerID() || !strings.HasPrefix(a.PeerID(), "Ada-") {
		t.Fatalf("peer ids = %q / %q", a.PeerID(), b.PeerID())
	}
}

func TestSession_OfflineEditsApplyImmediately(t *testing.T) {
	s := newTestSession(t, "Ada", nil)
	var got []string
	s.OnDocumentChanged(func(text string) { got = append(got, text) })

	s.InsertText(0, "print(1)")
	s.InsertText(5, "(")
	s.DeleteRange(5, 1)
	s.DeleteRange(100, 2) // 越界，不产生变化

	if s.Text() != "print(1)" {
		t.Fatalf("Text() = %q", s.Text())
	}
	want := []string{"print(1)", "print((1)", "print(1)"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("changes = %q, want %q", got, want)
	}
	if s.Status() == "" {
		t.Fatalf("status not reported")
	}
}

func TestSession_ConcurrentEditsConverge(t *testing.T) {
	ada := newTestSession(t, "Ada", nil)
	lin := newTestSession(t, "Lin", nil)

	lin.InsertText(0, "x = 2\n")
	exchange(t, ada, lin)

	// 互相看不到对方的情况下各自修改
	ada.InsertText(0, "print(1)\n")
	lin.InsertText(6, "y = 3\n")
	lin.DeleteRange(0, 1)
	exchange(t, ada, lin)

	if ada.Text() != lin.Text() {
		t.Fatalf("diverged: ada=%q lin=%q", ada.Text(), lin.Text())
	}
	for _, part := range []string{"print(1)\n", " = 2\n", "y = 3\n"} {
		if !strings.Contains(ada.Text(), part) {
			t.Fatalf("text %q lost %q", ada.Text(), part)
		}
	}
	// 视图与副本一致
	if ada.Text() != ada.doc.Snapshot() {
		t.Fatalf("view %q != doc %q", ada.Text(), ada.doc.Snapshot())
	}
}

func TestSession_CallbacksRunOutsideLockInOrder(t *testing.T) {
	s := newTestSession(t, "Ada", nil)
	var got []string
	s.OnDocumentChanged(func(text string) {
		// 回调里读状态、再次修改都不能死锁
		got = append(got, s.Text())
		if text == "a" {
			s.InsertText(1, "b")
		}
	})
	s.InsertText(0, "a")
	// 回调里产生的修改排在当前回调之后
	if strings.Join(got, ",") != "a,ab" {
		t.Fatalf("callbacks = %q", got)
	}
	if s.Text() != "ab" {
		t.Fatalf("Text() = %q", s.Text())
	}
}

func TestSession_Unsubscribe(t *testing.T) {
	s := newTestSession(t, "Ada", nil)
	n := 0
	cancel := s.OnDocumentChanged(func(string) { n++ })
	s.InsertText(0, "a")
	cancel()
	s.InsertText(0, "b")
	if n != 1 {
		t.Fatalf("calls = %d, want 1", n)
	}
}

func TestSession_PeersFromAwareness(t *testing.T) {
	ada := newTestSession(t, "Ada", nil)
	lin := newTestSession(t, "Lin", nil)
	var lists [][]presence.State
	ada.OnPeerListChanged(func(p []presence.State) { lists = append(lists, p) })

	lin.SetCursor(3, 5)
	st, ok := replica{lin}.LocalAwareness()
	if !ok || st.Cursor == nil || st.Cursor.Head != 5 {
		t.Fatalf("lin awareness = %+v, %v", st, ok)
	}
	replica{ada}.ApplyAwareness([]presence.State{st})

	peers := ada.Peers()
	if len(peers) != 2 || peers[0].Identity != "Ada" || peers[1].Identity != "Lin" {
		t.Fatalf("peers = %+v", peers)
	}
	if peers[1].Color != presence.ColorFor("Lin") {
		t.Fatalf("color = %q", peers[1].Color)
	}

	replica{ada}.RemovePeers([]string{"Lin"})
	if len(ada.Peers()) != 1 {
		t.Fatalf("peers after remove = %+v", ada.Peers())
	}
	replica{ada}.ApplyAwareness([]presence.State{st})
	replica{ada}.ClearRemotePeers()
	if len(ada.Peers()) != 1 {
		t.Fatalf("peers after clear = %+v", ada.Peers())
	}
	if len(lists) != 4 {
		t.Fatalf("peer list notifications = %d, want 4", len(lists))
	}
}

func TestSession_LanguageLastWriterWins(t *testing.T) {
	ada := newTestSession(t, "Ada", nil)
	lin := newTestSession(t, "Lin", nil)
	var changes []wire.Language
	ada.OnLanguageChanged(func(l wire.Language) { changes = append(changes, l) })

	if _, ok := (replica{ada}).LocalLanguage(); ok {
		t.Fatalf("initial language should not be announced")
	}
	if err := ada.SetLanguage("cobol"); err == nil {
		t.Fatalf("invalid language accepted")
	}
	if err := ada.SetLanguage(wire.Cpp); err != nil {
		t.Fatalf("SetLanguage: %v", err)
	}
	old, _ := replica{ada}.LocalLanguage()

	replica{lin}.ApplyLanguage(old)
	if err := lin.SetLanguage(wire.Java); err != nil {
		t.Fatalf("SetLanguage: %v", err)
	}
	newer, _ := replica{lin}.LocalLanguage()
	if newer.Clock != old.Clock+1 {
		t.Fatalf("clock = %d, want %d", newer.Clock, old.Clock+1)
	}

	replica{ada}.ApplyLanguage(newer)
	replica{ada}.ApplyLanguage(old) // 过期
	if ada.Language() != wire.Java || lin.Language() != wire.Java {
		t.Fatalf("languages = %s/%s", ada.Language(), lin.Language())
	}
	if len(changes) != 2 || changes[0] != wire.Cpp || changes[1] != wire.Java {
		t.Fatalf("changes = %v", changes)
	}
}

func TestSession_SeedOnlyEmptyDocument(t *testing.T) {
	s := newTestSession(t, "Ada", nil)
	s.seed()
	s.seed()
	if s.Text() != Template(wire.Python) {
		t.Fatalf("seeded text = %q", s.Text())
	}

	busy := newTestSession(t, "Lin", nil)
	busy.InsertText(0, "x")
	busy.seed()
	if busy.Text() != "x" {
		t.Fatalf("non-empty document seeded: %q", busy.Text())
	}
}

func TestSession_DoubleSeedKeepsBoth(t *testing.T) {
	ada := newTestSession(t, "Ada", nil)
	lin := newTestSession(t, "Lin", nil)
	ada.seed()
	lin.seed()
	exchange(t, ada, lin)
	if ada.Text() != lin.Text() || ada.Text() != Template(wire.Python)+Template(wire.Python) {
		t.Fatalf("ada=%q lin=%q", ada.Text(), lin.Text())
	}
}

func TestSession_ControlOverMemoryBus(t *testing.T) {
	bus := control.NewMemoryBus(true)
	ada := newTestSession(t, "Ada", bus)
	lin := newTestSession(t, "Lin", bus)
	ctx := context.Background()
	for _, s := range []*Session{ada, lin} {
		if err := s.ctrl.Start(ctx); err != nil {
			t.Fatalf("start control: %v", err)
		}
	}

	facts := 0
	suppressed := 0
	lin.OnSessionControlFact(func(ctx context.Context, f control.Fact, st control.State) {
		facts++
		if f.Initiator != "Lin" {
			// 收到远端事实后在回调里“再打开一次”，应被抑制
			ok, err := lin.OpenSession(ctx)
			if err != nil || ok {
				t.Errorf("echo broadcast = %v, %v", ok, err)
			}
			suppressed++
		}
	})

	if ok, err := ada.OpenSession(ctx); err != nil || !ok {
		t.Fatalf("OpenSession = %v, %v", ok, err)
	}
	if _, err := ada.SetFullScreen(ctx, true); err != nil {
		t.Fatalf("SetFullScreen: %v", err)
	}
	want := control.State{Open: true, Initiator: "Ada", FullScreen: true}
	if ada.ControlState() != want || lin.ControlState() != want {
		t.Fatalf("states = %v / %v", ada.ControlState(), lin.ControlState())
	}
	if _, err := lin.CloseSession(ctx); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if ada.ControlState().Open || lin.ControlState().Open {
		t.Fatalf("states after close = %v / %v", ada.ControlState(), lin.ControlState())
	}
	// 总线会重复投递，但每条事实只回调一次：两条远端 + 一条本地
	if facts != 3 || suppressed != 2 {
		t.Fatalf("facts = %d, suppressed = %d", facts, suppressed)
	}
}

func TestSession_OpenWithFullScreen(t *testing.T) {
	bus := control.NewMemoryBus(false)
	ada := newTestSession(t, "Ada", bus)
	lin := newTestSession(t, "Lin", bus)
	ctx := context.Background()
	for _, s := range []*Session{ada, lin} {
		if err := s.ctrl.Start(ctx); err != nil {
			t.Fatalf("start control: %v", err)
		}
	}
	facts := 0
	lin.OnSessionControlFact(func(context.Context, control.Fact, control.State) { facts++ })

	if ok, err := ada.OpenSessionWith(ctx, true); err != nil || !ok {
		t.Fatalf("OpenSessionWith = %v, %v", ok, err)
	}
	want := control.State{Open: true, Initiator: "Ada", FullScreen: true}
	if lin.ControlState() != want || facts != 1 {
		t.Fatalf("lin state = %v after %d facts", lin.ControlState(), facts)
	}
}

func TestSession_ControlWithoutChannel(t *testing.T) {
	s := newTestSession(t, "Ada", nil)
	if ok, err := s.OpenSession(context.Background()); ok || err != nil {
		t.Fatalf("OpenSession without channel = %v, %v", ok, err)
	}
	if ok, err := s.OpenSessionWith(context.Background(), true); ok || err != nil {
		t.Fatalf("OpenSessionWith without channel = %v, %v", ok, err)
	}
	if s.ControlState().Open {
		t.Fatalf("state should stay closed")
	}
}

func TestTemplate(t *testing.T) {
	for _, l := range wire.Languages {
		if !strings.Contains(Template(l), "Start coding here...") {
			t.Fatalf("template for %s = %q", l, Template(l))
		}
	}
	if Template("cobol") != "// Start coding here...\n" {
		t.Fatalf("fallback template = %q", Template("cobol"))
	}
}
