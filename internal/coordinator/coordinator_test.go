package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"collabtext/coordinator/internal/auth"
	"collabtext/coordinator/internal/bus"
	"collabtext/coordinator/internal/event"
	"collabtext/coordinator/internal/presence"
	"collabtext/coordinator/internal/protocol"
	"collabtext/coordinator/internal/relay"
	"collabtext/coordinator/internal/room"
)

const waitFor = 2 * time.Second

// fakeSender records the frames written to one connection.
type fakeSender struct {
	frames []protocol.Outbound
	closes int
	mu     sync.Mutex
	full   bool
}

func (f *fakeSender) Send(data []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full || f.closes > 0 {
		return false
	}
	var o protocol.Outbound
	if err := json.Unmarshal(data, &o); err != nil {
		panic(err)
	}
	f.frames = append(f.frames, o)
	return true
}

func (f *fakeSender) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) all() []protocol.Outbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Outbound(nil), f.frames...)
}

func (f *fakeSender) ofType(typ protocol.Type) []protocol.Outbound {
	var out []protocol.Outbound
	for _, o := range f.all() {
		if o.Type == typ {
			out = append(out, o)
		}
	}
	return out
}

func (f *fakeSender) count(typ protocol.Type) int { return len(f.ofType(typ)) }

// process is one coordinator with its own registry, tracker and bus client,
// sharing the broker and the sequencer with its peers.
type process struct {
	*Coordinator
	registry *room.Registry
	tracker  *presence.Tracker
}

type cluster struct {
	broker *bus.Broker
	seq    *relay.MemorySequencer
}

func newCluster() *cluster {
	return &cluster{broker: bus.NewBroker(), seq: relay.NewMemorySequencer()}
}

func (cl *cluster) process(t *testing.T, id string, maxMembers int) *process {
	t.Helper()
	log := zap.NewNop()
	b := bus.NewMemory(cl.broker)
	reg := room.NewRegistry(maxMembers, log)
	tr := presence.NewTracker(log)
	c := New(Config{
		Bus:      b,
		Registry: reg,
		Presence: tr,
		Operations: relay.NewOperations(relay.Config{
			Bus:        b,
			Sequencer:  cl.seq,
			Members:    reg,
			Origin:     id,
			GapTimeout: time.Second,
			Log:        log,
		}),
		Signals:           relay.NewSignals(b, reg, id, log),
		Log:               log,
		ProcessID:         id,
		HeartbeatInterval: time.Hour,
	})
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() {
		assert.NoError(t, c.Stop())
		b.Close()
	})
	return &process{Coordinator: c, registry: reg, tracker: tr}
}

func (p *process) connect(t *testing.T, user string) (*Session, *fakeSender) {
	t.Helper()
	f := &fakeSender{}
	s, err := p.Bind(context.Background(), f, auth.Identity{UserID: user})
	require.NoError(t, err)
	return s, f
}

func handle(s *Session, format string, args ...any) {
	s.Handle(context.Background(), []byte(fmt.Sprintf(format, args...)))
}

func join(s *Session, roomID string) {
	handle(s, `{"type":"join","roomId":%q}`, roomID)
}

func hasMember(p *process, roomID, connID string) bool {
	return p.registry.IsMember(roomID, connID)
}

func TestBindStates(t *testing.T) {
	p1 := newCluster().process(t, "p1", 0)
	s, _ := p1.connect(t, "alice")

	assert.Equal(t, StateAuthenticated, s.State())
	join(s, "r1")
	assert.Equal(t, StateRoomMember, s.State())
	assert.Equal(t, []string{"r1"}, s.Rooms())

	s.Close()
	assert.Equal(t, StateGone, s.State())
	assert.Equal(t, "gone", s.State().String())
	_, ok := p1.Session(s.ID())
	assert.False(t, ok)
}

func TestJoinIdempotent(t *testing.T) {
	p1 := newCluster().process(t, "p1", 0)
	a, fa := p1.connect(t, "A")
	b, fb := p1.connect(t, "B")
	join(b, "doc-42")

	join(a, "doc-42")
	join(a, "doc-42")

	assert.Len(t, p1.registry.Members("doc-42"), 2)
	assert.Equal(t, 2, fa.count(protocol.TypeJoined))
	assert.Equal(t, 1, fb.count(protocol.TypeMemberJoined), "a repeated join is not broadcast")
	assert.Empty(t, fa.ofType(protocol.TypeError))
}

func TestJoinedSnapshot(t *testing.T) {
	p1 := newCluster().process(t, "p1", 0)
	a, fa := p1.connect(t, "A")
	b, fb := p1.connect(t, "B")

	join(a, "r")
	first := fa.ofType(protocol.TypeJoined)[0]
	assert.Equal(t, a.ID(), first.ConnectionID)
	assert.Empty(t, first.Presence)
	require.Len(t, first.Members, 1)

	handle(a, `{"type":"presence-update","roomId":"r","payload":{"cursor":{"line":3,"column":4}}}`)
	join(b, "r")

	joined := fb.ofType(protocol.TypeJoined)[0]
	require.Len(t, joined.Members, 2)
	assert.Equal(t, "A", joined.Members[0].UserID)
	assert.Equal(t, "p1", joined.Members[0].ProcessID)
	require.Len(t, joined.Presence, 1)
	assert.Equal(t, "A", joined.Presence[0].UserID)
	assert.Equal(t, &presence.Cursor{Line: 3, Column: 4}, joined.Presence[0].Cursor)
	assert.True(t, joined.Presence[0].Online)
}

func TestRoomFull(t *testing.T) {
	p1 := newCluster().process(t, "p1", 1)
	a, _ := p1.connect(t, "A")
	b, fb := p1.connect(t, "B")

	join(a, "r")
	join(b, "r")

	errs := fb.ofType(protocol.TypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, protocol.CodeRoomFull, errs[0].Error.Code)
	assert.Equal(t, protocol.TypeJoin, errs[0].Error.Ref)
	assert.Equal(t, StateAuthenticated, b.State())
}

func TestBadFrame(t *testing.T) {
	p1 := newCluster().process(t, "p1", 0)
	a, fa := p1.connect(t, "A")

	handle(a, `{"type":"teleport","roomId":"r"}`)
	handle(a, `not json`)

	errs := fa.ofType(protocol.TypeError)
	require.Len(t, errs, 2)
	assert.Equal(t, protocol.CodeBadRequest, errs[0].Error.Code)
	assert.Equal(t, protocol.Type("teleport"), errs[0].Error.Ref)
	assert.Equal(t, StateAuthenticated, a.State())
}

func TestOperationNotAMember(t *testing.T) {
	cl := newCluster()
	p1 := cl.process(t, "p1", 0)
	a, fa := p1.connect(t, "A")

	handle(a, `{"type":"operation","roomId":"doc-42","payload":{"insert":"x","at":0}}`)

	errs := fa.ofType(protocol.TypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, protocol.CodeNotAMember, errs[0].Error.Code)
	cur, err := cl.seq.Current(context.Background(), "doc-42")
	require.NoError(t, err)
	assert.Zero(t, cur)

	handle(a, `{"type":"presence-update","roomId":"doc-42","payload":{"typing":true}}`)
	handle(a, `{"type":"chat-message","roomId":"doc-42","payload":"hi"}`)
	handle(a, `{"type":"leave","roomId":"doc-42"}`)
	assert.Len(t, fa.ofType(protocol.TypeError), 4)
}

// TestDoc42 runs the two-process scenario: A on process 1 and B on process 2
// edit doc-42 and observe one order.
func TestDoc42(t *testing.T) {
	cl := newCluster()
	p1 := cl.process(t, "p1", 0)
	p2 := cl.process(t, "p2", 0)
	a, fa := p1.connect(t, "A")
	b, fb := p2.connect(t, "B")

	join(a, "doc-42")
	join(b, "doc-42")
	require.Eventually(t, func() bool {
		return hasMember(p1, "doc-42", b.ID()) && hasMember(p2, "doc-42", a.ID())
	}, waitFor, 5*time.Millisecond)

	handle(a, `{"type":"operation","roomId":"doc-42","payload":{"insert":"hi","at":0}}`)
	require.Eventually(t, func() bool {
		return fb.count(protocol.TypeOperation) == 1 && fa.count(protocol.TypeOperationAck) == 1
	}, waitFor, 5*time.Millisecond)

	op := fb.ofType(protocol.TypeOperation)[0]
	assert.Equal(t, uint64(1), op.Seq)
	assert.Equal(t, "A", op.From)
	assert.JSONEq(t, `{"insert":"hi","at":0}`, string(op.Payload))
	assert.Equal(t, uint64(1), fa.ofType(protocol.TypeOperationAck)[0].Seq)
	assert.Zero(t, fa.count(protocol.TypeOperation), "the submitter gets an ack, not its own operation")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		handle(b, `{"type":"operation","roomId":"doc-42","payload":{"insert":"!","at":2}}`)
	}()
	go func() {
		defer wg.Done()
		handle(a, `{"type":"operation","roomId":"doc-42","payload":{"delete":0}}`)
	}()
	wg.Wait()

	require.Eventually(t, func() bool {
		return fa.count(protocol.TypeOperationAck)+fa.count(protocol.TypeOperation) == 3 &&
			fb.count(protocol.TypeOperationAck)+fb.count(protocol.TypeOperation) == 3
	}, waitFor, 5*time.Millisecond)

	// Each side sees 1, 2, 3 in arrival order and both agree on who owns
	// each number.
	view := func(f *fakeSender, self string) ([]uint64, map[uint64]string) {
		var order []uint64
		owner := make(map[uint64]string)
		for _, o := range f.all() {
			switch o.Type {
			case protocol.TypeOperation:
				order = append(order, o.Seq)
				owner[o.Seq] = o.From
			case protocol.TypeOperationAck:
				order = append(order, o.Seq)
				owner[o.Seq] = self
			}
		}
		return order, owner
	}
	orderA, ownerA := view(fa, "A")
	orderB, ownerB := view(fb, "B")
	assert.Equal(t, []uint64{1, 2, 3}, orderA)
	assert.Equal(t, []uint64{1, 2, 3}, orderB)
	assert.Equal(t, ownerA, ownerB)
	assert.Empty(t, fa.ofType(protocol.TypeError))
	assert.Empty(t, fb.ofType(protocol.TypeError))
}

func TestStalePresenceRejected(t *testing.T) {
	p1 := newCluster().process(t, "p1", 0)
	a, _ := p1.connect(t, "A")
	b, fb := p1.connect(t, "B")
	join(a, "r")
	join(b, "r")

	base := time.Now().UnixMilli()
	handle(a, `{"type":"presence-update","roomId":"r","timestamp":%d,"payload":{"cursor":{"line":1,"column":1}}}`, base+1000)
	handle(a, `{"type":"presence-update","roomId":"r","timestamp":%d,"payload":{"cursor":{"line":9,"column":9}}}`, base+500)

	st, ok := p1.tracker.Get("r", "A")
	require.True(t, ok)
	assert.Equal(t, &presence.Cursor{Line: 1, Column: 1}, st.Cursor)

	var cursors []presence.Cursor
	for _, o := range fb.ofType(protocol.TypePresence) {
		if o.From == "A" && o.Delta.Cursor != nil {
			cursors = append(cursors, *o.Delta.Cursor)
		}
	}
	assert.Equal(t, []presence.Cursor{{Line: 1, Column: 1}}, cursors)
}

func cursorDeltas(f *fakeSender, user string) []presence.Cursor {
	var out []presence.Cursor
	for _, o := range f.ofType(protocol.TypePresence) {
		if o.From == user && o.Delta != nil && o.Delta.Cursor != nil {
			out = append(out, *o.Delta.Cursor)
		}
	}
	return out
}

func TestLaggingClientClock(t *testing.T) {
	cl := newCluster()
	p1 := cl.process(t, "p1", 0)
	p2 := cl.process(t, "p2", 0)
	a, _ := p1.connect(t, "A")
	b, fb := p2.connect(t, "B")
	join(a, "r")
	join(b, "r")
	require.Eventually(t, func() bool { return hasMember(p1, "r", b.ID()) }, waitFor, 5*time.Millisecond)

	// A's clock runs five seconds behind the server that marked it online.
	behind := time.Now().Add(-5 * time.Second).UnixMilli()
	handle(a, `{"type":"presence-update","roomId":"r","timestamp":%d,"payload":{"cursor":{"line":1,"column":1}}}`, behind)
	handle(a, `{"type":"presence-update","roomId":"r","timestamp":%d,"payload":{"cursor":{"line":2,"column":2}}}`, behind+1)

	st, ok := p1.tracker.Get("r", "A")
	require.True(t, ok)
	assert.Equal(t, &presence.Cursor{Line: 2, Column: 2}, st.Cursor)
	assert.True(t, st.Online)

	want := []presence.Cursor{{Line: 1, Column: 1}, {Line: 2, Column: 2}}
	require.Eventually(t, func() bool { return len(cursorDeltas(fb, "A")) == 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, want, cursorDeltas(fb, "A"))

	// A logical counter works the same way.
	handle(a, `{"type":"typing-start","roomId":"r","timestamp":%d}`, behind+2)
	require.Eventually(t, func() bool {
		st, _ := p2.tracker.Get("r", "A")
		return st.Typing
	}, waitFor, 5*time.Millisecond)
}

func TestFutureTimestampRejected(t *testing.T) {
	p1 := newCluster().process(t, "p1", 0)
	a, fa := p1.connect(t, "A")
	join(a, "r")

	handle(a, `{"type":"presence-update","roomId":"r","timestamp":%d,"payload":{"cursor":{"line":3,"column":3}}}`, int64(math.MaxInt64))

	errs := fa.ofType(protocol.TypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, protocol.CodeBadRequest, errs[0].Error.Code)
	st, _ := p1.tracker.Get("r", "A")
	assert.Nil(t, st.Cursor)
}

func TestOfflineAfterHighClientTimestamp(t *testing.T) {
	p1 := newCluster().process(t, "p1", 0)
	a, _ := p1.connect(t, "A")
	b, fb := p1.connect(t, "B")
	join(a, "r")
	join(b, "r")

	ahead := time.Now().Add(9 * time.Minute).UnixMilli()
	handle(a, `{"type":"presence-update","roomId":"r","timestamp":%d,"payload":{"cursor":{"line":1,"column":1}}}`, ahead)
	a.Close()

	assert.Equal(t, 1, offlineDeltas(fb, "A"))
	st, ok := p1.tracker.Get("r", "A")
	require.True(t, ok)
	assert.False(t, st.Online)
}

func TestAfterSaturates(t *testing.T) {
	assert.Equal(t, int64(10), after(3, 10))
	assert.Equal(t, int64(11), after(10, 10))
	assert.Equal(t, int64(math.MaxInt64), after(math.MaxInt64, 10))
}

func TestPresenceOnlineIsServerOwned(t *testing.T) {
	p1 := newCluster().process(t, "p1", 0)
	a, fa := p1.connect(t, "A")
	join(a, "r")

	handle(a, `{"type":"presence-update","roomId":"r","payload":{"online":false}}`)
	st, _ := p1.tracker.Get("r", "A")
	assert.True(t, st.Online)
	assert.Empty(t, fa.ofType(protocol.TypeError))
}

func TestTyping(t *testing.T) {
	cl := newCluster()
	p1 := cl.process(t, "p1", 0)
	p2 := cl.process(t, "p2", 0)
	a, _ := p1.connect(t, "A")
	b, fb := p2.connect(t, "B")
	join(a, "r")
	join(b, "r")
	require.Eventually(t, func() bool { return hasMember(p1, "r", b.ID()) }, waitFor, 5*time.Millisecond)

	handle(a, `{"type":"typing-start","roomId":"r"}`)
	require.Eventually(t, func() bool {
		st, ok := p2.tracker.Get("r", "A")
		return ok && st.Typing
	}, waitFor, 5*time.Millisecond)

	handle(a, `{"type":"typing-stop","roomId":"r"}`)
	require.Eventually(t, func() bool {
		st, _ := p2.tracker.Get("r", "A")
		return !st.Typing
	}, waitFor, 5*time.Millisecond)

	var typing []bool
	for _, o := range fb.ofType(protocol.TypePresence) {
		if o.From == "A" && o.Delta.Typing != nil {
			typing = append(typing, *o.Delta.Typing)
		}
	}
	assert.Equal(t, []bool{true, false}, typing)
}

func offlineDeltas(f *fakeSender, user string) int {
	n := 0
	for _, o := range f.ofType(protocol.TypePresence) {
		if o.From == user && o.Delta != nil && o.Delta.Online != nil && !*o.Delta.Online {
			n++
		}
	}
	return n
}

func TestDisconnectCleanup(t *testing.T) {
	cl := newCluster()
	p1 := cl.process(t, "p1", 0)
	p2 := cl.process(t, "p2", 0)
	a, fa := p1.connect(t, "A")
	b, fb := p2.connect(t, "B")
	join(a, "doc-42")
	join(b, "doc-42")
	require.Eventually(t, func() bool {
		return hasMember(p1, "doc-42", b.ID()) && hasMember(p2, "doc-42", a.ID())
	}, waitFor, 5*time.Millisecond)

	// An explicit leave racing with transport close.
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Close()
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		handle(a, `{"type":"leave","roomId":"doc-42"}`)
	}()
	wg.Wait()

	require.Eventually(t, func() bool {
		return !hasMember(p2, "doc-42", a.ID()) && offlineDeltas(fb, "A") == 1
	}, waitFor, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	assert.False(t, hasMember(p1, "doc-42", a.ID()))
	assert.Equal(t, 1, offlineDeltas(fb, "A"))
	assert.Equal(t, 1, fb.count(protocol.TypeMemberLeft))
	assert.Equal(t, 1, fa.closes)
	assert.Equal(t, StateGone, a.State())

	st, ok := p2.tracker.Get("doc-42", "A")
	require.True(t, ok)
	assert.False(t, st.Online)
}

func TestMultiTabOffline(t *testing.T) {
	p1 := newCluster().process(t, "p1", 0)
	tab1, _ := p1.connect(t, "U")
	tab2, _ := p1.connect(t, "U")
	other, fo := p1.connect(t, "V")
	join(tab1, "r")
	join(tab2, "r")
	join(other, "r")

	tab1.Close()
	assert.Zero(t, offlineDeltas(fo, "U"))
	assert.Equal(t, 1, p1.registry.UserConnections("r", "U"))

	tab2.Close()
	assert.Equal(t, 1, offlineDeltas(fo, "U"))
	assert.Equal(t, 2, fo.count(protocol.TypeMemberLeft))
}

// TestR1 covers an empty room being created by a join and forgotten after
// the last leave.
func TestR1(t *testing.T) {
	p1 := newCluster().process(t, "p1", 0)
	u, fu := p1.connect(t, "U")

	join(u, "r1")
	members := p1.registry.Members("r1")
	require.Len(t, members, 1)
	assert.Equal(t, "U", members[0].UserID)

	handle(u, `{"type":"presence-update","roomId":"r1","payload":{"cursor":{"line":7,"column":2}}}`)
	handle(u, `{"type":"leave","roomId":"r1"}`)
	assert.Equal(t, 1, fu.count(protocol.TypeLeft))
	assert.Empty(t, p1.registry.Members("r1"))
	assert.Zero(t, p1.tracker.RoomCount())
	_, ok := p1.tracker.Get("r1", "U")
	assert.False(t, ok)

	join(u, "r1")
	joined := fu.ofType(protocol.TypeJoined)
	require.Len(t, joined, 2)
	assert.Empty(t, joined[1].Presence)
	st, _ := p1.tracker.Get("r1", "U")
	assert.Nil(t, st.Cursor)
	assert.True(t, st.Online)
}

func TestLateProcessLearnsMembers(t *testing.T) {
	cl := newCluster()
	p1 := cl.process(t, "p1", 0)
	p2 := cl.process(t, "p2", 0)
	a, _ := p1.connect(t, "A")
	join(a, "r")
	handle(a, `{"type":"presence-update","roomId":"r","payload":{"cursor":{"line":2,"column":5}}}`)

	b, fb := p2.connect(t, "B")
	join(b, "r")

	require.Eventually(t, func() bool {
		return hasMember(p2, "r", a.ID()) && fb.count(protocol.TypeMemberJoined) == 1
	}, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		st, ok := p2.tracker.Get("r", "A")
		return ok && st.Online && st.Cursor != nil && *st.Cursor == presence.Cursor{Line: 2, Column: 5}
	}, waitFor, 5*time.Millisecond)

	view, ok := p2.Room("r")
	require.True(t, ok)
	assert.Len(t, view.Members, 2)
	assert.Equal(t, uint64(1), view.NextSeq)

	// Only p2's own connection carries liveness details.
	require.Len(t, view.Connections, 1)
	conn := view.Connections[0]
	assert.Equal(t, b.ID(), conn.ConnectionID)
	assert.Equal(t, "B", conn.UserID)
	assert.Equal(t, "room-member", conn.State)
	assert.Equal(t, b.LastSeen(), conn.LastSeen)
	assert.WithinDuration(t, time.Now(), conn.LastSeen, waitFor+time.Second)
}

func TestDetachForgetsRemoteMembers(t *testing.T) {
	cl := newCluster()
	p1 := cl.process(t, "p1", 0)
	p2 := cl.process(t, "p2", 0)
	a, _ := p1.connect(t, "A")
	b, _ := p2.connect(t, "B")
	join(a, "r")
	join(b, "r")
	require.Eventually(t, func() bool { return hasMember(p2, "r", a.ID()) }, waitFor, 5*time.Millisecond)

	b.Close()
	assert.Empty(t, p2.registry.Members("r"))
	assert.Zero(t, p2.tracker.RoomCount())
	assert.Zero(t, p2.Stats().AttachedRooms)
	require.Eventually(t, func() bool { return !hasMember(p1, "r", b.ID()) }, waitFor, 5*time.Millisecond)
}

func TestSignalCrossProcess(t *testing.T) {
	cl := newCluster()
	p1 := cl.process(t, "p1", 0)
	p2 := cl.process(t, "p2", 0)
	a, fa := p1.connect(t, "A")
	b, fb := p2.connect(t, "B")
	join(a, "call")
	join(b, "call")

	handle(a, `{"type":"signal-offer","roomId":"call","to":"B","payload":{"sdp":"v=0"}}`)
	require.Eventually(t, func() bool { return fb.count(protocol.TypeSignalOffer) == 1 }, waitFor, 5*time.Millisecond)
	offer := fb.ofType(protocol.TypeSignalOffer)[0]
	assert.Equal(t, "A", offer.From)
	assert.Equal(t, a.ID(), offer.ConnectionID)
	assert.JSONEq(t, `{"sdp":"v=0"}`, string(offer.Payload))

	handle(b, `{"type":"signal-answer","roomId":"call","to":"A","payload":{"sdp":"v=0"}}`)
	require.Eventually(t, func() bool { return fa.count(protocol.TypeSignalAnswer) == 1 }, waitFor, 5*time.Millisecond)

	// Nobody named C is connected: dropped without an error.
	handle(a, `{"type":"signal-ice","roomId":"call","to":"C","payload":{}}`)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, fa.ofType(protocol.TypeError))
}

func TestChatAndDrawing(t *testing.T) {
	cl := newCluster()
	p1 := cl.process(t, "p1", 0)
	p2 := cl.process(t, "p2", 0)
	a, fa := p1.connect(t, "A")
	c, fc := p1.connect(t, "C")
	b, fb := p2.connect(t, "B")
	join(a, "r")
	join(c, "r")
	join(b, "r")
	require.Eventually(t, func() bool { return hasMember(p2, "r", a.ID()) }, waitFor, 5*time.Millisecond)

	handle(a, `{"type":"chat-message","roomId":"r","payload":{"text":"hello"}}`)
	handle(a, `{"type":"draw","roomId":"r","payload":{"x":1,"y":2}}`)
	handle(a, `{"type":"chat-message","roomId":"r","to":"B","payload":{"text":"psst"}}`)

	require.Eventually(t, func() bool {
		return fb.count(protocol.TypeChatMessage) == 2 && fb.count(protocol.TypeDraw) == 1
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, 1, fc.count(protocol.TypeChatMessage))
	assert.Equal(t, 1, fc.count(protocol.TypeDraw))
	assert.Zero(t, fa.count(protocol.TypeChatMessage))
	assert.NotZero(t, fc.ofType(protocol.TypeChatMessage)[0].Timestamp)
}

func TestRedeliveredEventsDeliveredOnce(t *testing.T) {
	cl := newCluster()
	p1 := cl.process(t, "p1", 0)
	b, fb := p1.connect(t, "B")
	join(b, "r")

	// A second bus client on the broker stands in for a peer that redelivers.
	peer := bus.NewMemory(cl.broker)
	defer peer.Close()
	ctx := context.Background()

	signal := event.New(event.KindSignal, "p2")
	signal.Type = protocol.TypeSignalOffer
	signal.RoomID = "r"
	signal.UserID = "A"
	signal.ConnID = "conn-a"
	signal.To = "B"
	signal.Payload = json.RawMessage(`{"sdp":"v=0"}`)
	data, err := signal.Encode()
	require.NoError(t, err)
	require.NoError(t, peer.Publish(ctx, bus.UserChannel("B"), data))
	require.NoError(t, peer.Publish(ctx, bus.UserChannel("B"), data))

	chat := event.New(event.KindBroadcast, "p2")
	chat.Type = protocol.TypeChatMessage
	chat.RoomID = "r"
	chat.UserID = "A"
	chat.ConnID = "conn-a"
	chat.Payload = json.RawMessage(`{"text":"hi"}`)
	data, err = chat.Encode()
	require.NoError(t, err)
	require.NoError(t, peer.Publish(ctx, bus.RoomChannel("r"), data))
	require.NoError(t, peer.Publish(ctx, bus.RoomChannel("r"), data))

	require.Eventually(t, func() bool {
		return fb.count(protocol.TypeSignalOffer) == 1 && fb.count(protocol.TypeChatMessage) == 1
	}, waitFor, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, fb.count(protocol.TypeSignalOffer))
	assert.Equal(t, 1, fb.count(protocol.TypeChatMessage))
}

func TestLateOperationRejectedToSubmitter(t *testing.T) {
	cl := newCluster()
	p1 := cl.process(t, "p1", 0)
	a, fa := p1.connect(t, "A")
	b, fb := p1.connect(t, "B")
	join(a, "r")
	join(b, "r")

	peer := bus.NewMemory(cl.broker)
	defer peer.Close()
	ctx := context.Background()
	publishOp := func(seq uint64, connID string) {
		ev := event.New(event.KindOperation, "p2")
		ev.RoomID = "r"
		ev.UserID = "A"
		ev.ConnID = connID
		ev.Seq = seq
		ev.Payload = json.RawMessage(fmt.Sprintf(`{"n":%d}`, seq))
		data, err := ev.Encode()
		require.NoError(t, err)
		require.NoError(t, peer.Publish(ctx, bus.RoomChannel("r"), data))
	}

	// Number 2 shows up first; after the gap timeout 1 is skipped.
	publishOp(2, "elsewhere")
	require.Eventually(t, func() bool { return fb.count(protocol.TypeOperation) == 1 }, 3*time.Second, 5*time.Millisecond)

	publishOp(1, a.ID())
	publishOp(1, a.ID())
	require.Eventually(t, func() bool { return fa.count(protocol.TypeError) == 1 }, waitFor, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	rejected := fa.ofType(protocol.TypeError)
	require.Len(t, rejected, 1)
	assert.Equal(t, protocol.CodeRejected, rejected[0].Error.Code)
	assert.Equal(t, protocol.TypeOperation, rejected[0].Error.Ref)
	assert.Equal(t, 1, fb.count(protocol.TypeOperation), "room members never see the late operation")
	assert.Zero(t, fa.count(protocol.TypeOperationAck))
}

func TestSlowConsumerTornDown(t *testing.T) {
	p1 := newCluster().process(t, "p1", 0)
	a, _ := p1.connect(t, "A")
	slow, fs := p1.connect(t, "S")
	join(a, "r")
	join(slow, "r")

	fs.mu.Lock()
	fs.full = true
	fs.mu.Unlock()

	handle(a, `{"type":"chat-message","roomId":"r","payload":"x"}`)
	require.Eventually(t, func() bool { return slow.State() == StateGone }, waitFor, 5*time.Millisecond)
	assert.False(t, hasMember(p1, "r", slow.ID()))
	assert.Equal(t, StateRoomMember, a.State())
}

func TestDeadProcessEvicted(t *testing.T) {
	cl := newCluster()
	p1 := cl.process(t, "p1", 0)
	p2 := cl.process(t, "p2", 0)
	a, fa := p1.connect(t, "A")
	b, _ := p2.connect(t, "B")
	join(a, "r")
	join(b, "r")
	require.Eventually(t, func() bool { return hasMember(p1, "r", b.ID()) }, waitFor, 5*time.Millisecond)
	require.True(t, p1.monitor.IsAlive("p2"))

	p1.monitor.setClock(func() time.Time { return time.Now().Add(6 * time.Hour) })
	p1.monitor.check()

	assert.False(t, hasMember(p1, "r", b.ID()))
	assert.Equal(t, 1, fa.count(protocol.TypeMemberLeft))
	assert.Equal(t, 1, offlineDeltas(fa, "B"))
	assert.False(t, p1.monitor.IsAlive("p2"))

	// p2 speaks again: p1 asks for its members and B is back.
	p1.monitor.setClock(time.Now)
	handle(b, `{"type":"typing-start","roomId":"r"}`)
	require.Eventually(t, func() bool { return hasMember(p1, "r", b.ID()) }, waitFor, 5*time.Millisecond)
}

func TestStats(t *testing.T) {
	p1 := newCluster().process(t, "p1", 0)
	a, _ := p1.connect(t, "A")
	_, _ = p1.connect(t, "B")
	join(a, "r")

	st := p1.Stats()
	assert.Equal(t, "p1", st.ProcessID)
	assert.Equal(t, 2, st.Connections)
	assert.Equal(t, 1, st.AttachedRooms)
	require.Len(t, st.Rooms, 1)
	assert.Equal(t, 1, st.Rooms[0].Members)

	_, ok := p1.Room("missing")
	assert.False(t, ok)
}
