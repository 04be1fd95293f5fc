package broker

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeConn records every event the broker sends it. Setting fail makes
// Send return an error, simulating a broken transport.
type fakeConn struct {
	id     string
	mu     sync.Mutex
	events []Event
	fail   bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(evt Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("connection closed")
	}
	c.events = append(c.events, evt)
	return nil
}

func (c *fakeConn) received() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

func (c *fakeConn) ofKind(kind string) []Event {
	var out []Event
	for _, evt := range c.received() {
		if evt.Kind() == kind {
			out = append(out, evt)
		}
	}
	return out
}

func (c *fakeConn) lastError() string {
	errs := c.ofKind("error")
	if len(errs) == 0 {
		return ""
	}
	return errs[len(errs)-1].(ErrorEvent).Message
}

func (c *fakeConn) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	b := New(NewMembership(), NewHistory(DefaultHistoryCapacity), zaptest.NewLogger(t))
	b.now = func() time.Time {
		return time.Date(2024, 6, 1, 12, 0, 0, 0, time.Local)
	}
	return b
}

// connect registers a connection and optionally logs it in and joins a
// room, clearing the recorded events afterwards so tests assert only on
// what they trigger.
func connect(t *testing.T, b *Broker, id, name, room string) *fakeConn {
	t.Helper()
	c := newFakeConn(id)
	b.OnConnect(c)
	if name != "" {
		b.OnEvent(c, LoginRequest{Username: name})
		require.Empty(t, c.lastError())
	}
	if room != "" {
		b.OnEvent(c, JoinRequest{Room: room})
		require.Empty(t, c.lastError())
	}
	c.clear()
	return c
}

func TestLoginWelcomeAndRoomList(t *testing.T) {
	b := newTestBroker(t)
	c := newFakeConn("c1")
	b.OnConnect(c)

	b.OnEvent(c, LoginRequest{Username: "alice"})

	systems := c.ofKind("system")
	require.Len(t, systems, 1)
	assert.Equal(t, "Welcome alice!", systems[0].(SystemEvent).Message)

	rooms := c.ofKind("rooms")
	require.Len(t, rooms, 1)
	assert.Empty(t, rooms[0].(RoomListEvent).Rooms)
}

func TestLoginEmptyUsername(t *testing.T) {
	b := newTestBroker(t)
	c := newFakeConn("c1")
	b.OnConnect(c)

	b.OnEvent(c, LoginRequest{Username: "  "})

	assert.Equal(t, "Username is required", c.lastError())
	assert.Empty(t, c.ofKind("system"))
}

func TestLoginDuplicateUsername(t *testing.T) {
	b := newTestBroker(t)
	bob := connect(t, b, "c1", "bob", "general")

	alice := newFakeConn("c2")
	b.OnConnect(alice)
	b.OnEvent(alice, LoginRequest{Username: "bob"})

	assert.Equal(t, "Username already taken", alice.lastError())

	// Bob's session is unaffected: he still receives room traffic.
	b.OnEvent(bob, PublishRequest{Room: "general", Text: "still here"})
	msgs := bob.ofKind("message")
	require.Len(t, msgs, 1)
	assert.Equal(t, "bob", msgs[0].(MessageEvent).User)
}

func TestJoinRequiresLogin(t *testing.T) {
	b := newTestBroker(t)
	c := newFakeConn("c1")
	b.OnConnect(c)

	b.OnEvent(c, JoinRequest{Room: "general"})
	assert.Equal(t, "Please login first", c.lastError())
}

func TestJoinEmptyRoom(t *testing.T) {
	b := newTestBroker(t)
	c := connect(t, b, "c1", "alice", "")

	b.OnEvent(c, JoinRequest{Room: " \t"})
	assert.Equal(t, "Room name is required", c.lastError())
}

func TestJoinAnnouncesArrivalToWholeRoom(t *testing.T) {
	b := newTestBroker(t)
	bob := connect(t, b, "c1", "bob", "general")

	alice := connect(t, b, "c2", "alice", "")
	b.OnEvent(alice, JoinRequest{Room: "general"})

	// Both the existing occupant and the joiner see the arrival notice.
	for _, c := range []*fakeConn{bob, alice} {
		systems := c.ofKind("system")
		require.Len(t, systems, 1, "conn %s", c.ID())
		assert.Equal(t, "alice joined the room", systems[0].(SystemEvent).Message)
	}
}

func TestJoinMoveNotifiesBothRooms(t *testing.T) {
	b := newTestBroker(t)
	gen := connect(t, b, "c1", "gen-watcher", "general")
	rnd := connect(t, b, "c2", "rnd-watcher", "random")
	alice := connect(t, b, "c3", "alice", "general")
	gen.clear()
	rnd.clear()

	b.OnEvent(alice, JoinRequest{Room: "random"})

	genSystems := gen.ofKind("system")
	require.Len(t, genSystems, 1)
	assert.Equal(t, "alice left the room", genSystems[0].(SystemEvent).Message)

	rndSystems := rnd.ofKind("system")
	require.Len(t, rndSystems, 1)
	assert.Equal(t, "alice joined the room", rndSystems[0].(SystemEvent).Message)
}

func TestJoinSendsHistorySnapshot(t *testing.T) {
	b := newTestBroker(t)
	bob := connect(t, b, "c1", "bob", "random")
	b.OnEvent(bob, PublishRequest{Room: "random", Text: "first"})
	b.OnEvent(bob, PublishRequest{Room: "random", Text: "second"})

	alice := connect(t, b, "c2", "alice", "")
	b.OnEvent(alice, JoinRequest{Room: "random"})

	histories := alice.ofKind("history")
	require.Len(t, histories, 1)
	hist := histories[0].(HistoryEvent)
	assert.Equal(t, "random", hist.Room)
	require.Len(t, hist.Messages, 2)
	assert.Equal(t, "first", hist.Messages[0].Text)
	assert.Equal(t, "second", hist.Messages[1].Text)
}

func TestJoinFreshRoomSendsNoHistoryEvent(t *testing.T) {
	b := newTestBroker(t)
	alice := connect(t, b, "c1", "alice", "")

	b.OnEvent(alice, JoinRequest{Room: "fresh"})
	assert.Empty(t, alice.ofKind("history"))
}

func TestRejoinSameRoomRepeatsNotices(t *testing.T) {
	b := newTestBroker(t)
	bob := connect(t, b, "c1", "bob", "general")
	alice := connect(t, b, "c2", "alice", "general")
	bob.clear()

	b.OnEvent(alice, JoinRequest{Room: "general"})

	// The other occupant sees the full leave+join sequence again.
	bobSystems := bob.ofKind("system")
	require.Len(t, bobSystems, 2)
	assert.Equal(t, "alice left the room", bobSystems[0].(SystemEvent).Message)
	assert.Equal(t, "alice joined the room", bobSystems[1].(SystemEvent).Message)

	// The mover gets the arrival notice but never its own leave notice.
	aliceSystems := alice.ofKind("system")
	require.Len(t, aliceSystems, 1)
	assert.Equal(t, "alice joined the room", aliceSystems[0].(SystemEvent).Message)
}

func TestPublishDeliversToRoomOnly(t *testing.T) {
	b := newTestBroker(t)
	alice := connect(t, b, "c1", "alice", "general")
	bob := connect(t, b, "c2", "bob", "general")
	eve := connect(t, b, "c3", "eve", "random")

	b.OnEvent(alice, PublishRequest{Room: "general", Text: "hello"})

	for _, c := range []*fakeConn{alice, bob} {
		msgs := c.ofKind("message")
		require.Len(t, msgs, 1, "conn %s", c.ID())
		evt := msgs[0].(MessageEvent)
		assert.Equal(t, "alice", evt.User)
		assert.Equal(t, "hello", evt.Text)
		assert.Equal(t, "general", evt.Room)
		assert.NotEmpty(t, evt.Timestamp)
	}
	assert.Empty(t, eve.ofKind("message"))
}

func TestPublishRequiresLogin(t *testing.T) {
	b := newTestBroker(t)
	c := newFakeConn("c1")
	b.OnConnect(c)

	b.OnEvent(c, PublishRequest{Room: "general", Text: "hi"})
	assert.Equal(t, "Please login first", c.lastError())
}

func TestPublishOutsideOccupiedRoom(t *testing.T) {
	b := newTestBroker(t)
	alice := connect(t, b, "c1", "alice", "general")

	b.OnEvent(alice, PublishRequest{Room: "random", Text: "hi"})
	assert.Equal(t, "You are not in this room", alice.lastError())
}

func TestPublishMembershipCheckedBeforeEmptyText(t *testing.T) {
	b := newTestBroker(t)
	alice := connect(t, b, "c1", "alice", "general")

	// Wrong room and empty text: the occupancy error wins.
	b.OnEvent(alice, PublishRequest{Room: "random", Text: "  "})
	assert.Equal(t, "You are not in this room", alice.lastError())

	b.OnEvent(alice, PublishRequest{Room: "general", Text: "  "})
	assert.Equal(t, "Message cannot be empty", alice.lastError())
}

func TestPublishAppendsHistory(t *testing.T) {
	b := newTestBroker(t)
	alice := connect(t, b, "c1", "alice", "general")

	for i := 1; i <= 6; i++ {
		b.OnEvent(alice, PublishRequest{Room: "general", Text: fmt.Sprintf("m%d", i)})
	}

	snap := b.history.Snapshot("general")
	require.Len(t, snap, 5)
	assert.Equal(t, "m2", snap[0].Text)
	assert.Equal(t, "m6", snap[4].Text)
}

func TestWhoListsOccupants(t *testing.T) {
	b := newTestBroker(t)
	alice := connect(t, b, "c1", "alice", "general")
	connect(t, b, "c2", "bob", "general")

	b.OnEvent(alice, WhoRequest{Room: "general"})

	whos := alice.ofKind("who")
	require.Len(t, whos, 1)
	who := whos[0].(WhoEvent)
	assert.Equal(t, "general", who.Room)
	assert.Equal(t, []string{"alice", "bob"}, who.Members)
}

func TestWhoUnknownRoom(t *testing.T) {
	b := newTestBroker(t)
	alice := connect(t, b, "c1", "alice", "")

	b.OnEvent(alice, WhoRequest{Room: "nowhere"})
	assert.Equal(t, "Room not found", alice.lastError())
}

func TestWhoWorksWithoutLogin(t *testing.T) {
	b := newTestBroker(t)
	connect(t, b, "c1", "alice", "general")

	anon := newFakeConn("c2")
	b.OnConnect(anon)
	b.OnEvent(anon, WhoRequest{Room: "general"})

	whos := anon.ofKind("who")
	require.Len(t, whos, 1)
	assert.Equal(t, []string{"alice"}, whos[0].(WhoEvent).Members)
}

func TestWhoIncludesEmptyRoom(t *testing.T) {
	b := newTestBroker(t)
	alice := connect(t, b, "c1", "alice", "general")
	b.OnEvent(alice, JoinRequest{Room: "random"})
	alice.clear()

	b.OnEvent(alice, WhoRequest{Room: "general"})

	whos := alice.ofKind("who")
	require.Len(t, whos, 1)
	assert.Empty(t, whos[0].(WhoEvent).Members)
}

func TestDisconnectNotifiesRoomAndRebroadcastsRooms(t *testing.T) {
	b := newTestBroker(t)
	alice := connect(t, b, "c1", "alice", "general")
	bob := connect(t, b, "c2", "bob", "general")

	b.OnDisconnect(alice)

	systems := bob.ofKind("system")
	require.Len(t, systems, 1)
	assert.Equal(t, "alice left the room", systems[0].(SystemEvent).Message)

	rooms := bob.ofKind("rooms")
	require.Len(t, rooms, 1)
	assert.Equal(t, []string{"general"}, rooms[0].(RoomListEvent).Rooms)
}

func TestDisconnectIdempotent(t *testing.T) {
	b := newTestBroker(t)
	alice := connect(t, b, "c1", "alice", "general")
	bob := connect(t, b, "c2", "bob", "general")

	b.OnDisconnect(alice)
	bob.clear()

	b.OnDisconnect(alice)
	assert.Empty(t, bob.received(), "second teardown must emit nothing")
}

func TestDisconnectAnonymousConnection(t *testing.T) {
	b := newTestBroker(t)
	bob := connect(t, b, "c1", "bob", "general")

	anon := newFakeConn("c2")
	b.OnConnect(anon)
	b.OnDisconnect(anon)

	// No session, no departure notice; the room list is still refreshed.
	assert.Empty(t, bob.ofKind("system"))
	assert.Len(t, bob.ofKind("rooms"), 1)
}

func TestRoomListReachesAnonymousConnections(t *testing.T) {
	b := newTestBroker(t)
	anon := newFakeConn("c1")
	b.OnConnect(anon)

	connect(t, b, "c2", "alice", "general")

	rooms := anon.ofKind("rooms")
	require.NotEmpty(t, rooms)
	assert.Equal(t, []string{"general"}, rooms[len(rooms)-1].(RoomListEvent).Rooms)
}

func TestFailedRecipientIsTornDown(t *testing.T) {
	b := newTestBroker(t)
	alice := connect(t, b, "c1", "alice", "general")
	bob := connect(t, b, "c2", "bob", "general")
	carol := connect(t, b, "c3", "carol", "general")

	bob.fail = true
	b.OnEvent(alice, PublishRequest{Room: "general", Text: "hello"})

	// Delivery to the healthy occupants is not aborted by bob's failure.
	for _, c := range []*fakeConn{alice, carol} {
		require.Len(t, c.ofKind("message"), 1, "conn %s", c.ID())
	}

	// Bob went through the same teardown path as an explicit disconnect:
	// departure notice plus room-list refresh for the survivors.
	assert.Equal(t, []string{"alice", "carol"}, b.membership.Occupants("general"))
	var sawLeave bool
	for _, evt := range carol.ofKind("system") {
		if evt.(SystemEvent).Message == "bob left the room" {
			sawLeave = true
		}
	}
	assert.True(t, sawLeave, "survivors must see bob's departure notice")

	// A later explicit disconnect for bob is a no-op.
	carol.clear()
	b.OnDisconnect(bob)
	assert.Empty(t, carol.received())
}

func TestCascadingFailuresDuringBroadcast(t *testing.T) {
	b := newTestBroker(t)
	alice := connect(t, b, "c1", "alice", "general")
	bob := connect(t, b, "c2", "bob", "general")
	carol := connect(t, b, "c3", "carol", "general")

	bob.fail = true
	carol.fail = true
	b.OnEvent(alice, PublishRequest{Room: "general", Text: "anyone there?"})

	assert.Equal(t, []string{"alice"}, b.membership.Occupants("general"))
	require.Len(t, alice.ofKind("message"), 1)
}

func TestScenarioLoginJoinPublishWho(t *testing.T) {
	b := newTestBroker(t)
	alice := newFakeConn("c1")
	b.OnConnect(alice)

	b.OnEvent(alice, LoginRequest{Username: "alice"})
	b.OnEvent(alice, JoinRequest{Room: "general"})
	b.OnEvent(alice, PublishRequest{Room: "general", Text: "hi"})
	b.OnEvent(alice, WhoRequest{Room: "general"})

	assert.Empty(t, alice.ofKind("error"))
	whos := alice.ofKind("who")
	require.Len(t, whos, 1)
	assert.Equal(t, []string{"alice"}, whos[0].(WhoEvent).Members)
}

func TestTimestampFormat(t *testing.T) {
	b := newTestBroker(t)
	alice := connect(t, b, "c1", "alice", "general")

	b.OnEvent(alice, PublishRequest{Room: "general", Text: "hi"})

	msgs := alice.ofKind("message")
	require.Len(t, msgs, 1)
	ts := msgs[0].(MessageEvent).Timestamp
	_, err := time.ParseInLocation(timestampLayout, ts, time.Local)
	assert.NoError(t, err)
	assert.Equal(t, "2024-06-01T12:00:00.000000", ts)
}

func TestConcurrentPublishOrderPerRoom(t *testing.T) {
	b := newTestBroker(t)
	b.now = time.Now
	alice := connect(t, b, "c1", "alice", "general")
	bob := connect(t, b, "c2", "bob", "general")

	const perSender = 20
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < perSender; i++ {
			b.OnEvent(alice, PublishRequest{Room: "general", Text: fmt.Sprintf("a%d", i)})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < perSender; i++ {
			b.OnEvent(bob, PublishRequest{Room: "general", Text: fmt.Sprintf("b%d", i)})
		}
	}()
	wg.Wait()

	// Every occupant observed all messages in the same relative order.
	var aliceOrder, bobOrder []string
	for _, evt := range alice.ofKind("message") {
		aliceOrder = append(aliceOrder, evt.(MessageEvent).Text)
	}
	for _, evt := range bob.ofKind("message") {
		bobOrder = append(bobOrder, evt.(MessageEvent).Text)
	}
	require.Len(t, aliceOrder, perSender*2)
	assert.Equal(t, aliceOrder, bobOrder)
}

func TestUnknownRequestType(t *testing.T) {
	b := newTestBroker(t)
	alice := connect(t, b, "c1", "alice", "")

	b.OnEvent(alice, nil)
	assert.NotEmpty(t, alice.lastError())
}
