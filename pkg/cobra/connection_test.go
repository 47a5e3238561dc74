package cobra

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestConnection(t *testing.T, cfg Config) (*Connection, *fakeSession, *eventRecorder) {
	t.Helper()
	fake := newFakeSession()
	conn := newConnectionWithSession(cfg, fake)
	rec := newEventRecorder()
	conn.SetEventCallback(rec.record)
	return conn, fake, rec
}

// eventRecorder captures Events in arrival order for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func newEventRecorder() *eventRecorder { return &eventRecorder{} }

func (r *eventRecorder) record(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *eventRecorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

func (r *eventRecorder) last() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func authenticate(conn *Connection, fake *fakeSession) {
	fake.open()
	fake.message(`{"action":"auth/handshake/ok","body":{"data":{"nonce":"N"}}}`)
	fake.message(`{"action":"auth/authenticate/ok"}`)
}

// S1 Happy publish.
func TestHappyPublishScenario(t *testing.T) {
	conn, fake, rec := newTestConnection(t, Config{RoleName: "publisher", RoleSecret: "s"})

	authenticate(conn, fake)
	require.True(t, conn.IsAuthenticated())

	id := conn.Publish([]string{"chan"}, map[string]any{"a": 1})
	require.Equal(t, MsgID(3), id) // ids 1,2 consumed by handshake+authenticate

	fake.message(`{"action":"rtm/publish/ok","id":3}`)

	kinds := rec.kinds()
	require.Contains(t, kinds, EventOpen)
	require.Contains(t, kinds, EventAuthenticated)
	require.Equal(t, EventPublished, rec.last().Kind)
	require.Equal(t, MsgID(3), rec.last().MsgID)

	// handshake, authenticate, publish were all actually written.
	require.Equal(t, []string{"auth/handshake", "auth/authenticate", "rtm/publish"}, fake.sentActions())
}

// Invariant 1: monotonic ids, never 0.
func TestMonotonicIDsNeverZero(t *testing.T) {
	conn, fake, _ := newTestConnection(t, Config{RoleName: "p", RoleSecret: "s"})
	authenticate(conn, fake)

	var last MsgID
	for i := 0; i < 20; i++ {
		id := conn.Publish([]string{"c"}, i)
		require.NotEqual(t, InvalidMsgID, id)
		require.Greater(t, id, last)
		last = id
	}
}

// Invariant 2 / S3: queue bound under sustained disconnect.
func TestQueueOverflowKeepsNewest256(t *testing.T) {
	conn, _, _ := newTestConnection(t, Config{RoleName: "p", RoleSecret: "s"})
	// Never authenticate: every publish enqueues.
	for i := 1; i <= 260; i++ {
		conn.Publish([]string{"c"}, i)
	}
	require.Equal(t, 256, conn.QueueLen())
}

// Invariant 3 / S2: order preservation across reconnect + drain.
func TestReconnectDrainPreservesOrder(t *testing.T) {
	conn, fake, _ := newTestConnection(t, Config{RoleName: "p", RoleSecret: "s"})

	var ids []MsgID
	for i := 0; i < 10; i++ {
		ids = append(ids, conn.Publish([]string{"c"}, i))
	}
	require.Equal(t, 10, conn.QueueLen())

	authenticate(conn, fake) // triggers FlushQueue on auth/authenticate/ok
	require.Equal(t, 0, conn.QueueLen())

	gotIDs := fake.sentIDs()
	// The handshake and authenticate frames are sent first; what
	// follows must be the 10 drained publishes in the exact order
	// they were originally enqueued.
	require.Len(t, gotIDs, len(ids)+2)
	require.Equal(t, ids, gotIDs[2:])
}

// Invariant 4: flush_queue twice back-to-back is a no-op the second time.
func TestFlushQueueIdempotent(t *testing.T) {
	conn, fake, _ := newTestConnection(t, Config{RoleName: "p", RoleSecret: "s"})
	authenticate(conn, fake)

	require.True(t, conn.FlushQueue())
	before := fake.sentCount()
	require.True(t, conn.FlushQueue())
	require.Equal(t, before, fake.sentCount())
}

// Invariant 5 / S4: subscription delivery in order.
func TestSubscriptionDeliveryInOrder(t *testing.T) {
	conn, fake, _ := newTestConnection(t, Config{RoleName: "p", RoleSecret: "s"})
	authenticate(conn, fake)

	type delivery struct {
		msg      string
		position string
	}
	var got []delivery
	conn.Subscribe("metrics", "", "", 10, func(message []byte, position string) {
		got = append(got, delivery{string(message), position})
	})

	fake.message(`{"action":"rtm/subscribe/ok","body":{"subscription_id":"metrics"}}`)
	fake.message(`{"action":"rtm/subscription/data","body":{"subscription_id":"metrics","messages":[{"v":1},{"v":2}],"position":"p7"}}`)

	require.Len(t, got, 2)
	require.JSONEq(t, `{"v":1}`, got[0].msg)
	require.Equal(t, "p7", got[0].position)
	require.JSONEq(t, `{"v":2}`, got[1].msg)
	require.Equal(t, "p7", got[1].position)
}

// Subscription delivery still routes correctly when the server's
// subscription_id differs from the channel name (Open Question 1).
func TestSubscriptionDeliveryRoutesByServerAssignedID(t *testing.T) {
	conn, fake, _ := newTestConnection(t, Config{RoleName: "p", RoleSecret: "s"})
	authenticate(conn, fake)

	var got []byte
	conn.Subscribe("metrics", "", "", 10, func(message []byte, position string) {
		got = message
	})

	fake.message(`{"action":"rtm/subscribe/ok","body":{"subscription_id":"sub-42"}}`)
	fake.message(`{"action":"rtm/subscription/data","body":{"subscription_id":"sub-42","messages":[{"v":9}],"position":"p1"}}`)

	require.JSONEq(t, `{"v":9}`, string(got))
}

// Invariant 6 / unsubscribe race: must not invoke the callback after
// unsubscribe, even for data that was already in flight for that id.
func TestUnsubscribeRaceDoesNotInvokeCallback(t *testing.T) {
	conn, fake, _ := newTestConnection(t, Config{RoleName: "p", RoleSecret: "s"})
	authenticate(conn, fake)

	invoked := false
	conn.Subscribe("C", "", "", 10, func(message []byte, position string) {
		invoked = true
	})
	fake.message(`{"action":"rtm/subscribe/ok","body":{"subscription_id":"C"}}`)

	conn.Unsubscribe("C")
	fake.message(`{"action":"rtm/subscription/data","body":{"subscription_id":"C","messages":[{"v":1}],"position":"p"}}`)

	require.False(t, invoked)
}

// S5: unknown action surfaces as Error and the connection stays
// Authenticated.
func TestUnknownActionSurfacesErrorWithoutDisconnecting(t *testing.T) {
	conn, fake, rec := newTestConnection(t, Config{RoleName: "p", RoleSecret: "s"})
	authenticate(conn, fake)

	fake.message(`{"action":"weird/thing"}`)

	require.Equal(t, EventError, rec.last().Kind)
	require.Contains(t, rec.last().Message, "weird/thing")
	require.True(t, conn.IsAuthenticated())
}

// Re-subscribe-on-reconnect: after a second Authenticated transition,
// the channel's rtm/subscribe is sent again automatically.
func TestResubscribeOnEveryAuthenticated(t *testing.T) {
	conn, fake, _ := newTestConnection(t, Config{RoleName: "p", RoleSecret: "s", ResubscribeOnReconnect: true})
	authenticate(conn, fake)

	conn.Subscribe("chan", "", "", 10, func([]byte, string) {})
	fake.message(`{"action":"rtm/subscribe/ok","body":{"subscription_id":"chan"}}`)

	subscribeCountBefore := countActions(fake.sentActions(), "rtm/subscribe")
	require.Equal(t, 1, subscribeCountBefore)

	fake.closed()
	authenticate(conn, fake)

	subscribeCountAfter := countActions(fake.sentActions(), "rtm/subscribe")
	require.Equal(t, 2, subscribeCountAfter)
}

func TestResubscribeDisabledWhenConfiguredOff(t *testing.T) {
	conn, fake, _ := newTestConnection(t, Config{RoleName: "p", RoleSecret: "s", ResubscribeOnReconnect: false})
	authenticate(conn, fake)

	conn.Subscribe("chan", "", "", 10, func([]byte, string) {})
	fake.message(`{"action":"rtm/subscribe/ok","body":{"subscription_id":"chan"}}`)

	fake.closed()
	authenticate(conn, fake)

	require.Equal(t, 1, countActions(fake.sentActions(), "rtm/subscribe"))
}

func countActions(actions []string, want string) int {
	n := 0
	for _, a := range actions {
		if a == want {
			n++
		}
	}
	return n
}

func TestPublishImmediateFallsBackToQueueOnSendFailure(t *testing.T) {
	conn, fake, _ := newTestConnection(t, Config{RoleName: "p", RoleSecret: "s"})
	authenticate(conn, fake)

	fake.acceptSend = false
	id := conn.Publish([]string{"c"}, map[string]any{"a": 1})
	require.NotEqual(t, InvalidMsgID, id)
	require.Equal(t, 1, conn.QueueLen())
}

func TestBatchModeNeverSendsDirectly(t *testing.T) {
	conn, fake, _ := newTestConnection(t, Config{RoleName: "p", RoleSecret: "s"})
	authenticate(conn, fake)
	conn.SetPublishMode(PublishBatch)

	before := fake.sentCount()
	conn.Publish([]string{"c"}, 1)
	require.Equal(t, before, fake.sentCount())
	require.Equal(t, 1, conn.QueueLen())

	require.True(t, conn.FlushQueue())
	require.Equal(t, before+1, fake.sentCount())
}

func TestTrafficAndPublishTrackersAreInstanceScoped(t *testing.T) {
	conn1, fake1, _ := newTestConnection(t, Config{RoleName: "p", RoleSecret: "s"})
	conn2, fake2, _ := newTestConnection(t, Config{RoleName: "p", RoleSecret: "s"})

	var conn1Traffic, conn2Traffic int
	conn1.SetTrafficTracker(func(size int, incoming bool) { conn1Traffic++ })
	conn2.SetTrafficTracker(func(size int, incoming bool) { conn2Traffic++ })

	authenticate(conn1, fake1)
	require.Greater(t, conn1Traffic, 0)
	require.Equal(t, 0, conn2Traffic)

	authenticate(conn2, fake2)
	require.Greater(t, conn2Traffic, 0)
}

func TestPublishTrackerSeesSentThenAcked(t *testing.T) {
	conn, fake, _ := newTestConnection(t, Config{RoleName: "p", RoleSecret: "s"})
	authenticate(conn, fake)

	var calls []string
	conn.SetPublishTracker(func(sent, acked bool) {
		calls = append(calls, fmt.Sprintf("sent=%v,acked=%v", sent, acked))
	})

	id := conn.Publish([]string{"c"}, 1)
	fake.message(fmt.Sprintf(`{"action":"rtm/publish/ok","id":%d}`, id))

	require.Equal(t, []string{"sent=true,acked=false", "sent=false,acked=true"}, calls)
}
