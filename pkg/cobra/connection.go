package cobra

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/odin-labs/cobra/pkg/wssession"
)

// Config configures a Connection and the Session it drives.
type Config struct {
	Appkey     string
	Endpoint   string
	RoleName   string
	RoleSecret string

	RetryQueueCapacity int
	// ResubscribeOnReconnect re-sends rtm/subscribe for every mapped
	// channel on every transition to Authenticated. The zero value is
	// false, which reproduces the source's bug-compatible behavior of
	// never automatically resubscribing; internal/config defaults it
	// to true.
	ResubscribeOnReconnect bool

	PingIntervalSeconds int
	TLSConfig           *tls.Config
	EnableCompression   bool
	AutoReconnect       bool
}

func (c Config) url() string {
	return fmt.Sprintf("%s/v2?appkey=%s", c.Endpoint, c.Appkey)
}

func (c Config) sessionConfig() wssession.Config {
	ping := c.PingIntervalSeconds
	if ping == 0 {
		ping = 30
	}
	auto := c.AutoReconnect
	return wssession.Config{
		URL:               c.url(),
		PingInterval:      time.Duration(ping) * time.Second,
		TLSConfig:         c.TLSConfig,
		EnableCompression: c.EnableCompression,
		AutoReconnect:     auto,
	}
}

// subscriptionEntry is the authoritative record for one channel,
// stable across reconnects. subID holds the server-assigned
// subscription_id once subscribe/ok has arrived for the current
// connection, and is cleared (and re-requested) on every reconnect.
type subscriptionEntry struct {
	channel   string
	filter    string
	batchSize int
	position  string
	cb        SubscriptionCallback
	subID     string
}

// session is the subset of *wssession.Session the state machine
// depends on. Tests substitute a fake to drive the machine without a
// real socket.
type session interface {
	Start()
	Stop(ctx context.Context) error
	Send(payload []byte, binary bool) wssession.SendInfo
	Ping(payload []byte) wssession.SendInfo
	SetOnEvent(cb func(wssession.Event))
	ReadyState() wssession.ReadyState
}

// Connection is the RTM protocol state machine: it owns a Session, a
// bounded retry queue, and the subscription map, and correlates
// inbound PDUs to the outbound requests that triggered them.
type Connection struct {
	cfg     Config
	session session
	queue   *retryQueue

	idCounter atomic.Uint64
	authed    atomic.Bool

	publishModeMu sync.Mutex
	publishMode   PublishMode

	eventMu sync.Mutex
	eventCb EventCallback

	trackerMu      sync.Mutex
	trafficTracker TrafficTracker
	publishTracker PublishTracker

	// prePublishMu covers id allocation, PDU serialization and the
	// enqueue decision as one critical section, so two concurrent
	// publishers can never interleave an id with the wrong body or
	// race the enqueue-vs-send decision.
	prePublishMu sync.Mutex

	subMu             sync.Mutex
	subsByChannel     map[string]*subscriptionEntry
	subIDToChannel    map[string]string
	pendingSubscribes []string

	resubscribe bool
}

// NewConnection builds a Connection from cfg and wires its Session.
// It does not connect; call Connect to start the reconnect loop.
func NewConnection(cfg Config) *Connection {
	if cfg.RetryQueueCapacity <= 0 {
		cfg.RetryQueueCapacity = DefaultRetryQueueCapacity
	}
	c := &Connection{
		cfg:            cfg,
		queue:          newRetryQueue(cfg.RetryQueueCapacity),
		subsByChannel:  make(map[string]*subscriptionEntry),
		subIDToChannel: make(map[string]string),
		resubscribe:    cfg.ResubscribeOnReconnect,
	}
	c.idCounter.Store(0)
	c.session = wssession.New(cfg.sessionConfig())
	c.session.SetOnEvent(c.handleSessionEvent)
	return c
}

// newConnectionWithSession builds a Connection around an
// already-constructed session, for tests that drive the state machine
// with a fake.
func newConnectionWithSession(cfg Config, sess session) *Connection {
	if cfg.RetryQueueCapacity <= 0 {
		cfg.RetryQueueCapacity = DefaultRetryQueueCapacity
	}
	c := &Connection{
		cfg:            cfg,
		session:        sess,
		queue:          newRetryQueue(cfg.RetryQueueCapacity),
		subsByChannel:  make(map[string]*subscriptionEntry),
		subIDToChannel: make(map[string]string),
		resubscribe:    cfg.ResubscribeOnReconnect,
	}
	sess.SetOnEvent(c.handleSessionEvent)
	return c
}

func (c *Connection) nextID() MsgID {
	return MsgID(c.idCounter.Add(1))
}

// Connect starts the underlying Session. Idempotent.
func (c *Connection) Connect() {
	c.session.Start()
}

// Disconnect forces authenticated to false and stops the Session,
// joining its I/O goroutine within ctx.
func (c *Connection) Disconnect(ctx context.Context) error {
	c.authed.Store(false)
	return c.session.Stop(ctx)
}

// Suspend is an alias for Disconnect, for hosts that background the
// process.
func (c *Connection) Suspend(ctx context.Context) error { return c.Disconnect(ctx) }

// Resume is an alias for Connect.
func (c *Connection) Resume() { c.Connect() }

// IsConnected reports whether the Session is currently Open.
func (c *Connection) IsConnected() bool {
	return c.session.ReadyState() == wssession.Open
}

// IsAuthenticated reports IsConnected() && the auth handshake
// completed for the current Session lifetime.
func (c *Connection) IsAuthenticated() bool {
	return c.IsConnected() && c.authed.Load()
}

// SetPublishMode switches between Immediate and Batch publish.
func (c *Connection) SetPublishMode(mode PublishMode) {
	c.publishModeMu.Lock()
	c.publishMode = mode
	c.publishModeMu.Unlock()
}

func (c *Connection) getPublishMode() PublishMode {
	c.publishModeMu.Lock()
	defer c.publishModeMu.Unlock()
	return c.publishMode
}

// SetEventCallback installs the application event sink.
func (c *Connection) SetEventCallback(cb EventCallback) {
	c.eventMu.Lock()
	c.eventCb = cb
	c.eventMu.Unlock()
}

func (c *Connection) emitEvent(evt Event) {
	c.eventMu.Lock()
	cb := c.eventCb
	c.eventMu.Unlock()
	if cb != nil {
		cb(evt)
	}
}

// SetTrafficTracker installs a per-instance raw-wire-traffic observer,
// replacing any previously installed tracker. Unlike the source this
// is modeled on, there is no process-wide static hook: two
// Connections in the same process never clobber each other.
func (c *Connection) SetTrafficTracker(t TrafficTracker) {
	c.trackerMu.Lock()
	c.trafficTracker = t
	c.trackerMu.Unlock()
}

// SetPublishTracker installs a per-instance publish lifecycle observer.
func (c *Connection) SetPublishTracker(t PublishTracker) {
	c.trackerMu.Lock()
	c.publishTracker = t
	c.trackerMu.Unlock()
}

func (c *Connection) trackTraffic(size int, incoming bool) {
	c.trackerMu.Lock()
	t := c.trafficTracker
	c.trackerMu.Unlock()
	if t != nil {
		t(size, incoming)
	}
}

func (c *Connection) trackPublish(sent, acked bool) {
	c.trackerMu.Lock()
	t := c.publishTracker
	c.trackerMu.Unlock()
	if t != nil {
		t(sent, acked)
	}
}

func (c *Connection) handleSessionEvent(evt wssession.Event) {
	c.trackTraffic(len(evt.Payload), true)

	switch evt.Kind {
	case wssession.EventOpen:
		c.emitEvent(Event{Kind: EventOpen})
		c.sendHandshake()
	case wssession.EventClosed:
		c.authed.Store(false)
		c.emitEvent(Event{Kind: EventClosed, Message: fmt.Sprintf("close code %d reason %s", evt.CloseCode, evt.Reason)})
	case wssession.EventError:
		c.emitEvent(Event{Kind: EventError, Message: evt.Reason})
	case wssession.EventPong:
		c.emitEvent(Event{Kind: EventPong, Message: string(evt.Payload)})
	case wssession.EventMessage:
		c.handleInboundMessage(evt.Payload)
	}
}

func (c *Connection) sendHandshake() {
	id := c.nextID()
	wire, err := buildHandshake(c.cfg.RoleName, id)
	if err != nil {
		c.emitEvent(Event{Kind: EventError, Message: err.Error()})
		return
	}
	c.trackTraffic(len(wire), false)
	c.session.Send(wire, false)
}

func (c *Connection) sendAuthenticate(nonce string) {
	hash := computeAuthHash(c.cfg.RoleSecret, nonce)
	id := c.nextID()
	wire, err := buildAuthenticate(hash, id)
	if err != nil {
		c.emitEvent(Event{Kind: EventError, Message: err.Error()})
		return
	}
	c.trackTraffic(len(wire), false)
	c.session.Send(wire, false)
}

// handleInboundMessage dispatches one parsed server PDU. Unknown
// actions and malformed payloads are surfaced as Error events and
// never terminate the connection.
func (c *Connection) handleInboundMessage(raw []byte) {
	msg, err := parseInbound(raw)
	if err != nil {
		c.emitEvent(Event{Kind: EventError, Message: fmt.Sprintf("%s: %s", err, raw)})
		return
	}

	switch msg.Action {
	case "auth/handshake/ok":
		if msg.Body.Data.Nonce == "" {
			c.emitEvent(Event{Kind: EventError, Message: "missing nonce in handshake response: " + string(raw)})
			return
		}
		c.sendAuthenticate(msg.Body.Data.Nonce)
	case "auth/handshake/error":
		c.emitEvent(Event{Kind: EventHandshakeError, Message: string(raw)})
	case "auth/authenticate/ok":
		c.authed.Store(true)
		c.emitEvent(Event{Kind: EventAuthenticated})
		if c.resubscribe {
			c.resubscribeAll()
		}
		c.FlushQueue()
	case "auth/authenticate/error":
		c.emitEvent(Event{Kind: EventAuthenticationError, Message: string(raw)})
	case "rtm/subscribe/ok":
		c.handleSubscribeOK(msg.Body.SubscriptionID)
	case "rtm/subscribe/error":
		c.emitEvent(Event{Kind: EventSubscriptionError, Message: string(raw)})
	case "rtm/unsubscribe/ok":
		c.emitEvent(Event{Kind: EventUnsubscribed, SubscriptionID: msg.Body.SubscriptionID})
	case "rtm/unsubscribe/error":
		c.emitEvent(Event{Kind: EventError, Message: "unsubscribe error: " + string(raw)})
	case "rtm/publish/ok":
		if msg.ID != nil {
			c.emitEvent(Event{Kind: EventPublished, MsgID: *msg.ID})
			c.trackPublish(false, true)
		}
	case "rtm/publish/error":
		c.emitEvent(Event{Kind: EventError, Message: "publish error: " + string(raw)})
	case "rtm/subscription/data":
		c.handleSubscriptionData(msg.Body.SubscriptionID, msg.Body.Messages, msg.Body.Position)
	default:
		c.emitEvent(Event{Kind: EventError, Message: "unhandled action " + msg.Action + ": " + string(raw)})
	}
}

func (c *Connection) handleSubscribeOK(subscriptionID string) {
	c.subMu.Lock()
	if len(c.pendingSubscribes) == 0 {
		c.subMu.Unlock()
		return
	}
	channel := c.pendingSubscribes[0]
	c.pendingSubscribes = c.pendingSubscribes[1:]

	entry, ok := c.subsByChannel[channel]
	if ok {
		if entry.subID != "" {
			delete(c.subIDToChannel, entry.subID)
		}
		entry.subID = subscriptionID
		c.subIDToChannel[subscriptionID] = channel
	}
	c.subMu.Unlock()

	c.emitEvent(Event{Kind: EventSubscribed, SubscriptionID: subscriptionID})
}

func (c *Connection) handleSubscriptionData(subscriptionID string, messages []json.RawMessage, position string) {
	c.subMu.Lock()
	channel, ok := c.subIDToChannel[subscriptionID]
	var entry *subscriptionEntry
	if ok {
		entry = c.subsByChannel[channel]
		if entry != nil {
			entry.position = position
		}
	}
	c.subMu.Unlock()

	if entry == nil {
		return
	}
	for _, m := range messages {
		entry.cb([]byte(m), position)
	}
}

// Subscribe registers cb for channel and sends rtm/subscribe. The
// callback is installed before the PDU is sent so a fast server reply
// cannot race the registration. Incoming data is routed by the
// server-issued subscription_id, not by channel name; a temporary
// FIFO correlates the next subscribe/ok response back to this call,
// since the protocol does not echo the channel in that response.
func (c *Connection) Subscribe(channel, filter, position string, batchSize int, cb SubscriptionCallback) {
	c.subMu.Lock()
	c.subsByChannel[channel] = &subscriptionEntry{
		channel:   channel,
		filter:    filter,
		batchSize: batchSize,
		position:  position,
		cb:        cb,
	}
	c.pendingSubscribes = append(c.pendingSubscribes, channel)
	c.subMu.Unlock()

	id := c.nextID()
	wire, err := buildSubscribe(channel, filter, position, batchSize, id)
	if err != nil {
		c.emitEvent(Event{Kind: EventError, Message: err.Error()})
		return
	}
	c.trackTraffic(len(wire), false)
	c.session.Send(wire, false)
}

// Unsubscribe removes the local callback for channel and sends
// rtm/unsubscribe. If no callback was registered, no PDU is sent.
func (c *Connection) Unsubscribe(channel string) {
	c.subMu.Lock()
	entry, ok := c.subsByChannel[channel]
	if !ok {
		c.subMu.Unlock()
		return
	}
	delete(c.subsByChannel, channel)

	subID := entry.subID
	if subID != "" {
		delete(c.subIDToChannel, subID)
	} else {
		// No subscribe/ok has arrived yet; fall back to the channel
		// name as the subscription_id, matching the protocol's own
		// (lossy) convention when the server hasn't assigned one.
		subID = channel
	}

	for i, ch := range c.pendingSubscribes {
		if ch == channel {
			c.pendingSubscribes = append(c.pendingSubscribes[:i], c.pendingSubscribes[i+1:]...)
			break
		}
	}
	c.subMu.Unlock()

	id := c.nextID()
	wire, err := buildUnsubscribe(subID, id)
	if err != nil {
		c.emitEvent(Event{Kind: EventError, Message: err.Error()})
		return
	}
	c.trackTraffic(len(wire), false)
	c.session.Send(wire, false)
}

// resubscribeAll re-sends rtm/subscribe for every channel currently
// mapped, using each channel's last observed position cursor. Called
// on every transition to Authenticated when ResubscribeOnReconnect is
// set, so an application that subscribes once keeps receiving data
// across reconnects instead of silently going quiet.
func (c *Connection) resubscribeAll() {
	c.subMu.Lock()
	channels := make([]string, 0, len(c.subsByChannel))
	for ch := range c.subsByChannel {
		channels = append(channels, ch)
	}
	c.subMu.Unlock()

	for _, ch := range channels {
		c.subMu.Lock()
		entry, ok := c.subsByChannel[ch]
		if !ok {
			c.subMu.Unlock()
			continue
		}
		if entry.subID != "" {
			delete(c.subIDToChannel, entry.subID)
			entry.subID = ""
		}
		c.pendingSubscribes = append(c.pendingSubscribes, ch)
		filter, position, batchSize := entry.filter, entry.position, entry.batchSize
		c.subMu.Unlock()

		id := c.nextID()
		wire, err := buildSubscribe(ch, filter, position, batchSize, id)
		if err != nil {
			continue
		}
		c.trackTraffic(len(wire), false)
		c.session.Send(wire, false)
	}
}

// Publish allocates an id, builds the PDU, and either sends it
// immediately or enqueues it into the retry queue. It always returns
// a valid id, assigned before any send is attempted. Enqueueing
// happens when publish mode is Batch, when not currently
// authenticated, or when the immediate send fails.
func (c *Connection) Publish(channels []string, message any) MsgID {
	c.prePublishMu.Lock()
	defer c.prePublishMu.Unlock()

	id := c.nextID()
	wire, err := buildPublish(channels, message, id)
	if err != nil {
		c.emitEvent(Event{Kind: EventError, Message: err.Error()})
		return id
	}
	c.trackPublish(true, false)

	sent := false
	if c.getPublishMode() == PublishImmediate && c.authed.Load() {
		c.trackTraffic(len(wire), false)
		sent = c.session.Send(wire, false).Accepted
	}
	if !sent {
		c.queue.enqueue(pendingPublish{id: id, wire: wire})
	}
	return id
}

// PrePublish allocates an id and unconditionally enqueues the PDU,
// without attempting an immediate send. It exists for callers (the
// metrics publisher) that serialize all actual sends through a single
// worker via PublishNext, so application threads never contend the
// Session's writer with the worker.
func (c *Connection) PrePublish(channels []string, message any) (MsgID, error) {
	c.prePublishMu.Lock()
	defer c.prePublishMu.Unlock()

	id := c.nextID()
	wire, err := buildPublish(channels, message, id)
	if err != nil {
		return id, err
	}
	c.trackPublish(true, false)
	c.queue.enqueue(pendingPublish{id: id, wire: wire})
	return id, nil
}

// PublishNext attempts to send the oldest queued publish. It returns
// true if the queue was empty or the send succeeded (in which case
// the item is removed); it returns false on failure or while
// unauthenticated, leaving the item in place for the next attempt.
func (c *Connection) PublishNext() bool {
	item, ok := c.queue.peek()
	if !ok {
		return true
	}
	if !c.authed.Load() {
		return false
	}
	c.trackTraffic(len(item.wire), false)
	if !c.session.Send(item.wire, false).Accepted {
		return false
	}
	c.queue.removeOldest()
	return true
}

// FlushQueue synchronously drains the retry queue oldest-first,
// stopping at the first failed send to preserve order. It returns
// true iff the queue is empty when it returns.
func (c *Connection) FlushQueue() bool {
	for !c.queue.empty() {
		if !c.PublishNext() {
			return false
		}
	}
	return true
}

// QueueLen reports the current retry queue depth, for metrics/tests.
func (c *Connection) QueueLen() int { return c.queue.len() }
