// Package metricspublisher implements a single-consumer layer over a
// cobra.Connection: it adds a per-id blacklist, per-id minimum-interval
// rate control, and per-id monotonic sequence counters, and serializes
// all actual sends onto one worker goroutine so the Connection's
// publish-serialization never contends with application threads.
package metricspublisher

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odin-labs/cobra/pkg/cobra"
)

// Version is the wire-level schema version stamped onto every
// enriched message.
const Version = 1

// SetRateControlID and SetBlacklistID are the metric ids used to
// self-report configuration changes onto the default channel, so
// subscribers can observe when filtering/rate-limiting changed.
const (
	SetRateControlID = "sms_set_rate_control_id"
	SetBlacklistID   = "sms_set_blacklist_id"
)

// Config configures the Connection and the default publish channel.
type Config struct {
	Connection cobra.Config
	Channel    string
}

type messageKind int

const (
	kindPublish messageKind = iota
	kindSuspend
	kindResume
)

// Publisher is a thin, rate-limited, blacklist-aware wrapper around a
// cobra.Connection's publish path.
type Publisher struct {
	conn    *cobra.Connection
	channel string
	control chan messageKind

	enabledMu sync.Mutex
	enabled   bool

	blacklistMu sync.RWMutex
	blacklist   []string // kept sorted for binary search, mirroring the source

	rateMu       sync.Mutex
	rateControl  map[string]time.Duration
	lastSent     map[string]time.Time

	countersMu sync.Mutex
	counters   map[string]uint64

	deviceMu sync.Mutex
	device   map[string]any
	session  string

	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

// New builds a Publisher and starts the background worker, which
// connects the underlying Connection as its first step.
func New(cfg Config) *Publisher {
	p := &Publisher{
		conn:        cobra.NewConnection(cfg.Connection),
		channel:     cfg.Channel,
		control:     make(chan messageKind, 64),
		enabled:     true,
		rateControl: make(map[string]time.Duration),
		lastSent:    make(map[string]time.Time),
		counters:    make(map[string]uint64),
		device:      make(map[string]any),
		session:     uuid.NewString(),
		stopped:     make(chan struct{}),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// Connection exposes the underlying RTM connection, mainly so callers
// can install an event callback alongside the worker.
func (p *Publisher) Connection() *cobra.Connection { return p.conn }

func (p *Publisher) run() {
	defer p.wg.Done()
	p.conn.Connect()

	for {
		select {
		case <-p.stopped:
			ctx, cancel := contextWithTimeout()
			defer cancel()
			_ = p.conn.Disconnect(ctx)
			return
		case kind := <-p.control:
			switch kind {
			case kindSuspend:
				ctx, cancel := contextWithTimeout()
				_ = p.conn.Suspend(ctx)
				cancel()
			case kindResume:
				p.conn.Resume()
			case kindPublish:
				p.conn.PublishNext()
			}
		}
	}
}

// Stop halts the worker and disconnects the underlying connection.
func (p *Publisher) Stop() {
	p.stopOnce.Do(func() { close(p.stopped) })
	p.wg.Wait()
}

// Enable toggles whether push/shouldPush do anything at all.
func (p *Publisher) Enable(enabled bool) {
	p.enabledMu.Lock()
	p.enabled = enabled
	p.enabledMu.Unlock()
}

func (p *Publisher) isEnabled() bool {
	p.enabledMu.Lock()
	defer p.enabledMu.Unlock()
	return p.enabled
}

// SetSession sets the session-uuid attribute stamped onto every push.
func (p *Publisher) SetSession(sessionID string) {
	p.deviceMu.Lock()
	p.session = sessionID
	p.deviceMu.Unlock()
}

// SetGenericAttribute sets one entry in the static "device" attribute
// bag stamped onto every push.
func (p *Publisher) SetGenericAttribute(name string, value any) {
	p.deviceMu.Lock()
	p.device[name] = value
	p.deviceMu.Unlock()
}

// SetBlacklist replaces the blacklist and republishes it (as
// SetBlacklistID) to the default channel so subscribers can observe
// the change live.
func (p *Publisher) SetBlacklist(ids []string) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	p.blacklistMu.Lock()
	p.blacklist = sorted
	p.blacklistMu.Unlock()

	p.Push(SetBlacklistID, map[string]any{"blacklist": ids}, false)
}

func (p *Publisher) isBlacklisted(id string) bool {
	p.blacklistMu.RLock()
	defer p.blacklistMu.RUnlock()
	i := sort.SearchStrings(p.blacklist, id)
	return i < len(p.blacklist) && p.blacklist[i] == id
}

// SetRateControl sets, per id, the minimum interval between accepted
// pushes, and republishes the full rate-control table (as
// SetRateControlID) to the default channel. Negative values are
// ignored, mirroring the source's "only accept non-negative seconds"
// rule.
func (p *Publisher) SetRateControl(minInterval map[string]time.Duration) {
	p.rateMu.Lock()
	for id, d := range minInterval {
		if d >= 0 {
			p.rateControl[id] = d
		}
	}
	snapshot := make(map[string]float64, len(p.rateControl))
	for id, d := range p.rateControl {
		snapshot[id] = d.Seconds()
	}
	p.rateMu.Unlock()

	p.Push(SetRateControlID, map[string]any{"rate_control": snapshot}, false)
}

func (p *Publisher) isAboveMaxUpdateRate(id string) bool {
	p.rateMu.Lock()
	defer p.rateMu.Unlock()

	interval, rateControlled := p.rateControl[id]
	if !rateControlled {
		return false
	}
	last, seen := p.lastSent[id]
	if !seen {
		return false
	}
	return time.Since(last) < interval
}

func (p *Publisher) markSent(id string) {
	p.rateMu.Lock()
	p.lastSent[id] = time.Now()
	p.rateMu.Unlock()
}

// ShouldPush is a pure predicate used on hot paths to decide whether
// to even build the data for id, skipping enrichment entirely when
// the answer is no.
func (p *Publisher) ShouldPush(id string) bool {
	return p.isEnabled() && !p.isBlacklisted(id) && !p.isAboveMaxUpdateRate(id)
}

// Push enriches data with session, version, timestamp, the device
// attribute bag and a monotonic per-id counter, then enqueues it for
// the worker to publish on both the default channel and a channel
// named after id. When checkRate is true, the shouldPush predicate is
// consulted first and cobra.InvalidMsgID is returned if it fails.
func (p *Publisher) Push(id string, data any, checkRate bool) cobra.MsgID {
	if checkRate && !p.ShouldPush(id) {
		return cobra.InvalidMsgID
	}
	if !p.isEnabled() {
		return cobra.InvalidMsgID
	}

	p.markSent(id)

	p.deviceMu.Lock()
	deviceCopy := make(map[string]any, len(p.device))
	for k, v := range p.device {
		deviceCopy[k] = v
	}
	session := p.session
	p.deviceMu.Unlock()

	counter := p.nextCounter(id)

	msg := map[string]any{
		"id":             id,
		"data":           data,
		"session":        session,
		"version":        Version,
		"timestamp":      time.Now().UnixMilli(),
		"device":         deviceCopy,
		"per_id_counter": counter,
	}

	channels := []string{p.channel, id}
	msgID, err := p.conn.PrePublish(channels, msg)
	if err != nil {
		return cobra.InvalidMsgID
	}

	select {
	case p.control <- kindPublish:
	default:
		// The control buffer is full of pending wakeups, each of which
		// runs PublishNext once; this item stays in the retry queue until
		// a later PublishNext or FlushQueue sends it.
	}
	return msgID
}

// nextCounter returns the next monotonic value for id, starting at 0,
// incrementing on every call.
func (p *Publisher) nextCounter(id string) uint64 {
	p.countersMu.Lock()
	defer p.countersMu.Unlock()
	v := p.counters[id]
	p.counters[id] = v + 1
	return v
}

// SetPublishMode forwards to the underlying Connection.
func (p *Publisher) SetPublishMode(mode cobra.PublishMode) { p.conn.SetPublishMode(mode) }

// FlushQueue forwards to the underlying Connection.
func (p *Publisher) FlushQueue() bool { return p.conn.FlushQueue() }

// Suspend signals the worker to suspend the underlying connection.
func (p *Publisher) Suspend() { p.control <- kindSuspend }

// Resume signals the worker to resume the underlying connection.
func (p *Publisher) Resume() { p.control <- kindResume }

// IsConnected forwards to the underlying Connection.
func (p *Publisher) IsConnected() bool { return p.conn.IsConnected() }

// IsAuthenticated forwards to the underlying Connection.
func (p *Publisher) IsAuthenticated() bool { return p.conn.IsAuthenticated() }

func contextWithTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}
