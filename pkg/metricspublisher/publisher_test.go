package metricspublisher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odin-labs/cobra/pkg/cobra"
)

// newTestPublisher builds a Publisher without starting the background
// worker or dialing a Session, so pure enrichment/predicate logic can
// be exercised directly; PrePublish only touches the retry queue, it
// never reaches for a live transport.
func newTestPublisher(t *testing.T, channel string) *Publisher {
	t.Helper()
	return &Publisher{
		conn:        cobra.NewConnection(cobra.Config{RoleName: "metrics", RoleSecret: "s"}),
		channel:     channel,
		control:     make(chan messageKind, 64),
		enabled:     true,
		rateControl: make(map[string]time.Duration),
		lastSent:    make(map[string]time.Time),
		counters:    make(map[string]uint64),
		device:      make(map[string]any),
		session:     "test-session",
		stopped:     make(chan struct{}),
	}
}

// Invariant 9: per-id counter is monotonic from 0.
func TestPerIDCounterMonotonic(t *testing.T) {
	p := newTestPublisher(t, "default")
	for i := 0; i < 5; i++ {
		require.Equal(t, uint64(i), p.nextCounter("x"))
	}
	// A different id has its own independent sequence.
	require.Equal(t, uint64(0), p.nextCounter("y"))
}

// S6: blacklisted id produces no publish and returns the invalid id.
func TestBlacklistedIDIsNotPushed(t *testing.T) {
	p := newTestPublisher(t, "default")
	p.SetBlacklist([]string{"noisy"})

	before := p.conn.QueueLen()
	id := p.Push("noisy", map[string]any{}, true)
	require.Equal(t, cobra.InvalidMsgID, id)
	// SetBlacklist's own self-report publish already touched the
	// queue; a blacklisted push must add nothing further to it.
	require.Equal(t, before, p.conn.QueueLen())
}

func TestNonBlacklistedIDIsPushed(t *testing.T) {
	p := newTestPublisher(t, "default")
	p.SetBlacklist([]string{"noisy"})

	id := p.Push("quiet", map[string]any{}, true)
	require.NotEqual(t, cobra.InvalidMsgID, id)
}

// Invariant 8: rate control allows exactly the first call within the
// window and rejects the rest.
func TestRateControlAllowsFirstThenBlocks(t *testing.T) {
	p := newTestPublisher(t, "default")
	p.SetRateControl(map[string]time.Duration{"x": 60 * time.Second})

	allowed := 0
	for i := 0; i < 100; i++ {
		if p.ShouldPush("x") {
			allowed++
			p.markSent("x")
		}
	}
	require.Equal(t, 1, allowed)
}

func TestRateControlIgnoredForUnconfiguredID(t *testing.T) {
	p := newTestPublisher(t, "default")
	require.True(t, p.ShouldPush("unconfigured"))
	require.True(t, p.ShouldPush("unconfigured"))
}

func TestRateControlNegativeIntervalIgnored(t *testing.T) {
	p := newTestPublisher(t, "default")
	p.SetRateControl(map[string]time.Duration{"x": -1})
	require.True(t, p.ShouldPush("x"))
}

func TestDisabledPublisherNeverPushes(t *testing.T) {
	p := newTestPublisher(t, "default")
	p.Enable(false)
	require.False(t, p.ShouldPush("anything"))
	require.Equal(t, cobra.InvalidMsgID, p.Push("anything", map[string]any{}, true))
}

func TestPushEnrichesMessage(t *testing.T) {
	p := newTestPublisher(t, "default")
	p.SetGenericAttribute("platform", "linux")
	p.SetSession("session-123")

	id := p.Push("metric-a", map[string]any{"v": 1}, false)
	require.NotEqual(t, cobra.InvalidMsgID, id)
	require.Equal(t, 1, p.conn.QueueLen())
}
