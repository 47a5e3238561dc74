package errorreporter

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestReportPostsToEndpoint(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := New(Config{Endpoint: srv.URL, RequestsPerSecond: 50, Timeout: time.Second}, zap.NewNop())
	defer c.Close()

	c.Report(Report{Message: "handshake failed"})

	require.Eventually(t, func() bool { return received.Load() == 1 }, time.Second, 10*time.Millisecond)
}

func TestReportDropsWhenQueueFull(t *testing.T) {
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocked
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(blocked)

	c := New(Config{Endpoint: srv.URL, RequestsPerSecond: 1000, Timeout: 5 * time.Second, MaxQueueDepth: 1}, zap.NewNop())
	defer c.Close()

	c.Report(Report{Message: "first"})
	// The worker immediately drains "first" into an in-flight (blocked)
	// HTTP request, so the queue is empty again; fill it, then overflow.
	require.Eventually(t, func() bool { return len(c.queue) == 0 }, time.Second, time.Millisecond)
	c.Report(Report{Message: "second"})
	c.Report(Report{Message: "third"}) // dropped: queue depth is 1

	require.LessOrEqual(t, len(c.queue), 1)
}
