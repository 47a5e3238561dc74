// Package errorreporter posts cobra connection errors and close
// events to an HTTP crash-reporting endpoint, rate limited so a flapping
// connection cannot flood the endpoint with duplicate reports.
package errorreporter

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config configures the reporter's endpoint and rate limit.
type Config struct {
	Endpoint          string
	ProjectKey        string
	RequestsPerSecond float64
	Timeout           time.Duration
	MaxQueueDepth     int
}

// Report is one error event posted to Endpoint.
type Report struct {
	Message   string         `json:"message"`
	Channel   string         `json:"channel,omitempty"`
	Timestamp int64          `json:"timestamp"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// Client posts Reports to an HTTP endpoint from a background
// goroutine. Report never blocks the caller: a report is dropped (and
// logged) when the queue is full. Before each post the sender waits
// for a rate-limiter token for at most Timeout, and drops the report
// without logging if none is available within that time.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	log     *zap.Logger
	queue   chan Report
	done    chan struct{}
}

// New builds a Client and starts its background sender goroutine.
func New(cfg Config, log *zap.Logger) *Client {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = 256
	}
	c := &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond)),
		log:     log,
		queue:   make(chan Report, cfg.MaxQueueDepth),
		done:    make(chan struct{}),
	}
	go c.run()
	return c
}

// Report enqueues r for delivery. It never blocks: if the queue is
// full, the report is dropped and logged.
func (c *Client) Report(r Report) {
	if r.Timestamp == 0 {
		r.Timestamp = time.Now().UnixMilli()
	}
	select {
	case c.queue <- r:
	default:
		c.log.Warn("errorreporter: queue full, dropping report", zap.String("message", r.Message))
	}
}

func (c *Client) run() {
	for {
		select {
		case <-c.done:
			return
		case r := <-c.queue:
			c.send(r)
		}
	}
}

func (c *Client) send(r Report) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return
	}

	body, err := json.Marshal(r)
	if err != nil {
		c.log.Error("errorreporter: marshal", zap.Error(err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		c.log.Error("errorreporter: build request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.ProjectKey != "" {
		req.Header.Set("X-Project-Key", c.cfg.ProjectKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("errorreporter: post failed", zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		c.log.Warn("errorreporter: non-2xx response", zap.Int("status", resp.StatusCode))
	}
}

// Close stops the background sender. Reports still queued are dropped.
func (c *Client) Close() error {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	return nil
}
