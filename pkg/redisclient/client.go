// Package redisclient bridges RTM channel traffic to Redis pub/sub and
// streams, so a cobra subscription can be mirrored into Redis (for
// fan-out to other local consumers) without every consumer opening
// its own RTM session.
package redisclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config configures the underlying redis.Client.
type Config struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Client wraps a redis.Client with the bridge's publish/subscribe
// surface and tracks its own live subscriptions so Close can tear
// them all down.
type Client struct {
	rdb *redis.Client
	log *zap.Logger

	mu   sync.RWMutex
	subs map[string]*bridgeSubscription
	wg   sync.WaitGroup
}

type bridgeSubscription struct {
	pubsub    *redis.PubSub
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New builds a Client against cfg and logs through log.
func New(cfg Config, log *zap.Logger) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	return &Client{rdb: rdb, log: log, subs: make(map[string]*bridgeSubscription)}
}

// Ping verifies connectivity to the Redis server.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redisclient: ping: %w", err)
	}
	return nil
}

// PublishMessage marshals message as JSON and publishes it to a Redis
// channel named after the RTM channel it came from, mirroring an RTM
// subscription's inbound traffic for local fan-out consumers.
func (c *Client) PublishMessage(ctx context.Context, rtmChannel string, message any) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("redisclient: marshal: %w", err)
	}
	if err := c.rdb.Publish(ctx, redisChannel(rtmChannel), data).Err(); err != nil {
		return fmt.Errorf("redisclient: publish: %w", err)
	}
	return nil
}

// AppendToStream records message onto a Redis stream named after
// rtmChannel, for durable replay rather than fire-and-forget fan-out.
func (c *Client) AppendToStream(ctx context.Context, rtmChannel string, fields map[string]any) (string, error) {
	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamName(rtmChannel),
		Values: fields,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("redisclient: xadd: %w", err)
	}
	return id, nil
}

// Subscribe relays Redis channel messages for rtmChannel to onMessage
// until Unsubscribe or Close is called. ctx is used for the initial
// SUBSCRIBE only; cancelling it later does not stop the relay.
// Subscribing twice for the
// same rtmChannel is an error; call Close or Unsubscribe first.
func (c *Client) Subscribe(ctx context.Context, rtmChannel string, onMessage func(payload []byte)) error {
	c.mu.Lock()
	if _, exists := c.subs[rtmChannel]; exists {
		c.mu.Unlock()
		return fmt.Errorf("redisclient: already subscribed to %q", rtmChannel)
	}

	pubsub := c.rdb.Subscribe(ctx, redisChannel(rtmChannel))
	subCtx, cancel := context.WithCancel(context.Background())
	sub := &bridgeSubscription{pubsub: pubsub, cancel: cancel}
	c.subs[rtmChannel] = sub
	c.mu.Unlock()

	c.wg.Add(1)
	go c.relay(subCtx, rtmChannel, sub, onMessage)
	return nil
}

func (c *Client) relay(ctx context.Context, rtmChannel string, sub *bridgeSubscription, onMessage func(payload []byte)) {
	defer c.wg.Done()
	defer sub.closeOnce.Do(func() { _ = sub.pubsub.Close() })

	ch := sub.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			onMessage([]byte(msg.Payload))
		}
	}
}

// Unsubscribe stops relaying messages for rtmChannel.
func (c *Client) Unsubscribe(rtmChannel string) {
	c.mu.Lock()
	sub, exists := c.subs[rtmChannel]
	if exists {
		delete(c.subs, rtmChannel)
	}
	c.mu.Unlock()

	if exists {
		sub.cancel()
	}
}

// Close cancels every live subscription and waits for their relay
// goroutines to exit, then closes the underlying redis.Client.
func (c *Client) Close() error {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*bridgeSubscription)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}
	c.wg.Wait()

	if err := c.rdb.Close(); err != nil {
		return fmt.Errorf("redisclient: close: %w", err)
	}
	return nil
}

func redisChannel(rtmChannel string) string { return "cobra:" + rtmChannel }
func streamName(rtmChannel string) string   { return "cobra:stream:" + rtmChannel }
