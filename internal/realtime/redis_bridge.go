package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// DefaultChannel is the pub/sub channel chat events travel on between nodes
const DefaultChannel = "chat:events"

// NewRedisClient parses url, connects and pings the server
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	c := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return c, nil
}

// RedisBridge relays envelopes through Redis pub/sub so that every node
// delivers to the connections it holds. It is a Sink for the Router; the
// subscriber side hands received envelopes to the local Sink.
type RedisBridge struct {
	client  *redis.Client
	channel string
	local   Sink
	logger  *slog.Logger
}

// NewRedisBridge creates a bridge publishing on channel
func NewRedisBridge(client *redis.Client, channel string, local Sink, logger *slog.Logger) *RedisBridge {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBridge{
		client:  client,
		channel: channel,
		local:   local,
		logger:  logger,
	}
}

// Deliver publishes env for all nodes, this one included
func (b *RedisBridge) Deliver(ctx context.Context, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish: %w", err)
	}
	return nil
}

// Run subscribes to the channel and delivers envelopes locally until ctx is
// done. Messages arrive in publish order over the single subscription.
func (b *RedisBridge) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis: subscribe: %w", err)
	}
	b.logger.Info("redis event bridge subscribed", "channel", b.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redis: subscription closed")
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn("dropping malformed envelope", "error", err)
				continue
			}
			if err := b.local.Deliver(ctx, env); err != nil {
				b.logger.Warn("failed to deliver relayed event", "error", err)
			}
		}
	}
}

// Ping checks the Redis connection
func (b *RedisBridge) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}
