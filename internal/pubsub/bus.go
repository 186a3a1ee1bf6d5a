// Package pubsub provides the event bus between core services and workers,
// backed by Redis channels. Besides fire-and-forget publish/subscribe it
// supports request/reply conversations with delivery acknowledgement and a
// bounded reply sequence.
package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Handler receives messages published on a subscribed channel. Handlers run
// on the bus dispatch goroutine and must not block.
type Handler func(channel string, payload []byte)

// Config defines Redis connection settings.
type Config struct {
	Addr     string
	Username string
	Password string
	Database int
}

// Bus is a Redis-backed pub/sub client. The underlying subscription
// reconnects on connection loss and replays the subscribed channel set, so
// registered handlers survive a Redis restart.
type Bus struct {
	client *redis.Client
	sub    *redis.PubSub
	logger *slog.Logger

	mu       sync.Mutex
	handlers map[string][]Handler
}

// Connect opens the bus connection and starts the dispatch loop.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.Database,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	bus := &Bus{
		client:   client,
		sub:      client.Subscribe(context.Background()),
		logger:   logger,
		handlers: make(map[string][]Handler),
	}
	go bus.dispatch()
	return bus, nil
}

func (b *Bus) dispatch() {
	for msg := range b.sub.Channel() {
		b.mu.Lock()
		handlers := append([]Handler(nil), b.handlers[msg.Channel]...)
		b.mu.Unlock()
		for _, handler := range handlers {
			handler(msg.Channel, []byte(msg.Payload))
		}
	}
}

// Subscribe registers a handler for a channel. Multiple handlers per channel
// are allowed.
func (b *Bus) Subscribe(ctx context.Context, channel string, handler Handler) error {
	b.mu.Lock()
	first := len(b.handlers[channel]) == 0
	b.handlers[channel] = append(b.handlers[channel], handler)
	b.mu.Unlock()
	if first {
		if err := b.sub.Subscribe(ctx, channel); err != nil {
			return fmt.Errorf("subscribe %s: %w", channel, err)
		}
	}
	return nil
}

// Unsubscribe removes all handlers for a channel.
func (b *Bus) Unsubscribe(ctx context.Context, channel string) error {
	b.mu.Lock()
	had := len(b.handlers[channel]) > 0
	delete(b.handlers, channel)
	b.mu.Unlock()
	if !had {
		return nil
	}
	if err := b.sub.Unsubscribe(ctx, channel); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", channel, err)
	}
	return nil
}

// Publish delivers a payload to all current subscribers of a channel.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Close tears the subscription and connection down. Registered handlers are
// discarded.
func (b *Bus) Close() error {
	b.sub.Close()
	return b.client.Close()
}
