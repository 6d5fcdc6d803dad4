package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the pub/sub channel the backend announces changes on.
const DefaultChannel = "voxsync:changes"

// ChangeEvent is one backend change announcement.
type ChangeEvent struct {
	Table string `json:"table"`
	ID    string `json:"id"`
}

// Notifier delivers backend change announcements.
type Notifier interface {
	Events() <-chan ChangeEvent
	Close() error
}

// RedisNotifier subscribes to a redis pub/sub channel. Payloads are JSON
// ChangeEvents; anything else is delivered as a change of unknown table so
// a sync still happens.
type RedisNotifier struct {
	client  *redis.Client
	pubsub  *redis.PubSub
	channel string
	events  chan ChangeEvent
	logger  *log.Logger
	wg      sync.WaitGroup
	once    sync.Once
}

// NewRedisNotifier connects to the redis server at url (redis://...) and
// subscribes to channel.
func NewRedisNotifier(ctx context.Context, url, channel string, logger *log.Logger) (*RedisNotifier, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	n, err := NewRedisNotifierFromClient(ctx, client, channel, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return n, nil
}

// NewRedisNotifierFromClient subscribes with an existing client. Close
// closes the client.
func NewRedisNotifierFromClient(ctx context.Context, client *redis.Client, channel string, logger *log.Logger) (*RedisNotifier, error) {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[notify] ", log.LstdFlags)
	}

	pubsub := client.Subscribe(ctx, channel)
	// Wait for the subscription confirmation so no publish is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	n := &RedisNotifier{
		client:  client,
		pubsub:  pubsub,
		channel: channel,
		events:  make(chan ChangeEvent, 64),
		logger:  logger,
	}
	n.wg.Add(1)
	go n.run()
	return n, nil
}

func (n *RedisNotifier) run() {
	defer n.wg.Done()
	defer close(n.events)

	for msg := range n.pubsub.Channel() {
		var ev ChangeEvent
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			n.logger.Printf("WARNING: unparseable change payload on %s: %v", msg.Channel, err)
			ev = ChangeEvent{Table: "unknown"}
		}
		select {
		case n.events <- ev:
		default:
			// A sync is already due; dropping extra notifications is fine.
		}
	}
}

// Events returns the change channel. It is closed by Close.
func (n *RedisNotifier) Events() <-chan ChangeEvent {
	return n.events
}

// Publish announces a change on the notifier's channel.
func (n *RedisNotifier) Publish(ctx context.Context, ev ChangeEvent) error {
	return Publish(ctx, n.client, n.channel, ev)
}

// Close unsubscribes and closes the client.
func (n *RedisNotifier) Close() error {
	var err error
	n.once.Do(func() {
		if cerr := n.pubsub.Close(); cerr != nil {
			err = cerr
		}
		n.wg.Wait()
		if cerr := n.client.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}

// Publish announces a change on channel. Backends and tools use it after
// writing a conversation.
func Publish(ctx context.Context, client *redis.Client, channel string, ev ChangeEvent) error {
	if channel == "" {
		channel = DefaultChannel
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal change event: %w", err)
	}
	if err := client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish change: %w", err)
	}
	return nil
}
