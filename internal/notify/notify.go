package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event is a fire-and-forget notification to downstream systems (email,
// push, analytics). The core never blocks on delivery.
type Event struct {
	Type       string            `json:"type"`
	Reference  string            `json:"reference"`
	OccurredAt time.Time         `json:"occurred_at"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Event types emitted by the funds core.
const (
	EventOrderDelivered = "order.delivered"
	EventOrderReleased  = "order.released"
	EventOrderRefunded  = "order.refunded"
	EventOrderDisputed  = "order.disputed"
	EventOrderBackorder = "order.backorder"
	EventPayoutFailed   = "payout.failed"
)

// Publisher delivers events without blocking the caller.
type Publisher interface {
	Publish(event Event)
}

// RedisPublisher publishes events to a redis pub/sub channel. Delivery is
// best effort; failures are logged and dropped.
type RedisPublisher struct {
	Client  *redis.Client
	Channel string
	Logger  *slog.Logger
	Timeout time.Duration
}

// NewRedisPublisher creates a publisher on the given channel.
func NewRedisPublisher(client *redis.Client, channel string, logger *slog.Logger) *RedisPublisher {
	return &RedisPublisher{
		Client:  client,
		Channel: channel,
		Logger:  logger,
		Timeout: 2 * time.Second,
	}
}

func (p *RedisPublisher) Publish(event Event) {
	if p.Client == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.Timeout)
		defer cancel()

		payload, err := json.Marshal(event)
		if err != nil {
			return
		}
		if err := p.Client.Publish(ctx, p.Channel, payload).Err(); err != nil && p.Logger != nil {
			p.Logger.Warn("event publish failed", "type", event.Type, "reference", event.Reference, "error", err)
		}
	}()
}

// MemoryPublisher records events for tests.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (p *MemoryPublisher) Publish(event Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	p.events = append(p.events, event)
}

// Events returns a copy of everything published so far.
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// EventsOfType filters recorded events by type.
func (p *MemoryPublisher) EventsOfType(eventType string) []Event {
	var out []Event
	for _, e := range p.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
