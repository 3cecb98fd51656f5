package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"
)

// DefaultGroup is the consumer group shared by every worker process
const DefaultGroup = "crm_workers"

var ErrUnsupportedScheme = errors.New("unsupported queue url scheme")

// Delivery is a message handed to one consumer of the group
type Delivery struct {
	ID     string
	Stream string
	Body   []byte
}

type ConsumerInfo struct {
	Name    string
	Pending int64
	Idle    time.Duration
}

// Stats is a point-in-time view of one stream for diagnostics
type Stats struct {
	Stream        string         `json:"stream"`
	Length        int64          `json:"length"`
	Pending       int64          `json:"pending"`
	Delayed       int64          `json:"delayed"`
	ConsumerCount int            `json:"consumer_count"`
	Consumers     []ConsumerInfo `json:"consumers,omitempty"`
}

// Queue is a durable at-least-once log with consumer-group semantics:
// each message is delivered to one consumer at a time and is redelivered
// when its consumer dies before acknowledging it
type Queue interface {
	Publish(ctx context.Context, stream string, body []byte) (string, error)
	// Claim returns up to count new messages for consumer, blocking at most block
	Claim(ctx context.Context, stream, consumer string, count int, block time.Duration) ([]Delivery, error)
	// Reclaim takes over messages claimed by any consumer and left unacknowledged for minIdle
	Reclaim(ctx context.Context, stream, consumer string, minIdle time.Duration, count int) ([]Delivery, error)
	Ack(ctx context.Context, d Delivery) error
	// Retry acknowledges d and schedules body to be redelivered on the same stream after delay
	Retry(ctx context.Context, d Delivery, body []byte, delay time.Duration) error
	// PromoteDue moves retries whose delay elapsed back into the stream
	PromoteDue(ctx context.Context, stream string, limit int) (int, error)
	Stats(ctx context.Context, stream string) (Stats, error)
	Ping(ctx context.Context) error
	Close() error
}

// Streams names the two logical streams of the sync engine
type Streams struct {
	Operations string
	Webhooks   string
}

func StreamNames(prefix string) Streams {
	if prefix == "" {
		prefix = "crm"
	}
	return Streams{
		Operations: prefix + ":operations",
		Webhooks:   prefix + ":webhooks",
	}
}

// Open builds the queue backend selected by the URL scheme:
// redis:// (Redis Streams), amqp:// (RabbitMQ) or memory:// (in-process)
func Open(ctx context.Context, rawURL string, logger *slog.Logger) (Queue, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse queue url: %w", err)
	}

	switch u.Scheme {
	case "redis", "rediss":
		return NewRedisQueue(ctx, rawURL, DefaultGroup, logger)
	case "amqp", "amqps":
		return NewRabbitQueue(rawURL, logger)
	case "memory":
		logger.Warn("Using in-memory queue: messages do not survive a restart")
		return NewMemoryQueue(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}
