package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/js-owl/maas-back/pkg/metrics"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitQueue implements Queue on RabbitMQ quorum queues. Unacknowledged
// deliveries are requeued by the broker when their channel dies, so stale
// claims never need an explicit reclaim
type RabbitQueue struct {
	url    string
	logger *slog.Logger

	mu       sync.Mutex
	client   *RabbitMQClient
	consume  *amqp.Channel
	declared map[string]bool
	feeds    map[string]<-chan amqp.Delivery
	inflight map[string]amqp.Delivery
}

func NewRabbitQueue(url string, logger *slog.Logger) (*RabbitQueue, error) {
	q := &RabbitQueue{url: url, logger: logger}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.connectLocked(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *RabbitQueue) connectLocked() error {
	client, err := NewRabbitMQClient(q.url, q.logger)
	if err != nil {
		return err
	}
	ch, err := client.Channel()
	if err != nil {
		client.Close()
		return fmt.Errorf("failed to open consumer channel: %w", err)
	}

	q.client = client
	q.consume = ch
	q.declared = make(map[string]bool)
	q.feeds = make(map[string]<-chan amqp.Delivery)
	q.inflight = make(map[string]amqp.Delivery)
	return nil
}

// ensureLocked restores the broker link after a connection loss.
// In-flight deliveries of the dead channel are redelivered by the broker
func (q *RabbitQueue) ensureLocked() error {
	if q.client != nil && q.client.IsHealthy() {
		return nil
	}
	if q.client != nil {
		q.client.Close()
	}
	metrics.BrokerReconnections.Inc()
	q.logger.Warn("Re-establishing RabbitMQ link")
	return q.connectLocked()
}

func (q *RabbitQueue) declareLocked(stream string) error {
	if err := q.ensureLocked(); err != nil {
		return err
	}
	if q.declared[stream] {
		return nil
	}
	if err := q.client.DeclareStream(stream); err != nil {
		return err
	}
	q.declared[stream] = true
	return nil
}

func (q *RabbitQueue) Publish(ctx context.Context, stream string, body []byte) (string, error) {
	q.mu.Lock()
	if err := q.declareLocked(stream); err != nil {
		q.mu.Unlock()
		return "", err
	}
	client := q.client
	q.mu.Unlock()

	if err := client.Publish(ctx, stream, body, 0); err != nil {
		return "", err
	}
	return "", nil
}

func (q *RabbitQueue) Claim(ctx context.Context, stream, consumer string, count int, block time.Duration) ([]Delivery, error) {
	feed, err := q.feed(stream, consumer, count)
	if err != nil {
		return nil, err
	}

	var raw []amqp.Delivery
	first, err := q.first(ctx, stream, feed, block)
	if err != nil || first == nil {
		return nil, err
	}
	raw = append(raw, *first)

drain:
	for len(raw) < count {
		select {
		case d, ok := <-feed:
			if !ok {
				break drain
			}
			raw = append(raw, d)
		default:
			break drain
		}
	}

	out := make([]Delivery, 0, len(raw))
	q.mu.Lock()
	for _, d := range raw {
		id := stream + "#" + strconv.FormatUint(d.DeliveryTag, 10)
		q.inflight[id] = d
		out = append(out, Delivery{ID: id, Stream: stream, Body: d.Body})
	}
	q.mu.Unlock()
	return out, nil
}

// first waits up to block for one delivery. A non-positive block only
// takes what is already buffered
func (q *RabbitQueue) first(ctx context.Context, stream string, feed <-chan amqp.Delivery, block time.Duration) (*amqp.Delivery, error) {
	var (
		d  amqp.Delivery
		ok bool
	)
	if block <= 0 {
		select {
		case d, ok = <-feed:
		default:
			return nil, nil
		}
	} else {
		timer := time.NewTimer(block)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case d, ok = <-feed:
		}
	}
	if !ok {
		q.dropFeed(stream)
		return nil, errors.New("rabbitmq delivery channel closed")
	}
	return &d, nil
}

// feed lazily registers the consumer on the stream queue
func (q *RabbitQueue) feed(stream, consumer string, prefetch int) (<-chan amqp.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.declareLocked(stream); err != nil {
		return nil, err
	}
	if feed, ok := q.feeds[stream]; ok {
		return feed, nil
	}

	// QoS: prefetch bounds how many unacked messages this consumer holds
	if err := q.consume.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}
	feed, err := q.consume.Consume(stream, consumer+"@"+stream, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register consumer: %w", err)
	}
	q.feeds[stream] = feed
	q.logger.Info("Consumer is online and waiting for messages", "queue", stream, "consumer", consumer)
	return feed, nil
}

func (q *RabbitQueue) dropFeed(stream string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.feeds, stream)
	if q.client != nil {
		q.client.healthy.Store(false)
	}
}

// Reclaim is a no-op: the broker requeues deliveries of dead consumers itself
func (q *RabbitQueue) Reclaim(context.Context, string, string, time.Duration, int) ([]Delivery, error) {
	return nil, nil
}

func (q *RabbitQueue) take(id string) (amqp.Delivery, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	d, ok := q.inflight[id]
	delete(q.inflight, id)
	return d, ok
}

func (q *RabbitQueue) Ack(_ context.Context, d Delivery) error {
	raw, ok := q.take(d.ID)
	if !ok {
		// delivery belonged to a channel that was replaced; the broker redelivers it
		return nil
	}
	if err := raw.Ack(false); err != nil {
		return fmt.Errorf("failed to ack %s: %w", d.ID, err)
	}
	return nil
}

func (q *RabbitQueue) Retry(ctx context.Context, d Delivery, body []byte, delay time.Duration) error {
	q.mu.Lock()
	if err := q.declareLocked(d.Stream); err != nil {
		q.mu.Unlock()
		return err
	}
	client := q.client
	q.mu.Unlock()

	if err := client.Publish(ctx, delayQueue(d.Stream), body, delay); err != nil {
		return fmt.Errorf("failed to schedule retry: %w", err)
	}
	return q.Ack(ctx, d)
}

// PromoteDue is a no-op: expired messages dead-letter back into the stream
func (q *RabbitQueue) PromoteDue(context.Context, string, int) (int, error) {
	return 0, nil
}

func (q *RabbitQueue) Stats(_ context.Context, stream string) (Stats, error) {
	q.mu.Lock()
	if err := q.declareLocked(stream); err != nil {
		q.mu.Unlock()
		return Stats{}, err
	}
	client := q.client
	var local int64
	for id := range q.inflight {
		if strings.HasPrefix(id, stream+"#") {
			local++
		}
	}
	q.mu.Unlock()

	// passive declares close the channel on failure, keep them off the shared ones
	ch, err := client.Channel()
	if err != nil {
		return Stats{}, fmt.Errorf("failed to open stats channel: %w", err)
	}
	defer ch.Close()

	main, err := ch.QueueDeclarePassive(stream, true, false, false, false, nil)
	if err != nil {
		return Stats{}, fmt.Errorf("inspect queue %s: %w", stream, err)
	}
	delayed, err := ch.QueueDeclarePassive(delayQueue(stream), true, false, false, false, nil)
	if err != nil {
		return Stats{}, fmt.Errorf("inspect queue %s: %w", delayQueue(stream), err)
	}

	return Stats{
		Stream:        stream,
		Length:        int64(main.Messages) + local,
		Pending:       local,
		Delayed:       int64(delayed.Messages),
		ConsumerCount: main.Consumers,
	}, nil
}

func (q *RabbitQueue) Ping(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.client == nil || !q.client.IsHealthy() {
		return errors.New("broker connection is closed")
	}
	return nil
}

func (q *RabbitQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.client == nil {
		return nil
	}
	q.logger.Info("Shutting down RabbitMQ consumer")
	return q.client.Close()
}
