package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const bodyField = "body"

// promoteScript moves due members of the delayed set back into the stream
// atomically, so a retry is never lost or duplicated between the two keys
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, body in ipairs(due) do
	redis.call('XADD', KEYS[1], '*', 'body', body)
	redis.call('ZREM', KEYS[2], body)
end
return #due
`)

// RedisQueue implements Queue on Redis Streams with a consumer group.
// Delayed retries live in a sorted set next to each stream
type RedisQueue struct {
	rdb    *redis.Client
	group  string
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	groups  map[string]bool
	drained map[string]bool // stream|consumer whose own pending history was replayed
}

// NewRedisQueue connects to redisURL and verifies the connection
func NewRedisQueue(ctx context.Context, redisURL, group string, logger *slog.Logger) (*RedisQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Connected to Redis Streams", "addr", opts.Addr, "db", opts.DB, "group", group)
	return NewRedisQueueFromClient(rdb, group, logger), nil
}

func NewRedisQueueFromClient(rdb *redis.Client, group string, logger *slog.Logger) *RedisQueue {
	return &RedisQueue{
		rdb:     rdb,
		group:   group,
		logger:  logger,
		now:     time.Now,
		groups:  make(map[string]bool),
		drained: make(map[string]bool),
	}
}

// SetClock replaces the time source used to schedule and promote retries
func (q *RedisQueue) SetClock(now func() time.Time) {
	q.now = now
}

func delayedKey(stream string) string {
	return stream + ":delayed"
}

func (q *RedisQueue) ensureGroup(ctx context.Context, stream string) error {
	q.mu.Lock()
	done := q.groups[stream]
	q.mu.Unlock()
	if done {
		return nil
	}

	err := q.rdb.XGroupCreateMkStream(ctx, stream, q.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s on %s: %w", q.group, stream, err)
	}

	q.mu.Lock()
	q.groups[stream] = true
	q.mu.Unlock()
	return nil
}

func (q *RedisQueue) Publish(ctx context.Context, stream string, body []byte) (string, error) {
	if err := q.ensureGroup(ctx, stream); err != nil {
		return "", err
	}
	id, err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{bodyField: body},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

// Claim first replays messages this consumer claimed before a restart and
// never acknowledged, then reads new ones
func (q *RedisQueue) Claim(ctx context.Context, stream, consumer string, count int, block time.Duration) ([]Delivery, error) {
	if err := q.ensureGroup(ctx, stream); err != nil {
		return nil, err
	}

	key := stream + "|" + consumer
	q.mu.Lock()
	drained := q.drained[key]
	q.mu.Unlock()

	if !drained {
		backlog, err := q.read(ctx, stream, consumer, "0", count, -1)
		if err != nil {
			return nil, err
		}
		if len(backlog) > 0 {
			q.logger.Info("Replaying unacknowledged messages from previous run", "stream", stream, "consumer", consumer, "count", len(backlog))
			return backlog, nil
		}
		q.mu.Lock()
		q.drained[key] = true
		q.mu.Unlock()
	}

	if block <= 0 {
		block = -1 // no BLOCK argument: return immediately
	}
	return q.read(ctx, stream, consumer, ">", count, block)
}

func (q *RedisQueue) read(ctx context.Context, stream, consumer, start string, count int, block time.Duration) ([]Delivery, error) {
	res, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{stream, start},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup %s: %w", stream, err)
	}

	var out []Delivery
	for _, s := range res {
		out = append(out, q.toDeliveries(ctx, s.Stream, s.Messages)...)
	}
	return out, nil
}

func (q *RedisQueue) Reclaim(ctx context.Context, stream, consumer string, minIdle time.Duration, count int) ([]Delivery, error) {
	if err := q.ensureGroup(ctx, stream); err != nil {
		return nil, err
	}

	msgs, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    int64(count),
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xautoclaim %s: %w", stream, err)
	}
	return q.toDeliveries(ctx, stream, msgs), nil
}

// toDeliveries converts stream entries, acknowledging entries without a body
// (trimmed or foreign) since no consumer could ever process them
func (q *RedisQueue) toDeliveries(ctx context.Context, stream string, msgs []redis.XMessage) []Delivery {
	out := make([]Delivery, 0, len(msgs))
	for _, m := range msgs {
		body, ok := m.Values[bodyField].(string)
		if !ok {
			q.logger.Warn("Dropping stream entry without body", "stream", stream, "id", m.ID)
			_ = q.Ack(ctx, Delivery{ID: m.ID, Stream: stream})
			continue
		}
		out = append(out, Delivery{ID: m.ID, Stream: stream, Body: []byte(body)})
	}
	return out
}

// Ack acknowledges and deletes the entry so the stream length reflects the backlog
func (q *RedisQueue) Ack(ctx context.Context, d Delivery) error {
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, d.Stream, q.group, d.ID)
		pipe.XDel(ctx, d.Stream, d.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack %s/%s: %w", d.Stream, d.ID, err)
	}
	return nil
}

func (q *RedisQueue) Retry(ctx context.Context, d Delivery, body []byte, delay time.Duration) error {
	due := q.now().Add(delay).UnixMilli()
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, d.Stream, q.group, d.ID)
		pipe.XDel(ctx, d.Stream, d.ID)
		pipe.ZAdd(ctx, delayedKey(d.Stream), redis.Z{Score: float64(due), Member: body})
		return nil
	})
	if err != nil {
		return fmt.Errorf("schedule retry %s/%s: %w", d.Stream, d.ID, err)
	}
	return nil
}

func (q *RedisQueue) PromoteDue(ctx context.Context, stream string, limit int) (int, error) {
	n, err := promoteScript.Run(ctx, q.rdb,
		[]string{stream, delayedKey(stream)},
		q.now().UnixMilli(), limit,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("promote delayed %s: %w", stream, err)
	}
	return n, nil
}

func (q *RedisQueue) Stats(ctx context.Context, stream string) (Stats, error) {
	if err := q.ensureGroup(ctx, stream); err != nil {
		return Stats{}, err
	}

	st := Stats{Stream: stream}

	length, err := q.rdb.XLen(ctx, stream).Result()
	if err != nil {
		return st, fmt.Errorf("xlen %s: %w", stream, err)
	}
	st.Length = length

	pending, err := q.rdb.XPending(ctx, stream, q.group).Result()
	if err != nil {
		return st, fmt.Errorf("xpending %s: %w", stream, err)
	}
	st.Pending = pending.Count

	delayed, err := q.rdb.ZCard(ctx, delayedKey(stream)).Result()
	if err != nil {
		return st, fmt.Errorf("zcard %s: %w", delayedKey(stream), err)
	}
	st.Delayed = delayed

	consumers, err := q.rdb.XInfoConsumers(ctx, stream, q.group).Result()
	if err != nil {
		// older servers: depth figures are still useful without per-consumer detail
		q.logger.Debug("xinfo consumers unavailable", "stream", stream, "error", err)
		return st, nil
	}
	for _, c := range consumers {
		st.Consumers = append(st.Consumers, ConsumerInfo{Name: c.Name, Pending: c.Pending, Idle: c.Idle})
	}
	st.ConsumerCount = len(st.Consumers)
	return st, nil
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

func (q *RedisQueue) Close() error {
	return q.rdb.Close()
}
