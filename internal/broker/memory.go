package broker

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

type memEntry struct {
	id   string
	body []byte
}

type memClaim struct {
	entry     memEntry
	consumer  string
	claimedAt time.Time
}

type memDelayed struct {
	due  time.Time
	body []byte
}

type memStream struct {
	ready   []memEntry
	pending map[string]*memClaim
	order   []string // pending ids in claim order
	delayed []memDelayed
	seen    map[string]time.Time // consumer -> last claim attempt
}

// MemoryQueue is an in-process Queue. It keeps the same consumer-group
// semantics as the durable backends but loses everything on restart
type MemoryQueue struct {
	mu      sync.Mutex
	now     func() time.Time
	seq     int64
	streams map[string]*memStream
	notify  chan struct{}
	closed  bool
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		now:     time.Now,
		streams: make(map[string]*memStream),
		notify:  make(chan struct{}),
	}
}

// SetClock replaces the time source, letting tests fast-forward idle and delay windows
func (q *MemoryQueue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

func (q *MemoryQueue) stream(name string) *memStream {
	s, ok := q.streams[name]
	if !ok {
		s = &memStream{pending: make(map[string]*memClaim), seen: make(map[string]time.Time)}
		q.streams[name] = s
	}
	return s
}

func (q *MemoryQueue) Publish(_ context.Context, stream string, body []byte) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", fmt.Errorf("queue closed")
	}
	id := q.appendLocked(stream, body)
	return id, nil
}

// appendLocked adds body to the stream and wakes blocked claimers. Caller holds mu
func (q *MemoryQueue) appendLocked(stream string, body []byte) string {
	q.seq++
	id := fmt.Sprintf("%d-0", q.seq)
	s := q.stream(stream)
	s.ready = append(s.ready, memEntry{id: id, body: slices.Clone(body)})

	close(q.notify)
	q.notify = make(chan struct{})
	return id
}

func (q *MemoryQueue) Claim(ctx context.Context, stream, consumer string, count int, block time.Duration) ([]Delivery, error) {
	var timeout <-chan time.Time
	if block > 0 {
		timer := time.NewTimer(block)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, fmt.Errorf("queue closed")
		}
		s := q.stream(stream)
		s.seen[consumer] = q.now()
		if len(s.ready) > 0 {
			n := min(count, len(s.ready))
			out := make([]Delivery, 0, n)
			for _, e := range s.ready[:n] {
				s.pending[e.id] = &memClaim{entry: e, consumer: consumer, claimedAt: q.now()}
				s.order = append(s.order, e.id)
				out = append(out, Delivery{ID: e.id, Stream: stream, Body: slices.Clone(e.body)})
			}
			s.ready = s.ready[n:]
			q.mu.Unlock()
			return out, nil
		}
		wait := q.notify
		q.mu.Unlock()

		if timeout == nil {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout:
			return nil, nil
		case <-wait:
		}
	}
}

func (q *MemoryQueue) Reclaim(_ context.Context, stream, consumer string, minIdle time.Duration, count int) ([]Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := q.stream(stream)
	now := q.now()
	s.seen[consumer] = now
	var out []Delivery
	for _, id := range s.order {
		if len(out) >= count {
			break
		}
		c, ok := s.pending[id]
		if !ok || now.Sub(c.claimedAt) < minIdle {
			continue
		}
		c.consumer = consumer
		c.claimedAt = now
		out = append(out, Delivery{ID: id, Stream: stream, Body: slices.Clone(c.entry.body)})
	}
	return out, nil
}

func (q *MemoryQueue) Ack(_ context.Context, d Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ackLocked(d)
	return nil
}

func (q *MemoryQueue) ackLocked(d Delivery) {
	s := q.stream(d.Stream)
	if _, ok := s.pending[d.ID]; !ok {
		return
	}
	delete(s.pending, d.ID)
	s.order = slices.DeleteFunc(s.order, func(id string) bool { return id == d.ID })
}

func (q *MemoryQueue) Retry(_ context.Context, d Delivery, body []byte, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ackLocked(d)
	s := q.stream(d.Stream)
	s.delayed = append(s.delayed, memDelayed{due: q.now().Add(delay), body: slices.Clone(body)})
	return nil
}

func (q *MemoryQueue) PromoteDue(_ context.Context, stream string, limit int) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := q.stream(stream)
	now := q.now()
	var keep []memDelayed
	promoted := 0
	for _, d := range s.delayed {
		if promoted < limit && !d.due.After(now) {
			q.appendLocked(stream, d.body)
			promoted++
			continue
		}
		keep = append(keep, d)
	}
	s.delayed = keep
	return promoted, nil
}

func (q *MemoryQueue) Stats(_ context.Context, stream string) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := q.stream(stream)
	now := q.now()
	pendingBy := make(map[string]int64)
	for _, c := range s.pending {
		pendingBy[c.consumer]++
	}

	st := Stats{
		Stream:  stream,
		Length:  int64(len(s.ready) + len(s.pending)),
		Pending: int64(len(s.pending)),
		Delayed: int64(len(s.delayed)),
	}
	for name, seen := range s.seen {
		st.Consumers = append(st.Consumers, ConsumerInfo{Name: name, Pending: pendingBy[name], Idle: now.Sub(seen)})
	}
	slices.SortFunc(st.Consumers, func(a, b ConsumerInfo) int { return strings.Compare(a.Name, b.Name) })
	st.ConsumerCount = len(st.Consumers)
	return st, nil
}

func (q *MemoryQueue) Ping(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("queue closed")
	}
	return nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
