package loom

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultRingCapacity    = 1000
	defaultSubscriberQueue = 256
	defaultTopicTTL        = time.Hour
	defaultGCInterval      = 5 * time.Minute
)

// busConfig holds options accumulated by BusOption calls.
type busConfig struct {
	ringCapacity    int
	subscriberQueue int
	topicTTL        time.Duration
	gcInterval      time.Duration
	logger          *slog.Logger
}

// BusOption configures a Bus.
type BusOption func(*busConfig)

// WithRingCapacity sets the per-topic replay ring size. Default: 1000.
func WithRingCapacity(n int) BusOption {
	return func(c *busConfig) { c.ringCapacity = n }
}

// WithSubscriberQueue sets the per-subscriber channel capacity. A subscriber
// that falls further behind than this has events dropped. Default: 256.
func WithSubscriberQueue(n int) BusOption {
	return func(c *busConfig) { c.subscriberQueue = n }
}

// WithTopicTTL sets how long an idle topic (no subscribers, no publishes)
// keeps its ring buffer before the GC sweep evicts it. Default: 1 hour.
func WithTopicTTL(d time.Duration) BusOption {
	return func(c *busConfig) { c.topicTTL = d }
}

// WithGCInterval sets the sweep period for StartGC. Default: 5 minutes.
func WithGCInterval(d time.Duration) BusOption {
	return func(c *busConfig) { c.gcInterval = d }
}

// BusLogger sets a structured logger for drop warnings and GC activity.
func BusLogger(l *slog.Logger) BusOption {
	return func(c *busConfig) { c.logger = l }
}

// Bus is a process-local publish/subscribe fabric keyed by topic string, one
// topic per run. Each topic keeps a bounded ring of recent events so late
// subscribers can replay the tail before live delivery begins.
//
// Publish never blocks: a subscriber whose queue is full has the event
// dropped (slow-consumer protection) with a logged warning. Ordering is
// preserved per subscriber for the events it does receive.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]*busTopic

	ringCapacity    int
	subscriberQueue int
	topicTTL        time.Duration
	gcInterval      time.Duration
	logger          *slog.Logger
}

// busTopic owns the ring buffer and subscriber set for a single run.
type busTopic struct {
	ring     []Event // oldest first, len <= ringCapacity
	subs     map[*Subscription]struct{}
	closed   bool
	lastUsed time.Time
}

// Subscription is a live attachment to a topic. Events arrive on Events()
// in publication order; the channel is closed when the topic closes or the
// subscription is closed.
type Subscription struct {
	ch    chan Event
	bus   *Bus
	topic string
	once  sync.Once
}

// Events returns the receive channel. Closed on topic close or Close().
func (s *Subscription) Events() <-chan Event { return s.ch }

// Close detaches the subscription and closes its channel. Safe to call
// more than once and safe concurrently with Publish.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	if t, ok := s.bus.topics[s.topic]; ok {
		delete(t.subs, s)
	}
	s.bus.mu.Unlock()
	// Membership was removed under the write lock, so no publisher can be
	// mid-send on this channel once we get here.
	s.once.Do(func() { close(s.ch) })
}

// NewBus creates a Bus. Run StartGC in a goroutine to evict idle topics.
func NewBus(opts ...BusOption) *Bus {
	cfg := busConfig{
		ringCapacity:    defaultRingCapacity,
		subscriberQueue: defaultSubscriberQueue,
		topicTTL:        defaultTopicTTL,
		gcInterval:      defaultGCInterval,
		logger:          nopLogger,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Bus{
		topics:          make(map[string]*busTopic),
		ringCapacity:    cfg.ringCapacity,
		subscriberQueue: cfg.subscriberQueue,
		topicTTL:        cfg.topicTTL,
		gcInterval:      cfg.gcInterval,
		logger:          cfg.logger,
	}
}

// Publish appends the event to the topic ring and hands it to every live
// subscriber. Non-blocking: full subscriber queues drop the event.
func (b *Bus) Publish(topicName string, ev Event) {
	b.mu.Lock()
	t := b.topic(topicName)
	t.lastUsed = time.Now()
	t.ring = append(t.ring, ev)
	if len(t.ring) > b.ringCapacity {
		t.ring = t.ring[len(t.ring)-b.ringCapacity:]
	}
	// Snapshot so delivery happens outside the write lock.
	subs := make([]*Subscription, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	// Sends race subscription Close, which closes the channel only after
	// removing itself under the write lock — so re-check membership under
	// the read lock for each send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range subs {
		if _, live := t.subs[s]; !live {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			b.logger.Warn("bus: dropping event for slow subscriber",
				"topic", topicName, "seq_id", ev.SeqID, "type", ev.Type)
		}
	}
}

// Subscribe attaches to a topic. Ring-buffered events with SeqID > afterSeq
// are queued first, in order; live events follow. If the topic was already
// closed the channel delivers the replay and then closes.
func (b *Bus) Subscribe(topicName string, afterSeq int64) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(topicName)
	t.lastUsed = time.Now()

	var replay []Event
	for _, ev := range t.ring {
		if ev.SeqID > afterSeq {
			replay = append(replay, ev)
		}
	}

	sub := &Subscription{
		ch:    make(chan Event, b.subscriberQueue+len(replay)),
		bus:   b,
		topic: topicName,
	}
	for _, ev := range replay {
		sub.ch <- ev
	}

	if t.closed {
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}
	t.subs[sub] = struct{}{}
	return sub
}

// CloseTopic signals end-of-stream to every subscriber of the topic by
// closing their channels. The ring is retained for late replay until the
// GC sweep evicts it.
func (b *Bus) CloseTopic(topicName string) {
	b.mu.Lock()
	t, ok := b.topics[topicName]
	if !ok {
		b.mu.Unlock()
		return
	}
	t.closed = true
	t.lastUsed = time.Now()
	detached := make([]*Subscription, 0, len(t.subs))
	for s := range t.subs {
		detached = append(detached, s)
		delete(t.subs, s)
	}
	b.mu.Unlock()

	for _, s := range detached {
		s.once.Do(func() { close(s.ch) })
	}
}

// StartGC launches the idle-topic sweep loop in the background. The loop
// stops when ctx is cancelled.
func (b *Bus) StartGC(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(b.gcInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				b.sweep(now)
			}
		}
	}()
}

// sweep evicts topics with no subscribers and no activity within the TTL.
func (b *Bus) sweep(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, t := range b.topics {
		if len(t.subs) == 0 && now.Sub(t.lastUsed) > b.topicTTL {
			delete(b.topics, name)
			b.logger.Debug("bus: evicted idle topic", "topic", name)
		}
	}
}

// topicCount reports how many topics currently exist.
func (b *Bus) topicCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics)
}

// topic returns the named topic, creating it if needed. Callers hold mu.
func (b *Bus) topic(name string) *busTopic {
	t, ok := b.topics[name]
	if !ok {
		t = &busTopic{subs: make(map[*Subscription]struct{}), lastUsed: time.Now()}
		b.topics[name] = t
	}
	return t
}
