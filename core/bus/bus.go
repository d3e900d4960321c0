// Package bus implements the gateway's topic-keyed publish-subscribe fabric
// (spec.md §4.5). Each topic has its own set of subscribers; each subscriber
// owns a bounded queue and a dropped-event counter so that a slow consumer
// never blocks a publisher.
package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Topic identifies an event stream (spec.md §4.5: BMS live data, raw frame
// JSON, decoded frame JSON, MQTT metrics, diagnostics log entry, register
// update).
type Topic int

const (
	TopicLiveData Topic = iota
	TopicRawFrame
	TopicDecodedFrame
	TopicMQTTMetrics
	TopicDiagnosticEntry
	TopicRegisterUpdate
)

func (t Topic) String() string {
	switch t {
	case TopicLiveData:
		return "live_data"
	case TopicRawFrame:
		return "raw_frame"
	case TopicDecodedFrame:
		return "decoded_frame"
	case TopicMQTTMetrics:
		return "mqtt_metrics"
	case TopicDiagnosticEntry:
		return "diagnostic_entry"
	case TopicRegisterUpdate:
		return "register_update"
	default:
		return "unknown"
	}
}

// DefaultQueueDepth is the default per-subscriber queue depth (spec.md §4.5:
// "typical depth 16-32").
const DefaultQueueDepth = 16

// DefaultEnqueueTimeout bounds how long Publish waits for a full subscriber
// queue before dropping the event (spec.md §5: "short timeout, ≤50ms").
const DefaultEnqueueTimeout = 50 * time.Millisecond

// Config configures a Bus.
type Config struct {
	// QueueDepth is the per-subscriber queue capacity. Default: 16.
	QueueDepth int

	// EnqueueTimeout bounds how long Publish waits on a full queue before
	// dropping the event. Default: 50ms.
	EnqueueTimeout time.Duration

	// Logger for bus events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Subscription is a handle returned by Subscribe. Receive from C to consume
// events; call Unsubscribe when done.
type Subscription struct {
	C    <-chan any
	id    uint64
	topic Topic
	bus   *Bus

	dropped atomic.Uint64
}

// Dropped returns the number of events dropped for this subscriber because
// its queue was full past EnqueueTimeout.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Unsubscribe removes this subscription from its topic. Safe to call more
// than once.
func (s *Subscription) Unsubscribe() {
	s.bus.unsubscribe(s.topic, s.id)
}

// Bus is a topic-keyed publish-subscribe fabric with bounded per-subscriber
// queues.
type Bus struct {
	cfg Config
	log *slog.Logger

	mu      sync.RWMutex
	nextID  uint64
	subs    map[Topic]map[uint64]*subEntry
}

type subEntry struct {
	ch   chan any
	sub  *Subscription
}

// New creates a Bus with the given configuration.
func New(cfg Config) *Bus {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = DefaultEnqueueTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		cfg:  cfg,
		log:  logger.WithGroup("bus"),
		subs: make(map[Topic]map[uint64]*subEntry),
	}
}

// Subscribe registers a new subscriber on topic and returns its handle.
func (b *Bus) Subscribe(topic Topic) *Subscription {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	ch := make(chan any, b.cfg.QueueDepth)
	sub := &Subscription{C: ch, id: id, topic: topic, bus: b}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]*subEntry)
	}
	b.subs[topic][id] = &subEntry{ch: ch, sub: sub}
	b.mu.Unlock()
	return sub
}

func (b *Bus) unsubscribe(topic Topic, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if entries, ok := b.subs[topic]; ok {
		delete(entries, id)
	}
}

// Publish enqueues event on every subscriber of topic. Each enqueue attempt
// is bounded by EnqueueTimeout; a subscriber whose queue is still full after
// that increments its Dropped counter instead of blocking the publisher
// (spec.md §4.5, §5).
func (b *Bus) Publish(topic Topic, event any) {
	b.mu.RLock()
	entries := make([]*subEntry, 0, len(b.subs[topic]))
	for _, e := range b.subs[topic] {
		entries = append(entries, e)
	}
	b.mu.RUnlock()

	if len(entries) == 0 {
		return
	}

	for _, e := range entries {
		select {
		case e.ch <- event:
			continue
		default:
		}

		select {
		case e.ch <- event:
		case <-time.After(b.cfg.EnqueueTimeout):
			e.sub.dropped.Add(1)
			b.log.Warn("dropped event: subscriber queue full", "topic", topic.String())
		}
	}
}

// SubscriberCount returns the number of active subscribers on topic.
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
