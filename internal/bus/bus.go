package bus

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"cryptostream/internal/metrics"
	"cryptostream/internal/models"
	"cryptostream/logger"
)

const (
	TopicLiquidation = string(models.EventLiquidation)
	TopicLargeTrade  = string(models.EventLargeTrade)
	TopicSpike       = string(models.EventSpikeAlert)

	DefaultQueueSize = 1000
)

// ErrUnsubscribed is returned by Next once the subscription is closed and
// drained.
var ErrUnsubscribed = errors.New("subscription closed")

// CandleTopic names the per-market candle topic, ohlc:<exchange>:<SYMBOL>:<interval>.
func CandleTopic(exchange, symbol, interval string) string {
	return "ohlc:" + strings.ToLower(exchange) + ":" + strings.ToUpper(symbol) + ":" + interval
}

// Bus fans events out to subscriptions by topic. Publish never blocks: each
// subscription owns a bounded ring and a slow reader only loses its own
// oldest events.
type Bus struct {
	queueSize int
	log       *logger.Log

	mu     sync.RWMutex
	topics map[string]*topic
}

type topic struct {
	name string

	mu   sync.RWMutex
	subs map[string]*Subscription

	published atomic.Int64
	dropped   atomic.Int64
}

func New(queueSize int, log *logger.Log) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &Bus{
		queueSize: queueSize,
		log:       log,
		topics:    make(map[string]*topic),
	}
}

func (b *Bus) topic(name string) *topic {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.topics[name]
}

// Subscribe registers a new subscription on topicName. Events published
// before this call are not delivered.
func (b *Bus) Subscribe(topicName string, filter Filter) *Subscription {
	return b.SubscribeSize(topicName, filter, b.queueSize)
}

// SubscribeSize is Subscribe with its own queue capacity.
func (b *Bus) SubscribeSize(topicName string, filter Filter, queueSize int) *Subscription {
	if queueSize <= 0 {
		queueSize = b.queueSize
	}
	s := &Subscription{
		ID:     uuid.NewString(),
		Topic:  topicName,
		Filter: filter,
		bus:    b,
		queue:  newRing(queueSize),
		done:   make(chan struct{}),
	}

	// Registration holds b.mu so remove cannot drop the topic in between.
	b.mu.Lock()
	t := b.topics[topicName]
	if t == nil {
		t = &topic{name: topicName, subs: make(map[string]*Subscription)}
		b.topics[topicName] = t
	}
	t.mu.Lock()
	t.subs[s.ID] = s
	n := len(t.subs)
	t.mu.Unlock()
	b.mu.Unlock()

	metrics.SetBusSubscribers(topicName, n)
	b.log.WithComponent("bus").WithFields(logger.Fields{
		"topic":           topicName,
		"subscription_id": s.ID,
		"subscribers":     n,
	}).Debug("subscription added")
	return s
}

// Publish enqueues ev on every matching subscription of topicName and returns
// how many received it.
func (b *Bus) Publish(topicName string, ev models.Event) int {
	t := b.topic(topicName)
	if t == nil {
		return 0
	}
	t.published.Add(1)
	metrics.BusPublished(topicName)

	delivered := 0
	t.mu.RLock()
	for _, s := range t.subs {
		if !s.Filter.Match(ev) {
			continue
		}
		if s.queue.push(ev) {
			s.dropped.Add(1)
			t.dropped.Add(1)
			metrics.BusEvicted(topicName)
		}
		delivered++
	}
	t.mu.RUnlock()
	return delivered
}

// remove detaches s and forgets its topic once no subscription is left, so
// per-market candle topics do not outlive their last reader.
func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	t := b.topics[s.Topic]
	if t == nil {
		b.mu.Unlock()
		return
	}
	t.mu.Lock()
	delete(t.subs, s.ID)
	n := len(t.subs)
	t.mu.Unlock()
	if n == 0 {
		delete(b.topics, s.Topic)
	}
	b.mu.Unlock()

	metrics.SetBusSubscribers(s.Topic, n)
	b.log.WithComponent("bus").WithFields(logger.Fields{
		"topic":           s.Topic,
		"subscription_id": s.ID,
		"dropped":         s.Dropped(),
		"subscribers":     n,
	}).Debug("subscription removed")
}

// Subscribers returns the live subscription count of topicName.
func (b *Bus) Subscribers(topicName string) int {
	t := b.topic(topicName)
	if t == nil {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

// TopicStats is a point-in-time view of one topic.
type TopicStats struct {
	Topic       string `json:"topic"`
	Subscribers int    `json:"subscribers"`
	Published   int64  `json:"published"`
	Dropped     int64  `json:"dropped"`
}

// Stats lists every topic with at least one subscription, sorted by name.
func (b *Bus) Stats() []TopicStats {
	b.mu.RLock()
	topics := make([]*topic, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.mu.RUnlock()

	out := make([]TopicStats, 0, len(topics))
	for _, t := range topics {
		t.mu.RLock()
		n := len(t.subs)
		t.mu.RUnlock()
		out = append(out, TopicStats{
			Topic:       t.name,
			Subscribers: n,
			Published:   t.published.Load(),
			Dropped:     t.dropped.Load(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}

// Close unsubscribes every subscription.
func (b *Bus) Close() {
	b.mu.RLock()
	var subs []*Subscription
	for _, t := range b.topics {
		t.mu.RLock()
		for _, s := range t.subs {
			subs = append(subs, s)
		}
		t.mu.RUnlock()
	}
	b.mu.RUnlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
}

// Subscription is one consumer's bounded view of a topic.
type Subscription struct {
	ID     string
	Topic  string
	Filter Filter

	bus     *Bus
	queue   *ring
	dropped atomic.Int64

	once sync.Once
	done chan struct{}
}

// Next blocks until an event is queued, ctx is done or the subscription is
// closed. Events queued before Unsubscribe are still returned.
func (s *Subscription) Next(ctx context.Context) (models.Event, error) {
	for {
		if ev, ok := s.queue.pop(); ok {
			return ev, nil
		}
		select {
		case <-s.queue.notify:
		case <-s.done:
			if ev, ok := s.queue.pop(); ok {
				return ev, nil
			}
			return nil, ErrUnsubscribed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryNext returns a queued event without blocking.
func (s *Subscription) TryNext() (models.Event, bool) {
	return s.queue.pop()
}

// Len is the number of queued events.
func (s *Subscription) Len() int { return s.queue.len() }

// Dropped counts events evicted from this subscription's ring.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Done is closed by Unsubscribe.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Unsubscribe detaches the subscription from the bus. It is idempotent and
// safe to call concurrently with Publish.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.remove(s)
		close(s.done)
	})
}
