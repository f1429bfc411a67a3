// Package candles shares one upstream kline stream per market between all
// of its subscribers.
package candles

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"cryptostream/internal/bus"
	"cryptostream/internal/exchange"
	"cryptostream/internal/models"
	"cryptostream/logger"
)

const DefaultRestartDelay = 5 * time.Second

// Source opens a candle stream. *exchange.Connector satisfies it.
type Source interface {
	StreamOHLC(ctx context.Context, symbol, interval string) (<-chan models.Candle, error)
}

// Lookup resolves an exchange name to its Source.
type Lookup func(exchange string) (Source, error)

// FromManager adapts an exchange manager to a Lookup.
func FromManager(m *exchange.Manager) Lookup {
	return func(name string) (Source, error) {
		c, err := m.Get(name)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

type Publisher interface {
	Publish(topic string, ev models.Event) int
}

type feed struct {
	topic  string
	refs   int
	cancel context.CancelFunc
	done   chan struct{}
}

// Hub reference-counts candle streams. The first Acquire of a market opens
// the upstream stream and the last release closes it.
type Hub struct {
	lookup       Lookup
	pub          Publisher
	log          *logger.Log
	restartDelay time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	feeds map[string]*feed
}

func NewHub(lookup Lookup, pub Publisher, restartDelay time.Duration, log *logger.Log) *Hub {
	if log == nil {
		log = logger.GetLogger()
	}
	if restartDelay <= 0 {
		restartDelay = DefaultRestartDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		lookup:       lookup,
		pub:          pub,
		log:          log,
		restartDelay: restartDelay,
		ctx:          ctx,
		cancel:       cancel,
		feeds:        make(map[string]*feed),
	}
}

// Acquire ensures the market's candles are being published on its candle
// topic and returns that topic with a release func. Release is idempotent.
func (h *Hub) Acquire(exchangeName, symbol, interval string) (string, func(), error) {
	exchangeName = strings.ToLower(exchangeName)
	symbol = strings.ToUpper(symbol)
	topic := bus.CandleTopic(exchangeName, symbol, interval)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ctx.Err() != nil {
		return "", nil, fmt.Errorf("candle hub closed")
	}

	f, ok := h.feeds[topic]
	if !ok {
		src, err := h.lookup(exchangeName)
		if err != nil {
			return "", nil, err
		}
		ctx, cancel := context.WithCancel(h.ctx)
		ch, err := src.StreamOHLC(ctx, symbol, interval)
		if err != nil {
			cancel()
			return "", nil, err
		}
		f = &feed{topic: topic, cancel: cancel, done: make(chan struct{})}
		h.feeds[topic] = f
		go h.pump(ctx, f, src, symbol, interval, ch)
		h.log.WithComponent("candles").WithField("topic", topic).Info("candle feed opened")
	}
	f.refs++

	var once sync.Once
	return topic, func() { once.Do(func() { h.release(f) }) }, nil
}

func (h *Hub) release(f *feed) {
	h.mu.Lock()
	f.refs--
	last := f.refs == 0
	if last && h.feeds[f.topic] == f {
		delete(h.feeds, f.topic)
	}
	h.mu.Unlock()

	if last {
		f.cancel()
		h.log.WithComponent("candles").WithField("topic", f.topic).Info("candle feed closed")
	}
}

// pump republishes candles until ctx ends. A stream that gives up is
// reopened after the restart delay.
func (h *Hub) pump(ctx context.Context, f *feed, src Source, symbol, interval string, ch <-chan models.Candle) {
	defer close(f.done)
	log := h.log.WithComponent("candles").WithField("topic", f.topic)
	for {
		if !h.forward(ctx, f.topic, ch) {
			return
		}
		log.WithField("delay", h.restartDelay.String()).Warn("candle stream ended, reopening")
		select {
		case <-ctx.Done():
			return
		case <-time.After(h.restartDelay):
		}

		var err error
		if ch, err = src.StreamOHLC(ctx, symbol, interval); err != nil {
			log.WithError(err).Error("failed to reopen candle stream")
			return
		}
	}
}

// forward publishes until ch closes, reporting false once ctx is done.
func (h *Hub) forward(ctx context.Context, topic string, ch <-chan models.Candle) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case c, ok := <-ch:
			if !ok {
				return ctx.Err() == nil
			}
			h.pub.Publish(topic, c)
		}
	}
}

// FeedStats is the reference count of one open feed.
type FeedStats struct {
	Topic string `json:"topic"`
	Refs  int    `json:"refs"`
}

func (h *Hub) Stats() []FeedStats {
	h.mu.Lock()
	out := make([]FeedStats, 0, len(h.feeds))
	for _, f := range h.feeds {
		out = append(out, FeedStats{Topic: f.topic, Refs: f.refs})
	}
	h.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}

// Close cancels every feed and waits for the pumps to exit.
func (h *Hub) Close() {
	h.mu.Lock()
	h.cancel()
	feeds := make([]*feed, 0, len(h.feeds))
	for _, f := range h.feeds {
		feeds = append(feeds, f)
	}
	h.feeds = make(map[string]*feed)
	h.mu.Unlock()

	for _, f := range feeds {
		<-f.done
	}
}
