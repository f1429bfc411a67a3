// Package aggregator merges one event stream per exchange into a single bus
// topic, applying a global USD floor.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"cryptostream/internal/exchange"
	"cryptostream/internal/metrics"
	"cryptostream/internal/models"
	"cryptostream/logger"
)

const (
	DefaultMinValueUSD  = 50000
	DefaultRestartDelay = 5 * time.Second
)

// Publisher is the bus side of an aggregator.
type Publisher interface {
	Publish(topic string, ev models.Event) int
}

// Counters are per-exchange totals since Start.
type Counters struct {
	Received       int64 `json:"received"`
	Published      int64 `json:"published"`
	BelowThreshold int64 `json:"below_threshold"`
	Restarts       int64 `json:"restarts"`
}

type counters struct {
	received, published, below, restarts atomic.Int64
}

func (c *counters) snapshot() Counters {
	return Counters{
		Received:       c.received.Load(),
		Published:      c.published.Load(),
		BelowThreshold: c.below.Load(),
		Restarts:       c.restarts.Load(),
	}
}

type source[T models.Event] struct {
	name string
	open func(ctx context.Context, symbols ...string) (<-chan T, error)
}

// core runs one goroutine per source. reprice recomputes the value of an
// event and returns it with the value to compare against the floor.
type core[T models.Event] struct {
	component    string
	topic        string
	minValue     float64
	restartDelay time.Duration
	symbols      []string
	sources      []source[T]
	reprice      func(T) (T, float64)
	pub          Publisher
	log          *logger.Log

	stats map[string]*counters

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func newCore[T models.Event](component, topic string, minValue float64, restartDelay time.Duration, symbols []string, sources []source[T], reprice func(T) (T, float64), pub Publisher, log *logger.Log) *core[T] {
	if log == nil {
		log = logger.GetLogger()
	}
	if minValue <= 0 {
		minValue = DefaultMinValueUSD
	}
	if restartDelay <= 0 {
		restartDelay = DefaultRestartDelay
	}
	stats := make(map[string]*counters, len(sources))
	for _, s := range sources {
		stats[s.name] = &counters{}
	}
	return &core[T]{
		component:    component,
		topic:        topic,
		minValue:     minValue,
		restartDelay: restartDelay,
		symbols:      symbols,
		sources:      sources,
		reprice:      reprice,
		pub:          pub,
		log:          log,
		stats:        stats,
	}
}

func (a *core[T]) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return fmt.Errorf("%s already running", a.component)
	}
	if len(a.sources) == 0 {
		return fmt.Errorf("%s: no sources", a.component)
	}
	a.running = true
	ctx, a.cancel = context.WithCancel(ctx)

	for _, src := range a.sources {
		a.wg.Add(1)
		go a.run(ctx, src)
	}
	a.log.WithComponent(a.component).WithFields(logger.Fields{
		"sources":       a.Sources(),
		"min_value_usd": a.minValue,
		"topic":         a.topic,
	}).Info("aggregator started")
	return nil
}

func (a *core[T]) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	cancel := a.cancel
	a.mu.Unlock()

	cancel()
	a.wg.Wait()
	a.log.WithComponent(a.component).WithField("stats", a.Stats()).Info("aggregator stopped")
}

// Sources lists the exchange names feeding the aggregator, sorted.
func (a *core[T]) Sources() []string {
	out := make([]string, 0, len(a.sources))
	for _, s := range a.sources {
		out = append(out, s.name)
	}
	sort.Strings(out)
	return out
}

func (a *core[T]) Stats() map[string]Counters {
	out := make(map[string]Counters, len(a.stats))
	for name, c := range a.stats {
		out[name] = c.snapshot()
	}
	return out
}

// run keeps one source open. A stream that ends while ctx is live is
// reopened after restartDelay; siblings are unaffected.
func (a *core[T]) run(ctx context.Context, src source[T]) {
	defer a.wg.Done()
	log := a.log.WithComponent(a.component).WithField("exchange", src.name)
	c := a.stats[src.name]

	for {
		ch, err := src.open(ctx, a.symbols...)
		switch {
		case errors.Is(err, exchange.ErrCapabilityUnsupported):
			log.WithError(err).Warn("source cannot provide this stream")
			return
		case err != nil:
			log.WithError(err).Warn("failed to open source stream")
		default:
			a.consume(ctx, src.name, ch, c)
		}

		if ctx.Err() != nil {
			return
		}
		c.restarts.Add(1)
		log.WithField("delay", a.restartDelay.String()).Warn("source stream ended, restarting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(a.restartDelay):
		}
	}
}

func (a *core[T]) consume(ctx context.Context, name string, ch <-chan T, c *counters) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			c.received.Add(1)
			ev, value := a.reprice(ev)
			if value < a.minValue {
				c.below.Add(1)
				metrics.BelowThreshold(name, a.topic)
				continue
			}
			a.pub.Publish(a.topic, ev)
			c.published.Add(1)
			logger.RecordFlow("bus_"+a.topic+"_"+name, 0)
		}
	}
}

func notional(price, quantity float64) float64 {
	return decimal.NewFromFloat(price).Mul(decimal.NewFromFloat(quantity)).InexactFloat64()
}
