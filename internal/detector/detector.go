// Package detector watches open interest and quote volume per symbol and
// timeframe and publishes an alert when either moves far outside its recent
// range.
package detector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"cryptostream/config"
	"cryptostream/internal/bus"
	"cryptostream/internal/exchange"
	"cryptostream/internal/metrics"
	"cryptostream/internal/models"
	"cryptostream/logger"
)

const (
	DefaultMinSamples   = 10
	DefaultSymbolsLimit = 80
	DefaultBackfill     = 50
)

// DefaultThresholds are the z-score thresholds per timeframe.
var DefaultThresholds = map[string]float64{"5m": 3.0, "15m": 2.5, "1h": 2.0}

// Source is the market data the detector polls. *exchange.Connector
// satisfies it.
type Source interface {
	Name() string
	FetchOpenInterest(ctx context.Context, symbol string) (models.OpenInterest, error)
	FetchOpenInterestHistory(ctx context.Context, symbol, period string, limit int) ([]models.OpenInterest, error)
	FetchOHLC(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)
	ListSymbols(ctx context.Context) ([]string, error)
}

type Publisher interface {
	Publish(topic string, ev models.Event) int
}

// Detector runs one polling loop per timeframe.
type Detector struct {
	cfg config.DetectorConfig
	src Source
	pub Publisher
	log *logger.Log

	mu      sync.Mutex
	windows map[string]*Window
	symbols []string
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	now func() time.Time
}

func New(cfg config.DetectorConfig, src Source, pub Publisher, log *logger.Log) (*Detector, error) {
	if src == nil {
		return nil, errors.New("detector: nil source")
	}
	if log == nil {
		log = logger.GetLogger()
	}
	if len(cfg.Timeframes) == 0 {
		cfg.Timeframes = []string{"5m", "15m", "1h"}
	}
	for _, tf := range cfg.Timeframes {
		if _, err := exchange.IntervalDuration(tf); err != nil {
			return nil, fmt.Errorf("detector timeframe: %w", err)
		}
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultWindowSize
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = DefaultMinSamples
	}
	if cfg.SymbolsLimit <= 0 {
		cfg.SymbolsLimit = DefaultSymbolsLimit
	}
	if cfg.BackfillLimit <= 0 {
		cfg.BackfillLimit = DefaultBackfill
	}
	if cfg.Thresholds == nil {
		cfg.Thresholds = DefaultThresholds
	}
	return &Detector{
		cfg:     cfg,
		src:     src,
		pub:     pub,
		log:     log,
		windows: make(map[string]*Window),
		now:     time.Now,
	}, nil
}

// Threshold returns the configured z threshold of tf, falling back to the
// default table and then to 3.0.
func (d *Detector) Threshold(tf string) float64 {
	if v, ok := d.cfg.Thresholds[tf]; ok && v > 0 {
		return v
	}
	if v, ok := DefaultThresholds[tf]; ok {
		return v
	}
	return 3.0
}

// Start launches the timeframe loops and returns immediately.
func (d *Detector) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return errors.New("detector already running")
	}
	d.running = true
	ctx, d.cancel = context.WithCancel(ctx)

	for _, tf := range d.cfg.Timeframes {
		every := d.cfg.Interval
		if every <= 0 {
			every, _ = exchange.IntervalDuration(tf)
		}
		d.wg.Add(1)
		go d.loop(ctx, tf, every)
	}
	d.log.WithComponent("detector").WithFields(logger.Fields{
		"exchange":   d.src.Name(),
		"timeframes": d.cfg.Timeframes,
		"interval":   d.cfg.Interval.String(),
	}).Info("detector started")
	return nil
}

func (d *Detector) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	cancel := d.cancel
	d.mu.Unlock()

	cancel()
	d.wg.Wait()
	d.log.WithComponent("detector").Info("detector stopped")
}

func (d *Detector) loop(ctx context.Context, tf string, every time.Duration) {
	defer d.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		d.Tick(ctx, tf)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick samples every tracked symbol once at timeframe tf and returns the
// alerts it published.
func (d *Detector) Tick(ctx context.Context, tf string) []models.SpikeAlert {
	log := d.log.WithComponent("detector").WithField("timeframe", tf)
	start := d.now()

	symbols, err := d.trackedSymbols(ctx)
	if err != nil {
		log.WithError(err).Warn("failed to resolve detector symbols")
		return nil
	}

	var alerts []models.SpikeAlert
	sampled := 0
	for _, sym := range symbols {
		if ctx.Err() != nil {
			break
		}
		alert, ok, err := d.observe(ctx, sym, tf)
		if err != nil {
			log.WithError(err).WithField("symbol", sym).Debug("sample skipped")
			continue
		}
		sampled++
		if ok {
			alerts = append(alerts, alert)
		}
	}

	log.WithFields(logger.Fields{
		"symbols":     len(symbols),
		"sampled":     sampled,
		"alerts":      len(alerts),
		"duration_ms": d.now().Sub(start).Milliseconds(),
	}).Info("detector cycle finished")
	return alerts
}

func (d *Detector) observe(ctx context.Context, symbol, tf string) (models.SpikeAlert, bool, error) {
	w, fresh := d.window(symbol, tf)
	if fresh && d.cfg.Backfill {
		d.backfill(ctx, w, symbol, tf)
	}

	s, err := d.sample(ctx, symbol, tf)
	if err != nil {
		return models.SpikeAlert{}, false, err
	}

	d.mu.Lock()
	w.Push(s)
	n := w.Len()
	zOI, zVol := w.Scores()
	d.mu.Unlock()

	if s.OI < d.cfg.MinOIUSD[tf] || s.Volume < d.cfg.MinVolumeUSD[tf] {
		return models.SpikeAlert{}, false, nil
	}
	if n < d.cfg.MinSamples {
		return models.SpikeAlert{}, false, nil
	}

	thr := d.Threshold(tf)
	oiFired, volFired := zOI >= thr, zVol >= thr
	if !oiFired && !volFired {
		return models.SpikeAlert{}, false, nil
	}

	alert := models.SpikeAlert{
		Exchange:  d.src.Name(),
		Symbol:    symbol,
		Timeframe: tf,
		ZOI:       round2(zOI),
		ZVol:      round2(zVol),
		Confirmed: oiFired && volFired,
		Timestamp: d.now().UTC(),
	}
	if d.pub != nil {
		d.pub.Publish(bus.TopicSpike, alert)
	}
	metrics.SpikeAlert(tf, alert.Confirmed)
	metrics.EmitMetric(d.log, "detector", "spike_alerts", 1, "counter", logger.Fields{
		"exchange":  alert.Exchange,
		"symbol":    symbol,
		"timeframe": tf,
		"confirmed": alert.Confirmed,
	})
	d.log.WithComponent("detector").WithFields(logger.Fields{
		"symbol":    symbol,
		"timeframe": tf,
		"z_oi":      alert.ZOI,
		"z_vol":     alert.ZVol,
		"confirmed": alert.Confirmed,
	}).Info("oi/volume spike")
	return alert, true, nil
}

// sample pairs the current open interest with the quote volume of the
// latest closed candle.
func (d *Detector) sample(ctx context.Context, symbol, tf string) (Sample, error) {
	oi, err := d.src.FetchOpenInterest(ctx, symbol)
	if err != nil {
		return Sample{}, fmt.Errorf("open interest: %w", err)
	}
	candles, err := d.src.FetchOHLC(ctx, symbol, tf, 2)
	if err != nil {
		return Sample{}, fmt.Errorf("ohlc: %w", err)
	}
	c, ok := latestClosed(candles)
	if !ok {
		return Sample{}, fmt.Errorf("no closed %s candle for %s", tf, symbol)
	}
	return Sample{OI: oi.NotionalUSD(c.Close), Volume: c.QuoteVolume}, nil
}

// backfill seeds a new window from open interest history aligned with the
// candles of the same period. Failures leave the window empty.
func (d *Detector) backfill(ctx context.Context, w *Window, symbol, tf string) {
	log := d.log.WithComponent("detector").WithFields(logger.Fields{"symbol": symbol, "timeframe": tf})
	hist, err := d.src.FetchOpenInterestHistory(ctx, symbol, tf, d.cfg.BackfillLimit)
	if err != nil {
		if errors.Is(err, exchange.ErrCapabilityUnsupported) {
			log.Debug("no open interest history, skipping backfill")
		} else {
			log.WithError(err).Warn("open interest backfill failed")
		}
		return
	}
	candles, err := d.src.FetchOHLC(ctx, symbol, tf, d.cfg.BackfillLimit)
	if err != nil {
		log.WithError(err).Warn("candle backfill failed")
		return
	}
	closed := candles[:0:0]
	for _, c := range candles {
		if c.IsClosed {
			closed = append(closed, c)
		}
	}

	n := len(hist)
	if len(closed) < n {
		n = len(closed)
	}
	hist, closed = hist[len(hist)-n:], closed[len(closed)-n:]

	d.mu.Lock()
	for i := 0; i < n; i++ {
		w.Push(Sample{OI: hist[i].NotionalUSD(closed[i].Close), Volume: closed[i].QuoteVolume})
	}
	d.mu.Unlock()
	log.WithField("samples", n).Debug("window backfilled")
}

func (d *Detector) window(symbol, tf string) (*Window, bool) {
	key := symbol + "|" + tf
	d.mu.Lock()
	defer d.mu.Unlock()
	if w, ok := d.windows[key]; ok {
		return w, false
	}
	w := NewWindow(d.cfg.WindowSize)
	d.windows[key] = w
	return w, true
}

// trackedSymbols resolves the symbol set once. A failed listing is retried
// on the next tick.
func (d *Detector) trackedSymbols(ctx context.Context) ([]string, error) {
	d.mu.Lock()
	if d.symbols != nil {
		out := d.symbols
		d.mu.Unlock()
		return out, nil
	}
	d.mu.Unlock()

	var symbols []string
	if len(d.cfg.Symbols) > 0 {
		for _, s := range d.cfg.Symbols {
			symbols = append(symbols, strings.ToUpper(s))
		}
	} else {
		listed, err := d.src.ListSymbols(ctx)
		if err != nil {
			return nil, err
		}
		symbols = listed
	}
	if len(symbols) > d.cfg.SymbolsLimit {
		symbols = symbols[:d.cfg.SymbolsLimit]
	}

	d.mu.Lock()
	if d.symbols == nil {
		d.symbols = symbols
		d.log.WithComponent("detector").WithField("symbols", len(symbols)).Info("tracking symbols")
	}
	out := d.symbols
	d.mu.Unlock()
	return out, nil
}

// WindowStats is a point-in-time view of one window.
type WindowStats struct {
	Symbol    string  `json:"symbol"`
	Timeframe string  `json:"timeframe"`
	Samples   int     `json:"samples"`
	Capacity  int     `json:"capacity"`
	ZOI       float64 `json:"z_oi"`
	ZVol      float64 `json:"z_vol"`
}

// Stats lists every window, sorted by symbol then timeframe.
func (d *Detector) Stats() []WindowStats {
	d.mu.Lock()
	out := make([]WindowStats, 0, len(d.windows))
	for key, w := range d.windows {
		sym, tf, _ := strings.Cut(key, "|")
		zOI, zVol := w.Scores()
		out = append(out, WindowStats{Symbol: sym, Timeframe: tf, Samples: w.Len(), Capacity: w.Cap(), ZOI: round2(zOI), ZVol: round2(zVol)})
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Timeframe < out[j].Timeframe
	})
	return out
}

// latestClosed returns the newest closed candle. Candles arrive oldest
// first, so the last one is usually still forming.
func latestClosed(candles []models.Candle) (models.Candle, bool) {
	for i := len(candles) - 1; i >= 0; i-- {
		if candles[i].IsClosed {
			return candles[i], true
		}
	}
	return models.Candle{}, false
}

func round2(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}
