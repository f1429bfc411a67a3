package detector

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"cryptostream/config"
	"cryptostream/internal/bus"
	"cryptostream/internal/exchange"
	"cryptostream/internal/models"
)

type fakeSource struct {
	mu       sync.Mutex
	oi       []float64
	volume   float64
	history  []models.OpenInterest
	histErr  error
	listed   []string
	listErr  error
	oiCalls  int
	listings int
}

func (f *fakeSource) Name() string { return "binance" }

func (f *fakeSource) FetchOpenInterest(ctx context.Context, symbol string) (models.OpenInterest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.oi) == 0 {
		return models.OpenInterest{}, errors.New("no more samples")
	}
	v := f.oi[0]
	f.oi = f.oi[1:]
	f.oiCalls++
	return models.OpenInterest{Exchange: "binance", Symbol: symbol, OpenInterest: v, OpenInterestValue: models.Float(v)}, nil
}

func (f *fakeSource) FetchOpenInterestHistory(ctx context.Context, symbol, period string, limit int) ([]models.OpenInterest, error) {
	return f.history, f.histErr
}

func (f *fakeSource) FetchOHLC(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	out := make([]models.Candle, limit)
	for i := range out {
		out[i] = models.Candle{Symbol: symbol, Interval: interval, Close: 10, QuoteVolume: f.volume, IsClosed: i < limit-1}
	}
	return out, nil
}

func (f *fakeSource) ListSymbols(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listings++
	return f.listed, f.listErr
}

type recorder struct {
	mu     sync.Mutex
	alerts []models.SpikeAlert
}

func (r *recorder) Publish(topic string, ev models.Event) int {
	if topic != bus.TopicSpike {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, ev.(models.SpikeAlert))
	return 1
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func newDetector(t *testing.T, cfg config.DetectorConfig, src Source, pub Publisher) *Detector {
	t.Helper()
	if cfg.Symbols == nil {
		cfg.Symbols = []string{"BTCUSDT"}
	}
	if cfg.Timeframes == nil {
		cfg.Timeframes = []string{"5m"}
	}
	d, err := New(cfg, src, pub, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func TestZScorePopulation(t *testing.T) {
	values := append(repeat(100, 9), 400)
	if z := ZScore(values); z != 3.0 {
		t.Fatalf("z = %v, want 3.0", z)
	}
	if z := ZScore(repeat(5, 10)); z != 0 {
		t.Fatalf("flat series z = %v", z)
	}
	if z := ZScore(nil); z != 0 {
		t.Fatalf("empty series z = %v", z)
	}
}

func TestWindowOverwritesOldest(t *testing.T) {
	w := NewWindow(3)
	for i := 1; i <= 5; i++ {
		w.Push(Sample{OI: float64(i)})
	}
	got := w.Samples()
	if w.Len() != 3 || got[0].OI != 3 || got[2].OI != 5 {
		t.Fatalf("unexpected window %+v", got)
	}
	if last, _ := w.Last(); last.OI != 5 {
		t.Fatalf("Last = %+v", last)
	}
}

func TestSpikeAtThresholdPublishes(t *testing.T) {
	src := &fakeSource{oi: append(repeat(100, 9), 400), volume: 1000}
	rec := &recorder{}
	d := newDetector(t, config.DetectorConfig{}, src, rec)

	ctx := context.Background()
	for i := 0; i < 9; i++ {
		if alerts := d.Tick(ctx, "5m"); len(alerts) != 0 {
			t.Fatalf("tick %d alerted: %+v", i, alerts)
		}
	}
	alerts := d.Tick(ctx, "5m")
	if len(alerts) != 1 {
		t.Fatalf("expected one alert, got %+v", alerts)
	}
	a := alerts[0]
	if a.ZOI != 3.0 || a.ZVol != 0 || a.Confirmed || a.Timeframe != "5m" || a.Exchange != "binance" {
		t.Fatalf("unexpected alert %+v", a)
	}
	if len(rec.alerts) != 1 {
		t.Fatalf("published %d alerts", len(rec.alerts))
	}
}

func TestBelowMinSamplesNeverAlerts(t *testing.T) {
	src := &fakeSource{oi: []float64{100, 100, 100, 100, 10000}, volume: 1000}
	d := newDetector(t, config.DetectorConfig{}, src, &recorder{})
	for i := 0; i < 5; i++ {
		if alerts := d.Tick(context.Background(), "5m"); len(alerts) != 0 {
			t.Fatalf("alert before the window filled: %+v", alerts)
		}
	}
}

func TestMinimumUSDGuards(t *testing.T) {
	src := &fakeSource{oi: append(repeat(100, 9), 400), volume: 1000}
	d := newDetector(t, config.DetectorConfig{MinOIUSD: map[string]float64{"5m": 500}}, src, &recorder{})
	for i := 0; i < 10; i++ {
		if alerts := d.Tick(context.Background(), "5m"); len(alerts) != 0 {
			t.Fatalf("guarded sample alerted: %+v", alerts)
		}
	}
}

func TestBackfillSeedsWindow(t *testing.T) {
	hist := make([]models.OpenInterest, 9)
	for i := range hist {
		hist[i] = models.OpenInterest{OpenInterestValue: models.Float(100)}
	}
	src := &fakeSource{oi: []float64{400}, volume: 1000, history: hist}
	d := newDetector(t, config.DetectorConfig{Backfill: true, BackfillLimit: 10}, src, &recorder{})

	alerts := d.Tick(context.Background(), "5m")
	if len(alerts) != 1 || alerts[0].ZOI != 3.0 {
		t.Fatalf("expected alert after backfill, got %+v", alerts)
	}
	st := d.Stats()
	if len(st) != 1 || st[0].Samples != 10 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestBackfillUnsupportedIsSkipped(t *testing.T) {
	src := &fakeSource{
		oi:      []float64{100},
		volume:  1000,
		histErr: &exchange.CapabilityError{Exchange: "binance", Capability: exchange.CapOpenInterest},
	}
	d := newDetector(t, config.DetectorConfig{Backfill: true}, src, &recorder{})
	d.Tick(context.Background(), "5m")
	if st := d.Stats(); len(st) != 1 || st[0].Samples != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestSymbolsFromListingAreLimited(t *testing.T) {
	src := &fakeSource{listed: []string{"A", "B", "C"}, oi: repeat(1, 10), volume: 1}
	d := newDetector(t, config.DetectorConfig{Symbols: []string{}, SymbolsLimit: 2}, src, &recorder{})
	d.Tick(context.Background(), "5m")
	d.Tick(context.Background(), "5m")
	if src.listings != 1 {
		t.Fatalf("listed %d times", src.listings)
	}
	if src.oiCalls != 4 {
		t.Fatalf("sampled %d times, want 4", src.oiCalls)
	}
}

func TestThresholds(t *testing.T) {
	d := newDetector(t, config.DetectorConfig{Thresholds: map[string]float64{"5m": 4}}, &fakeSource{}, nil)
	cases := map[string]float64{"5m": 4, "15m": 2.5, "1h": 2.0, "4h": 3.0}
	for tf, want := range cases {
		if got := d.Threshold(tf); math.Abs(got-want) > 1e-9 {
			t.Fatalf("Threshold(%s) = %v, want %v", tf, got, want)
		}
	}
}

func TestStartStop(t *testing.T) {
	src := &fakeSource{oi: repeat(100, 100), volume: 1}
	d := newDetector(t, config.DetectorConfig{Interval: 5 * time.Millisecond}, src, &recorder{})
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := d.Start(context.Background()); err == nil {
		t.Fatal("second Start should fail")
	}
	time.Sleep(30 * time.Millisecond)
	d.Stop()
	d.Stop()

	src.mu.Lock()
	calls := src.oiCalls
	src.mu.Unlock()
	if calls < 2 {
		t.Fatalf("expected repeated ticks, got %d samples", calls)
	}
}

func TestNewRejectsBadTimeframe(t *testing.T) {
	if _, err := New(config.DetectorConfig{Timeframes: []string{"5x"}}, &fakeSource{}, nil, nil); err == nil {
		t.Fatal("expected error")
	}
}
