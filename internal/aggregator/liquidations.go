package aggregator

import (
	"context"
	"time"

	"cryptostream/config"
	"cryptostream/internal/bus"
	"cryptostream/internal/models"
	"cryptostream/logger"
)

// LiquidationSource is satisfied by *exchange.Connector.
type LiquidationSource interface {
	Name() string
	StreamLiquidations(ctx context.Context, symbols ...string) (<-chan models.Liquidation, error)
}

// Liquidations publishes forced closes from every source onto the
// liquidation topic.
type Liquidations struct {
	*core[models.Liquidation]
}

func NewLiquidations(cfg config.AggregatorConfig, restartDelay time.Duration, sources []LiquidationSource, pub Publisher, log *logger.Log) *Liquidations {
	srcs := make([]source[models.Liquidation], 0, len(sources))
	for _, s := range sources {
		srcs = append(srcs, source[models.Liquidation]{name: s.Name(), open: s.StreamLiquidations})
	}
	reprice := func(l models.Liquidation) (models.Liquidation, float64) {
		l.Value = notional(l.Price, l.Quantity)
		return l, l.Value
	}
	return &Liquidations{newCore("liquidation_aggregator", bus.TopicLiquidation, cfg.MinValueUSD, restartDelay, cfg.Symbols, srcs, reprice, pub, log)}
}

// TradeSource is satisfied by *exchange.Connector.
type TradeSource interface {
	Name() string
	StreamLargeTrades(ctx context.Context, symbols ...string) (<-chan models.LargeTrade, error)
}

// LargeTrades publishes trades above the floor onto the large_trade topic.
type LargeTrades struct {
	*core[models.LargeTrade]
}

func NewLargeTrades(cfg config.AggregatorConfig, restartDelay time.Duration, sources []TradeSource, pub Publisher, log *logger.Log) *LargeTrades {
	srcs := make([]source[models.LargeTrade], 0, len(sources))
	for _, s := range sources {
		srcs = append(srcs, source[models.LargeTrade]{name: s.Name(), open: s.StreamLargeTrades})
	}
	reprice := func(t models.LargeTrade) (models.LargeTrade, float64) {
		t.Value = notional(t.Price, t.Quantity)
		return t, t.Value
	}
	return &LargeTrades{newCore("large_trade_aggregator", bus.TopicLargeTrade, cfg.MinValueUSD, restartDelay, cfg.Symbols, srcs, reprice, pub, log)}
}
