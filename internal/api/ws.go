package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"cryptostream/internal/bus"
	"cryptostream/internal/exchange"
	"cryptostream/logger"
)

// Per-endpoint defaults applied when the client sends no filter.
const (
	defaultLiquidationFloor = 5_000
	defaultLargeTradeFloor  = 100_000
)

var defaultSpikeTimeframes = []string{"5m", "15m", "1h"}

// nextFunc blocks for the next event to deliver.
type nextFunc func(ctx context.Context) (interface{}, error)

func subscriptionNext(sub *bus.Subscription) nextFunc {
	return func(ctx context.Context) (interface{}, error) {
		return sub.Next(ctx)
	}
}

func channelNext[T any](ch <-chan T) nextFunc {
	return func(ctx context.Context) (interface{}, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil, io.EOF
			}
			return ev, nil
		}
	}
}

// parseFilter reads the bus filter from the query, applying the endpoint
// defaults for absent parameters.
func parseFilter(q url.Values, minValue float64, timeframes []string) (bus.Filter, error) {
	f, err := bus.ParseFilter(q)
	if err != nil {
		return f, err
	}
	if q.Get("min_value_usd") == "" {
		f.MinValueUSD = minValue
	}
	if len(f.Timeframes) == 0 {
		f.Timeframes = timeframes
	}
	return f, nil
}

func (s *Server) handleAllLiquidations(c *gin.Context) {
	s.serveTopic(c, bus.TopicLiquidation, defaultLiquidationFloor, nil)
}

func (s *Server) handleAllLargeTrades(c *gin.Context) {
	s.serveTopic(c, bus.TopicLargeTrade, defaultLargeTradeFloor, nil)
}

func (s *Server) handleSpikes(c *gin.Context) {
	s.serveTopic(c, bus.TopicSpike, 0, defaultSpikeTimeframes)
}

func (s *Server) serveTopic(c *gin.Context, topic string, minValue float64, timeframes []string) {
	filter, err := parseFilter(c.Request.URL.Query(), minValue, timeframes)
	if err != nil {
		badRequest(c, err)
		return
	}
	sub := s.deps.Bus.Subscribe(topic, filter)
	defer sub.Unsubscribe()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	s.serveWS(ctx, c, cancel, topic, subscriptionNext(sub))
}

// handleExchangeStream serves /ws/:exchange/:symbol/:stream. Candles go
// through the shared hub; liquidations and trades open a dedicated
// connector stream for the one symbol.
func (s *Server) handleExchangeStream(c *gin.Context) {
	conn, ok := s.connector(c)
	if !ok {
		return
	}
	symbol := c.Param("symbol")
	label := conn.Name() + "/" + symbol + "/" + c.Param("stream")

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	switch c.Param("stream") {
	case "ohlc":
		interval := c.DefaultQuery("interval", "1m")
		if !validInterval(c, interval) {
			return
		}
		if !conn.Supports(exchange.CapOHLC) {
			s.fail(c, "stream_ohlc", &exchange.CapabilityError{Exchange: conn.Name(), Capability: exchange.CapOHLC})
			return
		}
		if s.deps.Candles == nil {
			ch, err := conn.StreamOHLC(ctx, symbol, interval)
			if err != nil {
				s.fail(c, "stream_ohlc", err)
				return
			}
			s.serveWS(ctx, c, cancel, label, channelNext(ch))
			return
		}
		topic, release, err := s.deps.Candles.Acquire(conn.Name(), symbol, interval)
		if err != nil {
			s.fail(c, "stream_ohlc", err)
			return
		}
		defer release()
		sub := s.deps.Bus.Subscribe(topic, bus.Filter{Interval: interval})
		defer sub.Unsubscribe()
		s.serveWS(ctx, c, cancel, label, subscriptionNext(sub))

	case "liquidations":
		ch, err := conn.WatchLiquidations(ctx, symbol)
		if err != nil {
			s.fail(c, "stream_liquidations", err)
			return
		}
		s.serveWS(ctx, c, cancel, label, channelNext(ch))

	case "large_trades":
		ch, err := conn.WatchLargeTrades(ctx, symbol)
		if err != nil {
			s.fail(c, "stream_large_trades", err)
			return
		}
		s.serveWS(ctx, c, cancel, label, channelNext(ch))

	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "invalid stream " + c.Param("stream")})
	}
}

// serveWS upgrades the request and writes every event from next as JSON
// until the client goes away, next fails or ctx ends.
func (s *Server) serveWS(ctx context.Context, c *gin.Context, cancel context.CancelFunc, label string, next nextFunc) {
	log := s.log.WithComponent("api_ws").WithField("stream", label)
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer ws.Close()
	log.Info("websocket client connected")

	// Inbound frames are ignored; a read error means the client left.
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	sent := 0
	for {
		ev, err := next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, bus.ErrUnsubscribed) {
				log.WithError(err).Debug("stream ended")
			}
			break
		}
		_ = ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		if err := ws.WriteJSON(ev); err != nil {
			log.WithError(err).Debug("websocket write failed")
			break
		}
		sent++
	}
	cancel()

	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	log.WithFields(logger.Fields{"sent": sent}).Info("websocket client disconnected")
}
