package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"

	"cryptostream/internal/exchange"
	"cryptostream/internal/models"
	"cryptostream/internal/rest"
	"cryptostream/logger"
)

// statusFor maps connector errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, exchange.ErrUnknownExchange),
		errors.Is(err, exchange.ErrCapabilityUnsupported),
		errors.Is(err, exchange.ErrNoData):
		return http.StatusNotFound
	case errors.Is(err, rest.ErrRateLimited):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(c *gin.Context, operation string, err error) {
	code := statusFor(err)
	entry := s.log.WithComponent("api").WithError(err).WithFields(logger.Fields{
		"operation": operation,
		"exchange":  c.Param("exchange"),
		"symbol":    c.Param("symbol"),
		"status":    code,
	})
	if code == http.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Debug("request rejected")
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

// queryInt reads an integer query parameter bounded to [min, max].
func queryInt(c *gin.Context, name string, def, min, max int) (int, error) {
	v := c.Query(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < min || n > max {
		return 0, fmt.Errorf("%s must be an integer between %d and %d", name, min, max)
	}
	return n, nil
}

func (s *Server) connector(c *gin.Context) (*exchange.Connector, bool) {
	conn, err := s.deps.Exchanges.Get(c.Param("exchange"))
	if err != nil {
		s.fail(c, "lookup", err)
		return nil, false
	}
	return conn, true
}

func validInterval(c *gin.Context, interval string) bool {
	if _, err := exchange.IntervalDuration(interval); err != nil {
		badRequest(c, err)
		return false
	}
	return true
}

func (s *Server) handleOHLC(c *gin.Context) {
	limit, err := queryInt(c, "limit", 500, 1, 1500)
	if err != nil {
		badRequest(c, err)
		return
	}
	interval := c.Param("interval")
	if !validInterval(c, interval) {
		return
	}
	conn, ok := s.connector(c)
	if !ok {
		return
	}
	candles, err := conn.FetchOHLC(c.Request.Context(), c.Param("symbol"), interval, limit)
	if err != nil {
		s.fail(c, "ohlc", err)
		return
	}
	c.JSON(http.StatusOK, candles)
}

func (s *Server) handleOpenInterest(c *gin.Context) {
	conn, ok := s.connector(c)
	if !ok {
		return
	}
	oi, err := conn.FetchOpenInterest(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		s.fail(c, "open_interest", err)
		return
	}
	c.JSON(http.StatusOK, oi)
}

func (s *Server) handleOpenInterestHistory(c *gin.Context) {
	limit, err := queryInt(c, "limit", 30, 1, 500)
	if err != nil {
		badRequest(c, err)
		return
	}
	period := c.DefaultQuery("period", "5m")
	if !validInterval(c, period) {
		return
	}
	conn, ok := s.connector(c)
	if !ok {
		return
	}
	hist, err := conn.FetchOpenInterestHistory(c.Request.Context(), c.Param("symbol"), period, limit)
	if err != nil {
		s.fail(c, "open_interest_history", err)
		return
	}
	c.JSON(http.StatusOK, hist)
}

func (s *Server) handleFunding(c *gin.Context) {
	conn, ok := s.connector(c)
	if !ok {
		return
	}
	fr, err := conn.FetchFundingRate(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		s.fail(c, "funding_rate", err)
		return
	}
	c.JSON(http.StatusOK, fr)
}

func (s *Server) handleFundingHistory(c *gin.Context) {
	limit, err := queryInt(c, "limit", 100, 1, 1000)
	if err != nil {
		badRequest(c, err)
		return
	}
	conn, ok := s.connector(c)
	if !ok {
		return
	}
	hist, err := conn.FetchFundingHistory(c.Request.Context(), c.Param("symbol"), limit)
	if err != nil {
		s.fail(c, "funding_history", err)
		return
	}
	c.JSON(http.StatusOK, hist)
}

// handleMultiOHLC fetches the same market from every OHLC capable exchange
// concurrently. A failing exchange contributes an empty list.
func (s *Server) handleMultiOHLC(c *gin.Context) {
	limit, err := queryInt(c, "limit", 200, 1, 1000)
	if err != nil {
		badRequest(c, err)
		return
	}
	interval := c.Param("interval")
	if !validInterval(c, interval) {
		return
	}
	symbol := c.Param("symbol")

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[string][]models.Candle)
	)
	for _, conn := range s.deps.Exchanges.WithCapability(exchange.CapOHLC) {
		wg.Add(1)
		go func(conn *exchange.Connector) {
			defer wg.Done()
			candles, err := conn.FetchOHLC(c.Request.Context(), symbol, interval, limit)
			if err != nil {
				s.log.WithComponent("api").WithError(err).WithField("exchange", conn.Name()).Warn("multi ohlc fetch failed")
				candles = []models.Candle{}
			}
			mu.Lock()
			out[conn.Name()] = candles
			mu.Unlock()
		}(conn)
	}
	wg.Wait()
	c.JSON(http.StatusOK, out)
}
