package stream

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"cryptostream/config"
	"cryptostream/internal/metrics"
	"cryptostream/logger"
)

// Handler receives one data frame at a time. A returned error marks the frame
// as malformed: it is logged, counted and skipped while the connection stays up.
type Handler func([]byte) error

// Config describes one managed websocket connection.
type Config struct {
	// Name is the stream key, e.g. "binance:kline:BTCUSDT:1m".
	Name     string
	Exchange string
	URL      string
	Header   http.Header

	// Handshake returns the messages written after every successful dial,
	// before the connection counts as CONNECTED.
	Handshake func() [][]byte

	Backoff Backoff
	// MaxAttempts bounds consecutive reconnect attempts; 0 means unlimited.
	MaxAttempts      int
	IdleTimeout      time.Duration
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	// PingMessage is written as a text frame on every ping tick. When nil a
	// websocket control ping is sent instead.
	PingMessage []byte

	// OnState observes every transition. It must not block.
	OnState func(name string, s State)
}

// NewConfig fills the timing fields from the stream section of the service
// configuration.
func NewConfig(name, exchange, url string, sc config.StreamConfig) Config {
	return Config{
		Name:             name,
		Exchange:         exchange,
		URL:              url,
		Backoff:          Backoff{Base: sc.ReconnectBaseDelay, Max: sc.ReconnectMaxDelay},
		MaxAttempts:      sc.MaxReconnectAttempts,
		IdleTimeout:      sc.IdleTimeout,
		HandshakeTimeout: sc.HandshakeTimeout,
		PingInterval:     sc.PingInterval,
	}
}

const (
	defaultIdleTimeout      = 35 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	writeTimeout            = 5 * time.Second
)

// Conn is a websocket connection that keeps itself alive: it reconnects with
// exponential backoff, detects idle sockets and pings on an interval.
type Conn struct {
	cfg     Config
	handler Handler
	log     *logger.Entry
	dialer  *websocket.Dialer

	state      atomic.Int32
	malformed  atomic.Int64
	reconnects atomic.Int64

	mu        sync.Mutex
	attempts  int
	nextRetry time.Time
	started   bool
	stopped   bool
	cancel    context.CancelFunc
	done      chan struct{}

	writeMu sync.Mutex
	ws      *websocket.Conn
}

func New(cfg Config, handler Handler, log *logger.Log) *Conn {
	if log == nil {
		log = logger.GetLogger()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	c := &Conn{
		cfg:     cfg,
		handler: handler,
		log: log.WithComponent("stream").WithFields(logger.Fields{
			"stream":   cfg.Name,
			"exchange": cfg.Exchange,
		}),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		done: make(chan struct{}),
	}
	c.state.Store(int32(Disconnected))
	return c
}

func (c *Conn) Name() string { return c.cfg.Name }

func (c *Conn) State() State { return State(c.state.Load()) }

// Attempts returns the current count of consecutive failed attempts.
func (c *Conn) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// NextRetry is the deadline of the pending reconnect, zero when none.
func (c *Conn) NextRetry() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextRetry
}

func (c *Conn) Malformed() int64 { return c.malformed.Load() }

func (c *Conn) Reconnects() int64 { return c.reconnects.Load() }

// Done is closed once the connection reached TERMINATED.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Start launches the connection loop. It returns immediately; calling it
// more than once, or after Stop, has no effect.
func (c *Conn) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started || c.stopped {
		c.mu.Unlock()
		return
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	register(c)
	go c.run(ctx)
}

// Stop cancels any pending dial, read or backoff wait, closes the socket and
// waits for the loop to exit. It is idempotent.
func (c *Conn) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		<-c.done
		return
	}
	c.stopped = true
	started := c.started
	cancel := c.cancel
	c.mu.Unlock()

	if !started {
		c.setState(Terminated)
		close(c.done)
		return
	}
	cancel()
	<-c.done
}

// Send writes a text frame on the live socket. It fails when the connection
// is not CONNECTED.
func (c *Conn) Send(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.ws == nil {
		return &TransientError{Op: "send", URL: c.cfg.URL, Err: websocket.ErrCloseSent}
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, msg)
}

func (c *Conn) run(ctx context.Context) {
	defer func() {
		c.setState(Terminated)
		unregister(c)
		close(c.done)
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		c.setState(Connecting)

		err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}

		attempt := c.failAttempt()
		if c.cfg.MaxAttempts > 0 && attempt > c.cfg.MaxAttempts {
			c.log.WithError(err).WithField("attempts", attempt-1).Error("reconnect attempts exhausted")
			return
		}

		delay := c.cfg.Backoff.Delay(attempt)
		c.mu.Lock()
		c.nextRetry = time.Now().Add(delay)
		c.mu.Unlock()
		c.setState(Reconnecting)
		c.reconnects.Add(1)
		metrics.StreamReconnect(c.cfg.Name)
		metrics.EmitMetric(nil, "stream", "stream_reconnects", 1, "counter", logger.Fields{"exchange": c.cfg.Exchange})
		c.log.WithError(err).WithFields(logger.Fields{
			"attempt": attempt,
			"delay":   delay.String(),
		}).Warn("websocket disconnected, reconnecting")

		if waitForReconnect(ctx, delay) {
			return
		}
	}
}

func (c *Conn) failAttempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	return c.attempts
}

// session runs one dial-handshake-read cycle and returns why it ended.
func (c *Conn) session(ctx context.Context) error {
	dialCtx, cancelDial := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	ws, _, err := c.dialer.DialContext(dialCtx, c.cfg.URL, c.cfg.Header)
	cancelDial()
	if err != nil {
		return &TransientError{Op: "dial", URL: c.cfg.URL, Err: err}
	}
	defer ws.Close()

	if c.cfg.Handshake != nil {
		for _, msg := range c.cfg.Handshake() {
			_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return &TransientError{Op: "handshake", URL: c.cfg.URL, Err: err}
			}
		}
	}

	c.writeMu.Lock()
	c.ws = ws
	c.writeMu.Unlock()
	defer func() {
		c.writeMu.Lock()
		c.ws = nil
		c.writeMu.Unlock()
	}()

	c.mu.Lock()
	c.attempts = 0
	c.nextRetry = time.Time{}
	c.mu.Unlock()
	c.setState(Connected)

	idle := c.cfg.IdleTimeout
	_ = ws.SetReadDeadline(time.Now().Add(idle))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(idle))
	})

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sessCtx.Done()
		// unblocks ReadMessage on Stop
		_ = ws.Close()
	}()
	if c.cfg.PingInterval > 0 {
		go c.pingLoop(sessCtx, ws)
	}

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return &TransientError{Op: "read", URL: c.cfg.URL, Err: err}
		}
		_ = ws.SetReadDeadline(time.Now().Add(idle))
		logger.RecordFlow(c.cfg.Exchange+"_ws", len(msg))

		if c.handler == nil {
			continue
		}
		if err := c.handler(msg); err != nil {
			c.malformed.Add(1)
			metrics.EmitDropMetric(nil, metrics.DropMetricMalformed, c.cfg.Exchange, c.cfg.Name, "", "parse")
			c.log.WithError(err).Debug("dropping malformed message")
		}
	}
}

func (c *Conn) pingLoop(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var err error
			if c.cfg.PingMessage != nil {
				c.writeMu.Lock()
				_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
				err = ws.WriteMessage(websocket.TextMessage, c.cfg.PingMessage)
				c.writeMu.Unlock()
			} else {
				err = ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			}
			if err != nil {
				c.log.WithError(err).Warn("failed to send websocket ping")
				_ = ws.Close()
				return
			}
		}
	}
}

func (c *Conn) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	if prev == s {
		return
	}
	metrics.SetStreamState(c.cfg.Name, int(s))
	c.log.WithFields(logger.Fields{"from": prev.String(), "to": s.String()}).Debug("stream state changed")
	if c.cfg.OnState != nil {
		c.cfg.OnState(c.cfg.Name, s)
	}
}

func waitForReconnect(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}
