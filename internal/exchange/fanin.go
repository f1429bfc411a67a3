package exchange

import (
	"context"

	"cryptostream/internal/metrics"
	"cryptostream/internal/stream"
)

const defaultOutputBuffer = 256

// wsSpec describes one websocket feed and how its frames become events.
// parse runs on the connection's read goroutine, so it may keep state
// between frames without locking.
type wsSpec[T any] struct {
	name        string
	url         string
	handshake   func() [][]byte
	ping        []byte
	maxAttempts int
	parse       func([]byte) ([]T, error)
}

// openStreams starts one state machine per spec and merges their events into
// a single channel. The channel is closed once ctx is cancelled, or once
// every connection terminated on its own, and after all connections stopped.
func openStreams[T any](ctx context.Context, c *Connector, eventType string, specs []wsSpec[T]) <-chan T {
	size := c.streamCfg.OutputBuffer
	if size <= 0 {
		size = defaultOutputBuffer
	}
	out := make(chan T, size)
	sctx, cancel := context.WithCancel(ctx)

	conns := make([]*stream.Conn, 0, len(specs))
	for _, spec := range specs {
		spec := spec
		cfg := stream.NewConfig(spec.name, c.Name(), spec.url, c.streamCfg)
		cfg.MaxAttempts = spec.maxAttempts
		cfg.Handshake = spec.handshake
		cfg.PingMessage = spec.ping

		handler := func(frame []byte) error {
			events, err := spec.parse(frame)
			if err != nil {
				return err
			}
			for _, ev := range events {
				select {
				case out <- ev:
					metrics.UpstreamEvent(c.Name(), eventType)
				case <-sctx.Done():
					return nil
				}
			}
			return nil
		}
		conn := stream.New(cfg, handler, c.log)
		c.track(conn, cancel)
		conns = append(conns, conn)
	}
	for _, conn := range conns {
		conn.Start(sctx)
	}

	go func() {
		defer close(out)
		defer cancel()
		for _, conn := range conns {
			select {
			case <-conn.Done():
			case <-sctx.Done():
			}
		}
		cancel()
		for _, conn := range conns {
			conn.Stop()
			c.untrack(conn)
		}
		c.entry("stream").WithField("event_type", eventType).Debug("stream closed")
	}()
	return out
}
