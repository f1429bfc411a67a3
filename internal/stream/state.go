package stream

import (
	"fmt"
	"time"
)

// State is the lifecycle position of a managed websocket connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Terminated
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Reconnecting:
		return "RECONNECTING"
	case Terminated:
		return "TERMINATED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Backoff computes reconnect delays: min(Base * 2^(n-1), Max) for the n-th
// consecutive attempt.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

const (
	defaultBackoffBase = time.Second
	defaultBackoffMax  = 30 * time.Second
)

// Delay returns the wait before attempt n (1-based). Attempts below 1 are
// treated as the first.
func (b Backoff) Delay(attempt int) time.Duration {
	base, max := b.Base, b.Max
	if base <= 0 {
		base = defaultBackoffBase
	}
	if max <= 0 {
		max = defaultBackoffMax
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		if d >= max/2 {
			return max
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}

// TransientError wraps a dial, handshake or read failure. The state machine
// recovers from it by reconnecting.
type TransientError struct {
	Op  string
	URL string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }
