package stream

import (
	"sort"
	"sync"
	"time"
)

var live sync.Map // *Conn -> struct{}

func register(c *Conn)   { live.Store(c, struct{}{}) }
func unregister(c *Conn) { live.Delete(c) }

// Status is a point-in-time view of one running connection.
type Status struct {
	Name       string    `json:"name"`
	Exchange   string    `json:"exchange"`
	State      string    `json:"state"`
	Attempts   int       `json:"attempts"`
	NextRetry  time.Time `json:"next_retry,omitempty"`
	Malformed  int64     `json:"malformed"`
	Reconnects int64     `json:"reconnects"`
}

func (c *Conn) Status() Status {
	return Status{
		Name:       c.cfg.Name,
		Exchange:   c.cfg.Exchange,
		State:      c.State().String(),
		Attempts:   c.Attempts(),
		NextRetry:  c.NextRetry(),
		Malformed:  c.Malformed(),
		Reconnects: c.Reconnects(),
	}
}

// Snapshot lists every started connection that has not terminated yet,
// sorted by name.
func Snapshot() []Status {
	var out []Status
	live.Range(func(k, _ any) bool {
		out = append(out, k.(*Conn).Status())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
