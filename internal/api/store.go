package api

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"cryptostream/internal/metrics"
)

const defaultDebugHistory = 200

// recent holds the last len(buf) values written to it.
type recent[T any] struct {
	mu   sync.RWMutex
	buf  []T
	next int
	full bool
}

func newRecent[T any](size int) *recent[T] {
	if size <= 0 {
		size = defaultDebugHistory
	}
	return &recent[T]{buf: make([]T, size)}
}

func (r *recent[T]) add(v T) {
	r.mu.Lock()
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// collect returns the values accepted by keep, oldest first.
func (r *recent[T]) collect(keep func(T) bool) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	start, n := 0, r.next
	if r.full {
		start, n = r.next, len(r.buf)
	}
	out := make([]T, 0, n)
	for i := 0; i < n; i++ {
		if v := r.buf[(start+i)%len(r.buf)]; keep(v) {
			out = append(out, v)
		}
	}
	return out
}

// metricStore backs /debug/metrics. It is registered as a metrics handler.
type metricStore struct {
	*recent[metrics.Metric]
}

func newMetricStore(size int) *metricStore {
	return &metricStore{recent: newRecent[metrics.Metric](size)}
}

func (s *metricStore) handle(m metrics.Metric) { s.add(m) }

// snapshot narrows by component and by the exchange label when either is set.
func (s *metricStore) snapshot(component, exchange string) []metrics.Metric {
	return s.collect(func(m metrics.Metric) bool {
		if component != "" && m.Component != component {
			return false
		}
		return exchange == "" || m.Label("exchange") == exchange
	})
}

type logRecord struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`

	level logrus.Level
}

// logStore is the logrus hook behind /debug/logs. Debug and trace entries
// are never kept.
type logStore struct {
	records *recent[logRecord]
	closed  atomic.Bool
}

func newLogStore(size int) *logStore {
	return &logStore{records: newRecent[logRecord](size)}
}

func (s *logStore) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel, logrus.InfoLevel}
}

func (s *logStore) Fire(entry *logrus.Entry) error {
	if s.closed.Load() {
		return nil
	}
	component, _ := entry.Data["component"].(string)
	s.records.add(logRecord{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Component: component,
		Message:   entry.Message,
		Fields:    plainFields(entry.Data),
		level:     entry.Level,
	})
	return nil
}

// plainFields copies data without the component key, flattening errors and
// Stringers so the record encodes as readable JSON.
func plainFields(data logrus.Fields) map[string]interface{} {
	if len(data) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		switch val := v.(type) {
		case error:
			out[k] = val.Error()
		case fmt.Stringer:
			out[k] = val.String()
		default:
			out[k] = val
		}
	}
	delete(out, "component")
	if len(out) == 0 {
		return nil
	}
	return out
}

func (s *logStore) snapshot(floor logrus.Level) []logRecord {
	return s.records.collect(func(r logRecord) bool { return r.level <= floor })
}

func (s *logStore) close() { s.closed.Store(true) }
