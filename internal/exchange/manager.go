package exchange

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"cryptostream/config"
	"cryptostream/internal/rest"
	"cryptostream/logger"
)

// Manager owns one connector per enabled exchange.
type Manager struct {
	connectors map[string]*Connector
	log        *logger.Log
}

// NewManager builds a connector for every exchange enabled in cfg. All
// connectors share client, which keeps one rate limiter per exchange.
func NewManager(cfg *config.Config, client *rest.Client, log *logger.Log) (*Manager, error) {
	if log == nil {
		log = logger.GetLogger()
	}
	if client == nil {
		client = rest.New(cfg.HTTP, log)
	}
	m := &Manager{connectors: make(map[string]*Connector), log: log}
	for _, kind := range Kinds() {
		ec, _ := cfg.Exchanges.ByName(kind.String())
		if !ec.Enabled {
			continue
		}
		conn, err := NewConnector(kind, ec, cfg.Stream, cfg.HTTP, client, log)
		if err != nil {
			return nil, err
		}
		m.connectors[kind.String()] = conn
	}
	log.WithComponent("exchange_manager").WithFields(logger.Fields{
		"exchanges": m.List(),
	}).Info("exchange connectors created")
	return m, nil
}

// Add registers a connector, replacing any previous one of the same kind.
func (m *Manager) Add(c *Connector) {
	m.connectors[c.Name()] = c
}

// Get returns the connector for a case-insensitive exchange id.
func (m *Manager) Get(name string) (*Connector, error) {
	if c, ok := m.connectors[strings.ToLower(strings.TrimSpace(name))]; ok {
		return c, nil
	}
	return nil, &UnknownExchangeError{Name: name, Available: m.List()}
}

func (m *Manager) Has(name string) bool {
	_, ok := m.connectors[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// List returns the enabled exchange ids, sorted.
func (m *Manager) List() []string {
	out := make([]string, 0, len(m.connectors))
	for name := range m.connectors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// WithCapability returns the connectors supporting cap, sorted by name.
func (m *Manager) WithCapability(cap Capability) []*Connector {
	var out []*Connector
	for _, name := range m.List() {
		if c := m.connectors[name]; c.Supports(cap) {
			out = append(out, c)
		}
	}
	return out
}

// Init pings every connector. Failures are logged, not fatal: a venue that
// is down at startup is retried by its streams.
func (m *Manager) Init(ctx context.Context) {
	for name, ok := range m.HealthCheck(ctx) {
		entry := m.log.WithComponent("exchange_manager").WithField("exchange", name)
		if ok {
			entry.Info("exchange reachable")
		} else {
			entry.Warn("exchange unreachable at startup")
		}
	}
}

// HealthCheck pings every connector concurrently.
func (m *Manager) HealthCheck(ctx context.Context) map[string]bool {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[string]bool, len(m.connectors))
	)
	for name, c := range m.connectors {
		wg.Add(1)
		go func(name string, c *Connector) {
			defer wg.Done()
			err := c.Ping(ctx)
			if err != nil {
				m.log.WithComponent("exchange_manager").WithError(err).WithField("exchange", name).Debug("ping failed")
			}
			mu.Lock()
			out[name] = err == nil
			mu.Unlock()
		}(name, c)
	}
	wg.Wait()
	return out
}

// Shutdown stops every live stream of every connector.
func (m *Manager) Shutdown() {
	for _, name := range m.List() {
		m.connectors[name].Shutdown()
	}
	m.log.WithComponent("exchange_manager").Info("exchange connectors stopped")
}
