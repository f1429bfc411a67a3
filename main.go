package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"cryptostream/config"
	"cryptostream/internal/aggregator"
	"cryptostream/internal/api"
	"cryptostream/internal/bus"
	"cryptostream/internal/candles"
	"cryptostream/internal/detector"
	"cryptostream/internal/exchange"
	"cryptostream/internal/metrics"
	"cryptostream/internal/rest"
	"cryptostream/internal/sink"
	"cryptostream/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	flag.Parse()

	path := config.ResolveConfigPath(*configPath)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		log.WithError(err).WithField("path", path).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	env := config.AppEnvironment()
	log.WithFields(logger.Fields{
		"service":     cfg.App.Name,
		"version":     cfg.App.Version,
		"environment": env,
		"config":      path,
	}).Info("starting cryptostream")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics.InitCloudWatch(ctx, cfg.Metrics.CloudWatch)
	logger.StartReport(ctx, log, cfg.Logging.ReportInterval, metrics.PublishReport)

	client := rest.New(cfg.HTTP, log)
	manager, err := exchange.NewManager(cfg, client, log)
	if err != nil {
		log.WithError(err).Error("failed to create exchange connectors")
		os.Exit(1)
	}
	manager.Init(ctx)

	eventBus := bus.New(cfg.Bus.QueueSize, log)
	hub := candles.NewHub(candles.FromManager(manager), eventBus, cfg.Aggregators.RestartDelay, log)
	components := make(map[string]api.StatsFunc)

	var liquidations *aggregator.Liquidations
	if cfg.Aggregators.Liquidations.Enabled {
		conns := selectConnectors(manager, exchange.CapLiquidations, cfg.Aggregators.Liquidations.Exchanges, log)
		sources := make([]aggregator.LiquidationSource, 0, len(conns))
		for _, c := range conns {
			sources = append(sources, c)
		}
		liquidations = aggregator.NewLiquidations(cfg.Aggregators.Liquidations, cfg.Aggregators.RestartDelay, sources, eventBus, log)
		if err := liquidations.Start(ctx); err != nil {
			log.WithError(err).Warn("liquidation aggregator not started")
			liquidations = nil
		} else {
			components["liquidations"] = func() interface{} { return liquidations.Stats() }
		}
	}

	var largeTrades *aggregator.LargeTrades
	if cfg.Aggregators.LargeTrades.Enabled {
		conns := selectConnectors(manager, exchange.CapLargeTrades, cfg.Aggregators.LargeTrades.Exchanges, log)
		sources := make([]aggregator.TradeSource, 0, len(conns))
		for _, c := range conns {
			sources = append(sources, c)
		}
		largeTrades = aggregator.NewLargeTrades(cfg.Aggregators.LargeTrades, cfg.Aggregators.RestartDelay, sources, eventBus, log)
		if err := largeTrades.Start(ctx); err != nil {
			log.WithError(err).Warn("large trade aggregator not started")
			largeTrades = nil
		} else {
			components["large_trades"] = func() interface{} { return largeTrades.Stats() }
		}
	}

	var spikes *detector.Detector
	if cfg.Detector.Enabled {
		spikes, err = newDetector(ctx, cfg.Detector, manager, eventBus, log)
		if err != nil {
			log.WithError(err).Warn("spike detector not started")
			spikes = nil
		} else {
			components["detector"] = func() interface{} { return spikes.Stats() }
		}
	}

	var kafkaWriter *sink.KafkaWriter
	if cfg.Kafka.Enabled {
		kafkaWriter, err = sink.NewKafkaWriter(cfg.Kafka, eventBus, log)
		if err == nil {
			err = kafkaWriter.Start(ctx)
		}
		if err != nil {
			if config.IsProductionLike(env) {
				log.WithError(err).Error("failed to start kafka writer")
				os.Exit(1)
			}
			log.WithError(err).Warn("kafka writer disabled")
			kafkaWriter = nil
		} else {
			components["kafka"] = func() interface{} {
				written, failed := kafkaWriter.Stats()
				return map[string]int64{"written": written, "failed": failed}
			}
		}
	} else {
		log.WithComponent("main").Info("kafka sink disabled; skipping writer")
	}

	server, err := api.NewServer(cfg.API, cfg.App, api.Deps{
		Exchanges:  manager,
		Bus:        eventBus,
		Candles:    hub,
		Components: components,
	}, log)
	if err != nil {
		log.WithError(err).Error("failed to create api server")
		os.Exit(1)
	}

	var wg sync.WaitGroup
	serverErr := make(chan error, 1)
	if server != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Run(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case err := <-serverErr:
		log.WithError(err).Error("api server failed")
	}

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		if kafkaWriter != nil {
			log.Info("stopping kafka writer")
			kafkaWriter.Stop()
		}
		if spikes != nil {
			log.Info("stopping spike detector")
			spikes.Stop()
		}
		if largeTrades != nil {
			log.Info("stopping large trade aggregator")
			largeTrades.Stop()
		}
		if liquidations != nil {
			log.Info("stopping liquidation aggregator")
			liquidations.Stop()
		}
		hub.Close()
		manager.Shutdown()
		eventBus.Close()
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("cryptostream stopped")
}

// selectConnectors returns the connectors with capability, narrowed to names
// when the list is not empty.
func selectConnectors(m *exchange.Manager, capability exchange.Capability, names []string, log *logger.Log) []*exchange.Connector {
	all := m.WithCapability(capability)
	if len(names) == 0 {
		return all
	}
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[strings.ToLower(strings.TrimSpace(n))] = true
	}
	out := make([]*exchange.Connector, 0, len(all))
	for _, c := range all {
		if wanted[c.Name()] {
			out = append(out, c)
			delete(wanted, c.Name())
		}
	}
	for name := range wanted {
		log.WithComponent("main").WithFields(logger.Fields{
			"exchange":   name,
			"capability": capability.String(),
		}).Warn("configured exchange is disabled or lacks the capability")
	}
	return out
}

func newDetector(ctx context.Context, cfg config.DetectorConfig, m *exchange.Manager, pub detector.Publisher, log *logger.Log) (*detector.Detector, error) {
	conn, err := m.Get(cfg.Exchange)
	if err != nil {
		return nil, err
	}
	d, err := detector.New(cfg, conn, pub, log)
	if err != nil {
		return nil, err
	}
	if err := d.Start(ctx); err != nil {
		return nil, err
	}
	return d, nil
}
