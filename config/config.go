package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App         AppConfig         `yaml:"app"`
	Logging     LoggingConfig     `yaml:"logging"`
	API         APIConfig         `yaml:"api"`
	Bus         BusConfig         `yaml:"bus"`
	Stream      StreamConfig      `yaml:"stream"`
	HTTP        HTTPConfig        `yaml:"http"`
	Exchanges   ExchangesConfig   `yaml:"exchanges"`
	Aggregators AggregatorsConfig `yaml:"aggregators"`
	Detector    DetectorConfig    `yaml:"detector"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level          string        `yaml:"level"`
	Format         string        `yaml:"format"`
	Output         string        `yaml:"output"`
	MaxAge         int           `yaml:"max_age"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

type APIConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`
	ResourceHistory int           `yaml:"resource_history"`
	SampleInterval  time.Duration `yaml:"sample_interval"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
}

type BusConfig struct {
	QueueSize int `yaml:"queue_size"`
}

// StreamConfig drives every websocket state machine.
type StreamConfig struct {
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	IdleTimeout          time.Duration `yaml:"idle_timeout"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	OutputBuffer         int           `yaml:"output_buffer"`
}

type HTTPConfig struct {
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	UserAgent         string        `yaml:"user_agent"`
	Retry             RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

type ExchangesConfig struct {
	Binance     ExchangeConfig `yaml:"binance"`
	Bybit       ExchangeConfig `yaml:"bybit"`
	OKX         ExchangeConfig `yaml:"okx"`
	Hyperliquid ExchangeConfig `yaml:"hyperliquid"`
	Kucoin      ExchangeConfig `yaml:"kucoin"`
}

// ExchangeConfig holds endpoints and the default symbol set of one venue.
// Symbols use the canonical BASEQUOTE form.
type ExchangeConfig struct {
	Enabled bool     `yaml:"enabled"`
	RestURL string   `yaml:"rest_url"`
	WSURL   string   `yaml:"ws_url"`
	Symbols []string `yaml:"symbols"`
}

// ByName returns the exchange section for a lowercase exchange id.
func (e ExchangesConfig) ByName(name string) (ExchangeConfig, bool) {
	switch strings.ToLower(name) {
	case "binance":
		return e.Binance, true
	case "bybit":
		return e.Bybit, true
	case "okx":
		return e.OKX, true
	case "hyperliquid":
		return e.Hyperliquid, true
	case "kucoin":
		return e.Kucoin, true
	}
	return ExchangeConfig{}, false
}

type AggregatorsConfig struct {
	Liquidations AggregatorConfig `yaml:"liquidations"`
	LargeTrades  AggregatorConfig `yaml:"large_trades"`
	RestartDelay time.Duration    `yaml:"restart_delay"`
}

// AggregatorConfig sets the global USD floor of one aggregator. An empty
// Exchanges list means every connector with the capability.
type AggregatorConfig struct {
	Enabled     bool     `yaml:"enabled"`
	MinValueUSD float64  `yaml:"min_value_usd"`
	Exchanges   []string `yaml:"exchanges"`
	Symbols     []string `yaml:"symbols"`
}

type DetectorConfig struct {
	Enabled       bool               `yaml:"enabled"`
	Exchange      string             `yaml:"exchange"`
	Timeframes    []string           `yaml:"timeframes"`
	Interval      time.Duration      `yaml:"interval"`
	Symbols       []string           `yaml:"symbols"`
	SymbolsLimit  int                `yaml:"symbols_limit"`
	WindowSize    int                `yaml:"window_size"`
	MinSamples    int                `yaml:"min_samples"`
	Thresholds    map[string]float64 `yaml:"thresholds"`
	MinOIUSD      map[string]float64 `yaml:"min_oi_usd"`
	MinVolumeUSD  map[string]float64 `yaml:"min_volume_usd"`
	Backfill      bool               `yaml:"backfill"`
	BackfillLimit int                `yaml:"backfill_limit"`
}

type KafkaConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Brokers     []string `yaml:"brokers"`
	Topics      []string `yaml:"topics"`
	TopicPrefix string   `yaml:"topic_prefix"`
	QueueSize   int      `yaml:"queue_size"`
}

type MetricsConfig struct {
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

var defaultSymbols = []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}

// Default returns the configuration used when a key is absent from the file.
func Default() Config {
	symbols := func() []string { return append([]string(nil), defaultSymbols...) }
	return Config{
		App: AppConfig{Name: "cryptostream", Version: "dev"},
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "json",
			Output:         "stdout",
			ReportInterval: 30 * time.Second,
		},
		API: APIConfig{
			Enabled:         true,
			Address:         "0.0.0.0:8000",
			ResourceHistory: 120,
			SampleInterval:  5 * time.Second,
			WriteTimeout:    10 * time.Second,
		},
		Bus: BusConfig{QueueSize: 1000},
		Stream: StreamConfig{
			ReconnectBaseDelay:   time.Second,
			ReconnectMaxDelay:    30 * time.Second,
			MaxReconnectAttempts: 10,
			IdleTimeout:          35 * time.Second,
			PingInterval:         20 * time.Second,
			HandshakeTimeout:     10 * time.Second,
			OutputBuffer:         256,
		},
		HTTP: HTTPConfig{
			Timeout:           10 * time.Second,
			RequestsPerSecond: 10,
			Burst:             10,
			UserAgent:         "cryptostream/1.0",
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   1500 * time.Millisecond,
				MaxDelay:    30 * time.Second,
			},
		},
		Exchanges: ExchangesConfig{
			Binance: ExchangeConfig{
				Enabled: true,
				RestURL: "https://fapi.binance.com",
				WSURL:   "wss://fstream.binance.com/ws",
				Symbols: symbols(),
			},
			Bybit: ExchangeConfig{
				Enabled: true,
				RestURL: "https://api.bybit.com",
				WSURL:   "wss://stream.bybit.com/v5/public/linear",
				Symbols: symbols(),
			},
			OKX: ExchangeConfig{
				Enabled: true,
				RestURL: "https://www.okx.com",
				WSURL:   "wss://ws.okx.com:8443/ws/v5/public",
				Symbols: symbols(),
			},
			Hyperliquid: ExchangeConfig{
				Enabled: true,
				RestURL: "https://api.hyperliquid.xyz",
				WSURL:   "wss://api.hyperliquid.xyz/ws",
				Symbols: symbols(),
			},
			Kucoin: ExchangeConfig{
				Enabled: false,
				RestURL: "https://api-futures.kucoin.com",
				Symbols: symbols(),
			},
		},
		Aggregators: AggregatorsConfig{
			Liquidations: AggregatorConfig{Enabled: true, MinValueUSD: 50000},
			LargeTrades:  AggregatorConfig{Enabled: true, MinValueUSD: 50000},
			RestartDelay: 5 * time.Second,
		},
		Detector: DetectorConfig{
			Enabled:       true,
			Exchange:      "binance",
			Timeframes:    []string{"5m", "15m", "1h"},
			SymbolsLimit:  80,
			WindowSize:    100,
			MinSamples:    10,
			Thresholds:    map[string]float64{"5m": 3.0, "15m": 2.5, "1h": 2.0},
			MinOIUSD:      map[string]float64{"5m": 500_000, "15m": 1_000_000, "1h": 2_500_000},
			MinVolumeUSD:  map[string]float64{"5m": 100_000, "15m": 250_000, "1h": 1_000_000},
			Backfill:      true,
			BackfillLimit: 50,
		},
		Kafka: KafkaConfig{
			Topics:      []string{"liquidation", "large_trade", "oi_spike"},
			TopicPrefix: "cryptostream.",
			QueueSize:   5000,
		},
		Metrics: MetricsConfig{
			CloudWatch: CloudWatchConfig{Namespace: "CryptoStream", Dashboard: "CryptoStream"},
		},
	}
}

// LoadConfig reads path, applies it on top of Default, then environment
// overrides, then validates.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnvOverrides(&config); err != nil {
		return nil, err
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv("LARGE_TRADE_THRESHOLD_USD")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("LARGE_TRADE_THRESHOLD_USD: %w", err)
		}
		cfg.Aggregators.LargeTrades.MinValueUSD = f
	}
	if v := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}
	if v := strings.TrimSpace(os.Getenv("AWS_REGION")); v != "" && cfg.Metrics.CloudWatch.Region == "" {
		cfg.Metrics.CloudWatch.Region = v
	}
	if v := strings.TrimSpace(os.Getenv("API_ADDRESS")); v != "" {
		cfg.API.Address = v
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func validateConfig(cfg *Config) error {
	if cfg.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}

	if cfg.Bus.QueueSize <= 0 {
		return fmt.Errorf("bus.queue_size must be greater than 0")
	}

	if cfg.Stream.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("stream.reconnect_base_delay must be greater than 0")
	}
	if cfg.Stream.ReconnectMaxDelay < cfg.Stream.ReconnectBaseDelay {
		return fmt.Errorf("stream.reconnect_max_delay must not be lower than stream.reconnect_base_delay")
	}
	if cfg.Stream.MaxReconnectAttempts < 0 {
		return fmt.Errorf("stream.max_reconnect_attempts must not be negative")
	}
	if cfg.Stream.IdleTimeout <= 0 {
		return fmt.Errorf("stream.idle_timeout must be greater than 0")
	}
	if cfg.Stream.PingInterval <= 0 || cfg.Stream.PingInterval >= cfg.Stream.IdleTimeout {
		return fmt.Errorf("stream.ping_interval must be greater than 0 and lower than stream.idle_timeout")
	}

	if cfg.HTTP.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("http.retry.max_attempts must be greater than 0")
	}
	if cfg.HTTP.Retry.BaseDelay <= 0 {
		return fmt.Errorf("http.retry.base_delay must be greater than 0")
	}
	if cfg.HTTP.RequestsPerSecond <= 0 {
		return fmt.Errorf("http.requests_per_second must be greater than 0")
	}

	if cfg.Aggregators.Liquidations.MinValueUSD < 0 || cfg.Aggregators.LargeTrades.MinValueUSD < 0 {
		return fmt.Errorf("aggregators min_value_usd must not be negative")
	}

	if cfg.Detector.Enabled {
		if len(cfg.Detector.Timeframes) == 0 {
			return fmt.Errorf("detector.timeframes must not be empty")
		}
		if cfg.Detector.WindowSize <= 0 {
			return fmt.Errorf("detector.window_size must be greater than 0")
		}
		if cfg.Detector.MinSamples < 2 || cfg.Detector.MinSamples > cfg.Detector.WindowSize {
			return fmt.Errorf("detector.min_samples must be between 2 and detector.window_size")
		}
		for _, tf := range cfg.Detector.Timeframes {
			if _, ok := cfg.Detector.Thresholds[tf]; !ok {
				return fmt.Errorf("detector.thresholds has no entry for timeframe %q", tf)
			}
		}
	}

	if cfg.Kafka.Enabled && len(cfg.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required when kafka is enabled")
	}

	return nil
}
