// Package sink forwards bus topics to Kafka.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	kafka "github.com/segmentio/kafka-go"

	appconfig "cryptostream/config"
	"cryptostream/internal/bus"
	"cryptostream/internal/metrics"
	"cryptostream/internal/models"
	"cryptostream/logger"
)

// MessageWriter is the part of *kafka.Writer the bridge uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Subscriber is the bus side of the bridge.
type Subscriber interface {
	SubscribeSize(topic string, filter bus.Filter, queueSize int) *bus.Subscription
}

// KafkaWriter subscribes to bus topics and writes every event as JSON to
// <topic_prefix><topic>, keyed by exchange:symbol.
type KafkaWriter struct {
	topics    []string
	prefix    string
	queueSize int
	bus       Subscriber
	writer    MessageWriter
	log       *logger.Log

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	subs    []*bus.Subscription
	wg      sync.WaitGroup

	written atomic.Int64
	failed  atomic.Int64
}

func NewKafkaWriter(cfg appconfig.KafkaConfig, b Subscriber, log *logger.Log) (*KafkaWriter, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}
	kw, err := newKafkaWriter(cfg, b, w, log)
	if err != nil {
		return nil, err
	}
	kw.log.WithComponent("kafka_writer").WithFields(logger.Fields{
		"brokers": cfg.Brokers,
		"topics":  cfg.Topics,
		"prefix":  cfg.TopicPrefix,
	}).Debug("kafka writer initialized")
	return kw, nil
}

func newKafkaWriter(cfg appconfig.KafkaConfig, b Subscriber, w MessageWriter, log *logger.Log) (*KafkaWriter, error) {
	if len(cfg.Topics) == 0 {
		return nil, errors.New("kafka topics not configured")
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &KafkaWriter{
		topics:    cfg.Topics,
		prefix:    cfg.TopicPrefix,
		queueSize: cfg.QueueSize,
		bus:       b,
		writer:    w,
		log:       log,
	}, nil
}

func (kw *KafkaWriter) Start(ctx context.Context) error {
	kw.mu.Lock()
	defer kw.mu.Unlock()
	if kw.running {
		return fmt.Errorf("kafka writer already running")
	}
	kw.running = true
	ctx, kw.cancel = context.WithCancel(ctx)

	for _, topic := range kw.topics {
		sub := kw.bus.SubscribeSize(topic, bus.Filter{}, kw.queueSize)
		kw.subs = append(kw.subs, sub)
		kw.wg.Add(1)
		go kw.run(ctx, sub)
	}
	kw.log.WithComponent("kafka_writer").WithField("topics", kw.topics).Info("kafka bridge started")
	return nil
}

func (kw *KafkaWriter) run(ctx context.Context, sub *bus.Subscription) {
	defer kw.wg.Done()
	log := kw.log.WithComponent("kafka_writer").WithField("topic", sub.Topic)

	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return
		}
		data, err := json.Marshal(ev)
		if err != nil {
			log.WithError(err).Warn("failed to marshal event")
			continue
		}
		msg := kafka.Message{
			Topic: kw.prefix + sub.Topic,
			Key:   []byte(ev.Key()),
			Value: data,
		}
		if err := kw.writer.WriteMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			kw.failed.Add(1)
			exchange, symbol := market(ev)
			metrics.EmitDropMetric(kw.log, metrics.DropMetricSinkFailed, exchange, sub.Topic, symbol, "kafka_write")
			log.WithError(err).Warn("failed to write message")
			continue
		}
		kw.written.Add(1)
		logger.RecordFlow("kafka_"+sub.Topic, len(data))
	}
}

func (kw *KafkaWriter) Stop() {
	kw.mu.Lock()
	if !kw.running {
		kw.mu.Unlock()
		return
	}
	kw.running = false
	cancel := kw.cancel
	subs := kw.subs
	kw.subs = nil
	kw.mu.Unlock()

	kw.log.WithComponent("kafka_writer").Debug("stopping kafka writer")
	cancel()
	for _, s := range subs {
		s.Unsubscribe()
	}
	kw.wg.Wait()
	if err := kw.writer.Close(); err != nil {
		kw.log.WithComponent("kafka_writer").WithError(err).Warn("failed to close kafka writer")
	}
	kw.log.WithComponent("kafka_writer").WithFields(logger.Fields{
		"written": kw.written.Load(),
		"failed":  kw.failed.Load(),
	}).Debug("kafka writer stopped")
}

// Stats returns the number of written and failed messages.
func (kw *KafkaWriter) Stats() (written, failed int64) {
	return kw.written.Load(), kw.failed.Load()
}

// market splits an event key into exchange and symbol.
func market(ev models.Event) (string, string) {
	exchange, symbol, _ := strings.Cut(ev.Key(), ":")
	return exchange, symbol
}
