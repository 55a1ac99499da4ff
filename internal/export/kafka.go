package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"github.com/truvis/pricestream/internal/model"
)

// MessageWriter writes messages to a topic. *kafka.Writer implements it.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// TickMessage is the exported JSON form of a tick.
type TickMessage struct {
	StockCode  string          `json:"stockCode"`
	Price      decimal.Decimal `json:"price"`
	Change     decimal.Decimal `json:"change"`
	ChangeRate decimal.Decimal `json:"changeRate"`
	Volume     int64           `json:"volume"`
	TradeTime  time.Time       `json:"tradeTime"`
	ReceivedAt time.Time       `json:"receivedAt"`
	Source     string          `json:"source"`
}

// NewTickMessage converts a tick for export.
func NewTickMessage(t model.PriceTick, source string) TickMessage {
	return TickMessage{
		StockCode:  string(t.Instrument),
		Price:      t.Price,
		Change:     t.Change,
		ChangeRate: t.ChangeRate,
		Volume:     t.Volume,
		TradeTime:  t.TradeTime,
		ReceivedAt: t.ReceivedAt,
		Source:     source,
	}
}

// WriterConfig holds Kafka writer settings.
type WriterConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
}

// NewKafkaWriter creates an async writer that hashes on the message key.
func NewKafkaWriter(cfg WriterConfig, logger *slog.Logger) *kafka.Writer {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout == 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				logger.Warn("kafka batch failed", "messages", len(msgs), "error", err)
			}
		},
	}
}

// Stats contains exporter statistics.
type Stats struct {
	Published int64
	Errors    int64
}

// TickPublisher exports ticks as bus consumer.
type TickPublisher struct {
	writer       MessageWriter
	source       string
	writeTimeout time.Duration
	logger       *slog.Logger

	published atomic.Int64
	errors    atomic.Int64
}

// NewTickPublisher creates a publisher. source tags every message, normally
// the instance id.
func NewTickPublisher(writer MessageWriter, source string, writeTimeout time.Duration, logger *slog.Logger) *TickPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &TickPublisher{
		writer:       writer,
		source:       source,
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

// Publish writes one tick.
func (p *TickPublisher) Publish(ctx context.Context, tick model.PriceTick) error {
	payload, err := json.Marshal(NewTickMessage(tick, p.source))
	if err != nil {
		return fmt.Errorf("encode tick: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.writeTimeout)
	defer cancel()

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(tick.Instrument),
		Value: payload,
		Time:  tick.ReceivedAt,
	})
	if err != nil {
		p.errors.Add(1)
		return fmt.Errorf("write tick %s: %w", tick.Instrument, err)
	}

	p.published.Add(1)
	return nil
}

// HandleTick is the bus handler. Failures are logged and counted.
func (p *TickPublisher) HandleTick(ctx context.Context, tick model.PriceTick) {
	if err := p.Publish(ctx, tick); err != nil {
		p.logger.Warn("tick export failed", "instrument", tick.Instrument, "error", err)
	}
}

// Close flushes pending messages and closes the writer.
func (p *TickPublisher) Close() error {
	return p.writer.Close()
}

// Stats returns exporter statistics.
func (p *TickPublisher) Stats() Stats {
	return Stats{
		Published: p.published.Load(),
		Errors:    p.errors.Load(),
	}
}
