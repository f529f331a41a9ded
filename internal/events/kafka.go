package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ChuLiYu/wheel-sorter/internal/breaker"
)

// ============================================================================
// Error definitions
// ============================================================================

var (
	ErrBufferFull      = errors.New("events: publish buffer full")
	ErrPublisherClosed = errors.New("events: publisher closed")
)

// messageWriter is the subset of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the Kafka publisher.
type KafkaConfig struct {
	Brokers      []string       `yaml:"brokers"`
	Topic        string         `yaml:"topic"`
	BufferSize   int            `yaml:"buffer_size"`
	BatchSize    int            `yaml:"batch_size"`
	WriteTimeout time.Duration  `yaml:"write_timeout"`
	Breaker      breaker.Config `yaml:"-"`
}

func (c *KafkaConfig) defaults() {
	if c.BufferSize <= 0 {
		c.BufferSize = 1024
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 2 * time.Second
	}
}

// KafkaPublisher writes lifecycle events to a topic keyed by parcel id.
type KafkaPublisher struct {
	cfg     KafkaConfig
	writer  messageWriter
	breaker *breaker.Breaker

	ch      chan Lifecycle
	closeMu sync.RWMutex
	closed  bool
	started atomic.Bool
	done    chan struct{}

	published atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
}

// NewKafkaPublisher builds a publisher around a kafka.Writer for cfg.Topic.
func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("events: no kafka brokers configured")
	}
	if cfg.Topic == "" {
		return nil, errors.New("events: no kafka topic configured")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
		Async:        false,
	}
	return newKafkaPublisher(cfg, w), nil
}

func newKafkaPublisher(cfg KafkaConfig, w messageWriter) *KafkaPublisher {
	cfg.defaults()
	return &KafkaPublisher{
		cfg:     cfg,
		writer:  w,
		breaker: breaker.New("kafka:"+cfg.Topic, cfg.Breaker, nil),
		ch:      make(chan Lifecycle, cfg.BufferSize),
		done:    make(chan struct{}),
	}
}

// Publish enqueues ev without blocking.
func (p *KafkaPublisher) Publish(_ context.Context, ev Lifecycle) error {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}
	select {
	case p.ch <- ev:
		return nil
	default:
		p.dropped.Add(1)
		return ErrBufferFull
	}
}

// Run drains the buffer into Kafka until ctx is cancelled or the publisher
// is closed, then writes what is already queued.
func (p *KafkaPublisher) Run(ctx context.Context) error {
	p.started.Store(true)
	defer close(p.done)
	batch := make([]Lifecycle, 0, p.cfg.BatchSize)
	for {
		select {
		case ev, ok := <-p.ch:
			if !ok {
				return nil
			}
			batch = p.fill(append(batch[:0], ev))
			p.flush(ctx, batch)
		case <-ctx.Done():
			for {
				batch = p.fill(batch[:0])
				if len(batch) == 0 {
					return nil
				}
				p.flush(context.Background(), batch)
			}
		}
	}
}

// fill takes whatever is already queued up to BatchSize.
func (p *KafkaPublisher) fill(batch []Lifecycle) []Lifecycle {
	for len(batch) < p.cfg.BatchSize {
		select {
		case ev, ok := <-p.ch:
			if !ok {
				return batch
			}
			batch = append(batch, ev)
		default:
			return batch
		}
	}
	return batch
}

func (p *KafkaPublisher) flush(ctx context.Context, batch []Lifecycle) {
	if len(batch) == 0 {
		return
	}
	msgs := make([]kafka.Message, 0, len(batch))
	for _, ev := range batch {
		value, err := json.Marshal(ev)
		if err != nil {
			p.failed.Add(1)
			log.Error("Failed to encode lifecycle event", "parcel_id", ev.ParcelID, "error", err)
			continue
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(ev.ParcelID),
			Value: value,
			Time:  ev.TerminalAt,
		})
	}
	if len(msgs) == 0 {
		return
	}

	err := p.breaker.Execute(ctx, func(ctx context.Context) error {
		wctx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
		defer cancel()
		return p.writer.WriteMessages(wctx, msgs...)
	})
	if err != nil {
		p.failed.Add(int64(len(msgs)))
		log.Warn("Lifecycle events not published", "count", len(msgs), "topic", p.cfg.Topic, "error", err)
		return
	}
	p.published.Add(int64(len(msgs)))
}

// Stats returns published, dropped and failed counts.
func (p *KafkaPublisher) Stats() (published, dropped, failed int64) {
	return p.published.Load(), p.dropped.Load(), p.failed.Load()
}

// Close stops accepting events, waits for a running Run to drain and
// closes the writer.
func (p *KafkaPublisher) Close() error {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return nil
	}
	p.closed = true
	close(p.ch)
	p.closeMu.Unlock()

	if !p.started.Load() {
		return p.closeWriter()
	}
	select {
	case <-p.done:
	case <-time.After(p.cfg.WriteTimeout + time.Second):
		log.Warn("Lifecycle publisher did not drain before close", "topic", p.cfg.Topic)
	}
	return p.closeWriter()
}

func (p *KafkaPublisher) closeWriter() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	return nil
}
