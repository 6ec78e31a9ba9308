package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/promora/proctor/internal/event"
	"github.com/promora/proctor/internal/metrics"
	"github.com/promora/proctor/internal/retry"
	"github.com/promora/proctor/internal/watcher"
)

const (
	applyAttempts  = 5
	applyBaseDelay = 50 * time.Millisecond
)

// KafkaConfig describes the consumer side of the platform event bus.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// messageSource abstracts the kafka reader so the bridge loop is testable
// without a broker. *kafka.Reader satisfies it.
type messageSource interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Bridge consumes raw event JSON from the platform's Kafka bus and feeds the
// Ingestor. Offsets commit only after a successful apply, so a crash
// redelivers instead of dropping; poison messages commit immediately so they
// cannot wedge the partition.
type Bridge struct {
	source   messageSource
	ingestor *Ingestor
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewBridge builds a consumer-group bridge on the configured brokers.
func NewBridge(cfg KafkaConfig, ing *Ingestor, logger *slog.Logger) *Bridge {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1, // live monitoring wants events now, not batched
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		StartOffset:    kafka.FirstOffset,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
	})
	return &Bridge{
		source:   reader,
		ingestor: ing,
		logger:   logger,
		stop:     make(chan struct{}, 1),
	}
}

// Running reports whether the consume loop is active.
func (b *Bridge) Running() bool {
	return b.running.Load()
}

// Start runs the consume loop. Blocks until Stop or ctx is done.
func (b *Bridge) Start(ctx context.Context) {
	b.running.Store(true)
	defer b.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stop:
			return
		default:
		}

		msg, err := b.source.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				// Cancelled, or the reader was closed by Stop.
				return
			}
			b.logger.Warn("kafka fetch failed", "error", err)
			continue
		}
		b.handle(ctx, msg)
	}
}

// Stop signals the loop and closes the reader, unblocking a pending fetch.
func (b *Bridge) Stop() {
	select {
	case b.stop <- struct{}{}:
	default:
	}
	_ = b.source.Close()
}

func (b *Bridge) handle(ctx context.Context, msg kafka.Message) {
	var raw event.RawEvent
	if err := json.Unmarshal(msg.Value, &raw); err != nil {
		metrics.MalformedEventsTotal.Inc()
		b.logger.Warn("dropping undecodable bus message",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
		b.commit(ctx, msg)
		return
	}

	// Backpressure means the session queue is momentarily full; everything
	// else is final for this message.
	err := retry.Do(ctx, applyAttempts, applyBaseDelay, func() error {
		err := b.ingestor.Ingest(ctx, raw)
		if err != nil && !errors.Is(err, watcher.ErrBackpressure) {
			return retry.Permanent(err)
		}
		return err
	})

	switch {
	case err == nil:
		b.commit(ctx, msg)
	case event.IsMalformed(err):
		// Already counted by the ingestor; skip past it.
		b.commit(ctx, msg)
	case errors.Is(err, watcher.ErrSessionClosed):
		b.logger.Debug("event for closed session dropped",
			"sessionId", raw.SessionID,
			"offset", msg.Offset,
		)
		b.commit(ctx, msg)
	default:
		// Still backpressured or cancelled. Leave uncommitted so the group
		// redelivers after a restart or rebalance.
		b.logger.Warn("event not applied, leaving offset uncommitted",
			"sessionId", raw.SessionID,
			"offset", msg.Offset,
			"error", err,
		)
	}
}

func (b *Bridge) commit(ctx context.Context, msg kafka.Message) {
	if err := b.source.CommitMessages(ctx, msg); err != nil {
		b.logger.Warn("kafka commit failed", "offset", msg.Offset, "error", err)
	}
}
