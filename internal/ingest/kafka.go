// Package ingest feeds events from streaming sources into the engine.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/gyaneshwarpardhi/eventlens/internal/event"
	"github.com/gyaneshwarpardhi/eventlens/internal/metrics"
)

// SourceKafka labels events ingested by the Kafka consumer.
const SourceKafka = "kafka"

// Sink stores decoded events.
type Sink interface {
	Ingest(ctx context.Context, events []event.Event, source string) error
}

// KafkaConfig holds the consumer tunables.
type KafkaConfig struct {
	Brokers     []string
	Topic       string
	GroupID     string
	PollTimeout time.Duration
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer reads JSON events from a topic and hands them to a Sink.
// Delivery is at-least-once up to the sink: a message is committed only after
// it was stored or rejected as undecodable.
type KafkaConsumer struct {
	cfg    KafkaConfig
	reader messageReader
	sink   Sink
	log    *slog.Logger
}

// NewKafkaConsumer validates cfg and builds the group reader.
func NewKafkaConsumer(cfg KafkaConfig, sink Sink, log *slog.Logger) (*KafkaConsumer, error) {
	if sink == nil {
		return nil, errors.New("sink must not be nil")
	}
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("topic must not be empty")
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, errors.New("consumer group must not be empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		Topic:       cfg.Topic,
		StartOffset: kafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	return &KafkaConsumer{cfg: cfg, reader: reader, sink: sink, log: log}, nil
}

// Close shuts down the underlying reader.
func (c *KafkaConsumer) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}

// Run consumes until ctx is cancelled or the reader is closed.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	c.log.Info("event_consumer_started",
		slog.String("topic", c.cfg.Topic),
		slog.String("group", c.cfg.GroupID),
		slog.String("brokers", strings.Join(c.cfg.Brokers, ",")),
		slog.Duration("poll_timeout", c.cfg.PollTimeout),
	)
	defer c.log.Info("event_consumer_stopped")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.PollTimeout)
		msg, err := c.reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			switch {
			case errors.Is(err, context.DeadlineExceeded):
				continue
			case errors.Is(err, context.Canceled):
				if ctx.Err() != nil {
					return ctx.Err()
				}
				continue
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrClosedPipe), errors.Is(err, kafka.ErrGroupClosed):
				return nil
			}
			c.log.Error("event_consumer_fetch_error", slog.Any("err", err), slog.Duration("retry_in", c.cfg.PollTimeout))
			if !c.sleep(ctx, c.cfg.PollTimeout) {
				return ctx.Err()
			}
			continue
		}

		if !c.handle(ctx, msg) {
			continue
		}

		commitCtx, commitCancel := context.WithTimeout(ctx, c.cfg.PollTimeout)
		if err := c.reader.CommitMessages(commitCtx, msg); err != nil {
			if !(errors.Is(err, context.Canceled) && ctx.Err() != nil) {
				c.log.Error("event_consumer_commit_error", slog.Any("err", err))
			}
		}
		commitCancel()
	}
}

// sleep waits d, returning false if ctx ends first.
func (c *KafkaConsumer) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// handle decodes and stores one message. It reports whether the message
// should be committed.
func (c *KafkaConsumer) handle(ctx context.Context, msg kafka.Message) bool {
	ev, err := DecodeEvent(msg.Value)
	if err != nil {
		metrics.EventsRejected.WithLabelValues("decode").Inc()
		c.log.Warn("event_consumer_decode_error", slog.Any("err", err), slog.Int64("offset", msg.Offset))
		return true
	}
	if err := c.sink.Ingest(ctx, []event.Event{ev}, SourceKafka); err != nil {
		c.log.Error("event_consumer_store_error", slog.Any("err", err), slog.Int64("offset", msg.Offset))
		return false
	}
	return true
}

// envelope accepts the event shape with a timestamp that may be RFC3339 or
// Unix milliseconds.
type envelope struct {
	event.Event
	Timestamp json.RawMessage `json:"timestamp"`
	CreatedAt json.RawMessage `json:"created_at"`
}

// DecodeEvent parses a message value into an Event. Numbers in the free-form
// maps are kept as json.Number.
func DecodeEvent(raw []byte) (event.Event, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var env envelope
	if err := dec.Decode(&env); err != nil {
		return event.Event{}, fmt.Errorf("decode event payload: %w", err)
	}
	ev := env.Event
	ev.Kind = strings.TrimSpace(ev.Kind)
	if ev.Kind == "" {
		return event.Event{}, errors.New("event_kind missing or empty")
	}
	ts, err := parseTimestamp(env.Timestamp)
	if err != nil {
		return event.Event{}, err
	}
	ev.Timestamp = ts
	// Processed state and creation time are owned by the store.
	ev.Processed = false
	ev.CreatedAt = time.Time{}
	return ev, nil
}

// parseTimestamp accepts RFC3339/RFC3339Nano strings and Unix milliseconds as
// a string or number. A missing field yields the zero time.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		trimmed := strings.TrimSpace(asString)
		if trimmed == "" {
			return time.Time{}, nil
		}
		if ts, err := time.Parse(time.RFC3339Nano, trimmed); err == nil {
			return ts.UTC(), nil
		}
		if millis, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
			return time.UnixMilli(millis).UTC(), nil
		}
		return time.Time{}, fmt.Errorf("unsupported timestamp %q", trimmed)
	}
	var asNumber json.Number
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		if millis, err := asNumber.Int64(); err == nil {
			return time.UnixMilli(millis).UTC(), nil
		}
		if f, err := asNumber.Float64(); err == nil {
			return time.UnixMilli(int64(f)).UTC(), nil
		}
	}
	return time.Time{}, errors.New("timestamp format not recognized")
}
