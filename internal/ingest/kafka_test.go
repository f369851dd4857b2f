package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/eventlens/internal/event"
)

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantTS  time.Time
		wantErr bool
	}{
		{"rfc3339", `{"event_kind":"register","entity_id":"e1","timestamp":"2024-05-01T10:00:00Z"}`,
			time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), false},
		{"unix millis number", `{"event_kind":"view","timestamp":1714557600000}`,
			time.UnixMilli(1714557600000).UTC(), false},
		{"unix millis string", `{"event_kind":"view","timestamp":"1714557600000"}`,
			time.UnixMilli(1714557600000).UTC(), false},
		{"missing timestamp", `{"event_kind":"view"}`, time.Time{}, false},
		{"missing kind", `{"timestamp":"2024-05-01T10:00:00Z"}`, time.Time{}, true},
		{"bad timestamp", `{"event_kind":"view","timestamp":"yesterday"}`, time.Time{}, true},
		{"not json", `{{`, time.Time{}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := DecodeEvent([]byte(tc.raw))
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, ev.Timestamp.Equal(tc.wantTS), "got %v", ev.Timestamp)
		})
	}
}

func TestDecodeEvent_KeepsNumbersAndIgnoresServerFields(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"id":"x","event_kind":"register","actor_id":"u1",
		"metrics":{"amount":12.5},"processed":true,"created_at":"2020-01-01T00:00:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, "x", ev.ID)
	assert.Equal(t, "u1", ev.ActorID)
	assert.Equal(t, json.Number("12.5"), ev.Metrics["amount"])
	assert.False(t, ev.Processed)
	assert.True(t, ev.CreatedAt.IsZero())
}

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	failures  int // fetch errors returned before any message
	fetches   []time.Time
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches = append(f.fetches, time.Now())
	if f.failures > 0 {
		f.failures--
		return kafka.Message{}, errors.New("broker unreachable")
	}
	if len(f.msgs) == 0 {
		return kafka.Message{}, io.EOF
	}
	m := f.msgs[0]
	f.msgs = f.msgs[1:]
	return m, nil
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeReader) Close() error { return nil }

type recordingSink struct {
	events []event.Event
	failOn string
}

func (s *recordingSink) Ingest(_ context.Context, events []event.Event, source string) error {
	for _, e := range events {
		if e.Kind == s.failOn {
			return errors.New("store unavailable")
		}
	}
	s.events = append(s.events, events...)
	return nil
}

func TestKafkaConsumer_Run(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{
		{Offset: 1, Value: []byte(`{"event_kind":"register","entity_id":"e1"}`)},
		{Offset: 2, Value: []byte(`garbage`)},
		{Offset: 3, Value: []byte(`{"event_kind":"poison"}`)},
		{Offset: 4, Value: []byte(`{"event_kind":"view","entity_id":"e1"}`)},
	}}
	sink := &recordingSink{failOn: "poison"}
	c := &KafkaConsumer{
		cfg:    KafkaConfig{Topic: "events", GroupID: "g", PollTimeout: 50 * time.Millisecond},
		reader: reader,
		sink:   sink,
		log:    slog.Default(),
	}

	require.NoError(t, c.Run(context.Background()))
	require.Len(t, sink.events, 2)
	assert.Equal(t, "register", sink.events[0].Kind)
	assert.Equal(t, "view", sink.events[1].Kind)
	// Undecodable messages are committed, failed stores are not.
	assert.Equal(t, []int64{1, 2, 4}, reader.committed)
}

func TestKafkaConsumer_FetchErrorBacksOff(t *testing.T) {
	reader := &fakeReader{failures: 2}
	c := &KafkaConsumer{
		cfg:    KafkaConfig{Topic: "events", GroupID: "g", PollTimeout: 40 * time.Millisecond},
		reader: reader,
		sink:   &recordingSink{},
		log:    slog.Default(),
	}

	require.NoError(t, c.Run(context.Background()))
	require.Len(t, reader.fetches, 3)
	for i := 1; i < len(reader.fetches); i++ {
		assert.GreaterOrEqual(t, reader.fetches[i].Sub(reader.fetches[i-1]), 40*time.Millisecond)
	}
}

func TestKafkaConsumer_FetchErrorStopsOnCancel(t *testing.T) {
	reader := &fakeReader{failures: 1000}
	c := &KafkaConsumer{
		cfg:    KafkaConfig{Topic: "events", GroupID: "g", PollTimeout: time.Hour},
		reader: reader,
		sink:   &recordingSink{},
		log:    slog.Default(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := c.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, reader.fetches, 1)
}

func TestNewKafkaConsumer_Validation(t *testing.T) {
	sink := &recordingSink{}
	_, err := NewKafkaConsumer(KafkaConfig{Topic: "t", GroupID: "g"}, sink, nil)
	assert.Error(t, err)
	_, err = NewKafkaConsumer(KafkaConfig{Brokers: []string{"localhost:9092"}, GroupID: "g"}, sink, nil)
	assert.Error(t, err)
	_, err = NewKafkaConsumer(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "t"}, nil, nil)
	assert.Error(t, err)

	c, err := NewKafkaConsumer(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "t", GroupID: "g"}, sink, nil)
	require.NoError(t, err)
	assert.Equal(t, time.Second, c.cfg.PollTimeout)
	require.NoError(t, c.Close())
}
