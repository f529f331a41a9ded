package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/wheel-sorter/internal/breaker"
	"github.com/ChuLiYu/wheel-sorter/pkg/types"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	calls  int
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func (w *fakeWriter) snapshot() ([]kafka.Message, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...), w.calls
}

func lifecycle(id string) Lifecycle {
	c := types.ChuteID(4)
	now := time.Now()
	return Lifecycle{
		ParcelID:       types.ParcelID(id),
		State:          types.StateCompleted,
		Reason:         types.ReasonDropConfirmed,
		EffectiveChute: &c,
		CreatedAt:      now.Add(-time.Second),
		TerminalAt:     now,
	}
}

func TestFromParcel(t *testing.T) {
	c := types.ChuteID(9)
	p := types.Parcel{
		ID:                   "p1",
		State:                types.StateExceptionRouted,
		Reason:               types.ReasonAssignmentTimeout,
		EffectiveChuteID:     &c,
		CurrentPositionIndex: 2,
	}
	ev := FromParcel(p)
	assert.Equal(t, types.ParcelID("p1"), ev.ParcelID)
	assert.Equal(t, types.ReasonAssignmentTimeout, ev.Reason)
	assert.Equal(t, types.ChuteID(9), *ev.EffectiveChute)
	assert.Equal(t, 2, ev.LastPosition)
	assert.NoError(t, LogPublisher{}.Publish(context.Background(), ev))
}

func TestKafkaPublisherDeliversKeyedMessages(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(KafkaConfig{Topic: "parcels"}, w)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = p.Run(ctx) }()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, p.Publish(ctx, lifecycle(id)))
	}
	assert.Eventually(t, func() bool {
		msgs, _ := w.snapshot()
		return len(msgs) == 3
	}, time.Second, 5*time.Millisecond)

	msgs, _ := w.snapshot()
	assert.Equal(t, "a", string(msgs[0].Key))
	var decoded Lifecycle
	require.NoError(t, json.Unmarshal(msgs[0].Value, &decoded))
	assert.Equal(t, types.StateCompleted, decoded.State)

	cancel()
	require.NoError(t, p.Close())
	published, dropped, failed := p.Stats()
	assert.Equal(t, int64(3), published)
	assert.Zero(t, dropped)
	assert.Zero(t, failed)
	assert.True(t, w.closed)
	assert.ErrorIs(t, p.Publish(context.Background(), lifecycle("late")), ErrPublisherClosed)
}

func TestKafkaPublisherDropsWhenFull(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(KafkaConfig{Topic: "parcels", BufferSize: 2}, w)

	require.NoError(t, p.Publish(context.Background(), lifecycle("a")))
	require.NoError(t, p.Publish(context.Background(), lifecycle("b")))
	assert.ErrorIs(t, p.Publish(context.Background(), lifecycle("c")), ErrBufferFull)

	_, dropped, _ := p.Stats()
	assert.Equal(t, int64(1), dropped)
	require.NoError(t, p.Close())
}

func TestKafkaPublisherBreakerStopsHammering(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p := newKafkaPublisher(KafkaConfig{
		Topic:     "parcels",
		BatchSize: 1,
		Breaker:   breaker.Config{MaxFailures: 2, ResetTimeout: time.Hour},
	}, w)

	for i := 0; i < 5; i++ {
		p.flush(context.Background(), []Lifecycle{lifecycle("x")})
	}
	_, calls := w.snapshot()
	assert.Equal(t, 2, calls, "breaker opens after two failures")
	_, _, failed := p.Stats()
	assert.Equal(t, int64(5), failed)
	assert.Equal(t, breaker.Open, p.breaker.State())
}

func TestKafkaPublisherDrainsOnCancel(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(KafkaConfig{Topic: "parcels", BatchSize: 2}, w)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, p.Publish(context.Background(), lifecycle(id)))
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, p.Run(ctx))

	msgs, _ := w.snapshot()
	assert.Len(t, msgs, 5)
}

func TestNewKafkaPublisherRequiresBrokersAndTopic(t *testing.T) {
	_, err := NewKafkaPublisher(KafkaConfig{Topic: "t"})
	assert.Error(t, err)
	_, err = NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)

	p, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "t"})
	require.NoError(t, err)
	require.NoError(t, p.Close())
}
