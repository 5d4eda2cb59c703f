package infrastructure

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zapia_ai/internal/entities"
)

func newTestBus(t *testing.T, maxDeliveries int) *MemoryBus {
	t.Helper()
	bus := NewMemoryBus(MemoryBusOptions{Workers: 2, MaxDeliveries: maxDeliveries, RedeliveryDelay: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		bus.Close()
	})
	require.NoError(t, bus.Start(ctx))
	return bus
}

func TestMemoryBusDeliversEnvelopeCopy(t *testing.T) {
	bus := newTestBus(t, 3)
	var mu sync.Mutex
	var got []entities.Event
	bus.Subscribe("test.event", func(ctx context.Context, ev entities.Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
		return nil
	})

	payload, _ := json.Marshal(map[string]string{"hello": "world"})
	require.NoError(t, bus.Publish(context.Background(), entities.Event{
		Name: "test.event", TenantID: "acme", DedupKey: "k1", Payload: payload,
	}))
	bus.Wait()

	require.Len(t, got, 1)
	assert.Equal(t, "acme", got[0].TenantID)
	assert.Equal(t, "k1", got[0].DedupKey)
	assert.JSONEq(t, `{"hello":"world"}`, string(got[0].Payload))
	assert.NotEmpty(t, got[0].Meta.ID)
	assert.False(t, got[0].Meta.Time.IsZero())
}

func TestMemoryBusRedeliversUntilSuccess(t *testing.T) {
	bus := newTestBus(t, 5)
	var calls atomic.Int32
	bus.Subscribe("test.event", func(ctx context.Context, ev entities.Event) error {
		if calls.Add(1) < 3 {
			return errors.New("database unavailable")
		}
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), entities.Event{Name: "test.event", DedupKey: "k"}))
	bus.Wait()

	assert.Equal(t, int32(3), calls.Load())
	assert.Empty(t, bus.DeadLetters())
}

func TestMemoryBusAbandonsAfterMaxDeliveries(t *testing.T) {
	bus := newTestBus(t, 2)
	var calls atomic.Int32
	bus.Subscribe("test.event", func(ctx context.Context, ev entities.Event) error {
		calls.Add(1)
		return errors.New("always")
	})

	require.NoError(t, bus.Publish(context.Background(), entities.Event{Name: "test.event", DedupKey: "k"}))
	bus.Wait()

	assert.Equal(t, int32(2), calls.Load())
	dead := bus.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, "k", dead[0].DedupKey)
}

func TestMemoryBusFansOutAndIgnoresUnsubscribed(t *testing.T) {
	bus := newTestBus(t, 1)
	var a, b atomic.Int32
	bus.Subscribe("test.event", func(ctx context.Context, ev entities.Event) error { a.Add(1); return nil })
	bus.Subscribe("test.event", func(ctx context.Context, ev entities.Event) error { b.Add(1); return nil })

	require.NoError(t, bus.Publish(context.Background(), entities.Event{Name: "test.event"}))
	require.NoError(t, bus.Publish(context.Background(), entities.Event{Name: "nobody.listens"}))
	bus.Wait()

	assert.Equal(t, int32(1), a.Load())
	assert.Equal(t, int32(1), b.Load())
}

func TestMemoryBusRejectsPublishAfterClose(t *testing.T) {
	bus := NewMemoryBus(MemoryBusOptions{})
	bus.Subscribe("test.event", func(ctx context.Context, ev entities.Event) error { return nil })
	require.NoError(t, bus.Close())
	assert.ErrorIs(t, bus.Publish(context.Background(), entities.Event{Name: "test.event"}), ErrBusClosed)
}

func TestEnvelopeRoundTripKeepsMeta(t *testing.T) {
	cid := "corr-1"
	body, meta, err := encodeEvent(entities.Event{
		Name: "x", DedupKey: "d", Meta: entities.EventMeta{ID: "id-1", CorrelationID: &cid},
	}, "zapia")
	require.NoError(t, err)
	assert.Equal(t, "id-1", meta.ID)

	ev, err := decodeEvent(body)
	require.NoError(t, err)
	assert.Equal(t, "id-1", ev.Meta.ID)
	require.NotNil(t, ev.Meta.CorrelationID)
	assert.Equal(t, "corr-1", *ev.Meta.CorrelationID)
	require.NotNil(t, ev.Meta.Producer)
	assert.Equal(t, "zapia", *ev.Meta.Producer)

	_, err = decodeEvent([]byte("not json"))
	assert.Error(t, err)
}
