package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rl1809/grocery-booking/internal/core/domain"
	"github.com/rl1809/grocery-booking/internal/logging"
	"github.com/rl1809/grocery-booking/internal/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	block  chan struct{}
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.block != nil {
		<-w.block
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

var topics = Topics{Orders: "orders", Alarms: "alarms"}

func TestPublisher_DrainsOnClose(t *testing.T) {
	w := &fakeWriter{}
	m := metrics.NewRegistry()
	p := NewPublisher(w, topics, logging.Discard(), m, 2, 16)

	order := domain.Order{
		ID:        "o-1",
		UserID:    "u-1",
		Lines:     []domain.OrderLine{{ItemID: "milk", Quantity: 2}},
		CreatedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	for i := 0; i < 5; i++ {
		p.OrderCreated(context.Background(), order)
	}
	p.InventoryAlarm(context.Background(), domain.InventoryAlarm{ItemID: "milk", Quantity: 2, Cause: "timeout"})

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
	require.Len(t, w.msgs, 6)

	assert.Equal(t, float64(5), testutil.ToFloat64(m.EventsPublished.WithLabelValues("orders")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EventsPublished.WithLabelValues("alarms")))
}

func TestPublisher_OrderCreatedPayload(t *testing.T) {
	w := &fakeWriter{}
	p := NewPublisher(w, topics, logging.Discard(), nil, 1, 4)

	p.OrderCreated(context.Background(), domain.Order{
		ID:     "o-9",
		UserID: "u-9",
		Lines:  []domain.OrderLine{{ItemID: "a", Quantity: 1}, {ItemID: "b", Quantity: 3}},
	})
	require.NoError(t, p.Close())
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "orders", msg.Topic)
	assert.Equal(t, "o-9", string(msg.Key))

	var got orderCreatedEvent
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, EventOrderCreated, got.Type)
	assert.Equal(t, []orderLinePayload{{ItemID: "a", Quantity: 1}, {ItemID: "b", Quantity: 3}}, got.Lines)
}

func TestPublisher_DropsWhenQueueFull(t *testing.T) {
	w := &fakeWriter{block: make(chan struct{})}
	m := metrics.NewRegistry()
	p := NewPublisher(w, topics, logging.Discard(), m, 1, 1)

	// One message is held by the blocked worker, one fills the queue; the
	// rest must be dropped without blocking the caller.
	for i := 0; i < 10; i++ {
		p.OrderCreated(context.Background(), domain.Order{ID: "o"})
	}
	close(w.block)
	require.NoError(t, p.Close())

	dropped := testutil.ToFloat64(m.EventsDropped)
	assert.GreaterOrEqual(t, dropped, float64(8))
	assert.Equal(t, 10, len(w.msgs)+int(dropped))
}

func TestPublisher_WriteFailureIsCounted(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker unavailable")}
	m := metrics.NewRegistry()
	p := NewPublisher(w, topics, logging.Discard(), m, 1, 4)

	p.InventoryAlarm(context.Background(), domain.InventoryAlarm{ItemID: "x"})
	require.NoError(t, p.Close())

	assert.Equal(t, float64(1), testutil.ToFloat64(m.EventsDropped))
}

func TestPublisher_EnqueueAfterCloseIsDropped(t *testing.T) {
	w := &fakeWriter{}
	m := metrics.NewRegistry()
	p := NewPublisher(w, topics, logging.Discard(), m, 1, 4)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	p.OrderCreated(context.Background(), domain.Order{ID: "late"})
	assert.Empty(t, w.msgs)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EventsDropped))
}
