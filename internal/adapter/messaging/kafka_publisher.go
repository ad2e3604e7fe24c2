package messaging

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/rl1809/grocery-booking/internal/core/domain"
	"github.com/rl1809/grocery-booking/internal/metrics"
)

const (
	EventOrderCreated   = "order.created"
	EventInventoryAlarm = "inventory.alarm"

	defaultWorkers   = 4
	defaultQueueSize = 1024
	writeTimeout     = 5 * time.Second
)

// MessageWriter is the part of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter returns a writer without a fixed topic; every message
// names its own.
func NewKafkaWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

type Topics struct {
	Orders string
	Alarms string
}

type orderCreatedEvent struct {
	Type      string             `json:"type"`
	OrderID   string             `json:"orderId"`
	UserID    string             `json:"userId"`
	Lines     []orderLinePayload `json:"items"`
	CreatedAt time.Time          `json:"createdAt"`
}

type orderLinePayload struct {
	ItemID   string `json:"groceryId"`
	Quantity int    `json:"quantity"`
}

type inventoryAlarmEvent struct {
	Type     string    `json:"type"`
	ItemID   string    `json:"groceryId"`
	Quantity int       `json:"quantity"`
	OrderID  string    `json:"orderId"`
	UserID   string    `json:"userId"`
	Cause    string    `json:"cause"`
	RaisedAt time.Time `json:"raisedAt"`
}

// Publisher hands events to a small worker pool so a slow or unreachable
// broker never holds up a booking. Events that do not fit in the queue are
// dropped and counted.
type Publisher struct {
	writer  MessageWriter
	topics  Topics
	log     *slog.Logger
	metrics *metrics.Registry

	mu     sync.RWMutex
	closed bool
	queue  chan kafka.Message
	wg     sync.WaitGroup
}

func NewPublisher(writer MessageWriter, topics Topics, log *slog.Logger, m *metrics.Registry, workers, queueSize int) *Publisher {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if m == nil {
		m = metrics.NewRegistry()
	}

	p := &Publisher{
		writer:  writer,
		topics:  topics,
		log:     log,
		metrics: m,
		queue:   make(chan kafka.Message, queueSize),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.workerLoop(id)
		}(i)
	}
	return p
}

func (p *Publisher) OrderCreated(ctx context.Context, order domain.Order) {
	lines := make([]orderLinePayload, len(order.Lines))
	for i, l := range order.Lines {
		lines[i] = orderLinePayload{ItemID: l.ItemID, Quantity: l.Quantity}
	}
	p.enqueue(p.topics.Orders, order.ID, orderCreatedEvent{
		Type:      EventOrderCreated,
		OrderID:   order.ID,
		UserID:    order.UserID,
		Lines:     lines,
		CreatedAt: order.CreatedAt,
	})
}

func (p *Publisher) InventoryAlarm(ctx context.Context, alarm domain.InventoryAlarm) {
	p.enqueue(p.topics.Alarms, alarm.ItemID, inventoryAlarmEvent{
		Type:     EventInventoryAlarm,
		ItemID:   alarm.ItemID,
		Quantity: alarm.Quantity,
		OrderID:  alarm.OrderID,
		UserID:   alarm.UserID,
		Cause:    alarm.Cause,
		RaisedAt: alarm.RaisedAt,
	})
}

func (p *Publisher) enqueue(topic, key string, event any) {
	value, err := json.Marshal(event)
	if err != nil {
		p.log.Error("failed to encode event", "topic", topic, "key", key, "error", err)
		return
	}
	msg := kafka.Message{Topic: topic, Key: []byte(key), Value: value}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.metrics.EventsDropped.Inc()
		p.log.Warn("publisher closed, event dropped", "topic", topic, "key", key)
		return
	}

	select {
	case p.queue <- msg:
	default:
		p.metrics.EventsDropped.Inc()
		p.log.Warn("event queue full, event dropped", "topic", topic, "key", key)
	}
}

func (p *Publisher) workerLoop(id int) {
	for msg := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := p.writer.WriteMessages(ctx, msg)
		cancel()

		if err != nil {
			p.metrics.EventsDropped.Inc()
			p.log.Error("failed to publish event",
				"worker", id, "topic", msg.Topic, "key", string(msg.Key), "error", err)
			continue
		}
		p.metrics.EventsPublished.WithLabelValues(msg.Topic).Inc()
	}
}

// Close stops accepting events, waits for the queue to drain and closes
// the writer.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	return p.writer.Close()
}
