package infrastructure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"zapia_ai/internal/entities"
	"zapia_ai/internal/interfaces"
)

// Envelope is the wire format of every bus message.
type Envelope struct {
	Meta entities.EventMeta `json:"meta"`
	Data json.RawMessage    `json:"data"`
}

// encodeEvent wraps ev in an envelope, assigning an id and timestamp when missing.
func encodeEvent(ev entities.Event, producer string) ([]byte, entities.EventMeta, error) {
	meta := ev.Meta
	if meta.ID == "" {
		meta.ID = uuid.NewString()
	}
	if meta.Time.IsZero() {
		meta.Time = time.Now().UTC()
	}
	if meta.Producer == nil && producer != "" {
		meta.Producer = &producer
	}
	ev.Meta = meta
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, meta, err
	}
	body, err := json.Marshal(Envelope{Meta: meta, Data: data})
	return body, meta, err
}

func decodeEvent(body []byte) (entities.Event, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return entities.Event{}, fmt.Errorf("decode envelope: %w", err)
	}
	var ev entities.Event
	if err := json.Unmarshal(env.Data, &ev); err != nil {
		return entities.Event{}, fmt.Errorf("decode event: %w", err)
	}
	ev.Meta = env.Meta
	return ev, nil
}

type ConnectionOptions struct {
	URL           string
	RetryAttempts int
	Delay         time.Duration
	Logger        *slog.Logger
}

const maxDialDelay = 60 * time.Second

// DialWithRetry connects to RabbitMQ with capped exponential backoff.
func DialWithRetry(ctx context.Context, cfg ConnectionOptions) (*amqp091.Connection, error) {
	var lastErr error
	delay := cfg.Delay
	for i := 1; i <= cfg.RetryAttempts; i++ {
		conn, err := amqp091.Dial(cfg.URL)
		if err == nil {
			if i > 1 {
				cfg.Logger.Info("rabbit connected", slog.Int("attempt", i))
			}
			return conn, nil
		}
		lastErr = err

		sleep := delay
		if sleep > maxDialDelay {
			sleep = maxDialDelay
		}
		cfg.Logger.Warn("rabbit dial failed",
			slog.Int("attempt", i),
			slog.Duration("sleep", sleep),
			slog.Any("error", err),
		)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("dial cancelled: %w", ctx.Err())
		case <-timer.C:
		}
		delay *= 2
	}
	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", cfg.RetryAttempts, lastErr)
}

type RabbitOptions struct {
	URL      string
	Exchange string
	Queue    string
	Workers  int
	Prefetch int
	// HandlerTimeout bounds a single delivery; 0 means no bound.
	HandlerTimeout time.Duration
	Logger         *slog.Logger
}

// RabbitBus publishes events to a durable topic exchange keyed by event name and
// consumes them from one durable queue with manual acknowledgements.
// A handler error nacks with requeue; an undecodable body is dropped.
type RabbitBus struct {
	opts RabbitOptions
	conn *amqp091.Connection
	log  *slog.Logger

	pubMu sync.Mutex
	pub   *amqp091.Channel

	handlers map[string]interfaces.EventHandler
	sub      *amqp091.Channel
	wg       sync.WaitGroup
	once     sync.Once
	closed   chan error
}

func NewRabbitBus(ctx context.Context, opts RabbitOptions) (*RabbitBus, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = opts.Workers * 2
	}
	conn, err := DialWithRetry(ctx, ConnectionOptions{
		URL: opts.URL, RetryAttempts: 6, Delay: time.Second, Logger: opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	pub, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := pub.ExchangeDeclare(opts.Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, err
	}
	if err := pub.Confirm(false); err != nil {
		conn.Close()
		return nil, err
	}

	b := &RabbitBus{
		opts:     opts,
		conn:     conn,
		log:      opts.Logger.With(slog.String("component", "rabbit_bus")),
		pub:      pub,
		handlers: make(map[string]interfaces.EventHandler),
		closed:   make(chan error, 1),
	}
	go b.watch(conn.NotifyClose(make(chan *amqp091.Error, 1)))
	return b, nil
}

func (b *RabbitBus) watch(ch <-chan *amqp091.Error) {
	if err, ok := <-ch; ok && err != nil {
		b.log.Error("rabbit connection lost", slog.Any("error", err))
		b.closed <- err
	}
	close(b.closed)
}

// Closed reports an abnormal connection loss; it is closed on shutdown.
func (b *RabbitBus) Closed() <-chan error { return b.closed }

// Publish returns once the broker has confirmed the message.
func (b *RabbitBus) Publish(ctx context.Context, ev entities.Event) error {
	body, meta, err := encodeEvent(ev, "zapia")
	if err != nil {
		return err
	}
	cid := meta.ID
	if meta.CorrelationID != nil {
		cid = *meta.CorrelationID
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	confirm, err := b.pub.PublishWithDeferredConfirmWithContext(ctx, b.opts.Exchange, ev.Name, false, false,
		amqp091.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp091.Persistent,
			MessageId:     meta.ID,
			CorrelationId: cid,
			Timestamp:     meta.Time,
			Body:          body,
		},
	)
	if err != nil {
		return entities.Transient(fmt.Errorf("publish %s: %w", ev.Name, err))
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return entities.Transient(fmt.Errorf("publish %s: %w", ev.Name, err))
	}
	if !acked {
		return entities.Transient(fmt.Errorf("publish %s: broker nacked", ev.Name))
	}
	b.log.Debug("published", slog.String("key", ev.Name), slog.String("id", meta.ID))
	return nil
}

// Subscribe must be called before Start.
func (b *RabbitBus) Subscribe(eventName string, handler interfaces.EventHandler) {
	b.handlers[eventName] = handler
}

// Start declares the queue, binds every subscribed event name and launches the
// worker pool. Workers stop when ctx is cancelled or the bus is closed.
func (b *RabbitBus) Start(ctx context.Context) error {
	var startErr error
	b.once.Do(func() {
		startErr = b.start(ctx)
	})
	return startErr
}

func (b *RabbitBus) start(ctx context.Context) error {
	if len(b.handlers) == 0 {
		return errors.New("rabbit bus: no subscriptions")
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return err
	}
	if err := ch.Qos(b.opts.Prefetch, 0, false); err != nil {
		return err
	}
	q, err := ch.QueueDeclare(b.opts.Queue, true, false, false, false, nil)
	if err != nil {
		return err
	}
	for key := range b.handlers {
		if err := ch.QueueBind(q.Name, key, b.opts.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s: %w", key, err)
		}
	}
	msgs, err := ch.ConsumeWithContext(ctx, q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}
	b.sub = ch

	for i := 0; i < b.opts.Workers; i++ {
		b.wg.Add(1)
		go b.worker(ctx, msgs)
	}
	b.log.Info("subscriber started",
		slog.String("queue", q.Name),
		slog.Int("workers", b.opts.Workers),
		slog.Int("bindings", len(b.handlers)),
	)
	return nil
}

func (b *RabbitBus) worker(ctx context.Context, msgs <-chan amqp091.Delivery) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			b.deliver(ctx, msg)
		}
	}
}

func (b *RabbitBus) deliver(ctx context.Context, msg amqp091.Delivery) {
	log := b.log.With(slog.String("key", msg.RoutingKey), slog.String("message_id", msg.MessageId))
	handler, ok := b.handlers[msg.RoutingKey]
	if !ok {
		log.Warn("no handler")
		_ = msg.Nack(false, false)
		return
	}
	ev, err := decodeEvent(msg.Body)
	if err != nil {
		log.Error("poison message dropped", slog.Any("error", err))
		_ = msg.Nack(false, false)
		return
	}

	hctx := ctx
	if b.opts.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, b.opts.HandlerTimeout)
		defer cancel()
	}
	if err := handler(hctx, ev); err != nil {
		log.Error("handler error, requeueing", slog.Bool("redelivered", msg.Redelivered), slog.Any("error", err))
		_ = msg.Nack(false, true)
		return
	}
	_ = msg.Ack(false)
}

func (b *RabbitBus) Close() error {
	b.wg.Wait()
	if b.sub != nil {
		_ = b.sub.Close()
	}
	b.pubMu.Lock()
	_ = b.pub.Close()
	b.pubMu.Unlock()
	return b.conn.Close()
}
