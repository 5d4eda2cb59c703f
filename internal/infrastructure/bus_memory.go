package infrastructure

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"zapia_ai/internal/entities"
	"zapia_ai/internal/interfaces"
)

var ErrBusClosed = errors.New("bus closed")

type MemoryBusOptions struct {
	Workers int
	// MaxDeliveries bounds how often one event is handed to a failing handler.
	MaxDeliveries   int
	RedeliveryDelay time.Duration
	Buffer          int
	Logger          *slog.Logger
}

type delivery struct {
	name    string
	handler interfaces.EventHandler
	body    []byte
	attempt int
}

// MemoryBus is an at-least-once bus for a single process. Events travel through
// the same envelope encoding as RabbitBus, so handlers never share memory with
// publishers. A failed delivery is requeued after RedeliveryDelay until
// MaxDeliveries is reached, then recorded as dead.
type MemoryBus struct {
	opts     MemoryBusOptions
	log      *slog.Logger
	queue    chan delivery
	mu       sync.RWMutex
	handlers map[string][]interfaces.EventHandler
	dead     []entities.Event
	inflight sync.WaitGroup
	workers  sync.WaitGroup
	done     chan struct{}
	once     sync.Once
	closing  sync.Once
}

func NewMemoryBus(opts MemoryBusOptions) *MemoryBus {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MaxDeliveries <= 0 {
		opts.MaxDeliveries = 5
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &MemoryBus{
		opts:     opts,
		log:      opts.Logger.With(slog.String("component", "memory_bus")),
		queue:    make(chan delivery, opts.Buffer),
		handlers: make(map[string][]interfaces.EventHandler),
		done:     make(chan struct{}),
	}
}

func (b *MemoryBus) Subscribe(eventName string, handler interfaces.EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventName] = append(b.handlers[eventName], handler)
}

// Publish hands one delivery per subscriber to the queue. Events without
// subscribers are dropped with a warning.
func (b *MemoryBus) Publish(ctx context.Context, ev entities.Event) error {
	body, _, err := encodeEvent(ev, "zapia")
	if err != nil {
		return err
	}
	b.mu.RLock()
	handlers := b.handlers[ev.Name]
	b.mu.RUnlock()
	if len(handlers) == 0 {
		b.log.Warn("no handler", slog.String("key", ev.Name))
		return nil
	}
	for _, h := range handlers {
		b.inflight.Add(1)
		if err := b.enqueue(ctx, delivery{name: ev.Name, handler: h, body: body, attempt: 1}); err != nil {
			b.inflight.Done()
			return err
		}
	}
	return nil
}

func (b *MemoryBus) enqueue(ctx context.Context, d delivery) error {
	select {
	case <-b.done:
		return ErrBusClosed
	default:
	}
	select {
	case b.queue <- d:
		return nil
	case <-b.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start launches the worker pool; it returns immediately.
func (b *MemoryBus) Start(ctx context.Context) error {
	b.once.Do(func() {
		for i := 0; i < b.opts.Workers; i++ {
			b.workers.Add(1)
			go b.worker(ctx)
		}
		b.log.Info("subscriber started", slog.Int("workers", b.opts.Workers))
	})
	return nil
}

func (b *MemoryBus) worker(ctx context.Context) {
	defer b.workers.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case d := <-b.queue:
			b.deliver(ctx, d)
		}
	}
}

func (b *MemoryBus) deliver(ctx context.Context, d delivery) {
	log := b.log.With(slog.String("key", d.name), slog.Int("attempt", d.attempt))
	ev, err := decodeEvent(d.body)
	if err != nil {
		log.Error("poison message dropped", slog.Any("error", err))
		b.inflight.Done()
		return
	}
	err = d.handler(ctx, ev)
	if err == nil {
		b.inflight.Done()
		return
	}
	if d.attempt >= b.opts.MaxDeliveries || ctx.Err() != nil {
		log.Error("delivery abandoned", slog.String("dedup_key", ev.DedupKey), slog.Any("error", err))
		b.mu.Lock()
		b.dead = append(b.dead, ev)
		b.mu.Unlock()
		b.inflight.Done()
		return
	}

	log.Warn("handler error, redelivering", slog.Duration("delay", b.opts.RedeliveryDelay), slog.Any("error", err))
	d.attempt++
	time.AfterFunc(b.opts.RedeliveryDelay, func() {
		if err := b.enqueue(context.Background(), d); err != nil {
			b.inflight.Done()
		}
	})
}

// Wait blocks until every published event was handled or abandoned.
func (b *MemoryBus) Wait() {
	b.inflight.Wait()
}

// DeadLetters returns events whose deliveries were abandoned.
func (b *MemoryBus) DeadLetters() []entities.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]entities.Event(nil), b.dead...)
}

func (b *MemoryBus) Close() error {
	b.closing.Do(func() { close(b.done) })
	b.workers.Wait()
	return nil
}
