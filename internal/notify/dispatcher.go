package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"chatcall-backend/internal/domain"
	"chatcall-backend/pkg/logger"
)

var (
	// ErrQueueFull is returned by Publish when the dispatcher cannot accept more events
	ErrQueueFull = errors.New("notification queue is full")
	// ErrClosed is returned by Publish after Close
	ErrClosed = errors.New("notification dispatcher is closed")
)

// Sink delivers one call event to a single backend
type Sink interface {
	Name() string
	Publish(ctx context.Context, event domain.CallEvent) error
}

// Metrics counts delivery outcomes. *metrics.Metrics satisfies it.
type Metrics interface {
	RecordNotification(sink string, err error)
	RecordNotificationDropped()
}

type nopMetrics struct{}

func (nopMetrics) RecordNotification(string, error) {}
func (nopMetrics) RecordNotificationDropped()       {}

// DispatcherConfig tunes the worker pool
type DispatcherConfig struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
	Metrics   Metrics
}

// Dispatcher fans call events out to every sink on a pool of workers.
// Publish never blocks: a full queue drops the event.
type Dispatcher struct {
	sinks   []Sink
	queue   chan domain.CallEvent
	timeout time.Duration
	metrics Metrics

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher starts cfg.Workers goroutines draining the queue
func NewDispatcher(cfg DispatcherConfig, sinks ...Sink) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}

	d := &Dispatcher{
		sinks:   sinks,
		queue:   make(chan domain.CallEvent, cfg.QueueSize),
		timeout: cfg.Timeout,
		metrics: cfg.Metrics,
	}

	d.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go d.worker()
	}
	return d
}

// Publish enqueues event for asynchronous delivery
func (d *Dispatcher) Publish(ctx context.Context, event domain.CallEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrClosed
	}

	select {
	case d.queue <- event:
		return nil
	default:
		d.metrics.RecordNotificationDropped()
		logger.FromContext(ctx).Warn("Dropping call event, queue full",
			zap.String("call_id", event.CallID.String()),
			zap.String("kind", string(event.Kind)))
		return ErrQueueFull
	}
}

// Close stops accepting events and waits for queued ones to be delivered,
// or for ctx to expire.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for event := range d.queue {
		d.deliver(event)
	}
}

func (d *Dispatcher) deliver(event domain.CallEvent) {
	for _, sink := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := sink.Publish(ctx, event)
		cancel()

		d.metrics.RecordNotification(sink.Name(), err)
		if err != nil {
			logger.Warn("Failed to deliver call event",
				zap.String("sink", sink.Name()),
				zap.String("call_id", event.CallID.String()),
				zap.String("kind", string(event.Kind)),
				zap.Error(err))
		}
	}
}
