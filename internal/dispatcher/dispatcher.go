package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Kind identifies a class of playback event.
type Kind string

const (
	// KindTick fires once per monitor iteration with the active frame index.
	KindTick Kind = "tick"
	// KindTransition fires when the session state machine changes state.
	KindTransition Kind = "transition"
	// KindArrival fires when an agent first comes within the arrival
	// threshold of its final waypoint.
	KindArrival Kind = "arrival"
	// KindTelemetry fires for each pose sample collected during monitoring.
	KindTelemetry Kind = "telemetry"
)

// Event is a notification emitted by the playback controller.
type Event struct {
	Kind      Kind
	Agent     string
	Frame     int
	Detail    string
	Payload   any
	Timestamp time.Time
}

// HandlerFunc consumes an event. Errors are reported back to the publisher
// for synchronous handlers and logged for buffered ones.
type HandlerFunc func(Event) error

// Logger interface for pluggable logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Option configures handler registration.
type Option func(*config)

type config struct {
	bufferSize int
	blocking   bool
	logged     bool
}

// Buffered makes the handler async with a queue of the given size.
func Buffered(size int) Option {
	return func(c *config) {
		c.bufferSize = size
	}
}

// Blocking makes a buffered handler block when the queue is full instead of dropping.
func Blocking() Option {
	return func(c *config) {
		c.blocking = true
	}
}

// Logged adds debug logging to the handler.
func Logged() Option {
	return func(c *config) {
		c.logged = true
	}
}

// Dispatcher fans playback events out to subscribed handlers. Overlay
// drawing, telemetry flushing and persistence hang off the monitor loop
// through subscriptions so the loop itself never blocks on a slow sink.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[Kind][]HandlerFunc
	buffers  map[string]chan Event
	logger   Logger

	queueSize metric.Int64ObservableGauge
	published metric.Int64Counter
	dropped   metric.Int64Counter
}

// New creates a Dispatcher with the given logger.
// Uses the global OTel meter for metrics (no-op if not configured).
func New(logger Logger) (*Dispatcher, error) {
	d := &Dispatcher{
		handlers: make(map[Kind][]HandlerFunc),
		buffers:  make(map[string]chan Event),
		logger:   logger,
	}

	m := meter()

	var err error

	d.queueSize, err = m.Int64ObservableGauge(
		"playback.events.queue.size",
		metric.WithDescription("Current number of buffered events per subscriber"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating queue size gauge: %w", err)
	}

	_, err = m.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			d.mu.RLock()
			defer d.mu.RUnlock()
			for name, buf := range d.buffers {
				o.ObserveInt64(d.queueSize, int64(len(buf)),
					metric.WithAttributes(attribute.String("subscriber", name)))
			}
			return nil
		},
		d.queueSize,
	)
	if err != nil {
		return nil, fmt.Errorf("registering queue callback: %w", err)
	}

	d.published, err = m.Int64Counter(
		"playback.events.published",
		metric.WithDescription("Total events delivered to subscribers"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating published counter: %w", err)
	}

	d.dropped, err = m.Int64Counter(
		"playback.events.dropped",
		metric.WithDescription("Total events dropped due to full subscriber queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating dropped counter: %w", err)
	}

	return d, nil
}

// Subscribe registers a handler for the given event kind. The name labels
// the subscription in metrics and logs; it must be unique per buffered
// subscription.
func (d *Dispatcher) Subscribe(kind Kind, name string, h HandlerFunc, opts ...Option) {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	handler := h

	if cfg.bufferSize > 0 {
		handler = d.withBuffer(name, cfg.bufferSize, cfg.blocking, handler)
	}

	if cfg.logged {
		handler = d.withLogging(name, handler)
	}

	d.mu.Lock()
	d.handlers[kind] = append(d.handlers[kind], handler)
	d.mu.Unlock()
}

// Publish delivers an event to every handler subscribed to its kind. The
// first synchronous handler error is returned; buffered handlers report
// through logging instead.
func (d *Dispatcher) Publish(e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	d.mu.RLock()
	handlers := d.handlers[e.Kind]
	d.mu.RUnlock()

	kindAttr := attribute.String("kind", string(e.Kind))
	var firstErr error
	for _, h := range handlers {
		if err := h(e); err != nil && firstErr == nil {
			firstErr = err
		}
		d.published.Add(context.Background(), 1, metric.WithAttributes(kindAttr))
	}
	return firstErr
}

// HasSubscribers reports whether any handler listens for the kind.
func (d *Dispatcher) HasSubscribers(kind Kind) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[kind]) > 0
}

// Close stops the worker goroutines of all buffered subscriptions after
// their queues drain.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, buf := range d.buffers {
		close(buf)
		delete(d.buffers, name)
	}
}

func (d *Dispatcher) withBuffer(name string, size int, blocking bool, h HandlerFunc) HandlerFunc {
	buffer := make(chan Event, size)

	d.mu.Lock()
	d.buffers[name] = buffer
	d.mu.Unlock()

	nameAttr := attribute.String("subscriber", name)

	go func() {
		for e := range buffer {
			if err := h(e); err != nil {
				d.logger.Error("buffered handler failed", "subscriber", name, "kind", e.Kind, "error", err)
			}
		}
	}()

	if blocking {
		return func(e Event) error {
			buffer <- e
			return nil
		}
	}

	return func(e Event) error {
		select {
		case buffer <- e:
			return nil
		default:
			d.dropped.Add(context.Background(), 1, metric.WithAttributes(nameAttr))
			return fmt.Errorf("subscriber queue full: %s", name)
		}
	}
}

func (d *Dispatcher) withLogging(name string, h HandlerFunc) HandlerFunc {
	return func(e Event) error {
		start := time.Now()
		d.logger.Debug("handling event", "subscriber", name, "kind", e.Kind, "agent", e.Agent)

		err := h(e)

		if err != nil {
			d.logger.Error("event failed", "subscriber", name, "kind", e.Kind, "duration", time.Since(start), "error", err)
		} else {
			d.logger.Debug("event complete", "subscriber", name, "kind", e.Kind, "duration", time.Since(start))
		}

		return err
	}
}
