package dispatcher

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// testLogger implements Logger for testing
type testLogger struct {
	mu       sync.Mutex
	messages []string
}

func (l *testLogger) Debug(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, fmt.Sprintf("DEBUG: %s %v", msg, keysAndValues))
}

func (l *testLogger) Info(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, fmt.Sprintf("INFO: %s %v", msg, keysAndValues))
}

func (l *testLogger) Error(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, fmt.Sprintf("ERROR: %s %v", msg, keysAndValues))
}

func (l *testLogger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.messages)
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *testLogger) {
	logger := &testLogger{}

	d, err := New(logger)
	if err != nil {
		t.Fatalf("failed to create dispatcher: %v", err)
	}

	return d, logger
}

func TestDispatcher_SyncHandler(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var got Event
	d.Subscribe(KindArrival, "recorder", func(e Event) error {
		got = e
		return nil
	})

	err := d.Publish(Event{Kind: KindArrival, Agent: "Defender", Frame: 12})

	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if got.Agent != "Defender" || got.Frame != 12 {
		t.Errorf("handler saw wrong event: %+v", got)
	}
	if got.Timestamp.IsZero() {
		t.Error("expected publish to stamp the event")
	}
}

func TestDispatcher_NoSubscribersIsNoop(t *testing.T) {
	d, _ := newTestDispatcher(t)

	if d.HasSubscribers(KindTick) {
		t.Error("expected no subscribers")
	}
	if err := d.Publish(Event{Kind: KindTick}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestDispatcher_FanOut(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var calls atomic.Int32
	for i := 0; i < 3; i++ {
		d.Subscribe(KindTransition, fmt.Sprintf("sub%d", i), func(e Event) error {
			calls.Add(1)
			return nil
		})
	}

	if err := d.Publish(Event{Kind: KindTransition, Detail: "Monitoring"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 handler calls, got %d", calls.Load())
	}
}

func TestDispatcher_SyncHandlerErrorReturned(t *testing.T) {
	d, _ := newTestDispatcher(t)

	wantErr := errors.New("sink unavailable")
	d.Subscribe(KindTelemetry, "failing", func(e Event) error { return wantErr })
	d.Subscribe(KindTelemetry, "healthy", func(e Event) error { return nil })

	err := d.Publish(Event{Kind: KindTelemetry})
	if !errors.Is(err, wantErr) {
		t.Errorf("expected first handler error, got %v", err)
	}
}

func TestDispatcher_BufferedHandler(t *testing.T) {
	d, _ := newTestDispatcher(t)

	processed := make(chan Event, 10)
	d.Subscribe(KindTick, "overlay", func(e Event) error {
		processed <- e
		return nil
	}, Buffered(10))

	for i := 0; i < 5; i++ {
		if err := d.Publish(Event{Kind: KindTick, Frame: i}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	for i := 0; i < 5; i++ {
		select {
		case e := <-processed:
			if e.Frame != i {
				t.Errorf("expected frame %d, got %d", i, e.Frame)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestDispatcher_BufferedDropsWhenFull(t *testing.T) {
	d, _ := newTestDispatcher(t)

	block := make(chan struct{})
	d.Subscribe(KindTelemetry, "slow", func(e Event) error {
		<-block
		return nil
	}, Buffered(1))

	// First event occupies the worker, later ones fill the buffer.
	_ = d.Publish(Event{Kind: KindTelemetry})
	deadline := time.After(time.Second)
	for {
		if err := d.Publish(Event{Kind: KindTelemetry}); err != nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expected a publish to fail once the buffer filled")
		default:
		}
	}
	close(block)
}

func TestDispatcher_BlockingNeverDrops(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var calls atomic.Int32
	d.Subscribe(KindTelemetry, "durable", func(e Event) error {
		calls.Add(1)
		return nil
	}, Buffered(1), Blocking())

	for i := 0; i < 20; i++ {
		if err := d.Publish(Event{Kind: KindTelemetry}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	deadline := time.After(time.Second)
	for calls.Load() != 20 {
		select {
		case <-deadline:
			t.Fatalf("expected 20 calls, got %d", calls.Load())
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestDispatcher_LoggedHandler(t *testing.T) {
	d, logger := newTestDispatcher(t)

	d.Subscribe(KindArrival, "audited", func(e Event) error { return nil }, Logged())

	if err := d.Publish(Event{Kind: KindArrival, Agent: "Attacker"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if logger.count() == 0 {
		t.Error("expected debug log entries")
	}
}
