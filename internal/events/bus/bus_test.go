package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentation/agentation/internal/annotation/models"
	"github.com/agentation/agentation/internal/annotation/store"
	"github.com/agentation/agentation/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	return log
}

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	b := New(store.NewMemoryStore(), 7*24*time.Hour, testLogger(t))
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start bus: %v", err)
	}
	return b
}

func recv(t *testing.T, ch <-chan *models.Event) *models.Event {
	t.Helper()
	select {
	case event, ok := <-ch:
		if !ok {
			t.Fatal("subscription channel closed")
		}
		return event
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestPublishAssignsMonotonicSequence(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		event, err := b.Publish(ctx, models.EventAnnotationCreated, "s1", nil)
		if err != nil {
			t.Fatalf("Publish: %v", err)
		}
		if event.Sequence != want {
			t.Fatalf("sequence = %d, want %d", event.Sequence, want)
		}
	}
}

func TestStartSeedsSequenceFromLog(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	for i := int64(1); i <= 4; i++ {
		event := &models.Event{Type: models.EventSessionCreated, Timestamp: time.Now().UTC(), SessionID: "s1", Sequence: i}
		if err := st.AppendEvent(ctx, event); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}

	b := New(st, 7*24*time.Hour, testLogger(t))
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Close()

	event, err := b.Publish(ctx, models.EventSessionUpdated, "s1", nil)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if event.Sequence != 5 {
		t.Fatalf("sequence = %d, want 5", event.Sequence)
	}
}

func TestPublishAppendsBeforeReturning(t *testing.T) {
	st := store.NewMemoryStore()
	b := New(st, 7*24*time.Hour, testLogger(t))
	ctx := context.Background()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Close()

	if _, err := b.Publish(ctx, models.EventAnnotationCreated, "s1", "payload"); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	events, err := st.GetEventsSince(ctx, "", 0, 0)
	if err != nil {
		t.Fatalf("GetEventsSince: %v", err)
	}
	if len(events) != 1 || events[0].Sequence != 1 {
		t.Fatalf("log = %+v, want one event with sequence 1", events)
	}
}

func TestSessionFilteredSubscription(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()
	ctx := context.Background()

	all := b.Subscribe()
	defer all.Cancel()
	only := b.SubscribeToSession("s1")
	defer only.Cancel()

	if _, err := b.Publish(ctx, models.EventAnnotationCreated, "s1", nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if _, err := b.Publish(ctx, models.EventAnnotationCreated, "s2", nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if got := recv(t, all.Events()); got.SessionID != "s1" {
		t.Fatalf("first global event from %s, want s1", got.SessionID)
	}
	if got := recv(t, all.Events()); got.SessionID != "s2" {
		t.Fatalf("second global event from %s, want s2", got.SessionID)
	}

	got := recv(t, only.Events())
	if got.SessionID != "s1" {
		t.Fatalf("filtered subscription got %s event", got.SessionID)
	}
	select {
	case extra := <-only.Events():
		t.Fatalf("filtered subscription leaked %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConcurrentPublishesStayOrderedPerSubscriber(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()
	ctx := context.Background()

	sub := b.Subscribe()
	defer sub.Cancel()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := b.Publish(ctx, models.EventAnnotationUpdated, "s1", nil); err != nil {
				t.Errorf("Publish: %v", err)
			}
		}()
	}

	var last int64
	for i := 0; i < n; i++ {
		event := recv(t, sub.Events())
		if event.Sequence <= last {
			t.Fatalf("out-of-order delivery: %d after %d", event.Sequence, last)
		}
		last = event.Sequence
	}
	wg.Wait()
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()
	ctx := context.Background()

	slow := b.Subscribe()
	fast := b.Subscribe()
	defer fast.Cancel()

	// Fill the slow subscriber's buffer and push one past capacity, draining
	// the fast one as we go.
	for i := 0; i <= DefaultSubscriberBuffer; i++ {
		if _, err := b.Publish(ctx, models.EventAnnotationCreated, "s1", nil); err != nil {
			t.Fatalf("Publish: %v", err)
		}
		recv(t, fast.Events())
	}

	// The overflowed subscription must be closed after its buffer drains.
	count := 0
	for range slow.Events() {
		count++
	}
	if count != DefaultSubscriberBuffer {
		t.Fatalf("slow subscriber received %d events before close, want %d", count, DefaultSubscriberBuffer)
	}

	// The survivor keeps receiving.
	if _, err := b.Publish(ctx, models.EventAnnotationCreated, "s1", nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	recv(t, fast.Events())
}

func TestPublishRollsBackSequenceOnAppendFailure(t *testing.T) {
	flaky := &failingLog{}
	b := New(flaky, 7*24*time.Hour, testLogger(t))
	ctx := context.Background()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Close()

	if _, err := b.Publish(ctx, models.EventSessionCreated, "s1", nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	flaky.fail = true
	if _, err := b.Publish(ctx, models.EventSessionCreated, "s1", nil); err == nil {
		t.Fatal("Publish should surface append failure")
	}

	flaky.fail = false
	event, err := b.Publish(ctx, models.EventSessionCreated, "s1", nil)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if event.Sequence != 2 {
		t.Fatalf("sequence after failed append = %d, want 2 (gap-free)", event.Sequence)
	}
}

func TestCloseCancelsSubscriptions(t *testing.T) {
	b := newTestBus(t)
	sub := b.Subscribe()

	b.Close()

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatal("expected closed channel, got event")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}

	// Subscribing after close yields an already-closed subscription.
	late := b.Subscribe()
	if _, ok := <-late.Events(); ok {
		t.Fatal("late subscription should be closed immediately")
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	sub := b.Subscribe()
	sub.Cancel()
	sub.Cancel()
}

// failingLog is an EventLog that fails on demand.
type failingLog struct {
	mu   sync.Mutex
	fail bool
	max  int64
}

func (f *failingLog) AppendEvent(ctx context.Context, event *models.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("disk full")
	}
	f.max = event.Sequence
	return nil
}

func (f *failingLog) MaxSequence(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.max, nil
}

func (f *failingLog) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}
