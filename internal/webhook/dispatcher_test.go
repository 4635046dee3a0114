package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/agentation/agentation/internal/annotation/models"
	"github.com/agentation/agentation/internal/annotation/store"
	"github.com/agentation/agentation/internal/common/logger"
	"github.com/agentation/agentation/internal/events/bus"
)

func newTestBus(t *testing.T) *bus.Bus {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	b := bus.New(store.NewMemoryStore(), 7*24*time.Hour, log)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start bus: %v", err)
	}
	t.Cleanup(b.Close)
	return b
}

func testLog(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	return log
}

// receiver collects webhook deliveries.
type receiver struct {
	mu     sync.Mutex
	events []models.Event
	got    chan struct{}
}

func newReceiver() *receiver {
	return &receiver{got: make(chan struct{}, 64)}
}

func (r *receiver) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var event models.Event
		if err := json.NewDecoder(req.Body).Decode(&event); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		r.mu.Lock()
		r.events = append(r.events, event)
		r.mu.Unlock()
		r.got <- struct{}{}
	}
}

func (r *receiver) wait(t *testing.T, n int) []models.Event {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.got:
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for delivery %d of %d", i+1, n)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Event, len(r.events))
	copy(out, r.events)
	return out
}

func TestDeliversEventsInOrder(t *testing.T) {
	b := newTestBus(t)
	sink := newReceiver()
	target := httptest.NewServer(sink.handler())
	defer target.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := New([]string{target.URL}, b, testLog(t))
	d.Start(ctx)

	for i := 0; i < 3; i++ {
		if _, err := b.Publish(ctx, models.EventAnnotationCreated, "s1", nil); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	events := sink.wait(t, 3)
	for i, event := range events {
		if event.Sequence != int64(i+1) {
			t.Fatalf("delivery %d has sequence %d", i, event.Sequence)
		}
		if event.Type != models.EventAnnotationCreated {
			t.Fatalf("delivery %d has type %s", i, event.Type)
		}
	}

	cancel()
	d.Wait()
}

func TestRetriesFailedDelivery(t *testing.T) {
	b := newTestBus(t)
	sink := newReceiver()

	var mu sync.Mutex
	failures := 1
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		mu.Lock()
		if failures > 0 {
			failures--
			mu.Unlock()
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		mu.Unlock()
		sink.handler()(w, req)
	}))
	defer target.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := New([]string{target.URL}, b, testLog(t))
	d.Start(ctx)

	if _, err := b.Publish(ctx, models.EventSessionCreated, "s1", nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	events := sink.wait(t, 1)
	if events[0].Type != models.EventSessionCreated {
		t.Fatalf("delivered type = %s", events[0].Type)
	}
}

func TestFanOutToMultipleTargets(t *testing.T) {
	b := newTestBus(t)
	first := newReceiver()
	second := newReceiver()
	s1 := httptest.NewServer(first.handler())
	defer s1.Close()
	s2 := httptest.NewServer(second.handler())
	defer s2.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := New([]string{s1.URL, s2.URL}, b, testLog(t))
	d.Start(ctx)

	if _, err := b.Publish(ctx, models.EventThreadMessage, "s1", nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	first.wait(t, 1)
	second.wait(t, 1)
}

func TestNoTargetsIsNoOp(t *testing.T) {
	b := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := New(nil, b, testLog(t))
	d.Start(ctx)
	d.Wait()
}
