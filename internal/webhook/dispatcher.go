// Package webhook forwards broker events to configured HTTP targets.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/agentation/agentation/internal/annotation/models"
	"github.com/agentation/agentation/internal/common/logger"
	"github.com/agentation/agentation/internal/events/bus"
)

const (
	requestTimeout = 5 * time.Second
	maxAttempts    = 3
)

// Dispatcher subscribes to the event bus and POSTs every event envelope to
// each target URL. A single worker drains the subscription so targets see
// events in publication order; delivery is at-most-once per target and a
// failed delivery never blocks the broker.
type Dispatcher struct {
	targets []string
	bus     *bus.Bus
	client  *http.Client
	logger  *logger.Logger
	done    chan struct{}
}

// New creates a Dispatcher for the given targets. A nil or empty target list
// yields a no-op dispatcher.
func New(targets []string, b *bus.Bus, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		targets: targets,
		bus:     b,
		client:  &http.Client{Timeout: requestTimeout},
		logger:  log.WithFields(zap.String("component", "webhook")),
		done:    make(chan struct{}),
	}
}

// Start launches the delivery worker. It returns immediately.
func (d *Dispatcher) Start(ctx context.Context) {
	if len(d.targets) == 0 {
		close(d.done)
		return
	}
	sub := d.bus.Subscribe()
	go d.run(ctx, sub)
	d.logger.Info("webhook dispatcher started", zap.Int("targets", len(d.targets)))
}

// Wait blocks until the delivery worker has drained and exited.
func (d *Dispatcher) Wait() {
	<-d.done
}

func (d *Dispatcher) run(ctx context.Context, sub *bus.Subscription) {
	defer close(d.done)
	defer sub.Cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			d.deliver(ctx, event)
		}
	}
}

// deliver POSTs one event to all targets, in order, with retries.
func (d *Dispatcher) deliver(ctx context.Context, event *models.Event) {
	body, err := json.Marshal(event)
	if err != nil {
		d.logger.Error("failed to encode event", zap.Error(err))
		return
	}
	for _, target := range d.targets {
		d.post(ctx, target, event, body)
	}
}

func (d *Dispatcher) post(ctx context.Context, target string, event *models.Event, body []byte) {
	backoff := time.Second
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			d.logger.Error("failed to build webhook request",
				zap.String("target", target),
				zap.Error(err))
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.client.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode < 400 {
				return
			}
			err = &statusError{code: resp.StatusCode}
		}

		if attempt == maxAttempts {
			d.logger.Warn("webhook delivery failed, giving up",
				zap.String("target", target),
				zap.String("event_type", event.Type),
				zap.Int64("sequence", event.Sequence),
				zap.Int("attempts", attempt),
				zap.Error(err))
			return
		}

		d.logger.Debug("webhook delivery failed, retrying",
			zap.String("target", target),
			zap.Int("attempt", attempt),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.code)
}
