// Package bus assigns every mutation a monotonic sequence number, persists
// the resulting event, and fans it out to live subscribers. A slow subscriber
// is dropped rather than allowed to delay the others; dropped clients
// reconnect with their last sequence and replay from the log.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentation/agentation/internal/annotation/models"
	"github.com/agentation/agentation/internal/common/logger"
)

// DefaultSubscriberBuffer is the per-subscriber channel capacity. A full
// buffer drops the subscription.
const DefaultSubscriberBuffer = 64

// EventLog is the slice of the store the bus writes through.
type EventLog interface {
	AppendEvent(ctx context.Context, event *models.Event) error
	MaxSequence(ctx context.Context) (int64, error)
	DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Bus owns the sequence counter, the event log, and the subscriber set.
type Bus struct {
	log       EventLog
	logger    *logger.Logger
	retention time.Duration

	// publishMu orders sequence assignment and log append so observed
	// sequence order always matches append order.
	publishMu sync.Mutex
	seq       int64

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// New creates a bus over the given event log. Call Start before publishing.
func New(log EventLog, retention time.Duration, logg *logger.Logger) *Bus {
	return &Bus{
		log:       log,
		logger:    logg.WithFields(zap.String("component", "event-bus")),
		retention: retention,
		subs:      make(map[*Subscription]struct{}),
	}
}

// Start seeds the sequence counter from the persisted log so a durable
// backing never re-issues a sequence number after restart.
func (b *Bus) Start(ctx context.Context) error {
	max, err := b.log.MaxSequence(ctx)
	if err != nil {
		return fmt.Errorf("failed to seed sequence counter: %w", err)
	}
	b.publishMu.Lock()
	b.seq = max
	b.publishMu.Unlock()
	return nil
}

// Publish assigns the next sequence, appends the event to the log, and
// delivers it to matching subscribers. The append happens before Publish
// returns, so a caller that then reads the log is guaranteed to see the
// event.
func (b *Bus) Publish(ctx context.Context, eventType, sessionID string, payload interface{}) (*models.Event, error) {
	b.publishMu.Lock()
	b.seq++
	event := &models.Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
		Sequence:  b.seq,
		Payload:   payload,
	}
	err := b.log.AppendEvent(ctx, event)
	if err != nil {
		// The event was never persisted; reclaim the number to keep the log
		// gap-free.
		b.seq--
		b.publishMu.Unlock()
		return nil, fmt.Errorf("failed to append event %d: %w", event.Sequence, err)
	}
	// Fan out before releasing the publish lock: sends are non-blocking, and
	// holding the lock keeps per-subscriber delivery in sequence order even
	// under concurrent publishes.
	b.fanOut(event)
	b.publishMu.Unlock()

	b.logger.Debug("published event",
		zap.String("type", eventType),
		zap.String("session_id", sessionID),
		zap.Int64("sequence", event.Sequence))
	return event, nil
}

func (b *Bus) fanOut(event *models.Event) {
	var overflowed []*Subscription

	b.mu.RLock()
	for sub := range b.subs {
		if sub.sessionID != "" && sub.sessionID != event.SessionID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Buffer full: the subscriber is too slow. Drop it so the
			// other sinks keep receiving in order.
			overflowed = append(overflowed, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range overflowed {
		b.logger.Warn("subscriber buffer overflow, dropping subscription",
			zap.String("session_id", sub.sessionID),
			zap.Int64("sequence", event.Sequence))
		sub.Cancel()
	}
}

// Subscribe registers a sink for all events.
func (b *Bus) Subscribe() *Subscription {
	return b.subscribe("")
}

// SubscribeToSession registers a sink for one session's events.
func (b *Bus) SubscribeToSession(sessionID string) *Subscription {
	return b.subscribe(sessionID)
}

func (b *Bus) subscribe(sessionID string) *Subscription {
	sub := &Subscription{
		bus:       b,
		sessionID: sessionID,
		ch:        make(chan *models.Event, DefaultSubscriberBuffer),
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// RunRetention deletes events older than the retention window, sweeping once
// per hour until ctx is done.
func (b *Bus) RunRetention(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sweep(ctx)
		}
	}
}

func (b *Bus) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-b.retention)
	removed, err := b.log.DeleteEventsBefore(ctx, cutoff)
	if err != nil {
		b.logger.Warn("retention sweep failed", zap.Error(err))
		return
	}
	if removed > 0 {
		b.logger.Info("retention sweep removed events",
			zap.Int64("removed", removed),
			zap.Time("cutoff", cutoff))
	}
}

// Close cancels every subscription. Publish on a closed bus still appends to
// the log but delivers to no one.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
}
