package bus

import (
	"sync"

	"github.com/agentation/agentation/internal/annotation/models"
)

// Subscription is one live sink's handle. Events arrive on Events() in
// sequence order; the channel is closed when the subscription is cancelled,
// dropped for overflow, or the bus shuts down.
type Subscription struct {
	bus       *Bus
	sessionID string
	ch        chan *models.Event
	once      sync.Once
}

// Events returns the receive channel.
func (s *Subscription) Events() <-chan *models.Event {
	return s.ch
}

// Cancel removes the subscription and closes the channel. Idempotent.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}
