// Package service orchestrates store mutations and event publication. Every
// mutation publishes exactly one event, and the event is appended to the log
// before the mutation's result is returned, so no observer can see a
// mutation without its event.
package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/agentation/agentation/internal/annotation/models"
	"github.com/agentation/agentation/internal/annotation/store"
	"github.com/agentation/agentation/internal/common/logger"
	"github.com/agentation/agentation/internal/events/bus"
)

// Service is the mutation front door shared by the HTTP handlers.
type Service struct {
	store  store.Store
	bus    *bus.Bus
	logger *logger.Logger
}

// New creates a Service.
func New(st store.Store, b *bus.Bus, log *logger.Logger) *Service {
	return &Service{
		store:  st,
		bus:    b,
		logger: log.WithFields(zap.String("component", "annotation-service")),
	}
}

// Store exposes read-only access for handlers that only need queries.
func (s *Service) Store() store.Store {
	return s.store
}

// Bus exposes the event bus for subscribers (SSE handlers, webhooks).
func (s *Service) Bus() *bus.Bus {
	return s.bus
}

func (s *Service) publish(ctx context.Context, eventType, sessionID string, payload interface{}) error {
	if _, err := s.bus.Publish(ctx, eventType, sessionID, payload); err != nil {
		s.logger.Warn("failed to publish event",
			zap.String("type", eventType),
			zap.String("session_id", sessionID),
			zap.Error(err))
		return err
	}
	return nil
}

// CreateSession creates a session and publishes session.created.
func (s *Service) CreateSession(ctx context.Context, url, projectID string) (*models.Session, error) {
	session, err := s.store.CreateSession(ctx, url, projectID)
	if err != nil {
		return nil, err
	}
	if err := s.publish(ctx, models.EventSessionCreated, session.ID, session); err != nil {
		return nil, err
	}
	return session, nil
}

// UpdateSessionStatus changes a session's status and publishes
// session.updated, or session.closed when the session transitions to closed.
func (s *Service) UpdateSessionStatus(ctx context.Context, id string, status models.SessionStatus) (*models.Session, error) {
	session, err := s.store.UpdateSessionStatus(ctx, id, status)
	if err != nil {
		return nil, err
	}
	eventType := models.EventSessionUpdated
	if status == models.SessionClosed {
		eventType = models.EventSessionClosed
	}
	if err := s.publish(ctx, eventType, session.ID, session); err != nil {
		return nil, err
	}
	return session, nil
}

// DeleteSession removes a session with its annotations and threads. The
// event is session.closed carrying the pre-delete snapshot; there is no
// dedicated deletion event type.
func (s *Service) DeleteSession(ctx context.Context, id string) (*models.Session, error) {
	session, err := s.store.DeleteSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.publish(ctx, models.EventSessionClosed, session.ID, session); err != nil {
		return nil, err
	}
	return session, nil
}

// AddAnnotation attaches a new annotation to a session and publishes
// annotation.created.
func (s *Service) AddAnnotation(ctx context.Context, sessionID string, input *models.AnnotationInput) (*models.Annotation, error) {
	a, err := s.store.AddAnnotation(ctx, sessionID, input)
	if err != nil {
		return nil, err
	}
	if err := s.publish(ctx, models.EventAnnotationCreated, a.SessionID, a); err != nil {
		return nil, err
	}
	return a, nil
}

// UpdateAnnotation applies a partial patch and publishes annotation.updated.
func (s *Service) UpdateAnnotation(ctx context.Context, id string, patch *models.AnnotationPatch) (*models.Annotation, error) {
	a, err := s.store.UpdateAnnotation(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	if err := s.publish(ctx, models.EventAnnotationUpdated, a.SessionID, a); err != nil {
		return nil, err
	}
	return a, nil
}

// DeleteAnnotation removes an annotation (cascading its thread) and
// publishes annotation.deleted with the pre-delete snapshot.
func (s *Service) DeleteAnnotation(ctx context.Context, id string) (*models.Annotation, error) {
	a, err := s.store.DeleteAnnotation(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.publish(ctx, models.EventAnnotationDeleted, a.SessionID, a); err != nil {
		return nil, err
	}
	return a, nil
}

// AddThreadMessage appends a reply to an annotation's thread and publishes
// thread.message with the whole post-append annotation.
func (s *Service) AddThreadMessage(ctx context.Context, annotationID string, role models.Role, content string) (*models.Annotation, error) {
	a, err := s.store.AddThreadMessage(ctx, annotationID, role, content)
	if err != nil {
		return nil, err
	}
	if err := s.publish(ctx, models.EventThreadMessage, a.SessionID, a); err != nil {
		return nil, err
	}
	return a, nil
}
