// Package store provides durable custody of sessions, annotations, thread
// messages, and the event log. Two interchangeable backings exist: SQLite
// (single file, default) and memory (volatile). Only the store mutates these
// entities; everything else borrows read-only views.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentation/agentation/internal/annotation/models"
)

// ErrNotFound is the sentinel wrapped by NotFoundError. Use errors.Is to
// detect missing entities regardless of kind.
var ErrNotFound = errors.New("not found")

// NotFoundError identifies a missing session, annotation, or thread parent.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// ValidationError reports a malformed field or an illegal status transition.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Store is the single source of truth for all broker state. Every method is
// synchronous; mutations return the post-state of the affected entity
// (DeleteAnnotation and DeleteSession return the pre-delete snapshot).
type Store interface {
	CreateSession(ctx context.Context, url, projectID string) (*models.Session, error)
	ListSessions(ctx context.Context) ([]*models.Session, error)
	GetSession(ctx context.Context, id string) (*models.Session, error)
	GetSessionWithAnnotations(ctx context.Context, id string) (*models.SessionDetail, error)
	UpdateSessionStatus(ctx context.Context, id string, status models.SessionStatus) (*models.Session, error)
	DeleteSession(ctx context.Context, id string) (*models.Session, error)

	AddAnnotation(ctx context.Context, sessionID string, input *models.AnnotationInput) (*models.Annotation, error)
	GetAnnotation(ctx context.Context, id string) (*models.Annotation, error)
	UpdateAnnotation(ctx context.Context, id string, patch *models.AnnotationPatch) (*models.Annotation, error)
	DeleteAnnotation(ctx context.Context, id string) (*models.Annotation, error)
	GetPendingAnnotations(ctx context.Context, sessionID string) ([]*models.Annotation, error)
	ListPendingAnnotations(ctx context.Context) ([]*models.Annotation, error)

	AddThreadMessage(ctx context.Context, annotationID string, role models.Role, content string) (*models.Annotation, error)

	AppendEvent(ctx context.Context, event *models.Event) error
	// GetEventsSince returns events with sequence strictly greater than
	// lastSequence, in sequence order. An empty sessionID matches all
	// sessions. limit <= 0 means no limit.
	GetEventsSince(ctx context.Context, sessionID string, lastSequence int64, limit int) ([]*models.Event, error)
	MaxSequence(ctx context.Context) (int64, error)
	DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}

// validateInput checks the client-supplied fields of a new annotation.
func validateInput(input *models.AnnotationInput) error {
	if input == nil {
		return &ValidationError{Reason: "annotation body is required"}
	}
	if input.Comment == "" {
		return &ValidationError{Reason: "comment is required"}
	}
	if input.Element == "" {
		return &ValidationError{Reason: "element is required"}
	}
	if input.ElementPath == "" {
		return &ValidationError{Reason: "elementPath is required"}
	}
	if !models.ValidIntent(input.Intent) {
		return &ValidationError{Reason: fmt.Sprintf("invalid intent: %s", input.Intent)}
	}
	if !models.ValidSeverity(input.Severity) {
		return &ValidationError{Reason: fmt.Sprintf("invalid severity: %s", input.Severity)}
	}
	return nil
}

// applyPatch mutates a in place according to patch. Nil patch fields are
// preserved; status changes are checked against the transition lattice.
// resolvedAt/resolvedBy are set exactly when the annotation lands in
// resolved or dismissed, and cleared on reopen.
func applyPatch(a *models.Annotation, patch *models.AnnotationPatch, now time.Time) error {
	if patch == nil {
		return &ValidationError{Reason: "patch body is required"}
	}
	if patch.Status != nil {
		if !models.ValidStatus(*patch.Status) {
			return &ValidationError{Reason: fmt.Sprintf("invalid status: %s", *patch.Status)}
		}
		if !models.CanTransition(a.Status, *patch.Status) {
			return &ValidationError{Reason: fmt.Sprintf("illegal status transition: %s -> %s", a.Status, *patch.Status)}
		}
	}
	if patch.Intent != nil && !models.ValidIntent(*patch.Intent) {
		return &ValidationError{Reason: fmt.Sprintf("invalid intent: %s", *patch.Intent)}
	}
	if patch.Severity != nil && !models.ValidSeverity(*patch.Severity) {
		return &ValidationError{Reason: fmt.Sprintf("invalid severity: %s", *patch.Severity)}
	}
	if patch.ResolvedBy != nil && !models.ValidRole(*patch.ResolvedBy) {
		return &ValidationError{Reason: fmt.Sprintf("invalid resolvedBy: %s", *patch.ResolvedBy)}
	}

	if patch.Comment != nil {
		if *patch.Comment == "" {
			return &ValidationError{Reason: "comment cannot be empty"}
		}
		a.Comment = *patch.Comment
	}
	if patch.Element != nil {
		a.Element = *patch.Element
	}
	if patch.ElementPath != nil {
		a.ElementPath = *patch.ElementPath
	}
	if patch.URL != nil {
		a.URL = *patch.URL
	}
	if patch.Box != nil {
		box := *patch.Box
		a.Box = &box
	}
	if patch.Intent != nil {
		a.Intent = *patch.Intent
	}
	if patch.Severity != nil {
		a.Severity = *patch.Severity
	}
	if patch.Context != nil {
		// A present context field overwrites the stored bag wholesale, like
		// every other patch field.
		a.Context = make(map[string]string, len(patch.Context))
		for k, v := range patch.Context {
			a.Context[k] = v
		}
	}
	if patch.Status != nil && *patch.Status != a.Status {
		switch *patch.Status {
		case models.StatusResolved, models.StatusDismissed:
			t := now
			a.ResolvedAt = &t
			a.ResolvedBy = models.RoleHuman
			if patch.ResolvedBy != nil {
				a.ResolvedBy = *patch.ResolvedBy
			}
		case models.StatusPending:
			a.ResolvedAt = nil
			a.ResolvedBy = ""
		}
		a.Status = *patch.Status
	} else if patch.ResolvedBy != nil &&
		(a.Status == models.StatusResolved || a.Status == models.StatusDismissed) {
		a.ResolvedBy = *patch.ResolvedBy
	}
	a.UpdatedAt = now
	return nil
}

// cloneAnnotation returns a deep copy so callers cannot alias stored state.
func cloneAnnotation(a *models.Annotation) *models.Annotation {
	if a == nil {
		return nil
	}
	out := *a
	if a.Box != nil {
		box := *a.Box
		out.Box = &box
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		out.ResolvedAt = &t
	}
	if a.Context != nil {
		out.Context = make(map[string]string, len(a.Context))
		for k, v := range a.Context {
			out.Context[k] = v
		}
	}
	out.Thread = make([]*models.ThreadMessage, len(a.Thread))
	for i, m := range a.Thread {
		msg := *m
		out.Thread[i] = &msg
	}
	return &out
}

func cloneSession(s *models.Session) *models.Session {
	if s == nil {
		return nil
	}
	out := *s
	return &out
}
