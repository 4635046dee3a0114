// Package models defines the annotation broker's domain records: sessions,
// annotations, thread messages, and the events emitted for every mutation.
package models

import "time"

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionClosed SessionStatus = "closed"
)

// AnnotationStatus is the lifecycle state of an annotation.
type AnnotationStatus string

const (
	StatusPending      AnnotationStatus = "pending"
	StatusAcknowledged AnnotationStatus = "acknowledged"
	StatusResolved     AnnotationStatus = "resolved"
	StatusDismissed    AnnotationStatus = "dismissed"
)

// Intent classifies what the annotator wants done.
type Intent string

const (
	IntentFix      Intent = "fix"
	IntentChange   Intent = "change"
	IntentQuestion Intent = "question"
	IntentApprove  Intent = "approve"
)

// Severity classifies how urgent an annotation is.
type Severity string

const (
	SeverityBlocking   Severity = "blocking"
	SeverityImportant  Severity = "important"
	SeveritySuggestion Severity = "suggestion"
)

// Role identifies who authored a thread message or resolved an annotation.
type Role string

const (
	RoleHuman Role = "human"
	RoleAgent Role = "agent"
)

// Event types emitted by the broker.
const (
	EventAnnotationCreated = "annotation.created"
	EventAnnotationUpdated = "annotation.updated"
	EventAnnotationDeleted = "annotation.deleted"
	EventSessionCreated    = "session.created"
	EventSessionUpdated    = "session.updated"
	EventSessionClosed     = "session.closed"
	EventThreadMessage     = "thread.message"
)

// Session is a page-annotation context. It owns an ordered sequence of
// annotations.
type Session struct {
	ID        string        `json:"id" db:"id"`
	URL       string        `json:"url" db:"url"`
	ProjectID string        `json:"projectId,omitempty" db:"project_id"`
	Status    SessionStatus `json:"status" db:"status"`
	CreatedAt time.Time     `json:"createdAt" db:"created_at"`
}

// SessionDetail embeds a session's annotations in insertion order.
type SessionDetail struct {
	Session
	Annotations []*Annotation `json:"annotations"`
}

// BoundingBox is the annotated element's position on the page.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Annotation is one piece of feedback attached to one page element.
//
// Context carries arbitrary client-supplied strings (computed styles, nearby
// text, component tree, ...) stored and returned verbatim so the wire schema
// stays forward-compatible.
type Annotation struct {
	ID          string            `json:"id"`
	SessionID   string            `json:"sessionId"`
	Comment     string            `json:"comment"`
	Element     string            `json:"element"`
	ElementPath string            `json:"elementPath"`
	URL         string            `json:"url,omitempty"`
	Box         *BoundingBox      `json:"boundingBox,omitempty"`
	Intent      Intent            `json:"intent,omitempty"`
	Severity    Severity          `json:"severity,omitempty"`
	Status      AnnotationStatus  `json:"status"`
	ResolvedBy  Role              `json:"resolvedBy,omitempty"`
	ResolvedAt  *time.Time        `json:"resolvedAt,omitempty"`
	Context     map[string]string `json:"context,omitempty"`
	Thread      []*ThreadMessage  `json:"thread"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// ThreadMessage is one reply on an annotation's thread. Append-only.
type ThreadMessage struct {
	ID           string    `json:"id" db:"id"`
	AnnotationID string    `json:"annotationId" db:"annotation_id"`
	Role         Role      `json:"role" db:"role"`
	Content      string    `json:"content" db:"content"`
	CreatedAt    time.Time `json:"createdAt" db:"created_at"`
}

// Event is the durable record of a single mutation. Sequence is assigned by
// the event bus and is strictly increasing for the life of the process.
type Event struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	SessionID string      `json:"sessionId"`
	Sequence  int64       `json:"sequence"`
	Payload   interface{} `json:"payload"`
}

// legalTransitions is the annotation status lattice. pending is initial;
// resolved and dismissed reopen back to pending.
var legalTransitions = map[AnnotationStatus][]AnnotationStatus{
	StatusPending:      {StatusAcknowledged, StatusDismissed},
	StatusAcknowledged: {StatusResolved, StatusDismissed},
	StatusResolved:     {StatusPending},
	StatusDismissed:    {StatusPending},
}

// ValidStatus reports whether s is a known annotation status.
func ValidStatus(s AnnotationStatus) bool {
	_, ok := legalTransitions[s]
	return ok
}

// CanTransition reports whether moving from one status to another is a legal
// edge of the lattice. A same-status "transition" is allowed so that
// idempotent patches are no-ops rather than validation failures.
func CanTransition(from, to AnnotationStatus) bool {
	if from == to {
		return true
	}
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidIntent reports whether the intent value is recognized. Empty is
// allowed (intent is optional).
func ValidIntent(i Intent) bool {
	switch i {
	case "", IntentFix, IntentChange, IntentQuestion, IntentApprove:
		return true
	}
	return false
}

// ValidSeverity reports whether the severity value is recognized. Empty is
// allowed (severity is optional).
func ValidSeverity(s Severity) bool {
	switch s {
	case "", SeverityBlocking, SeverityImportant, SeveritySuggestion:
		return true
	}
	return false
}

// ValidRole reports whether the role value is recognized.
func ValidRole(r Role) bool {
	return r == RoleHuman || r == RoleAgent
}

// AnnotationInput carries the client-supplied fields for a new annotation.
type AnnotationInput struct {
	Comment     string            `json:"comment"`
	Element     string            `json:"element"`
	ElementPath string            `json:"elementPath"`
	URL         string            `json:"url"`
	Box         *BoundingBox      `json:"boundingBox"`
	Intent      Intent            `json:"intent"`
	Severity    Severity          `json:"severity"`
	Context     map[string]string `json:"context"`
}

// AnnotationPatch is a partial annotation update. Nil fields are preserved;
// non-nil fields overwrite (last writer wins).
type AnnotationPatch struct {
	Comment     *string           `json:"comment"`
	Element     *string           `json:"element"`
	ElementPath *string           `json:"elementPath"`
	URL         *string           `json:"url"`
	Box         *BoundingBox      `json:"boundingBox"`
	Intent      *Intent           `json:"intent"`
	Severity    *Severity         `json:"severity"`
	Status      *AnnotationStatus `json:"status"`
	ResolvedBy  *Role             `json:"resolvedBy"`
	Context     map[string]string `json:"context"`
}
