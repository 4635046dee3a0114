package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentation/agentation/internal/annotation/models"
)

// MemoryStore keeps all broker state in process memory. It mirrors the
// SQLite backing's semantics exactly and is selected with
// AGENTATION_STORE=memory. Everything is lost on restart.
type MemoryStore struct {
	mu sync.RWMutex

	sessions    map[string]*models.Session
	annotations map[string]*models.Annotation
	// sessionAnnotations preserves insertion order per session.
	sessionAnnotations map[string][]string
	sessionOrder       []string
	events             []*models.Event
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty volatile store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:           make(map[string]*models.Session),
		annotations:        make(map[string]*models.Annotation),
		sessionAnnotations: make(map[string][]string),
	}
}

func (s *MemoryStore) CreateSession(ctx context.Context, url, projectID string) (*models.Session, error) {
	if url == "" {
		return nil, &ValidationError{Reason: "url is required"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	session := &models.Session{
		ID:        uuid.New().String(),
		URL:       url,
		ProjectID: projectID,
		Status:    models.SessionActive,
		CreatedAt: time.Now().UTC(),
	}
	s.sessions[session.ID] = session
	s.sessionOrder = append(s.sessionOrder, session.ID)
	return cloneSession(session), nil
}

func (s *MemoryStore) ListSessions(ctx context.Context) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Session, 0, len(s.sessionOrder))
	for _, id := range s.sessionOrder {
		out = append(out, cloneSession(s.sessions[id]))
	}
	return out, nil
}

func (s *MemoryStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, &NotFoundError{Kind: "session", ID: id}
	}
	return cloneSession(session), nil
}

func (s *MemoryStore) GetSessionWithAnnotations(ctx context.Context, id string) (*models.SessionDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, &NotFoundError{Kind: "session", ID: id}
	}
	detail := &models.SessionDetail{
		Session:     *cloneSession(session),
		Annotations: make([]*models.Annotation, 0, len(s.sessionAnnotations[id])),
	}
	for _, aid := range s.sessionAnnotations[id] {
		detail.Annotations = append(detail.Annotations, cloneAnnotation(s.annotations[aid]))
	}
	return detail, nil
}

func (s *MemoryStore) UpdateSessionStatus(ctx context.Context, id string, status models.SessionStatus) (*models.Session, error) {
	if status != models.SessionActive && status != models.SessionClosed {
		return nil, &ValidationError{Reason: "invalid session status: " + string(status)}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, &NotFoundError{Kind: "session", ID: id}
	}
	session.Status = status
	return cloneSession(session), nil
}

func (s *MemoryStore) DeleteSession(ctx context.Context, id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, &NotFoundError{Kind: "session", ID: id}
	}
	snapshot := cloneSession(session)
	for _, aid := range s.sessionAnnotations[id] {
		delete(s.annotations, aid)
	}
	delete(s.sessionAnnotations, id)
	delete(s.sessions, id)
	for i, sid := range s.sessionOrder {
		if sid == id {
			s.sessionOrder = append(s.sessionOrder[:i], s.sessionOrder[i+1:]...)
			break
		}
	}
	return snapshot, nil
}

func (s *MemoryStore) AddAnnotation(ctx context.Context, sessionID string, input *models.AnnotationInput) (*models.Annotation, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return nil, &NotFoundError{Kind: "session", ID: sessionID}
	}
	now := time.Now().UTC()
	a := &models.Annotation{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		Comment:     input.Comment,
		Element:     input.Element,
		ElementPath: input.ElementPath,
		URL:         input.URL,
		Intent:      input.Intent,
		Severity:    input.Severity,
		Status:      models.StatusPending,
		Thread:      []*models.ThreadMessage{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if input.Box != nil {
		box := *input.Box
		a.Box = &box
	}
	if input.Context != nil {
		a.Context = make(map[string]string, len(input.Context))
		for k, v := range input.Context {
			a.Context[k] = v
		}
	}
	s.annotations[a.ID] = a
	s.sessionAnnotations[sessionID] = append(s.sessionAnnotations[sessionID], a.ID)
	return cloneAnnotation(a), nil
}

func (s *MemoryStore) GetAnnotation(ctx context.Context, id string) (*models.Annotation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.annotations[id]
	if !ok {
		return nil, &NotFoundError{Kind: "annotation", ID: id}
	}
	return cloneAnnotation(a), nil
}

func (s *MemoryStore) UpdateAnnotation(ctx context.Context, id string, patch *models.AnnotationPatch) (*models.Annotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.annotations[id]
	if !ok {
		return nil, &NotFoundError{Kind: "annotation", ID: id}
	}
	if err := applyPatch(a, patch, time.Now().UTC()); err != nil {
		return nil, err
	}
	return cloneAnnotation(a), nil
}

func (s *MemoryStore) DeleteAnnotation(ctx context.Context, id string) (*models.Annotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.annotations[id]
	if !ok {
		return nil, &NotFoundError{Kind: "annotation", ID: id}
	}
	snapshot := cloneAnnotation(a)
	delete(s.annotations, id)
	ids := s.sessionAnnotations[a.SessionID]
	for i, aid := range ids {
		if aid == id {
			s.sessionAnnotations[a.SessionID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return snapshot, nil
}

func (s *MemoryStore) GetPendingAnnotations(ctx context.Context, sessionID string) ([]*models.Annotation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*models.Annotation{}
	for _, aid := range s.sessionAnnotations[sessionID] {
		if a := s.annotations[aid]; a.Status == models.StatusPending {
			out = append(out, cloneAnnotation(a))
		}
	}
	return out, nil
}

func (s *MemoryStore) ListPendingAnnotations(ctx context.Context) ([]*models.Annotation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*models.Annotation{}
	for _, sid := range s.sessionOrder {
		for _, aid := range s.sessionAnnotations[sid] {
			if a := s.annotations[aid]; a.Status == models.StatusPending {
				out = append(out, cloneAnnotation(a))
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) AddThreadMessage(ctx context.Context, annotationID string, role models.Role, content string) (*models.Annotation, error) {
	if !models.ValidRole(role) {
		return nil, &ValidationError{Reason: "invalid role: " + string(role)}
	}
	if content == "" {
		return nil, &ValidationError{Reason: "content is required"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.annotations[annotationID]
	if !ok {
		return nil, &NotFoundError{Kind: "annotation", ID: annotationID}
	}
	now := time.Now().UTC()
	a.Thread = append(a.Thread, &models.ThreadMessage{
		ID:           uuid.New().String(),
		AnnotationID: annotationID,
		Role:         role,
		Content:      content,
		CreatedAt:    now,
	})
	a.UpdatedAt = now
	return cloneAnnotation(a), nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, event *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := *event
	s.events = append(s.events, &e)
	return nil
}

func (s *MemoryStore) GetEventsSince(ctx context.Context, sessionID string, lastSequence int64, limit int) ([]*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*models.Event{}
	// The slice is append-only in sequence order; a binary search finds the
	// first event past lastSequence.
	start := sort.Search(len(s.events), func(i int) bool {
		return s.events[i].Sequence > lastSequence
	})
	for _, e := range s.events[start:] {
		if sessionID != "" && e.SessionID != sessionID {
			continue
		}
		ev := *e
		out = append(out, &ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) MaxSequence(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.events) == 0 {
		return 0, nil
	}
	return s.events[len(s.events)-1].Sequence, nil
}

func (s *MemoryStore) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	var removed int64
	for _, e := range s.events {
		if e.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return removed, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
