package service

import (
	"context"
	"testing"
	"time"

	"github.com/agentation/agentation/internal/annotation/models"
	"github.com/agentation/agentation/internal/annotation/store"
	"github.com/agentation/agentation/internal/common/logger"
	"github.com/agentation/agentation/internal/events/bus"
)

func newTestService(t *testing.T) (*Service, *bus.Subscription) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })

	b := bus.New(st, 7*24*time.Hour, log)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start bus: %v", err)
	}
	t.Cleanup(b.Close)

	sub := b.Subscribe()
	return New(st, b, log), sub
}

func nextEvent(t *testing.T, sub *bus.Subscription) *models.Event {
	t.Helper()
	select {
	case event, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription closed")
		}
		return event
	case <-time.After(time.Second):
		t.Fatal("no event published")
		return nil
	}
}

func TestEveryMutationPublishesOneEvent(t *testing.T) {
	svc, sub := newTestService(t)
	ctx := context.Background()

	session, err := svc.CreateSession(ctx, "http://localhost:3000/", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if e := nextEvent(t, sub); e.Type != models.EventSessionCreated || e.SessionID != session.ID {
		t.Fatalf("got %s for %s", e.Type, e.SessionID)
	}

	a, err := svc.AddAnnotation(ctx, session.ID, &models.AnnotationInput{
		Comment: "x", Element: "p", ElementPath: "body>p",
	})
	if err != nil {
		t.Fatalf("AddAnnotation: %v", err)
	}
	if e := nextEvent(t, sub); e.Type != models.EventAnnotationCreated {
		t.Fatalf("got %s, want annotation.created", e.Type)
	}

	ack := models.StatusAcknowledged
	if _, err := svc.UpdateAnnotation(ctx, a.ID, &models.AnnotationPatch{Status: &ack}); err != nil {
		t.Fatalf("UpdateAnnotation: %v", err)
	}
	if e := nextEvent(t, sub); e.Type != models.EventAnnotationUpdated {
		t.Fatalf("got %s, want annotation.updated", e.Type)
	}

	if _, err := svc.AddThreadMessage(ctx, a.ID, models.RoleAgent, "working on it"); err != nil {
		t.Fatalf("AddThreadMessage: %v", err)
	}
	if e := nextEvent(t, sub); e.Type != models.EventThreadMessage {
		t.Fatalf("got %s, want thread.message", e.Type)
	}

	if _, err := svc.DeleteAnnotation(ctx, a.ID); err != nil {
		t.Fatalf("DeleteAnnotation: %v", err)
	}
	e := nextEvent(t, sub)
	if e.Type != models.EventAnnotationDeleted {
		t.Fatalf("got %s, want annotation.deleted", e.Type)
	}
	// Delete events carry the pre-delete snapshot.
	snapshot, ok := e.Payload.(*models.Annotation)
	if !ok || snapshot.ID != a.ID {
		t.Fatalf("delete payload = %#v", e.Payload)
	}
}

func TestSessionCloseEventType(t *testing.T) {
	svc, sub := newTestService(t)
	ctx := context.Background()

	session, err := svc.CreateSession(ctx, "http://localhost:3000/", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	nextEvent(t, sub)

	if _, err := svc.UpdateSessionStatus(ctx, session.ID, models.SessionClosed); err != nil {
		t.Fatalf("UpdateSessionStatus: %v", err)
	}
	if e := nextEvent(t, sub); e.Type != models.EventSessionClosed {
		t.Fatalf("got %s, want session.closed", e.Type)
	}

	reopened, err := svc.UpdateSessionStatus(ctx, session.ID, models.SessionActive)
	if err != nil {
		t.Fatalf("UpdateSessionStatus: %v", err)
	}
	if reopened.Status != models.SessionActive {
		t.Fatalf("status = %s", reopened.Status)
	}
	if e := nextEvent(t, sub); e.Type != models.EventSessionUpdated {
		t.Fatalf("got %s, want session.updated", e.Type)
	}

	if _, err := svc.DeleteSession(ctx, session.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if e := nextEvent(t, sub); e.Type != models.EventSessionClosed {
		t.Fatalf("got %s, want session.closed", e.Type)
	}
}

func TestFailedMutationPublishesNothing(t *testing.T) {
	svc, sub := newTestService(t)
	ctx := context.Background()

	if _, err := svc.AddAnnotation(ctx, "no-such-session", &models.AnnotationInput{
		Comment: "x", Element: "p", ElementPath: "body>p",
	}); err == nil {
		t.Fatal("expected error for unknown session")
	}

	select {
	case e := <-sub.Events():
		t.Fatalf("unexpected event %s", e.Type)
	case <-time.After(50 * time.Millisecond):
	}
}
