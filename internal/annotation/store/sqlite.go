package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/agentation/agentation/internal/annotation/models"
	"github.com/agentation/agentation/internal/db"
)

// SQLiteStore is the durable backing: one file, WAL mode, writes serialized
// through the pool's single writer connection.
type SQLiteStore struct {
	pool *db.Pool
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the store at dbPath and initializes the
// schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	writer, err := db.OpenSQLite(dbPath)
	if err != nil {
		return nil, err
	}
	reader, err := db.OpenSQLiteReader(dbPath)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	return NewSQLiteStoreWithDB(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"))
}

// NewSQLiteStoreWithDB wraps existing connections. Tests use this with a
// shared connection pair.
func NewSQLiteStoreWithDB(writer, reader *sqlx.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{pool: db.NewPool(writer, reader)}
	if err := s.initSchema(); err != nil {
		_ = s.pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		project_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS annotations (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		comment TEXT NOT NULL,
		element TEXT NOT NULL,
		element_path TEXT NOT NULL,
		url TEXT NOT NULL DEFAULT '',
		bounding_box TEXT,
		intent TEXT NOT NULL DEFAULT '',
		severity TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		resolved_by TEXT NOT NULL DEFAULT '',
		resolved_at DATETIME,
		context TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_annotations_session ON annotations(session_id, created_at, id);

	CREATE TABLE IF NOT EXISTS thread_messages (
		id TEXT PRIMARY KEY,
		annotation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (annotation_id) REFERENCES annotations(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_thread_messages_annotation ON thread_messages(annotation_id, created_at, id);

	CREATE TABLE IF NOT EXISTS events (
		sequence INTEGER PRIMARY KEY,
		type TEXT NOT NULL,
		session_id TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		payload TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, sequence);
	`
	_, err := s.pool.Writer().Exec(schema)
	return err
}

// annotationRow is the flat SQLite shape of an annotation. bounding_box and
// context hold JSON.
type annotationRow struct {
	ID          string         `db:"id"`
	SessionID   string         `db:"session_id"`
	Comment     string         `db:"comment"`
	Element     string         `db:"element"`
	ElementPath string         `db:"element_path"`
	URL         string         `db:"url"`
	BoundingBox sql.NullString `db:"bounding_box"`
	Intent      string         `db:"intent"`
	Severity    string         `db:"severity"`
	Status      string         `db:"status"`
	ResolvedBy  string         `db:"resolved_by"`
	ResolvedAt  sql.NullTime   `db:"resolved_at"`
	Context     string         `db:"context"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

func (r *annotationRow) toModel() (*models.Annotation, error) {
	a := &models.Annotation{
		ID:          r.ID,
		SessionID:   r.SessionID,
		Comment:     r.Comment,
		Element:     r.Element,
		ElementPath: r.ElementPath,
		URL:         r.URL,
		Intent:      models.Intent(r.Intent),
		Severity:    models.Severity(r.Severity),
		Status:      models.AnnotationStatus(r.Status),
		ResolvedBy:  models.Role(r.ResolvedBy),
		Thread:      []*models.ThreadMessage{},
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
	if r.ResolvedAt.Valid {
		t := r.ResolvedAt.Time.UTC()
		a.ResolvedAt = &t
	}
	if r.BoundingBox.Valid && r.BoundingBox.String != "" {
		var box models.BoundingBox
		if err := json.Unmarshal([]byte(r.BoundingBox.String), &box); err != nil {
			return nil, fmt.Errorf("corrupt bounding_box for annotation %s: %w", r.ID, err)
		}
		a.Box = &box
	}
	if r.Context != "" && r.Context != "{}" {
		if err := json.Unmarshal([]byte(r.Context), &a.Context); err != nil {
			return nil, fmt.Errorf("corrupt context for annotation %s: %w", r.ID, err)
		}
	}
	return a, nil
}

func annotationToRow(a *models.Annotation) (*annotationRow, error) {
	r := &annotationRow{
		ID:          a.ID,
		SessionID:   a.SessionID,
		Comment:     a.Comment,
		Element:     a.Element,
		ElementPath: a.ElementPath,
		URL:         a.URL,
		Intent:      string(a.Intent),
		Severity:    string(a.Severity),
		Status:      string(a.Status),
		ResolvedBy:  string(a.ResolvedBy),
		Context:     "{}",
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.UpdatedAt,
	}
	if a.ResolvedAt != nil {
		r.ResolvedAt = sql.NullTime{Time: *a.ResolvedAt, Valid: true}
	}
	if a.Box != nil {
		raw, err := json.Marshal(a.Box)
		if err != nil {
			return nil, err
		}
		r.BoundingBox = sql.NullString{String: string(raw), Valid: true}
	}
	if len(a.Context) > 0 {
		raw, err := json.Marshal(a.Context)
		if err != nil {
			return nil, err
		}
		r.Context = string(raw)
	}
	return r, nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, url, projectID string) (*models.Session, error) {
	if url == "" {
		return nil, &ValidationError{Reason: "url is required"}
	}
	session := &models.Session{
		ID:        uuid.New().String(),
		URL:       url,
		ProjectID: projectID,
		Status:    models.SessionActive,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.pool.Writer().ExecContext(ctx,
		`INSERT INTO sessions (id, url, project_id, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		session.ID, session.URL, session.ProjectID, session.Status, session.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*models.Session, error) {
	sessions := []*models.Session{}
	err := s.pool.Reader().SelectContext(ctx, &sessions,
		`SELECT id, url, project_id, status, created_at FROM sessions ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

func (s *SQLiteStore) getSession(ctx context.Context, q sqlx.QueryerContext, id string) (*models.Session, error) {
	var session models.Session
	err := sqlx.GetContext(ctx, q, &session,
		`SELECT id, url, project_id, status, created_at FROM sessions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "session", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &session, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	return s.getSession(ctx, s.pool.Reader(), id)
}

func (s *SQLiteStore) GetSessionWithAnnotations(ctx context.Context, id string) (*models.SessionDetail, error) {
	session, err := s.getSession(ctx, s.pool.Reader(), id)
	if err != nil {
		return nil, err
	}
	annotations, err := s.selectAnnotations(ctx,
		`SELECT * FROM annotations WHERE session_id = ? ORDER BY created_at, id`, id)
	if err != nil {
		return nil, err
	}
	return &models.SessionDetail{Session: *session, Annotations: annotations}, nil
}

func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, id string, status models.SessionStatus) (*models.Session, error) {
	if status != models.SessionActive && status != models.SessionClosed {
		return nil, &ValidationError{Reason: "invalid session status: " + string(status)}
	}
	res, err := s.pool.Writer().ExecContext(ctx,
		`UPDATE sessions SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, &NotFoundError{Kind: "session", ID: id}
	}
	return s.getSession(ctx, s.pool.Writer(), id)
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) (*models.Session, error) {
	session, err := s.getSession(ctx, s.pool.Writer(), id)
	if err != nil {
		return nil, err
	}
	// ON DELETE CASCADE removes the session's annotations and their threads.
	if _, err := s.pool.Writer().ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("failed to delete session: %w", err)
	}
	return session, nil
}

// selectAnnotations runs an annotation query and attaches each result's
// thread messages in creation order.
func (s *SQLiteStore) selectAnnotations(ctx context.Context, query string, args ...interface{}) ([]*models.Annotation, error) {
	rows := []annotationRow{}
	if err := s.pool.Reader().SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query annotations: %w", err)
	}
	out := make([]*models.Annotation, 0, len(rows))
	for i := range rows {
		a, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		if err := s.loadThread(ctx, s.pool.Reader(), a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *SQLiteStore) loadThread(ctx context.Context, q sqlx.QueryerContext, a *models.Annotation) error {
	messages := []*models.ThreadMessage{}
	err := sqlx.SelectContext(ctx, q, &messages,
		`SELECT id, annotation_id, role, content, created_at
		 FROM thread_messages WHERE annotation_id = ? ORDER BY created_at, id`, a.ID)
	if err != nil {
		return fmt.Errorf("failed to load thread: %w", err)
	}
	a.Thread = messages
	return nil
}

func (s *SQLiteStore) AddAnnotation(ctx context.Context, sessionID string, input *models.AnnotationInput) (*models.Annotation, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	a := &models.Annotation{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		Comment:     input.Comment,
		Element:     input.Element,
		ElementPath: input.ElementPath,
		URL:         input.URL,
		Box:         input.Box,
		Intent:      input.Intent,
		Severity:    input.Severity,
		Status:      models.StatusPending,
		Context:     input.Context,
		Thread:      []*models.ThreadMessage{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	row, err := annotationToRow(a)
	if err != nil {
		return nil, err
	}
	// Check and insert in one transaction so a concurrent session delete
	// surfaces as not-found instead of a foreign key failure.
	tx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := s.getSession(ctx, tx, sessionID); err != nil {
		return nil, err
	}
	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO annotations (id, session_id, comment, element, element_path, url,
			bounding_box, intent, severity, status, resolved_by, resolved_at, context,
			created_at, updated_at)
		VALUES (:id, :session_id, :comment, :element, :element_path, :url,
			:bounding_box, :intent, :severity, :status, :resolved_by, :resolved_at, :context,
			:created_at, :updated_at)`, row)
	if err != nil {
		return nil, fmt.Errorf("failed to insert annotation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit annotation: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) getAnnotation(ctx context.Context, q sqlx.QueryerContext, id string) (*models.Annotation, error) {
	var row annotationRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT * FROM annotations WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "annotation", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get annotation: %w", err)
	}
	a, err := row.toModel()
	if err != nil {
		return nil, err
	}
	if err := s.loadThread(ctx, q, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *SQLiteStore) GetAnnotation(ctx context.Context, id string) (*models.Annotation, error) {
	return s.getAnnotation(ctx, s.pool.Reader(), id)
}

func (s *SQLiteStore) UpdateAnnotation(ctx context.Context, id string, patch *models.AnnotationPatch) (*models.Annotation, error) {
	// Read-modify-write through the writer connection; the single-connection
	// pool serializes concurrent patches.
	a, err := s.getAnnotation(ctx, s.pool.Writer(), id)
	if err != nil {
		return nil, err
	}
	if err := applyPatch(a, patch, time.Now().UTC()); err != nil {
		return nil, err
	}
	row, err := annotationToRow(a)
	if err != nil {
		return nil, err
	}
	_, err = s.pool.Writer().NamedExecContext(ctx, `
		UPDATE annotations SET comment = :comment, element = :element,
			element_path = :element_path, url = :url, bounding_box = :bounding_box,
			intent = :intent, severity = :severity, status = :status,
			resolved_by = :resolved_by, resolved_at = :resolved_at, context = :context,
			updated_at = :updated_at
		WHERE id = :id`, row)
	if err != nil {
		return nil, fmt.Errorf("failed to update annotation: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) DeleteAnnotation(ctx context.Context, id string) (*models.Annotation, error) {
	a, err := s.getAnnotation(ctx, s.pool.Writer(), id)
	if err != nil {
		return nil, err
	}
	// ON DELETE CASCADE removes the thread messages.
	if _, err := s.pool.Writer().ExecContext(ctx, `DELETE FROM annotations WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("failed to delete annotation: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) GetPendingAnnotations(ctx context.Context, sessionID string) ([]*models.Annotation, error) {
	return s.selectAnnotations(ctx,
		`SELECT * FROM annotations WHERE session_id = ? AND status = ? ORDER BY created_at, id`,
		sessionID, models.StatusPending)
}

func (s *SQLiteStore) ListPendingAnnotations(ctx context.Context) ([]*models.Annotation, error) {
	return s.selectAnnotations(ctx,
		`SELECT * FROM annotations WHERE status = ? ORDER BY created_at, id`,
		models.StatusPending)
}

func (s *SQLiteStore) AddThreadMessage(ctx context.Context, annotationID string, role models.Role, content string) (*models.Annotation, error) {
	if !models.ValidRole(role) {
		return nil, &ValidationError{Reason: "invalid role: " + string(role)}
	}
	if content == "" {
		return nil, &ValidationError{Reason: "content is required"}
	}
	if _, err := s.getAnnotation(ctx, s.pool.Writer(), annotationID); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	msg := &models.ThreadMessage{
		ID:           uuid.New().String(),
		AnnotationID: annotationID,
		Role:         role,
		Content:      content,
		CreatedAt:    now,
	}
	tx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO thread_messages (id, annotation_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.AnnotationID, msg.Role, msg.Content, msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert thread message: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE annotations SET updated_at = ? WHERE id = ?`, now, annotationID)
	if err != nil {
		return nil, fmt.Errorf("failed to bump annotation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit thread message: %w", err)
	}
	return s.getAnnotation(ctx, s.pool.Writer(), annotationID)
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, event *models.Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode event payload: %w", err)
	}
	_, err = s.pool.Writer().ExecContext(ctx,
		`INSERT INTO events (sequence, type, session_id, timestamp, payload) VALUES (?, ?, ?, ?, ?)`,
		event.Sequence, event.Type, event.SessionID, event.Timestamp, string(payload))
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

type eventRow struct {
	Sequence  int64     `db:"sequence"`
	Type      string    `db:"type"`
	SessionID string    `db:"session_id"`
	Timestamp time.Time `db:"timestamp"`
	Payload   string    `db:"payload"`
}

func (s *SQLiteStore) GetEventsSince(ctx context.Context, sessionID string, lastSequence int64, limit int) ([]*models.Event, error) {
	query := `SELECT sequence, type, session_id, timestamp, payload FROM events WHERE sequence > ?`
	args := []interface{}{lastSequence}
	if sessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY sequence`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows := []eventRow{}
	if err := s.pool.Reader().SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	out := make([]*models.Event, 0, len(rows))
	for _, r := range rows {
		var payload json.RawMessage
		if err := json.Unmarshal([]byte(r.Payload), &payload); err != nil {
			return nil, fmt.Errorf("corrupt payload for event %d: %w", r.Sequence, err)
		}
		out = append(out, &models.Event{
			Type:      r.Type,
			Timestamp: r.Timestamp.UTC(),
			SessionID: r.SessionID,
			Sequence:  r.Sequence,
			Payload:   payload,
		})
	}
	return out, nil
}

func (s *SQLiteStore) MaxSequence(ctx context.Context) (int64, error) {
	var max sql.NullInt64
	err := s.pool.Reader().GetContext(ctx, &max, `SELECT MAX(sequence) FROM events`)
	if err != nil {
		return 0, fmt.Errorf("failed to read max sequence: %w", err)
	}
	return max.Int64, nil
}

func (s *SQLiteStore) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.pool.Writer().ExecContext(ctx, `DELETE FROM events WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLiteStore) Close() error {
	return s.pool.Close()
}
