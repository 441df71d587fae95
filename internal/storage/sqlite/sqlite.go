package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/michaelbrown/codelab/internal/llm"
	"github.com/michaelbrown/codelab/internal/storage"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements storage.Store backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ storage.Store = (*SQLiteStore)(nil)

// Open creates or opens a SQLite database at the given path and runs migrations.
// Use ":memory:" for an in-memory database (useful for testing).
func Open(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	dsn := dbPath
	if dbPath != ":memory:" {
		dsn += "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection keeps the foreign_keys pragma and :memory: databases
	// stable. Callers must close rows before issuing the next query.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func notFound(err error, what string, id any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %v: %w", what, id, storage.ErrNotFound)
	}
	return err
}

func requireAffected(res sql.Result, what string, id any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %v: %w", what, id, storage.ErrNotFound)
	}
	return nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		// SQLite's datetime('now') default
		t, _ = time.Parse("2006-01-02 15:04:05", s)
	}
	return t
}

// Scanner interface to work with both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

// --- users ---

func (s *SQLiteStore) CreateUser(ctx context.Context, u *storage.User) error {
	u.CreatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, email, role, hashed_password, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		u.Username, u.Email, u.Role, u.HashedPassword, formatTime(u.CreatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("user %q: %w", u.Username, storage.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}
	u.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*storage.User, error) {
	var u storage.User
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, email, role, hashed_password, created_at
		FROM users WHERE username = ?`, username,
	).Scan(&u.ID, &u.Username, &u.Email, &u.Role, &u.HashedPassword, &createdAt)
	if err != nil {
		return nil, notFound(err, "user", username)
	}
	u.CreatedAt = parseTime(createdAt)
	return &u, nil
}

func (s *SQLiteStore) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

// --- courses ---

const courseColumns = `id, title, description, slug, is_published, created_at`

func scanCourse(sc scanner) (*storage.Course, error) {
	var c storage.Course
	var createdAt string
	if err := sc.Scan(&c.ID, &c.Title, &c.Description, &c.Slug, &c.IsPublished, &createdAt); err != nil {
		return nil, err
	}
	c.CreatedAt = parseTime(createdAt)
	return &c, nil
}

func (s *SQLiteStore) CreateCourse(ctx context.Context, c *storage.Course) error {
	c.CreatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO courses (title, description, slug, is_published, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.Title, c.Description, c.Slug, c.IsPublished, formatTime(c.CreatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("course slug %q: %w", c.Slug, storage.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("inserting course: %w", err)
	}
	c.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) GetCourse(ctx context.Context, id int64) (*storage.Course, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+courseColumns+` FROM courses WHERE id = ?`, id)
	c, err := scanCourse(row)
	if err != nil {
		return nil, notFound(err, "course", id)
	}
	c.Exercises, err = s.ListExercises(ctx, id)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *SQLiteStore) ListCourses(ctx context.Context, opts storage.CourseListOptions) ([]storage.Course, error) {
	query := `SELECT ` + courseColumns + ` FROM courses`
	if opts.PublishedOnly {
		query += ` WHERE is_published = 1`
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing courses: %w", err)
	}
	defer rows.Close()

	courses := []storage.Course{}
	for rows.Next() {
		c, err := scanCourse(rows)
		if err != nil {
			return nil, err
		}
		courses = append(courses, *c)
	}
	return courses, rows.Err()
}

func (s *SQLiteStore) UpdateCourse(ctx context.Context, c *storage.Course) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE courses SET title = ?, description = ?, slug = ?, is_published = ? WHERE id = ?`,
		c.Title, c.Description, c.Slug, c.IsPublished, c.ID,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("course slug %q: %w", c.Slug, storage.ErrConflict)
	}
	if err != nil {
		return err
	}
	return requireAffected(res, "course", c.ID)
}

func (s *SQLiteStore) DeleteCourse(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM courses WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireAffected(res, "course", id)
}

// --- exercises ---

const exerciseColumns = `id, course_id, title, slug, description, initial_code, test_code, language, position, passing_rule`

func scanExercise(sc scanner) (*storage.Exercise, error) {
	var e storage.Exercise
	err := sc.Scan(&e.ID, &e.CourseID, &e.Title, &e.Slug, &e.Description,
		&e.InitialCode, &e.TestCode, &e.Language, &e.Order, &e.PassingRule)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *SQLiteStore) CreateExercise(ctx context.Context, e *storage.Exercise) error {
	if e.PassingRule == "" {
		e.PassingRule = storage.RuleTestsPass
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO exercises (course_id, title, slug, description, initial_code, test_code, language, position, passing_rule)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.CourseID, e.Title, e.Slug, e.Description, e.InitialCode, e.TestCode, e.Language, e.Order, e.PassingRule,
	)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return fmt.Errorf("course %d: %w", e.CourseID, storage.ErrNotFound)
		}
		return fmt.Errorf("inserting exercise: %w", err)
	}
	e.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) GetExercise(ctx context.Context, id int64) (*storage.Exercise, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+exerciseColumns+` FROM exercises WHERE id = ?`, id)
	e, err := scanExercise(row)
	if err != nil {
		return nil, notFound(err, "exercise", id)
	}
	return e, nil
}

func (s *SQLiteStore) ListExercises(ctx context.Context, courseID int64) ([]storage.Exercise, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+exerciseColumns+` FROM exercises WHERE course_id = ? ORDER BY position, id`, courseID)
	if err != nil {
		return nil, fmt.Errorf("listing exercises: %w", err)
	}
	defer rows.Close()

	exercises := []storage.Exercise{}
	for rows.Next() {
		e, err := scanExercise(rows)
		if err != nil {
			return nil, err
		}
		exercises = append(exercises, *e)
	}
	return exercises, rows.Err()
}

func (s *SQLiteStore) UpdateExercise(ctx context.Context, e *storage.Exercise) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE exercises SET title = ?, slug = ?, description = ?, initial_code = ?, test_code = ?,
			language = ?, position = ?, passing_rule = ?
		WHERE id = ?`,
		e.Title, e.Slug, e.Description, e.InitialCode, e.TestCode, e.Language, e.Order, e.PassingRule, e.ID,
	)
	if err != nil {
		return err
	}
	return requireAffected(res, "exercise", e.ID)
}

func (s *SQLiteStore) DeleteExercise(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM exercises WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireAffected(res, "exercise", id)
}

// --- tutor sessions ---

const sessionColumns = `id, username, exercise_id, title, persona, created_at, updated_at`

func scanSession(sc scanner) (*storage.TutorSession, error) {
	var sess storage.TutorSession
	var createdAt, updatedAt string
	err := sc.Scan(&sess.ID, &sess.Username, &sess.ExerciseID, &sess.Title, &sess.Persona, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	sess.CreatedAt = parseTime(createdAt)
	sess.UpdatedAt = parseTime(updatedAt)
	return &sess, nil
}

func (s *SQLiteStore) CreateTutorSession(ctx context.Context, sess *storage.TutorSession) error {
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tutor_sessions (id, username, exercise_id, title, persona, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Username, sess.ExerciseID, sess.Title, sess.Persona,
		formatTime(sess.CreatedAt), formatTime(sess.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("session %s: %w", sess.ID, storage.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO session_messages (session_id, messages) VALUES (?, '[]')`,
		sess.ID,
	)
	return err
}

func (s *SQLiteStore) GetTutorSession(ctx context.Context, id string) (*storage.TutorSession, error) {
	// Try exact match first, then prefix match
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM tutor_sessions WHERE id = ?`, id)
	if sess, err := scanSession(row); err == nil {
		return sess, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM tutor_sessions WHERE id LIKE ? || '%'`, id)
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	defer rows.Close()

	var matches []*storage.TutorSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous session prefix %q matches %d sessions", id, len(matches))
	}
}

func (s *SQLiteStore) ListTutorSessions(ctx context.Context, opts storage.SessionListOptions) ([]storage.TutorSession, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + sessionColumns + ` FROM tutor_sessions`
	var args []any
	if opts.Username != "" {
		query += ` WHERE username = ?`
		args = append(args, opts.Username)
	}
	query += ` ORDER BY updated_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	sessions := []storage.TutorSession{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) UpdateTutorSession(ctx context.Context, sess *storage.TutorSession) error {
	sess.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tutor_sessions SET title = ?, persona = ?, updated_at = ? WHERE id = ?`,
		sess.Title, sess.Persona, formatTime(sess.UpdatedAt), sess.ID,
	)
	if err != nil {
		return err
	}
	return requireAffected(res, "session", sess.ID)
}

func (s *SQLiteStore) DeleteTutorSession(ctx context.Context, id string) error {
	sess, err := s.GetTutorSession(ctx, id)
	if err != nil {
		return err
	}
	// session_messages cascades
	_, err = s.db.ExecContext(ctx, `DELETE FROM tutor_sessions WHERE id = ?`, sess.ID)
	return err
}

func (s *SQLiteStore) SaveMessages(ctx context.Context, sessionID string, messages []llm.Message) error {
	data, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("marshaling messages: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO session_messages (session_id, messages, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET messages = excluded.messages, updated_at = excluded.updated_at`,
		sessionID, string(data), formatTime(time.Now()),
	)
	return err
}

func (s *SQLiteStore) LoadMessages(ctx context.Context, sessionID string) ([]llm.Message, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `
		SELECT messages FROM session_messages WHERE session_id = ?`, sessionID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading messages: %w", err)
	}

	var messages []llm.Message
	if err := json.Unmarshal([]byte(data), &messages); err != nil {
		return nil, fmt.Errorf("unmarshaling messages: %w", err)
	}
	return messages, nil
}
