// Package storage defines the persisted entities of codelab and the Store
// interface that backs them.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/michaelbrown/codelab/internal/llm"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

type Role string

const (
	RoleStudent Role = "student"
	RoleAdmin   Role = "admin"
)

type User struct {
	ID             int64     `json:"id"`
	Username       string    `json:"username"`
	Email          string    `json:"email"`
	Role           Role      `json:"role"`
	HashedPassword string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}

func (u *User) IsAdmin() bool { return u != nil && u.Role == RoleAdmin }

// PassingRule decides how a submission to an exercise is judged.
type PassingRule string

const (
	RuleTestsPass   PassingRule = "tests_pass"
	RuleAIEvaluated PassingRule = "ai_evaluated"
	RuleManual      PassingRule = "manual"
)

// ParsePassingRule returns the rule named by s, defaulting to tests_pass.
func ParsePassingRule(s string) (PassingRule, error) {
	switch PassingRule(s) {
	case "", RuleTestsPass:
		return RuleTestsPass, nil
	case RuleAIEvaluated, RuleManual:
		return PassingRule(s), nil
	}
	return "", errors.New("unknown passing rule " + s)
}

type Course struct {
	ID          int64      `json:"id" yaml:"-"`
	Title       string     `json:"title" yaml:"title"`
	Description string     `json:"description" yaml:"description"`
	Slug        string     `json:"slug" yaml:"slug"`
	IsPublished bool       `json:"is_published" yaml:"is_published"`
	Exercises   []Exercise `json:"exercises" yaml:"exercises"`
	CreatedAt   time.Time  `json:"created_at" yaml:"-"`
}

type Exercise struct {
	ID          int64       `json:"id" yaml:"-"`
	CourseID    int64       `json:"course_id" yaml:"-"`
	Title       string      `json:"title" yaml:"title"`
	Slug        string      `json:"slug" yaml:"slug"`
	Description string      `json:"description" yaml:"description"`
	InitialCode string      `json:"initial_code" yaml:"initial_code"`
	TestCode    string      `json:"test_code" yaml:"test_code"`
	Language    string      `json:"language" yaml:"language"`
	Order       int         `json:"order" yaml:"order"`
	PassingRule PassingRule `json:"passing_rule" yaml:"passing_rule"`
}

// TutorSession is the metadata for a saved tutor conversation.
type TutorSession struct {
	ID         string    `json:"id"`
	Username   string    `json:"username"`
	ExerciseID int64     `json:"exercise_id,omitempty"`
	Title      string    `json:"title"`
	Persona    string    `json:"persona"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type CourseListOptions struct {
	PublishedOnly bool
}

// SessionListOptions controls filtering and pagination for ListTutorSessions.
type SessionListOptions struct {
	Username string
	Limit    int
	Offset   int
}

// Store is the persistence interface for codelab.
type Store interface {
	CreateUser(ctx context.Context, u *User) error
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	CountUsers(ctx context.Context) (int, error)

	CreateCourse(ctx context.Context, c *Course) error
	// GetCourse returns the course with its exercises in order.
	GetCourse(ctx context.Context, id int64) (*Course, error)
	ListCourses(ctx context.Context, opts CourseListOptions) ([]Course, error)
	UpdateCourse(ctx context.Context, c *Course) error
	// DeleteCourse removes a course and its exercises.
	DeleteCourse(ctx context.Context, id int64) error

	CreateExercise(ctx context.Context, e *Exercise) error
	GetExercise(ctx context.Context, id int64) (*Exercise, error)
	ListExercises(ctx context.Context, courseID int64) ([]Exercise, error)
	UpdateExercise(ctx context.Context, e *Exercise) error
	DeleteExercise(ctx context.Context, id int64) error

	// CreateTutorSession inserts a new session. The ID field must be set by the caller.
	CreateTutorSession(ctx context.Context, s *TutorSession) error
	// GetTutorSession returns a session by ID or unique ID prefix.
	GetTutorSession(ctx context.Context, id string) (*TutorSession, error)
	// ListTutorSessions returns sessions ordered by updated_at descending.
	ListTutorSessions(ctx context.Context, opts SessionListOptions) ([]TutorSession, error)
	UpdateTutorSession(ctx context.Context, s *TutorSession) error
	DeleteTutorSession(ctx context.Context, id string) error

	// SaveMessages overwrites the full message history for a session.
	SaveMessages(ctx context.Context, sessionID string, messages []llm.Message) error
	LoadMessages(ctx context.Context, sessionID string) ([]llm.Message, error)

	Close() error
}
