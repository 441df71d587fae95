// Package tutor is the AI side of codelab: exercise generation, discussion
// with course authors, AI review of submissions and Socratic tutoring
// sessions for students.
package tutor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/michaelbrown/codelab/internal/grading"
	"github.com/michaelbrown/codelab/internal/llm"
	"github.com/michaelbrown/codelab/internal/sandbox"
	"github.com/michaelbrown/codelab/internal/storage"
)

var _ grading.Reviewer = (*Service)(nil)

// ErrNotConfigured is returned by every call on a Service without an AI client.
var ErrNotConfigured = errors.New("AI service not configured")

type Config struct {
	MaxIterations    int
	ContextMaxTokens int
	Personas         map[string]*Persona
}

// Service is the entry point for all AI features. The zero-client Service
// is valid and reports itself as not configured.
type Service struct {
	client   llm.Client
	utility  llm.Client
	runner   grading.Runner
	cfg      Config
	personas map[string]*Persona
	log      *zap.Logger
}

// NewService creates a service. client may be nil, in which case every call
// returns ErrNotConfigured. utility is an optional cheaper model used for
// history summarization. runner backs the run_code tool and may be nil.
func NewService(client, utility llm.Client, runner grading.Runner, cfg Config, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	personas := cfg.Personas
	if len(personas) == 0 {
		personas = builtinPersonas()
	}
	return &Service{
		client:   client,
		utility:  utility,
		runner:   runner,
		cfg:      cfg,
		personas: personas,
		log:      log.Named("tutor"),
	}
}

func (s *Service) Configured() bool { return s != nil && s.client != nil }

// Personas returns the available persona names, sorted.
func (s *Service) Personas() []string {
	names := make([]string, 0, len(s.personas))
	for name := range s.personas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GeneratedExercise is an exercise draft produced from an author's prompt.
type GeneratedExercise struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	StartingCode string `json:"starting_code"`
	TestCases    string `json:"test_cases"`
	Language     string `json:"language"`
}

const generatePrompt = `Create a coding exercise based on this request: %q.
Respond with raw JSON only, using this structure:
{
  "title": "Exercise title",
  "description": "Markdown description of the problem",
  "starting_code": "code stub for the student",
  "test_cases": "code appended after the student's code that exits non-zero when the solution is wrong",
  "language": "python"
}`

// GenerateExercise asks the model for an exercise draft matching prompt.
func (s *Service) GenerateExercise(ctx context.Context, prompt string) (*GeneratedExercise, error) {
	if !s.Configured() {
		return nil, ErrNotConfigured
	}
	resp, err := s.client.ChatCompletion(ctx, []llm.Message{llm.UserMessage(fmt.Sprintf(generatePrompt, prompt))}, nil)
	if err != nil {
		return nil, fmt.Errorf("generating exercise: %w", err)
	}

	var ex GeneratedExercise
	if err := json.Unmarshal([]byte(extractJSON(resp.Message.Content)), &ex); err != nil {
		s.log.Warn("unparseable exercise draft", zap.Error(err))
		return nil, fmt.Errorf("failed to generate valid exercise data: %w", err)
	}
	if ex.Title == "" {
		return nil, errors.New("failed to generate valid exercise data: missing title")
	}
	if ex.Language == "" {
		ex.Language = sandbox.DefaultLanguage.String()
	}
	return &ex, nil
}

// Discuss is a single-turn conversation about implementation details.
func (s *Service) Discuss(ctx context.Context, message, background string) (string, error) {
	if !s.Configured() {
		return "", ErrNotConfigured
	}
	resp, err := s.client.ChatCompletion(ctx, []llm.Message{
		llm.UserMessage(fmt.Sprintf("Context: %s\n\nUser: %s", background, message)),
	}, nil)
	if err != nil {
		return "", fmt.Errorf("discussing: %w", err)
	}
	return resp.Message.Content, nil
}

const reviewPrompt = `You grade student submissions on a coding platform.
Exercise: %s

%s

Student code (%s):
%s

Program output:
%s
Decide whether the submission solves the exercise. Respond with raw JSON only:
{"passed": true or false, "feedback": "two or three sentences for the student, without giving away a full solution"}`

// Review judges a submission for an AI-evaluated exercise.
func (s *Service) Review(ctx context.Context, ex *storage.Exercise, code string, res *sandbox.Result) (*grading.Review, error) {
	if !s.Configured() {
		return nil, ErrNotConfigured
	}
	prompt := fmt.Sprintf(reviewPrompt, ex.Title, ex.Description, ex.Language, code, FormatResult(res))
	resp, err := s.client.ChatCompletion(ctx, []llm.Message{llm.UserMessage(prompt)}, nil)
	if err != nil {
		return nil, fmt.Errorf("reviewing submission: %w", err)
	}
	var review grading.Review
	if err := json.Unmarshal([]byte(extractJSON(resp.Message.Content)), &review); err != nil {
		return nil, fmt.Errorf("parsing review: %w", err)
	}
	return &review, nil
}

// NewSession starts a tutoring session for user with the named persona.
// ex is optional and focuses the tutor on one exercise.
func (s *Service) NewSession(persona string, ex *storage.Exercise, user string) (*Session, error) {
	if !s.Configured() {
		return nil, ErrNotConfigured
	}
	if persona == "" {
		persona = DefaultPersona
	}
	p, ok := s.personas[persona]
	if !ok {
		return nil, fmt.Errorf("unknown persona %q (available: %s)", persona, strings.Join(s.Personas(), ", "))
	}
	return newSession(s.client, p, ex, user, sessionOptions{
		utility:   s.utility,
		runner:    s.runner,
		maxIter:   s.cfg.MaxIterations,
		maxTokens: s.cfg.ContextMaxTokens,
		log:       s.log,
	}), nil
}
