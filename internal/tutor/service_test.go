package tutor

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/michaelbrown/codelab/internal/llm"
	"github.com/michaelbrown/codelab/internal/sandbox"
	"github.com/michaelbrown/codelab/internal/storage"
)

func TestUnconfiguredService(t *testing.T) {
	svc := NewService(nil, nil, nil, Config{}, nil)
	ctx := context.Background()

	if svc.Configured() {
		t.Fatal("service without client reports configured")
	}
	if _, err := svc.GenerateExercise(ctx, "loops"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("GenerateExercise error = %v", err)
	}
	if _, err := svc.Discuss(ctx, "hi", ""); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Discuss error = %v", err)
	}
	if _, err := svc.Review(ctx, &storage.Exercise{}, "", &sandbox.Result{}); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Review error = %v", err)
	}
	if _, err := svc.NewSession("", nil, ""); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("NewSession error = %v", err)
	}
}

func TestGenerateExercise(t *testing.T) {
	mock := &mockClient{responses: []llm.Response{reply("Sure!\n```json\n" +
		`{"title": "FizzBuzz", "description": "Print numbers", "starting_code": "def fizz(n):\n    pass", "test_cases": "assert fizz(3) == 'Fizz'"}` +
		"\n```")}}
	svc := NewService(mock, nil, nil, Config{}, nil)

	ex, err := svc.GenerateExercise(context.Background(), "fizzbuzz for beginners")
	if err != nil {
		t.Fatalf("GenerateExercise: %v", err)
	}
	if ex.Title != "FizzBuzz" || ex.TestCases != "assert fizz(3) == 'Fizz'" || ex.Language != "python" {
		t.Errorf("exercise = %+v", ex)
	}
	if prompt := mock.calls[0][0].Content; !strings.Contains(prompt, "fizzbuzz for beginners") {
		t.Errorf("prompt = %q", prompt)
	}
}

func TestGenerateExerciseInvalid(t *testing.T) {
	for _, text := range []string{"no json here", `{"description": "untitled"}`} {
		svc := NewService(&mockClient{responses: []llm.Response{reply(text)}}, nil, nil, Config{}, nil)
		if _, err := svc.GenerateExercise(context.Background(), "x"); err == nil {
			t.Errorf("%q: expected error", text)
		}
	}
}

func TestDiscuss(t *testing.T) {
	mock := &mockClient{responses: []llm.Response{reply("Use a hash map.")}}
	svc := NewService(mock, nil, nil, Config{}, nil)

	got, err := svc.Discuss(context.Background(), "how to dedupe?", "two-sum exercise")
	if err != nil {
		t.Fatalf("Discuss: %v", err)
	}
	if got != "Use a hash map." {
		t.Errorf("reply = %q", got)
	}
	if prompt := mock.calls[0][0].Content; !strings.Contains(prompt, "Context: two-sum exercise") || !strings.Contains(prompt, "User: how to dedupe?") {
		t.Errorf("prompt = %q", prompt)
	}
}

func TestReview(t *testing.T) {
	mock := &mockClient{responses: []llm.Response{reply(`{"passed": false, "feedback": "Handle the empty list."}`)}}
	svc := NewService(mock, nil, nil, Config{}, nil)

	review, err := svc.Review(context.Background(),
		&storage.Exercise{Title: "Max", Language: "python"},
		"def mx(xs): return max(xs)",
		&sandbox.Result{Stderr: "ValueError", ExitCode: 1},
	)
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if review.Passed || review.Feedback != "Handle the empty list." {
		t.Errorf("review = %+v", review)
	}
	if prompt := mock.calls[0][0].Content; !strings.Contains(prompt, "ValueError") {
		t.Error("review prompt missing program output")
	}
}
