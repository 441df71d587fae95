// Package grading judges exercise submissions according to each exercise's
// passing rule. It only ever hands source text to the execution core.
package grading

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/michaelbrown/codelab/internal/sandbox"
	"github.com/michaelbrown/codelab/internal/storage"
)

type Verdict string

const (
	VerdictPassed  Verdict = "passed"
	VerdictFailed  Verdict = "failed"
	VerdictPending Verdict = "pending"
)

// Runner executes a submission. *sandbox.Dispatcher satisfies it.
type Runner interface {
	Run(ctx context.Context, sub sandbox.Submission) (*sandbox.Result, error)
}

// Review is a reviewer's judgement of a submission.
type Review struct {
	Passed   bool   `json:"passed"`
	Feedback string `json:"feedback"`
}

// Reviewer judges submissions for exercises graded by AI.
type Reviewer interface {
	Review(ctx context.Context, ex *storage.Exercise, code string, res *sandbox.Result) (*Review, error)
}

type Outcome struct {
	Verdict  Verdict         `json:"verdict"`
	Rule     string          `json:"passing_rule"`
	Result   *sandbox.Result `json:"result"`
	Feedback string          `json:"feedback,omitempty"`
}

type Grader struct {
	runner   Runner
	reviewer Reviewer
	log      *zap.Logger
}

// New creates a grader. reviewer may be nil, in which case AI-evaluated
// exercises stay pending.
func New(runner Runner, reviewer Reviewer, log *zap.Logger) *Grader {
	if log == nil {
		log = zap.NewNop()
	}
	return &Grader{runner: runner, reviewer: reviewer, log: log.Named("grading")}
}

// Combine appends the exercise's hidden test code to the student's code.
func Combine(code, testCode string) string {
	if testCode == "" {
		return code
	}
	return code + "\n\n" + testCode
}

// Grade runs code for ex and judges it by ex.PassingRule. Execution errors
// (validation, busy, infrastructure) are returned unchanged.
func (g *Grader) Grade(ctx context.Context, ex *storage.Exercise, code, user string) (*Outcome, error) {
	rule, err := storage.ParsePassingRule(string(ex.PassingRule))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sandbox.ErrValidation, err)
	}

	source := code
	if rule != storage.RuleManual {
		source = Combine(code, ex.TestCode)
	}
	res, err := g.runner.Run(ctx, sandbox.Submission{Code: source, Language: ex.Language, User: user})
	if err != nil {
		return nil, err
	}

	out := &Outcome{Rule: string(rule), Result: res}
	switch rule {
	case storage.RuleTestsPass:
		out.Verdict, out.Feedback = judgeTests(res)
	case storage.RuleAIEvaluated:
		g.review(ctx, ex, code, res, out)
	case storage.RuleManual:
		out.Verdict = VerdictPending
		out.Feedback = "Submitted for instructor review."
	}

	g.log.Info("graded submission",
		zap.Int64("exercise", ex.ID),
		zap.String("rule", string(rule)),
		zap.String("verdict", string(out.Verdict)),
		zap.String("user", user),
	)
	return out, nil
}

func judgeTests(res *sandbox.Result) (Verdict, string) {
	switch {
	case res.TimedOut():
		return VerdictFailed, "Your solution did not finish in time. Look for an infinite loop or a slow algorithm."
	case res.ExitCode == 0:
		return VerdictPassed, "All tests passed."
	default:
		return VerdictFailed, "Some tests failed. Check the error output."
	}
}

func (g *Grader) review(ctx context.Context, ex *storage.Exercise, code string, res *sandbox.Result, out *Outcome) {
	if g.reviewer == nil {
		out.Verdict = VerdictPending
		out.Feedback = "AI review is not available; this submission needs instructor review."
		return
	}
	review, err := g.reviewer.Review(ctx, ex, code, res)
	if err != nil {
		g.log.Warn("ai review failed", zap.Int64("exercise", ex.ID), zap.Error(err))
		out.Verdict = VerdictPending
		out.Feedback = "AI review failed; this submission needs instructor review."
		return
	}
	out.Verdict = VerdictFailed
	if review.Passed {
		out.Verdict = VerdictPassed
	}
	out.Feedback = review.Feedback
}
