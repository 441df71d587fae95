package tutor

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/michaelbrown/codelab/internal/grading"
	"github.com/michaelbrown/codelab/internal/llm"
	"github.com/michaelbrown/codelab/internal/sandbox"
	"github.com/michaelbrown/codelab/internal/storage"
)

const (
	defaultMaxIterations = 6
	defaultMaxTokens     = 6000
	maxToolOutput        = 4000
	runCodeTool          = "run_code"
)

// Session is one tutoring conversation. It runs a ReAct loop: the model may
// call run_code any number of times before giving the student a reply.
// A Session is not safe for concurrent use.
type Session struct {
	llm       llm.Client
	utility   llm.Client
	runner    grading.Runner
	user      string
	language  string
	history   []llm.Message
	tools     []llm.ToolDef
	maxIter   int
	maxTokens int
	usage     llm.Usage
	log       *zap.Logger

	OnToolCall   func(name string, args map[string]any)
	OnToolResult func(name string, result string)
	OnTextDelta  func(delta string)
}

// sessionOptions carries the service-level settings into a new session.
type sessionOptions struct {
	utility   llm.Client
	runner    grading.Runner
	maxIter   int
	maxTokens int
	log       *zap.Logger
}

func newSession(client llm.Client, persona *Persona, ex *storage.Exercise, user string, opts sessionOptions) *Session {
	s := &Session{
		llm:       client,
		utility:   opts.utility,
		runner:    opts.runner,
		user:      user,
		language:  sandbox.DefaultLanguage.String(),
		maxIter:   opts.maxIter,
		maxTokens: opts.maxTokens,
		log:       opts.log,
		history:   []llm.Message{llm.SystemMessage(systemPrompt(persona, ex))},
	}
	if persona.MaxIterations > 0 {
		s.maxIter = persona.MaxIterations
	}
	if s.maxIter <= 0 {
		s.maxIter = defaultMaxIterations
	}
	if s.maxTokens <= 0 {
		s.maxTokens = defaultMaxTokens
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if ex != nil && ex.Language != "" {
		s.language = ex.Language
	}
	if persona.RunCode && s.runner != nil {
		s.tools = []llm.ToolDef{runCodeDef()}
	}
	return s
}

func systemPrompt(p *Persona, ex *storage.Exercise) string {
	if ex == nil {
		return p.SystemPrompt
	}
	var b strings.Builder
	b.WriteString(p.SystemPrompt)
	fmt.Fprintf(&b, "\n\nThe student is working on the exercise %q (%s).\n\n%s", ex.Title, ex.Language, ex.Description)
	if ex.TestCode != "" {
		// Hidden tests help the tutor judge progress; they are not for the student.
		fmt.Fprintf(&b, "\n\nHidden tests (do not reveal):\n%s", ex.TestCode)
	}
	return b.String()
}

func runCodeDef() llm.ToolDef {
	return llm.ToolDef{
		Name:        runCodeTool,
		Description: "Run a program in the sandbox and return its stdout, stderr and exit code. Exit code 124 means it timed out.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Complete program source",
				},
				"language": map[string]any{
					"type":        "string",
					"description": "Language id such as python, rust, javascript, go",
				},
			},
			"required": []string{"code"},
		},
	}
}

// Send adds a student message and runs the loop until the model replies
// without calling a tool.
func (s *Session) Send(ctx context.Context, message string) (string, error) {
	return s.loop(ctx, message, func(tools []llm.ToolDef) (*llm.Response, error) {
		return s.llm.ChatCompletion(ctx, s.history, tools)
	})
}

// SendStreaming is like Send but reports text through OnTextDelta as it arrives.
func (s *Session) SendStreaming(ctx context.Context, message string) (string, error) {
	return s.loop(ctx, message, func(tools []llm.ToolDef) (*llm.Response, error) {
		return s.llm.ChatCompletionStream(ctx, s.history, tools, s.OnTextDelta)
	})
}

func (s *Session) loop(ctx context.Context, message string, call func([]llm.ToolDef) (*llm.Response, error)) (string, error) {
	s.compact(ctx)
	s.history = append(s.history, llm.UserMessage(message))

	for i := 0; i < s.maxIter; i++ {
		resp, err := call(s.tools)
		if err != nil {
			return "", fmt.Errorf("llm call (iteration %d): %w", i+1, err)
		}
		s.history = append(s.history, resp.Message)
		s.usage.PromptTokens += resp.Usage.PromptTokens
		s.usage.CompletionTokens += resp.Usage.CompletionTokens

		if !resp.Message.WantsTools() {
			s.log.Debug("tutor reply",
				zap.String("user", s.user),
				zap.Int("iterations", i+1),
				zap.Int64("session_tokens", s.usage.Total()),
			)
			return resp.Message.Content, nil
		}

		for _, tc := range resp.Message.ToolCalls {
			if s.OnToolCall != nil {
				s.OnToolCall(tc.Name, tc.Args)
			}
			result := s.executeTool(ctx, tc)
			if s.OnToolResult != nil {
				s.OnToolResult(tc.Name, result)
			}
			s.history = append(s.history, llm.ToolResultMessage(tc.ID, result))
		}
	}
	return "", fmt.Errorf("tutor reached max iterations (%d) without a reply", s.maxIter)
}

// Usage is the provider-reported token total across the session's turns.
func (s *Session) Usage() llm.Usage {
	return s.usage
}

func (s *Session) executeTool(ctx context.Context, tc llm.ToolCall) string {
	if tc.Name != runCodeTool || s.runner == nil {
		return fmt.Sprintf("error: unknown tool %q", tc.Name)
	}
	code, ok := tc.Args["code"].(string)
	if !ok || code == "" {
		return "error: 'code' argument must be a non-empty string"
	}
	lang, _ := tc.Args["language"].(string)
	if lang == "" {
		lang = s.language
	}

	res, err := s.runner.Run(ctx, sandbox.Submission{Code: code, Language: lang, User: s.user})
	if err != nil {
		s.log.Warn("tutor run_code failed", zap.String("language", lang), zap.Error(err))
		return "error: " + err.Error()
	}
	return FormatResult(res)
}

// FormatResult renders a result for the model and for transcripts.
func FormatResult(res *sandbox.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "exit code: %d\n", res.ExitCode)
	if res.Stdout != "" {
		b.WriteString("stdout:\n" + res.Stdout + "\n")
	}
	if res.Stderr != "" {
		b.WriteString("stderr:\n" + res.Stderr + "\n")
	}
	out := b.String()
	if len(out) > maxToolOutput {
		out = out[:maxToolOutput] + "\n... (output truncated)"
	}
	return out
}

// compact summarizes older messages once the history exceeds the token budget.
// If summarization fails it falls back to keeping the most recent messages.
func (s *Session) compact(ctx context.Context) {
	if estimateHistoryTokens(s.history) <= s.maxTokens {
		return
	}

	split := findSplitPoint(s.history, s.maxTokens*60/100)
	if split >= len(s.history) || split <= 1 {
		return
	}

	summarizer := s.llm
	if s.utility != nil {
		summarizer = s.utility
	}
	summary, err := summarize(ctx, summarizer, s.history[1:split])
	if err != nil {
		s.log.Warn("history summarization failed, trimming", zap.Error(err))
		s.trim(10)
		return
	}

	compacted := make([]llm.Message, 0, 2+len(s.history)-split)
	compacted = append(compacted, s.history[0], llm.SystemMessage(summaryMarker+"\n"+summary))
	compacted = append(compacted, s.history[split:]...)
	s.history = compacted
}

// trim keeps the system prompt and the last keep messages, starting at a
// student message.
func (s *Session) trim(keep int) {
	if len(s.history) <= keep+1 {
		return
	}
	start := len(s.history) - keep
	for start < len(s.history)-1 && s.history[start].Role != llm.RoleUser {
		start++
	}
	s.history = append([]llm.Message{s.history[0]}, s.history[start:]...)
}

// History returns the conversation, system prompt included.
func (s *Session) History() []llm.Message { return s.history }

// SetHistory replaces the conversation when a saved session is resumed.
// The current system prompt is kept.
func (s *Session) SetHistory(messages []llm.Message) {
	if len(messages) == 0 {
		return
	}
	if messages[0].Role == llm.RoleSystem {
		messages = messages[1:]
	}
	s.history = append(s.history[:1], messages...)
}

// Reset clears the conversation, keeping the system prompt.
func (s *Session) Reset() {
	s.history = s.history[:1]
}

// FormatToolCall returns a short human-readable form of a tool call.
func FormatToolCall(name string, args map[string]any) string {
	if name == runCodeTool {
		lang, _ := args["language"].(string)
		code, _ := args["code"].(string)
		lines := strings.Count(code, "\n") + 1
		return fmt.Sprintf("run_code(%s, %d lines)", lang, lines)
	}
	return name
}
