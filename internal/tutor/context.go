package tutor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/michaelbrown/codelab/internal/llm"
)

const summaryMarker = "[Earlier in this tutoring session]"

// estimateTokens approximates tokens as chars/4.
func estimateTokens(m llm.Message) int {
	tokens := len(m.Content) / 4
	for _, tc := range m.ToolCalls {
		tokens += len(tc.Name) / 4
		if args, err := json.Marshal(tc.Args); err == nil {
			tokens += len(args) / 4
		}
	}
	// role overhead
	if tokens == 0 {
		tokens = 1
	}
	return tokens
}

func estimateHistoryTokens(messages []llm.Message) int {
	total := 0
	for _, m := range messages {
		total += estimateTokens(m)
	}
	return total
}

// findSplitPoint returns the index where the recent part of the history
// begins, so that the recent part fits recentBudget. The split always lands
// on a student message so a run_code call is never separated from its
// result. len(messages) means there is nothing to compact.
func findSplitPoint(messages []llm.Message, recentBudget int) int {
	if len(messages) <= 2 {
		return len(messages)
	}

	tokens := 0
	split := len(messages)
	exceeded := false
	for i := len(messages) - 1; i >= 1; i-- {
		t := estimateTokens(messages[i])
		if tokens+t > recentBudget {
			split = i + 1
			exceeded = true
			break
		}
		tokens += t
	}
	if !exceeded {
		return len(messages)
	}
	if split >= len(messages) {
		split = len(messages) - 1
	}

	for split > 1 && messages[split].Role != llm.RoleUser {
		split--
	}
	if split <= 1 || messages[split].Role != llm.RoleUser {
		return len(messages)
	}
	return split
}

const maxSummaryChars = 4000

// summarize asks client for a short recap of messages that keeps what the
// student has tried and which hints were already given.
func summarize(ctx context.Context, client llm.Client, messages []llm.Message) (string, error) {
	var b strings.Builder
	for _, m := range messages {
		prefix := string(m.Role)
		if m.ToolCallID != "" {
			prefix = "run_result"
		}
		b.WriteString("[" + prefix + "]: " + m.Content)
		for _, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Args)
			fmt.Fprintf(&b, "\n[%s(%s)]", tc.Name, args)
		}
		b.WriteString("\n")
	}

	prompt := []llm.Message{
		llm.SystemMessage("You summarize tutoring conversations. Record what the student is working on, " +
			"what they have tried, the errors they hit, and which hints were already given. " +
			"Output only the summary."),
		llm.UserMessage("Summarize this conversation:\n\n" + b.String()),
	}
	resp, err := client.ChatCompletion(ctx, prompt, nil)
	if err != nil {
		return "", fmt.Errorf("summarization call: %w", err)
	}

	summary := resp.Message.Content
	if len(summary) > maxSummaryChars {
		summary = summary[:maxSummaryChars] + "\n... (summary truncated)"
	}
	return summary, nil
}
