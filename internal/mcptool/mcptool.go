// Package mcptool serves the execution core as an MCP tool over stdio, so
// editor agents can run code in the same sandbox students use.
package mcptool

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/michaelbrown/codelab/internal/sandbox"
	"github.com/michaelbrown/codelab/internal/tutor"
)

// Runner executes submissions. *sandbox.Dispatcher satisfies it.
type Runner interface {
	Run(ctx context.Context, sub sandbox.Submission) (*sandbox.Result, error)
}

// NewServer builds an MCP server exposing a single code_run tool.
func NewServer(runner Runner, languages []sandbox.Language, version string) *server.MCPServer {
	s := server.NewMCPServer("codelab-code-runner", version)

	var langs []string
	for _, l := range languages {
		langs = append(langs, l.String())
	}

	s.AddTool(mcp.Tool{
		Name:        "code_run",
		Description: fmt.Sprintf("Execute code in the codelab sandbox. Supported languages: %s. Unknown languages run as python.", strings.Join(langs, ", ")),
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"language": map[string]any{
					"type":        "string",
					"description": "Programming language",
				},
				"code": map[string]any{
					"type":        "string",
					"description": "Source code to execute",
				},
			},
			Required: []string{"code"},
		},
	}, handler(runner))

	return s
}

// ServeStdio blocks serving s on stdin and stdout.
func ServeStdio(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

func handler(runner Runner) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]any)
		if args == nil {
			return errResult("error: invalid arguments"), nil
		}

		code, _ := args["code"].(string)
		language, _ := args["language"].(string)
		if code == "" {
			return errResult("error: 'code' is required"), nil
		}

		res, err := runner.Run(ctx, sandbox.Submission{Code: code, Language: language, User: "mcp"})
		if err != nil {
			if errors.Is(err, sandbox.ErrInfrastructure) {
				return errResult("error: execution infrastructure failure"), nil
			}
			return errResult(fmt.Sprintf("error: %v", err)), nil
		}

		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.TextContent{Type: "text", Text: tutor.FormatResult(res)}},
			IsError: res.ExitCode != 0,
		}, nil
	}
}

func errResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: true,
	}
}
