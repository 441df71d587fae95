package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/codelab/internal/storage"
	"github.com/michaelbrown/codelab/internal/tutor"
)

var (
	personaFlag  string
	exerciseFlag int64
	resumeFlag   string
	userFlag     string
)

var tutorCmd = &cobra.Command{
	Use:   "tutor",
	Short: "Start an interactive tutoring session",
	Long: `Start an interactive conversation with the AI tutor. The tutor answers
with hints and questions rather than solutions, and can run code in the
sandbox to check its reasoning. Conversations are saved and can be resumed.

Examples:
  codelab tutor
  codelab tutor --exercise 3
  codelab tutor --persona reviewer
  codelab tutor --resume 1a2b3c4d`,
	RunE: runTutor,
}

func init() {
	tutorCmd.Flags().StringVar(&personaFlag, "persona", "", "Tutor persona (default: socratic)")
	tutorCmd.Flags().Int64Var(&exerciseFlag, "exercise", 0, "Exercise ID to focus the session on")
	tutorCmd.Flags().StringVar(&resumeFlag, "resume", "", "Resume a saved session by ID or ID prefix")
	tutorCmd.Flags().StringVar(&userFlag, "user", os.Getenv("USER"), "Username the session is saved under")
	rootCmd.AddCommand(tutorCmd)
}

var (
	promptColor = color.New(color.FgCyan)
	tutorColor  = color.New(color.FgGreen)
	toolColor   = color.New(color.FgYellow)
	dimColor    = color.New(color.FgHiBlack)
	errColor    = color.New(color.FgRed)
)

func runTutor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := quietLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	runner, err := newRunner(cfg, log)
	if err != nil {
		return err
	}
	svc, err := newTutor(cfg, runner, log)
	if err != nil {
		return err
	}
	if !svc.Configured() {
		return fmt.Errorf("the tutor needs an AI key: set ai.api_key or GEMINI_API_KEY")
	}

	ctx := context.Background()
	sess := &storage.TutorSession{
		Username:   userFlag,
		ExerciseID: exerciseFlag,
		Persona:    personaFlag,
	}
	if resumeFlag != "" {
		sess, err = store.GetTutorSession(ctx, resumeFlag)
		if err != nil {
			return fmt.Errorf("resuming session: %w", err)
		}
	}
	if sess.Persona == "" {
		sess.Persona = tutor.DefaultPersona
	}

	var ex *storage.Exercise
	if sess.ExerciseID != 0 {
		ex, err = store.GetExercise(ctx, sess.ExerciseID)
		if err != nil {
			return fmt.Errorf("loading exercise: %w", err)
		}
	}

	t, err := svc.NewSession(sess.Persona, ex, sess.Username)
	if err != nil {
		return err
	}
	if sess.ID != "" {
		messages, err := store.LoadMessages(ctx, sess.ID)
		if err != nil {
			return err
		}
		t.SetHistory(messages)
	}

	fmt.Printf("Codelab Tutor\n")
	fmt.Printf("Persona: %s | Model: %s\n", sess.Persona, cfg.AI.Model)
	if ex != nil {
		fmt.Printf("Exercise: %s\n", ex.Title)
	}
	if sess.ID != "" {
		fmt.Printf("Resumed session %s (%d messages)\n", sess.ID[:8], len(t.History())-1)
	}
	fmt.Printf("Type /help for commands, /quit to exit\n\n")

	t.OnTextDelta = func(delta string) {
		fmt.Print(delta)
	}
	t.OnToolCall = func(name string, args map[string]any) {
		toolColor.Printf("\n  ⚡ %s\n", tutor.FormatToolCall(name, args))
	}
	t.OnToolResult = func(name string, result string) {
		printPreview(result, 8)
		fmt.Println()
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          promptColor.Sprint("you>") + " ",
		HistoryFile:     filepath.Join(os.TempDir(), "codelab_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	// Ctrl+C cancels the active request, not the whole app.
	var reqCancel context.CancelFunc
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			if reqCancel != nil {
				reqCancel()
			}
		}
	}()

	for {
		input, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return nil
			}
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			if quit := handleCommand(input, t); quit {
				return nil
			}
			continue
		}

		reqCtx, cancel := context.WithCancel(ctx)
		reqCancel = cancel

		fmt.Printf("\n%s ", tutorColor.Sprint("tutor>"))
		_, err = t.SendStreaming(reqCtx, input)
		interrupted := reqCtx.Err() != nil
		cancel()
		reqCancel = nil

		if saveErr := saveTurn(ctx, store, sess, t, input); saveErr != nil {
			errColor.Printf("\nfailed to save session: %v\n", saveErr)
		}

		if err != nil {
			if interrupted {
				fmt.Println("\n(interrupted)")
				continue
			}
			errColor.Printf("\nerror: %s\n\n", err)
			continue
		}
		fmt.Printf("\n\n")
	}
}

// saveTurn persists the conversation, creating the session record on the
// first message.
func saveTurn(ctx context.Context, store storage.Store, sess *storage.TutorSession, t *tutor.Session, input string) error {
	if sess.ID == "" {
		sess.ID = uuid.New().String()
		sess.Title = titleFrom(input)
		if err := store.CreateTutorSession(ctx, sess); err != nil {
			sess.ID = ""
			return err
		}
	} else if err := store.UpdateTutorSession(ctx, sess); err != nil {
		return err
	}
	return store.SaveMessages(ctx, sess.ID, t.History())
}

func titleFrom(input string) string {
	title := strings.TrimSpace(strings.SplitN(input, "\n", 2)[0])
	if r := []rune(title); len(r) > 80 {
		title = string(r[:77]) + "..."
	}
	return title
}

func printPreview(text string, maxLines int) {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	preview := lines
	if len(preview) > maxLines {
		preview = preview[:maxLines]
	}
	for _, line := range preview {
		dimColor.Printf("  │ %s\n", line)
	}
	if len(lines) > maxLines {
		dimColor.Printf("  │ ... (%d more lines)\n", len(lines)-maxLines)
	}
}

// handleCommand runs a slash command and reports whether to quit.
func handleCommand(input string, t *tutor.Session) bool {
	switch strings.ToLower(strings.Fields(input)[0]) {
	case "/quit", "/exit", "/q":
		fmt.Println("Goodbye!")
		return true
	case "/reset":
		t.Reset()
		fmt.Println("Conversation reset.")
		fmt.Println()
	case "/history":
		data, _ := json.MarshalIndent(t.History(), "", "  ")
		fmt.Println(string(data))
		fmt.Println()
	case "/help":
		fmt.Println("Commands:")
		fmt.Println("  /help     - Show this help")
		fmt.Println("  /reset    - Clear conversation history")
		fmt.Println("  /history  - Show raw conversation history (JSON)")
		fmt.Println("  /quit     - Exit")
		fmt.Println()
	default:
		fmt.Printf("Unknown command: %s (try /help)\n\n", input)
	}
	return false
}
