package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/codelab/internal/llm"
	"github.com/michaelbrown/codelab/internal/storage"
)

var (
	sessionsUserFlag string
	limitFlag        int
	exportFormat     string
	exportOutput     string
	forceFlag        bool
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"session", "s"},
	Short:   "Manage saved tutor sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved sessions",
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show session details and messages",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsDelete,
}

var sessionsExportCmd = &cobra.Command{
	Use:   "export <session-id>",
	Short: "Export a session as markdown or JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsExport,
}

func init() {
	tutorCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsDeleteCmd, sessionsExportCmd)

	sessionsListCmd.Flags().StringVar(&sessionsUserFlag, "user", "", "Only show sessions of this user")
	sessionsListCmd.Flags().IntVar(&limitFlag, "limit", 20, "Max sessions to show")

	sessionsExportCmd.Flags().StringVar(&exportFormat, "format", "md", "Export format: md or json")
	sessionsExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default: stdout)")

	sessionsDeleteCmd.Flags().BoolVar(&forceFlag, "force", false, "Skip confirmation")
}

func withStore(fn func(ctx context.Context, store storage.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(context.Background(), store)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, store storage.Store) error {
		sessions, err := store.ListTutorSessions(ctx, storage.SessionListOptions{
			Username: sessionsUserFlag,
			Limit:    limitFlag,
		})
		if err != nil {
			return err
		}

		if len(sessions) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}

		fmt.Printf("%-10s %-14s %-40s %-12s %s\n", "ID", "USER", "TITLE", "PERSONA", "UPDATED")
		fmt.Println(strings.Repeat("─", 95))

		for _, s := range sessions {
			title := s.Title
			if len(title) > 38 {
				title = title[:38] + ".."
			}
			if title == "" {
				title = "(untitled)"
			}
			fmt.Printf("%-10s %-14s %-40s %-12s %s\n",
				shortID(s.ID), s.Username, title, s.Persona, timeAgo(s.UpdatedAt))
		}
		return nil
	})
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, store storage.Store) error {
		sess, err := store.GetTutorSession(ctx, args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Session:  %s\n", sess.ID)
		fmt.Printf("Title:    %s\n", sess.Title)
		fmt.Printf("User:     %s\n", sess.Username)
		fmt.Printf("Persona:  %s\n", sess.Persona)
		if sess.ExerciseID != 0 {
			fmt.Printf("Exercise: %d\n", sess.ExerciseID)
		}
		fmt.Printf("Created:  %s\n", sess.CreatedAt.Format(time.RFC3339))
		fmt.Printf("Updated:  %s\n", sess.UpdatedAt.Format(time.RFC3339))

		messages, err := store.LoadMessages(ctx, sess.ID)
		if err != nil {
			return err
		}

		fmt.Printf("\nMessages: %d\n", len(messages))
		fmt.Println(strings.Repeat("─", 60))

		for _, m := range messages {
			switch m.Role {
			case llm.RoleSystem:
				continue
			case llm.RoleUser:
				fmt.Printf("\n%s %s\n", promptColor.Sprint("you>"), truncate(m.Content, 200))
			case llm.RoleAssistant:
				if m.Content != "" {
					fmt.Printf("\n%s %s\n", tutorColor.Sprint("tutor>"), truncate(m.Content, 200))
				}
				for _, tc := range m.ToolCalls {
					toolColor.Printf("  ⚡ %s\n", tc.Name)
				}
			case llm.RoleTool:
				dimColor.Printf("  │ %s\n", truncate(m.Content, 100))
			}
		}
		return nil
	})
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, store storage.Store) error {
		sess, err := store.GetTutorSession(ctx, args[0])
		if err != nil {
			return err
		}

		if !forceFlag {
			title := sess.Title
			if title == "" {
				title = "(untitled)"
			}
			fmt.Printf("Delete session %s - %q? [y/N] ", shortID(sess.ID), title)
			var confirm string
			fmt.Scanln(&confirm)
			if strings.ToLower(confirm) != "y" {
				fmt.Println("Cancelled.")
				return nil
			}
		}

		if err := store.DeleteTutorSession(ctx, sess.ID); err != nil {
			return err
		}
		fmt.Printf("Deleted session %s\n", shortID(sess.ID))
		return nil
	})
}

func runSessionsExport(cmd *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, store storage.Store) error {
		sess, err := store.GetTutorSession(ctx, args[0])
		if err != nil {
			return err
		}
		messages, err := store.LoadMessages(ctx, sess.ID)
		if err != nil {
			return err
		}

		var output string
		switch exportFormat {
		case "json":
			data, err := storage.ExportJSON(sess, messages)
			if err != nil {
				return err
			}
			output = string(data)
		case "md", "markdown":
			output = storage.ExportMarkdown(sess, messages)
		default:
			return fmt.Errorf("unknown export format %q (md or json)", exportFormat)
		}

		if exportOutput != "" {
			return os.WriteFile(exportOutput, []byte(output), 0o644)
		}
		fmt.Print(output)
		return nil
	})
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}

func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
