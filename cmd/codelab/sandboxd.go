package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/codelab/internal/sandbox"
	"github.com/michaelbrown/codelab/internal/sandboxd"
)

var sandboxdCmd = &cobra.Command{
	Use:   "sandboxd",
	Short: "Run the remote sandbox worker",
	Long: `Run the sandbox worker used by remote execution mode.

The worker runs each submission as a child process of its own host, so it
must itself be deployed inside an isolated environment (a throwaway VM or a
managed sandbox). Point sandbox.remote.url of the API server at it.

Examples:
  codelab sandboxd
  CODELAB_SANDBOXD_AUTH_TOKEN=secret codelab sandboxd --port 8090`,
	RunE: runSandboxd,
}

var sandboxdPortFlag int

func init() {
	sandboxdCmd.Flags().IntVar(&sandboxdPortFlag, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(sandboxdCmd)
}

func runSandboxd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	registry, err := cfg.Registry()
	if err != nil {
		return err
	}
	m := &sandbox.Materializer{Root: cfg.Sandbox.WorkspaceRoot, MaxSourceBytes: cfg.Sandbox.MaxSourceBytes}
	exec := sandbox.NewProcessExecutor(m, cfg.Sandbox.MaxOutputBytes, log)

	srv := sandboxd.New(exec, registry, sandboxd.Config{
		AuthToken:     cfg.Sandboxd.AuthToken,
		MaxConcurrent: cfg.Sandboxd.MaxConcurrent,
	}, log)

	port := cfg.Sandboxd.Port
	if sandboxdPortFlag > 0 {
		port = sandboxdPortFlag
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		srv.Shutdown(context.Background())
	}()

	if err := srv.Start(port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
