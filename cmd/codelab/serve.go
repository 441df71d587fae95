package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/michaelbrown/codelab/internal/auth"
	"github.com/michaelbrown/codelab/internal/natsbridge"
	"github.com/michaelbrown/codelab/internal/server"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the codelab API server",
	Long: `Start the codelab HTTP server with the REST API and tutor WebSocket.
API endpoints are under /api. When nats.url is set, run requests are also
accepted on the configured NATS subject.

Examples:
  codelab serve
  codelab serve --port 9090`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	if cfg.Auth.SecretKey == "" {
		return fmt.Errorf("auth.secret_key (or SECRET_KEY) must be set")
	}
	tokens, err := auth.NewTokenIssuer(cfg.Auth.SecretKey, cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	runner, err := newRunner(cfg, log)
	if err != nil {
		return err
	}
	if err := runner.Ping(cmd.Context()); err != nil {
		log.Warn("execution backend not reachable at startup", zap.String("mode", string(runner.Mode())), zap.Error(err))
	}

	svc, err := newTutor(cfg, runner, log)
	if err != nil {
		return err
	}
	if !svc.Configured() {
		log.Warn("no AI API key configured; tutor and AI endpoints are disabled")
	}

	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("codelab"))
		if err != nil {
			return fmt.Errorf("connecting to NATS at %s: %w", cfg.NATS.URL, err)
		}
		defer nc.Close()

		bridge := natsbridge.New(runner, log)
		if err := bridge.Subscribe(nc, cfg.NATS.Subject, cfg.NATS.Queue); err != nil {
			return err
		}
		defer bridge.Close()
	}

	port := cfg.Server.Port
	if portFlag > 0 {
		port = portFlag
	}

	srv := server.New(server.Deps{
		Store:  store,
		Runner: runner,
		Grader: newGrader(runner, svc, log),
		Tutor:  svc,
		Tokens: tokens,
		Log:    log,
	})

	// Graceful shutdown on SIGINT/SIGTERM
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
