package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/codelab/internal/sandbox"
)

var languageFlag string

var runCmd = &cobra.Command{
	Use:   "run <file|->",
	Short: "Run a source file in the sandbox",
	Long: `Run a source file through the configured execution mode and print its
output. The language is taken from --language, or from the file extension.
The command exits with the program's exit code.

Examples:
  codelab run hello.py
  codelab run --language rust main.rs
  echo 'console.log(1)' | codelab run --language javascript -`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&languageFlag, "language", "l", "", "Language (default: from file extension)")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := quietLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	var code []byte
	if args[0] == "-" {
		code, err = io.ReadAll(os.Stdin)
	} else {
		code, err = os.ReadFile(args[0])
	}
	if err != nil {
		return err
	}

	runner, err := newRunner(cfg, log)
	if err != nil {
		return err
	}

	language := languageFlag
	if language == "" && args[0] != "-" {
		language = sandbox.LanguageForFile(args[0]).String()
	}

	res, err := runner.Run(cmd.Context(), sandbox.Submission{Code: string(code), Language: language, User: os.Getenv("USER")})
	if err != nil {
		return err
	}

	fmt.Fprint(os.Stdout, res.Stdout)
	if res.Stderr != "" {
		color.New(color.FgRed).Fprint(os.Stderr, res.Stderr)
	}
	switch {
	case res.TimedOut():
		color.New(color.FgYellow).Fprintf(os.Stderr, "\n(timed out)\n")
	case res.ExitCode != 0:
		color.New(color.FgHiBlack).Fprintf(os.Stderr, "\n(exit code %d)\n", res.ExitCode)
	}
	if res.ExitCode != 0 {
		os.Exit(res.ExitCode)
	}
	return nil
}
