package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags.
var version = "dev"

var configFlag string

var rootCmd = &cobra.Command{
	Use:   "codelab",
	Short: "Codelab - coding courses with sandboxed execution and an AI tutor",
	Long: `Codelab runs an educational coding platform: courses and exercises,
sandboxed execution of student code, and a Socratic AI tutor.

Configuration is read from codelab.yaml in the working directory or
$HOME/.codelab, from .env, and from CODELAB_* environment variables.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default: ./codelab.yaml or $HOME/.codelab/codelab.yaml)")
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
