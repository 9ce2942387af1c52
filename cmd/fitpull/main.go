package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fitpull/fitpull/pkg/auth"
	"github.com/fitpull/fitpull/pkg/fetch"
)

var version = "dev"

// Exit codes: a run with failed units still exits 0; fatal errors
// distinguish "re-authenticate" from internal/storage failures.
const (
	exitInternal = 1
	exitAuth     = 2
)

var rootCmd = &cobra.Command{
	Use:           "fitpull",
	Short:         "Archive your Fitbit data locally",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "path to config file (YAML)")
	rootCmd.AddCommand(authorizeCmd, fetchCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, fetch.ErrAuthInvalid) || errors.Is(err, auth.ErrNotAuthenticated) {
			fmt.Fprintln(os.Stderr, "run `fitpull authorize` to re-authenticate")
			os.Exit(exitAuth)
		}
		os.Exit(exitInternal)
	}
}
