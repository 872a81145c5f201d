// Keyward validates API credentials and brokers scoped access to them.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes.
const (
	exitOK       = 0
	exitRuntime  = 1
	exitConfig   = 2
	exitFailing  = 3
	exitSelfTest = 4
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func withCode(code int, err error) error { return &exitError{code: code, err: err} }

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "keyward",
	Short: "Keyward: API credential validation and scoped access broker.",
	Long: `Keyward checks API credentials against their providers without ever
printing them, and hands them out to agents under a permission policy
with expiry, rate and use limits.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default ~/.keyward/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.AddCommand(validateCmd, selftestCmd, serveCmd, mcpCmd, vaultCmd, versionCmd)
}

func main() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	code := exitRuntime
	var ee *exitError
	if errors.As(err, &ee) {
		code = ee.code
	}
	if ee == nil || ee.err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	os.Exit(code)
}
