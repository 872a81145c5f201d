package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jkaninda/keyward/internal/validator"
)

var selftestJSON bool

var selftestCmd = &cobra.Command{
	Use:   "selftest",
	Short: "Run the offline invariant checks",
	Long: `Selftest exercises redaction, cache keys, the circuit breaker, timeouts
and report shape against in-process stub providers. No network calls are
made. Exits 0 when every check passes and 4 otherwise.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		vc := &cfg.Validation
		report := validator.SelfTest(cmd.Context(), validator.Options{
			Timeout:       vc.Timeout(),
			RunTimeout:    vc.RunTimeout(),
			Concurrency:   vc.Concurrency(),
			BailThreshold: vc.Bail(),
		})
		if selftestJSON {
			if err := writeJSON(os.Stdout, report); err != nil {
				return err
			}
		} else {
			printSelfTest(os.Stdout, report)
		}
		if !report.Passed {
			return withCode(exitSelfTest, fmt.Errorf("%w: %s", validator.ErrSelfTestFailed, strings.Join(report.FailedChecks(), ", ")))
		}
		return nil
	},
}

func init() {
	selftestCmd.Flags().BoolVar(&selftestJSON, "json", false, "print the checks as JSON")
}
