package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/jkaninda/keyward/internal/provider"
	"github.com/jkaninda/keyward/internal/secrets"
	"github.com/jkaninda/keyward/internal/validator"
)

var (
	validateEnvFile    string
	validateJSON       bool
	validateStrict     bool
	validateProcessEnv bool
	validateProviders  []string
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate every recognized credential in a .env file",
	Long: `Validate reads NAME=value pairs, routes each to its provider by name or
key format, and checks it with one read-only request. Values are never
printed; each row shows a partial fingerprint.

Exit codes: 0 all keys valid, 1 runtime error, 2 config error,
3 one or more keys failing, 4 self-test failed (--strict).`,
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().StringVar(&validateEnvFile, "env-file", "", "credentials file (default validation.env_file or ./.env)")
	validateCmd.Flags().BoolVar(&validateJSON, "json", false, "print the report as JSON")
	validateCmd.Flags().BoolVar(&validateStrict, "strict", false, "run the self-test first and abort if it fails")
	validateCmd.Flags().BoolVar(&validateProcessEnv, "process-env", false, "validate the process environment instead of a file")
	validateCmd.Flags().StringSliceVar(&validateProviders, "provider", nil, "restrict to these providers (repeatable)")
}

func runValidate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if len(validateProviders) > 0 {
		cfg.Validation.Providers = validateProviders
	}
	logger := newLogger(cfg, false)

	ctx := cmd.Context()
	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	orch, err := sc.buildOrchestrator(validateStrict)
	if err != nil {
		return err
	}

	pairs, err := loadPairs(ctx, cfg.Validation.EnvFile)
	if err != nil {
		return err
	}
	logger.Debug("credentials loaded", slog.Int("pairs", len(pairs)))

	report, err := orch.Run(ctx, pairs)
	if errors.Is(err, validator.ErrSelfTestFailed) {
		if validateJSON {
			_ = writeJSON(os.Stdout, report)
		} else {
			printSelfTest(os.Stdout, report.SelfTest)
		}
		return withCode(exitSelfTest, err)
	}
	if err != nil {
		return err
	}

	if validateJSON {
		if err := writeJSON(os.Stdout, report); err != nil {
			return err
		}
	} else {
		printReport(os.Stdout, report)
	}
	if report.HasFailures() {
		return withCode(exitFailing, nil)
	}
	return nil
}

// loadPairs reads the pairs to validate, in source order.
func loadPairs(ctx context.Context, envFile string) ([]validator.Pair, error) {
	var src secrets.Source
	switch {
	case validateProcessEnv:
		src = secrets.NewEnvSource()
	default:
		if validateEnvFile != "" {
			envFile = validateEnvFile
		}
		f, err := secrets.OpenFile(envFile)
		if err != nil {
			return nil, withCode(exitConfig, err)
		}
		src = f
	}
	return pairsFrom(ctx, src)
}

// pairsFrom resolves every entry of src into validation pairs.
func pairsFrom(ctx context.Context, src secrets.Source) ([]validator.Pair, error) {
	entries, err := secrets.Entries(ctx, src)
	if err != nil {
		return nil, err
	}
	pairs := make([]validator.Pair, len(entries))
	for i, e := range entries {
		pairs[i] = validator.Pair{Name: e.Name, Value: e.Value}
	}
	return pairs, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	dimStyle    = lipgloss.NewStyle().Faint(true)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
)

func statusStyle(s provider.Status) lipgloss.Style {
	switch s {
	case provider.StatusValid:
		return okStyle
	case validator.StatusSkipped, provider.StatusQuotaExhausted, provider.StatusInsufficientScope:
		return warnStyle
	default:
		return failStyle
	}
}

// printReport renders one row per key plus the summary line.
func printReport(w io.Writer, r *validator.Report) {
	if len(r.Results) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no recognized credentials"))
		if r.Summary.Unmatched > 0 {
			fmt.Fprintln(w, dimStyle.Render(fmt.Sprintf("%d unmatched entries ignored", r.Summary.Unmatched)))
		}
		return
	}

	nameW, provW := len("NAME"), len("PROVIDER")
	for _, res := range r.Results {
		nameW = max(nameW, len(res.EnvVar))
		provW = max(provW, len(res.Provider))
	}
	const statusW = 18

	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%-*s  %-*s  %-*s  %s", nameW, "NAME", provW, "PROVIDER", statusW, "STATUS", "DETAIL")))
	for _, res := range r.Results {
		status := statusStyle(res.Status).Width(statusW).Render(string(res.Status))
		detail := res.Detail
		if res.Error != "" {
			detail = res.Error
		}
		var tags []string
		if res.Cached {
			tags = append(tags, "cached")
		}
		if res.AutoDetected {
			tags = append(tags, "auto")
		}
		if len(tags) > 0 {
			detail += " " + dimStyle.Render("("+strings.Join(tags, ",")+")")
		}
		fmt.Fprintf(w, "%-*s  %-*s  %s  %s %s\n", nameW, res.EnvVar, provW, res.Provider, status,
			dimStyle.Render(res.Fingerprint), detail)
	}

	s := r.Summary
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%d checked, %s valid, %s failing, %d cached, %d unmatched, avg %.0fms\n",
		s.Total,
		okStyle.Render(fmt.Sprint(s.Counts[provider.StatusValid])),
		failStyle.Render(fmt.Sprint(failing(r))),
		s.CacheHits, s.Unmatched, s.AvgLatencyMS,
	)
	if len(s.BailedProviders) > 0 {
		fmt.Fprintln(w, warnStyle.Render("circuit breaker tripped: "+strings.Join(s.BailedProviders, ", ")))
	}
}

func failing(r *validator.Report) int {
	n := 0
	for _, res := range r.Results {
		if res.Failing() {
			n++
		}
	}
	return n
}

func printSelfTest(w io.Writer, st *validator.SelfTestReport) {
	if st == nil {
		return
	}
	for _, c := range st.Checks {
		mark := okStyle.Render("PASS")
		if !c.Passed {
			mark = failStyle.Render("FAIL")
		}
		line := fmt.Sprintf("%s  %s", mark, c.Name)
		if c.Detail != "" {
			line += "  " + dimStyle.Render(c.Detail)
		}
		fmt.Fprintln(w, line)
	}
}
