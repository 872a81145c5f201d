package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/jkaninda/keyward/internal/provider"
	"github.com/jkaninda/keyward/internal/secrets"
	"github.com/jkaninda/keyward/internal/validator"
)

func TestPrintReport_NeverShowsValues(t *testing.T) {
	r := &validator.Report{
		Results: []validator.Result{
			{EnvVar: "OPENAI_API_KEY", Provider: "openai", Status: provider.StatusValid, Fingerprint: "sk-p...wxyz(51)", Detail: "models:42"},
			{EnvVar: "GITHUB_TOKEN", Provider: "github", Status: provider.StatusAuthFailed, Fingerprint: "****(8)", Error: "Invalid API key", Cached: true},
		},
		Summary: validator.Summary{Total: 2, Counts: map[provider.Status]int{provider.StatusValid: 1, provider.StatusAuthFailed: 1}},
	}
	var buf bytes.Buffer
	printReport(&buf, r)
	out := buf.String()
	for _, want := range []string{"OPENAI_API_KEY", "sk-p...wxyz(51)", "auth_failed", "Invalid API key", "cached"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if failing(r) != 1 {
		t.Errorf("failing = %d, want 1", failing(r))
	}
}

func TestPairsFrom_SortedSkipsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("B_KEY=two\nA_KEY=one\nEMPTY=\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	src, err := secrets.OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	pairs, err := pairsFrom(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, p := range pairs {
		names = append(names, p.Name)
	}
	if diff := cmp.Diff([]string{"A_KEY", "B_KEY"}, names); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}
}

func TestExitError(t *testing.T) {
	err := withCode(exitConfig, validator.ErrSelfTestFailed)
	var ee *exitError
	if !errors.As(err, &ee) || ee.code != exitConfig {
		t.Fatalf("exit code not carried: %v", err)
	}
	if !errors.Is(err, validator.ErrSelfTestFailed) {
		t.Error("wrapped error lost")
	}
	if withCode(exitFailing, nil).Error() != "exit status 3" {
		t.Error("nil-error exit message")
	}
}
