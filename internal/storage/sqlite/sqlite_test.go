package sqlite

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/jkaninda/keyward/internal/audit"
	"github.com/jkaninda/keyward/internal/provider"
	"github.com/jkaninda/keyward/internal/storage"
	"github.com/jkaninda/keyward/internal/usage"
	"github.com/jkaninda/keyward/internal/validator"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keyward.db")
	s, err := Open(Config{Path: path}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func TestOpen_FilePermissions(t *testing.T) {
	s := openTestStore(t)
	fi, err := os.Stat(s.Path())
	if err != nil {
		t.Fatal(err)
	}
	if perm := fi.Mode().Perm(); perm != 0o600 {
		t.Errorf("perm = %o, want 600", perm)
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
	if s.Driver() != storage.DriverSQLite {
		t.Errorf("Driver = %q", s.Driver())
	}
}

func TestAudit_AppendAndQuery(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	events := []audit.Event{
		{Timestamp: base, Kind: audit.KindAccess, Credential: "A", AgentID: "bot", Decision: audit.DecisionAllow, TokenID: "t1"},
		{Timestamp: base.Add(time.Second), Kind: audit.KindAccess, Credential: "B", AgentID: "bot", Decision: audit.DecisionDeny, Reason: "forbidden"},
		{Timestamp: base.Add(2 * time.Second), Kind: audit.KindValidate, Provider: "openai", Status: "valid", Fields: map[string]any{"cached": true}},
	}
	for _, e := range events {
		if err := s.Audit().AppendAudit(ctx, e); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}

	got, err := s.Audit().QueryAudit(ctx, storage.AuditFilter{Kind: audit.KindAccess})
	if err != nil {
		t.Fatalf("QueryAudit: %v", err)
	}
	if len(got) != 2 || got[0].Credential != "B" || got[0].Reason != "forbidden" {
		t.Errorf("access events = %+v", got)
	}

	all, _ := s.Audit().QueryAudit(ctx, storage.AuditFilter{})
	if len(all) != 3 || all[0].Fields["cached"] != true {
		t.Errorf("fields not round-tripped: %+v", all[0])
	}
}

func TestHistory_LastRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if run, err := s.History().LastRun(ctx); err != nil || run != nil {
		t.Fatalf("empty store: run=%v err=%v", run, err)
	}

	older := []validator.Result{{EnvVar: "OLD", Provider: "openai", Status: provider.StatusValid}}
	newer := []validator.Result{
		{EnvVar: "Z_KEY", Provider: "github", Status: provider.StatusAuthFailed, Fingerprint: "ghp_...abcd(40)"},
		{EnvVar: "A_KEY", Provider: "openai", Status: provider.StatusValid, Cached: true},
	}
	at := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	if err := s.History().SaveResults(ctx, "run-1", at, older); err != nil {
		t.Fatal(err)
	}
	if err := s.History().SaveResults(ctx, "run-2", at.Add(time.Minute), newer); err != nil {
		t.Fatal(err)
	}

	run, err := s.History().LastRun(ctx)
	if err != nil {
		t.Fatalf("LastRun: %v", err)
	}
	if run.RunID != "run-2" {
		t.Errorf("RunID = %q", run.RunID)
	}
	if diff := cmp.Diff(newer, run.Results); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}
}

func TestUsage_Totals(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	recs := []usage.Record{
		{ID: uuid.NewString(), Credential: "A", Units: 10, AgentID: "x", At: time.Now()},
		{ID: uuid.NewString(), Credential: "A", Units: 15, AgentID: "y", At: time.Now()},
		{ID: "not-a-uuid", Credential: "B", Units: 7, At: time.Now()},
	}
	for _, r := range recs {
		if err := s.Usage().AppendUsage(ctx, r); err != nil {
			t.Fatalf("AppendUsage: %v", err)
		}
	}
	totals, err := s.Usage().Totals(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(map[string]int64{"A": 25, "B": 7}, totals); diff != "" {
		t.Errorf("totals mismatch (-want +got):\n%s", diff)
	}
}
