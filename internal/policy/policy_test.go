package policy

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestParse_MixedEntries(t *testing.T) {
	doc, err := Parse([]byte(`{
		// comment tolerated
		"allowed": [
			"OPENAI_API_KEY",
			{"name": "GITHUB_TOKEN", "max_uses": 5, "rpm_limit": 10},
			{"name": "STRIPE_KEY", "expires": "2030-01-02T03:04:05Z"},
			{"name": "SLACK_TOKEN", "expires": "30m"},
		],
		"token_ttl": "2h",
	}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := []Rule{
		{Name: "OPENAI_API_KEY"},
		{Name: "GITHUB_TOKEN", MaxUses: 5, RPMLimit: 10},
		{Name: "STRIPE_KEY", Expires: time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)},
		{Name: "SLACK_TOKEN", ExpiresIn: 30 * time.Minute},
	}
	if diff := cmp.Diff(want, doc.Rules); diff != "" {
		t.Errorf("rules mismatch (-want +got):\n%s", diff)
	}
	if doc.TokenTTL != 2*time.Hour {
		t.Errorf("TokenTTL = %v", doc.TokenTTL)
	}
}

func TestParse_TTLForms(t *testing.T) {
	tests := []struct {
		doc  string
		want time.Duration
	}{
		{`{"allowed": []}`, DefaultTokenTTL},
		{`{"allowed": [], "token_ttl": 90}`, 90 * time.Second},
		{`{"allowed": [], "token_ttl": "15m"}`, 15 * time.Minute},
	}
	for _, tt := range tests {
		doc, err := Parse([]byte(tt.doc))
		if err != nil {
			t.Fatalf("Parse(%s): %v", tt.doc, err)
		}
		if doc.TokenTTL != tt.want {
			t.Errorf("Parse(%s).TokenTTL = %v, want %v", tt.doc, doc.TokenTTL, tt.want)
		}
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not json", `{allowed`},
		{"unknown top-level field", `{"allowed": [], "deny": []}`},
		{"unknown rule field", `{"allowed": [{"name": "A", "limit": 1}]}`},
		{"empty name", `{"allowed": [""]}`},
		{"empty object name", `{"allowed": [{"max_uses": 1}]}`},
		{"duplicate", `{"allowed": ["A", {"name": "A"}]}`},
		{"negative uses", `{"allowed": [{"name": "A", "max_uses": -1}]}`},
		{"negative rpm", `{"allowed": [{"name": "A", "rpm_limit": -2}]}`},
		{"bad expiry", `{"allowed": [{"name": "A", "expires": "tomorrow"}]}`},
		{"bad ttl", `{"allowed": [], "token_ttl": "forever"}`},
		{"zero ttl", `{"allowed": [], "token_ttl": 0}`},
		{"wrong entry type", `{"allowed": [42]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.doc)); !errors.Is(err, ErrInvalidPolicy) {
				t.Errorf("expected ErrInvalidPolicy, got %v", err)
			}
		})
	}
}

func TestSnapshot_ResolvesRelativeExpiry(t *testing.T) {
	doc, err := Parse([]byte(`{"allowed": [{"name": "A", "expires": "30m"}, "B"]}`))
	if err != nil {
		t.Fatal(err)
	}
	issued := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	snap := doc.Snapshot(issued)

	r, ok := snap.Rule("A")
	if !ok {
		t.Fatal("A missing from snapshot")
	}
	if !r.Expires.Equal(issued.Add(30 * time.Minute)) {
		t.Errorf("Expires = %v", r.Expires)
	}
	if r.Expired(issued.Add(29*time.Minute)) || !r.Expired(issued.Add(30*time.Minute)) {
		t.Error("deadline boundary wrong")
	}
	if diff := cmp.Diff([]string{"A", "B"}, snap.Names()); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}
	if snap.Allows("C") {
		t.Error("C must be out of scope")
	}
}

func TestSnapshot_IsolatedFromDocument(t *testing.T) {
	doc, _ := Parse([]byte(`{"allowed": [{"name": "A", "max_uses": 1}]}`))
	snap := doc.Snapshot(time.Now())
	doc.Rules[0].MaxUses = 99
	doc.Rules = append(doc.Rules, Rule{Name: "B"})

	r, _ := snap.Rule("A")
	if r.MaxUses != 1 || snap.Allows("B") {
		t.Error("snapshot changed after document mutation")
	}
}

func TestLoad_MissingFileDeniesAll(t *testing.T) {
	doc, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(doc.Rules) != 0 {
		t.Errorf("rules = %v, want none", doc.Rules)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	if err := os.WriteFile(path, []byte(`{"allowed": ["A",]}`), 0o600); err != nil {
		t.Fatal(err)
	}
	doc, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff([]string{"A"}, doc.Names()); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}
}
