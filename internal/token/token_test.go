package token

import (
	"errors"
	"testing"
	"time"

	"github.com/jkaninda/keyward/internal/clock"
	"github.com/jkaninda/keyward/internal/policy"
)

func testDoc(t *testing.T) *policy.Document {
	t.Helper()
	doc, err := policy.Parse([]byte(`{"allowed": ["A", {"name": "B", "expires": "10m"}], "token_ttl": "1h"}`))
	if err != nil {
		t.Fatal(err)
	}
	return doc
}

func TestIssuer_TTLBoundary(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	fc := clock.NewFake(start)
	iss := NewIssuer(fc)

	tok, err := iss.Issue(testDoc(t))
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if len(tok.Value) != 43 {
		t.Errorf("value length = %d, want 43", len(tok.Value))
	}

	fc.Set(start.Add(59 * time.Minute))
	if _, err := iss.Lookup(tok.Value); err != nil {
		t.Errorf("at t+59m: %v", err)
	}

	fc.Set(start.Add(61 * time.Minute))
	if _, err := iss.Lookup(tok.Value); !errors.Is(err, ErrExpired) {
		t.Errorf("at t+61m: expected ErrExpired, got %v", err)
	}
	if _, err := iss.Lookup(tok.Value); !errors.Is(err, ErrUnknownToken) {
		t.Errorf("expired token should be dropped, got %v", err)
	}
}

func TestIssuer_UnknownAndEmpty(t *testing.T) {
	iss := NewIssuer(nil)
	for _, v := range []string{"", "nope"} {
		if _, err := iss.Lookup(v); !errors.Is(err, ErrUnknownToken) {
			t.Errorf("Lookup(%q) = %v", v, err)
		}
	}
}

func TestIssuer_SnapshotAtIssue(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	iss := NewIssuer(clock.NewFake(start))
	tok, err := iss.Issue(testDoc(t))
	if err != nil {
		t.Fatal(err)
	}
	r, ok := tok.Policy.Rule("B")
	if !ok || !r.Expires.Equal(start.Add(10*time.Minute)) {
		t.Errorf("rule B = %+v", r)
	}
	if tok.ID == "" || tok.ID == tok.Value {
		t.Error("ID must be set and differ from the value")
	}
}

func TestIssuer_Sweep(t *testing.T) {
	start := time.Now()
	fc := clock.NewFake(start)
	iss := NewIssuer(fc)
	doc := testDoc(t)
	iss.Issue(doc)
	fc.Advance(30 * time.Minute)
	iss.Issue(doc)

	fc.Advance(45 * time.Minute)
	if n := iss.Sweep(); n != 1 {
		t.Errorf("swept %d, want 1", n)
	}
	if iss.Active() != 1 {
		t.Errorf("active = %d, want 1", iss.Active())
	}
}

func TestIssuer_DistinctValues(t *testing.T) {
	iss := NewIssuer(nil)
	doc := testDoc(t)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tok, err := iss.Issue(doc)
		if err != nil {
			t.Fatal(err)
		}
		if seen[tok.Value] {
			t.Fatal("duplicate token value")
		}
		seen[tok.Value] = true
	}
}
