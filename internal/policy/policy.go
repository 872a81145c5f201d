// Package policy parses the permission document that decides which
// credentials an agent token may reach, and freezes it into snapshots
// held by issued tokens.
//
// The document is JSON extended with comments and trailing commas:
//
//	{
//	  // plain names are allowed without limits
//	  "allowed": ["OPENAI_API_KEY", {"name": "GITHUB_TOKEN", "max_uses": 5, "rpm_limit": 10}],
//	  "token_ttl": "1h",
//	}
package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
)

// ErrInvalidPolicy is returned for any malformed policy document.
var ErrInvalidPolicy = errors.New("invalid policy")

// DefaultTokenTTL applies when the document has no token_ttl.
const DefaultTokenTTL = time.Hour

// Rule grants access to one credential name.
type Rule struct {
	Name string `json:"name"`
	// MaxUses caps dispenses per token. Zero means unlimited.
	MaxUses int64 `json:"max_uses,omitempty"`
	// Expires is an absolute deadline. Zero means none.
	Expires time.Time `json:"expires,omitempty"`
	// ExpiresIn is a deadline relative to token issuance, resolved by Snapshot.
	ExpiresIn time.Duration `json:"expires_in,omitempty"`
	// RPMLimit caps dispenses per sliding minute. Zero means unlimited.
	RPMLimit int `json:"rpm_limit,omitempty"`
}

// Expired reports whether the rule's deadline has passed at now.
func (r Rule) Expired(now time.Time) bool {
	return !r.Expires.IsZero() && !now.Before(r.Expires)
}

// Document is a parsed policy.
type Document struct {
	Rules    []Rule
	TokenTTL time.Duration
}

type rawDocument struct {
	Allowed  []json.RawMessage `json:"allowed"`
	TokenTTL json.RawMessage   `json:"token_ttl"`
}

type rawRule struct {
	Name     string `json:"name"`
	MaxUses  int64  `json:"max_uses"`
	Expires  string `json:"expires"`
	RPMLimit int    `json:"rpm_limit"`
}

// Parse decodes a policy document.
func Parse(data []byte) (*Document, error) {
	var raw rawDocument
	if err := decodeStrict(jsonc.ToJSON(data), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}

	doc := &Document{TokenTTL: DefaultTokenTTL}
	if ttl, err := parseTTL(raw.TokenTTL); err != nil {
		return nil, err
	} else if ttl > 0 {
		doc.TokenTTL = ttl
	}

	seen := make(map[string]bool, len(raw.Allowed))
	for i, entry := range raw.Allowed {
		rule, err := parseRule(entry)
		if err != nil {
			return nil, fmt.Errorf("%w: allowed[%d]: %v", ErrInvalidPolicy, i, err)
		}
		if seen[rule.Name] {
			return nil, fmt.Errorf("%w: duplicate entry %q", ErrInvalidPolicy, rule.Name)
		}
		seen[rule.Name] = true
		doc.Rules = append(doc.Rules, rule)
	}
	return doc, nil
}

// Load reads a policy file. A missing file yields an empty document, which
// denies every credential.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Document{TokenTTL: DefaultTokenTTL}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

func parseRule(entry json.RawMessage) (Rule, error) {
	var name string
	if err := json.Unmarshal(entry, &name); err == nil {
		name = strings.TrimSpace(name)
		if name == "" {
			return Rule{}, errors.New("empty name")
		}
		return Rule{Name: name}, nil
	}

	var rr rawRule
	if err := decodeStrict(entry, &rr); err != nil {
		return Rule{}, err
	}
	rule := Rule{Name: strings.TrimSpace(rr.Name), MaxUses: rr.MaxUses, RPMLimit: rr.RPMLimit}
	switch {
	case rule.Name == "":
		return Rule{}, errors.New("empty name")
	case rr.MaxUses < 0:
		return Rule{}, fmt.Errorf("%s: negative max_uses", rule.Name)
	case rr.RPMLimit < 0:
		return Rule{}, fmt.Errorf("%s: negative rpm_limit", rule.Name)
	}
	if rr.Expires != "" {
		if t, err := time.Parse(time.RFC3339, rr.Expires); err == nil {
			rule.Expires = t.UTC()
		} else if d, derr := time.ParseDuration(rr.Expires); derr == nil && d > 0 {
			rule.ExpiresIn = d
		} else {
			return Rule{}, fmt.Errorf("%s: expires %q is neither RFC 3339 nor a positive duration", rule.Name, rr.Expires)
		}
	}
	return rule, nil
}

func parseTTL(raw json.RawMessage) (time.Duration, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			return 0, fmt.Errorf("%w: token_ttl %q", ErrInvalidPolicy, s)
		}
		return d, nil
	}
	secs, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil || secs <= 0 {
		return 0, fmt.Errorf("%w: token_ttl %s", ErrInvalidPolicy, raw)
	}
	return time.Duration(secs) * time.Second, nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// Snapshot freezes the document at token issuance. Relative expiries become
// absolute deadlines from issuedAt.
func (d *Document) Snapshot(issuedAt time.Time) *Snapshot {
	s := &Snapshot{rules: make(map[string]Rule, len(d.Rules)), names: make([]string, 0, len(d.Rules))}
	for _, r := range d.Rules {
		if r.ExpiresIn > 0 {
			deadline := issuedAt.Add(r.ExpiresIn).UTC()
			if r.Expires.IsZero() || deadline.Before(r.Expires) {
				r.Expires = deadline
			}
			r.ExpiresIn = 0
		}
		s.rules[r.Name] = r
		s.names = append(s.names, r.Name)
	}
	return s
}

// Names returns the allowed credential names in document order.
func (d *Document) Names() []string {
	out := make([]string, len(d.Rules))
	for i, r := range d.Rules {
		out[i] = r.Name
	}
	return out
}

// Snapshot is an immutable copy of a policy held by one token.
type Snapshot struct {
	rules map[string]Rule
	names []string
}

// Rule returns the rule for name.
func (s *Snapshot) Rule(name string) (Rule, bool) {
	if s == nil {
		return Rule{}, false
	}
	r, ok := s.rules[name]
	return r, ok
}

// Allows reports whether name is in scope.
func (s *Snapshot) Allows(name string) bool {
	_, ok := s.Rule(name)
	return ok
}

// Names returns the allowed names in document order.
func (s *Snapshot) Names() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.names...)
}
