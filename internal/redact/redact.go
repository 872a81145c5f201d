// Package redact renders credential values in forms that are safe to show,
// log or persist. No level permits reconstruction of the original value.
package redact

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/zeebo/blake3"
)

// Level selects how much of a value is revealed.
type Level int

const (
	// Partial shows 4 leading and 4 trailing characters plus the length.
	Partial Level = iota
	// Full replaces the value with a fixed marker.
	Full
	// Hash shows a salted, keyed digest prefix.
	Hash
)

// Marker is the Full-level output.
const Marker = "[REDACTED]"

// MinPartialLen is the shortest value, in runes, that Partial reveals boundary
// characters of. Shorter values, and values that are not valid UTF-8, render
// as "****(n)": the output then depends on the length alone.
const MinPartialLen = 16

func (l Level) String() string {
	switch l {
	case Partial:
		return "partial"
	case Full:
		return "full"
	case Hash:
		return "hash"
	}
	return "unknown"
}

// ParseLevel parses "partial", "full" or "hash".
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "partial", "":
		return Partial, nil
	case "full":
		return Full, nil
	case "hash":
		return Hash, nil
	}
	return Partial, fmt.Errorf("unknown redaction level %q", s)
}

// Redactor renders values at a given level. The Hash level is keyed with a
// per-instance salt, so digests are not comparable across processes unless the
// same salt is supplied.
type Redactor struct {
	key [32]byte
}

// New returns a Redactor with a random salt.
func New() *Redactor {
	r := &Redactor{}
	if _, err := rand.Read(r.key[:]); err != nil {
		panic("redact: reading random salt: " + err.Error())
	}
	return r
}

// NewWithSalt returns a Redactor keyed by salt. Any salt length is accepted;
// it is condensed to a 32-byte BLAKE3 key.
func NewWithSalt(salt []byte) *Redactor {
	return &Redactor{key: blake3.Sum256(salt)}
}

// Redact renders value at level.
func (r *Redactor) Redact(value string, level Level) string {
	switch level {
	case Full:
		return Marker
	case Hash:
		return "[blake3:" + r.digest(value)[:12] + "]"
	default:
		return PartialOf(value)
	}
}

// PartialOf renders the Partial form, which needs no salt. Boundary
// characters are cut on rune boundaries so the output is always valid UTF-8.
func PartialOf(value string) string {
	if !utf8.ValidString(value) {
		return "****(" + strconv.Itoa(len(value)) + ")"
	}
	runes := []rune(value)
	n := len(runes)
	if n < MinPartialLen {
		return "****(" + strconv.Itoa(n) + ")"
	}
	return string(runes[:4]) + "..." + string(runes[n-4:]) + "(" + strconv.Itoa(n) + ")"
}

// Scrub replaces every occurrence of the given secrets in text with Marker.
// Empty secrets are ignored.
func (r *Redactor) Scrub(text string, secrets ...string) string {
	for _, s := range secrets {
		if s == "" {
			continue
		}
		text = strings.ReplaceAll(text, s, Marker)
	}
	return text
}

func (r *Redactor) digest(value string) string {
	h, err := blake3.NewKeyed(r.key[:])
	if err != nil {
		panic("redact: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	h.Write([]byte(value))
	return hex.EncodeToString(h.Sum(nil))
}
