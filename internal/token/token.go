// Package token issues opaque bearer tokens that carry a frozen policy
// snapshot. Tokens live in memory only and die with the process.
package token

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/keyward/internal/clock"
	"github.com/jkaninda/keyward/internal/policy"
)

var (
	// ErrUnknownToken is returned for a value that was never issued or was swept.
	ErrUnknownToken = errors.New("unknown token")
	// ErrExpired is returned for a token past its TTL.
	ErrExpired = errors.New("token expired")
)

// Token is an issued bearer token. Value is the secret; ID is safe to log.
type Token struct {
	ID       string
	Value    string
	IssuedAt time.Time
	TTL      time.Duration
	Policy   *policy.Snapshot
}

// ExpiresAt returns the instant the token stops being accepted.
func (t *Token) ExpiresAt() time.Time { return t.IssuedAt.Add(t.TTL) }

// Expired reports whether the token is past its TTL at now.
func (t *Token) Expired(now time.Time) bool { return !now.Before(t.ExpiresAt()) }

// Issuer mints and resolves tokens. Safe for concurrent use.
type Issuer struct {
	mu     sync.RWMutex
	tokens map[string]*Token
	clock  clock.Clock
}

// NewIssuer creates an empty issuer. A nil clock uses the system clock.
func NewIssuer(c clock.Clock) *Issuer {
	return &Issuer{tokens: make(map[string]*Token), clock: clock.OrSystem(c)}
}

// Issue mints a token bound to a snapshot of doc taken now.
func (i *Issuer) Issue(doc *policy.Document) (*Token, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}
	now := i.clock.Now()
	ttl := doc.TokenTTL
	if ttl <= 0 {
		ttl = policy.DefaultTokenTTL
	}
	tok := &Token{
		ID:       uuid.NewString(),
		Value:    base64.RawURLEncoding.EncodeToString(buf),
		IssuedAt: now,
		TTL:      ttl,
		Policy:   doc.Snapshot(now),
	}

	i.mu.Lock()
	i.tokens[tok.Value] = tok
	i.mu.Unlock()
	return tok, nil
}

// Lookup resolves a bearer value. Expired tokens are dropped on lookup.
func (i *Issuer) Lookup(value string) (*Token, error) {
	if value == "" {
		return nil, ErrUnknownToken
	}
	i.mu.RLock()
	tok, ok := i.tokens[value]
	i.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownToken
	}
	if tok.Expired(i.clock.Now()) {
		i.mu.Lock()
		delete(i.tokens, value)
		i.mu.Unlock()
		return nil, ErrExpired
	}
	return tok, nil
}

// Sweep drops every expired token and returns how many were removed.
func (i *Issuer) Sweep() int {
	now := i.clock.Now()
	i.mu.Lock()
	defer i.mu.Unlock()
	n := 0
	for v, tok := range i.tokens {
		if tok.Expired(now) {
			delete(i.tokens, v)
			n++
		}
	}
	return n
}

// Active returns the number of live tokens.
func (i *Issuer) Active() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.tokens)
}
