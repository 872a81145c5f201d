// Package provider defines the credential provider contract, the closed set of
// validation statuses, and the registry that matches credentials to providers.
package provider

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Status is the outcome class of a single credential validation.
type Status string

const (
	StatusValid             Status = "valid"
	StatusInvalidFormat     Status = "invalid_format"
	StatusAuthFailed        Status = "auth_failed"
	StatusSuspendedAccount  Status = "suspended_account"
	StatusQuotaExhausted    Status = "quota_exhausted"
	StatusInsufficientScope Status = "insufficient_scope"
	StatusNetworkError      Status = "network_error"
)

var statuses = []Status{
	StatusValid,
	StatusInvalidFormat,
	StatusAuthFailed,
	StatusSuspendedAccount,
	StatusQuotaExhausted,
	StatusInsufficientScope,
	StatusNetworkError,
}

// Statuses returns the closed status set in its canonical order.
func Statuses() []Status {
	return slices.Clone(statuses)
}

// Known reports whether s belongs to the closed status set.
func (s Status) Known() bool {
	return slices.Contains(statuses, s)
}

var (
	// ErrInvalidFormat is returned by CheckFormat when a key does not have the provider's shape.
	ErrInvalidFormat = errors.New("key does not match expected format")
	// ErrDuplicateProvider is returned when registering a name twice.
	ErrDuplicateProvider = errors.New("provider already registered")
	// ErrUnknownProvider is returned when a provider name is not registered.
	ErrUnknownProvider = errors.New("unknown provider")
)

// RateLimit is the provider-reported request quota, when the provider exposes one.
type RateLimit struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// Outcome is what a provider reports for one key.
type Outcome struct {
	Status    Status
	Detail    string // Account info on success, e.g. "user:octocat".
	Error     string // Human-readable failure detail. Never contains the key.
	RateLimit *RateLimit
}

// Descriptor is the contract every provider implements.
// Validate must honor ctx and classify every response into a Status; it
// never returns StatusInvalidFormat, which is decided locally by CheckFormat.
type Descriptor interface {
	Name() string
	EnvPatterns() []string
	MatchesName(envName string) bool
	CheckFormat(key string) error
	Validate(ctx context.Context, key string) Outcome
}

// Registry holds descriptors in registration order. Matching walks that order,
// so the first registered descriptor wins on overlapping patterns.
type Registry struct {
	mu     sync.RWMutex
	order  []Descriptor
	byName map[string]Descriptor
}

// NewRegistry creates a registry and registers ds in order.
// It panics on duplicate names, which is a programming error.
func NewRegistry(ds ...Descriptor) *Registry {
	r := &Registry{byName: make(map[string]Descriptor, len(ds))}
	for _, d := range ds {
		if err := r.Register(d); err != nil {
			panic(err)
		}
	}
	return r
}

// Register appends d to the registry.
func (r *Registry) Register(d Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[d.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateProvider, d.Name())
	}
	r.byName[d.Name()] = d
	r.order = append(r.order, d)
	return nil
}

// Get returns the descriptor registered under name.
func (r *Registry) Get(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	return d, ok
}

// All returns the descriptors in registration order.
func (r *Registry) All() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// Names returns the registered names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	for i, d := range r.order {
		names[i] = d.Name()
	}
	return names
}

// MatchName returns the first descriptor whose env-name pattern matches envName.
func (r *Registry) MatchName(envName string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.order {
		if d.MatchesName(envName) {
			return d, true
		}
	}
	return nil, false
}

// DetectByKey returns the first descriptor whose key format accepts value.
func (r *Registry) DetectByKey(value string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.order {
		if d.CheckFormat(value) == nil {
			return d, true
		}
	}
	return nil, false
}

// Restrict returns a registry holding only the named providers, preserving
// registration order. An empty list returns r itself.
func (r *Registry) Restrict(names []string) (*Registry, error) {
	if len(names) == 0 {
		return r, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, n := range names {
		if _, ok := r.byName[n]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, n)
		}
	}
	out := &Registry{byName: make(map[string]Descriptor, len(names))}
	for _, d := range r.order {
		if slices.Contains(names, d.Name()) {
			out.byName[d.Name()] = d
			out.order = append(out.order, d)
		}
	}
	return out, nil
}
