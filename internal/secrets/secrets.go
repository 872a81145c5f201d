// Package secrets defines the credential Source interface and its backends:
// the process environment, plain .env files, age-encrypted vault files and
// HashiCorp Vault KV v2 paths.
//
// Values are handed to the broker and the validator only. They are never
// logged or serialized by this package.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// ErrSecretNotFound is returned when a credential name cannot be resolved.
var ErrSecretNotFound = errors.New("secret not found")

// Source resolves credential names into values.
// Implementations must be safe for concurrent use.
type Source interface {
	// Name returns the source identifier for logging (never includes secrets).
	Name() string
	// Lookup returns the value of name, or ErrSecretNotFound.
	Lookup(ctx context.Context, name string) (string, error)
	// Names lists every credential name the source holds, in a stable order.
	Names(ctx context.Context) ([]string, error)
}

// Entry is one credential name and its value.
type Entry struct {
	Name  string
	Value string
}

// Entries resolves every name of src in order.
func Entries(ctx context.Context, src Source) ([]Entry, error) {
	names, err := src.Names(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(names))
	for _, n := range names {
		v, err := src.Lookup(ctx, n)
		if errors.Is(err, ErrSecretNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", n, err)
		}
		out = append(out, Entry{Name: n, Value: v})
	}
	return out, nil
}

// mapSource is an immutable in-memory source shared by the file backends.
type mapSource struct {
	name   string
	values map[string]string
	order  []string
}

func newMapSource(name string, values map[string]string) *mapSource {
	m := &mapSource{name: name, values: make(map[string]string, len(values))}
	for k, v := range values {
		if k == "" || v == "" {
			continue
		}
		m.values[k] = v
		m.order = append(m.order, k)
	}
	slices.Sort(m.order)
	return m
}

func (m *mapSource) Name() string { return m.name }

func (m *mapSource) Lookup(_ context.Context, name string) (string, error) {
	v, ok := m.values[name]
	if !ok {
		return "", fmt.Errorf("%w: %q not in %s", ErrSecretNotFound, name, m.name)
	}
	return v, nil
}

func (m *mapSource) Names(context.Context) ([]string, error) {
	return append([]string(nil), m.order...), nil
}
