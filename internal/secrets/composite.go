package secrets

import (
	"context"
	"errors"
	"fmt"
)

// CompositeSource chains multiple sources and tries each in order.
// The first source that resolves a name wins.
type CompositeSource struct {
	sources []Source
}

// NewCompositeSource creates a source that delegates to the given sources in order.
func NewCompositeSource(sources ...Source) *CompositeSource {
	return &CompositeSource{sources: sources}
}

func (p *CompositeSource) Name() string { return "composite" }

func (p *CompositeSource) Lookup(ctx context.Context, name string) (string, error) {
	var lastErr error
	for _, src := range p.sources {
		v, err := src.Lookup(ctx, name)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !errors.Is(err, ErrSecretNotFound) {
			// A backend failure must not fall through to a lower-priority source.
			return "", fmt.Errorf("%s: %w", src.Name(), err)
		}
	}
	if lastErr != nil {
		return "", lastErr
	}
	return "", fmt.Errorf("%w: no source could resolve %q", ErrSecretNotFound, name)
}

// Names returns the union of all sources' names, first occurrence order.
func (p *CompositeSource) Names(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, src := range p.sources {
		names, err := src.Names(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", src.Name(), err)
		}
		for _, n := range names {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	return out, nil
}
