package secrets

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
)

// EnvSource resolves credentials from the process environment.
type EnvSource struct{}

// NewEnvSource creates an environment variable-based source.
func NewEnvSource() *EnvSource { return &EnvSource{} }

func (p *EnvSource) Name() string { return "env" }

func (p *EnvSource) Lookup(_ context.Context, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty environment variable name", ErrSecretNotFound)
	}
	value := os.Getenv(name)
	if value == "" {
		return "", fmt.Errorf("%w: environment variable %q is not set or empty", ErrSecretNotFound, name)
	}
	return value, nil
}

func (p *EnvSource) Names(context.Context) ([]string, error) {
	var names []string
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if ok && k != "" && v != "" {
			names = append(names, k)
		}
	}
	slices.Sort(names)
	return names, nil
}

