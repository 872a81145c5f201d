package secrets

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"
)

// KVConfig configures a KVSource. Empty Address, Token and Namespace fall
// back to VAULT_ADDR, VAULT_TOKEN and VAULT_NAMESPACE.
type KVConfig struct {
	Address       string
	Token         string
	Namespace     string
	Path          string // Full KV v2 API path, e.g. "secret/data/agents".
	Timeout       time.Duration
	TLSSkipVerify bool
}

// KVSource serves every string field stored at one HashiCorp Vault KV v2
// path as a credential. Each call reads the path, so rotations in Vault are
// picked up without a restart. Uses token-based authentication.
// Safe for concurrent use.
type KVSource struct {
	address   string
	token     string
	namespace string
	path      string
	client    *http.Client
}

// NewKVSource creates a Vault KV v2 credential source.
func NewKVSource(cfg KVConfig) (*KVSource, error) {
	address := cfg.Address
	if env := os.Getenv("VAULT_ADDR"); env != "" {
		address = env
	}
	if address == "" {
		return nil, fmt.Errorf("vault address is required (set kv.address or VAULT_ADDR)")
	}
	address = strings.TrimRight(address, "/")

	token := cfg.Token
	if env := os.Getenv("VAULT_TOKEN"); env != "" {
		token = env
	}
	if token == "" {
		return nil, fmt.Errorf("vault token is required (set VAULT_TOKEN)")
	}

	namespace := cfg.Namespace
	if env := os.Getenv("VAULT_NAMESPACE"); env != "" {
		namespace = env
	}

	path := strings.Trim(cfg.Path, "/")
	if path == "" {
		return nil, fmt.Errorf("vault kv path is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.TLSSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &KVSource{
		address:   address,
		token:     token,
		namespace: namespace,
		path:      path,
		client:    &http.Client{Timeout: timeout, Transport: transport},
	}, nil
}

func (p *KVSource) Name() string { return "vault-kv:" + p.path }

func (p *KVSource) Lookup(ctx context.Context, name string) (string, error) {
	data, err := p.read(ctx)
	if err != nil {
		return "", err
	}
	val, ok := data[name]
	if !ok || val == "" {
		return "", fmt.Errorf("%w: field %q not found in vault path %q", ErrSecretNotFound, name, p.path)
	}
	return val, nil
}

func (p *KVSource) Names(ctx context.Context) ([]string, error) {
	data, err := p.read(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(data))
	for k, v := range data {
		if v != "" {
			names = append(names, k)
		}
	}
	slices.Sort(names)
	return names, nil
}

// read fetches the string fields of the configured path.
func (p *KVSource) read(ctx context.Context) (map[string]string, error) {
	url := fmt.Sprintf("%s/v1/%s", p.address, p.path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building vault request: %w", err)
	}
	req.Header.Set("X-Vault-Token", p.token)
	if p.namespace != "" {
		req.Header.Set("X-Vault-Namespace", p.namespace)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vault request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading vault response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: vault path %q not found", ErrSecretNotFound, p.path)
	case resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("vault access denied for path %q (check token permissions)", p.path)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("vault server error %d for path %q", resp.StatusCode, p.path)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("vault returned status %d for path %q", resp.StatusCode, p.path)
	}

	// KV v2 envelope: { "data": { "data": { ... }, "metadata": { ... } } }
	var envelope struct {
		Data struct {
			Data map[string]any `json:"data"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("parsing vault response: %w", err)
	}
	out := make(map[string]string, len(envelope.Data.Data))
	for k, v := range envelope.Data.Data {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out, nil
}
