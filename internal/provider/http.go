package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// maxBodyBytes caps how much of a probe response is read.
const maxBodyBytes = 1 << 20

// AuthStyle selects how the key is attached to the probe request.
type AuthStyle int

const (
	AuthBearer AuthStyle = iota // Authorization: Bearer <key>
	AuthHeader                  // <Spec.AuthHeader>: <key>
	AuthQuery                   // ?<Spec.QueryParam>=<key>
	AuthBasic                   // HTTP basic auth, key as username
)

// Response is the probe response handed to a classifier.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// JSON decodes the body into v, ignoring malformed bodies.
func (r *Response) JSON(v any) bool {
	return json.Unmarshal(r.Body, v) == nil
}

// Classifier maps a probe response to an Outcome.
type Classifier func(resp *Response) Outcome

// Spec describes an HTTP-probed provider.
type Spec struct {
	Name            string
	EnvPatterns     []string
	KeyFormat       string
	BaseURL         string
	Method          string // Default: GET.
	Path            string
	Auth            AuthStyle
	AuthHeader      string
	QueryParam      string
	Headers         map[string]string
	RateLimitPrefix string // Header prefix, e.g. "x-ratelimit". Empty = none.
	Classify        Classifier
}

// HTTPProvider validates a key by calling a cheap authenticated endpoint.
type HTTPProvider struct {
	spec       Spec
	envRes     []*regexp.Regexp
	keyRe      *regexp.Regexp
	baseURL    string
	httpClient *http.Client
	now        func() time.Time
}

// Option configures an HTTPProvider.
type Option func(*HTTPProvider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(p *HTTPProvider) { p.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(p *HTTPProvider) { p.httpClient = hc }
}

// NewHTTPProvider compiles spec into a Descriptor.
func NewHTTPProvider(spec Spec, opts ...Option) (*HTTPProvider, error) {
	if spec.Name == "" || spec.Classify == nil {
		return nil, fmt.Errorf("provider spec requires name and classifier")
	}
	p := &HTTPProvider{
		spec:    spec,
		baseURL: strings.TrimRight(spec.BaseURL, "/"),
		httpClient: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		now: time.Now,
	}
	for _, pat := range spec.EnvPatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("provider %s env pattern %q: %w", spec.Name, pat, err)
		}
		p.envRes = append(p.envRes, re)
	}
	re, err := regexp.Compile(spec.KeyFormat)
	if err != nil {
		return nil, fmt.Errorf("provider %s key format: %w", spec.Name, err)
	}
	p.keyRe = re
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// MustHTTPProvider is NewHTTPProvider for static tables.
func MustHTTPProvider(spec Spec, opts ...Option) *HTTPProvider {
	p, err := NewHTTPProvider(spec, opts...)
	if err != nil {
		panic(err)
	}
	return p
}

func (p *HTTPProvider) Name() string { return p.spec.Name }

func (p *HTTPProvider) EnvPatterns() []string { return append([]string(nil), p.spec.EnvPatterns...) }

func (p *HTTPProvider) MatchesName(envName string) bool {
	for _, re := range p.envRes {
		if re.MatchString(envName) {
			return true
		}
	}
	return false
}

func (p *HTTPProvider) CheckFormat(key string) error {
	if !p.keyRe.MatchString(key) {
		return fmt.Errorf("%w for %s", ErrInvalidFormat, p.spec.Name)
	}
	return nil
}

// Validate performs the probe request. Transport failures become network_error
// with the key scrubbed from the error text.
func (p *HTTPProvider) Validate(ctx context.Context, key string) Outcome {
	req, err := p.buildRequest(ctx, key)
	if err != nil {
		return Outcome{Status: StatusNetworkError, Error: scrub(err.Error(), key)}
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Outcome{Status: StatusNetworkError, Error: scrub(err.Error(), key)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Outcome{Status: StatusNetworkError, Error: scrub("reading response: "+err.Error(), key)}
	}

	r := &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}
	out := p.spec.Classify(r)
	out.Detail = scrub(out.Detail, key)
	out.Error = scrub(out.Error, key)
	if p.spec.RateLimitPrefix != "" {
		out.RateLimit = parseRateLimit(resp.Header, p.spec.RateLimitPrefix, p.now())
	}
	return out
}

func (p *HTTPProvider) buildRequest(ctx context.Context, key string) (*http.Request, error) {
	method := p.spec.Method
	if method == "" {
		method = http.MethodGet
	}
	target := p.baseURL + p.spec.Path
	if p.spec.Auth == AuthQuery {
		u, err := url.Parse(target)
		if err != nil {
			return nil, fmt.Errorf("parsing probe url: %w", err)
		}
		q := u.Query()
		q.Set(p.spec.QueryParam, key)
		u.RawQuery = q.Encode()
		target = u.String()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, fmt.Errorf("creating probe request: %w", err)
	}
	req.Header.Set("User-Agent", "keyward")
	for k, v := range p.spec.Headers {
		req.Header.Set(k, v)
	}
	switch p.spec.Auth {
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+key)
	case AuthHeader:
		req.Header.Set(p.spec.AuthHeader, key)
	case AuthBasic:
		req.SetBasicAuth(key, "")
	}
	return req, nil
}

// parseRateLimit reads <prefix>-limit/-remaining/-reset. Reset values below
// 1e9 are seconds from now, larger ones are epoch seconds.
func parseRateLimit(h http.Header, prefix string, now time.Time) *RateLimit {
	limit, err1 := strconv.Atoi(h.Get(prefix + "-limit"))
	remaining, err2 := strconv.Atoi(h.Get(prefix + "-remaining"))
	if err1 != nil || err2 != nil || (limit == 0 && remaining == 0) {
		return nil
	}
	rl := &RateLimit{Limit: limit, Remaining: remaining}
	if reset, err := strconv.ParseInt(h.Get(prefix+"-reset"), 10, 64); err == nil && reset > 0 {
		if reset < 1_000_000_000 {
			rl.ResetAt = now.Add(time.Duration(reset) * time.Second).UTC()
		} else {
			rl.ResetAt = time.Unix(reset, 0).UTC()
		}
	}
	return rl
}

func scrub(s, key string) string {
	if s == "" || key == "" {
		return s
	}
	s = strings.ReplaceAll(s, key, "[REDACTED]")
	// Query-string auth shows up URL-encoded in transport errors.
	if enc := url.QueryEscape(key); enc != key {
		s = strings.ReplaceAll(s, enc, "[REDACTED]")
	}
	return s
}
