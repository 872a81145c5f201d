package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"time"
)

// WebhookSender POSTs usage alerts as JSON. Unless WithAllowPrivate is set,
// targets that resolve to loopback, private or link-local addresses are
// refused and redirects are never followed.
type WebhookSender struct {
	url          string
	headers      map[string]string
	allowPrivate bool
	httpClient   *http.Client
	logger       *slog.Logger
}

// WebhookOption configures a WebhookSender.
type WebhookOption func(*WebhookSender)

// WithAllowPrivate permits loopback and private targets, for local receivers.
func WithAllowPrivate() WebhookOption {
	return func(s *WebhookSender) { s.allowPrivate = true }
}

// WithWebhookHeaders adds static headers (e.g. a shared secret) to every request.
func WithWebhookHeaders(h map[string]string) WebhookOption {
	return func(s *WebhookSender) { s.headers = h }
}

func NewWebhookSender(rawURL string, logger *slog.Logger, opts ...WebhookOption) *WebhookSender {
	s := &WebhookSender{url: rawURL, httpClient: alertClient(10 * time.Second), logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func alertClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (s *WebhookSender) Type() string { return "webhook" }

type webhookPayload struct {
	Source   string            `json:"source"`
	SentAt   time.Time         `json:"sent_at"`
	Subject  string            `json:"subject"`
	Body     string            `json:"body"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (s *WebhookSender) Send(ctx context.Context, msg *Message) error {
	if !s.allowPrivate {
		if err := checkPublicTarget(ctx, s.url); err != nil {
			return fmt.Errorf("webhook URL rejected: %w", err)
		}
	}
	body, err := json.Marshal(webhookPayload{
		Source:   "keyward",
		SentAt:   time.Now().UTC(),
		Subject:  msg.Subject,
		Body:     msg.Body,
		Metadata: msg.Metadata,
	})
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	return postJSON(ctx, s.httpClient, s.url, body, s.headers)
}

func postJSON(ctx context.Context, client *http.Client, target string, body []byte, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "keyward-alerts")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 == 2 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("receiver returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
}

// checkPublicTarget resolves the URL host and fails if any address is not
// a public unicast address.
func checkPublicTarget(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("missing host")
	}

	var addrs []netip.Addr
	if a, err := netip.ParseAddr(host); err == nil {
		addrs = []netip.Addr{a}
	} else {
		addrs, err = net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		if err != nil {
			return fmt.Errorf("resolving %q: %w", host, err)
		}
	}
	for _, a := range addrs {
		a = a.Unmap()
		if a.IsLoopback() || a.IsPrivate() || a.IsLinkLocalUnicast() || a.IsLinkLocalMulticast() || a.IsUnspecified() {
			return fmt.Errorf("non-public address %s not allowed", a)
		}
	}
	return nil
}
