// Package notification delivers usage alerts through the configured
// channels (log, generic webhook, Slack incoming webhook).
//
// Every delivery attempt is recorded in the audit log. Message bodies never
// contain credential values.
package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/keyward/internal/audit"
)

// Sender is the interface for a single notification channel backend.
type Sender interface {
	// Type returns the channel type identifier ("log", "webhook", "slack").
	Type() string
	// Send delivers a message.
	Send(ctx context.Context, msg *Message) error
}

// Message is the payload sent through a channel.
type Message struct {
	Subject  string            `json:"subject"`
	Body     string            `json:"body"`
	Metadata map[string]string `json:"metadata,omitempty"` // credential, total, threshold, agent_id.
}

// Dispatcher fans a message out to every registered sender.
// Thread-safe.
type Dispatcher struct {
	mu      sync.RWMutex
	senders []Sender
	audit   audit.Sink
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher. A nil sink disables delivery auditing.
func NewDispatcher(sink audit.Sink, logger *slog.Logger) *Dispatcher {
	if sink == nil {
		sink = audit.Nop{}
	}
	return &Dispatcher{audit: sink, logger: logger}
}

// RegisterSender adds a channel backend.
func (d *Dispatcher) RegisterSender(s Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.senders = append(d.senders, s)
}

// Senders returns the registered channel types.
func (d *Dispatcher) Senders() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, len(d.senders))
	for i, s := range d.senders {
		out[i] = s.Type()
	}
	return out
}

// Notify sends msg to every channel. One channel failing does not stop the
// others; the returned error joins every failure.
func (d *Dispatcher) Notify(ctx context.Context, msg *Message) error {
	d.mu.RLock()
	senders := append([]Sender(nil), d.senders...)
	d.mu.RUnlock()

	if len(senders) == 0 {
		return errors.New("no notification channels registered")
	}

	var errs []error
	for _, s := range senders {
		if err := s.Send(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Type(), err))
			d.auditNotify(ctx, s.Type(), msg, err)
			d.logger.WarnContext(ctx, "notification send failed",
				slog.String("type", s.Type()),
				slog.String("error", err.Error()),
			)
			continue
		}
		d.auditNotify(ctx, s.Type(), msg, nil)
		d.logger.DebugContext(ctx, "notification sent", slog.String("type", s.Type()))
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) auditNotify(ctx context.Context, channelType string, msg *Message, err error) {
	e := audit.Event{
		Timestamp:  time.Now().UTC(),
		Kind:       audit.KindAlert,
		Credential: msg.Metadata["credential"],
		AgentID:    msg.Metadata["agent_id"],
		Status:     "sent",
		Fields:     map[string]any{"channel": channelType},
	}
	if err != nil {
		e.Status = "failed"
		e.Reason = err.Error()
	}
	_ = d.audit.Record(ctx, e)
}

// LogSender writes alerts to the structured log. Always available.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a log-only sender.
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Type() string { return "log" }

func (s *LogSender) Send(ctx context.Context, msg *Message) error {
	attrs := []any{slog.String("subject", msg.Subject)}
	for k, v := range msg.Metadata {
		attrs = append(attrs, slog.String(k, v))
	}
	s.logger.WarnContext(ctx, msg.Body, attrs...)
	return nil
}
