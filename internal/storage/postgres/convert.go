package postgres

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/keyward/internal/audit"
	"github.com/jkaninda/keyward/internal/provider"
	"github.com/jkaninda/keyward/internal/usage"
	"github.com/jkaninda/keyward/internal/validator"
)

// --- Audit ---

func toAuditModel(event audit.Event) AuditEventModel {
	var fields JSONB
	if len(event.Fields) > 0 {
		fields, _ = json.Marshal(event.Fields)
	}
	at := event.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return AuditEventModel{
		ID:         uuid.New(),
		Kind:       string(event.Kind),
		RunID:      event.RunID,
		Provider:   event.Provider,
		Credential: event.Credential,
		Status:     event.Status,
		AgentID:    event.AgentID,
		TokenID:    event.TokenID,
		Decision:   event.Decision,
		Reason:     event.Reason,
		LatencyMS:  event.LatencyMS,
		Fields:     fields,
		CreatedAt:  at,
	}
}

func toAuditDomain(m *AuditEventModel) audit.Event {
	var fields map[string]any
	if len(m.Fields) > 0 {
		_ = json.Unmarshal(m.Fields, &fields)
	}
	return audit.Event{
		Timestamp:  m.CreatedAt,
		Kind:       audit.Kind(m.Kind),
		RunID:      m.RunID,
		Provider:   m.Provider,
		Credential: m.Credential,
		Status:     m.Status,
		AgentID:    m.AgentID,
		TokenID:    m.TokenID,
		Decision:   m.Decision,
		Reason:     m.Reason,
		LatencyMS:  m.LatencyMS,
		Fields:     fields,
	}
}

// --- Validation history ---

func toResultModel(runID string, at time.Time, pos int, r validator.Result) ValidationResultModel {
	return ValidationResultModel{
		ID:           uuid.New(),
		RunID:        runID,
		Position:     pos,
		EnvVar:       r.EnvVar,
		Provider:     r.Provider,
		Status:       string(r.Status),
		Detail:       r.Detail,
		Fingerprint:  r.Fingerprint,
		LatencyMS:    r.LatencyMS,
		Error:        r.Error,
		Cached:       r.Cached,
		AutoDetected: r.AutoDetected,
		CheckedAt:    at,
	}
}

func toResultDomain(m *ValidationResultModel) validator.Result {
	return validator.Result{
		EnvVar:       m.EnvVar,
		Provider:     m.Provider,
		Status:       provider.Status(m.Status),
		Detail:       m.Detail,
		Fingerprint:  m.Fingerprint,
		LatencyMS:    m.LatencyMS,
		Error:        m.Error,
		Cached:       m.Cached,
		AutoDetected: m.AutoDetected,
	}
}

// --- Usage ---

func toUsageModel(rec usage.Record) UsageRecordModel {
	id, err := uuid.Parse(rec.ID)
	if err != nil {
		id = uuid.New()
	}
	return UsageRecordModel{
		ID:         id,
		Credential: rec.Credential,
		Units:      rec.Units,
		AgentID:    rec.AgentID,
		CreatedAt:  rec.At,
	}
}
