package postgres

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JSONB stores free-form attributes. SQLite keeps it as text.
type JSONB json.RawMessage

// Value implements driver.Valuer.
func (j JSONB) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

// Scan implements sql.Scanner. Drivers hand back either []byte or string.
func (j *JSONB) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append(JSONB(nil), v...)
	case string:
		*j = JSONB(v)
	default:
		return fmt.Errorf("unsupported JSONB source %T", src)
	}
	return nil
}

// AuditEventModel maps to the "audit_events" table.
// No UpdatedAt or DeletedAt: the audit log is append-only and immutable.
type AuditEventModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Kind       string    `gorm:"not null;index"`
	RunID      string    `gorm:"index"`
	Provider   string
	Credential string `gorm:"index"`
	Status     string
	AgentID    string `gorm:"index"`
	TokenID    string
	Decision   string
	Reason     string
	LatencyMS  float64
	Fields     JSONB     `gorm:"type:jsonb"`
	CreatedAt  time.Time `gorm:"index"`
}

func (AuditEventModel) TableName() string { return "audit_events" }

// ValidationResultModel maps to the "validation_results" table.
// Fingerprint is the partial redaction; raw values are never stored.
type ValidationResultModel struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	RunID        string    `gorm:"not null;index"`
	Position     int       `gorm:"not null"`
	EnvVar       string    `gorm:"not null"`
	Provider     string    `gorm:"not null;index"`
	Status       string    `gorm:"not null"`
	Detail       string
	Fingerprint  string
	LatencyMS    float64
	Error        string
	Cached       bool
	AutoDetected bool
	CheckedAt    time.Time `gorm:"index"`
}

func (ValidationResultModel) TableName() string { return "validation_results" }

// UsageRecordModel maps to the "usage_records" table.
type UsageRecordModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Credential string    `gorm:"not null;index"`
	Units      int64     `gorm:"not null"`
	AgentID    string    `gorm:"index"`
	CreatedAt  time.Time `gorm:"index"`
}

func (UsageRecordModel) TableName() string { return "usage_records" }

// Models lists every table in migration order. Shared with the SQLite backend.
func Models() []any {
	return []any{
		&AuditEventModel{},
		&ValidationResultModel{},
		&UsageRecordModel{},
	}
}
