package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// JobLog is an append-only audit entry for a job: state transitions and executor output.
// Entries are never updated or deleted.
type JobLog struct {
	ID        uuid.UUID       `db:"id"         json:"id"`
	JobID     uuid.UUID       `db:"job_id"     json:"job_id"`
	Level     string          `db:"level"      json:"level"`
	Message   string          `db:"message"    json:"message"`
	Data      json.RawMessage `db:"data"       json:"data,omitempty"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}
