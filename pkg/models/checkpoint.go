package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// CheckpointStatus is the decision state of a checkpoint.
type CheckpointStatus string

const (
	CheckpointStatusPending  CheckpointStatus = "PENDING"
	CheckpointStatusApproved CheckpointStatus = "APPROVED"
	CheckpointStatusRejected CheckpointStatus = "REJECTED"
)

// Checkpoint is a pause point raised by a task executor that needs a human decision
// before the owning job may continue.
type Checkpoint struct {
	ID              uuid.UUID        `db:"id"               json:"id"`
	JobID           uuid.UUID        `db:"job_id"           json:"job_id"`
	Title           string           `db:"title"            json:"title"`
	Description     string           `db:"description"      json:"description,omitempty"`
	Payload         json.RawMessage  `db:"payload"          json:"payload,omitempty"`
	Status          CheckpointStatus `db:"status"           json:"status"`
	ReviewerID      *string          `db:"reviewer_id"      json:"reviewer_id,omitempty"`
	ReviewedAt      *time.Time       `db:"reviewed_at"      json:"reviewed_at,omitempty"`
	RejectionReason *string          `db:"rejection_reason" json:"rejection_reason,omitempty"`
	EscalatedAt     *time.Time       `db:"escalated_at"     json:"escalated_at,omitempty"`
	CreatedAt       time.Time        `db:"created_at"       json:"created_at"`
}

// Decided reports whether a reviewer has already approved or rejected the checkpoint.
func (c *Checkpoint) Decided() bool {
	return c.Status != CheckpointStatusPending
}
