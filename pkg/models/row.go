package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	RowStatusPending    = "pending"
	RowStatusProcessing = "processing"
	RowStatusCompleted  = "completed"
	RowStatusSkipped    = "skipped"
	RowStatusFailed     = "failed"
)

// TerminalRowStatus reports whether a status is terminal. A row never
// leaves a terminal state except when a retry pass re-selects failed
// rows and drives them back to processing.
func TerminalRowStatus(status string) bool {
	switch status {
	case RowStatusCompleted, RowStatusSkipped, RowStatusFailed:
		return true
	}
	return false
}

// Sheet is one uploaded tabular input. Rows belong to exactly one
// sheet and are addressed by position within it.
type Sheet struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	Name      string    `db:"name"       json:"name"`
	RowCount  int       `db:"row_count"  json:"row_count"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// RowRecord is one input row plus its recorded outcome. Rows are never
// deleted by the engine, only overwritten with new outcomes.
type RowRecord struct {
	SheetID          uuid.UUID `db:"sheet_id"           json:"sheet_id"`
	RowIndex         int       `db:"row_index"          json:"row_index"`
	BusinessKey      string    `db:"business_key"       json:"business_key"`
	NewValue         string    `db:"new_value"          json:"new_value"`
	ResolvedTargetID *string   `db:"resolved_target_id" json:"resolved_target_id,omitempty"`
	FieldPath        *string   `db:"field_path"         json:"field_path,omitempty"`
	Status           string    `db:"status"             json:"status"`
	ResponseCode     *int      `db:"response_code"      json:"response_code,omitempty"`
	ErrorMessage     *string   `db:"error_message"      json:"error_message,omitempty"`
	VerifiedValue    *string   `db:"verified_value"     json:"verified_value,omitempty"`
	CreatedAt        time.Time `db:"created_at"         json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"         json:"updated_at"`
}

// Blank reports whether the row is an intentionally blank input row.
// Blank rows are skipped silently and counted in no stat.
func (r *RowRecord) Blank() bool {
	return strings.TrimSpace(r.BusinessKey) == ""
}

// RowOutcome is the terminal result of processing one row.
type RowOutcome struct {
	Status           string
	FieldPath        string
	ResolvedTargetID string
	ResponseCode     int
	ErrorMessage     string
	VerifiedValue    string
}
