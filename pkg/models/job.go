// Package models contains shared data models used across the bobsync codebase.
package models

import (
	"time"

	"github.com/google/uuid"
)

// BatchStats aggregates per-row outcomes for a batch. Counters are
// monotonically non-decreasing while the job is active.
type BatchStats struct {
	Completed int `db:"stats_completed" json:"completed"`
	Skipped   int `db:"stats_skipped"   json:"skipped"`
	Failed    int `db:"stats_failed"    json:"failed"`
}

// Total returns the number of rows with a recorded outcome.
func (s BatchStats) Total() int {
	return s.Completed + s.Skipped + s.Failed
}

// JobDescriptor describes the single in-progress batch. At most one
// exists at a time; its absence is the canonical idle state.
//
// NextRowIndex is the first unprocessed row. It is advanced only by the
// batch executor, and only after every row in the current slice has a
// durably recorded outcome. Version is an optimistic concurrency token:
// each checkpoint advance is a compare-and-swap against it.
type JobDescriptor struct {
	SheetID      uuid.UUID         `db:"sheet_id"       json:"sheet_id"`
	FieldID      string            `db:"field_id"       json:"field_id"`
	FieldPath    string            `db:"field_path"     json:"field_path"`
	ListValues   map[string]string `db:"list_values"    json:"list_values,omitempty"`
	NextRowIndex int               `db:"next_row_index" json:"next_row_index"`
	TotalRows    int               `db:"total_rows"     json:"total_rows"`
	Stats        BatchStats        `json:"stats"`
	StartedAt    time.Time         `db:"started_at"     json:"started_at"`
	LastStepAt   time.Time         `db:"last_step_at"   json:"last_step_at"`
	Version      int64             `db:"version"        json:"-"`
}

// Done reports whether the checkpoint has passed the last row.
func (j *JobDescriptor) Done() bool {
	return j.NextRowIndex >= j.TotalRows
}

// Progress returns the completed fraction of the batch in [0, 1].
func (j *JobDescriptor) Progress() float64 {
	if j.TotalRows == 0 {
		return 1
	}
	return float64(j.NextRowIndex) / float64(j.TotalRows)
}
