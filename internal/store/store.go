package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/talentops/bobsync/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrJobRunning is returned when a job descriptor already occupies the
// single slot.
var ErrJobRunning = errors.New("a batch job is already running")

// ErrVersionConflict is returned when a checkpoint advance loses the
// compare-and-swap against the descriptor version. The step's result
// must not be persisted in that case.
var ErrVersionConflict = errors.New("job descriptor version conflict")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error

	CreateSheet(ctx context.Context, sheet *models.Sheet, rows []*models.RowRecord) error
	GetSheet(ctx context.Context, id uuid.UUID) (*models.Sheet, error)
	ListRows(ctx context.Context, filter RowFilter) ([]*models.RowRecord, int, error)
	GetRowRange(ctx context.Context, sheetID uuid.UUID, from, to int) ([]*models.RowRecord, error)
	ListFailedRows(ctx context.Context, sheetID uuid.UUID) ([]*models.RowRecord, error)
	MarkRowProcessing(ctx context.Context, sheetID uuid.UUID, rowIndex int) error
	RecordRowOutcome(ctx context.Context, sheetID uuid.UUID, rowIndex int, outcome models.RowOutcome) error

	GetJobDescriptor(ctx context.Context) (*models.JobDescriptor, error)
	CreateJobDescriptor(ctx context.Context, jd *models.JobDescriptor) error
	DeleteJobDescriptor(ctx context.Context) error
	AdvanceCheckpoint(ctx context.Context, nextRowIndex int, stats models.BatchStats, version int64) error
}

// RowFilter selects rows of one sheet, optionally by status, paginated.
type RowFilter struct {
	SheetID uuid.UUID
	Status  string
	Page    int
	Limit   int
}
