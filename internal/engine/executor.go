package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/talentops/bobsync/internal/store"
	"github.com/talentops/bobsync/pkg/models"
)

// Store is the persistence surface the engine requires. store.Store
// satisfies it.
type Store interface {
	GetJobDescriptor(ctx context.Context) (*models.JobDescriptor, error)
	CreateJobDescriptor(ctx context.Context, jd *models.JobDescriptor) error
	DeleteJobDescriptor(ctx context.Context) error
	AdvanceCheckpoint(ctx context.Context, nextRowIndex int, stats models.BatchStats, version int64) error

	GetSheet(ctx context.Context, id uuid.UUID) (*models.Sheet, error)
	GetRowRange(ctx context.Context, sheetID uuid.UUID, from, to int) ([]*models.RowRecord, error)
	ListFailedRows(ctx context.Context, sheetID uuid.UUID) ([]*models.RowRecord, error)
	MarkRowProcessing(ctx context.Context, sheetID uuid.UUID, rowIndex int) error
	RecordRowOutcome(ctx context.Context, sheetID uuid.UUID, rowIndex int, outcome models.RowOutcome) error
}

// StepResult reports what one executor step did.
type StepResult struct {
	// Finalize is set when the checkpoint has passed the last row and
	// the controller should tear the job down.
	Finalize  bool
	Processed int
	Stats     models.BatchStats
}

// Executor processes one bounded slice of rows per invocation, in
// strict ascending row order, and advances the checkpoint only after
// every outcome in the slice is durably recorded.
type Executor struct {
	store     Store
	processor *Processor
	resolver  Resolver
	batchSize int
}

// NewExecutor creates an Executor with a fixed slice size.
func NewExecutor(st Store, proc *Processor, res Resolver, batchSize int) *Executor {
	return &Executor{store: st, processor: proc, resolver: res, batchSize: batchSize}
}

// Step is the unit invoked by each trigger tick. A nil result with a
// nil error means no job was active: the trigger may fire once more
// after cancellation before removal completes, and that tick is a
// deliberate no-op.
func (e *Executor) Step(ctx context.Context) (*StepResult, error) {
	jd, err := e.store.GetJobDescriptor(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading job descriptor: %w", err)
	}

	if jd.Done() {
		return &StepResult{Finalize: true, Stats: jd.Stats}, nil
	}

	sliceEnd := jd.NextRowIndex + e.batchSize - 1
	if sliceEnd > jd.TotalRows-1 {
		sliceEnd = jd.TotalRows - 1
	}

	// The identity snapshot is rebuilt every step rather than persisted
	// across invocations; a refresh failure leaves the job resumable.
	if err := e.resolver.BuildCache(ctx); err != nil {
		return nil, fmt.Errorf("refreshing identity cache: %w", err)
	}

	rows, err := e.store.GetRowRange(ctx, jd.SheetID, jd.NextRowIndex, sliceEnd)
	if err != nil {
		return nil, fmt.Errorf("loading slice rows: %w", err)
	}

	stats := jd.Stats
	processed := 0
	for _, row := range rows {
		if row.Blank() {
			continue
		}

		// A terminal row inside the slice means an earlier step recorded
		// its outcome but lost the checkpoint advance. The outcome is
		// durable and the descriptor's stats snapshot predates it, so
		// fold it back into the stats instead of sending the update again.
		if models.TerminalRowStatus(row.Status) {
			tally(&stats, row.Status)
			continue
		}

		if err := e.store.MarkRowProcessing(ctx, jd.SheetID, row.RowIndex); err != nil {
			slog.Warn("mark row processing failed", "row_index", row.RowIndex, "error", err)
		}

		outcome := e.processor.Process(ctx, row, jd.FieldPath, jd.ListValues)
		if err := e.store.RecordRowOutcome(ctx, jd.SheetID, row.RowIndex, outcome); err != nil {
			return nil, fmt.Errorf("recording outcome for row %d: %w", row.RowIndex, err)
		}

		tally(&stats, outcome.Status)
		processed++
	}

	// Outcomes are already durable; the checkpoint advance is the last
	// write of the step. A crash before this point replays the slice on
	// the next tick and recomputes the same stats, so counters stay
	// consistent with rows below the checkpoint.
	newNext := sliceEnd + 1
	if err := e.store.AdvanceCheckpoint(ctx, newNext, stats, jd.Version); err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrVersionConflict) {
			slog.Warn("checkpoint advance lost, dropping step result", "error", err)
			return nil, nil
		}
		return nil, fmt.Errorf("advancing checkpoint: %w", err)
	}

	slog.Info("batch step complete",
		"slice_start", jd.NextRowIndex,
		"slice_end", sliceEnd,
		"processed", processed,
		"completed", stats.Completed,
		"skipped", stats.Skipped,
		"failed", stats.Failed,
	)

	return &StepResult{
		Finalize:  newNext >= jd.TotalRows,
		Processed: processed,
		Stats:     stats,
	}, nil
}

func tally(stats *models.BatchStats, status string) {
	switch status {
	case models.RowStatusCompleted:
		stats.Completed++
	case models.RowStatusSkipped:
		stats.Skipped++
	case models.RowStatusFailed:
		stats.Failed++
	}
}
