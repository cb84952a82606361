package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/talentops/bobsync/internal/store"
	"github.com/talentops/bobsync/pkg/models"
)

// Precondition errors. These are fatal to the requested operation and
// mutate no state.
var (
	ErrNoFieldSelected = errors.New("no target field selected")
	ErrNoRows          = errors.New("sheet has no rows")
	ErrJobRunning      = store.ErrJobRunning
)

// StatusCache mirrors the coarse job phase for cheap polling.
type StatusCache interface {
	SetJobStatus(ctx context.Context, status string, ttl time.Duration) error
}

// Trigger is the periodic callback registration the controller owns.
// Register replaces any existing registration so repeated start/cancel
// cycles cannot accumulate duplicate ticks.
type Trigger interface {
	Register(fn func(), interval time.Duration) error
	Unregister()
}

const statusTTL = 24 * time.Hour

// StartParams describes a batch to start.
type StartParams struct {
	SheetID    uuid.UUID
	FieldID    string
	FieldPath  string
	ListValues map[string]string
}

// StartResult is returned to the caller for user feedback. The
// estimate is ceil(total/batchSize) trigger intervals; it is not used
// internally.
type StartResult struct {
	TotalRows         int
	BatchSize         int
	EstimatedDuration time.Duration
}

// CancelResult reports what a cancel found.
type CancelResult struct {
	WasRunning bool
	Stats      models.BatchStats
}

// Status is the read-only external view of the engine.
type Status struct {
	Active             bool
	SheetID            uuid.UUID
	FieldID            string
	FieldPath          string
	Progress           float64
	NextRowIndex       int
	TotalRows          int
	Stats              models.BatchStats
	StartedAt          time.Time
	LastStepAt         time.Time
	EstimatedRemaining time.Duration
}

// Controller validates preconditions, plans the batch, owns the
// trigger lifecycle, and tears everything down on completion.
type Controller struct {
	store     Store
	status    StatusCache
	executor  *Executor
	processor *Processor
	resolver  Resolver
	trigger   Trigger
	interval  time.Duration
	batchSize int

	// serializes start/cancel against each other; step persistence is
	// guarded separately by the descriptor version.
	mu sync.Mutex
}

// NewController creates a Controller.
func NewController(st Store, status StatusCache, exec *Executor, proc *Processor, res Resolver, trig Trigger, interval time.Duration, batchSize int) *Controller {
	return &Controller{
		store:     st,
		status:    status,
		executor:  exec,
		processor: proc,
		resolver:  res,
		trigger:   trig,
		interval:  interval,
		batchSize: batchSize,
	}
}

// StartBatch plans and persists a fresh job descriptor, then registers
// the trigger. Preconditions: a field is selected, the sheet has rows,
// and no job descriptor currently exists.
func (c *Controller) StartBatch(ctx context.Context, p StartParams) (*StartResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p.FieldID == "" || p.FieldPath == "" {
		return nil, ErrNoFieldSelected
	}

	sheet, err := c.store.GetSheet(ctx, p.SheetID)
	if err != nil {
		return nil, fmt.Errorf("loading sheet: %w", err)
	}
	if sheet.RowCount == 0 {
		return nil, ErrNoRows
	}

	now := time.Now().UTC()
	jd := &models.JobDescriptor{
		SheetID:      p.SheetID,
		FieldID:      p.FieldID,
		FieldPath:    p.FieldPath,
		ListValues:   p.ListValues,
		NextRowIndex: 0,
		TotalRows:    sheet.RowCount,
		StartedAt:    now,
		LastStepAt:   now,
		Version:      1,
	}
	if jd.ListValues == nil {
		jd.ListValues = map[string]string{}
	}

	if err := c.store.CreateJobDescriptor(ctx, jd); err != nil {
		return nil, err
	}

	if err := c.trigger.Register(c.tick, c.interval); err != nil {
		// Roll the descriptor back so a failed start leaves no state.
		_ = c.store.DeleteJobDescriptor(ctx)
		return nil, fmt.Errorf("registering trigger: %w", err)
	}

	_ = c.status.SetJobStatus(ctx, "running", statusTTL)

	steps := (sheet.RowCount + c.batchSize - 1) / c.batchSize
	slog.Info("batch started",
		"sheet_id", p.SheetID,
		"field_path", p.FieldPath,
		"total_rows", sheet.RowCount,
		"batch_size", c.batchSize,
		"steps", steps,
	)

	return &StartResult{
		TotalRows:         sheet.RowCount,
		BatchSize:         c.batchSize,
		EstimatedDuration: time.Duration(steps) * c.interval,
	}, nil
}

// Resume re-arms the trigger at startup when a job descriptor survived
// a restart. Rows already recorded stay recorded; the next tick picks up
// from the persisted checkpoint. With no descriptor it is a no-op.
func (c *Controller) Resume(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	jd, err := c.store.GetJobDescriptor(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading job descriptor: %w", err)
	}

	if err := c.trigger.Register(c.tick, c.interval); err != nil {
		return fmt.Errorf("registering trigger: %w", err)
	}
	_ = c.status.SetJobStatus(ctx, "running", statusTTL)

	slog.Info("batch resumed",
		"sheet_id", jd.SheetID,
		"next_row_index", jd.NextRowIndex,
		"total_rows", jd.TotalRows,
	)
	return nil
}

// tick is the trigger callback. Step errors are surfaced to the log
// and the descriptor is left intact, so the job stays resumable.
func (c *Controller) tick() {
	ctx := context.Background()

	res, err := c.executor.Step(ctx)
	if err != nil {
		slog.Error("batch step failed", "error", err)
		return
	}
	if res == nil {
		return
	}
	if res.Finalize {
		c.finalize(ctx, res.Stats)
	}
}

// Step exposes one manual tick, the same entry the trigger uses.
func (c *Controller) Step(ctx context.Context) (*StepResult, error) {
	res, err := c.executor.Step(ctx)
	if err != nil {
		return nil, err
	}
	if res != nil && res.Finalize {
		c.finalize(ctx, res.Stats)
	}
	return res, nil
}

// finalize tears the finished job down and reports final statistics.
func (c *Controller) finalize(ctx context.Context, stats models.BatchStats) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.DeleteJobDescriptor(ctx); err != nil {
		slog.Error("deleting job descriptor at finalize", "error", err)
	}
	c.trigger.Unregister()
	_ = c.status.SetJobStatus(ctx, "completed", statusTTL)

	slog.Info("batch complete",
		"completed", stats.Completed,
		"skipped", stats.Skipped,
		"failed", stats.Failed,
	)
}

// CancelBatch deletes the descriptor and unregisters the trigger
// unconditionally. Idempotent: with no active job it reports
// WasRunning=false and mutates nothing.
func (c *Controller) CancelBatch(ctx context.Context) (*CancelResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	jd, err := c.store.GetJobDescriptor(ctx)
	if errors.Is(err, store.ErrNotFound) {
		c.trigger.Unregister()
		return &CancelResult{WasRunning: false}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading job descriptor: %w", err)
	}

	if err := c.store.DeleteJobDescriptor(ctx); err != nil {
		return nil, fmt.Errorf("deleting job descriptor: %w", err)
	}
	c.trigger.Unregister()
	_ = c.status.SetJobStatus(ctx, "cancelled", statusTTL)

	slog.Info("batch cancelled",
		"sheet_id", jd.SheetID,
		"next_row_index", jd.NextRowIndex,
		"completed", jd.Stats.Completed,
		"skipped", jd.Stats.Skipped,
		"failed", jd.Stats.Failed,
	)

	return &CancelResult{WasRunning: true, Stats: jd.Stats}, nil
}

// GetStatus returns the engine's read-only external view. It never
// mutates state.
func (c *Controller) GetStatus(ctx context.Context) (*Status, error) {
	jd, err := c.store.GetJobDescriptor(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return &Status{Active: false}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading job descriptor: %w", err)
	}

	remaining := jd.TotalRows - jd.NextRowIndex
	if remaining < 0 {
		remaining = 0
	}
	remainingSteps := (remaining + c.batchSize - 1) / c.batchSize

	return &Status{
		Active:             true,
		SheetID:            jd.SheetID,
		FieldID:            jd.FieldID,
		FieldPath:          jd.FieldPath,
		Progress:           jd.Progress(),
		NextRowIndex:       jd.NextRowIndex,
		TotalRows:          jd.TotalRows,
		Stats:              jd.Stats,
		StartedAt:          jd.StartedAt,
		LastStepAt:         jd.LastStepAt,
		EstimatedRemaining: time.Duration(remainingSteps) * c.interval,
	}, nil
}

// RetryFailed re-selects rows currently failed on the given sheet and
// re-runs them through the same row processing logic in the background.
// It is independent of any active batch checkpoint and touches no row
// outside the failed set. Returns the number of rows queued.
func (c *Controller) RetryFailed(ctx context.Context, sheetID uuid.UUID, listValues map[string]string) (int, error) {
	rows, err := c.store.ListFailedRows(ctx, sheetID)
	if err != nil {
		return 0, fmt.Errorf("listing failed rows: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	// Fresh snapshot for the retry pass.
	if err := c.resolver.BuildCache(ctx); err != nil {
		return 0, fmt.Errorf("refreshing identity cache: %w", err)
	}

	go c.runRetry(sheetID, rows, listValues)

	return len(rows), nil
}

// runRetry performs the retry pass in a goroutine. It recovers from
// panics so a bad row cannot take the server down.
func (c *Controller) runRetry(sheetID uuid.UUID, rows []*models.RowRecord, listValues map[string]string) {
	ctx := context.Background()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in retry pass", "error", r, "sheet_id", sheetID)
		}
	}()

	var stats models.BatchStats
	for _, row := range rows {
		if row.Blank() {
			continue
		}

		// Each failed row carries the field path it was updated
		// against; rows from a different field session keep their own.
		fieldPath := ""
		if row.FieldPath != nil {
			fieldPath = *row.FieldPath
		}
		if fieldPath == "" {
			slog.Warn("retry skipping row without recorded field path", "row_index", row.RowIndex)
			continue
		}

		if err := c.store.MarkRowProcessing(ctx, sheetID, row.RowIndex); err != nil {
			slog.Warn("mark row processing failed", "row_index", row.RowIndex, "error", err)
			continue
		}

		outcome := c.processor.Process(ctx, row, fieldPath, listValues)
		if err := c.store.RecordRowOutcome(ctx, sheetID, row.RowIndex, outcome); err != nil {
			slog.Error("recording retry outcome", "row_index", row.RowIndex, "error", err)
			continue
		}

		switch outcome.Status {
		case models.RowStatusCompleted:
			stats.Completed++
		case models.RowStatusSkipped:
			stats.Skipped++
		case models.RowStatusFailed:
			stats.Failed++
		}
	}

	slog.Info("retry pass complete",
		"sheet_id", sheetID,
		"completed", stats.Completed,
		"skipped", stats.Skipped,
		"failed", stats.Failed,
	)
}
