package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/talentops/bobsync/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	return scanAPIKeys(rows)
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE deleted_at IS NULL ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	return scanAPIKeys(rows)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// --- Sheets & Rows ---

func (s *PostgresStore) CreateSheet(ctx context.Context, sheet *models.Sheet, rowRecords []*models.RowRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create sheet: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO sheets (id, name, row_count, created_at) VALUES ($1, $2, $3, $4)`,
		sheet.ID, sheet.Name, sheet.RowCount, sheet.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create sheet: %w", err)
	}

	batch := &pgx.Batch{}
	for _, r := range rowRecords {
		batch.Queue(
			`INSERT INTO batch_rows (sheet_id, row_index, business_key, new_value, status, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			r.SheetID, r.RowIndex, r.BusinessKey, r.NewValue, r.Status, r.CreatedAt, r.UpdatedAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert sheet rows: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetSheet(ctx context.Context, id uuid.UUID) (*models.Sheet, error) {
	var sh models.Sheet
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, row_count, created_at FROM sheets WHERE id = $1`, id,
	).Scan(&sh.ID, &sh.Name, &sh.RowCount, &sh.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sheet: %w", err)
	}
	return &sh, nil
}

const rowColumns = `sheet_id, row_index, business_key, new_value, resolved_target_id,
	 field_path, status, response_code, error_message, verified_value, created_at, updated_at`

func (s *PostgresStore) ListRows(ctx context.Context, filter RowFilter) ([]*models.RowRecord, int, error) {
	where := "sheet_id = $1"
	args := []any{filter.SheetID}
	if filter.Status != "" {
		where += " AND status = $2"
		args = append(args, filter.Status)
	}

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM batch_rows WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count rows: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit

	query := fmt.Sprintf(
		`SELECT %s FROM batch_rows WHERE %s ORDER BY row_index LIMIT $%d OFFSET $%d`,
		rowColumns, where, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list rows: %w", err)
	}
	defer rows.Close()

	records, err := scanRowRecords(rows)
	return records, total, err
}

// GetRowRange returns rows with index in [from, to], in ascending order.
func (s *PostgresStore) GetRowRange(ctx context.Context, sheetID uuid.UUID, from, to int) ([]*models.RowRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+rowColumns+` FROM batch_rows
		 WHERE sheet_id = $1 AND row_index >= $2 AND row_index <= $3
		 ORDER BY row_index`, sheetID, from, to)
	if err != nil {
		return nil, fmt.Errorf("get row range: %w", err)
	}
	defer rows.Close()

	return scanRowRecords(rows)
}

func (s *PostgresStore) ListFailedRows(ctx context.Context, sheetID uuid.UUID) ([]*models.RowRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+rowColumns+` FROM batch_rows
		 WHERE sheet_id = $1 AND status = $2 ORDER BY row_index`,
		sheetID, models.RowStatusFailed)
	if err != nil {
		return nil, fmt.Errorf("list failed rows: %w", err)
	}
	defer rows.Close()

	return scanRowRecords(rows)
}

func scanRowRecords(rows pgx.Rows) ([]*models.RowRecord, error) {
	var records []*models.RowRecord
	for rows.Next() {
		var r models.RowRecord
		if err := rows.Scan(&r.SheetID, &r.RowIndex, &r.BusinessKey, &r.NewValue,
			&r.ResolvedTargetID, &r.FieldPath, &r.Status, &r.ResponseCode,
			&r.ErrorMessage, &r.VerifiedValue, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan row record: %w", err)
		}
		records = append(records, &r)
	}
	return records, rows.Err()
}

// validRowTransitions guards row status changes. A terminal row may
// only re-enter processing from failed, via an explicit retry pass.
var validRowTransitions = map[string][]string{
	models.RowStatusPending:    {models.RowStatusProcessing},
	models.RowStatusFailed:     {models.RowStatusProcessing},
	models.RowStatusProcessing: {models.RowStatusCompleted, models.RowStatusSkipped, models.RowStatusFailed},
}

func (s *PostgresStore) MarkRowProcessing(ctx context.Context, sheetID uuid.UUID, rowIndex int) error {
	return s.transitionRow(ctx, sheetID, rowIndex, models.RowStatusProcessing,
		`UPDATE batch_rows SET status = $3, updated_at = NOW()
		 WHERE sheet_id = $1 AND row_index = $2`)
}

// RecordRowOutcome overwrites the row's outcome columns with the
// terminal result of one processing pass.
func (s *PostgresStore) RecordRowOutcome(ctx context.Context, sheetID uuid.UUID, rowIndex int, outcome models.RowOutcome) error {
	current, err := s.rowStatus(ctx, sheetID, rowIndex)
	if err != nil {
		return err
	}
	if !transitionAllowed(current, outcome.Status) {
		return fmt.Errorf("invalid row status transition: %s -> %s", current, outcome.Status)
	}

	_, err = s.pool.Exec(ctx,
		`UPDATE batch_rows SET status = $3, resolved_target_id = NULLIF($4, ''),
		   field_path = NULLIF($5, ''), response_code = NULLIF($6, 0),
		   error_message = NULLIF($7, ''), verified_value = NULLIF($8, ''), updated_at = NOW()
		 WHERE sheet_id = $1 AND row_index = $2`,
		sheetID, rowIndex, outcome.Status, outcome.ResolvedTargetID,
		outcome.FieldPath, outcome.ResponseCode, outcome.ErrorMessage, outcome.VerifiedValue)
	if err != nil {
		return fmt.Errorf("record row outcome: %w", err)
	}
	return nil
}

func (s *PostgresStore) transitionRow(ctx context.Context, sheetID uuid.UUID, rowIndex int, status, query string) error {
	current, err := s.rowStatus(ctx, sheetID, rowIndex)
	if err != nil {
		return err
	}
	if !transitionAllowed(current, status) {
		return fmt.Errorf("invalid row status transition: %s -> %s", current, status)
	}

	if _, err := s.pool.Exec(ctx, query, sheetID, rowIndex, status); err != nil {
		return fmt.Errorf("update row status: %w", err)
	}
	return nil
}

func (s *PostgresStore) rowStatus(ctx context.Context, sheetID uuid.UUID, rowIndex int) (string, error) {
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT status FROM batch_rows WHERE sheet_id = $1 AND row_index = $2`,
		sheetID, rowIndex).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get row status: %w", err)
	}
	return status, nil
}

func transitionAllowed(from, to string) bool {
	for _, a := range validRowTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// --- Job Descriptor ---

// The descriptor occupies a single slot: batch_jobs has a slot column
// fixed to 1 with a primary key on it, so a second insert conflicts.

func (s *PostgresStore) GetJobDescriptor(ctx context.Context) (*models.JobDescriptor, error) {
	var jd models.JobDescriptor
	err := s.pool.QueryRow(ctx,
		`SELECT sheet_id, field_id, field_path, list_values, next_row_index, total_rows,
		   stats_completed, stats_skipped, stats_failed, started_at, last_step_at, version
		 FROM batch_jobs WHERE slot = 1`,
	).Scan(&jd.SheetID, &jd.FieldID, &jd.FieldPath, &jd.ListValues, &jd.NextRowIndex, &jd.TotalRows,
		&jd.Stats.Completed, &jd.Stats.Skipped, &jd.Stats.Failed, &jd.StartedAt, &jd.LastStepAt, &jd.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job descriptor: %w", err)
	}
	return &jd, nil
}

func (s *PostgresStore) CreateJobDescriptor(ctx context.Context, jd *models.JobDescriptor) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO batch_jobs (slot, sheet_id, field_id, field_path, list_values, next_row_index,
		   total_rows, stats_completed, stats_skipped, stats_failed, started_at, last_step_at, version)
		 VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		jd.SheetID, jd.FieldID, jd.FieldPath, jd.ListValues, jd.NextRowIndex,
		jd.TotalRows, jd.Stats.Completed, jd.Stats.Skipped, jd.Stats.Failed,
		jd.StartedAt, jd.LastStepAt, jd.Version)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrJobRunning
		}
		return fmt.Errorf("create job descriptor: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteJobDescriptor(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM batch_jobs WHERE slot = 1`)
	if err != nil {
		return fmt.Errorf("delete job descriptor: %w", err)
	}
	return nil
}

// AdvanceCheckpoint moves the checkpoint forward with a compare-and-swap
// on the descriptor version. A concurrent cancel or restart makes the
// swap fail with ErrVersionConflict, and the step's advance is lost
// rather than resurrecting deleted state.
func (s *PostgresStore) AdvanceCheckpoint(ctx context.Context, nextRowIndex int, stats models.BatchStats, version int64) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE batch_jobs
		 SET next_row_index = $1, stats_completed = $2, stats_skipped = $3, stats_failed = $4,
		   last_step_at = $5, version = version + 1
		 WHERE slot = 1 AND version = $6 AND next_row_index <= $1`,
		nextRowIndex, stats.Completed, stats.Skipped, stats.Failed, now, version)
	if err != nil {
		return fmt.Errorf("advance checkpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetJobDescriptor(ctx); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	return nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
