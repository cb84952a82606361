// Package handler contains the HTTP handlers for the bobsync API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/talentops/bobsync/internal/api/response"
	"github.com/talentops/bobsync/internal/engine"
	"github.com/talentops/bobsync/internal/store"
	"github.com/talentops/bobsync/pkg/models"
)

// BatchService defines the engine operations the batch handlers depend on.
type BatchService interface {
	StartBatch(ctx context.Context, p engine.StartParams) (*engine.StartResult, error)
	CancelBatch(ctx context.Context) (*engine.CancelResult, error)
	GetStatus(ctx context.Context) (*engine.Status, error)
	Step(ctx context.Context) (*engine.StepResult, error)
	RetryFailed(ctx context.Context, sheetID uuid.UUID, listValues map[string]string) (int, error)
}

// NewStartBatchHandler returns an http.HandlerFunc for POST /api/v1/batch.
func NewStartBatchHandler(svc BatchService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SheetID    string            `json:"sheet_id"`
			FieldID    string            `json:"field_id"`
			FieldPath  string            `json:"field_path"`
			ListValues map[string]string `json:"list_values"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		sheetID, err := uuid.Parse(req.SheetID)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "sheet_id must be a valid UUID", nil)
			return
		}

		result, err := svc.StartBatch(r.Context(), engine.StartParams{
			SheetID:    sheetID,
			FieldID:    req.FieldID,
			FieldPath:  req.FieldPath,
			ListValues: req.ListValues,
		})
		if err != nil {
			switch {
			case errors.Is(err, engine.ErrNoFieldSelected):
				response.Error(w, http.StatusBadRequest, "NO_FIELD_SELECTED",
					"field_id and field_path are required", nil)
			case errors.Is(err, engine.ErrNoRows):
				response.Error(w, http.StatusBadRequest, "EMPTY_SHEET",
					"The sheet has no rows to process", nil)
			case errors.Is(err, engine.ErrJobRunning):
				response.Error(w, http.StatusConflict, "JOB_RUNNING",
					"A batch job is already running; cancel it first", nil)
			case errors.Is(err, store.ErrNotFound):
				response.Error(w, http.StatusNotFound, "SHEET_NOT_FOUND",
					"No sheet with that id", nil)
			default:
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"An unexpected error occurred", nil)
			}
			return
		}

		response.Accepted(w, startBatchResponse{
			TotalRows:            result.TotalRows,
			BatchSize:            result.BatchSize,
			EstimatedDurationSec: int(result.EstimatedDuration / time.Second),
		})
	}
}

// NewCancelBatchHandler returns an http.HandlerFunc for DELETE /api/v1/batch.
func NewCancelBatchHandler(svc BatchService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := svc.CancelBatch(r.Context())
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		if !result.WasRunning {
			response.JSON(w, map[string]any{
				"cancelled": false,
				"message":   "nothing running",
			})
			return
		}

		response.JSON(w, map[string]any{
			"cancelled": true,
			"stats":     result.Stats,
		})
	}
}

// NewBatchStatusHandler returns an http.HandlerFunc for GET /api/v1/batch.
func NewBatchStatusHandler(svc BatchService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := svc.GetStatus(r.Context())
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		if !status.Active {
			response.JSON(w, map[string]any{"active": false})
			return
		}

		response.JSON(w, batchStatusResponse{
			Active:                true,
			SheetID:               status.SheetID.String(),
			FieldID:               status.FieldID,
			FieldPath:             status.FieldPath,
			Progress:              status.Progress,
			NextRowIndex:          status.NextRowIndex,
			TotalRows:             status.TotalRows,
			Stats:                 status.Stats,
			StartedAt:             status.StartedAt.UTC().Format(time.RFC3339),
			LastStepAt:            status.LastStepAt.UTC().Format(time.RFC3339),
			EstimatedRemainingSec: int(status.EstimatedRemaining / time.Second),
		})
	}
}

// NewBatchStepHandler returns an http.HandlerFunc for POST /api/v1/batch/step.
// It runs one executor step synchronously, the same entry the trigger uses.
func NewBatchStepHandler(svc BatchService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := svc.Step(r.Context())
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "STEP_FAILED",
				"Batch step failed; the job remains resumable", nil)
			return
		}

		if result == nil {
			response.JSON(w, map[string]any{"stepped": false, "message": "nothing running"})
			return
		}

		response.JSON(w, map[string]any{
			"stepped":   true,
			"processed": result.Processed,
			"finalized": result.Finalize,
			"stats":     result.Stats,
		})
	}
}

// NewRetryHandler returns an http.HandlerFunc for POST /api/v1/sheets/{sheetID}/retry.
func NewRetryHandler(svc BatchService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sheetID, err := uuid.Parse(chi.URLParam(r, "sheetID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "sheetID must be a valid UUID", nil)
			return
		}

		var req struct {
			ListValues map[string]string `json:"list_values"`
		}
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
				return
			}
		}

		queued, err := svc.RetryFailed(r.Context(), sheetID, req.ListValues)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		response.Accepted(w, map[string]any{"queued": queued})
	}
}

type startBatchResponse struct {
	TotalRows            int `json:"total_rows"`
	BatchSize            int `json:"batch_size"`
	EstimatedDurationSec int `json:"estimated_duration_sec"`
}

type batchStatusResponse struct {
	Active                bool              `json:"active"`
	SheetID               string            `json:"sheet_id"`
	FieldID               string            `json:"field_id"`
	FieldPath             string            `json:"field_path"`
	Progress              float64           `json:"progress"`
	NextRowIndex          int               `json:"next_row_index"`
	TotalRows             int               `json:"total_rows"`
	Stats                 models.BatchStats `json:"stats"`
	StartedAt             string            `json:"started_at"`
	LastStepAt            string            `json:"last_step_at"`
	EstimatedRemainingSec int               `json:"estimated_remaining_sec"`
}
