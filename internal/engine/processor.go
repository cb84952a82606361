// Package engine implements the resumable batch update engine: planning
// a batch, persisting its checkpoint, executing bounded slices of rows
// under the outbound rate limit, and driving itself to completion
// through periodic trigger ticks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/talentops/bobsync/internal/hrapi"
	"github.com/talentops/bobsync/internal/resolver"
	"github.com/talentops/bobsync/pkg/models"
)

// maxErrorDetail bounds stored error messages.
const maxErrorDetail = 500

// Resolver maps business keys to remote record ids.
type Resolver interface {
	BuildCache(ctx context.Context) error
	Resolve(ctx context.Context, businessKey string) (string, error)
}

// Pacer gates outbound remote calls.
type Pacer interface {
	WaitWrite(ctx context.Context) error
	WaitRead(ctx context.Context) error
}

// Processor executes one unit of work: resolve identity, send one
// update, interpret the response, and return a structured outcome.
// It never retries internally; retries are a separate explicit pass.
type Processor struct {
	client   hrapi.Client
	resolver Resolver
	pacer    Pacer
}

// NewProcessor creates a Processor.
func NewProcessor(client hrapi.Client, res Resolver, pacer Pacer) *Processor {
	return &Processor{client: client, resolver: res, pacer: pacer}
}

// Process runs one row against the remote API and returns its outcome.
// Row-level failures are encoded in the outcome, never returned as
// errors: the batch always continues to the next row.
func (p *Processor) Process(ctx context.Context, row *models.RowRecord, fieldPath string, listValues map[string]string) models.RowOutcome {
	targetID, err := p.resolver.Resolve(ctx, row.BusinessKey)
	if err != nil {
		if errors.Is(err, resolver.ErrNotFound) {
			return failure(fieldPath, "", 0, "key not found")
		}
		return failure(fieldPath, "", 0, truncateString(err.Error(), maxErrorDetail))
	}

	// List fields update by option id; labels are translated through
	// the job's list map. Untranslatable values pass through unchanged.
	value := row.NewValue
	if mapped, ok := listValues[value]; ok {
		value = mapped
	}

	if err := p.pacer.WaitWrite(ctx); err != nil {
		return failure(fieldPath, targetID, 0, truncateString(err.Error(), maxErrorDetail))
	}

	result, err := p.client.UpdateField(ctx, targetID, fieldPath, value)
	if err != nil {
		return failure(fieldPath, targetID, 0, truncateString(err.Error(), maxErrorDetail))
	}

	switch {
	case result.Code >= 200 && result.Code < 300:
		return models.RowOutcome{
			Status:           models.RowStatusCompleted,
			FieldPath:        fieldPath,
			ResolvedTargetID: targetID,
			ResponseCode:     result.Code,
			VerifiedValue:    p.verify(ctx, targetID, fieldPath),
		}
	case result.Code == 304:
		return models.RowOutcome{
			Status:           models.RowStatusSkipped,
			FieldPath:        fieldPath,
			ResolvedTargetID: targetID,
			ResponseCode:     result.Code,
			ErrorMessage:     "already correct",
			VerifiedValue:    p.verify(ctx, targetID, fieldPath),
		}
	case result.Code == 404:
		return failure(fieldPath, targetID, result.Code, "record not found")
	default:
		detail := fmt.Sprintf("status %d: %s", result.Code, result.Body)
		return failure(fieldPath, targetID, result.Code, truncateString(detail, maxErrorDetail))
	}
}

// verify reads back the field's current value after a write. A failed
// verification read does not change the row's outcome.
func (p *Processor) verify(ctx context.Context, targetID, fieldPath string) string {
	if err := p.pacer.WaitRead(ctx); err != nil {
		return ""
	}
	value, err := p.client.GetFieldValue(ctx, targetID, fieldPath)
	if err != nil {
		slog.Warn("verification read failed", "target_id", targetID, "field_path", fieldPath, "error", err)
		return ""
	}
	return value
}

func failure(fieldPath, targetID string, code int, msg string) models.RowOutcome {
	return models.RowOutcome{
		Status:           models.RowStatusFailed,
		FieldPath:        fieldPath,
		ResolvedTargetID: targetID,
		ResponseCode:     code,
		ErrorMessage:     msg,
	}
}

// truncateString truncates s to maxBytes without splitting UTF-8 runes.
func truncateString(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
