package handler

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/talentops/bobsync/internal/api/response"
	"github.com/talentops/bobsync/internal/store"
	"github.com/talentops/bobsync/pkg/models"
)

const maxSheetRows = 50000

// SheetStore defines the store operations the sheet handlers depend on.
type SheetStore interface {
	CreateSheet(ctx context.Context, sheet *models.Sheet, rows []*models.RowRecord) error
	GetSheet(ctx context.Context, id uuid.UUID) (*models.Sheet, error)
	ListRows(ctx context.Context, filter store.RowFilter) ([]*models.RowRecord, int, error)
}

type sheetRowInput struct {
	BusinessKey string `json:"business_key"`
	NewValue    string `json:"new_value"`
}

// NewCreateSheetHandler returns an http.HandlerFunc for POST /api/v1/sheets.
// The body is either JSON ({name, rows}) or raw CSV (text/csv) with two
// columns: business key, new value. Blank keys are kept as intentionally
// blank rows.
func NewCreateSheetHandler(st SheetStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var name string
		var inputs []sheetRowInput
		var err error

		if strings.HasPrefix(r.Header.Get("Content-Type"), "text/csv") {
			name = r.URL.Query().Get("name")
			inputs, err = parseCSVRows(r.Body)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_CSV", err.Error(), nil)
				return
			}
		} else {
			var req struct {
				Name string          `json:"name"`
				Rows []sheetRowInput `json:"rows"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
				return
			}
			name = req.Name
			inputs = req.Rows
		}

		if len(inputs) == 0 {
			response.Error(w, http.StatusBadRequest, "EMPTY_SHEET", "At least one row is required", nil)
			return
		}
		if len(inputs) > maxSheetRows {
			response.Error(w, http.StatusRequestEntityTooLarge, "SHEET_TOO_LARGE",
				"Row count exceeds the maximum of "+strconv.Itoa(maxSheetRows), nil)
			return
		}
		if name == "" {
			name = "sheet-" + time.Now().UTC().Format("20060102-150405")
		}

		now := time.Now().UTC()
		sheet := &models.Sheet{
			ID:        uuid.New(),
			Name:      name,
			RowCount:  len(inputs),
			CreatedAt: now,
		}

		rows := make([]*models.RowRecord, 0, len(inputs))
		for i, in := range inputs {
			rows = append(rows, &models.RowRecord{
				SheetID:     sheet.ID,
				RowIndex:    i,
				BusinessKey: strings.TrimSpace(in.BusinessKey),
				NewValue:    in.NewValue,
				Status:      models.RowStatusPending,
				CreatedAt:   now,
				UpdatedAt:   now,
			})
		}

		if err := st.CreateSheet(r.Context(), sheet, rows); err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to store sheet", nil)
			return
		}

		response.Created(w, sheet)
	}
}

// NewListRowsHandler returns an http.HandlerFunc for GET /api/v1/sheets/{sheetID}/rows.
func NewListRowsHandler(st SheetStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sheetID, err := uuid.Parse(chi.URLParam(r, "sheetID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "sheetID must be a valid UUID", nil)
			return
		}

		if _, err := st.GetSheet(r.Context(), sheetID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "SHEET_NOT_FOUND", "No sheet with that id", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		q := r.URL.Query()
		page, _ := strconv.Atoi(q.Get("page"))
		limit, _ := strconv.Atoi(q.Get("limit"))

		rows, total, err := st.ListRows(r.Context(), store.RowFilter{
			SheetID: sheetID,
			Status:  q.Get("status"),
			Page:    page,
			Limit:   limit,
		})
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		if page <= 0 {
			page = 1
		}
		if limit <= 0 {
			limit = 50
		}
		response.Collection(w, rows, response.PaginationMeta{
			Page:    page,
			Limit:   limit,
			Total:   total,
			HasNext: page*limit < total,
		})
	}
}

// parseCSVRows reads two-column CSV input. A first row whose key column
// reads "business_key" is treated as a header and dropped.
func parseCSVRows(body io.Reader) ([]sheetRowInput, error) {
	reader := csv.NewReader(body)
	reader.FieldsPerRecord = -1

	var inputs []sheetRowInput
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(record) == 0 {
			continue
		}

		row := sheetRowInput{BusinessKey: record[0]}
		if len(record) > 1 {
			row.NewValue = record[1]
		}
		inputs = append(inputs, row)
	}

	if len(inputs) > 0 && strings.EqualFold(strings.TrimSpace(inputs[0].BusinessKey), "business_key") {
		inputs = inputs[1:]
	}
	return inputs, nil
}
