package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/talentops/bobsync/internal/hrapi"
	"github.com/talentops/bobsync/internal/resolver"
	"github.com/talentops/bobsync/internal/store"
	"github.com/talentops/bobsync/pkg/models"
)

var errTest = errors.New("induced test failure")

// memStore is an in-memory Store with the same checkpoint CAS semantics
// as the Postgres implementation.
type memStore struct {
	mu    sync.Mutex
	jd    *models.JobDescriptor
	sheet *models.Sheet
	rows  map[int]*models.RowRecord

	checkpoints []int // every accepted next_row_index, in order

	failRecordOutcome bool
	failGetRowRange   bool
}

func newMemStore(sheetID uuid.UUID, rows []*models.RowRecord) *memStore {
	m := &memStore{
		sheet: &models.Sheet{ID: sheetID, Name: "test", RowCount: len(rows)},
		rows:  make(map[int]*models.RowRecord, len(rows)),
	}
	for _, r := range rows {
		m.rows[r.RowIndex] = r
	}
	return m
}

func (m *memStore) GetJobDescriptor(ctx context.Context) (*models.JobDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.jd == nil {
		return nil, store.ErrNotFound
	}
	cp := *m.jd
	return &cp, nil
}

func (m *memStore) CreateJobDescriptor(ctx context.Context, jd *models.JobDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.jd != nil {
		return store.ErrJobRunning
	}
	cp := *jd
	m.jd = &cp
	return nil
}

func (m *memStore) DeleteJobDescriptor(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jd = nil
	return nil
}

func (m *memStore) AdvanceCheckpoint(ctx context.Context, nextRowIndex int, stats models.BatchStats, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.jd == nil {
		return store.ErrNotFound
	}
	if m.jd.Version != version {
		return store.ErrVersionConflict
	}
	if nextRowIndex < m.jd.NextRowIndex {
		return store.ErrVersionConflict
	}
	m.jd.NextRowIndex = nextRowIndex
	m.jd.Stats = stats
	m.jd.LastStepAt = time.Now().UTC()
	m.jd.Version++
	m.checkpoints = append(m.checkpoints, nextRowIndex)
	return nil
}

func (m *memStore) GetSheet(ctx context.Context, id uuid.UUID) (*models.Sheet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sheet == nil || m.sheet.ID != id {
		return nil, store.ErrNotFound
	}
	cp := *m.sheet
	return &cp, nil
}

func (m *memStore) GetRowRange(ctx context.Context, sheetID uuid.UUID, from, to int) ([]*models.RowRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGetRowRange {
		return nil, errors.New("row range unavailable")
	}
	var out []*models.RowRecord
	for i := from; i <= to; i++ {
		if r, ok := m.rows[i]; ok {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) ListFailedRows(ctx context.Context, sheetID uuid.UUID) ([]*models.RowRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.RowRecord
	for _, r := range m.rows {
		if r.Status == models.RowStatusFailed {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RowIndex < out[j].RowIndex })
	return out, nil
}

// rowTransitions mirrors the guard the Postgres store applies, so the
// executor tests fail the same way the real store would on an illegal
// status change.
var rowTransitions = map[string][]string{
	models.RowStatusPending:    {models.RowStatusProcessing},
	models.RowStatusFailed:     {models.RowStatusProcessing},
	models.RowStatusProcessing: {models.RowStatusCompleted, models.RowStatusSkipped, models.RowStatusFailed},
}

func rowTransitionAllowed(from, to string) bool {
	for _, a := range rowTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func (m *memStore) MarkRowProcessing(ctx context.Context, sheetID uuid.UUID, rowIndex int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[rowIndex]
	if !ok {
		return store.ErrNotFound
	}
	if !rowTransitionAllowed(r.Status, models.RowStatusProcessing) {
		return fmt.Errorf("invalid row status transition: %s -> %s", r.Status, models.RowStatusProcessing)
	}
	r.Status = models.RowStatusProcessing
	return nil
}

func (m *memStore) RecordRowOutcome(ctx context.Context, sheetID uuid.UUID, rowIndex int, outcome models.RowOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failRecordOutcome {
		return errors.New("outcome write failed")
	}
	r, ok := m.rows[rowIndex]
	if !ok {
		return store.ErrNotFound
	}
	if !rowTransitionAllowed(r.Status, outcome.Status) {
		return fmt.Errorf("invalid row status transition: %s -> %s", r.Status, outcome.Status)
	}
	r.Status = outcome.Status
	if outcome.FieldPath != "" {
		fp := outcome.FieldPath
		r.FieldPath = &fp
	}
	if outcome.ResolvedTargetID != "" {
		id := outcome.ResolvedTargetID
		r.ResolvedTargetID = &id
	}
	if outcome.ResponseCode != 0 {
		code := outcome.ResponseCode
		r.ResponseCode = &code
	}
	if outcome.ErrorMessage != "" {
		msg := outcome.ErrorMessage
		r.ErrorMessage = &msg
	}
	if outcome.VerifiedValue != "" {
		v := outcome.VerifiedValue
		r.VerifiedValue = &v
	}
	return nil
}

func (m *memStore) statusOf(rowIndex int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[rowIndex].Status
}

// fakeResolver resolves keys from a fixed map.
type fakeResolver struct {
	ids        map[string]string
	buildErr   error
	buildCalls int
}

func (f *fakeResolver) BuildCache(ctx context.Context) error {
	f.buildCalls++
	return f.buildErr
}

func (f *fakeResolver) Resolve(ctx context.Context, businessKey string) (string, error) {
	id, ok := f.ids[businessKey]
	if !ok {
		return "", resolver.ErrNotFound
	}
	return id, nil
}

// countingPacer records waits without delaying.
type countingPacer struct {
	mu     sync.Mutex
	writes int
	reads  int
}

func (p *countingPacer) WaitWrite(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes++
	return nil
}

func (p *countingPacer) WaitRead(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reads++
	return nil
}

// scriptedClient returns per-employee scripted update results.
type scriptedClient struct {
	mu          sync.Mutex
	updates     map[string]hrapi.UpdateResult // employeeID -> result
	updateErr   map[string]error
	values      map[string]string // employeeID -> current field value
	updateCalls []string          // employeeIDs in call order
	readErr     error
}

func (c *scriptedClient) ListPeople(ctx context.Context, fields []string) ([]hrapi.Person, error) {
	return nil, nil
}

func (c *scriptedClient) SearchByField(ctx context.Context, fieldPath, value string, fields []string) ([]hrapi.Person, error) {
	return nil, nil
}

func (c *scriptedClient) UpdateField(ctx context.Context, employeeID, fieldPath, value string) (hrapi.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateCalls = append(c.updateCalls, employeeID)
	if err, ok := c.updateErr[employeeID]; ok {
		return hrapi.UpdateResult{}, err
	}
	if res, ok := c.updates[employeeID]; ok {
		if res.Code >= 200 && res.Code < 300 {
			if c.values == nil {
				c.values = map[string]string{}
			}
			c.values[employeeID] = value
		}
		return res, nil
	}
	if c.values == nil {
		c.values = map[string]string{}
	}
	c.values[employeeID] = value
	return hrapi.UpdateResult{Code: 200}, nil
}

func (c *scriptedClient) GetFieldValue(ctx context.Context, employeeID, fieldPath string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return "", c.readErr
	}
	return c.values[employeeID], nil
}

func (c *scriptedClient) Ready(ctx context.Context) error { return nil }

// manualTrigger records registrations; ticks are driven by tests.
type manualTrigger struct {
	mu         sync.Mutex
	fn         func()
	registered int
	cleared    int
}

func (tr *manualTrigger) Register(fn func(), interval time.Duration) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.fn = fn
	tr.registered++
	return nil
}

func (tr *manualTrigger) Unregister() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.fn = nil
	tr.cleared++
}

func (tr *manualTrigger) active() bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.fn != nil
}

// memStatus records the last job phase written.
type memStatus struct {
	mu     sync.Mutex
	status string
}

func (s *memStatus) SetJobStatus(ctx context.Context, status string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	return nil
}

func (s *memStatus) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// makeRows builds n pending rows with keys key-0..key-n-1.
func makeRows(sheetID uuid.UUID, n int) []*models.RowRecord {
	rows := make([]*models.RowRecord, n)
	for i := 0; i < n; i++ {
		rows[i] = &models.RowRecord{
			SheetID:     sheetID,
			RowIndex:    i,
			BusinessKey: "key-" + strconv.Itoa(i),
			NewValue:    "value",
			Status:      models.RowStatusPending,
		}
	}
	return rows
}

// makeIdentities maps every key produced by makeRows to emp-<n>.
func makeIdentities(n int) map[string]string {
	ids := make(map[string]string, n)
	for i := 0; i < n; i++ {
		ids["key-"+strconv.Itoa(i)] = "emp-" + strconv.Itoa(i)
	}
	return ids
}
