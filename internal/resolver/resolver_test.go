package resolver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talentops/bobsync/internal/hrapi"
)

// --- fakes ---

type fakeHRClient struct {
	people       []hrapi.Person
	listErr      error
	searchByKey  map[string][]hrapi.Person
	searchErr    error
	listCalls    int
	searchCalls  int
	searchFields []string
}

func (f *fakeHRClient) ListPeople(ctx context.Context, fields []string) ([]hrapi.Person, error) {
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.people, nil
}

func (f *fakeHRClient) SearchByField(ctx context.Context, fieldPath, value string, fields []string) ([]hrapi.Person, error) {
	f.searchCalls++
	f.searchFields = fields
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.searchByKey[value], nil
}

func (f *fakeHRClient) UpdateField(ctx context.Context, employeeID, fieldPath, value string) (hrapi.UpdateResult, error) {
	return hrapi.UpdateResult{}, errors.New("not implemented")
}

func (f *fakeHRClient) GetFieldValue(ctx context.Context, employeeID, fieldPath string) (string, error) {
	return "", errors.New("not implemented")
}

func (f *fakeHRClient) Ready(ctx context.Context) error { return nil }

type fakeCache struct {
	entries  map[string]string
	getErr   error
	setErr   error
	replaced int
}

func (f *fakeCache) Ping(ctx context.Context) error { return nil }

func (f *fakeCache) ReplaceIdentityMap(ctx context.Context, entries map[string]string, ttl time.Duration) error {
	f.replaced++
	f.entries = entries
	return nil
}

func (f *fakeCache) GetIdentity(ctx context.Context, businessKey string) (string, bool, error) {
	if f.getErr != nil {
		return "", false, f.getErr
	}
	id, ok := f.entries[businessKey]
	return id, ok, nil
}

func (f *fakeCache) SetIdentity(ctx context.Context, businessKey, remoteID string) error {
	if f.setErr != nil {
		return f.setErr
	}
	if f.entries == nil {
		f.entries = map[string]string{}
	}
	f.entries[businessKey] = remoteID
	return nil
}

func (f *fakeCache) DropIdentityMap(ctx context.Context) error {
	f.entries = nil
	return nil
}

func (f *fakeCache) SetJobStatus(ctx context.Context, status string, ttl time.Duration) error {
	return nil
}

func (f *fakeCache) GetJobStatus(ctx context.Context) (string, bool, error) {
	return "", false, nil
}

func (f *fakeCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	return 0, nil
}

// --- tests ---

func TestBuildCache(t *testing.T) {
	client := &fakeHRClient{people: []hrapi.Person{
		{ID: "emp-1", Values: map[string]string{"root.email": "ana@example.com"}},
		{ID: "emp-2", Values: map[string]string{"root.email": "ben@example.com"}},
		{ID: "emp-3", Values: map[string]string{}}, // no key field, skipped
		{ID: "", Values: map[string]string{"root.email": "ghost@example.com"}},
	}}
	c := &fakeCache{}
	r := New(client, c, "root.email", time.Minute)

	require.NoError(t, r.BuildCache(context.Background()))

	assert.Equal(t, 1, c.replaced)
	assert.Equal(t, map[string]string{
		"ana@example.com": "emp-1",
		"ben@example.com": "emp-2",
	}, c.entries)
}

func TestBuildCache_ListingFails(t *testing.T) {
	client := &fakeHRClient{listErr: hrapi.ErrAPIUnreachable}
	r := New(client, &fakeCache{}, "root.email", time.Minute)

	err := r.BuildCache(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, hrapi.ErrAPIUnreachable)
}

func TestResolve_CacheHit(t *testing.T) {
	client := &fakeHRClient{}
	c := &fakeCache{entries: map[string]string{"ana@example.com": "emp-1"}}
	r := New(client, c, "root.email", time.Minute)

	id, err := r.Resolve(context.Background(), "ana@example.com")
	require.NoError(t, err)
	assert.Equal(t, "emp-1", id)
	assert.Zero(t, client.searchCalls, "cache hit must not search")
}

func TestResolve_CacheMissFallsBackToSearch(t *testing.T) {
	// An archived record misses the bulk-listing snapshot but is still
	// reachable through direct search.
	client := &fakeHRClient{searchByKey: map[string][]hrapi.Person{
		"old@example.com": {{ID: "emp-7"}},
	}}
	c := &fakeCache{entries: map[string]string{}}
	r := New(client, c, "root.email", time.Minute)

	id, err := r.Resolve(context.Background(), "old@example.com")
	require.NoError(t, err)
	assert.Equal(t, "emp-7", id)
	assert.Equal(t, 1, client.searchCalls)

	// Search hit is backfilled so the next lookup is a cache hit.
	id, err = r.Resolve(context.Background(), "old@example.com")
	require.NoError(t, err)
	assert.Equal(t, "emp-7", id)
	assert.Equal(t, 1, client.searchCalls)
}

func TestResolve_NotFoundAnywhere(t *testing.T) {
	client := &fakeHRClient{searchByKey: map[string][]hrapi.Person{}}
	r := New(client, &fakeCache{}, "root.email", time.Minute)

	_, err := r.Resolve(context.Background(), "nobody@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolve_CacheOutageDegradesToSearch(t *testing.T) {
	client := &fakeHRClient{searchByKey: map[string][]hrapi.Person{
		"ana@example.com": {{ID: "emp-1"}},
	}}
	c := &fakeCache{getErr: errors.New("redis down"), setErr: errors.New("redis down")}
	r := New(client, c, "root.email", time.Minute)

	id, err := r.Resolve(context.Background(), "ana@example.com")
	require.NoError(t, err)
	assert.Equal(t, "emp-1", id)
}

func TestResolve_SearchFails(t *testing.T) {
	client := &fakeHRClient{searchErr: hrapi.ErrAPITimeout}
	r := New(client, &fakeCache{}, "root.email", time.Minute)

	_, err := r.Resolve(context.Background(), "ana@example.com")
	require.Error(t, err)
	assert.ErrorIs(t, err, hrapi.ErrAPITimeout)
	assert.NotErrorIs(t, err, ErrNotFound)
}
