// Package resolver maps business keys (e.g. employee emails) to remote
// record ids using a cached bulk listing with a remote-search fallback.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/talentops/bobsync/internal/cache"
	"github.com/talentops/bobsync/internal/hrapi"
)

// ErrNotFound is returned when a business key matches no remote record,
// neither in the cached listing nor via direct search.
var ErrNotFound = errors.New("no record found for business key")

// Resolver resolves business keys against a snapshot of the bulk
// people listing. The listing may omit records outside the service
// user's default visibility scope (archived records, for example), so
// cache misses fall through to a direct remote search, which covers
// the full corpus at higher per-call cost.
type Resolver struct {
	client   hrapi.Client
	cache    cache.Cache
	keyField string
	cacheTTL time.Duration
}

// New creates a Resolver keyed by the given identity field path.
func New(client hrapi.Client, c cache.Cache, keyField string, cacheTTL time.Duration) *Resolver {
	return &Resolver{
		client:   client,
		cache:    c,
		keyField: keyField,
		cacheTTL: cacheTTL,
	}
}

// BuildCache refreshes the identity snapshot from the bulk listing.
// Called once per executor step; rebuilding rather than persisting the
// map trades recomputation cost for staleness avoidance.
func (r *Resolver) BuildCache(ctx context.Context) error {
	people, err := r.client.ListPeople(ctx, []string{"root.id", r.keyField})
	if err != nil {
		return fmt.Errorf("listing people: %w", err)
	}

	entries := make(map[string]string, len(people))
	for _, p := range people {
		key := p.Values[r.keyField]
		if key == "" || p.ID == "" {
			continue
		}
		entries[key] = p.ID
	}

	if err := r.cache.ReplaceIdentityMap(ctx, entries, r.cacheTTL); err != nil {
		return fmt.Errorf("storing identity map: %w", err)
	}

	slog.Debug("identity cache rebuilt", "entries", len(entries), "key_field", r.keyField)
	return nil
}

// Resolve returns the remote id for a business key. Cache first, then
// remote search; a search hit is backfilled into the cache.
func (r *Resolver) Resolve(ctx context.Context, businessKey string) (string, error) {
	id, found, err := r.cache.GetIdentity(ctx, businessKey)
	if err != nil {
		// A cache outage degrades to search-only resolution.
		slog.Warn("identity cache read failed, falling back to search", "error", err)
	}
	if found {
		return id, nil
	}

	people, err := r.client.SearchByField(ctx, r.keyField, businessKey, []string{"root.id"})
	if err != nil {
		return "", fmt.Errorf("searching by %s: %w", r.keyField, err)
	}
	if len(people) == 0 || people[0].ID == "" {
		return "", ErrNotFound
	}

	if err := r.cache.SetIdentity(ctx, businessKey, people[0].ID); err != nil {
		slog.Warn("identity cache backfill failed", "error", err)
	}
	return people[0].ID, nil
}
