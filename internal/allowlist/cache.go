// Package allowlist keeps the program allowlist fresh and exposes it as immutable snapshots.
package allowlist

import (
	"sync/atomic"
	"time"

	"github.com/coachpo/geyserpub/internal/domain/schema"
)

// Set is an immutable set of program identifiers. Never mutate a Set after it is published.
type Set map[schema.ProgramID]struct{}

// NewSet builds a set from the supplied identifiers.
func NewSet(ids []schema.ProgramID) Set {
	out := make(Set, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

// Contains reports membership.
func (s Set) Contains(id schema.ProgramID) bool {
	_, ok := s[id]
	return ok
}

// Members returns the identifiers in unspecified order.
func (s Set) Members() []schema.ProgramID {
	out := make([]schema.ProgramID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	return out
}

// Snapshot is one consistent view of the allowlist. Readers hold a pointer to it for the
// duration of a decision; the refresher publishes a new Snapshot instead of mutating this one.
type Snapshot struct {
	// Remote is the set returned by the last successful fetch.
	Remote Set
	// Combined is static ∪ remote, precomputed so lookups are a single map access.
	Combined Set
	// FetchedAt is the time of the last successful fetch; zero when nothing was fetched yet.
	FetchedAt time.Time
}

// Cache holds the current snapshot. It has a single writer (the refresher) and any number of readers.
type Cache struct {
	static  Set
	source  string
	current atomic.Pointer[Snapshot]
}

// NewCache initialises the cache from the static allowlist.
func NewCache(static []schema.ProgramID, source string) *Cache {
	c := &Cache{static: NewSet(static), source: source}
	c.current.Store(&Snapshot{
		Remote:    Set{},
		Combined:  c.static,
		FetchedAt: time.Time{},
	})
	return c
}

// Load returns the current snapshot. Never nil.
func (c *Cache) Load() *Snapshot {
	return c.current.Load()
}

// Source is the URL the remote part is fetched from, empty when static-only.
func (c *Cache) Source() string {
	return c.source
}

// Static returns the static allowlist.
func (c *Cache) Static() Set {
	return c.static
}

// replace swaps in a new remote set wholesale. Only the refresher calls this.
func (c *Cache) replace(remote []schema.ProgramID, fetchedAt time.Time) *Snapshot {
	remoteSet := NewSet(remote)
	combined := make(Set, len(c.static)+len(remoteSet))
	for id := range c.static {
		combined[id] = struct{}{}
	}
	for id := range remoteSet {
		combined[id] = struct{}{}
	}
	next := &Snapshot{Remote: remoteSet, Combined: combined, FetchedAt: fetchedAt}
	c.current.Store(next)
	return next
}
