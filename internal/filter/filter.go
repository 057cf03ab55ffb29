// Package filter decides which account updates are published based on their owning program.
package filter

import (
	"github.com/coachpo/geyserpub/internal/allowlist"
	"github.com/coachpo/geyserpub/internal/domain/schema"
)

// Decision records why an owner was accepted or rejected.
type Decision uint8

const (
	// DecisionIgnored rejects owners listed in program_ignores.
	DecisionIgnored Decision = iota
	// DecisionAllowAll accepts because the combined allowlist is empty.
	DecisionAllowAll
	// DecisionAllowlisted accepts owners present in the combined allowlist.
	DecisionAllowlisted
	// DecisionNotAllowlisted rejects owners missing from a non-empty allowlist.
	DecisionNotAllowlisted
)

// Publish reports whether the decision accepts the update.
func (d Decision) Publish() bool {
	return d == DecisionAllowAll || d == DecisionAllowlisted
}

func (d Decision) String() string {
	switch d {
	case DecisionIgnored:
		return "ignored"
	case DecisionAllowAll:
		return "allow_all"
	case DecisionAllowlisted:
		return "allowlisted"
	case DecisionNotAllowlisted:
		return "not_allowlisted"
	default:
		return "unknown"
	}
}

// Filter evaluates owners against the static ignore set and the allowlist cache.
// It is safe for concurrent use and never blocks.
type Filter struct {
	ignores allowlist.Set
	cache   *allowlist.Cache
}

// New builds a filter. A nil cache behaves as an empty allowlist.
func New(ignores []schema.ProgramID, cache *allowlist.Cache) *Filter {
	if cache == nil {
		cache = allowlist.NewCache(nil, "")
	}
	return &Filter{ignores: allowlist.NewSet(ignores), cache: cache}
}

// Decide applies the checks in order: ignore set, empty allowlist, allowlist membership.
func (f *Filter) Decide(owner schema.ProgramID) Decision {
	if f.ignores.Contains(owner) {
		return DecisionIgnored
	}
	combined := f.cache.Load().Combined
	if len(combined) == 0 {
		return DecisionAllowAll
	}
	if combined.Contains(owner) {
		return DecisionAllowlisted
	}
	return DecisionNotAllowlisted
}

// ShouldPublish reports whether an update owned by owner should be published.
func (f *Filter) ShouldPublish(owner schema.ProgramID) bool {
	return f.Decide(owner).Publish()
}

// Ignores returns the number of ignored programs.
func (f *Filter) Ignores() int {
	return len(f.ignores)
}
