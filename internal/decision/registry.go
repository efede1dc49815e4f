package decision

import "sync/atomic"

// Registry holds the currently active Scorer behind an atomic pointer so a
// hot-reload (new artifact on disk) can swap it in without pausing any
// in-flight Decide call, per spec.md §9's engine-handle redesign note.
type Registry struct {
	current atomic.Pointer[Scorer]
}

// NewRegistry creates a registry pre-loaded with the rule-based fallback, so
// Decide never observes a nil scorer.
func NewRegistry() *Registry {
	r := &Registry{}
	var fallback Scorer = ruleBasedScorer{}
	r.current.Store(&fallback)
	return r
}

// Swap atomically replaces the active scorer.
func (r *Registry) Swap(s Scorer) {
	r.current.Store(&s)
}

// Current returns the active scorer.
func (r *Registry) Current() Scorer {
	return *r.current.Load()
}
