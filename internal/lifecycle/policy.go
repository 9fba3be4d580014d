// Package lifecycle decides whether applications in a state are listed and
// when they expire, and runs the periodic pruning job.
package lifecycle

import (
	"time"

	"github.com/pitabwire/caseflow/model"
)

// IsListed reports whether applications in state are user-visible.
func IsListed(state *model.StateDef) bool {
	return state != nil && state.Lifecycle.ShouldBeListed
}

// IsPrunable reports whether an application last modified at modified and
// sitting in state must be physically deleted at now.
func IsPrunable(state *model.StateDef, now, modified time.Time) bool {
	at := PruneAt(state, modified)
	return at != nil && !now.Before(*at)
}

// PruneAt returns the instant at which an application in state becomes
// prunable, or nil if the state is never pruned.
func PruneAt(state *model.StateDef, modified time.Time) *time.Time {
	if state == nil || !state.Lifecycle.ShouldBePruned {
		return nil
	}
	after := state.Lifecycle.PruneAfter
	if after < 0 {
		after = 0
	}
	at := modified.Add(after)
	return &at
}

// Apply stamps the listing and expiry metadata of app for its state.
func Apply(state *model.StateDef, app *model.Application) {
	app.Listed = IsListed(state)
	app.PruneAt = PruneAt(state, app.Modified)
}
