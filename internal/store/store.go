// Package store persists applications, their audit trail and the side
// effect outbox. Every write that changes an application is a
// compare-and-swap on its (state, modified) snapshot.
package store

import (
	"context"
	"time"

	"github.com/pitabwire/caseflow/model"
)

// Store persists applications, events and outbox entries.
type Store interface {
	// Create persists a new application together with its creation event
	// and the outbox entries of its initial effects.
	Create(ctx context.Context, app *model.Application, event model.ApplicationEvent, effects []model.SideEffect) error

	// Get returns the application with the given ID, or NOT_FOUND.
	Get(ctx context.Context, id string) (*model.Application, error)

	// Commit replaces an application if it still matches c.Expected, and
	// atomically records c.Event and enqueues c.Effects. A mismatch
	// returns STALE_STATE.
	Commit(ctx context.Context, c Commit) error

	// Delete removes an application and its events if it still matches
	// expected. Outbox entries are kept; delivery fails them.
	Delete(ctx context.Context, id string, expected model.Snapshot) error

	// List returns applications matching the filter, most recently
	// modified first.
	List(ctx context.Context, filter Filter) ([]*model.Application, error)

	// FindPrunable returns up to limit applications whose prune time is at
	// or before now, ordered by prune time and ID. A non-nil after resumes
	// behind the last application of the previous page.
	FindPrunable(ctx context.Context, now time.Time, after *PruneCursor, limit int) ([]*model.Application, error)

	// Events returns the audit trail of an application, oldest first.
	Events(ctx context.Context, id string) ([]model.ApplicationEvent, error)

	// PendingEffects returns due pending outbox entries ordered by
	// application and sequence. Entries queued behind a pending entry that
	// is still backing off are withheld.
	PendingEffects(ctx context.Context, now time.Time, limit int) ([]model.OutboxEntry, error)

	// UpdateEffect stores the delivery state of an outbox entry.
	UpdateEffect(ctx context.Context, entry model.OutboxEntry) error

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error
}

// Commit is one atomic application update.
type Commit struct {
	Expected    model.Snapshot
	Application *model.Application
	Event       *model.ApplicationEvent
	Effects     []model.SideEffect
}

// Filter narrows List results.
type Filter struct {
	TypeID     string
	ListedOnly bool
	Limit      int
	Offset     int
}

func newOutboxEntry(id, appID string, seq int64, eff model.SideEffect, now time.Time) model.OutboxEntry {
	return model.OutboxEntry{
		ID:            id,
		ApplicationID: appID,
		Seq:           seq,
		Effect:        eff,
		Status:        model.EffectPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// PruneCursor is a position in the FindPrunable order.
type PruneCursor struct {
	PruneAt time.Time
	ID      string
}

// CursorOf returns the position of app, which must have a prune time.
func CursorOf(app *model.Application) *PruneCursor {
	return &PruneCursor{PruneAt: *app.PruneAt, ID: app.ID}
}

// covers reports whether app sorts at or before the cursor.
func (c *PruneCursor) covers(app *model.Application) bool {
	if c == nil {
		return false
	}
	if !app.PruneAt.Equal(c.PruneAt) {
		return app.PruneAt.Before(c.PruneAt)
	}
	return app.ID <= c.ID
}
