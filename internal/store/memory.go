package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/caseflow/model"
)

// MemoryStore is an in-memory Store for tests and single-instance
// deployments without a database.
type MemoryStore struct {
	mu     sync.RWMutex
	apps   map[string]*model.Application
	events map[string][]model.ApplicationEvent
	outbox map[string]model.OutboxEntry
	seq    int64
	now    func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		apps:   make(map[string]*model.Application),
		events: make(map[string][]model.ApplicationEvent),
		outbox: make(map[string]model.OutboxEntry),
		now:    time.Now,
	}
}

// Create persists a new application.
func (s *MemoryStore) Create(_ context.Context, app *model.Application, event model.ApplicationEvent, effects []model.SideEffect) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.apps[app.ID]; exists {
		return fmt.Errorf("store: application %q already exists", app.ID)
	}
	s.apps[app.ID] = app.Clone()
	s.events[app.ID] = append(s.events[app.ID], event)
	s.enqueue(app.ID, effects)
	return nil
}

// Get returns a copy of the stored application.
func (s *MemoryStore) Get(_ context.Context, id string) (*model.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	app, ok := s.apps[id]
	if !ok {
		return nil, notFound(id)
	}
	return app.Clone(), nil
}

// Commit applies c if the stored snapshot still matches.
func (s *MemoryStore) Commit(_ context.Context, c Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := c.Application.ID
	current, ok := s.apps[id]
	if !ok {
		return notFound(id)
	}
	if !matches(current, c.Expected) {
		return model.NewStaleStateError(id)
	}

	s.apps[id] = c.Application.Clone()
	if c.Event != nil {
		s.events[id] = append(s.events[id], *c.Event)
	}
	s.enqueue(id, c.Effects)
	return nil
}

// Delete removes the application if the stored snapshot still matches.
func (s *MemoryStore) Delete(_ context.Context, id string, expected model.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.apps[id]
	if !ok {
		return notFound(id)
	}
	if !matches(current, expected) {
		return model.NewStaleStateError(id)
	}
	delete(s.apps, id)
	delete(s.events, id)
	return nil
}

// List returns matching applications, most recently modified first.
func (s *MemoryStore) List(_ context.Context, filter Filter) ([]*model.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*model.Application
	for _, app := range s.apps {
		if filter.TypeID != "" && app.TypeID != filter.TypeID {
			continue
		}
		if filter.ListedOnly && !app.Listed {
			continue
		}
		result = append(result, app.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].Modified.Equal(result[j].Modified) {
			return result[i].Modified.After(result[j].Modified)
		}
		return result[i].ID < result[j].ID
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return []*model.Application{}, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}
	return result, nil
}

// FindPrunable returns applications whose prune time has passed.
func (s *MemoryStore) FindPrunable(_ context.Context, now time.Time, after *PruneCursor, limit int) ([]*model.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*model.Application
	for _, app := range s.apps {
		if app.PruneAt == nil || app.PruneAt.After(now) || after.covers(app) {
			continue
		}
		result = append(result, app.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if !a.PruneAt.Equal(*b.PruneAt) {
			return a.PruneAt.Before(*b.PruneAt)
		}
		return a.ID < b.ID
	})
	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

// Events returns the audit trail in commit order.
func (s *MemoryStore) Events(_ context.Context, id string) ([]model.ApplicationEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.apps[id]; !ok {
		return nil, notFound(id)
	}
	events := s.events[id]
	result := make([]model.ApplicationEvent, len(events))
	copy(result, events)
	return result, nil
}

// PendingEffects returns due pending entries.
func (s *MemoryStore) PendingEffects(_ context.Context, now time.Time, limit int) ([]model.OutboxEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending []model.OutboxEntry
	for _, e := range s.outbox {
		if e.Status == model.EffectPending {
			pending = append(pending, e)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].ApplicationID != pending[j].ApplicationID {
			return pending[i].ApplicationID < pending[j].ApplicationID
		}
		return pending[i].Seq < pending[j].Seq
	})

	var result []model.OutboxEntry
	blocked := make(map[string]bool)
	for _, e := range pending {
		if blocked[e.ApplicationID] {
			continue
		}
		if e.NextAttemptAt.After(now) {
			blocked[e.ApplicationID] = true
			continue
		}
		result = append(result, e)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

// UpdateEffect stores the delivery state of an entry.
func (s *MemoryStore) UpdateEffect(_ context.Context, entry model.OutboxEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.outbox[entry.ID]; !ok {
		return model.NewNotFoundError(fmt.Sprintf("outbox entry %q not found", entry.ID))
	}
	s.outbox[entry.ID] = entry
	return nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// Outbox returns every outbox entry of an application in sequence order.
// For testing.
func (s *MemoryStore) Outbox(appID string) []model.OutboxEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.OutboxEntry
	for _, e := range s.outbox {
		if e.ApplicationID == appID {
			result = append(result, e)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Seq < result[j].Seq })
	return result
}

// Len returns the number of applications. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.apps)
}

// enqueue must be called with the write lock held.
func (s *MemoryStore) enqueue(appID string, effects []model.SideEffect) {
	now := s.now().UTC()
	for _, eff := range effects {
		s.seq++
		id := uuid.NewString()
		s.outbox[id] = newOutboxEntry(id, appID, s.seq, eff, now)
	}
}

func matches(app *model.Application, snap model.Snapshot) bool {
	return app.State == snap.State && app.Modified.Equal(snap.Modified)
}

func notFound(id string) error {
	return model.NewNotFoundError(fmt.Sprintf("application %q not found", id))
}
