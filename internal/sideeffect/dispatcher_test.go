package sideeffect

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/model"
)

// --- fakes ---

type fakeOutbox struct {
	mu      sync.Mutex
	entries map[string]model.OutboxEntry
}

func newFakeOutbox(entries ...model.OutboxEntry) *fakeOutbox {
	o := &fakeOutbox{entries: make(map[string]model.OutboxEntry)}
	for _, e := range entries {
		o.entries[e.ID] = e
	}
	return o
}

func (o *fakeOutbox) add(e model.OutboxEntry) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries[e.ID] = e
}

func (o *fakeOutbox) get(id string) model.OutboxEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.entries[id]
}

func (o *fakeOutbox) PendingEffects(_ context.Context, now time.Time, limit int) ([]model.OutboxEntry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var pending []model.OutboxEntry
	for _, e := range o.entries {
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

	var out []model.OutboxEntry
	blocked := make(map[string]bool)
	for _, e := range pending {
		if blocked[e.ApplicationID] {
			continue
		}
		if e.NextAttemptAt.After(now) {
			blocked[e.ApplicationID] = true
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (o *fakeOutbox) UpdateEffect(_ context.Context, e model.OutboxEntry) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries[e.ID] = e
	return nil
}

type fakeSink struct {
	mu     sync.Mutex
	apps   map[string]*model.Application
	merges map[string]model.ExternalDataEntry
}

func newFakeSink(apps ...*model.Application) *fakeSink {
	s := &fakeSink{apps: make(map[string]*model.Application), merges: make(map[string]model.ExternalDataEntry)}
	for _, a := range apps {
		s.apps[a.ID] = a
	}
	return s
}

func (s *fakeSink) Application(_ context.Context, id string) (*model.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.apps[id]
	if !ok {
		return nil, model.NewNotFoundError("application " + id + " not found")
	}
	return app.Clone(), nil
}

func (s *fakeSink) MergeExternalData(_ context.Context, id, action string, entry model.ExternalDataEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.merges[id+"/"+action] = entry
	return nil
}

func (s *fakeSink) merged(id, action string) (model.ExternalDataEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.merges[id+"/"+action]
	return e, ok
}

// countingActions registers actions that count invocations. Names listed in
// failing return an error.
type countingActions struct {
	mu    sync.Mutex
	calls map[string]int
	seen  map[string]model.ActionCall
}

func newCountingActions(r *ActionRegistry, failing map[string]bool, names ...string) *countingActions {
	c := &countingActions{calls: make(map[string]int), seen: make(map[string]model.ActionCall)}
	for _, name := range names {
		r.RegisterFunc(name, func(_ context.Context, call model.ActionCall) (model.ActionResult, error) {
			c.mu.Lock()
			c.calls[name]++
			c.seen[name] = call
			c.mu.Unlock()
			if failing[name] {
				return model.ActionResult{}, errors.New(name + " unavailable")
			}
			return model.ActionResult{Data: map[string]any{"from": name}}, nil
		})
	}
	return c
}

func (c *countingActions) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[name]
}

func (c *countingActions) call(name string) model.ActionCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen[name]
}

func testDispatcherConfig() config.DispatcherConfig {
	return config.DispatcherConfig{
		Workers:      4,
		PollInterval: time.Hour,
		BatchSize:    50,
		MaxAttempts:  3,
		Retry: config.RetryConfig{
			BackoffInitial:    time.Second,
			BackoffMultiplier: 2,
			BackoffMax:        time.Minute,
		},
	}
}

func newTestDispatcher(t *testing.T, failing map[string]bool, names ...string) (*Dispatcher, *countingActions, *fakeClock) {
	t.Helper()
	reg := NewActionRegistry()
	counts := newCountingActions(reg, failing, names...)
	d := NewDispatcher(reg, NewMemoryRecords(0), testDispatcherConfig(), nil, nil)
	clock := newFakeClock()
	d.now = clock.now
	return d, counts, clock
}

func testApp(id string) *model.Application {
	return &model.Application{
		ID:      id,
		TypeID:  "parking-permit",
		State:   "submitted",
		Answers: map[string]any{"vehicle": map[string]any{"plate": "KAA 123A"}},
	}
}

func effect(app, action string, throw, persist bool) model.SideEffect {
	return model.SideEffect{
		Key:                   app + "/draft/submitted/entry/" + action,
		Action:                action,
		Phase:                 model.PhaseEntry,
		State:                 "submitted",
		FromState:             "draft",
		ToState:               "submitted",
		ThrowOnError:          throw,
		PersistToExternalData: persist,
	}
}

func entry(id, app string, seq int64, eff model.SideEffect) model.OutboxEntry {
	return model.OutboxEntry{
		ID:            id,
		ApplicationID: app,
		Seq:           seq,
		Effect:        eff,
		Status:        model.EffectPending,
	}
}

// --- Execute ---

func TestDispatcher_ExecuteDeduplicatesSucceededKey(t *testing.T) {
	d, counts, _ := newTestDispatcher(t, nil, "lookup_vehicle")
	eff := effect("app-1", "lookup_vehicle", false, true)

	first, err := d.Execute(context.Background(), testApp("app-1"), eff)
	require.NoError(t, err)
	second, err := d.Execute(context.Background(), testApp("app-1"), eff)
	require.NoError(t, err)

	assert.Equal(t, 1, counts.count("lookup_vehicle"))
	assert.Equal(t, first, second, "deduplicated call returns the recorded data")
}

func TestDispatcher_ExecuteRetriesFailedKey(t *testing.T) {
	d, counts, _ := newTestDispatcher(t, map[string]bool{"notify": true}, "notify")
	eff := effect("app-1", "notify", false, false)

	_, err := d.Execute(context.Background(), testApp("app-1"), eff)
	require.Error(t, err)
	_, err = d.Execute(context.Background(), testApp("app-1"), eff)
	require.Error(t, err)

	assert.Equal(t, 2, counts.count("notify"))
	rec, found, err := d.records.Get(context.Background(), eff.Key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.EffectFailed, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
}

func TestDispatcher_ExecuteUnknownAction(t *testing.T) {
	d, _, _ := newTestDispatcher(t, nil)

	_, err := d.Execute(context.Background(), testApp("app-1"), effect("app-1", "missing", false, false))
	assert.ErrorContains(t, err, "not registered")
}

func TestDispatcher_ExecutePassesCallDetails(t *testing.T) {
	d, counts, _ := newTestDispatcher(t, nil, "notify")
	eff := effect("app-1", "notify", false, false)

	_, err := d.Execute(context.Background(), testApp("app-1"), eff)
	require.NoError(t, err)

	call := counts.call("notify")
	assert.Equal(t, eff.Key, call.Key)
	assert.Equal(t, model.PhaseEntry, call.Phase)
	assert.Equal(t, "draft", call.FromState)
	assert.Equal(t, "submitted", call.ToState)
	assert.Equal(t, "app-1", call.Application.ID)
}

// --- RunSync ---

func TestDispatcher_RunSyncWithoutThrowDefersEverything(t *testing.T) {
	d, counts, _ := newTestDispatcher(t, nil, "a", "b")
	effects := []model.SideEffect{
		effect("app-1", "a", false, false),
		effect("app-1", "b", false, true),
	}

	res, err := d.RunSync(context.Background(), testApp("app-1"), effects)
	require.NoError(t, err)

	assert.Equal(t, effects, res.Deferred)
	assert.Empty(t, res.ExternalData)
	assert.Equal(t, 0, counts.count("a"))
	assert.Equal(t, 0, counts.count("b"))
}

func TestDispatcher_RunSyncRunsOnlyBlockingEffects(t *testing.T) {
	d, counts, clock := newTestDispatcher(t, nil, "lookup", "notify", "charge", "audit")
	effects := []model.SideEffect{
		effect("app-1", "lookup", true, true),
		effect("app-1", "notify", false, false),
		effect("app-1", "charge", true, false),
		effect("app-1", "audit", false, false),
	}

	res, err := d.RunSync(context.Background(), testApp("app-1"), effects)
	require.NoError(t, err)

	assert.Equal(t, 1, counts.count("lookup"))
	assert.Equal(t, 1, counts.count("charge"))
	assert.Equal(t, 0, counts.count("notify"))
	assert.Equal(t, 0, counts.count("audit"))
	assert.Equal(t, []model.SideEffect{effects[1], effects[3]}, res.Deferred)

	require.Contains(t, res.ExternalData, "lookup")
	got := res.ExternalData["lookup"]
	assert.Equal(t, model.ExternalStatusSuccess, got.Status)
	assert.Equal(t, clock.now(), got.Date)
	assert.Equal(t, map[string]any{"from": "lookup"}, got.Data)

	// The persisted lookup result is visible to the blocking effect after it.
	call := counts.call("charge")
	assert.Contains(t, call.Application.ExternalData, "lookup")
}

func TestDispatcher_RunSyncDoesNotMutateApplication(t *testing.T) {
	d, _, _ := newTestDispatcher(t, nil, "lookup", "charge")
	app := testApp("app-1")

	_, err := d.RunSync(context.Background(), app, []model.SideEffect{
		effect("app-1", "lookup", true, true),
		effect("app-1", "charge", true, false),
	})
	require.NoError(t, err)
	assert.Nil(t, app.ExternalData)
}

func TestDispatcher_RunSyncThrowFailure(t *testing.T) {
	d, counts, _ := newTestDispatcher(t, map[string]bool{"charge": true}, "lookup", "charge", "notify")

	_, err := d.RunSync(context.Background(), testApp("app-1"), []model.SideEffect{
		effect("app-1", "lookup", false, false),
		effect("app-1", "charge", true, false),
		effect("app-1", "notify", false, false),
	})
	require.Error(t, err)

	env, ok := model.AsEnvelope(err)
	require.True(t, ok)
	assert.Equal(t, model.ErrSideEffectFailed, env.Code)
	assert.Equal(t, 0, counts.count("lookup"))
	assert.Equal(t, 0, counts.count("notify"))
}

func TestDispatcher_LockSerializesApplication(t *testing.T) {
	d, _, _ := newTestDispatcher(t, nil)
	ctx := context.Background()

	unlock, err := d.Lock(ctx, "app-1")
	require.NoError(t, err)

	other, err := d.Lock(ctx, "app-2")
	require.NoError(t, err)
	other()

	acquired := make(chan struct{})
	go func() {
		second, err := d.Lock(ctx, "app-1")
		if err == nil {
			second()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held lock")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	unlock()
	<-acquired
	assert.Equal(t, 0, d.locks.size())
}

func TestDispatcher_LockHonoursContext(t *testing.T) {
	d, _, _ := newTestDispatcher(t, nil)
	unlock, err := d.Lock(context.Background(), "app-1")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = d.Lock(ctx, "app-1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, d.locks.size())
}

func TestDispatcher_DrainWaitsForApplicationLock(t *testing.T) {
	d, counts, _ := newTestDispatcher(t, nil, "notify")
	outbox := newFakeOutbox(entry("e1", "app-1", 1, effect("app-1", "notify", false, false)))
	sink := newFakeSink(testApp("app-1"))

	unlock, err := d.Lock(context.Background(), "app-1")
	require.NoError(t, err)

	drained := make(chan int)
	go func() {
		n, _ := d.Drain(context.Background(), outbox, sink)
		drained <- n
	}()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, counts.count("notify"))
	unlock()
	assert.Equal(t, 1, <-drained)
	assert.Equal(t, 1, counts.count("notify"))
}

func (k *keyedLocks) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// --- Drain ---

func TestDispatcher_DrainDeliversAndPersists(t *testing.T) {
	d, counts, _ := newTestDispatcher(t, nil, "lookup", "notify")
	outbox := newFakeOutbox(
		entry("e1", "app-1", 1, effect("app-1", "lookup", false, true)),
		entry("e2", "app-1", 2, effect("app-1", "notify", false, false)),
	)
	sink := newFakeSink(testApp("app-1"))

	n, err := d.Drain(context.Background(), outbox, sink)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, model.EffectSucceeded, outbox.get("e1").Status)
	assert.Equal(t, model.EffectSucceeded, outbox.get("e2").Status)
	assert.Equal(t, 1, outbox.get("e1").Attempts)
	assert.Equal(t, 1, counts.count("notify"))

	merged, ok := sink.merged("app-1", "lookup")
	require.True(t, ok)
	assert.Equal(t, model.ExternalStatusSuccess, merged.Status)
	_, ok = sink.merged("app-1", "notify")
	assert.False(t, ok, "non-persisted effect must not be merged")
}

func TestDispatcher_DrainFailureHoldsBackLaterEntries(t *testing.T) {
	d, counts, clock := newTestDispatcher(t, map[string]bool{"lookup": true}, "lookup", "notify")
	outbox := newFakeOutbox(
		entry("e1", "app-1", 1, effect("app-1", "lookup", false, false)),
		entry("e2", "app-1", 2, effect("app-1", "notify", false, false)),
		entry("e3", "app-2", 1, effect("app-2", "notify", false, false)),
	)
	sink := newFakeSink(testApp("app-1"), testApp("app-2"))

	n, err := d.Drain(context.Background(), outbox, sink)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	failed := outbox.get("e1")
	assert.Equal(t, model.EffectPending, failed.Status)
	assert.Equal(t, 1, failed.Attempts)
	assert.Equal(t, clock.now().Add(time.Second), failed.NextAttemptAt)
	assert.Contains(t, failed.LastError, "lookup unavailable")

	assert.Equal(t, model.EffectPending, outbox.get("e2").Status)
	assert.Equal(t, 0, outbox.get("e2").Attempts)
	assert.Equal(t, model.EffectSucceeded, outbox.get("e3").Status)
	assert.Equal(t, 1, counts.count("notify"), "only app-2 notified")

	// Not yet due: nothing for app-1 is attempted.
	n, err = d.Drain(context.Background(), outbox, sink)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, counts.count("lookup"))
}

func TestDispatcher_DrainRetriesAfterBackoff(t *testing.T) {
	d, counts, clock := newTestDispatcher(t, map[string]bool{"lookup": true}, "lookup")
	outbox := newFakeOutbox(entry("e1", "app-1", 1, effect("app-1", "lookup", false, false)))
	sink := newFakeSink(testApp("app-1"))

	_, err := d.Drain(context.Background(), outbox, sink)
	require.NoError(t, err)
	clock.advance(time.Second)
	_, err = d.Drain(context.Background(), outbox, sink)
	require.NoError(t, err)

	assert.Equal(t, 2, counts.count("lookup"))
	got := outbox.get("e1")
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, clock.now().Add(2*time.Second), got.NextAttemptAt)
}

func TestDispatcher_DrainMarksFailedAtMaxAttempts(t *testing.T) {
	d, _, clock := newTestDispatcher(t, map[string]bool{"lookup": true}, "lookup", "notify")
	outbox := newFakeOutbox(
		entry("e1", "app-1", 1, effect("app-1", "lookup", false, true)),
		entry("e2", "app-1", 2, effect("app-1", "notify", false, false)),
	)
	sink := newFakeSink(testApp("app-1"))

	for i := 0; i < 3; i++ {
		_, err := d.Drain(context.Background(), outbox, sink)
		require.NoError(t, err)
		clock.advance(time.Hour)
	}

	assert.Equal(t, model.EffectFailed, outbox.get("e1").Status)
	assert.Equal(t, 3, outbox.get("e1").Attempts)
	assert.Equal(t, model.EffectSucceeded, outbox.get("e2").Status, "a permanently failed entry releases the chain")

	merged, ok := sink.merged("app-1", "lookup")
	require.True(t, ok)
	assert.Equal(t, model.ExternalStatusFailure, merged.Status)
}

func TestDispatcher_DrainMissingApplication(t *testing.T) {
	d, counts, _ := newTestDispatcher(t, nil, "notify")
	outbox := newFakeOutbox(entry("e1", "gone", 1, effect("gone", "notify", false, false)))

	n, err := d.Drain(context.Background(), outbox, newFakeSink())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, model.EffectFailed, outbox.get("e1").Status)
	assert.Equal(t, 0, counts.count("notify"))
}

func TestDispatcher_DrainSkipsAlreadySucceededKey(t *testing.T) {
	d, counts, _ := newTestDispatcher(t, nil, "notify")
	eff := effect("app-1", "notify", false, false)
	require.NoError(t, d.records.Put(context.Background(), model.EffectRecord{Key: eff.Key, Status: model.EffectSucceeded}))
	outbox := newFakeOutbox(entry("e1", "app-1", 1, eff))

	_, err := d.Drain(context.Background(), outbox, newFakeSink(testApp("app-1")))
	require.NoError(t, err)

	assert.Equal(t, model.EffectSucceeded, outbox.get("e1").Status)
	assert.Equal(t, 0, counts.count("notify"))
}

// --- Run ---

func TestDispatcher_RunWakesOnNotify(t *testing.T) {
	d, counts, _ := newTestDispatcher(t, nil, "notify")
	outbox := newFakeOutbox()
	sink := newFakeSink(testApp("app-1"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, outbox, sink) }()

	outbox.add(entry("e1", "app-1", 1, effect("app-1", "notify", false, false)))
	d.Notify()

	require.Eventually(t, func() bool {
		return counts.count("notify") == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestDispatcher_NotifyNeverBlocks(t *testing.T) {
	d, _, _ := newTestDispatcher(t, nil)
	for i := 0; i < 10; i++ {
		d.Notify()
	}
}
