package sideeffect

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/model"
)

// Outbox is the durable queue of committed side effects.
type Outbox interface {
	// PendingEffects returns due pending entries ordered by application
	// and sequence. An entry is never returned while an earlier pending
	// entry of the same application is still backing off.
	PendingEffects(ctx context.Context, now time.Time, limit int) ([]model.OutboxEntry, error)

	// UpdateEffect persists the delivery state of an entry.
	UpdateEffect(ctx context.Context, entry model.OutboxEntry) error
}

// Sink is where asynchronous deliveries read applications from and write
// persisted results back to.
type Sink interface {
	Application(ctx context.Context, id string) (*model.Application, error)
	MergeExternalData(ctx context.Context, id, action string, entry model.ExternalDataEntry) error
}

// SyncResult is the outcome of the synchronous part of a transition.
type SyncResult struct {
	// ExternalData holds results of persisted effects, keyed by action,
	// to merge in the same commit.
	ExternalData map[string]model.ExternalDataEntry

	// Deferred are the effects left for the outbox, in order.
	Deferred []model.SideEffect
}

// Dispatcher executes side effects with idempotency.
type Dispatcher struct {
	actions *ActionRegistry
	records RecordStore
	cfg     config.DispatcherConfig
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
	wake    chan struct{}
	locks *keyedLocks
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(actions *ActionRegistry, records RecordStore, cfg config.DispatcherConfig, logger *zap.Logger, metrics *observability.Metrics) *Dispatcher {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		actions: actions,
		records: records,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
		wake:    make(chan struct{}, 1),
		locks:   newKeyedLocks(),
	}
}

// Execute runs eff for app unless its key already succeeded, in which case
// the recorded data is returned without running the action again.
func (d *Dispatcher) Execute(ctx context.Context, app *model.Application, eff model.SideEffect) (any, error) {
	rec, found, err := d.records.Get(ctx, eff.Key)
	if err != nil {
		return nil, fmt.Errorf("sideeffect: read record %s: %w", eff.Key, err)
	}
	if found && rec.Status == model.EffectSucceeded {
		d.logger.Debug("side effect already succeeded", zap.String("key", eff.Key))
		d.metrics.RecordSideEffect(eff.Action, "deduplicated", 0)
		return rec.Data, nil
	}

	action, ok := d.actions.Get(eff.Action)
	if !ok {
		return nil, fmt.Errorf("sideeffect: action %q is not registered", eff.Action)
	}

	ctx, span := observability.StartSpan(ctx, "sideeffect.execute",
		observability.AttrApplicationID.String(app.ID),
		observability.AttrAction.String(eff.Action),
		observability.AttrEffectKey.String(eff.Key),
	)
	start := time.Now()
	res, err := action.Execute(ctx, model.ActionCall{
		Key:         eff.Key,
		Action:      eff.Action,
		Phase:       eff.Phase,
		FromState:   eff.FromState,
		ToState:     eff.ToState,
		Application: *app,
	})
	elapsed := time.Since(start)
	observability.EndSpanWithError(span, err)

	rec = model.EffectRecord{
		Key:       eff.Key,
		Attempts:  rec.Attempts + 1,
		UpdatedAt: d.now().UTC(),
	}
	if err != nil {
		d.metrics.RecordSideEffect(eff.Action, model.EffectFailed, elapsed)
		rec.Status = model.EffectFailed
		rec.Error = err.Error()
		if perr := d.records.Put(ctx, rec); perr != nil {
			d.logger.Warn("failed to record side effect failure", zap.String("key", eff.Key), zap.Error(perr))
		}
		return nil, err
	}

	d.metrics.RecordSideEffect(eff.Action, model.EffectSucceeded, elapsed)
	rec.Status = model.EffectSucceeded
	rec.Data = res.Data
	if perr := d.records.Put(ctx, rec); perr != nil {
		// The action ran; a lost record only risks a duplicate delivery.
		d.logger.Warn("failed to record side effect success", zap.String("key", eff.Key), zap.Error(perr))
	}
	return res.Data, nil
}

// RunSync executes the throw_on_error effects, in order, before the
// transition is committed. A failure aborts with SIDE_EFFECT_FAILED. Every
// other effect is returned in Deferred, keeping its original order, to be
// written to the outbox by the commit. Persisted results are visible to
// the blocking effects that follow them.
func (d *Dispatcher) RunSync(ctx context.Context, app *model.Application, effects []model.SideEffect) (SyncResult, error) {
	result := SyncResult{}
	working := app.Clone()
	for _, eff := range effects {
		if !eff.ThrowOnError {
			result.Deferred = append(result.Deferred, eff)
			continue
		}
		data, err := d.Execute(ctx, working, eff)
		if err != nil {
			return SyncResult{}, model.NewSideEffectFailedError(eff.Action, err)
		}
		if !eff.PersistToExternalData {
			continue
		}
		entry := model.ExternalDataEntry{Data: data, Date: d.now().UTC(), Status: model.ExternalStatusSuccess}
		if result.ExternalData == nil {
			result.ExternalData = make(map[string]model.ExternalDataEntry)
		}
		result.ExternalData[eff.Action] = entry
		if working.ExternalData == nil {
			working.ExternalData = make(map[string]model.ExternalDataEntry)
		}
		working.ExternalData[eff.Action] = entry
	}
	return result, nil
}

// Lock serializes work on one application across requests and outbox
// deliveries. The returned func releases it.
func (d *Dispatcher) Lock(ctx context.Context, applicationID string) (func(), error) {
	return d.locks.lock(ctx, applicationID)
}

// Notify wakes the outbox loop. It never blocks.
func (d *Dispatcher) Notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run delivers outbox entries until ctx is done, polling every
// PollInterval and whenever Notify is called.
func (d *Dispatcher) Run(ctx context.Context, outbox Outbox, sink Sink) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	d.logger.Info("side effect dispatcher started",
		zap.Int("workers", d.cfg.Workers),
		zap.Duration("poll_interval", d.cfg.PollInterval),
	)
	for {
		if _, err := d.Drain(ctx, outbox, sink); err != nil && ctx.Err() == nil {
			d.logger.Error("outbox poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			d.logger.Info("side effect dispatcher stopped")
			return nil
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

// Drain delivers one batch of due entries and returns how many reached a
// final status. Applications are processed concurrently, bounded by the
// worker count; entries of one application run one at a time in sequence
// order, and a failed entry holds back the ones behind it.
func (d *Dispatcher) Drain(ctx context.Context, outbox Outbox, sink Sink) (int, error) {
	entries, err := outbox.PendingEffects(ctx, d.now().UTC(), d.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("sideeffect: load pending: %w", err)
	}
	d.metrics.SetOutboxPending(float64(len(entries)))
	if len(entries) == 0 {
		return 0, nil
	}

	var order []string
	byApp := make(map[string][]model.OutboxEntry)
	for _, e := range entries {
		if _, seen := byApp[e.ApplicationID]; !seen {
			order = append(order, e.ApplicationID)
		}
		byApp[e.ApplicationID] = append(byApp[e.ApplicationID], e)
	}

	var done atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Workers)
	for _, id := range order {
		chain := byApp[id]
		sort.Slice(chain, func(i, j int) bool { return chain[i].Seq < chain[j].Seq })
		g.Go(func() error {
			for _, e := range chain {
				if gctx.Err() != nil {
					return nil
				}
				if !d.deliver(gctx, outbox, sink, e) {
					return nil
				}
				done.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(done.Load()), nil
}

// deliver runs a single outbox entry and records the outcome. It reports
// whether the entry reached a final status.
func (d *Dispatcher) deliver(ctx context.Context, outbox Outbox, sink Sink, e model.OutboxEntry) bool {
	log := d.logger.With(
		zap.String("application_id", e.ApplicationID),
		zap.String("action", e.Effect.Action),
		zap.String("key", e.Effect.Key),
	)

	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}

	unlock, err := d.Lock(ctx, e.ApplicationID)
	if err != nil {
		return false
	}
	defer unlock()

	app, err := sink.Application(ctx, e.ApplicationID)
	if err != nil && model.IsCode(err, model.ErrNotFound) {
		e.Status = model.EffectFailed
		e.LastError = "application no longer exists"
		e.UpdatedAt = d.now().UTC()
		d.update(ctx, outbox, e, log)
		return true
	}
	if err == nil {
		var data any
		data, err = d.Execute(ctx, app, e.Effect)
		if err == nil && e.Effect.PersistToExternalData {
			err = sink.MergeExternalData(ctx, app.ID, e.Effect.Action, model.ExternalDataEntry{
				Data:   data,
				Date:   d.now().UTC(),
				Status: model.ExternalStatusSuccess,
			})
		}
	}

	now := d.now().UTC()
	e.Attempts++
	e.UpdatedAt = now
	if err == nil {
		e.Status = model.EffectSucceeded
		e.LastError = ""
		d.update(ctx, outbox, e, log)
		return true
	}

	e.LastError = err.Error()
	if e.Attempts >= d.cfg.MaxAttempts {
		e.Status = model.EffectFailed
		log.Error("side effect failed permanently", zap.Int("attempts", e.Attempts), zap.Error(err))
		if e.Effect.PersistToExternalData && app != nil {
			failure := model.ExternalDataEntry{Date: now, Status: model.ExternalStatusFailure}
			if merr := sink.MergeExternalData(ctx, app.ID, e.Effect.Action, failure); merr != nil {
				log.Warn("failed to record side effect failure in external data", zap.Error(merr))
			}
		}
		d.update(ctx, outbox, e, log)
		return true
	}

	e.Status = model.EffectPending
	e.NextAttemptAt = now.Add(Backoff(d.cfg.Retry, e.Attempts))
	d.metrics.RecordSideEffectRetry(e.Effect.Action)
	log.Warn("side effect failed, will retry",
		zap.Int("attempts", e.Attempts),
		zap.Time("next_attempt_at", e.NextAttemptAt),
		zap.Error(err),
	)
	d.update(ctx, outbox, e, log)
	return false
}

func (d *Dispatcher) update(ctx context.Context, outbox Outbox, e model.OutboxEntry, log *zap.Logger) {
	if err := outbox.UpdateEffect(ctx, e); err != nil {
		log.Error("failed to update outbox entry", zap.String("entry_id", e.ID), zap.Error(err))
	}
}
