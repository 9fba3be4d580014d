package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultSchedule runs the pruner every ten minutes. Schedules include a
// seconds field.
const DefaultSchedule = "0 */10 * * * *"

// Target deletes every application that is prunable at now and reports how
// many were removed.
type Target interface {
	Prune(ctx context.Context, now time.Time) (int, error)
}

// Pruner runs Target.Prune on a cron schedule.
type Pruner struct {
	cron    *cron.Cron
	target  Target
	logger  *zap.Logger
	timeout time.Duration
	now     func() time.Time

	mu      sync.Mutex
	running bool
	ctx     context.Context
}

// NewPruner creates a pruner for the given schedule. Each run is bounded by
// timeout.
func NewPruner(target Target, schedule string, timeout time.Duration, logger *zap.Logger) (*Pruner, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pruner{
		cron:    cron.New(cron.WithSeconds()),
		target:  target,
		logger:  logger,
		timeout: timeout,
		now:     time.Now,
		ctx:     context.Background(),
	}
	if _, err := p.cron.AddFunc(schedule, p.tick); err != nil {
		return nil, fmt.Errorf("lifecycle: invalid prune schedule %q: %w", schedule, err)
	}
	return p, nil
}

// Run starts the schedule and blocks until ctx is cancelled, then waits for
// an in-flight run to finish.
func (p *Pruner) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("lifecycle: pruner already running")
	}
	p.running = true
	p.ctx = ctx
	p.mu.Unlock()

	p.logger.Info("pruner started")
	p.cron.Start()

	<-ctx.Done()

	stopped := p.cron.Stop()
	<-stopped.Done()
	p.logger.Info("pruner stopped")
	return nil
}

// RunOnce prunes immediately.
func (p *Pruner) RunOnce(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	n, err := p.target.Prune(ctx, p.now())
	if err != nil {
		p.logger.Error("prune run failed", zap.Int("pruned", n), zap.Error(err))
		return n, err
	}
	if n > 0 {
		p.logger.Info("pruned applications", zap.Int("pruned", n), zap.Duration("duration", time.Since(start)))
	}
	return n, nil
}

func (p *Pruner) tick() {
	p.mu.Lock()
	ctx := p.ctx
	p.mu.Unlock()
	_, _ = p.RunOnce(ctx)
}
