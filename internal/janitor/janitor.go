package janitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MessagePurger removes messages past their expiry. Satisfied by the fan-out
// engine.
type MessagePurger interface {
	PurgeExpiredMessages(ctx context.Context) (int, error)
}

// CallReaper finishes live calls older than a threshold. Satisfied by the call
// coordinator.
type CallReaper interface {
	ReapStaleCalls(ctx context.Context, olderThan time.Time) (int, error)
}

// Janitor runs the two periodic sweeps: expired-message purging and stale-call
// reaping. A failed sweep is logged and retried on the next tick; a panicking
// sweep never takes the loop down.
type Janitor struct {
	purger MessagePurger
	reaper CallReaper

	purgeInterval  time.Duration
	reapInterval   time.Duration
	staleThreshold time.Duration

	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(purger MessagePurger, reaper CallReaper, purgeInterval, reapInterval, staleThreshold time.Duration, logger *zap.Logger) *Janitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Janitor{
		purger:         purger,
		reaper:         reaper,
		purgeInterval:  purgeInterval,
		reapInterval:   reapInterval,
		staleThreshold: staleThreshold,
		logger:         logger,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Start launches both sweep loops.
func (j *Janitor) Start() {
	j.wg.Add(2)
	go j.loop("message purge", j.purgeInterval, j.purgeSweep)
	go j.loop("call reap", j.reapInterval, j.reapSweep)
	j.logger.Info("janitor started",
		zap.Duration("purge_interval", j.purgeInterval),
		zap.Duration("reap_interval", j.reapInterval),
		zap.Duration("stale_threshold", j.staleThreshold),
	)
}

// Stop halts the loops. A sweep in flight finishes.
func (j *Janitor) Stop() {
	j.cancel()
	j.wg.Wait()
}

func (j *Janitor) loop(name string, interval time.Duration, sweep func(context.Context)) {
	defer j.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.ctx.Done():
			return
		case <-ticker.C:
			j.runSweep(name, sweep)
		}
	}
}

func (j *Janitor) runSweep(name string, sweep func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			j.logger.Error("sweep panicked",
				zap.String("sweep", name),
				zap.Any("panic", r),
			)
		}
	}()

	ctx, cancel := context.WithTimeout(j.ctx, time.Minute)
	defer cancel()
	sweep(ctx)
}

func (j *Janitor) purgeSweep(ctx context.Context) {
	purged, err := j.purger.PurgeExpiredMessages(ctx)
	if err != nil {
		j.logger.Warn("message purge sweep failed", zap.Error(err))
		return
	}
	if purged > 0 {
		j.logger.Info("message purge sweep done", zap.Int("purged", purged))
	}
}

func (j *Janitor) reapSweep(ctx context.Context) {
	reaped, err := j.reaper.ReapStaleCalls(ctx, time.Now().Add(-j.staleThreshold))
	if err != nil {
		j.logger.Warn("call reap sweep failed", zap.Error(err))
		return
	}
	if reaped > 0 {
		j.logger.Info("call reap sweep done", zap.Int("reaped", reaped))
	}
}
