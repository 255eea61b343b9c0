package janitor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingPurger struct {
	calls atomic.Int64
	err   error
}

func (p *countingPurger) PurgeExpiredMessages(_ context.Context) (int, error) {
	p.calls.Add(1)
	return 1, p.err
}

type countingReaper struct {
	calls     atomic.Int64
	lastOlder atomic.Value
}

func (r *countingReaper) ReapStaleCalls(_ context.Context, olderThan time.Time) (int, error) {
	r.lastOlder.Store(olderThan)
	r.calls.Add(1)
	return 0, nil
}

func TestJanitorRunsBothSweeps(t *testing.T) {
	purger := &countingPurger{}
	reaper := &countingReaper{}

	j := New(purger, reaper, 10*time.Millisecond, 10*time.Millisecond, time.Hour, zap.NewNop())
	j.Start()
	defer j.Stop()

	require.Eventually(t, func() bool {
		return purger.calls.Load() >= 2 && reaper.calls.Load() >= 2
	}, time.Second, 5*time.Millisecond)

	// The reaper is handed a cutoff one threshold in the past.
	older := reaper.lastOlder.Load().(time.Time)
	require.WithinDuration(t, time.Now().Add(-time.Hour), older, time.Minute)
}

func TestJanitorSurvivesSweepErrors(t *testing.T) {
	purger := &countingPurger{err: errors.New("storage down")}
	reaper := &countingReaper{}

	j := New(purger, reaper, 10*time.Millisecond, 10*time.Millisecond, time.Hour, zap.NewNop())
	j.Start()
	defer j.Stop()

	// Failed sweeps keep being retried on the next tick.
	require.Eventually(t, func() bool {
		return purger.calls.Load() >= 3
	}, time.Second, 5*time.Millisecond)
}

type panickyPurger struct {
	calls atomic.Int64
}

func (p *panickyPurger) PurgeExpiredMessages(_ context.Context) (int, error) {
	p.calls.Add(1)
	panic("boom")
}

func TestJanitorSurvivesPanic(t *testing.T) {
	purger := &panickyPurger{}
	reaper := &countingReaper{}

	j := New(purger, reaper, 10*time.Millisecond, 10*time.Millisecond, time.Hour, zap.NewNop())
	j.Start()
	defer j.Stop()

	require.Eventually(t, func() bool {
		return purger.calls.Load() >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestJanitorStopHaltsSweeps(t *testing.T) {
	purger := &countingPurger{}
	reaper := &countingReaper{}

	j := New(purger, reaper, 5*time.Millisecond, 5*time.Millisecond, time.Hour, zap.NewNop())
	j.Start()

	require.Eventually(t, func() bool { return purger.calls.Load() >= 1 }, time.Second, time.Millisecond)
	j.Stop()

	settled := purger.calls.Load()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, settled, purger.calls.Load())
}
