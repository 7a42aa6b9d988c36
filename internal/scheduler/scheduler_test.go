package scheduler_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/siteforge/siteforge/internal/clock"
	"github.com/siteforge/siteforge/internal/config"
	deploymentdomain "github.com/siteforge/siteforge/internal/deployment/domain"
	"github.com/siteforge/siteforge/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// stubDeployments implements only the sweep surface; everything else panics so
// a test exercising more than it should fails loudly.
type stubDeployments struct {
	deploymentdomain.Service

	reconcileCalls   atomic.Int32
	reconcileTimeout time.Duration
	reconcileLimit   int
	reconcileClosed  int
	reconcileErr     error
	onReconcile      func()
}

func (s *stubDeployments) ReconcileStuck(ctx context.Context, runningTimeout time.Duration, limit int) (int, error) {
	s.reconcileCalls.Add(1)
	s.reconcileTimeout = runningTimeout
	s.reconcileLimit = limit
	if s.onReconcile != nil {
		s.onReconcile()
	}
	return s.reconcileClosed, s.reconcileErr
}

func newScheduler(t *testing.T, deployments deploymentdomain.Service) *scheduler.Scheduler {
	t.Helper()
	s, err := scheduler.New(scheduler.Params{
		Log:         zap.NewNop(),
		Clock:       clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
		Policy:      config.NewStaticPolicyHolder(config.DefaultPolicyConfig()),
		Deployments: deployments,
	})
	require.NoError(t, err)
	return s
}

func TestNewValidatesDependencies(t *testing.T) {
	_, err := scheduler.New(scheduler.Params{})
	assert.ErrorIs(t, err, scheduler.ErrInvalidConfig)
}

func TestRunOnceSweepsWithPolicyValues(t *testing.T) {
	stub := &stubDeployments{reconcileClosed: 2}
	s := newScheduler(t, stub)

	require.NoError(t, s.RunOnce(context.Background()))

	assert.Equal(t, int32(1), stub.reconcileCalls.Load())
	assert.Equal(t, config.DefaultPolicyConfig().Reconcile.RunningTimeout, stub.reconcileTimeout)
	assert.Equal(t, 100, stub.reconcileLimit)
}

func TestRunOnceElapsedTracksInjectedClock(t *testing.T) {
	fake := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	stub := &stubDeployments{reconcileClosed: 1}
	stub.onReconcile = func() { fake.Advance(5 * time.Second) }

	core, logs := observer.New(zap.InfoLevel)
	s, err := scheduler.New(scheduler.Params{
		Log:         zap.New(core),
		Clock:       fake,
		Policy:      config.NewStaticPolicyHolder(config.DefaultPolicyConfig()),
		Deployments: stub,
	})
	require.NoError(t, err)

	require.NoError(t, s.RunOnce(context.Background()))

	entries := logs.FilterMessage("stuck deployments reconciled").All()
	require.Len(t, entries, 1)
	assert.Equal(t, 5*time.Second, entries[0].ContextMap()["elapsed"])
}

func TestRunOncePropagatesSweepFailure(t *testing.T) {
	boom := errors.New("db gone")
	stub := &stubDeployments{reconcileErr: boom}
	s := newScheduler(t, stub)

	assert.ErrorIs(t, s.RunOnce(context.Background()), boom)
}

func TestRunOnceSwallowsTimeouts(t *testing.T) {
	stub := &stubDeployments{reconcileErr: context.DeadlineExceeded}
	s := newScheduler(t, stub)

	assert.NoError(t, s.RunOnce(context.Background()))
}

func TestRunForeverStopsOnContextCancel(t *testing.T) {
	stub := &stubDeployments{}
	s := newScheduler(t, stub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.RunForever(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return stub.reconcileCalls.Load() >= 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunForever did not stop after cancel")
	}
}
