package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vadim/neo-chat/internal/domain/chat/service"
)

type countingReconciler struct {
	calls     atomic.Int32
	lastLimit atomic.Int32
	err       error
}

func (r *countingReconciler) ReconcileSummaries(_ context.Context, limit int) (*service.ReconcileResult, error) {
	r.calls.Add(1)
	r.lastLimit.Store(int32(limit))
	if r.err != nil {
		return nil, r.err
	}
	return &service.ReconcileResult{Checked: 1, Repaired: 1}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSchedulerRunsPeriodically(t *testing.T) {
	rec := &countingReconciler{}
	s := New(rec, Config{Interval: 10 * time.Millisecond, InitialDelay: time.Millisecond, BatchSize: 7}, discardLogger())

	s.Start(context.Background())
	assert.Eventually(t, func() bool { return rec.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	s.Stop()

	assert.Equal(t, int32(7), rec.lastLimit.Load())

	// no passes after Stop returns
	after := rec.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, rec.calls.Load())
}

func TestSchedulerSurvivesErrors(t *testing.T) {
	rec := &countingReconciler{err: errors.New("boom")}
	s := New(rec, Config{Interval: 5 * time.Millisecond, InitialDelay: time.Millisecond}, discardLogger())

	s.Start(context.Background())
	assert.Eventually(t, func() bool { return rec.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	s.Stop()
}

func TestSchedulerStartStopIdempotent(t *testing.T) {
	rec := &countingReconciler{}
	s := New(rec, Config{Interval: time.Hour, InitialDelay: time.Hour}, discardLogger())

	s.Start(context.Background())
	s.Start(context.Background())
	s.Stop()
	s.Stop()

	assert.Zero(t, rec.calls.Load())
}

func TestSchedulerRestartsAfterStop(t *testing.T) {
	rec := &countingReconciler{}
	s := New(rec, Config{Interval: 10 * time.Millisecond, InitialDelay: time.Millisecond}, discardLogger())

	s.Start(context.Background())
	assert.Eventually(t, func() bool { return rec.calls.Load() >= 1 }, time.Second, 5*time.Millisecond)
	s.Stop()

	before := rec.calls.Load()
	s.Start(context.Background())
	assert.Eventually(t, func() bool { return rec.calls.Load() >= before+2 }, time.Second, 5*time.Millisecond)
	s.Stop()
}
