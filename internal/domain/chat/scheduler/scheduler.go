package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vadim/neo-chat/internal/domain/chat/service"
)

// SummaryReconciler repairs conversation summaries that drifted from the log
type SummaryReconciler interface {
	ReconcileSummaries(ctx context.Context, limit int) (*service.ReconcileResult, error)
}

// Scheduler periodically reconciles unread counts against the message log
type Scheduler struct {
	reconciler   SummaryReconciler
	interval     time.Duration
	initialDelay time.Duration
	batchSize    int // How many summaries to repair per run
	logger       *slog.Logger
	stopCh       chan struct{}
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	running      bool
	mu           sync.Mutex
}

// Config holds configuration for the reconcile scheduler
type Config struct {
	Interval     time.Duration
	InitialDelay time.Duration
	BatchSize    int
}

// New creates a new reconcile scheduler
func New(reconciler SummaryReconciler, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.InitialDelay == 0 {
		cfg.InitialDelay = 15 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}

	return &Scheduler{
		reconciler:   reconciler,
		interval:     cfg.Interval,
		initialDelay: cfg.InitialDelay,
		batchSize:    cfg.BatchSize,
		logger:       logger,
	}
}

// Start starts the scheduler
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true

	// a fresh channel per run so the scheduler can be restarted after Stop
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.logger.Info("summary reconcile scheduler started", "interval", s.interval, "batch_size", s.batchSize)

	s.wg.Add(1)
	go s.run(ctx, stopCh)
}

// Stop stops the scheduler and waits for an in-flight pass to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	stopCh := s.stopCh
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	close(stopCh)
	s.wg.Wait()
	s.logger.Info("summary reconcile scheduler stopped")
}

// run is the main scheduler loop
func (s *Scheduler) run(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Let the app finish starting before the first pass
	select {
	case <-time.After(s.initialDelay):
		s.process(ctx)
	case <-stopCh:
		return
	case <-ctx.Done():
		return
	}

	for {
		select {
		case <-ticker.C:
			s.process(ctx)
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// process runs one reconcile pass
func (s *Scheduler) process(ctx context.Context) {
	s.logger.Debug("checking for drifted summaries")

	res, err := s.reconciler.ReconcileSummaries(ctx, s.batchSize)
	if err != nil {
		s.logger.Error("failed to reconcile summaries", "error", err)
		return
	}

	if res.Checked == 0 {
		s.logger.Debug("no drifted summaries")
		return
	}

	s.logger.Info("reconciled summaries", "checked", res.Checked, "repaired", res.Repaired)
}
