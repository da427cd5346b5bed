package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// HoldReleaseWorker periodically releases due deposit holds
type HoldReleaseWorker struct {
	deposits   *DepositService
	dispatcher IntentDispatcher
	logger     zerolog.Logger
	interval   time.Duration
	clock      func() time.Time
	stopCh     chan struct{}
	doneCh     chan struct{}
	mu         sync.Mutex
	running    bool
}

// HoldReleaseWorkerConfig holds configuration for the hold release worker
type HoldReleaseWorkerConfig struct {
	Interval time.Duration // How often to run a release pass
}

// DefaultHoldReleaseWorkerConfig returns sensible defaults
func DefaultHoldReleaseWorkerConfig() HoldReleaseWorkerConfig {
	return HoldReleaseWorkerConfig{
		Interval: 15 * time.Minute,
	}
}

// NewHoldReleaseWorker creates a new hold release worker
func NewHoldReleaseWorker(
	deposits *DepositService,
	dispatcher IntentDispatcher,
	logger zerolog.Logger,
	config HoldReleaseWorkerConfig,
) *HoldReleaseWorker {
	if config.Interval <= 0 {
		config.Interval = DefaultHoldReleaseWorkerConfig().Interval
	}

	return &HoldReleaseWorker{
		deposits:   deposits,
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "hold_release_worker").Logger(),
		interval:   config.Interval,
		clock:      utcNow,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// SetClock overrides the time source
func (w *HoldReleaseWorker) SetClock(clock func() time.Time) {
	w.clock = clock
}

// Start begins the background release loop
func (w *HoldReleaseWorker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info().
		Dur("interval", w.interval).
		Msg("Starting hold release worker")

	go w.run(ctx)
}

// Stop gracefully stops the worker
func (w *HoldReleaseWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	w.logger.Info().Msg("Stopping hold release worker")
	close(w.stopCh)
	<-w.doneCh
	w.logger.Info().Msg("Hold release worker stopped")
}

func (w *HoldReleaseWorker) run(ctx context.Context) {
	defer close(w.doneCh)
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	// Catch up on anything that fell due while the service was down
	w.RunOnce(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single release pass and dispatches its intents
func (w *HoldReleaseWorker) RunOnce(ctx context.Context) *ReleaseSummary {
	start := time.Now()

	summary, err := w.deposits.ReleaseDueHolds(ctx, w.clock())
	if err != nil {
		w.logger.Error().Err(err).Msg("Hold release pass failed")
	}
	if summary == nil {
		return &ReleaseSummary{}
	}

	if w.dispatcher != nil && len(summary.Intents) > 0 {
		w.dispatcher.Dispatch(ctx, summary.Intents)
	}

	w.logger.Info().
		Int("released", summary.Released).
		Int("cleared", summary.Cleared).
		Int("failed", summary.Failed).
		Dur("elapsed", time.Since(start)).
		Msg("Completed hold release pass")
	return summary
}

// IsRunning returns whether the worker is currently running
func (w *HoldReleaseWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
