package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sweeper periodically removes expired memories from the ledger and the
// vector index.
//
// The sweeper runs in the background for the lifetime of the daemon. It
// is safe to run concurrently with in-flight store and retrieve calls:
// the ledger serializes writers, and index deletions are best-effort.
//
// Thread Safety: all public methods are thread-safe. The running state
// is protected by a mutex to prevent races during Start/Stop.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepInterval sets the sweep interval. Defaults to 1 hour.
func WithSweepInterval(interval time.Duration) SweeperOption {
	return func(s *Sweeper) {
		s.interval = interval
	}
}

// NewSweeper creates a sweeper. It does not start automatically; call
// Start to begin scheduled runs.
func NewSweeper(engine *Engine, logger *zap.Logger, opts ...SweeperOption) (*Sweeper, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	s := &Sweeper{
		engine:   engine,
		logger:   logger,
		interval: time.Hour,
		stopCh:   make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Start begins the background sweep loop. Calling Start on a running
// sweeper returns an error without starting a second goroutine.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("sweeper is already running")
	}

	s.stopCh = make(chan struct{})
	s.running = true

	s.logger.Info("expiry sweeper started", zap.Duration("interval", s.interval))

	go s.run()

	return nil
}

// Stop gracefully stops the sweeper. Stopping an already stopped
// sweeper is a no-op.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		s.logger.Debug("sweeper stop called but not running")
		return nil
	}

	s.logger.Info("stopping expiry sweeper")
	s.running = false
	close(s.stopCh)

	return nil
}

// run executes sweeps on the configured interval until stopped. Each
// run is independent: errors and panics are logged and the loop
// continues.
func (s *Sweeper) run() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("sweeper goroutine panicked, recovering",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.safeSweep()
		case <-s.stopCh:
			s.logger.Debug("sweeper received stop signal")
			return
		}
	}
}

// safeSweep wraps a sweep with panic recovery so a single bad run does
// not kill the loop.
func (s *Sweeper) safeSweep() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("sweep panicked, continuing",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	count, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Error("scheduled sweep failed", zap.Error(err))
		return
	}
	if count > 0 {
		s.logger.Info("scheduled sweep completed", zap.Int("purged", count))
	}
}

// RunOnce performs a single sweep at the current time and returns how
// many memories were purged.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	return s.engine.PurgeExpired(ctx, time.Now())
}
