package notes

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sweeper periodically removes expired notes that no read has touched.
type Sweeper struct {
	mu       sync.Mutex
	service  *Service
	interval time.Duration
	logger   *zap.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSweeper creates a sweeper running every interval.
func NewSweeper(service *Service, interval time.Duration, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = noOpLogger
	}
	return &Sweeper{
		service:  service,
		interval: interval,
		logger:   logger,
	}
}

// Start begins the sweep loop. A non-positive interval leaves the sweeper idle.
func (s *Sweeper) Start(ctx context.Context) {
	if s.interval <= 0 {
		return
	}

	s.mu.Lock()
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for an in-progress sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	removed, err := s.service.Sweep(ctx)
	if err != nil {
		return
	}
	if removed > 0 {
		s.logger.Info("expired notes swept", zap.Int("removed", removed))
	}
}
