package chat

import (
	"context"
	"sync"
	"time"
)

// ExpirySweeper periodically calls sweep with the current time. It backs up server-pushed expiry
// events that were missed while the session was not listening.
type ExpirySweeper struct {
	interval time.Duration
	now      func() time.Time
	sweep    func(now time.Time) int

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewExpirySweeper(interval time.Duration, now func() time.Time, sweep func(time.Time) int) *ExpirySweeper {
	if now == nil {
		now = time.Now
	}
	return &ExpirySweeper{interval: interval, now: now, sweep: sweep}
}

// Start launches the ticker loop. A running sweeper is left alone.
func (s *ExpirySweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
}

// Stop cancels the loop and waits for it to exit. Must not be called from the sweep callback.
func (s *ExpirySweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *ExpirySweeper) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// SweepOnce runs one scan now and returns how many entries it removed.
func (s *ExpirySweeper) SweepOnce() int {
	return s.sweep(s.now())
}

func (s *ExpirySweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce()
		}
	}
}
