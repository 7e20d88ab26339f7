// Package lifecycle runs the periodic expiry sweep over active instances.
package lifecycle

import (
	"context"
	"log"
	"sync"
	"time"
)

// Completer is the slice of the service the sweeper needs.
type Completer interface {
	SweepExpired(ctx context.Context, now time.Time) ([]string, error)
}

// Sweeper periodically completes instances whose session window elapsed.
// The underlying sweep is idempotent, so overlapping sweepers or restarts
// never double-complete an instance.
type Sweeper struct {
	completer Completer
	interval  time.Duration
	nowFn     func() time.Time
	logf      func(format string, args ...any)

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// SweeperOption customizes sweeper construction.
type SweeperOption func(*Sweeper)

// WithSweepClock overrides the sweeper clock, used by tests.
func WithSweepClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) { s.nowFn = now }
}

// WithSweepLogf overrides the sweep log destination.
func WithSweepLogf(logf func(format string, args ...any)) SweeperOption {
	return func(s *Sweeper) { s.logf = logf }
}

// NewSweeper constructs a sweeper ticking at the given interval (minimum one
// second).
func NewSweeper(completer Completer, interval time.Duration, opts ...SweeperOption) *Sweeper {
	if interval < time.Second {
		interval = time.Second
	}
	s := &Sweeper{
		completer: completer,
		interval:  interval,
		nowFn:     func() time.Time { return time.Now().UTC() },
		logf:      log.Printf,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the sweep loop. Calling Start on a running sweeper is a
// no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(ctx)
}

func (s *Sweeper) run(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce performs a single sweep pass and logs the outcome.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	completed, err := s.completer.SweepExpired(ctx, s.nowFn())
	if err != nil {
		s.logf("lifecycle sweep failed: %v", err)
		return
	}
	if len(completed) > 0 {
		s.logf("lifecycle sweep completed %d expired instance(s)", len(completed))
	}
}

// Stop cancels the loop and waits for the in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}
