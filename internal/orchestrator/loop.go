package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type LoopState string

const (
	LoopIdle     LoopState = "idle"
	LoopDraining LoopState = "draining"
	LoopBackoff  LoopState = "backoff"
)

// loop runs fn on a ticker. A failed or panicking iteration is logged and the
// loop sits in backoff until the backoff window has passed.
type loop struct {
	name     string
	interval time.Duration
	backoff  time.Duration
	fn       func(ctx context.Context) error
	logger   *slog.Logger

	mu           sync.Mutex
	state        LoopState
	backoffUntil time.Time
	iterations   int64
	failures     int64
}

func newLoop(name string, interval, backoff time.Duration, fn func(ctx context.Context) error, logger *slog.Logger) *loop {
	return &loop{
		name:     name,
		interval: interval,
		backoff:  backoff,
		fn:       fn,
		logger:   logger.With("loop", name),
		state:    LoopIdle,
	}
}

func (l *loop) run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.tick(ctx, now)
		}
	}
}

// tick runs one iteration unless the loop is still backing off. It reports
// whether fn was called.
func (l *loop) tick(ctx context.Context, now time.Time) bool {
	l.mu.Lock()
	if l.state == LoopBackoff && now.Before(l.backoffUntil) {
		l.mu.Unlock()
		return false
	}
	l.state = LoopDraining
	l.iterations++
	l.mu.Unlock()

	err := l.call(ctx)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		l.failures++
		l.state = LoopBackoff
		l.backoffUntil = now.Add(l.backoff)
		l.logger.Error("loop iteration failed", "error", err, "backoff", l.backoff)
		return true
	}
	l.state = LoopIdle
	return true
}

func (l *loop) call(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s loop panicked: %v", l.name, p)
		}
	}()
	return l.fn(ctx)
}

func (l *loop) status() LoopStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LoopStatus{State: l.state, Iterations: l.iterations, Failures: l.failures}
}

// LoopStatus is the observable state of one background loop.
type LoopStatus struct {
	State      LoopState `json:"state"`
	Iterations int64     `json:"iterations"`
	Failures   int64     `json:"failures"`
}
