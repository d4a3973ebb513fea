package drivetrain

import (
	"context"
	"sync"
	"time"

	"go.viam.com/rdk/logging"
	viamutils "go.viam.com/utils"
)

// Loop runs Periodic on a fixed period in a background goroutine. Every
// other access to the drivetrain must go through Do so that a cycle always
// runs to completion before anything else touches it.
type Loop struct {
	logger logging.Logger
	period time.Duration
	before func(time.Duration)

	mu sync.Mutex
	dt *Drivetrain

	faulted                 bool
	cancel                  func()
	activeBackgroundWorkers sync.WaitGroup
}

// StartLoop starts running dt every period. before, if not nil, is called
// with the period under the lock ahead of every cycle.
func StartLoop(dt *Drivetrain, period time.Duration, before func(time.Duration), logger logging.Logger) *Loop {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Loop{
		logger: logger,
		period: period,
		before: before,
		dt:     dt,
		cancel: cancel,
	}
	l.activeBackgroundWorkers.Add(1)
	viamutils.ManagedGo(func() {
		l.run(ctx)
	}, l.activeBackgroundWorkers.Done)
	return l
}

// Do calls fn with the drivetrain between cycles.
func (l *Loop) Do(fn func(dt *Drivetrain) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(l.dt)
}

// Close stops the loop and waits for the running cycle to finish.
func (l *Loop) Close() {
	l.cancel()
	l.activeBackgroundWorkers.Wait()
}

func (l *Loop) run(ctx context.Context) {
	ticker := time.NewTicker(l.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		l.cycle(ctx)
	}
}

func (l *Loop) cycle(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := time.Now()
	if l.before != nil {
		l.before(l.period)
	}
	status := l.dt.Periodic(ctx)

	// Sensor faults log their own transitions; this only tracks actuation.
	switch {
	case status.ActuationErr != nil && !l.faulted:
		l.faulted = true
		l.logger.Errorw("actuation failed", "error", status.ActuationErr)
	case status.ActuationErr == nil && l.faulted:
		l.faulted = false
		l.logger.Infow("actuation recovered")
	}
	if elapsed := time.Since(start); elapsed > l.period {
		l.logger.Debugw("control cycle overran", "elapsed", elapsed, "period", l.period)
	}
}
