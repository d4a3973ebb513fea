package heading

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	viamutils "go.viam.com/utils"
)

var (
	// ErrNoSample is returned by a Poller before its first successful read.
	ErrNoSample = errors.New("no orientation sample yet")
	// ErrStaleSample is returned when the last successful read is too old.
	ErrStaleSample = errors.New("orientation sample is stale")
)

// Poller reads a Source that may block, such as a networked sensor, on its
// own goroutine and serves the last sample. Each read is bounded by
// staleAfter.
type Poller struct {
	source     Source
	period     time.Duration
	staleAfter time.Duration

	mu     sync.Mutex
	sample Orientation
	at     time.Time
	err    error

	cancelCtx               context.Context
	cancel                  func()
	activeBackgroundWorkers sync.WaitGroup
}

var _ Source = (*Poller)(nil)

// NewPoller starts polling source every period.
func NewPoller(source Source, period, staleAfter time.Duration) *Poller {
	cancelCtx, cancel := context.WithCancel(context.Background())
	p := &Poller{
		source:     source,
		period:     period,
		staleAfter: staleAfter,
		err:        ErrNoSample,
		cancelCtx:  cancelCtx,
		cancel:     cancel,
	}
	p.activeBackgroundWorkers.Add(1)
	viamutils.ManagedGo(p.run, p.activeBackgroundWorkers.Done)
	return p
}

func (p *Poller) run() {
	for {
		p.poll()
		if !viamutils.SelectContextOrWait(p.cancelCtx, p.period) {
			return
		}
	}
}

func (p *Poller) poll() {
	ctx, cancel := context.WithTimeout(p.cancelCtx, p.staleAfter)
	defer cancel()
	o, err := p.source.Orientation(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.err = err
		return
	}
	p.sample, p.at, p.err = o, time.Now(), nil
}

// Orientation returns the cached sample without touching the source.
func (p *Poller) Orientation(ctx context.Context) (Orientation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.at.IsZero():
		return Orientation{}, p.err
	case time.Since(p.at) > p.staleAfter:
		return Orientation{}, ErrStaleSample
	case p.err != nil:
		return Orientation{}, p.err
	}
	return p.sample, nil
}

// Close stops polling and waits for an in-flight read to return.
func (p *Poller) Close() {
	p.cancel()
	p.activeBackgroundWorkers.Wait()
}
