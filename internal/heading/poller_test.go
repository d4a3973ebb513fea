package heading

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"
)

// stuckSource answers once and then blocks every read until it is cancelled.
type stuckSource struct {
	first Orientation
	calls atomic.Int32
}

func (s *stuckSource) Orientation(ctx context.Context) (Orientation, error) {
	if s.calls.Add(1) == 1 {
		return s.first, nil
	}
	<-ctx.Done()
	return Orientation{}, ctx.Err()
}

func TestPollerServesCachedSample(t *testing.T) {
	source := &FakeSource{}
	source.Set(Orientation{Yaw: 42, Pitch: 1})
	p := NewPoller(source, time.Millisecond, time.Second)
	defer p.Close()

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		o, err := p.Orientation(context.Background())
		test.That(tb, err, test.ShouldBeNil)
		test.That(tb, o, test.ShouldResemble, Orientation{Yaw: 42, Pitch: 1})
	})

	source.Fail(errors.New("i2c"))
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		_, err := p.Orientation(context.Background())
		test.That(tb, fmt.Sprint(err), test.ShouldEqual, "i2c")
	})
}

func TestPollerBeforeFirstSample(t *testing.T) {
	source := &stuckSource{}
	source.calls.Store(1)
	p := NewPoller(source, time.Hour, time.Hour)
	defer p.Close()

	_, err := p.Orientation(context.Background())
	test.That(t, errors.Is(err, ErrNoSample), test.ShouldBeTrue)
}

func TestPollerDoesNotBlockOnStuckSource(t *testing.T) {
	source := &stuckSource{first: Orientation{Yaw: 10}}
	p := NewPoller(source, time.Millisecond, 100*time.Millisecond)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		o, err := p.Orientation(context.Background())
		test.That(tb, err, test.ShouldBeNil)
		test.That(tb, o.Yaw, test.ShouldEqual, 10.0)
	})

	// Reads keep answering from the cache while the source hangs, and report
	// stale once the last sample ages out.
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		start := time.Now()
		_, err := p.Orientation(context.Background())
		test.That(tb, time.Since(start), test.ShouldBeLessThan, 50*time.Millisecond)
		test.That(tb, errors.Is(err, ErrStaleSample), test.ShouldBeTrue)
	})
	test.That(t, int(source.calls.Load()), test.ShouldBeGreaterThanOrEqualTo, 2)

	closed := make(chan struct{})
	go func() {
		p.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close waited on the stuck read")
	}
}
