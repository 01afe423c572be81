package throttle

import (
	"context"
	"sync"
	"time"

	"github.com/jmhodges/clock"
)

// Read represents a read that was admitted by a bin.
//
// It must be passed back to EndRead once the
// physical read completes.
type Read struct {
	calibrating bool
}

// Calibrating returns true if the read is the calibration read.
func (r Read) Calibrating() bool {
	return r.calibrating
}

// Bin throttles the bandwidth of a single bin.
//
// A bin lives for the duration of a series, the span during
// which at least one fetch in the bin is active. The caller keeps
// the reference count with BeginSeries and EndSeries.
type Bin struct {
	name  string
	clock clock.Clock
	mu    sync.Mutex
	refs  int
	est   Estimator
	done  chan struct{}
}

// New returns a new bin.
//
// If c is nil, the wall clock is used.
func New(name string, c clock.Clock) *Bin {
	if c == nil {
		c = clock.New()
	}
	return &Bin{
		name:  name,
		clock: c,
	}
}

// Name returns the bin name.
func (b *Bin) Name() string {
	return b.name
}

// BeginSeries notes the start of a fetch in the bin.
//
// When it is the first active fetch, a new series begins and
// all estimation state is reset.
func (b *Bin) BeginSeries() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.refs == 0 {
		b.est.Reset()
	}
	b.refs++
}

// EndSeries notes the end of a fetch in the bin.
//
// The method returns true when no fetches remain, the
// caller may then discard the bin.
func (b *Bin) EndSeries() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.refs > 0 {
		b.refs--
	}
	return b.refs == 0
}

// Refs returns the number of active fetches.
func (b *Bin) Refs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refs
}

// BeginRead blocks until a read of n bytes may be issued.
//
// While another read calibrates the bin, the method waits for it
// to finish. The first read of a series never waits.
//
// If the context is canceled the method returns the context's
// error and the read is not accounted for.
func (b *Bin) BeginRead(ctx context.Context, n int, msPerByte float64) (Read, error) {
	for {
		b.mu.Lock()

		if b.est.InProgress() {
			done := b.done
			b.mu.Unlock()

			select {
			case <-done:
				continue
			case <-ctx.Done():
				return Read{}, ctx.Err()
			}
		}

		calibrate, wait := b.est.Begin(b.clock.Now(), n, msPerByte)
		if calibrate {
			b.done = make(chan struct{})
		}
		b.mu.Unlock()

		if calibrate {
			return Read{calibrating: true}, nil
		}

		if err := sleep(ctx, wait); err != nil {
			b.mu.Lock()
			b.est.Cancel(n)
			b.mu.Unlock()
			return Read{}, err
		}

		return Read{}, nil
	}
}

// EndRead notes the end of a read.
//
// The actual byte count may be lower than the requested one, when the
// read is the calibration read the rate estimate is computed and all
// readers waiting for it are released.
func (b *Bin) EndRead(r Read, requested, actual int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.est.End(b.clock.Now(), requested, actual, r.calibrating)

	if r.calibrating && b.done != nil {
		close(b.done)
		b.done = nil
	}
}

// Estimate returns the current rate estimate in ms/byte and
// whether it is valid.
func (b *Bin) Estimate() (float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.est.Rate(), b.est.Valid()
}

// Sleep sleeps for d or until the context is canceled.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	var timer = time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
