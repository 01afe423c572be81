// Package throttle implements per-bin bandwidth throttling.
//
// A bin's bandwidth is measured once per series, from the first
// read that happens in it (the calibration read). The measured
// rate is then used as a per-connection estimate to schedule every
// later read so the series as a whole stays under the configured
// milliseconds-per-byte ceiling.
package throttle

import (
	"time"
)

// Estimator estimates the transfer rate of a series.
//
// The estimator is not safe for concurrent use, Bin
// guards it with its own mutex.
type Estimator struct {
	rate       float64
	valid      bool
	inProgress bool
	start      time.Time
	total      int64
}

// Reset forgets everything about the current series.
func (e *Estimator) Reset() {
	*e = Estimator{}
}

// Begin accounts for a read of n bytes that is about to start.
//
// When no estimate exists yet the read becomes the calibration
// read, it must not be delayed so calibrate is true and wait is 0.
//
// Otherwise the method returns how long the caller should wait
// before issuing the read so that, assuming the read takes as long
// as the estimate predicts, the series ends no earlier than
// `start + total * msPerByte`.
//
// The caller must not call Begin while a calibration is in progress.
func (e *Estimator) Begin(now time.Time, n int, msPerByte float64) (calibrate bool, wait time.Duration) {
	e.total += int64(n)

	if !e.valid {
		if e.start.IsZero() {
			e.start = now
		}
		e.inProgress = true
		return true, 0
	}

	var estimated = e.rate * float64(n)
	var desired = float64(e.total) * msPerByte
	var elapsed = millis(now.Sub(e.start))

	if ms := desired - estimated - elapsed; ms > 0 {
		wait = time.Duration(ms * float64(time.Millisecond))
	}

	return false, wait
}

// End accounts for a finished read.
//
// The total is corrected by the difference between the requested
// and the actual byte count so short reads are not over-counted.
// If the read was the calibration read, the rate estimate is set
// from its elapsed time.
func (e *Estimator) End(now time.Time, requested, actual int, calibrating bool) {
	e.total += int64(actual - requested)

	if !calibrating {
		return
	}

	e.rate = 0
	if actual > 0 {
		e.rate = millis(now.Sub(e.start)) / float64(actual)
	}
	e.valid = true
	e.inProgress = false
}

// Cancel removes the bytes of a read that never happened.
func (e *Estimator) Cancel(n int) {
	e.total -= int64(n)
}

// InProgress returns true while the calibration read is running.
func (e *Estimator) InProgress() bool {
	return e.inProgress
}

// Valid returns true once the rate is known.
func (e *Estimator) Valid() bool {
	return e.valid
}

// Rate returns the estimated milliseconds per byte.
func (e *Estimator) Rate() float64 {
	return e.rate
}

// Total returns the bytes accounted for in the series,
// including reads that have started but not finished.
func (e *Estimator) Total() int64 {
	return e.total
}

// Start returns the series start time.
func (e *Estimator) Start() time.Time {
	return e.start
}

// Millis returns d in fractional milliseconds.
func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
