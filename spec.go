package antfetch

import (
	"time"
)

// Unlimited is the connection limit of a bin without one.
const Unlimited = -1

// ThrottleSpec describes the limits of bins.
//
// The broker never keeps a copy of the limits, they are
// looked up on every call so a spec may change at any time.
type ThrottleSpec interface {
	// MaxConnections returns the maximum number of open
	// connections in the bin.
	//
	// A negative value means unlimited, 0 is treated as 1.
	MaxConnections(bin string) int

	// MinInterval returns the minimum time between the
	// start of two fetches in the bin.
	MinInterval(bin string) time.Duration

	// MinMillisPerByte returns the minimum milliseconds
	// per byte of the bin's aggregate transfer rate.
	//
	// Zero means no bandwidth limit.
	MinMillisPerByte(bin string) float64
}

// Limits represents the limits of a single bin.
type Limits struct {
	MaxConnections   int
	MinInterval      time.Duration
	MinMillisPerByte float64
}

// StaticSpec is a spec with fixed limits per bin.
//
// Bins that are not in the map are unlimited.
type StaticSpec map[string]Limits

// MaxConnections implementation.
func (s StaticSpec) MaxConnections(bin string) int {
	if l, ok := s[bin]; ok {
		return l.MaxConnections
	}
	return Unlimited
}

// MinInterval implementation.
func (s StaticSpec) MinInterval(bin string) time.Duration {
	return s[bin].MinInterval
}

// MinMillisPerByte implementation.
func (s StaticSpec) MinMillisPerByte(bin string) float64 {
	return s[bin].MinMillisPerByte
}

// Unthrottled is a spec without any limits.
var Unthrottled ThrottleSpec = StaticSpec(nil)

// MaxConnections returns the effective connection limit of a bin.
func maxConnections(spec ThrottleSpec, bin string) int {
	switch n := spec.MaxConnections(bin); {
	case n < 0:
		return Unlimited
	case n == 0:
		return 1
	default:
		return n
	}
}
