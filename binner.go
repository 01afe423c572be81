package antfetch

import (
	"github.com/yields/antfetch/internal/bins"
)

// GlobalBin is the bin shared by every target.
const GlobalBin = bins.Global

// Binner assigns bins to targets.
//
// A binner must always return the same bins, in the same
// order, for the same scheme, host and port.
//
// Bins shared by several targets must appear in the same
// relative order for all of them, most specific first. Throttled
// reads wait on each bin's calibration in list order, two handles
// that order shared bins differently can each hold one calibration
// while waiting for the other.
type Binner interface {
	// Bins returns the bins of the target.
	Bins(t Target) []string
}

// BinnerFunc adapts a function to a binner.
type BinnerFunc func(t Target) []string

// Bins implementation.
func (f BinnerFunc) Bins(t Target) []string {
	return f(t)
}

// HostBinner returns a binner that assigns a target to its
// hostname, its registrable domain and the global bin.
//
// The bins of up to `capacity` hostnames are cached.
func HostBinner(capacity int) Binner {
	var cache = bins.NewCache(capacity, true)
	return BinnerFunc(func(t Target) []string {
		return cache.Lookup(t.Host)
	})
}

// DefaultBinner is the default binner.
var DefaultBinner = HostBinner(1000)
