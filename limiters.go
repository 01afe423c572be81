package antfetch

import (
	"context"

	"github.com/yields/antfetch/internal/limit"
)

// Limiter controls how many fetches can
// be made by a fetcher.
//
// A limiter receives a context and the bins of a
// target and blocks until a fetch is allowed to
// happen or returns an error if the context is canceled.
//
// Limiters run before a handle is acquired, they limit
// the rate of fetches while the broker limits connections
// and bandwidth.
type Limiter interface {
	// Limit blocks until a fetch is allowed to happen.
	//
	// The method receives the bins of the target and must
	// block until a fetch in those bins is allowed.
	//
	// If the given context is canceled, the method returns immediately
	// with the context's err.
	Limit(ctx context.Context, bins []string) error
}

// LimitBin returns a bin limiter.
//
// The limiter allows `n` fetches in the bin
// per second.
func LimitBin(name string, n int) Limiter {
	return limit.ByBin(name, n)
}

// LimitMatch returns a match limiter.
//
// The limiter allows `n` fetches per second in
// every bin that matches the pattern.
func LimitMatch(pattern string, n int) Limiter {
	return limit.ByMatch(pattern, n)
}

// Limit returns a new limiter.
//
// The limiter allows `n` fetches per second.
func Limit(n int) Limiter {
	return limit.New(n)
}

// Limiters combines limiters into one.
type Limiters []Limiter

// Limit implementation.
func (ls Limiters) Limit(ctx context.Context, bins []string) error {
	for _, l := range ls {
		if err := l.Limit(ctx, bins); err != nil {
			return err
		}
	}
	return nil
}
