package limit

import (
	"context"

	"golang.org/x/time/rate"
)

// Bin implements a bin limiter.
//
// When the configured bin is seen the limiter will
// block until the fetch is allowed to happen.
type Bin struct {
	name  string
	limit *rate.Limiter
}

// ByBin returns a new bin limiter.
func ByBin(name string, n int) *Bin {
	return &Bin{
		name:  name,
		limit: rate.NewLimiter(rate.Limit(n), n),
	}
}

// Limit implementation.
func (b *Bin) Limit(ctx context.Context, bins []string) error {
	for _, name := range bins {
		if name == b.name {
			return b.limit.Wait(ctx)
		}
	}
	return nil
}
