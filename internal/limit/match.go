package limit

import (
	"context"
	"sync"

	"github.com/tidwall/match"
	"golang.org/x/time/rate"
)

// Matcher implements a match limit.
//
// The limiter limits every bin that matches the
// provided pattern, each matching bin is limited
// separately.
type Matcher struct {
	pattern string
	n       int
	mu      sync.Mutex
	limits  map[string]*rate.Limiter
}

// ByMatch returns a new matcher limiter.
func ByMatch(pattern string, n int) *Matcher {
	return &Matcher{
		pattern: pattern,
		n:       n,
		limits:  make(map[string]*rate.Limiter),
	}
}

// Limit implementation.
func (m *Matcher) Limit(ctx context.Context, bins []string) error {
	for _, name := range bins {
		if !match.Match(name, m.pattern) {
			continue
		}

		if err := m.limiter(name).Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Limiter returns the limiter of the bin.
func (m *Matcher) limiter(name string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.limits[name]
	if !ok {
		l = rate.NewLimiter(rate.Limit(m.n), m.n)
		m.limits[name] = l
	}

	return l
}
