package antfetch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/jmhodges/clock"
	"github.com/yields/antfetch/internal/throttle"
)

// BrokerConfig configures the broker.
type BrokerConfig struct {
	// MaxOpen is the maximum number of open handles across
	// all bins.
	//
	// The limit is soft, when it is reached idle handles are
	// destroyed to make room but if none can be destroyed the
	// limit is exceeded rather than blocking.
	//
	// If <= 0, there is no limit.
	MaxOpen int

	// IdleTimeout is how long a handle may stay idle before
	// FlushIdle destroys it.
	//
	// If <= 0, it defaults to 1 minute.
	IdleTimeout time.Duration

	// ChunkSize is the maximum size of a single throttled read.
	//
	// If <= 0, it defaults to 4096.
	ChunkSize int

	// ReclaimBins enables removal of empty connection bins
	// during FlushIdle.
	//
	// By default, bins live until the broker is discarded.
	ReclaimBins bool

	// Trust maps trust context names to TLS configurations.
	//
	// The empty name is the default trust context, if it is
	// not in the map a nil configuration is used.
	Trust map[string]*tls.Config

	// Transport creates the round tripper of new handles.
	//
	// If nil, DefaultTransport is used.
	Transport Transport

	// Logger is the logger to use.
	//
	// If nil, log.Log is used.
	Logger log.Interface

	// Clock is the clock to use.
	//
	// If nil, the wall clock is used.
	Clock clock.Clock
}

// BinStats represents the state of a connection bin.
type BinStats struct {
	Idle      int
	InUse     int
	LastFetch time.Time
}

// Broker hands out connections.
//
// The broker owns the bin registry, every connection bin and
// throttle bin lives in it and is created on first reference.
// A broker must be shared by everything that fetches from the
// same bins, it is safe to use from multiple goroutines.
type Broker struct {
	mu      sync.Mutex
	wake    chan struct{}
	conns   map[string]*connBin
	targets map[string]string
	fetched map[string]time.Time
	open    int

	tmu       sync.Mutex
	throttles map[string]*throttle.Bin

	maxOpen     int
	idleTimeout time.Duration
	chunkSize   int
	reclaim     bool
	trust       map[string]*tls.Config
	transport   Transport
	log         log.Interface
	clock       clock.Clock
}

// NewBroker returns a new broker.
func NewBroker(c BrokerConfig) *Broker {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = time.Minute
	}

	if c.ChunkSize <= 0 {
		c.ChunkSize = 4096
	}

	if c.Transport == nil {
		c.Transport = DefaultTransport
	}

	if c.Logger == nil {
		c.Logger = log.Log
	}

	if c.Clock == nil {
		c.Clock = clock.New()
	}

	return &Broker{
		wake:        make(chan struct{}),
		conns:       make(map[string]*connBin),
		targets:     make(map[string]string),
		fetched:     make(map[string]time.Time),
		throttles:   make(map[string]*throttle.Bin),
		maxOpen:     c.MaxOpen,
		idleTimeout: c.IdleTimeout,
		chunkSize:   c.ChunkSize,
		reclaim:     c.ReclaimBins,
		trust:       c.Trust,
		transport:   c.Transport,
		log:         c.Logger,
		clock:       c.Clock,
	}
}

// Acquire returns a handle for the target.
//
// The method blocks until every bin has room for the connection and
// the minimum interval since the last fetch elapsed in every bin. The
// reservation is all or nothing, while waiting nothing is reserved.
//
// The bins must be the same, in the same order, every time the same
// scheme, host and port are requested, a *ConfigError is returned
// otherwise.
//
// If the context is canceled, the method returns an error that
// satisfies IsCanceled.
//
// The returned handle must be closed.
func (b *Broker) Acquire(ctx context.Context, t Target, bins []string, spec ThrottleSpec) (*Handle, error) {
	var names = append([]string(nil), bins...)
	var logger = b.log.WithFields(log.Fields{
		"target": t.String(),
		"bins":   names,
	})

	if spec == nil {
		spec = Unthrottled
	}

	if err := b.validate(t, names); err != nil {
		return nil, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("antfetch: acquire %s - %w", t, err)
		}

		b.mu.Lock()

		if err := b.checkTarget(t, names); err != nil {
			b.mu.Unlock()
			return nil, err
		}

		b.enforceCeiling()

		h, err := b.reserve(t, names, spec)
		if err == nil {
			b.mu.Unlock()
			h.setup(spec)
			logger.WithField("handle", h.id).Debug("acquired")
			return h, nil
		}

		var wake = b.wake
		var wait time.Duration
		var ie *intervalError

		b.mu.Unlock()

		if errors.As(err, &ie) {
			wait = ie.wait
			logger.WithField("wait", wait).Debug("waiting for interval")
		} else {
			logger.Debug("waiting for connection")
		}

		if err := sleep(ctx, wake, wait); err != nil {
			return nil, fmt.Errorf("antfetch: acquire %s - %w", t, err)
		}
	}
}

// FlushIdle destroys handles that have been idle longer than
// the configured idle timeout.
//
// The method is meant to be called periodically, it is safe
// to call concurrently with Acquire.
func (b *Broker) FlushIdle() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flush(b.idleTimeout, b.reclaim)
}

// CloseIdle destroys every idle handle.
func (b *Broker) CloseIdle() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flush(0, b.reclaim)
}

// Maintain calls FlushIdle every interval until the
// context is canceled.
func (b *Broker) Maintain(ctx context.Context, every time.Duration) error {
	var ticker = time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.FlushIdle()
		case <-ctx.Done():
			return nil
		}
	}
}

// Open returns the number of open handles.
func (b *Broker) Open() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// Stats returns the state of a connection bin.
//
// A reclaimed bin reports its last fetch only, a bin
// that never existed reports the zero value.
func (b *Broker) Stats(bin string) BinStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.conns[bin]; ok {
		return BinStats{
			Idle:      len(cb.idle),
			InUse:     cb.inUse,
			LastFetch: cb.lastFetch,
		}
	}

	return BinStats{LastFetch: b.fetched[bin]}
}

// Validate validates the arguments of a request.
func (b *Broker) validate(t Target, names []string) error {
	if len(names) == 0 {
		return &ConfigError{Target: t, Reason: "no bins"}
	}

	var seen = make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			return &ConfigError{Target: t, Bins: names, Reason: fmt.Sprintf("duplicate bin %q", name)}
		}
		seen[name] = true
	}

	if _, ok := b.trust[t.Trust]; !ok && t.Trust != "" {
		return &ConfigError{Target: t, Bins: names, Reason: fmt.Sprintf("unknown trust %q", t.Trust)}
	}

	return nil
}

// CheckTarget ensures the target always uses the same bins.
//
// The broker's lock must be held.
func (b *Broker) checkTarget(t Target, names []string) error {
	var key = t.String()
	var sig = strings.Join(names, "\x00")

	prev, ok := b.targets[key]
	if !ok {
		b.targets[key] = sig
		return nil
	}

	if prev != sig {
		return &ConfigError{
			Target: t,
			Bins:   names,
			Reason: fmt.Sprintf("bins differ from earlier request [%s]", strings.Replace(prev, "\x00", ", ", -1)),
		}
	}

	return nil
}

// EnforceCeiling destroys idle handles until the number of open
// handles is under the ceiling, widening the idle threshold on
// every pass.
//
// The broker's lock must be held.
func (b *Broker) enforceCeiling() {
	if b.maxOpen <= 0 {
		return
	}

	for idle := 64 * time.Second; b.open >= b.maxOpen && idle > 0; {
		idle = (idle / 4).Truncate(time.Millisecond)
		b.flush(idle, false)
	}

	if b.open >= b.maxOpen {
		b.log.WithFields(log.Fields{
			"open": b.open,
			"max":  b.maxOpen,
		}).Warn("exceeding connection limit")
	}
}

// Flush destroys handles idle for at least timeout in every bin.
//
// When reclaim is true, empty bins are removed and their last
// fetch time is kept until the bin is created again.
//
// The broker's lock must be held.
func (b *Broker) flush(timeout time.Duration, reclaim bool) {
	var now = b.clock.Now()

	for name, cb := range b.conns {
		if cb.flushIdle(now, timeout) && reclaim {
			b.fetched[name] = cb.lastFetch
			delete(b.conns, name)
		}
	}
}

// Resolve returns the connection bins, creating them as needed.
//
// The broker's lock must be held.
func (b *Broker) resolve(names []string) []*connBin {
	var ret = make([]*connBin, len(names))

	for j, name := range names {
		cb, ok := b.conns[name]
		if !ok {
			cb = newConnBin(name)
			cb.lastFetch = b.fetched[name]
			b.conns[name] = cb
			delete(b.fetched, name)
		}
		ret[j] = cb
	}

	return ret
}

// Reserve attempts to reserve a handle in every bin.
//
// The first bin decides whether an idle handle is reused or a new
// one is created, every other bin only makes room for that decision.
// If any bin is busy or its minimum interval did not elapse, the
// reservation is undone and an error is returned.
//
// The broker's lock must be held.
func (b *Broker) reserve(t Target, names []string, spec ThrottleSpec) (*Handle, error) {
	var bins = b.resolve(names)
	var reuse *Handle
	var err error

	for j, cb := range bins {
		var max = maxConnections(spec, names[j])

		if j == 0 {
			reuse, err = cb.takeIdleCandidate(max, t, names)
		} else {
			err = cb.reserveWithoutReuse(max, reuse)
		}

		if err != nil {
			b.rollback(reuse)
			return nil, err
		}
	}

	var now = b.clock.Now()
	var wait time.Duration

	for j, cb := range bins {
		next := cb.lastFetch.Add(spec.MinInterval(names[j]))
		if d := next.Sub(now); d > wait {
			wait = d
		}
	}

	if wait > 0 {
		b.rollback(reuse)
		return nil, &intervalError{wait: wait}
	}

	for _, cb := range bins {
		cb.noteFetch(now)
	}

	if reuse != nil {
		return reuse, nil
	}

	return b.create(t, names, bins), nil
}

// Rollback returns a reserved reuse candidate to the idle pools.
func (b *Broker) rollback(h *Handle) {
	if h != nil {
		h.deactivate()
	}
}

// Create creates a new in use handle.
//
// The broker's lock must be held.
func (b *Broker) create(t Target, names []string, bins []*connBin) *Handle {
	var rt = b.transport(t, b.trust[t.Trust])
	var h = &Handle{
		id:        uuid.New().String(),
		broker:    b,
		target:    t,
		names:     names,
		bins:      bins,
		transport: rt,
		active:    true,
		client: &http.Client{
			Transport: rt,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}

	for _, cb := range bins {
		cb.noteCreated()
	}
	b.open++

	return h
}

// Release returns a handle to the idle pools, or destroys it
// when it was invalidated.
func (b *Broker) release(h *Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if h.destroyed || !h.active {
		return ErrHandleClosed
	}

	if h.invalid {
		h.destroy()
		return nil
	}

	h.idleSince = b.clock.Now()
	h.deactivate()
	b.broadcast()

	return nil
}

// Broadcast wakes every waiting Acquire.
//
// The broker's lock must be held.
func (b *Broker) broadcast() {
	close(b.wake)
	b.wake = make(chan struct{})
}

// BeginSeries attaches a fetch to the throttle bins.
func (b *Broker) beginSeries(names []string) []*throttle.Bin {
	b.tmu.Lock()
	defer b.tmu.Unlock()

	var ret = make([]*throttle.Bin, len(names))

	for j, name := range names {
		tb, ok := b.throttles[name]
		if !ok {
			tb = throttle.New(name, b.clock)
			b.throttles[name] = tb
		}
		tb.BeginSeries()
		ret[j] = tb
	}

	return ret
}

// EndSeries detaches a fetch from the throttle bins, bins
// without fetches are discarded.
func (b *Broker) endSeries(bins []*throttle.Bin) {
	b.tmu.Lock()
	defer b.tmu.Unlock()

	for _, tb := range bins {
		if tb.EndSeries() && b.throttles[tb.Name()] == tb {
			delete(b.throttles, tb.Name())
		}
	}
}

// Sleep waits for a wake up, the duration d or the context.
//
// If d is 0, the method waits for a wake up only.
func sleep(ctx context.Context, wake <-chan struct{}, d time.Duration) error {
	var timeout <-chan time.Time

	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-wake:
		return nil
	case <-timeout:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
