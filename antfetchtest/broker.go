package antfetchtest

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/yields/antfetch"
	"golang.org/x/sync/errgroup"
)

// Broker tests a broker configuration.
//
// `new(t)` must return a new broker ready for use,
// without a connection ceiling.
func Broker(t *testing.T, new func(testing.TB) *antfetch.Broker) {
	t.Run("reuse idle handle", func(t *testing.T) {
		var assert = require.New(t)
		var broker = new(t)
		var spec = antfetch.StaticSpec{"a": {MaxConnections: 1}}
		var target = Target("a.test")

		h1 := Acquire(t, broker, target, []string{"a"}, spec)
		id := h1.ID()
		assert.NoError(h1.Close())

		h2 := Acquire(t, broker, target, []string{"a"}, spec)
		assert.Equal(id, h2.ID())
		assert.Equal(antfetch.BinStats{InUse: 1}, stats(broker, "a"))
		assert.NoError(h2.Close())
	})

	t.Run("close twice", func(t *testing.T) {
		var assert = require.New(t)
		var broker = new(t)
		var h = Acquire(t, broker, Target("a.test"), []string{"a"}, nil)

		assert.NoError(h.Close())
		assert.Equal(antfetch.ErrHandleClosed, h.Close())
	})

	t.Run("block until closed", func(t *testing.T) {
		var ctx = context.Background()
		var assert = require.New(t)
		var broker = new(t)
		var spec = antfetch.StaticSpec{"a": {MaxConnections: 1}}
		var acquired = make(chan *antfetch.Handle, 1)

		h1 := Acquire(t, broker, Target("a.test"), []string{"a"}, spec)

		go func() {
			h, err := broker.Acquire(ctx, Target("b.test"), []string{"a"}, spec)
			if err != nil {
				close(acquired)
				return
			}
			acquired <- h
		}()

		select {
		case <-acquired:
			t.Fatal("acquired a handle while the bin is full")
		case <-time.After(50 * time.Millisecond):
		}

		assert.NoError(h1.Close())

		select {
		case h2, ok := <-acquired:
			assert.True(ok)
			assert.Equal("b.test", h2.Target().Host)
			assert.Equal(antfetch.BinStats{InUse: 1}, stats(broker, "a"))
			assert.NoError(h2.Close())
		case <-time.After(time.Second):
			t.Fatal("handle was not acquired")
		}
	})

	t.Run("cancel leaves no reservation", func(t *testing.T) {
		var ctx = context.Background()
		var assert = require.New(t)
		var broker = new(t)
		var spec = antfetch.StaticSpec{
			"a": {MaxConnections: 1},
			"b": {MaxConnections: 1},
		}

		hb := Acquire(t, broker, Target("b.test"), []string{"b"}, spec)

		ctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()

		_, err := broker.Acquire(ctx, Target("ab.test"), []string{"a", "b"}, spec)
		assert.Error(err)
		assert.True(antfetch.IsCanceled(err))
		assert.Equal(antfetch.BinStats{}, stats(broker, "a"))
		assert.Equal(antfetch.BinStats{InUse: 1}, stats(broker, "b"))

		assert.NoError(hb.Close())
	})

	t.Run("canceled context", func(t *testing.T) {
		var ctx = context.Background()
		var assert = require.New(t)
		var broker = new(t)

		ctx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := broker.Acquire(ctx, Target("a.test"), []string{"a"}, nil)
		assert.True(antfetch.IsCanceled(err))
		assert.Equal(0, broker.Open())
	})

	t.Run("max connections", func(t *testing.T) {
		var ctx = context.Background()
		var assert = require.New(t)
		var broker = new(t)
		var spec = antfetch.StaticSpec{"a": {MaxConnections: 2}}
		var active, peak int64

		eg, subctx := errgroup.WithContext(ctx)

		for j := 0; j < 8; j++ {
			eg.Go(func() error {
				h, err := broker.Acquire(subctx, Target("a.test"), []string{"a"}, spec)
				if err != nil {
					return err
				}

				n := atomic.AddInt64(&active, 1)
				for {
					p := atomic.LoadInt64(&peak)
					if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
						break
					}
				}

				time.Sleep(10 * time.Millisecond)
				atomic.AddInt64(&active, -1)
				return h.Close()
			})
		}

		assert.NoError(eg.Wait())
		assert.True(peak <= 2, "peak %d", peak)
		assert.True(peak >= 1)
		assert.Equal(0, stats(broker, "a").InUse)
	})

	t.Run("min interval", func(t *testing.T) {
		var assert = require.New(t)
		var broker = new(t)
		var spec = antfetch.StaticSpec{"a": {MinInterval: 100 * time.Millisecond}}
		var start = time.Now()

		h1 := Acquire(t, broker, Target("a.test"), []string{"a"}, spec)
		assert.NoError(h1.Close())

		h2 := Acquire(t, broker, Target("a.test"), []string{"a"}, spec)
		assert.NoError(h2.Close())

		assert.True(time.Since(start) >= 95*time.Millisecond)
		assert.Equal(h1.ID(), h2.ID())
	})

	t.Run("min interval concurrent", func(t *testing.T) {
		var ctx = context.Background()
		var assert = require.New(t)
		var broker = new(t)
		var interval = 30 * time.Millisecond
		var spec = antfetch.StaticSpec{"a": {MaxConnections: 1, MinInterval: interval}}
		var fetches []time.Time
		var mu sync.Mutex

		eg, subctx := errgroup.WithContext(ctx)

		for j := 0; j < 6; j++ {
			eg.Go(func() error {
				h, err := broker.Acquire(subctx, Target("a.test"), []string{"a"}, spec)
				if err != nil {
					return err
				}

				mu.Lock()
				fetches = append(fetches, broker.Stats("a").LastFetch)
				mu.Unlock()

				return h.Close()
			})
		}

		assert.NoError(eg.Wait())
		assert.Len(fetches, 6)

		sort.Slice(fetches, func(i, j int) bool {
			return fetches[i].Before(fetches[j])
		})

		for j := 1; j < len(fetches); j++ {
			gap := fetches[j].Sub(fetches[j-1])
			assert.True(gap >= interval, "fetch %d started %s after the previous one", j, gap)
		}
	})

	t.Run("min interval concurrent without connection limit", func(t *testing.T) {
		var ctx = context.Background()
		var assert = require.New(t)
		var broker = new(t)
		var interval = 30 * time.Millisecond
		var spec = antfetch.StaticSpec{"a": {MaxConnections: antfetch.Unlimited, MinInterval: interval}}
		var start = time.Now()
		var handles = make(chan *antfetch.Handle, 6)

		eg, subctx := errgroup.WithContext(ctx)

		for j := 0; j < 6; j++ {
			eg.Go(func() error {
				h, err := broker.Acquire(subctx, Target("a.test"), []string{"a"}, spec)
				if err != nil {
					return err
				}
				handles <- h
				return nil
			})
		}

		assert.NoError(eg.Wait())
		assert.True(time.Since(start) >= 5*interval, "took %s", time.Since(start))
		assert.Equal(6, stats(broker, "a").InUse)

		close(handles)
		for h := range handles {
			assert.NoError(h.Close())
		}
	})

	t.Run("mismatched handle is destroyed", func(t *testing.T) {
		var assert = require.New(t)
		var broker = new(t)
		var spec = antfetch.StaticSpec{"a": {MaxConnections: 1}}

		h1 := Acquire(t, broker, Target("a.test"), []string{"a"}, spec)
		assert.NoError(h1.Close())
		assert.Equal(antfetch.BinStats{Idle: 1}, stats(broker, "a"))

		h2 := Acquire(t, broker, Target("b.test"), []string{"a"}, spec)
		assert.NotEqual(h1.ID(), h2.ID())
		assert.Equal(antfetch.BinStats{InUse: 1}, stats(broker, "a"))
		assert.Equal(1, broker.Open())
		assert.NoError(h2.Close())
	})

	t.Run("invalid handle is destroyed", func(t *testing.T) {
		var assert = require.New(t)
		var broker = new(t)

		h1 := Acquire(t, broker, Target("a.test"), []string{"a", "b"}, nil)
		h1.Invalidate()
		assert.NoError(h1.Close())

		assert.Equal(antfetch.BinStats{}, stats(broker, "a"))
		assert.Equal(antfetch.BinStats{}, stats(broker, "b"))
		assert.Equal(0, broker.Open())
	})

	t.Run("bins mismatch", func(t *testing.T) {
		var ctx = context.Background()
		var assert = require.New(t)
		var broker = new(t)

		h := Acquire(t, broker, Target("a.test"), []string{"a", "b"}, nil)
		assert.NoError(h.Close())

		_, err := broker.Acquire(ctx, Target("a.test"), []string{"b", "a"}, nil)
		assert.Error(err)

		_, ok := err.(*antfetch.ConfigError)
		assert.True(ok, "expected a config error, got %T", err)
	})
}

// Stats returns bin stats without the last fetch time.
func stats(b *antfetch.Broker, bin string) antfetch.BinStats {
	s := b.Stats(bin)
	s.LastFetch = time.Time{}
	return s
}
