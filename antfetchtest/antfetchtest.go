// Package antfetchtest implements broker test helpers.
//
// Usage:
//
//   func TestFetch(t *testing.T) {
//     var assert = require.New(t)
//     var rec = &antfetchtest.Recorder{}
//     var u = antfetchtest.Bytes(t, 1024)
//     var fetcher = &antfetch.Fetcher{Activity: rec}
//
//     resp, err := fetcher.Fetch(ctx, u)
//     ...
//
//     assert.Len(rec.Activities(), 1)
//   }
//
package antfetchtest

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/yields/antfetch"
)

// Server starts a test server with handler f.
//
// The server is closed when the test ends.
func Server(t testing.TB, f http.HandlerFunc) *url.URL {
	t.Helper()

	srv := httptest.NewServer(f)
	t.Cleanup(func() {
		srv.Close()
	})

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("antfetchtest: parse %q - %s", srv.URL, err)
	}

	return u
}

// Bytes starts a test server that responds
// with `n` bytes to every request.
func Bytes(t testing.TB, n int) *url.URL {
	t.Helper()

	var body = bytes.Repeat([]byte("a"), n)

	return Server(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write(body)
	})
}

// Target returns a fake target for host.
func Target(host string) antfetch.Target {
	return antfetch.Target{
		Scheme: "http",
		Host:   host,
		Port:   80,
	}
}

// Acquire acquires a handle.
//
// If the handle cannot be acquired the method
// calls `t.Fatalf` with the error.
func Acquire(t testing.TB, b *antfetch.Broker, target antfetch.Target, bins []string, spec antfetch.ThrottleSpec) *antfetch.Handle {
	var ctx = context.Background()

	t.Helper()
	h, err := b.Acquire(ctx, target, bins, spec)
	if err != nil {
		t.Fatalf("antfetchtest: %s", err)
	}

	return h
}

// Recorder records activity.
type Recorder struct {
	mu         sync.Mutex
	activities []antfetch.Activity
}

// RecordActivity implementation.
func (r *Recorder) RecordActivity(a antfetch.Activity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activities = append(r.activities, a)
}

// Activities returns all recorded activity.
func (r *Recorder) Activities() []antfetch.Activity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]antfetch.Activity(nil), r.activities...)
}
