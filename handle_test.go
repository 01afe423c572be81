package antfetch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/ioutil"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHandle(t *testing.T) {
	t.Run("fetch", func(t *testing.T) {
		var ctx = context.Background()
		var assert = require.New(t)
		var broker = newBroker(t, BrokerConfig{})
		var acts []Activity
		var u = serve(t, func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "hello")
		})

		h, err := broker.Acquire(ctx, target(t, u), []string{"a"}, nil)
		assert.NoError(err)
		assert.NoError(h.BeginFetch(FetchStandard))

		req, err := http.NewRequest("GET", u.String(), nil)
		assert.NoError(err)

		status, err := h.Execute(req)
		assert.NoError(err)
		assert.Equal(200, status)

		body, err := h.Body()
		assert.NoError(err)

		buf, err := ioutil.ReadAll(body)
		assert.NoError(err)
		assert.Equal("hello", string(buf))

		h.DoneFetch(ActivityFunc(func(a Activity) {
			acts = append(acts, a)
		}))
		assert.NoError(h.Close())

		assert.Len(acts, 1)
		assert.Equal(FetchStandard, acts[0].Kind)
		assert.Equal(int64(5), acts[0].Bytes)
		assert.Equal(200, acts[0].Status)
		assert.Equal(u.String(), acts[0].URL)
		assert.NoError(acts[0].Err)
	})

	t.Run("fetch sequence reuses connection", func(t *testing.T) {
		var ctx = context.Background()
		var assert = require.New(t)
		var broker = newBroker(t, BrokerConfig{})
		var remotes = make(map[string]bool)
		var mu sync.Mutex
		var u = serve(t, func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			remotes[r.RemoteAddr] = true
			mu.Unlock()
			io.WriteString(w, "ok")
		})

		h, err := broker.Acquire(ctx, target(t, u), []string{"a"}, nil)
		assert.NoError(err)

		for j := 0; j < 3; j++ {
			assert.NoError(h.BeginFetch(FetchStandard))

			req, err := http.NewRequest("GET", u.String(), nil)
			assert.NoError(err)

			_, err = h.Execute(req)
			assert.NoError(err)

			body, err := h.Body()
			assert.NoError(err)
			_, err = ioutil.ReadAll(body)
			assert.NoError(err)

			h.DoneFetch(nil)
		}

		assert.NoError(h.Close())

		mu.Lock()
		defer mu.Unlock()
		assert.Len(remotes, 1)
	})

	t.Run("fetch state", func(t *testing.T) {
		var ctx = context.Background()
		var assert = require.New(t)
		var broker = newBroker(t, BrokerConfig{})

		h, err := broker.Acquire(ctx, fake("a.test"), []string{"a"}, nil)
		assert.NoError(err)

		req, err := http.NewRequest("GET", "http://a.test/", nil)
		assert.NoError(err)

		_, err = h.Execute(req)
		assert.Equal(ErrNoFetch, err)

		_, err = h.Body()
		assert.Equal(ErrNoFetch, err)

		assert.NoError(h.BeginFetch(FetchRobots))
		assert.Equal(ErrFetchInProgress, h.BeginFetch(FetchRobots))

		_, err = h.Body()
		assert.Equal(ErrNoResponse, err)

		assert.NoError(h.Close())
	})

	t.Run("begin fetch after close", func(t *testing.T) {
		var ctx = context.Background()
		var assert = require.New(t)
		var broker = newBroker(t, BrokerConfig{})

		h, err := broker.Acquire(ctx, fake("a.test"), []string{"a"}, nil)
		assert.NoError(err)
		assert.NoError(h.Close())

		assert.Equal(ErrHandleClosed, h.BeginFetch(FetchStandard))
		assert.Equal(0, throttles(broker))

		req, err := http.NewRequest("GET", "http://a.test/", nil)
		assert.NoError(err)

		_, err = h.Execute(req)
		assert.Equal(ErrNoFetch, err)

		h, err = broker.Acquire(ctx, fake("a.test"), []string{"a"}, nil)
		assert.NoError(err)
		assert.NoError(h.BeginFetch(FetchStandard))
		assert.NoError(h.Close())
	})

	t.Run("another target", func(t *testing.T) {
		var ctx = context.Background()
		var assert = require.New(t)
		var broker = newBroker(t, BrokerConfig{})

		h, err := broker.Acquire(ctx, fake("a.test"), []string{"a"}, nil)
		assert.NoError(err)
		assert.NoError(h.BeginFetch(FetchStandard))

		req, err := http.NewRequest("GET", "http://b.test/", nil)
		assert.NoError(err)

		_, err = h.Execute(req)
		assert.Error(err)
		assert.IsType(&ConfigError{}, err)
		assert.NoError(h.Close())
	})

	t.Run("credentials", func(t *testing.T) {
		var ctx = context.Background()
		var assert = require.New(t)
		var broker = newBroker(t, BrokerConfig{})
		var auth = make(chan [2]string, 1)
		var u = serve(t, func(w http.ResponseWriter, r *http.Request) {
			user, pass, _ := r.BasicAuth()
			auth <- [2]string{user, pass}
		})
		var tgt = target(t, u)

		tgt.Auth = Credentials{Username: "ant", Password: "secret"}
		h, err := broker.Acquire(ctx, tgt, []string{"a"}, nil)
		assert.NoError(err)
		assert.NoError(h.BeginFetch(FetchLogin))

		req, err := http.NewRequest("GET", u.String(), nil)
		assert.NoError(err)

		_, err = h.Execute(req)
		assert.NoError(err)
		assert.Equal([2]string{"ant", "secret"}, <-auth)
		assert.NoError(h.Close())
	})

	t.Run("redirects are not followed", func(t *testing.T) {
		var ctx = context.Background()
		var assert = require.New(t)
		var broker = newBroker(t, BrokerConfig{})
		var u = serve(t, func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "/next", http.StatusFound)
		})

		h, err := broker.Acquire(ctx, target(t, u), []string{"a"}, nil)
		assert.NoError(err)
		assert.NoError(h.BeginFetch(FetchStandard))

		req, err := http.NewRequest("GET", u.String(), nil)
		assert.NoError(err)

		status, err := h.Execute(req)
		assert.NoError(err)
		assert.Equal(http.StatusFound, status)

		hdr, err := h.Header()
		assert.NoError(err)
		assert.Equal("/next", hdr.Get("Location"))
		assert.NoError(h.Close())
	})

	t.Run("transport failure destroys handle", func(t *testing.T) {
		var ctx = context.Background()
		var assert = require.New(t)
		var broker = newBroker(t, BrokerConfig{})
		var rec []Activity
		var u = parseURL(t, "http://127.0.0.1:1/")

		h, err := broker.Acquire(ctx, target(t, u), []string{"a"}, nil)
		assert.NoError(err)
		assert.NoError(h.BeginFetch(FetchStandard))

		req, err := http.NewRequest("GET", u.String(), nil)
		assert.NoError(err)

		_, err = h.Execute(req)
		assert.Error(err)

		var terr *TransportError
		assert.True(errors.As(err, &terr))
		assert.True(isTemporary(err))

		h.DoneFetch(ActivityFunc(func(a Activity) {
			rec = append(rec, a)
		}))
		assert.NoError(h.Close())

		assert.Equal(0, broker.Open())
		assert.Equal(BinStats{}, withoutTime(broker.Stats("a")))
		assert.Len(rec, 1)
		assert.Error(rec[0].Err)
	})

	t.Run("close finishes fetch", func(t *testing.T) {
		var ctx = context.Background()
		var assert = require.New(t)
		var broker = newBroker(t, BrokerConfig{})
		var u = serve(t, func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "hello")
		})

		h, err := broker.Acquire(ctx, target(t, u), []string{"a"}, nil)
		assert.NoError(err)
		assert.NoError(h.BeginFetch(FetchStandard))

		req, err := http.NewRequest("GET", u.String(), nil)
		assert.NoError(err)

		_, err = h.Execute(req)
		assert.NoError(err)

		body, err := h.Body()
		assert.NoError(err)

		assert.NoError(h.Close())
		assert.Equal(0, throttles(broker))

		_, err = body.Read(make([]byte, 5))
		assert.Equal(ErrNoFetch, err)
	})

	t.Run("throttle series", func(t *testing.T) {
		var ctx = context.Background()
		var assert = require.New(t)
		var broker = newBroker(t, BrokerConfig{})

		h1, err := broker.Acquire(ctx, fake("a.test"), []string{"a", "b"}, nil)
		assert.NoError(err)
		h2, err := broker.Acquire(ctx, fake("b.test"), []string{"b"}, nil)
		assert.NoError(err)

		assert.NoError(h1.BeginFetch(FetchStandard))
		assert.NoError(h2.BeginFetch(FetchStandard))
		assert.Equal(2, throttles(broker))

		h1.DoneFetch(nil)
		assert.Equal(1, throttles(broker))

		h2.DoneFetch(nil)
		assert.Equal(0, throttles(broker))

		assert.NoError(h1.Close())
		assert.NoError(h2.Close())
	})
}

func TestStream(t *testing.T) {
	t.Run("bandwidth", func(t *testing.T) {
		var ctx = context.Background()
		var assert = require.New(t)
		var broker = newBroker(t, BrokerConfig{})
		var spec = StaticSpec{"a": {MinMillisPerByte: 0.01}}
		var data = bytes.Repeat([]byte("a"), 40960)
		var u = serve(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write(data)
		})

		h, err := broker.Acquire(ctx, target(t, u), []string{"a"}, spec)
		assert.NoError(err)
		assert.NoError(h.BeginFetch(FetchStandard))

		req, err := http.NewRequest("GET", u.String(), nil)
		assert.NoError(err)

		start := time.Now()
		_, err = h.Execute(req)
		assert.NoError(err)

		body, err := h.Body()
		assert.NoError(err)

		buf, err := ioutil.ReadAll(body)
		assert.NoError(err)
		assert.Equal(data, buf)
		assert.True(time.Since(start) >= 300*time.Millisecond, "took %s", time.Since(start))

		h.DoneFetch(nil)
		assert.NoError(h.Close())
	})

	t.Run("chunks", func(t *testing.T) {
		var ctx = context.Background()
		var assert = require.New(t)
		var broker = newBroker(t, BrokerConfig{ChunkSize: 3})
		var u = serve(t, func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "hello world")
		})

		h, err := broker.Acquire(ctx, target(t, u), []string{"a"}, nil)
		assert.NoError(err)
		assert.NoError(h.BeginFetch(FetchStandard))

		req, err := http.NewRequest("GET", u.String(), nil)
		assert.NoError(err)

		_, err = h.Execute(req)
		assert.NoError(err)

		body, err := h.Body()
		assert.NoError(err)

		buf, err := ioutil.ReadAll(body)
		assert.NoError(err)
		assert.Equal("hello world", string(buf))

		n, err := body.Read(make([]byte, 0))
		assert.Equal(0, n)
		assert.NoError(err)

		h.DoneFetch(nil)
		assert.NoError(h.Close())
	})

	t.Run("cancel during throttle", func(t *testing.T) {
		var ctx = context.Background()
		var assert = require.New(t)
		var broker = newBroker(t, BrokerConfig{ChunkSize: 1024})
		var spec = StaticSpec{"a": {MinMillisPerByte: 1}}
		var data = bytes.Repeat([]byte("a"), 8192)
		var u = serve(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write(data)
		})

		h, err := broker.Acquire(ctx, target(t, u), []string{"a"}, spec)
		assert.NoError(err)
		assert.NoError(h.BeginFetch(FetchStandard))

		ctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
		assert.NoError(err)

		_, err = h.Execute(req)
		assert.NoError(err)

		body, err := h.Body()
		assert.NoError(err)

		_, err = ioutil.ReadAll(body)
		assert.Error(err)
		assert.True(IsCanceled(err))

		h.DoneFetch(nil)
		assert.NoError(h.Close())
	})
}

func throttles(b *Broker) int {
	b.tmu.Lock()
	defer b.tmu.Unlock()
	return len(b.throttles)
}
