package antfetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/yields/antfetch/internal/throttle"
)

// Handle represents a connection to a single target.
//
// A handle is owned by the goroutine that acquired it until it
// is closed, its methods must not be called concurrently.
//
// A handle performs a series of fetches, each fetch starts with
// BeginFetch and ends with DoneFetch. Bytes read from the body of
// a fetch are throttled in every bin of the handle.
type Handle struct {
	id        string
	broker    *Broker
	target    Target
	names     []string
	bins      []*connBin
	client    *http.Client
	transport http.RoundTripper

	// Guarded by the broker's lock.
	active    bool
	destroyed bool
	idleSince time.Time

	msPerByte []float64
	invalid   bool
	closed    bool
	fetch     *fetch
}

// Fetch represents the state of a single fetch.
type fetch struct {
	ctx       context.Context
	kind      FetchKind
	start     time.Time
	url       string
	status    int
	bytes     int64
	err       error
	resp      *http.Response
	body      *stream
	throttles []*throttle.Bin
}

// ID returns the unique handle id.
func (h *Handle) ID() string {
	return h.id
}

// Target returns the handle's target.
func (h *Handle) Target() Target {
	return h.target
}

// Bins returns the handle's bin names.
func (h *Handle) Bins() []string {
	return append([]string(nil), h.names...)
}

// BeginFetch starts a fetch of the given kind.
//
// The fetch joins the throttle series of every bin, a throttle
// bin measures the transfer rate as long as it has fetches.
//
// ErrHandleClosed is returned once the handle is closed.
func (h *Handle) BeginFetch(kind FetchKind) error {
	if h.closed {
		return ErrHandleClosed
	}

	if h.fetch != nil {
		return ErrFetchInProgress
	}

	h.fetch = &fetch{
		ctx:       context.Background(),
		kind:      kind,
		start:     h.broker.clock.Now(),
		throttles: h.broker.beginSeries(h.names),
	}

	return nil
}

// Execute executes the request.
//
// The request must be for the handle's target, credentials of
// the target are added when the request has none. The method
// returns the status code, redirects are not followed.
//
// When the transport fails, a *TransportError is returned and the
// handle is destroyed when it is closed.
func (h *Handle) Execute(req *http.Request) (int, error) {
	var f = h.fetch

	if f == nil {
		return 0, ErrNoFetch
	}

	if f.resp != nil {
		return 0, fmt.Errorf("antfetch: execute %s - request already executed", req.URL)
	}

	if !h.target.serves(req.URL) {
		return 0, &ConfigError{
			Target: h.target,
			Bins:   h.names,
			Reason: fmt.Sprintf("request %q is for another target", req.URL),
		}
	}

	if c := h.target.Auth; !c.Empty() {
		if _, _, ok := req.BasicAuth(); !ok {
			req.SetBasicAuth(c.Username, c.Password)
		}
	}

	f.ctx = req.Context()
	f.url = req.URL.String()

	resp, err := h.client.Do(req)
	if err != nil {
		h.invalid = true
		f.err = err

		if cerr := f.ctx.Err(); cerr != nil {
			return 0, fmt.Errorf("antfetch: %s %s - %w", req.Method, req.URL, cerr)
		}

		return 0, &TransportError{
			Target: h.target,
			Op:     req.Method,
			Err:    err,
		}
	}

	f.resp = resp
	f.status = resp.StatusCode

	return resp.StatusCode, nil
}

// Header returns the response header.
func (h *Handle) Header() (http.Header, error) {
	if h.fetch == nil {
		return nil, ErrNoFetch
	}

	if h.fetch.resp == nil {
		return nil, ErrNoResponse
	}

	return h.fetch.resp.Header, nil
}

// Body returns the throttled response body.
//
// The body is closed by DoneFetch, closing it earlier is allowed.
func (h *Handle) Body() (io.ReadCloser, error) {
	var f = h.fetch

	if f == nil {
		return nil, ErrNoFetch
	}

	if f.resp == nil {
		return nil, ErrNoResponse
	}

	if f.body == nil {
		f.body = &stream{
			h:     h,
			f:     f,
			rc:    f.resp.Body,
			chunk: h.broker.chunkSize,
		}
	}

	return f.body, nil
}

// DoneFetch ends the current fetch.
//
// The response body is closed, the fetch leaves its throttle series
// and the activity is recorded to a, when it is not nil.
func (h *Handle) DoneFetch(a ActivityLogger) {
	var f = h.fetch

	if f == nil {
		return
	}

	h.fetch = nil

	if f.body != nil {
		f.body.Close()
	} else if f.resp != nil {
		f.resp.Body.Close()
	}

	h.broker.endSeries(f.throttles)

	var act = Activity{
		Start:    f.start,
		Duration: h.broker.clock.Now().Sub(f.start),
		Kind:     f.kind,
		Bytes:    f.bytes,
		URL:      f.url,
		Status:   f.status,
		Err:      f.err,
	}

	fields(h.broker.log, act).
		WithField("handle", h.id).
		WithField("size", humanize.Bytes(uint64(f.bytes))).
		Info("fetch")

	if a != nil {
		a.RecordActivity(act)
	}
}

// Invalidate marks the handle as broken.
//
// An invalid handle is destroyed when closed instead of
// returned to the idle pool.
func (h *Handle) Invalidate() {
	h.invalid = true
}

// Close releases the handle.
//
// A fetch in progress is ended without recording activity. The
// handle returns to the idle pool of its bins unless it was
// invalidated, in which case it is destroyed.
func (h *Handle) Close() error {
	if h.fetch != nil {
		h.DoneFetch(nil)
	}
	h.closed = true
	return h.broker.release(h)
}

// Setup prepares an acquired handle.
func (h *Handle) setup(spec ThrottleSpec) {
	h.closed = false
	h.msPerByte = make([]float64, len(h.names))

	for j, name := range h.names {
		h.msPerByte[j] = spec.MinMillisPerByte(name)
	}
}

// Matches returns true if the handle can serve the target and bins.
func (h *Handle) matches(t Target, names []string) bool {
	if h.invalid || h.target != t || len(h.names) != len(names) {
		return false
	}

	for j := range names {
		if h.names[j] != names[j] {
			return false
		}
	}

	return true
}

// Activate moves an idle handle to in use in every bin.
//
// The broker's lock must be held.
func (h *Handle) activate() {
	for _, cb := range h.bins {
		cb.take(h)
	}
	h.active = true
}

// Deactivate moves an in use handle to idle in every bin.
//
// The broker's lock must be held.
func (h *Handle) deactivate() {
	for _, cb := range h.bins {
		cb.release(h)
	}
	h.active = false
}

// Destroy removes the handle from every bin and closes
// its connections.
//
// The broker's lock must be held.
func (h *Handle) destroy() {
	if h.destroyed {
		return
	}

	for _, cb := range h.bins {
		cb.noteDestroyed(h)
	}

	if c, ok := h.transport.(interface{ CloseIdleConnections() }); ok {
		c.CloseIdleConnections()
	}

	h.destroyed = true
	h.active = false
	h.broker.open--
	h.broker.broadcast()
}

// BeginRead waits until n bytes may be read in every bin.
//
// On error, reads that already started are ended without bytes.
func (h *Handle) beginRead(ctx context.Context, f *fetch, n int) ([]throttle.Read, error) {
	var reads = make([]throttle.Read, 0, len(f.throttles))

	for j, tb := range f.throttles {
		r, err := tb.BeginRead(ctx, n, h.msPerByte[j])
		if err != nil {
			for k, r := range reads {
				f.throttles[k].EndRead(r, n, 0)
			}
			return nil, fmt.Errorf("antfetch: throttle %q - %w", tb.Name(), err)
		}
		reads = append(reads, r)
	}

	return reads, nil
}

// EndRead ends reads in every bin.
func (h *Handle) endRead(f *fetch, reads []throttle.Read, requested, actual int) {
	for j, r := range reads {
		f.throttles[j].EndRead(r, requested, actual)
	}
}
