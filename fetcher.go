package antfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"time"
)

// StaticAgent is a static user agent string.
type StaticAgent string

// String implementation.
func (sa StaticAgent) String() string {
	return string(sa)
}

var (
	// UserAgent is the default user agent to use.
	UserAgent = StaticAgent("antbot")

	// DefaultBroker is the broker used by fetchers
	// without one.
	DefaultBroker = NewBroker(BrokerConfig{})

	// DefaultFetcher is the default fetcher to use.
	//
	// It uses the default broker, binner and user agent
	// without any throttling.
	DefaultFetcher = &Fetcher{
		Broker:    DefaultBroker,
		UserAgent: UserAgent,
	}
)

// Backoff bounds.
var (
	minBackoff = 50 * time.Millisecond
	maxBackoff = 1 * time.Second
)

// FetchError represents a fetch error.
type FetchError struct {
	URL    *url.URL
	Status int
}

// Error implementation.
func (err *FetchError) Error() string {
	return fmt.Sprintf("antfetch: fetch %q - %d %s",
		err.URL,
		err.Status,
		http.StatusText(err.Status),
	)
}

// Temporary implementation.
func (err *FetchError) Temporary() bool {
	return err.Status == http.StatusTooManyRequests ||
		err.Status >= 500
}

// Response represents a fetched response.
type Response struct {
	URL    *url.URL
	Status int
	Header http.Header

	// Body is the throttled response body.
	//
	// The body must be closed, closing it ends the fetch
	// and releases the connection.
	Body io.ReadCloser
}

// Fetch fetches a URL with the default fetcher.
func Fetch(ctx context.Context, rawurl string) (*Response, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, fmt.Errorf("antfetch: parse %q - %w", rawurl, err)
	}
	return DefaultFetcher.Fetch(ctx, u)
}

// Fetcher implements a throttled fetcher.
type Fetcher struct {
	// Broker is the broker to acquire connections from.
	//
	// If nil, DefaultBroker is used.
	Broker *Broker

	// Spec is the throttle spec to use.
	//
	// If nil, fetches are not throttled.
	Spec ThrottleSpec

	// Binner assigns bins to targets.
	//
	// If nil, DefaultBinner is used.
	Binner Binner

	// Limiter limits the rate of fetches.
	//
	// If nil, fetches are only limited by the spec.
	Limiter Limiter

	// UserAgent is the user agent to use.
	//
	// It implements the fmt.Stringer interface
	// to allow user agent spoofing when needed.
	//
	// If nil, UserAgent is used.
	UserAgent fmt.Stringer

	// MaxAttempts is the maximum request attempts to make.
	//
	// When <= 0, it defaults to 5.
	MaxAttempts int

	// Activity records every fetch attempt.
	//
	// If nil, activity is only logged.
	Activity ActivityLogger
}

// Fetch fetches a URL.
//
// The method acquires a connection for the URL's target from
// the broker, makes the request and returns the response.
//
// The method returns a nil response and nil error when the
// status code is 404.
//
// The method will retry the request when the status code is
// temporary or when the transport fails.
//
// The returned response's body must be closed so that the
// connection is returned to the broker.
func (f *Fetcher) Fetch(ctx context.Context, u *url.URL) (*Response, error) {
	var maxAttempts = f.maxAttempts()
	var resp *Response
	var err error

	for attempt := 0; ; attempt++ {
		if attempt >= maxAttempts {
			return nil, fmt.Errorf("antfetch: max attempts of %d reached - %w", maxAttempts, err)
		}

		if resp, err = f.fetch(ctx, u); err == nil {
			return resp, nil
		}

		if isTemporary(err) {
			if err := f.backoff(ctx, attempt); err != nil {
				return nil, err
			}
			continue
		}

		var ferr *FetchError
		if errors.As(err, &ferr) && ferr.Status == 404 {
			return nil, nil
		}

		return nil, err
	}
}

// Fetch makes a single fetch attempt.
func (f *Fetcher) fetch(ctx context.Context, u *url.URL) (*Response, error) {
	t, err := TargetFromURL(u)
	if err != nil {
		return nil, err
	}

	var bins = f.binner().Bins(t)

	if f.Limiter != nil {
		if err := f.Limiter.Limit(ctx, bins); err != nil {
			return nil, fmt.Errorf("antfetch: limit %s - %w", t, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("antfetch: new request - %w", err)
	}

	for k, v := range f.headers() {
		req.Header[k] = v
	}

	h, err := f.broker().Acquire(ctx, t, bins, f.spec())
	if err != nil {
		return nil, err
	}

	if err := h.BeginFetch(FetchStandard); err != nil {
		h.Close()
		return nil, err
	}

	status, err := h.Execute(req)
	if err != nil {
		f.release(h)
		return nil, err
	}

	if status >= 400 {
		f.discard(h)
		f.release(h)
		return nil, &FetchError{
			URL:    u,
			Status: status,
		}
	}

	hdr, _ := h.Header()
	body, _ := h.Body()

	return &Response{
		URL:    u,
		Status: status,
		Header: hdr,
		Body: &responseBody{
			ReadCloser: body,
			fetcher:    f,
			handle:     h,
		},
	}, nil
}

// Release ends the fetch and closes the handle.
func (f *Fetcher) release(h *Handle) error {
	h.DoneFetch(f.Activity)
	return h.Close()
}

// Discard discards a small error body so that
// the connection can be reused.
func (f *Fetcher) discard(h *Handle) {
	if body, err := h.Body(); err == nil {
		io.Copy(ioutil.Discard, io.LimitReader(body, 4<<10))
	}
}

// MaxAttempts returns the max attempts.
func (f *Fetcher) maxAttempts() int {
	if f.MaxAttempts > 0 {
		return f.MaxAttempts
	}
	return 5
}

// Headers returns all headers.
func (f *Fetcher) headers() http.Header {
	var hdr = make(http.Header)

	hdr.Set("Accept", "text/html; charset=UTF-8")
	hdr.Set("User-Agent", f.userAgent())

	return hdr
}

// UserAgent returns the user agent to use.
func (f *Fetcher) userAgent() string {
	if ua := f.UserAgent; ua != nil {
		return ua.String()
	}
	return UserAgent.String()
}

// Broker returns the broker to use.
func (f *Fetcher) broker() *Broker {
	if f.Broker != nil {
		return f.Broker
	}
	return DefaultBroker
}

// Binner returns the binner to use.
func (f *Fetcher) binner() Binner {
	if f.Binner != nil {
		return f.Binner
	}
	return DefaultBinner
}

// Spec returns the spec to use.
func (f *Fetcher) spec() ThrottleSpec {
	if f.Spec != nil {
		return f.Spec
	}
	return Unthrottled
}

// Backoff performs the backoff.
func (f *Fetcher) backoff(ctx context.Context, attempt int) error {
	var dur = time.Duration(attempt*attempt) * minBackoff

	if dur > maxBackoff {
		dur = maxBackoff
	}

	var timer = time.NewTimer(dur)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ResponseBody ends the fetch when closed.
type responseBody struct {
	io.ReadCloser
	fetcher *Fetcher
	handle  *Handle
	closed  bool
}

// Close implementation.
func (b *responseBody) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	return b.fetcher.release(b.handle)
}
