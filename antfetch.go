// Package antfetch implements the fetch engine of a web crawler.
//
// Every fetch goes through a Broker which enforces, at the same time,
// a maximum number of open connections and a maximum byte rate for
// each "bin" a fetch target belongs to. A bin is any throttling group
// the caller assigns, typically the hostname, its registrable domain
// and the empty global bin.
//
// Usage:
//
//   broker := antfetch.NewBroker(antfetch.BrokerConfig{})
//   h, err := broker.Acquire(ctx, target, bins, spec)
//   if err != nil {
//     return err
//   }
//   defer h.Close()
//
//   h.BeginFetch(antfetch.FetchStandard)
//   defer h.DoneFetch(activities)
//
//   status, err := h.Execute(req)
//   body, err := h.Body()
//
package antfetch

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Credentials represents the credentials used for a target.
type Credentials struct {
	Username string
	Password string
}

// Empty returns true if no credentials are set.
func (c Credentials) Empty() bool {
	return c.Username == "" && c.Password == ""
}

// Target represents the endpoint of a connection.
//
// Two handles are interchangeable only when their
// targets are equal.
type Target struct {
	// Scheme is either "http" or "https".
	Scheme string

	// Host is the lowercase hostname or IP address.
	Host string

	// Port is the port to connect to.
	Port int

	// Auth are the credentials to send, if any.
	Auth Credentials

	// Trust names the TLS trust context to use.
	//
	// The empty string is the default trust context, any
	// other value must be configured in BrokerConfig.Trust.
	Trust string
}

// TargetFromURL returns the target of the given URL.
//
// The scheme and host are lowercased and the port defaults
// to the scheme's port, URL userinfo becomes the credentials.
func TargetFromURL(u *url.URL) (Target, error) {
	var t = Target{
		Scheme: strings.ToLower(u.Scheme),
		Host:   strings.ToLower(u.Hostname()),
	}

	switch t.Scheme {
	case "http":
		t.Port = 80
	case "https":
		t.Port = 443
	default:
		return Target{}, fmt.Errorf("antfetch: unsupported scheme %q", u.Scheme)
	}

	if t.Host == "" {
		return Target{}, fmt.Errorf("antfetch: missing host in %q", u)
	}

	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return Target{}, fmt.Errorf("antfetch: bad port %q - %w", p, err)
		}
		t.Port = port
	}

	if u.User != nil {
		t.Auth.Username = u.User.Username()
		t.Auth.Password, _ = u.User.Password()
	}

	return t, nil
}

// String implementation.
func (t Target) String() string {
	return t.Scheme + "://" + t.addr()
}

// Addr returns the host:port of the target.
func (t Target) addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Serves returns true if the URL points at the target.
func (t Target) serves(u *url.URL) bool {
	other, err := TargetFromURL(u)
	if err != nil {
		return false
	}
	return other.Scheme == t.Scheme &&
		other.Host == t.Host &&
		other.Port == t.Port
}

// Transport returns the round tripper for a new handle.
//
// Each handle is a single connection, the returned
// transport must keep at most one connection open.
type Transport func(t Target, tlsConfig *tls.Config) http.RoundTripper

// DefaultTransport is the default handle transport.
//
// It is configured the same way as `http.DefaultTransport`
// except that it keeps a single connection to the target
// and never times out idle connections on its own, the
// broker decides when an idle handle is destroyed.
func DefaultTransport(t Target, tlsConfig *tls.Config) http.RoundTripper {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:       tlsConfig,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          1,
		MaxIdleConnsPerHost:   1,
		MaxConnsPerHost:       1,
		IdleConnTimeout:       0,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
