package antfetch

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
)

func newBroker(t testing.TB, c BrokerConfig) *Broker {
	t.Helper()

	if c.Logger == nil {
		c.Logger = &log.Logger{
			Handler: discard.Default,
			Level:   log.DebugLevel,
		}
	}

	b := NewBroker(c)
	t.Cleanup(b.CloseIdle)
	return b
}

func serve(t testing.TB, f http.HandlerFunc) *url.URL {
	t.Helper()

	srv := httptest.NewServer(f)
	t.Cleanup(func() {
		srv.Close()
	})

	return parseURL(t, srv.URL)
}

func parseURL(t testing.TB, rawurl string) *url.URL {
	t.Helper()

	u, err := url.Parse(rawurl)
	if err != nil {
		t.Fatalf("parse %q: %s", rawurl, err)
	}

	return u
}

func target(t testing.TB, u *url.URL) Target {
	t.Helper()

	ret, err := TargetFromURL(u)
	if err != nil {
		t.Fatalf("target %q: %s", u, err)
	}

	return ret
}

func fake(host string) Target {
	return Target{Scheme: "http", Host: host, Port: 80}
}
