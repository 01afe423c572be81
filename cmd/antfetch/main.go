// Command antfetch fetches URLs through a throttled broker.
//
// Usage:
//
//   antfetch --throttle throttle.yml https://example.com https://example.org
//
package main

import (
	"context"
	"io"
	"io/ioutil"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/dustin/go-humanize"
	"github.com/tj/kingpin"
	"github.com/yields/antfetch"
	"golang.org/x/sync/errgroup"
)

var (
	throttle    = kingpin.Flag("throttle", "YAML throttle description.").Short('t').ExistingFile()
	concurrency = kingpin.Flag("concurrency", "Number of concurrent fetches.").Short('c').Default("4").Int()
	maxOpen     = kingpin.Flag("max-open", "Maximum number of open connections, 0 means no limit.").Default("0").Int()
	rate        = kingpin.Flag("rate", "Maximum fetches per second per bin, 0 means no limit.").Default("0").Int()
	timeout     = kingpin.Flag("timeout", "Timeout of a single fetch.").Default("1m").Duration()
	agent       = kingpin.Flag("user-agent", "User agent to send.").Default("antbot").String()
	debug       = kingpin.Flag("debug", "Enable debug logs.").Bool()
	urls        = kingpin.Arg("urls", "URLs to fetch.").Required().Strings()
)

func main() {
	kingpin.Parse()

	log.SetHandler(cli.Default)
	if *debug {
		log.SetLevel(log.DebugLevel)
	}

	if err := run(); err != nil {
		log.WithError(err).Fatal("antfetch")
	}
}

func run() error {
	var ctx, cancel = context.WithCancel(context.Background())
	var spec antfetch.ThrottleSpec = antfetch.Unthrottled
	var total, fetched int64
	var start = time.Now()

	defer cancel()
	go interrupt(cancel)

	if *throttle != "" {
		d, err := antfetch.LoadDescription(*throttle)
		if err != nil {
			return err
		}
		spec = d
	}

	var broker = antfetch.NewBroker(antfetch.BrokerConfig{
		MaxOpen: *maxOpen,
		Logger:  log.Log,
	})
	defer broker.CloseIdle()

	var fetcher = &antfetch.Fetcher{
		Broker:    broker,
		Spec:      spec,
		UserAgent: antfetch.StaticAgent(*agent),
		Activity:  antfetch.LogActivity(log.Log),
	}

	if *rate > 0 {
		fetcher.Limiter = antfetch.LimitMatch("*", *rate)
	}

	maintain, mctx := errgroup.WithContext(ctx)
	maintain.Go(func() error {
		return broker.Maintain(mctx, 10*time.Second)
	})

	if *concurrency < 1 {
		*concurrency = 1
	}

	var eg errgroup.Group
	var sem = make(chan struct{}, *concurrency)

	for _, rawurl := range *urls {
		rawurl := rawurl
		sem <- struct{}{}

		eg.Go(func() error {
			defer func() { <-sem }()

			n, err := fetch(ctx, fetcher, rawurl)
			if err != nil {
				log.WithError(err).WithField("url", rawurl).Error("fetch failed")
				return nil
			}

			atomic.AddInt64(&total, n)
			atomic.AddInt64(&fetched, 1)
			return nil
		})
	}

	eg.Wait()
	cancel()

	if err := maintain.Wait(); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"urls":     humanize.Comma(fetched),
		"size":     humanize.Bytes(uint64(total)),
		"duration": time.Since(start).Round(time.Millisecond),
	}).Info("done")

	return nil
}

// Fetch fetches a single URL and discards its body.
func fetch(ctx context.Context, f *antfetch.Fetcher, rawurl string) (int64, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	resp, err := f.Fetch(ctx, u)
	if err != nil {
		return 0, err
	}

	if resp == nil {
		log.WithField("url", rawurl).Warn("not found")
		return 0, nil
	}
	defer resp.Body.Close()

	return io.Copy(ioutil.Discard, resp.Body)
}

// Interrupt cancels on the first interrupt signal.
func interrupt(cancel context.CancelFunc) {
	var sig = make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	<-sig
	cancel()
}
