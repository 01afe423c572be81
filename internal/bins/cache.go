// Package bins assigns throttle bins to hosts.
package bins

import (
	"net"
	"strings"
	"time"

	"github.com/segmentio/agecache"
	"golang.org/x/net/publicsuffix"
)

// Global is the bin every host belongs to.
const Global = ""

// Cache implements an LRU bins cache.
//
// The cache maintains an LRU of hostnames into
// their bins, when a new hostname is seen the
// bins are computed and added to the cache.
type Cache struct {
	lru    *agecache.Cache
	global bool
}

// NewCache returns a new cache.
//
// When global is true, every host also belongs
// to the Global bin.
func NewCache(capacity int, global bool) *Cache {
	lru := agecache.New(agecache.Config{
		Capacity:           capacity,
		MaxAge:             1 * time.Hour,
		ExpirationType:     agecache.PassiveExpration,
		ExpirationInterval: 1 * time.Minute,
	})
	return &Cache{lru: lru, global: global}
}

// Lookup returns the bins of host.
//
// Bins are ordered from the most specific to the least
// specific: the host, its registrable domain when it
// differs and the global bin.
//
// The returned slice must not be modified.
func (c *Cache) Lookup(host string) []string {
	host = strings.ToLower(host)

	if v, ok := c.lru.Get(host); ok {
		return v.([]string)
	}

	var ret = []string{host}

	if d := Domain(host); d != host {
		ret = append(ret, d)
	}

	if c.global {
		ret = append(ret, Global)
	}

	c.lru.Set(host, ret)
	return ret
}

// Domain returns the registrable domain of host.
//
// IP addresses, public suffixes and hosts without
// a known suffix are returned as is.
func Domain(host string) string {
	if net.ParseIP(strings.Trim(host, "[]")) != nil {
		return host
	}

	d, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}

	return d
}
