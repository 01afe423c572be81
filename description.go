package antfetch

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/match"
	"gopkg.in/yaml.v3"
)

// Rule represents a single throttle rule.
//
// A rule applies to every bin its pattern matches, a bin
// may be matched by many rules.
type Rule struct {
	// Match is a glob pattern matched against the bin name.
	Match string `yaml:"match"`

	// Regexp is a regular expression searched in the bin name.
	//
	// Exactly one of Match or Regexp must be set.
	Regexp string `yaml:"regexp"`

	// IgnoreCase makes the pattern case insensitive.
	IgnoreCase bool `yaml:"ignore-case"`

	// MaxConnections is the maximum number of open connections,
	// 0 means the rule does not limit connections.
	MaxConnections int `yaml:"max-connections"`

	// MaxKBPerSecond is the maximum transfer rate,
	// 0 means the rule does not limit bandwidth.
	MaxKBPerSecond float64 `yaml:"max-kb-per-second"`

	// MaxFetchesPerMinute is the maximum fetch rate,
	// 0 means the rule does not limit fetches.
	MaxFetchesPerMinute float64 `yaml:"max-fetches-per-minute"`

	re *regexp.Regexp
}

// Description is a throttle spec made of rules.
//
// Limits of a bin are aggregated from all matching rules,
// the most restrictive value wins. Lookups are cached per
// bin, the description must not be modified once used.
type Description struct {
	Rules []*Rule `yaml:"rules"`

	mu    sync.Mutex
	cache map[string]Limits
}

// ParseDescription parses a YAML description.
func ParseDescription(r io.Reader) (*Description, error) {
	var d Description

	if err := yaml.NewDecoder(r).Decode(&d); err != nil && err != io.EOF {
		return nil, fmt.Errorf("antfetch: decode description - %w", err)
	}

	if err := d.compile(); err != nil {
		return nil, err
	}

	return &d, nil
}

// LoadDescription loads a YAML description from path.
func LoadDescription(path string) (*Description, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("antfetch: open description - %w", err)
	}
	defer f.Close()

	return ParseDescription(f)
}

// NewDescription returns a description of rules.
func NewDescription(rules ...*Rule) (*Description, error) {
	var d = &Description{Rules: rules}

	if err := d.compile(); err != nil {
		return nil, err
	}

	return d, nil
}

// MaxConnections implementation.
func (d *Description) MaxConnections(bin string) int {
	return d.limits(bin).MaxConnections
}

// MinInterval implementation.
func (d *Description) MinInterval(bin string) time.Duration {
	return d.limits(bin).MinInterval
}

// MinMillisPerByte implementation.
func (d *Description) MinMillisPerByte(bin string) float64 {
	return d.limits(bin).MinMillisPerByte
}

// Limits returns the aggregated limits of bin.
func (d *Description) limits(bin string) Limits {
	d.mu.Lock()
	defer d.mu.Unlock()

	if l, ok := d.cache[bin]; ok {
		return l
	}

	var l = Limits{MaxConnections: Unlimited}

	for _, r := range d.Rules {
		if !r.matches(bin) {
			continue
		}

		if n := r.MaxConnections; n > 0 && (l.MaxConnections == Unlimited || n > l.MaxConnections) {
			l.MaxConnections = n
		}

		if kbps := r.MaxKBPerSecond; kbps > 0 {
			mspb := 1 / kbps
			if l.MinMillisPerByte == 0 || mspb < l.MinMillisPerByte {
				l.MinMillisPerByte = mspb
			}
		}

		if fpm := r.MaxFetchesPerMinute; fpm > 0 {
			interval := time.Duration(float64(time.Minute) / fpm)
			if l.MinInterval == 0 || interval < l.MinInterval {
				l.MinInterval = interval
			}
		}
	}

	if d.cache == nil {
		d.cache = make(map[string]Limits)
	}
	d.cache[bin] = l

	return l
}

// Compile validates and compiles all rules.
func (d *Description) compile() error {
	for j, r := range d.Rules {
		if err := r.compile(); err != nil {
			return fmt.Errorf("antfetch: rule %d - %w", j, err)
		}
	}
	return nil
}

// Compile validates and compiles the rule.
func (r *Rule) compile() error {
	if (r.Match == "") == (r.Regexp == "") {
		return fmt.Errorf("exactly one of match or regexp is required")
	}

	if r.MaxConnections < 0 || r.MaxKBPerSecond < 0 || r.MaxFetchesPerMinute < 0 {
		return fmt.Errorf("limits must not be negative")
	}

	if r.Regexp != "" {
		var expr = r.Regexp

		if r.IgnoreCase {
			expr = "(?i)" + expr
		}

		re, err := regexp.Compile(expr)
		if err != nil {
			return fmt.Errorf("compile %q - %w", r.Regexp, err)
		}

		r.re = re
	}

	return nil
}

// Matches returns true if the rule applies to bin.
func (r *Rule) matches(bin string) bool {
	if r.re != nil {
		return r.re.MatchString(bin)
	}

	if r.IgnoreCase {
		return match.Match(strings.ToLower(bin), strings.ToLower(r.Match))
	}

	return match.Match(bin, r.Match)
}
