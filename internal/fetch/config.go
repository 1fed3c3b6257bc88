package fetch

import (
	"io/fs"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"time"
)

// Config is the explicit configuration of a Factory. Everything that used to be
// selected per request from ambient state (proxy, limits, file roots) is given here.
type Config struct {
	// MaxAttempts is the total number of attempts per request, first try included.
	MaxAttempts int `yaml:"max_attempts"`
	// RetryInterval is the fixed sleep between attempts.
	RetryInterval time.Duration `yaml:"retry_interval"`
	// Timeout bounds a single attempt.
	Timeout time.Duration `yaml:"timeout"`
	// Concurrency sizes the inner pool shared by all jobs.
	Concurrency int `yaml:"concurrency"`

	// TempDir receives response snapshots. A private directory is created below it.
	TempDir string `yaml:"temp_dir"`
	// MaxBodyBytes rejects larger response bodies.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
	// CacheSize is the maximum number of cached responses.
	CacheSize int64 `yaml:"cache_size"`
	// CacheTTL is how long a completed response stays shareable.
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// FileRoot confines file: URIs. Empty disables the scheme.
	FileRoot string `yaml:"file_root"`
	// Assets serves asset: URIs.
	Assets fs.FS `yaml:"-"`

	// Proxies route requests by host suffix. The first match wins; an empty
	// host matches everything.
	Proxies []ProxyRule `yaml:"proxies"`
}

// ProxyRule sends requests for Host (suffix match) through URL.
type ProxyRule struct {
	Host string `yaml:"host"`
	URL  string `yaml:"url"`
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 100 * time.Millisecond
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = runtime.NumCPU()
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 64 << 20
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 10000
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Minute
	}
	return c
}

// proxyFunc resolves the proxy for a request from the configured rules.
func (c Config) proxyFunc() (func(*http.Request) (*url.URL, error), error) {
	type rule struct {
		host string
		url  *url.URL
	}
	rules := make([]rule, 0, len(c.Proxies))
	for _, p := range c.Proxies {
		u, err := url.Parse(p.URL)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule{host: strings.ToLower(p.Host), url: u})
	}

	return func(req *http.Request) (*url.URL, error) {
		host := strings.ToLower(req.URL.Hostname())
		for _, r := range rules {
			if r.host == "" || host == r.host || strings.HasSuffix(host, "."+r.host) {
				return r.url, nil
			}
		}
		return nil, nil
	}, nil
}
