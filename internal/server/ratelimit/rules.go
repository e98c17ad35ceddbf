package ratelimit

import (
	"net/http"
	"strings"
	"time"

	"github.com/hirepilot/agentruns/internal/config"
)

// Rule limits one method on a path. A Path ending in "/" matches every path
// below it. A Limit of zero means unlimited.
type Rule struct {
	Method string
	Path   string
	Limit  int
	Window time.Duration
	Burst  int // defaults to Limit
}

// Config holds rate limiting configuration.
type Config struct {
	Enabled         bool
	DefaultLimit    int
	DefaultWindow   time.Duration
	CleanupInterval time.Duration
	// IdleTTL is how long an unused bucket is kept.
	IdleTTL   time.Duration
	Whitelist map[string]bool
	Blacklist map[string]bool
	Rules     []Rule
}

// FromConfig builds the limiter configuration from the service config.
func FromConfig(c config.RateLimitConfig) Config {
	return Config{
		Enabled:         c.Enabled,
		DefaultLimit:    c.DefaultLimit,
		DefaultWindow:   c.DefaultWindow,
		CleanupInterval: c.CleanupInterval,
		IdleTTL:         time.Hour,
		Whitelist:       ipSet(c.Whitelist),
		Blacklist:       ipSet(c.Blacklist),
		Rules:           DefaultRules(),
	}
}

// DefaultRules returns the per-route limits for the run API.
func DefaultRules() []Rule {
	return []Rule{
		// Creating runs persists a plan.
		{Method: http.MethodPost, Path: "/api/rex2/runs", Limit: 30, Window: time.Minute, Burst: 10},
		// start and cancel
		{Method: http.MethodPost, Path: "/api/rex2/runs/", Limit: 60, Window: time.Minute, Burst: 10},
	}
}

// Match returns the rule for a request, or nil when the default limit applies.
// Health checks and executor callbacks are never limited.
func Match(method, path string, rules []Rule) *Rule {
	if (method == http.MethodGet && path == "/health") || strings.HasPrefix(path, "/internal/") {
		return &Rule{Method: method, Path: path}
	}

	for i := range rules {
		if rules[i].Method == method && rules[i].Path == path {
			return &rules[i]
		}
	}
	for i := range rules {
		r := &rules[i]
		if r.Method == method && strings.HasSuffix(r.Path, "/") && strings.HasPrefix(path, r.Path) {
			return r
		}
	}
	return nil
}

func ipSet(ips []string) map[string]bool {
	set := make(map[string]bool, len(ips))
	for _, ip := range ips {
		if ip = strings.TrimSpace(ip); ip != "" {
			set[ip] = true
		}
	}
	return set
}
