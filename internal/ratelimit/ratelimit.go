// Package ratelimit throttles API clients with a token bucket per client and
// route. Limits come from a named profile with tighter per-route limits for
// the expensive endpoints.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/linnemanlabs/go-core/log"
)

// Profile names a set of limits.
type Profile string

const (
	Strict     Profile = "strict"
	Moderate   Profile = "moderate"
	Permissive Profile = "permissive"
	Off        Profile = "off"
)

// Limit allows Requests per Window, refilled continuously.
type Limit struct {
	Requests int
	Window   time.Duration
}

// Rules is a default limit plus per-route overrides keyed by chi route pattern.
type Rules struct {
	Default Limit
	Routes  map[string]Limit
}

// Route patterns with their own limits.
const (
	RouteAnalyze      = "/api/v1/analyze"
	RouteAnalyzeBatch = "/api/v1/analyze/batch"
	RouteRetrieve     = "/api/v1/retrieve"
)

var profiles = map[Profile]Rules{
	Strict: {
		Default: Limit{30, time.Minute},
		Routes: map[string]Limit{
			RouteAnalyze:      {10, time.Minute},
			RouteAnalyzeBatch: {5, time.Minute},
			RouteRetrieve:     {20, time.Minute},
		},
	},
	Moderate: {
		Default: Limit{100, time.Minute},
		Routes: map[string]Limit{
			RouteAnalyze:      {30, time.Minute},
			RouteAnalyzeBatch: {10, time.Minute},
			RouteRetrieve:     {50, time.Minute},
		},
	},
	Permissive: {
		Default: Limit{300, time.Minute},
		Routes: map[string]Limit{
			RouteAnalyze:      {100, time.Minute},
			RouteAnalyzeBatch: {50, time.Minute},
			RouteRetrieve:     {150, time.Minute},
		},
	},
}

// ParseProfile validates a profile name.
func ParseProfile(s string) (Profile, error) {
	p := Profile(strings.ToLower(strings.TrimSpace(s)))
	if p == Off {
		return p, nil
	}
	if _, ok := profiles[p]; !ok {
		return "", fmt.Errorf("unknown rate limit profile %q (want strict, moderate, permissive or off)", s)
	}
	return p, nil
}

// RulesFor returns the rules of a profile. ok is false for Off and unknown names.
func RulesFor(p Profile) (Rules, bool) {
	r, ok := profiles[p]
	return r, ok
}

// DefaultMaxClients bounds the number of tracked buckets.
const DefaultMaxClients = 10000

// Options configure a Limiter.
type Options struct {
	Rules Rules

	// Exempt route patterns are never limited.
	Exempt []string

	// MaxClients bounds tracked buckets; least recently seen are dropped.
	MaxClients int

	// OnReject is called for every rejected request.
	OnReject func(route string)
}

// Limiter is HTTP middleware enforcing Rules.
type Limiter struct {
	rules    Rules
	exempt   map[string]bool
	buckets  *lru.Cache[string, *rate.Limiter]
	onReject func(string)
	logger   log.Logger
	now      func() time.Time
}

// New builds a Limiter.
func New(logger log.Logger, opts Options) (*Limiter, error) {
	if logger == nil {
		logger = log.Nop()
	}
	if opts.MaxClients <= 0 {
		opts.MaxClients = DefaultMaxClients
	}
	if err := opts.Rules.Default.validate(); err != nil {
		return nil, fmt.Errorf("default limit: %w", err)
	}
	for route, l := range opts.Rules.Routes {
		if err := l.validate(); err != nil {
			return nil, fmt.Errorf("limit for %s: %w", route, err)
		}
	}

	buckets, err := lru.New[string, *rate.Limiter](opts.MaxClients)
	if err != nil {
		return nil, err
	}

	exempt := make(map[string]bool, len(opts.Exempt))
	for _, p := range opts.Exempt {
		exempt[p] = true
	}

	return &Limiter{
		rules:    opts.Rules,
		exempt:   exempt,
		buckets:  buckets,
		onReject: opts.OnReject,
		logger:   logger.With("component", "ratelimit"),
		now:      time.Now,
	}, nil
}

func (l Limit) validate() error {
	if l.Requests < 1 || l.Window <= 0 {
		return fmt.Errorf("need at least 1 request per positive window, got %d/%s", l.Requests, l.Window)
	}
	return nil
}

// Middleware enforces the limits. It resolves the chi route pattern itself,
// so it can be installed on the top-level router before routing.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := routePattern(r)
		if l.exempt[route] {
			next.ServeHTTP(w, r)
			return
		}

		limit, ok := l.rules.Routes[route]
		if !ok {
			limit = l.rules.Default
		}

		client := clientKey(r)
		b := l.bucket(route, client, limit)

		now := l.now()
		res := b.ReserveN(now, 1)
		delay := res.DelayFrom(now)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit.Requests))

		if !res.OK() || delay > 0 {
			res.CancelAt(now)
			retry := int(math.Ceil(delay.Seconds()))
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			if l.onReject != nil {
				l.onReject(route)
			}
			l.logger.Warn(r.Context(), "rate limit exceeded", "client", client, "route", route, "retry_after_s", retry)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate_limited"}` + "\n"))
			return
		}

		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(b.TokensAt(now))))
		next.ServeHTTP(w, r)
	})
}

func (l *Limiter) bucket(route, client string, limit Limit) *rate.Limiter {
	key := route + "|" + client
	if b, ok := l.buckets.Get(key); ok {
		return b
	}
	b := rate.NewLimiter(rate.Every(limit.Window/time.Duration(limit.Requests)), limit.Requests)
	// A racing request may have added one; keep whichever is stored.
	if prev, ok, _ := l.buckets.PeekOrAdd(key, b); ok {
		return prev
	}
	return b
}

// routePattern finds the pattern the request will match, or "unmatched".
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil || rctx.Routes == nil {
		return "unmatched"
	}
	if p := rctx.RoutePattern(); p != "" && !strings.HasSuffix(p, "/*") {
		return p
	}
	if p := rctx.Routes.Find(chi.NewRouteContext(), r.Method, r.URL.Path); p != "" {
		return p
	}
	return "unmatched"
}

// clientKey identifies the caller: a hash of the API token when present,
// otherwise the remote IP.
func clientKey(r *http.Request) string {
	if tok := bearerOrKey(r); tok != "" {
		sum := sha256.Sum256([]byte(tok))
		return "key:" + hex.EncodeToString(sum[:8])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}

func bearerOrKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return auth[len("Bearer "):]
	}
	return r.Header.Get("X-API-Key")
}
