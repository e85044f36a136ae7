// Package core terminates subscriber streams and exposes the control
// surface. Each process owns only the connections it accepted; the
// presence store and the fan-out broker are the only shared resources.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"

	"github.com/InsulaLabs/pulse/config"
	"github.com/InsulaLabs/pulse/models"
	"github.com/InsulaLabs/pulse/presence"
)

const (
	// Time allowed to push one frame to a peer before we declare the
	// connection stalled and tear it down.
	writeWait = 10 * time.Second
)

type Core struct {
	appCtx    context.Context
	cfg       *config.Service
	logger    *slog.Logger
	presence  *presence.Store
	publisher models.Publisher
	registry  *Registry
	mux       *http.ServeMux

	rateLimiters map[string]*ttlcache.Cache[string, *rate.Limiter]

	startedAt  time.Time
	startMu    sync.Mutex
	httpServer *http.Server
}

var _ models.SubscriberSink = &Core{}

func New(
	ctx context.Context,
	logger *slog.Logger,
	cfg *config.Service,
	presenceStore *presence.Store,
	publisher models.Publisher,
) (*Core, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if presenceStore == nil {
		return nil, fmt.Errorf("presence store cannot be nil")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher cannot be nil")
	}

	rateLimiters := make(map[string]*ttlcache.Cache[string, *rate.Limiter])
	rlLogger := logger.With("component", "rate-limiter")

	makeCategoryRateLimiter := func() *ttlcache.Cache[string, *rate.Limiter] {
		cache := ttlcache.New[string, *rate.Limiter](
			ttlcache.WithTTL[string, *rate.Limiter](time.Minute*1),
			ttlcache.WithDisableTouchOnHit[string, *rate.Limiter](),
		)
		go cache.Start()
		return cache
	}

	if rlConfig := cfg.RateLimiters.Subscribe; rlConfig.Limit > 0 {
		rateLimiters["subscribe"] = makeCategoryRateLimiter()
		rlLogger.Info("Initialized rate limiter for 'subscribe'", "limit", rlConfig.Limit, "burst", rlConfig.Burst)
	}
	if rlConfig := cfg.RateLimiters.Control; rlConfig.Limit > 0 {
		rateLimiters["control"] = makeCategoryRateLimiter()
		rlLogger.Info("Initialized rate limiter for 'control'", "limit", rlConfig.Limit, "burst", rlConfig.Burst)
	}
	if rlConfig := cfg.RateLimiters.System; rlConfig.Limit > 0 {
		rateLimiters["system"] = makeCategoryRateLimiter()
		rlLogger.Info("Initialized rate limiter for 'system'", "limit", rlConfig.Limit, "burst", rlConfig.Burst)
	}
	if rlConfig := cfg.RateLimiters.Default; rlConfig.Limit > 0 {
		rateLimiters["default"] = makeCategoryRateLimiter()
		rlLogger.Info("Initialized rate limiter for 'default'", "limit", rlConfig.Limit, "burst", rlConfig.Burst)
	}

	c := &Core{
		appCtx:       ctx,
		cfg:          cfg,
		logger:       logger,
		presence:     presenceStore,
		publisher:    publisher,
		registry:     NewRegistry(logger),
		mux:          http.NewServeMux(),
		rateLimiters: rateLimiters,
	}
	c.bindRoutes()
	return c, nil
}

func (c *Core) Registry() *Registry {
	return c.registry
}

func (c *Core) bindRoutes() {
	c.mux.Handle("/api/v1/sse/subscribe", c.rateLimitMiddleware(http.HandlerFunc(c.subscribeHandler), "subscribe"))
	c.mux.Handle("/api/v1/sse/users", c.rateLimitMiddleware(http.HandlerFunc(c.usersHandler), "control"))
	c.mux.Handle("/api/v1/sse/notifyUser", c.rateLimitMiddleware(http.HandlerFunc(c.notifyUserHandler), "control"))
	c.mux.Handle("/api/v1/sse/broadcastAll", c.rateLimitMiddleware(http.HandlerFunc(c.broadcastAllHandler), "control"))
	c.mux.Handle("/health", c.rateLimitMiddleware(http.HandlerFunc(c.healthHandler), "system"))
}

// Handler returns the full middleware-wrapped HTTP surface.
func (c *Core) Handler() http.Handler {
	return c.corsMiddleware(c.mux)
}

// Start serves the HTTP surface until Stop or a listen failure.
func (c *Core) Start() error {
	c.startMu.Lock()
	if !c.startedAt.IsZero() {
		c.startMu.Unlock()
		return fmt.Errorf("service already started")
	}
	c.startedAt = time.Now()
	c.httpServer = &http.Server{
		Addr:        c.cfg.HttpBinding,
		Handler:     c.Handler(),
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: subscriber streams are long-lived; per-write
		// deadlines are managed by the stream endpoint instead.
		IdleTimeout: 60 * time.Second,
	}
	c.startMu.Unlock()

	c.logger.Info("HTTP service starting", "binding", c.cfg.HttpBinding)
	if err := c.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http service: %w", err)
	}
	return nil
}

func (c *Core) Stop() error {
	c.startMu.Lock()
	srv := c.httpServer
	c.startMu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func (c *Core) getRemoteAddress(r *http.Request) string {
	remoteIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		c.logger.Debug("Could not split host and port from remote address", "remote_addr", r.RemoteAddr, "error", err)
		remoteIP = r.RemoteAddr
	}

	trusted := make(map[string]struct{})
	for _, proxy := range c.cfg.TrustedProxies {
		trusted[proxy] = struct{}{}
	}

	if _, ok := trusted[remoteIP]; ok {
		if forwardedFor := r.Header.Get("X-Forwarded-For"); forwardedFor != "" {
			ips := strings.Split(forwardedFor, ",")
			return strings.TrimSpace(ips[0])
		}
	}
	return remoteIP
}

func (c *Core) getRateLimiter(category string, r *http.Request) *rate.Limiter {
	limiterCache, ok := c.rateLimiters[category]
	if !ok {
		limiterCache, ok = c.rateLimiters["default"]
		if !ok {
			return nil
		}
		category = "default"
	}

	var rlConfig config.RateLimiterConfig
	switch category {
	case "subscribe":
		rlConfig = c.cfg.RateLimiters.Subscribe
	case "control":
		rlConfig = c.cfg.RateLimiters.Control
	case "system":
		rlConfig = c.cfg.RateLimiters.System
	default:
		rlConfig = c.cfg.RateLimiters.Default
	}

	key := c.getRemoteAddress(r)
	if item := limiterCache.Get(key); item != nil {
		return item.Value()
	}
	limiter := rate.NewLimiter(rate.Limit(rlConfig.Limit), rlConfig.Burst)
	limiterCache.Set(key, limiter, ttlcache.DefaultTTL)
	return limiter
}

func (c *Core) rateLimitMiddleware(next http.Handler, category string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter := c.getRateLimiter(category, r)
		if limiter != nil && !limiter.Allow() {
			c.logger.Warn("Rate limit exceeded", "category", category, "remote", c.getRemoteAddress(r))
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware applies the configured origin policy. The default
// configuration allows everything; production must restrict it.
func (c *Core) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := ""
		for _, o := range c.cfg.Cors.AllowedOrigins {
			if o == "*" {
				allowed = "*"
				break
			}
			if o == origin {
				allowed = origin
				break
			}
		}
		if allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Cache-Control, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
