// Package proxy implements the ytap intercepting forward proxy. Plain HTTP
// requests (absolute-URI) are fetched upstream, run through the injection
// handler, and returned; CONNECT requests are tunneled untouched.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ezcorg/ytap/internal/audit"
	"github.com/ezcorg/ytap/internal/config"
	"github.com/ezcorg/ytap/internal/inject"
	"github.com/ezcorg/ytap/internal/match"
	"github.com/ezcorg/ytap/internal/metrics"
)

// Version is set at build time via ldflags.
var Version = "0.1.0-dev"

// requestMeta extracts the client IP (port stripped) and generates a unique
// exchange ID for the incoming request. Used by all proxy handler paths.
func requestMeta(r *http.Request) (clientIP, exchangeID string) {
	clientIP = r.RemoteAddr
	if host, _, err := net.SplitHostPort(clientIP); err == nil {
		clientIP = host
	}
	exchangeID = uuid.NewString()
	return
}

// Proxy is the ytap proxy server.
type Proxy struct {
	cfgPtr     atomic.Pointer[config.Config]
	limiterPtr atomic.Pointer[RateLimiter]
	handler    *inject.Handler
	logger     *audit.Logger
	metrics    *metrics.Metrics
	tunnelSem  *tunnelSemaphore
	dialer     *net.Dialer
	client     *http.Client
	server     *http.Server
	startTime  time.Time
	reloadMu   sync.Mutex // serializes Reload calls
}

// New creates a proxy from config.
func New(cfg *config.Config, logger *audit.Logger, handler *inject.Handler, m *metrics.Metrics) *Proxy {
	p := &Proxy{
		handler:   handler,
		logger:    logger,
		metrics:   m,
		startTime: time.Now(),
	}
	p.cfgPtr.Store(cfg)
	p.limiterPtr.Store(NewRateLimiter(cfg.Monitoring.MaxReqPerMinute))
	p.tunnelSem = newTunnelSemaphore(cfg.Proxy.MaxConcurrentTunnels)

	p.dialer = &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		DialContext:           p.dialer.DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: time.Duration(cfg.Proxy.TimeoutSeconds) * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		// Upstream must send identity-encoded bodies: a compressed body
		// cannot be rewritten without re-encoding it.
		DisableCompression: true,
	}

	p.client = &http.Client{
		Transport: transport,
		Timeout:   time.Duration(cfg.Proxy.TimeoutSeconds) * time.Second,
		// A proxy relays redirects to the client instead of chasing them.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return p
}

// CurrentConfig returns the currently active config. Used for reload comparison.
func (p *Proxy) CurrentConfig() *config.Config {
	return p.cfgPtr.Load()
}

// Reload atomically swaps the config, injection state, and rate limiter for
// hot-reload support. script is the already-loaded payload for the new config.
//
// Note: HTTP client timeouts, transport settings, and the server listen
// address are set at construction in New()/Start() and are NOT updated by
// Reload. Only values read per-request take effect immediately.
func (p *Proxy) Reload(cfg *config.Config, script string) {
	p.reloadMu.Lock()
	defer p.reloadMu.Unlock()

	oldCfg := p.cfgPtr.Load()
	p.cfgPtr.Store(cfg)

	p.handler.Update(match.NewRuleset(cfg.Injection.Hosts), script, cfg.InjectionEnabled())

	if oldCfg.Monitoring.MaxReqPerMinute != cfg.Monitoring.MaxReqPerMinute {
		old := p.limiterPtr.Swap(NewRateLimiter(cfg.Monitoring.MaxReqPerMinute))
		if old != nil {
			old.Close()
		}
	}
}

// Close releases resources owned by the proxy (rate limiter goroutine).
// Safe to call multiple times. Does not stop the HTTP server — use context
// cancellation in Start() for that.
func (p *Proxy) Close() {
	if rl := p.limiterPtr.Load(); rl != nil {
		rl.Close()
	}
}

// newMux builds the management endpoint routes served on the listen address
// for non-proxy requests.
func (p *Proxy) newMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", p.handleHealth)
	mux.Handle("/metrics", p.metrics.PrometheusHandler())
	mux.HandleFunc("/stats", p.metrics.StatsHandler())
	return mux
}

// buildHandler wraps a ServeMux to intercept CONNECT and absolute-URI forward
// proxy requests before falling through to the mux. Used by Start() and tests.
func (p *Proxy) buildHandler(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodConnect {
			p.handleConnect(w, r)
			return
		}
		if r.URL.IsAbs() && r.URL.Host != "" {
			p.handleForward(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})
}

// Start starts the proxy HTTP server. It blocks until the context is
// cancelled or the server encounters a fatal error.
func (p *Proxy) Start(ctx context.Context) error {
	cfg := p.cfgPtr.Load()

	handler := p.buildHandler(p.newMux())

	// CONNECT tunnels live beyond any single write timeout, and http.Server
	// enforces WriteTimeout per-connection, not per-handler, so it stays 0.
	// Tunnel lifetime is bounded by max_tunnel_seconds and
	// idle_timeout_seconds instead.
	p.server = &http.Server{
		Addr:    cfg.Listen,
		Handler: handler,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
		ReadHeaderTimeout: 5 * time.Second, // Slowloris protection
		IdleTimeout:       120 * time.Second,
	}

	// Graceful shutdown on context cancellation.
	// The done channel ensures this goroutine exits if ListenAndServe
	// fails immediately (e.g., address already in use).
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := p.server.Shutdown(shutdownCtx); err != nil {
				p.logger.LogError("SHUTDOWN", cfg.Listen, "", "", err)
			}
			p.Close()
		case <-done:
		}
	}()

	p.logger.LogStartup(cfg.Listen, cfg.Injection.Hosts)

	err := p.server.ListenAndServe()
	close(done) // unblock shutdown goroutine if server failed immediately
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// handleHealth serves a liveness summary.
func (p *Proxy) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"version":        Version,
		"uptime_seconds": time.Since(p.startTime).Seconds(),
	})
}
