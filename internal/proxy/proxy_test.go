package proxy

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/ezcorg/ytap/internal/audit"
	"github.com/ezcorg/ytap/internal/config"
	"github.com/ezcorg/ytap/internal/inject"
	"github.com/ezcorg/ytap/internal/match"
	"github.com/ezcorg/ytap/internal/metrics"
)

const proxyTestScript = "console.log('tap');"

// newTestProxy builds a proxy with the given host rules, serves it via
// httptest, and returns the proxy, its server, and a client routed through it.
func newTestProxy(t *testing.T, mutate func(*config.Config)) (*Proxy, *httptest.Server, *http.Client) {
	t.Helper()

	cfg := config.Defaults()
	if mutate != nil {
		mutate(cfg)
	}

	h := inject.New(match.NewRuleset(cfg.Injection.Hosts), proxyTestScript, audit.NewNop(), metrics.New())
	p := New(cfg, audit.NewNop(), h, metrics.New())
	t.Cleanup(p.Close)

	srv := httptest.NewServer(p.buildHandler(p.newMux()))
	t.Cleanup(srv.Close)

	proxyURL, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parsing proxy URL: %v", err)
	}
	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   5 * time.Second,
	}
	return p, srv, client
}

func TestHealthEndpoint(t *testing.T) {
	_, srv, _ := newTestProxy(t, nil)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding health response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v, want ok", body["status"])
	}
	if _, ok := body["uptime_seconds"]; !ok {
		t.Error("missing uptime_seconds field")
	}
}

func TestStatsEndpoint(t *testing.T) {
	_, srv, _ := newTestProxy(t, nil)

	resp, err := http.Get(srv.URL + "/stats")
	if err != nil {
		t.Fatalf("stats request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %s, want application/json", ct)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, srv, _ := newTestProxy(t, nil)

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) == 0 {
		t.Error("expected non-empty metrics exposition")
	}
}

func TestUnknownManagementPath(t *testing.T) {
	_, srv, _ := newTestProxy(t, nil)

	resp, err := http.Get(srv.URL + "/nope")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestForward_RateLimited(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	_, _, client := newTestProxy(t, func(c *config.Config) {
		c.Monitoring.MaxReqPerMinute = 1
	})

	resp, err := client.Get(upstream.URL)
	if err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", resp.StatusCode)
	}

	resp, err = client.Get(upstream.URL)
	if err != nil {
		t.Fatalf("second request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", resp.StatusCode)
	}
}

func TestReload_SwapsInjectionState(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><head></head><body>hi</body></html>"))
	}))
	defer upstream.Close()

	p, _, client := newTestProxy(t, nil)

	// Default rules do not match the loopback upstream.
	resp, err := client.Get(upstream.URL)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if containsScript(string(body)) {
		t.Fatal("script injected before reload added the host rule")
	}

	cfg := config.Defaults()
	cfg.Injection.Hosts = []string{"127.0.0.1"}
	p.Reload(cfg, proxyTestScript)

	resp, err = client.Get(upstream.URL)
	if err != nil {
		t.Fatalf("request after reload failed: %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if !containsScript(string(body)) {
		t.Error("script not injected after reload added the host rule")
	}
}

func TestReload_SwapsRateLimiter(t *testing.T) {
	p, _, _ := newTestProxy(t, nil)
	oldLimiter := p.limiterPtr.Load()

	cfg := config.Defaults()
	cfg.Monitoring.MaxReqPerMinute = 5
	p.Reload(cfg, proxyTestScript)

	if p.limiterPtr.Load() == oldLimiter {
		t.Error("rate limiter not replaced when limit changed")
	}
	if p.CurrentConfig().Monitoring.MaxReqPerMinute != 5 {
		t.Error("config not swapped")
	}
}

func TestReload_KeepsRateLimiterWhenLimitUnchanged(t *testing.T) {
	p, _, _ := newTestProxy(t, nil)
	oldLimiter := p.limiterPtr.Load()

	p.Reload(config.Defaults(), proxyTestScript)

	if p.limiterPtr.Load() != oldLimiter {
		t.Error("rate limiter replaced although limit did not change")
	}
}

func TestRequestMeta(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	r.RemoteAddr = "192.0.2.1:54321"

	clientIP, exchangeID := requestMeta(r)
	if clientIP != "192.0.2.1" {
		t.Errorf("clientIP = %s, want 192.0.2.1", clientIP)
	}
	if exchangeID == "" {
		t.Error("expected non-empty exchange ID")
	}

	_, other := requestMeta(r)
	if exchangeID == other {
		t.Error("expected unique exchange IDs per call")
	}
}
