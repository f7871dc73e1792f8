package proxy

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/ezcorg/ytap/internal/config"
)

func containsScript(body string) bool {
	return strings.Contains(body, proxyTestScript)
}

func TestForward_InjectsEligibleResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><head><title>watch</title></head><body>hi</body></html>"))
	}))
	defer upstream.Close()

	_, _, client := newTestProxy(t, func(c *config.Config) {
		c.Injection.Hosts = []string{"127.0.0.1"}
	})

	resp, err := client.Get(upstream.URL + "/watch")
	if err != nil {
		t.Fatalf("proxied request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		t.Fatalf("parsing rewritten body: %v", err)
	}
	first := doc.Find("head").Children().First()
	if !first.Is("script") {
		t.Errorf("head's first child is %q, want script", goquery.NodeName(first))
	}
	if first.Text() != proxyTestScript {
		t.Errorf("script text = %q, want %q", first.Text(), proxyTestScript)
	}
	if doc.Find("title").Text() != "watch" {
		t.Error("title lost during rewrite")
	}

	if got := resp.Header.Get("Content-Length"); got != strconv.Itoa(len(body)) {
		t.Errorf("Content-Length = %s, body is %d bytes", got, len(body))
	}
}

func TestForward_PassthroughUnmatchedHost(t *testing.T) {
	original := "<html><head></head><body>hi</body></html>"
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(original))
	}))
	defer upstream.Close()

	// Default rules (youtube hosts) never match the loopback upstream.
	_, _, client := newTestProxy(t, nil)

	resp, err := client.Get(upstream.URL)
	if err != nil {
		t.Fatalf("proxied request failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != original {
		t.Errorf("body modified for unmatched host:\n%s", body)
	}
}

func TestForward_PassthroughNonHTML(t *testing.T) {
	original := `{"items":[]}`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(original))
	}))
	defer upstream.Close()

	_, _, client := newTestProxy(t, func(c *config.Config) {
		c.Injection.Hosts = []string{"127.0.0.1"}
	})

	resp, err := client.Get(upstream.URL)
	if err != nil {
		t.Fatalf("proxied request failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != original {
		t.Errorf("non-html body modified:\n%s", body)
	}
}

func TestForward_PreservesUpstreamStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("<html><head></head><body>missing</body></html>"))
	}))
	defer upstream.Close()

	_, _, client := newTestProxy(t, func(c *config.Config) {
		c.Injection.Hosts = []string{"127.0.0.1"}
	})

	resp, err := client.Get(upstream.URL)
	if err != nil {
		t.Fatalf("proxied request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want upstream 404 relayed", resp.StatusCode)
	}
	// Error pages with a skeleton are still eligible for rewriting.
	body, _ := io.ReadAll(resp.Body)
	if !containsScript(string(body)) {
		t.Error("expected script injected into eligible 404 page")
	}
}

func TestForward_OversizeBodyStreamsThrough(t *testing.T) {
	// 1MB cap; serve just over it.
	big := strings.Repeat("a", 1024*1024+16)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(big))
	}))
	defer upstream.Close()

	_, _, client := newTestProxy(t, func(c *config.Config) {
		c.Injection.Hosts = []string{"127.0.0.1"}
		c.Proxy.MaxResponseMB = 1
	})

	resp, err := client.Get(upstream.URL)
	if err != nil {
		t.Fatalf("proxied request failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	if len(body) != len(big) {
		t.Fatalf("body length = %d, want %d", len(body), len(big))
	}
	if containsScript(string(body)) {
		t.Error("oversize body should pass through untouched")
	}
}

func TestForward_DoesNotFollowRedirects(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/old" {
			http.Redirect(w, r, "/new", http.StatusFound)
			return
		}
		_, _ = w.Write([]byte("landed"))
	}))
	defer upstream.Close()

	_, _, client := newTestProxy(t, nil)
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	resp, err := client.Get(upstream.URL + "/old")
	if err != nil {
		t.Fatalf("proxied request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusFound {
		t.Errorf("status = %d, want 302 relayed to client", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/new" {
		t.Errorf("Location = %s, want /new", loc)
	}
}

func TestForward_UpstreamUnreachable(t *testing.T) {
	_, _, client := newTestProxy(t, nil)

	// Port 1 on loopback is almost certainly closed.
	resp, err := client.Get("http://127.0.0.1:1/")
	if err != nil {
		t.Fatalf("proxied request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
}

func TestRemoveHopByHopHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "keep-alive, X-Custom-Hop")
	h.Set("Keep-Alive", "timeout=5")
	h.Set("Transfer-Encoding", "chunked")
	h.Set("Proxy-Authorization", "Basic abc")
	h.Set("X-Custom-Hop", "value")
	h.Set("Content-Type", "text/html")
	h.Set("X-Request-Id", "123")

	removeHopByHopHeaders(h)

	for _, name := range []string{
		"Connection", "Keep-Alive", "Transfer-Encoding",
		"Proxy-Authorization", "X-Custom-Hop",
	} {
		if h.Get(name) != "" {
			t.Errorf("header %s should have been removed", name)
		}
	}
	if h.Get("Content-Type") != "text/html" {
		t.Error("Content-Type should survive")
	}
	if h.Get("X-Request-Id") != "123" {
		t.Error("X-Request-Id should survive")
	}
}

func TestTunnelSemaphore(t *testing.T) {
	sem := newTunnelSemaphore(2)

	if !sem.TryAcquire() {
		t.Fatal("first acquire should succeed")
	}
	if !sem.TryAcquire() {
		t.Fatal("second acquire should succeed")
	}
	if sem.TryAcquire() {
		t.Fatal("third acquire should fail at capacity 2")
	}

	sem.Release()
	if !sem.TryAcquire() {
		t.Error("acquire after release should succeed")
	}
}

// startEchoListener accepts one connection and echoes everything back.
func startEchoListener(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("starting echo listener: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = io.Copy(conn, conn)
	}()
	return ln
}

func TestConnect_TunnelRelaysBytes(t *testing.T) {
	echo := startEchoListener(t)
	_, srv, _ := newTestProxy(t, nil)

	conn, err := net.Dial("tcp", srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("dialing proxy: %v", err)
	}
	defer conn.Close()

	target := echo.Addr().String()
	fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target)

	br := bufio.NewReader(conn)
	status, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("reading CONNECT response: %v", err)
	}
	if !strings.Contains(status, "200") {
		t.Fatalf("CONNECT status = %q, want 200", status)
	}
	// Consume the blank line terminating the response.
	if _, err := br.ReadString('\n'); err != nil {
		t.Fatalf("reading response terminator: %v", err)
	}

	payload := "tunnel payload\n"
	if _, err := conn.Write([]byte(payload)); err != nil {
		t.Fatalf("writing through tunnel: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	echoed, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("reading echo: %v", err)
	}
	if echoed != payload {
		t.Errorf("echoed = %q, want %q", echoed, payload)
	}
}

func TestConnect_DialFailure(t *testing.T) {
	_, srv, _ := newTestProxy(t, nil)

	conn, err := net.Dial("tcp", srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("dialing proxy: %v", err)
	}
	defer conn.Close()

	fmt.Fprintf(conn, "CONNECT 127.0.0.1:1 HTTP/1.1\r\nHost: 127.0.0.1:1\r\n\r\n")

	br := bufio.NewReader(conn)
	status, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("reading CONNECT response: %v", err)
	}
	if !strings.Contains(status, "502") {
		t.Errorf("CONNECT status = %q, want 502", status)
	}
}

func TestConnect_TunnelCapacityExhausted(t *testing.T) {
	echo := startEchoListener(t)
	p, srv, _ := newTestProxy(t, func(c *config.Config) {
		c.Proxy.MaxConcurrentTunnels = 1
	})

	// Occupy the only slot.
	if !p.tunnelSem.TryAcquire() {
		t.Fatal("could not occupy tunnel slot")
	}
	defer p.tunnelSem.Release()

	conn, err := net.Dial("tcp", srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("dialing proxy: %v", err)
	}
	defer conn.Close()

	target := echo.Addr().String()
	fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target)

	br := bufio.NewReader(conn)
	status, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("reading CONNECT response: %v", err)
	}
	if !strings.Contains(status, "503") {
		t.Errorf("CONNECT status = %q, want 503", status)
	}
}
