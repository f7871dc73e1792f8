package proxy

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const tunnelBufSize = 32 * 1024 // 32KB copy buffer

// hopByHopHeaders are RFC 7230 section 6.1 hop-by-hop headers that must be
// removed when forwarding requests/responses through a proxy.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// tunnelSemaphore limits concurrent CONNECT tunnels.
type tunnelSemaphore struct {
	ch chan struct{}
}

func newTunnelSemaphore(capacity int) *tunnelSemaphore {
	return &tunnelSemaphore{ch: make(chan struct{}, capacity)}
}

func (s *tunnelSemaphore) TryAcquire() bool {
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *tunnelSemaphore) Release() {
	<-s.ch
}

// checkRateLimit applies the per-host sliding window limit. Returns false
// and writes a 429 when the host is over budget.
func (p *Proxy) checkRateLimit(w http.ResponseWriter, host, clientIP, exchangeID string) bool {
	rl := p.limiterPtr.Load()
	if rl.IsAllowed(host) {
		rl.Record(host)
		return true
	}
	p.logger.LogRateLimited(host, clientIP, exchangeID)
	p.metrics.RecordRateLimited()
	http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
	return false
}

// handleConnect handles HTTP CONNECT tunnel requests. TLS traffic passes
// through opaque; the proxy never terminates it, so HTTPS responses are not
// rewritten.
func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	cfg := p.cfgPtr.Load()

	clientIP, exchangeID := requestMeta(r)

	target := r.Host
	if target == "" {
		http.Error(w, "missing target host", http.StatusBadRequest)
		return
	}

	// Ensure target has a port. CONNECT targets are always host:port.
	// Strip brackets from bare IPv6 literals before JoinHostPort adds them back.
	if _, _, err := net.SplitHostPort(target); err != nil {
		bare := strings.TrimPrefix(strings.TrimSuffix(target, "]"), "[")
		target = net.JoinHostPort(bare, "443")
	}

	host, _, _ := net.SplitHostPort(target)
	if !p.checkRateLimit(w, strings.ToLower(host), clientIP, exchangeID) {
		p.metrics.RecordTunnelRejected()
		return
	}

	if !p.tunnelSem.TryAcquire() {
		p.metrics.RecordTunnelRejected()
		http.Error(w, "too many active tunnels", http.StatusServiceUnavailable)
		return
	}
	defer p.tunnelSem.Release()

	// Compute absolute deadline once from start. This covers both dial and
	// relay so the total tunnel lifetime never exceeds max_tunnel_seconds.
	maxDuration := time.Duration(cfg.Proxy.MaxTunnelSeconds) * time.Second
	deadline := start.Add(maxDuration)

	targetConn, err := p.dialer.DialContext(r.Context(), "tcp", target)
	if err != nil {
		p.logger.LogError(http.MethodConnect, target, clientIP, exchangeID, err)
		http.Error(w, "tunnel dial failed", http.StatusBadGateway)
		return
	}
	defer targetConn.Close() //nolint:errcheck // best effort

	// Hijack the client connection
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		p.logger.LogError(http.MethodConnect, target, clientIP, exchangeID,
			fmt.Errorf("response writer does not support hijacking"))
		http.Error(w, "hijack not supported", http.StatusInternalServerError)
		return
	}

	clientConn, buf, err := hijacker.Hijack()
	if err != nil {
		p.logger.LogError(http.MethodConnect, target, clientIP, exchangeID, err)
		return
	}
	defer clientConn.Close() //nolint:errcheck // best effort

	// Send 200 Connection Established
	_, _ = clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))

	// Flush any buffered data from the HTTP parsing layer
	if buf.Reader.Buffered() > 0 {
		buffered := make([]byte, buf.Reader.Buffered())
		_, _ = buf.Read(buffered)
		_, _ = targetConn.Write(buffered)
	}

	p.metrics.IncrActiveTunnels()
	p.logger.LogTunnelOpen(target, clientIP, exchangeID)

	// Bidirectional relay with idle timeout
	idleTimeout := time.Duration(cfg.Proxy.IdleTimeoutSeconds) * time.Second
	totalBytes := bidirectionalCopy(clientConn, targetConn, idleTimeout, deadline)

	p.metrics.DecrActiveTunnels()
	duration := time.Since(start)
	p.metrics.RecordTunnel(duration, totalBytes)
	p.logger.LogTunnelClose(target, clientIP, exchangeID, totalBytes, duration)
}

// bidirectionalCopy relays data between two connections with idle timeout.
// The deadline is an absolute time computed once in handleConnect so the total
// tunnel lifetime (including dial) never exceeds max_tunnel_seconds.
// Returns the total bytes transferred in both directions.
func bidirectionalCopy(client, target net.Conn, idleTimeout time.Duration, deadline time.Time) int64 {
	_ = client.SetDeadline(deadline)
	_ = target.SetDeadline(deadline)

	var clientToTarget, targetToClient int64
	done := make(chan struct{})

	go func() {
		clientToTarget = copyWithIdleTimeout(target, client, idleTimeout, deadline)
		// Half-close: signal target that no more data is coming
		if tc, ok := target.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
		close(done)
	}()

	targetToClient = copyWithIdleTimeout(client, target, idleTimeout, deadline)
	// Half-close: signal client that no more data is coming
	if tc, ok := client.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}

	<-done
	return clientToTarget + targetToClient
}

// copyWithIdleTimeout copies from src to dst, resetting the read deadline
// on src after each successful read. The per-read deadline is capped at the
// absolute deadline so tunnels cannot exceed max_tunnel_seconds while active.
// Returns total bytes copied.
func copyWithIdleTimeout(dst, src net.Conn, idleTimeout time.Duration, deadline time.Time) int64 {
	buf := make([]byte, tunnelBufSize)
	var total int64
	for {
		rd := time.Now().Add(idleTimeout)
		if rd.After(deadline) {
			rd = deadline
		}
		_ = src.SetReadDeadline(rd)
		n, err := src.Read(buf)
		if n > 0 {
			written, wErr := dst.Write(buf[:n])
			total += int64(written)
			if wErr != nil {
				return total
			}
		}
		if err != nil {
			return total
		}
	}
}

// httpExchange adapts a buffered upstream response to the injection
// handler's exchange view.
type httpExchange struct {
	id          string
	host        string
	url         string
	contentType string
	body        []byte
	header      http.Header
}

func (e *httpExchange) ID() string          { return e.id }
func (e *httpExchange) Host() string        { return e.host }
func (e *httpExchange) URL() string         { return e.url }
func (e *httpExchange) ContentType() string { return e.contentType }
func (e *httpExchange) Body() []byte        { return e.body }
func (e *httpExchange) SetBody(b []byte)    { e.body = b }
func (e *httpExchange) Header() http.Header { return e.header }

// handleForward handles forward proxy requests with absolute URIs
// (e.g., GET http://example.com/path). The response body is buffered, run
// through the injection handler, and written back with a reconciled
// Content-Length.
func (p *Proxy) handleForward(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	cfg := p.cfgPtr.Load()

	clientIP, exchangeID := requestMeta(r)
	targetURL := r.URL.String()
	host := strings.ToLower(r.URL.Hostname())

	if !p.checkRateLimit(w, host, clientIP, exchangeID) {
		return
	}

	// Clone request and strip hop-by-hop headers. Accept-Encoding goes too:
	// the transport negotiates identity so the body arrives rewritable.
	outReq := r.Clone(r.Context())
	outReq.RequestURI = "" // required for http.Client
	removeHopByHopHeaders(outReq.Header)
	outReq.Header.Del("Accept-Encoding")
	if outReq.Header.Get("User-Agent") == "" && cfg.Proxy.UserAgent != "" {
		outReq.Header.Set("User-Agent", cfg.Proxy.UserAgent)
	}

	resp, err := p.client.Do(outReq)
	if err != nil {
		p.logger.LogError(r.Method, targetURL, clientIP, exchangeID, err)
		http.Error(w, "upstream fetch failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close() //nolint:errcheck // response body

	// Copy response headers, stripping hop-by-hop
	respHeader := w.Header()
	for k, vv := range resp.Header {
		for _, v := range vv {
			respHeader.Add(k, v)
		}
	}
	removeHopByHopHeaders(respHeader)

	// Buffer up to the cap plus one byte so oversize bodies are detectable.
	maxBytes := int64(cfg.Proxy.MaxResponseMB) * 1024 * 1024
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		p.logger.LogError(r.Method, targetURL, clientIP, exchangeID, err)
		http.Error(w, "upstream read failed", http.StatusBadGateway)
		return
	}

	if int64(len(body)) > maxBytes {
		// Too large to rewrite. Stream it through untouched: buffered part
		// first, then the rest straight off the wire.
		p.logger.LogSkipped(host, targetURL, exchangeID, "response exceeds max_response_mb")
		p.metrics.RecordOutcome("skipped")
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(body)
		_, _ = io.Copy(w, resp.Body)
		return
	}

	ex := &httpExchange{
		id:          exchangeID,
		host:        host,
		url:         targetURL,
		contentType: resp.Header.Get("Content-Type"),
		body:        body,
		header:      respHeader,
	}
	p.handler.Handle(ex)

	// The body was fully buffered (and possibly rewritten), so the declared
	// length is always the buffered length.
	respHeader.Set("Content-Length", fmt.Sprintf("%d", len(ex.body)))

	w.WriteHeader(resp.StatusCode)
	written, _ := w.Write(ex.body)

	duration := time.Since(start)
	p.logger.LogAllowed(r.Method, targetURL, clientIP, exchangeID, resp.StatusCode, written, duration)
}

// removeHopByHopHeaders strips RFC 7230 section 6.1 hop-by-hop headers
// from an http.Header. Per the RFC, the Connection header value lists
// additional header names that are hop-by-hop for this connection and
// must also be removed before forwarding.
func removeHopByHopHeaders(h http.Header) {
	// First, parse Connection header for additional hop-by-hop names.
	// e.g., "Connection: X-Foo, close" means X-Foo is also hop-by-hop.
	if connValues := h.Values("Connection"); len(connValues) > 0 {
		for _, v := range connValues {
			for _, name := range strings.Split(v, ",") {
				name = strings.TrimSpace(name)
				if name != "" {
					h.Del(name)
				}
			}
		}
	}

	// Then remove the standard hop-by-hop headers.
	for _, header := range hopByHopHeaders {
		h.Del(header)
	}
}
