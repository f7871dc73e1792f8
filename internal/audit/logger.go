// Package audit provides structured JSON audit logging for all ytap events.
package audit

import (
	"io"
	"os"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog"
)

// sanitizeString strips control characters and ANSI escape sequences from a
// string before logging. Prevents terminal escape injection via crafted URLs
// (e.g., \x1b[2J to clear screen when tailing audit logs).
func sanitizeString(s string) string {
	// Fast path: most strings have no control characters.
	clean := true
	for _, r := range s {
		if r != '\t' && r != '\n' && (unicode.IsControl(r) || r == '\x1b') {
			clean = false
			break
		}
	}
	if clean {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	inEscape := false
	for _, r := range s {
		if inEscape {
			// ANSI escape sequences end with a letter (A-Z, a-z).
			if (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') {
				inEscape = false
			}
			continue
		}
		if r == '\x1b' {
			inEscape = true
			continue
		}
		// Allow tabs and newlines but strip other control chars.
		if r != '\t' && r != '\n' && unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// EventType describes the kind of audit event.
type EventType string

// Event type constants for structured audit log entries.
const (
	EventInjected        EventType = "injected"
	EventAlreadyInjected EventType = "already_injected"
	EventSkipped         EventType = "skipped"
	EventNoDocument      EventType = "no_document"
	EventEmptyBody       EventType = "empty_body"
	EventParseFailure    EventType = "parse_failure"
	EventFault           EventType = "fault"
	EventAllowed         EventType = "allowed"
	EventError           EventType = "error"
	EventTunnelOpen      EventType = "tunnel_open"
	EventTunnelClose     EventType = "tunnel_close"
	EventRateLimited     EventType = "rate_limited"
	EventConfigReload    EventType = "config_reload"
)

// Logger handles structured audit logging using zerolog.
type Logger struct {
	zl             zerolog.Logger
	includeAllowed bool
	fileHandle     *os.File // non-nil if logging to file
}

// New creates a new audit logger. The caller should call Close when done.
func New(format, output, filePath string, includeAllowed bool) (*Logger, error) {
	var writers []io.Writer

	if output == "stdout" || output == "both" {
		if format == "text" {
			writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
		} else {
			writers = append(writers, os.Stdout)
		}
	}

	var fileHandle *os.File
	if output == "file" || output == "both" {
		f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600) //nolint:gosec // G304: path validated by config layer
		if err != nil {
			return nil, err
		}
		writers = append(writers, f)
		fileHandle = f
	}

	if len(writers) == 0 {
		writers = append(writers, os.Stdout)
	}

	var w io.Writer
	if len(writers) == 1 {
		w = writers[0]
	} else {
		w = zerolog.MultiLevelWriter(writers...)
	}

	zl := zerolog.New(w).With().
		Timestamp().
		Str("component", "ytap").
		Logger()

	return &Logger{
		zl:             zl,
		includeAllowed: includeAllowed,
		fileHandle:     fileHandle,
	}, nil
}

// NewNop returns a no-op logger that discards all events.
func NewNop() *Logger {
	return &Logger{
		zl: zerolog.Nop(),
	}
}

// LogInjected logs a response that was rewritten with the capture script.
func (l *Logger) LogInjected(host, url, exchangeID string, originalBytes, rewrittenBytes int, duration time.Duration) {
	l.zl.Info().
		Str("event", string(EventInjected)).
		Str("host", sanitizeString(host)).
		Str("url", sanitizeString(url)).
		Str("exchange_id", exchangeID).
		Int("original_bytes", originalBytes).
		Int("rewritten_bytes", rewrittenBytes).
		Dur("duration_ms", duration).
		Msg("script injected")
}

// LogAlreadyInjected logs a response whose head already carries the payload.
func (l *Logger) LogAlreadyInjected(host, url, exchangeID string) {
	l.zl.Info().
		Str("event", string(EventAlreadyInjected)).
		Str("host", sanitizeString(host)).
		Str("url", sanitizeString(url)).
		Str("exchange_id", exchangeID).
		Msg("payload already present, left unchanged")
}

// LogSkipped logs a response passed through because it failed eligibility.
func (l *Logger) LogSkipped(host, url, exchangeID, reason string) {
	if !l.includeAllowed {
		return
	}
	l.zl.Debug().
		Str("event", string(EventSkipped)).
		Str("host", sanitizeString(host)).
		Str("url", sanitizeString(url)).
		Str("exchange_id", exchangeID).
		Str("reason", reason).
		Msg("response not eligible")
}

// LogNoDocument logs an eligible response whose body had no html or head
// element to anchor the script on.
func (l *Logger) LogNoDocument(host, url, exchangeID string, sizeBytes int) {
	l.zl.Warn().
		Str("event", string(EventNoDocument)).
		Str("host", sanitizeString(host)).
		Str("url", sanitizeString(url)).
		Str("exchange_id", exchangeID).
		Int("size_bytes", sizeBytes).
		Msg("no document skeleton, response unchanged")
}

// LogEmptyBody logs an eligible response that carried no body at all.
func (l *Logger) LogEmptyBody(host, url, exchangeID string) {
	l.zl.Info().
		Str("event", string(EventEmptyBody)).
		Str("host", sanitizeString(host)).
		Str("url", sanitizeString(url)).
		Str("exchange_id", exchangeID).
		Msg("empty body, nothing to rewrite")
}

// LogParseFailure logs an eligible response whose body could not be parsed.
func (l *Logger) LogParseFailure(host, url, exchangeID string, err error) {
	l.zl.Error().
		Str("event", string(EventParseFailure)).
		Str("host", sanitizeString(host)).
		Str("url", sanitizeString(url)).
		Str("exchange_id", exchangeID).
		Err(err).
		Msg("body unparseable, response unchanged")
}

// LogFault logs a recovered panic or unexpected error inside the rewriting
// pipeline. The exchange continues with the original response.
func (l *Logger) LogFault(host, url, exchangeID string, fault any) {
	l.zl.Error().
		Str("event", string(EventFault)).
		Str("host", sanitizeString(host)).
		Str("url", sanitizeString(url)).
		Str("exchange_id", exchangeID).
		Interface("fault", fault).
		Msg("rewrite fault contained, response passed through")
}

// LogAllowed logs a proxied request that completed without rewriting.
func (l *Logger) LogAllowed(method, url, clientIP, exchangeID string, statusCode, sizeBytes int, duration time.Duration) {
	if !l.includeAllowed {
		return
	}
	l.zl.Info().
		Str("event", string(EventAllowed)).
		Str("method", method).
		Str("url", sanitizeString(url)).
		Str("client_ip", clientIP).
		Str("exchange_id", exchangeID).
		Int("status_code", statusCode).
		Int("size_bytes", sizeBytes).
		Dur("duration_ms", duration).
		Msg("request proxied")
}

// LogError logs a fetch error.
func (l *Logger) LogError(method, url, clientIP, exchangeID string, err error) {
	l.zl.Error().
		Str("event", string(EventError)).
		Str("method", method).
		Str("url", sanitizeString(url)).
		Str("client_ip", clientIP).
		Str("exchange_id", exchangeID).
		Err(err).
		Msg("request error")
}

// LogTunnelOpen logs a CONNECT tunnel establishment.
func (l *Logger) LogTunnelOpen(target, clientIP, exchangeID string) {
	if !l.includeAllowed {
		return
	}
	l.zl.Info().
		Str("event", string(EventTunnelOpen)).
		Str("target", sanitizeString(target)).
		Str("client_ip", clientIP).
		Str("exchange_id", exchangeID).
		Msg("tunnel opened")
}

// LogTunnelClose logs a CONNECT tunnel teardown with traffic stats.
func (l *Logger) LogTunnelClose(target, clientIP, exchangeID string, totalBytes int64, duration time.Duration) {
	if !l.includeAllowed {
		return
	}
	l.zl.Info().
		Str("event", string(EventTunnelClose)).
		Str("target", sanitizeString(target)).
		Str("client_ip", clientIP).
		Str("exchange_id", exchangeID).
		Int64("total_bytes", totalBytes).
		Dur("duration_ms", duration).
		Msg("tunnel closed")
}

// LogRateLimited logs a request rejected by the per-host rate limiter.
func (l *Logger) LogRateLimited(host, clientIP, exchangeID string) {
	l.zl.Warn().
		Str("event", string(EventRateLimited)).
		Str("host", sanitizeString(host)).
		Str("client_ip", clientIP).
		Str("exchange_id", exchangeID).
		Msg("rate limit exceeded")
}

// LogConfigReload logs a configuration reload event.
func (l *Logger) LogConfigReload(status, detail string) {
	l.zl.Info().
		Str("event", string(EventConfigReload)).
		Str("status", status).
		Str("detail", detail).
		Msg("configuration reloaded")
}

// LogStartup logs that the proxy has started.
func (l *Logger) LogStartup(listenAddr string, hostRules []string) {
	l.zl.Info().
		Str("event", "startup").
		Str("listen", listenAddr).
		Strs("host_rules", hostRules).
		Msg("ytap started")
}

// LogShutdown logs that the proxy is shutting down.
func (l *Logger) LogShutdown(reason string) {
	l.zl.Info().
		Str("event", "shutdown").
		Str("reason", reason).
		Msg("ytap stopping")
}

// With returns a sub-logger that includes the given key-value pair in every
// log entry. The sub-logger shares the parent's file handle and config but
// does NOT own the file. Only the root logger should be Close()'d.
func (l *Logger) With(key, value string) *Logger {
	return &Logger{
		zl:             l.zl.With().Str(key, value).Logger(),
		includeAllowed: l.includeAllowed,
	}
}

// Close cleans up the logger, flushing and closing any open file handles.
// Close is idempotent and safe to call multiple times.
func (l *Logger) Close() {
	if l.fileHandle != nil {
		_ = l.fileHandle.Sync()
		_ = l.fileHandle.Close()
		l.fileHandle = nil
	}
}
