// Package inject orchestrates per-exchange response rewriting: eligibility
// checks, body decoding, script insertion, and header reconciliation. A fault
// anywhere in the pipeline is contained to the exchange that raised it; the
// client receives the original response.
package inject

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ezcorg/ytap/internal/audit"
	"github.com/ezcorg/ytap/internal/match"
	"github.com/ezcorg/ytap/internal/metrics"
	"github.com/ezcorg/ytap/internal/rewrite"
)

// Exchange is the narrow view of an in-flight request/response pair the
// handler needs. Implementations adapt whatever transport carries the
// exchange; the handler never sees the underlying connection.
type Exchange interface {
	// ID identifies the exchange in logs and metrics.
	ID() string
	// Host is the request host the response belongs to.
	Host() string
	// URL is the full request URL, for logging.
	URL() string
	// ContentType is the response Content-Type header value.
	ContentType() string
	// Body returns the buffered response body.
	Body() []byte
	// SetBody replaces the response body.
	SetBody([]byte)
	// Header exposes the response headers for reconciliation.
	Header() http.Header
}

// Result names for handled exchanges. They double as metrics label values.
const (
	ResultInjected        = "injected"
	ResultSkipped         = "skipped"
	ResultNoDocument      = "no_document"
	ResultAlreadyInjected = "already_injected"
	ResultEmptyBody       = "empty_body"
	ResultParseFailure    = "parse_failure"
	ResultFault           = "fault"
)

// state is the swappable part of the handler. Reload replaces the whole
// struct through one atomic pointer so a concurrent Handle never observes
// a half-updated rules/script pair.
type state struct {
	rules   *match.Ruleset
	script  string
	enabled bool
}

// Handler applies the capture script to eligible responses. Handle is safe
// for concurrent use; each call touches only its own exchange.
type Handler struct {
	state   atomic.Pointer[state]
	logger  *audit.Logger
	metrics *metrics.Metrics
}

// New creates a Handler with the given ruleset and script.
func New(rules *match.Ruleset, script string, logger *audit.Logger, m *metrics.Metrics) *Handler {
	h := &Handler{
		logger:  logger,
		metrics: m,
	}
	h.state.Store(&state{rules: rules, script: script, enabled: true})
	return h
}

// Update atomically swaps the ruleset, script, and enabled flag. In-flight
// exchanges finish with the state they started with.
func (h *Handler) Update(rules *match.Ruleset, script string, enabled bool) {
	h.state.Store(&state{rules: rules, script: script, enabled: enabled})
}

// Handle runs the rewriting pipeline on one exchange and returns the result
// name. The original response is modified only when the result is
// ResultInjected; every other path, including recovered panics, leaves the
// exchange untouched.
func (h *Handler) Handle(ex Exchange) (result string) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.LogFault(ex.Host(), ex.URL(), ex.ID(), r)
			h.metrics.RecordFault()
			result = ResultFault
		}
	}()

	st := h.state.Load()

	if !st.enabled {
		h.logger.LogSkipped(ex.Host(), ex.URL(), ex.ID(), "injection disabled")
		h.metrics.RecordOutcome(ResultSkipped)
		return ResultSkipped
	}
	if !st.rules.HostEligible(ex.Host()) {
		h.logger.LogSkipped(ex.Host(), ex.URL(), ex.ID(), "host not matched")
		h.metrics.RecordOutcome(ResultSkipped)
		return ResultSkipped
	}
	if !st.rules.ContentEligible(ex.ContentType()) {
		h.logger.LogSkipped(ex.Host(), ex.URL(), ex.ID(), "not html")
		h.metrics.RecordOutcome(ResultSkipped)
		return ResultSkipped
	}

	raw := ex.Body()
	if len(raw) == 0 {
		h.logger.LogEmptyBody(ex.Host(), ex.URL(), ex.ID())
		h.metrics.RecordOutcome(ResultEmptyBody)
		return ResultEmptyBody
	}

	start := time.Now()

	text, charsetName, err := rewrite.DecodeBody(raw, ex.ContentType())
	if err != nil {
		h.logger.LogParseFailure(ex.Host(), ex.URL(), ex.ID(), err)
		h.metrics.RecordOutcome(ResultParseFailure)
		return ResultParseFailure
	}

	rewritten, outcome, err := rewrite.Inject(text, st.script)
	if err != nil {
		h.logger.LogParseFailure(ex.Host(), ex.URL(), ex.ID(), err)
		h.metrics.RecordOutcome(ResultParseFailure)
		return ResultParseFailure
	}

	switch outcome {
	case rewrite.NoDocument:
		h.logger.LogNoDocument(ex.Host(), ex.URL(), ex.ID(), len(raw))
		h.metrics.RecordOutcome(ResultNoDocument)
		return ResultNoDocument
	case rewrite.AlreadyInjected:
		h.logger.LogAlreadyInjected(ex.Host(), ex.URL(), ex.ID())
		h.metrics.RecordOutcome(ResultAlreadyInjected)
		return ResultAlreadyInjected
	}

	encoded, err := rewrite.EncodeBody(rewritten, charsetName)
	if err != nil {
		// The decoded text came from this charset; failing to encode back
		// means the source charset cannot represent the payload. Leave
		// the response alone.
		h.logger.LogFault(ex.Host(), ex.URL(), ex.ID(), err)
		h.metrics.RecordFault()
		return ResultFault
	}

	ex.SetBody(encoded)
	rewrite.ReconcileLength(ex.Header(), encoded)

	dur := time.Since(start)
	h.logger.LogInjected(ex.Host(), ex.URL(), ex.ID(), len(raw), len(encoded), dur)
	h.metrics.RecordInjected(ex.Host(), len(encoded), dur)
	return ResultInjected
}
