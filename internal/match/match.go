// Package match decides which intercepted exchanges qualify for rewriting.
// A Ruleset is built once at startup and shared read-only across all
// concurrently processed exchanges; its methods are pure functions.
package match

import (
	"strings"
)

// htmlMarker is the media type substring identifying HTML documents.
// Parameters such as charset are irrelevant to the check.
const htmlMarker = "text/html"

// Ruleset holds the host patterns identifying in-scope domains.
// Patterns are stored lower-cased so per-exchange checks only fold the host.
type Ruleset struct {
	hosts []string
}

// NewRuleset builds an immutable ruleset from host patterns. Empty and
// whitespace-only entries are dropped.
func NewRuleset(hosts []string) *Ruleset {
	rs := &Ruleset{hosts: make([]string, 0, len(hosts))}
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" {
			continue
		}
		rs.hosts = append(rs.hosts, h)
	}
	return rs
}

// Hosts returns a copy of the configured host patterns.
func (rs *Ruleset) Hosts() []string {
	out := make([]string, len(rs.hosts))
	copy(out, rs.hosts)
	return out
}

// HostEligible reports whether host matches any configured pattern.
// Matching is case-insensitive substring containment, so subdomains qualify
// automatically ("m.youtube.com" matches "youtube.com"). This is deliberately
// permissive and is not a security boundary: "notyoutube.com.evil.test" also
// matches. An empty host never matches.
func (rs *Ruleset) HostEligible(host string) bool {
	if host == "" {
		return false
	}
	host = strings.ToLower(host)
	for _, h := range rs.hosts {
		if strings.Contains(host, h) {
			return true
		}
	}
	return false
}

// ContentEligible reports whether the declared media type identifies an HTML
// document. The check is case-insensitive and ignores parameters, so
// "Text/HTML; charset=utf-8" qualifies. An absent header never matches.
func (rs *Ruleset) ContentEligible(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), htmlMarker)
}
