// Package rewrite performs the structural mutation of intercepted HTML
// documents: it parses the response body into a tree, inserts the
// instrumentation script as the first child of head, and serializes the
// result. It also recomputes the size-declaring header afterwards so the
// rewritten body and its declared length agree.
package rewrite

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// ErrParseFailure is returned when the body cannot be parsed at all.
// Malformed-but-parseable markup does not trigger it; tolerant parsing
// produces a best-effort tree instead.
var ErrParseFailure = errors.New("html parse failure")

// Outcome describes the result of an injection attempt. "Nothing to inject
// into" is an expected branch, not an error, so it is modeled as a value.
type Outcome int

const (
	// Injected means the script was inserted and the body was rewritten.
	Injected Outcome = iota
	// NoDocument means the body has no html or head element to anchor on;
	// the body is returned unchanged.
	NoDocument
	// AlreadyInjected means the document's head already carries the exact
	// payload; the body is returned unchanged to keep injection idempotent.
	AlreadyInjected
)

// String returns the snake_case name used in logs and metrics labels.
func (o Outcome) String() string {
	switch o {
	case Injected:
		return "injected"
	case NoDocument:
		return "no_document"
	case AlreadyInjected:
		return "already_injected"
	default:
		return "unknown"
	}
}

// Inject parses body, inserts a script element carrying the trimmed payload
// as the first child of head, and returns the serialized result. When the
// body contains neither an html nor a head tag there is no skeleton to attach
// to and the input is returned unchanged with NoDocument. A head synthesized
// for a headless <html> document becomes the root's first child, matching
// where browsers place it.
//
// The returned body differs from the input only when the outcome is Injected.
func Inject(body, script string) (string, Outcome, error) {
	script = strings.TrimSpace(script)

	// Tolerant parsers synthesize <html> and <head> around any input, even
	// plain text. Deciding the "no document skeleton" branch therefore has
	// to happen lexically, before parsing.
	if !hasDocumentSkeleton(body) {
		return body, NoDocument, nil
	}

	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return body, NoDocument, fmt.Errorf("%w: %v", ErrParseFailure, err)
	}

	head := findElement(doc, "head")
	if head == nil {
		// Parse guarantees a head whenever a document is produced; reaching
		// here means the tree is unusable.
		return body, NoDocument, nil
	}

	if containsScript(head, script) {
		return body, AlreadyInjected, nil
	}

	node := &html.Node{
		Type: html.ElementNode,
		Data: "script",
	}
	node.AppendChild(&html.Node{
		Type: html.TextNode,
		Data: script,
	})

	if head.FirstChild != nil {
		head.InsertBefore(node, head.FirstChild)
	} else {
		head.AppendChild(node)
	}

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return body, NoDocument, fmt.Errorf("rendering document: %w", err)
	}
	return buf.String(), Injected, nil
}

// hasDocumentSkeleton reports whether body contains an html or head tag.
// The check is case-insensitive and requires a tag-name boundary so that
// <header> does not count as <head>.
func hasDocumentSkeleton(body string) bool {
	lower := strings.ToLower(body)
	return containsTag(lower, "<html") || containsTag(lower, "<head")
}

// containsTag reports whether lower contains prefix followed by a character
// that ends a tag name (whitespace, '>', or '/').
func containsTag(lower, prefix string) bool {
	for start := 0; ; {
		i := strings.Index(lower[start:], prefix)
		if i < 0 {
			return false
		}
		end := start + i + len(prefix)
		if end >= len(lower) {
			return true
		}
		switch lower[end] {
		case ' ', '\t', '\n', '\r', '\f', '>', '/':
			return true
		}
		start = end
	}
}

// findElement returns the first element with the given tag name in document
// order, or nil.
func findElement(n *html.Node, name string) *html.Node {
	if n.Type == html.ElementNode && n.Data == name {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, name); found != nil {
			return found
		}
	}
	return nil
}

// containsScript reports whether head already has a script child whose text
// content equals script.
func containsScript(head *html.Node, script string) bool {
	for c := head.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode || c.Data != "script" {
			continue
		}
		var text strings.Builder
		for t := c.FirstChild; t != nil; t = t.NextSibling {
			if t.Type == html.TextNode {
				text.WriteString(t.Data)
			}
		}
		if strings.TrimSpace(text.String()) == script {
			return true
		}
	}
	return false
}
