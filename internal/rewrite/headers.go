package rewrite

import (
	"net/http"
	"strconv"
)

// ReconcileLength overwrites the Content-Length header with the exact byte
// length of body. Must be called only after a real mutation: a declared
// length that disagrees with the body makes clients truncate or hang on
// delivery.
func ReconcileLength(h http.Header, body []byte) {
	h.Set("Content-Length", strconv.Itoa(len(body)))
}
