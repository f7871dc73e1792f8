// Package payload holds the instrumentation script embedded into qualifying
// HTML responses. The script is fixed at process start and shared read-only
// across all exchanges; no per-request data is ever interpolated into it.
package payload

import (
	"fmt"
	"os"
	"strings"

	_ "embed"
)

//go:embed capture.js
var captureJS string

// Script returns the built-in capture script, trimmed of surrounding
// whitespace. The trimmed form is what gets embedded, so callers comparing
// injected content against Script() see an exact match.
func Script() string {
	return strings.TrimSpace(captureJS)
}

// Load returns the script to inject: the contents of path when non-empty,
// otherwise the built-in capture script. The result is trimmed. A script
// containing a closing script tag is rejected because it would terminate the
// element early when serialized into the document.
func Load(path string) (string, error) {
	if path == "" {
		return Script(), nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // G304: path from validated config
	if err != nil {
		return "", fmt.Errorf("reading script %s: %w", path, err)
	}
	script := strings.TrimSpace(string(data))
	if script == "" {
		return "", fmt.Errorf("script %s is empty", path)
	}
	if strings.Contains(strings.ToLower(script), "</script") {
		return "", fmt.Errorf("script %s contains a closing script tag", path)
	}
	return script, nil
}
