package payload

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestScript_TrimmedAndNonEmpty(t *testing.T) {
	s := Script()
	if s == "" {
		t.Fatal("embedded script is empty")
	}
	if s != strings.TrimSpace(s) {
		t.Error("Script() is not trimmed")
	}
	if !strings.Contains(s, "window.ytInitialData") {
		t.Error("embedded script does not reference window.ytInitialData")
	}
	if strings.Contains(strings.ToLower(s), "</script") {
		t.Error("embedded script contains a closing script tag")
	}
}

func TestScript_Stable(t *testing.T) {
	// The payload must be identical for every exchange.
	if Script() != Script() {
		t.Error("Script() returned different values across calls")
	}
}

func TestLoad_DefaultsToEmbedded(t *testing.T) {
	s, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\"): %v", err)
	}
	if s != Script() {
		t.Error("Load(\"\") did not return the embedded script")
	}
}

func TestLoad_CustomScript(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.js")
	if err := os.WriteFile(path, []byte("\n  console.log('hi');\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load(%q): %v", path, err)
	}
	if s != "console.log('hi');" {
		t.Errorf("unexpected script %q", s)
	}
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.js")
	if err := os.WriteFile(empty, []byte("   \n"), 0o600); err != nil {
		t.Fatal(err)
	}

	unsafe := filepath.Join(dir, "unsafe.js")
	if err := os.WriteFile(unsafe, []byte("var s = '</SCRIPT>';"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		path string
	}{
		{"missing file", filepath.Join(dir, "nope.js")},
		{"empty file", empty},
		{"closing script tag", unsafe},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(tt.path); err == nil {
				t.Errorf("Load(%q) succeeded, want error", tt.path)
			}
		})
	}
}
