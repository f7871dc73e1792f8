package rewrite

import (
	"fmt"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
)

// DecodeBody converts raw response bytes to UTF-8 text and reports the
// canonical name of the source charset. Resolution follows the HTML rules:
// the Content-Type charset parameter wins, then BOM and meta-tag sniffing,
// then the windows-1252 fallback. The returned name is what EncodeBody must
// receive so the rewritten body goes back out in the source encoding — a
// document whose meta tag declares windows-1252 must not be re-emitted as
// UTF-8 bytes. Undecodable bytes become replacement runes rather than failing.
func DecodeBody(raw []byte, contentType string) (text, charsetName string, err error) {
	enc, name, _ := charset.DetermineEncoding(raw, contentType)
	decoded, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return "", "", fmt.Errorf("decoding body as %s: %w", name, err)
	}
	return string(decoded), name, nil
}

// EncodeBody converts UTF-8 text back to the wire charset resolved during
// decoding. An empty name or UTF-8 passes the text's bytes through unchanged.
func EncodeBody(text, charsetName string) ([]byte, error) {
	if charsetName == "" || charsetName == "utf-8" {
		return []byte(text), nil
	}

	enc, err := htmlindex.Get(charsetName)
	if err != nil {
		return nil, fmt.Errorf("unsupported charset %q: %w", charsetName, err)
	}
	if enc == unicode.UTF8 {
		return []byte(text), nil
	}
	out, err := enc.NewEncoder().Bytes([]byte(text))
	if err != nil {
		return nil, fmt.Errorf("encoding body as %s: %w", charsetName, err)
	}
	return out, nil
}
