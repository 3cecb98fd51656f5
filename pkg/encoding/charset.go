package encoding

import (
	"mime"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// Older on-premise CRM installations post webhooks in a legacy Windows code page
var legacyCharsets = map[string]encoding.Encoding{
	"windows-1251": charmap.Windows1251,
	"cp1251":       charmap.Windows1251,
	"windows-1252": charmap.Windows1252,
	"cp1252":       charmap.Windows1252,
	"koi8-r":       charmap.KOI8R,
}

// CharsetFromContentType extracts the charset parameter of a Content-Type header
func CharsetFromContentType(contentType string) string {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return strings.ToLower(params["charset"])
}

// ToUTF8 converts b from the named charset to UTF-8.
// Unknown or UTF-8 charsets return the input unchanged
func ToUTF8(b []byte, charset string) []byte {
	if len(b) == 0 {
		return b
	}

	enc, ok := legacyCharsets[strings.ToLower(strings.TrimSpace(charset))]
	if !ok {
		return b
	}

	decoded, err := enc.NewDecoder().Bytes(b)
	if err != nil {
		// Fallback: keep raw bytes if decoding fails
		return b
	}
	return decoded
}
