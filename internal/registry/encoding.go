package registry

import (
	"bytes"
	"fmt"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

var (
	bomUTF8    = []byte{0xEF, 0xBB, 0xBF}
	bomUTF16LE = []byte{0xFF, 0xFE}
	bomUTF16BE = []byte{0xFE, 0xFF}
)

// decodeText converts registry bytes to UTF-8 and names the detected encoding.
// BOM-marked UTF-8 and UTF-16 are honored; invalid UTF-8 without a BOM is
// read as Latin-1.
func decodeText(data []byte) ([]byte, string, error) {
	switch {
	case len(data) == 0:
		return data, "utf-8", nil
	case bytes.HasPrefix(data, bomUTF8):
		return data[len(bomUTF8):], "utf-8-bom", nil
	case bytes.HasPrefix(data, bomUTF16LE), bytes.HasPrefix(data, bomUTF16BE):
		decoder := unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM).NewDecoder()
		out, _, err := transform.Bytes(decoder, data)
		if err != nil {
			return nil, "", fmt.Errorf("decode utf-16: %w", err)
		}
		return out, "utf-16", nil
	case utf8.Valid(data):
		return data, "utf-8", nil
	default:
		out, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
		if err != nil {
			return nil, "", fmt.Errorf("decode latin-1: %w", err)
		}
		return out, "latin-1", nil
	}
}
