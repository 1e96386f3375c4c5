package registry

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// NormalizeMRN trims whitespace and strips leading zeros. An all-zero MRN
// normalizes to "0".
func NormalizeMRN(mrn string) string {
	mrn = strings.TrimSpace(mrn)
	if mrn == "" {
		return ""
	}
	stripped := strings.TrimLeft(mrn, "0")
	if stripped == "" {
		return "0"
	}
	return stripped
}

// PadMRN left-pads a normalized MRN with zeros to width, the form the archive
// indexes patients by. Longer MRNs are returned unchanged.
func PadMRN(mrn string, width int) string {
	mrn = NormalizeMRN(mrn)
	if mrn == "" || len(mrn) >= width {
		return mrn
	}
	return strings.Repeat("0", width-len(mrn)) + mrn
}

// NormalizeName lowercases, trims, and strips diacritics so that "José" and
// "jose" compare equal.
func NormalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return ""
	}
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, name)
	if err != nil {
		return name
	}
	return folded
}

func nameKey(last, first string) string {
	last, first = NormalizeName(last), NormalizeName(first)
	if last == "" || first == "" {
		return ""
	}
	return last + "\x00" + first
}
