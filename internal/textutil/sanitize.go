package textutil

import "strings"

var labelReplacer = strings.NewReplacer(
	"'", "_",
	"/", "-",
	"\\", "-",
	"\x00", "",
)

// SanitizeLabel makes an acquisition label safe to use as one path element.
// Single quotes become underscores and path separators become dashes. The
// result is trimmed; "." and ".." are rewritten so they cannot address a
// parent directory.
func SanitizeLabel(label string) string {
	out := strings.TrimSpace(labelReplacer.Replace(label))
	switch out {
	case ".", "..":
		return strings.Repeat("_", len(out))
	}
	return out
}

// SanitizeArtifactName replaces single quotes in a file name with underscores.
func SanitizeArtifactName(name string) string {
	return strings.ReplaceAll(name, "'", "_")
}

// ContainsAnyFold reports the first needle that appears in s, ignoring case.
// Blank needles never match.
func ContainsAnyFold(s string, needles []string) (string, bool) {
	lower := strings.ToLower(s)
	for _, n := range needles {
		trimmed := strings.TrimSpace(n)
		if trimmed == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(trimmed)) {
			return n, true
		}
	}
	return "", false
}

// ContainsAny reports the first needle that appears in s verbatim.
func ContainsAny(s string, needles []string) (string, bool) {
	for _, n := range needles {
		if n != "" && strings.Contains(s, n) {
			return n, true
		}
	}
	return "", false
}
