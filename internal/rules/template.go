package rules

import (
	"regexp"
	"strings"
)

// Placeholder patterns, applied in order. Timestamps and ids go first so the
// number mask does not split them.
var templateMasks = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}([.,]\d+)?(Z|[+-]\d{2}:?\d{2})?`), "<TS>"},
	{regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`), "<UUID>"},
	{regexp.MustCompile(`\b[\w.+-]+@[\w-]+(\.[\w-]+)+\b`), "<EMAIL>"},
	{regexp.MustCompile(`\b\d{1,3}(\.\d{1,3}){3}(:\d+)?\b`), "<IP>"},
	{regexp.MustCompile(`\b0x[0-9a-fA-F]+\b`), "<HEX>"},
	{regexp.MustCompile(`/(?:[^/\s]+/){2,}[^/\s]*`), "<PATH>"},
	{regexp.MustCompile(`\b[a-f0-9]{12,}\b`), "<HASH>"},
	{regexp.MustCompile(`"[^"]*"|'[^']*'`), "<STR>"},
	{regexp.MustCompile(`\b\d+(\.\d+)?(ms|s|us|ns|kb|mb|gb|b)?\b`), "<NUM>"},
}

var whitespace = regexp.MustCompile(`\s+`)

// Template normalizes a message so that lines differing only in variable
// values (ids, numbers, paths, quoted strings) map to the same string.
func Template(message string) string {
	for _, m := range templateMasks {
		message = m.re.ReplaceAllString(message, m.repl)
	}
	return strings.TrimSpace(whitespace.ReplaceAllString(message, " "))
}
