package engine

import (
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// DisplayLanguages turns BCP 47 codes into English display names, keeping
// the input order and dropping duplicates. Codes that do not parse, or that
// have no known name, are kept as written. The result is never nil.
func DisplayLanguages(codes []string) []string {
	names := make([]string, 0, len(codes))
	seen := make(map[string]bool, len(codes))
	for _, code := range codes {
		code = strings.TrimSpace(code)
		if code == "" {
			continue
		}
		name := code
		if tag, err := language.Parse(code); err == nil {
			if n := display.English.Tags().Name(tag); n != "" {
				name = n
			}
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names
}
