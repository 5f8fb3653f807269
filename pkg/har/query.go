package har

import (
	"net/url"
	"strings"
)

// splitQuery parses a raw query into pairs, keeping their order. A
// parameter without "=" gets an empty value. Undecodable escapes are kept
// verbatim.
func splitQuery(raw string) []NameValue {
	var pairs []NameValue
	for _, part := range strings.Split(raw, "&") {
		if part == "" {
			continue
		}
		name, value, _ := strings.Cut(part, "=")
		pairs = append(pairs, NameValue{Name: unescape(name), Value: unescape(value)})
	}
	return pairs
}

func unescape(s string) string {
	if v, err := url.QueryUnescape(s); err == nil {
		return v
	}
	return s
}
