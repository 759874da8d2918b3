package provider

import "strings"

// NormalizeSymbol cleans vendor symbol quirks before a request goes out:
// whitespace, lowercase input, and duplicated exchange suffixes that some
// upstream feeds produce ("AAPL.US.US" -> "AAPL.US").
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	parts := strings.Split(s, ".")
	if len(parts) < 3 {
		return s
	}
	deduped := parts[:1]
	for _, part := range parts[1:] {
		if part == deduped[len(deduped)-1] {
			continue
		}
		deduped = append(deduped, part)
	}
	return strings.Join(deduped, ".")
}
