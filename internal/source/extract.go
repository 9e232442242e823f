package source

import (
	"regexp"

	"github.com/prxfinder/prxfinder/internal/proxyval"
)

// schemeHostPort matches "scheme://[user:pass@]host:port" occurrences in
// free text, mirroring the original's IPPortPatternLine intent without
// the HTML/ZIP scraping around it.
var schemeHostPort = regexp.MustCompile(`(?i)(https?|socks[45])://(?:[^/@\s:]+(?::[^/@\s]*)?@)?([0-9]{1,3}(?:\.[0-9]{1,3}){3}|[a-z0-9.-]+):([0-9]{1,5})`)

// ExtractSchemeHostPort scans text for scheme://[user:pass@]host:port
// occurrences and returns each as a Candidate, in order of first
// appearance.
func ExtractSchemeHostPort(text string) []proxyval.Candidate {
	matches := schemeHostPort.FindAllStringSubmatch(text, -1)
	out := make([]proxyval.Candidate, 0, len(matches))
	for _, m := range matches {
		out = append(out, proxyval.Candidate{Scheme: m[1], Host: m[2], Port: m[3]})
	}
	return out
}
