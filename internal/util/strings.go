package util

import "strings"

// SafeTruncate returns at most maxLen bytes of s. A negative maxLen yields
// an empty string. Used when logging token prefixes so an index can never
// run past the end of a short value.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL strips trailing slashes so resource identifiers and audiences
// compare equal regardless of a trailing "/".
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}
