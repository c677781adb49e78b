// Package util provides small shared helpers that don't fit into
// domain-specific packages.
//
// Key utilities:
//   - SafeTruncate: safely truncates strings for logging sensitive data
//   - NormalizeURL: normalizes URLs for comparison
//   - ClassifyIP: classifies IP addresses for SSRF protection in redirect
//     URI validation (public, private, loopback, link-local, unspecified)
package util
