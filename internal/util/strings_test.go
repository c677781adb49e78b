package util

import "testing"

func TestSafeTruncate(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{"shorter than limit", "short", 10, "short"},
		{"exactly at limit", "exactly10c", 10, "exactly10c"},
		{"longer than limit", "this-is-a-very-long-token-string", 8, "this-is-"},
		{"empty input", "", 5, ""},
		{"zero limit", "test", 0, ""},
		{"negative limit", "test", -1, ""},
		{"multibyte runes counted as bytes", "hello世界test", 8, "hello世"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SafeTruncate(tt.input, tt.maxLen); got != tt.want {
				t.Errorf("SafeTruncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"trailing slash stripped", "https://example.com/", "https://example.com"},
		{"no trailing slash", "https://example.com", "https://example.com"},
		{"multiple trailing slashes", "https://example.com///", "https://example.com"},
		{"path with trailing slash", "https://example.com/api/v1/", "https://example.com/api/v1"},
		{"port preserved", "https://example.com:8080/", "https://example.com:8080"},
		{"empty string", "", ""},
		{"only slashes", "///", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeURL(tt.input); got != tt.want {
				t.Errorf("NormalizeURL(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestNormalizeURL_EquatesSlashVariants(t *testing.T) {
	pairs := [][2]string{
		{"https://example.com", "https://example.com/"},
		{"https://example.com/api", "https://example.com/api/"},
		{"https://broker.example.com:8080", "https://broker.example.com:8080/"},
	}

	for _, p := range pairs {
		if NormalizeURL(p[0]) != NormalizeURL(p[1]) {
			t.Errorf("NormalizeURL(%q) != NormalizeURL(%q)", p[0], p[1])
		}
	}
}
