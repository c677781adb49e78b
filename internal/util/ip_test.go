package util

import (
	"net"
	"testing"
)

func TestClassifyIP(t *testing.T) {
	tests := []struct {
		name string
		ip   string
		want IPClassification
	}{
		{"ipv4 unspecified", "0.0.0.0", IPClassificationUnspecified},
		{"ipv6 unspecified", "::", IPClassificationUnspecified},
		{"ipv4 loopback", "127.0.0.1", IPClassificationLoopback},
		{"top of loopback range", "127.255.255.255", IPClassificationLoopback},
		{"ipv6 loopback", "::1", IPClassificationLoopback},
		{"ipv4 link-local", "169.254.0.1", IPClassificationLinkLocal},
		{"cloud metadata address", "169.254.169.254", IPClassificationLinkLocal},
		{"ipv6 link-local unicast", "fe80::1", IPClassificationLinkLocal},
		{"ipv6 link-local multicast", "ff02::1", IPClassificationLinkLocal},
		{"rfc1918 10/8", "10.0.0.1", IPClassificationPrivate},
		{"rfc1918 172.16/12", "172.16.0.1", IPClassificationPrivate},
		{"rfc1918 192.168/16", "192.168.1.1", IPClassificationPrivate},
		{"ipv6 ula", "fd00::1", IPClassificationPrivate},
		{"ipv4 public", "8.8.8.8", IPClassificationPublic},
		{"ipv6 public", "2001:4860:4860::8888", IPClassificationPublic},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ip := net.ParseIP(tt.ip)
			if ip == nil {
				t.Fatalf("failed to parse %q", tt.ip)
			}
			if got := ClassifyIP(ip); got != tt.want {
				t.Errorf("ClassifyIP(%s) = %v, want %v", tt.ip, got, tt.want)
			}
		})
	}
}

func TestClassifyIP_Nil(t *testing.T) {
	if got := ClassifyIP(nil); got != IPClassificationUnspecified {
		t.Errorf("ClassifyIP(nil) = %v, want unspecified", got)
	}
}

func TestIPClassification_String(t *testing.T) {
	tests := []struct {
		classification IPClassification
		want           string
	}{
		{IPClassificationPublic, "public"},
		{IPClassificationLoopback, "loopback"},
		{IPClassificationPrivate, "private"},
		{IPClassificationLinkLocal, "link_local"},
		{IPClassificationUnspecified, "unspecified"},
		{IPClassification(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.classification.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestIsLinkLocal(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"169.254.0.1", true},
		{"169.254.169.254", true},
		{"fe80::1", true},
		{"ff02::1", true},
		{"8.8.8.8", false},
		{"10.0.0.1", false},
		{"127.0.0.1", false},
	}

	for _, tt := range tests {
		if got := IsLinkLocal(net.ParseIP(tt.ip)); got != tt.want {
			t.Errorf("IsLinkLocal(%s) = %v, want %v", tt.ip, got, tt.want)
		}
	}
}

func TestIsPrivateOrInternal(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"8.8.8.8", false},
		{"10.0.0.1", true},
		{"127.0.0.1", true},
		{"169.254.0.1", true},
		{"0.0.0.0", true},
	}

	for _, tt := range tests {
		if got := IsPrivateOrInternal(net.ParseIP(tt.ip)); got != tt.want {
			t.Errorf("IsPrivateOrInternal(%s) = %v, want %v", tt.ip, got, tt.want)
		}
	}
}

func TestIsLoopbackHostname(t *testing.T) {
	tests := []struct {
		hostname string
		want     bool
	}{
		{"localhost", true},
		{"127.0.0.1", true},
		{"127.255.255.255", true},
		{"::1", true},
		{"[::1]", true},
		{"10.0.0.1", false},
		{"example.com", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := IsLoopbackHostname(tt.hostname); got != tt.want {
			t.Errorf("IsLoopbackHostname(%q) = %v, want %v", tt.hostname, got, tt.want)
		}
	}
}
