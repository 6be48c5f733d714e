package dashboard

import "testing"

func TestMatchOriginExact(t *testing.T) {
	if !MatchOrigin("https://example.com", "https://example.com") {
		t.Error("exact match should pass")
	}
	if MatchOrigin("https://evil.com", "https://example.com") {
		t.Error("different domain should fail")
	}
}

func TestMatchOriginWildcardPort(t *testing.T) {
	if !MatchOrigin("http://localhost:3000", "http://localhost:*") {
		t.Error("wildcard port should match localhost:3000")
	}
	if !MatchOrigin("http://localhost", "http://localhost:*") {
		t.Error("wildcard port should match localhost without port")
	}
	if MatchOrigin("http://evil.com:3000", "http://localhost:*") {
		t.Error("wildcard port should not match different host")
	}
}

func TestMatchOriginWildcardSubdomain(t *testing.T) {
	if !MatchOrigin("https://app.example.com", "https://*.example.com") {
		t.Error("wildcard subdomain should match app.example.com")
	}
	if MatchOrigin("https://example.com", "https://*.example.com") {
		t.Error("wildcard subdomain should not match bare domain")
	}
	if MatchOrigin("http://app.example.com", "https://*.example.com") {
		t.Error("wildcard subdomain should not match wrong scheme")
	}
}

func TestMatchOriginStar(t *testing.T) {
	if !MatchOrigin("https://anything.com", "*") {
		t.Error("star should match everything")
	}
}
