package netfilter

import (
	"errors"
	"testing"
)

// ── IsBlockedHost ──────────────────────────────────────────────────────────

func TestIsBlockedHost_InternalHosts(t *testing.T) {
	blocked := []string{
		"localhost",
		"127.0.0.1",
		"127.1",
		"2130706433",
		"0177.0.0.1",
		"0x7f.0.0.1",
		"0x7f000001",
		"10.0.0.1",
		"192.168.1.1",
		"172.16.0.1",
		"169.254.169.254",
		"169.254.169.253",
		"metadata.google.internal",
		"instance-data.ec2.internal",
		"fd00:ec2::254",
		"::1",
		"[::1]",
		"fe80::1",
		"fc00::1",
		"ff02::1",
		"::ffff:127.0.0.1",
		"::ffff:127.0.0.1:8080",
		"0.0.0.0",
		"LOCALHOST",
		"localhost:3000",
		"127.0.0.1:8080",
	}
	for _, host := range blocked {
		if !IsBlockedHost(host) {
			t.Errorf("IsBlockedHost(%q) = false, want true", host)
		}
	}
}

func TestIsBlockedHost_PublicHosts(t *testing.T) {
	allowed := []string{
		"8.8.8.8",
		"api.github.com",
		"example.com:443",
		"xn--e1afmkfd.xn--p1ai",
		"1.1.1.1",
		"example.com",
		"2606:4700::6810:84e5",
	}
	for _, host := range allowed {
		if IsBlockedHost(host) {
			t.Errorf("IsBlockedHost(%q) = true, want false", host)
		}
	}
}

func TestIsBlockedHost_ShorthandEncodings(t *testing.T) {
	// Classic inet_aton shorthand fills the remaining octets from the last part.
	cases := map[string]bool{
		"10.1":      true,  // 10.0.0.1
		"192.168.1": true,  // 192.168.0.1
		"8.8":       false, // 8.0.0.8
	}
	for host, want := range cases {
		if got := IsBlockedHost(host); got != want {
			t.Errorf("IsBlockedHost(%q) = %v, want %v", host, got, want)
		}
	}
}

func TestIsBlockedHost_PortStripping(t *testing.T) {
	// Only a 4-5 digit suffix in 1000-65535 counts as a port; "::1" and
	// "example.com:443" must survive untouched.
	if !IsBlockedHost("[fe80::1]:8080") {
		t.Error("bracketed IPv6 with port should be classified by its address")
	}
	if IsBlockedHost("example.com:99999") {
		t.Error("99999 is out of port range and must not be stripped")
	}
}

// ── ValidateURL ────────────────────────────────────────────────────────────

func TestValidateURL_AllowedAndBlocked(t *testing.T) {
	v, err := ValidateURL("https://api.github.com/repos")
	if err != nil {
		t.Fatalf("ValidateURL: %v", err)
	}
	if !v.Allowed {
		t.Errorf("expected https://api.github.com to be allowed, reason=%q", v.Reason)
	}

	v, err = ValidateURL("http://169.254.169.254/latest/meta-data/")
	if err != nil {
		t.Fatalf("ValidateURL: %v", err)
	}
	if v.Allowed {
		t.Error("expected metadata endpoint to be blocked")
	}
	if v.Reason == "" {
		t.Error("blocked URL should carry a reason")
	}
}

func TestValidateURL_InvalidInputs(t *testing.T) {
	for _, raw := range []string{"file:///etc/passwd", "http://", "://nope", "not a url"} {
		if _, err := ValidateURL(raw); !errors.Is(err, ErrInvalidURL) {
			t.Errorf("ValidateURL(%q) err = %v, want ErrInvalidURL", raw, err)
		}
	}
}

// ── ValidateNetworkPermissions ─────────────────────────────────────────────

func TestValidateNetworkPermissions_LoopbackExempt(t *testing.T) {
	// localhost/127.0.0.1 are the proxy's own address and must never be
	// reported as blocked.
	res := ValidateNetworkPermissions([]string{"localhost", "127.0.0.1", "api.github.com"})
	if !res.Valid {
		t.Errorf("expected valid, blocked=%v", res.BlockedHosts)
	}
	if len(res.BlockedHosts) != 0 {
		t.Errorf("BlockedHosts = %v, want empty", res.BlockedHosts)
	}
}

func TestValidateNetworkPermissions_BlocksInternal(t *testing.T) {
	res := ValidateNetworkPermissions([]string{"api.github.com", "10.0.0.5", "metadata.google.internal"})
	if res.Valid {
		t.Error("expected invalid result")
	}
	if len(res.BlockedHosts) != 2 {
		t.Errorf("BlockedHosts = %v, want 2 entries", res.BlockedHosts)
	}
}

func TestValidateNetworkPermissions_WildcardWarning(t *testing.T) {
	res := ValidateNetworkPermissions([]string{"*"})
	if !res.Valid {
		t.Error("wildcard alone should not invalidate the permission set")
	}
	if len(res.Warnings) != 1 {
		t.Errorf("Warnings = %v, want one wildcard warning", res.Warnings)
	}
}
