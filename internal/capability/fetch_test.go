package capability

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/tokenwatch/tokenwatch/internal/apierrors"
)

func TestGuardIP_RejectsPrivateAndSpecialRanges(t *testing.T) {
	cases := []string{
		"127.0.0.1",     // loopback
		"169.254.169.254", // link-local (cloud metadata)
		"10.0.0.1",      // private
		"192.168.1.1",   // private
		"224.0.0.1",     // multicast
		"0.0.0.0",       // unspecified
	}
	for _, addr := range cases {
		if err := guardIP(net.ParseIP(addr)); err == nil {
			t.Errorf("guardIP(%s) = nil, want rejection", addr)
		}
	}
}

func TestGuardIP_AllowsPublicAddress(t *testing.T) {
	if err := guardIP(net.ParseIP("93.184.216.34")); err != nil {
		t.Errorf("guardIP(public) = %v, want nil", err)
	}
}

func TestNormalizeToHTTPS_UpgradesHTTP(t *testing.T) {
	u, err := normalizeToHTTPS("http://example.com/path")
	if err != nil {
		t.Fatalf("normalizeToHTTPS failed: %v", err)
	}
	if u.Scheme != "https" {
		t.Errorf("scheme = %q, want https", u.Scheme)
	}
}

func TestNormalizeToHTTPS_RejectsOtherSchemes(t *testing.T) {
	if _, err := normalizeToHTTPS("file:///etc/passwd"); err == nil {
		t.Fatal("expected rejection of non-http(s) scheme")
	}
}

func TestFetch_SSRFAttemptRejectedWithNetworkError(t *testing.T) {
	client := NewFetchClient()
	_, _, err := client.Fetch(context.Background(), "p1", "http://169.254.169.254/", nil, "GET")
	if err == nil {
		t.Fatal("expected SSRF attempt to be rejected")
	}
	var pe *apierrors.PluginError
	if !errors.As(err, &pe) || pe.Type != apierrors.CodeNetworkError {
		t.Fatalf("expected PluginError{%s}, got %v", apierrors.CodeNetworkError, err)
	}
}
