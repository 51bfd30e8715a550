// Package capability implements the host-side capability APIs exposed into
// plugin sandboxes (fetch, storage, timers), each gated by the manifest's
// declared permissions per §4.2.
package capability

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tokenwatch/tokenwatch/internal/apierrors"
)

const (
	fetchDNSTimeout        = 5 * time.Second
	fetchBodyCap           = 10 * 1024 * 1024
	fetchPerPluginConcurrency = 10
)

// FetchClient is the secure HTTP client every plugin's fetch() calls share,
// hardened against SSRF and DNS rebinding (§4.2).
type FetchClient struct {
	mu        sync.Mutex
	semaphore map[string]chan struct{}
}

// NewFetchClient creates a client with a fresh per-plugin semaphore map.
func NewFetchClient() *FetchClient {
	return &FetchClient{semaphore: make(map[string]chan struct{})}
}

func (c *FetchClient) pluginSemaphore(pluginID string) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	sem, ok := c.semaphore[pluginID]
	if !ok {
		sem = make(chan struct{}, fetchPerPluginConcurrency)
		c.semaphore[pluginID] = sem
	}
	return sem
}

// Fetch performs a hardened GET/POST-style request on behalf of pluginID.
// The permit for pluginID's concurrency semaphore is always released on
// every exit path, including ctx cancellation.
func (c *FetchClient) Fetch(ctx context.Context, pluginID, rawURL string, body io.Reader, method string) ([]byte, int, error) {
	sem := c.pluginSemaphore(pluginID)
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return nil, 0, apierrors.New(apierrors.CodeTimeout)
	}
	defer func() { <-sem }()

	u, err := normalizeToHTTPS(rawURL)
	if err != nil {
		return nil, 0, apierrors.Newf(apierrors.CodeNetworkError, "%v", err)
	}

	resolvedIP, err := resolveAndGuard(ctx, u.Hostname())
	if err != nil {
		return nil, 0, apierrors.Newf(apierrors.CodeNetworkError, "%v", err)
	}

	client := &http.Client{
		Timeout: 30 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Transport: &http.Transport{
			Proxy: nil, // no ambient proxies: re-resolution cannot reintroduce a disallowed address
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				_, port, err := net.SplitHostPort(addr)
				if err != nil {
					port = "443"
				}
				dialer := &net.Dialer{Timeout: fetchDNSTimeout}
				return dialer.DialContext(ctx, network, net.JoinHostPort(resolvedIP, port))
			},
			TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		},
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, 0, apierrors.Newf(apierrors.CodeNetworkError, "%v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, apierrors.Newf(apierrors.CodeNetworkError, "%v", err)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, fetchBodyCap+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, 0, apierrors.Newf(apierrors.CodeNetworkError, "%v", err)
	}
	if len(data) > fetchBodyCap {
		return nil, 0, apierrors.Newf(apierrors.CodeNetworkError, "response body exceeded %d bytes", fetchBodyCap)
	}
	return data, resp.StatusCode, nil
}

// normalizeToHTTPS parses rawURL and upgrades a bare http scheme to https,
// rejecting anything else (§4.2: "only https, or http automatically upgraded").
func normalizeToHTTPS(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
	case "http":
		u.Scheme = "https"
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("url has no host")
	}
	return u, nil
}

// resolveAndGuard resolves host with a bounded timeout and rejects any
// resolved address that is loopback, link-local, private, multicast,
// broadcast, or unspecified — the SSRF + DNS-rebinding guard. It returns the
// single IP the caller must dial directly, so a second DNS lookup at connect
// time (which could return a different, disallowed address) never happens.
func resolveAndGuard(ctx context.Context, host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		if err := guardIP(ip); err != nil {
			return "", err
		}
		return ip.String(), nil
	}

	resolveCtx, cancel := context.WithTimeout(ctx, fetchDNSTimeout)
	defer cancel()

	ips, err := net.DefaultResolver.LookupIPAddr(resolveCtx, host)
	if err != nil {
		return "", fmt.Errorf("dns resolution failed: %w", err)
	}
	if len(ips) == 0 {
		return "", fmt.Errorf("no addresses resolved for %q", host)
	}
	for _, addr := range ips {
		if err := guardIP(addr.IP); err != nil {
			return "", err
		}
	}
	return ips[0].IP.String(), nil
}

func guardIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("resolved address %s is loopback", ip)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("resolved address %s is link-local", ip)
	case ip.IsPrivate():
		return fmt.Errorf("resolved address %s is private", ip)
	case ip.IsMulticast():
		return fmt.Errorf("resolved address %s is multicast", ip)
	case ip.Equal(net.IPv4bcast):
		return fmt.Errorf("resolved address %s is broadcast", ip)
	case ip.IsUnspecified():
		return fmt.Errorf("resolved address %s is unspecified", ip)
	}
	return nil
}
