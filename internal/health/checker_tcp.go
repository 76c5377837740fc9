package health

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/MAQSOODAWANhaha/api-proxy-sub005/internal/pool"
)

// TCPChecker probes reachability of a provider host. It does not
// authenticate, so a revoked key stays healthy under it.
type TCPChecker struct {
	targets map[string]string // provider -> host:port
	timeout time.Duration
}

// NewTCPChecker derives dial targets from provider endpoints.
func NewTCPChecker(endpoints map[string]Endpoint, timeout time.Duration) (*TCPChecker, error) {
	targets := make(map[string]string, len(endpoints))
	for provider, ep := range endpoints {
		addr, err := dialAddr(ep.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", provider, err)
		}
		targets[provider] = addr
	}
	return &TCPChecker{targets: targets, timeout: timeout}, nil
}

func dialAddr(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("invalid base url %q: missing host", baseURL)
	}
	port := u.Port()
	if port == "" {
		port = "443"
		if u.Scheme == "http" {
			port = "80"
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

// Check dials the provider host of cred.
func (c *TCPChecker) Check(ctx context.Context, cred pool.Credential) error {
	target, ok := c.targets[cred.Provider]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoEndpoint, cred.Provider)
	}

	dialer := &net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return fmt.Errorf("tcp connect failed: %w", err)
	}
	defer conn.Close()

	return nil
}
