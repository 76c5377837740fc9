package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MAQSOODAWANhaha/api-proxy-sub005/internal/pool"
)

// maxProbeBody caps how much of a probe response is read.
const maxProbeBody = 1 << 20

// ErrNoEndpoint is returned when a key's provider has no configured endpoint.
var ErrNoEndpoint = errors.New("no probe endpoint for provider")

// defaultHeaders are request headers a provider rejects calls without.
var defaultHeaders = map[string]map[string]string{
	"claude": {"anthropic-version": "2023-06-01"},
}

// Endpoint is the probe target of one provider. Headers are added to every
// probe request and override the provider defaults of the same name.
type Endpoint struct {
	BaseURL string
	Path    string
	Headers map[string]string
}

// URL joins base URL and path.
func (e Endpoint) URL() string {
	if e.Path == "" {
		return e.BaseURL
	}
	return strings.TrimRight(e.BaseURL, "/") + "/" + strings.TrimLeft(e.Path, "/")
}

// HTTPChecker probes a key with an authenticated GET against its provider.
// A 2xx response carrying well-formed JSON is healthy; anything else is not.
type HTTPChecker struct {
	endpoints map[string]Endpoint
	client    *http.Client
}

// NewHTTPChecker creates a new HTTP health checker.
func NewHTTPChecker(endpoints map[string]Endpoint, timeout time.Duration) *HTTPChecker {
	return &HTTPChecker{
		endpoints: endpoints,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Check performs the probe for cred.
func (c *HTTPChecker) Check(ctx context.Context, cred pool.Credential) error {
	ep, ok := c.endpoints[cred.Provider]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoEndpoint, cred.Provider)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.URL(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range defaultHeaders[cred.Provider] {
		req.Header.Set(k, v)
	}
	for k, v := range ep.Headers {
		req.Header.Set(k, v)
	}
	name, value := cred.AuthHeader()
	req.Header.Set(name, value)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	if !json.Valid(body) {
		return errors.New("malformed response body")
	}
	return nil
}

// Close releases idle probe connections.
func (c *HTTPChecker) Close() {
	c.client.CloseIdleConnections()
}
