// Package proxy serves the proxy plane: it maps a route prefix to a provider,
// selects a key for it and forwards the request upstream.
package proxy

import "time"

// Transport defaults, used when a TransportConfig field is zero.
const (
	// DefaultDialTimeout bounds establishing an upstream connection.
	DefaultDialTimeout = 30 * time.Second

	// DefaultTCPKeepAlive is the TCP keep-alive interval for connections.
	DefaultTCPKeepAlive = 30 * time.Second

	// DefaultIdleConnTimeout is the timeout for idle HTTP connections.
	DefaultIdleConnTimeout = 90 * time.Second

	// DefaultTLSHandshakeTimeout is the timeout for TLS handshakes.
	DefaultTLSHandshakeTimeout = 10 * time.Second

	// DefaultExpectContinueTimeout is the timeout for 100-continue responses.
	DefaultExpectContinueTimeout = 1 * time.Second
)

// Transport limits.
const (
	// DefaultMaxIdleConns is the maximum number of idle connections across all hosts.
	DefaultMaxIdleConns = 100

	// DefaultMaxIdleConnsPerHost is the maximum number of idle connections per host.
	DefaultMaxIdleConnsPerHost = 10
)

// DefaultNoKeyRetryAfter is the Retry-After used when the selector gives no hint.
const DefaultNoKeyRetryAfter = 5 * time.Second
