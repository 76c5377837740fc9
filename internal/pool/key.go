// Package pool holds provider credentials and their health state.
package pool

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

var (
	// ErrKeyNotFound is returned when a key id is unknown or was deleted.
	ErrKeyNotFound = errors.New("provider key not found")
	// ErrKeyNotEligible is returned when a key exists but is inactive or unhealthy.
	ErrKeyNotEligible = errors.New("provider key not eligible")
	// ErrDuplicateKey is returned when adding a key whose id already exists.
	ErrDuplicateKey = errors.New("provider key already exists")
	// ErrInvalidWeight is returned for weights outside [1, MaxWeight].
	ErrInvalidWeight = errors.New("weight must be between 1 and 1000000")
	// ErrInvalidProvider is returned for an empty provider name.
	ErrInvalidProvider = errors.New("provider is required")
	// ErrInvalidStatus is returned for a status other than active or inactive.
	ErrInvalidStatus = errors.New("status must be active or inactive")
	// ErrInvalidSecret is returned for an empty secret.
	ErrInvalidSecret = errors.New("secret is required")
)

// DefaultWeight is applied when a key is added with a zero weight.
const DefaultWeight = 1

// MaxWeight bounds a key's weight so a provider's weight sum cannot overflow.
const MaxWeight = 1_000_000

// ValidWeight reports whether w is an acceptable explicit weight.
func ValidWeight(w int) bool {
	return w >= 1 && w <= MaxWeight
}

// Providers with a non-bearer auth header.
const (
	ProviderClaude = "claude"
	ProviderGemini = "gemini"
)

// Health is the probe-driven health of a key.
type Health int

const (
	// HealthHealthy keys are preferred for selection.
	HealthHealthy Health = iota
	// HealthDegraded keys have failed at least once but are below the failure threshold.
	HealthDegraded
	// HealthUnhealthy keys reached the failure threshold and are never selected.
	HealthUnhealthy
)

// String returns a human-readable representation of the health state.
func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Status is the operator-controlled administrative status of a key.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// ParseStatus validates s. An empty string means active.
func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case "", StatusActive:
		return StatusActive, nil
	case StatusInactive:
		return StatusInactive, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
}

// NormalizeProvider lower-cases and trims a provider name.
func NormalizeProvider(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}

// ProviderKey is the input record used to add a key to the pool.
type ProviderKey struct {
	ID       string
	Provider string
	Secret   string
	Weight   int
	Status   Status
}

// Patch is a partial administrative update. Nil fields are left unchanged.
type Patch struct {
	Secret *string
	Weight *int
	Status *Status
}

// Credential is the secret-bearing value handed to the forwarder and prober.
type Credential struct {
	ID       string
	Provider string
	Secret   string
	Weight   int
}

// LogValue keeps the secret out of structured logs.
func (c Credential) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", c.ID),
		slog.String("provider", c.Provider),
		slog.Int("weight", c.Weight),
	)
}

// AuthHeader returns the header that carries the secret for the key's
// provider.
func (c Credential) AuthHeader() (name, value string) {
	switch c.Provider {
	case ProviderClaude:
		return "x-api-key", c.Secret
	case ProviderGemini:
		return "x-goog-api-key", c.Secret
	default:
		return "Authorization", "Bearer " + c.Secret
	}
}

// String implements fmt.Stringer without exposing the secret.
func (c Credential) String() string {
	return fmt.Sprintf("%s/%s", c.Provider, c.ID)
}

// Candidate is a point-in-time view of an eligible key used by selection.
type Candidate struct {
	ID       string
	Provider string
	Weight   int
	Health   Health
	LastUsed time.Time
}

// KeyInfo is the read-only snapshot of a key exposed to dashboards.
type KeyInfo struct {
	ID                   string    `json:"id"`
	Provider             string    `json:"provider"`
	SecretHint           string    `json:"secret_hint"`
	Weight               int       `json:"weight"`
	Status               Status    `json:"status"`
	Health               string    `json:"health"`
	ConsecutiveFailures  uint32    `json:"consecutive_failures"`
	ConsecutiveSuccesses uint32    `json:"consecutive_successes"`
	LastUsed             time.Time `json:"last_used,omitempty"`
	LastProbe            time.Time `json:"last_probe,omitempty"`
	LastProbeLatencyMs   int64     `json:"last_probe_latency_ms"`
	LastError            string    `json:"last_error,omitempty"`
}

// Thresholds drive probe-result state transitions.
type Thresholds struct {
	Failure  int
	Recovery int
}

// Transition describes the effect of one probe result on a key.
type Transition struct {
	From      Health
	To        Health
	Failures  uint32
	Successes uint32
}

// Changed reports whether the health state moved.
func (t Transition) Changed() bool {
	return t.From != t.To
}

// maskSecret keeps at most the last four characters of a secret.
func maskSecret(s string) string {
	if len(s) <= 8 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}
