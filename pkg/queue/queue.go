// Package queue provides the durable catalog of queues and their registered
// worker endpoints.
package queue

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// Type selects the delivery policy for a queue. The set of types is closed;
// the dispatcher switches over it directly.
type Type string

const (
	// TypeUnicast delivers each job attempt to exactly one selected worker.
	TypeUnicast Type = "unicast"
	// TypeMulticast fans each job attempt out to every active worker.
	TypeMulticast Type = "multicast"
)

// ParseType converts a string to a queue Type.
func ParseType(raw string) (Type, error) {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case "unicast":
		return TypeUnicast, nil
	case "multicast":
		return TypeMulticast, nil
	default:
		return "", registryError(ErrValidation, fmt.Sprintf("invalid queue type %q", raw))
	}
}

// Queue is a named delivery channel with a fixed type and signing secret.
// The type is fixed at creation; changing delivery semantics requires
// removing and recreating the queue.
type Queue struct {
	ID            string
	Name          string
	Type          Type
	SigningSecret string
	MaxAttempts   int
	CreatedAt     time.Time
}

// Validate checks required queue fields.
func (q *Queue) Validate() error {
	if q == nil {
		return registryError(ErrValidation, "queue is nil")
	}
	if strings.TrimSpace(q.Name) == "" {
		return registryError(ErrValidation, "queue name is required")
	}
	if q.Type != TypeUnicast && q.Type != TypeMulticast {
		return registryError(ErrValidation, fmt.Sprintf("invalid queue type %q", q.Type))
	}
	if q.MaxAttempts < 0 {
		return registryError(ErrValidation, "queue max attempts must be >= 0")
	}
	return nil
}

// Worker is an HTTP endpoint registered to receive deliveries for one queue.
type Worker struct {
	ID            string
	QueueID       string
	URL           string
	SigningSecret string
	Active        bool
	CreatedAt     time.Time
}

// Secret returns the effective signing secret for deliveries to this worker:
// the worker override when set, otherwise the owning queue's secret.
func (w *Worker) Secret(q *Queue) string {
	if w != nil && strings.TrimSpace(w.SigningSecret) != "" {
		return w.SigningSecret
	}
	if q != nil {
		return q.SigningSecret
	}
	return ""
}

// ValidateWorkerURL checks that raw is a well-formed HTTP(S) endpoint.
// Loopback hosts are rejected unless allowLoopback is set, which local
// development and tests rely on.
func ValidateWorkerURL(raw string, allowLoopback bool) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return registryError(ErrInvalidURL, "worker url is required")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return registryError(ErrInvalidURL, fmt.Sprintf("worker url %q is not parseable", raw))
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return registryError(ErrInvalidURL, fmt.Sprintf("worker url scheme %q is not http(s)", parsed.Scheme))
	}
	if parsed.Host == "" {
		return registryError(ErrInvalidURL, "worker url host is required")
	}
	if parsed.User != nil {
		return registryError(ErrInvalidURL, "worker url must not carry credentials")
	}
	if allowLoopback {
		return nil
	}
	host := parsed.Hostname()
	if strings.EqualFold(host, "localhost") {
		return registryError(ErrInvalidURL, "worker url must be publicly reachable")
	}
	if ip := net.ParseIP(host); ip != nil && (ip.IsLoopback() || ip.IsUnspecified()) {
		return registryError(ErrInvalidURL, "worker url must be publicly reachable")
	}
	return nil
}

// NewSigningSecret generates a random signing secret.
func NewSigningSecret() string {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Sprintf("shove-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(raw)
}
