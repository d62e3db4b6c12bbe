// internal/event/nats.go
// Package event provides NATS JetStream implementation for grant lifecycle
// events. Downstream consumers (the notification service in particular)
// subscribe to these subjects; publishing is strictly best-effort and a
// failure never fails the operation that triggered it.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/shopforge/shopforge-grant-go/internal/model"
)

// Publisher interface defines the event publishing operations required by
// the grant service.
type Publisher interface {
	// PublishGrantIssued announces a freshly issued grant; the notification
	// service turns it into a customer email/SMS.
	PublishGrantIssued(ctx context.Context, grant model.CapabilityGrant) error

	// PublishGrantRevoked announces an administrative revocation.
	PublishGrantRevoked(ctx context.Context, grant model.CapabilityGrant) error

	// Close closes the publisher connection
	Close() error
}

// noop is a no-op implementation of Publisher for when NATS is not
// configured, allowing the service to run without event streaming.
type noop struct{}

// Close implements Publisher.
func (n *noop) Close() error { return nil }

// PublishGrantIssued implements Publisher.
func (n *noop) PublishGrantIssued(ctx context.Context, grant model.CapabilityGrant) error {
	return nil
}

// PublishGrantRevoked implements Publisher.
func (n *noop) PublishGrantRevoked(ctx context.Context, grant model.CapabilityGrant) error {
	return nil
}

// natsPub is the NATS JetStream implementation of Publisher.
type natsPub struct {
	nc *nats.Conn
	js nats.JetStreamContext

	// Deduplication fields
	dedup map[string]time.Time // Map of grant IDs to last publish time
	mutex sync.RWMutex
}

// NewPublisherFromEnv creates a new publisher based on environment
// configuration. It reads GRANT_NATS_URL; if NATS is not configured or the
// connection fails, it returns a no-op publisher.
func NewPublisherFromEnv() Publisher {
	url := os.Getenv("GRANT_NATS_URL")
	if url == "" {
		return &noop{}
	}

	nc, err := nats.Connect(url)
	if err != nil {
		slog.Warn("NATS connect failed, using noop publisher", "error", err)
		return &noop{}
	}

	js, err := nc.JetStream()
	if err != nil {
		slog.Warn("NATS JetStream context creation failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	if err := initStreams(js); err != nil {
		slog.Warn("NATS stream initialization failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	return &natsPub{
		nc:    nc,
		js:    js,
		dedup: make(map[string]time.Time),
	}
}

// initStreams initializes the required NATS streams.
func initStreams(js nats.JetStreamContext) error {
	// SF_GRANTS carries every grant lifecycle event
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      "SF_GRANTS",
		Subjects:  []string{"grant.>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Discard:   nats.DiscardOld,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create SF_GRANTS stream: %w", err)
	}

	return nil
}

// EventEnvelope represents the standard event envelope structure.
// All events published to NATS are wrapped in this envelope.
type EventEnvelope struct {
	Type          string      `json:"type"`
	Version       string      `json:"version"`
	OccurredAt    time.Time   `json:"occurredAt"`
	CorrelationID string      `json:"correlationId"`
	Payload       interface{} `json:"payload"`
}

// grantEventPayload is the published view of a grant. The raw token never
// leaves the service through the event stream.
type grantEventPayload struct {
	GrantID    string          `json:"grantId"`
	Kind       model.GrantKind `json:"kind"`
	OwnerID    string          `json:"ownerId"`
	ResourceID string          `json:"resourceId"`
	PurchaseID string          `json:"purchaseId"`
	ExpiresAt  time.Time       `json:"expiresAt"`
}

// Close closes the NATS connection.
func (p *natsPub) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

// shouldDedup checks whether an event for this key was published within the
// 2-minute dedup window.
func (p *natsPub) shouldDedup(key string) bool {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if lastTime, exists := p.dedup[key]; exists {
		return time.Since(lastTime) < 2*time.Minute
	}
	return false
}

// updateDedup records a successful publish and prunes stale entries.
func (p *natsPub) updateDedup(key string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	cutoff := time.Now().Add(-5 * time.Minute)
	for k, t := range p.dedup {
		if t.Before(cutoff) {
			delete(p.dedup, k)
		}
	}

	p.dedup[key] = time.Now()
}

// publish wraps a payload in the standard envelope and publishes it.
func (p *natsPub) publish(subject, eventType string, grant model.CapabilityGrant) error {
	dedupKey := fmt.Sprintf("%s/%s", eventType, grant.ID)
	if p.shouldDedup(dedupKey) {
		return nil
	}

	envelope := EventEnvelope{
		Type:          eventType,
		Version:       "1.0.0",
		OccurredAt:    time.Now().UTC(),
		CorrelationID: uuid.New().String(),
		Payload: grantEventPayload{
			GrantID:    grant.ID,
			Kind:       grant.Kind,
			OwnerID:    grant.OwnerID,
			ResourceID: grant.ResourceID,
			PurchaseID: grant.PurchaseID,
			ExpiresAt:  grant.ExpiresAt,
		},
	}

	b, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	if _, err := p.js.Publish(subject, b); err != nil {
		return err
	}

	p.updateDedup(dedupKey)
	return nil
}

// PublishGrantIssued publishes a grant issued event.
func (p *natsPub) PublishGrantIssued(ctx context.Context, grant model.CapabilityGrant) error {
	subject := fmt.Sprintf("grant.%s.issued", grant.Kind)
	return p.publish(subject, subject, grant)
}

// PublishGrantRevoked publishes a grant revoked event.
func (p *natsPub) PublishGrantRevoked(ctx context.Context, grant model.CapabilityGrant) error {
	subject := fmt.Sprintf("grant.%s.revoked", grant.Kind)
	return p.publish(subject, subject, grant)
}
