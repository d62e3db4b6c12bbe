// internal/purchase/client.go
// Package purchase provides a client for the orders service. The grant
// service only needs enough of a purchase to decide whether it authorizes a
// grant: owner, payment status, and line items.
package purchase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Payment status values reported by the orders service.
const (
	PaymentCompleted = "completed"
	PaymentPending   = "pending"
	PaymentFailed    = "failed"
	PaymentRefunded  = "refunded"
)

// LineItem is one purchased product within a purchase.
type LineItem struct {
	ResourceID string `json:"resourceId"` // Product identifier
	Quantity   int    `json:"quantity"`
}

// Purchase is the subset of an order relevant to grant issuance.
type Purchase struct {
	ID            string     `json:"id"`
	OwnerID       string     `json:"ownerId"`
	PaymentStatus string     `json:"paymentStatus"`
	Items         []LineItem `json:"items"`
}

// Contains reports whether the purchase includes the given resource.
func (p *Purchase) Contains(resourceID string) bool {
	for _, item := range p.Items {
		if item.ResourceID == resourceID {
			return true
		}
	}
	return false
}

// ErrNotFound is returned when a purchase does not exist.
var ErrNotFound = errors.New("purchase not found")

// Lookup resolves purchases by ID. The HTTP client implements it; tests
// substitute fakes.
type Lookup interface {
	GetPurchase(ctx context.Context, id string) (*Purchase, error)
}

// Client for the orders service.
type Client struct {
	base string       // Base URL of the orders service
	hc   *http.Client // HTTP client with custom configuration
}

// New creates a new orders client with the specified base URL.
// It configures appropriate timeouts for collaborator requests.
func New(baseURL string) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 2 * time.Second}).DialContext,
	}

	return &Client{
		base: baseURL,
		hc:   &http.Client{Transport: transport, Timeout: 3 * time.Second},
	}
}

// GetPurchase retrieves a purchase by ID from the orders service.
// Returns ErrNotFound when the purchase does not exist.
func (c *Client) GetPurchase(ctx context.Context, id string) (*Purchase, error) {
	u, _ := url.Parse(c.base)
	u.Path = fmt.Sprintf("/v1/purchases/%s", id)

	req, _ := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var p Purchase
		if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
			return nil, err
		}
		return &p, nil
	case http.StatusNotFound:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("purchase get failed: %s", resp.Status)
	}
}
