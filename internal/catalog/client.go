// internal/catalog/client.go
// Package catalog provides a client for the product catalog service. Grant
// issuance needs the digital/licensable flags and the backing file path of
// the granted product.
package catalog

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

// Product is the subset of a catalog entry relevant to grant issuance.
type Product struct {
	ID         string `json:"id"`
	IsDigital  bool   `json:"isDigital"`  // Deliverable as a file download
	IsLicensed bool   `json:"isLicensed"` // Deliverable as a license key
	FilePath   string `json:"filePath"`   // Backing object, relative to the upload root (or S3 key)
}

// ErrNotFound is returned when a product does not exist.
var ErrNotFound = errors.New("product not found")

// Lookup resolves products by ID. The HTTP client implements it; tests
// substitute fakes.
type Lookup interface {
	GetProduct(ctx context.Context, id string) (*Product, error)
}

// Client for the catalog service.
type Client struct {
	base string       // Base URL of the catalog service
	hc   *http.Client // HTTP client with custom configuration
}

// New creates a new catalog client with the specified base URL.
func New(baseURL string) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 2 * time.Second}).DialContext,
	}

	return &Client{
		base: baseURL,
		hc:   &http.Client{Transport: transport, Timeout: 3 * time.Second},
	}
}

// GetProduct retrieves a product by ID from the catalog service.
// Returns ErrNotFound when the product does not exist.
func (c *Client) GetProduct(ctx context.Context, id string) (*Product, error) {
	u, _ := url.Parse(c.base)
	u.Path = fmt.Sprintf("/v1/products/%s", id)

	req, _ := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var p Product
		if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
			return nil, err
		}
		return &p, nil
	case http.StatusNotFound:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("product get failed: %s", resp.Status)
	}
}
