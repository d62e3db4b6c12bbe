// internal/filegate/delivery.go
package filegate

import (
	"context"
	"fmt"
	"time"
)

// Delivery adapts the gate to the grant service's delivery contract:
// redeeming a grant mints a capability and returns the file-endpoint URL
// carrying it.
type Delivery struct {
	gate    *Gate
	baseURL string // Public base URL of this service, no trailing slash
}

// NewDelivery creates a local-file delivery backed by the gate.
func NewDelivery(gate *Gate, baseURL string) *Delivery {
	return &Delivery{gate: gate, baseURL: baseURL}
}

// Mint signs a capability for the file and returns the download URL.
func (d *Delivery) Mint(ctx context.Context, filePath string) (string, time.Time, error) {
	capability, defErr := d.gate.Mint(filePath, "")
	if defErr != nil {
		return "", time.Time{}, fmt.Errorf("mint file capability: %s", defErr.Message)
	}
	return fmt.Sprintf("%s/v1/files/%s", d.baseURL, capability), time.Now().UTC().Add(d.gate.TTL()), nil
}
