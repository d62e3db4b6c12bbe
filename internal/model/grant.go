// internal/model/grant.go
// Package model defines the data structures used throughout the grant service.
// These structures represent capability grants for digital downloads and
// software license keys, plus the request/response shapes of the HTTP API.
package model

import (
	"time"
)

// GrantKind distinguishes the two capability-grant variants.
type GrantKind string

const (
	KindDownload GrantKind = "download" // file download grant
	KindLicense  GrantKind = "license"  // license key with device binding
)

// GrantStatus is the lifecycle state of a grant.
type GrantStatus string

const (
	StatusActive    GrantStatus = "active"
	StatusExhausted GrantStatus = "exhausted" // usage/activation ceiling reached
	StatusExpired   GrantStatus = "expired"
	StatusRevoked   GrantStatus = "revoked"
)

// LicenseType selects the default activation ceiling for license grants.
type LicenseType string

const (
	LicenseSingle    LicenseType = "single"    // 1 activation
	LicenseMultiple  LicenseType = "multiple"  // 5 activations
	LicenseUnlimited LicenseType = "unlimited" // effectively unbounded
)

// UsageRecord is one redemption attempt in a grant's append-only history.
// Entries are immutable once appended.
type UsageRecord struct {
	ID        string    `json:"id"`                  // ULID, orders entries within a grant
	At        time.Time `json:"at"`                  // When the attempt happened
	Success   bool      `json:"success"`             // Whether the attempt succeeded
	IP        string    `json:"ip,omitempty"`        // Caller IP
	UserAgent string    `json:"userAgent,omitempty"` // Caller user agent
	DeviceID  string    `json:"deviceId,omitempty"`  // Device identifier (license grants)
}

// ActivationRecord binds a license grant to a device. Deactivation marks
// DeactivatedAt rather than deleting the record so the audit trail survives.
type ActivationRecord struct {
	ID            string     `json:"id"`                   // ULID
	DeviceID      string     `json:"deviceId"`             // Device identifier
	DeviceName    string     `json:"deviceName,omitempty"` // Optional human label
	ActivatedAt   time.Time  `json:"activatedAt"`          // When the device activated
	DeactivatedAt *time.Time `json:"deactivatedAt,omitempty"`
}

// CapabilityGrant is one ledger entry: a bearer credential granting bounded
// access to a single protected resource. Download grants and license keys
// share this shape; the license fields are the device-binding extension.
// This corresponds to the grants table in the ledger.
type CapabilityGrant struct {
	ID         string    `json:"id" db:"id"`                  // Stable identifier (survives token rotation)
	Token      string    `json:"token" db:"token"`            // Opaque high-entropy credential (64 hex chars)
	Kind       GrantKind `json:"kind" db:"kind"`              // download or license
	OwnerID    string    `json:"ownerId" db:"owner_id"`       // Authorizing user
	ResourceID string    `json:"resourceId" db:"resource_id"` // Product/asset being granted
	PurchaseID string    `json:"purchaseId" db:"purchase_id"` // Completed purchase that authorized the grant

	// FilePath is the backing object for download grants, relative to the
	// upload root (or the S3 object key when S3 delivery is configured).
	FilePath string `json:"filePath,omitempty" db:"file_path"`

	LicenseType LicenseType `json:"licenseType,omitempty" db:"license_type"`

	MaxUses   int         `json:"maxUses" db:"max_uses"`     // Usage/activation ceiling
	UsedCount int         `json:"usedCount" db:"used_count"` // Never exceeds MaxUses while active
	Status    GrantStatus `json:"status" db:"status"`

	IssuedAt  time.Time `json:"issuedAt" db:"issued_at"`
	ExpiresAt time.Time `json:"expiresAt" db:"expires_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`

	// ActivatedAt is set on the first-ever device activation (license grants).
	ActivatedAt *time.Time `json:"activatedAt,omitempty" db:"activated_at"`

	Usage       []UsageRecord      `json:"usage,omitempty" db:"usage"`
	Activations []ActivationRecord `json:"activations,omitempty" db:"activations"`

	// Version guards the atomic read-modify-write contract: every mutation
	// goes through a compare-and-swap keyed on (ID, Version).
	Version int64 `json:"-" db:"version"`
}

// IsActive reports whether the grant can still be redeemed or activated,
// ignoring the clock. Expiry is re-checked lazily by the redemption path.
func (g *CapabilityGrant) IsActive() bool {
	return g.Status == StatusActive
}

// CurrentActivations counts open (non-deactivated) activation records.
func (g *CapabilityGrant) CurrentActivations() int {
	n := 0
	for _, a := range g.Activations {
		if a.DeactivatedAt == nil {
			n++
		}
	}
	return n
}

// OpenActivation returns the index of the open activation record for the
// given device, or -1 when the device holds none.
func (g *CapabilityGrant) OpenActivation(deviceID string) int {
	for i, a := range g.Activations {
		if a.DeviceID == deviceID && a.DeactivatedAt == nil {
			return i
		}
	}
	return -1
}

// ListGrantsQuery represents the query parameters for listing grants.
type ListGrantsQuery struct {
	OwnerID string      `json:"ownerId"` // Filter by owner (required)
	Status  GrantStatus `json:"status"`  // Optional status filter
	Limit   int         `json:"limit"`   // Maximum number of grants to return
	Cursor  string      `json:"cursor"`  // Pagination cursor
}

// ListGrantsResult represents the result of listing grants.
type ListGrantsResult struct {
	Grants     []CapabilityGrant `json:"grants"`
	NextCursor string            `json:"nextCursor,omitempty"`
}

// IssueGrantRequest is the request body for POST /v1/grants/issue.
type IssueGrantRequest struct {
	OwnerID    string      `json:"ownerId"`
	ResourceID string      `json:"resourceId"`
	PurchaseID string      `json:"purchaseId"`
	Kind       GrantKind   `json:"kind"`
	LicenseType LicenseType `json:"licenseType,omitempty"` // License grants only
	MaxUses    int         `json:"maxUses,omitempty"`      // Explicit ceiling, takes precedence over policy
	TTLHours   int         `json:"ttlHours,omitempty"`     // Download grants only, clamped to policy bounds
}

// IssueGrantData is the success payload for grant issuance. Only the token
// leaves the service; the full ledger record stays internal.
type IssueGrantData struct {
	Token     string    `json:"token"`
	Kind      GrantKind `json:"kind"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// RedeemRequest is the request body for POST /v1/grants/redeem.
type RedeemRequest struct {
	Token string `json:"token"`
}

// RedeemData carries the delivery credential minted on successful
// redemption: a short-lived signed URL, decoupled from the grant's expiry.
type RedeemData struct {
	DownloadURL string    `json:"downloadUrl"`
	ExpiresAt   time.Time `json:"expiresAt"`
	Remaining   int       `json:"remaining"` // Redemptions left after this one
}

// ValidateData is the read-only redeemability probe result.
type ValidateData struct {
	Valid     bool        `json:"valid"`
	Status    GrantStatus `json:"status"`
	Remaining int         `json:"remaining"`
	ExpiresAt time.Time   `json:"expiresAt"`
}

// ActivateRequest is the request body for POST /v1/licenses/activate.
type ActivateRequest struct {
	LicenseKey string `json:"licenseKey"`
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName,omitempty"`
}

// ActivateData reports the activation ledger state after a mutation.
type ActivateData struct {
	DeviceID           string    `json:"deviceId"`
	CurrentActivations int       `json:"currentActivations"`
	MaxActivations     int       `json:"maxActivations"`
	ExpiresAt          time.Time `json:"expiresAt"`
}

// DeactivateRequest is the request body for POST /v1/licenses/deactivate.
type DeactivateRequest struct {
	LicenseKey string `json:"licenseKey"`
	DeviceID   string `json:"deviceId"`
}

// LicenseValidateData is the read-only license check result.
type LicenseValidateData struct {
	Valid              bool        `json:"valid"`
	Status             GrantStatus `json:"status"`
	DeviceActivated    bool        `json:"deviceActivated"`
	CurrentActivations int         `json:"currentActivations"`
	MaxActivations     int         `json:"maxActivations"`
	ExpiresAt          time.Time   `json:"expiresAt"`
}

// AdminGrantRequest addresses a grant by token for revoke/regenerate.
type AdminGrantRequest struct {
	Token string `json:"token"`
}

// RegenerateData returns the rotated token.
type RegenerateData struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SweepData is the result of a manual sweep run.
type SweepData struct {
	DeletedCount int64 `json:"deletedCount"`
}
