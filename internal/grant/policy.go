// internal/grant/policy.go
package grant

import (
	"time"

	"github.com/shopforge/shopforge-grant-go/internal/model"
)

// unlimitedActivations is the ceiling used for "unlimited" licenses.
// Effectively unbounded while keeping the usedCount <= maxUses invariant.
const unlimitedActivations = 1_000_000

// Policy determines usage ceilings and validity windows for new grants.
type Policy struct {
	DownloadMaxUses int           // Default redemption ceiling for download grants
	DownloadTTL     time.Duration // Default download-grant validity
	DownloadTTLMin  time.Duration // Lower bound for caller-supplied TTL
	DownloadTTLMax  time.Duration // Upper bound for caller-supplied TTL
	LicenseTTL      time.Duration // License-grant validity
}

// DefaultPolicy mirrors the shipped configuration defaults.
func DefaultPolicy() Policy {
	return Policy{
		DownloadMaxUses: 5,
		DownloadTTL:     72 * time.Hour,
		DownloadTTLMin:  time.Hour,
		DownloadTTLMax:  168 * time.Hour,
		LicenseTTL:      365 * 24 * time.Hour,
	}
}

// maxActivationsFor maps license types to activation ceilings.
var maxActivationsFor = map[model.LicenseType]int{
	model.LicenseSingle:    1,
	model.LicenseMultiple:  5,
	model.LicenseUnlimited: unlimitedActivations,
}

// maxUsesFor resolves the usage ceiling for a new grant. An explicit
// caller-supplied value takes precedence; otherwise license grants use the
// per-type table and download grants the flat default.
func (p Policy) maxUsesFor(kind model.GrantKind, licenseType model.LicenseType, explicit int) int {
	if explicit > 0 {
		return explicit
	}
	if kind == model.KindLicense {
		if n, ok := maxActivationsFor[licenseType]; ok {
			return n
		}
		return maxActivationsFor[model.LicenseSingle]
	}
	return p.DownloadMaxUses
}

// ttlFor resolves the validity window for a new grant. Download grants may
// override the default within policy bounds; license grants always use the
// license horizon.
func (p Policy) ttlFor(kind model.GrantKind, ttlHours int) time.Duration {
	if kind == model.KindLicense {
		return p.LicenseTTL
	}
	if ttlHours <= 0 {
		return p.DownloadTTL
	}
	ttl := time.Duration(ttlHours) * time.Hour
	if ttl < p.DownloadTTLMin {
		return p.DownloadTTLMin
	}
	if ttl > p.DownloadTTLMax {
		return p.DownloadTTLMax
	}
	return ttl
}
