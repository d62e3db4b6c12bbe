// internal/grant/service.go
// Package grant implements the capability-grant service: issuance against
// completed purchases, token redemption, device activation for license keys,
// and the administrative revoke/regenerate operations. All state lives in the
// ledger; the service holds no grant data of its own.
package grant

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopforge/shopforge-grant-go/internal/catalog"
	errordefs "github.com/shopforge/shopforge-grant-go/internal/errors"
	"github.com/shopforge/shopforge-grant-go/internal/event"
	"github.com/shopforge/shopforge-grant-go/internal/ledger"
	"github.com/shopforge/shopforge-grant-go/internal/media"
	"github.com/shopforge/shopforge-grant-go/internal/metrics"
	"github.com/shopforge/shopforge-grant-go/internal/model"
	"github.com/shopforge/shopforge-grant-go/internal/purchase"
)

// tokenRetries bounds the collision retry loop during issuance and token
// rotation. 32 bytes of entropy make collisions vanishingly rare; the budget
// exists so a broken ledger cannot spin forever.
const tokenRetries = 10

// casRetries bounds the compare-and-swap retry loop on mutations. A lost
// swap means a concurrent writer won; we re-fetch and re-apply.
const casRetries = 5

// Delivery mints short-lived download credentials for redeemed grants.
// The filegate package implements it for local files, the media package
// for S3-backed objects.
type Delivery interface {
	Mint(ctx context.Context, filePath string) (url string, expiresAt time.Time, err error)
}

// Service orchestrates grant operations against the ledger and the
// collaborating services.
type Service struct {
	store     ledger.Store
	purchases purchase.Lookup
	catalog   catalog.Lookup
	pub       event.Publisher
	metrics   *metrics.Metrics
	policy    Policy
	delivery  Delivery

	// now is injectable for tests
	now func() time.Time
}

// NewService creates a grant service.
func NewService(store ledger.Store, purchases purchase.Lookup, cat catalog.Lookup, pub event.Publisher, m *metrics.Metrics, policy Policy, delivery Delivery) *Service {
	return &Service{
		store:     store,
		purchases: purchases,
		catalog:   cat,
		pub:       pub,
		metrics:   m,
		policy:    policy,
		delivery:  delivery,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Issue creates a new grant after verifying the purchase authorizes it:
// the purchase must exist, belong to the requesting owner, be payment
// complete, and contain the granted resource. The resource itself must be
// deliverable in the requested way.
func (s *Service) Issue(ctx context.Context, req model.IssueGrantRequest) (*model.IssueGrantData, *errordefs.Error) {
	p, err := s.purchases.GetPurchase(ctx, req.PurchaseID)
	if err != nil {
		if errors.Is(err, purchase.ErrNotFound) {
			return nil, errordefs.New(errordefs.GRANT_NOT_AUTHORIZED, "purchase not found", "")
		}
		slog.Error("purchase lookup failed", "purchaseId", req.PurchaseID, "error", err)
		return nil, errordefs.New(errordefs.GRANT_UNAVAILABLE, "purchase service unavailable", "")
	}
	if p.OwnerID != req.OwnerID {
		return nil, errordefs.New(errordefs.GRANT_NOT_AUTHORIZED, "purchase does not belong to owner", "")
	}
	if p.PaymentStatus != purchase.PaymentCompleted {
		return nil, errordefs.New(errordefs.GRANT_NOT_AUTHORIZED, "purchase payment not completed", "")
	}
	if !p.Contains(req.ResourceID) {
		return nil, errordefs.New(errordefs.GRANT_NOT_AUTHORIZED, "resource not part of purchase", "")
	}

	product, err := s.catalog.GetProduct(ctx, req.ResourceID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, errordefs.New(errordefs.GRANT_INVALID_RESOURCE, "resource not found", "")
		}
		slog.Error("catalog lookup failed", "resourceId", req.ResourceID, "error", err)
		return nil, errordefs.New(errordefs.GRANT_UNAVAILABLE, "catalog service unavailable", "")
	}
	switch req.Kind {
	case model.KindDownload:
		if !product.IsDigital {
			return nil, errordefs.New(errordefs.GRANT_INVALID_RESOURCE, "resource is not a digital download", "")
		}
	case model.KindLicense:
		if !product.IsLicensed {
			return nil, errordefs.New(errordefs.GRANT_INVALID_RESOURCE, "resource is not licensable", "")
		}
	default:
		return nil, errordefs.New(errordefs.GRANT_VALIDATION, "kind must be download or license", "")
	}

	now := s.now()
	g := model.CapabilityGrant{
		ID:          uuid.New().String(),
		Kind:        req.Kind,
		OwnerID:     req.OwnerID,
		ResourceID:  req.ResourceID,
		PurchaseID:  req.PurchaseID,
		FilePath:    product.FilePath,
		LicenseType: req.LicenseType,
		MaxUses:     s.policy.maxUsesFor(req.Kind, req.LicenseType, req.MaxUses),
		Status:      model.StatusActive,
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.policy.ttlFor(req.Kind, req.TTLHours)),
	}
	if g.Kind == model.KindLicense && g.LicenseType == "" {
		g.LicenseType = model.LicenseSingle
	}

	// Retry on token collision; each attempt uses fresh entropy.
	created := false
	for attempt := 0; attempt < tokenRetries; attempt++ {
		token, tokenErr := newToken()
		if tokenErr != nil {
			slog.Error("token generation failed", "error", tokenErr)
			return nil, errordefs.New(errordefs.GRANT_INTERNAL, "failed to generate token", "")
		}
		g.Token = token
		if createErr := s.store.CreateGrant(ctx, g); createErr != nil {
			if errors.Is(createErr, ledger.ErrConflict) {
				continue
			}
			slog.Error("grant create failed", "grantId", g.ID, "error", createErr)
			return nil, errordefs.New(errordefs.GRANT_INTERNAL, "failed to persist grant", "")
		}
		created = true
		break
	}
	if !created {
		return nil, errordefs.New(errordefs.GRANT_ISSUANCE_EXHAUSTED, "could not allocate a unique token", "")
	}

	s.metrics.GrantIssuedTotal.WithLabelValues(string(g.Kind)).Inc()

	// Best effort: a publish failure never fails the issuance.
	if pubErr := s.pub.PublishGrantIssued(ctx, g); pubErr != nil {
		slog.Warn("grant issued event publish failed", "grantId", g.ID, "error", pubErr)
		s.metrics.EventPublishTotal.WithLabelValues("grant.issued", "error").Inc()
	} else {
		s.metrics.EventPublishTotal.WithLabelValues("grant.issued", "success").Inc()
	}

	slog.Info("grant issued",
		"grantId", g.ID,
		"kind", g.Kind,
		"ownerId", g.OwnerID,
		"resourceId", g.ResourceID,
		"expiresAt", g.ExpiresAt)

	return &model.IssueGrantData{Token: g.Token, Kind: g.Kind, ExpiresAt: g.ExpiresAt}, nil
}

// List returns the owner's grants, newest first.
func (s *Service) List(ctx context.Context, query model.ListGrantsQuery) (*model.ListGrantsResult, *errordefs.Error) {
	result, err := s.store.ListGrants(ctx, query)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidCursor) {
			return nil, errordefs.New(errordefs.GRANT_CURSOR_INVALID, "invalid pagination cursor", "")
		}
		slog.Error("grant list failed", "ownerId", query.OwnerID, "error", err)
		return nil, errordefs.New(errordefs.GRANT_INTERNAL, "failed to list grants", "")
	}
	return result, nil
}

// fetch loads a grant by token, translating ledger errors. The invalid-token
// error deliberately does not distinguish "never existed" from "swept".
func (s *Service) fetch(ctx context.Context, token string) (*model.CapabilityGrant, *errordefs.Error) {
	g, err := s.store.GetGrantByToken(ctx, token)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, errordefs.New(errordefs.GRANT_INVALID_TOKEN, "invalid or unknown token", "")
		}
		slog.Error("grant fetch failed", "error", err)
		return nil, errordefs.New(errordefs.GRANT_INTERNAL, "failed to load grant", "")
	}
	return g, nil
}

// mutate runs a transition under the ledger's compare-and-swap, re-fetching
// and re-applying on a lost swap. The transition must be pure: it sees the
// freshest grant on every attempt.
func (s *Service) mutate(ctx context.Context, token string, transition func(model.CapabilityGrant) (model.CapabilityGrant, bool, *errordefs.Error)) (*model.CapabilityGrant, *errordefs.Error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		g, defErr := s.fetch(ctx, token)
		if defErr != nil {
			return nil, defErr
		}

		next, changed, transErr := transition(*g)
		if !changed {
			if transErr != nil {
				return nil, transErr
			}
			return &next, nil
		}

		if updateErr := s.store.UpdateGrant(ctx, next); updateErr != nil {
			if errors.Is(updateErr, ledger.ErrConflict) {
				continue
			}
			if errors.Is(updateErr, ledger.ErrNotFound) {
				return nil, errordefs.New(errordefs.GRANT_INVALID_TOKEN, "invalid or unknown token", "")
			}
			slog.Error("grant update failed", "grantId", next.ID, "error", updateErr)
			return nil, errordefs.New(errordefs.GRANT_INTERNAL, "failed to persist grant", "")
		}
		// The state transition committed; transErr carries the outcome for
		// paths that persist a failure (expiry flip, exhaustion flip).
		if transErr != nil {
			return nil, transErr
		}
		return &next, nil
	}
	return nil, errordefs.New(errordefs.GRANT_CONFLICT, "concurrent update conflict, retry", "")
}

// Redeem consumes one use of a download grant and mints a short-lived
// delivery URL. The counter increment and the history append commit
// atomically through the ledger swap before the URL is minted.
func (s *Service) Redeem(ctx context.Context, token string, attempt Attempt) (*model.RedeemData, *errordefs.Error) {
	now := s.now()
	g, defErr := s.mutate(ctx, token, func(cur model.CapabilityGrant) (model.CapabilityGrant, bool, *errordefs.Error) {
		if cur.Kind != model.KindDownload {
			return cur, false, errordefs.New(errordefs.GRANT_VALIDATION, "token is not a download grant", "")
		}
		return applyRedemption(cur, now, attempt)
	})
	if defErr != nil {
		s.metrics.RedemptionTotal.WithLabelValues("failure").Inc()
		return nil, defErr
	}

	url, urlExpiry, err := s.delivery.Mint(ctx, g.FilePath)
	if err != nil {
		// The use is already consumed; surface the delivery failure rather
		// than silently refunding the counter.
		slog.Error("delivery mint failed", "grantId", g.ID, "filePath", g.FilePath, "error", err)
		s.metrics.RedemptionTotal.WithLabelValues("failure").Inc()
		if errors.Is(err, media.ErrObjectNotFound) {
			return nil, errordefs.New(errordefs.GRANT_NOT_FOUND, "file not found", "")
		}
		return nil, errordefs.New(errordefs.GRANT_INTERNAL, "failed to mint download credential", "")
	}

	s.metrics.RedemptionTotal.WithLabelValues("success").Inc()
	slog.Info("grant redeemed",
		"grantId", g.ID,
		"usedCount", g.UsedCount,
		"maxUses", g.MaxUses,
		"status", g.Status)

	return &model.RedeemData{
		DownloadURL: url,
		ExpiresAt:   urlExpiry,
		Remaining:   g.MaxUses - g.UsedCount,
	}, nil
}

// Validate is the read-only redeemability probe for download grants. It
// never mutates the ledger; an expired-but-active grant reports expired
// here and is flipped on its next redemption attempt or by the sweeper.
func (s *Service) Validate(ctx context.Context, token string) (*model.ValidateData, *errordefs.Error) {
	g, defErr := s.fetch(ctx, token)
	if defErr != nil {
		return nil, defErr
	}
	if g.Kind != model.KindDownload {
		return nil, errordefs.New(errordefs.GRANT_VALIDATION, "token is not a download grant", "")
	}

	now := s.now()
	status := effectiveStatus(*g, now)
	remaining := g.MaxUses - g.UsedCount
	if remaining < 0 {
		remaining = 0
	}
	return &model.ValidateData{
		Valid:     checkRedeemable(*g, now) == nil,
		Status:    status,
		Remaining: remaining,
		ExpiresAt: g.ExpiresAt,
	}, nil
}

// ActivateDevice binds a device to a license grant, consuming one
// activation slot.
func (s *Service) ActivateDevice(ctx context.Context, req model.ActivateRequest) (*model.ActivateData, *errordefs.Error) {
	now := s.now()
	g, defErr := s.mutate(ctx, req.LicenseKey, func(cur model.CapabilityGrant) (model.CapabilityGrant, bool, *errordefs.Error) {
		if cur.Kind != model.KindLicense {
			return cur, false, errordefs.New(errordefs.GRANT_VALIDATION, "token is not a license key", "")
		}
		return applyActivation(cur, now, req.DeviceID, req.DeviceName)
	})
	if defErr != nil {
		s.metrics.ActivationTotal.WithLabelValues("failure").Inc()
		return nil, defErr
	}

	s.metrics.ActivationTotal.WithLabelValues("success").Inc()
	slog.Info("device activated",
		"grantId", g.ID,
		"deviceId", req.DeviceID,
		"currentActivations", g.CurrentActivations(),
		"maxActivations", g.MaxUses)

	return &model.ActivateData{
		DeviceID:           req.DeviceID,
		CurrentActivations: g.CurrentActivations(),
		MaxActivations:     g.MaxUses,
		ExpiresAt:          g.ExpiresAt,
	}, nil
}

// DeactivateDevice releases a device's activation slot. Works on exhausted
// licenses too: freeing a slot reopens the license for another device.
func (s *Service) DeactivateDevice(ctx context.Context, req model.DeactivateRequest) (*model.ActivateData, *errordefs.Error) {
	now := s.now()
	g, defErr := s.mutate(ctx, req.LicenseKey, func(cur model.CapabilityGrant) (model.CapabilityGrant, bool, *errordefs.Error) {
		if cur.Kind != model.KindLicense {
			return cur, false, errordefs.New(errordefs.GRANT_VALIDATION, "token is not a license key", "")
		}
		next, changed, err := applyDeactivation(cur, now, req.DeviceID)
		if changed && next.Status == model.StatusExhausted && next.CurrentActivations() < next.MaxUses {
			// Freeing a slot on a maxed-out license reopens it.
			next.Status = model.StatusActive
		}
		return next, changed, err
	})
	if defErr != nil {
		return nil, defErr
	}

	slog.Info("device deactivated",
		"grantId", g.ID,
		"deviceId", req.DeviceID,
		"currentActivations", g.CurrentActivations())

	return &model.ActivateData{
		DeviceID:           req.DeviceID,
		CurrentActivations: g.CurrentActivations(),
		MaxActivations:     g.MaxUses,
		ExpiresAt:          g.ExpiresAt,
	}, nil
}

// ValidateLicense is the read-only license check: does this key exist, is
// it usable, and is the given device (if any) currently activated.
func (s *Service) ValidateLicense(ctx context.Context, licenseKey, deviceID string) (*model.LicenseValidateData, *errordefs.Error) {
	g, defErr := s.fetch(ctx, licenseKey)
	if defErr != nil {
		return nil, defErr
	}
	if g.Kind != model.KindLicense {
		return nil, errordefs.New(errordefs.GRANT_VALIDATION, "token is not a license key", "")
	}

	now := s.now()
	status := effectiveStatus(*g, now)
	deviceActivated := deviceID != "" && g.OpenActivation(deviceID) >= 0

	// An activated device keeps a valid license even when the activation
	// ceiling is reached; only expiry and revocation cut it off.
	valid := false
	switch status {
	case model.StatusActive:
		valid = true
	case model.StatusExhausted:
		valid = deviceActivated
	}

	return &model.LicenseValidateData{
		Valid:              valid,
		Status:             status,
		DeviceActivated:    deviceActivated,
		CurrentActivations: g.CurrentActivations(),
		MaxActivations:     g.MaxUses,
		ExpiresAt:          g.ExpiresAt,
	}, nil
}

// Revoke retires a grant immediately. Idempotent: revoking a revoked grant
// succeeds without another event.
func (s *Service) Revoke(ctx context.Context, token string) *errordefs.Error {
	var published bool
	g, defErr := s.mutate(ctx, token, func(cur model.CapabilityGrant) (model.CapabilityGrant, bool, *errordefs.Error) {
		next, changed := applyRevoke(cur)
		published = changed
		return next, changed, nil
	})
	if defErr != nil {
		return defErr
	}

	if published {
		if pubErr := s.pub.PublishGrantRevoked(ctx, *g); pubErr != nil {
			slog.Warn("grant revoked event publish failed", "grantId", g.ID, "error", pubErr)
			s.metrics.EventPublishTotal.WithLabelValues("grant.revoked", "error").Inc()
		} else {
			s.metrics.EventPublishTotal.WithLabelValues("grant.revoked", "success").Inc()
		}
		slog.Info("grant revoked", "grantId", g.ID, "kind", g.Kind)
	}
	return nil
}

// Regenerate rotates a grant's token and resets it to a fresh active state.
// The old token stops resolving the moment the swap commits.
func (s *Service) Regenerate(ctx context.Context, token string) (*model.RegenerateData, *errordefs.Error) {
	now := s.now()
	for attempt := 0; attempt < tokenRetries; attempt++ {
		fresh, tokenErr := newToken()
		if tokenErr != nil {
			slog.Error("token generation failed", "error", tokenErr)
			return nil, errordefs.New(errordefs.GRANT_INTERNAL, "failed to generate token", "")
		}

		g, defErr := s.fetch(ctx, token)
		if defErr != nil {
			return nil, defErr
		}
		next := applyRegenerate(*g, now, fresh, s.policy.ttlFor(g.Kind, 0))

		if updateErr := s.store.UpdateGrant(ctx, next); updateErr != nil {
			if errors.Is(updateErr, ledger.ErrConflict) {
				// Either a token collision or a lost swap; both retry with a
				// re-fetch and fresh entropy.
				continue
			}
			if errors.Is(updateErr, ledger.ErrNotFound) {
				return nil, errordefs.New(errordefs.GRANT_INVALID_TOKEN, "invalid or unknown token", "")
			}
			slog.Error("grant regenerate failed", "grantId", next.ID, "error", updateErr)
			return nil, errordefs.New(errordefs.GRANT_INTERNAL, "failed to persist grant", "")
		}

		slog.Info("grant token regenerated", "grantId", next.ID, "kind", next.Kind)
		return &model.RegenerateData{Token: next.Token, ExpiresAt: next.ExpiresAt}, nil
	}
	return nil, errordefs.New(errordefs.GRANT_ISSUANCE_EXHAUSTED, "could not allocate a unique token", "")
}

// Sweep runs one expiry sweep. Exposed for the admin endpoint; the sweeper
// package drives the periodic runs.
func (s *Service) Sweep(ctx context.Context, retention time.Duration) (*model.SweepData, *errordefs.Error) {
	deleted, err := s.store.SweepExpired(ctx, s.now(), retention)
	if err != nil {
		slog.Error("sweep failed", "error", err)
		return nil, errordefs.New(errordefs.GRANT_INTERNAL, "sweep failed", "")
	}
	if deleted > 0 {
		s.metrics.SweepDeletedTotal.Add(float64(deleted))
	}
	return &model.SweepData{DeletedCount: deleted}, nil
}
