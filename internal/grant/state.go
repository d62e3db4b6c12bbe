// internal/grant/state.go
// Pure transition functions over capability-grant values. Each function
// takes the current grant by value and returns the next state plus whether
// anything changed; persistence is the caller's job, applied through the
// ledger's compare-and-swap so concurrent attempts serialize.
package grant

import (
	"time"

	errordefs "github.com/shopforge/shopforge-grant-go/internal/errors"
	"github.com/shopforge/shopforge-grant-go/internal/model"
)

// Attempt carries the caller context recorded in the usage history.
type Attempt struct {
	IP        string
	UserAgent string
	DeviceID  string
}

// statusFailure maps a non-active status to its redemption failure.
func statusFailure(status model.GrantStatus) *errordefs.Error {
	switch status {
	case model.StatusRevoked:
		return errordefs.New(errordefs.GRANT_REVOKED, "grant has been revoked", "")
	case model.StatusExhausted:
		return errordefs.New(errordefs.GRANT_EXHAUSTED, "maximum usage limit reached", "")
	case model.StatusExpired:
		return errordefs.New(errordefs.GRANT_EXPIRED, "link expired", "")
	default:
		return errordefs.New(errordefs.GRANT_REVOKED, "grant is no longer active", "")
	}
}

// checkRedeemable is the read-only redeemability probe. It re-evaluates
// expiry against the clock even when the stored status is still active.
func checkRedeemable(g model.CapabilityGrant, now time.Time) *errordefs.Error {
	if g.Status != model.StatusActive {
		return statusFailure(g.Status)
	}
	if now.After(g.ExpiresAt) {
		return errordefs.New(errordefs.GRANT_EXPIRED, "link expired", "")
	}
	if g.UsedCount >= g.MaxUses {
		return errordefs.New(errordefs.GRANT_EXHAUSTED, "maximum usage limit reached", "")
	}
	return nil
}

// effectiveStatus derives the status a reader should see right now,
// without waiting for the sweeper or the next redemption attempt.
func effectiveStatus(g model.CapabilityGrant, now time.Time) model.GrantStatus {
	if g.Status == model.StatusActive && now.After(g.ExpiresAt) {
		return model.StatusExpired
	}
	return g.Status
}

// applyRedemption applies one redemption attempt. On success it appends a
// history entry and increments the counter, flipping to exhausted the
// instant the ceiling is reached. An active-but-expired grant flips to
// expired with a failed history entry. Non-active grants fail without any
// counter mutation.
func applyRedemption(g model.CapabilityGrant, now time.Time, attempt Attempt) (model.CapabilityGrant, bool, *errordefs.Error) {
	if g.Status != model.StatusActive {
		return g, false, statusFailure(g.Status)
	}

	if now.After(g.ExpiresAt) {
		g.Usage = append(g.Usage, model.UsageRecord{
			ID:        newRecordID(now),
			At:        now,
			Success:   false,
			IP:        attempt.IP,
			UserAgent: attempt.UserAgent,
			DeviceID:  attempt.DeviceID,
		})
		g.Status = model.StatusExpired
		return g, true, errordefs.New(errordefs.GRANT_EXPIRED, "link expired", "")
	}

	if g.UsedCount >= g.MaxUses {
		// Counter already at the ceiling but status not yet flipped;
		// persist the transition and reject.
		g.Status = model.StatusExhausted
		return g, true, errordefs.New(errordefs.GRANT_EXHAUSTED, "maximum usage limit reached", "")
	}

	g.Usage = append(g.Usage, model.UsageRecord{
		ID:        newRecordID(now),
		At:        now,
		Success:   true,
		IP:        attempt.IP,
		UserAgent: attempt.UserAgent,
		DeviceID:  attempt.DeviceID,
	})
	g.UsedCount++
	if g.UsedCount >= g.MaxUses {
		g.Status = model.StatusExhausted
	}
	return g, true, nil
}

// applyActivation binds a device to a license grant. Re-activating a device
// that already holds an open activation is an error; the read-only validate
// call is the idempotent path.
func applyActivation(g model.CapabilityGrant, now time.Time, deviceID, deviceName string) (model.CapabilityGrant, bool, *errordefs.Error) {
	// Exhausted is handled below so a device that already holds a seat gets
	// the already-activated answer rather than the ceiling one.
	if g.Status != model.StatusActive && g.Status != model.StatusExhausted {
		return g, false, statusFailure(g.Status)
	}

	if now.After(g.ExpiresAt) {
		g.Usage = append(g.Usage, model.UsageRecord{
			ID:       newRecordID(now),
			At:       now,
			Success:  false,
			DeviceID: deviceID,
		})
		g.Status = model.StatusExpired
		return g, true, errordefs.New(errordefs.GRANT_EXPIRED, "license expired", "")
	}

	if g.OpenActivation(deviceID) >= 0 {
		return g, false, errordefs.New(errordefs.GRANT_ALREADY_ACTIVATED, "device already activated", "")
	}

	if g.CurrentActivations() >= g.MaxUses {
		return g, false, errordefs.New(errordefs.GRANT_EXHAUSTED, "maximum activations reached", "")
	}

	g.Activations = append(g.Activations, model.ActivationRecord{
		ID:          newRecordID(now),
		DeviceID:    deviceID,
		DeviceName:  deviceName,
		ActivatedAt: now,
	})
	g.Usage = append(g.Usage, model.UsageRecord{
		ID:       newRecordID(now),
		At:       now,
		Success:  true,
		DeviceID: deviceID,
	})
	g.UsedCount = g.CurrentActivations()
	if g.UsedCount >= g.MaxUses {
		g.Status = model.StatusExhausted
	}
	if g.ActivatedAt == nil {
		t := now
		g.ActivatedAt = &t
	}
	return g, true, nil
}

// applyDeactivation closes the open activation record for a device. The
// record is marked, not deleted, preserving the audit trail.
func applyDeactivation(g model.CapabilityGrant, now time.Time, deviceID string) (model.CapabilityGrant, bool, *errordefs.Error) {
	idx := g.OpenActivation(deviceID)
	if idx < 0 {
		return g, false, errordefs.New(errordefs.GRANT_DEVICE_NOT_ACTIVATED, "device not activated", "")
	}

	// Copy the slice before mutating: the input value may share backing
	// arrays with a cached read.
	activations := make([]model.ActivationRecord, len(g.Activations))
	copy(activations, g.Activations)
	t := now
	activations[idx].DeactivatedAt = &t
	g.Activations = activations

	g.UsedCount = g.CurrentActivations()
	return g, true, nil
}

// applyRevoke retires a grant without deleting it. Revoking an already
// revoked grant is an idempotent no-op.
func applyRevoke(g model.CapabilityGrant) (model.CapabilityGrant, bool) {
	if g.Status == model.StatusRevoked {
		return g, false
	}
	g.Status = model.StatusRevoked
	return g, true
}

// applyRegenerate rotates the token and resets the grant to a fresh active
// state: counters cleared, history dropped, expiry extended. The old token
// becomes invalid the moment the swap commits.
func applyRegenerate(g model.CapabilityGrant, now time.Time, token string, ttl time.Duration) model.CapabilityGrant {
	g.Token = token
	g.UsedCount = 0
	g.Usage = nil
	g.Activations = nil
	g.ActivatedAt = nil
	g.Status = model.StatusActive
	g.IssuedAt = now
	g.ExpiresAt = now.Add(ttl)
	return g
}
