// Package conformance provides conformance tests for the grant service API.
package conformance

import (
	"io"
	"net/http"
	"testing"

	"github.com/shopforge/shopforge-grant-go/internal/model"
)

// TestConformance runs the full conformance test suite.
func TestConformance(t *testing.T) {
	cfg := Config{
		JWTIssuer:   "test-issuer",
		JWTAudience: "test-audience",
	}

	harness, err := NewHarness(cfg)
	if err != nil {
		t.Fatalf("failed to create harness: %v", err)
	}
	defer harness.Close()

	t.Run("HealthEndpoints", func(t *testing.T) { testHealthEndpoints(t, harness) })
	t.Run("AuthBoundary", func(t *testing.T) { testAuthBoundary(t, harness) })
	t.Run("DownloadFlow", func(t *testing.T) { testDownloadFlow(t, harness) })
	t.Run("IssuanceAuthorization", func(t *testing.T) { testIssuanceAuthorization(t, harness) })
	t.Run("LicenseFlow", func(t *testing.T) { testLicenseFlow(t, harness) })
	t.Run("AdminBoundary", func(t *testing.T) { testAdminBoundary(t, harness) })
	t.Run("Listing", func(t *testing.T) { testListing(t, harness) })
}

// testHealthEndpoints tests the health check endpoints.
func testHealthEndpoints(t *testing.T, h *Harness) {
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(h.URL() + path)
		if err != nil {
			t.Fatalf("failed to GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected status 200 for %s, got %d", path, resp.StatusCode)
		}
	}
}

// testAuthBoundary verifies the authenticated surface rejects anonymous and
// malformed callers.
func testAuthBoundary(t *testing.T, h *Harness) {
	req := model.IssueGrantRequest{
		OwnerID: "user-1", ResourceID: "prod-ebook", PurchaseID: "pur-1", Kind: model.KindDownload,
	}

	resp, err := h.PostJSON("/v1/grants/issue", "", req)
	if err != nil {
		t.Fatalf("issue request failed: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without bearer token, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err = h.PostJSON("/v1/grants/issue", "not-a-jwt", req)
	if err != nil {
		t.Fatalf("issue request failed: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 with malformed token, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

// testDownloadFlow walks the full download path: issue, validate, redeem,
// fetch the file, exhaust the grant.
func testDownloadFlow(t *testing.T, h *Harness) {
	bearer := h.BearerToken("user-1", "")

	resp, err := h.PostJSON("/v1/grants/issue", bearer, model.IssueGrantRequest{
		OwnerID: "user-1", ResourceID: "prod-ebook", PurchaseID: "pur-1",
		Kind: model.KindDownload, MaxUses: 2,
	})
	if err != nil {
		t.Fatalf("issue request failed: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 on issue, got %d", resp.StatusCode)
	}
	var issued model.IssueGrantData
	DecodeData(t, resp, &issued)
	if len(issued.Token) != 64 {
		t.Errorf("expected 64-char token, got %d chars", len(issued.Token))
	}

	// Probe before redeeming
	resp, err = h.Get("/v1/grants/validate?token="+issued.Token, "")
	if err != nil {
		t.Fatalf("validate request failed: %v", err)
	}
	var probe model.ValidateData
	DecodeData(t, resp, &probe)
	if !probe.Valid || probe.Remaining != 2 {
		t.Errorf("expected valid probe with 2 remaining, got valid=%v remaining=%d", probe.Valid, probe.Remaining)
	}

	// First redemption mints a working download URL
	resp, err = h.PostJSON("/v1/grants/redeem", "", model.RedeemRequest{Token: issued.Token})
	if err != nil {
		t.Fatalf("redeem request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on redeem, got %d", resp.StatusCode)
	}
	var redeemed model.RedeemData
	DecodeData(t, resp, &redeemed)
	if redeemed.Remaining != 1 {
		t.Errorf("expected 1 remaining after first redemption, got %d", redeemed.Remaining)
	}

	fileResp, err := http.Get(h.URL() + redeemed.DownloadURL)
	if err != nil {
		t.Fatalf("file request failed: %v", err)
	}
	body, _ := io.ReadAll(fileResp.Body)
	fileResp.Body.Close()
	if fileResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 fetching file, got %d", fileResp.StatusCode)
	}
	if string(body) != "conformance payload" {
		t.Errorf("unexpected file content: %q", body)
	}

	// Second redemption exhausts the grant
	resp, err = h.PostJSON("/v1/grants/redeem", "", model.RedeemRequest{Token: issued.Token})
	if err != nil {
		t.Fatalf("redeem request failed: %v", err)
	}
	DecodeData(t, resp, &redeemed)
	if redeemed.Remaining != 0 {
		t.Errorf("expected 0 remaining after second redemption, got %d", redeemed.Remaining)
	}

	// Third redemption fails with the exhausted code
	resp, err = h.PostJSON("/v1/grants/redeem", "", model.RedeemRequest{Token: issued.Token})
	if err != nil {
		t.Fatalf("redeem request failed: %v", err)
	}
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 on exhausted grant, got %d", resp.StatusCode)
	}
	if code := ErrorCode(t, resp); code != "GRANT_EXHAUSTED" {
		t.Errorf("expected GRANT_EXHAUSTED, got %s", code)
	}
}

// testIssuanceAuthorization verifies the purchase checks on issuance.
func testIssuanceAuthorization(t *testing.T, h *Harness) {
	bearer := h.BearerToken("user-1", "")

	cases := []struct {
		name     string
		req      model.IssueGrantRequest
		wantCode string
	}{
		{
			name: "pending payment",
			req: model.IssueGrantRequest{
				OwnerID: "user-1", ResourceID: "prod-ebook", PurchaseID: "pur-pending", Kind: model.KindDownload,
			},
			wantCode: "GRANT_NOT_AUTHORIZED",
		},
		{
			name: "unknown purchase",
			req: model.IssueGrantRequest{
				OwnerID: "user-1", ResourceID: "prod-ebook", PurchaseID: "pur-missing", Kind: model.KindDownload,
			},
			wantCode: "GRANT_NOT_AUTHORIZED",
		},
		{
			name: "resource not in purchase",
			req: model.IssueGrantRequest{
				OwnerID: "user-1", ResourceID: "prod-other", PurchaseID: "pur-1", Kind: model.KindDownload,
			},
			wantCode: "GRANT_NOT_AUTHORIZED",
		},
		{
			name: "license grant for non-licensable product",
			req: model.IssueGrantRequest{
				OwnerID: "user-1", ResourceID: "prod-ebook", PurchaseID: "pur-1", Kind: model.KindLicense,
			},
			wantCode: "GRANT_INVALID_RESOURCE",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := h.PostJSON("/v1/grants/issue", bearer, tc.req)
			if err != nil {
				t.Fatalf("issue request failed: %v", err)
			}
			if code := ErrorCode(t, resp); code != tc.wantCode {
				t.Errorf("expected %s, got %s", tc.wantCode, code)
			}
		})
	}

	// Issuing for somebody else without admin scope is an owner mismatch
	resp, err := h.PostJSON("/v1/grants/issue", bearer, model.IssueGrantRequest{
		OwnerID: "user-2", ResourceID: "prod-ebook", PurchaseID: "pur-1", Kind: model.KindDownload,
	})
	if err != nil {
		t.Fatalf("issue request failed: %v", err)
	}
	if code := ErrorCode(t, resp); code != "GRANT_OWNER_MISMATCH" {
		t.Errorf("expected GRANT_OWNER_MISMATCH, got %s", code)
	}
}

// testLicenseFlow walks license issuance, activation to the ceiling,
// deactivation, and the read-only license check.
func testLicenseFlow(t *testing.T, h *Harness) {
	bearer := h.BearerToken("user-1", "")

	resp, err := h.PostJSON("/v1/grants/issue", bearer, model.IssueGrantRequest{
		OwnerID: "user-1", ResourceID: "prod-app", PurchaseID: "pur-1",
		Kind: model.KindLicense, LicenseType: model.LicenseSingle,
	})
	if err != nil {
		t.Fatalf("issue request failed: %v", err)
	}
	var issued model.IssueGrantData
	DecodeData(t, resp, &issued)

	// Activate device A
	resp, err = h.PostJSON("/v1/licenses/activate", "", model.ActivateRequest{
		LicenseKey: issued.Token, DeviceID: "device-a", DeviceName: "Alice's laptop",
	})
	if err != nil {
		t.Fatalf("activate request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on first activation, got %d", resp.StatusCode)
	}
	var act model.ActivateData
	DecodeData(t, resp, &act)
	if act.CurrentActivations != 1 || act.MaxActivations != 1 {
		t.Errorf("expected 1/1 activations, got %d/%d", act.CurrentActivations, act.MaxActivations)
	}

	// Re-activating the same device is rejected
	resp, err = h.PostJSON("/v1/licenses/activate", "", model.ActivateRequest{
		LicenseKey: issued.Token, DeviceID: "device-a",
	})
	if err != nil {
		t.Fatalf("activate request failed: %v", err)
	}
	if code := ErrorCode(t, resp); code != "GRANT_ALREADY_ACTIVATED" {
		t.Errorf("expected GRANT_ALREADY_ACTIVATED, got %s", code)
	}

	// A second device exceeds the single-seat ceiling
	resp, err = h.PostJSON("/v1/licenses/activate", "", model.ActivateRequest{
		LicenseKey: issued.Token, DeviceID: "device-b",
	})
	if err != nil {
		t.Fatalf("activate request failed: %v", err)
	}
	if code := ErrorCode(t, resp); code != "GRANT_EXHAUSTED" {
		t.Errorf("expected GRANT_EXHAUSTED, got %s", code)
	}

	// The activated device validates even at the ceiling
	resp, err = h.Get("/v1/licenses/validate?licenseKey="+issued.Token+"&deviceId=device-a", "")
	if err != nil {
		t.Fatalf("license validate failed: %v", err)
	}
	var check model.LicenseValidateData
	DecodeData(t, resp, &check)
	if !check.Valid || !check.DeviceActivated {
		t.Errorf("expected valid activated license, got valid=%v activated=%v", check.Valid, check.DeviceActivated)
	}

	// Deactivating A frees the seat for B
	resp, err = h.PostJSON("/v1/licenses/deactivate", "", model.DeactivateRequest{
		LicenseKey: issued.Token, DeviceID: "device-a",
	})
	if err != nil {
		t.Fatalf("deactivate request failed: %v", err)
	}
	DecodeData(t, resp, &act)
	if act.CurrentActivations != 0 {
		t.Errorf("expected 0 activations after deactivation, got %d", act.CurrentActivations)
	}

	resp, err = h.PostJSON("/v1/licenses/activate", "", model.ActivateRequest{
		LicenseKey: issued.Token, DeviceID: "device-b",
	})
	if err != nil {
		t.Fatalf("activate request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 activating device-b after freeing the seat, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

// testAdminBoundary verifies the admin endpoints enforce the admin scope
// and that revoke and regenerate behave as specified.
func testAdminBoundary(t *testing.T, h *Harness) {
	user := h.BearerToken("user-1", "")
	admin := h.BearerToken("admin-1", "grants:admin")

	resp, err := h.PostJSON("/v1/grants/issue", user, model.IssueGrantRequest{
		OwnerID: "user-1", ResourceID: "prod-ebook", PurchaseID: "pur-1", Kind: model.KindDownload,
	})
	if err != nil {
		t.Fatalf("issue request failed: %v", err)
	}
	var issued model.IssueGrantData
	DecodeData(t, resp, &issued)

	// Non-admin callers are rejected
	resp, err = h.PostJSON("/v1/admin/grants/revoke", user, model.AdminGrantRequest{Token: issued.Token})
	if err != nil {
		t.Fatalf("revoke request failed: %v", err)
	}
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 without admin scope, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Regenerate rotates the token; the old one stops working
	resp, err = h.PostJSON("/v1/admin/grants/regenerate", admin, model.AdminGrantRequest{Token: issued.Token})
	if err != nil {
		t.Fatalf("regenerate request failed: %v", err)
	}
	var regen model.RegenerateData
	DecodeData(t, resp, &regen)
	if regen.Token == issued.Token {
		t.Error("expected a rotated token")
	}

	resp, err = h.PostJSON("/v1/grants/redeem", "", model.RedeemRequest{Token: issued.Token})
	if err != nil {
		t.Fatalf("redeem request failed: %v", err)
	}
	if code := ErrorCode(t, resp); code != "GRANT_INVALID_TOKEN" {
		t.Errorf("expected GRANT_INVALID_TOKEN for the old token, got %s", code)
	}

	// Revoke the rotated grant; redemption then reports revoked
	resp, err = h.PostJSON("/v1/admin/grants/revoke", admin, model.AdminGrantRequest{Token: regen.Token})
	if err != nil {
		t.Fatalf("revoke request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 on revoke, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err = h.PostJSON("/v1/grants/redeem", "", model.RedeemRequest{Token: regen.Token})
	if err != nil {
		t.Fatalf("redeem request failed: %v", err)
	}
	if code := ErrorCode(t, resp); code != "GRANT_REVOKED" {
		t.Errorf("expected GRANT_REVOKED, got %s", code)
	}

	// Manual sweep runs and reports a count
	resp, err = h.PostJSON("/v1/admin/sweep", admin, struct{}{})
	if err != nil {
		t.Fatalf("sweep request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 on sweep, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

// testListing verifies owner-scoped listing with cursor pagination.
func testListing(t *testing.T, h *Harness) {
	bearer := h.BearerToken("user-1", "")

	resp, err := h.Get("/v1/grants?limit=2", bearer)
	if err != nil {
		t.Fatalf("list request failed: %v", err)
	}
	var page model.ListGrantsResult
	DecodeData(t, resp, &page)
	if len(page.Grants) == 0 {
		t.Fatal("expected at least one grant for user-1")
	}
	for _, g := range page.Grants {
		if g.OwnerID != "user-1" {
			t.Errorf("listing leaked grant owned by %s", g.OwnerID)
		}
	}

	// Follow the cursor if a second page exists
	if page.NextCursor != "" {
		resp, err = h.Get("/v1/grants?limit=2&cursor="+page.NextCursor, bearer)
		if err != nil {
			t.Fatalf("list request failed: %v", err)
		}
		var next model.ListGrantsResult
		DecodeData(t, resp, &next)
		for _, g := range next.Grants {
			for _, prev := range page.Grants {
				if g.ID == prev.ID {
					t.Errorf("grant %s repeated across pages", g.ID)
				}
			}
		}
	}

	// Listing is owner-scoped through the JWT; another caller sees nothing
	other := h.BearerToken("user-nobody", "")
	resp, err = h.Get("/v1/grants", other)
	if err != nil {
		t.Fatalf("list request failed: %v", err)
	}
	var empty model.ListGrantsResult
	DecodeData(t, resp, &empty)
	if len(empty.Grants) != 0 {
		t.Errorf("expected no grants for unknown owner, got %d", len(empty.Grants))
	}
}
