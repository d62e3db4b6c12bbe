package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopforge/shopforge-grant-go/internal/model"
)

func testGrant(id, token string) model.CapabilityGrant {
	now := time.Now().UTC()
	return model.CapabilityGrant{
		ID:        id,
		Token:     token,
		Kind:      model.KindDownload,
		OwnerID:   "user-1",
		MaxUses:   5,
		Status:    model.StatusActive,
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	}
}

func TestCreateAndGetGrant(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	g := testGrant("g-1", "tok-1")
	if err := store.CreateGrant(ctx, g); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	got, err := store.GetGrantByToken(ctx, "tok-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.ID != "g-1" || got.OwnerID != "user-1" {
		t.Errorf("unexpected grant: %+v", got)
	}

	if _, err := store.GetGrantByToken(ctx, "tok-missing"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateGrantTokenCollision(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	if err := store.CreateGrant(ctx, testGrant("g-1", "tok-1")); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateGrant(ctx, testGrant("g-2", "tok-1")); err != ErrConflict {
		t.Errorf("expected ErrConflict on duplicate token, got %v", err)
	}
}

func TestUpdateGrantCompareAndSwap(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	if err := store.CreateGrant(ctx, testGrant("g-1", "tok-1")); err != nil {
		t.Fatal(err)
	}

	g, err := store.GetGrantByToken(ctx, "tok-1")
	if err != nil {
		t.Fatal(err)
	}

	// First writer wins
	first := *g
	first.UsedCount = 1
	if err := store.UpdateGrant(ctx, first); err != nil {
		t.Fatalf("first update failed: %v", err)
	}

	// Second writer holds a stale version and must lose
	second := *g
	second.UsedCount = 1
	if err := store.UpdateGrant(ctx, second); err != ErrConflict {
		t.Errorf("expected ErrConflict for stale version, got %v", err)
	}

	// Version advanced on the winning write
	got, err := store.GetGrantByToken(ctx, "tok-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != g.Version+1 || got.UsedCount != 1 {
		t.Errorf("after CAS: version=%d used=%d", got.Version, got.UsedCount)
	}

	missing := *got
	missing.ID = "g-missing"
	if err := store.UpdateGrant(ctx, missing); err != ErrNotFound {
		t.Errorf("expected ErrNotFound for unknown grant, got %v", err)
	}
}

// TestConcurrentRedemptionAtLimit drives many concurrent read-modify-write
// cycles against a single-use grant; the compare-and-swap must let exactly
// one succeed.
func TestConcurrentRedemptionAtLimit(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	g := testGrant("g-1", "tok-1")
	g.MaxUses = 1
	if err := store.CreateGrant(ctx, g); err != nil {
		t.Fatal(err)
	}

	const workers = 16
	var wins int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cur, err := store.GetGrantByToken(ctx, "tok-1")
			if err != nil {
				return
			}
			if cur.UsedCount >= cur.MaxUses {
				return
			}
			next := *cur
			next.UsedCount++
			next.Status = model.StatusExhausted
			if err := store.UpdateGrant(ctx, next); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("expected exactly one winning swap, got %d", wins)
	}
	got, err := store.GetGrantByToken(ctx, "tok-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.UsedCount != 1 {
		t.Errorf("usedCount = %d, want 1", got.UsedCount)
	}
}

func TestUpdateGrantTokenRotation(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	if err := store.CreateGrant(ctx, testGrant("g-1", "tok-old")); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateGrant(ctx, testGrant("g-2", "tok-taken")); err != nil {
		t.Fatal(err)
	}

	g, err := store.GetGrantByToken(ctx, "tok-old")
	if err != nil {
		t.Fatal(err)
	}

	// Rotating onto another grant's token must conflict
	clash := *g
	clash.Token = "tok-taken"
	if err := store.UpdateGrant(ctx, clash); err != ErrConflict {
		t.Errorf("expected ErrConflict rotating onto a taken token, got %v", err)
	}

	rotated := *g
	rotated.Token = "tok-new"
	if err := store.UpdateGrant(ctx, rotated); err != nil {
		t.Fatalf("rotation failed: %v", err)
	}

	if _, err := store.GetGrantByToken(ctx, "tok-old"); err != ErrNotFound {
		t.Errorf("old token should be gone, got %v", err)
	}
	if got, err := store.GetGrantByToken(ctx, "tok-new"); err != nil || got.ID != "g-1" {
		t.Errorf("new token lookup: %v %v", got, err)
	}
}

func TestListGrantsPagination(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		g := testGrant(fmt.Sprintf("g-%d", i), fmt.Sprintf("tok-%d", i))
		g.IssuedAt = base.Add(time.Duration(i) * time.Minute)
		if err := store.CreateGrant(ctx, g); err != nil {
			t.Fatal(err)
		}
	}
	other := testGrant("g-other", "tok-other")
	other.OwnerID = "user-2"
	if err := store.CreateGrant(ctx, other); err != nil {
		t.Fatal(err)
	}

	// First page, newest first
	page, err := store.ListGrants(ctx, model.ListGrantsQuery{OwnerID: "user-1", Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Grants) != 2 || page.NextCursor == "" {
		t.Fatalf("first page: %d grants, cursor=%q", len(page.Grants), page.NextCursor)
	}
	if page.Grants[0].ID != "g-4" || page.Grants[1].ID != "g-3" {
		t.Errorf("unexpected order: %s %s", page.Grants[0].ID, page.Grants[1].ID)
	}

	// Walk the rest
	seen := map[string]bool{"g-4": true, "g-3": true}
	cursor := page.NextCursor
	for cursor != "" {
		page, err = store.ListGrants(ctx, model.ListGrantsQuery{OwnerID: "user-1", Limit: 2, Cursor: cursor})
		if err != nil {
			t.Fatal(err)
		}
		for _, g := range page.Grants {
			if seen[g.ID] {
				t.Errorf("grant %s repeated across pages", g.ID)
			}
			seen[g.ID] = true
		}
		cursor = page.NextCursor
	}
	if len(seen) != 5 {
		t.Errorf("saw %d grants, want 5", len(seen))
	}

	// Bad cursor surfaces the sentinel so callers can classify it
	_, err = store.ListGrants(ctx, model.ListGrantsQuery{OwnerID: "user-1", Cursor: "not-base64!"})
	if !errors.Is(err, ErrInvalidCursor) {
		t.Errorf("expected ErrInvalidCursor for a malformed cursor, got %v", err)
	}
}

func TestListGrantsStatusFilter(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	active := testGrant("g-a", "tok-a")
	revoked := testGrant("g-r", "tok-r")
	revoked.Status = model.StatusRevoked
	if err := store.CreateGrant(ctx, active); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateGrant(ctx, revoked); err != nil {
		t.Fatal(err)
	}

	page, err := store.ListGrants(ctx, model.ListGrantsQuery{OwnerID: "user-1", Status: model.StatusRevoked})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Grants) != 1 || page.Grants[0].ID != "g-r" {
		t.Errorf("status filter returned %+v", page.Grants)
	}
}

func TestSweepExpired(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	expired := testGrant("g-exp", "tok-exp")
	expired.ExpiresAt = now.Add(-time.Hour)

	fresh := testGrant("g-ok", "tok-ok")

	// Revoked recently: inside the retention window, must survive
	revoked := testGrant("g-rev", "tok-rev")
	revoked.Status = model.StatusRevoked

	for _, g := range []model.CapabilityGrant{expired, fresh, revoked} {
		if err := store.CreateGrant(ctx, g); err != nil {
			t.Fatal(err)
		}
	}

	deleted, err := store.SweepExpired(ctx, now, 30*24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	if _, err := store.GetGrantByToken(ctx, "tok-exp"); err != ErrNotFound {
		t.Errorf("expired grant should be deleted, got %v", err)
	}
	if _, err := store.GetGrantByToken(ctx, "tok-rev"); err != nil {
		t.Errorf("recently revoked grant must survive retention, got %v", err)
	}

	// A second sweep finds nothing
	deleted, err = store.SweepExpired(ctx, now, 30*24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 0 {
		t.Errorf("second sweep deleted %d, want 0", deleted)
	}

	// Far in the future, the retired grant ages out of retention
	deleted, err = store.SweepExpired(ctx, now.Add(31*24*time.Hour), 30*24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	// Both the retired grant and the now-expired fresh grant go
	if deleted != 2 {
		t.Errorf("future sweep deleted %d, want 2", deleted)
	}
}

func TestGetGrantReturnsCopy(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	g := testGrant("g-1", "tok-1")
	g.Usage = []model.UsageRecord{{ID: "u-1", At: time.Now().UTC(), Success: true}}
	if err := store.CreateGrant(ctx, g); err != nil {
		t.Fatal(err)
	}

	first, err := store.GetGrantByToken(ctx, "tok-1")
	if err != nil {
		t.Fatal(err)
	}
	first.Usage[0].Success = false
	first.UsedCount = 99

	second, err := store.GetGrantByToken(ctx, "tok-1")
	if err != nil {
		t.Fatal(err)
	}
	if !second.Usage[0].Success || second.UsedCount != 0 {
		t.Error("mutating a returned grant leaked into the store")
	}
}
