// internal/ledger/memory.go
// Package ledger provides implementations of the grant ledger Store interface
// for both in-memory and PostgreSQL backends. The ledger holds every
// outstanding capability grant together with its usage counters and expiry.
package ledger

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopforge/shopforge-grant-go/internal/model"
)

// Standard errors returned by the ledger layer
var (
	ErrNotFound      = errors.New("not found")      // Returned when a grant is not found
	ErrConflict      = errors.New("conflict")       // Returned on token collision or a lost compare-and-swap
	ErrInvalidCursor = errors.New("invalid cursor") // Returned when a pagination cursor cannot be decoded
)

// Store defines the ledger operations required by the grant service.
// Every mutation of an existing grant goes through UpdateGrant, which applies
// a compare-and-swap on (ID, Version): two concurrent redemptions cannot both
// observe usedCount < maxUses and both commit.
type Store interface {
	// CreateGrant persists a new grant. Returns ErrConflict when the token
	// already exists in the ledger.
	CreateGrant(ctx context.Context, grant model.CapabilityGrant) error

	// GetGrantByToken looks a grant up by its opaque token.
	GetGrantByToken(ctx context.Context, token string) (*model.CapabilityGrant, error)

	// UpdateGrant writes the grant back if and only if the persisted version
	// equals grant.Version; the stored version is incremented and UpdatedAt
	// refreshed. Returns ErrConflict on a lost swap or a rotated-token
	// collision, ErrNotFound when the grant no longer exists.
	UpdateGrant(ctx context.Context, grant model.CapabilityGrant) error

	// ListGrants lists grants by owner with optional status filtering and
	// cursor-based pagination.
	ListGrants(ctx context.Context, query model.ListGrantsQuery) (*model.ListGrantsResult, error)

	// SweepExpired deletes grants whose expiry has passed, plus retired
	// (non-active) grants untouched for longer than the retention window.
	// Returns the number of deleted grants.
	SweepExpired(ctx context.Context, now time.Time, retention time.Duration) (int64, error)

	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error
}

// memory implements the Store interface using in-memory storage.
// It's intended for development and testing purposes.
type memory struct {
	mu      sync.RWMutex
	byID    map[string]*model.CapabilityGrant // Map of grant ID to grant
	byToken map[string]string                 // Map of token to grant ID
}

// NewMemory creates a new in-memory ledger implementation.
func NewMemory() Store {
	return &memory{
		byID:    make(map[string]*model.CapabilityGrant),
		byToken: make(map[string]string),
	}
}

// copyGrant returns a deep copy so callers never share history slices with
// the stored document.
func copyGrant(g *model.CapabilityGrant) *model.CapabilityGrant {
	c := *g
	if g.Usage != nil {
		c.Usage = make([]model.UsageRecord, len(g.Usage))
		copy(c.Usage, g.Usage)
	}
	if g.Activations != nil {
		c.Activations = make([]model.ActivationRecord, len(g.Activations))
		copy(c.Activations, g.Activations)
	}
	if g.ActivatedAt != nil {
		t := *g.ActivatedAt
		c.ActivatedAt = &t
	}
	return &c
}

func (m *memory) CreateGrant(ctx context.Context, grant model.CapabilityGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byToken[grant.Token]; exists {
		return ErrConflict
	}
	if _, exists := m.byID[grant.ID]; exists {
		return ErrConflict
	}

	grant.UpdatedAt = time.Now().UTC()
	m.byID[grant.ID] = copyGrant(&grant)
	m.byToken[grant.Token] = grant.ID
	return nil
}

func (m *memory) GetGrantByToken(ctx context.Context, token string) (*model.CapabilityGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, exists := m.byToken[token]
	if !exists {
		return nil, ErrNotFound
	}
	return copyGrant(m.byID[id]), nil
}

func (m *memory) UpdateGrant(ctx context.Context, grant model.CapabilityGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.byID[grant.ID]
	if !exists {
		return ErrNotFound
	}
	if current.Version != grant.Version {
		return ErrConflict
	}

	// Token rotation must not collide with another grant's token.
	if grant.Token != current.Token {
		if otherID, taken := m.byToken[grant.Token]; taken && otherID != grant.ID {
			return ErrConflict
		}
		delete(m.byToken, current.Token)
		m.byToken[grant.Token] = grant.ID
	}

	grant.Version = current.Version + 1
	grant.UpdatedAt = time.Now().UTC()
	m.byID[grant.ID] = copyGrant(&grant)
	return nil
}

// encodeGrantCursor encodes cursor data into a base64 string
func encodeGrantCursor(lastIssuedAt time.Time, lastID string) string {
	data := map[string]interface{}{
		"lastIssuedAt": lastIssuedAt.UnixNano(),
		"lastId":       lastID,
	}
	jsonBytes, _ := json.Marshal(data)
	return base64.URLEncoding.EncodeToString(jsonBytes)
}

// decodeGrantCursor decodes a base64 cursor string into cursor data
func decodeGrantCursor(cursor string) (time.Time, string, error) {
	dataBytes, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", err
	}

	var data map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(dataBytes))
	// Decode numbers as json.Number: nanosecond timestamps exceed float64's
	// 53-bit mantissa, so a float64 round-trip would corrupt the cursor.
	dec.UseNumber()
	if err := dec.Decode(&data); err != nil {
		return time.Time{}, "", err
	}

	num, ok := data["lastIssuedAt"].(json.Number)
	if !ok {
		return time.Time{}, "", errors.New("invalid cursor data")
	}
	nanos, err := num.Int64()
	if err != nil {
		return time.Time{}, "", errors.New("invalid cursor data")
	}
	lastID, ok := data["lastId"].(string)
	if !ok {
		return time.Time{}, "", errors.New("invalid cursor data")
	}

	return time.Unix(0, int64(nanos)), lastID, nil
}

func (m *memory) ListGrants(ctx context.Context, query model.ListGrantsQuery) (*model.ListGrantsResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	filtered := make([]*model.CapabilityGrant, 0)
	for _, g := range m.byID {
		if g.OwnerID != query.OwnerID {
			continue
		}
		if query.Status != "" && g.Status != query.Status {
			continue
		}
		filtered = append(filtered, g)
	}

	// Sort by issuedAt descending, then by ID ascending for stable ordering
	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].IssuedAt.Equal(filtered[j].IssuedAt) {
			return filtered[i].ID < filtered[j].ID
		}
		return filtered[i].IssuedAt.After(filtered[j].IssuedAt)
	})

	// Apply cursor if provided
	startIndex := 0
	if query.Cursor != "" {
		lastIssuedAt, lastID, err := decodeGrantCursor(query.Cursor)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
		}
		startIndex = len(filtered)
		for i, g := range filtered {
			if g.IssuedAt.Before(lastIssuedAt) ||
				(g.IssuedAt.Equal(lastIssuedAt) && g.ID > lastID) {
				startIndex = i
				break
			}
		}
	}

	limit := query.Limit
	if limit <= 0 {
		limit = 25
	} else if limit > 100 {
		limit = 100
	}

	endIndex := startIndex + limit
	if endIndex > len(filtered) {
		endIndex = len(filtered)
	}
	page := filtered[startIndex:endIndex]

	resultGrants := make([]model.CapabilityGrant, len(page))
	for i, g := range page {
		resultGrants[i] = *copyGrant(g)
	}

	result := &model.ListGrantsResult{Grants: resultGrants}
	if endIndex < len(filtered) && len(resultGrants) > 0 {
		last := resultGrants[len(resultGrants)-1]
		result.NextCursor = encodeGrantCursor(last.IssuedAt, last.ID)
	}

	return result, nil
}

func (m *memory) SweepExpired(ctx context.Context, now time.Time, retention time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for id, g := range m.byID {
		expired := g.ExpiresAt.Before(now)
		retired := g.Status != model.StatusActive && g.UpdatedAt.Before(now.Add(-retention))
		if expired || retired {
			delete(m.byToken, g.Token)
			delete(m.byID, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *memory) Ping(ctx context.Context) error {
	return nil
}
