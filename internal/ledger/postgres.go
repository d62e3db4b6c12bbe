// internal/ledger/postgres.go
// Package ledger provides the PostgreSQL implementation of the Store interface.
// This implementation is intended for production use with persistent data storage.
package ledger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopforge/shopforge-grant-go/internal/model"
)

// postgres provides persistent storage for capability grants.
type postgres struct {
	db *pgxpool.Pool // Connection pool to PostgreSQL database
}

// NewPostgres creates a new PostgreSQL ledger implementation.
// It establishes a connection pool to the database and initializes the schema.
func NewPostgres(dsn string) (Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	// Connection pool settings
	config.MaxConns = 20
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &postgres{db: pool}, nil
}

// initSchema initializes the database schema.
// It creates the grants table and its indexes if they don't already exist.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		-- Grants table: one ledger row per outstanding capability grant
		CREATE TABLE IF NOT EXISTS grants (
		    id TEXT PRIMARY KEY,                     -- Stable grant identifier
		    token TEXT NOT NULL UNIQUE,              -- Opaque bearer credential
		    kind TEXT NOT NULL,                      -- download or license
		    owner_id TEXT NOT NULL,                  -- Authorizing user
		    resource_id TEXT NOT NULL,               -- Granted product/asset
		    purchase_id TEXT NOT NULL,               -- Authorizing purchase
		    file_path TEXT NOT NULL DEFAULT '',      -- Backing file (download grants)
		    license_type TEXT NOT NULL DEFAULT '',   -- single/multiple/unlimited (license grants)
		    max_uses INTEGER NOT NULL,               -- Usage/activation ceiling
		    used_count INTEGER NOT NULL DEFAULT 0,   -- Successful redemptions so far
		    status TEXT NOT NULL,                    -- active/exhausted/expired/revoked
		    issued_at TIMESTAMP WITH TIME ZONE NOT NULL,
		    expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
		    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    activated_at TIMESTAMP WITH TIME ZONE,   -- First-ever device activation
		    usage JSONB NOT NULL DEFAULT '[]',       -- Append-only redemption history
		    activations JSONB NOT NULL DEFAULT '[]', -- Device activation records
		    version BIGINT NOT NULL DEFAULT 1        -- Optimistic concurrency guard
		);

		-- Indexes: token lookups are covered by the unique constraint;
		-- the sweeper scans by expiry and listings scan by (owner, status).
		CREATE INDEX IF NOT EXISTS idx_grants_expires_at ON grants(expires_at);
		CREATE INDEX IF NOT EXISTS idx_grants_owner_status ON grants(owner_id, status, issued_at DESC);
	`

	_, err := db.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool
func (p *postgres) Close() {
	p.db.Close()
}

// Ping reports database connectivity.
func (p *postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

// CreateGrant inserts a new grant row
func (p *postgres) CreateGrant(ctx context.Context, grant model.CapabilityGrant) error {
	usageJSON, activationsJSON, err := marshalHistory(grant)
	if err != nil {
		return err
	}

	query := `INSERT INTO grants (id, token, kind, owner_id, resource_id, purchase_id, file_path,
	              license_type, max_uses, used_count, status, issued_at, expires_at, updated_at,
	              activated_at, usage, activations, version)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

	_, err = p.db.Exec(ctx, query,
		grant.ID,
		grant.Token,
		grant.Kind,
		grant.OwnerID,
		grant.ResourceID,
		grant.PurchaseID,
		grant.FilePath,
		grant.LicenseType,
		grant.MaxUses,
		grant.UsedCount,
		grant.Status,
		grant.IssuedAt,
		grant.ExpiresAt,
		time.Now().UTC(),
		grant.ActivatedAt,
		usageJSON,
		activationsJSON,
		1)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("failed to create grant: %w", err)
	}

	return nil
}

// GetGrantByToken retrieves a grant by its token
func (p *postgres) GetGrantByToken(ctx context.Context, token string) (*model.CapabilityGrant, error) {
	query := `SELECT id, token, kind, owner_id, resource_id, purchase_id, file_path, license_type,
	              max_uses, used_count, status, issued_at, expires_at, updated_at, activated_at,
	              usage, activations, version
	          FROM grants WHERE token = $1`

	grant, err := scanGrant(p.db.QueryRow(ctx, query, token))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get grant: %w", err)
	}
	return grant, nil
}

// UpdateGrant writes the grant back guarded by the version it was read at.
// The WHERE clause makes the read-modify-write atomic: a concurrent writer
// that committed first bumps the version and this update affects zero rows.
func (p *postgres) UpdateGrant(ctx context.Context, grant model.CapabilityGrant) error {
	usageJSON, activationsJSON, err := marshalHistory(grant)
	if err != nil {
		return err
	}

	query := `UPDATE grants SET token = $1, status = $2, max_uses = $3, used_count = $4,
	              expires_at = $5, activated_at = $6, usage = $7, activations = $8,
	              updated_at = $9, version = version + 1
	          WHERE id = $10 AND version = $11`

	result, err := p.db.Exec(ctx, query,
		grant.Token,
		grant.Status,
		grant.MaxUses,
		grant.UsedCount,
		grant.ExpiresAt,
		grant.ActivatedAt,
		usageJSON,
		activationsJSON,
		time.Now().UTC(),
		grant.ID,
		grant.Version)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// Rotated token collided with another grant's token
			return ErrConflict
		}
		return fmt.Errorf("failed to update grant: %w", err)
	}

	if result.RowsAffected() == 0 {
		// Distinguish a lost swap from a deleted grant
		var exists bool
		if err := p.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM grants WHERE id = $1)`, grant.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check grant existence: %w", err)
		}
		if exists {
			return ErrConflict
		}
		return ErrNotFound
	}

	return nil
}

// pgCursorData represents the data encoded in a pagination cursor
type pgCursorData struct {
	LastIssuedAt time.Time // Timestamp of the last grant returned
	LastID       string    // ID of the last grant returned
}

// encodeCursor encodes cursor data into a base64 string
func encodeCursor(lastIssuedAt time.Time, lastID string) string {
	data := pgCursorData{
		LastIssuedAt: lastIssuedAt,
		LastID:       lastID,
	}
	jsonBytes, _ := json.Marshal(data)
	return base64.URLEncoding.EncodeToString(jsonBytes)
}

// decodeCursor decodes a base64 cursor string into cursor data
func decodeCursor(cursor string) (*pgCursorData, error) {
	dataBytes, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}

	var data pgCursorData
	if err := json.Unmarshal(dataBytes, &data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}

	return &data, nil
}

// ListGrants lists grants with optional filtering and cursor-based pagination
func (p *postgres) ListGrants(ctx context.Context, query model.ListGrantsQuery) (*model.ListGrantsResult, error) {
	baseQuery := `SELECT id, token, kind, owner_id, resource_id, purchase_id, file_path, license_type,
	                  max_uses, used_count, status, issued_at, expires_at, updated_at, activated_at,
	                  usage, activations, version
	              FROM grants WHERE owner_id = $1`
	args := []interface{}{query.OwnerID}
	argIndex := 2

	if query.Status != "" {
		baseQuery += fmt.Sprintf(" AND status = $%d", argIndex)
		args = append(args, query.Status)
		argIndex++
	}

	if query.Cursor != "" {
		cursorData, err := decodeCursor(query.Cursor)
		if err != nil {
			return nil, err
		}

		baseQuery += fmt.Sprintf(" AND (issued_at < $%d OR (issued_at = $%d AND id > $%d))", argIndex, argIndex, argIndex+1)
		args = append(args, cursorData.LastIssuedAt, cursorData.LastID)
		argIndex += 2
	}

	baseQuery += " ORDER BY issued_at DESC, id ASC"

	limit := query.Limit
	if limit <= 0 {
		limit = 25
	} else if limit > 100 {
		limit = 100
	}
	baseQuery += fmt.Sprintf(" LIMIT $%d", argIndex)
	args = append(args, limit+1) // Fetch one extra row to detect a next page

	rows, err := p.db.Query(ctx, baseQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}
	defer rows.Close()

	var grants []model.CapabilityGrant
	rowCount := 0

	for rows.Next() {
		grant, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}

		rowCount++
		if rowCount <= limit {
			grants = append(grants, *grant)
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating grants: %w", err)
	}

	result := &model.ListGrantsResult{Grants: grants}
	if rowCount > limit && len(grants) > 0 {
		last := grants[len(grants)-1]
		result.NextCursor = encodeCursor(last.IssuedAt, last.ID)
	}

	return result, nil
}

// SweepExpired deletes expired grants plus retired grants past the retention window
func (p *postgres) SweepExpired(ctx context.Context, now time.Time, retention time.Duration) (int64, error) {
	query := `DELETE FROM grants
	          WHERE expires_at < $1
	             OR (status <> $2 AND updated_at < $3)`

	result, err := p.db.Exec(ctx, query, now, model.StatusActive, now.Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("failed to sweep grants: %w", err)
	}

	return result.RowsAffected(), nil
}

// rowScanner matches both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanGrant reads one grants row, unmarshalling the JSONB history columns.
func scanGrant(row rowScanner) (*model.CapabilityGrant, error) {
	var grant model.CapabilityGrant
	var usageJSON, activationsJSON []byte

	err := row.Scan(
		&grant.ID,
		&grant.Token,
		&grant.Kind,
		&grant.OwnerID,
		&grant.ResourceID,
		&grant.PurchaseID,
		&grant.FilePath,
		&grant.LicenseType,
		&grant.MaxUses,
		&grant.UsedCount,
		&grant.Status,
		&grant.IssuedAt,
		&grant.ExpiresAt,
		&grant.UpdatedAt,
		&grant.ActivatedAt,
		&usageJSON,
		&activationsJSON,
		&grant.Version,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(usageJSON, &grant.Usage); err != nil {
		return nil, fmt.Errorf("failed to unmarshal usage history: %w", err)
	}
	if err := json.Unmarshal(activationsJSON, &grant.Activations); err != nil {
		return nil, fmt.Errorf("failed to unmarshal activations: %w", err)
	}

	return &grant, nil
}

// marshalHistory converts the history slices to JSONB values, normalizing
// nil slices to empty arrays.
func marshalHistory(grant model.CapabilityGrant) ([]byte, []byte, error) {
	usage := grant.Usage
	if usage == nil {
		usage = []model.UsageRecord{}
	}
	usageJSON, err := json.Marshal(usage)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal usage history: %w", err)
	}

	activations := grant.Activations
	if activations == nil {
		activations = []model.ActivationRecord{}
	}
	activationsJSON, err := json.Marshal(activations)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal activations: %w", err)
	}

	return usageJSON, activationsJSON, nil
}
