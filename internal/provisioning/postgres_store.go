package provisioning

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed provisioning store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateTenant(ctx context.Context, t *Tenant) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tenants (id, subject_id, slug, tier, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, t.ID, t.SubjectID, t.Slug, t.Tier, string(t.Status), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			if pqErr.Constraint == "tenants_slug_key" {
				return ErrSlugTaken
			}
			// subject_id unique: a concurrent Provision already inserted.
			return ErrTenantExists
		}
		return fmt.Errorf("insert tenant: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	return p.scanTenant(p.db.QueryRowContext(ctx, `
		SELECT id, subject_id, slug, tier, status, created_at, updated_at
		FROM tenants WHERE id = $1
	`, id))
}

func (p *PostgresStore) GetTenantBySubject(ctx context.Context, subjectID string) (*Tenant, error) {
	return p.scanTenant(p.db.QueryRowContext(ctx, `
		SELECT id, subject_id, slug, tier, status, created_at, updated_at
		FROM tenants WHERE subject_id = $1
	`, subjectID))
}

func (p *PostgresStore) scanTenant(row *sql.Row) (*Tenant, error) {
	var t Tenant
	err := row.Scan(&t.ID, &t.SubjectID, &t.Slug, &t.Tier, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan tenant: %w", err)
	}
	return &t, nil
}

func (p *PostgresStore) UpdateTenant(ctx context.Context, t *Tenant) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE tenants SET slug = $2, tier = $3, status = $4, updated_at = $5
		WHERE id = $1
	`, t.ID, t.Slug, t.Tier, string(t.Status), t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update tenant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTenantNotFound
	}
	return nil
}

func (p *PostgresStore) CreateCredential(ctx context.Context, c *Credential) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO credentials (id, tenant_id, name, secret_hash, prefix, revoked_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, c.ID, c.TenantID, c.Name, c.SecretHash, c.Prefix, c.RevokedAt, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetCredentialByHash(ctx context.Context, hash string) (*Credential, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, secret_hash, prefix, revoked_at, created_at
		FROM credentials WHERE secret_hash = $1
	`, hash)
	c, err := scanCredential(row)
	if err == sql.ErrNoRows {
		return nil, ErrCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return c, nil
}

func (p *PostgresStore) ListCredentials(ctx context.Context, tenantID string) ([]*Credential, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, tenant_id, name, secret_hash, prefix, revoked_at, created_at
		FROM credentials WHERE tenant_id = $1
		ORDER BY created_at
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var out []*Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgresStore) RevokeCredential(ctx context.Context, id string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE credentials SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL
	`, id, at)
	if err != nil {
		return fmt.Errorf("revoke credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already revoked or unknown; check which.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM credentials WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("check credential: %w", err)
		}
		if !exists {
			return ErrCredentialNotFound
		}
	}
	return nil
}

func (p *PostgresStore) UpsertGrant(ctx context.Context, g *Grant) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO access_grants (subject_id, active, tier, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (subject_id) DO UPDATE SET
			active = EXCLUDED.active,
			tier = EXCLUDED.tier,
			updated_at = EXCLUDED.updated_at
	`, g.SubjectID, g.Active, g.Tier, g.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert grant: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetGrant(ctx context.Context, subjectID string) (*Grant, error) {
	var g Grant
	err := p.db.QueryRowContext(ctx, `
		SELECT subject_id, active, tier, updated_at
		FROM access_grants WHERE subject_id = $1
	`, subjectID).Scan(&g.SubjectID, &g.Active, &g.Tier, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get grant: %w", err)
	}
	return &g, nil
}

type credScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row credScanner) (*Credential, error) {
	var c Credential
	var revokedAt sql.NullTime
	if err := row.Scan(&c.ID, &c.TenantID, &c.Name, &c.SecretHash, &c.Prefix, &revokedAt, &c.CreatedAt); err != nil {
		return nil, err
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		c.RevokedAt = &t
	}
	return &c, nil
}
