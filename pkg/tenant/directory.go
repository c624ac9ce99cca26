package tenant

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	sserr "github.com/StricklySoft/plutus-security/pkg/errors"
)

// Querier is satisfied by *postgres.Client and by pgxmock pools.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const (
	schemaSQL = `CREATE TABLE IF NOT EXISTS tenant_profiles (
	tenant_id   TEXT PRIMARY KEY,
	residency   TEXT NOT NULL,
	external_id TEXT,
	name        TEXT,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

	selectProfileSQL = `SELECT tenant_id, residency FROM tenant_profiles WHERE tenant_id = $1`

	upsertProfileSQL = `INSERT INTO tenant_profiles (tenant_id, residency, external_id, name)
VALUES ($1, $2, $3, $4)
ON CONFLICT (tenant_id) DO UPDATE
SET residency = EXCLUDED.residency, external_id = EXCLUDED.external_id,
    name = EXCLUDED.name, updated_at = now()`
)

// Registration is a tenant record written by onboarding.
type Registration struct {
	Profile
	ExternalID string
	Name       string
}

// Directory stores tenant profiles in PostgreSQL. It is both a [Source]
// and the registry the onboarding endpoint writes to.
type Directory struct {
	db Querier
}

// NewDirectory returns a directory backed by db.
func NewDirectory(db Querier) *Directory {
	return &Directory{db: db}
}

// EnsureSchema creates the tenant_profiles table when missing.
func (d *Directory) EnsureSchema(ctx context.Context) error {
	if _, err := d.db.Exec(ctx, schemaSQL); err != nil {
		return dbError(err, "tenant: failed to create schema")
	}
	return nil
}

// Profile returns the stored profile. An unknown tenant yields
// [sserr.CodeTenantNotFound].
func (d *Directory) Profile(ctx context.Context, tenantID string) (Profile, error) {
	var p Profile
	err := d.db.QueryRow(ctx, selectProfileSQL, tenantID).Scan(&p.TenantID, &p.Residency)
	if errors.Is(err, pgx.ErrNoRows) {
		return Profile{}, sserr.Newf(sserr.CodeTenantNotFound, "tenant: %q is not registered", tenantID)
	}
	if err != nil {
		return Profile{}, dbError(err, "tenant: profile query failed")
	}
	return p, nil
}

// Register inserts or replaces a tenant record.
func (d *Directory) Register(ctx context.Context, r Registration) error {
	if r.TenantID == "" || r.Residency == "" {
		return sserr.New(sserr.CodeValidationRequired, "tenant: registration requires tenant id and residency")
	}
	if _, err := d.db.Exec(ctx, upsertProfileSQL, r.TenantID, r.Residency, r.ExternalID, r.Name); err != nil {
		return dbError(err, "tenant: register failed")
	}
	return nil
}

// dbError keeps the classification of errors the postgres client already
// wrapped and wraps raw pgx errors, which QueryRow defers to Scan.
func dbError(err error, message string) error {
	if _, ok := sserr.AsError(err); ok {
		return err
	}
	return sserr.Wrap(err, sserr.CodeInternalDatabase, message)
}
