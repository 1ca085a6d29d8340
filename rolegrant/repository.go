package rolegrant

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"rentledger/protocol"
)

var (
	// ErrInstanceNotFound is returned when no agreement row exists.
	ErrInstanceNotFound = fmt.Errorf("rolegrant: agreement not found: %w", protocol.ErrPrecondition)
	// ErrGrantNotFound is returned when no grant row exists for the asset.
	ErrGrantNotFound = fmt.Errorf("rolegrant: grant not found: %w", protocol.ErrPrecondition)
)

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, rec Instance) error {
	const q = `
INSERT INTO rolegrant_agreements (id, registry_id, owner, role_id, fee, duration_secs,
                                  expires_at, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`
	_, err := tx.Exec(ctx, q,
		rec.ID, rec.RegistryID, string(rec.Owner), hex.EncodeToString(rec.RoleID[:]),
		rec.Fee, rec.DurationSecs, rec.ExpiresAt, string(rec.Status), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("rolegrant: insert agreement: %w", err)
	}
	return nil
}

func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Instance, error) {
	return r.get(ctx, tx, id, true)
}

func (r *Repository) Get(ctx context.Context, tx pgx.Tx, id string) (Instance, error) {
	return r.get(ctx, tx, id, false)
}

func (r *Repository) SetStatus(ctx context.Context, tx pgx.Tx, id string, status protocol.Status) error {
	tag, err := tx.Exec(ctx, `UPDATE rolegrant_agreements SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("rolegrant: set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInstanceNotFound
	}
	return nil
}

// InsertGrant records a fresh hand-out with its handoff flag raised for the
// accept callback.
func (r *Repository) InsertGrant(ctx context.Context, tx pgx.Tx, g Grant) error {
	const q = `
INSERT INTO role_grants (agreement_id, asset_id, grantee, granted_at, expires_at, revoked, handoff)
VALUES ($1, $2, $3, $4, $5, false, true)
`
	if _, err := tx.Exec(ctx, q, g.AgreementID, g.AssetID, string(g.Grantee), g.GrantedAt, g.ExpiresAt); err != nil {
		return fmt.Errorf("rolegrant: insert grant: %w", err)
	}
	return nil
}

// LiveGrant returns the unrevoked, unexpired grant for the asset, if any.
func (r *Repository) LiveGrant(ctx context.Context, tx pgx.Tx, agreementID string, assetID int64, now time.Time) (Grant, error) {
	const q = `
SELECT agreement_id, asset_id, grantee, granted_at, expires_at, revoked, handoff
FROM role_grants
WHERE agreement_id = $1 AND asset_id = $2 AND revoked = false AND expires_at > $3
ORDER BY granted_at DESC
LIMIT 1
FOR UPDATE
`
	return scanGrant(tx.QueryRow(ctx, q, agreementID, assetID, now))
}

// CountLive reports how many grants are still in force across all assets.
func (r *Repository) CountLive(ctx context.Context, tx pgx.Tx, agreementID string, now time.Time) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `
SELECT count(*) FROM role_grants
WHERE agreement_id = $1 AND revoked = false AND expires_at > $2
`, agreementID, now).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("rolegrant: count live grants: %w", err)
	}
	return n, nil
}

// ClearHandoff consumes the grant's handoff flag.
func (r *Repository) ClearHandoff(ctx context.Context, tx pgx.Tx, agreementID string, assetID int64, grantee protocol.Address) error {
	const q = `
UPDATE role_grants SET handoff = false
WHERE agreement_id = $1 AND asset_id = $2 AND grantee = $3 AND handoff = true
`
	tag, err := tx.Exec(ctx, q, agreementID, assetID, string(grantee))
	if err != nil {
		return fmt.Errorf("rolegrant: clear handoff: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrGrantNotFound
	}
	return nil
}

// Revoke marks the asset's live grant revoked.
func (r *Repository) Revoke(ctx context.Context, tx pgx.Tx, agreementID string, assetID int64, now time.Time) error {
	const q = `
UPDATE role_grants SET revoked = true
WHERE agreement_id = $1 AND asset_id = $2 AND revoked = false AND expires_at > $3
`
	tag, err := tx.Exec(ctx, q, agreementID, assetID, now)
	if err != nil {
		return fmt.Errorf("rolegrant: revoke: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrGrantNotFound
	}
	return nil
}

func (r *Repository) get(ctx context.Context, tx pgx.Tx, id string, lock bool) (Instance, error) {
	q := `
SELECT id, registry_id, owner, role_id, fee, duration_secs, expires_at, status, created_at
FROM rolegrant_agreements
WHERE id = $1
`
	if lock {
		q += "FOR UPDATE\n"
	}

	var (
		rec           Instance
		owner, roleID string
		status        string
	)
	err := tx.QueryRow(ctx, q, id).Scan(
		&rec.ID, &rec.RegistryID, &owner, &roleID, &rec.Fee,
		&rec.DurationSecs, &rec.ExpiresAt, &status, &rec.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Instance{}, ErrInstanceNotFound
	}
	if err != nil {
		return Instance{}, fmt.Errorf("rolegrant: load agreement: %w", err)
	}
	rec.Owner = protocol.Address(owner)
	rec.Status = protocol.Status(status)
	raw, err := hex.DecodeString(roleID)
	if err != nil || len(raw) != len(rec.RoleID) {
		return Instance{}, fmt.Errorf("rolegrant: malformed role id %q", roleID)
	}
	copy(rec.RoleID[:], raw)
	return rec, nil
}

func scanGrant(row pgx.Row) (Grant, error) {
	var (
		g       Grant
		grantee string
	)
	err := row.Scan(&g.AgreementID, &g.AssetID, &grantee, &g.GrantedAt, &g.ExpiresAt, &g.Revoked, &g.Handoff)
	if errors.Is(err, pgx.ErrNoRows) {
		return Grant{}, ErrGrantNotFound
	}
	if err != nil {
		return Grant{}, fmt.Errorf("rolegrant: load grant: %w", err)
	}
	g.Grantee = protocol.Address(grantee)
	return g, nil
}
