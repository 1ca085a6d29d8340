package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"rentledger/protocol"
)

// Repository owns the SQL against the assets table. All mutating methods run
// inside the caller's transaction so callback failures roll everything back.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// Insert creates the asset row.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, asset Asset) error {
	const q = `
INSERT INTO assets (registry_id, asset_id, true_owner, current_holder)
VALUES ($1, $2, $3, $4)
`
	if _, err := tx.Exec(ctx, q, asset.RegistryID, asset.AssetID, string(asset.TrueOwner), string(asset.CurrentHolder)); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAssetExists
		}
		return fmt.Errorf("registry: insert asset: %w", err)
	}
	return nil
}

// GetForUpdate loads and row-locks the asset for the duration of the
// transaction, serializing all operations touching it.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, registryID string, assetID int64) (Asset, error) {
	const q = `
SELECT registry_id, asset_id, true_owner, current_holder, agreement_kind, agreement_id
FROM assets
WHERE registry_id = $1 AND asset_id = $2
FOR UPDATE
`
	return r.scanAsset(tx.QueryRow(ctx, q, registryID, assetID))
}

// Get loads the asset without locking.
func (r *Repository) Get(ctx context.Context, tx pgx.Tx, registryID string, assetID int64) (Asset, error) {
	const q = `
SELECT registry_id, asset_id, true_owner, current_holder, agreement_kind, agreement_id
FROM assets
WHERE registry_id = $1 AND asset_id = $2
`
	return r.scanAsset(tx.QueryRow(ctx, q, registryID, assetID))
}

// List returns every asset tracked by the registry, ordered by id.
func (r *Repository) List(ctx context.Context, tx pgx.Tx, registryID string) ([]Asset, error) {
	const q = `
SELECT registry_id, asset_id, true_owner, current_holder, agreement_kind, agreement_id
FROM assets
WHERE registry_id = $1
ORDER BY asset_id
`
	rows, err := tx.Query(ctx, q, registryID)
	if err != nil {
		return nil, fmt.Errorf("registry: list assets: %w", err)
	}
	defer rows.Close()

	var out []Asset
	for rows.Next() {
		var (
			asset         Asset
			owner, holder string
			kind, agID    sql.NullString
		)
		if err := rows.Scan(&asset.RegistryID, &asset.AssetID, &owner, &holder, &kind, &agID); err != nil {
			return nil, fmt.Errorf("registry: scan asset: %w", err)
		}
		asset.TrueOwner = protocol.Address(owner)
		asset.CurrentHolder = protocol.Address(holder)
		if kind.Valid {
			asset.Agreement = protocol.AgreementRef{Kind: kind.String, ID: agID.String}
		}
		out = append(out, asset)
	}
	return out, rows.Err()
}

// SetAgreementRef replaces (or clears) the opaque agreement handle.
func (r *Repository) SetAgreementRef(ctx context.Context, tx pgx.Tx, registryID string, assetID int64, ref protocol.AgreementRef) error {
	var kind, agID any
	if !ref.IsZero() {
		kind, agID = ref.Kind, ref.ID
	}
	const q = `
UPDATE assets
SET agreement_kind = $3, agreement_id = $4
WHERE registry_id = $1 AND asset_id = $2
`
	tag, err := tx.Exec(ctx, q, registryID, assetID, kind, agID)
	if err != nil {
		return fmt.Errorf("registry: set agreement ref: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAssetNotFound
	}
	return nil
}

// SetHolder flips the current holder.
func (r *Repository) SetHolder(ctx context.Context, tx pgx.Tx, registryID string, assetID int64, holder protocol.Address) error {
	const q = `
UPDATE assets
SET current_holder = $3
WHERE registry_id = $1 AND asset_id = $2
`
	tag, err := tx.Exec(ctx, q, registryID, assetID, string(holder))
	if err != nil {
		return fmt.Errorf("registry: set holder: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAssetNotFound
	}
	return nil
}

// SetOwner rewrites custody after a base-ledger transfer; holder follows the
// owner because transfers only happen while no rental is active.
func (r *Repository) SetOwner(ctx context.Context, tx pgx.Tx, registryID string, assetID int64, owner protocol.Address) error {
	const q = `
UPDATE assets
SET true_owner = $3, current_holder = $3
WHERE registry_id = $1 AND asset_id = $2
`
	tag, err := tx.Exec(ctx, q, registryID, assetID, string(owner))
	if err != nil {
		return fmt.Errorf("registry: set owner: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAssetNotFound
	}
	return nil
}

func (r *Repository) scanAsset(row pgx.Row) (Asset, error) {
	var (
		asset         Asset
		owner, holder string
		kind, agID    sql.NullString
	)
	err := row.Scan(&asset.RegistryID, &asset.AssetID, &owner, &holder, &kind, &agID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Asset{}, ErrAssetNotFound
	}
	if err != nil {
		return Asset{}, fmt.Errorf("registry: load asset: %w", err)
	}
	asset.TrueOwner = protocol.Address(owner)
	asset.CurrentHolder = protocol.Address(holder)
	if kind.Valid {
		asset.Agreement = protocol.AgreementRef{Kind: kind.String, ID: agID.String}
	}
	return asset, nil
}
