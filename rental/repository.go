package rental

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"rentledger/protocol"
)

// ErrRentalNotFound is returned when no rental row exists for the id.
var ErrRentalNotFound = fmt.Errorf("rental: not found: %w", protocol.ErrPrecondition)

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// Insert stores a freshly created pending rental.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, rec Rental) error {
	const q = `
INSERT INTO rentals (id, registry_id, asset_id, owner, renter, fee, duration_secs,
                     expires_at, status, allow_early_termination, handoff, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, false, $11)
`
	_, err := tx.Exec(ctx, q,
		rec.ID, rec.RegistryID, rec.AssetID, string(rec.Owner), string(rec.Renter),
		rec.Fee, rec.DurationSecs, rec.ExpiresAt, string(rec.Status),
		rec.AllowEarlyTermination, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("rental: insert: %w", err)
	}
	return nil
}

// GetForUpdate loads and row-locks the rental.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Rental, error) {
	const q = `
SELECT id, registry_id, asset_id, owner, renter, fee, duration_secs,
       expires_at, status, started_at, allow_early_termination, handoff, created_at
FROM rentals
WHERE id = $1
FOR UPDATE
`
	return scanRental(tx.QueryRow(ctx, q, id))
}

// Get loads the rental without locking.
func (r *Repository) Get(ctx context.Context, tx pgx.Tx, id string) (Rental, error) {
	const q = `
SELECT id, registry_id, asset_id, owner, renter, fee, duration_secs,
       expires_at, status, started_at, allow_early_termination, handoff, created_at
FROM rentals
WHERE id = $1
`
	return scanRental(tx.QueryRow(ctx, q, id))
}

// MarkStarted flips the rental to active inside the start entry point,
// raising the handoff flag the accept callback consumes.
func (r *Repository) MarkStarted(ctx context.Context, tx pgx.Tx, id string, renter protocol.Address, startedAt time.Time) error {
	const q = `
UPDATE rentals
SET status = $2, renter = $3, started_at = $4, handoff = true
WHERE id = $1
`
	tag, err := tx.Exec(ctx, q, id, string(protocol.StatusActive), string(renter), startedAt)
	if err != nil {
		return fmt.Errorf("rental: mark started: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRentalNotFound
	}
	return nil
}

// ClearHandoff consumes the start handoff flag.
func (r *Repository) ClearHandoff(ctx context.Context, tx pgx.Tx, id string) error {
	tag, err := tx.Exec(ctx, `UPDATE rentals SET handoff = false WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("rental: clear handoff: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRentalNotFound
	}
	return nil
}

// SetStatus records a lifecycle transition.
func (r *Repository) SetStatus(ctx context.Context, tx pgx.Tx, id string, status protocol.Status) error {
	tag, err := tx.Exec(ctx, `UPDATE rentals SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("rental: set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRentalNotFound
	}
	return nil
}

func scanRental(row pgx.Row) (Rental, error) {
	var (
		rec           Rental
		owner, renter string
		status        string
		startedAt     sql.NullTime
	)
	err := row.Scan(
		&rec.ID, &rec.RegistryID, &rec.AssetID, &owner, &renter, &rec.Fee,
		&rec.DurationSecs, &rec.ExpiresAt, &status, &startedAt,
		&rec.AllowEarlyTermination, &rec.Handoff, &rec.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Rental{}, ErrRentalNotFound
	}
	if err != nil {
		return Rental{}, fmt.Errorf("rental: load: %w", err)
	}
	rec.Owner = protocol.Address(owner)
	rec.Renter = protocol.Address(renter)
	rec.Status = protocol.Status(status)
	if startedAt.Valid {
		t := startedAt.Time
		rec.StartedAt = &t
	}
	return rec, nil
}
