package swaprental

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"rentledger/protocol"
)

// ErrSwapNotFound is returned when no swap row exists for the id.
var ErrSwapNotFound = fmt.Errorf("swaprental: not found: %w", protocol.ErrPrecondition)

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, rec Swap) error {
	const q = `
INSERT INTO swap_rentals (id, registry_a, asset_a, owner_a, registry_b, asset_b, owner_b,
                          duration_secs, expires_at, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`
	_, err := tx.Exec(ctx, q,
		rec.ID,
		rec.A.RegistryID, rec.A.AssetID, string(rec.A.Owner),
		rec.B.RegistryID, rec.B.AssetID, string(rec.B.Owner),
		rec.DurationSecs, rec.ExpiresAt, string(rec.Status), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("swaprental: insert: %w", err)
	}
	return nil
}

func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Swap, error) {
	return r.get(ctx, tx, id, true)
}

func (r *Repository) Get(ctx context.Context, tx pgx.Tx, id string) (Swap, error) {
	return r.get(ctx, tx, id, false)
}

// SetApproved flips one leg's consent bit.
func (r *Repository) SetApproved(ctx context.Context, tx pgx.Tx, id string, legA, approved bool) error {
	col := "approved_b"
	if legA {
		col = "approved_a"
	}
	tag, err := tx.Exec(ctx, fmt.Sprintf(`UPDATE swap_rentals SET %s = $2 WHERE id = $1`, col), id, approved)
	if err != nil {
		return fmt.Errorf("swaprental: set approval: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSwapNotFound
	}
	return nil
}

// MarkStarted flips the swap to active and raises both handoff flags.
func (r *Repository) MarkStarted(ctx context.Context, tx pgx.Tx, id string, startedAt time.Time) error {
	const q = `
UPDATE swap_rentals
SET status = $2, started_at = $3, handoff_a = true, handoff_b = true
WHERE id = $1
`
	tag, err := tx.Exec(ctx, q, id, string(protocol.StatusActive), startedAt)
	if err != nil {
		return fmt.Errorf("swaprental: mark started: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSwapNotFound
	}
	return nil
}

// ClearHandoff consumes one leg's handoff flag.
func (r *Repository) ClearHandoff(ctx context.Context, tx pgx.Tx, id string, legA bool) error {
	col := "handoff_b"
	if legA {
		col = "handoff_a"
	}
	tag, err := tx.Exec(ctx, fmt.Sprintf(`UPDATE swap_rentals SET %s = false WHERE id = $1`, col), id)
	if err != nil {
		return fmt.Errorf("swaprental: clear handoff: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSwapNotFound
	}
	return nil
}

// SetStopping marks or clears the cross-leg stop window.
func (r *Repository) SetStopping(ctx context.Context, tx pgx.Tx, id string, stopping bool) error {
	tag, err := tx.Exec(ctx, `UPDATE swap_rentals SET stopping = $2 WHERE id = $1`, id, stopping)
	if err != nil {
		return fmt.Errorf("swaprental: set stopping: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSwapNotFound
	}
	return nil
}

// Reset returns the pair to pending: approvals cleared, start forgotten.
func (r *Repository) Reset(ctx context.Context, tx pgx.Tx, id string) error {
	const q = `
UPDATE swap_rentals
SET status = $2, started_at = NULL,
    approved_a = false, approved_b = false,
    handoff_a = false, handoff_b = false,
    stopping = false
WHERE id = $1
`
	tag, err := tx.Exec(ctx, q, id, string(protocol.StatusPending))
	if err != nil {
		return fmt.Errorf("swaprental: reset: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSwapNotFound
	}
	return nil
}

func (r *Repository) get(ctx context.Context, tx pgx.Tx, id string, lock bool) (Swap, error) {
	q := `
SELECT id,
       registry_a, asset_a, owner_a, approved_a, handoff_a,
       registry_b, asset_b, owner_b, approved_b, handoff_b,
       duration_secs, expires_at, status, started_at, stopping, created_at
FROM swap_rentals
WHERE id = $1
`
	if lock {
		q += "FOR UPDATE\n"
	}

	var (
		rec            Swap
		ownerA, ownerB string
		status         string
		startedAt      sql.NullTime
	)
	err := tx.QueryRow(ctx, q, id).Scan(
		&rec.ID,
		&rec.A.RegistryID, &rec.A.AssetID, &ownerA, &rec.A.Approved, &rec.A.Handoff,
		&rec.B.RegistryID, &rec.B.AssetID, &ownerB, &rec.B.Approved, &rec.B.Handoff,
		&rec.DurationSecs, &rec.ExpiresAt, &status, &startedAt, &rec.Stopping, &rec.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Swap{}, ErrSwapNotFound
	}
	if err != nil {
		return Swap{}, fmt.Errorf("swaprental: load: %w", err)
	}
	rec.A.Owner = protocol.Address(ownerA)
	rec.B.Owner = protocol.Address(ownerB)
	rec.Status = protocol.Status(status)
	if startedAt.Valid {
		t := startedAt.Time
		rec.StartedAt = &t
	}
	return rec, nil
}
