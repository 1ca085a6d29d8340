package scholarship

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"rentledger/protocol"
)

// ErrScholarshipNotFound is returned when no scholarship row exists.
var ErrScholarshipNotFound = fmt.Errorf("scholarship: not found: %w", protocol.ErrPrecondition)

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, rec Scholarship) error {
	const q = `
INSERT INTO scholarships (id, registry_id, asset_id, owner, beneficiary, share_ppt,
                          fee, duration_secs, expires_at, status, handoff, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, false, $11)
`
	_, err := tx.Exec(ctx, q,
		rec.ID, rec.RegistryID, rec.AssetID, string(rec.Owner), string(rec.Beneficiary),
		rec.SharePPT, rec.Fee, rec.DurationSecs, rec.ExpiresAt, string(rec.Status), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("scholarship: insert: %w", err)
	}
	return nil
}

func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Scholarship, error) {
	return r.get(ctx, tx, id, true)
}

func (r *Repository) Get(ctx context.Context, tx pgx.Tx, id string) (Scholarship, error) {
	return r.get(ctx, tx, id, false)
}

func (r *Repository) MarkStarted(ctx context.Context, tx pgx.Tx, id string, startedAt time.Time) error {
	const q = `
UPDATE scholarships
SET status = $2, started_at = $3, handoff = true
WHERE id = $1
`
	tag, err := tx.Exec(ctx, q, id, string(protocol.StatusActive), startedAt)
	if err != nil {
		return fmt.Errorf("scholarship: mark started: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrScholarshipNotFound
	}
	return nil
}

func (r *Repository) ClearHandoff(ctx context.Context, tx pgx.Tx, id string) error {
	tag, err := tx.Exec(ctx, `UPDATE scholarships SET handoff = false WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("scholarship: clear handoff: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrScholarshipNotFound
	}
	return nil
}

func (r *Repository) SetStatus(ctx context.Context, tx pgx.Tx, id string, status protocol.Status) error {
	tag, err := tx.Exec(ctx, `UPDATE scholarships SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("scholarship: set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrScholarshipNotFound
	}
	return nil
}

// InsertClaim appends a forwarded yield event to the retained history.
func (r *Repository) InsertClaim(ctx context.Context, tx pgx.Tx, c Claim) error {
	const q = `
INSERT INTO scholarship_claims (id, agreement_id, amount, beneficiary_share, claimed_at)
VALUES ($1, $2, $3, $4, $5)
`
	if _, err := tx.Exec(ctx, q, c.ID, c.AgreementID, c.Amount, c.BeneficiaryShare, c.ClaimedAt); err != nil {
		return fmt.Errorf("scholarship: insert claim: %w", err)
	}
	return nil
}

// ListClaims returns the forwarded claim history, oldest first.
func (r *Repository) ListClaims(ctx context.Context, tx pgx.Tx, agreementID string) ([]Claim, error) {
	const q = `
SELECT id, agreement_id, amount, beneficiary_share, claimed_at
FROM scholarship_claims
WHERE agreement_id = $1
ORDER BY claimed_at
`
	rows, err := tx.Query(ctx, q, agreementID)
	if err != nil {
		return nil, fmt.Errorf("scholarship: list claims: %w", err)
	}
	defer rows.Close()

	var out []Claim
	for rows.Next() {
		var c Claim
		if err := rows.Scan(&c.ID, &c.AgreementID, &c.Amount, &c.BeneficiaryShare, &c.ClaimedAt); err != nil {
			return nil, fmt.Errorf("scholarship: scan claim: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *Repository) get(ctx context.Context, tx pgx.Tx, id string, lock bool) (Scholarship, error) {
	q := `
SELECT id, registry_id, asset_id, owner, beneficiary, share_ppt,
       fee, duration_secs, expires_at, status, started_at, handoff, created_at
FROM scholarships
WHERE id = $1
`
	if lock {
		q += "FOR UPDATE\n"
	}

	var (
		rec                Scholarship
		owner, beneficiary string
		status             string
		startedAt          sql.NullTime
	)
	err := tx.QueryRow(ctx, q, id).Scan(
		&rec.ID, &rec.RegistryID, &rec.AssetID, &owner, &beneficiary, &rec.SharePPT,
		&rec.Fee, &rec.DurationSecs, &rec.ExpiresAt, &status, &startedAt, &rec.Handoff, &rec.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Scholarship{}, ErrScholarshipNotFound
	}
	if err != nil {
		return Scholarship{}, fmt.Errorf("scholarship: load: %w", err)
	}
	rec.Owner = protocol.Address(owner)
	rec.Beneficiary = protocol.Address(beneficiary)
	rec.Status = protocol.Status(status)
	if startedAt.Valid {
		t := startedAt.Time
		rec.StartedAt = &t
	}
	return rec, nil
}
