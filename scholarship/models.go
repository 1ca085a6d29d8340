package scholarship

import (
	"time"

	"rentledger/protocol"
)

// Kind is the agreement kind this package registers with the directory.
const Kind = "scholarship"

// SharePPTMax caps the beneficiary's proportion (parts per thousand).
const SharePPTMax = 1000

// Scholarship mirrors the scholarships table: a rental whose renter (the
// beneficiary) is entitled to a fixed share of externally claimed yield on
// the asset, with the rest accruing to the true owner.
type Scholarship struct {
	ID           string
	RegistryID   string
	AssetID      int64
	Owner        protocol.Address
	Beneficiary  protocol.Address
	SharePPT     int64
	Fee          int64
	DurationSecs int64
	ExpiresAt    time.Time
	Status       protocol.Status
	StartedAt    *time.Time
	Handoff      bool
	CreatedAt    time.Time
}

// Claim is one forwarded yield event, retained for history.
type Claim struct {
	ID               string
	AgreementID      string
	Amount           int64
	BeneficiaryShare int64
	ClaimedAt        time.Time
}

// CreateParams enumerates the inputs to Create. Fee may be zero: many
// scholarships charge the beneficiary nothing up front and settle purely
// through the yield split.
type CreateParams struct {
	AssetID      int64
	Beneficiary  protocol.Address
	SharePPT     int64
	Fee          int64
	DurationSecs int64
	ExpiresAt    time.Time
}

func (s Scholarship) elapsed(now time.Time) int64 {
	if s.StartedAt == nil {
		return 0
	}
	return int64(now.Sub(*s.StartedAt) / time.Second)
}
