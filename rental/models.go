package rental

import (
	"time"

	"rentledger/protocol"
)

// Kind is the agreement kind this package registers with the directory.
const Kind = "rental"

// Rental mirrors the rentals table: one single-party rental agreement
// instance. Owner is snapshotted from the registry at creation time because
// the registry's true owner can already differ from the raw holder under
// nested rentals.
type Rental struct {
	ID           string
	RegistryID   string
	AssetID      int64
	Owner        protocol.Address
	Renter       protocol.Address
	Fee          int64
	DurationSecs int64
	ExpiresAt    time.Time
	Status       protocol.Status
	StartedAt    *time.Time
	// AllowEarlyTermination is the per-instance policy flag: when set, a
	// renter-initiated stop before the full duration prorates the fee
	// instead of failing.
	AllowEarlyTermination bool
	// Handoff marks the window between the start entry point and the
	// registry's accept callback. It is only ever true inside an
	// uncommitted transaction.
	Handoff   bool
	CreatedAt time.Time
}

// CreateParams enumerates the inputs to Create. Renter may be zero for an
// open offer; the first valid payer becomes the renter.
type CreateParams struct {
	AssetID               int64
	Renter                protocol.Address
	DurationSecs          int64
	ExpiresAt             time.Time
	Fee                   int64
	AllowEarlyTermination bool
}

// elapsed reports whole seconds since the rental started.
func (r Rental) elapsed(now time.Time) int64 {
	if r.StartedAt == nil {
		return 0
	}
	return int64(now.Sub(*r.StartedAt) / time.Second)
}
