package swaprental

import (
	"time"

	"rentledger/protocol"
)

// Kind is the agreement kind this package registers with the directory.
const Kind = "swap_rental"

// Leg is one side of the swap: an asset in its own registry, its owner
// snapshot, and the per-leg bookkeeping bits.
type Leg struct {
	RegistryID string
	AssetID    int64
	Owner      protocol.Address
	// Approved is the owner-side consent bit; both legs must be approved
	// before the swap can start, and a stop clears both.
	Approved bool
	// Handoff marks the window between the start entry point and this leg's
	// accept callback.
	Handoff bool
}

// Swap mirrors the swap_rentals table: a two-asset swap rental whose legs
// may live in two different registries. A stop returns the pair to pending
// so it can be re-rented without a fresh instance.
type Swap struct {
	ID           string
	A            Leg
	B            Leg
	DurationSecs int64
	ExpiresAt    time.Time
	Status       protocol.Status
	StartedAt    *time.Time
	// Stopping marks the in-transaction window while one leg's stop hook is
	// unwinding the other leg.
	Stopping  bool
	CreatedAt time.Time
}

// CreateParams enumerates the inputs to Create.
type CreateParams struct {
	RegistryA    string
	AssetA       int64
	RegistryB    string
	AssetB       int64
	DurationSecs int64
	ExpiresAt    time.Time
}

// leg returns the leg matching the registry/asset pair, and the other one.
func (s Swap) leg(registryID string, assetID int64) (mine, other *Leg, ok bool) {
	switch {
	case s.A.RegistryID == registryID && s.A.AssetID == assetID:
		return &s.A, &s.B, true
	case s.B.RegistryID == registryID && s.B.AssetID == assetID:
		return &s.B, &s.A, true
	}
	return nil, nil, false
}

func (s Swap) elapsed(now time.Time) int64 {
	if s.StartedAt == nil {
		return 0
	}
	return int64(now.Sub(*s.StartedAt) / time.Second)
}
