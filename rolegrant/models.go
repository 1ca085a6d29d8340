package rolegrant

import (
	"time"

	"rentledger/protocol"
)

// Kind is the agreement kind this package registers with the directory.
const Kind = "role_grant"

// Instance mirrors the rolegrant_agreements table: one role-granting
// agreement that can cover several assets at once, sharing a single
// per-party escrow balance map across all of them. Possession never moves;
// renting grants a revocable role flag instead.
type Instance struct {
	ID           string
	RegistryID   string
	Owner        protocol.Address
	RoleID       protocol.CapabilityID
	Fee          int64
	DurationSecs int64
	ExpiresAt    time.Time
	Status       protocol.Status
	CreatedAt    time.Time
}

// Grant is one revocable role hand-out on one asset.
type Grant struct {
	AgreementID string
	AssetID     int64
	Grantee     protocol.Address
	GrantedAt   time.Time
	ExpiresAt   time.Time
	Revoked     bool
	Handoff     bool
}

// Live reports whether the grant is in force at the given time.
func (g Grant) Live(now time.Time) bool {
	return !g.Revoked && now.Before(g.ExpiresAt)
}

// CreateParams enumerates the inputs to Create.
type CreateParams struct {
	Owner        protocol.Address
	RoleID       protocol.CapabilityID
	Fee          int64
	DurationSecs int64
	ExpiresAt    time.Time
}
