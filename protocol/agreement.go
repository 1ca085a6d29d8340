package protocol

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// Role is the two-valued caller tag the registry computes before invoking
// OnStop: the owner side (true owner or an approved delegate) or the renter.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleRenter Role = "renter"
)

// Hook names used when minting and verifying call tokens.
const (
	HookReplaced = "onReplaced"
	HookStart    = "onStart"
	HookStop     = "onStop"
)

// AgreementRef is the opaque handle the registry stores per asset: the
// implementation kind plus the instance id. The registry never sees a
// concrete agreement type.
type AgreementRef struct {
	Kind string
	ID   string
}

// IsZero reports whether the handle is unset.
func (r AgreementRef) IsZero() bool { return r.Kind == "" && r.ID == "" }

// Call is the authenticated call-context threaded through every registry
// callback. Hooks join the registry's transaction through Tx, so every
// effect they apply commits or rolls back with the enclosing operation.
type Call struct {
	Tx         pgx.Tx
	RegistryID string
	AssetID    int64
	Actor      Address
	Now        time.Time
	Token      string
}

// HolderChange is an OnStart hook's decision about the asset's holder. The
// registry applies the flip only when Apply is set and the hook returned
// without error; role-grant style agreements leave the holder untouched.
type HolderChange struct {
	Apply bool
	To    Address
}

// Agreement is the capability set every agreement implementation exposes to
// the registry. The registry is always the caller; implementations trust a
// call only after verifying its token against the registry they were bound
// to, never any content of the call itself.
type Agreement interface {
	// OnReplaced is the veto hook invoked before the registry swaps this
	// agreement out. Returning an error aborts the replacement entirely.
	OnReplaced(ctx context.Context, call Call) error
	// OnStart decides whether the rental becomes effective and requests the
	// holder flip.
	OnStart(ctx context.Context, call Call) (HolderChange, error)
	// OnStop finalises the rental for the given caller role.
	OnStop(ctx context.Context, call Call, role Role) error
	// Supports reports whether the implementation handles the capability.
	Supports(cap CapabilityID) bool
}
