package registry

import (
	"fmt"

	"rentledger/protocol"
)

var (
	// ErrAssetNotFound is returned when no asset row exists for the id.
	ErrAssetNotFound = fmt.Errorf("registry: asset not found: %w", protocol.ErrPrecondition)
	// ErrAssetExists is returned when registering an already-tracked asset.
	ErrAssetExists = fmt.Errorf("registry: asset already registered: %w", protocol.ErrPrecondition)
	// ErrAssetRented blocks base-ledger transfers while possession sits with
	// a renter.
	ErrAssetRented = fmt.Errorf("registry: asset is rented: %w", protocol.ErrPrecondition)
	// ErrNotAuthorized signals the actor is neither the true owner nor an
	// approved delegate.
	ErrNotAuthorized = fmt.Errorf("registry: caller is not owner or approved delegate: %w", protocol.ErrPrecondition)
	// ErrNoAgreement signals the asset has no linked agreement to operate on.
	ErrNoAgreement = fmt.Errorf("registry: no agreement set for asset: %w", protocol.ErrPrecondition)
	// ErrUnknownAgreementKind signals an agreement handle whose kind has no
	// registered implementation.
	ErrUnknownAgreementKind = fmt.Errorf("registry: unknown agreement kind: %w", protocol.ErrPrecondition)
	// ErrIncompatibleAgreement rejects a collaborator that does not announce
	// the capability about to be invoked.
	ErrIncompatibleAgreement = fmt.Errorf("registry: agreement does not support required capability: %w", protocol.ErrPrecondition)
	// ErrOwnerMismatch signals a registration whose owner disagrees with the
	// base ledger.
	ErrOwnerMismatch = fmt.Errorf("registry: owner does not match base ledger: %w", protocol.ErrPrecondition)
)
