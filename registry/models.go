package registry

import "rentledger/protocol"

// Asset mirrors the assets table columns owned by the registry: the
// custody-of-record owner, the party currently holding possession rights,
// and the optional opaque agreement handle.
type Asset struct {
	RegistryID    string
	AssetID       int64
	TrueOwner     protocol.Address
	CurrentHolder protocol.Address
	Agreement     protocol.AgreementRef
}

// Rented reports whether possession currently sits away from the true owner.
func (a Asset) Rented() bool {
	return a.CurrentHolder != a.TrueOwner
}
