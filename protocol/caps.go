package protocol

import "golang.org/x/crypto/sha3"

// CapabilityID is a 4-byte opaque tag identifying one capability of a
// registry or agreement implementation.
type CapabilityID [4]byte

// CapID derives a capability id from its canonical name: the first four
// bytes of the Keccak-256 digest of the name.
func CapID(name string) CapabilityID {
	sum := sha3.Sum256([]byte(name))
	var id CapabilityID
	copy(id[:], sum[:4])
	return id
}

// Capability ids queried before any cross-call so an incompatible
// collaborator is rejected with a descriptive failure instead of an opaque
// call failure.
var (
	CapReplaced = CapID("agreement.onReplaced")
	CapStart    = CapID("agreement.onStart")
	CapStop     = CapID("agreement.onStop")
	CapAccept   = CapID("registry.acceptAgreement")
	CapSet      = CapID("registry.setAgreement")
)

// Caps is the introspection answer sheet an implementation publishes.
type Caps map[CapabilityID]bool

// NewCaps builds a capability set from the given ids.
func NewCaps(ids ...CapabilityID) Caps {
	c := make(Caps, len(ids))
	for _, id := range ids {
		c[id] = true
	}
	return c
}

// Has reports whether the set contains the capability.
func (c Caps) Has(id CapabilityID) bool { return c[id] }
