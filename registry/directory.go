package registry

import (
	"fmt"

	"rentledger/protocol"
)

// Binder hands out an agreement implementation bound to one instance id.
// Each variant service registers itself as the binder for its kind.
type Binder interface {
	Agreement(id string) protocol.Agreement
}

// Resolver turns the opaque per-asset handle into a live agreement.
type Resolver interface {
	Resolve(ref protocol.AgreementRef) (protocol.Agreement, error)
}

// Directory is the registry's dispatch boundary over the pluggable agreement
// kinds. The registry only ever sees protocol.Agreement, never a concrete
// variant type.
type Directory struct {
	kinds map[string]Binder
}

func NewDirectory() *Directory {
	return &Directory{kinds: make(map[string]Binder)}
}

// Register installs the binder for a kind. Later registrations replace
// earlier ones.
func (d *Directory) Register(kind string, b Binder) {
	d.kinds[kind] = b
}

// Resolve implements Resolver.
func (d *Directory) Resolve(ref protocol.AgreementRef) (protocol.Agreement, error) {
	b, ok := d.kinds[ref.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgreementKind, ref.Kind)
	}
	return b.Agreement(ref.ID), nil
}
