package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"rentledger/protocol"
)

// AssetLedger is the base asset ledger collaborator. Mint/burn and standard
// transfer mechanics live there; the registry only consults custody and
// delegation facts and never calls Transfer while an asset is rented.
type AssetLedger interface {
	OwnerOf(ctx context.Context, assetID int64) (protocol.Address, error)
	ApprovedFor(ctx context.Context, assetID int64) (protocol.Address, error)
	IsOperatorFor(ctx context.Context, owner, delegate protocol.Address) (bool, error)
	Transfer(ctx context.Context, assetID int64, from, to protocol.Address) error
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Service is the ownership registry: per-asset custody records plus the
// callback choreography that lets pluggable agreement logic move possession
// without ever owning the record itself.
type Service struct {
	id       string
	pool     TxBeginner
	repo     *Repository
	resolver Resolver
	ledger   AssetLedger
	minter   *protocol.TokenMinter
	nowFn    func() time.Time
	caps     protocol.Caps
}

// NewService wires a registry identified by id. The secret seeds the call
// tokens agreements verify on every callback.
func NewService(id string, pool TxBeginner, resolver Resolver, ledger AssetLedger, secret []byte) *Service {
	return &Service{
		id:       id,
		pool:     pool,
		repo:     NewRepository(),
		resolver: resolver,
		ledger:   ledger,
		minter:   protocol.NewTokenMinter(id, secret),
		nowFn:    time.Now,
		caps:     protocol.NewCaps(protocol.CapAccept, protocol.CapSet),
	}
}

// WithClock overrides the time source; tests use this to drive time gates.
func (s *Service) WithClock(nowFn func() time.Time) *Service {
	s.nowFn = nowFn
	return s
}

// ID returns the registry identity agreements bind their verifiers to.
func (s *Service) ID() string { return s.id }

// Supports answers capability introspection for this registry.
func (s *Service) Supports(cap protocol.CapabilityID) bool {
	return s.caps.Has(cap)
}

// Register seeds the custody record for an asset, snapshotting the base
// ledger's owner.
func (s *Service) Register(ctx context.Context, assetID int64, owner protocol.Address) (Asset, error) {
	ledgerOwner, err := s.ledger.OwnerOf(ctx, assetID)
	if err != nil {
		return Asset{}, fmt.Errorf("registry: consult base ledger: %w", err)
	}
	// A ledger that does not track the asset yields a zero owner; the
	// registry then becomes the custody-of-record on its own.
	if !ledgerOwner.IsZero() && ledgerOwner != owner {
		return Asset{}, fmt.Errorf("%w: ledger says %s", ErrOwnerMismatch, ledgerOwner)
	}

	asset := Asset{RegistryID: s.id, AssetID: assetID, TrueOwner: owner, CurrentHolder: owner}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Asset{}, fmt.Errorf("registry: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.Insert(ctx, tx, asset); err != nil {
		return Asset{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Asset{}, fmt.Errorf("registry: commit tx: %w", err)
	}
	return asset, nil
}

// Get returns the asset's custody record.
func (s *Service) Get(ctx context.Context, assetID int64) (Asset, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Asset{}, fmt.Errorf("registry: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	return s.repo.Get(ctx, tx, s.id, assetID)
}

// List returns every tracked asset.
func (s *Service) List(ctx context.Context) ([]Asset, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	return s.repo.List(ctx, tx, s.id)
}

// SetAgreement links (or clears, with a zero ref) the agreement handle for
// an asset. An existing agreement gets its veto hook invoked first; a veto
// aborts the whole call with no state change.
// LockAssetTx row-locks the asset record inside tx. Agreement entry points
// take this lock before their own instance row so every path through the
// registry acquires asset then agreement in the same order.
func (s *Service) LockAssetTx(ctx context.Context, tx pgx.Tx, assetID int64) error {
	_, err := s.repo.GetForUpdate(ctx, tx, s.id, assetID)
	return err
}

func (s *Service) SetAgreement(ctx context.Context, assetID int64, ref protocol.AgreementRef, actor protocol.Address) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("registry: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.SetAgreementTx(ctx, tx, assetID, ref, actor, s.nowFn()); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("registry: commit tx: %w", err)
	}
	return nil
}

// SetAgreementTx is the transaction-joining form of SetAgreement.
func (s *Service) SetAgreementTx(ctx context.Context, tx pgx.Tx, assetID int64, ref protocol.AgreementRef, actor protocol.Address, now time.Time) error {
	asset, err := s.repo.GetForUpdate(ctx, tx, s.id, assetID)
	if err != nil {
		return err
	}
	if err := s.authorize(ctx, asset, actor); err != nil {
		return err
	}

	if !asset.Agreement.IsZero() {
		old, err := s.resolver.Resolve(asset.Agreement)
		if err != nil {
			return err
		}
		if !old.Supports(protocol.CapReplaced) {
			return fmt.Errorf("%w: %s lacks onReplaced", ErrIncompatibleAgreement, asset.Agreement.Kind)
		}
		call, err := s.newCall(tx, protocol.HookReplaced, assetID, actor, now)
		if err != nil {
			return err
		}
		if err := old.OnReplaced(ctx, call); err != nil {
			return fmt.Errorf("registry: replacement of agreement %s: %w", asset.Agreement.ID, err)
		}
	}

	if !ref.IsZero() {
		// Resolve up front so a dangling handle never lands in the record.
		if _, err := s.resolver.Resolve(ref); err != nil {
			return err
		}
	}
	return s.repo.SetAgreementRef(ctx, tx, s.id, assetID, ref)
}

// AcceptAgreement delegates to the linked agreement's OnStart hook. The hook
// decides and requests the holder flip; the registry applies it only as a
// direct effect of a successful hook return.
func (s *Service) AcceptAgreement(ctx context.Context, assetID int64, actor protocol.Address) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("registry: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.AcceptAgreementTx(ctx, tx, assetID, actor, s.nowFn()); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("registry: commit tx: %w", err)
	}
	return nil
}

// AcceptAgreementTx runs the accept path inside the caller's transaction.
// Agreement Start entry points call back in here so the whole start dance
// commits or rolls back as one unit.
func (s *Service) AcceptAgreementTx(ctx context.Context, tx pgx.Tx, assetID int64, actor protocol.Address, now time.Time) error {
	asset, err := s.repo.GetForUpdate(ctx, tx, s.id, assetID)
	if err != nil {
		return err
	}
	if asset.Agreement.IsZero() {
		return ErrNoAgreement
	}

	ag, err := s.resolver.Resolve(asset.Agreement)
	if err != nil {
		return err
	}
	if !ag.Supports(protocol.CapStart) {
		return fmt.Errorf("%w: %s lacks onStart", ErrIncompatibleAgreement, asset.Agreement.Kind)
	}

	call, err := s.newCall(tx, protocol.HookStart, assetID, actor, now)
	if err != nil {
		return err
	}
	change, err := ag.OnStart(ctx, call)
	if err != nil {
		return fmt.Errorf("registry: agreement %s refused start: %w", asset.Agreement.ID, err)
	}
	if change.Apply {
		if err := s.repo.SetHolder(ctx, tx, s.id, assetID, change.To); err != nil {
			return err
		}
	}
	return nil
}

// StopAgreement computes the caller's role from current state, invokes the
// agreement's OnStop hook, and on success reverts possession to the true
// owner.
func (s *Service) StopAgreement(ctx context.Context, assetID int64, actor protocol.Address) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("registry: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.StopAgreementTx(ctx, tx, assetID, actor, s.nowFn()); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("registry: commit tx: %w", err)
	}
	return nil
}

// StopAgreementTx runs the stop path inside the caller's transaction.
func (s *Service) StopAgreementTx(ctx context.Context, tx pgx.Tx, assetID int64, actor protocol.Address, now time.Time) error {
	asset, err := s.repo.GetForUpdate(ctx, tx, s.id, assetID)
	if err != nil {
		return err
	}
	if asset.Agreement.IsZero() {
		return ErrNoAgreement
	}

	ag, err := s.resolver.Resolve(asset.Agreement)
	if err != nil {
		return err
	}
	if !ag.Supports(protocol.CapStop) {
		return fmt.Errorf("%w: %s lacks onStop", ErrIncompatibleAgreement, asset.Agreement.Kind)
	}

	role := protocol.RoleRenter
	if err := s.authorize(ctx, asset, actor); err == nil {
		role = protocol.RoleOwner
	}

	call, err := s.newCall(tx, protocol.HookStop, assetID, actor, now)
	if err != nil {
		return err
	}
	if err := ag.OnStop(ctx, call, role); err != nil {
		return fmt.Errorf("registry: agreement %s refused stop: %w", asset.Agreement.ID, err)
	}
	return s.repo.SetHolder(ctx, tx, s.id, assetID, asset.TrueOwner)
}

// GuardedTransfer moves custody through the base ledger, refusing while the
// asset is rented.
func (s *Service) GuardedTransfer(ctx context.Context, assetID int64, to protocol.Address, actor protocol.Address) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("registry: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	asset, err := s.repo.GetForUpdate(ctx, tx, s.id, assetID)
	if err != nil {
		return err
	}
	if asset.Rented() {
		return ErrAssetRented
	}
	if err := s.authorize(ctx, asset, actor); err != nil {
		return err
	}

	if err := s.ledger.Transfer(ctx, assetID, asset.TrueOwner, to); err != nil {
		return fmt.Errorf("registry: base ledger transfer: %w", err)
	}
	if err := s.repo.SetOwner(ctx, tx, s.id, assetID, to); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("registry: commit tx: %w", err)
	}
	return nil
}

// authorize checks the actor is the true owner, the per-asset approved
// delegate, or an operator for the owner.
func (s *Service) authorize(ctx context.Context, asset Asset, actor protocol.Address) error {
	if actor == asset.TrueOwner {
		return nil
	}
	approved, err := s.ledger.ApprovedFor(ctx, asset.AssetID)
	if err != nil {
		return fmt.Errorf("registry: consult base ledger: %w", err)
	}
	if !approved.IsZero() && approved == actor {
		return nil
	}
	operator, err := s.ledger.IsOperatorFor(ctx, asset.TrueOwner, actor)
	if err != nil {
		return fmt.Errorf("registry: consult base ledger: %w", err)
	}
	if operator {
		return nil
	}
	return ErrNotAuthorized
}

func (s *Service) newCall(tx pgx.Tx, hook string, assetID int64, actor protocol.Address, now time.Time) (protocol.Call, error) {
	token, err := s.minter.Mint(hook, assetID, now)
	if err != nil {
		return protocol.Call{}, err
	}
	return protocol.Call{
		Tx:         tx,
		RegistryID: s.id,
		AssetID:    assetID,
		Actor:      actor,
		Now:        now,
		Token:      token,
	}, nil
}
