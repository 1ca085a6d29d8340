package swaprental

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"rentledger/protocol"
	"rentledger/registry"
)

var (
	// ErrNotPending rejects a start on a swap that is not pending.
	ErrNotPending = fmt.Errorf("swaprental: status is not pending: %w", protocol.ErrPrecondition)
	// ErrNotActive rejects a stop on a swap that is not active.
	ErrNotActive = fmt.Errorf("swaprental: status is not active: %w", protocol.ErrPrecondition)
	// ErrOfferExpired rejects a start after the offer's expiration.
	ErrOfferExpired = fmt.Errorf("swaprental: offer expired: %w", protocol.ErrPrecondition)
	// ErrNotApproved rejects a start while either leg's approval bit is
	// still clear.
	ErrNotApproved = fmt.Errorf("swaprental: both legs must be approved: %w", protocol.ErrPrecondition)
	// ErrNotElapsed rejects a stop before the full duration has passed.
	ErrNotElapsed = fmt.Errorf("swaprental: duration not yet elapsed: %w", protocol.ErrPrecondition)
	// ErrWrongCaller rejects an actor with no standing on the swap.
	ErrWrongCaller = fmt.Errorf("swaprental: caller has no standing: %w", protocol.ErrPrecondition)
	// ErrWrongAsset signals a callback for an asset this swap does not track.
	ErrWrongAsset = fmt.Errorf("swaprental: asset is not a leg of this swap: %w", protocol.ErrPrecondition)
	// ErrNoHandoff rejects an accept callback with no start in flight.
	ErrNoHandoff = fmt.Errorf("swaprental: no start handoff in progress: %w", protocol.ErrPrecondition)
	// ErrAgreementActive vetoes replacing this agreement while active.
	ErrAgreementActive = fmt.Errorf("swaprental: agreement is active: %w", protocol.ErrVetoed)
	// ErrInvalidParams rejects a create call with unusable terms.
	ErrInvalidParams = fmt.Errorf("swaprental: invalid terms: %w", protocol.ErrPrecondition)
	// ErrUnknownRegistry signals a leg whose registry is not wired in.
	ErrUnknownRegistry = fmt.Errorf("swaprental: unknown registry: %w", protocol.ErrPrecondition)
)

// Registry is the slice of an ownership registry the swap machine touches.
// Both legs' registries must expose the in-transaction accept and stop paths
// so the pair flips and unwinds atomically.
type Registry interface {
	ID() string
	Get(ctx context.Context, assetID int64) (registry.Asset, error)
	AcceptAgreementTx(ctx context.Context, tx pgx.Tx, assetID int64, actor protocol.Address, now time.Time) error
	StopAgreementTx(ctx context.Context, tx pgx.Tx, assetID int64, actor protocol.Address, now time.Time) error
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Service drives two-asset swap rentals. Unlike the single rental, a stop
// returns the pair to pending (approvals cleared) so the same instance can
// be re-rented.
type Service struct {
	pool       TxBeginner
	repo       *Repository
	registries map[string]Registry
	verifiers  map[string]*protocol.TokenVerifier
	nowFn      func() time.Time
	caps       protocol.Caps
}

// NewService wires the swap machine against the registries it may span.
// Secrets are keyed by registry id and must match each registry's call-token
// secret.
func NewService(pool TxBeginner, registries []Registry, secrets map[string][]byte) *Service {
	regs := make(map[string]Registry, len(registries))
	verifiers := make(map[string]*protocol.TokenVerifier, len(registries))
	for _, r := range registries {
		regs[r.ID()] = r
		verifiers[r.ID()] = protocol.NewTokenVerifier(r.ID(), secrets[r.ID()])
	}
	return &Service{
		pool:       pool,
		repo:       NewRepository(),
		registries: regs,
		verifiers:  verifiers,
		nowFn:      time.Now,
		caps:       protocol.NewCaps(protocol.CapReplaced, protocol.CapStart, protocol.CapStop),
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(nowFn func() time.Time) *Service {
	s.nowFn = nowFn
	return s
}

// Create stores a pending swap, snapshotting both registries' true owners.
func (s *Service) Create(ctx context.Context, params CreateParams) (Swap, error) {
	if params.DurationSecs <= 0 {
		return Swap{}, ErrInvalidParams
	}
	now := s.nowFn()
	if !params.ExpiresAt.After(now) {
		return Swap{}, ErrInvalidParams
	}

	regA, ok := s.registries[params.RegistryA]
	if !ok {
		return Swap{}, fmt.Errorf("%w: %q", ErrUnknownRegistry, params.RegistryA)
	}
	regB, ok := s.registries[params.RegistryB]
	if !ok {
		return Swap{}, fmt.Errorf("%w: %q", ErrUnknownRegistry, params.RegistryB)
	}

	assetA, err := regA.Get(ctx, params.AssetA)
	if err != nil {
		return Swap{}, err
	}
	assetB, err := regB.Get(ctx, params.AssetB)
	if err != nil {
		return Swap{}, err
	}

	rec := Swap{
		ID:           uuid.NewString(),
		A:            Leg{RegistryID: params.RegistryA, AssetID: params.AssetA, Owner: assetA.TrueOwner},
		B:            Leg{RegistryID: params.RegistryB, AssetID: params.AssetB, Owner: assetB.TrueOwner},
		DurationSecs: params.DurationSecs,
		ExpiresAt:    params.ExpiresAt,
		Status:       protocol.StatusPending,
		CreatedAt:    now,
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Swap{}, fmt.Errorf("swaprental: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.Insert(ctx, tx, rec); err != nil {
		return Swap{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Swap{}, fmt.Errorf("swaprental: commit tx: %w", err)
	}
	return rec, nil
}

// Get returns the swap record.
func (s *Service) Get(ctx context.Context, id string) (Swap, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Swap{}, fmt.Errorf("swaprental: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	return s.repo.Get(ctx, tx, id)
}

// Approve marks one leg as consented by its owner side. Each leg must be
// approved independently before Start can succeed.
func (s *Service) Approve(ctx context.Context, id string, registryID string, assetID int64, actor protocol.Address) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("swaprental: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	if rec.Status != protocol.StatusPending {
		return ErrNotPending
	}
	mine, _, ok := rec.leg(registryID, assetID)
	if !ok {
		return ErrWrongAsset
	}
	if actor != mine.Owner {
		return ErrWrongCaller
	}

	if err := s.repo.SetApproved(ctx, tx, id, mine == &rec.A, true); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("swaprental: commit tx: %w", err)
	}
	return nil
}

// Start flips both holders atomically once both approval bits are set. Each
// registry's accept path runs inside the same transaction, so a refusal on
// either leg unwinds everything.
func (s *Service) Start(ctx context.Context, id string, actor protocol.Address) error {
	now := s.nowFn()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("swaprental: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	if !rec.Status.CanTransition(protocol.StatusActive) {
		return ErrNotPending
	}
	if now.After(rec.ExpiresAt) {
		return ErrOfferExpired
	}
	if !rec.A.Approved || !rec.B.Approved {
		return ErrNotApproved
	}
	if actor != rec.A.Owner && actor != rec.B.Owner {
		return ErrWrongCaller
	}

	if err := s.repo.MarkStarted(ctx, tx, id, now); err != nil {
		return err
	}
	if err := s.registries[rec.A.RegistryID].AcceptAgreementTx(ctx, tx, rec.A.AssetID, actor, now); err != nil {
		return err
	}
	if err := s.registries[rec.B.RegistryID].AcceptAgreementTx(ctx, tx, rec.B.AssetID, actor, now); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("swaprental: commit tx: %w", err)
	}
	return nil
}

// Agreement implements registry.Binder.
func (s *Service) Agreement(id string) protocol.Agreement {
	return &boundSwap{svc: s, id: id}
}

type boundSwap struct {
	svc *Service
	id  string
}

func (b *boundSwap) Supports(cap protocol.CapabilityID) bool {
	return b.svc.caps.Has(cap)
}

func (b *boundSwap) verify(call protocol.Call, hook string) error {
	v, ok := b.svc.verifiers[call.RegistryID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownRegistry, call.RegistryID)
	}
	return v.Verify(call.Token, hook, call.AssetID)
}

// OnReplaced vetoes replacement while the swap is active.
func (b *boundSwap) OnReplaced(ctx context.Context, call protocol.Call) error {
	if err := b.verify(call, protocol.HookReplaced); err != nil {
		return err
	}
	rec, err := b.svc.repo.GetForUpdate(ctx, call.Tx, b.id)
	if err != nil {
		return err
	}
	if rec.Status == protocol.StatusActive {
		return ErrAgreementActive
	}
	return nil
}

// OnStart confirms the handoff for the leg named by the call and hands
// possession to the counterparty's owner.
func (b *boundSwap) OnStart(ctx context.Context, call protocol.Call) (protocol.HolderChange, error) {
	if err := b.verify(call, protocol.HookStart); err != nil {
		return protocol.HolderChange{}, err
	}
	rec, err := b.svc.repo.GetForUpdate(ctx, call.Tx, b.id)
	if err != nil {
		return protocol.HolderChange{}, err
	}
	mine, other, ok := rec.leg(call.RegistryID, call.AssetID)
	if !ok {
		return protocol.HolderChange{}, ErrWrongAsset
	}
	if rec.Status != protocol.StatusActive || !mine.Handoff {
		return protocol.HolderChange{}, ErrNoHandoff
	}
	if err := b.svc.repo.ClearHandoff(ctx, call.Tx, b.id, mine == &rec.A); err != nil {
		return protocol.HolderChange{}, err
	}
	return protocol.HolderChange{Apply: true, To: other.Owner}, nil
}

// OnStop unwinds both legs after the full duration: the hook invoked on the
// first leg drives the other registry's stop path inside the same
// transaction, clears both approvals, and returns the pair to pending.
func (b *boundSwap) OnStop(ctx context.Context, call protocol.Call, role protocol.Role) error {
	if err := b.verify(call, protocol.HookStop); err != nil {
		return err
	}
	rec, err := b.svc.repo.GetForUpdate(ctx, call.Tx, b.id)
	if err != nil {
		return err
	}
	_, other, ok := rec.leg(call.RegistryID, call.AssetID)
	if !ok {
		return ErrWrongAsset
	}

	// Second leg of an in-flight stop: the first leg already validated and
	// reset the pair; just let the registry revert this holder.
	if rec.Stopping {
		return nil
	}

	if !rec.Status.CanTransition(protocol.StatusPending) {
		return ErrNotActive
	}
	if rec.elapsed(call.Now) < rec.DurationSecs {
		return ErrNotElapsed
	}
	if role == protocol.RoleRenter && call.Actor != other.Owner {
		return ErrWrongCaller
	}

	if err := b.svc.repo.SetStopping(ctx, call.Tx, b.id, true); err != nil {
		return err
	}
	otherReg, ok := b.svc.registries[other.RegistryID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownRegistry, other.RegistryID)
	}
	if err := otherReg.StopAgreementTx(ctx, call.Tx, other.AssetID, call.Actor, call.Now); err != nil {
		return err
	}
	return b.svc.repo.Reset(ctx, call.Tx, b.id)
}
