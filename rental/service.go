package rental

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"rentledger/escrow"
	"rentledger/protocol"
	"rentledger/registry"
)

var (
	// ErrNotPending rejects a start on a rental that already ran.
	ErrNotPending = fmt.Errorf("rental: status is not pending: %w", protocol.ErrPrecondition)
	// ErrOfferExpired rejects a start after the offer's expiration.
	ErrOfferExpired = fmt.Errorf("rental: offer expired: %w", protocol.ErrPrecondition)
	// ErrWrongFee rejects any payment that is not exactly the fee.
	ErrWrongFee = fmt.Errorf("rental: payment must equal fee exactly: %w", protocol.ErrPrecondition)
	// ErrWrongCaller rejects an actor with no standing on the rental.
	ErrWrongCaller = fmt.Errorf("rental: caller has no standing: %w", protocol.ErrPrecondition)
	// ErrNotActive rejects stop/handoff on a rental that is not active.
	ErrNotActive = fmt.Errorf("rental: status is not active: %w", protocol.ErrPrecondition)
	// ErrNotElapsed rejects a stop before the full duration has passed.
	ErrNotElapsed = fmt.Errorf("rental: duration not yet elapsed: %w", protocol.ErrPrecondition)
	// ErrNotFinished rejects a redemption before the rental finished.
	ErrNotFinished = fmt.Errorf("rental: status is not finished: %w", protocol.ErrPrecondition)
	// ErrNoHandoff rejects an accept callback that no start entry point is
	// waiting on.
	ErrNoHandoff = fmt.Errorf("rental: no start handoff in progress: %w", protocol.ErrPrecondition)
	// ErrAgreementActive vetoes replacing this agreement while it is active.
	ErrAgreementActive = fmt.Errorf("rental: agreement is active: %w", protocol.ErrVetoed)
	// ErrInvalidParams rejects a create call with unusable terms.
	ErrInvalidParams = fmt.Errorf("rental: invalid terms: %w", protocol.ErrPrecondition)
)

// Registry is the slice of the ownership registry the rental machine uses:
// the owner snapshot at creation and the in-transaction accept path the
// start entry point calls back into.
type Registry interface {
	ID() string
	Get(ctx context.Context, assetID int64) (registry.Asset, error)
	LockAssetTx(ctx context.Context, tx pgx.Tx, assetID int64) error
	AcceptAgreementTx(ctx context.Context, tx pgx.Tx, assetID int64, actor protocol.Address, now time.Time) error
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Service drives single-party rental agreements through
// pending -> active -> finished, crediting the fee into per-instance escrow
// and settling it after the rental finished.
type Service struct {
	pool     TxBeginner
	repo     *Repository
	reg      Registry
	escrow   *escrow.Ledger
	sink     escrow.PayoutSink
	verifier *protocol.TokenVerifier
	nowFn    func() time.Time
	caps     protocol.Caps
}

// NewService wires the rental machine against one registry. The secret must
// be the registry's call-token secret; hooks reject callbacks from anyone
// else.
func NewService(pool TxBeginner, reg Registry, ledger *escrow.Ledger, sink escrow.PayoutSink, secret []byte) *Service {
	return &Service{
		pool:     pool,
		repo:     NewRepository(),
		reg:      reg,
		escrow:   ledger,
		sink:     sink,
		verifier: protocol.NewTokenVerifier(reg.ID(), secret),
		nowFn:    time.Now,
		caps:     protocol.NewCaps(protocol.CapReplaced, protocol.CapStart, protocol.CapStop),
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(nowFn func() time.Time) *Service {
	s.nowFn = nowFn
	return s
}

// Create stores a pending rental, snapshotting the registry's true owner.
func (s *Service) Create(ctx context.Context, params CreateParams) (Rental, error) {
	if params.Fee <= 0 || params.DurationSecs <= 0 {
		return Rental{}, ErrInvalidParams
	}
	now := s.nowFn()
	if !params.ExpiresAt.After(now) {
		return Rental{}, ErrInvalidParams
	}

	asset, err := s.reg.Get(ctx, params.AssetID)
	if err != nil {
		return Rental{}, err
	}

	rec := Rental{
		ID:                    uuid.NewString(),
		RegistryID:            s.reg.ID(),
		AssetID:               params.AssetID,
		Owner:                 asset.TrueOwner,
		Renter:                params.Renter,
		Fee:                   params.Fee,
		DurationSecs:          params.DurationSecs,
		ExpiresAt:             params.ExpiresAt,
		Status:                protocol.StatusPending,
		AllowEarlyTermination: params.AllowEarlyTermination,
		CreatedAt:             now,
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Rental{}, fmt.Errorf("rental: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.Insert(ctx, tx, rec); err != nil {
		return Rental{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Rental{}, fmt.Errorf("rental: commit tx: %w", err)
	}
	return rec, nil
}

// Get returns the rental record.
func (s *Service) Get(ctx context.Context, id string) (Rental, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Rental{}, fmt.Errorf("rental: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	return s.repo.Get(ctx, tx, id)
}

// Balance reports a party's escrow balance on this rental.
func (s *Service) Balance(ctx context.Context, id string, party protocol.Address) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("rental: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	return s.escrow.Balance(ctx, tx, id, party)
}

// Start is the renter's entry point: it validates the offer, credits the fee
// into the owner's escrow, and calls back into the registry's accept path so
// the holder flip and every other effect commit as one unit.
func (s *Service) Start(ctx context.Context, id string, payer protocol.Address, payment int64) error {
	now := s.nowFn()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("rental: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Registry-initiated calls lock the asset row before the rental row;
	// Start follows the same order, reading the asset id without a lock
	// first.
	probe, err := s.repo.Get(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := s.reg.LockAssetTx(ctx, tx, probe.AssetID); err != nil {
		return err
	}

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
	if payment != rec.Fee {
		return ErrWrongFee
	}
	if !rec.Renter.IsZero() && payer != rec.Renter {
		return ErrWrongCaller
	}

	if err := s.repo.MarkStarted(ctx, tx, id, payer, now); err != nil {
		return err
	}
	if err := s.escrow.Credit(ctx, tx, id, rec.Owner, rec.Fee); err != nil {
		return err
	}
	if err := s.reg.AcceptAgreementTx(ctx, tx, rec.AssetID, payer, now); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("rental: commit tx: %w", err)
	}
	return nil
}

// Redeem settles a party's own escrowed funds after the rental finished.
// The owner draws the fee; an early-terminated renter draws the prorated
// refund. The balance decrement lands strictly before the external payout; a
// payout failure fails the whole call and the balance stays put.
func (s *Service) Redeem(ctx context.Context, id string, caller protocol.Address, amount int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("rental: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	if caller != rec.Owner && caller != rec.Renter {
		return ErrWrongCaller
	}
	if rec.Status != protocol.StatusFinished {
		return ErrNotFinished
	}

	if err := s.escrow.Withdraw(ctx, tx, id, caller, amount, s.sink); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("rental: commit tx: %w", err)
	}
	return nil
}

// Agreement implements registry.Binder.
func (s *Service) Agreement(id string) protocol.Agreement {
	return &boundRental{svc: s, id: id}
}

// boundRental is one rental instance seen through the agreement protocol.
type boundRental struct {
	svc *Service
	id  string
}

func (b *boundRental) Supports(cap protocol.CapabilityID) bool {
	return b.svc.caps.Has(cap)
}

// OnReplaced vetoes replacement while the rental is active.
func (b *boundRental) OnReplaced(ctx context.Context, call protocol.Call) error {
	if err := b.svc.verifier.Verify(call.Token, protocol.HookReplaced, call.AssetID); err != nil {
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

// OnStart confirms the start handoff raised by this instance's Start entry
// point and requests the holder flip to the renter. A direct accept call
// with no handoff in flight is refused.
func (b *boundRental) OnStart(ctx context.Context, call protocol.Call) (protocol.HolderChange, error) {
	if err := b.svc.verifier.Verify(call.Token, protocol.HookStart, call.AssetID); err != nil {
		return protocol.HolderChange{}, err
	}
	rec, err := b.svc.repo.GetForUpdate(ctx, call.Tx, b.id)
	if err != nil {
		return protocol.HolderChange{}, err
	}
	if rec.AssetID != call.AssetID || rec.RegistryID != call.RegistryID {
		return protocol.HolderChange{}, ErrWrongCaller
	}
	if rec.Status != protocol.StatusActive || !rec.Handoff {
		return protocol.HolderChange{}, ErrNoHandoff
	}
	if err := b.svc.repo.ClearHandoff(ctx, call.Tx, b.id); err != nil {
		return protocol.HolderChange{}, err
	}
	return protocol.HolderChange{Apply: true, To: rec.Renter}, nil
}

// OnStop finishes the rental. The default policy requires the full duration;
// with the early-termination flag set, a renter-initiated stop before that
// prorates the fee and credits the remainder back to the renter's escrow.
func (b *boundRental) OnStop(ctx context.Context, call protocol.Call, role protocol.Role) error {
	if err := b.svc.verifier.Verify(call.Token, protocol.HookStop, call.AssetID); err != nil {
		return err
	}
	rec, err := b.svc.repo.GetForUpdate(ctx, call.Tx, b.id)
	if err != nil {
		return err
	}
	if rec.AssetID != call.AssetID || rec.RegistryID != call.RegistryID {
		return ErrWrongCaller
	}
	if !rec.Status.CanTransition(protocol.StatusFinished) {
		return ErrNotActive
	}
	if role == protocol.RoleRenter && call.Actor != rec.Renter {
		return ErrWrongCaller
	}

	elapsed := rec.elapsed(call.Now)
	if elapsed < rec.DurationSecs {
		if !(rec.AllowEarlyTermination && role == protocol.RoleRenter) {
			return ErrNotElapsed
		}
		earned := rec.Fee * elapsed / rec.DurationSecs
		if refund := rec.Fee - earned; refund > 0 {
			if err := b.svc.escrow.Move(ctx, call.Tx, b.id, rec.Owner, rec.Renter, refund); err != nil {
				return err
			}
		}
	}
	return b.svc.repo.SetStatus(ctx, call.Tx, b.id, protocol.StatusFinished)
}
