package rolegrant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"rentledger/escrow"
	"rentledger/protocol"
)

var (
	// ErrOfferExpired rejects a grant after the offer's expiration.
	ErrOfferExpired = fmt.Errorf("rolegrant: offer expired: %w", protocol.ErrPrecondition)
	// ErrUnderpaid rejects a payment below the fee. Overpayment is accepted
	// and credited back to the payer's own escrow balance.
	ErrUnderpaid = fmt.Errorf("rolegrant: payment below fee: %w", protocol.ErrPrecondition)
	// ErrWrongCaller rejects an actor with no standing.
	ErrWrongCaller = fmt.Errorf("rolegrant: caller has no standing: %w", protocol.ErrPrecondition)
	// ErrAlreadyGranted rejects a second live grant on the same asset.
	ErrAlreadyGranted = fmt.Errorf("rolegrant: asset already has a live grant: %w", protocol.ErrPrecondition)
	// ErrNoHandoff rejects an accept callback with no grant in flight.
	ErrNoHandoff = fmt.Errorf("rolegrant: no grant handoff in progress: %w", protocol.ErrPrecondition)
	// ErrGrantsLive blocks closing the agreement while grants are in force.
	ErrGrantsLive = fmt.Errorf("rolegrant: live grants outstanding: %w", protocol.ErrPrecondition)
	// ErrClosed rejects operations on a finished agreement.
	ErrClosed = fmt.Errorf("rolegrant: agreement is finished: %w", protocol.ErrPrecondition)
	// ErrNotFinished rejects an owner redemption before the agreement closed.
	ErrNotFinished = fmt.Errorf("rolegrant: agreement not finished: %w", protocol.ErrPrecondition)
	// ErrAgreementActive vetoes replacement while grants are being served.
	ErrAgreementActive = fmt.Errorf("rolegrant: agreement is active: %w", protocol.ErrVetoed)
	// ErrInvalidParams rejects a create call with unusable terms.
	ErrInvalidParams = fmt.Errorf("rolegrant: invalid terms: %w", protocol.ErrPrecondition)
)

// Registry is the slice of the ownership registry the role-grant machine
// uses for the accept handshake.
type Registry interface {
	ID() string
	LockAssetTx(ctx context.Context, tx pgx.Tx, assetID int64) error
	AcceptAgreementTx(ctx context.Context, tx pgx.Tx, assetID int64, actor protocol.Address, now time.Time) error
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Service drives role-grant agreements: renting never moves possession,
// it hands out a revocable role flag per asset. One instance serves many
// assets against a single shared per-party escrow balance map.
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

// NewService wires the role-grant machine against one registry.
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

// Create stores a pending role-grant agreement.
func (s *Service) Create(ctx context.Context, params CreateParams) (Instance, error) {
	if params.Fee <= 0 || params.DurationSecs <= 0 || params.Owner.IsZero() {
		return Instance{}, ErrInvalidParams
	}
	now := s.nowFn()
	if !params.ExpiresAt.After(now) {
		return Instance{}, ErrInvalidParams
	}

	rec := Instance{
		ID:           uuid.NewString(),
		RegistryID:   s.reg.ID(),
		Owner:        params.Owner,
		RoleID:       params.RoleID,
		Fee:          params.Fee,
		DurationSecs: params.DurationSecs,
		ExpiresAt:    params.ExpiresAt,
		Status:       protocol.StatusPending,
		CreatedAt:    now,
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Instance{}, fmt.Errorf("rolegrant: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.Insert(ctx, tx, rec); err != nil {
		return Instance{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Instance{}, fmt.Errorf("rolegrant: commit tx: %w", err)
	}
	return rec, nil
}

// Get returns the agreement record.
func (s *Service) Get(ctx context.Context, id string) (Instance, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Instance{}, fmt.Errorf("rolegrant: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	return s.repo.Get(ctx, tx, id)
}

// Grant is the payer's entry point: pay at least the fee, receive the role
// on one asset. The amount above the fee is credited to the payer's own
// escrow balance rather than rejected.
func (s *Service) Grant(ctx context.Context, id string, assetID int64, payer protocol.Address, payment int64) error {
	now := s.nowFn()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("rolegrant: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Asset row before the instance row, matching registry-initiated calls.
	if err := s.reg.LockAssetTx(ctx, tx, assetID); err != nil {
		return err
	}
	rec, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	if rec.Status == protocol.StatusFinished {
		return ErrClosed
	}
	if now.After(rec.ExpiresAt) {
		return ErrOfferExpired
	}
	if payment < rec.Fee {
		return ErrUnderpaid
	}
	if _, err := s.repo.LiveGrant(ctx, tx, id, assetID, now); err == nil {
		return ErrAlreadyGranted
	}

	g := Grant{
		AgreementID: id,
		AssetID:     assetID,
		Grantee:     payer,
		GrantedAt:   now,
		ExpiresAt:   now.Add(time.Duration(rec.DurationSecs) * time.Second),
	}
	if err := s.repo.InsertGrant(ctx, tx, g); err != nil {
		return err
	}
	if err := s.escrow.Credit(ctx, tx, id, rec.Owner, rec.Fee); err != nil {
		return err
	}
	if over := payment - rec.Fee; over > 0 {
		if err := s.escrow.Credit(ctx, tx, id, payer, over); err != nil {
			return err
		}
	}
	if rec.Status.CanTransition(protocol.StatusActive) {
		if err := s.repo.SetStatus(ctx, tx, id, protocol.StatusActive); err != nil {
			return err
		}
	}
	if err := s.reg.AcceptAgreementTx(ctx, tx, assetID, payer, now); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("rolegrant: commit tx: %w", err)
	}
	return nil
}

// HasRole reports whether the party holds the role on the asset right now.
func (s *Service) HasRole(ctx context.Context, id string, assetID int64, party protocol.Address) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("rolegrant: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	g, err := s.repo.LiveGrant(ctx, tx, id, assetID, s.nowFn())
	if errors.Is(err, ErrGrantNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return g.Grantee == party, nil
}

// Balance reports a party's escrow balance on this agreement.
func (s *Service) Balance(ctx context.Context, id string, party protocol.Address) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("rolegrant: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	return s.escrow.Balance(ctx, tx, id, party)
}

// Close finishes the agreement once nothing is being served any more,
// unlocking the owner's redemption.
func (s *Service) Close(ctx context.Context, id string, caller protocol.Address) error {
	now := s.nowFn()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("rolegrant: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	if caller != rec.Owner {
		return ErrWrongCaller
	}
	// Closing a still-pending instance withdraws an offer that never got a
	// grant, so this is not routed through the lifecycle table.
	if rec.Status == protocol.StatusFinished {
		return ErrClosed
	}
	live, err := s.repo.CountLive(ctx, tx, id, now)
	if err != nil {
		return err
	}
	if live > 0 {
		return ErrGrantsLive
	}

	if err := s.repo.SetStatus(ctx, tx, id, protocol.StatusFinished); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("rolegrant: commit tx: %w", err)
	}
	return nil
}

// Redeem settles escrowed funds. The owner's fee proceeds unlock once the
// agreement is finished; any other party may withdraw its own overpayment
// credit at any time.
func (s *Service) Redeem(ctx context.Context, id string, caller protocol.Address, amount int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("rolegrant: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	if caller == rec.Owner && rec.Status != protocol.StatusFinished {
		return ErrNotFinished
	}

	if err := s.escrow.Withdraw(ctx, tx, id, caller, amount, s.sink); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("rolegrant: commit tx: %w", err)
	}
	return nil
}

// Agreement implements registry.Binder.
func (s *Service) Agreement(id string) protocol.Agreement {
	return &boundGrant{svc: s, id: id}
}

type boundGrant struct {
	svc *Service
	id  string
}

func (b *boundGrant) Supports(cap protocol.CapabilityID) bool {
	return b.svc.caps.Has(cap)
}

// OnReplaced vetoes replacement while the agreement is serving grants.
func (b *boundGrant) OnReplaced(ctx context.Context, call protocol.Call) error {
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

// OnStart confirms the grant handoff; possession stays with the owner, so
// no holder change is requested.
func (b *boundGrant) OnStart(ctx context.Context, call protocol.Call) (protocol.HolderChange, error) {
	if err := b.svc.verifier.Verify(call.Token, protocol.HookStart, call.AssetID); err != nil {
		return protocol.HolderChange{}, err
	}
	if err := b.svc.repo.ClearHandoff(ctx, call.Tx, b.id, call.AssetID, call.Actor); err != nil {
		return protocol.HolderChange{}, ErrNoHandoff
	}
	return protocol.HolderChange{Apply: false}, nil
}

// OnStop revokes the asset's live grant: the owner side may revoke at any
// time, the grantee may renounce its own role.
func (b *boundGrant) OnStop(ctx context.Context, call protocol.Call, role protocol.Role) error {
	if err := b.svc.verifier.Verify(call.Token, protocol.HookStop, call.AssetID); err != nil {
		return err
	}
	g, err := b.svc.repo.LiveGrant(ctx, call.Tx, b.id, call.AssetID, call.Now)
	if err != nil {
		return err
	}
	if role == protocol.RoleRenter && call.Actor != g.Grantee {
		return ErrWrongCaller
	}
	return b.svc.repo.Revoke(ctx, call.Tx, b.id, call.AssetID, call.Now)
}
