package scholarship

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
	// ErrNotPending rejects a start on a scholarship that already ran.
	ErrNotPending = fmt.Errorf("scholarship: status is not pending: %w", protocol.ErrPrecondition)
	// ErrNotActive rejects claims and stops outside the active window.
	ErrNotActive = fmt.Errorf("scholarship: status is not active: %w", protocol.ErrPrecondition)
	// ErrOfferExpired rejects a start after the offer's expiration.
	ErrOfferExpired = fmt.Errorf("scholarship: offer expired: %w", protocol.ErrPrecondition)
	// ErrWrongFee rejects any payment that is not exactly the fee.
	ErrWrongFee = fmt.Errorf("scholarship: payment must equal fee exactly: %w", protocol.ErrPrecondition)
	// ErrWrongCaller rejects an actor with no standing.
	ErrWrongCaller = fmt.Errorf("scholarship: caller has no standing: %w", protocol.ErrPrecondition)
	// ErrNotElapsed rejects a stop before the full duration has passed.
	ErrNotElapsed = fmt.Errorf("scholarship: duration not yet elapsed: %w", protocol.ErrPrecondition)
	// ErrNotFinished rejects a redemption before the scholarship finished.
	ErrNotFinished = fmt.Errorf("scholarship: status is not finished: %w", protocol.ErrPrecondition)
	// ErrNoHandoff rejects an accept callback with no start in flight.
	ErrNoHandoff = fmt.Errorf("scholarship: no start handoff in progress: %w", protocol.ErrPrecondition)
	// ErrPendingYield blocks forwarding while the yield source reports a
	// nonzero claimable amount before or after the claim. Requiring zero on
	// both sides prevents double counting of a single yield event.
	ErrPendingYield = fmt.Errorf("scholarship: pending yield must be zero around a claim: %w", protocol.ErrPrecondition)
	// ErrAgreementActive vetoes replacement while the scholarship is active.
	ErrAgreementActive = fmt.Errorf("scholarship: agreement is active: %w", protocol.ErrVetoed)
	// ErrInvalidParams rejects a create call with unusable terms.
	ErrInvalidParams = fmt.Errorf("scholarship: invalid terms: %w", protocol.ErrPrecondition)
)

// YieldSource is the external yield collaborator: an opaque, possibly
// failing service the scholarship forwards claims to on the owner's behalf.
type YieldSource interface {
	ClaimableAmount(ctx context.Context, owner protocol.Address, assetID int64) (int64, error)
	Claim(ctx context.Context, owner protocol.Address, assetID int64, amount int64, proof []byte) error
}

// Registry is the slice of the ownership registry the scholarship uses.
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

// Service drives scholarship agreements: a rental overlay whose beneficiary
// receives a fixed parts-per-thousand cut of every forwarded yield claim,
// the remainder accruing to the true owner's escrow.
type Service struct {
	pool     TxBeginner
	repo     *Repository
	reg      Registry
	escrow   *escrow.Ledger
	sink     escrow.PayoutSink
	yield    YieldSource
	verifier *protocol.TokenVerifier
	nowFn    func() time.Time
	caps     protocol.Caps
}

// NewService wires the scholarship machine against one registry and one
// yield source.
func NewService(pool TxBeginner, reg Registry, ledger *escrow.Ledger, sink escrow.PayoutSink, yield YieldSource, secret []byte) *Service {
	return &Service{
		pool:     pool,
		repo:     NewRepository(),
		reg:      reg,
		escrow:   ledger,
		sink:     sink,
		yield:    yield,
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

// Create stores a pending scholarship, snapshotting the registry's true
// owner.
func (s *Service) Create(ctx context.Context, params CreateParams) (Scholarship, error) {
	if params.Fee < 0 || params.DurationSecs <= 0 || params.Beneficiary.IsZero() {
		return Scholarship{}, ErrInvalidParams
	}
	if params.SharePPT < 0 || params.SharePPT > SharePPTMax {
		return Scholarship{}, ErrInvalidParams
	}
	now := s.nowFn()
	if !params.ExpiresAt.After(now) {
		return Scholarship{}, ErrInvalidParams
	}

	asset, err := s.reg.Get(ctx, params.AssetID)
	if err != nil {
		return Scholarship{}, err
	}

	rec := Scholarship{
		ID:           uuid.NewString(),
		RegistryID:   s.reg.ID(),
		AssetID:      params.AssetID,
		Owner:        asset.TrueOwner,
		Beneficiary:  params.Beneficiary,
		SharePPT:     params.SharePPT,
		Fee:          params.Fee,
		DurationSecs: params.DurationSecs,
		ExpiresAt:    params.ExpiresAt,
		Status:       protocol.StatusPending,
		CreatedAt:    now,
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Scholarship{}, fmt.Errorf("scholarship: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.Insert(ctx, tx, rec); err != nil {
		return Scholarship{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Scholarship{}, fmt.Errorf("scholarship: commit tx: %w", err)
	}
	return rec, nil
}

// Get returns the scholarship record.
func (s *Service) Get(ctx context.Context, id string) (Scholarship, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Scholarship{}, fmt.Errorf("scholarship: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	return s.repo.Get(ctx, tx, id)
}

// Balance reports a party's escrow balance on this scholarship.
func (s *Service) Balance(ctx context.Context, id string, party protocol.Address) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("scholarship: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	return s.escrow.Balance(ctx, tx, id, party)
}

// Claims returns the retained forwarded-claim history.
func (s *Service) Claims(ctx context.Context, id string) ([]Claim, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("scholarship: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	return s.repo.ListClaims(ctx, tx, id)
}

// Start is the beneficiary's entry point. The exact-fee rule applies even
// when the fee is zero.
func (s *Service) Start(ctx context.Context, id string, payer protocol.Address, payment int64) error {
	now := s.nowFn()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("scholarship: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Asset row before the instance row, matching registry-initiated calls.
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
	if payer != rec.Beneficiary {
		return ErrWrongCaller
	}

	if err := s.repo.MarkStarted(ctx, tx, id, now); err != nil {
		return err
	}
	if rec.Fee > 0 {
		if err := s.escrow.Credit(ctx, tx, id, rec.Owner, rec.Fee); err != nil {
			return err
		}
	}
	if err := s.reg.AcceptAgreementTx(ctx, tx, rec.AssetID, payer, now); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("scholarship: commit tx: %w", err)
	}
	return nil
}

// ForwardClaim pulls one yield event through the external source and splits
// it between beneficiary and owner escrow. The source's pending amount must
// read zero immediately before and after the claim so a single yield event
// can never be counted twice.
func (s *Service) ForwardClaim(ctx context.Context, id string, caller protocol.Address, amount int64, proof []byte) error {
	if amount <= 0 {
		return escrow.ErrInvalidAmount
	}
	now := s.nowFn()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("scholarship: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	if rec.Status != protocol.StatusActive {
		return ErrNotActive
	}
	if caller != rec.Owner && caller != rec.Beneficiary {
		return ErrWrongCaller
	}

	pending, err := s.yield.ClaimableAmount(ctx, rec.Owner, rec.AssetID)
	if err != nil {
		return fmt.Errorf("scholarship: read pending yield: %w", err)
	}
	if pending != 0 {
		return ErrPendingYield
	}
	if err := s.yield.Claim(ctx, rec.Owner, rec.AssetID, amount, proof); err != nil {
		return fmt.Errorf("scholarship: forward claim: %w", err)
	}
	pending, err = s.yield.ClaimableAmount(ctx, rec.Owner, rec.AssetID)
	if err != nil {
		return fmt.Errorf("scholarship: re-read pending yield: %w", err)
	}
	if pending != 0 {
		return ErrPendingYield
	}

	share := amount * rec.SharePPT / SharePPTMax
	if share > 0 {
		if err := s.escrow.Credit(ctx, tx, id, rec.Beneficiary, share); err != nil {
			return err
		}
	}
	if rest := amount - share; rest > 0 {
		if err := s.escrow.Credit(ctx, tx, id, rec.Owner, rest); err != nil {
			return err
		}
	}
	claim := Claim{
		ID:               uuid.NewString(),
		AgreementID:      id,
		Amount:           amount,
		BeneficiaryShare: share,
		ClaimedAt:        now,
	}
	if err := s.repo.InsertClaim(ctx, tx, claim); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("scholarship: commit tx: %w", err)
	}
	return nil
}

// Redeem settles a party's own escrow balance after the scholarship
// finished. Owner and beneficiary each withdraw their side of the split.
func (s *Service) Redeem(ctx context.Context, id string, caller protocol.Address, amount int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("scholarship: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	if caller != rec.Owner && caller != rec.Beneficiary {
		return ErrWrongCaller
	}
	if rec.Status != protocol.StatusFinished {
		return ErrNotFinished
	}

	if err := s.escrow.Withdraw(ctx, tx, id, caller, amount, s.sink); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("scholarship: commit tx: %w", err)
	}
	return nil
}

// Agreement implements registry.Binder.
func (s *Service) Agreement(id string) protocol.Agreement {
	return &boundScholarship{svc: s, id: id}
}

type boundScholarship struct {
	svc *Service
	id  string
}

func (b *boundScholarship) Supports(cap protocol.CapabilityID) bool {
	return b.svc.caps.Has(cap)
}

// OnReplaced vetoes replacement while the scholarship is active.
func (b *boundScholarship) OnReplaced(ctx context.Context, call protocol.Call) error {
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

// OnStart confirms the start handoff and hands possession to the
// beneficiary for the scholarship window.
func (b *boundScholarship) OnStart(ctx context.Context, call protocol.Call) (protocol.HolderChange, error) {
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
	return protocol.HolderChange{Apply: true, To: rec.Beneficiary}, nil
}

// OnStop finishes the scholarship after the full duration.
func (b *boundScholarship) OnStop(ctx context.Context, call protocol.Call, role protocol.Role) error {
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
	if role == protocol.RoleRenter && call.Actor != rec.Beneficiary {
		return ErrWrongCaller
	}
	if rec.elapsed(call.Now) < rec.DurationSecs {
		return ErrNotElapsed
	}
	return b.svc.repo.SetStatus(ctx, call.Tx, b.id, protocol.StatusFinished)
}
