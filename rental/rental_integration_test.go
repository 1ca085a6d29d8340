package rental_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"rentledger/escrow"
	"rentledger/protocol"
	"rentledger/registry"
	"rentledger/rental"
	"rentledger/test/fakes"
	"rentledger/test/infra"
)

type env struct {
	reg     *registry.Service
	rentals *rental.Service
	dir     *registry.Directory
	base    *fakes.AssetLedger
	sink    *fakes.Sink
	clk     *fakes.Clock
	nextID  int64
}

func newEnv(t *testing.T) *env {
	t.Helper()
	pool := infra.SetupDB(t)

	secret := []byte("rental-itest-secret")
	clk := fakes.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	base := fakes.NewAssetLedger()
	sink := &fakes.Sink{}

	dir := registry.NewDirectory()
	reg := registry.NewService("main", pool, dir, base, secret).WithClock(clk.Now)
	rentals := rental.NewService(pool, reg, escrow.NewLedger(), sink, secret).WithClock(clk.Now)
	dir.Register(rental.Kind, rentals)

	return &env{reg: reg, rentals: rentals, dir: dir, base: base, sink: sink, clk: clk, nextID: 1000}
}

// newAsset registers a fresh asset owned by owner and returns its id.
func (e *env) newAsset(ctx context.Context, t *testing.T, owner protocol.Address) int64 {
	t.Helper()
	e.nextID++
	e.base.SetOwner(e.nextID, owner)
	if _, err := e.reg.Register(ctx, e.nextID, owner); err != nil {
		t.Fatalf("register asset: %v", err)
	}
	return e.nextID
}

// newRental creates a pending rental and links it to the asset.
func (e *env) newRental(ctx context.Context, t *testing.T, owner protocol.Address, params rental.CreateParams) rental.Rental {
	t.Helper()
	rec, err := e.rentals.Create(ctx, params)
	if err != nil {
		t.Fatalf("create rental: %v", err)
	}
	ref := protocol.AgreementRef{Kind: rental.Kind, ID: rec.ID}
	if err := e.reg.SetAgreement(ctx, params.AssetID, ref, owner); err != nil {
		t.Fatalf("link agreement: %v", err)
	}
	return rec
}

func TestRentalIntegration(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	owner := fakes.Addr(0x0a)
	renter := fakes.Addr(0x0b)

	t.Run("week rental lifecycle", func(t *testing.T) {
		const (
			fee      = int64(10000)
			duration = int64(604800) // one week in seconds
		)
		assetID := e.newAsset(ctx, t, owner)
		rec := e.newRental(ctx, t, owner, rental.CreateParams{
			AssetID:      assetID,
			Renter:       renter,
			Fee:          fee,
			DurationSecs: duration,
			ExpiresAt:    e.clk.Now().Add(time.Hour),
		})

		if err := e.rentals.Start(ctx, rec.ID, renter, fee); err != nil {
			t.Fatalf("start: %v", err)
		}

		asset, err := e.reg.Get(ctx, assetID)
		if err != nil {
			t.Fatalf("get asset: %v", err)
		}
		if asset.CurrentHolder != renter || !asset.Rented() {
			t.Fatalf("holder = %s, want renter %s", asset.CurrentHolder, renter)
		}
		got, err := e.rentals.Get(ctx, rec.ID)
		if err != nil {
			t.Fatalf("get rental: %v", err)
		}
		if got.Status != protocol.StatusActive {
			t.Fatalf("status = %s, want active", got.Status)
		}
		if bal, _ := e.rentals.Balance(ctx, rec.ID, owner); bal != fee {
			t.Fatalf("owner escrow = %d, want %d", bal, fee)
		}

		// A stop before the week is up must be refused.
		if err := e.reg.StopAgreement(ctx, assetID, renter); !errors.Is(err, rental.ErrNotElapsed) {
			t.Fatalf("premature stop error = %v, want ErrNotElapsed", err)
		}

		e.clk.Advance(time.Duration(duration)*time.Second + time.Second)
		if err := e.reg.StopAgreement(ctx, assetID, renter); err != nil {
			t.Fatalf("stop: %v", err)
		}

		asset, err = e.reg.Get(ctx, assetID)
		if err != nil {
			t.Fatalf("get asset after stop: %v", err)
		}
		if asset.CurrentHolder != owner || asset.Rented() {
			t.Fatalf("holder after stop = %s, want owner %s", asset.CurrentHolder, owner)
		}
		got, _ = e.rentals.Get(ctx, rec.ID)
		if got.Status != protocol.StatusFinished {
			t.Fatalf("status after stop = %s, want finished", got.Status)
		}

		if err := e.rentals.Redeem(ctx, rec.ID, owner, fee); err != nil {
			t.Fatalf("redeem: %v", err)
		}
		if e.sink.Paid(owner) != fee {
			t.Fatalf("paid out %d, want %d", e.sink.Paid(owner), fee)
		}
		if bal, _ := e.rentals.Balance(ctx, rec.ID, owner); bal != 0 {
			t.Fatalf("escrow after redeem = %d, want 0", bal)
		}
		if err := e.rentals.Redeem(ctx, rec.ID, owner, 1); !errors.Is(err, escrow.ErrInsufficientBalance) {
			t.Fatalf("over-redeem error = %v, want ErrInsufficientBalance", err)
		}
	})

	t.Run("wrong payment leaves rental untouched", func(t *testing.T) {
		const fee = int64(10000)
		assetID := e.newAsset(ctx, t, owner)
		rec := e.newRental(ctx, t, owner, rental.CreateParams{
			AssetID:      assetID,
			Renter:       renter,
			Fee:          fee,
			DurationSecs: 604800,
			ExpiresAt:    e.clk.Now().Add(time.Hour),
		})

		err := e.rentals.Start(ctx, rec.ID, renter, fee+1)
		if !errors.Is(err, rental.ErrWrongFee) {
			t.Fatalf("overpay error = %v, want ErrWrongFee", err)
		}
		if !errors.Is(err, protocol.ErrPrecondition) {
			t.Fatalf("overpay should be a precondition violation, got %v", err)
		}

		got, _ := e.rentals.Get(ctx, rec.ID)
		if got.Status != protocol.StatusPending {
			t.Fatalf("status = %s, want pending", got.Status)
		}
		asset, _ := e.reg.Get(ctx, assetID)
		if asset.CurrentHolder != owner {
			t.Fatalf("holder moved on a failed start: %s", asset.CurrentHolder)
		}
		if bal, _ := e.rentals.Balance(ctx, rec.ID, owner); bal != 0 {
			t.Fatalf("escrow credited on a failed start: %d", bal)
		}

		// Exact payment still works afterwards.
		if err := e.rentals.Start(ctx, rec.ID, renter, fee); err != nil {
			t.Fatalf("start with exact fee: %v", err)
		}
	})

	t.Run("open offer binds first payer", func(t *testing.T) {
		assetID := e.newAsset(ctx, t, owner)
		rec := e.newRental(ctx, t, owner, rental.CreateParams{
			AssetID:      assetID,
			Fee:          500,
			DurationSecs: 3600,
			ExpiresAt:    e.clk.Now().Add(time.Hour),
		})

		walkIn := fakes.Addr(0x0c)
		if err := e.rentals.Start(ctx, rec.ID, walkIn, 500); err != nil {
			t.Fatalf("start open offer: %v", err)
		}
		got, _ := e.rentals.Get(ctx, rec.ID)
		if got.Renter != walkIn {
			t.Fatalf("renter = %s, want first payer %s", got.Renter, walkIn)
		}
		asset, _ := e.reg.Get(ctx, assetID)
		if asset.CurrentHolder != walkIn {
			t.Fatalf("holder = %s, want %s", asset.CurrentHolder, walkIn)
		}
	})

	t.Run("second start refused", func(t *testing.T) {
		assetID := e.newAsset(ctx, t, owner)
		rec := e.newRental(ctx, t, owner, rental.CreateParams{
			AssetID:      assetID,
			Renter:       renter,
			Fee:          500,
			DurationSecs: 3600,
			ExpiresAt:    e.clk.Now().Add(time.Hour),
		})
		if err := e.rentals.Start(ctx, rec.ID, renter, 500); err != nil {
			t.Fatalf("start: %v", err)
		}
		if err := e.rentals.Start(ctx, rec.ID, renter, 500); !errors.Is(err, rental.ErrNotPending) {
			t.Fatalf("second start error = %v, want ErrNotPending", err)
		}
	})

	t.Run("expired offer refused", func(t *testing.T) {
		assetID := e.newAsset(ctx, t, owner)
		rec := e.newRental(ctx, t, owner, rental.CreateParams{
			AssetID:      assetID,
			Renter:       renter,
			Fee:          500,
			DurationSecs: 3600,
			ExpiresAt:    e.clk.Now().Add(time.Minute),
		})
		e.clk.Advance(2 * time.Minute)
		if err := e.rentals.Start(ctx, rec.ID, renter, 500); !errors.Is(err, rental.ErrOfferExpired) {
			t.Fatalf("expired start error = %v, want ErrOfferExpired", err)
		}
	})

	t.Run("direct accept without start refused", func(t *testing.T) {
		assetID := e.newAsset(ctx, t, owner)
		e.newRental(ctx, t, owner, rental.CreateParams{
			AssetID:      assetID,
			Renter:       renter,
			Fee:          500,
			DurationSecs: 3600,
			ExpiresAt:    e.clk.Now().Add(time.Hour),
		})
		err := e.reg.AcceptAgreement(ctx, assetID, renter)
		if !errors.Is(err, rental.ErrNoHandoff) {
			t.Fatalf("bare accept error = %v, want ErrNoHandoff", err)
		}
		asset, _ := e.reg.Get(ctx, assetID)
		if asset.CurrentHolder != owner {
			t.Fatalf("holder moved on a bare accept: %s", asset.CurrentHolder)
		}
	})

	t.Run("replacement vetoed while active", func(t *testing.T) {
		assetID := e.newAsset(ctx, t, owner)
		rec := e.newRental(ctx, t, owner, rental.CreateParams{
			AssetID:      assetID,
			Renter:       renter,
			Fee:          500,
			DurationSecs: 3600,
			ExpiresAt:    e.clk.Now().Add(time.Hour),
		})
		if err := e.rentals.Start(ctx, rec.ID, renter, 500); err != nil {
			t.Fatalf("start: %v", err)
		}

		other, err := e.rentals.Create(ctx, rental.CreateParams{
			AssetID:      assetID,
			Fee:          900,
			DurationSecs: 3600,
			ExpiresAt:    e.clk.Now().Add(time.Hour),
		})
		if err != nil {
			t.Fatalf("create replacement: %v", err)
		}
		ref := protocol.AgreementRef{Kind: rental.Kind, ID: other.ID}
		err = e.reg.SetAgreement(ctx, assetID, ref, owner)
		if !errors.Is(err, protocol.ErrVetoed) {
			t.Fatalf("replacement error = %v, want a veto", err)
		}
		asset, _ := e.reg.Get(ctx, assetID)
		if asset.Agreement.ID != rec.ID {
			t.Fatalf("agreement handle changed despite veto: %s", asset.Agreement.ID)
		}
	})

	t.Run("replacement allowed while pending and after finish", func(t *testing.T) {
		assetID := e.newAsset(ctx, t, owner)
		e.newRental(ctx, t, owner, rental.CreateParams{
			AssetID:      assetID,
			Renter:       renter,
			Fee:          500,
			DurationSecs: 60,
			ExpiresAt:    e.clk.Now().Add(time.Hour),
		})

		// A pending agreement steps aside without protest.
		second := e.newRental(ctx, t, owner, rental.CreateParams{
			AssetID:      assetID,
			Renter:       renter,
			Fee:          600,
			DurationSecs: 60,
			ExpiresAt:    e.clk.Now().Add(time.Hour),
		})
		asset, _ := e.reg.Get(ctx, assetID)
		if asset.Agreement.ID != second.ID {
			t.Fatalf("agreement handle = %s, want pending replacement %s", asset.Agreement.ID, second.ID)
		}

		// Run it to finished; a finished agreement steps aside too.
		if err := e.rentals.Start(ctx, second.ID, renter, 600); err != nil {
			t.Fatalf("start: %v", err)
		}
		e.clk.Advance(61 * time.Second)
		if err := e.reg.StopAgreement(ctx, assetID, renter); err != nil {
			t.Fatalf("stop: %v", err)
		}
		third := e.newRental(ctx, t, owner, rental.CreateParams{
			AssetID:      assetID,
			Renter:       renter,
			Fee:          700,
			DurationSecs: 60,
			ExpiresAt:    e.clk.Now().Add(time.Hour),
		})
		asset, _ = e.reg.Get(ctx, assetID)
		if asset.Agreement.ID != third.ID {
			t.Fatalf("agreement handle = %s, want finished replacement %s", asset.Agreement.ID, third.ID)
		}
	})

	t.Run("replaced agreement hears the hook exactly once", func(t *testing.T) {
		assetID := e.newAsset(ctx, t, owner)
		old := &recordingAgreement{}
		e.dir.Register("recording", old)
		ref := protocol.AgreementRef{Kind: "recording", ID: "r-1"}
		if err := e.reg.SetAgreement(ctx, assetID, ref, owner); err != nil {
			t.Fatalf("link old agreement: %v", err)
		}

		replacement := e.newRental(ctx, t, owner, rental.CreateParams{
			AssetID:      assetID,
			Renter:       renter,
			Fee:          500,
			DurationSecs: 60,
			ExpiresAt:    e.clk.Now().Add(time.Hour),
		})
		if old.replaced != 1 {
			t.Fatalf("onReplaced ran %d times, want exactly 1", old.replaced)
		}
		asset, _ := e.reg.Get(ctx, assetID)
		if asset.Agreement.ID != replacement.ID {
			t.Fatalf("agreement handle = %s, want %s", asset.Agreement.ID, replacement.ID)
		}
	})

	t.Run("second stop refused", func(t *testing.T) {
		assetID := e.newAsset(ctx, t, owner)
		rec := e.newRental(ctx, t, owner, rental.CreateParams{
			AssetID:      assetID,
			Renter:       renter,
			Fee:          500,
			DurationSecs: 60,
			ExpiresAt:    e.clk.Now().Add(time.Hour),
		})
		if err := e.rentals.Start(ctx, rec.ID, renter, 500); err != nil {
			t.Fatalf("start: %v", err)
		}
		e.clk.Advance(61 * time.Second)
		if err := e.reg.StopAgreement(ctx, assetID, renter); err != nil {
			t.Fatalf("first stop: %v", err)
		}

		if err := e.reg.StopAgreement(ctx, assetID, renter); !errors.Is(err, rental.ErrNotActive) {
			t.Fatalf("second stop error = %v, want ErrNotActive", err)
		}
		got, _ := e.rentals.Get(ctx, rec.ID)
		if got.Status != protocol.StatusFinished {
			t.Fatalf("status after second stop = %s, want finished", got.Status)
		}
		asset, _ := e.reg.Get(ctx, assetID)
		if asset.CurrentHolder != owner {
			t.Fatalf("holder after second stop = %s, want owner", asset.CurrentHolder)
		}
	})

	t.Run("transfer guard while rented", func(t *testing.T) {
		assetID := e.newAsset(ctx, t, owner)
		rec := e.newRental(ctx, t, owner, rental.CreateParams{
			AssetID:      assetID,
			Renter:       renter,
			Fee:          500,
			DurationSecs: 60,
			ExpiresAt:    e.clk.Now().Add(time.Hour),
		})
		if err := e.rentals.Start(ctx, rec.ID, renter, 500); err != nil {
			t.Fatalf("start: %v", err)
		}

		buyer := fakes.Addr(0x0d)
		err := e.reg.GuardedTransfer(ctx, assetID, buyer, owner)
		if !errors.Is(err, registry.ErrAssetRented) {
			t.Fatalf("transfer while rented error = %v, want ErrAssetRented", err)
		}

		e.clk.Advance(61 * time.Second)
		if err := e.reg.StopAgreement(ctx, assetID, owner); err != nil {
			t.Fatalf("stop: %v", err)
		}
		if err := e.reg.GuardedTransfer(ctx, assetID, buyer, owner); err != nil {
			t.Fatalf("transfer after stop: %v", err)
		}
		asset, _ := e.reg.Get(ctx, assetID)
		if asset.TrueOwner != buyer || asset.CurrentHolder != buyer {
			t.Fatalf("custody after sale = %s/%s, want %s", asset.TrueOwner, asset.CurrentHolder, buyer)
		}
		if len(e.base.Transfers) == 0 {
			t.Fatal("base ledger transfer never happened")
		}
	})

	t.Run("payout failure keeps balance", func(t *testing.T) {
		assetID := e.newAsset(ctx, t, owner)
		rec := e.newRental(ctx, t, owner, rental.CreateParams{
			AssetID:      assetID,
			Renter:       renter,
			Fee:          700,
			DurationSecs: 60,
			ExpiresAt:    e.clk.Now().Add(time.Hour),
		})
		if err := e.rentals.Start(ctx, rec.ID, renter, 700); err != nil {
			t.Fatalf("start: %v", err)
		}
		e.clk.Advance(61 * time.Second)
		if err := e.reg.StopAgreement(ctx, assetID, renter); err != nil {
			t.Fatalf("stop: %v", err)
		}

		e.sink.Err = errors.New("downstream unavailable")
		err := e.rentals.Redeem(ctx, rec.ID, owner, 700)
		if !errors.Is(err, protocol.ErrTransferFailed) {
			t.Fatalf("failed payout error = %v, want ErrTransferFailed", err)
		}
		if bal, _ := e.rentals.Balance(ctx, rec.ID, owner); bal != 700 {
			t.Fatalf("balance after failed payout = %d, want 700", bal)
		}

		e.sink.Err = nil
		if err := e.rentals.Redeem(ctx, rec.ID, owner, 700); err != nil {
			t.Fatalf("resubmitted redeem: %v", err)
		}
	})

	t.Run("reentrant view sees reduced balance", func(t *testing.T) {
		assetID := e.newAsset(ctx, t, owner)
		rec := e.newRental(ctx, t, owner, rental.CreateParams{
			AssetID:      assetID,
			Renter:       renter,
			Fee:          900,
			DurationSecs: 60,
			ExpiresAt:    e.clk.Now().Add(time.Hour),
		})
		if err := e.rentals.Start(ctx, rec.ID, renter, 900); err != nil {
			t.Fatalf("start: %v", err)
		}
		e.clk.Advance(61 * time.Second)
		if err := e.reg.StopAgreement(ctx, assetID, renter); err != nil {
			t.Fatalf("stop: %v", err)
		}

		var observed int64 = -1
		e.sink.OnPay = func(ctx context.Context, to protocol.Address, amount int64, view escrow.Reentrant) error {
			bal, err := view.Balance(ctx, to)
			if err != nil {
				return err
			}
			observed = bal
			return nil
		}
		defer func() { e.sink.OnPay = nil }()

		if err := e.rentals.Redeem(ctx, rec.ID, owner, 900); err != nil {
			t.Fatalf("redeem: %v", err)
		}
		if observed != 0 {
			t.Fatalf("mid-payout balance = %d, want 0 (decrement before transfer)", observed)
		}
	})

	t.Run("early termination prorates fee", func(t *testing.T) {
		assetID := e.newAsset(ctx, t, owner)
		rec := e.newRental(ctx, t, owner, rental.CreateParams{
			AssetID:               assetID,
			Renter:                renter,
			Fee:                   10000,
			DurationSecs:          1000,
			ExpiresAt:             e.clk.Now().Add(time.Hour),
			AllowEarlyTermination: true,
		})
		if err := e.rentals.Start(ctx, rec.ID, renter, 10000); err != nil {
			t.Fatalf("start: %v", err)
		}

		e.clk.Advance(250 * time.Second)
		if err := e.reg.StopAgreement(ctx, assetID, renter); err != nil {
			t.Fatalf("early stop: %v", err)
		}

		if bal, _ := e.rentals.Balance(ctx, rec.ID, owner); bal != 2500 {
			t.Fatalf("owner escrow = %d, want earned 2500", bal)
		}
		if bal, _ := e.rentals.Balance(ctx, rec.ID, renter); bal != 7500 {
			t.Fatalf("renter escrow = %d, want refund 7500", bal)
		}
		if err := e.rentals.Redeem(ctx, rec.ID, renter, 7500); err != nil {
			t.Fatalf("renter redeem: %v", err)
		}
		if err := e.rentals.Redeem(ctx, rec.ID, owner, 2500); err != nil {
			t.Fatalf("owner redeem: %v", err)
		}
	})
}

// recordingAgreement stands in for a previously linked agreement and counts
// replacement callbacks.
type recordingAgreement struct {
	replaced int
}

func (a *recordingAgreement) Agreement(id string) protocol.Agreement { return a }

func (a *recordingAgreement) Supports(cap protocol.CapabilityID) bool {
	return cap == protocol.CapReplaced
}

func (a *recordingAgreement) OnReplaced(ctx context.Context, call protocol.Call) error {
	a.replaced++
	return nil
}

func (a *recordingAgreement) OnStart(ctx context.Context, call protocol.Call) (protocol.HolderChange, error) {
	return protocol.HolderChange{}, nil
}

func (a *recordingAgreement) OnStop(ctx context.Context, call protocol.Call, role protocol.Role) error {
	return nil
}
